// Package authreq defines the auth service descriptor and the request
// surface through which resource fetchers ask for a login and learn that one
// succeeded.
package authreq

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Profile selects the handshake variant for a service.
type Profile string

const (
	// ProfileKiosk needs no user interaction; the popup opens immediately.
	ProfileKiosk Profile = "kiosk"
	// ProfileInteractive shows a prompt and waits for the user to confirm.
	ProfileInteractive Profile = "interactive"

	// IIIF Auth 1.0 profile URIs as they appear in manifests.
	ProfileURIKiosk        Profile = "http://iiif.io/api/auth/1/kiosk"
	ProfileURILogin        Profile = "http://iiif.io/api/auth/1/login"
	ProfileURIClickthrough Profile = "http://iiif.io/api/auth/1/clickthrough"
	ProfileURIExternal     Profile = "http://iiif.io/api/auth/1/external"
)

// RequiresInteraction reports whether a prompt must be shown before the
// login window is opened.
func (p Profile) RequiresInteraction() bool {
	switch p {
	case ProfileKiosk, ProfileURIKiosk, ProfileURIExternal:
		return false
	default:
		return true
	}
}

func (p Profile) known() bool {
	switch p {
	case ProfileKiosk, ProfileInteractive, ProfileURIKiosk, ProfileURILogin,
		ProfileURIClickthrough, ProfileURIExternal:
		return true
	}
	return false
}

// AuthService describes one protected resource's login endpoint.
// ID is the login URL and doubles as the service's unique key.
type AuthService struct {
	ID              string  `json:"id" yaml:"id" validate:"required,url"`
	Profile         Profile `json:"profile" yaml:"profile" validate:"required,profile"`
	TokenServiceURL string  `json:"token_service_url" yaml:"token_service_url" validate:"required,url"`
	Description     string  `json:"description,omitempty" yaml:"description,omitempty"`
	Header          string  `json:"header,omitempty" yaml:"header,omitempty"`
	ConfirmLabel    string  `json:"confirm_label,omitempty" yaml:"confirm_label,omitempty"`
	ErrorMessage    string  `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	LogoutURL       string  `json:"logout_url,omitempty" yaml:"logout_url,omitempty" validate:"omitempty,url"`
}

// ErrInvalidService is returned (wrapped in *ValidationError) for
// descriptors that cannot drive a handshake.
var ErrInvalidService = errors.New("invalid auth service")

// ValidationError lists the descriptor fields that failed validation.
type ValidationError struct {
	ServiceID string
	Fields    []string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ErrInvalidService.Error()
	}
	if e.ServiceID == "" {
		return fmt.Sprintf("invalid auth service: %s", strings.Join(e.Fields, ", "))
	}
	return fmt.Sprintf("invalid auth service %q: %s", e.ServiceID, strings.Join(e.Fields, ", "))
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidService
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("profile", func(fl validator.FieldLevel) bool {
		return Profile(fl.Field().String()).known()
	})
	return v
}

// Validate checks that svc carries everything the coordinator needs.
func Validate(svc AuthService) error {
	err := validate.Struct(svc)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate auth service: %w", err)
	}

	ve := &ValidationError{ServiceID: svc.ID}
	for _, fe := range verrs {
		ve.Fields = append(ve.Fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	return ve
}

// Origin returns scheme://host[:port] of the service's token endpoint, the
// only origin a relay message for this service may come from.
func (s AuthService) Origin() string {
	return OriginOf(s.TokenServiceURL)
}

// OriginOf returns the origin of raw as a browser serializes it: lowercase
// scheme://host, with the port only when it is not the scheme's default.
// It returns "" if raw is not an absolute URL.
func OriginOf(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	port := u.Port()
	if port == "" || port == defaultPorts[scheme] {
		return scheme + "://" + host
	}
	return scheme + "://" + host + ":" + port
}

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
	"ws":    "80",
	"wss":   "443",
}

type servicesFile struct {
	Services []AuthService `yaml:"services"`
}

// LoadServices reads descriptors from a yaml (or json) file. The file holds
// either a top-level list or a mapping with a "services" key.
func LoadServices(path string) ([]AuthService, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read services: %w", err)
	}

	var list []AuthService
	if err := yaml.Unmarshal(data, &list); err != nil {
		var wrapped servicesFile
		if err2 := yaml.Unmarshal(data, &wrapped); err2 != nil {
			return nil, fmt.Errorf("parse services: %w", err)
		}
		list = wrapped.Services
	}

	for i, svc := range list {
		if err := Validate(svc); err != nil {
			return nil, fmt.Errorf("service %d: %w", i, err)
		}
	}
	return list, nil
}

// Find returns the descriptor with the given id.
func Find(services []AuthService, id string) (AuthService, bool) {
	for _, svc := range services {
		if svc.ID == id {
			return svc, true
		}
	}
	return AuthService{}, false
}
