// Package relay carries the token payload from the auth service's callback
// page back to the host: message parsing, the one-shot listener bridge, and
// the hidden frame that loads the callback page.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var (
	// ErrMalformed means the payload was not a JSON object carrying an
	// access token.
	ErrMalformed = errors.New("relay message malformed")

	// ErrRejected means the auth service answered with an error.
	ErrRejected = errors.New("relay message rejected")
)

// RejectedError is returned when the payload carries an "error" key.
type RejectedError struct {
	Code        string
	Description string
}

func (e *RejectedError) Error() string {
	if e == nil {
		return ErrRejected.Error()
	}
	switch {
	case e.Code == "" && e.Description == "":
		return ErrRejected.Error()
	case e.Description == "":
		return fmt.Sprintf("relay message rejected: %s", e.Code)
	default:
		return fmt.Sprintf("relay message rejected: %s: %s", e.Code, e.Description)
	}
}

func (e *RejectedError) Unwrap() error {
	return ErrRejected
}

// Message is a validated token payload.
type Message struct {
	AccessToken string `json:"accessToken"`
	// ExpiresIn is in seconds, at most MaxExpiresIn; zero means the
	// service did not say.
	ExpiresIn int64  `json:"expiresIn,omitempty"`
	MessageID string `json:"messageId,omitempty"`
}

// Parse validates an untrusted payload. Presence of an "error" key wins
// over a present access token.
func Parse(data []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if fields == nil {
		return Message{}, fmt.Errorf("%w: not an object", ErrMalformed)
	}

	if rawErr, ok := fields["error"]; ok {
		rej := &RejectedError{Code: jsonString(rawErr)}
		if rawDesc, ok := fields["description"]; ok {
			rej.Description = jsonString(rawDesc)
		}
		return Message{}, rej
	}

	rawToken, ok := fields["accessToken"]
	if !ok {
		return Message{}, fmt.Errorf("%w: missing accessToken", ErrMalformed)
	}

	var msg Message
	if err := json.Unmarshal(rawToken, &msg.AccessToken); err != nil {
		return Message{}, fmt.Errorf("%w: accessToken is not a string", ErrMalformed)
	}
	if strings.TrimSpace(msg.AccessToken) == "" {
		return Message{}, fmt.Errorf("%w: empty accessToken", ErrMalformed)
	}

	if rawExp, ok := fields["expiresIn"]; ok {
		var exp float64
		if err := json.Unmarshal(rawExp, &exp); err == nil && exp > 0 {
			msg.ExpiresIn = clampExpiresIn(exp)
		}
	}
	if rawID, ok := fields["messageId"]; ok {
		msg.MessageID = jsonString(rawID)
	}

	return msg, nil
}

// MaxExpiresIn is the longest lifetime, in seconds, that still fits a
// time.Duration.
const MaxExpiresIn = int64(math.MaxInt64 / int64(time.Second))

func clampExpiresIn(exp float64) int64 {
	if exp >= float64(MaxExpiresIn) {
		return MaxExpiresIn
	}
	return int64(exp)
}

// jsonString renders a raw value as text: strings unquoted, anything else
// as its JSON form.
func jsonString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
