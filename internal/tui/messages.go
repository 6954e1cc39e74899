package tui

import "github.com/Dicklesworthstone/iiif_auth_broker/internal/handshake"

// promptMsg shows the login dialog.
type promptMsg struct {
	prompt handshake.Prompt
}

// promptErrorMsg shows the service's failure text inside the dialog.
type promptErrorMsg struct {
	serviceID string
	message   string
}

// dismissMsg hides the dialog for a service.
type dismissMsg struct {
	serviceID string
}

// statusMsg reports a coordinator transition.
type statusMsg struct {
	transition handshake.Transition
}
