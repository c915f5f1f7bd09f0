package auth

import "errors"

// Common errors returned by the authentication subsystem.
var (
	ErrDisabled     = errors.New("authentication disabled")
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingToken = errors.New("missing bearer token")
)

// Subject identifies the authenticated caller and is passed to request
// handlers via context.
type Subject struct {
	Name string
}

// Config configures the authentication service.
type Config struct {
	Mode   Mode
	Tokens []Token
}

// Mode enumerates the supported authentication providers.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeStatic   Mode = "static"
)

// Token is a named service credential accepted in static mode. The name
// shows up in audit logs so operators can tell callers apart.
type Token struct {
	Name  string
	Token string
}
