// Package errs defines the error taxonomy shared by the credential resolver and
// the repository watcher. Every error returned by those packages, other than
// the caller's own context cancellation, matches exactly one of the kind
// sentinels with errors.Is. A canceled watcher operation is still an *Error
// carrying path, remote and branch, with the context error as its Kind.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kinds.
var (
	ErrConfiguration          = errors.New("configuration error")
	ErrCredentialResolution   = errors.New("credential resolution failed")
	ErrAuthenticationRejected = errors.New("authentication rejected")
	ErrTransport              = errors.New("transport error")
	ErrConflict               = errors.New("conflict")
	ErrRepositoryState        = errors.New("repository state error")
)

// Details, always wrapped under one of the kinds above.
var (
	ErrPathOccupied        = errors.New("path occupied by non-repository data")
	ErrNoRemote            = errors.New("no remote configured")
	ErrCredentialsNotFound = errors.New("credentials not found")
	ErrExchangeFailed      = errors.New("authentication exchange failed")
	ErrPushRejected        = errors.New("push rejected")
)

// Error carries the context of a failed operation: which local path, remote
// and branch were involved.
type Error struct {
	Kind   error
	Op     string
	Path   string
	Remote string
	Branch string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())

	var ctx []string
	if e.Path != "" {
		ctx = append(ctx, fmt.Sprintf("path=%q", e.Path))
	}
	if e.Remote != "" {
		ctx = append(ctx, fmt.Sprintf("remote=%q", e.Remote))
	}
	if e.Branch != "" {
		ctx = append(ctx, fmt.Sprintf("branch=%q", e.Branch))
	}
	if len(ctx) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(ctx, " "))
		b.WriteString("]")
	}

	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New returns an error of the given kind wrapping err.
func New(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Configuration is a shorthand for a ConfigurationError built from a message.
func Configuration(op string, format string, args ...any) *Error {
	return New(ErrConfiguration, op, fmt.Errorf(format, args...))
}

// KindOf returns the kind sentinel err matches, or nil if it matches none.
func KindOf(err error) error {
	for _, kind := range []error{
		ErrConfiguration,
		ErrCredentialResolution,
		ErrAuthenticationRejected,
		ErrTransport,
		ErrConflict,
		ErrRepositoryState,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

var kindNames = map[error]string{
	ErrConfiguration:          "configuration",
	ErrCredentialResolution:   "credential_resolution",
	ErrAuthenticationRejected: "authentication_rejected",
	ErrTransport:              "transport",
	ErrConflict:               "conflict",
	ErrRepositoryState:        "repository_state",
}

// KindName returns a short label for the kind of err, suitable for metrics.
func KindName(err error) string {
	if name, ok := kindNames[KindOf(err)]; ok {
		return name
	}
	return "unknown"
}
