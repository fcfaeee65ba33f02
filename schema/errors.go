package schema

import "errors"

var (
	// ErrMissingCredential indicates no bearer token is available.
	ErrMissingCredential = errors.New("missing credential")
	// ErrNoTarget indicates an operation needs a stream target.
	ErrNoTarget = errors.New("no stream target")
	// ErrInvalidTarget indicates a malformed execution or crew identifier.
	ErrInvalidTarget = errors.New("invalid target")
	// ErrNotConnected indicates the stream transport is not open.
	ErrNotConnected = errors.New("stream not connected")
	// ErrNoExecution indicates no execution id has been learned yet.
	ErrNoExecution = errors.New("no execution id")
	// ErrUnauthorized indicates the API rejected the credential.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound indicates the API resource does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidRequest indicates a malformed request payload.
	ErrInvalidRequest = errors.New("invalid request")
)
