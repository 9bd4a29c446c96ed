package domain

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a unique key is already taken.
	ErrConflict = errors.New("record already exists")
	// ErrBusy is returned when a turn is requested while another is running.
	ErrBusy = errors.New("agent is busy")
	// ErrReadOnly is returned when a disabled connection asks for a new turn.
	ErrReadOnly = errors.New("connection is read-only")
	// ErrConnectionClosed is returned when delivering to a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrMissingCredentials is returned when no vendor key serves a model.
	ErrMissingCredentials = errors.New("missing agent credentials")
	// ErrInvalidArgument is returned when a request fails validation.
	ErrInvalidArgument = errors.New("invalid argument")
)
