package protocol

import "errors"

var (
	// ErrNilMessage is returned when a nil message is encoded or validated
	ErrNilMessage = errors.New("nil message")

	// ErrUnknownKind is returned when a frame carries an unrecognized type
	ErrUnknownKind = errors.New("unknown message type")

	// ErrMissingID is returned when a correlated message has no id
	ErrMissingID = errors.New("correlated message is missing its id")

	// ErrAmbiguousResponse is returned when a response carries both a result and an error
	ErrAmbiguousResponse = errors.New("response carries both a result and an error")

	// ErrEmptyResponse is returned when a response must carry a result or an error but has neither
	ErrEmptyResponse = errors.New("response carries neither a result nor an error")

	// ErrInvalidMessage is returned when a message is missing a required field
	ErrInvalidMessage = errors.New("invalid message")
)
