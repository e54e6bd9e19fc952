package domain

import (
	"github.com/HMasataka/relay/pkg/errors"
)

// Common domain errors. They match wrapped errors of the same type and code through errors.Is.
var (
	// ErrAuthFailure is returned when a connection carries no valid credential
	ErrAuthFailure = errors.New(errors.ErrorTypeAuth, "AUTH_FAILURE", "authentication failed")

	// ErrDuplicateRegistration is returned when a connection is registered twice
	ErrDuplicateRegistration = errors.New(errors.ErrorTypeRegistration, "DUPLICATE_REGISTRATION", "connection already registered")

	// ErrNotRegistered is returned when a connection has no bound identity
	ErrNotRegistered = errors.New(errors.ErrorTypeRegistration, "NOT_REGISTERED", "connection is not registered")

	// ErrInvalidMessage is returned when an inbound message is malformed
	ErrInvalidMessage = errors.New(errors.ErrorTypeValidation, "INVALID_MESSAGE", "invalid message")

	// ErrPersistence is returned when the message store rejects a write
	ErrPersistence = errors.New(errors.ErrorTypePersistence, "PERSISTENCE_FAILURE", "failed to persist message")

	// ErrBlobWrite is returned when an attachment cannot be stored
	ErrBlobWrite = errors.New(errors.ErrorTypeBlobWrite, "BLOB_WRITE_FAILURE", "failed to store attachment")

	// ErrBlobNotFound is returned when a blob reference does not resolve
	ErrBlobNotFound = errors.New(errors.ErrorTypeNotFound, "BLOB_NOT_FOUND", "blob not found")

	// ErrLivenessTimeout is returned when a peer misses its pong deadline
	ErrLivenessTimeout = errors.New(errors.ErrorTypeLiveness, "LIVENESS_TIMEOUT", "no pong within deadline")

	// ErrConnectionClosed is returned when trying to use a closed connection
	ErrConnectionClosed = errors.New(errors.ErrorTypeTransport, "CONNECTION_CLOSED", "connection closed")

	// ErrSendBufferFull is returned when a slow peer cannot accept more frames
	ErrSendBufferFull = errors.New(errors.ErrorTypeTransport, "SEND_BUFFER_FULL", "send buffer is full")
)
