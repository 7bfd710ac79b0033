package store

import "errors"

var (
	// ErrAccountNotFound is returned when an account does not exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrChargeNotFound is returned when no charge has the requested operation id.
	ErrChargeNotFound = errors.New("charge not found")

	// ErrBlobNotFound is returned when a blob does not exist.
	ErrBlobNotFound = errors.New("blob not found")

	// ErrMessageConflict is returned when a message id is reused for a different conversation.
	ErrMessageConflict = errors.New("message id belongs to another conversation")
)
