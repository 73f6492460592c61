package oci

import "errors"

// Sentinel errors for registry operations.
var (
	// ErrNotFound is returned when a node artifact does not exist.
	ErrNotFound = errors.New("oci: not found")

	// ErrUnauthorized is returned when authentication fails.
	ErrUnauthorized = errors.New("oci: unauthorized")

	// ErrForbidden is returned when access is denied.
	ErrForbidden = errors.New("oci: forbidden")

	// ErrInvalidReference is returned when a repository reference is malformed.
	ErrInvalidReference = errors.New("oci: invalid reference")

	// ErrManifestInvalid is returned when a node manifest cannot be parsed or
	// is missing its node layer.
	ErrManifestInvalid = errors.New("oci: invalid manifest")
)
