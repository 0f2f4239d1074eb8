package lightodm

import "errors"

var (
	// ErrConfiguration reports unresolved connection settings or invalid
	// per-type settings (missing collection name, empty composite key).
	ErrConfiguration = errors.New("lightodm: configuration error")

	// ErrIdentity reports that an identity could not be derived: a
	// composite key with no fields, or a key field with no value.
	ErrIdentity = errors.New("lightodm: identity error")
)

// Backend failures (connectivity, auth, duplicate keys, operation errors)
// are returned exactly as the driver produced them. This layer does not
// wrap, retry or translate them; callers that need to distinguish backend
// error kinds should inspect the driver's error types directly.
