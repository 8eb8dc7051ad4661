package buildcache

import "errors"

// Error taxonomy shared by every package in the module. Callers wrap these
// with context and test with errors.Is.
var (
	// ErrNotFound is returned when a path or archive member does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnsupported is returned when an archive member is requested from an
	// archive that carries no hash manifest.
	ErrUnsupported = errors.New("unsupported")

	// ErrTransport is returned for connection failures and non-success
	// status codes from the remote cache.
	ErrTransport = errors.New("transport failure")

	// ErrProtocol is returned for malformed or incomplete envelopes.
	ErrProtocol = errors.New("protocol error")

	// ErrIntegrity is returned when a payload does not match its checksum.
	ErrIntegrity = errors.New("integrity error")

	// ErrConsistency is returned when a key derivation used a dependency the
	// rule did not declare. It indicates a bug in the rule, not a runtime
	// condition.
	ErrConsistency = errors.New("consistency error")
)
