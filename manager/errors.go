package manager

import "errors"

// Lifecycle errors. Callers classify failures with errors.Is; every error
// returned by the manager wraps exactly one of these sentinels.
var (
	// ErrInvalidArchive reports an archive that is missing, malformed, or
	// carries an invalid manifest.
	ErrInvalidArchive = errors.New("invalid plugin archive")

	// ErrNoEntryPoint reports an archive with no qualifying entry constructor.
	ErrNoEntryPoint = errors.New("no plugin entry point")

	// ErrDuplicateID reports a load attempt for a plugin ID that is already
	// loaded.
	ErrDuplicateID = errors.New("plugin already loaded")

	// ErrCapacityExceeded reports that loading would exceed the configured
	// plugin limit.
	ErrCapacityExceeded = errors.New("plugin capacity exceeded")

	// ErrInitialization reports a failure while constructing or starting the
	// plugin instance.
	ErrInitialization = errors.New("plugin initialization failed")

	// ErrBridgeFailure reports a failure while wiring the plugin into the
	// shared registry; the load is rolled back.
	ErrBridgeFailure = errors.New("plugin registry attach failed")

	// ErrNotFound reports an operation on a plugin ID that is not loaded.
	ErrNotFound = errors.New("plugin not found")
)
