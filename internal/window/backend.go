package window

import "context"

// Backend is the platform window-discovery boundary (X11, test fakes, ...)
type Backend interface {
	// Name returns the backend name (e.g., "x11")
	Name() string

	// ListWindows returns the raw on-screen windows in front-to-back order.
	// Implementations return ErrPermissionDenied when capture access is missing.
	ListWindows(ctx context.Context) ([]Descriptor, error)

	// CheckPermission reports whether this process may capture screen content.
	// It returns nil when granted and ErrPermissionDenied otherwise.
	CheckPermission(ctx context.Context) error

	// RequestPermission asks the host for capture consent and reports the outcome
	// the same way CheckPermission does.
	RequestPermission(ctx context.Context) error

	// Close releases the connection to the display server
	Close() error
}
