package autocart

import "errors"

var (
	ErrNotRegistered     = errors.New("worker not registered")
	ErrInstallInFlight   = errors.New("another install is in flight")
	ErrInstallFailed     = errors.New("install failed")
	ErrUnknownEvent      = errors.New("unknown event kind")
	ErrInvalidBooking    = errors.New("invalid booking")
	ErrNoPushKey         = errors.New("push.vapidPublicKey is not configured")
	ErrHandlerPanicked   = errors.New("event handler panicked")
	ErrUnknownPreference = errors.New("unknown notification preference")

	errOriginRequired = errors.New("server.origin is required")
	errInvalidOrigin  = errors.New("origin must be an absolute URL")
	errStorageClosed  = errors.New("cache storage closed")
)
