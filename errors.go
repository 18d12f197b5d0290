package cnsocket

import "github.com/pkg/errors"

// Frame and codec faults. None of these escape Server.Serve; they are resolved
// by dropping one packet or tearing down one session.
var (
	// ErrMalformedFrame is returned when a frame length prefix is out of range.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrChecksumMismatch is returned when the checksum folded into the type word does not match.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrPacketTooLarge is returned when an outbound packet does not fit in one frame.
	ErrPacketTooLarge = errors.New("packet too large")
	// ErrInvalidType is returned for type ids that do not fit in the type word.
	ErrInvalidType = errors.New("invalid packet type")
	// ErrShortBody is returned by Reader when a field runs past the end of the body.
	ErrShortBody = errors.New("short packet body")
)

// Startup and lifecycle errors.
var (
	// ErrDuplicateHandler is returned when a type id is registered twice.
	ErrDuplicateHandler = errors.New("duplicate handler")
	// ErrRegistrySealed is returned when registering after the server started.
	ErrRegistrySealed = errors.New("registry sealed")
	// ErrServerRunning is returned for startup-only operations on a running server.
	ErrServerRunning = errors.New("server already running")
	// ErrSessionClosed is returned when sending on a dead session.
	ErrSessionClosed = errors.New("session closed")
	// ErrUnsupportedPlatform is returned where no readiness poller is available.
	ErrUnsupportedPlatform = errors.New("cnsocket: platform not supported")
)
