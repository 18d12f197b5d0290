package cnsocket

import (
	"time"

	"golang.org/x/time/rate"
)

// Default configuration values.
const (
	// defaultPollInterval bounds how long one poll may block.
	defaultPollInterval = 50 * time.Millisecond
	// defaultMaxPending is the default cap on queued outbound bytes per session (1MB).
	defaultMaxPending = 1024 * 1024
)

// RateLimitConfig defines per-session inbound rate limiting.
type RateLimitConfig struct {
	// MessagesPerSecond is the sustained number of packets a session may send.
	MessagesPerSecond rate.Limit
	// Burst is the token bucket capacity.
	Burst int
	// Enabled turns limiting on.
	Enabled bool
}

// options holds the configuration for a server.
type options struct {
	logger Logger
	timers *TimerScheduler
	clock  func() time.Time

	onConnect    func(*Session)
	onDisconnect func(*Session)

	pollInterval time.Duration // upper bound on one poll wait
	idleTimeout  time.Duration // 0 disables the idle reaper
	maxSessions  int           // 0 means unlimited
	maxPending   int           // queued outbound bytes per session
	rateLimit    *RateLimitConfig
}

// Option configures a Server.
type Option func(*options)

// checkOptions fills in defaults.
func checkOptions(opts *options) {
	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
	if opts.clock == nil {
		opts.clock = time.Now
	}
	if opts.timers == nil {
		opts.timers = NewTimerScheduler(opts.clock)
	}
	if opts.pollInterval <= 0 {
		opts.pollInterval = defaultPollInterval
	}
	if opts.maxPending <= 0 {
		opts.maxPending = defaultMaxPending
	}
	if opts.idleTimeout < 0 {
		opts.idleTimeout = 0
	}
	if opts.maxSessions < 0 {
		opts.maxSessions = 0
	}
}

// LoggerOption sets the logger. If not set, the default slog logger is used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// TimersOption sets the timer scheduler driven by the loop.
func TimersOption(t *TimerScheduler) Option {
	return func(o *options) {
		o.timers = t
	}
}

// ClockOption overrides the time source. Intended for tests.
func ClockOption(clock func() time.Time) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// OnConnectOption sets a callback invoked on the loop for every accepted session.
func OnConnectOption(cb func(*Session)) Option {
	return func(o *options) {
		o.onConnect = cb
	}
}

// OnDisconnectOption sets a callback invoked on the loop when a session is torn down.
func OnDisconnectOption(cb func(*Session)) Option {
	return func(o *options) {
		o.onDisconnect = cb
	}
}

// PollIntervalOption sets the longest time one poll call may block.
// Timers are checked at least this often.
func PollIntervalOption(d time.Duration) Option {
	return func(o *options) {
		o.pollInterval = d
	}
}

// IdleTimeoutOption kills sessions that send no valid packet for d.
// Zero disables it.
func IdleTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = d
	}
}

// MaxSessionsOption caps concurrent sessions. Connections over the cap are
// closed on accept. Zero means unlimited.
func MaxSessionsOption(n int) Option {
	return func(o *options) {
		o.maxSessions = n
	}
}

// MaxPendingOption caps queued outbound bytes per session. A session over the
// cap is killed.
func MaxPendingOption(n int) Option {
	return func(o *options) {
		o.maxPending = n
	}
}

// RateLimitOption enables per-session inbound rate limiting.
func RateLimitOption(cfg *RateLimitConfig) Option {
	return func(o *options) {
		o.rateLimit = cfg
	}
}
