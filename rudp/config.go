package rudp

import (
	"fmt"
	"os"
	"time"
)

// Settings are the user-facing parameters of a session. They must be
// applied with Session.Configure before Connect is permitted.
type Settings struct {
	// DownloadDir receives incoming files. It must exist.
	DownloadDir string

	// FragmentSize is the maximum payload of one fragment, 1..1449 bytes.
	FragmentSize int

	// CorruptionRate is the percentage (0..50) of outgoing payload-bearing
	// frames that get one byte corrupted after checksumming. It exists to
	// exercise the recovery paths; production peers use 0.
	CorruptionRate float64
}

// Validate checks the settings and returns an ErrInvalidConfiguration error
// naming the first offending field.
func (st Settings) Validate() error {
	if st.FragmentSize < MinFragmentSize || st.FragmentSize > MaxFragmentSize {
		return NewError(ErrInvalidConfiguration,
			fmt.Sprintf("fragment size %d outside %d..%d", st.FragmentSize, MinFragmentSize, MaxFragmentSize))
	}
	if st.CorruptionRate < 0 || st.CorruptionRate > MaxCorruptionRate {
		return NewError(ErrInvalidConfiguration,
			fmt.Sprintf("corruption rate %g outside 0..%d", st.CorruptionRate, MaxCorruptionRate))
	}
	if st.DownloadDir == "" {
		return NewError(ErrInvalidConfiguration, "download directory not set")
	}
	info, err := os.Stat(st.DownloadDir)
	if err != nil {
		return WrapError(ErrInvalidConfiguration, "download directory "+st.DownloadDir, err)
	}
	if !info.IsDir() {
		return NewError(ErrInvalidConfiguration, st.DownloadDir+" is not a directory")
	}
	return nil
}

// Config holds protocol timings.
type Config struct {
	// RetryInterval is the wait between attempts of handshake, exit,
	// message and parameter exchanges, and the fragment resend interval.
	RetryInterval time.Duration

	// MaxRetries is the number of sends before an exchange is given up.
	MaxRetries int

	// Tick is the liveness monitor period.
	Tick time.Duration

	// KeepaliveIdle is the silence after which a keepalive probe is sent.
	KeepaliveIdle time.Duration

	// KeepaliveTimeout is the wait for a keepalive ack per attempt.
	KeepaliveTimeout time.Duration

	// ReadTimeout bounds each socket read of the dispatch loop.
	ReadTimeout time.Duration

	// StaleThreshold is the number of silent out-of-order arrivals after
	// which a gap request is repeated.
	StaleThreshold int

	// ProgressInterval throttles progress callbacks.
	ProgressInterval time.Duration
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		RetryInterval:    DefaultRetryInterval,
		MaxRetries:       DefaultMaxRetries,
		Tick:             DefaultTick,
		KeepaliveIdle:    DefaultKeepaliveIdle,
		KeepaliveTimeout: DefaultKeepaliveTimeout,
		ReadTimeout:      DefaultReadTimeout,
		StaleThreshold:   DefaultStaleThreshold,
		ProgressInterval: 100 * time.Millisecond,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c *Config) withDefaults() *Config {
	def := DefaultConfig()
	out := *c
	if out.RetryInterval <= 0 {
		out.RetryInterval = def.RetryInterval
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = def.MaxRetries
	}
	if out.Tick <= 0 {
		out.Tick = def.Tick
	}
	if out.KeepaliveIdle <= 0 {
		out.KeepaliveIdle = def.KeepaliveIdle
	}
	if out.KeepaliveTimeout <= 0 {
		out.KeepaliveTimeout = def.KeepaliveTimeout
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = def.ReadTimeout
	}
	if out.StaleThreshold <= 0 {
		out.StaleThreshold = def.StaleThreshold
	}
	if out.ProgressInterval <= 0 {
		out.ProgressInterval = def.ProgressInterval
	}
	return &out
}
