package auth

import "time"

// Bypass defaults.
const (
	DefaultBypassMaxDuration = 4 * time.Hour
	DefaultBypassInactivity  = 30 * time.Minute
	DefaultBypassMinLength   = 8
)

// BypassConfig holds the bypass lifetimes.
type BypassConfig struct {
	MaxDuration      time.Duration
	Inactivity       time.Duration
	MinPassphraseLen int
}

// Bypass suspends every non-critical stage while its token is valid.
type Bypass struct {
	*Tier
}

// NewBypass builds the bypass tier. Zero durations use the defaults.
func NewBypass(cfg BypassConfig, opts Options) *Bypass {
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = DefaultBypassMaxDuration
	}
	if cfg.Inactivity <= 0 {
		cfg.Inactivity = DefaultBypassInactivity
	}
	if cfg.MinPassphraseLen <= 0 {
		cfg.MinPassphraseLen = DefaultBypassMinLength
	}
	return &Bypass{Tier: newTier(TierConfig{
		Name:             "bypass",
		MaxDuration:      cfg.MaxDuration,
		Inactivity:       cfg.Inactivity,
		MinPassphraseLen: cfg.MinPassphraseLen,
	}, opts)}
}
