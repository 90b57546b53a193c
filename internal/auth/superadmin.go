package auth

import (
	"context"
	"time"

	"github.com/Dicklesworthstone/warden/internal/core"
)

// SuperAdmin defaults.
const (
	DefaultSuperAdminMaxDuration = 15 * time.Minute
	DefaultSuperAdminInactivity  = 5 * time.Minute
	DefaultSuperAdminMinLength   = 12

	superAdminKeyInfo = "warden/superadmin/token/v1"
)

// SuperAdminConfig holds the superadmin lifetimes.
type SuperAdminConfig struct {
	MaxDuration      time.Duration
	Inactivity       time.Duration
	MinPassphraseLen int
}

// SuperAdmin is the stricter tier required by superadmin patterns. Its MAC key
// is derived separately from the stored hash, so its tokens can never verify
// as bypass tokens or the other way round.
type SuperAdmin struct {
	*Tier
	biometric BiometricVerifier
}

// NewSuperAdmin builds the superadmin tier. A nil verifier means passphrase
// only.
func NewSuperAdmin(cfg SuperAdminConfig, biometric BiometricVerifier, opts Options) *SuperAdmin {
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = DefaultSuperAdminMaxDuration
	}
	if cfg.Inactivity <= 0 {
		cfg.Inactivity = DefaultSuperAdminInactivity
	}
	if cfg.MinPassphraseLen < DefaultSuperAdminMinLength {
		cfg.MinPassphraseLen = DefaultSuperAdminMinLength
	}
	if biometric == nil {
		biometric = NoopBiometric{}
	}
	return &SuperAdmin{
		Tier: newTier(TierConfig{
			Name:             "superadmin",
			MaxDuration:      cfg.MaxDuration,
			Inactivity:       cfg.Inactivity,
			MinPassphraseLen: cfg.MinPassphraseLen,
			KeyInfo:          superAdminKeyInfo,
		}, opts),
		biometric: biometric,
	}
}

// Unlock tries the biometric verifier first and falls back to the passphrase
// when it is unavailable. A denial counts as a failed attempt.
func (s *SuperAdmin) Unlock(ctx context.Context) (*UnlockResult, error) {
	return s.unlock(ctx, func(ctx context.Context) (bool, string, error) {
		if !s.biometric.Available() {
			return false, "", nil
		}
		switch s.biometric.Verify(ctx, "warden superadmin unlock") {
		case BiometricVerified:
			return true, "biometric", nil
		case BiometricDenied:
			return false, "", s.fail(core.ErrBiometricDenied)
		default:
			s.logger.Info("biometric unavailable, falling back to passphrase")
			return false, "", nil
		}
	})
}
