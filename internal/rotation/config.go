package rotation

import (
	"fmt"
	"time"
)

// Policy names accepted by ParsePolicy.
const (
	PolicyRoundRobin = "roundRobin"
	PolicyWeighted   = "weighted"
	PolicyRandom     = "random"
)

// Config holds the engine's runtime knobs. Zero values are filled by
// ApplyDefaults; Validate rejects nonsensical combinations.
type Config struct {
	// MaxSessions bounds the number of non-retired sessions.
	MaxSessions int

	// RotationInterval is the number of completed requests after which a
	// session is rotated out of the pool.
	RotationInterval int

	// Policy selects the rotation strategy: roundRobin, weighted or random.
	Policy string

	// AcquisitionTimeout bounds how long Acquire blocks for a slot before
	// reporting pool exhaustion.
	AcquisitionTimeout time.Duration

	// MaxRetries is the number of additional attempts after the first.
	// Zero means a single attempt.
	MaxRetries int

	// BlacklistThreshold is the consecutive-failure count at which an HTTP
	// block (403/429/503) blacklists the session.
	BlacklistThreshold int

	// BlacklistDuration is how long a blacklist entry stays in force.
	BlacklistDuration time.Duration

	// Seed drives the strategy RNG and the fingerprint shuffle. Zero means
	// derive from the wall clock.
	Seed int64

	// SweepInterval is the janitor tick for expired blacklist entries.
	// Zero disables the janitor; the lazy sweep in Acquire still runs.
	SweepInterval time.Duration
}

// ApplyDefaults fills unset fields with the stock values.
func (c *Config) ApplyDefaults() {
	if c.MaxSessions == 0 {
		c.MaxSessions = 5
	}
	if c.RotationInterval == 0 {
		c.RotationInterval = 10
	}
	if c.Policy == "" {
		c.Policy = PolicyRoundRobin
	}
	if c.AcquisitionTimeout == 0 {
		c.AcquisitionTimeout = 30 * time.Second
	}
	if c.BlacklistThreshold == 0 {
		c.BlacklistThreshold = 3
	}
	if c.BlacklistDuration == 0 {
		c.BlacklistDuration = 30 * time.Minute
	}
}

// Validate checks the config after defaults are applied.
func (c Config) Validate() error {
	if c.MaxSessions <= 0 {
		return fmt.Errorf("rotation.max_sessions must be > 0, got %d", c.MaxSessions)
	}
	if c.RotationInterval <= 0 {
		return fmt.Errorf("rotation.rotation_interval must be > 0, got %d", c.RotationInterval)
	}
	if _, err := ParsePolicy(c.Policy); err != nil {
		return err
	}
	if c.AcquisitionTimeout <= 0 {
		return fmt.Errorf("rotation.acquisition_timeout must be > 0, got %s", c.AcquisitionTimeout)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("rotation.max_retries must be >= 0, got %d", c.MaxRetries)
	}
	if c.BlacklistThreshold <= 0 {
		return fmt.Errorf("rotation.blacklist_threshold must be > 0, got %d", c.BlacklistThreshold)
	}
	if c.BlacklistDuration <= 0 {
		return fmt.Errorf("rotation.blacklist_duration must be > 0, got %s", c.BlacklistDuration)
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("rotation.sweep_interval must be >= 0, got %s", c.SweepInterval)
	}
	return nil
}
