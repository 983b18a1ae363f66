package broker

import "time"

// Config holds the broker's timing and retry policy. All knobs are
// injected; none are hard-coded in the engine.
type Config struct {
	// PollInterval is the reconciliation tick.
	PollInterval time.Duration `yaml:"pollInterval" json:"pollInterval"`

	// ProvisioningTimeout bounds how long a request may stay open before
	// it is forced to a terminal state.
	ProvisioningTimeout time.Duration `yaml:"provisioningTimeout" json:"provisioningTimeout"`

	// CancelGraceTimeout bounds the Cancelling state when the best-effort
	// terminate call is not acknowledged.
	CancelGraceTimeout time.Duration `yaml:"cancelGraceTimeout" json:"cancelGraceTimeout"`

	// MaxPollRetries is how many times a transient provider error is
	// retried within one reconcile pass before it counts as a health
	// failure.
	MaxPollRetries int `yaml:"maxPollRetries" json:"maxPollRetries"`

	// BackoffBase and BackoffCap bound the exponential retry backoff.
	BackoffBase time.Duration `yaml:"backoffBase" json:"backoffBase"`
	BackoffCap  time.Duration `yaml:"backoffCap" json:"backoffCap"`
}

// DefaultConfig returns the default broker configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:        10 * time.Second,
		ProvisioningTimeout: 10 * time.Minute,
		CancelGraceTimeout:  30 * time.Second,
		MaxPollRetries:      3,
		BackoffBase:         500 * time.Millisecond,
		BackoffCap:          10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.ProvisioningTimeout <= 0 {
		c.ProvisioningTimeout = def.ProvisioningTimeout
	}
	if c.CancelGraceTimeout <= 0 {
		c.CancelGraceTimeout = def.CancelGraceTimeout
	}
	if c.MaxPollRetries <= 0 {
		c.MaxPollRetries = def.MaxPollRetries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = def.BackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = def.BackoffCap
	}
	return c
}
