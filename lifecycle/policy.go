package lifecycle

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RestartPolicy bounds automatic restarts of crashed streams. With Enabled unset a
// crash leaves the stream stopped and errored right away.
type RestartPolicy struct {
	Enabled        bool          `yaml:"enabled" toml:"enabled"`
	MaxAttempts    int           `yaml:"max_attempts" toml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff" toml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" toml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier" toml:"multiplier"`
}

func (p RestartPolicy) active() bool {
	return p.Enabled && p.MaxAttempts > 0
}

// newBackOff returns the delay schedule for one camera. It yields backoff.Stop once
// MaxAttempts delays were handed out.
func (p RestartPolicy) newBackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialBackoff
	if exp.InitialInterval <= 0 {
		exp.InitialInterval = time.Second
	}
	exp.MaxInterval = p.MaxBackoff
	if exp.MaxInterval < exp.InitialInterval {
		exp.MaxInterval = exp.InitialInterval
	}
	exp.Multiplier = p.Multiplier
	if exp.Multiplier < 1 {
		exp.Multiplier = 1
	}
	// deterministic schedule, the attempt count is the bound
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0

	b := backoff.WithMaxRetries(exp, uint64(p.MaxAttempts))
	b.Reset()
	return b
}
