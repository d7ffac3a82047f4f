package phase

import "time"

// DiscoveryConfig holds the Discovery phase's parameters.
type DiscoveryConfig struct {
	Enabled               bool
	BatchSize             int
	TerminateWhenFinished bool
	BatchCovTimeout       time.Duration
	PhaseCovTimeout       time.Duration
}

// DefaultDiscoveryConfig returns the documented defaults.
func DefaultDiscoveryConfig() DiscoveryConfig {
	return DiscoveryConfig{
		Enabled:               true,
		BatchSize:             50,
		TerminateWhenFinished: false,
		BatchCovTimeout:       10 * time.Minute,
		PhaseCovTimeout:       20 * time.Minute,
	}
}

// MutateConfig holds the Mutate phase's parameters: weight=40,
// entry_cov_timeout=15m.
type MutateConfig struct {
	Weight          float64
	EntryCovTimeout time.Duration
}

func DefaultMutateConfig() MutateConfig {
	return MutateConfig{Weight: 40, EntryCovTimeout: 15 * time.Minute}
}

// AddConfig holds the Add phase's parameters: weight=3, batch_size=12,
// unfuzzed:yielding:random = 1:1:1, entry_cov_timeout=15m.
type AddConfig struct {
	Weight               float64
	BatchSize            uint32
	SelectUnfuzzedWeight uint32
	SelectYieldingWeight uint32
	SelectRandomWeight   uint32
	EntryCovTimeout      time.Duration
}

func DefaultAddConfig() AddConfig {
	return AddConfig{
		Weight:               3,
		BatchSize:            12,
		SelectUnfuzzedWeight: 1,
		SelectYieldingWeight: 1,
		SelectRandomWeight:   1,
		EntryCovTimeout:      15 * time.Minute,
	}
}

// WeightsSum returns the sum of the three class weights.
func (c AddConfig) WeightsSum() uint32 {
	return c.SelectUnfuzzedWeight + c.SelectYieldingWeight + c.SelectRandomWeight
}

// ClassShare computes floor((weight/Σw) * batch_size) for one selection
// class.
func (c AddConfig) ClassShare(weight uint32) int {
	sum := c.WeightsSum()
	if sum == 0 {
		return 0
	}
	return int((float64(weight) / float64(sum)) * float64(c.BatchSize))
}

// CombineConfig holds the Combine phase's parameters: weight=10,
// entry_cov_timeout=10m.
type CombineConfig struct {
	Weight          float64
	EntryCovTimeout time.Duration
}

func DefaultCombineConfig() CombineConfig {
	return CombineConfig{Weight: 10, EntryCovTimeout: 10 * time.Minute}
}

// Config aggregates all four phases' parameters plus the shared
// generation_ceiling bound on QE selection.
type Config struct {
	Discovery         DiscoveryConfig
	Mutate            MutateConfig
	Add               AddConfig
	Combine           CombineConfig
	GenerationCeiling uint32
}

// DefaultConfig returns the documented defaults for every phase.
func DefaultConfig() Config {
	return Config{
		Discovery: DefaultDiscoveryConfig(),
		Mutate:    DefaultMutateConfig(),
		Add:       DefaultAddConfig(),
		Combine:   DefaultCombineConfig(),
	}
}

// Weights projects the enabled/disabled phases and their weights into a
// selection Weights value. Discovery has no numeric weight of its own and
// is not part of the result, so Select never draws it; the worker runs
// Discovery separately, to exhaustion, before drawing Mutate/Add/Combine,
// and finishing Discovery is a one-way transition.
func (c Config) Weights() Weights {
	return Weights{
		Mutate:  c.Mutate.Weight,
		Add:     c.Add.Weight,
		Combine: c.Combine.Weight,
	}
}
