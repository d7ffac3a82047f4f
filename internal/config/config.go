// Package config loads and validates the scheduler's YAML configuration:
// the Source/Sink/vanilla target descriptions, the optional competitor
// fuzzer sections, and the per-phase tuning knobs. Unknown keys anywhere in
// the document are rejected, relative paths are resolved against the
// configuration file's directory, and durations use the `<n>(s|m|h|d|a)`
// grammar.
package config

import (
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/ppfuzz/scheduler/internal/phase"
	"github.com/ppfuzz/scheduler/internal/trace"
)

// SourceConfig describes the mutated generator binary.
type SourceConfig struct {
	BinPath      string             `mapstructure:"bin-path" yaml:"bin-path"`
	Arguments    []string           `mapstructure:"arguments" yaml:"arguments,omitempty"`
	Env          map[string]string  `mapstructure:"env" yaml:"env,omitempty"`
	InputType    InputChannel       `mapstructure:"input-type" yaml:"input-type"`
	OutputType   OutputChannel      `mapstructure:"output-type" yaml:"output-type"`
	OutputSuffix string             `mapstructure:"output-suffix" yaml:"output-suffix,omitempty"`
	LogStdout    bool               `mapstructure:"log-stdout" yaml:"log-stdout,omitempty"`
	LogStderr    bool               `mapstructure:"log-stderr" yaml:"log-stderr,omitempty"`
	IsServer     bool               `mapstructure:"is-server" yaml:"is-server,omitempty"`
	ServerPort   string             `mapstructure:"server-port" yaml:"server-port,omitempty"`
	ServerReady  *ServerReadySignal `mapstructure:"server-ready-on" yaml:"server-ready-on,omitempty"`
	WorkingDir   string             `mapstructure:"working-dir" yaml:"working-dir,omitempty"`

	// AllowedPatchPoints restricts mutation to the listed sites; empty
	// means every enumerated site may be mutated.
	AllowedPatchPoints []uint64 `mapstructure:"allowed-patch-points" yaml:"allowed-patch-points,omitempty"`
	MaxPatchPoints     int64    `mapstructure:"max-patch-points" yaml:"max-patch-points,omitempty"`
}

// SinkConfig describes the coverage-reporting consumer binary.
type SinkConfig struct {
	BinPath     string             `mapstructure:"bin-path" yaml:"bin-path"`
	Arguments   []string           `mapstructure:"arguments" yaml:"arguments,omitempty"`
	Env         map[string]string  `mapstructure:"env" yaml:"env,omitempty"`
	InputType   InputChannel       `mapstructure:"input-type" yaml:"input-type"`
	OutputType  OutputChannel      `mapstructure:"output-type" yaml:"output-type"`
	LogStdout   bool               `mapstructure:"log-stdout" yaml:"log-stdout,omitempty"`
	LogStderr   bool               `mapstructure:"log-stderr" yaml:"log-stderr,omitempty"`
	IsServer    bool               `mapstructure:"is-server" yaml:"is-server,omitempty"`
	ServerPort  string             `mapstructure:"server-port" yaml:"server-port,omitempty"`
	ServerReady *ServerReadySignal `mapstructure:"server-ready-on" yaml:"server-ready-on,omitempty"`
	WorkingDir  string             `mapstructure:"working-dir" yaml:"working-dir,omitempty"`
	SendSigterm bool               `mapstructure:"send-sigterm" yaml:"send-sigterm,omitempty"`

	// AllowUnstableSink tolerates a sink that reports different coverage
	// maps for the same input instead of failing calibration.
	AllowUnstableSink bool `mapstructure:"allow-unstable-sink" yaml:"allow-unstable-sink,omitempty"`
}

// SinkCovConfig describes the optional llvm-cov instrumented sink build.
type SinkCovConfig struct {
	BinPath    string            `mapstructure:"bin-path" yaml:"bin-path"`
	Env        map[string]string `mapstructure:"env" yaml:"env,omitempty"`
	WorkingDir string            `mapstructure:"working-dir" yaml:"working-dir,omitempty"`
}

// VanillaConfig describes the uninstrumented reference binary.
type VanillaConfig struct {
	BinPath   string            `mapstructure:"bin-path" yaml:"bin-path"`
	Arguments []string          `mapstructure:"arguments" yaml:"arguments,omitempty"`
	Env       map[string]string `mapstructure:"env" yaml:"env,omitempty"`
}

// AflNetConfig configures the AFL-Net competitor wrapper.
type AflNetConfig struct {
	BinPath              string            `mapstructure:"bin-path" yaml:"bin-path"`
	Env                  map[string]string `mapstructure:"env" yaml:"env,omitempty"`
	InputDir             string            `mapstructure:"input-dir" yaml:"input-dir"`
	Protocol             string            `mapstructure:"protocol" yaml:"protocol"`
	Netinfo              string            `mapstructure:"netinfo" yaml:"netinfo"`
	SendSigterm          bool              `mapstructure:"send-sigterm" yaml:"send-sigterm,omitempty"`
	EnableStateAwareMode bool              `mapstructure:"enable-state-aware-mode" yaml:"enable-state-aware-mode,omitempty"`
}

// StateAflConfig configures the StateAFL competitor wrapper.
type StateAflConfig struct {
	BinPath              string            `mapstructure:"bin-path" yaml:"bin-path"`
	Env                  map[string]string `mapstructure:"env" yaml:"env,omitempty"`
	InputDir             string            `mapstructure:"input-dir" yaml:"input-dir"`
	Protocol             string            `mapstructure:"protocol" yaml:"protocol"`
	Netinfo              string            `mapstructure:"netinfo" yaml:"netinfo"`
	SendSigterm          bool              `mapstructure:"send-sigterm" yaml:"send-sigterm,omitempty"`
	EnableStateAwareMode bool              `mapstructure:"enable-state-aware-mode" yaml:"enable-state-aware-mode,omitempty"`
}

// SgFuzzConfig configures the SGFuzz competitor wrapper.
type SgFuzzConfig struct {
	BinPath  string            `mapstructure:"bin-path" yaml:"bin-path"`
	Env      map[string]string `mapstructure:"env" yaml:"env,omitempty"`
	Args     []string          `mapstructure:"args" yaml:"args,omitempty"`
	InputDir string            `mapstructure:"input-dir" yaml:"input-dir"`
	Netinfo  string            `mapstructure:"netinfo" yaml:"netinfo"`
}

// DiscoveryPhaseConfig tunes the Discovery phase.
type DiscoveryPhaseConfig struct {
	Enabled               bool     `mapstructure:"enabled" yaml:"enabled"`
	BatchSize             int      `mapstructure:"batch-size" yaml:"batch-size"`
	TerminateWhenFinished bool     `mapstructure:"terminate-when-finished" yaml:"terminate-when-finished"`
	BatchCovTimeout       Duration `mapstructure:"batch-cov-timeout" yaml:"batch-cov-timeout"`
	PhaseCovTimeout       Duration `mapstructure:"phase-cov-timeout" yaml:"phase-cov-timeout"`
}

// MutatePhaseConfig tunes the Mutate phase.
type MutatePhaseConfig struct {
	Weight          float64  `mapstructure:"weight" yaml:"weight"`
	EntryCovTimeout Duration `mapstructure:"entry-cov-timeout" yaml:"entry-cov-timeout"`
}

// AddPhaseConfig tunes the Add phase.
type AddPhaseConfig struct {
	Weight               float64  `mapstructure:"weight" yaml:"weight"`
	BatchSize            uint32   `mapstructure:"batch-size" yaml:"batch-size"`
	SelectUnfuzzedWeight uint32   `mapstructure:"select-unfuzzed-weight" yaml:"select-unfuzzed-weight"`
	SelectYieldingWeight uint32   `mapstructure:"select-yielding-weight" yaml:"select-yielding-weight"`
	SelectRandomWeight   uint32   `mapstructure:"select-random-weight" yaml:"select-random-weight"`
	EntryCovTimeout      Duration `mapstructure:"entry-cov-timeout" yaml:"entry-cov-timeout"`
}

// CombinePhaseConfig tunes the Combine phase.
type CombinePhaseConfig struct {
	Weight          float64  `mapstructure:"weight" yaml:"weight"`
	EntryCovTimeout Duration `mapstructure:"entry-cov-timeout" yaml:"entry-cov-timeout"`
}

// PhasesConfig aggregates the four phases plus the generation ceiling.
type PhasesConfig struct {
	GenerationCeiling uint32               `mapstructure:"generation-ceiling" yaml:"generation-ceiling,omitempty"`
	Discovery         DiscoveryPhaseConfig `mapstructure:"discovery" yaml:"discovery"`
	Mutate            MutatePhaseConfig    `mapstructure:"mutate" yaml:"mutate"`
	Add               AddPhaseConfig       `mapstructure:"add" yaml:"add"`
	Combine           CombinePhaseConfig   `mapstructure:"combine" yaml:"combine"`
}

// Config is the fully-resolved scheduler configuration.
type Config struct {
	WorkDirectory        string   `mapstructure:"work-directory" yaml:"work-directory"`
	InputDirectory       string   `mapstructure:"input-directory" yaml:"input-directory"`
	TracingTimeout       Duration `mapstructure:"tracing-timeout" yaml:"tracing-timeout"`
	JailUID              *uint32  `mapstructure:"jail-uid" yaml:"jail-uid,omitempty"`
	JailGID              *uint32  `mapstructure:"jail-gid" yaml:"jail-gid,omitempty"`
	JailDropToSudoCallee bool     `mapstructure:"jail-drop-to-sudo-callee" yaml:"jail-drop-to-sudo-callee,omitempty"`

	Source   SourceConfig    `mapstructure:"source" yaml:"source"`
	Sink     SinkConfig      `mapstructure:"sink" yaml:"sink"`
	SinkCov  *SinkCovConfig  `mapstructure:"sink-cov" yaml:"sink-cov,omitempty"`
	Vanilla  VanillaConfig   `mapstructure:"vanilla" yaml:"vanilla"`
	Phases   PhasesConfig    `mapstructure:"phases" yaml:"phases"`
	AflNet   *AflNetConfig   `mapstructure:"afl-net" yaml:"afl-net,omitempty"`
	StateAfl *StateAflConfig `mapstructure:"state-afl" yaml:"state-afl,omitempty"`
	SgFuzz   *SgFuzzConfig   `mapstructure:"sgfuzz" yaml:"sgfuzz,omitempty"`
}

// JailEnabled reports whether target processes run under a uid/gid jail.
func (c *Config) JailEnabled() bool { return c.JailUID != nil }

// JailUIDGID returns the jail credentials when the jail is enabled.
func (c *Config) JailUIDGID() (uint32, uint32, bool) {
	if c.JailUID == nil || c.JailGID == nil {
		return 0, 0, false
	}
	return *c.JailUID, *c.JailGID, true
}

// defaultConfig returns a Config pre-populated with every documented
// default; decoding a user document overlays onto this.
func defaultConfig() *Config {
	return &Config{
		TracingTimeout: Duration(300 * time.Second),
		Phases: PhasesConfig{
			Discovery: DiscoveryPhaseConfig{
				Enabled:               true,
				BatchSize:             50,
				TerminateWhenFinished: false,
				BatchCovTimeout:       Duration(10 * time.Minute),
				PhaseCovTimeout:       Duration(20 * time.Minute),
			},
			Mutate: MutatePhaseConfig{
				Weight:          40,
				EntryCovTimeout: Duration(15 * time.Minute),
			},
			Add: AddPhaseConfig{
				Weight:               3,
				BatchSize:            12,
				SelectUnfuzzedWeight: 1,
				SelectYieldingWeight: 1,
				SelectRandomWeight:   1,
				EntryCovTimeout:      Duration(15 * time.Minute),
			},
			Combine: CombinePhaseConfig{
				Weight:          10,
				EntryCovTimeout: Duration(10 * time.Minute),
			},
		},
	}
}

// requiredSections lists the top-level keys every configuration must have.
var requiredSections = []string{"work-directory", "input-directory", "source", "sink", "vanilla"}

// Load reads, validates, and resolves the configuration at path. A sibling
// `.env` file, if present, is loaded first so `${VAR}` placeholders in
// string values resolve against it.
func Load(path string) (*Config, error) {
	baseDir := filepath.Dir(path)

	if _, err := os.Stat(filepath.Join(baseDir, ".env")); err == nil {
		if err := godotenv.Load(filepath.Join(baseDir, ".env")); err != nil {
			return nil, &ConfigError{Kind: InvalidSyntax, Attribute: ".env", Err: err}
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Kind: InvalidSyntax, Attribute: path, Detail: "cannot read file", Err: err}
	}
	return LoadBytes(data, baseDir)
}

// LoadBytes decodes a configuration document, resolving relative paths
// against baseDir.
func LoadBytes(data []byte, baseDir string) (*Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigError{Kind: InvalidSyntax, Err: err}
	}
	if raw == nil {
		raw = map[string]any{}
	}

	for _, section := range requiredSections {
		if _, ok := raw[section]; !ok {
			return nil, &ConfigError{Kind: MissingSection, Attribute: section}
		}
	}

	resolveEnvInValue(raw)

	cfg := defaultConfig()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      cfg,
		ErrorUnused: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			stringToDurationHook,
			stringToServerReadyHook,
			stringToInputChannelHook,
			stringToOutputChannelHook,
		),
	})
	if err != nil {
		return nil, &ConfigError{Kind: ConversionFailure, Err: err}
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, classifyDecodeError(err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.resolvePaths(baseDir)
	return cfg, nil
}

// Marshal renders the configuration back to YAML. Loading the result again
// yields the same Config (defaults are inlined by the first load, so the
// round-trip is a fixed point).
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func (c *Config) validate() error {
	if c.Source.BinPath == "" {
		return &ConfigError{Kind: MissingAttribute, Attribute: "source.bin-path"}
	}
	if c.Sink.BinPath == "" {
		return &ConfigError{Kind: MissingAttribute, Attribute: "sink.bin-path"}
	}
	if c.Vanilla.BinPath == "" {
		return &ConfigError{Kind: MissingAttribute, Attribute: "vanilla.bin-path"}
	}
	if (c.JailUID == nil) != (c.JailGID == nil) {
		return &ConfigError{Kind: MissingAttribute, Attribute: "jail-uid/jail-gid", Detail: "must be set together"}
	}
	if c.Phases.Discovery.BatchSize <= 0 {
		return &ConfigError{Kind: InvalidValue, Attribute: "phases.discovery.batch-size", Detail: "must be positive"}
	}
	if c.Phases.Add.BatchSize == 0 {
		return &ConfigError{Kind: InvalidValue, Attribute: "phases.add.batch-size", Detail: "must be positive"}
	}
	return nil
}

// resolvePaths makes every path attribute absolute, interpreting relative
// paths against the configuration file's directory.
func (c *Config) resolvePaths(baseDir string) {
	resolve := func(p *string) {
		if *p == "" || filepath.IsAbs(*p) {
			if *p != "" {
				*p = filepath.Clean(*p)
			}
			return
		}
		abs, err := filepath.Abs(filepath.Join(baseDir, *p))
		if err == nil {
			*p = abs
		}
	}

	resolve(&c.WorkDirectory)
	resolve(&c.InputDirectory)
	resolve(&c.Source.BinPath)
	resolve(&c.Source.WorkingDir)
	resolve(&c.Sink.BinPath)
	resolve(&c.Sink.WorkingDir)
	resolve(&c.Vanilla.BinPath)
	if c.SinkCov != nil {
		resolve(&c.SinkCov.BinPath)
		resolve(&c.SinkCov.WorkingDir)
	}
	if c.AflNet != nil {
		resolve(&c.AflNet.BinPath)
		resolve(&c.AflNet.InputDir)
	}
	if c.StateAfl != nil {
		resolve(&c.StateAfl.BinPath)
		resolve(&c.StateAfl.InputDir)
	}
	if c.SgFuzz != nil {
		resolve(&c.SgFuzz.BinPath)
		resolve(&c.SgFuzz.InputDir)
	}
}

// PhaseConfig projects the YAML phase sections into the phase engine's
// runtime configuration.
func (c *Config) PhaseConfig() phase.Config {
	return phase.Config{
		GenerationCeiling: c.Phases.GenerationCeiling,
		Discovery: phase.DiscoveryConfig{
			Enabled:               c.Phases.Discovery.Enabled,
			BatchSize:             c.Phases.Discovery.BatchSize,
			TerminateWhenFinished: c.Phases.Discovery.TerminateWhenFinished,
			BatchCovTimeout:       c.Phases.Discovery.BatchCovTimeout.Std(),
			PhaseCovTimeout:       c.Phases.Discovery.PhaseCovTimeout.Std(),
		},
		Mutate: phase.MutateConfig{
			Weight:          c.Phases.Mutate.Weight,
			EntryCovTimeout: c.Phases.Mutate.EntryCovTimeout.Std(),
		},
		Add: phase.AddConfig{
			Weight:               c.Phases.Add.Weight,
			BatchSize:            c.Phases.Add.BatchSize,
			SelectUnfuzzedWeight: c.Phases.Add.SelectUnfuzzedWeight,
			SelectYieldingWeight: c.Phases.Add.SelectYieldingWeight,
			SelectRandomWeight:   c.Phases.Add.SelectRandomWeight,
			EntryCovTimeout:      c.Phases.Add.EntryCovTimeout.Std(),
		},
		Combine: phase.CombineConfig{
			Weight:          c.Phases.Combine.Weight,
			EntryCovTimeout: c.Phases.Combine.EntryCovTimeout.Std(),
		},
	}
}

// TraceConfig projects the tracing knobs into the trace package's runtime
// configuration.
func (c *Config) TraceConfig() trace.Config {
	return trace.Config{TracingTimeout: c.TracingTimeout.Std()}
}

// envVarPattern matches `${VAR}` and `$VAR` placeholders inside string
// values.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func resolveEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match
		if strings.HasPrefix(match, "${") && strings.HasSuffix(match, "}") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return match
	})
}

// resolveEnvInValue walks the raw decoded document and substitutes
// environment placeholders in every string leaf.
func resolveEnvInValue(v any) {
	switch val := v.(type) {
	case map[string]any:
		for k, item := range val {
			if s, ok := item.(string); ok {
				val[k] = resolveEnvVars(s)
			} else {
				resolveEnvInValue(item)
			}
		}
	case []any:
		for i, item := range val {
			if s, ok := item.(string); ok {
				val[i] = resolveEnvVars(s)
			} else {
				resolveEnvInValue(item)
			}
		}
	}
}

func classifyDecodeError(err error) error {
	var cfgErr *ConfigError
	if merr, ok := err.(*mapstructure.Error); ok {
		for _, e := range merr.WrappedErrors() {
			if strings.Contains(e.Error(), "invalid keys") {
				return &ConfigError{Kind: UnexpectedAttribute, Detail: e.Error()}
			}
			if errAs(e, &cfgErr) {
				return cfgErr
			}
		}
		return &ConfigError{Kind: ConversionFailure, Err: err}
	}
	if errAs(err, &cfgErr) {
		return cfgErr
	}
	return &ConfigError{Kind: ConversionFailure, Err: err}
}

// errAs is errors.As over the flat error strings mapstructure produces: it
// scans the chain manually because mapstructure joins hook errors by
// message, losing the original type for all but the innermost wrap.
func errAs(err error, target **ConfigError) bool {
	for err != nil {
		if ce, ok := err.(*ConfigError); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func stringToDurationHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != reflect.TypeOf(Duration(0)) {
		return data, nil
	}
	return ParseConfigDuration(data.(string))
}

func stringToServerReadyHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != reflect.TypeOf(ServerReadySignal{}) {
		return data, nil
	}
	return ParseServerReadySignal(data.(string))
}

func stringToInputChannelHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != reflect.TypeOf(InputChannel(0)) {
		return data, nil
	}
	return ParseInputChannel(data.(string))
}

func stringToOutputChannelHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != reflect.TypeOf(OutputChannel(0)) {
		return data, nil
	}
	return ParseOutputChannel(data.(string))
}
