package config

import "fmt"

// ErrorKind classifies what went wrong while loading a configuration file.
type ErrorKind int

const (
	// InvalidSyntax marks a file that is not well-formed YAML.
	InvalidSyntax ErrorKind = iota
	// MissingAttribute marks a required attribute that is absent.
	MissingAttribute
	// MissingSection marks a required top-level section that is absent.
	MissingSection
	// InvalidValue marks an attribute whose value is out of range or
	// malformed (e.g. "listen(0)").
	InvalidValue
	// ConversionFailure marks an attribute whose value could not be
	// converted to its target type.
	ConversionFailure
	// UnexpectedAttribute marks a key the schema does not know about.
	UnexpectedAttribute
)

func (k ErrorKind) String() string {
	switch k {
	case InvalidSyntax:
		return "invalid syntax"
	case MissingAttribute:
		return "missing attribute"
	case MissingSection:
		return "missing section"
	case InvalidValue:
		return "invalid value"
	case ConversionFailure:
		return "conversion failure"
	case UnexpectedAttribute:
		return "unexpected attribute"
	}
	return "unknown"
}

// ConfigError is returned for every failure during configuration loading.
// Configuration errors abort startup; nothing downstream attempts to
// recover from one.
type ConfigError struct {
	Kind ErrorKind
	// Attribute names the offending key or section, if known.
	Attribute string
	// Detail is a human-readable elaboration.
	Detail string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: %s", e.Kind)
	if e.Attribute != "" {
		msg += fmt.Sprintf(": %q", e.Attribute)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }
