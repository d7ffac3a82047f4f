package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// InputChannel names how a target binary consumes its input.
type InputChannel int

const (
	InputNone InputChannel = iota
	InputStdin
	InputFile
	InputTcp
	InputUdp
)

// ParseInputChannel converts the configuration spelling of an input
// channel.
func ParseInputChannel(s string) (InputChannel, error) {
	switch s {
	case "none":
		return InputNone, nil
	case "stdin":
		return InputStdin, nil
	case "file":
		return InputFile, nil
	case "tcp":
		return InputTcp, nil
	case "udp":
		return InputUdp, nil
	}
	return 0, &ConfigError{Kind: InvalidValue, Detail: fmt.Sprintf("input channel %q (expected none|stdin|file|tcp|udp)", s)}
}

func (c InputChannel) String() string {
	switch c {
	case InputStdin:
		return "stdin"
	case InputFile:
		return "file"
	case InputTcp:
		return "tcp"
	case InputUdp:
		return "udp"
	}
	return "none"
}

// IsNetwork reports whether the channel delivers input over a socket.
func (c InputChannel) IsNetwork() bool { return c == InputTcp || c == InputUdp }

func (c InputChannel) MarshalYAML() (any, error) { return c.String(), nil }

func (c *InputChannel) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ParseInputChannel(raw)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// OutputChannel names how a target binary produces its output.
type OutputChannel int

const (
	OutputNone OutputChannel = iota
	OutputStdout
	OutputFile
	OutputTcp
	OutputUdp
)

// ParseOutputChannel converts the configuration spelling of an output
// channel.
func ParseOutputChannel(s string) (OutputChannel, error) {
	switch s {
	case "none":
		return OutputNone, nil
	case "stdout":
		return OutputStdout, nil
	case "file":
		return OutputFile, nil
	case "tcp":
		return OutputTcp, nil
	case "udp":
		return OutputUdp, nil
	}
	return 0, &ConfigError{Kind: InvalidValue, Detail: fmt.Sprintf("output channel %q (expected none|stdout|file|tcp|udp)", s)}
}

func (c OutputChannel) String() string {
	switch c {
	case OutputStdout:
		return "stdout"
	case OutputFile:
		return "file"
	case OutputTcp:
		return "tcp"
	case OutputUdp:
		return "udp"
	}
	return "none"
}

func (c OutputChannel) MarshalYAML() (any, error) { return c.String(), nil }

func (c *OutputChannel) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ParseOutputChannel(raw)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
