package config

import (
	"fmt"
	"regexp"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ServerReadyKind names the syscall whose occurrence signals that a server
// target finished starting up.
type ServerReadyKind int

const (
	// Bind waits for the target's bind() call.
	Bind ServerReadyKind = iota
	// Listen waits for the target's listen() call.
	Listen
)

func (k ServerReadyKind) String() string {
	if k == Listen {
		return "listen"
	}
	return "bind"
}

// ServerReadySignal describes when a server target counts as ready: after
// the Occurrence-th bind() or listen() call. Occurrence 0 is an internal
// sentinel meaning "the first occurrence"; it is what a bare `bind` or
// `listen` (no parenthesised count) parses to, and it is deliberately not
// accepted as an explicit count — `listen(0)` is a parse error.
type ServerReadySignal struct {
	Kind       ServerReadyKind
	Occurrence uint
}

var serverReadyPattern = regexp.MustCompile(`^(bind|listen)(\(([1-9][0-9]*)\))?$`)

// ParseServerReadySignal parses the `(bind|listen)(\(<n>\))?` grammar, where
// n must be a positive count.
func ParseServerReadySignal(s string) (ServerReadySignal, error) {
	matches := serverReadyPattern.FindStringSubmatch(s)
	if matches == nil {
		return ServerReadySignal{}, &ConfigError{
			Kind:   InvalidValue,
			Detail: fmt.Sprintf("server-ready-on %q does not match (bind|listen)(\\(<n>\\))? with n >= 1", s),
		}
	}

	sig := ServerReadySignal{Kind: Bind}
	if matches[1] == "listen" {
		sig.Kind = Listen
	}
	if matches[3] != "" {
		n, err := strconv.ParseUint(matches[3], 10, 32)
		if err != nil {
			return ServerReadySignal{}, &ConfigError{Kind: ConversionFailure, Detail: fmt.Sprintf("occurrence count %q", matches[3]), Err: err}
		}
		sig.Occurrence = uint(n)
	}
	return sig, nil
}

func (s ServerReadySignal) String() string {
	if s.Occurrence == 0 {
		return s.Kind.String()
	}
	return fmt.Sprintf("%s(%d)", s.Kind, s.Occurrence)
}

func (s ServerReadySignal) MarshalYAML() (any, error) { return s.String(), nil }

func (s *ServerReadySignal) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ParseServerReadySignal(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
