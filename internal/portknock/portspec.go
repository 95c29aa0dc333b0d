package portknock

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Protocol represents the knock transport.
type Protocol string

const (
	TCP Protocol = "tcp"
	UDP Protocol = "udp"
)

// ErrMalformedPortSpec is wrapped by every PortSpecError.
var ErrMalformedPortSpec = errors.New("malformed port spec")

// PortSpecError reports a port token that could not be parsed.
type PortSpecError struct {
	Token  string
	Reason string
}

func (e *PortSpecError) Error() string {
	return fmt.Sprintf("%v %q: %s", ErrMalformedPortSpec, e.Token, e.Reason)
}

func (e *PortSpecError) Unwrap() error {
	return ErrMalformedPortSpec
}

// PortSpec is a single knock target port.
type PortSpec struct {
	Port     uint16
	Protocol Protocol
}

// String returns the canonical "port:proto" form.
func (p PortSpec) String() string {
	return fmt.Sprintf("%d:%s", p.Port, p.Protocol)
}

// Parse converts a port token into a PortSpec. Accepted forms are
// "N:tcp"/"N:udp", the legacy "Ntcp"/"Nudp" and a bare "N", which takes def.
func Parse(token string, def Protocol) (PortSpec, error) {
	if def == "" {
		def = TCP
	}
	s := strings.ToLower(strings.TrimSpace(token))
	if s == "" {
		return PortSpec{}, &PortSpecError{Token: token, Reason: "empty"}
	}

	num, proto := s, def
	if i := strings.IndexByte(s, ':'); i >= 0 {
		num = strings.TrimSpace(s[:i])
		switch p := Protocol(strings.TrimSpace(s[i+1:])); p {
		case TCP, UDP:
			proto = p
		default:
			return PortSpec{}, &PortSpecError{Token: token, Reason: fmt.Sprintf("unknown protocol %q", p)}
		}
	} else if strings.HasSuffix(s, string(TCP)) {
		num, proto = strings.TrimSuffix(s, string(TCP)), TCP
	} else if strings.HasSuffix(s, string(UDP)) {
		num, proto = strings.TrimSuffix(s, string(UDP)), UDP
	}

	n, err := strconv.ParseUint(num, 10, 16)
	if err != nil {
		return PortSpec{}, &PortSpecError{Token: token, Reason: "invalid port number"}
	}
	if n == 0 {
		return PortSpec{}, &PortSpecError{Token: token, Reason: "port must be 1-65535"}
	}
	return PortSpec{Port: uint16(n), Protocol: proto}, nil
}

// ParseSequence parses every token, preserving order. Malformed tokens are
// left out of specs and reported in errs; they never stop the rest.
func ParseSequence(tokens []string, def Protocol) (specs []PortSpec, errs []error) {
	specs = make([]PortSpec, 0, len(tokens))
	for _, tok := range tokens {
		ps, err := Parse(tok, def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		specs = append(specs, ps)
	}
	return specs, errs
}

// FormatSequence renders specs as an arrow-joined sequence.
func FormatSequence(specs []PortSpec) string {
	strs := make([]string, len(specs))
	for i, p := range specs {
		strs[i] = p.String()
	}
	return strings.Join(strs, " → ")
}
