package checker

import (
	"fmt"
	"time"

	"github.com/JedizLaPulga/knockdoor/internal/portknock"
	"github.com/JedizLaPulga/knockdoor/internal/probe"
)

// DefaultDelay applies when a service sets no inter-knock delay.
const DefaultDelay = 300 * time.Millisecond

// ServiceSpec describes one knockable service.
type ServiceSpec struct {
	Name          string
	TargetAddress string
	// PortsToKnock is the knock sequence in configuration order; tokens
	// take the forms accepted by portknock.Parse.
	PortsToKnock []string
	TestAddress  string // host:port probed after knocking
	Delay        time.Duration
}

// Verdict is the final result of a check.
type Verdict int

const (
	VerdictReachable Verdict = iota
	VerdictUnreachable
	VerdictFailed
)

func (v Verdict) String() string {
	switch v {
	case VerdictReachable:
		return "reachable"
	case VerdictUnreachable:
		return "unreachable"
	case VerdictFailed:
		return "failed"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Phase is a step of a single check.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseKnocking
	PhaseProbing
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseKnocking:
		return "knocking"
	case PhaseProbing:
		return "probing"
	case PhaseDone:
		return "done"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Outcome is what a check hands back to its caller.
type Outcome struct {
	Service  string
	RunID    string
	Verdict  Verdict
	Err      error             // reason when Verdict is VerdictFailed
	Knocks   *portknock.Report // nil for check-only runs and early failures
	Probe    probe.Result
	Duration time.Duration
}

// Reason returns the failure reason, or "" when the check did not fail.
func (o Outcome) Reason() string {
	if o.Verdict != VerdictFailed || o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

func (o Outcome) status() Status {
	if o.Verdict == VerdictReachable {
		return StatusReachable
	}
	return StatusUnreachable
}
