package status

import (
	"fmt"
	"strings"
	"time"

	"collateral-keeper/internal/peg"
)

// Status is the collateral health classification.
type Status uint8

const (
	Sound Status = iota
	Iffy
	Disabled
)

func (s Status) String() string {
	switch s {
	case Sound:
		return "SOUND"
	case Iffy:
		return "IFFY"
	case Disabled:
		return "DISABLED"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// Parse reverses String.
func Parse(v string) (Status, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "SOUND":
		return Sound, nil
	case "IFFY":
		return Iffy, nil
	case "DISABLED":
		return Disabled, nil
	default:
		return Sound, fmt.Errorf("unknown status %q", v)
	}
}

// DefaultState is owned by one collateral instance and mutated only through Machine.Apply.
// A zero WhenDefault means no default is pending.
type DefaultState struct {
	Status      Status
	WhenDefault time.Time
	LastSound   *peg.Sample
}

// NewDefaultState returns the initial SOUND state.
func NewDefaultState() DefaultState {
	return DefaultState{Status: Sound}
}

// Clone deep-copies the state.
func (s DefaultState) Clone() DefaultState {
	out := s
	if s.LastSound != nil {
		last := *s.LastSound
		out.LastSound = &last
	}
	return out
}

// Input is what one refresh observed.
type Input struct {
	// OffPeg covers both a deviated or regressed sample and a stale price.
	OffPeg bool
	// Invalid means the asset cannot be priced at all.
	Invalid bool
	// Sample becomes the sound baseline when the input is on peg.
	Sample *peg.Sample
	Reason string
}

// Transition records a status change.
type Transition struct {
	From   Status
	To     Status
	At     time.Time
	Reason string
}

// Machine applies the delayed-default policy.
type Machine struct {
	delay time.Duration
}

// NewMachine builds a machine that disables collateral after delay of continuous deviation.
func NewMachine(delay time.Duration) Machine {
	return Machine{delay: delay}
}

// Delay returns the configured grace period.
func (m Machine) Delay() time.Duration {
	return m.delay
}

// Apply advances st for one observation at now. It returns the transition and
// true when the status changed. DISABLED is never left.
func (m Machine) Apply(st *DefaultState, in Input, now time.Time) (Transition, bool) {
	from := st.Status
	if from == Disabled {
		return Transition{}, false
	}

	switch {
	case in.Invalid:
		st.Status = Disabled
		st.WhenDefault = now
		return Transition{From: from, To: Disabled, At: now, Reason: in.Reason}, true

	case in.OffPeg:
		if from == Sound {
			st.WhenDefault = now.Add(m.delay)
		}
		if !now.Before(st.WhenDefault) {
			st.Status = Disabled
			return Transition{From: from, To: Disabled, At: now, Reason: in.Reason}, true
		}
		if from == Sound {
			st.Status = Iffy
			return Transition{From: from, To: Iffy, At: now, Reason: in.Reason}, true
		}
		// Still IFFY: keep the earliest deadline.
		return Transition{}, false

	default:
		if from == Iffy {
			if !now.Before(st.WhenDefault) {
				st.Status = Disabled
				return Transition{From: from, To: Disabled, At: now, Reason: "default delay elapsed before recovery"}, true
			}
			st.Status = Sound
			st.WhenDefault = time.Time{}
			m.markSound(st, in)
			return Transition{From: from, To: Sound, At: now, Reason: "recovered"}, true
		}
		m.markSound(st, in)
		return Transition{}, false
	}
}

func (m Machine) markSound(st *DefaultState, in Input) {
	if in.Sample == nil {
		return
	}
	if st.LastSound == nil || !in.Sample.RefPerTok.LessThan(st.LastSound.RefPerTok) {
		sample := *in.Sample
		st.LastSound = &sample
	}
}
