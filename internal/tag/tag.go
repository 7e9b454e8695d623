// Package tag implements the logical-time algebra used by the RTI to
// decide when a federate may safely advance its clock: a (time,
// microstep) pair with saturating arithmetic against the NEVER and
// FOREVER sentinels.
package tag

import (
	"fmt"
	"math"
)

// Tag is a logical timestamp: a nanosecond instant plus a microstep
// tiebreaker for simultaneous events.
type Tag struct {
	Time      int64
	Microstep uint32
}

// Interval is an optional after-delay. Nil encodes "no delay" (a pure
// logical connection, equivalent to NEVER in delay semantics); a
// pointer to 0 encodes one microstep; a pointer to n>0 encodes n
// nanoseconds.
type Interval = *int64

var (
	// NEVER is smaller than every other tag.
	NEVER = Tag{Time: math.MinInt64, Microstep: 0}
	// FOREVER is larger than every other tag.
	FOREVER = Tag{Time: math.MaxInt64, Microstep: math.MaxUint32}
	// Zero is the tag at logical time 0, microstep 0.
	Zero = Tag{Time: 0, Microstep: 0}
)

// NewInterval returns an Interval encoding n nanoseconds (or 0 for a
// one-microstep delay). Use NoDelay() for "no delay".
func NewInterval(n int64) Interval {
	v := n
	return &v
}

// NoDelay returns the Interval encoding "no delay" (pure logical
// connection, NEVER semantics in delay_tag/delay_strict).
func NoDelay() Interval { return nil }

// IsNoDelay reports whether d encodes "no delay".
func IsNoDelay(d Interval) bool { return d == nil }

func (t Tag) String() string {
	return fmt.Sprintf("(%d,%d)", t.Time, t.Microstep)
}

// Compare returns -1, 0, or 1 as a is less than, equal to, or greater
// than b, lexicographically on (Time, Microstep). Total order.
func Compare(a, b Tag) int {
	switch {
	case a.Time < b.Time:
		return -1
	case a.Time > b.Time:
		return 1
	case a.Microstep < b.Microstep:
		return -1
	case a.Microstep > b.Microstep:
		return 1
	default:
		return 0
	}
}

// Less reports whether a orders strictly before b.
func Less(a, b Tag) bool { return Compare(a, b) < 0 }

// LessEqual reports whether a orders at or before b.
func LessEqual(a, b Tag) bool { return Compare(a, b) <= 0 }

// Greater reports whether a orders strictly after b.
func Greater(a, b Tag) bool { return Compare(a, b) > 0 }

// GreaterEqual reports whether a orders at or after b.
func GreaterEqual(a, b Tag) bool { return Compare(a, b) >= 0 }

// Equal reports tag equality.
func Equal(a, b Tag) bool { return Compare(a, b) == 0 }

// Delay computes the tag reached by waiting interval d after t.
//
//   - t == NEVER, or d < 0: returns t unchanged (no delay applies to a
//     tag that never arrives, and negative delays are meaningless).
//   - d == "no delay" (nil): returns t unchanged.
//   - d == 0: one microstep delay; microstep wraps on overflow (this
//     is the only sane behavior for an unsigned counter at the top of
//     its range, matching the original implementation).
//   - t.Time >= FOREVER.Time - d: saturates to FOREVER (overflow guard).
//   - otherwise: (t.Time+d, 0).
func Delay(t Tag, d Interval) Tag {
	if t.Time == NEVER.Time {
		return t
	}
	if IsNoDelay(d) {
		return t
	}
	n := *d
	if n < 0 {
		return t
	}
	if t.Time >= FOREVER.Time-n {
		return FOREVER
	}
	if n == 0 {
		return Tag{Time: t.Time, Microstep: t.Microstep + 1}
	}
	return Tag{Time: t.Time + n, Microstep: 0}
}

// DelayStrict computes the tag that is strictly less than every tag
// that Delay(t, d) could admit — the bound used for completed-tag
// upstream comparisons. For a finite, non-zero, non-sentinel delay it
// decrements time by one and sets microstep to its maximum, i.e. the
// tag immediately preceding Delay(t, d).
func DelayStrict(t Tag, d Interval) Tag {
	result := Delay(t, d)
	if IsNoDelay(d) {
		return result
	}
	if *d == 0 {
		return result
	}
	if result.Time == NEVER.Time || result.Time == FOREVER.Time {
		return result
	}
	return Tag{Time: result.Time - 1, Microstep: math.MaxUint32}
}

// Add computes saturating tag addition: any NEVER input yields NEVER,
// any FOREVER input yields FOREVER (checked in that order, so a
// NEVER+FOREVER mix yields NEVER to match the original's ordering),
// and microstep/time overflow saturates to FOREVER.
func Add(a, b Tag) Tag {
	if a.Time == NEVER.Time || b.Time == NEVER.Time {
		return NEVER
	}
	if a.Time == FOREVER.Time || b.Time == FOREVER.Time {
		return FOREVER
	}
	resultTime := a.Time + b.Time
	resultMicrostep := a.Microstep + b.Microstep
	if resultMicrostep < a.Microstep {
		// Microstep overflow.
		return FOREVER
	}
	if resultTime < a.Time && b.Time > 0 {
		// Positive overflow.
		return FOREVER
	}
	if resultTime > a.Time && b.Time < 0 {
		// Negative underflow.
		return NEVER
	}
	return Tag{Time: resultTime, Microstep: resultMicrostep}
}

// Min returns the lesser of a and b under Compare.
func Min(a, b Tag) Tag {
	if Less(b, a) {
		return b
	}
	return a
}

// Max returns the greater of a and b under Compare.
func Max(a, b Tag) Tag {
	if Greater(b, a) {
		return b
	}
	return a
}
