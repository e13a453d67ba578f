package model

import "fmt"

// Capacity holds the two capacity figures of a bounded object. Base is the
// quota respected by public self-registration, Full is the admin ceiling.
// A nil Base means unlimited.
type Capacity struct {
	Base *int `json:"base,omitempty"`
	Full *int `json:"full,omitempty"`
}

// Value returns the capacity figure for the given mode. Full falls back to
// Base when no admin ceiling is set.
func (c Capacity) Value(full bool) *int {
	if full && c.Full != nil {
		return c.Full
	}
	return c.Base
}

// Usage counts occupied slots. FullUsage also counts soft-deleted records.
type Usage struct {
	Usage     int `json:"usage"`
	FullUsage int `json:"full_usage"`
}

// Value returns the usage figure for the given mode.
func (u Usage) Value(full bool) int {
	if full {
		return u.FullUsage
	}
	return u.Usage
}

// CapacityLedger tracks capacity and usage of an offer or flag offer.
type CapacityLedger struct {
	Capacity Capacity `json:"capacity"`
	Usage    Usage    `json:"usage"`
}

// Limited returns a pointer to n, for building capacity literals.
func Limited(n int) *int {
	return &n
}

// RawRemaining returns capacity minus usage without clamping, or nil when
// the capacity is unbounded. A negative value means the object is oversold.
func (l CapacityLedger) RawRemaining(full bool) *int {
	c := l.Capacity.Value(full)
	if c == nil {
		return nil
	}
	r := *c - l.Usage.Value(full)
	return &r
}

// Remaining returns the remaining capacity clamped at zero, or nil when the
// capacity is unbounded.
func (l CapacityLedger) Remaining(full bool) *int {
	r := l.RawRemaining(full)
	if r == nil {
		return nil
	}
	if *r < 0 {
		return Limited(0)
	}
	return r
}

// SimulateAdd checks that one more slot can be taken.
func (l CapacityLedger) SimulateAdd(full bool) error {
	r := l.RawRemaining(full)
	switch {
	case r == nil:
		return nil
	case *r < 0:
		return newError(CodeCapacityExceeded, fmt.Sprintf("capacity oversold by %d", -*r))
	case *r == 0:
		return newError(CodeCapacityExceeded, "capacity is full")
	}
	return nil
}

// Reserve records one committed slot.
func (l *CapacityLedger) Reserve() {
	l.Usage.Usage++
	l.Usage.FullUsage++
}

// Release frees one slot. FullUsage keeps counting the deleted record.
func (l *CapacityLedger) Release() {
	if l.Usage.Usage > 0 {
		l.Usage.Usage--
	}
}

// MoveOut frees the slot of a live record that now belongs elsewhere. Both
// counters drop, since the record no longer counts here at all.
func (l *CapacityLedger) MoveOut() {
	if l.Usage.Usage > 0 {
		l.Usage.Usage--
	}
	if l.Usage.FullUsage > 0 {
		l.Usage.FullUsage--
	}
}

// SetUsage overwrites both counters, as done by reconciliation.
func (l *CapacityLedger) SetUsage(usage, fullUsage int) {
	l.Usage = Usage{Usage: usage, FullUsage: fullUsage}
}

// Price holds a base price and a deposit (partial prepayment).
type Price struct {
	Price   int `json:"price"`
	Deposit int `json:"deposit"`
}

// Rest is the part of the price not covered by the deposit.
func (p Price) Rest() int {
	return p.Price - p.Deposit
}

func floorZero(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
