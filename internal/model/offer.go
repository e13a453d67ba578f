package model

import (
	"context"
	"fmt"
	"time"
)

// MaxRequiredOfferDepth bounds the walk over required-offer and super-event
// chains.
const MaxRequiredOfferDepth = 32

// Event is the event an offer registers to. Events may nest under a super
// event.
type Event struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	SuperEvent *Event `json:"super_event,omitempty"`
}

// SuperEvents returns the transitive super-event chain, nearest first.
func (e *Event) SuperEvents() []*Event {
	var out []*Event
	if e == nil {
		return out
	}
	for cur, depth := e.SuperEvent, 0; cur != nil && depth < MaxRequiredOfferDepth; cur, depth = cur.SuperEvent, depth+1 {
		if cur == e {
			break
		}
		out = append(out, cur)
	}
	return out
}

// ParticipantCategory classifies participants (attendee, staff, ...).
type ParticipantCategory struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

func sameCategory(a, b *ParticipantCategory) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID
}

// DateWindow is the period in which an offer accepts registrations.
// A nil bound is open.
type DateWindow struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// Contains reports whether t lies in [Start, End).
func (w DateWindow) Contains(t time.Time) bool {
	if w.Start != nil && t.Before(*w.Start) {
		return false
	}
	if w.End != nil && !t.Before(*w.End) {
		return false
	}
	return true
}

// UsageCounter is the persistence contract used by usage reconciliation.
type UsageCounter interface {
	CountParticipantsByOffer(ctx context.Context, offerID string, includeDeleted bool) (int, error)
	CountFlagsByFlagOffer(ctx context.Context, flagOfferID string, includeDeleted bool) (int, error)
}

// RegistrationOffer is a priced, capacity-bounded, time-windowed way to
// register for an event under a participant category.
type RegistrationOffer struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name"`
	Window             DateWindow        `json:"window"`
	Price              Price             `json:"price"`
	Ledger             CapacityLedger    `json:"ledger"`
	Relative           bool              `json:"relative"`
	SuperEventRequired bool              `json:"super_event_required"`
	Public             bool              `json:"public"`
	FlagGroupOffers    []*FlagGroupOffer `json:"flag_group_offers"`

	event               *Event
	participantCategory *ParticipantCategory
	requiredOffer       *RegistrationOffer
}

// Event returns the bound event.
func (o *RegistrationOffer) Event() *Event { return o.event }

// ParticipantCategory returns the bound participant category.
func (o *RegistrationOffer) ParticipantCategory() *ParticipantCategory {
	return o.participantCategory
}

// RequiredOffer returns the prerequisite offer, if any.
func (o *RegistrationOffer) RequiredOffer() *RegistrationOffer { return o.requiredOffer }

// SetEvent binds the event. Once set it can only be set again to the
// same event.
func (o *RegistrationOffer) SetEvent(e *Event) error {
	if o.event != nil && (e == nil || o.event.ID != e.ID) {
		return newError(CodeNotImplemented, "event of an offer cannot be changed", "offer", o.Name)
	}
	o.event = e
	return nil
}

// SetParticipantCategory binds the category. Once set it can only be set
// again to the same category.
func (o *RegistrationOffer) SetParticipantCategory(c *ParticipantCategory) error {
	if o.participantCategory != nil && (c == nil || o.participantCategory.ID != c.ID) {
		return newError(CodeNotImplemented, "participant category of an offer cannot be changed", "offer", o.Name)
	}
	o.participantCategory = c
	return nil
}

// SetRequiredOffer links the prerequisite offer. Links that would close a
// cycle, or exceed MaxRequiredOfferDepth, are rejected.
func (o *RegistrationOffer) SetRequiredOffer(required *RegistrationOffer) error {
	depth := 0
	for cur := required; cur != nil; cur = cur.requiredOffer {
		if cur == o || (cur.ID != "" && cur.ID == o.ID) {
			return newError(CodeNotImplemented,
				fmt.Sprintf("required offer %q would form a cycle", required.Name),
				"offer", o.Name, "required", required.Name)
		}
		depth++
		if depth > MaxRequiredOfferDepth {
			return newError(CodeNotImplemented, "required offer chain is too deep", "offer", o.Name)
		}
	}
	o.requiredOffer = required
	return nil
}

// SetWindowEnd moves the end of the registration window. Moving it into
// the past requires force.
func (o *RegistrationOffer) SetWindowEnd(end *time.Time, now time.Time, force bool) error {
	if end != nil && end.Before(now) && !force {
		return newError(CodeNotImplemented, "offer end cannot be moved into the past", "offer", o.Name)
	}
	o.Window.End = end
	return nil
}

// chain returns the offer followed by its required offers.
func (o *RegistrationOffer) chain() []*RegistrationOffer {
	out := []*RegistrationOffer{o}
	for cur := o.requiredOffer; cur != nil && len(out) <= MaxRequiredOfferDepth; cur = cur.requiredOffer {
		out = append(out, cur)
	}
	return out
}

func (o *RegistrationOffer) amount(cat *ParticipantCategory, recursive bool, pick func(Price) int, depth int) int {
	total := 0
	if cat == nil || sameCategory(o.participantCategory, cat) {
		total = pick(o.Price)
	}
	if recursive && o.Relative && o.requiredOffer != nil && depth < MaxRequiredOfferDepth {
		total += o.requiredOffer.amount(cat, true, pick, depth+1)
	}
	return floorZero(total)
}

// PriceFor returns the price for a participant category. A nil category
// selects the raw price. With recursive set, relative offers add the price
// of their required offer chain.
func (o *RegistrationOffer) PriceFor(cat *ParticipantCategory, recursive bool) int {
	return o.amount(cat, recursive, func(p Price) int { return p.Price }, 0)
}

// DepositFor mirrors PriceFor for the deposit figure.
func (o *RegistrationOffer) DepositFor(cat *ParticipantCategory, recursive bool) int {
	return o.amount(cat, recursive, func(p Price) int { return p.Deposit }, 0)
}

// RestFor is the price not covered by the deposit.
func (o *RegistrationOffer) RestFor(cat *ParticipantCategory, recursive bool) int {
	return o.PriceFor(cat, recursive) - o.DepositFor(cat, recursive)
}

// ExpandedFlagGroupOffers returns the offer's own flag groups followed by
// those of its required-offer chain, without duplicates.
func (o *RegistrationOffer) ExpandedFlagGroupOffers() []*FlagGroupOffer {
	var out []*FlagGroupOffer
	seen := make(map[*FlagGroupOffer]bool)
	for _, cur := range o.chain() {
		for _, g := range cur.FlagGroupOffers {
			if !seen[g] {
				seen[g] = true
				out = append(out, g)
			}
		}
	}
	return out
}

// ExpandedFlagOffers returns every flag offer reachable from the expanded
// flag groups, without duplicates.
func (o *RegistrationOffer) ExpandedFlagOffers() []*FlagOffer {
	var out []*FlagOffer
	seen := make(map[*FlagOffer]bool)
	for _, g := range o.ExpandedFlagGroupOffers() {
		for _, fo := range g.FlagOffers {
			if !seen[fo] {
				seen[fo] = true
				out = append(out, fo)
			}
		}
	}
	return out
}

// HasFlagGroupOffer reports whether g is in the expanded flag group set.
func (o *RegistrationOffer) HasFlagGroupOffer(g *FlagGroupOffer) bool {
	return o.findFlagGroupOffer(g) != nil
}

func (o *RegistrationOffer) findFlagGroupOffer(g *FlagGroupOffer) *FlagGroupOffer {
	if g == nil {
		return nil
	}
	for _, candidate := range o.ExpandedFlagGroupOffers() {
		if candidate == g || candidate.ID == g.ID {
			return candidate
		}
	}
	return nil
}

// CompatibleFlagGroupOffer finds an expanded flag group of the same
// category as g.
func (o *RegistrationOffer) CompatibleFlagGroupOffer(g *FlagGroupOffer) *FlagGroupOffer {
	for _, candidate := range o.ExpandedFlagGroupOffers() {
		if candidate.SameCategory(g) {
			return candidate
		}
	}
	return nil
}

// IsActive reports whether registrations are accepted at now.
func (o *RegistrationOffer) IsActive(now time.Time) bool {
	return o.Window.Contains(now)
}

// SimulateOfferAdd checks the offer itself can take one more participant.
func (o *RegistrationOffer) SimulateOfferAdd(now time.Time, full bool) error {
	if !o.IsActive(now) {
		return newError(CodeCapacityExceeded,
			fmt.Sprintf("offer %q is not active", o.Name), "offer", o.Name)
	}
	if err := o.Ledger.SimulateAdd(full); err != nil {
		e := err.(*Error)
		e.Message = fmt.Sprintf("offer %q: %s", o.Name, e.Message)
		e.Metadata = map[string]string{"offer": o.Name}
		return e
	}
	return nil
}

// CheckSuperEvent verifies the super-event precondition: when required, the
// contact must hold an active participant record on an event of the
// super-event chain. held lists the event ids the contact holds.
func (o *RegistrationOffer) CheckSuperEvent(held map[string]bool) error {
	if !o.SuperEventRequired {
		return nil
	}
	for _, e := range o.event.SuperEvents() {
		if held[e.ID] {
			return nil
		}
	}
	return newError(CodeCapacityExceeded,
		fmt.Sprintf("offer %q requires registration to a super event", o.Name), "offer", o.Name)
}

// GroupSelections sorts selections by flag group. Selections naming a group
// outside the expanded set, or a flag offer outside every group, are
// rejected.
func (o *RegistrationOffer) GroupSelections(selections []FlagSelection) (map[*FlagGroupOffer][]FlagSelection, error) {
	out := make(map[*FlagGroupOffer][]FlagSelection)
	groups := o.ExpandedFlagGroupOffers()
	for _, s := range selections {
		g := o.findFlagGroupOffer(s.FlagGroupOffer)
		if g == nil && s.FlagGroupOffer == nil && s.FlagOffer != nil {
			for _, candidate := range groups {
				if candidate.Contains(s.FlagOffer) {
					g = candidate
					break
				}
			}
		}
		if g == nil {
			name := ""
			if s.FlagOffer != nil {
				name = s.FlagOffer.DisplayName()
			}
			return nil, newError(CodeFlagOutOfRange,
				fmt.Sprintf("selection %q is outside offer %q", name, o.Name),
				"flag", name, "offer", o.Name)
		}
		if fo := g.member(s.FlagOffer); fo != nil {
			s.FlagOffer = fo
		}
		s.FlagGroupOffer = g
		out[g] = append(out[g], s)
	}
	return out, nil
}

// SimulateAdd runs every check needed before a participant with the given
// flag selections is committed to this offer.
func (o *RegistrationOffer) SimulateAdd(now time.Time, full bool, selections []FlagSelection, held map[string]bool) error {
	if err := o.SimulateOfferAdd(now, full); err != nil {
		return err
	}
	grouped, err := o.GroupSelections(selections)
	if err != nil {
		return err
	}
	for _, g := range o.ExpandedFlagGroupOffers() {
		if err := g.SimulateAdd(grouped[g], full); err != nil {
			return err
		}
	}
	return o.CheckSuperEvent(held)
}

// Commit records the participant's slot and one slot per active flag
// selection. Run SimulateAdd first.
func (o *RegistrationOffer) Commit(p *Participant) {
	o.Ledger.Reserve()
	for _, f := range p.ActiveFlags() {
		if f.FlagOffer != nil {
			f.FlagOffer.Ledger.Reserve()
		}
	}
}

// Release frees the participant's slot and its flag slots.
func (o *RegistrationOffer) Release(p *Participant) {
	o.Ledger.Release()
	for _, f := range p.ActiveFlags() {
		if f.FlagOffer != nil {
			f.FlagOffer.Ledger.Release()
		}
	}
}

// UpdateUsage recounts the usage of the offer and of its own flag offers.
// It is idempotent.
func (o *RegistrationOffer) UpdateUsage(ctx context.Context, c UsageCounter) error {
	usage, err := c.CountParticipantsByOffer(ctx, o.ID, false)
	if err != nil {
		return fmt.Errorf("count participants: %w", err)
	}
	fullUsage, err := c.CountParticipantsByOffer(ctx, o.ID, true)
	if err != nil {
		return fmt.Errorf("count participants: %w", err)
	}
	o.Ledger.SetUsage(usage, fullUsage)

	for _, g := range o.FlagGroupOffers {
		for _, fo := range g.FlagOffers {
			usage, err := c.CountFlagsByFlagOffer(ctx, fo.ID, false)
			if err != nil {
				return fmt.Errorf("count flags: %w", err)
			}
			fullUsage, err := c.CountFlagsByFlagOffer(ctx, fo.ID, true)
			if err != nil {
				return fmt.Errorf("count flags: %w", err)
			}
			fo.Ledger.SetUsage(usage, fullUsage)
		}
	}
	return nil
}

// CanDelete reports whether the offer may be hard-deleted.
func (o *RegistrationOffer) CanDelete() error {
	if o.Ledger.Usage.Usage > 0 {
		return newError(CodeNotImplemented,
			fmt.Sprintf("offer %q has %d participants", o.Name, o.Ledger.Usage.Usage), "offer", o.Name)
	}
	return nil
}
