package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MigrationScope selects how much of a participant is rolled back when one
// flag group cannot be migrated to a new offer.
type MigrationScope string

const (
	// ScopeParticipant resolves every group before touching any of them.
	// On failure the participant is left unchanged.
	ScopeParticipant MigrationScope = "participant"
	// ScopeGroup applies each group as soon as it resolves. Groups migrated
	// before a failing one stay migrated.
	ScopeGroup MigrationScope = "group"
)

// ParseMigrationScope maps a configuration string to a scope.
func ParseMigrationScope(s string) (MigrationScope, error) {
	switch MigrationScope(s) {
	case ScopeParticipant, "":
		return ScopeParticipant, nil
	case ScopeGroup:
		return ScopeGroup, nil
	}
	return "", fmt.Errorf("unknown migration scope %q", s)
}

// Substitution records one flag selection replaced during migration.
type Substitution struct {
	Old *ParticipantFlag
	New *ParticipantFlag
}

type groupPlan struct {
	old   *ParticipantFlagGroup
	group *ParticipantFlagGroup
	subs  []Substitution
}

func (pl groupPlan) apply(now time.Time) {
	for _, s := range pl.subs {
		s.Old.SoftDelete(now)
	}
}

// planCompatibleGroup resolves old against the expanded flag groups of o
// without mutating anything. pending counts the substitutes already planned
// per flag offer within the same offer change; they are not reserved yet, so
// they are taken off the remaining capacity here and recorded for the next
// selection.
func (o *RegistrationOffer) planCompatibleGroup(old *ParticipantFlagGroup, admin bool, pending map[*FlagOffer]int) (groupPlan, error) {
	if old == nil || old.FlagGroupOffer == nil {
		return groupPlan{}, newError(CodeFlagOutOfRange, "invalid flag range", "offer", o.Name)
	}
	if o.HasFlagGroupOffer(old.FlagGroupOffer) {
		return groupPlan{old: old, group: old}, nil
	}
	target := o.CompatibleFlagGroupOffer(old.FlagGroupOffer)
	if target == nil {
		return groupPlan{}, newError(CodeFlagOutOfRange,
			fmt.Sprintf("flag group %q has no counterpart in offer %q", old.FlagGroupOffer.DisplayName(), o.Name),
			"group", old.FlagGroupOffer.DisplayName(), "offer", o.Name)
	}

	group := &ParticipantFlagGroup{ID: uuid.NewString(), FlagGroupOffer: target}
	var subs []Substitution
	var history []*ParticipantFlag
	for _, f := range old.Flags {
		if !f.Active() {
			history = append(history, f)
			continue
		}
		if f.FlagOffer == nil || target.Contains(f.FlagOffer) {
			group.Flags = append(group.Flags, f)
			continue
		}
		next := target.CompatibleFlagOffer(f.FlagOffer)
		if next == nil {
			return groupPlan{}, newError(CodeFlagOutOfRange,
				fmt.Sprintf("flag %q has no counterpart in group %q", f.FlagOffer.DisplayName(), target.DisplayName()),
				"flag", f.FlagOffer.DisplayName(), "group", target.DisplayName())
		}
		if next != f.FlagOffer {
			// Only exactly-full (0) and oversold (<= -1) substitutes fail;
			// unbounded ones always pass.
			if r := next.Ledger.RawRemaining(admin); r != nil {
				if left := *r - pending[next]; left == 0 || left <= -1 {
					return groupPlan{}, newError(CodeFlagCapacityExceeded,
						fmt.Sprintf("flag %q is full", next.DisplayName()),
						"flag", next.DisplayName())
				}
			}
			pending[next]++
		}
		nf := &ParticipantFlag{ID: uuid.NewString(), FlagOffer: next, Value: f.Value}
		group.Flags = append(group.Flags, nf)
		subs = append(subs, Substitution{Old: f, New: nf})
	}
	group.Flags = append(group.Flags, history...)
	for _, s := range subs {
		group.Flags = append(group.Flags, s.Old)
	}
	return groupPlan{old: old, group: group, subs: subs}, nil
}

// MakeCompatibleParticipantFlagGroup remaps a participant flag group onto
// the flag groups of o. When o already offers the group, old is returned
// unchanged. Otherwise a new group bound to the same-category flag group of
// o is returned; replaced selections are soft-deleted and kept in it as
// history. The first selection that cannot be replaced aborts the group.
func (o *RegistrationOffer) MakeCompatibleParticipantFlagGroup(old *ParticipantFlagGroup, admin bool) (*ParticipantFlagGroup, []Substitution, error) {
	plan, err := o.planCompatibleGroup(old, admin, make(map[*FlagOffer]int))
	if err != nil {
		return nil, nil, err
	}
	plan.apply(time.Now().UTC())
	return plan.group, plan.subs, nil
}

// ChangeOffer moves the participant to offer, remapping every flag group.
// The offer reference changes only when all groups resolved; what happens
// to already resolved groups on failure depends on scope. The returned
// substitutions are the ones applied, also on failure.
func (p *Participant) ChangeOffer(offer *RegistrationOffer, admin bool, scope MigrationScope) ([]Substitution, error) {
	if offer == nil {
		return nil, newError(CodeNotImplemented, "participant cannot be detached from its offer", "participant", p.ID)
	}
	if offer == p.offer {
		return nil, nil
	}
	now := time.Now().UTC()
	pending := make(map[*FlagOffer]int)

	var applied []Substitution
	groups := make([]*ParticipantFlagGroup, len(p.FlagGroups))
	copy(groups, p.FlagGroups)

	switch scope {
	case ScopeGroup:
		for i, g := range p.FlagGroups {
			plan, err := offer.planCompatibleGroup(g, admin, pending)
			if err != nil {
				return applied, err
			}
			plan.apply(now)
			p.FlagGroups[i] = plan.group
			applied = append(applied, plan.subs...)
		}
	default:
		plans := make([]groupPlan, 0, len(groups))
		for _, g := range groups {
			plan, err := offer.planCompatibleGroup(g, admin, pending)
			if err != nil {
				return nil, err
			}
			plans = append(plans, plan)
		}
		for i, plan := range plans {
			plan.apply(now)
			p.FlagGroups[i] = plan.group
			applied = append(applied, plan.subs...)
		}
	}

	for _, g := range offer.ExpandedFlagGroupOffers() {
		if !p.hasFlagGroupOffer(g) {
			p.FlagGroups = append(p.FlagGroups, &ParticipantFlagGroup{ID: uuid.NewString(), FlagGroupOffer: g})
		}
	}
	p.offer = offer
	return applied, nil
}

func (p *Participant) hasFlagGroupOffer(g *FlagGroupOffer) bool {
	for _, pg := range p.FlagGroups {
		if pg.FlagGroupOffer == g || (pg.FlagGroupOffer != nil && pg.FlagGroupOffer.ID == g.ID) {
			return true
		}
	}
	return false
}
