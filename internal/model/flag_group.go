package model

import "fmt"

// FlagGroupOffer is an ordered, cardinality-constrained set of flag offers
// under one category, attached to a registration offer.
type FlagGroupOffer struct {
	ID               string        `json:"id"`
	Name             string        `json:"name,omitempty"`
	Category         *FlagCategory `json:"category"`
	Min              int           `json:"min"`
	Max              *int          `json:"max,omitempty"`
	Public           bool          `json:"public"`
	FreeText         FreeText      `json:"free_text"`
	TextValueOnly    bool          `json:"text_value_only"`
	EmptyPlaceholder string        `json:"empty_placeholder,omitempty"`
	FlagOffers       []*FlagOffer  `json:"flag_offers"`
}

// FlagSelection is one requested flag choice.
type FlagSelection struct {
	FlagGroupOffer *FlagGroupOffer
	FlagOffer      *FlagOffer
	Value          string
}

// FlagOfferGroup is a display bucket produced by GroupedFlagOffers.
type FlagOfferGroup struct {
	Name       string       `json:"name"`
	FlagOffers []*FlagOffer `json:"flag_offers"`
}

// DisplayName is the group's own name, falling back to its category name.
func (g *FlagGroupOffer) DisplayName() string {
	if g.Name != "" {
		return g.Name
	}
	if g.Category != nil {
		return g.Category.Name
	}
	return g.ID
}

// SameCategory reports whether both groups are bound to the same category.
func (g *FlagGroupOffer) SameCategory(other *FlagGroupOffer) bool {
	if g == nil || other == nil || g.Category == nil || other.Category == nil {
		return false
	}
	return g.Category.ID == other.Category.ID
}

// Contains reports whether the flag offer is part of this group.
func (g *FlagGroupOffer) Contains(fo *FlagOffer) bool {
	return g.member(fo) != nil
}

func (g *FlagGroupOffer) member(fo *FlagOffer) *FlagOffer {
	if fo == nil {
		return nil
	}
	for _, candidate := range g.FlagOffers {
		if candidate == fo || candidate.ID == fo.ID {
			return candidate
		}
	}
	return nil
}

// AddFlagOffer appends a flag offer unless it is already present.
func (g *FlagGroupOffer) AddFlagOffer(fo *FlagOffer) {
	if fo == nil || g.Contains(fo) {
		return
	}
	g.FlagOffers = append(g.FlagOffers, fo)
}

// RemoveFlagOffer detaches a flag offer. Offers with recorded usage cannot
// be removed.
func (g *FlagGroupOffer) RemoveFlagOffer(id string) error {
	for i, fo := range g.FlagOffers {
		if fo.ID != id {
			continue
		}
		if fo.Ledger.Usage.Usage > 0 || fo.Ledger.Usage.FullUsage > 0 {
			return newError(CodeNotImplemented,
				fmt.Sprintf("flag %q has recorded usage and cannot be removed", fo.DisplayName()),
				"flag", fo.DisplayName())
		}
		g.FlagOffers = append(g.FlagOffers[:i], g.FlagOffers[i+1:]...)
		return nil
	}
	return nil
}

// FlagOffersForFlag returns the offers exposing the given flag, in stored order.
func (g *FlagGroupOffer) FlagOffersForFlag(flag *Flag) []*FlagOffer {
	if flag == nil {
		return nil
	}
	var out []*FlagOffer
	for _, fo := range g.FlagOffers {
		if fo.Flag != nil && fo.Flag.ID == flag.ID {
			out = append(out, fo)
		}
	}
	return out
}

// CompatibleFlagOffer finds the offer in this group that can replace old:
// old itself when present, else the first offer of the same flag.
func (g *FlagGroupOffer) CompatibleFlagOffer(old *FlagOffer) *FlagOffer {
	if old == nil {
		return nil
	}
	if fo := g.member(old); fo != nil {
		return fo
	}
	if siblings := g.FlagOffersForFlag(old.Flag); len(siblings) > 0 {
		return siblings[0]
	}
	return nil
}

// ValidateCount checks the number of active selections against the
// group's cardinality range.
func (g *FlagGroupOffer) ValidateCount(n int) error {
	if n < g.Min {
		return newError(CodeFlagOutOfRange,
			fmt.Sprintf("group %q needs at least %d selections, got %d", g.DisplayName(), g.Min, n),
			"group", g.DisplayName())
	}
	if g.Max != nil && n > *g.Max {
		return newError(CodeCapacityExceeded,
			fmt.Sprintf("group %q allows at most %d selections, got %d", g.DisplayName(), *g.Max, n),
			"group", g.DisplayName())
	}
	return nil
}

// ValidateSelections checks that every selection belongs to the group, that
// the cardinality range holds and that text values are permitted. public
// restricts choices to public flag offers.
func (g *FlagGroupOffer) ValidateSelections(selections []FlagSelection, public bool) error {
	counts := make(map[*FlagOffer]int, len(selections))
	chosen := 0
	for _, s := range selections {
		if s.FlagOffer == nil {
			if g.TextValueOnly && s.Value != "" {
				if err := g.FreeText.Validate(s.Value); err != nil {
					return err
				}
				chosen++
			}
			continue
		}
		fo := g.member(s.FlagOffer)
		if fo == nil {
			return newError(CodeFlagOutOfRange,
				fmt.Sprintf("flag %q is not offered in group %q", s.FlagOffer.DisplayName(), g.DisplayName()),
				"flag", s.FlagOffer.DisplayName(), "group", g.DisplayName())
		}
		if public && !fo.Public {
			return newError(CodeFlagOutOfRange,
				fmt.Sprintf("flag %q is not publicly available", fo.DisplayName()),
				"flag", fo.DisplayName())
		}
		if err := fo.FreeText.Validate(s.Value); err != nil {
			return err
		}
		counts[fo]++
		chosen++
	}
	for fo, n := range counts {
		if err := fo.ValidateCount(n); err != nil {
			return err
		}
	}
	return g.ValidateCount(chosen)
}

// SimulateAdd validates the selections and checks each chosen flag offer
// has a free slot.
func (g *FlagGroupOffer) SimulateAdd(selections []FlagSelection, full bool) error {
	if err := g.ValidateSelections(selections, !full); err != nil {
		return err
	}
	seen := make(map[*FlagOffer]int, len(selections))
	for _, s := range selections {
		if s.FlagOffer == nil {
			continue
		}
		fo := g.member(s.FlagOffer)
		seen[fo]++
		r := fo.Ledger.RawRemaining(full)
		if r != nil && *r < seen[fo] {
			if err := fo.SimulateAdd(full); err != nil {
				return err
			}
			return newError(CodeCapacityExceeded,
				fmt.Sprintf("flag %q has only %d free slots", fo.DisplayName(), *r),
				"flag", fo.DisplayName())
		}
	}
	return nil
}

// GroupedFlagOffers buckets the flag offers by FlagGroupName, keeping the
// order in which each bucket is first seen.
func (g *FlagGroupOffer) GroupedFlagOffers(onlyPublic bool) []FlagOfferGroup {
	var out []FlagOfferGroup
	index := make(map[string]int)
	for _, fo := range g.FlagOffers {
		if onlyPublic && !fo.Public {
			continue
		}
		name := fo.FlagGroupName()
		i, ok := index[name]
		if !ok {
			i = len(out)
			index[name] = i
			out = append(out, FlagOfferGroup{Name: name})
		}
		out[i].FlagOffers = append(out[i].FlagOffers, fo)
	}
	return out
}
