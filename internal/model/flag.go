package model

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// FlagCategoryTShirtSize is the category type whose flag offers are grouped
// by cut rather than by price.
const FlagCategoryTShirtSize = "t-shirt-size"

// Display group labels derived by FlagOffer.FlagGroupName.
const (
	GroupMen          = "Men"
	GroupWomen        = "Women"
	GroupUnisex       = "Unisex"
	GroupOther        = "Other"
	GroupSurcharge    = "with surcharge"
	GroupDiscount     = "with discount"
	GroupNoSurcharge  = "no surcharge"
	groupMenMarker    = "Pán"
	groupWomenMarker  = "Dám"
	groupUnisexMarker = "Uni"
)

// FlagCategory groups flags, e.g. food, transport or t-shirt size.
type FlagCategory struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Flag is a named attribute a participant can select.
type Flag struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	GroupName string        `json:"group_name,omitempty"`
	Category  *FlagCategory `json:"category,omitempty"`
}

// FreeText controls whether a selection may carry a text value.
type FreeText struct {
	Allowed bool   `json:"allowed"`
	Pattern string `json:"pattern,omitempty"`
}

// Validate checks a text value against the permission and pattern.
func (f FreeText) Validate(value string) error {
	if value == "" {
		return nil
	}
	if !f.Allowed {
		return newError(CodeFlagOutOfRange, "text value is not allowed", "value", value)
	}
	if f.Pattern == "" {
		return nil
	}
	re, err := regexp.Compile(f.Pattern)
	if err != nil {
		return &Error{Code: CodeFlagOutOfRange, Message: "invalid value pattern", Cause: err}
	}
	if !re.MatchString(value) {
		return newError(CodeFlagOutOfRange, fmt.Sprintf("value %q does not match %q", value, f.Pattern), "value", value)
	}
	return nil
}

// FlagOffer binds a flag to a concrete availability: capacity, price delta
// and text value permission.
type FlagOffer struct {
	ID        string         `json:"id"`
	Name      string         `json:"name,omitempty"`
	Flag      *Flag          `json:"flag"`
	Ledger    CapacityLedger `json:"ledger"`
	Price     Price          `json:"price"`
	Min       int            `json:"min"`
	Max       *int           `json:"max,omitempty"`
	Public    bool           `json:"public"`
	FreeText  FreeText       `json:"free_text"`
	GroupName string         `json:"group_name,omitempty"`
}

// DisplayName is the offer's own name, falling back to the flag's.
func (f *FlagOffer) DisplayName() string {
	if f.Name != "" {
		return f.Name
	}
	if f.Flag != nil {
		return f.Flag.Name
	}
	return ""
}

// Category returns the category of the underlying flag.
func (f *FlagOffer) Category() *FlagCategory {
	if f.Flag == nil {
		return nil
	}
	return f.Flag.Category
}

// SameFlag reports whether both offers expose the same flag identity.
func (f *FlagOffer) SameFlag(other *FlagOffer) bool {
	if f == nil || other == nil || f.Flag == nil || other.Flag == nil {
		return false
	}
	return f.Flag.ID == other.Flag.ID
}

// FlagGroupName returns the label used to group this offer for display.
func (f *FlagOffer) FlagGroupName() string {
	if f.GroupName != "" {
		return f.GroupName
	}
	if f.Flag != nil && f.Flag.GroupName != "" {
		return f.Flag.GroupName
	}
	if c := f.Category(); c != nil && c.Type == FlagCategoryTShirtSize {
		name := norm.NFC.String(f.DisplayName())
		switch {
		case strings.Contains(name, groupMenMarker):
			return GroupMen
		case strings.Contains(name, groupWomenMarker):
			return GroupWomen
		case strings.Contains(name, groupUnisexMarker):
			return GroupUnisex
		}
		return GroupOther
	}
	switch {
	case f.Price.Price > 0:
		return GroupSurcharge
	case f.Price.Price < 0:
		return GroupDiscount
	}
	return GroupNoSurcharge
}

// SimulateAdd checks the flag offer can take one more selection.
func (f *FlagOffer) SimulateAdd(full bool) error {
	if err := f.Ledger.SimulateAdd(full); err != nil {
		e := err.(*Error)
		e.Message = fmt.Sprintf("flag %q: %s", f.DisplayName(), e.Message)
		e.Metadata = map[string]string{"flag": f.DisplayName()}
		return e
	}
	return nil
}

// ValidateCount checks how many times this offer is chosen within a group.
func (f *FlagOffer) ValidateCount(n int) error {
	if n < f.Min {
		return newError(CodeFlagOutOfRange,
			fmt.Sprintf("flag %q must be chosen at least %d times", f.DisplayName(), f.Min),
			"flag", f.DisplayName())
	}
	if f.Max != nil && n > *f.Max {
		return newError(CodeCapacityExceeded,
			fmt.Sprintf("flag %q can be chosen at most %d times", f.DisplayName(), *f.Max),
			"flag", f.DisplayName())
	}
	return nil
}
