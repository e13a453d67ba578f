package model

import "time"

// FlagChoice names one flag selection in a request. Either id may be
// omitted: a flag offer is looked up across every flag group of the offer,
// a group alone carries a text value.
type FlagChoice struct {
	FlagGroupOfferID string `json:"flag_group_offer_id,omitempty"`
	FlagOfferID      string `json:"flag_offer_id,omitempty"`
	Value            string `json:"value,omitempty"`
}

// Selections turns request choices into selections. Ids are carried by
// placeholder values; RegistrationOffer.GroupSelections resolves them
// against the offer and rejects the ones it does not know.
func Selections(choices []FlagChoice) []FlagSelection {
	out := make([]FlagSelection, 0, len(choices))
	for _, c := range choices {
		var s FlagSelection
		if c.FlagGroupOfferID != "" {
			s.FlagGroupOffer = &FlagGroupOffer{ID: c.FlagGroupOfferID}
		}
		if c.FlagOfferID != "" {
			s.FlagOffer = &FlagOffer{ID: c.FlagOfferID, Name: c.FlagOfferID}
		}
		s.Value = c.Value
		out = append(out, s)
	}
	return out
}

// RegisterRequest is the payload for registering a contact through an
// offer. Admin registrations use the full capacity and may pick hidden
// flag offers.
type RegisterRequest struct {
	ContactID string       `json:"contact_id"`
	Admin     bool         `json:"admin"`
	Flags     []FlagChoice `json:"flags"`
	Note      string       `json:"note,omitempty"`
}

// ChangeOfferRequest is the payload for moving a participant to another
// offer.
type ChangeOfferRequest struct {
	OfferID string `json:"offer_id"`
	Admin   bool   `json:"admin"`
}

// PaymentRequest is the payload for recording a payment.
type PaymentRequest struct {
	Amount int    `json:"amount"`
	Note   string `json:"note,omitempty"`
}

// CreateOfferRequest is the payload for configuring a registration offer.
// Flag group offers, flag offers and flags are upserted by id.
type CreateOfferRequest struct {
	ID                  string               `json:"id,omitempty"`
	Name                string               `json:"name"`
	Event               *Event               `json:"event"`
	ParticipantCategory *ParticipantCategory `json:"participant_category"`
	RequiredOfferID     string               `json:"required_offer_id,omitempty"`
	Start               *time.Time           `json:"start,omitempty"`
	End                 *time.Time           `json:"end,omitempty"`
	Price               int                  `json:"price"`
	Deposit             int                  `json:"deposit"`
	Capacity            *int                 `json:"capacity,omitempty"`
	FullCapacity        *int                 `json:"full_capacity,omitempty"`
	Relative            bool                 `json:"relative"`
	SuperEventRequired  bool                 `json:"super_event_required"`
	Public              bool                 `json:"public"`
	FlagGroupOffers     []*FlagGroupOffer    `json:"flag_group_offers"`
}

// OfferResponse exposes an offer together with its bound references.
type OfferResponse struct {
	*RegistrationOffer
	EventID               string `json:"event_id,omitempty"`
	ParticipantCategoryID string `json:"participant_category_id,omitempty"`
	RequiredOfferID       string `json:"required_offer_id,omitempty"`
}

// NewOfferResponse wraps o for encoding.
func NewOfferResponse(o *RegistrationOffer) OfferResponse {
	resp := OfferResponse{RegistrationOffer: o}
	if e := o.Event(); e != nil {
		resp.EventID = e.ID
	}
	if c := o.ParticipantCategory(); c != nil {
		resp.ParticipantCategoryID = c.ID
	}
	if r := o.RequiredOffer(); r != nil {
		resp.RequiredOfferID = r.ID
	}
	return resp
}

// GroupQuote lists the public flag offers of one flag group offer in
// display buckets.
type GroupQuote struct {
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	Min     int              `json:"min"`
	Max     *int             `json:"max,omitempty"`
	Buckets []FlagOfferGroup `json:"buckets"`
}

// Quote is what a public registration form needs to know about an offer.
type Quote struct {
	OfferID       string       `json:"offer_id"`
	Active        bool         `json:"active"`
	Price         int          `json:"price"`
	Deposit       int          `json:"deposit"`
	Rest          int          `json:"rest"`
	Remaining     *int         `json:"remaining,omitempty"`
	FullRemaining *int         `json:"full_remaining,omitempty"`
	FlagGroups    []GroupQuote `json:"flag_groups"`
}

// ParticipantResponse exposes a participant with its derived amounts.
type ParticipantResponse struct {
	*Participant
	OfferID   string `json:"offer_id"`
	Price     int    `json:"price"`
	Deposit   int    `json:"deposit"`
	Rest      int    `json:"rest"`
	Paid      int    `json:"paid"`
	Remaining int    `json:"remaining"`
}

// NewParticipantResponse wraps p for encoding. Amounts stay zero when the
// participant cannot be priced.
func NewParticipantResponse(p *Participant) ParticipantResponse {
	resp := ParticipantResponse{Participant: p, Paid: p.Paid()}
	if o := p.Offer(); o != nil {
		resp.OfferID = o.ID
	}
	resp.Price, _ = p.Price()
	resp.Deposit, _ = p.Deposit()
	resp.Rest, _ = p.Rest()
	resp.Remaining, _ = p.Remaining()
	return resp
}

// ChangeOfferResult reports the outcome of an offer change.
type ChangeOfferResult struct {
	Participant   ParticipantResponse `json:"participant"`
	Substitutions []SubstitutionView  `json:"substitutions"`
}

// SubstitutionView names the flag offers of one substitution.
type SubstitutionView struct {
	OldFlagOfferID string `json:"old_flag_offer_id"`
	NewFlagOfferID string `json:"new_flag_offer_id"`
}

// NewSubstitutionViews flattens substitutions for encoding.
func NewSubstitutionViews(subs []Substitution) []SubstitutionView {
	out := make([]SubstitutionView, 0, len(subs))
	for _, s := range subs {
		var v SubstitutionView
		if s.Old != nil && s.Old.FlagOffer != nil {
			v.OldFlagOfferID = s.Old.FlagOffer.ID
		}
		if s.New != nil && s.New.FlagOffer != nil {
			v.NewFlagOfferID = s.New.FlagOffer.ID
		}
		out = append(out, v)
	}
	return out
}

// UsageDrift is the change made by one usage recount.
type UsageDrift struct {
	OfferID string `json:"offer_id"`
	Before  Usage  `json:"before"`
	After   Usage  `json:"after"`
}

// Drifted reports whether the recount changed anything.
func (d UsageDrift) Drifted() bool {
	return d.Before != d.After
}

// ErrorResponse is a standard JSON error envelope.
type ErrorResponse struct {
	Error    string            `json:"error"`
	Code     Code              `json:"code,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	// Partial describes an offer change that was stored in part before it
	// failed.
	Partial *ChangeOfferResult `json:"partial,omitempty"`
}

// BookingResult summarises the outcome of a single registration attempt.
// Used in the concurrent test harness.
type BookingResult struct {
	ContactID string
	Success   bool
	Error     error
}
