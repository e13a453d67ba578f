package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ParticipantFlag is one flag selection of a participant. A nil FlagOffer
// means nothing was chosen yet.
type ParticipantFlag struct {
	ID        string     `json:"id"`
	FlagOffer *FlagOffer `json:"flag_offer,omitempty"`
	Value     string     `json:"value,omitempty"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Active reports whether the selection is not soft-deleted.
func (f *ParticipantFlag) Active() bool {
	return f.DeletedAt == nil
}

// SoftDelete marks the selection as deleted.
func (f *ParticipantFlag) SoftDelete(now time.Time) {
	if f.DeletedAt == nil {
		t := now
		f.DeletedAt = &t
	}
}

// ParticipantFlagGroup holds the selections made in one flag group offer.
type ParticipantFlagGroup struct {
	ID             string             `json:"id"`
	FlagGroupOffer *FlagGroupOffer    `json:"flag_group_offer,omitempty"`
	Flags          []*ParticipantFlag `json:"flags"`
}

// ActiveFlags returns the selections that are not soft-deleted.
func (g *ParticipantFlagGroup) ActiveFlags() []*ParticipantFlag {
	var out []*ParticipantFlag
	for _, f := range g.Flags {
		if f.Active() {
			out = append(out, f)
		}
	}
	return out
}

// Validate checks the active selections against the bound group offer.
func (g *ParticipantFlagGroup) Validate() error {
	if g.FlagGroupOffer == nil {
		return newError(CodeFlagOutOfRange, "invalid flag range", "group", g.ID)
	}
	selections := make([]FlagSelection, 0, len(g.Flags))
	for _, f := range g.ActiveFlags() {
		if f.FlagOffer == nil && f.Value == "" {
			continue
		}
		selections = append(selections, FlagSelection{FlagGroupOffer: g.FlagGroupOffer, FlagOffer: f.FlagOffer, Value: f.Value})
	}
	return g.FlagGroupOffer.ValidateSelections(selections, false)
}

// ParticipantPayment is a payment recorded against a participant.
type ParticipantPayment struct {
	ID           string    `json:"id"`
	NumericValue int       `json:"numeric_value"`
	Note         string    `json:"note,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ParticipantNote is a free-text note on a participant.
type ParticipantNote struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Participant is a contact's enrollment through one registration offer.
type Participant struct {
	ID         string                  `json:"id"`
	ContactID  string                  `json:"contact_id"`
	FlagGroups []*ParticipantFlagGroup `json:"flag_groups"`
	Notes      []ParticipantNote       `json:"notes"`
	Payments   []ParticipantPayment    `json:"payments"`
	Formal     *bool                   `json:"formal,omitempty"`
	Priority   int                     `json:"priority"`
	CreatedAt  time.Time               `json:"created_at"`
	DeletedAt  *time.Time              `json:"deleted_at,omitempty"`

	offer *RegistrationOffer
}

// NewParticipant builds a participant of offer with one flag group per
// expanded flag group offer, filled from selections. It does not check
// capacity; run offer.SimulateAdd first.
func NewParticipant(contactID string, offer *RegistrationOffer, selections []FlagSelection, now time.Time) (*Participant, error) {
	if offer == nil {
		return nil, newError(CodePriceInvalidArgument, "participant requires an offer")
	}
	grouped, err := offer.GroupSelections(selections)
	if err != nil {
		return nil, err
	}
	p := &Participant{
		ID:        uuid.NewString(),
		ContactID: contactID,
		CreatedAt: now,
		offer:     offer,
	}
	for _, g := range offer.ExpandedFlagGroupOffers() {
		pg := &ParticipantFlagGroup{ID: uuid.NewString(), FlagGroupOffer: g}
		for _, s := range grouped[g] {
			pg.Flags = append(pg.Flags, &ParticipantFlag{ID: uuid.NewString(), FlagOffer: s.FlagOffer, Value: s.Value})
		}
		p.FlagGroups = append(p.FlagGroups, pg)
	}
	return p, nil
}

// Offer returns the registration offer the participant holds.
func (p *Participant) Offer() *RegistrationOffer { return p.offer }

// AttachOffer binds the offer of a participant restored from storage.
// Changing the offer of a bound participant goes through ChangeOffer.
func (p *Participant) AttachOffer(offer *RegistrationOffer) error {
	if p.offer != nil && p.offer != offer {
		return newError(CodeNotImplemented, "offer of a participant can only change through ChangeOffer", "participant", p.ID)
	}
	p.offer = offer
	return nil
}

// IsDeleted reports whether the participant is soft-deleted.
func (p *Participant) IsDeleted() bool {
	return p.DeletedAt != nil
}

// SoftDelete marks the participant as deleted.
func (p *Participant) SoftDelete(now time.Time) {
	if p.DeletedAt == nil {
		t := now
		p.DeletedAt = &t
	}
}

// ActiveFlags returns the active selections of every group.
func (p *Participant) ActiveFlags() []*ParticipantFlag {
	var out []*ParticipantFlag
	for _, g := range p.FlagGroups {
		out = append(out, g.ActiveFlags()...)
	}
	return out
}

// FlagsPrice sums the price deltas of active selections.
func (p *Participant) FlagsPrice() int {
	total := 0
	for _, f := range p.ActiveFlags() {
		if f.FlagOffer != nil {
			total += f.FlagOffer.Price.Price
		}
	}
	return total
}

// FlagsDeposit sums the deposit deltas of active selections.
func (p *Participant) FlagsDeposit() int {
	total := 0
	for _, f := range p.ActiveFlags() {
		if f.FlagOffer != nil {
			total += f.FlagOffer.Price.Deposit
		}
	}
	return total
}

func (p *Participant) category() (*ParticipantCategory, error) {
	if p.offer == nil {
		return nil, newError(CodePriceInvalidArgument, "participant has no offer", "participant", p.ID)
	}
	cat := p.offer.ParticipantCategory()
	if cat == nil {
		return nil, newError(CodePriceInvalidArgument,
			fmt.Sprintf("offer %q has no participant category", p.offer.Name), "participant", p.ID)
	}
	return cat, nil
}

// Price is the offer price plus the price of active flags, floored at zero.
func (p *Participant) Price() (int, error) {
	cat, err := p.category()
	if err != nil {
		return 0, err
	}
	return floorZero(p.offer.PriceFor(cat, true) + p.FlagsPrice()), nil
}

// Deposit is the offer deposit plus the deposit of active flags, floored
// at zero.
func (p *Participant) Deposit() (int, error) {
	cat, err := p.category()
	if err != nil {
		return 0, err
	}
	return floorZero(p.offer.DepositFor(cat, true) + p.FlagsDeposit()), nil
}

// Rest is the price not covered by the deposit.
func (p *Participant) Rest() (int, error) {
	price, err := p.Price()
	if err != nil {
		return 0, err
	}
	deposit, err := p.Deposit()
	if err != nil {
		return 0, err
	}
	return price - deposit, nil
}

// Paid sums all recorded payments.
func (p *Participant) Paid() int {
	total := 0
	for _, pay := range p.Payments {
		total += pay.NumericValue
	}
	return total
}

// Remaining is the price minus what has been paid.
func (p *Participant) Remaining() (int, error) {
	price, err := p.Price()
	if err != nil {
		return 0, err
	}
	return price - p.Paid(), nil
}

// AddPayment records a payment.
func (p *Participant) AddPayment(amount int, note string, now time.Time) ParticipantPayment {
	pay := ParticipantPayment{ID: uuid.NewString(), NumericValue: amount, Note: note, CreatedAt: now}
	p.Payments = append(p.Payments, pay)
	return pay
}

// AddNote records a note.
func (p *Participant) AddNote(text string, now time.Time) ParticipantNote {
	n := ParticipantNote{ID: uuid.NewString(), Text: text, CreatedAt: now}
	p.Notes = append(p.Notes, n)
	return n
}

// Validate checks that every flag group belongs to the offer and holds a
// permitted number of selections.
func (p *Participant) Validate() error {
	if p.offer == nil {
		return newError(CodePriceInvalidArgument, "participant has no offer", "participant", p.ID)
	}
	for _, g := range p.FlagGroups {
		if !p.offer.HasFlagGroupOffer(g.FlagGroupOffer) {
			return newError(CodeFlagOutOfRange, "flag group is outside the participant's offer", "group", g.ID)
		}
		if err := g.Validate(); err != nil {
			return err
		}
	}
	return nil
}
