package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Shivanand-hulikatti/offer-engine/internal/model"
	"github.com/Shivanand-hulikatti/offer-engine/internal/repository"
)

var (
	attendee = &model.ParticipantCategory{ID: "cat-attendee", Name: "Attendee"}
	food     = &model.FlagCategory{ID: "fc-food", Name: "Food", Type: "food"}
	bus      = &model.FlagCategory{ID: "fc-bus", Name: "Transport", Type: "transport"}
)

func testNow() time.Time {
	return time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
}

func newTestService(t *testing.T, scope model.MigrationScope) *RegistrationService {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRegistrationService(repository.NewMemoryStore(), scope, logger, WithClock(testNow))
}

func offerReq(id string, price int, capacity *int, groups ...*model.FlagGroupOffer) model.CreateOfferRequest {
	return model.CreateOfferRequest{
		ID:                  id,
		Name:                id,
		Event:               &model.Event{ID: "ev-" + id, Name: id},
		ParticipantCategory: attendee,
		Price:               price,
		Capacity:            capacity,
		Public:              true,
		FlagGroupOffers:     groups,
	}
}

func flagOffer(id, flagID string, cat *model.FlagCategory, capacity *int) *model.FlagOffer {
	return &model.FlagOffer{
		ID:     id,
		Flag:   &model.Flag{ID: flagID, Name: flagID, Category: cat},
		Ledger: model.CapacityLedger{Capacity: model.Capacity{Base: capacity}},
		Public: true,
	}
}

func group(id string, cat *model.FlagCategory, offers ...*model.FlagOffer) *model.FlagGroupOffer {
	return &model.FlagGroupOffer{ID: id, Category: cat, Max: model.Limited(1), Public: true, FlagOffers: offers}
}

func mustCreate(t *testing.T, s *RegistrationService, req model.CreateOfferRequest) *model.RegistrationOffer {
	t.Helper()
	o, err := s.CreateOffer(context.Background(), req)
	if err != nil {
		t.Fatalf("create offer %s: %v", req.ID, err)
	}
	return o
}

func mustRegister(t *testing.T, s *RegistrationService, offerID string, req model.RegisterRequest) *model.Participant {
	t.Helper()
	p, err := s.Register(context.Background(), offerID, req)
	if err != nil {
		t.Fatalf("register to %s: %v", offerID, err)
	}
	return p
}

func requireCode(t *testing.T, err error, want *model.Error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("error = %v, want code %s", err, want.Code)
	}
}

func TestCreateOfferValidation(t *testing.T) {
	t.Parallel()

	s := newTestService(t, model.ScopeParticipant)
	tests := []struct {
		name string
		edit func(*model.CreateOfferRequest)
	}{
		{"no name", func(r *model.CreateOfferRequest) { r.Name = "  " }},
		{"no event", func(r *model.CreateOfferRequest) { r.Event = nil }},
		{"no category", func(r *model.CreateOfferRequest) { r.ParticipantCategory = nil }},
		{"negative capacity", func(r *model.CreateOfferRequest) { r.Capacity = model.Limited(-1) }},
		{"flag offer without flag", func(r *model.CreateOfferRequest) {
			r.FlagGroupOffers = []*model.FlagGroupOffer{group("g", food, &model.FlagOffer{ID: "fo"})}
		}},
	}
	for _, tt := range tests {
		req := offerReq("o", 100, nil)
		tt.edit(&req)
		if _, err := s.CreateOffer(context.Background(), req); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: err = %v, want ErrInvalidInput", tt.name, err)
		}
	}
}

func TestCreateOfferRejectsPastEndAndDuplicates(t *testing.T) {
	t.Parallel()

	s := newTestService(t, model.ScopeParticipant)
	req := offerReq("o", 100, nil)
	past := testNow().Add(-time.Hour)
	req.End = &past
	_, err := s.CreateOffer(context.Background(), req)
	requireCode(t, err, model.ErrNotImplemented)

	mustCreate(t, s, offerReq("o", 100, nil))
	if _, err := s.CreateOffer(context.Background(), offerReq("o", 100, nil)); !errors.Is(err, repository.ErrExists) {
		t.Fatalf("duplicate: err = %v, want ErrExists", err)
	}
}

func TestCreateOfferWithRequiredOffer(t *testing.T) {
	t.Parallel()

	s := newTestService(t, model.ScopeParticipant)
	mustCreate(t, s, offerReq("base", 300, nil))
	req := offerReq("addon", 50, nil)
	req.RequiredOfferID = "base"
	req.Relative = true
	mustCreate(t, s, req)

	q, err := s.Quote(context.Background(), "addon")
	if err != nil {
		t.Fatal(err)
	}
	if q.Price != 350 {
		t.Fatalf("price = %d, want 350", q.Price)
	}

	req = offerReq("orphan", 0, nil)
	req.RequiredOfferID = "missing"
	if _, err := s.CreateOffer(context.Background(), req); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRegisterCommitsUsage(t *testing.T) {
	t.Parallel()

	s := newTestService(t, model.ScopeParticipant)
	veg := flagOffer("fo-veg", "veg", food, model.Limited(5))
	veg.Price = model.Price{Price: 40}
	mustCreate(t, s, offerReq("o", 500, model.Limited(10), group("g-food", food, veg)))

	p := mustRegister(t, s, "o", model.RegisterRequest{
		ContactID: "c1",
		Flags:     []model.FlagChoice{{FlagOfferID: "fo-veg"}},
		Note:      "window seat",
	})
	if price, _ := p.Price(); price != 540 {
		t.Fatalf("price = %d, want 540", price)
	}
	if len(p.Notes) != 1 {
		t.Fatalf("notes = %d, want 1", len(p.Notes))
	}

	o, err := s.GetOffer(context.Background(), "o")
	if err != nil {
		t.Fatal(err)
	}
	if got := o.Ledger.Usage; got != (model.Usage{Usage: 1, FullUsage: 1}) {
		t.Fatalf("offer usage = %+v", got)
	}
	if got := o.FlagGroupOffers[0].FlagOffers[0].Ledger.Usage.Usage; got != 1 {
		t.Fatalf("flag usage = %d, want 1", got)
	}
}

func TestRegisterErrors(t *testing.T) {
	t.Parallel()

	s := newTestService(t, model.ScopeParticipant)
	hidden := flagOffer("fo-hidden", "vip", food, nil)
	hidden.Public = false
	mustCreate(t, s, offerReq("o", 100, model.Limited(1), group("g-food", food, hidden)))
	closed := offerReq("closed", 100, nil)
	closed.Public = false
	mustCreate(t, s, closed)

	_, err := s.Register(context.Background(), "o", model.RegisterRequest{})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("missing contact: err = %v", err)
	}
	_, err = s.Register(context.Background(), "missing", model.RegisterRequest{ContactID: "c"})
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("missing offer: err = %v", err)
	}
	_, err = s.Register(context.Background(), "o", model.RegisterRequest{ContactID: "c", Flags: []model.FlagChoice{{FlagOfferID: "nope"}}})
	requireCode(t, err, model.ErrFlagOutOfRange)
	_, err = s.Register(context.Background(), "o", model.RegisterRequest{ContactID: "c", Flags: []model.FlagChoice{{FlagOfferID: "fo-hidden"}}})
	requireCode(t, err, model.ErrFlagOutOfRange)
	_, err = s.Register(context.Background(), "closed", model.RegisterRequest{ContactID: "c"})
	requireCode(t, err, model.ErrCapacityExceeded)

	mustRegister(t, s, "o", model.RegisterRequest{ContactID: "c1", Admin: true, Flags: []model.FlagChoice{{FlagOfferID: "fo-hidden"}}})
	_, err = s.Register(context.Background(), "o", model.RegisterRequest{ContactID: "c2"})
	requireCode(t, err, model.ErrCapacityExceeded)
}

func TestRegisterAdminUsesFullCapacity(t *testing.T) {
	t.Parallel()

	s := newTestService(t, model.ScopeParticipant)
	req := offerReq("o", 100, model.Limited(1))
	req.FullCapacity = model.Limited(2)
	mustCreate(t, s, req)

	mustRegister(t, s, "o", model.RegisterRequest{ContactID: "c1"})
	_, err := s.Register(context.Background(), "o", model.RegisterRequest{ContactID: "c2"})
	requireCode(t, err, model.ErrCapacityExceeded)
	mustRegister(t, s, "o", model.RegisterRequest{ContactID: "c2", Admin: true})
	_, err = s.Register(context.Background(), "o", model.RegisterRequest{ContactID: "c3", Admin: true})
	requireCode(t, err, model.ErrCapacityExceeded)
}

func TestRegisterSuperEventRequired(t *testing.T) {
	t.Parallel()

	s := newTestService(t, model.ScopeParticipant)
	festival := &model.Event{ID: "festival", Name: "Festival"}
	mustCreate(t, s, model.CreateOfferRequest{
		ID: "pass", Name: "Pass", Event: festival, ParticipantCategory: attendee, Public: true,
	})
	mustCreate(t, s, model.CreateOfferRequest{
		ID: "workshop", Name: "Workshop", ParticipantCategory: attendee, Public: true,
		Event:              &model.Event{ID: "ws", Name: "Workshop", SuperEvent: festival},
		SuperEventRequired: true,
	})

	_, err := s.Register(context.Background(), "workshop", model.RegisterRequest{ContactID: "c"})
	requireCode(t, err, model.ErrCapacityExceeded)
	mustRegister(t, s, "pass", model.RegisterRequest{ContactID: "c"})
	mustRegister(t, s, "workshop", model.RegisterRequest{ContactID: "c"})
}

// TestConcurrentRegistrationNeverOversells fires many registrations at a
// small offer at once and checks that exactly capacity of them succeed.
func TestConcurrentRegistrationNeverOversells(t *testing.T) {
	t.Parallel()

	const capacity, attempts = 10, 50
	s := newTestService(t, model.ScopeParticipant)
	veg := flagOffer("fo-veg", "veg", food, nil)
	mustCreate(t, s, offerReq("o", 100, model.Limited(capacity), group("g", food, veg)))

	results := make(chan model.BookingResult, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			contact := fmt.Sprintf("contact-%d", i)
			_, err := s.Register(context.Background(), "o", model.RegisterRequest{
				ContactID: contact,
				Flags:     []model.FlagChoice{{FlagOfferID: "fo-veg"}},
			})
			results <- model.BookingResult{ContactID: contact, Success: err == nil, Error: err}
		}(i)
	}
	wg.Wait()
	close(results)

	successes := 0
	for r := range results {
		if r.Success {
			successes++
			continue
		}
		if !errors.Is(r.Error, model.ErrCapacityExceeded) {
			t.Fatalf("%s: unexpected error %v", r.ContactID, r.Error)
		}
	}
	if successes != capacity {
		t.Fatalf("successes = %d, want %d", successes, capacity)
	}
	o, err := s.GetOffer(context.Background(), "o")
	if err != nil {
		t.Fatal(err)
	}
	if o.Ledger.Usage.Usage != capacity || veg.Ledger.Usage.Usage != capacity {
		t.Fatalf("usage = %d, flag usage = %d, want %d", o.Ledger.Usage.Usage, veg.Ledger.Usage.Usage, capacity)
	}
}

func TestDeleteParticipantReleasesSlots(t *testing.T) {
	t.Parallel()

	s := newTestService(t, model.ScopeParticipant)
	veg := flagOffer("fo-veg", "veg", food, nil)
	mustCreate(t, s, offerReq("o", 100, model.Limited(1), group("g", food, veg)))
	p := mustRegister(t, s, "o", model.RegisterRequest{ContactID: "c1", Flags: []model.FlagChoice{{FlagOfferID: "fo-veg"}}})

	for i := 0; i < 2; i++ {
		if err := s.DeleteParticipant(context.Background(), p.ID); err != nil {
			t.Fatalf("delete #%d: %v", i+1, err)
		}
	}
	o, _ := s.GetOffer(context.Background(), "o")
	if got := o.Ledger.Usage; got != (model.Usage{Usage: 0, FullUsage: 1}) {
		t.Fatalf("usage = %+v, want 0/1", got)
	}
	if veg.Ledger.Usage.Usage != 0 {
		t.Fatalf("flag usage = %d, want 0", veg.Ledger.Usage.Usage)
	}
	mustRegister(t, s, "o", model.RegisterRequest{ContactID: "c2"})

	if err := s.DeleteParticipant(context.Background(), "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestAddPaymentAndNote(t *testing.T) {
	t.Parallel()

	s := newTestService(t, model.ScopeParticipant)
	mustCreate(t, s, offerReq("o", 300, nil))
	p := mustRegister(t, s, "o", model.RegisterRequest{ContactID: "c"})

	if _, err := s.AddPayment(context.Background(), p.ID, model.PaymentRequest{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("zero amount: err = %v", err)
	}
	got, err := s.AddPayment(context.Background(), p.ID, model.PaymentRequest{Amount: 120, Note: " card "})
	if err != nil {
		t.Fatal(err)
	}
	if rem, _ := got.Remaining(); rem != 180 || got.Payments[0].Note != "card" {
		t.Fatalf("remaining = %d, payments = %+v", rem, got.Payments)
	}
	if _, err := s.AddNote(context.Background(), p.ID, ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty note: err = %v", err)
	}
	if got, err = s.AddNote(context.Background(), p.ID, "vegan"); err != nil || len(got.Notes) != 1 {
		t.Fatalf("note: %v, %+v", err, got.Notes)
	}
}

// migrationFixture builds an old offer with food and bus groups and a new
// offer with only a food group exposing the same flag under another flag
// offer.
func migrationFixture(t *testing.T, scope model.MigrationScope, newVegCapacity *int) (*RegistrationService, *model.Participant, *model.FlagOffer, *model.FlagOffer) {
	t.Helper()
	s := newTestService(t, scope)
	oldVeg := flagOffer("fo-veg-old", "veg", food, nil)
	shuttle := flagOffer("fo-shuttle", "shuttle", bus, nil)
	newVeg := flagOffer("fo-veg-new", "veg", food, newVegCapacity)
	mustCreate(t, s, offerReq("old", 100, nil, group("g-food-old", food, oldVeg), group("g-bus", bus, shuttle)))
	mustCreate(t, s, offerReq("new", 200, nil, group("g-food-new", food, newVeg)))
	p := mustRegister(t, s, "old", model.RegisterRequest{
		ContactID: "c",
		Flags:     []model.FlagChoice{{FlagOfferID: "fo-veg-old"}, {FlagOfferID: "fo-shuttle"}},
	})
	return s, p, oldVeg, newVeg
}

func TestChangeOfferSubstitutesFlags(t *testing.T) {
	t.Parallel()

	s := newTestService(t, model.ScopeParticipant)
	oldVeg := flagOffer("fo-veg-old", "veg", food, nil)
	newVeg := flagOffer("fo-veg-new", "veg", food, model.Limited(3))
	mustCreate(t, s, offerReq("old", 100, nil, group("g-food-old", food, oldVeg)))
	mustCreate(t, s, offerReq("new", 200, nil, group("g-food-new", food, newVeg)))
	p := mustRegister(t, s, "old", model.RegisterRequest{ContactID: "c", Flags: []model.FlagChoice{{FlagOfferID: "fo-veg-old"}}})

	res, err := s.ChangeOffer(context.Background(), p.ID, model.ChangeOfferRequest{OfferID: "new"})
	if err != nil {
		t.Fatalf("change offer: %v", err)
	}
	if len(res.Substitutions) != 1 || res.Substitutions[0].NewFlagOfferID != "fo-veg-new" {
		t.Fatalf("substitutions = %+v", res.Substitutions)
	}
	if res.Participant.OfferID != "new" || res.Participant.Price != 200 {
		t.Fatalf("participant = %s / %d", res.Participant.OfferID, res.Participant.Price)
	}
	if oldVeg.Ledger.Usage.Usage != 0 || newVeg.Ledger.Usage.Usage != 1 {
		t.Fatalf("flag usage old=%d new=%d, want 0/1", oldVeg.Ledger.Usage.Usage, newVeg.Ledger.Usage.Usage)
	}
	oldOffer, _ := s.GetOffer(context.Background(), "old")
	newOffer, _ := s.GetOffer(context.Background(), "new")
	if oldOffer.Ledger.Usage.Usage != 0 || newOffer.Ledger.Usage.Usage != 1 {
		t.Fatalf("offer usage old=%d new=%d, want 0/1", oldOffer.Ledger.Usage.Usage, newOffer.Ledger.Usage.Usage)
	}

	again, err := s.ChangeOffer(context.Background(), p.ID, model.ChangeOfferRequest{OfferID: "new"})
	if err != nil || len(again.Substitutions) != 0 {
		t.Fatalf("same offer: %v, %+v", err, again)
	}
}

func TestChangeOfferParticipantScopeIsAtomic(t *testing.T) {
	t.Parallel()

	s, p, oldVeg, newVeg := migrationFixture(t, model.ScopeParticipant, nil)
	res, err := s.ChangeOffer(context.Background(), p.ID, model.ChangeOfferRequest{OfferID: "new"})
	requireCode(t, err, model.ErrFlagOutOfRange)
	if res != nil {
		t.Fatalf("result = %+v, want nil", res)
	}
	got, _ := s.GetParticipant(context.Background(), p.ID)
	if got.Offer().ID != "old" || got.FlagGroups[0].Flags[0].FlagOffer != oldVeg || !got.FlagGroups[0].Flags[0].Active() {
		t.Fatal("participant changed after a failed migration")
	}
	if oldVeg.Ledger.Usage.Usage != 1 || newVeg.Ledger.Usage.Usage != 0 {
		t.Fatalf("flag usage old=%d new=%d, want 1/0", oldVeg.Ledger.Usage.Usage, newVeg.Ledger.Usage.Usage)
	}
}

func TestChangeOfferGroupScopeKeepsResolvedGroups(t *testing.T) {
	t.Parallel()

	s, p, oldVeg, newVeg := migrationFixture(t, model.ScopeGroup, nil)
	res, err := s.ChangeOffer(context.Background(), p.ID, model.ChangeOfferRequest{OfferID: "new"})
	requireCode(t, err, model.ErrFlagOutOfRange)
	if res == nil || len(res.Substitutions) != 1 {
		t.Fatalf("result = %+v, want one substitution", res)
	}
	got, _ := s.GetParticipant(context.Background(), p.ID)
	if got.Offer().ID != "old" {
		t.Fatalf("offer = %s, want old", got.Offer().ID)
	}
	if got.FlagGroups[0].FlagGroupOffer.ID != "g-food-new" {
		t.Fatalf("first group = %s, want g-food-new", got.FlagGroups[0].FlagGroupOffer.ID)
	}
	if oldVeg.Ledger.Usage.Usage != 0 || newVeg.Ledger.Usage.Usage != 1 {
		t.Fatalf("flag usage old=%d new=%d, want 0/1", oldVeg.Ledger.Usage.Usage, newVeg.Ledger.Usage.Usage)
	}
}

func TestChangeOfferLeavesNoUsageDrift(t *testing.T) {
	t.Parallel()

	s := newTestService(t, model.ScopeParticipant)
	oldVeg := flagOffer("fo-veg-old", "veg", food, nil)
	newVeg := flagOffer("fo-veg-new", "veg", food, nil)
	mustCreate(t, s, offerReq("old", 100, nil, group("g-food-old", food, oldVeg)))
	mustCreate(t, s, offerReq("new", 200, nil, group("g-food-new", food, newVeg)))
	p := mustRegister(t, s, "old", model.RegisterRequest{ContactID: "c", Flags: []model.FlagChoice{{FlagOfferID: "fo-veg-old"}}})

	if _, err := s.ChangeOffer(context.Background(), p.ID, model.ChangeOfferRequest{OfferID: "new"}); err != nil {
		t.Fatalf("change offer: %v", err)
	}
	for _, id := range []string{"old", "new"} {
		d, err := s.UpdateUsage(context.Background(), id)
		if err != nil {
			t.Fatalf("update usage of %s: %v", id, err)
		}
		if d.Drifted() {
			t.Fatalf("offer %s drifted after an offer change: %+v", id, d)
		}
	}
	if oldVeg.Ledger.Usage != (model.Usage{Usage: 0, FullUsage: 1}) {
		t.Fatalf("old flag usage = %+v, want 0/1", oldVeg.Ledger.Usage)
	}
}

func TestChangeOfferSharedSubstituteRespectsCapacity(t *testing.T) {
	t.Parallel()

	s := newTestService(t, model.ScopeParticipant)
	oldVeg := flagOffer("fo-veg-old", "veg", food, nil)
	newVeg := flagOffer("fo-veg-new", "veg", food, model.Limited(1))
	oldGroup := group("g-food-old", food, oldVeg)
	oldGroup.Max = model.Limited(2)
	newGroup := group("g-food-new", food, newVeg)
	newGroup.Max = model.Limited(2)
	mustCreate(t, s, offerReq("old", 100, nil, oldGroup))
	mustCreate(t, s, offerReq("new", 200, nil, newGroup))
	p := mustRegister(t, s, "old", model.RegisterRequest{
		ContactID: "c",
		Flags:     []model.FlagChoice{{FlagOfferID: "fo-veg-old"}, {FlagOfferID: "fo-veg-old"}},
	})

	_, err := s.ChangeOffer(context.Background(), p.ID, model.ChangeOfferRequest{OfferID: "new"})
	requireCode(t, err, model.ErrFlagCapacityExceeded)
	if newVeg.Ledger.Usage.Usage != 0 {
		t.Fatalf("substitute usage = %d, want 0", newVeg.Ledger.Usage.Usage)
	}
	if oldVeg.Ledger.Usage.Usage != 2 {
		t.Fatalf("old flag usage = %d, want 2", oldVeg.Ledger.Usage.Usage)
	}
}

func TestChangeOfferGroupScopeReportsRegroupedWithoutSubstitution(t *testing.T) {
	t.Parallel()

	s := newTestService(t, model.ScopeGroup)
	veg := flagOffer("fo-veg", "veg", food, nil)
	shuttle := flagOffer("fo-shuttle", "shuttle", bus, nil)
	mustCreate(t, s, offerReq("old", 100, nil, group("g-food-old", food, veg), group("g-bus", bus, shuttle)))
	mustCreate(t, s, offerReq("new", 200, nil, group("g-food-new", food, veg)))
	p := mustRegister(t, s, "old", model.RegisterRequest{
		ContactID: "c",
		Flags:     []model.FlagChoice{{FlagOfferID: "fo-veg"}, {FlagOfferID: "fo-shuttle"}},
	})

	res, err := s.ChangeOffer(context.Background(), p.ID, model.ChangeOfferRequest{OfferID: "new"})
	requireCode(t, err, model.ErrFlagOutOfRange)
	if res == nil {
		t.Fatal("result = nil, want the regrouped participant")
	}
	if len(res.Substitutions) != 0 {
		t.Fatalf("substitutions = %+v, want none", res.Substitutions)
	}
	got, _ := s.GetParticipant(context.Background(), p.ID)
	if got.Offer().ID != "old" || got.FlagGroups[0].FlagGroupOffer.ID != "g-food-new" {
		t.Fatalf("stored participant offer=%s group0=%s", got.Offer().ID, got.FlagGroups[0].FlagGroupOffer.ID)
	}
}

func TestChangeOfferFullSubstitute(t *testing.T) {
	t.Parallel()

	s := newTestService(t, model.ScopeParticipant)
	oldVeg := flagOffer("fo-veg-old", "veg", food, nil)
	newVeg := flagOffer("fo-veg-new", "veg", food, model.Limited(0))
	mustCreate(t, s, offerReq("old", 100, nil, group("g-old", food, oldVeg)))
	mustCreate(t, s, offerReq("new", 100, nil, group("g-new", food, newVeg)))
	p := mustRegister(t, s, "old", model.RegisterRequest{ContactID: "c", Flags: []model.FlagChoice{{FlagOfferID: "fo-veg-old"}}})

	_, err := s.ChangeOffer(context.Background(), p.ID, model.ChangeOfferRequest{OfferID: "new"})
	requireCode(t, err, model.ErrFlagCapacityExceeded)
}

func TestChangeOfferChecksTargetCapacity(t *testing.T) {
	t.Parallel()

	s := newTestService(t, model.ScopeParticipant)
	mustCreate(t, s, offerReq("old", 100, nil))
	mustCreate(t, s, offerReq("new", 100, model.Limited(1)))
	mustRegister(t, s, "new", model.RegisterRequest{ContactID: "c1"})
	p := mustRegister(t, s, "old", model.RegisterRequest{ContactID: "c2"})

	_, err := s.ChangeOffer(context.Background(), p.ID, model.ChangeOfferRequest{OfferID: "new"})
	requireCode(t, err, model.ErrCapacityExceeded)
	if err := s.DeleteParticipant(context.Background(), p.ID); err != nil {
		t.Fatal(err)
	}
	_, err = s.ChangeOffer(context.Background(), p.ID, model.ChangeOfferRequest{OfferID: "new"})
	requireCode(t, err, model.ErrNotImplemented)
}

func TestUpdateUsageCorrectsDrift(t *testing.T) {
	t.Parallel()

	s := newTestService(t, model.ScopeParticipant)
	veg := flagOffer("fo-veg", "veg", food, nil)
	mustCreate(t, s, offerReq("o", 100, nil, group("g", food, veg)))
	mustCreate(t, s, offerReq("empty", 100, nil))
	mustRegister(t, s, "o", model.RegisterRequest{ContactID: "c1", Flags: []model.FlagChoice{{FlagOfferID: "fo-veg"}}})
	p := mustRegister(t, s, "o", model.RegisterRequest{ContactID: "c2"})
	if err := s.DeleteParticipant(context.Background(), p.ID); err != nil {
		t.Fatal(err)
	}

	o, _ := s.GetOffer(context.Background(), "o")
	o.Ledger.SetUsage(7, 7)
	veg.Ledger.SetUsage(4, 4)

	drifts, err := s.UpdateAllUsage(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(drifts) != 2 {
		t.Fatalf("drifts = %d, want 2", len(drifts))
	}
	want := model.UsageDrift{OfferID: "o", Before: model.Usage{Usage: 7, FullUsage: 7}, After: model.Usage{Usage: 1, FullUsage: 2}}
	if drifts[1] != want {
		t.Fatalf("drift = %+v, want %+v", drifts[1], want)
	}
	if drifts[0].Drifted() {
		t.Fatalf("empty offer drifted: %+v", drifts[0])
	}
	if veg.Ledger.Usage != (model.Usage{Usage: 1, FullUsage: 1}) {
		t.Fatalf("flag usage = %+v, want 1/1", veg.Ledger.Usage)
	}

	again, err := s.UpdateUsage(context.Background(), "o")
	if err != nil || again.Drifted() {
		t.Fatalf("second recount: %v, %+v", err, again)
	}
}

var errBrokenOffer = errors.New("broken offer")

// brokenStore fails to lock one offer.
type brokenStore struct {
	*repository.MemoryStore
	broken string
}

type brokenTx struct {
	repository.Tx
	broken string
}

func (s brokenStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	return s.MemoryStore.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		return fn(ctx, brokenTx{Tx: tx, broken: s.broken})
	})
}

func (t brokenTx) LockOffer(ctx context.Context, id string) (*model.RegistrationOffer, error) {
	if id == t.broken {
		return nil, errBrokenOffer
	}
	return t.Tx.LockOffer(ctx, id)
}

func TestUpdateAllUsageSkipsFailingOffer(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewRegistrationService(brokenStore{MemoryStore: repository.NewMemoryStore(), broken: "b"},
		model.ScopeParticipant, logger, WithClock(testNow))
	for _, id := range []string{"a", "b", "c"} {
		mustCreate(t, s, offerReq(id, 100, nil))
	}
	c, _ := s.GetOffer(context.Background(), "c")
	c.Ledger.SetUsage(5, 5)

	drifts, err := s.UpdateAllUsage(context.Background())
	if !errors.Is(err, errBrokenOffer) {
		t.Fatalf("err = %v, want the broken offer's error", err)
	}
	if len(drifts) != 2 || drifts[1].OfferID != "c" || !drifts[1].Drifted() {
		t.Fatalf("drifts = %+v, want a and a corrected c", drifts)
	}
	if c.Ledger.Usage != (model.Usage{}) {
		t.Fatalf("c usage = %+v, want zero", c.Ledger.Usage)
	}
}

func TestQuoteListsPublicFlagChoices(t *testing.T) {
	t.Parallel()

	s := newTestService(t, model.ScopeParticipant)
	veg := flagOffer("fo-veg", "veg", food, nil)
	steak := flagOffer("fo-steak", "steak", food, nil)
	steak.Price = model.Price{Price: 80}
	hiddenGroup := group("g-bus", bus, flagOffer("fo-shuttle", "shuttle", bus, nil))
	hiddenGroup.Public = false
	req := offerReq("o", 250, model.Limited(4), group("g-food", food, veg, steak), hiddenGroup)
	req.Deposit = 50
	mustCreate(t, s, req)

	q, err := s.Quote(context.Background(), "o")
	if err != nil {
		t.Fatal(err)
	}
	if q.Price != 250 || q.Deposit != 50 || q.Rest != 200 || !q.Active {
		t.Fatalf("quote = %+v", q)
	}
	if q.Remaining == nil || *q.Remaining != 4 {
		t.Fatalf("remaining = %v, want 4", q.Remaining)
	}
	if len(q.FlagGroups) != 1 || len(q.FlagGroups[0].Buckets) != 2 {
		t.Fatalf("flag groups = %+v", q.FlagGroups)
	}
	if q.FlagGroups[0].Buckets[0].Name != model.GroupNoSurcharge {
		t.Fatalf("first bucket = %q", q.FlagGroups[0].Buckets[0].Name)
	}
}
