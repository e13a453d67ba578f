package model

import (
	"errors"
	"testing"
	"time"
)

var (
	attendee = &ParticipantCategory{ID: "cat-attendee", Name: "Attendee"}
	staff    = &ParticipantCategory{ID: "cat-staff", Name: "Staff"}
	food     = &FlagCategory{ID: "fc-food", Name: "Food", Type: "food"}
	shirts   = &FlagCategory{ID: "fc-shirt", Name: "T-shirt", Type: FlagCategoryTShirtSize}
	bus      = &FlagCategory{ID: "fc-bus", Name: "Transport", Type: "transport"}
)

func testNow() time.Time {
	return time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
}

func newOffer(t *testing.T, id string, price int, capacity *int) *RegistrationOffer {
	t.Helper()
	o := &RegistrationOffer{
		ID:     id,
		Name:   id,
		Price:  Price{Price: price},
		Ledger: CapacityLedger{Capacity: Capacity{Base: capacity}},
		Public: true,
	}
	if err := o.SetParticipantCategory(attendee); err != nil {
		t.Fatalf("set category: %v", err)
	}
	if err := o.SetEvent(&Event{ID: "ev-" + id, Name: id}); err != nil {
		t.Fatalf("set event: %v", err)
	}
	return o
}

func newFlagOffer(id string, flag *Flag, price int, capacity *int) *FlagOffer {
	return &FlagOffer{
		ID:     id,
		Flag:   flag,
		Price:  Price{Price: price},
		Ledger: CapacityLedger{Capacity: Capacity{Base: capacity}},
		Public: true,
	}
}

func newGroup(id string, cat *FlagCategory, offers ...*FlagOffer) *FlagGroupOffer {
	return &FlagGroupOffer{ID: id, Category: cat, Max: Limited(1), Public: true, FlagOffers: offers}
}

func requireCode(t *testing.T, err error, want *Error) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want.Code)
	}
	if !errors.Is(err, want) {
		t.Fatalf("error = %v (%T), want code %s", err, err, want.Code)
	}
}
