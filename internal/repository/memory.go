package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Shivanand-hulikatti/offer-engine/internal/model"
)

// MemoryStore keeps aggregates in process memory. WithTx serialises every
// unit of work behind one mutex.
type MemoryStore struct {
	mu           sync.Mutex
	offers       map[string]*model.RegistrationOffer
	groups       map[string]*model.FlagGroupOffer
	flagOffers   map[string]*model.FlagOffer
	participants map[string]*model.Participant
	order        []string
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		offers:       make(map[string]*model.RegistrationOffer),
		groups:       make(map[string]*model.FlagGroupOffer),
		flagOffers:   make(map[string]*model.FlagOffer),
		participants: make(map[string]*model.Participant),
	}
}

// WithTx runs fn while holding the store lock.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx, memoryTx{s})
}

type memoryTx struct {
	s *MemoryStore
}

func (t memoryTx) LockOffer(ctx context.Context, id string) (*model.RegistrationOffer, error) {
	return t.GetOffer(ctx, id)
}

func (t memoryTx) LockOffers(ctx context.Context, ids ...string) ([]*model.RegistrationOffer, error) {
	offers := make([]*model.RegistrationOffer, len(ids))
	for i, id := range ids {
		o, err := t.GetOffer(ctx, id)
		if err != nil {
			return nil, err
		}
		offers[i] = o
	}
	return offers, nil
}

func (t memoryTx) GetOffer(_ context.Context, id string) (*model.RegistrationOffer, error) {
	o, ok := t.s.offers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o, nil
}

func (t memoryTx) ListOfferIDs(context.Context) ([]string, error) {
	ids := make([]string, 0, len(t.s.offers))
	for id := range t.s.offers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// SaveOffer stores o, replacing flag group offers and flag offers that are
// already known by id with the stored values so that shared configuration
// keeps one set of counters.
func (t memoryTx) SaveOffer(_ context.Context, o *model.RegistrationOffer) error {
	if o.ID == "" {
		return fmt.Errorf("save offer: empty id")
	}
	if r := o.RequiredOffer(); r != nil {
		if _, ok := t.s.offers[r.ID]; !ok {
			return fmt.Errorf("save offer: required offer %q: %w", r.ID, ErrNotFound)
		}
	}
	for i, g := range o.FlagGroupOffers {
		o.FlagGroupOffers[i] = t.internGroup(g)
	}
	if _, ok := t.s.offers[o.ID]; !ok {
		t.s.order = append(t.s.order, o.ID)
	}
	t.s.offers[o.ID] = o
	return nil
}

func (t memoryTx) internGroup(g *model.FlagGroupOffer) *model.FlagGroupOffer {
	for i, fo := range g.FlagOffers {
		g.FlagOffers[i] = t.internFlagOffer(fo)
	}
	stored, ok := t.s.groups[g.ID]
	if !ok {
		t.s.groups[g.ID] = g
		return g
	}
	if stored != g {
		stored.Name, stored.Category = g.Name, g.Category
		stored.Min, stored.Max = g.Min, g.Max
		stored.Public, stored.FreeText = g.Public, g.FreeText
		stored.TextValueOnly, stored.EmptyPlaceholder = g.TextValueOnly, g.EmptyPlaceholder
		stored.FlagOffers = g.FlagOffers
	}
	return stored
}

func (t memoryTx) internFlagOffer(fo *model.FlagOffer) *model.FlagOffer {
	stored, ok := t.s.flagOffers[fo.ID]
	if !ok {
		t.s.flagOffers[fo.ID] = fo
		return fo
	}
	if stored != fo {
		usage := stored.Ledger.Usage
		*stored = *fo
		stored.Ledger.Usage = usage
	}
	return stored
}

// SaveUsage is a no-op: counters are updated in place.
func (t memoryTx) SaveUsage(context.Context, *model.RegistrationOffer) error {
	return nil
}

func (t memoryTx) GetParticipant(_ context.Context, id string) (*model.Participant, error) {
	p, ok := t.s.participants[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (t memoryTx) SaveParticipant(_ context.Context, p *model.Participant) error {
	if p.Offer() == nil {
		return fmt.Errorf("save participant %q: no offer", p.ID)
	}
	t.s.participants[p.ID] = p
	return nil
}

func (t memoryTx) FindParticipantsByOffer(_ context.Context, offerID string, includeDeleted bool) ([]*model.Participant, error) {
	var out []*model.Participant
	for _, p := range t.s.participants {
		if p.Offer().ID != offerID || (!includeDeleted && p.IsDeleted()) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t memoryTx) CountParticipantsByOffer(ctx context.Context, offerID string, includeDeleted bool) (int, error) {
	ps, err := t.FindParticipantsByOffer(ctx, offerID, includeDeleted)
	return len(ps), err
}

func (t memoryTx) CountFlagsByFlagOffer(_ context.Context, flagOfferID string, includeDeleted bool) (int, error) {
	n := 0
	for _, p := range t.s.participants {
		if !includeDeleted && p.IsDeleted() {
			continue
		}
		for _, g := range p.FlagGroups {
			for _, f := range g.Flags {
				if f.FlagOffer == nil || f.FlagOffer.ID != flagOfferID {
					continue
				}
				if includeDeleted || f.Active() {
					n++
				}
			}
		}
	}
	return n, nil
}

func (t memoryTx) ActiveEventIDsForContact(_ context.Context, contactID string) (map[string]bool, error) {
	out := make(map[string]bool)
	for _, p := range t.s.participants {
		if p.ContactID != contactID || p.IsDeleted() {
			continue
		}
		if e := p.Offer().Event(); e != nil {
			out[e.ID] = true
		}
	}
	return out, nil
}
