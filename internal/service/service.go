// Package service implements business logic, validation, and orchestration
// between HTTP handlers and the repository layer.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Shivanand-hulikatti/offer-engine/internal/model"
	"github.com/Shivanand-hulikatti/offer-engine/internal/repository"
)

// ErrInvalidInput marks request validation failures.
var ErrInvalidInput = errors.New("invalid input")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// RegistrationService orchestrates offer and participant operations. Every
// operation runs in one unit of work of the store.
type RegistrationService struct {
	store  repository.Store
	scope  model.MigrationScope
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a RegistrationService.
type Option func(*RegistrationService)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *RegistrationService) { s.now = now }
}

// NewRegistrationService constructs a RegistrationService with its
// dependencies.
func NewRegistrationService(store repository.Store, scope model.MigrationScope, logger *slog.Logger, opts ...Option) *RegistrationService {
	s := &RegistrationService{
		store:  store,
		scope:  scope,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ─── Offers ─────────────────────────────────────────────────────────────────

// CreateOffer validates the request and stores a new offer.
func (s *RegistrationService) CreateOffer(ctx context.Context, req model.CreateOfferRequest) (*model.RegistrationOffer, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return nil, invalid("offer name is required")
	}
	if req.Event == nil || req.Event.ID == "" {
		return nil, invalid("event id is required")
	}
	if req.ParticipantCategory == nil || req.ParticipantCategory.ID == "" {
		return nil, invalid("participant category id is required")
	}
	if req.Capacity != nil && *req.Capacity < 0 {
		return nil, invalid("capacity must not be negative")
	}
	if req.Start != nil && req.End != nil && !req.Start.Before(*req.End) {
		return nil, invalid("start must be before end")
	}
	for _, g := range req.FlagGroupOffers {
		if g == nil || g.ID == "" {
			return nil, invalid("flag group offer id is required")
		}
		for _, fo := range g.FlagOffers {
			if fo == nil || fo.ID == "" || fo.Flag == nil || fo.Flag.ID == "" {
				return nil, invalid("flag offer and flag ids are required in group %q", g.ID)
			}
			fo.Ledger.Usage = model.Usage{}
		}
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	offer := &model.RegistrationOffer{
		ID:                 req.ID,
		Name:               req.Name,
		Window:             model.DateWindow{Start: req.Start},
		Price:              model.Price{Price: req.Price, Deposit: req.Deposit},
		Ledger:             model.CapacityLedger{Capacity: model.Capacity{Base: req.Capacity, Full: req.FullCapacity}},
		Relative:           req.Relative,
		SuperEventRequired: req.SuperEventRequired,
		Public:             req.Public,
		FlagGroupOffers:    req.FlagGroupOffers,
	}
	if err := offer.SetWindowEnd(req.End, s.now(), false); err != nil {
		return nil, err
	}
	if err := offer.SetEvent(req.Event); err != nil {
		return nil, err
	}
	if err := offer.SetParticipantCategory(req.ParticipantCategory); err != nil {
		return nil, err
	}

	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if _, err := tx.GetOffer(ctx, offer.ID); err == nil {
			return fmt.Errorf("offer %q: %w", offer.ID, repository.ErrExists)
		} else if !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		if req.RequiredOfferID != "" {
			required, err := tx.GetOffer(ctx, req.RequiredOfferID)
			if err != nil {
				return fmt.Errorf("required offer: %w", err)
			}
			if err := offer.SetRequiredOffer(required); err != nil {
				return err
			}
		}
		return tx.SaveOffer(ctx, offer)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("offer created", "offer", offer.ID, "name", offer.Name)
	return offer, nil
}

// GetOffer returns a single offer by ID.
func (s *RegistrationService) GetOffer(ctx context.Context, id string) (*model.RegistrationOffer, error) {
	var offer *model.RegistrationOffer
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		offer, err = tx.GetOffer(ctx, id)
		return err
	})
	return offer, err
}

// Quote returns the price, capacity and public flag choices of an offer
// for its own participant category.
func (s *RegistrationService) Quote(ctx context.Context, id string) (*model.Quote, error) {
	var q *model.Quote
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		offer, err := tx.GetOffer(ctx, id)
		if err != nil {
			return err
		}
		cat := offer.ParticipantCategory()
		if cat == nil {
			return &model.Error{Code: model.CodePriceInvalidArgument,
				Message: fmt.Sprintf("offer %q has no participant category", offer.Name)}
		}
		q = &model.Quote{
			OfferID:       offer.ID,
			Active:        offer.IsActive(s.now()),
			Price:         offer.PriceFor(cat, true),
			Deposit:       offer.DepositFor(cat, true),
			Rest:          offer.RestFor(cat, true),
			Remaining:     offer.Ledger.Remaining(false),
			FullRemaining: offer.Ledger.Remaining(true),
			FlagGroups:    []model.GroupQuote{},
		}
		for _, g := range offer.ExpandedFlagGroupOffers() {
			if !g.Public {
				continue
			}
			q.FlagGroups = append(q.FlagGroups, model.GroupQuote{
				ID:      g.ID,
				Name:    g.DisplayName(),
				Min:     g.Min,
				Max:     g.Max,
				Buckets: g.GroupedFlagOffers(true),
			})
		}
		return nil
	})
	return q, err
}

// UpdateUsage recounts the usage of one offer and its flag offers.
func (s *RegistrationService) UpdateUsage(ctx context.Context, id string) (model.UsageDrift, error) {
	drift := model.UsageDrift{OfferID: id}
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		offer, err := tx.LockOffer(ctx, id)
		if err != nil {
			return err
		}
		drift.Before = offer.Ledger.Usage
		if err := offer.UpdateUsage(ctx, tx); err != nil {
			return err
		}
		drift.After = offer.Ledger.Usage
		return tx.SaveUsage(ctx, offer)
	})
	if err != nil {
		return drift, err
	}
	if drift.Drifted() {
		s.logger.Info("usage corrected", "offer", id,
			"before", drift.Before.Usage, "after", drift.After.Usage,
			"full_before", drift.Before.FullUsage, "full_after", drift.After.FullUsage)
	}
	return drift, nil
}

// UpdateAllUsage recounts every offer, one unit of work per offer. An offer
// that fails is logged and skipped; the failures are returned joined.
func (s *RegistrationService) UpdateAllUsage(ctx context.Context) ([]model.UsageDrift, error) {
	var ids []string
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		ids, err = tx.ListOfferIDs(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	drifts := make([]model.UsageDrift, 0, len(ids))
	var errs []error
	for _, id := range ids {
		d, err := s.UpdateUsage(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return drifts, err
			}
			s.logger.Error("usage update failed", "offer", id, "error", err)
			errs = append(errs, fmt.Errorf("update usage of %q: %w", id, err))
			continue
		}
		drifts = append(drifts, d)
	}
	return drifts, errors.Join(errs...)
}

// ─── Participants ───────────────────────────────────────────────────────────

// Register validates the request, checks every capacity involved and
// commits a new participant of the offer.
func (s *RegistrationService) Register(ctx context.Context, offerID string, req model.RegisterRequest) (*model.Participant, error) {
	req.ContactID = strings.TrimSpace(req.ContactID)
	if req.ContactID == "" {
		return nil, invalid("contact_id is required")
	}
	if offerID == "" {
		return nil, invalid("offer id is required")
	}

	var p *model.Participant
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		offer, err := tx.LockOffer(ctx, offerID)
		if err != nil {
			return err
		}
		if !req.Admin && !offer.Public {
			return &model.Error{Code: model.CodeCapacityExceeded,
				Message:  fmt.Sprintf("offer %q is not open for public registration", offer.Name),
				Metadata: map[string]string{"offer": offer.Name}}
		}
		held, err := tx.ActiveEventIDsForContact(ctx, req.ContactID)
		if err != nil {
			return err
		}
		selections := model.Selections(req.Flags)
		now := s.now()
		if err := offer.SimulateAdd(now, req.Admin, selections, held); err != nil {
			return err
		}
		p, err = model.NewParticipant(req.ContactID, offer, selections, now)
		if err != nil {
			return err
		}
		if req.Note != "" {
			p.AddNote(req.Note, now)
		}
		offer.Commit(p)
		if err := tx.SaveParticipant(ctx, p); err != nil {
			return err
		}
		return tx.SaveUsage(ctx, offer)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("participant registered", "participant", p.ID, "offer", offerID, "admin", req.Admin)
	return p, nil
}

// GetParticipant returns a single participant by ID.
func (s *RegistrationService) GetParticipant(ctx context.Context, id string) (*model.Participant, error) {
	var p *model.Participant
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		p, err = tx.GetParticipant(ctx, id)
		return err
	})
	return p, err
}

// ListParticipants returns the participants of an offer.
func (s *RegistrationService) ListParticipants(ctx context.Context, offerID string, includeDeleted bool) ([]*model.Participant, error) {
	var ps []*model.Participant
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if _, err := tx.GetOffer(ctx, offerID); err != nil {
			return err
		}
		var err error
		ps, err = tx.FindParticipantsByOffer(ctx, offerID, includeDeleted)
		return err
	})
	return ps, err
}

// DeleteParticipant soft-deletes a participant and releases its slots.
// Deleting a deleted participant is a no-op.
func (s *RegistrationService) DeleteParticipant(ctx context.Context, id string) error {
	released := false
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		p, err := tx.GetParticipant(ctx, id)
		if err != nil {
			return err
		}
		if p.IsDeleted() {
			return nil
		}
		offer, err := tx.LockOffer(ctx, p.Offer().ID)
		if err != nil {
			return err
		}
		offer.Release(p)
		p.SoftDelete(s.now())
		if err := tx.SaveParticipant(ctx, p); err != nil {
			return err
		}
		released = true
		return tx.SaveUsage(ctx, offer)
	})
	if err == nil && released {
		s.logger.Info("participant deleted", "participant", id)
	}
	return err
}

// AddPayment records a payment on a participant.
func (s *RegistrationService) AddPayment(ctx context.Context, id string, req model.PaymentRequest) (*model.Participant, error) {
	if req.Amount == 0 {
		return nil, invalid("amount must not be zero")
	}
	return s.updateParticipant(ctx, id, func(p *model.Participant) {
		p.AddPayment(req.Amount, strings.TrimSpace(req.Note), s.now())
	})
}

// AddNote records a note on a participant.
func (s *RegistrationService) AddNote(ctx context.Context, id, text string) (*model.Participant, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, invalid("note text is required")
	}
	return s.updateParticipant(ctx, id, func(p *model.Participant) {
		p.AddNote(text, s.now())
	})
}

func (s *RegistrationService) updateParticipant(ctx context.Context, id string, fn func(*model.Participant)) (*model.Participant, error) {
	var p *model.Participant
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		if p, err = tx.GetParticipant(ctx, id); err != nil {
			return err
		}
		fn(p)
		return tx.SaveParticipant(ctx, p)
	})
	return p, err
}

// ChangeOffer moves a participant to another offer and remaps its flag
// groups. The participant's slot moves from the old offer to the new one;
// substituted flags move their slots too.
//
// When a flag group cannot be remapped the participant keeps its offer. In
// group scope the groups remapped before the failing one are stored anyway
// and the returned result describes them alongside the error.
func (s *RegistrationService) ChangeOffer(ctx context.Context, participantID string, req model.ChangeOfferRequest) (*model.ChangeOfferResult, error) {
	if req.OfferID == "" {
		return nil, invalid("offer_id is required")
	}

	var (
		result     *model.ChangeOfferResult
		migrateErr error
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		p, err := tx.GetParticipant(ctx, participantID)
		if err != nil {
			return err
		}
		if p.IsDeleted() {
			return &model.Error{Code: model.CodeNotImplemented,
				Message: "a deleted participant cannot change its offer"}
		}
		oldID := p.Offer().ID
		if oldID == req.OfferID {
			result = &model.ChangeOfferResult{Participant: model.NewParticipantResponse(p), Substitutions: []model.SubstitutionView{}}
			return nil
		}
		locked, err := tx.LockOffers(ctx, oldID, req.OfferID)
		if err != nil {
			return err
		}
		oldOffer, newOffer := locked[0], locked[1]
		if err := newOffer.Ledger.SimulateAdd(req.Admin); err != nil {
			e := err.(*model.Error)
			e.Message = fmt.Sprintf("offer %q: %s", newOffer.Name, e.Message)
			e.Metadata = map[string]string{"offer": newOffer.Name}
			return e
		}

		before := append([]*model.ParticipantFlagGroup(nil), p.FlagGroups...)
		subs, err := p.ChangeOffer(newOffer, req.Admin, s.scope)
		for _, sub := range subs {
			if sub.Old.FlagOffer != nil {
				sub.Old.FlagOffer.Ledger.Release()
			}
			if sub.New.FlagOffer != nil {
				sub.New.FlagOffer.Ledger.Reserve()
			}
		}
		if err != nil {
			if !groupsReplaced(before, p.FlagGroups) {
				return err
			}
			migrateErr = err
		} else {
			oldOffer.Ledger.MoveOut()
			newOffer.Ledger.Reserve()
		}

		if err := tx.SaveParticipant(ctx, p); err != nil {
			return err
		}
		if err := tx.SaveUsage(ctx, oldOffer); err != nil {
			return err
		}
		if err := tx.SaveUsage(ctx, newOffer); err != nil {
			return err
		}
		result = &model.ChangeOfferResult{
			Participant:   model.NewParticipantResponse(p),
			Substitutions: model.NewSubstitutionViews(subs),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if migrateErr != nil {
		s.logger.Warn("offer change partially applied", "participant", participantID,
			"offer", req.OfferID, "substitutions", len(result.Substitutions), "error", migrateErr)
		return result, migrateErr
	}
	s.logger.Info("participant offer changed", "participant", participantID,
		"offer", req.OfferID, "substitutions", len(result.Substitutions))
	return result, nil
}

// groupsReplaced reports whether any flag group of before was swapped for
// a remapped one.
func groupsReplaced(before, after []*model.ParticipantFlagGroup) bool {
	for i, g := range before {
		if i < len(after) && after[i] != g {
			return true
		}
	}
	return false
}
