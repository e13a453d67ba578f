package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Shivanand-hulikatti/offer-engine/internal/model"
)

// PostgresStore persists aggregates in PostgreSQL.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// WithTx runs fn inside a transaction.
//
// Capacity checks rely on pessimistic locking: LockOffers issues
// SELECT ... FOR UPDATE on the offer rows, then on the flag offer rows, so a concurrent
// unit of work touching the same counters blocks until this one commits or
// rolls back. The usage read under the lock is the usage the commit writes
// back on top of, and no slot can be handed out twice.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(ctx, newPgTx(tx)); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// pgTx is the identity map of one transaction.
type pgTx struct {
	tx             pgx.Tx
	events         map[string]*model.Event
	categories     map[string]*model.ParticipantCategory
	flagCategories map[string]*model.FlagCategory
	flags          map[string]*model.Flag
	flagOffers     map[string]*model.FlagOffer
	groups         map[string]*model.FlagGroupOffer
	offers         map[string]*model.RegistrationOffer
	participants   map[string]*model.Participant
}

func newPgTx(tx pgx.Tx) *pgTx {
	return &pgTx{
		tx:             tx,
		events:         make(map[string]*model.Event),
		categories:     make(map[string]*model.ParticipantCategory),
		flagCategories: make(map[string]*model.FlagCategory),
		flags:          make(map[string]*model.Flag),
		flagOffers:     make(map[string]*model.FlagOffer),
		groups:         make(map[string]*model.FlagGroupOffer),
		offers:         make(map[string]*model.RegistrationOffer),
		participants:   make(map[string]*model.Participant),
	}
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("get %s: %w", what, err)
}

func (t *pgTx) collectIDs(ctx context.Context, sql string, args ...any) ([]string, error) {
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// ─── Configuration loading ──────────────────────────────────────────────────

func (t *pgTx) loadEvent(ctx context.Context, id string, depth int) (*model.Event, error) {
	if e, ok := t.events[id]; ok {
		return e, nil
	}
	e := &model.Event{ID: id}
	var superID *string
	err := t.tx.QueryRow(ctx,
		`SELECT name, super_event_id FROM events WHERE id = $1`, id,
	).Scan(&e.Name, &superID)
	if err != nil {
		return nil, notFound(err, "event")
	}
	t.events[id] = e
	if superID != nil && depth < model.MaxRequiredOfferDepth {
		if e.SuperEvent, err = t.loadEvent(ctx, *superID, depth+1); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (t *pgTx) loadCategory(ctx context.Context, id string) (*model.ParticipantCategory, error) {
	if c, ok := t.categories[id]; ok {
		return c, nil
	}
	c := &model.ParticipantCategory{ID: id}
	err := t.tx.QueryRow(ctx,
		`SELECT name, type FROM participant_categories WHERE id = $1`, id,
	).Scan(&c.Name, &c.Type)
	if err != nil {
		return nil, notFound(err, "participant category")
	}
	t.categories[id] = c
	return c, nil
}

func (t *pgTx) loadFlagCategory(ctx context.Context, id string) (*model.FlagCategory, error) {
	if c, ok := t.flagCategories[id]; ok {
		return c, nil
	}
	c := &model.FlagCategory{ID: id}
	err := t.tx.QueryRow(ctx,
		`SELECT name, type FROM flag_categories WHERE id = $1`, id,
	).Scan(&c.Name, &c.Type)
	if err != nil {
		return nil, notFound(err, "flag category")
	}
	t.flagCategories[id] = c
	return c, nil
}

func (t *pgTx) loadFlag(ctx context.Context, id string) (*model.Flag, error) {
	if f, ok := t.flags[id]; ok {
		return f, nil
	}
	f := &model.Flag{ID: id}
	var categoryID *string
	err := t.tx.QueryRow(ctx,
		`SELECT name, group_name, category_id FROM flags WHERE id = $1`, id,
	).Scan(&f.Name, &f.GroupName, &categoryID)
	if err != nil {
		return nil, notFound(err, "flag")
	}
	if categoryID != nil {
		if f.Category, err = t.loadFlagCategory(ctx, *categoryID); err != nil {
			return nil, err
		}
	}
	t.flags[id] = f
	return f, nil
}

func (t *pgTx) loadFlagOffer(ctx context.Context, id string) (*model.FlagOffer, error) {
	if fo, ok := t.flagOffers[id]; ok {
		return fo, nil
	}
	fo := &model.FlagOffer{ID: id}
	var flagID *string
	err := t.tx.QueryRow(ctx,
		`SELECT flag_id, name, capacity, full_capacity, usage, full_usage, price, deposit,
		        min_count, max_count, public, free_text_allowed, free_text_pattern, group_name
		 FROM flag_offers WHERE id = $1`, id,
	).Scan(&flagID, &fo.Name, &fo.Ledger.Capacity.Base, &fo.Ledger.Capacity.Full,
		&fo.Ledger.Usage.Usage, &fo.Ledger.Usage.FullUsage, &fo.Price.Price, &fo.Price.Deposit,
		&fo.Min, &fo.Max, &fo.Public, &fo.FreeText.Allowed, &fo.FreeText.Pattern, &fo.GroupName)
	if err != nil {
		return nil, notFound(err, "flag offer")
	}
	if flagID != nil {
		if fo.Flag, err = t.loadFlag(ctx, *flagID); err != nil {
			return nil, err
		}
	}
	t.flagOffers[id] = fo
	return fo, nil
}

func (t *pgTx) loadGroup(ctx context.Context, id string) (*model.FlagGroupOffer, error) {
	if g, ok := t.groups[id]; ok {
		return g, nil
	}
	g := &model.FlagGroupOffer{ID: id}
	var categoryID *string
	err := t.tx.QueryRow(ctx,
		`SELECT name, category_id, min_count, max_count, public, free_text_allowed,
		        free_text_pattern, text_value_only, empty_placeholder
		 FROM flag_group_offers WHERE id = $1`, id,
	).Scan(&g.Name, &categoryID, &g.Min, &g.Max, &g.Public, &g.FreeText.Allowed,
		&g.FreeText.Pattern, &g.TextValueOnly, &g.EmptyPlaceholder)
	if err != nil {
		return nil, notFound(err, "flag group offer")
	}
	if categoryID != nil {
		if g.Category, err = t.loadFlagCategory(ctx, *categoryID); err != nil {
			return nil, err
		}
	}
	ids, err := t.collectIDs(ctx,
		`SELECT flag_offer_id FROM flag_group_offer_flag_offers
		 WHERE flag_group_offer_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("list flag offers of group: %w", err)
	}
	for _, foID := range ids {
		fo, err := t.loadFlagOffer(ctx, foID)
		if err != nil {
			return nil, err
		}
		g.FlagOffers = append(g.FlagOffers, fo)
	}
	t.groups[id] = g
	return g, nil
}

func (t *pgTx) loadOffer(ctx context.Context, id string, depth int) (*model.RegistrationOffer, error) {
	if o, ok := t.offers[id]; ok {
		return o, nil
	}
	o := &model.RegistrationOffer{ID: id}
	var eventID, categoryID, requiredID *string
	err := t.tx.QueryRow(ctx,
		`SELECT name, event_id, participant_category_id, start_at, end_at, price, deposit,
		        capacity, full_capacity, usage, full_usage, relative, required_offer_id,
		        super_event_required, public
		 FROM registration_offers WHERE id = $1`, id,
	).Scan(&o.Name, &eventID, &categoryID, &o.Window.Start, &o.Window.End, &o.Price.Price,
		&o.Price.Deposit, &o.Ledger.Capacity.Base, &o.Ledger.Capacity.Full, &o.Ledger.Usage.Usage,
		&o.Ledger.Usage.FullUsage, &o.Relative, &requiredID, &o.SuperEventRequired, &o.Public)
	if err != nil {
		return nil, notFound(err, "offer")
	}
	// Cached before its references load, so a corrupt required-offer cycle
	// ends in SetRequiredOffer instead of recursing.
	t.offers[id] = o

	if eventID != nil {
		e, err := t.loadEvent(ctx, *eventID, 0)
		if err != nil {
			return nil, err
		}
		if err := o.SetEvent(e); err != nil {
			return nil, err
		}
	}
	if categoryID != nil {
		c, err := t.loadCategory(ctx, *categoryID)
		if err != nil {
			return nil, err
		}
		if err := o.SetParticipantCategory(c); err != nil {
			return nil, err
		}
	}

	groupIDs, err := t.collectIDs(ctx,
		`SELECT flag_group_offer_id FROM registration_offer_flag_group_offers
		 WHERE offer_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("list flag groups of offer: %w", err)
	}
	for _, gid := range groupIDs {
		g, err := t.loadGroup(ctx, gid)
		if err != nil {
			return nil, err
		}
		o.FlagGroupOffers = append(o.FlagGroupOffers, g)
	}

	if requiredID != nil {
		if depth >= model.MaxRequiredOfferDepth {
			return nil, fmt.Errorf("offer %q: required offer chain is too deep", id)
		}
		required, err := t.loadOffer(ctx, *requiredID, depth+1)
		if err != nil {
			return nil, err
		}
		if err := o.SetRequiredOffer(required); err != nil {
			delete(t.offers, id)
			return nil, err
		}
	}
	return o, nil
}

// ─── Offers ─────────────────────────────────────────────────────────────────

func (t *pgTx) GetOffer(ctx context.Context, id string) (*model.RegistrationOffer, error) {
	return t.loadOffer(ctx, id, 0)
}

func (t *pgTx) LockOffer(ctx context.Context, id string) (*model.RegistrationOffer, error) {
	offers, err := t.LockOffers(ctx, id)
	if err != nil {
		return nil, err
	}
	return offers[0], nil
}

// LockOffers locks every offer row first and then the union of their flag
// offer rows, each set in id order. Every unit of work takes its locks in
// that order, so two of them sharing flag offers cannot deadlock.
func (t *pgTx) LockOffers(ctx context.Context, ids ...string) ([]*model.RegistrationOffer, error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	counters := make(map[string]model.Usage, len(sorted))
	rows, err := t.tx.Query(ctx,
		`SELECT id, usage, full_usage FROM registration_offers
		 WHERE id = ANY($1) ORDER BY id FOR UPDATE`, sorted)
	if err != nil {
		return nil, fmt.Errorf("lock offers: %w", err)
	}
	for rows.Next() {
		var id string
		var u model.Usage
		if err := rows.Scan(&id, &u.Usage, &u.FullUsage); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan offer usage: %w", err)
		}
		counters[id] = u
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lock offers: %w", err)
	}

	offers := make([]*model.RegistrationOffer, len(ids))
	seen := make(map[string]bool)
	var flagIDs []string
	for i, id := range ids {
		u, ok := counters[id]
		if !ok {
			return nil, fmt.Errorf("offer %q: %w", id, ErrNotFound)
		}
		o, err := t.loadOffer(ctx, id, 0)
		if err != nil {
			return nil, err
		}
		o.Ledger.SetUsage(u.Usage, u.FullUsage)
		offers[i] = o
		for _, fo := range o.ExpandedFlagOffers() {
			if !seen[fo.ID] {
				seen[fo.ID] = true
				flagIDs = append(flagIDs, fo.ID)
			}
		}
	}
	if len(flagIDs) == 0 {
		return offers, nil
	}
	sort.Strings(flagIDs)
	frows, err := t.tx.Query(ctx,
		`SELECT id, usage, full_usage FROM flag_offers
		 WHERE id = ANY($1) ORDER BY id FOR UPDATE`, flagIDs)
	if err != nil {
		return nil, fmt.Errorf("lock flag offers: %w", err)
	}
	defer frows.Close()
	for frows.Next() {
		var foID string
		var usage, fullUsage int
		if err := frows.Scan(&foID, &usage, &fullUsage); err != nil {
			return nil, fmt.Errorf("scan flag offer usage: %w", err)
		}
		if fo, ok := t.flagOffers[foID]; ok {
			fo.Ledger.SetUsage(usage, fullUsage)
		}
	}
	return offers, frows.Err()
}

func (t *pgTx) ListOfferIDs(ctx context.Context) ([]string, error) {
	ids, err := t.collectIDs(ctx, `SELECT id FROM registration_offers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	return ids, nil
}

func (t *pgTx) saveEvent(ctx context.Context, e *model.Event, depth int) error {
	var superID *string
	if e.SuperEvent != nil && depth < model.MaxRequiredOfferDepth {
		if err := t.saveEvent(ctx, e.SuperEvent, depth+1); err != nil {
			return err
		}
		superID = &e.SuperEvent.ID
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO events (id, name, super_event_id) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, super_event_id = EXCLUDED.super_event_id`,
		e.ID, e.Name, superID)
	if err != nil {
		return fmt.Errorf("upsert event: %w", err)
	}
	t.events[e.ID] = e
	return nil
}

func (t *pgTx) saveFlagCategory(ctx context.Context, c *model.FlagCategory) (*string, error) {
	if c == nil {
		return nil, nil
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO flag_categories (id, name, type) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, type = EXCLUDED.type`,
		c.ID, c.Name, c.Type)
	if err != nil {
		return nil, fmt.Errorf("upsert flag category: %w", err)
	}
	t.flagCategories[c.ID] = c
	return &c.ID, nil
}

func (t *pgTx) saveFlagOffer(ctx context.Context, fo *model.FlagOffer) error {
	var flagID *string
	if f := fo.Flag; f != nil {
		categoryID, err := t.saveFlagCategory(ctx, f.Category)
		if err != nil {
			return err
		}
		_, err = t.tx.Exec(ctx,
			`INSERT INTO flags (id, name, group_name, category_id) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, group_name = EXCLUDED.group_name,
			     category_id = EXCLUDED.category_id`,
			f.ID, f.Name, f.GroupName, categoryID)
		if err != nil {
			return fmt.Errorf("upsert flag: %w", err)
		}
		t.flags[f.ID] = f
		flagID = &f.ID
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO flag_offers (id, flag_id, name, capacity, full_capacity, usage, full_usage,
		     price, deposit, min_count, max_count, public, free_text_allowed, free_text_pattern, group_name)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (id) DO UPDATE SET flag_id = EXCLUDED.flag_id, name = EXCLUDED.name,
		     capacity = EXCLUDED.capacity, full_capacity = EXCLUDED.full_capacity,
		     price = EXCLUDED.price, deposit = EXCLUDED.deposit, min_count = EXCLUDED.min_count,
		     max_count = EXCLUDED.max_count, public = EXCLUDED.public,
		     free_text_allowed = EXCLUDED.free_text_allowed,
		     free_text_pattern = EXCLUDED.free_text_pattern, group_name = EXCLUDED.group_name`,
		fo.ID, flagID, fo.Name, fo.Ledger.Capacity.Base, fo.Ledger.Capacity.Full,
		fo.Ledger.Usage.Usage, fo.Ledger.Usage.FullUsage, fo.Price.Price, fo.Price.Deposit,
		fo.Min, fo.Max, fo.Public, fo.FreeText.Allowed, fo.FreeText.Pattern, fo.GroupName)
	if err != nil {
		return fmt.Errorf("upsert flag offer: %w", err)
	}
	t.flagOffers[fo.ID] = fo
	return nil
}

func (t *pgTx) saveGroup(ctx context.Context, g *model.FlagGroupOffer) error {
	for _, fo := range g.FlagOffers {
		if err := t.saveFlagOffer(ctx, fo); err != nil {
			return err
		}
	}
	categoryID, err := t.saveFlagCategory(ctx, g.Category)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx,
		`INSERT INTO flag_group_offers (id, name, category_id, min_count, max_count, public,
		     free_text_allowed, free_text_pattern, text_value_only, empty_placeholder)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, category_id = EXCLUDED.category_id,
		     min_count = EXCLUDED.min_count, max_count = EXCLUDED.max_count, public = EXCLUDED.public,
		     free_text_allowed = EXCLUDED.free_text_allowed,
		     free_text_pattern = EXCLUDED.free_text_pattern,
		     text_value_only = EXCLUDED.text_value_only, empty_placeholder = EXCLUDED.empty_placeholder`,
		g.ID, g.Name, categoryID, g.Min, g.Max, g.Public, g.FreeText.Allowed, g.FreeText.Pattern,
		g.TextValueOnly, g.EmptyPlaceholder)
	if err != nil {
		return fmt.Errorf("upsert flag group offer: %w", err)
	}
	if _, err := t.tx.Exec(ctx,
		`DELETE FROM flag_group_offer_flag_offers WHERE flag_group_offer_id = $1`, g.ID); err != nil {
		return fmt.Errorf("clear flag group offer links: %w", err)
	}
	for i, fo := range g.FlagOffers {
		if _, err := t.tx.Exec(ctx,
			`INSERT INTO flag_group_offer_flag_offers (flag_group_offer_id, flag_offer_id, position)
			 VALUES ($1, $2, $3)`, g.ID, fo.ID, i); err != nil {
			return fmt.Errorf("link flag offer: %w", err)
		}
	}
	t.groups[g.ID] = g
	return nil
}

func (t *pgTx) SaveOffer(ctx context.Context, o *model.RegistrationOffer) error {
	var eventID, categoryID, requiredID *string
	if e := o.Event(); e != nil {
		if err := t.saveEvent(ctx, e, 0); err != nil {
			return err
		}
		eventID = &e.ID
	}
	if c := o.ParticipantCategory(); c != nil {
		_, err := t.tx.Exec(ctx,
			`INSERT INTO participant_categories (id, name, type) VALUES ($1, $2, $3)
			 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, type = EXCLUDED.type`,
			c.ID, c.Name, c.Type)
		if err != nil {
			return fmt.Errorf("upsert participant category: %w", err)
		}
		t.categories[c.ID] = c
		categoryID = &c.ID
	}
	if r := o.RequiredOffer(); r != nil {
		requiredID = &r.ID
	}
	for _, g := range o.FlagGroupOffers {
		if err := t.saveGroup(ctx, g); err != nil {
			return err
		}
	}

	_, err := t.tx.Exec(ctx,
		`INSERT INTO registration_offers (id, name, event_id, participant_category_id, start_at, end_at,
		     price, deposit, capacity, full_capacity, usage, full_usage, relative, required_offer_id,
		     super_event_required, public)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, start_at = EXCLUDED.start_at,
		     end_at = EXCLUDED.end_at, price = EXCLUDED.price, deposit = EXCLUDED.deposit,
		     capacity = EXCLUDED.capacity, full_capacity = EXCLUDED.full_capacity,
		     relative = EXCLUDED.relative, required_offer_id = EXCLUDED.required_offer_id,
		     super_event_required = EXCLUDED.super_event_required, public = EXCLUDED.public`,
		o.ID, o.Name, eventID, categoryID, o.Window.Start, o.Window.End, o.Price.Price, o.Price.Deposit,
		o.Ledger.Capacity.Base, o.Ledger.Capacity.Full, o.Ledger.Usage.Usage, o.Ledger.Usage.FullUsage,
		o.Relative, requiredID, o.SuperEventRequired, o.Public)
	if err != nil {
		return fmt.Errorf("upsert offer: %w", err)
	}
	if _, err := t.tx.Exec(ctx,
		`DELETE FROM registration_offer_flag_group_offers WHERE offer_id = $1`, o.ID); err != nil {
		return fmt.Errorf("clear offer flag groups: %w", err)
	}
	for i, g := range o.FlagGroupOffers {
		if _, err := t.tx.Exec(ctx,
			`INSERT INTO registration_offer_flag_group_offers (offer_id, flag_group_offer_id, position)
			 VALUES ($1, $2, $3)`, o.ID, g.ID, i); err != nil {
			return fmt.Errorf("link flag group offer: %w", err)
		}
	}
	t.offers[o.ID] = o
	return nil
}

func (t *pgTx) SaveUsage(ctx context.Context, o *model.RegistrationOffer) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE registration_offers SET usage = $2, full_usage = $3 WHERE id = $1`,
		o.ID, o.Ledger.Usage.Usage, o.Ledger.Usage.FullUsage)
	if err != nil {
		return fmt.Errorf("update offer usage: %w", err)
	}
	for _, fo := range o.ExpandedFlagOffers() {
		_, err := t.tx.Exec(ctx,
			`UPDATE flag_offers SET usage = $2, full_usage = $3 WHERE id = $1`,
			fo.ID, fo.Ledger.Usage.Usage, fo.Ledger.Usage.FullUsage)
		if err != nil {
			return fmt.Errorf("update flag offer usage: %w", err)
		}
	}
	return nil
}

// ─── Participants ───────────────────────────────────────────────────────────

type flagRow struct {
	id, groupID string
	flagOfferID *string
	value       string
	deletedAt   *time.Time
}

func (t *pgTx) GetParticipant(ctx context.Context, id string) (*model.Participant, error) {
	if p, ok := t.participants[id]; ok {
		return p, nil
	}
	p := &model.Participant{ID: id}
	var offerID string
	err := t.tx.QueryRow(ctx,
		`SELECT contact_id, offer_id, formal, priority, created_at, deleted_at
		 FROM participants WHERE id = $1`, id,
	).Scan(&p.ContactID, &offerID, &p.Formal, &p.Priority, &p.CreatedAt, &p.DeletedAt)
	if err != nil {
		return nil, notFound(err, "participant")
	}
	offer, err := t.loadOffer(ctx, offerID, 0)
	if err != nil {
		return nil, err
	}
	if err := p.AttachOffer(offer); err != nil {
		return nil, err
	}

	type groupRow struct {
		id      string
		groupID *string
	}
	rows, err := t.tx.Query(ctx,
		`SELECT id, flag_group_offer_id FROM participant_flag_groups
		 WHERE participant_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("list participant flag groups: %w", err)
	}
	groupRows, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (groupRow, error) {
		var g groupRow
		err := row.Scan(&g.id, &g.groupID)
		return g, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan participant flag groups: %w", err)
	}

	rows, err = t.tx.Query(ctx,
		`SELECT f.id, f.participant_flag_group_id, f.flag_offer_id, f.text_value, f.deleted_at
		 FROM participant_flags f
		 JOIN participant_flag_groups g ON g.id = f.participant_flag_group_id
		 WHERE g.participant_id = $1
		 ORDER BY f.position`, id)
	if err != nil {
		return nil, fmt.Errorf("list participant flags: %w", err)
	}
	flagRows, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (flagRow, error) {
		var f flagRow
		err := row.Scan(&f.id, &f.groupID, &f.flagOfferID, &f.value, &f.deletedAt)
		return f, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan participant flags: %w", err)
	}

	byID := make(map[string]*model.ParticipantFlagGroup, len(groupRows))
	for _, gr := range groupRows {
		pg := &model.ParticipantFlagGroup{ID: gr.id}
		if gr.groupID != nil {
			if pg.FlagGroupOffer, err = t.loadGroup(ctx, *gr.groupID); err != nil {
				return nil, err
			}
		}
		byID[gr.id] = pg
		p.FlagGroups = append(p.FlagGroups, pg)
	}
	for _, fr := range flagRows {
		pf := &model.ParticipantFlag{ID: fr.id, Value: fr.value, DeletedAt: fr.deletedAt}
		if fr.flagOfferID != nil {
			if pf.FlagOffer, err = t.loadFlagOffer(ctx, *fr.flagOfferID); err != nil {
				return nil, err
			}
		}
		if pg, ok := byID[fr.groupID]; ok {
			pg.Flags = append(pg.Flags, pf)
		}
	}

	rows, err = t.tx.Query(ctx,
		`SELECT id, text, created_at FROM participant_notes
		 WHERE participant_id = $1 ORDER BY created_at, id`, id)
	if err != nil {
		return nil, fmt.Errorf("list participant notes: %w", err)
	}
	p.Notes, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.ParticipantNote, error) {
		var n model.ParticipantNote
		err := row.Scan(&n.ID, &n.Text, &n.CreatedAt)
		return n, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan participant notes: %w", err)
	}

	rows, err = t.tx.Query(ctx,
		`SELECT id, numeric_value, note, created_at FROM participant_payments
		 WHERE participant_id = $1 ORDER BY created_at, id`, id)
	if err != nil {
		return nil, fmt.Errorf("list participant payments: %w", err)
	}
	p.Payments, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.ParticipantPayment, error) {
		var pay model.ParticipantPayment
		err := row.Scan(&pay.ID, &pay.NumericValue, &pay.Note, &pay.CreatedAt)
		return pay, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan participant payments: %w", err)
	}

	t.participants[id] = p
	return p, nil
}

func (t *pgTx) SaveParticipant(ctx context.Context, p *model.Participant) error {
	offer := p.Offer()
	if offer == nil {
		return fmt.Errorf("save participant %q: no offer", p.ID)
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO participants (id, contact_id, offer_id, formal, priority, created_at, deleted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET offer_id = EXCLUDED.offer_id, formal = EXCLUDED.formal,
		     priority = EXCLUDED.priority, deleted_at = EXCLUDED.deleted_at`,
		p.ID, p.ContactID, offer.ID, p.Formal, p.Priority, p.CreatedAt, p.DeletedAt)
	if err != nil {
		return fmt.Errorf("upsert participant: %w", err)
	}

	groupIDs := make([]string, 0, len(p.FlagGroups))
	for i, g := range p.FlagGroups {
		var groupOfferID *string
		if g.FlagGroupOffer != nil {
			groupOfferID = &g.FlagGroupOffer.ID
		}
		_, err := t.tx.Exec(ctx,
			`INSERT INTO participant_flag_groups (id, participant_id, flag_group_offer_id, position)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (id) DO UPDATE SET flag_group_offer_id = EXCLUDED.flag_group_offer_id,
			     position = EXCLUDED.position`,
			g.ID, p.ID, groupOfferID, i)
		if err != nil {
			return fmt.Errorf("upsert participant flag group: %w", err)
		}
		groupIDs = append(groupIDs, g.ID)
	}
	for _, g := range p.FlagGroups {
		for i, f := range g.Flags {
			var flagOfferID *string
			if f.FlagOffer != nil {
				flagOfferID = &f.FlagOffer.ID
			}
			_, err := t.tx.Exec(ctx,
				`INSERT INTO participant_flags (id, participant_flag_group_id, flag_offer_id, text_value, deleted_at, position)
				 VALUES ($1, $2, $3, $4, $5, $6)
				 ON CONFLICT (id) DO UPDATE SET participant_flag_group_id = EXCLUDED.participant_flag_group_id,
				     flag_offer_id = EXCLUDED.flag_offer_id, text_value = EXCLUDED.text_value,
				     deleted_at = EXCLUDED.deleted_at, position = EXCLUDED.position`,
				f.ID, g.ID, flagOfferID, f.Value, f.DeletedAt, i)
			if err != nil {
				return fmt.Errorf("upsert participant flag: %w", err)
			}
		}
	}
	// Groups replaced during an offer change have handed their flags over.
	if _, err := t.tx.Exec(ctx,
		`DELETE FROM participant_flag_groups WHERE participant_id = $1 AND id <> ALL($2)`,
		p.ID, groupIDs); err != nil {
		return fmt.Errorf("delete replaced flag groups: %w", err)
	}

	for _, n := range p.Notes {
		if _, err := t.tx.Exec(ctx,
			`INSERT INTO participant_notes (id, participant_id, text, created_at)
			 VALUES ($1, $2, $3, $4) ON CONFLICT (id) DO NOTHING`,
			n.ID, p.ID, n.Text, n.CreatedAt); err != nil {
			return fmt.Errorf("insert participant note: %w", err)
		}
	}
	for _, pay := range p.Payments {
		if _, err := t.tx.Exec(ctx,
			`INSERT INTO participant_payments (id, participant_id, numeric_value, note, created_at)
			 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (id) DO NOTHING`,
			pay.ID, p.ID, pay.NumericValue, pay.Note, pay.CreatedAt); err != nil {
			return fmt.Errorf("insert participant payment: %w", err)
		}
	}
	t.participants[p.ID] = p
	return nil
}

func (t *pgTx) FindParticipantsByOffer(ctx context.Context, offerID string, includeDeleted bool) ([]*model.Participant, error) {
	ids, err := t.collectIDs(ctx,
		`SELECT id FROM participants
		 WHERE offer_id = $1 AND ($2 OR deleted_at IS NULL)
		 ORDER BY created_at, id`, offerID, includeDeleted)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	out := make([]*model.Participant, 0, len(ids))
	for _, id := range ids {
		p, err := t.GetParticipant(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (t *pgTx) CountParticipantsByOffer(ctx context.Context, offerID string, includeDeleted bool) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM participants WHERE offer_id = $1 AND ($2 OR deleted_at IS NULL)`,
		offerID, includeDeleted,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count participants: %w", err)
	}
	return n, nil
}

func (t *pgTx) CountFlagsByFlagOffer(ctx context.Context, flagOfferID string, includeDeleted bool) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM participant_flags f
		 JOIN participant_flag_groups g ON g.id = f.participant_flag_group_id
		 JOIN participants p ON p.id = g.participant_id
		 WHERE f.flag_offer_id = $1 AND ($2 OR (f.deleted_at IS NULL AND p.deleted_at IS NULL))`,
		flagOfferID, includeDeleted,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count flags: %w", err)
	}
	return n, nil
}

func (t *pgTx) ActiveEventIDsForContact(ctx context.Context, contactID string) (map[string]bool, error) {
	ids, err := t.collectIDs(ctx,
		`SELECT DISTINCT o.event_id FROM participants p
		 JOIN registration_offers o ON o.id = p.offer_id
		 WHERE p.contact_id = $1 AND p.deleted_at IS NULL AND o.event_id IS NOT NULL`, contactID)
	if err != nil {
		return nil, fmt.Errorf("list events of contact: %w", err)
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}
