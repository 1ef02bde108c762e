package leasing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lychee-technology/formsync"
	"github.com/lychee-technology/formsync/internal/remote"
	"github.com/lychee-technology/formsync/internal/store"
	"github.com/lychee-technology/formsync/internal/telemetry"
	"github.com/lychee-technology/formsync/internal/transform"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Allocator requests fresh identifiers from the server. *remote.Client implements it.
type Allocator interface {
	AllocateFormIDs(ctx context.Context, req remote.AllocationRequest) (*remote.AllocationResponse, error)
}

// Pool is the local inventory of server-issued form identifiers.
type Pool struct {
	store     *store.Store
	allocator Allocator
	cfg       formsync.LeasingConfig
	nowFunc   func() time.Time
}

// NewPool creates a pool backed by st that tops up from allocator to the targets in cfg.
func NewPool(st *store.Store, allocator Allocator, cfg formsync.LeasingConfig) *Pool {
	return &Pool{store: st, allocator: allocator, cfg: cfg, nowFunc: time.Now}
}

func (p *Pool) now() time.Time {
	return p.nowFunc().UTC()
}

// availableClause selects identifiers that can still be handed out at the bound time.
const availableClause = `leased = ? AND spoiled_ts IS NULL AND (lease_expiry IS NULL OR lease_expiry > ?)`

// Availability returns the available count for every form type, zero counts included.
func (p *Pool) Availability(ctx context.Context) ([]formsync.FormAvailability, error) {
	counts, err := p.countAvailable(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]formsync.FormAvailability, 0, len(formsync.AllFormTypes()))
	for _, ft := range formsync.AllFormTypes() {
		out = append(out, formsync.FormAvailability{FormType: ft, Count: counts[ft]})
	}
	return out, nil
}

func (p *Pool) countAvailable(ctx context.Context) (map[formsync.FormType]int, error) {
	q, err := p.store.Handle(store.TableFormIdentifiers)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx,
		`SELECT form_type, COUNT(*) FROM form_identifiers WHERE `+availableClause+` GROUP BY form_type`,
		false, p.now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("count available identifiers: %w", err)
	}
	defer rows.Close()

	counts := make(map[formsync.FormType]int)
	for rows.Next() {
		var (
			formType string
			count    int
		)
		if err := rows.Scan(&formType, &count); err != nil {
			return nil, err
		}
		counts[formsync.FormType(formType)] = count
	}
	return counts, rows.Err()
}

// ComputeShortfall returns how many identifiers of formType are missing to reach the target.
func (p *Pool) ComputeShortfall(ctx context.Context, formType formsync.FormType) (int, error) {
	counts, err := p.countAvailable(ctx)
	if err != nil {
		return 0, err
	}
	return shortfall(p.cfg.Target(formType), counts[formType]), nil
}

func shortfall(target, available int) int {
	if target <= available {
		return 0
	}
	return target - available
}

// Replenish requests the shortfall of every form type in a single call and stores what the
// server returns. A failed request leaves the pool untouched. It returns the identifiers added.
func (p *Pool) Replenish(ctx context.Context) (inserted []formsync.FormIdentifier, err error) {
	ctx, span := telemetry.StartSpan(ctx, "leasing.replenish")
	defer func() { telemetry.EndSpan(span, err) }()

	counts, err := p.countAvailable(ctx)
	if err != nil {
		return nil, err
	}

	req := remote.AllocationRequest{}
	for _, ft := range formsync.AllFormTypes() {
		if n := shortfall(p.cfg.Target(ft), counts[ft]); n > 0 {
			req[string(ft)] = n
		}
	}
	if len(req) == 0 {
		zap.S().Debugw("leasing: pool at target, nothing to request")
		return []formsync.FormIdentifier{}, nil
	}
	span.SetAttributes(attribute.Int("leasing.request_types", len(req)))

	resp, err := p.allocator.AllocateFormIDs(ctx, req)
	if err != nil {
		zap.S().Warnw("leasing: allocation request failed", "err", err)
		return nil, err
	}

	identifiers := transform.TransformFormIdentifiers(resp, p.now())
	inserted = make([]formsync.FormIdentifier, 0, len(identifiers))
	err = p.store.WithTx(ctx, []string{store.TableFormIdentifiers}, func(tx *sql.Tx) error {
		for _, id := range identifiers {
			res, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO form_identifiers
				(id, form_type, leased, user_guid, lease_expiry, printed_ts, spoiled_ts, last_updated)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				id.ID, string(id.FormType), false, store.NullString(id.UserGUID),
				store.Millis(id.LeaseExpiry), store.Millis(id.PrintedTimestamp), store.Millis(id.SpoiledTimestamp),
				id.LastUpdated.UnixMilli())
			if err != nil {
				return fmt.Errorf("insert identifier %s: %w", id.ID, err)
			}
			if n, err := res.RowsAffected(); err == nil && n > 0 {
				inserted = append(inserted, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	zap.S().Infow("leasing: pool replenished", "requested", req, "received", len(resp.Forms), "inserted", len(inserted))
	p.emitPoolSizes(ctx)
	return inserted, nil
}

func (p *Pool) emitPoolSizes(ctx context.Context) {
	counts, err := p.countAvailable(ctx)
	if err != nil {
		return
	}
	for _, ft := range formsync.AllFormTypes() {
		telemetry.EmitPoolSize(ctx, string(ft), counts[ft])
	}
}

// Lease marks (id, formType) as consumed. Leasing an already leased identifier succeeds
// without changing it.
func (p *Pool) Lease(ctx context.Context, id string, formType formsync.FormType) error {
	q, err := p.store.Handle(store.TableFormIdentifiers)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx,
		`UPDATE form_identifiers SET leased = ?, last_updated = ? WHERE id = ? AND form_type = ? AND leased = ?`,
		true, p.now().UnixMilli(), id, string(formType), false)
	if err != nil {
		return fmt.Errorf("lease %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		zap.S().Infow("leasing: identifier leased", "id", id, "form_type", formType)
		return nil
	}

	exists, err := p.exists(ctx, q, id, formType)
	if err != nil {
		return err
	}
	if !exists {
		return formsync.NewIdentifierNotFoundError(id, formType)
	}
	return nil
}

func (p *Pool) exists(ctx context.Context, q store.Querier, id string, formType formsync.FormType) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx,
		`SELECT 1 FROM form_identifiers WHERE id = ? AND form_type = ?`, id, string(formType)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup identifier %s: %w", id, err)
	}
	return true, nil
}

// MarkPrinted stamps the print marker once.
func (p *Pool) MarkPrinted(ctx context.Context, id string, formType formsync.FormType) error {
	return p.stamp(ctx, "printed_ts", id, formType)
}

// MarkSpoiled stamps the spoil marker once. Spoiled identifiers are no longer available.
func (p *Pool) MarkSpoiled(ctx context.Context, id string, formType formsync.FormType) error {
	return p.stamp(ctx, "spoiled_ts", id, formType)
}

func (p *Pool) stamp(ctx context.Context, column, id string, formType formsync.FormType) error {
	q, err := p.store.Handle(store.TableFormIdentifiers)
	if err != nil {
		return err
	}
	now := p.now().UnixMilli()
	res, err := q.ExecContext(ctx,
		fmt.Sprintf(`UPDATE form_identifiers SET %[1]s = COALESCE(%[1]s, ?), last_updated = ? WHERE id = ? AND form_type = ?`, column),
		now, now, id, string(formType))
	if err != nil {
		return fmt.Errorf("stamp %s on %s: %w", column, id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return formsync.NewIdentifierNotFoundError(id, formType)
	}
	return nil
}

// AvailableIDs lists the available identifiers of formType ordered by id.
func (p *Pool) AvailableIDs(ctx context.Context, formType formsync.FormType) ([]string, error) {
	q, err := p.store.Handle(store.TableFormIdentifiers)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx,
		`SELECT id FROM form_identifiers WHERE form_type = ? AND `+availableClause+` ORDER BY id`,
		string(formType), false, p.now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list available identifiers: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// NextAvailableID returns the lowest available identifier of formType, or false when the pool is empty.
func (p *Pool) NextAvailableID(ctx context.Context, formType formsync.FormType) (string, bool, error) {
	q, err := p.store.Handle(store.TableFormIdentifiers)
	if err != nil {
		return "", false, err
	}
	var id string
	err = q.QueryRowContext(ctx,
		`SELECT id FROM form_identifiers WHERE form_type = ? AND `+availableClause+` ORDER BY id LIMIT 1`,
		string(formType), false, p.now().UnixMilli()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("next available identifier: %w", err)
	}
	return id, true, nil
}

// Identifier returns one pool entry, or IdentifierNotFound.
func (p *Pool) Identifier(ctx context.Context, id string, formType formsync.FormType) (*formsync.FormIdentifier, error) {
	q, err := p.store.Handle(store.TableFormIdentifiers)
	if err != nil {
		return nil, err
	}
	var (
		fi                       formsync.FormIdentifier
		ft                       string
		userGUID                 sql.NullString
		expiry, printed, spoiled sql.NullInt64
		lastUpdated              int64
	)
	err = q.QueryRowContext(ctx,
		`SELECT id, form_type, leased, user_guid, lease_expiry, printed_ts, spoiled_ts, last_updated
		FROM form_identifiers WHERE id = ? AND form_type = ?`, id, string(formType)).
		Scan(&fi.ID, &ft, &fi.Leased, &userGUID, &expiry, &printed, &spoiled, &lastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, formsync.NewIdentifierNotFoundError(id, formType)
	}
	if err != nil {
		return nil, fmt.Errorf("read identifier %s: %w", id, err)
	}
	fi.FormType = formsync.FormType(ft)
	fi.UserGUID = userGUID.String
	fi.LeaseExpiry = store.TimeFromMillis(expiry)
	fi.PrintedTimestamp = store.TimeFromMillis(printed)
	fi.SpoiledTimestamp = store.TimeFromMillis(spoiled)
	fi.LastUpdated = time.UnixMilli(lastUpdated).UTC()
	return &fi, nil
}
