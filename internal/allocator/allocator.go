package allocator

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lychee-technology/formsync"
	"github.com/lychee-technology/formsync/internal/remote"
	"go.uber.org/zap"
)

// DB is the subset of pgxpool.Pool the service uses. pgxmock pools satisfy it too.
type DB interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

const (
	poolTable = "form_id_pool"

	createPoolTableSQL = `CREATE TABLE IF NOT EXISTS form_id_pool (
	id           TEXT PRIMARY KEY,
	form_type    TEXT NOT NULL,
	user_guid    TEXT,
	lease_expiry TIMESTAMPTZ,
	allocated_at TIMESTAMPTZ,
	printed_at   TIMESTAMPTZ,
	spoiled_at   TIMESTAMPTZ
)`
	createPoolIndexSQL = `CREATE INDEX IF NOT EXISTS form_id_pool_free_idx ON form_id_pool (form_type, id) WHERE user_guid IS NULL`

	selectFreeSQL = `SELECT id FROM form_id_pool WHERE form_type = $1 AND user_guid IS NULL AND spoiled_at IS NULL ORDER BY id LIMIT $2 FOR UPDATE SKIP LOCKED`
	assignSQL     = `UPDATE form_id_pool SET user_guid = $1, lease_expiry = $2, allocated_at = $3 WHERE id = ANY($4)`
	seedSQL       = `INSERT INTO form_id_pool (id, form_type) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`
)

// Service rations pre-numbered identifiers to devices. Rows already assigned to a user are
// never selected again.
type Service struct {
	db            DB
	leaseDuration time.Duration
	maxPerRequest int
	nowFunc       func() time.Time
}

// NewService creates an allocation service over db.
func NewService(db DB, cfg formsync.AllocatorConfig) *Service {
	lease := cfg.LeaseDuration
	if lease <= 0 {
		lease = 30 * 24 * time.Hour
	}
	return &Service{
		db:            db,
		leaseDuration: lease,
		maxPerRequest: cfg.MaxPerRequest,
		nowFunc:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) withClock(now func() time.Time) {
	s.nowFunc = now
}

// EnsureSchema creates the pool table and its partial index.
func (s *Service) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{createPoolTableSQL, createPoolIndexSQL} {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure %s schema: %w", poolTable, err)
		}
	}
	return nil
}

// Seed adds unassigned identifiers of one form type. Existing ids are left alone.
func (s *Service) Seed(ctx context.Context, formType formsync.FormType, ids []string) (int64, error) {
	if !formType.Valid() {
		return 0, fmt.Errorf("unknown form type %q", formType)
	}
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin seed: %w", err)
	}
	defer tx.Rollback(ctx)

	var inserted int64
	for _, id := range ids {
		tag, err := tx.Exec(ctx, seedSQL, id, string(formType))
		if err != nil {
			return 0, fmt.Errorf("seed %s: %w", id, err)
		}
		inserted += tag.RowsAffected()
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit seed: %w", err)
	}
	return inserted, nil
}

// Allocate assigns up to counts[formType] free identifiers per form type to userGUID in one
// transaction. Unknown form types and non-positive counts are ignored, and each count is capped
// at the configured per-request maximum. Running out of free rows is not an error.
func (s *Service) Allocate(ctx context.Context, userGUID string, counts remote.AllocationRequest) (*remote.AllocationResponse, error) {
	if userGUID == "" {
		return nil, fmt.Errorf("user guid is required")
	}

	now := s.nowFunc()
	expiry := now.Add(s.leaseDuration)
	expiryText := expiry.Format(time.RFC3339)

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin allocation: %w", err)
	}
	defer tx.Rollback(ctx) // no-op if committed

	resp := &remote.AllocationResponse{Forms: []remote.AllocatedForm{}}
	for _, formType := range formsync.AllFormTypes() {
		n := s.capped(counts[string(formType)])
		if n == 0 {
			continue
		}

		ids, err := selectFree(ctx, tx, formType, n)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			zap.S().Warnw("allocator: pool exhausted", "form_type", formType, "requested", n)
			continue
		}
		if _, err := tx.Exec(ctx, assignSQL, userGUID, expiry, now, ids); err != nil {
			return nil, fmt.Errorf("assign %s identifiers: %w", formType, err)
		}
		for _, id := range ids {
			resp.Forms = append(resp.Forms, remote.AllocatedForm{
				ID:          id,
				FormType:    string(formType),
				UserGUID:    userGUID,
				LeaseExpiry: &expiryText,
			})
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit allocation: %w", err)
	}
	zap.S().Infow("allocator: identifiers issued", "user_guid", userGUID, "count", len(resp.Forms))
	return resp, nil
}

func (s *Service) capped(n int) int {
	if n <= 0 {
		return 0
	}
	if s.maxPerRequest > 0 && n > s.maxPerRequest {
		return s.maxPerRequest
	}
	return n
}

func selectFree(ctx context.Context, tx pgx.Tx, formType formsync.FormType, n int) ([]string, error) {
	rows, err := tx.Query(ctx, selectFreeSQL, string(formType), n)
	if err != nil {
		return nil, fmt.Errorf("select free %s identifiers: %w", formType, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan free %s identifiers: %w", formType, err)
	}
	return ids, nil
}

// Ping checks the database.
func (s *Service) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}
