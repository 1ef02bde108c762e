// Package refdata keeps the read-mostly lookup tables (vehicles, jurisdictions, ...) in the
// local store and fronts them with an in-process cache.
package refdata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lychee-technology/formsync"
	"github.com/lychee-technology/formsync/internal/store"
	"github.com/lychee-technology/formsync/internal/transform"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

var defaultKeyFields = []string{"id", "_id", "code", "key"}

// Fetcher downloads one reference category. *remote.Client implements it.
type Fetcher interface {
	FetchReference(ctx context.Context, resource string) ([]map[string]any, error)
}

// Cache serves reference records from memory, falling back to the local store.
type Cache struct {
	store   *store.Store
	fetcher Fetcher
	cfg     formsync.ReferenceConfig
	cache   *cache.Cache

	// generations counts committed refreshes per category so that a read which raced a
	// refresh does not repopulate the cache with the old rows.
	mu          sync.Mutex
	generations map[formsync.ReferenceCategory]uint64
}

// New creates a reference cache. A zero CacheTTL keeps entries until the next refresh.
func New(st *store.Store, fetcher Fetcher, cfg formsync.ReferenceConfig) *Cache {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	return &Cache{
		store:   st,
		fetcher: fetcher,
		cfg:     cfg,
		cache:   cache.New(ttl, 2*time.Minute),

		generations: make(map[formsync.ReferenceCategory]uint64),
	}
}

// Refresh replaces every stored row of category with the server's current copy.
// On a remote failure the stored rows are kept.
func (c *Cache) Refresh(ctx context.Context, category formsync.ReferenceCategory) (int, error) {
	raw, err := c.fetcher.FetchReference(ctx, string(category))
	if err != nil {
		zap.S().Warnw("refdata: fetch failed, keeping stored rows", "category", category, "err", err)
		return 0, err
	}

	records := c.toRecords(category, raw)
	table := store.ReferenceTable(category)
	err = c.store.WithTx(ctx, []string{table}, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
		for _, rec := range records {
			fields, err := store.JSONText(rec.Fields)
			if err != nil {
				return fmt.Errorf("encode %s/%s: %w", category, rec.Key, err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO "+table+" (ref_key, fields) VALUES (?, ?)", rec.Key, fields); err != nil {
				return fmt.Errorf("insert %s/%s: %w", category, rec.Key, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.generations[category]++
	c.cache.Delete(string(category))
	c.mu.Unlock()
	zap.S().Infow("refdata: category refreshed", "category", category, "records", len(records))
	return len(records), nil
}

// RefreshAll refreshes every configured category independently and joins the failures.
func (c *Cache) RefreshAll(ctx context.Context) error {
	var errs []error
	for _, category := range c.categories() {
		if _, err := c.Refresh(ctx, category); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", category, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Cache) categories() []formsync.ReferenceCategory {
	if len(c.cfg.Categories) > 0 {
		return c.cfg.Categories
	}
	return formsync.AllReferenceCategories()
}

func (c *Cache) toRecords(category formsync.ReferenceCategory, raw []map[string]any) []formsync.ReferenceRecord {
	keyFields := defaultKeyFields
	if field, ok := c.cfg.KeyFields[string(category)]; ok && field != "" {
		keyFields = []string{field}
	}

	records := make([]formsync.ReferenceRecord, 0, len(raw))
	for _, item := range raw {
		key := ""
		for _, field := range keyFields {
			if key = transform.String(item, field, ""); key != "" {
				break
			}
		}
		if key == "" {
			zap.S().Debugw("refdata: record without key skipped", "category", category)
			continue
		}
		records = append(records, formsync.ReferenceRecord{Category: category, Key: key, Fields: item})
	}
	return records
}

// Get returns every record of category.
func (c *Cache) Get(ctx context.Context, category formsync.ReferenceCategory) ([]formsync.ReferenceRecord, error) {
	if v, ok := c.cache.Get(string(category)); ok {
		return v.([]formsync.ReferenceRecord), nil
	}

	gen := c.generation(category)
	records, err := c.load(ctx, category)
	if err != nil {
		return nil, err
	}
	c.storeIfCurrent(category, gen, records)
	return records, nil
}

func (c *Cache) generation(category formsync.ReferenceCategory) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[category]
}

// storeIfCurrent caches records unless a refresh of category committed after gen was read.
func (c *Cache) storeIfCurrent(category formsync.ReferenceCategory, gen uint64, records []formsync.ReferenceRecord) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[category] != gen {
		return false
	}
	c.cache.Set(string(category), records, cache.DefaultExpiration)
	return true
}

func (c *Cache) load(ctx context.Context, category formsync.ReferenceCategory) ([]formsync.ReferenceRecord, error) {
	table := store.ReferenceTable(category)
	q, err := c.store.Handle(table)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, "SELECT ref_key, fields FROM "+table+" ORDER BY ref_key")
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	records := make([]formsync.ReferenceRecord, 0)
	for rows.Next() {
		var (
			key    string
			fields sql.NullString
		)
		if err := rows.Scan(&key, &fields); err != nil {
			return nil, err
		}
		rec := formsync.ReferenceRecord{Category: category, Key: key, Fields: map[string]any{}}
		if err := store.DecodeJSONText(fields, &rec.Fields); err != nil {
			zap.S().Warnw("refdata: undecodable record skipped", "category", category, "key", key, "err", err)
			continue
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// Lookup returns the record with key, or nil when it is not present.
func (c *Cache) Lookup(ctx context.Context, category formsync.ReferenceCategory, key string) (*formsync.ReferenceRecord, error) {
	records, err := c.Get(ctx, category)
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].Key == key {
			return &records[i], nil
		}
	}
	return nil, nil
}
