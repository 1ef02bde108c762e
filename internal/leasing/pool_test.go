package leasing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lychee-technology/formsync"
	"github.com/lychee-technology/formsync/internal/remote"
	"github.com/lychee-technology/formsync/internal/store"
	"github.com/lychee-technology/formsync/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAllocator hands out sequential ids per form type and records every request.
type fakeAllocator struct {
	mu       sync.Mutex
	requests []remote.AllocationRequest
	next     int
	err      error
	expiry   *string
}

func (f *fakeAllocator) AllocateFormIDs(ctx context.Context, req remote.AllocationRequest) (*remote.AllocationResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := remote.AllocationRequest{}
	for k, v := range req {
		copied[k] = v
	}
	f.requests = append(f.requests, copied)
	if f.err != nil {
		return nil, f.err
	}
	resp := &remote.AllocationResponse{}
	for _, ft := range formsync.AllFormTypes() {
		for i := 0; i < req[string(ft)]; i++ {
			f.next++
			resp.Forms = append(resp.Forms, remote.AllocatedForm{
				ID:          fmt.Sprintf("%s-%04d", ft, f.next),
				FormType:    string(ft),
				LeaseExpiry: f.expiry,
			})
		}
	}
	return resp, nil
}

func newTestPool(t *testing.T, alloc *fakeAllocator) (*Pool, *store.Store) {
	t.Helper()
	st := storetest.New(t)
	cfg := formsync.LeasingConfig{Targets: map[formsync.FormType]int{
		formsync.FormType12Hour: 5,
		formsync.FormType24Hour: 5,
		formsync.FormTypeVI:     5,
	}}
	return NewPool(st, alloc, cfg), st
}

func seed(t *testing.T, st *store.Store, id string, ft formsync.FormType, leased bool, expiry *time.Time) {
	t.Helper()
	err := st.WithTx(context.Background(), []string{store.TableFormIdentifiers}, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO form_identifiers (id, form_type, leased, lease_expiry, last_updated) VALUES (?, ?, ?, ?, ?)`,
			id, string(ft), leased, store.Millis(expiry), time.Now().UnixMilli())
		return err
	})
	require.NoError(t, err)
}

func TestReplenish_TopsUpToTarget(t *testing.T) {
	ctx := context.Background()
	alloc := &fakeAllocator{}
	pool, st := newTestPool(t, alloc)
	seed(t, st, "J-0001", formsync.FormType12Hour, false, nil)
	seed(t, st, "J-0002", formsync.FormType12Hour, false, nil)

	short, err := pool.ComputeShortfall(ctx, formsync.FormType12Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, short)

	inserted, err := pool.Replenish(ctx)
	require.NoError(t, err)
	require.Len(t, alloc.requests, 1)
	assert.Equal(t, 3, alloc.requests[0]["12Hour"])
	assert.Equal(t, 5, alloc.requests[0]["24Hour"])
	assert.Len(t, inserted, 13)

	ids, err := pool.AvailableIDs(ctx, formsync.FormType12Hour)
	require.NoError(t, err)
	assert.Len(t, ids, 5)

	short, err = pool.ComputeShortfall(ctx, formsync.FormType12Hour)
	require.NoError(t, err)
	assert.Zero(t, short)
}

func TestReplenish_NoCallAtTarget(t *testing.T) {
	ctx := context.Background()
	alloc := &fakeAllocator{}
	pool, _ := newTestPool(t, alloc)

	_, err := pool.Replenish(ctx)
	require.NoError(t, err)
	inserted, err := pool.Replenish(ctx)
	require.NoError(t, err)
	assert.Empty(t, inserted)
	assert.Len(t, alloc.requests, 1)
}

func TestReplenish_FailureLeavesPoolUntouched(t *testing.T) {
	ctx := context.Background()
	alloc := &fakeAllocator{err: formsync.NewRemoteCallFailedError("allocate_form_ids", errors.New("offline"))}
	pool, st := newTestPool(t, alloc)
	seed(t, st, "J-0001", formsync.FormType12Hour, false, nil)

	_, err := pool.Replenish(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, formsync.ErrRemoteCallFailed))

	avail, err := pool.Availability(ctx)
	require.NoError(t, err)
	assert.Equal(t, []formsync.FormAvailability{
		{FormType: formsync.FormType12Hour, Count: 1},
		{FormType: formsync.FormType24Hour, Count: 0},
		{FormType: formsync.FormTypeVI, Count: 0},
	}, avail)
}

func TestReplenish_DuplicateIdsIgnored(t *testing.T) {
	ctx := context.Background()
	alloc := &fakeAllocator{}
	pool, st := newTestPool(t, alloc)
	// the allocator will issue 12Hour-0001 again; the leased local copy must survive
	seed(t, st, "12Hour-0001", formsync.FormType12Hour, true, nil)

	inserted, err := pool.Replenish(ctx)
	require.NoError(t, err)
	for _, id := range inserted {
		assert.NotEqual(t, "12Hour-0001", id.ID)
	}

	fi, err := pool.Identifier(ctx, "12Hour-0001", formsync.FormType12Hour)
	require.NoError(t, err)
	assert.True(t, fi.Leased)
}

func TestLease_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	pool, st := newTestPool(t, &fakeAllocator{})
	seed(t, st, "X123", formsync.FormTypeVI, false, nil)

	require.NoError(t, pool.Lease(ctx, "X123", formsync.FormTypeVI))
	first, err := pool.Identifier(ctx, "X123", formsync.FormTypeVI)
	require.NoError(t, err)

	require.NoError(t, pool.Lease(ctx, "X123", formsync.FormTypeVI))
	second, err := pool.Identifier(ctx, "X123", formsync.FormTypeVI)
	require.NoError(t, err)

	assert.True(t, second.Leased)
	assert.Equal(t, first.LastUpdated, second.LastUpdated)

	ids, err := pool.AvailableIDs(ctx, formsync.FormTypeVI)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestLease_NotFound(t *testing.T) {
	ctx := context.Background()
	pool, st := newTestPool(t, &fakeAllocator{})
	seed(t, st, "X123", formsync.FormTypeVI, false, nil)

	err := pool.Lease(ctx, "X123", formsync.FormType12Hour)
	assert.True(t, errors.Is(err, formsync.ErrIdentifierNotFound))

	err = pool.Lease(ctx, "missing", formsync.FormTypeVI)
	var syncErr *formsync.SyncError
	require.True(t, errors.As(err, &syncErr))
	assert.Equal(t, formsync.ErrCodeIdentifierNotFound, syncErr.Code)
}

func TestAvailability_ExcludesExpiredAndSpoiled(t *testing.T) {
	ctx := context.Background()
	pool, st := newTestPool(t, &fakeAllocator{})
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	pool.nowFunc = func() time.Time { return now }

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	seed(t, st, "A1", formsync.FormType24Hour, false, &past)
	seed(t, st, "A2", formsync.FormType24Hour, false, &future)
	seed(t, st, "A3", formsync.FormType24Hour, false, nil)
	seed(t, st, "A4", formsync.FormType24Hour, true, nil)
	require.NoError(t, pool.MarkSpoiled(ctx, "A3", formsync.FormType24Hour))

	ids, err := pool.AvailableIDs(ctx, formsync.FormType24Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"A2"}, ids)

	short, err := pool.ComputeShortfall(ctx, formsync.FormType24Hour)
	require.NoError(t, err)
	assert.Equal(t, 4, short)
}

func TestNextAvailableID(t *testing.T) {
	ctx := context.Background()
	pool, st := newTestPool(t, &fakeAllocator{})

	_, ok, err := pool.NextAvailableID(ctx, formsync.FormType12Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	seed(t, st, "J-0009", formsync.FormType12Hour, false, nil)
	seed(t, st, "J-0003", formsync.FormType12Hour, false, nil)
	id, ok, err := pool.NextAvailableID(ctx, formsync.FormType12Hour)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "J-0003", id)
}

func TestMarkPrinted_KeepsFirstStamp(t *testing.T) {
	ctx := context.Background()
	pool, st := newTestPool(t, &fakeAllocator{})
	seed(t, st, "P1", formsync.FormType12Hour, true, nil)

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	pool.nowFunc = func() time.Time { return t0 }
	require.NoError(t, pool.MarkPrinted(ctx, "P1", formsync.FormType12Hour))
	pool.nowFunc = func() time.Time { return t0.Add(time.Hour) }
	require.NoError(t, pool.MarkPrinted(ctx, "P1", formsync.FormType12Hour))

	fi, err := pool.Identifier(ctx, "P1", formsync.FormType12Hour)
	require.NoError(t, err)
	require.NotNil(t, fi.PrintedTimestamp)
	assert.True(t, fi.PrintedTimestamp.Equal(t0))

	assert.True(t, errors.Is(pool.MarkPrinted(ctx, "missing", formsync.FormType12Hour), formsync.ErrIdentifierNotFound))
}

func TestShortfallProperty(t *testing.T) {
	for target := 0; target <= 6; target++ {
		for available := 0; available <= 8; available++ {
			got := shortfall(target, available)
			want := target - available
			if want < 0 {
				want = 0
			}
			assert.Equal(t, want, got, "target=%d available=%d", target, available)
		}
	}
}

func TestClosedStore(t *testing.T) {
	pool, st := newTestPool(t, &fakeAllocator{})
	require.NoError(t, st.Close())
	_, err := pool.Availability(context.Background())
	assert.True(t, errors.Is(err, formsync.ErrStoreUnavailable))
	assert.True(t, errors.Is(pool.Lease(context.Background(), "x", formsync.FormTypeVI), formsync.ErrStoreUnavailable))
}
