package allocator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/lychee-technology/formsync"
	"github.com/lychee-technology/formsync/internal/remote"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

func newMockService(t *testing.T, maxPerRequest int) (*Service, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	mock.MatchExpectationsInOrder(true)

	svc := NewService(mock, formsync.AllocatorConfig{LeaseDuration: 24 * time.Hour, MaxPerRequest: maxPerRequest})
	svc.withClock(func() time.Time { return fixedNow })
	return svc, mock
}

func TestAllocate_AssignsPerFormTypeInOneTransaction(t *testing.T) {
	svc, mock := newMockService(t, 50)
	expiry := fixedNow.Add(24 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery("^"+regexp.QuoteMeta(selectFreeSQL)+"$").
		WithArgs("12Hour", 2).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("H12-0001").AddRow("H12-0002"))
	mock.ExpectExec("^"+regexp.QuoteMeta(assignSQL)+"$").
		WithArgs("user-1", expiry, fixedNow, []string{"H12-0001", "H12-0002"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectQuery("^"+regexp.QuoteMeta(selectFreeSQL)+"$").
		WithArgs("VI", 1).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("VI-0001"))
	mock.ExpectExec("^"+regexp.QuoteMeta(assignSQL)+"$").
		WithArgs("user-1", expiry, fixedNow, []string{"VI-0001"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	resp, err := svc.Allocate(context.Background(), "user-1", remote.AllocationRequest{"12Hour": 2, "24Hour": 0, "VI": 1, "Bogus": 4})
	require.NoError(t, err)
	require.Len(t, resp.Forms, 3)
	assert.Equal(t, "H12-0001", resp.Forms[0].ID)
	assert.Equal(t, "12Hour", resp.Forms[0].FormType)
	assert.Equal(t, "user-1", resp.Forms[0].UserGUID)
	require.NotNil(t, resp.Forms[0].LeaseExpiry)
	assert.Equal(t, expiry.Format(time.RFC3339), *resp.Forms[0].LeaseExpiry)
	assert.Nil(t, resp.Forms[0].PrintedTimestamp)
	assert.Equal(t, "VI", resp.Forms[2].FormType)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAllocate_CapsCountAndToleratesExhaustedPool(t *testing.T) {
	svc, mock := newMockService(t, 3)

	mock.ExpectBegin()
	mock.ExpectQuery("^"+regexp.QuoteMeta(selectFreeSQL)+"$").
		WithArgs("24Hour", 3).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectCommit()
	mock.ExpectRollback()

	resp, err := svc.Allocate(context.Background(), "user-1", remote.AllocationRequest{"24Hour": 100})
	require.NoError(t, err)
	assert.Empty(t, resp.Forms)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAllocate_RollsBackOnUpdateFailure(t *testing.T) {
	svc, mock := newMockService(t, 50)

	mock.ExpectBegin()
	mock.ExpectQuery("^"+regexp.QuoteMeta(selectFreeSQL)+"$").
		WithArgs("12Hour", 1).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("H12-0001"))
	mock.ExpectExec("^"+regexp.QuoteMeta(assignSQL)+"$").
		WithArgs("user-1", fixedNow.Add(24*time.Hour), fixedNow, []string{"H12-0001"}).
		WillReturnError(errors.New("serialization failure"))
	mock.ExpectRollback()

	resp, err := svc.Allocate(context.Background(), "user-1", remote.AllocationRequest{"12Hour": 1})
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.Contains(t, err.Error(), "assign 12Hour identifiers")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAllocate_RequiresUser(t *testing.T) {
	svc, mock := newMockService(t, 50)
	_, err := svc.Allocate(context.Background(), "", remote.AllocationRequest{"12Hour": 1})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSeed_CountsOnlyNewRows(t *testing.T) {
	svc, mock := newMockService(t, 50)

	mock.ExpectBegin()
	mock.ExpectExec("^"+regexp.QuoteMeta(seedSQL)+"$").
		WithArgs("VI-0001", "VI").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("^"+regexp.QuoteMeta(seedSQL)+"$").
		WithArgs("VI-0002", "VI").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectCommit()
	mock.ExpectRollback()

	n, err := svc.Seed(context.Background(), formsync.FormTypeVI, []string{"VI-0001", "VI-0002"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, mock.ExpectationsWereMet())

	_, err = svc.Seed(context.Background(), formsync.FormType("Other"), []string{"x"})
	require.Error(t, err)
}

func TestEnsureSchema(t *testing.T) {
	svc, mock := newMockService(t, 50)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS form_id_pool")).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE INDEX IF NOT EXISTS form_id_pool_free_idx")).
		WillReturnResult(pgxmock.NewResult("CREATE INDEX", 0))

	require.NoError(t, svc.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandler_AllocateRequiresBearer(t *testing.T) {
	svc, mock := newMockService(t, 50)
	router := svc.Router()

	req := httptest.NewRequest(http.MethodPost, "/formIdAllocation", bytes.NewBufferString(`{"12Hour":1}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/formIdAllocation", bytes.NewBufferString(`{"12Hour":-1}`))
	req.Header.Set("Authorization", "Bearer tok")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/formIdAllocation", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandler_AllocateUsesUserHeader(t *testing.T) {
	svc, mock := newMockService(t, 50)
	expiry := fixedNow.Add(24 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery("^"+regexp.QuoteMeta(selectFreeSQL)+"$").
		WithArgs("12Hour", 1).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("H12-0009"))
	mock.ExpectExec("^"+regexp.QuoteMeta(assignSQL)+"$").
		WithArgs("guid-42", expiry, fixedNow, []string{"H12-0009"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	req := httptest.NewRequest(http.MethodPost, "/formIdAllocation", bytes.NewBufferString(`{"12Hour":1}`))
	req.Header.Set("Authorization", "Bearer tok")
	req.Header.Set(UserHeader, "guid-42")
	rec := httptest.NewRecorder()
	svc.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body remote.AllocationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Forms, 1)
	assert.Equal(t, "H12-0009", body.Forms[0].ID)
	assert.Equal(t, "guid-42", body.Forms[0].UserGUID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandler_Health(t *testing.T) {
	svc, mock := newMockService(t, 50)
	mock.ExpectPing()
	mock.ExpectPing().WillReturnError(errors.New("down"))

	rec := httptest.NewRecorder()
	svc.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	svc.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConnString(t *testing.T) {
	cfg := formsync.AllocatorConfig{PGHost: "db", PGPort: 5433, PGDatabase: "forms", PGUser: "svc", PGSSLMode: "require"}
	assert.Equal(t, "postgres://svc:p%40ss@db:5433/forms?sslmode=require", ConnString(cfg, "p@ss"))

	cfg.PGSSLMode = ""
	assert.Contains(t, ConnString(cfg, "x"), "sslmode=disable")
}
