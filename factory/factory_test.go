package factory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/lychee-technology/formsync"
	"github.com/lychee-technology/formsync/internal/remote"
	"github.com/lychee-technology/formsync/internal/syncengine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type serverStub struct {
	mu    sync.Mutex
	calls []string
	seq   int
}

func (s *serverStub) record(r *http.Request) {
	s.mu.Lock()
	s.calls = append(s.calls, r.Method+" "+r.URL.Path)
	s.mu.Unlock()
}

func (s *serverStub) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *serverStub) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/formIdAllocation", func(w http.ResponseWriter, req *http.Request) {
		s.record(req)
		var body remote.AllocationRequest
		json.NewDecoder(req.Body).Decode(&body)
		resp := remote.AllocationResponse{}
		for formType, n := range body {
			for i := 0; i < n; i++ {
				s.mu.Lock()
				s.seq++
				id := fmt.Sprintf("%s-%04d", formType, s.seq)
				s.mu.Unlock()
				resp.Forms = append(resp.Forms, remote.AllocatedForm{ID: id, FormType: formType})
			}
		}
		json.NewEncoder(w).Encode(resp)
	}).Methods(http.MethodPost)

	r.HandleFunc("/form/{formId}/submission", func(w http.ResponseWriter, req *http.Request) {
		s.record(req)
		json.NewEncoder(w).Encode(remote.SubmissionResponse{Form: mux.Vars(req)["formId"], ID: "srv-sub"})
	}).Methods(http.MethodPost, http.MethodPut)

	r.HandleFunc("/form/{formId}", func(w http.ResponseWriter, req *http.Request) {
		s.record(req)
		json.NewEncoder(w).Encode(map[string]any{
			"_id":        mux.Vars(req)["formId"],
			"title":      "Vehicle Inspection",
			"components": []any{map[string]any{"key": "plate", "type": "textfield"}},
		})
	}).Methods(http.MethodGet)

	r.HandleFunc("/application/create", func(w http.ResponseWriter, req *http.Request) {
		s.record(req)
		w.WriteHeader(http.StatusCreated)
	}).Methods(http.MethodPost)

	r.HandleFunc("/draft", func(w http.ResponseWriter, req *http.Request) {
		s.record(req)
		json.NewEncoder(w).Encode(remote.DraftResponse{ID: "srv-draft", ApplicationID: "srv-app"})
	}).Methods(http.MethodPost)

	r.HandleFunc("/static/{resource}", func(w http.ResponseWriter, req *http.Request) {
		s.record(req)
		json.NewEncoder(w).Encode([]map[string]any{{"id": "1", "name": mux.Vars(req)["resource"]}})
	}).Methods(http.MethodGet)

	r.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func newTestEngine(t *testing.T) (*Engine, *serverStub) {
	t.Helper()
	stub := &serverStub{}
	srv := httptest.NewServer(stub.router())
	t.Cleanup(srv.Close)

	cfg := formsync.DefaultConfig()
	cfg.Store = formsync.StoreConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "engine.db"), MaxConnections: 1}
	cfg.Remote.BaseURL = srv.URL
	cfg.Reference.Categories = []formsync.ReferenceCategory{formsync.ReferenceProvinces}
	cfg.Leasing.Targets = map[formsync.FormType]int{formsync.FormType12Hour: 2, formsync.FormTypeVI: 1}

	auth := &formsync.StaticAuthenticator{
		AccessToken: "token",
		User:        formsync.UserContext{GUID: "officer-1", Roles: []string{"officer"}},
	}
	e, err := NewEngineWithConfig(context.Background(), cfg, auth, WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e, stub
}

func TestNewEngineWithConfig_Rejects(t *testing.T) {
	ctx := context.Background()
	_, err := NewEngineWithConfig(ctx, nil, &formsync.StaticAuthenticator{})
	require.Error(t, err)

	cfg := formsync.DefaultConfig()
	cfg.Store.Driver = "bolt"
	_, err = NewEngineWithConfig(ctx, cfg, &formsync.StaticAuthenticator{})
	var cfgErr *formsync.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "store.driver", cfgErr.Field)

	_, err = NewEngineWithConfig(ctx, formsync.DefaultConfig(), nil)
	require.Error(t, err)
}

func TestEngine_SubmissionAndDraftSyncEndToEnd(t *testing.T) {
	e, stub := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.InsertSubmissionData(ctx, map[string]any{"plate": "ABC123"}, "form-vi"))
	draft, err := e.InsertDraftData(ctx, map[string]any{"plate": "XYZ"}, "form-vi")
	require.NoError(t, err)

	active, err := e.ActiveForm(ctx)
	require.NoError(t, err)
	assert.Equal(t, draft.ID, active.LocalDraftID)

	list, err := e.FetchOfflineSubmissionList(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, list.Metadata.Total)

	require.NoError(t, e.ProcessOfflineSubmissions(ctx))
	report := e.LastReport()
	require.NotNil(t, report)
	assert.Equal(t, 2, report.Count(syncengine.OutcomeSynced))

	list, err = e.FetchOfflineSubmissionList(ctx)
	require.NoError(t, err)
	assert.Empty(t, list.Applications)
	assert.Equal(t, 0, list.Metadata.Total)

	active, err = e.ActiveForm(ctx)
	require.NoError(t, err)
	assert.True(t, active.Empty())

	assert.ElementsMatch(t, []string{
		"POST /form/form-vi/submission",
		"POST /application/create",
		"POST /draft",
	}, stub.Calls())
}

func TestEngine_ReplenishAndLease(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	inserted, err := e.FetchAndSaveFormIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, inserted, 3)

	avail, err := e.GetFormAvailability(ctx)
	require.NoError(t, err)
	counts := map[formsync.FormType]int{}
	for _, a := range avail {
		counts[a.FormType] = a.Count
	}
	assert.Equal(t, 2, counts[formsync.FormType12Hour])
	assert.Equal(t, 0, counts[formsync.FormType24Hour])
	assert.Equal(t, 1, counts[formsync.FormTypeVI])

	id, ok, err := e.GetNextAvailableFormID(ctx, formsync.FormTypeVI)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, e.MarkFormAsLeased(ctx, id, formsync.FormTypeVI))

	ids, err := e.GetAvailableFormIDs(ctx, formsync.FormTypeVI)
	require.NoError(t, err)
	assert.Empty(t, ids)

	err = e.MarkFormAsLeased(ctx, "missing", formsync.FormTypeVI)
	assert.ErrorIs(t, err, formsync.ErrIdentifierNotFound)
}

func TestEngine_FormDefinitionAndReference(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	def, err := e.FetchFormDefinition(ctx, "form-vi")
	require.NoError(t, err)
	assert.Equal(t, "Vehicle Inspection", def.Title)

	cached := e.OfflineForm(ctx, "form-vi")
	require.NotNil(t, cached)
	assert.Len(t, cached.Components, 1)

	require.NoError(t, e.RefreshReference(ctx))
	rec, err := e.LookupReference(ctx, formsync.ReferenceProvinces, "1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "provinces", rec.Fields["name"])
}

func TestEngine_ImportServerDraft(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.ImportServerDraft(ctx, map[string]any{"_id": "d1"})
	assert.ErrorIs(t, err, formsync.ErrTransformInvalid)

	sub, err := e.ImportServerDraft(ctx, map[string]any{"_id": "d1", "applicationId": "a1", "formId": "form-vi", "data": map[string]any{}})
	require.NoError(t, err)
	require.NotEmpty(t, sub.ID)

	stored := e.FetchOfflineSubmissionByID(ctx, sub.ID)
	require.NotNil(t, stored)
	assert.Equal(t, "d1", stored.ServerDraftID)
	assert.Equal(t, "a1", stored.ServerApplicationID)
}

func TestEngine_MonitorRunsSyncThenReplenishOnReconnect(t *testing.T) {
	e, stub := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.InsertSubmissionData(ctx, map[string]any{"plate": "ABC"}, "form-1"))
	require.True(t, e.Monitor().Check(ctx))

	calls := stub.Calls()
	require.NotEmpty(t, calls)
	assert.Equal(t, "POST /form/form-1/submission", calls[0])
	assert.Equal(t, "POST /formIdAllocation", calls[len(calls)-1])
	assert.NotNil(t, e.LastReport())
}
