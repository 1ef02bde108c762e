package factory

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/lychee-technology/formsync"
	"github.com/lychee-technology/formsync/internal/archive"
	"github.com/lychee-technology/formsync/internal/leasing"
	"github.com/lychee-technology/formsync/internal/refdata"
	"github.com/lychee-technology/formsync/internal/remote"
	"github.com/lychee-technology/formsync/internal/repository"
	"github.com/lychee-technology/formsync/internal/store"
	"github.com/lychee-technology/formsync/internal/syncengine"
	"github.com/lychee-technology/formsync/internal/transform"
	"go.uber.org/zap"
)

// Engine wires the local store, the remote client and every subsystem behind formsync.Engine.
type Engine struct {
	store   *store.Store
	remote  *remote.Client
	repo    *repository.Repository
	pool    *leasing.Pool
	refs    *refdata.Cache
	sync    *syncengine.Engine
	monitor *syncengine.Monitor

	mu         sync.Mutex
	lastReport *syncengine.PassReport
}

var _ formsync.Engine = (*Engine)(nil)

type options struct {
	httpClient *http.Client
	archiver   syncengine.Archiver
}

// Option customizes NewEngine.
type Option func(*options)

// WithHTTPClient replaces the HTTP client used for every remote call.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// WithArchiver replaces the S3 archive built from Config.Archive.
func WithArchiver(a syncengine.Archiver) Option {
	return func(o *options) { o.archiver = a }
}

// NewEngineWithConfig creates an Engine from config. The store is opened and migrated before
// it returns; auth supplies bearer tokens and the current user.
//
// Usage:
//
//	cfg, err := formsync.LoadConfig("formsync.yaml")
//	if err != nil {
//	    // handle error
//	}
//	engine, err := factory.NewEngineWithConfig(ctx, cfg, auth)
//	if err != nil {
//	    // handle error
//	}
//	defer engine.Close()
func NewEngineWithConfig(ctx context.Context, config *formsync.Config, auth formsync.Authenticator, opts ...Option) (*Engine, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if auth == nil {
		return nil, fmt.Errorf("authenticator is required")
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	st := store.New(config.Store)
	if err := st.Open(ctx); err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	remoteOpts := []remote.Option{}
	if config.Sync.HealthPath != "" {
		remoteOpts = append(remoteOpts, remote.WithHealthPath(config.Sync.HealthPath))
	}
	if o.httpClient != nil {
		remoteOpts = append(remoteOpts, remote.WithHTTPClient(o.httpClient))
	}
	rc := remote.New(config.Remote, auth, remoteOpts...)

	archiver := o.archiver
	if archiver == nil && config.Archive.Enabled {
		a, err := archive.New(ctx, config.Archive)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to create archive: %w", err)
		}
		if err := a.EnsureBucket(ctx); err != nil {
			zap.S().Warnw("factory: archive bucket unavailable, uploads may fail", "bucket", config.Archive.Bucket, "err", err)
		}
		archiver = a
	}

	syncOpts := []syncengine.Option{syncengine.WithMaxConcurrency(config.Sync.MaxConcurrency)}
	if archiver != nil {
		syncOpts = append(syncOpts, syncengine.WithArchiver(archiver))
	}

	repo := repository.New(st, auth)
	e := &Engine{
		store:  st,
		remote: rc,
		repo:   repo,
		pool:   leasing.NewPool(st, rc, config.Leasing),
		refs:   refdata.New(st, rc, config.Reference),
		sync:   syncengine.New(repo, rc, syncOpts...),
	}
	e.monitor = syncengine.NewMonitor(rc, config.Sync.PollInterval, e.onReconnectSync, e.onReconnectReplenish)

	zap.S().Infow("engine ready",
		"driver", config.Store.Driver,
		"remote", config.Remote.BaseURL,
		"archive", archiver != nil)
	return e, nil
}

func (e *Engine) onReconnectSync(ctx context.Context) {
	e.remote.Breaker().Reset()
	if err := e.ProcessOfflineSubmissions(ctx); err != nil {
		zap.S().Warnw("reconnect: sync pass aborted", "err", err)
	}
}

func (e *Engine) onReconnectReplenish(ctx context.Context) {
	if _, err := e.FetchAndSaveFormIDs(ctx); err != nil {
		zap.S().Warnw("reconnect: replenish failed", "err", err)
	}
}

// ProcessOfflineSubmissions runs one sync pass. The per-record outcomes are kept for LastReport.
func (e *Engine) ProcessOfflineSubmissions(ctx context.Context) error {
	report, err := e.sync.ProcessOfflineSubmissions(ctx)
	e.mu.Lock()
	e.lastReport = report
	e.mu.Unlock()
	return err
}

// LastReport returns the report of the most recent pass, or nil before the first pass.
func (e *Engine) LastReport() *syncengine.PassReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastReport
}

func (e *Engine) FetchAndSaveFormIDs(ctx context.Context) ([]formsync.FormIdentifier, error) {
	return e.pool.Replenish(ctx)
}

func (e *Engine) GetAvailableFormIDs(ctx context.Context, formType formsync.FormType) ([]string, error) {
	return e.pool.AvailableIDs(ctx, formType)
}

func (e *Engine) GetNextAvailableFormID(ctx context.Context, formType formsync.FormType) (string, bool, error) {
	return e.pool.NextAvailableID(ctx, formType)
}

func (e *Engine) MarkFormAsLeased(ctx context.Context, id string, formType formsync.FormType) error {
	return e.pool.Lease(ctx, id, formType)
}

// MarkFormAsPrinted stamps the first print time of an identifier.
func (e *Engine) MarkFormAsPrinted(ctx context.Context, id string, formType formsync.FormType) error {
	return e.pool.MarkPrinted(ctx, id, formType)
}

// MarkFormAsSpoiled removes an identifier from availability for good.
func (e *Engine) MarkFormAsSpoiled(ctx context.Context, id string, formType formsync.FormType) error {
	return e.pool.MarkSpoiled(ctx, id, formType)
}

func (e *Engine) GetFormAvailability(ctx context.Context) ([]formsync.FormAvailability, error) {
	return e.pool.Availability(ctx)
}

func (e *Engine) InsertSubmissionData(ctx context.Context, data map[string]any, formID string) error {
	_, err := e.repo.InsertSubmissionData(ctx, data, formID)
	return err
}

// InsertDraftData stores a new draft pair and makes it the active form.
func (e *Engine) InsertDraftData(ctx context.Context, data map[string]any, formID string) (*formsync.OfflineSubmission, error) {
	return e.repo.InsertDraftData(ctx, data, formID)
}

// SaveDraft persists edits to an existing draft.
func (e *Engine) SaveDraft(ctx context.Context, sub *formsync.OfflineSubmission) error {
	return e.repo.SaveDraft(ctx, sub)
}

// SaveSubmission finalizes a record so the next pass submits it.
func (e *Engine) SaveSubmission(ctx context.Context, sub *formsync.OfflineSubmission) error {
	return e.repo.SaveSubmission(ctx, sub)
}

func (e *Engine) FetchOfflineSubmissionByID(ctx context.Context, id string) *formsync.OfflineSubmission {
	return e.repo.FetchOfflineSubmissionByID(ctx, id)
}

// FetchOfflineSubmissionList never fails; an unavailable store yields an empty list.
func (e *Engine) FetchOfflineSubmissionList(ctx context.Context) (*formsync.SubmissionList, error) {
	return e.repo.FetchOfflineSubmissionList(ctx), nil
}

func (e *Engine) ActiveForm(ctx context.Context) (formsync.ActiveForm, error) {
	return e.repo.ActiveForm(ctx)
}

// ImportServerDraft stores a draft that exists on the server so it can be edited offline.
func (e *Engine) ImportServerDraft(ctx context.Context, raw map[string]any) (*formsync.OfflineSubmission, error) {
	sub := transform.TransformServerDraft(raw)
	if sub == nil {
		return nil, formsync.NewTransformInvalidError("", "server draft is missing _id, applicationId or formId")
	}
	if err := e.repo.ImportServerDraft(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// FetchFormDefinition downloads, validates and caches a form definition for offline use.
func (e *Engine) FetchFormDefinition(ctx context.Context, formID string) (*formsync.FormDefinition, error) {
	raw, err := e.remote.FetchFormDefinition(ctx, formID)
	if err != nil {
		return nil, err
	}
	def := transform.TransformFormDefinitionData(raw)
	if def == nil {
		return nil, formsync.NewTransformInvalidError(formID, "form definition failed validation")
	}
	if err := e.repo.SaveFormDefinition(ctx, def); err != nil {
		return nil, err
	}
	return def, nil
}

// OfflineForm returns a cached form definition, or nil.
func (e *Engine) OfflineForm(ctx context.Context, formID string) *formsync.FormDefinition {
	return e.repo.FetchOfflineFormByID(ctx, formID)
}

// RefreshReference refetches every configured reference category.
func (e *Engine) RefreshReference(ctx context.Context) error {
	return e.refs.RefreshAll(ctx)
}

func (e *Engine) Reference(ctx context.Context, category formsync.ReferenceCategory) ([]formsync.ReferenceRecord, error) {
	return e.refs.Get(ctx, category)
}

func (e *Engine) LookupReference(ctx context.Context, category formsync.ReferenceCategory, key string) (*formsync.ReferenceRecord, error) {
	return e.refs.Lookup(ctx, category, key)
}

// Monitor returns the connectivity monitor. It runs a sync pass and then a replenish on
// every reconnect; callers drive it with Run.
func (e *Engine) Monitor() *syncengine.Monitor {
	return e.monitor
}

// Close closes the local store.
func (e *Engine) Close() error {
	return e.store.Close()
}
