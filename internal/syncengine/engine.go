package syncengine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lychee-technology/formsync"
	"github.com/lychee-technology/formsync/internal/archive"
	"github.com/lychee-technology/formsync/internal/remote"
	"github.com/lychee-technology/formsync/internal/telemetry"
	"github.com/lychee-technology/formsync/internal/transform"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Records is the persistence the engine needs. *repository.Repository implements it.
type Records interface {
	FetchPending(ctx context.Context) ([]*formsync.OfflineSubmission, error)
	FetchOfflineSubmissionByID(ctx context.Context, id string) *formsync.OfflineSubmission
	SetServerSubmissionID(ctx context.Context, id, serverSubmissionID string) error
	DeletePair(ctx context.Context, submissionID string) error
	ClearActiveFormFor(ctx context.Context, sub *formsync.OfflineSubmission) error
}

// Remote is the server API the engine drives. *remote.Client implements it.
type Remote interface {
	RefreshToken(ctx context.Context) error
	CreateSubmission(ctx context.Context, formID string, payload any) (*remote.SubmissionResponse, error)
	UpdateSubmission(ctx context.Context, formID string, payload any) (*remote.SubmissionResponse, error)
	CreateApplication(ctx context.Context, payload any) error
	SubmitDraft(ctx context.Context, draftID string, payload any) error
	CreateDraft(ctx context.Context, payload any) (*remote.DraftResponse, error)
	UpdateDraft(ctx context.Context, draftID string, payload any) (*remote.DraftResponse, error)
}

// Archiver stores snapshots of records that will not be sent. *archive.Archive implements it.
type Archiver interface {
	Archive(ctx context.Context, kind, reason string, sub *formsync.OfflineSubmission) (string, error)
}

// Engine reconciles local records with the server.
type Engine struct {
	records        Records
	remote         Remote
	archiver       Archiver
	maxConcurrency int
	nowFunc        func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// Option customizes an Engine.
type Option func(*Engine)

// WithArchiver sends anomalies and untransformable records to a.
func WithArchiver(a Archiver) Option {
	return func(e *Engine) { e.archiver = a }
}

// WithMaxConcurrency bounds the number of records processed at once per partition.
func WithMaxConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxConcurrency = n
		}
	}
}

// New creates an engine.
func New(records Records, rc Remote, opts ...Option) *Engine {
	e := &Engine{
		records:        records,
		remote:         rc,
		maxConcurrency: 4,
		nowFunc:        time.Now,
		inFlight:       make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ProcessOfflineSubmissions runs one pass over every pending record. Per-record failures are
// reported in the PassReport, never as the returned error; the error is reserved for
// conditions that abort the whole pass.
func (e *Engine) ProcessOfflineSubmissions(ctx context.Context) (report *PassReport, err error) {
	report = &PassReport{Started: e.nowFunc()}
	ctx, span := telemetry.StartSpan(ctx, "sync.pass")
	defer func() {
		report.Finished = e.nowFunc()
		telemetry.EndSpan(span, err)
	}()

	if err := e.remote.RefreshToken(ctx); err != nil {
		zap.S().Warnw("sync: token refresh failed, pass aborted", "err", err)
		return report, formsync.NewTokenRefreshFailedError(err)
	}

	pending, err := e.records.FetchPending(ctx)
	if err != nil {
		zap.S().Errorw("sync: fetch pending records failed", "err", err)
		return report, err
	}
	span.SetAttributes(attribute.Int("sync.pending", len(pending)))
	if len(pending) == 0 {
		return report, nil
	}

	var drafts, submissions []int
	for i, sub := range pending {
		if sub.Type == formsync.SubmissionTypeDraft {
			drafts = append(drafts, i)
		} else {
			submissions = append(submissions, i)
		}
	}

	// each goroutine writes only its own index
	outcomes := make([]RecordOutcome, len(pending))
	var partitions errgroup.Group
	for _, part := range [][]int{drafts, submissions} {
		partitions.Go(func() error {
			var records errgroup.Group
			records.SetLimit(e.maxConcurrency)
			for _, idx := range part {
				records.Go(func() error {
					outcomes[idx] = e.processRecord(ctx, pending[idx])
					return nil
				})
			}
			return records.Wait()
		})
	}
	_ = partitions.Wait()

	report.Outcomes = outcomes
	zap.S().Infow("sync: pass finished",
		"pending", len(pending),
		"synced", report.Count(OutcomeSynced),
		"failed", report.Count(OutcomeFailed),
		"anomalies", report.Count(OutcomeAnomaly),
		"skipped", report.Count(OutcomeSkipped),
		"in_flight", report.Count(OutcomeInFlight),
		"gone", report.Count(OutcomeGone))
	return report, nil
}

func (e *Engine) claim(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inFlight[id]; busy {
		return false
	}
	e.inFlight[id] = struct{}{}
	return true
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	delete(e.inFlight, id)
	e.mu.Unlock()
}

// routeOf decides create vs update from the server ids alone.
func routeOf(sub *formsync.OfflineSubmission) Route {
	switch {
	case sub.Unsynced():
		return RouteCreate
	case sub.Linked() && sub.LocalDraftID == "":
		return RouteUpdate
	default:
		return RouteNone
	}
}

func (e *Engine) processRecord(ctx context.Context, pending *formsync.OfflineSubmission) (out RecordOutcome) {
	out = RecordOutcome{RecordID: pending.ID, Type: pending.Type}
	defer func() {
		telemetry.EmitRecordOutcome(ctx, string(out.Type), string(out.Outcome))
	}()

	if !e.claim(pending.ID) {
		out.Outcome = OutcomeInFlight
		return out
	}
	defer e.release(pending.ID)

	// The pending list may predate a pass that synced or relinked this record.
	sub := e.records.FetchOfflineSubmissionByID(ctx, pending.ID)
	if sub == nil {
		out.Outcome = OutcomeGone
		zap.S().Infow("sync: record no longer held locally, not sent", "record_id", pending.ID)
		return out
	}
	out.Type = sub.Type

	out.Route = routeOf(sub)
	if out.Route == RouteNone {
		out.Outcome = OutcomeAnomaly
		out.Err = formsync.NewIntegrityAnomalyError(sub.ID)
		zap.S().Warnw("sync: integrity anomaly, record not sent",
			"record_id", sub.ID, "server_draft_id", sub.ServerDraftID, "server_application_id", sub.ServerApplicationID)
		e.archiveRecord(ctx, archive.KindIntegrityAnomaly, out.Err, sub)
		return out
	}

	ctx, span := telemetry.StartSpan(ctx, "sync.record",
		attribute.String("record.id", sub.ID),
		attribute.String("record.type", string(sub.Type)),
		attribute.String("record.route", string(out.Route)))
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	switch sub.Type {
	case formsync.SubmissionTypeApplication:
		if out.Route == RouteCreate {
			err = e.createSubmission(ctx, sub)
		} else {
			err = e.updateSubmission(ctx, sub)
		}
	case formsync.SubmissionTypeDraft:
		if out.Route == RouteCreate {
			err = e.createDraft(ctx, sub)
		} else {
			err = e.updateDraft(ctx, sub)
		}
	default:
		err = formsync.NewTransformInvalidError(sub.ID, "unknown record type "+string(sub.Type))
	}

	if err == nil {
		err = e.records.DeletePair(ctx, sub.ID)
		if err == nil {
			if clearErr := e.records.ClearActiveFormFor(ctx, sub); clearErr != nil {
				zap.S().Warnw("sync: clear active form failed", "record_id", sub.ID, "err", clearErr)
			}
			out.Outcome = OutcomeSynced
			zap.S().Infow("sync: record synced", "record_id", sub.ID, "type", sub.Type, "route", out.Route)
			return out
		}
		zap.S().Errorw("sync: remote chain succeeded but local delete failed", "record_id", sub.ID, "err", err)
	}

	out.Err = err
	if errors.Is(err, formsync.ErrTransformInvalid) {
		out.Outcome = OutcomeSkipped
		zap.S().Warnw("sync: record could not be transformed, left in place", "record_id", sub.ID, "err", err)
		e.archiveRecord(ctx, archive.KindTransformInvalid, err, sub)
		return out
	}
	out.Outcome = OutcomeFailed
	zap.S().Warnw("sync: record failed, will retry next pass", "record_id", sub.ID, "route", out.Route, "err", err)
	return out
}

func (e *Engine) archiveRecord(ctx context.Context, kind string, reason error, sub *formsync.OfflineSubmission) {
	if e.archiver == nil {
		return
	}
	if _, err := e.archiver.Archive(ctx, kind, reason.Error(), sub); err != nil {
		zap.S().Warnw("sync: archive failed", "record_id", sub.ID, "kind", kind, "err", err)
	}
}

func (e *Engine) createSubmission(ctx context.Context, sub *formsync.OfflineSubmission) error {
	serverSubmissionID := sub.ServerSubmissionID
	if serverSubmissionID == "" {
		payload := transform.TransformFinalSubmissionData(sub)
		if payload == nil {
			return formsync.NewTransformInvalidError(sub.ID, "submission payload could not be built")
		}
		resp, err := e.remote.CreateSubmission(ctx, sub.FormID, payload)
		if err != nil {
			return err
		}
		if resp == nil || resp.ID == "" {
			return formsync.NewRemoteCallFailedError("create_submission", errors.New("response carried no submission id")).WithRecord(sub.ID)
		}
		serverSubmissionID = resp.ID
		if err := e.records.SetServerSubmissionID(ctx, sub.ID, serverSubmissionID); err != nil {
			zap.S().Warnw("sync: could not persist server submission id", "record_id", sub.ID, "err", err)
		}
	}
	return e.remote.CreateApplication(ctx, transform.TransformApplicationCreate(sub, serverSubmissionID))
}

func (e *Engine) updateSubmission(ctx context.Context, sub *formsync.OfflineSubmission) error {
	payload := transform.TransformFinalSubmissionData(sub)
	if payload == nil {
		return formsync.NewTransformInvalidError(sub.ID, "submission payload could not be built")
	}
	if _, err := e.remote.UpdateSubmission(ctx, sub.FormID, payload); err != nil {
		return err
	}
	return e.remote.SubmitDraft(ctx, sub.ServerDraftID, transform.TransformApplicationUpdate(sub))
}

func (e *Engine) createDraft(ctx context.Context, sub *formsync.OfflineSubmission) error {
	payload := transform.TransformDraftData(sub)
	if payload == nil {
		return formsync.NewTransformInvalidError(sub.ID, "draft payload could not be built")
	}
	_, err := e.remote.CreateDraft(ctx, payload)
	return err
}

func (e *Engine) updateDraft(ctx context.Context, sub *formsync.OfflineSubmission) error {
	payload := transform.TransformDraftData(sub)
	if payload == nil {
		return formsync.NewTransformInvalidError(sub.ID, "draft payload could not be built")
	}
	_, err := e.remote.UpdateDraft(ctx, sub.ServerDraftID, payload)
	return err
}
