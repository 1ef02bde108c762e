package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lychee-technology/formsync"
	"github.com/lychee-technology/formsync/internal/store"
	"go.uber.org/zap"
)

const submissionColumns = `id, form_id, data, record_type, local_draft_id, server_draft_id,
	local_submission_id, server_application_id, server_submission_id, draft_data, submission_data,
	created, modified`

// Repository reads and writes offline submissions together with their application rows.
type Repository struct {
	store   *store.Store
	auth    formsync.Authenticator
	nowFunc func() time.Time
}

// New creates a repository over st. auth supplies the owner of newly constructed records and may be nil.
func New(st *store.Store, auth formsync.Authenticator) *Repository {
	return &Repository{store: st, auth: auth, nowFunc: time.Now}
}

func (r *Repository) now() time.Time {
	if r.nowFunc == nil {
		return time.Now().UTC()
	}
	return r.nowFunc().UTC()
}

func (r *Repository) currentUser(ctx context.Context) formsync.UserContext {
	if r.auth == nil {
		return formsync.UserContext{}
	}
	user, err := r.auth.CurrentUser(ctx)
	if err != nil {
		zap.S().Warnw("repository: current user unavailable", "err", err)
		return formsync.UserContext{}
	}
	return user
}

// InsertSubmissionData constructs a finalized submission and its application row and stores both.
func (r *Repository) InsertSubmissionData(ctx context.Context, data map[string]any, formID string) (*formsync.OfflineSubmission, error) {
	sub := ConstructOfflineSubmissionData(data, formID, r.currentUser(ctx))
	app := ConstructApplicationData(formID, sub.ID, r.FetchOfflineFormByID(ctx, formID))
	if err := r.insertPair(ctx, sub, app); err != nil {
		return nil, err
	}
	zap.S().Infow("repository: submission stored", "record_id", sub.ID, "form_id", formID)
	return sub, nil
}

// InsertDraftData constructs a draft and its application row, stores both and makes the draft active.
func (r *Repository) InsertDraftData(ctx context.Context, data map[string]any, formID string) (*formsync.OfflineSubmission, error) {
	def := r.FetchOfflineFormByID(ctx, formID)
	sub := ConstructOfflineDraftData(data, formID, r.currentUser(ctx), def)
	app := ConstructApplicationData(formID, sub.ID, def)
	if err := r.insertPair(ctx, sub, app); err != nil {
		return nil, err
	}
	if err := r.SetActiveForm(ctx, formsync.ActiveForm{LocalDraftID: sub.ID}); err != nil {
		zap.S().Warnw("repository: set active form failed", "record_id", sub.ID, "err", err)
	}
	return sub, nil
}

// ImportServerDraft stores a draft received from the server as a linked local record.
func (r *Repository) ImportServerDraft(ctx context.Context, sub *formsync.OfflineSubmission) error {
	if sub == nil {
		return formsync.NewTransformInvalidError("", "server draft is empty")
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	var def *formsync.FormDefinition
	if sub.DraftData != nil && sub.DraftData.ApplicationName != "" {
		def = &formsync.FormDefinition{Title: sub.DraftData.ApplicationName}
	}
	return r.insertPair(ctx, sub, ConstructApplicationData(sub.FormID, sub.ID, def))
}

func (r *Repository) insertPair(ctx context.Context, sub *formsync.OfflineSubmission, app *formsync.Application) error {
	tables := []string{store.TableOfflineSubmissions, store.TableApplications}
	return r.store.WithTx(ctx, tables, func(tx *sql.Tx) error {
		if err := writeSubmission(ctx, tx, sub, false); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO applications (id, application_name, application_status, form_id, submission_id, created, modified)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			app.ID, app.ApplicationName, app.ApplicationStatus, app.FormID, app.SubmissionID,
			app.Created.UnixMilli(), app.Modified.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert application: %w", err)
		}
		return nil
	})
}

// SaveDraft rewrites an existing draft and touches its application row.
func (r *Repository) SaveDraft(ctx context.Context, sub *formsync.OfflineSubmission) error {
	return r.save(ctx, sub, "")
}

// SaveSubmission rewrites an existing record as finalized work.
func (r *Repository) SaveSubmission(ctx context.Context, sub *formsync.OfflineSubmission) error {
	return r.save(ctx, sub, "Submitted")
}

func (r *Repository) save(ctx context.Context, sub *formsync.OfflineSubmission, status string) error {
	if sub == nil || sub.ID == "" {
		return formsync.NewTransformInvalidError("", "record has no local id")
	}
	tables := []string{store.TableOfflineSubmissions, store.TableApplications}
	return r.store.WithTx(ctx, tables, func(tx *sql.Tx) error {
		if err := writeSubmission(ctx, tx, sub, true); err != nil {
			return err
		}
		query := `UPDATE applications SET modified = ? WHERE submission_id = ?`
		args := []any{sub.Modified.UnixMilli(), sub.ID}
		if status != "" {
			query = `UPDATE applications SET modified = ?, application_status = ? WHERE submission_id = ?`
			args = []any{sub.Modified.UnixMilli(), status, sub.ID}
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("touch application: %w", err)
		}
		return nil
	})
}

func writeSubmission(ctx context.Context, tx *sql.Tx, sub *formsync.OfflineSubmission, replace bool) error {
	data, err := store.JSONText(sub.Data)
	if err != nil {
		return fmt.Errorf("encode data: %w", err)
	}
	if !data.Valid {
		data = sql.NullString{String: "{}", Valid: true}
	}
	draftData, err := store.JSONText(sub.DraftData)
	if err != nil {
		return fmt.Errorf("encode draft data: %w", err)
	}
	submissionData, err := store.JSONText(sub.SubmissionData)
	if err != nil {
		return fmt.Errorf("encode submission data: %w", err)
	}

	verb := "INSERT"
	if replace {
		verb = "INSERT OR REPLACE"
	}
	_, err = tx.ExecContext(ctx, verb+` INTO offline_submissions (`+submissionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.FormID, data, string(sub.Type),
		store.NullString(sub.LocalDraftID), store.NullString(sub.ServerDraftID),
		store.NullString(sub.LocalSubmissionID), store.NullString(sub.ServerApplicationID),
		store.NullString(sub.ServerSubmissionID), draftData, submissionData,
		sub.Created.UnixMilli(), sub.Modified.UnixMilli())
	if err != nil {
		return fmt.Errorf("write submission %s: %w", sub.ID, err)
	}
	return nil
}

// SetServerSubmissionID records that the submission POST for id has been accepted.
func (r *Repository) SetServerSubmissionID(ctx context.Context, id, serverSubmissionID string) error {
	q, err := r.store.Handle(store.TableOfflineSubmissions)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`UPDATE offline_submissions SET server_submission_id = ?, modified = ? WHERE id = ?`,
		serverSubmissionID, r.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("set server submission id: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (*formsync.OfflineSubmission, error) {
	var (
		sub                             formsync.OfflineSubmission
		recordType                      string
		data, draftData, submissionData sql.NullString
		localDraft, serverDraft         sql.NullString
		localSub, serverApp, serverSub  sql.NullString
		created                         int64
		modified                        sql.NullInt64
	)
	if err := row.Scan(&sub.ID, &sub.FormID, &data, &recordType, &localDraft, &serverDraft,
		&localSub, &serverApp, &serverSub, &draftData, &submissionData, &created, &modified); err != nil {
		return nil, err
	}
	sub.Type = formsync.SubmissionType(recordType)
	sub.LocalDraftID = localDraft.String
	sub.ServerDraftID = serverDraft.String
	sub.LocalSubmissionID = localSub.String
	sub.ServerApplicationID = serverApp.String
	sub.ServerSubmissionID = serverSub.String
	sub.Created = time.UnixMilli(created).UTC()
	sub.Modified = sub.Created
	if modified.Valid {
		sub.Modified = time.UnixMilli(modified.Int64).UTC()
	}

	sub.Data = map[string]any{}
	if err := store.DecodeJSONText(data, &sub.Data); err != nil {
		return nil, fmt.Errorf("decode data of %s: %w", sub.ID, err)
	}
	if draftData.Valid {
		sub.DraftData = &formsync.DraftData{}
		if err := store.DecodeJSONText(draftData, sub.DraftData); err != nil {
			return nil, fmt.Errorf("decode draft data of %s: %w", sub.ID, err)
		}
	}
	if submissionData.Valid {
		sub.SubmissionData = &formsync.SubmissionMetadata{}
		if err := store.DecodeJSONText(submissionData, sub.SubmissionData); err != nil {
			return nil, fmt.Errorf("decode submission data of %s: %w", sub.ID, err)
		}
	}
	return &sub, nil
}

// FetchOfflineSubmissionByID returns the record or nil when it does not exist or cannot be read.
func (r *Repository) FetchOfflineSubmissionByID(ctx context.Context, id string) *formsync.OfflineSubmission {
	q, err := r.store.Handle(store.TableOfflineSubmissions)
	if err != nil {
		zap.S().Warnw("repository: fetch submission", "record_id", id, "err", err)
		return nil
	}
	row := q.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM offline_submissions WHERE id = ?`, id)
	sub, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		zap.S().Debugw("repository: submission not found", "record_id", id)
		return nil
	}
	if err != nil {
		zap.S().Warnw("repository: fetch submission", "record_id", id, "err", err)
		return nil
	}
	return sub
}

// FetchPending returns every record still held locally, oldest first. A record that
// cannot be decoded is logged and left out.
func (r *Repository) FetchPending(ctx context.Context) ([]*formsync.OfflineSubmission, error) {
	q, err := r.store.Handle(store.TableOfflineSubmissions)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, `SELECT `+submissionColumns+` FROM offline_submissions ORDER BY created, id`)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	pending := make([]*formsync.OfflineSubmission, 0)
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			zap.S().Warnw("repository: skipping unreadable record", "err", err)
			continue
		}
		pending = append(pending, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending: %w", err)
	}
	return pending, nil
}

// FetchOfflineSubmissionList returns the list view. Store failures yield an empty list.
func (r *Repository) FetchOfflineSubmissionList(ctx context.Context) *formsync.SubmissionList {
	list := &formsync.SubmissionList{Applications: []*formsync.Application{}}

	apps, err := r.fetchApplications(ctx)
	if err != nil {
		zap.S().Warnw("repository: fetch application list", "err", err)
		return list
	}
	list.Applications = apps

	q, err := r.store.Handle(store.TableOfflineSubmissions)
	if err != nil {
		zap.S().Warnw("repository: count submissions", "err", err)
		return list
	}
	rows, err := q.QueryContext(ctx, `SELECT record_type, COUNT(*) FROM offline_submissions GROUP BY record_type`)
	if err != nil {
		zap.S().Warnw("repository: count submissions", "err", err)
		return list
	}
	defer rows.Close()
	for rows.Next() {
		var (
			recordType string
			count      int
		)
		if err := rows.Scan(&recordType, &count); err != nil {
			zap.S().Warnw("repository: count submissions", "err", err)
			return list
		}
		switch formsync.SubmissionType(recordType) {
		case formsync.SubmissionTypeDraft:
			list.Metadata.Drafts += count
		case formsync.SubmissionTypeApplication:
			list.Metadata.Submissions += count
		}
		list.Metadata.Total += count
	}
	if len(list.Applications) == 0 {
		zap.S().Debugw("repository: no local work pending")
	}
	return list
}

func (r *Repository) fetchApplications(ctx context.Context) ([]*formsync.Application, error) {
	q, err := r.store.Handle(store.TableApplications)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, `SELECT id, application_name, application_status, form_id, submission_id, created, modified
		FROM applications ORDER BY created, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	apps := make([]*formsync.Application, 0)
	for rows.Next() {
		var (
			app                  formsync.Application
			name, status, formID sql.NullString
			created, modified    int64
		)
		if err := rows.Scan(&app.ID, &name, &status, &formID, &app.SubmissionID, &created, &modified); err != nil {
			return nil, err
		}
		app.ApplicationName = name.String
		app.ApplicationStatus = status.String
		app.FormID = formID.String
		app.Created = time.UnixMilli(created).UTC()
		app.Modified = time.UnixMilli(modified).UTC()
		apps = append(apps, &app)
	}
	return apps, rows.Err()
}

// DeletePair removes a record and its application row in one transaction.
// Deleting a pair that is already gone succeeds.
func (r *Repository) DeletePair(ctx context.Context, submissionID string) error {
	tables := []string{store.TableOfflineSubmissions, store.TableApplications}
	return r.store.WithTx(ctx, tables, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM applications WHERE submission_id = ?`, submissionID); err != nil {
			return fmt.Errorf("delete application: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM offline_submissions WHERE id = ?`, submissionID); err != nil {
			return fmt.Errorf("delete submission: %w", err)
		}
		return nil
	})
}
