package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lychee-technology/formsync"
	"github.com/lychee-technology/formsync/internal/store"
	"go.uber.org/zap"
)

const activeFormSlot = 1

// SaveFormDefinition caches def, replacing any previous copy with the same id.
func (r *Repository) SaveFormDefinition(ctx context.Context, def *formsync.FormDefinition) error {
	if def == nil || def.ID == "" {
		return formsync.NewTransformInvalidError("", "form definition has no id")
	}
	q, err := r.store.Handle(store.TableFormDefinitions)
	if err != nil {
		return err
	}
	body, err := store.JSONText(def)
	if err != nil {
		return fmt.Errorf("encode form definition: %w", err)
	}
	fetched := def.Fetched
	if fetched.IsZero() {
		fetched = r.now()
	}
	_, err = q.ExecContext(ctx,
		`INSERT OR REPLACE INTO form_definitions (id, title, definition, fetched) VALUES (?, ?, ?, ?)`,
		def.ID, def.Title, body, fetched.UnixMilli())
	if err != nil {
		return fmt.Errorf("save form definition %s: %w", def.ID, err)
	}
	return nil
}

// FetchOfflineFormByID returns the cached definition or nil.
func (r *Repository) FetchOfflineFormByID(ctx context.Context, formID string) *formsync.FormDefinition {
	q, err := r.store.Handle(store.TableFormDefinitions)
	if err != nil {
		zap.S().Warnw("repository: fetch form definition", "form_id", formID, "err", err)
		return nil
	}
	var body sql.NullString
	err = q.QueryRowContext(ctx, `SELECT definition FROM form_definitions WHERE id = ?`, formID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		zap.S().Debugw("repository: form definition not cached", "form_id", formID)
		return nil
	}
	if err != nil {
		zap.S().Warnw("repository: fetch form definition", "form_id", formID, "err", err)
		return nil
	}
	var def formsync.FormDefinition
	if err := store.DecodeJSONText(body, &def); err != nil {
		zap.S().Warnw("repository: decode form definition", "form_id", formID, "err", err)
		return nil
	}
	return &def
}

// ActiveForm returns the current pointer; an unset pointer is the zero value.
func (r *Repository) ActiveForm(ctx context.Context) (formsync.ActiveForm, error) {
	q, err := r.store.Handle(store.TableActiveForm)
	if err != nil {
		return formsync.ActiveForm{}, err
	}
	var local, server sql.NullString
	err = q.QueryRowContext(ctx,
		`SELECT local_draft_id, server_draft_id FROM active_form WHERE slot = ?`, activeFormSlot).Scan(&local, &server)
	if errors.Is(err, sql.ErrNoRows) {
		return formsync.ActiveForm{}, nil
	}
	if err != nil {
		return formsync.ActiveForm{}, fmt.Errorf("read active form: %w", err)
	}
	return formsync.ActiveForm{LocalDraftID: local.String, ServerDraftID: server.String}, nil
}

// SetActiveForm replaces the pointer.
func (r *Repository) SetActiveForm(ctx context.Context, af formsync.ActiveForm) error {
	q, err := r.store.Handle(store.TableActiveForm)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`INSERT OR REPLACE INTO active_form (slot, local_draft_id, server_draft_id) VALUES (?, ?, ?)`,
		activeFormSlot, store.NullString(af.LocalDraftID), store.NullString(af.ServerDraftID))
	if err != nil {
		return fmt.Errorf("set active form: %w", err)
	}
	return nil
}

// ClearActiveForm removes the pointer.
func (r *Repository) ClearActiveForm(ctx context.Context) error {
	q, err := r.store.Handle(store.TableActiveForm)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM active_form`); err != nil {
		return fmt.Errorf("clear active form: %w", err)
	}
	return nil
}

// ClearActiveFormFor clears the pointer only when it references sub.
func (r *Repository) ClearActiveFormFor(ctx context.Context, sub *formsync.OfflineSubmission) error {
	if sub == nil {
		return nil
	}
	q, err := r.store.Handle(store.TableActiveForm)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`DELETE FROM active_form WHERE local_draft_id = ? OR local_draft_id = ? OR server_draft_id = ?`,
		sub.ID, store.NullString(sub.LocalDraftID), store.NullString(sub.ServerDraftID))
	if err != nil {
		return fmt.Errorf("clear active form for %s: %w", sub.ID, err)
	}
	return nil
}
