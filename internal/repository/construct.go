package repository

import (
	"time"

	"github.com/google/uuid"
	"github.com/lychee-technology/formsync"
)

const (
	accessReadAll   = "read_all"
	accessUpdateAll = "update_all"
)

// ConstructOfflineSubmissionData wraps finalized form data into a new local record owned by user.
func ConstructOfflineSubmissionData(data map[string]any, formID string, user formsync.UserContext) *formsync.OfflineSubmission {
	now := time.Now().UTC()
	id := uuid.NewString()
	return &formsync.OfflineSubmission{
		ID:                id,
		FormID:            formID,
		Data:              cloneData(data),
		Type:              formsync.SubmissionTypeApplication,
		LocalSubmissionID: id,
		SubmissionData:    defaultSubmissionMetadata(user),
		Created:           now,
		Modified:          now,
	}
}

// ConstructOfflineDraftData wraps in-progress form data into a new local draft.
func ConstructOfflineDraftData(data map[string]any, formID string, user formsync.UserContext, def *formsync.FormDefinition) *formsync.OfflineSubmission {
	now := time.Now().UTC()
	id := uuid.NewString()
	title := formID
	if def != nil && def.Title != "" {
		title = def.Title
	}
	return &formsync.OfflineSubmission{
		ID:           id,
		FormID:       formID,
		Data:         cloneData(data),
		Type:         formsync.SubmissionTypeDraft,
		LocalDraftID: id,
		DraftData: &formsync.DraftData{
			ApplicationName: title,
			FormTitle:       title,
			FormType:        stringField(data, "formType"),
			FormNumber:      stringField(data, "formNumber"),
			Status:          "draft",
		},
		SubmissionData: defaultSubmissionMetadata(user),
		Created:        now,
		Modified:       now,
	}
}

// ConstructApplicationData derives the list-view row for a local submission.
func ConstructApplicationData(formID, submissionID string, def *formsync.FormDefinition) *formsync.Application {
	now := time.Now().UTC()
	name := formID
	if def != nil && def.Title != "" {
		name = def.Title
	}
	return &formsync.Application{
		ID:                uuid.NewString(),
		ApplicationName:   name,
		ApplicationStatus: formsync.ApplicationStatusInProgress,
		FormID:            formID,
		SubmissionID:      submissionID,
		Created:           now,
		Modified:          now,
	}
}

// UpdateOfflineDraftData returns a copy of existing with new data and a fresh modified stamp.
func UpdateOfflineDraftData(existing *formsync.OfflineSubmission, data map[string]any) *formsync.OfflineSubmission {
	if existing == nil {
		return nil
	}
	updated := *existing
	updated.Data = cloneData(data)
	updated.Modified = time.Now().UTC()
	if existing.DraftData != nil {
		dd := *existing.DraftData
		if n := stringField(data, "formNumber"); n != "" {
			dd.FormNumber = n
		}
		updated.DraftData = &dd
	}
	return &updated
}

// UpdateOfflineSubmissionData finalizes existing, turning a draft into a submission.
// Server ids already attached to the draft are kept.
func UpdateOfflineSubmissionData(existing *formsync.OfflineSubmission, data map[string]any) *formsync.OfflineSubmission {
	updated := UpdateOfflineDraftData(existing, data)
	if updated == nil {
		return nil
	}
	updated.Type = formsync.SubmissionTypeApplication
	if updated.LocalSubmissionID == "" {
		updated.LocalSubmissionID = updated.ID
	}
	return updated
}

// LinkServerIDs attaches the server draft and application ids. The record stops being draft-only.
func LinkServerIDs(existing *formsync.OfflineSubmission, serverDraftID, serverApplicationID string) *formsync.OfflineSubmission {
	if existing == nil {
		return nil
	}
	updated := *existing
	updated.ServerDraftID = serverDraftID
	updated.ServerApplicationID = serverApplicationID
	updated.LocalDraftID = ""
	updated.Modified = time.Now().UTC()
	return &updated
}

func defaultSubmissionMetadata(user formsync.UserContext) *formsync.SubmissionMetadata {
	roles := append([]string{}, user.Roles...)
	return &formsync.SubmissionMetadata{
		Owner: user.GUID,
		Access: []formsync.AccessRule{
			{Type: accessReadAll, Roles: append([]string{}, roles...)},
			{Type: accessUpdateAll, Roles: append([]string{}, roles...)},
		},
		Roles:    roles,
		Metadata: map[string]any{},
	}
}

func cloneData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

func stringField(data map[string]any, key string) string {
	if s, ok := data[key].(string); ok {
		return s
	}
	return ""
}
