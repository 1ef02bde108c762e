package transform

import (
	"strings"
	"time"

	"github.com/lychee-technology/formsync"
	"github.com/lychee-technology/formsync/internal/remote"
	"go.uber.org/zap"
)

const (
	stateSubmitted          = "submitted"
	stateDraft              = "draft"
	applicationStatusSubmit = "Submitted"
)

// SubmissionPayload is the body of POST/PUT /form/{formId}/submission.
type SubmissionPayload struct {
	Form          string                `json:"form"`
	Data          map[string]any        `json:"data"`
	Owner         string                `json:"owner,omitempty"`
	Access        []formsync.AccessRule `json:"access"`
	Roles         []string              `json:"roles"`
	Metadata      map[string]any        `json:"metadata"`
	State         string                `json:"state"`
	DraftID       string                `json:"draftId,omitempty"`
	ApplicationID string                `json:"applicationId,omitempty"`
}

// DraftPayload is the body of POST /draft and PUT /draft/{id}.
type DraftPayload struct {
	FormID          string         `json:"formId"`
	Data            map[string]any `json:"data"`
	ApplicationName string         `json:"applicationName"`
	FormType        string         `json:"formType,omitempty"`
	FormNumber      string         `json:"formNumber,omitempty"`
	Status          string         `json:"status"`
	Metadata        map[string]any `json:"metadata"`
}

// ApplicationCreatePayload is the body of POST /application/create.
type ApplicationCreatePayload struct {
	SubmissionID      string `json:"submissionId"`
	FormID            string `json:"formId"`
	ApplicationName   string `json:"applicationName"`
	ApplicationStatus string `json:"applicationStatus"`
	FormType          string `json:"formType,omitempty"`
	FormNumber        string `json:"formNumber,omitempty"`
	LocalID           string `json:"localId"`
}

// ApplicationUpdatePayload is the body of PUT /draft/{draftId}/submit.
type ApplicationUpdatePayload struct {
	ApplicationID     string         `json:"applicationId"`
	DraftID           string         `json:"draftId"`
	FormID            string         `json:"formId"`
	ApplicationStatus string         `json:"applicationStatus"`
	Data              map[string]any `json:"data"`
}

// TransformFinalSubmissionData maps a local record to the submission payload.
// It returns nil when the record is structurally unusable.
func TransformFinalSubmissionData(sub *formsync.OfflineSubmission) *SubmissionPayload {
	if sub == nil || strings.TrimSpace(sub.FormID) == "" || sub.Data == nil {
		return nil
	}

	meta := formsync.SubmissionMetadata{}
	if sub.SubmissionData != nil {
		meta = *sub.SubmissionData
	}

	metadata := make(map[string]any, len(meta.Metadata)+3)
	for k, v := range meta.Metadata {
		metadata[k] = v
	}
	metadata["offline"] = true
	metadata["localId"] = sub.ID
	if !sub.Created.IsZero() {
		metadata["offlineCreated"] = sub.Created.UTC().Format(time.RFC3339)
	}

	state := meta.State
	if state == "" {
		state = stateSubmitted
	}

	access := meta.Access
	if access == nil {
		access = []formsync.AccessRule{}
	}
	roles := meta.Roles
	if roles == nil {
		roles = []string{}
	}

	return &SubmissionPayload{
		Form:          sub.FormID,
		Data:          copyMap(sub.Data),
		Owner:         meta.Owner,
		Access:        access,
		Roles:         roles,
		Metadata:      metadata,
		State:         state,
		DraftID:       sub.ServerDraftID,
		ApplicationID: sub.ServerApplicationID,
	}
}

// TransformDraftData maps a local draft to the draft payload. nil when unusable.
func TransformDraftData(sub *formsync.OfflineSubmission) *DraftPayload {
	if sub == nil || strings.TrimSpace(sub.FormID) == "" {
		return nil
	}
	display := draftDisplay(sub)

	data := sub.Data
	if data == nil {
		data = map[string]any{}
	}

	return &DraftPayload{
		FormID:          sub.FormID,
		Data:            copyMap(data),
		ApplicationName: display.ApplicationName,
		FormType:        display.FormType,
		FormNumber:      display.FormNumber,
		Status:          stateDraft,
		Metadata: map[string]any{
			"offline": true,
			"localId": sub.ID,
		},
	}
}

// TransformApplicationCreate derives the application-tracking payload for a new submission.
func TransformApplicationCreate(sub *formsync.OfflineSubmission, submissionID string) ApplicationCreatePayload {
	if sub == nil {
		return ApplicationCreatePayload{SubmissionID: submissionID, ApplicationStatus: applicationStatusSubmit}
	}
	display := draftDisplay(sub)
	return ApplicationCreatePayload{
		SubmissionID:      submissionID,
		FormID:            sub.FormID,
		ApplicationName:   display.ApplicationName,
		ApplicationStatus: applicationStatusSubmit,
		FormType:          display.FormType,
		FormNumber:        display.FormNumber,
		LocalID:           sub.ID,
	}
}

// TransformApplicationUpdate derives the draft-submit payload for a linked record.
func TransformApplicationUpdate(sub *formsync.OfflineSubmission) ApplicationUpdatePayload {
	if sub == nil {
		return ApplicationUpdatePayload{ApplicationStatus: applicationStatusSubmit, Data: map[string]any{}}
	}
	data := sub.Data
	if data == nil {
		data = map[string]any{}
	}
	return ApplicationUpdatePayload{
		ApplicationID:     sub.ServerApplicationID,
		DraftID:           sub.ServerDraftID,
		FormID:            sub.FormID,
		ApplicationStatus: applicationStatusSubmit,
		Data:              copyMap(data),
	}
}

// draftDisplay merges denormalized draft fields with values found in the payload.
func draftDisplay(sub *formsync.OfflineSubmission) formsync.DraftData {
	display := formsync.DraftData{}
	if sub.DraftData != nil {
		display = *sub.DraftData
	}
	if display.FormNumber == "" {
		display.FormNumber = String(sub.Data, "formNumber", "")
	}
	if display.FormType == "" {
		display.FormType = String(sub.Data, "formType", "")
	}
	if display.ApplicationName == "" {
		display.ApplicationName = String(sub.Data, "applicationName", display.FormTitle)
	}
	if display.ApplicationName == "" {
		display.ApplicationName = sub.FormID
	}
	return display
}

// TransformServerDraft maps an inbound server draft into a linked local record.
// The returned record has no local id; the repository assigns one.
func TransformServerDraft(raw map[string]any) *formsync.OfflineSubmission {
	draftID := String(raw, "_id", "")
	applicationID := String(raw, "applicationId", "")
	formID := String(raw, "formId", String(raw, "form", ""))
	if draftID == "" || applicationID == "" || formID == "" {
		zap.S().Debugw("transform: server draft missing ids", "draft_id", draftID, "application_id", applicationID)
		return nil
	}

	now := time.Now().UTC()
	return &formsync.OfflineSubmission{
		FormID:              formID,
		Data:                copyMap(Map(raw, "data")),
		Type:                formsync.SubmissionTypeDraft,
		ServerDraftID:       draftID,
		ServerApplicationID: applicationID,
		DraftData: &formsync.DraftData{
			ApplicationName: String(raw, "applicationName", formID),
			FormType:        String(raw, "formType", ""),
			FormNumber:      String(raw, "formNumber", ""),
			Status:          String(raw, "status", stateDraft),
		},
		Created:  parseTime(String(raw, "created", ""), now),
		Modified: parseTime(String(raw, "modified", ""), now),
	}
}

// TransformFormIdentifiers maps an allocation response into unleased pool entries.
// Entries without an id or with an unknown form type are dropped.
func TransformFormIdentifiers(resp *remote.AllocationResponse, now time.Time) []formsync.FormIdentifier {
	if resp == nil {
		return []formsync.FormIdentifier{}
	}
	out := make([]formsync.FormIdentifier, 0, len(resp.Forms))
	for _, f := range resp.Forms {
		formType := formsync.FormType(f.FormType)
		if f.ID == "" || !formType.Valid() {
			zap.S().Warnw("transform: dropping allocated form", "id", f.ID, "form_type", f.FormType)
			continue
		}
		out = append(out, formsync.FormIdentifier{
			ID:               f.ID,
			FormType:         formType,
			Leased:           false,
			UserGUID:         f.UserGUID,
			LeaseExpiry:      parseTimePtr(f.LeaseExpiry),
			PrintedTimestamp: parseTimePtr(f.PrintedTimestamp),
			SpoiledTimestamp: parseTimePtr(f.SpoiledTimestamp),
			LastUpdated:      now,
		})
	}
	return out
}

func parseTimePtr(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func parseTime(s string, def time.Time) time.Time {
	if t := parseTimePtr(&s); t != nil {
		return *t
	}
	return def
}
