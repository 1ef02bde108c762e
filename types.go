package formsync

import (
	"time"
)

// FormType identifies which paper form a pre-numbered identifier belongs to.
type FormType string

const (
	FormType12Hour FormType = "12Hour"
	FormType24Hour FormType = "24Hour"
	FormTypeVI     FormType = "VI"
)

// AllFormTypes returns every known form type in display order.
func AllFormTypes() []FormType {
	return []FormType{FormType12Hour, FormType24Hour, FormTypeVI}
}

// Valid reports whether t is one of the known form types.
func (t FormType) Valid() bool {
	switch t {
	case FormType12Hour, FormType24Hour, FormTypeVI:
		return true
	}
	return false
}

// SubmissionType distinguishes saved-but-not-final work from finalized work.
type SubmissionType string

const (
	SubmissionTypeDraft       SubmissionType = "draft"
	SubmissionTypeApplication SubmissionType = "application"
)

// ApplicationStatusInProgress is the status every freshly created offline application starts with.
const ApplicationStatusInProgress = "In Progress"

// ReferenceCategory names a read-mostly lookup table.
type ReferenceCategory string

const (
	ReferenceVehicles      ReferenceCategory = "vehicles"
	ReferenceJurisdictions ReferenceCategory = "jurisdictions"
	ReferenceAgencies      ReferenceCategory = "agencies"
	ReferenceColours       ReferenceCategory = "colours"
	ReferenceImpoundLots   ReferenceCategory = "impound_lots"
	ReferenceProvinces     ReferenceCategory = "provinces"
)

// AllReferenceCategories returns the categories that have a local table.
func AllReferenceCategories() []ReferenceCategory {
	return []ReferenceCategory{
		ReferenceVehicles,
		ReferenceJurisdictions,
		ReferenceAgencies,
		ReferenceColours,
		ReferenceImpoundLots,
		ReferenceProvinces,
	}
}

// ReferenceRecord is one row of reference data. Rows are replaced wholesale on every fetch.
type ReferenceRecord struct {
	Category ReferenceCategory `json:"category"`
	Key      string            `json:"key"`
	Fields   map[string]any    `json:"fields"`
}

// FormIdentifier is a server-issued, pre-numbered form id held in the local pool.
type FormIdentifier struct {
	ID               string     `json:"id"`
	FormType         FormType   `json:"formType"`
	Leased           bool       `json:"leased"`
	UserGUID         string     `json:"userGuid,omitempty"`
	LeaseExpiry      *time.Time `json:"leaseExpiry,omitempty"`
	PrintedTimestamp *time.Time `json:"printedTimestamp,omitempty"`
	SpoiledTimestamp *time.Time `json:"spoiledTimestamp,omitempty"`
	LastUpdated      time.Time  `json:"lastUpdated"`
}

// Available reports whether the identifier can still be handed out at time now.
func (f *FormIdentifier) Available(now time.Time) bool {
	if f.Leased || f.SpoiledTimestamp != nil {
		return false
	}
	if f.LeaseExpiry != nil && !f.LeaseExpiry.After(now) {
		return false
	}
	return true
}

// FormAvailability is the count of available identifiers for one form type.
type FormAvailability struct {
	FormType FormType `json:"formType"`
	Count    int      `json:"count"`
}

// AccessRule grants a set of roles a permission on a form or submission.
type AccessRule struct {
	Type  string   `json:"type"`
	Roles []string `json:"roles"`
}

// DraftData carries denormalized fields used to list drafts without decoding the payload.
type DraftData struct {
	ApplicationName string `json:"applicationName,omitempty"`
	FormTitle       string `json:"formTitle,omitempty"`
	FormType        string `json:"formType,omitempty"`
	FormNumber      string `json:"formNumber,omitempty"`
	Status          string `json:"status,omitempty"`
}

// SubmissionMetadata carries the ownership and access envelope of a submission.
type SubmissionMetadata struct {
	Owner    string         `json:"owner,omitempty"`
	Access   []AccessRule   `json:"access,omitempty"`
	Roles    []string       `json:"roles,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	State    string         `json:"state,omitempty"`
}

// OfflineSubmission is a unit of locally created work awaiting synchronization.
type OfflineSubmission struct {
	ID                  string              `json:"id"`
	FormID              string              `json:"formId"`
	Data                map[string]any      `json:"data"`
	Type                SubmissionType      `json:"type"`
	LocalDraftID        string              `json:"localDraftId,omitempty"`
	ServerDraftID       string              `json:"serverDraftId,omitempty"`
	LocalSubmissionID   string              `json:"localSubmissionId,omitempty"`
	ServerApplicationID string              `json:"serverApplicationId,omitempty"`
	ServerSubmissionID  string              `json:"serverSubmissionId,omitempty"`
	DraftData           *DraftData          `json:"draftData,omitempty"`
	SubmissionData      *SubmissionMetadata `json:"submissionData,omitempty"`
	Created             time.Time           `json:"created"`
	Modified            time.Time           `json:"modified"`
}

// Unsynced reports whether the server has never seen this record.
func (s *OfflineSubmission) Unsynced() bool {
	return s.ServerDraftID == "" && s.ServerApplicationID == ""
}

// Linked reports whether the record carries both server-assigned ids.
func (s *OfflineSubmission) Linked() bool {
	return s.ServerDraftID != "" && s.ServerApplicationID != ""
}

// Anomalous reports whether exactly one of the two server ids is present.
func (s *OfflineSubmission) Anomalous() bool {
	return !s.Unsynced() && !s.Linked()
}

// Application is the list-view summary of a local submission.
type Application struct {
	ID                string    `json:"id"`
	ApplicationName   string    `json:"applicationName"`
	ApplicationStatus string    `json:"applicationStatus"`
	FormID            string    `json:"formId"`
	SubmissionID      string    `json:"submissionId"`
	Created           time.Time `json:"created"`
	Modified          time.Time `json:"modified"`
}

// FormDefinition is a cached copy of a server form schema.
type FormDefinition struct {
	ID               string           `json:"_id"`
	Title            string           `json:"title"`
	Name             string           `json:"name,omitempty"`
	Path             string           `json:"path,omitempty"`
	Components       []map[string]any `json:"components"`
	Access           []AccessRule     `json:"access,omitempty"`
	SubmissionAccess []AccessRule     `json:"submissionAccess,omitempty"`
	Fetched          time.Time        `json:"fetched"`
}

// ActiveForm points at the form currently being edited.
type ActiveForm struct {
	LocalDraftID  string `json:"localDraftId,omitempty"`
	ServerDraftID string `json:"serverDraftId,omitempty"`
}

// Empty reports whether the pointer references nothing.
func (a ActiveForm) Empty() bool {
	return a.LocalDraftID == "" && a.ServerDraftID == ""
}

// UserContext describes the authenticated officer.
type UserContext struct {
	GUID  string   `json:"guid"`
	Email string   `json:"email,omitempty"`
	Name  string   `json:"name,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// SubmissionListMetadata summarizes the local work queue.
type SubmissionListMetadata struct {
	Total       int `json:"total"`
	Drafts      int `json:"drafts"`
	Submissions int `json:"submissions"`
}

// SubmissionList is the list view returned to the UI.
type SubmissionList struct {
	Applications []*Application        `json:"applications"`
	Metadata     SubmissionListMetadata `json:"metadata"`
}
