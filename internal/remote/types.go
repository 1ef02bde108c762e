package remote

import "strconv"

// AllocationRequest asks for count identifiers per form type, keyed by the form type string.
type AllocationRequest map[string]int

// AllocatedForm is one identifier as issued by the allocation service.
type AllocatedForm struct {
	ID               string  `json:"id"`
	FormType         string  `json:"form_type"`
	UserGUID         string  `json:"user_guid,omitempty"`
	LeaseExpiry      *string `json:"lease_expiry"`
	PrintedTimestamp *string `json:"printed_timestamp"`
	SpoiledTimestamp *string `json:"spoiled_timestamp"`
}

// AllocationResponse is the body of POST /formIdAllocation.
type AllocationResponse struct {
	Forms []AllocatedForm `json:"forms"`
}

// SubmissionResponse is the body returned by the form submission endpoint.
type SubmissionResponse struct {
	Form string         `json:"form"`
	ID   string         `json:"_id"`
	Data map[string]any `json:"data"`
}

// DraftResponse is the body returned by the draft endpoints.
type DraftResponse struct {
	ID            string `json:"_id"`
	ApplicationID string `json:"applicationId,omitempty"`
}

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	msg := e.Method + " " + e.Path + ": unexpected status " + strconv.Itoa(e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Retryable reports whether the failure is transient (server side or throttling).
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429 || e.StatusCode == 408
}
