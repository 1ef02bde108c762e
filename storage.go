package formsync

import (
	"context"
)

// Engine is the surface the UI layer drives.
type Engine interface {
	// Synchronization
	ProcessOfflineSubmissions(ctx context.Context) error

	// Form identifier pool
	FetchAndSaveFormIDs(ctx context.Context) ([]FormIdentifier, error)
	GetAvailableFormIDs(ctx context.Context, formType FormType) ([]string, error)
	GetNextAvailableFormID(ctx context.Context, formType FormType) (string, bool, error)
	MarkFormAsLeased(ctx context.Context, id string, formType FormType) error
	GetFormAvailability(ctx context.Context) ([]FormAvailability, error)

	// Offline work
	InsertSubmissionData(ctx context.Context, data map[string]any, formID string) error
	FetchOfflineSubmissionList(ctx context.Context) (*SubmissionList, error)

	Close() error
}

// Authenticator is the authentication collaborator. The engine never implements the protocol itself.
type Authenticator interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) error
	CurrentUser(ctx context.Context) (UserContext, error)
}

// StaticAuthenticator serves a fixed token and user. Useful for tooling and tests.
type StaticAuthenticator struct {
	AccessToken string
	User        UserContext
	RefreshErr  error
}

func (a *StaticAuthenticator) Token(ctx context.Context) (string, error) {
	return a.AccessToken, nil
}

func (a *StaticAuthenticator) Refresh(ctx context.Context) error {
	return a.RefreshErr
}

func (a *StaticAuthenticator) CurrentUser(ctx context.Context) (UserContext, error) {
	return a.User, nil
}
