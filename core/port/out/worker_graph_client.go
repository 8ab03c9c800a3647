// Package out declares the outbound ports a Session's service methods
// invoke: the Graph query engine, the token store, the OAuth state store,
// storage backends, and format converters.
package out

import (
	"context"
	"time"

	"worker_server/core/domain"
)

// FilterQueryRequest is the argument bag for GraphClient.QueryFilter (§4.4.2).
type FilterQueryRequest struct {
	UserEmail    string
	Filter       *domain.FilterParams
	Exclude      *domain.ExcludeParams
	Select       *domain.SelectParams
	ClientFilter *domain.ExcludeParams
	Top          int
	OrderBy      string
}

// SearchQueryRequest is the argument bag for GraphClient.QuerySearch.
type SearchQueryRequest struct {
	UserEmail    string
	Search       string
	ClientFilter *domain.ExcludeParams
	Select       *domain.SelectParams
	Top          int
	OrderBy      string
}

// URLQueryRequest is the argument bag for GraphClient.QueryURL.
type URLQueryRequest struct {
	UserEmail    string
	URL          string
	Top          int
	ClientFilter *domain.ExcludeParams
}

// AttachmentFetchRequest drives the batch attachment handler (§4.5.1).
type AttachmentFetchRequest struct {
	UserEmail    string
	MessageIDs   []string
	ExtraSelect  []string // additional $select fields beyond the defaults
}

// GraphClient is the Session-owned port onto Microsoft Graph's mail surface:
// the URL builder, query methods, paginator, and batch dispatcher of §4.4,
// plus the attachment-expand fetch of §4.5.1.
type GraphClient interface {
	QueryFilter(ctx context.Context, req FilterQueryRequest) (*domain.QueryResult, error)
	QuerySearch(ctx context.Context, req SearchQueryRequest) (*domain.QueryResult, error)
	QueryURL(ctx context.Context, req URLQueryRequest) (*domain.QueryResult, error)
	BatchFetchByIDs(ctx context.Context, userEmail string, ids []string, sel *domain.SelectParams) (*domain.QueryResult, error)
	FetchWithAttachments(ctx context.Context, req AttachmentFetchRequest) ([]domain.MailMessage, []domain.BatchError, error)

	// Close releases any pooled HTTP connections owned by this client (§4.3).
	Close()
}

// GraphClientFactory builds a GraphClient bound to one user's access token;
// the Session Manager calls it exactly once per Session (§4.3).
type GraphClientFactory func(ctx context.Context, userEmail string, token string) (GraphClient, error)

// TokenStore is the outbound port for the Token Store (Component A, §4.1).
type TokenStore interface {
	SaveUser(ctx context.Context, email string, profile *domain.GraphProfile) (*domain.UserRecord, error)
	SaveToken(ctx context.Context, email string, info *domain.TokenInfo) (*domain.TokenRecord, error)
	GetToken(ctx context.Context, email string) (*domain.TokenRecord, error)
	UpdateToken(ctx context.Context, email string, info *domain.TokenInfo) (*domain.TokenRecord, error)
	DeleteToken(ctx context.Context, email string) error
	ListUsers(ctx context.Context) ([]domain.UserWithTokenStatus, error)
	CleanupExpiredTokens(ctx context.Context) (int, error)
	Close() error
}

// OAuthStateStore tracks CSRF state tokens issued by start_auth_flow so
// complete_auth_flow can validate-and-consume them exactly once (§4.2
// addendum in SPEC_FULL.md §4).
type OAuthStateStore interface {
	Store(state string, ttl time.Duration)
	ValidateAndConsume(state string) bool
}
