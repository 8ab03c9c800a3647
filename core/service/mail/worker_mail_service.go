// Package mail composes the Auth Service, Session Manager, and Graph Query
// Engine into the tool-facing operations the dispatcher (§4.6) binds to:
// every query_* and auth_* entry point resolves a session (refreshing its
// token if needed) before delegating to the Session-owned GraphClient.
package mail

import (
	"context"

	"worker_server/core/domain"
	"worker_server/core/service/auth"
	"worker_server/core/service/session"

	"worker_server/core/port/out"
	"worker_server/pkg/apperr"
	"worker_server/pkg/logger"
)

// Service is the tool dispatcher's mcp_service target for every operation
// that needs a live, authenticated Graph session.
type Service struct {
	Auth     *auth.Service
	Sessions *session.Manager
	Tokens   out.TokenStore
}

// New builds a Service wired to the given components.
func New(authSvc *auth.Service, sessions *session.Manager, tokens out.TokenStore) *Service {
	return &Service{Auth: authSvc, Sessions: sessions, Tokens: tokens}
}

// resolveSession implements §4.2/§4.3's handshake: check_and_refresh_if_needed
// then get_or_create_session, invalidating the session and surfacing
// AuthenticationRequired on any outcome that means re-auth is needed.
func (s *Service) resolveSession(ctx context.Context, email string) (*session.Session, error) {
	outcome, record, err := s.Auth.CheckAndRefreshIfNeeded(ctx, email, domain.DefaultExpiryBuffer)
	if err != nil {
		return nil, err
	}

	switch outcome {
	case domain.RefreshOutcomeValid:
		return s.Sessions.GetOrCreateSession(ctx, email, record.AccessToken)
	case domain.RefreshOutcomeRefreshed:
		sess, err := s.Sessions.GetOrCreateSession(ctx, email, record.AccessToken)
		if err != nil {
			return nil, err
		}
		s.Sessions.RefreshToken(email, record.AccessToken)
		return sess, nil
	case domain.RefreshOutcomeErrRefreshFailed:
		return nil, err
	default:
		logger.Warn("[mail] session for %s requires re-auth: %s", email, outcome)
		s.Sessions.InvalidateSession(email)
		return nil, apperr.AuthenticationRequired(email)
	}
}

// --- Auth-facing operations ---

// StartAuthFlow delegates to the Auth Service (§4.2).
func (s *Service) StartAuthFlow(forceNew bool) (*auth.AuthURLResult, error) {
	return s.Auth.StartAuthFlow(forceNew)
}

// CompleteAuthFlow delegates to the Auth Service and warms a session so the
// very next tool call doesn't pay the GraphClient construction cost.
func (s *Service) CompleteAuthFlow(ctx context.Context, code, state string) (*auth.CompletedAuth, error) {
	result, err := s.Auth.CompleteAuthFlow(ctx, code, state)
	if err != nil {
		return nil, err
	}
	if _, err := s.Sessions.GetOrCreateSession(ctx, result.UserEmail, result.AccessToken); err != nil {
		logger.Warn("[mail] failed to warm session for %s: %v", result.UserEmail, err)
	}
	return result, nil
}

// Logout deletes the persisted token and invalidates any live session.
func (s *Service) Logout(ctx context.Context, email string) error {
	s.Sessions.InvalidateSession(email)
	return s.Tokens.DeleteToken(ctx, email)
}

// ListUsers delegates to the Token Store (§4.1 list_users).
func (s *Service) ListUsers(ctx context.Context) ([]domain.UserWithTokenStatus, error) {
	return s.Tokens.ListUsers(ctx)
}

// --- Query Engine operations (§4.4.2) ---

// QueryFilterRequest is the tool-facing argument bag the dispatcher's Factor
// merger assembles for query_filter.
type QueryFilterRequest struct {
	UserEmail    string
	Filter       *domain.FilterParams
	Exclude      *domain.ExcludeParams
	Select       *domain.SelectParams
	ClientFilter *domain.ExcludeParams
	Top          int
	OrderBy      string
}

func (s *Service) QueryFilter(ctx context.Context, req QueryFilterRequest) (*domain.QueryResult, error) {
	sess, err := s.resolveSession(ctx, req.UserEmail)
	if err != nil {
		return nil, err
	}
	return sess.Client().QueryFilter(ctx, out.FilterQueryRequest{
		UserEmail:    req.UserEmail,
		Filter:       req.Filter,
		Exclude:      req.Exclude,
		Select:       req.Select,
		ClientFilter: req.ClientFilter,
		Top:          req.Top,
		OrderBy:      req.OrderBy,
	})
}

type QuerySearchRequest struct {
	UserEmail    string
	Search       string
	ClientFilter *domain.ExcludeParams
	Select       *domain.SelectParams
	Top          int
	OrderBy      string
}

func (s *Service) QuerySearch(ctx context.Context, req QuerySearchRequest) (*domain.QueryResult, error) {
	sess, err := s.resolveSession(ctx, req.UserEmail)
	if err != nil {
		return nil, err
	}
	return sess.Client().QuerySearch(ctx, out.SearchQueryRequest{
		UserEmail:    req.UserEmail,
		Search:       req.Search,
		ClientFilter: req.ClientFilter,
		Select:       req.Select,
		Top:          req.Top,
		OrderBy:      req.OrderBy,
	})
}

type QueryURLRequest struct {
	UserEmail    string
	URL          string
	Top          int
	ClientFilter *domain.ExcludeParams
}

func (s *Service) QueryURL(ctx context.Context, req QueryURLRequest) (*domain.QueryResult, error) {
	sess, err := s.resolveSession(ctx, req.UserEmail)
	if err != nil {
		return nil, err
	}
	return sess.Client().QueryURL(ctx, out.URLQueryRequest{
		UserEmail:    req.UserEmail,
		URL:          req.URL,
		Top:          req.Top,
		ClientFilter: req.ClientFilter,
	})
}

func (s *Service) BatchFetchByIDs(ctx context.Context, userEmail string, ids []string, sel *domain.SelectParams) (*domain.QueryResult, error) {
	sess, err := s.resolveSession(ctx, userEmail)
	if err != nil {
		return nil, err
	}
	return sess.Client().BatchFetchByIDs(ctx, userEmail, ids, sel)
}

// Client resolves a session and returns its GraphClient, for callers (the
// attachment pipeline) that need the lower-level port directly.
func (s *Service) Client(ctx context.Context, userEmail string) (out.GraphClient, error) {
	sess, err := s.resolveSession(ctx, userEmail)
	if err != nil {
		return nil, err
	}
	return sess.Client(), nil
}
