// Package auth implements the Auth Service (Component B, §4.2): Azure AD
// v2.0 code-for-token exchange, refresh-token grant, expiry/buffer checks,
// and the re-auth signal the dispatcher surfaces to its caller.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"worker_server/core/domain"
	"worker_server/core/port/out"
	"worker_server/pkg/apperr"
	"worker_server/pkg/logger"
)

// DefaultScopes matches the space-separated scope string §4.2/§6 specify.
const DefaultScopes = "User.Read Mail.Read Mail.Send offline_access"

const authorizeURLTemplate = "https://login.microsoftonline.com/%s/oauth2/v2.0/authorize"
const tokenURLTemplate = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"
const graphMeURL = "https://graph.microsoft.com/v1.0/me"

const stateTTL = 10 * time.Minute

// AuthURLResult is the return shape of start_auth_flow.
type AuthURLResult struct {
	AuthURL string
	State   string
}

// CompletedAuth is the return shape of complete_auth_flow.
type CompletedAuth struct {
	UserEmail    string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Service implements Component B against a single registered AppConfig.
type Service struct {
	config     domain.AppConfig
	httpClient *http.Client
	tokens     out.TokenStore
	states     out.OAuthStateStore

	// refreshMu de-duplicates concurrent refreshes for the same user (§9 open
	// question, resolved in DESIGN.md: stricter than the source).
	refreshMu sync.Map // email -> *sync.Mutex
}

func NewService(cfg domain.AppConfig, tokens out.TokenStore, states out.OAuthStateStore, httpClient *http.Client) *Service {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if cfg.TenantID == "" {
		cfg.TenantID = domain.DefaultTenantID
	}
	return &Service{config: cfg, tokens: tokens, states: states, httpClient: httpClient}
}

func (s *Service) lockFor(email string) *sync.Mutex {
	v, _ := s.refreshMu.LoadOrStore(email, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func randomState() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// StartAuthFlow builds the Azure AD authorize URL and records a one-shot CSRF
// state (§4.2 start_auth_flow).
func (s *Service) StartAuthFlow(forceNew bool) (*AuthURLResult, error) {
	state, err := randomState()
	if err != nil {
		return nil, apperr.InternalWithError(err)
	}
	s.states.Store(state, stateTTL)

	q := url.Values{}
	q.Set("client_id", s.config.ClientID)
	q.Set("redirect_uri", s.config.RedirectURI)
	q.Set("response_type", "code")
	q.Set("response_mode", "query")
	q.Set("scope", DefaultScopes)
	q.Set("state", state)
	if forceNew {
		q.Set("prompt", "select_account")
	}

	authURL := fmt.Sprintf(authorizeURLTemplate, s.config.TenantID) + "?" + q.Encode()
	return &AuthURLResult{AuthURL: authURL, State: state}, nil
}

type tokenEndpointResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	IDToken      string `json:"id_token"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

func (s *Service) postToken(ctx context.Context, form url.Values) (*tokenEndpointResponse, error) {
	tokenURL := fmt.Sprintf(tokenURLTemplate, s.config.TenantID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var parsed tokenEndpointResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("malformed token response: %w", err)
	}

	if parsed.Error != "" {
		if parsed.Error == "invalid_grant" {
			return nil, apperr.New(apperr.CodeAuthenticationRequired, "invalid_grant: "+parsed.ErrorDesc, http.StatusUnauthorized)
		}
		return nil, fmt.Errorf("%s: %s", parsed.Error, parsed.ErrorDesc)
	}
	return &parsed, nil
}

func (s *Service) fetchProfile(ctx context.Context, accessToken string) (*domain.GraphProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, graphMeURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return nil, apperr.GraphQueryError(graphMeURL, resp.StatusCode, string(body))
	}

	var profile domain.GraphProfile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// CompleteAuthFlow exchanges the authorization code for tokens, resolves the
// user's identity, and persists both (§4.2 complete_auth_flow).
func (s *Service) CompleteAuthFlow(ctx context.Context, code, state string) (*CompletedAuth, error) {
	if !s.states.ValidateAndConsume(state) {
		return nil, apperr.ValidationError("unknown or already-used oauth state")
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", s.config.ClientID)
	form.Set("client_secret", s.config.ClientSecret)
	form.Set("redirect_uri", s.config.RedirectURI)
	form.Set("code", code)

	tok, err := s.postToken(ctx, form)
	if err != nil {
		return nil, err
	}

	profile, err := s.fetchProfile(ctx, tok.AccessToken)
	if err != nil {
		return nil, err
	}
	email := profile.Email()
	if email == "" {
		return nil, apperr.ValidationError("UserIdentificationError: neither mail nor userPrincipalName present")
	}

	if _, err := s.tokens.SaveUser(ctx, email, profile); err != nil {
		return nil, err
	}
	info := &domain.TokenInfo{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Scope:        tok.Scope,
		TokenType:    tok.TokenType,
		ExpiresIn:    tok.ExpiresIn,
		IDToken:      tok.IDToken,
	}
	record, err := s.tokens.SaveToken(ctx, email, info)
	if err != nil {
		return nil, err
	}

	return &CompletedAuth{
		UserEmail:    email,
		AccessToken:  record.AccessToken,
		RefreshToken: record.RefreshToken,
		ExpiresAt:    record.AccessTokenExpiresAt,
	}, nil
}

// RefreshTokens posts grant_type=refresh_token and returns the new TokenInfo
// (§4.2 refresh_tokens). If Azure omits a new refresh token, the returned
// RefreshToken is empty; CheckAndRefreshIfNeeded then keeps the existing one.
func (s *Service) RefreshTokens(ctx context.Context, refreshToken string) (*domain.TokenInfo, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", s.config.ClientID)
	form.Set("client_secret", s.config.ClientSecret)
	form.Set("redirect_uri", s.config.RedirectURI)
	form.Set("refresh_token", refreshToken)

	tok, err := s.postToken(ctx, form)
	if err != nil {
		return nil, err
	}

	info := &domain.TokenInfo{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken, // may be empty; caller keeps old one
		Scope:        tok.Scope,
		TokenType:    tok.TokenType,
		ExpiresIn:    tok.ExpiresIn,
		IDToken:      tok.IDToken,
	}
	return info, nil
}

// IsTokenExpired reports whether now >= expiresAt - buffer (§4.2).
func IsTokenExpired(expiresAt time.Time, buffer time.Duration) bool {
	return !time.Now().UTC().Before(expiresAt.Add(-buffer))
}

// IsRefreshTokenExpired reports whether now >= createdAt + days (§4.2).
func IsRefreshTokenExpired(createdAt time.Time, days int) bool {
	return !time.Now().UTC().Before(createdAt.AddDate(0, 0, days))
}

// CheckAndRefreshIfNeeded implements §4.2's check_and_refresh_if_needed,
// de-duplicating concurrent refreshes per user via a per-email mutex held by
// the Auth Service, separate from the Token Store's own per-email write lock
// (DESIGN.md Open Question Decisions).
func (s *Service) CheckAndRefreshIfNeeded(ctx context.Context, email string, buffer time.Duration) (domain.RefreshOutcome, *domain.TokenRecord, error) {
	lock := s.lockFor(email)
	lock.Lock()
	defer lock.Unlock()

	record, err := s.tokens.GetToken(ctx, email)
	if err != nil {
		return domain.RefreshOutcomeErrNoToken, nil, err
	}
	if record == nil {
		return domain.RefreshOutcomeErrNoToken, nil, nil
	}
	if !record.IsExpired(buffer) {
		return domain.RefreshOutcomeValid, record, nil
	}
	if record.RefreshToken == "" {
		return domain.RefreshOutcomeErrNoRefreshToken, record, nil
	}
	if record.IsRefreshExpired() {
		return domain.RefreshOutcomeErrRefreshExpired, record, nil
	}

	info, err := s.RefreshTokens(ctx, record.RefreshToken)
	if err != nil {
		if ae := apperr.AsAppError(err); ae.Code == apperr.CodeAuthenticationRequired {
			return domain.RefreshOutcomeErrRefreshExpired, record, nil
		}
		logger.Warn("[auth] refresh failed for %s: %v", email, err)
		return domain.RefreshOutcomeErrRefreshFailed, record, apperr.TokenRefreshFailed(email, err)
	}
	if info.RefreshToken == "" {
		info.RefreshToken = record.RefreshToken
	}

	updated, err := s.tokens.UpdateToken(ctx, email, info)
	if err != nil {
		return domain.RefreshOutcomeErrRefreshFailed, record, err
	}
	return domain.RefreshOutcomeRefreshed, updated, nil
}
