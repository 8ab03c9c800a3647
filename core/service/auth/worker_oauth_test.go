package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"worker_server/core/domain"
)

// redirectTransport rewrites every outbound request to target, regardless of
// the request's original host — the Azure AD token/authorize URLs are
// hardcoded constants, so this is the only way to exercise the real HTTP
// path against a local httptest.Server.
type redirectTransport struct {
	scheme, host string
}

func (rt redirectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = rt.scheme
	req.URL.Host = rt.host
	return http.DefaultTransport.RoundTrip(req)
}

func clientFor(srv *httptest.Server) *http.Client {
	u, _ := url.Parse(srv.URL)
	return &http.Client{Transport: redirectTransport{scheme: u.Scheme, host: u.Host}}
}

type fakeTokenStore struct {
	users  map[string]*domain.UserRecord
	tokens map[string]*domain.TokenRecord
}

func newFakeTokenStore() *fakeTokenStore {
	return &fakeTokenStore{users: map[string]*domain.UserRecord{}, tokens: map[string]*domain.TokenRecord{}}
}

func (f *fakeTokenStore) SaveUser(ctx context.Context, email string, profile *domain.GraphProfile) (*domain.UserRecord, error) {
	rec := &domain.UserRecord{Email: email, DisplayName: profile.DisplayName}
	f.users[email] = rec
	return rec, nil
}

func (f *fakeTokenStore) SaveToken(ctx context.Context, email string, info *domain.TokenInfo) (*domain.TokenRecord, error) {
	rec := &domain.TokenRecord{
		Email:                email,
		AccessToken:          info.AccessToken,
		RefreshToken:         info.RefreshToken,
		Scope:                info.Scope,
		AccessTokenExpiresAt: time.Now().UTC().Add(time.Duration(info.ExpiresIn) * time.Second),
		RefreshTokenExpresAt: time.Now().UTC().Add(domain.DefaultRefreshTokenLifetime),
	}
	f.tokens[email] = rec
	return rec, nil
}

func (f *fakeTokenStore) GetToken(ctx context.Context, email string) (*domain.TokenRecord, error) {
	return f.tokens[email], nil
}

func (f *fakeTokenStore) UpdateToken(ctx context.Context, email string, info *domain.TokenInfo) (*domain.TokenRecord, error) {
	rec, ok := f.tokens[email]
	if !ok {
		return f.SaveToken(ctx, email, info)
	}
	rec.AccessToken = info.AccessToken
	if info.RefreshToken != "" {
		rec.RefreshToken = info.RefreshToken
	}
	rec.AccessTokenExpiresAt = time.Now().UTC().Add(time.Duration(info.ExpiresIn) * time.Second)
	return rec, nil
}

func (f *fakeTokenStore) DeleteToken(ctx context.Context, email string) error {
	delete(f.tokens, email)
	return nil
}

func (f *fakeTokenStore) ListUsers(ctx context.Context) ([]domain.UserWithTokenStatus, error) {
	var out []domain.UserWithTokenStatus
	for email, rec := range f.tokens {
		out = append(out, domain.UserWithTokenStatus{User: f.users[email], HasValidToken: !rec.IsExpired(0)})
	}
	return out, nil
}

func (f *fakeTokenStore) CleanupExpiredTokens(ctx context.Context) (int, error) { return 0, nil }
func (f *fakeTokenStore) Close() error                                         { return nil }

type fakeStateStore struct {
	stored map[string]bool
}

func (f *fakeStateStore) Store(state string, ttl time.Duration) {
	if f.stored == nil {
		f.stored = map[string]bool{}
	}
	f.stored[state] = true
}

func (f *fakeStateStore) ValidateAndConsume(state string) bool {
	if !f.stored[state] {
		return false
	}
	delete(f.stored, state)
	return true
}

func TestStartAuthFlowBuildsAuthorizeURLAndStoresState(t *testing.T) {
	states := &fakeStateStore{}
	svc := NewService(domain.AppConfig{ClientID: "cid", RedirectURI: "http://localhost/cb", TenantID: "common"}, newFakeTokenStore(), states, nil)

	result, err := svc.StartAuthFlow(false)
	if err != nil {
		t.Fatalf("StartAuthFlow failed: %v", err)
	}
	if result.State == "" {
		t.Error("expected a non-empty state")
	}
	if !states.stored[result.State] {
		t.Error("expected the state to be recorded in the state store")
	}
	if !strings.Contains(result.AuthURL, "client_id=cid") || !strings.Contains(result.AuthURL, "state="+result.State) {
		t.Errorf("expected authorize URL to carry client_id and state, got %s", result.AuthURL)
	}
}

func TestStartAuthFlowForceNewAddsSelectAccountPrompt(t *testing.T) {
	svc := NewService(domain.AppConfig{ClientID: "cid", RedirectURI: "http://localhost/cb"}, newFakeTokenStore(), &fakeStateStore{}, nil)
	result, err := svc.StartAuthFlow(true)
	if err != nil {
		t.Fatalf("StartAuthFlow failed: %v", err)
	}
	if !strings.Contains(result.AuthURL, "prompt=select_account") {
		t.Errorf("expected forceNew to add prompt=select_account, got %s", result.AuthURL)
	}
}

func TestIsTokenExpiredRespectsBuffer(t *testing.T) {
	future := time.Now().UTC().Add(4 * time.Minute)
	if !IsTokenExpired(future, 5*time.Minute) {
		t.Error("expected a token expiring in 4 minutes to count as expired under a 5-minute buffer")
	}
	if IsTokenExpired(future, 1*time.Minute) {
		t.Error("expected a token expiring in 4 minutes to be valid under a 1-minute buffer")
	}
}

func TestIsRefreshTokenExpiredUsesDayWindow(t *testing.T) {
	createdAt := time.Now().UTC().AddDate(0, 0, -91)
	if !IsRefreshTokenExpired(createdAt, 90) {
		t.Error("expected a 91-day-old refresh token to be expired under a 90-day window")
	}
	if IsRefreshTokenExpired(time.Now().UTC(), 90) {
		t.Error("expected a freshly-created refresh token to be valid")
	}
}

func TestCheckAndRefreshIfNeededReturnsValidWithoutCallingAzure(t *testing.T) {
	tokens := newFakeTokenStore()
	tokens.tokens["user@example.com"] = &domain.TokenRecord{
		Email:                "user@example.com",
		AccessToken:          "still-good",
		RefreshToken:         "refresh",
		AccessTokenExpiresAt: time.Now().UTC().Add(time.Hour),
		RefreshTokenExpresAt: time.Now().UTC().Add(domain.DefaultRefreshTokenLifetime),
	}
	svc := NewService(domain.AppConfig{ClientID: "cid", ClientSecret: "secret"}, tokens, &fakeStateStore{}, nil)

	outcome, record, err := svc.CheckAndRefreshIfNeeded(context.Background(), "user@example.com", domain.DefaultExpiryBuffer)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != domain.RefreshOutcomeValid {
		t.Errorf("expected RefreshOutcomeValid, got %v", outcome)
	}
	if record.AccessToken != "still-good" {
		t.Errorf("expected the existing token to be returned unchanged, got %q", record.AccessToken)
	}
}

func TestCheckAndRefreshIfNeededNoTokenRecord(t *testing.T) {
	svc := NewService(domain.AppConfig{}, newFakeTokenStore(), &fakeStateStore{}, nil)
	outcome, record, err := svc.CheckAndRefreshIfNeeded(context.Background(), "nobody@example.com", domain.DefaultExpiryBuffer)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != domain.RefreshOutcomeErrNoToken {
		t.Errorf("expected RefreshOutcomeErrNoToken, got %v", outcome)
	}
	if record != nil {
		t.Errorf("expected a nil record, got %v", record)
	}
}

func TestCheckAndRefreshIfNeededExpiredRefreshToken(t *testing.T) {
	tokens := newFakeTokenStore()
	tokens.tokens["user@example.com"] = &domain.TokenRecord{
		Email:                "user@example.com",
		AccessToken:          "expired",
		RefreshToken:         "refresh",
		AccessTokenExpiresAt: time.Now().UTC().Add(-time.Hour),
		RefreshTokenExpresAt: time.Now().UTC().Add(-time.Minute),
	}
	svc := NewService(domain.AppConfig{}, tokens, &fakeStateStore{}, nil)

	outcome, _, err := svc.CheckAndRefreshIfNeeded(context.Background(), "user@example.com", domain.DefaultExpiryBuffer)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != domain.RefreshOutcomeErrRefreshExpired {
		t.Errorf("expected RefreshOutcomeErrRefreshExpired, got %v", outcome)
	}
}

func TestCheckAndRefreshIfNeededRefreshesAgainstAzure(t *testing.T) {
	azure := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("failed to parse token request form: %v", err)
		}
		if r.FormValue("grant_type") != "refresh_token" {
			t.Errorf("expected refresh_token grant, got %q", r.FormValue("grant_type"))
		}
		if r.FormValue("refresh_token") != "old-refresh" {
			t.Errorf("expected the stored refresh token to be sent, got %q", r.FormValue("refresh_token"))
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "new-access",
			"expires_in":   3600,
			"token_type":   "Bearer",
		})
	}))
	defer azure.Close()

	tokens := newFakeTokenStore()
	tokens.tokens["user@example.com"] = &domain.TokenRecord{
		Email:                "user@example.com",
		AccessToken:          "old-access",
		RefreshToken:         "old-refresh",
		AccessTokenExpiresAt: time.Now().UTC().Add(-time.Minute),
		RefreshTokenExpresAt: time.Now().UTC().Add(domain.DefaultRefreshTokenLifetime),
	}
	svc := NewService(domain.AppConfig{ClientID: "cid", ClientSecret: "secret"}, tokens, &fakeStateStore{}, clientFor(azure))

	outcome, record, err := svc.CheckAndRefreshIfNeeded(context.Background(), "user@example.com", domain.DefaultExpiryBuffer)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != domain.RefreshOutcomeRefreshed {
		t.Errorf("expected RefreshOutcomeRefreshed, got %v", outcome)
	}
	if record.AccessToken != "new-access" {
		t.Errorf("expected the refreshed access token, got %q", record.AccessToken)
	}
	if record.RefreshToken != "old-refresh" {
		t.Errorf("expected the old refresh token to be preserved when Azure omits a new one, got %q", record.RefreshToken)
	}
}

func TestCheckAndRefreshIfNeededInvalidGrantSurfacesAsRefreshExpired(t *testing.T) {
	azure := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error":             "invalid_grant",
			"error_description": "token expired",
		})
	}))
	defer azure.Close()

	tokens := newFakeTokenStore()
	tokens.tokens["user@example.com"] = &domain.TokenRecord{
		Email:                "user@example.com",
		AccessToken:          "old-access",
		RefreshToken:         "old-refresh",
		AccessTokenExpiresAt: time.Now().UTC().Add(-time.Minute),
		RefreshTokenExpresAt: time.Now().UTC().Add(domain.DefaultRefreshTokenLifetime),
	}
	svc := NewService(domain.AppConfig{ClientID: "cid", ClientSecret: "secret"}, tokens, &fakeStateStore{}, clientFor(azure))

	outcome, _, err := svc.CheckAndRefreshIfNeeded(context.Background(), "user@example.com", domain.DefaultExpiryBuffer)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != domain.RefreshOutcomeErrRefreshExpired {
		t.Errorf("expected RefreshOutcomeErrRefreshExpired on invalid_grant, got %v", outcome)
	}
}
