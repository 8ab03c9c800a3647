package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"worker_server/core/domain"
	"worker_server/core/port/out"
	"worker_server/core/service/auth"
	"worker_server/core/service/dispatcher"
	"worker_server/core/service/mail"
	"worker_server/core/service/session"
)

// fakeTokenStore is a minimal in-memory out.TokenStore sufficient to drive
// list_users through the real mail.Service/dispatcher stack.
type fakeTokenStore struct {
	users []domain.UserWithTokenStatus
}

func (f *fakeTokenStore) SaveUser(ctx context.Context, email string, profile *domain.GraphProfile) (*domain.UserRecord, error) {
	return nil, nil
}
func (f *fakeTokenStore) SaveToken(ctx context.Context, email string, info *domain.TokenInfo) (*domain.TokenRecord, error) {
	return nil, nil
}
func (f *fakeTokenStore) GetToken(ctx context.Context, email string) (*domain.TokenRecord, error) {
	return nil, nil
}
func (f *fakeTokenStore) UpdateToken(ctx context.Context, email string, info *domain.TokenInfo) (*domain.TokenRecord, error) {
	return nil, nil
}
func (f *fakeTokenStore) DeleteToken(ctx context.Context, email string) error { return nil }
func (f *fakeTokenStore) ListUsers(ctx context.Context) ([]domain.UserWithTokenStatus, error) {
	return f.users, nil
}
func (f *fakeTokenStore) CleanupExpiredTokens(ctx context.Context) (int, error) { return 0, nil }
func (f *fakeTokenStore) Close() error                                         { return nil }

type fakeOAuthStateStore struct{}

func (fakeOAuthStateStore) Store(state string, ttl time.Duration) {}
func (fakeOAuthStateStore) ValidateAndConsume(state string) bool  { return false }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	tokens := &fakeTokenStore{users: []domain.UserWithTokenStatus{
		{User: &domain.UserRecord{Email: "user@example.com"}, HasValidToken: true},
	}}
	appConfig := domain.AppConfig{ClientID: "id", ClientSecret: "secret", TenantID: "common", RedirectURI: "http://localhost/cb"}
	authSvc := auth.NewService(appConfig, tokens, fakeOAuthStateStore{}, http.DefaultClient)
	sessions := session.NewManagerWithConfig(func(ctx context.Context, userEmail, token string) (out.GraphClient, error) {
		return nil, nil
	}, time.Minute, time.Minute)

	mailSvc := mail.New(authSvc, sessions, tokens)

	catalog := []domain.Tool{
		{
			Name:        "list_users",
			Description: "list users",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
			MCPService:  domain.ServiceBinding{Name: "list_users"},
		},
	}
	disp := dispatcher.New(catalog, mailSvc, nil, nil)
	return New(disp)
}

func doRPC(t *testing.T, srv *Server, body string) map[string]any {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code == http.StatusNoContent {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("failed to decode response: %v (body: %s)", err, rec.Body.String())
	}
	return out
}

func TestInitializeReturnsServerInfo(t *testing.T) {
	srv := newTestServer(t)
	resp := doRPC(t, srv, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	result, ok := resp["result"].(map[string]any)
	if !ok {
		t.Fatalf("expected a result object, got %v", resp)
	}
	if result["protocolVersion"] != protocolVersion {
		t.Errorf("expected protocolVersion %q, got %v", protocolVersion, result["protocolVersion"])
	}
	info, _ := result["serverInfo"].(map[string]any)
	if info["name"] != "outlook-mcp-server" {
		t.Errorf("expected serverInfo.name %q, got %v", "outlook-mcp-server", info["name"])
	}
}

func TestToolsListReturnsCatalog(t *testing.T) {
	srv := newTestServer(t)
	resp := doRPC(t, srv, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	result := resp["result"].(map[string]any)
	tools := result["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(tools))
	}
	first := tools[0].(map[string]any)
	if first["name"] != "list_users" {
		t.Errorf("expected tool name 'list_users', got %v", first["name"])
	}
}

func TestToolsCallInvokesBoundHandler(t *testing.T) {
	srv := newTestServer(t)
	resp := doRPC(t, srv, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"list_users","arguments":{}}}`)
	result, ok := resp["result"].(map[string]any)
	if !ok {
		t.Fatalf("expected a result object, got %v", resp)
	}
	if result["isError"] == true {
		t.Fatalf("expected success, got error result: %v", result)
	}
	content := result["content"].([]any)
	if len(content) != 1 {
		t.Fatalf("expected one content block, got %d", len(content))
	}
	block := content[0].(map[string]any)
	if block["type"] != "text" {
		t.Errorf("expected text content block, got %v", block["type"])
	}
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	srv := newTestServer(t)
	resp := doRPC(t, srv, `{"jsonrpc":"2.0","id":4,"method":"nope"}`)
	errObj, ok := resp["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected an error object, got %v", resp)
	}
	if int(errObj["code"].(float64)) != errMethodNotFound {
		t.Errorf("expected method-not-found code, got %v", errObj["code"])
	}
}

func TestNotificationProducesNoResponseBody(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204 No Content for a notification, got %d", rec.Code)
	}
}

func TestNonPostMethodRejected(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}
