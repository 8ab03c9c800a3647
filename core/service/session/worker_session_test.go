package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"worker_server/core/domain"
	"worker_server/core/port/out"
)

type fakeGraphClient struct {
	closed int32
}

func (f *fakeGraphClient) QueryFilter(ctx context.Context, req out.FilterQueryRequest) (*domain.QueryResult, error) {
	return nil, nil
}
func (f *fakeGraphClient) QuerySearch(ctx context.Context, req out.SearchQueryRequest) (*domain.QueryResult, error) {
	return nil, nil
}
func (f *fakeGraphClient) QueryURL(ctx context.Context, req out.URLQueryRequest) (*domain.QueryResult, error) {
	return nil, nil
}
func (f *fakeGraphClient) BatchFetchByIDs(ctx context.Context, userEmail string, ids []string, sel *domain.SelectParams) (*domain.QueryResult, error) {
	return nil, nil
}
func (f *fakeGraphClient) FetchWithAttachments(ctx context.Context, req out.AttachmentFetchRequest) ([]domain.MailMessage, []domain.BatchError, error) {
	return nil, nil, nil
}
func (f *fakeGraphClient) Close() { atomic.AddInt32(&f.closed, 1) }

func countingFactory(created *int32) out.GraphClientFactory {
	return func(ctx context.Context, userEmail, token string) (out.GraphClient, error) {
		atomic.AddInt32(created, 1)
		return &fakeGraphClient{}, nil
	}
}

func TestGetOrCreateSessionCreatesOnce(t *testing.T) {
	var created int32
	m := NewManagerWithConfig(countingFactory(&created), time.Hour, time.Hour)
	defer m.Stop()

	s1, err := m.GetOrCreateSession(context.Background(), "a@example.com", "tok")
	if err != nil {
		t.Fatalf("GetOrCreateSession failed: %v", err)
	}
	s2, err := m.GetOrCreateSession(context.Background(), "a@example.com", "tok")
	if err != nil {
		t.Fatalf("GetOrCreateSession failed: %v", err)
	}
	if s1 != s2 {
		t.Error("expected the same session to be returned on the second call")
	}
	if atomic.LoadInt32(&created) != 1 {
		t.Errorf("expected the factory to run exactly once, ran %d times", created)
	}
}

func TestGetOrCreateSessionPropagatesFactoryError(t *testing.T) {
	boom := errors.New("boom")
	m := NewManagerWithConfig(func(ctx context.Context, userEmail, token string) (out.GraphClient, error) {
		return nil, boom
	}, time.Hour, time.Hour)
	defer m.Stop()

	if _, err := m.GetOrCreateSession(context.Background(), "a@example.com", "tok"); !errors.Is(err, boom) {
		t.Errorf("expected factory error to propagate, got %v", err)
	}
	if m.Count() != 0 {
		t.Errorf("expected no session to be recorded after a factory error, got %d", m.Count())
	}
}

func TestGetOrCreateSessionRebuildsWhenIdlePastTTLBeforeSweep(t *testing.T) {
	var created int32
	// Cleanup interval is long enough that the sweep can't have run yet;
	// GetOrCreateSession itself must notice the idle session is stale.
	m := NewManagerWithConfig(countingFactory(&created), 10*time.Millisecond, time.Hour)
	defer m.Stop()

	first, err := m.GetOrCreateSession(context.Background(), "a@example.com", "tok")
	if err != nil {
		t.Fatalf("GetOrCreateSession failed: %v", err)
	}
	firstClient := first.Client().(*fakeGraphClient)

	time.Sleep(20 * time.Millisecond)

	second, err := m.GetOrCreateSession(context.Background(), "a@example.com", "tok")
	if err != nil {
		t.Fatalf("GetOrCreateSession failed: %v", err)
	}
	if second == first {
		t.Error("expected a stale, unswept session to be replaced rather than handed back")
	}
	if atomic.LoadInt32(&firstClient.closed) != 1 {
		t.Errorf("expected the stale session's client to be closed, got %d", firstClient.closed)
	}
	if atomic.LoadInt32(&created) != 2 {
		t.Errorf("expected the factory to run twice, ran %d times", created)
	}
}

func TestGetSessionReturnsNilWhenAbsent(t *testing.T) {
	var created int32
	m := NewManagerWithConfig(countingFactory(&created), time.Hour, time.Hour)
	defer m.Stop()

	if sess := m.GetSession("missing@example.com"); sess != nil {
		t.Errorf("expected nil for an unknown session, got %v", sess)
	}
}

func TestRefreshTokenUpdatesExistingSessionOnly(t *testing.T) {
	var created int32
	m := NewManagerWithConfig(countingFactory(&created), time.Hour, time.Hour)
	defer m.Stop()

	sess, _ := m.GetOrCreateSession(context.Background(), "a@example.com", "old-token")
	m.RefreshToken("a@example.com", "new-token")
	if sess.AccessToken != "new-token" {
		t.Errorf("expected token to be refreshed, got %q", sess.AccessToken)
	}

	// Refreshing a session that doesn't exist must not panic.
	m.RefreshToken("nobody@example.com", "whatever")
}

func TestInvalidateSessionClosesClientAndRemovesEntry(t *testing.T) {
	var created int32
	m := NewManagerWithConfig(countingFactory(&created), time.Hour, time.Hour)
	defer m.Stop()

	sess, _ := m.GetOrCreateSession(context.Background(), "a@example.com", "tok")
	client := sess.Client().(*fakeGraphClient)

	m.InvalidateSession("a@example.com")

	if m.GetSession("a@example.com") != nil {
		t.Error("expected session to be removed after invalidation")
	}
	if atomic.LoadInt32(&client.closed) != 1 {
		t.Errorf("expected the owned client to be closed exactly once, got %d", client.closed)
	}

	// Invalidating an absent session is a no-op, not an error.
	m.InvalidateSession("a@example.com")
}

func TestCleanupEvictsOnlyIdleSessions(t *testing.T) {
	var created int32
	m := NewManagerWithConfig(countingFactory(&created), 10*time.Millisecond, time.Hour)
	defer m.Stop()

	stale, _ := m.GetOrCreateSession(context.Background(), "stale@example.com", "tok")
	time.Sleep(20 * time.Millisecond)
	fresh, _ := m.GetOrCreateSession(context.Background(), "fresh@example.com", "tok")
	staleClient := stale.Client().(*fakeGraphClient)
	freshClient := fresh.Client().(*fakeGraphClient)

	m.cleanup()

	if m.GetSession("stale@example.com") != nil {
		t.Error("expected the idle session to be evicted")
	}
	if m.GetSession("fresh@example.com") == nil {
		t.Error("expected the recently-touched session to survive cleanup")
	}

	if atomic.LoadInt32(&staleClient.closed) != 1 {
		t.Error("expected the evicted session's client to be closed")
	}
	if atomic.LoadInt32(&freshClient.closed) != 0 {
		t.Error("expected the surviving session's client to remain open")
	}
}

func TestStopClosesAllSessions(t *testing.T) {
	var created int32
	m := NewManagerWithConfig(countingFactory(&created), time.Hour, time.Hour)

	sess, _ := m.GetOrCreateSession(context.Background(), "a@example.com", "tok")
	client := sess.Client().(*fakeGraphClient)
	m.Stop()

	if atomic.LoadInt32(&client.closed) != 1 {
		t.Error("expected Stop to close every live session's client")
	}
	if m.Count() != 0 {
		t.Errorf("expected no sessions left after Stop, got %d", m.Count())
	}
}
