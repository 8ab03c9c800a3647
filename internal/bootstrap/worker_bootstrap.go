// Package bootstrap wires every adapter and service into one running MCP
// server, the way the source's bootstrap package assembles a Fiber app and
// worker pool from a Dependencies struct — here there is one process mode,
// not three, so one constructor replaces NewAPI/NewWorker/NewDependencies.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"worker_server/adapter/in/mcp"
	"worker_server/adapter/out/convert"
	"worker_server/adapter/out/persistence"
	"worker_server/adapter/out/provider/outlook"
	"worker_server/adapter/out/storage/local"
	"worker_server/adapter/out/storage/onedrive"
	"worker_server/config"
	"worker_server/core/domain"
	"worker_server/core/port/out"
	"worker_server/core/service/attachment"
	"worker_server/core/service/auth"
	"worker_server/core/service/dispatcher"
	"worker_server/core/service/mail"
	"worker_server/core/service/session"
	"worker_server/pkg/apperr"
	"worker_server/pkg/httputil"
	"worker_server/pkg/logger"
	"worker_server/pkg/ratelimit"
)

// refreshBuffer matches domain.DefaultExpiryBuffer, the pre-expiry refresh
// window the mail service applies before handing out a session (§4.3),
// applied here too since the OneDrive factory mints its own client
// independently of any live session.
const refreshBuffer = 5 * time.Minute

// Server bundles the assembled MCP transport with the background components
// (Session Manager cleanup loop, Token Store) that need an orderly shutdown.
type Server struct {
	Handler  http.Handler
	sessions *session.Manager
	tokens   out.TokenStore
}

// Shutdown stops the Session Manager's cleanup loop and closes the Token
// Store, mirroring the teacher's Worker.Stop/app.Shutdown pattern.
func (s *Server) Shutdown() error {
	s.sessions.Stop()
	return s.tokens.Close()
}

// New assembles every Component (A-F) described across §4 into one Server:
// the SQLite Token Store and OAuth state store (A/B), the Auth Service (B),
// the Session Manager bound to the Graph client factory (C), the Graph
// Query Engine factory (D), the Attachment Pipeline Orchestrator wired to a
// Storage Backend and Conversion Pipeline (E), the catalog-driven Tool
// Dispatcher (F), and the MCP JSON-RPC transport on top.
func New(cfg *config.Config) (*Server, func(), error) {
	tokens, err := persistence.OpenTokenStore(cfg.TokenStorePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open token store: %w", err)
	}

	appConfig := domain.AppConfig{
		ClientID:     cfg.AzureClientID,
		ClientSecret: cfg.AzureClientSecret,
		TenantID:     cfg.AzureTenantID,
		RedirectURI:  cfg.AzureRedirectURI,
	}

	oauthStates := persistence.NewOAuthStateAdapter()
	authHTTPClient := httputil.DefaultClient()
	authSvc := auth.NewService(appConfig, tokens, oauthStates, authHTTPClient)

	clientFactory := outlook.NewClientFactory(cfg.GraphRequestTimeout)
	sessions := session.NewManagerWithConfig(clientFactory, cfg.SessionTTL, cfg.SessionCleanupInterval)

	mailSvc := mail.New(authSvc, sessions, tokens)

	storageBackend, err := buildStorageBackend(cfg)
	if err != nil {
		tokens.Close()
		return nil, nil, fmt.Errorf("build storage backend: %w", err)
	}
	metadataMgr := persistence.NewJSONMetadataManager(cfg.MetadataLedgerPath)
	converters := attachment.NewConverterRegistry(
		convert.PDFConverter{},
		convert.XLSXConverter{},
		convert.DOCXConverter{},
		convert.PPTXConverter{},
		convert.HWPXConverter{},
		convert.LegacyUnsupportedConverter{},
		convert.PlainTextConverter{},
	)
	orchestrator := attachment.New(storageBackend, metadataMgr, converters, cfg.TokenBudgetLimit)
	if cfg.StorageBackend == "onedrive" {
		orchestrator = orchestrator.WithBackendFactory(oneDriveBackendFactory(authSvc, cfg.StorageOneDriveRoot))
	}

	catalog, err := dispatcher.LoadCatalog("tool_definition_templates.yaml")
	if err != nil {
		tokens.Close()
		return nil, nil, fmt.Errorf("load tool catalog: %w", err)
	}
	disp := dispatcher.New(catalog, mailSvc, orchestrator, sessions).WithRateLimitConfig(&ratelimit.Config{
		MaxConcurrent:     cfg.MaxConcurrentCalls,
		RequestsPerSecond: cfg.RateLimitPerSecond,
		BurstSize:         cfg.RateLimitBurst,
		DebounceDuration:  1 * time.Minute,
		MaxPayloadSize:    150,
	})

	mcpServer := mcp.New(disp)

	logger.Info("[bootstrap] assembled MCP server with %d catalog tools, storage backend %q", len(catalog), cfg.StorageBackend)

	srv := &Server{Handler: mcpServer, sessions: sessions, tokens: tokens}
	cleanup := func() {
		if err := srv.Shutdown(); err != nil {
			logger.Warn("[bootstrap] shutdown error: %v", err)
		}
	}
	return srv, cleanup, nil
}

// buildStorageBackend selects the local or OneDrive Storage Backend per
// cfg.StorageBackend (§4.5.3). The local backend is a single process-wide
// instance; OneDrive instead needs a client authenticated as the message
// owner, so it is resolved per call through oneDriveBackendFactory and this
// function only ever returns the local backend.
func buildStorageBackend(cfg *config.Config) (out.StorageBackend, error) {
	switch cfg.StorageBackend {
	case "onedrive":
		return nil, nil
	default:
		return local.New(cfg.StorageLocalRoot)
	}
}

// oneDriveBackendFactory returns a StorageBackendFactory that refreshes
// userEmail's stored token if needed and mints a OneDrive Backend wrapping
// an oauth2-authenticated HTTP client, so every call rides the same token
// lifecycle the Graph Query Engine depends on (§4.2/§4.5.3).
func oneDriveBackendFactory(authSvc *auth.Service, root string) out.StorageBackendFactory {
	return func(ctx context.Context, userEmail string) (out.StorageBackend, error) {
		outcome, record, err := authSvc.CheckAndRefreshIfNeeded(ctx, userEmail, refreshBuffer)
		if err != nil {
			return nil, err
		}
		if outcome != domain.RefreshOutcomeValid && outcome != domain.RefreshOutcomeRefreshed {
			return nil, apperr.AuthenticationRequired(userEmail)
		}
		base := httputil.NewOptimizedClient(httputil.OutlookClientConfig())
		client := &http.Client{
			Timeout: base.Timeout,
			Transport: &oauth2.Transport{
				Base:   base.Transport,
				Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: record.AccessToken}),
			},
		}
		return onedrive.New(userEmail, root, client), nil
	}
}
