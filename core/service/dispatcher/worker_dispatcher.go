package dispatcher

import (
	"context"
	"fmt"
	"strings"

	"worker_server/core/domain"
	"worker_server/core/service/attachment"
	"worker_server/core/service/mail"
	"worker_server/core/service/session"
	"worker_server/pkg/apperr"
	"worker_server/pkg/ratelimit"

	"github.com/goccy/go-json"
)

// Handler invokes one mcp_service-bound service method against
// factor-merged, already-decoded arguments.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Dispatcher is the Tool Dispatcher (§4.6): a catalog of Tool records, a
// fixed registry of service-method handlers keyed by mcp_service.name, and
// the Factor-merge/token-error wrapping applied around every call.
type Dispatcher struct {
	tools       []domain.Tool
	byName      map[string]*domain.Tool
	handlers    map[string]Handler
	mailSvc     *mail.Service
	attachments *attachment.Orchestrator
	sessions    *session.Manager
	protector   *ratelimit.APIProtector
}

// New builds a Dispatcher over catalog, wired to mailSvc for query/auth
// operations and attachments for the fetch/save attachment operations.
func New(catalog []domain.Tool, mailSvc *mail.Service, attachments *attachment.Orchestrator, sessions *session.Manager) *Dispatcher {
	d := &Dispatcher{
		tools:       catalog,
		byName:      make(map[string]*domain.Tool, len(catalog)),
		mailSvc:     mailSvc,
		attachments: attachments,
		sessions:    sessions,
		protector:   ratelimit.NewAPIProtector(ratelimit.DefaultConfig()),
	}
	for i := range catalog {
		d.byName[catalog[i].Name] = &catalog[i]
	}
	d.handlers = map[string]Handler{
		"query_filter":       d.handleQueryFilter,
		"query_search":       d.handleQuerySearch,
		"query_url":          d.handleQueryURL,
		"batch_fetch_by_ids": d.handleBatchFetchByIDs,
		"fetch_attachments":  d.handleFetchAttachments,
		"start_auth_flow":    d.handleStartAuthFlow,
		"complete_auth_flow": d.handleCompleteAuthFlow,
		"list_users":         d.handleListUsers,
		"logout":             d.handleLogout,
	}
	return d
}

// WithRateLimitConfig replaces the default APIProtector with one built from
// cfg, so the process-wide concurrency/rate/burst limits follow configuration
// instead of the package defaults.
func (d *Dispatcher) WithRateLimitConfig(cfg *ratelimit.Config) *Dispatcher {
	d.protector = ratelimit.NewAPIProtector(cfg)
	return d
}

// Tools returns the raw catalog, for callers (tests, the mcp_service
// binding) that need the untransformed Tool records.
func (d *Dispatcher) Tools() []domain.Tool { return d.tools }

// ListTools returns the externally visible tool list for tools/list:
// name/description/inputSchema only (mcp_service and mcp_service_factors
// are dispatch-internal), with the boolean-schema compatibility transform
// applied (§4.6).
func (d *Dispatcher) ListTools() []map[string]any {
	raw := make([]map[string]any, len(d.tools))
	for i, t := range d.tools {
		raw[i] = map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"inputSchema": t.InputSchema,
		}
	}
	return ExternalTools(raw)
}

// Call implements the dispatch algorithm of §4.6: normalize any
// enabled/disabled enum args back to boolean, merge Factors into the
// service-method argument set, invoke the bound handler, and wrap any
// authentication-shaped failure into a session-invalidating AuthenticationRequired.
func (d *Dispatcher) Call(ctx context.Context, toolName string, rawArgs map[string]any) (any, error) {
	tool, ok := d.byName[toolName]
	if !ok {
		return nil, apperr.NotFound("tool " + toolName)
	}
	handler, ok := d.handlers[tool.MCPService.Name]
	if !ok {
		return nil, apperr.Internal(fmt.Sprintf("tool %q: no handler bound for service %q", toolName, tool.MCPService.Name))
	}

	args := normalizeBooleanArgs(tool.InputSchema, rawArgs)
	merged := mergeFactors(*tool, args)

	email, _ := merged["user_email"].(string)
	limitKey := toolName
	if email != "" {
		limitKey = email + ":" + toolName
	}
	protection, release := d.protector.Acquire(ctx, limitKey)
	if !protection.Allowed {
		return nil, apperr.New(apperr.CodeTimeout, "rate limit: "+protection.Reason, 429)
	}
	defer release()

	result, err := handler(ctx, merged)
	if err != nil {
		return nil, d.wrapTokenError(ctx, merged, err)
	}
	return result, nil
}

// wrapTokenError implements §4.6's token-error handling: any error whose
// text indicates an expired/invalid grant or a 401 invalidates the user's
// session and is surfaced as AuthenticationRequired, so the caller's next
// step is always "re-run start_auth_flow", never a raw Graph error string.
func (d *Dispatcher) wrapTokenError(ctx context.Context, args map[string]any, err error) error {
	if ae := apperr.AsAppError(err); ae != nil && ae.Code == apperr.CodeAuthenticationRequired {
		return err
	}
	msg := strings.ToLower(err.Error())
	if !strings.Contains(msg, "invalid_grant") && !strings.Contains(msg, "unauthorized") && !strings.Contains(msg, "401") {
		return err
	}
	email, _ := args["user_email"].(string)
	if email != "" && d.sessions != nil {
		d.sessions.InvalidateSession(email)
	}
	return apperr.AuthenticationRequired(email)
}

func decodeInto(args map[string]any, v any) error {
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (d *Dispatcher) handleQueryFilter(ctx context.Context, args map[string]any) (any, error) {
	var req struct {
		UserEmail    string                `json:"user_email"`
		Filter       *domain.FilterParams  `json:"filter"`
		Exclude      *domain.ExcludeParams `json:"exclude"`
		Select       *domain.SelectParams  `json:"select"`
		ClientFilter *domain.ExcludeParams `json:"client_filter"`
		Top          int                   `json:"top"`
		OrderBy      string                `json:"order_by"`
	}
	if err := decodeInto(args, &req); err != nil {
		return nil, apperr.ValidationError(err.Error())
	}
	return d.mailSvc.QueryFilter(ctx, mail.QueryFilterRequest{
		UserEmail:    req.UserEmail,
		Filter:       req.Filter,
		Exclude:      req.Exclude,
		Select:       req.Select,
		ClientFilter: req.ClientFilter,
		Top:          req.Top,
		OrderBy:      req.OrderBy,
	})
}

func (d *Dispatcher) handleQuerySearch(ctx context.Context, args map[string]any) (any, error) {
	var req struct {
		UserEmail    string                `json:"user_email"`
		Search       string                `json:"search"`
		ClientFilter *domain.ExcludeParams `json:"client_filter"`
		Select       *domain.SelectParams  `json:"select"`
		Top          int                   `json:"top"`
		OrderBy      string                `json:"order_by"`
	}
	if err := decodeInto(args, &req); err != nil {
		return nil, apperr.ValidationError(err.Error())
	}
	return d.mailSvc.QuerySearch(ctx, mail.QuerySearchRequest{
		UserEmail:    req.UserEmail,
		Search:       req.Search,
		ClientFilter: req.ClientFilter,
		Select:       req.Select,
		Top:          req.Top,
		OrderBy:      req.OrderBy,
	})
}

func (d *Dispatcher) handleQueryURL(ctx context.Context, args map[string]any) (any, error) {
	var req struct {
		UserEmail    string                `json:"user_email"`
		URL          string                `json:"url"`
		Top          int                   `json:"top"`
		ClientFilter *domain.ExcludeParams `json:"client_filter"`
	}
	if err := decodeInto(args, &req); err != nil {
		return nil, apperr.ValidationError(err.Error())
	}
	return d.mailSvc.QueryURL(ctx, mail.QueryURLRequest{
		UserEmail:    req.UserEmail,
		URL:          req.URL,
		Top:          req.Top,
		ClientFilter: req.ClientFilter,
	})
}

func (d *Dispatcher) handleBatchFetchByIDs(ctx context.Context, args map[string]any) (any, error) {
	var req struct {
		UserEmail  string               `json:"user_email"`
		MessageIDs []string             `json:"message_ids"`
		Select     *domain.SelectParams `json:"select"`
	}
	if err := decodeInto(args, &req); err != nil {
		return nil, apperr.ValidationError(err.Error())
	}
	return d.mailSvc.BatchFetchByIDs(ctx, req.UserEmail, req.MessageIDs, req.Select)
}

func (d *Dispatcher) handleFetchAttachments(ctx context.Context, args map[string]any) (any, error) {
	var req struct {
		UserEmail      string   `json:"user_email"`
		MessageIDs     []string `json:"message_ids"`
		SkipDuplicates bool     `json:"skip_duplicates"`
		SaveFile       bool     `json:"save_file"`
		IncludeBody    bool     `json:"include_body"`
		FlatFolder     bool     `json:"flat_folder"`
		BasePath       string   `json:"base_path"`
		ExtraSelect    []string `json:"extra_select"`
		TokenBudget    int      `json:"token_budget"`
	}
	if err := decodeInto(args, &req); err != nil {
		return nil, apperr.ValidationError(err.Error())
	}
	client, err := d.mailSvc.Client(ctx, req.UserEmail)
	if err != nil {
		return nil, err
	}
	return d.attachments.Fetch(ctx, client, attachment.FetchRequest{
		UserEmail:      req.UserEmail,
		MessageIDs:     req.MessageIDs,
		SkipDuplicates: req.SkipDuplicates,
		SaveFile:       req.SaveFile,
		IncludeBody:    req.IncludeBody,
		FlatFolder:     req.FlatFolder,
		BasePath:       req.BasePath,
		ExtraSelect:    req.ExtraSelect,
		TokenBudget:    req.TokenBudget,
	})
}

func (d *Dispatcher) handleStartAuthFlow(ctx context.Context, args map[string]any) (any, error) {
	var req struct {
		ForceNew bool `json:"force_new"`
	}
	if err := decodeInto(args, &req); err != nil {
		return nil, apperr.ValidationError(err.Error())
	}
	return d.mailSvc.StartAuthFlow(req.ForceNew)
}

func (d *Dispatcher) handleCompleteAuthFlow(ctx context.Context, args map[string]any) (any, error) {
	var req struct {
		Code  string `json:"code"`
		State string `json:"state"`
	}
	if err := decodeInto(args, &req); err != nil {
		return nil, apperr.ValidationError(err.Error())
	}
	return d.mailSvc.CompleteAuthFlow(ctx, req.Code, req.State)
}

func (d *Dispatcher) handleListUsers(ctx context.Context, args map[string]any) (any, error) {
	return d.mailSvc.ListUsers(ctx)
}

func (d *Dispatcher) handleLogout(ctx context.Context, args map[string]any) (any, error) {
	var req struct {
		UserEmail string `json:"user_email"`
	}
	if err := decodeInto(args, &req); err != nil {
		return nil, apperr.ValidationError(err.Error())
	}
	if err := d.mailSvc.Logout(ctx, req.UserEmail); err != nil {
		return nil, err
	}
	return map[string]any{"status": "logged_out", "user_email": req.UserEmail}, nil
}
