// Package outlook implements the Graph URL+Query Engine (Component D, §4.4)
// and the attachment batch-fetch half of the Attachment Pipeline (§4.5.1)
// against Microsoft Graph's v1.0 mail surface.
package outlook

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"worker_server/core/domain"
	"worker_server/core/port/out"
	"worker_server/pkg/logger"
	"worker_server/pkg/resilience"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
)

const graphBaseURL = "https://graph.microsoft.com/v1.0"

// PageSize is the fixed per-page size the paginator requests (§4.4.3).
const PageSize = 150

// BatchGroupSize is Graph's hard cap on $batch sub-requests (§4.4.5).
const BatchGroupSize = 20

// DefaultPageConcurrency bounds concurrent in-flight page fetches (§5).
const DefaultPageConcurrency = 3

// defaultAttachmentSelectFields must always be requested by the batch
// attachment handler regardless of caller-supplied selects (§4.5.1).
var defaultAttachmentSelectFields = []string{"id", "subject", "from", "receivedDateTime", "body", "hasAttachments"}

// NewClientFactory returns a GraphClientFactory binding each Session to its
// own oauth2-authenticated http.Client and circuit breaker, matching the
// per-session connection-pool ownership §4.3/§5 call for.
func NewClientFactory(requestTimeout time.Duration) out.GraphClientFactory {
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	return func(ctx context.Context, userEmail, token string) (out.GraphClient, error) {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
		hc := oauth2.NewClient(ctx, ts)
		hc.Timeout = requestTimeout
		breaker := resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("graph:" + userEmail))
		return &Client{
			userEmail:   userEmail,
			http:        hc,
			breaker:     breaker,
			concurrency: DefaultPageConcurrency,
		}, nil
	}
}

// Client implements out.GraphClient for one authenticated user.
type Client struct {
	userEmail   string
	http        *http.Client
	breaker     *resilience.CircuitBreaker
	concurrency int
}

var _ out.GraphClient = (*Client)(nil)

func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

func messagesURL(email string) string {
	return graphBaseURL + "/users/" + url.PathEscape(email) + "/messages"
}

func batchURL() string {
	return graphBaseURL + "/$batch"
}

// appendParam appends key=value, respecting a pre-existing "?" (§4.4.1).
func appendParam(rawURL, key, value string) string {
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + key + "=" + url.QueryEscape(value)
}

func combineFragments(parts ...string) string {
	var nonEmpty []string
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, " and ")
}

// doGet issues a GET through the circuit breaker, returning the raw body.
func (c *Client) doGet(ctx context.Context, requestURL string) ([]byte, int, error) {
	var body []byte
	var status int
	err := c.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		status = resp.StatusCode
		b, err := io.ReadAll(io.LimitReader(resp.Body, 20<<20))
		if err != nil {
			return err
		}
		body = b
		if status >= 400 {
			return fmt.Errorf("graph GET %s: status %d", requestURL, status)
		}
		return nil
	})
	return body, status, err
}

func (c *Client) doPostJSON(ctx context.Context, requestURL string, payload any) ([]byte, int, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, err
	}
	var body []byte
	var status int
	execErr := c.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, strings.NewReader(string(data)))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		status = resp.StatusCode
		b, err := io.ReadAll(io.LimitReader(resp.Body, 20<<20))
		if err != nil {
			return err
		}
		body = b
		if status >= 400 {
			return fmt.Errorf("graph POST %s: status %d", requestURL, status)
		}
		return nil
	})
	return body, status, execErr
}

type graphMessageList struct {
	Value      []domain.MailMessage `json:"value"`
	NextLink   string                `json:"@odata.nextLink"`
	ODataCount int                   `json:"@odata.count"`
}

type pageResult struct {
	index    int
	messages []domain.MailMessage
	count    int
	err      *domain.BatchError
}

// fetchPages issues ceil(top/PageSize) page requests against requestURL,
// bounded at c.concurrency in flight, appending $top/$skip to each (§4.4.3).
func (c *Client) fetchPages(ctx context.Context, requestURL string, top int, clientFilter *domain.ExcludeParams) ([]domain.MailMessage, int, int, []domain.BatchError) {
	if top <= 0 {
		top = 450
	}
	numPages := (top + PageSize - 1) / PageSize

	results := make([]pageResult, numPages)
	sem := make(chan struct{}, c.concurrency)
	var wg sync.WaitGroup

	for i := 0; i < numPages; i++ {
		pageTop := PageSize
		if remaining := top - i*PageSize; remaining < PageSize {
			pageTop = remaining
		}
		skip := i * PageSize

		wg.Add(1)
		go func(idx, pageTop, skip int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			pageURL := appendParam(requestURL, "$top", strconv.Itoa(pageTop))
			pageURL = appendParam(pageURL, "$skip", strconv.Itoa(skip))

			body, status, err := c.doGet(ctx, pageURL)
			if err != nil {
				results[idx] = pageResult{index: idx, err: &domain.BatchError{Status: status, Message: err.Error()}}
				return
			}
			var parsed graphMessageList
			if err := json.Unmarshal(body, &parsed); err != nil {
				results[idx] = pageResult{index: idx, err: &domain.BatchError{Status: status, Message: "malformed page response: " + err.Error()}}
				return
			}
			kept := parsed.Value
			if clientFilter != nil && !clientFilter.IsEmpty() {
				kept = kept[:0]
				for _, m := range parsed.Value {
					msg := m
					if !clientFilter.Excludes(&msg) {
						kept = append(kept, msg)
					}
				}
			}
			results[idx] = pageResult{index: idx, messages: kept, count: parsed.ODataCount}
		}(i, pageTop, skip)
	}
	wg.Wait()

	var all []domain.MailMessage
	var errs []domain.BatchError
	odataCount := 0
	for _, r := range results {
		if r.err != nil {
			errs = append(errs, *r.err)
			continue
		}
		all = append(all, r.messages...)
		if r.count > odataCount {
			odataCount = r.count
		}
	}
	return all, odataCount, numPages, errs
}

// QueryFilter implements out.GraphClient.QueryFilter (§4.4.2).
func (c *Client) QueryFilter(ctx context.Context, req out.FilterQueryRequest) (*domain.QueryResult, error) {
	filterFragment := req.Filter.BuildFilterQuery()
	excludeFragment := ""
	if req.Exclude != nil {
		excludeFragment = req.Exclude.BuildFilterFragment()
	}
	combined := combineFragments(filterFragment, excludeFragment)

	q := url.Values{}
	if combined != "" {
		q.Set("$filter", combined)
	}
	if fields := req.Select.BuildSelectQuery(); len(fields) > 0 {
		q.Set("$select", strings.Join(fields, ","))
	}
	if req.OrderBy != "" {
		q.Set("$orderby", req.OrderBy)
	}

	requestURL := messagesURL(req.UserEmail)
	if len(q) > 0 {
		requestURL += "?" + q.Encode()
	}

	top := req.Top
	if top <= 0 {
		top = 450
	}

	return c.runPaginated(ctx, requestURL, top, req.ClientFilter, domain.QueryMethodFilter)
}

// QuerySearch implements out.GraphClient.QuerySearch — single-page, capped
// at 250 results; Graph forbids combining $search with $filter (§4.4.1/.2).
func (c *Client) QuerySearch(ctx context.Context, req out.SearchQueryRequest) (*domain.QueryResult, error) {
	start := time.Now()
	top := req.Top
	if top <= 0 || top > 250 {
		top = 250
	}

	q := url.Values{}
	q.Set("$search", `"`+req.Search+`"`)
	if fields := req.Select.BuildSelectQuery(); len(fields) > 0 {
		q.Set("$select", strings.Join(fields, ","))
	}
	if req.OrderBy != "" {
		q.Set("$orderby", req.OrderBy)
	}
	q.Set("$top", strconv.Itoa(top))

	requestURL := messagesURL(req.UserEmail) + "?" + q.Encode()

	body, _, err := c.doGet(ctx, requestURL)
	if err != nil {
		return errorResult(requestURL, domain.QueryMethodSearch, err), nil
	}
	var parsed graphMessageList
	if jerr := json.Unmarshal(body, &parsed); jerr != nil {
		return errorResult(requestURL, domain.QueryMethodSearch, jerr), nil
	}

	kept := parsed.Value
	if req.ClientFilter != nil && !req.ClientFilter.IsEmpty() {
		kept = kept[:0]
		for _, m := range parsed.Value {
			msg := m
			if !req.ClientFilter.Excludes(&msg) {
				kept = append(kept, msg)
			}
		}
	}

	return &domain.QueryResult{
		Value:          kept,
		Total:          len(kept),
		ODataCount:     parsed.ODataCount,
		RequestURL:     requestURL,
		PagesRequested: 1,
		FetchTime:      time.Since(start).Seconds(),
		QueryMethodTag: domain.QueryMethodSearch,
	}, nil
}

// QueryURL implements out.GraphClient.QueryURL — a caller-supplied URL that
// the engine still paginates by appending $top/$skip (§4.4.2).
func (c *Client) QueryURL(ctx context.Context, req out.URLQueryRequest) (*domain.QueryResult, error) {
	top := req.Top
	if top <= 0 {
		top = 450
	}
	return c.runPaginated(ctx, req.URL, top, req.ClientFilter, domain.QueryMethodURL)
}

func (c *Client) runPaginated(ctx context.Context, requestURL string, top int, clientFilter *domain.ExcludeParams, method domain.QueryMethod) (*domain.QueryResult, error) {
	start := time.Now()
	messages, odataCount, pages, errs := c.fetchPages(ctx, requestURL, top, clientFilter)
	return &domain.QueryResult{
		Value:          messages,
		Total:          len(messages),
		ODataCount:     odataCount,
		RequestURL:     requestURL,
		PagesRequested: pages,
		FetchTime:      time.Since(start).Seconds(),
		Errors:         errs,
		QueryMethodTag: method,
	}, nil
}

func errorResult(requestURL string, method domain.QueryMethod, err error) *domain.QueryResult {
	return &domain.QueryResult{
		Status:         "error",
		Value:          []domain.MailMessage{},
		RequestURL:     requestURL,
		QueryMethodTag: method,
		Error:          err.Error(),
	}
}

// --- $batch plumbing (§4.4.5, §4.5.1) ---

type batchSubRequest struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	URL    string `json:"url"`
}

type batchRequestBody struct {
	Requests []batchSubRequest `json:"requests"`
}

type batchSubResponse struct {
	ID     string          `json:"id"`
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

type batchResponseBody struct {
	Responses []batchSubResponse `json:"responses"`
}

func chunkIDs(ids []string, size int) [][]string {
	var chunks [][]string
	for i := 0; i < len(ids); i += size {
		end := i + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[i:end])
	}
	return chunks
}

// runBatch issues one $batch POST per BatchGroupSize-sized chunk of ids,
// building each sub-request's URL via buildSubURL, and returns messages
// keyed by the original message ID plus per-ID errors.
func (c *Client) runBatch(ctx context.Context, userEmail string, ids []string, buildSubURL func(email, id string) string) (map[string]domain.MailMessage, []domain.BatchError) {
	messages := make(map[string]domain.MailMessage)
	var errs []domain.BatchError

	for _, group := range chunkIDs(ids, BatchGroupSize) {
		body := batchRequestBody{Requests: make([]batchSubRequest, len(group))}
		// idToGroupIndex maps the batch's numeric sub-request ids back to
		// the caller's message IDs (§4.4.5).
		idToGroupIndex := make(map[string]string, len(group))
		for i, id := range group {
			subID := strconv.Itoa(i + 1)
			body.Requests[i] = batchSubRequest{ID: subID, Method: http.MethodGet, URL: buildSubURL(userEmail, id)}
			idToGroupIndex[subID] = id
		}

		raw, _, err := c.doPostJSON(ctx, batchURL(), body)
		if err != nil {
			for _, id := range group {
				errs = append(errs, domain.BatchError{ID: id, Message: err.Error()})
			}
			continue
		}
		var parsed batchResponseBody
		if jerr := json.Unmarshal(raw, &parsed); jerr != nil {
			for _, id := range group {
				errs = append(errs, domain.BatchError{ID: id, Message: "malformed batch response: " + jerr.Error()})
			}
			continue
		}
		for _, sub := range parsed.Responses {
			originalID := idToGroupIndex[sub.ID]
			if sub.Status != http.StatusOK {
				errs = append(errs, domain.BatchError{ID: originalID, Status: sub.Status, Message: "sub-request failed"})
				continue
			}
			var msg domain.MailMessage
			if jerr := json.Unmarshal(sub.Body, &msg); jerr != nil {
				errs = append(errs, domain.BatchError{ID: originalID, Status: sub.Status, Message: "malformed message body: " + jerr.Error()})
				continue
			}
			messages[originalID] = msg
		}
	}
	return messages, errs
}

// BatchFetchByIDs implements out.GraphClient.BatchFetchByIDs (§4.4.2, §4.4.5).
// Results are reassembled in the order ids was given, independent of which
// order the per-group $batch sub-responses arrived in.
func (c *Client) BatchFetchByIDs(ctx context.Context, userEmail string, ids []string, sel *domain.SelectParams) (*domain.QueryResult, error) {
	start := time.Now()
	selectFragment := ""
	if fields := sel.BuildSelectQuery(); len(fields) > 0 {
		selectFragment = "?$select=" + strings.Join(fields, ",")
	}

	buildURL := func(email, id string) string {
		return "/users/" + url.PathEscape(email) + "/messages/" + url.PathEscape(id) + selectFragment
	}

	byID, errs := c.runBatch(ctx, userEmail, ids, buildURL)

	messages := make([]domain.MailMessage, 0, len(byID))
	for _, id := range ids {
		if msg, ok := byID[id]; ok {
			messages = append(messages, msg)
		}
	}

	return &domain.QueryResult{
		Value:          messages,
		Total:          len(messages),
		PagesRequested: (len(ids) + BatchGroupSize - 1) / BatchGroupSize,
		FetchTime:      time.Since(start).Seconds(),
		Errors:         errs,
		QueryMethodTag: domain.QueryMethodBatchID,
	}, nil
}

// FetchWithAttachments implements out.GraphClient.FetchWithAttachments
// (§4.5.1): batches ids with $expand=attachments and the mandatory default
// select fields unioned with any caller-requested extras, skipping (and
// logging) attachments that arrive without contentBytes or aren't plain
// file attachments — AttachmentSkipped is a log entry, not a failure (§7).
func (c *Client) FetchWithAttachments(ctx context.Context, req out.AttachmentFetchRequest) ([]domain.MailMessage, []domain.BatchError, error) {
	fieldSet := make(map[string]bool)
	var fields []string
	for _, f := range defaultAttachmentSelectFields {
		if !fieldSet[f] {
			fieldSet[f] = true
			fields = append(fields, f)
		}
	}
	for _, f := range req.ExtraSelect {
		if !fieldSet[f] {
			fieldSet[f] = true
			fields = append(fields, f)
		}
	}
	query := "?$select=" + strings.Join(fields, ",") + "&$expand=attachments"

	buildURL := func(email, id string) string {
		return "/users/" + url.PathEscape(email) + "/messages/" + url.PathEscape(id) + query
	}

	byID, errs := c.runBatch(ctx, req.UserEmail, req.MessageIDs, buildURL)

	messages := make([]domain.MailMessage, 0, len(byID))
	for _, id := range req.MessageIDs {
		msg, ok := byID[id]
		if !ok {
			continue
		}
		var kept []domain.Attachment
		for _, a := range msg.Attachments {
			att := a
			if att.ContentBytes == "" || !att.IsFileAttachment() {
				logger.Warn("[attachments] skipping %q on message %s: no contentBytes or unsupported type %s", att.Name, id, att.ODataType)
				continue
			}
			kept = append(kept, att)
		}
		msg.Attachments = kept
		messages = append(messages, msg)
	}
	return messages, errs, nil
}
