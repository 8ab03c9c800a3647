// Package onedrive implements the Storage Backend (§4.5.3) against a
// user's OneDrive drive via Microsoft Graph, as an alternative to the local
// filesystem backend: folders are path segments under a configured root,
// probed and created one at a time; uploads switch between a single PUT and
// a chunked upload session by size.
package onedrive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"worker_server/core/domain"
	"worker_server/core/port/out"
	"worker_server/pkg/apperr"
	"worker_server/pkg/logger"

	"github.com/goccy/go-json"
)

const graphBaseURL = "https://graph.microsoft.com/v1.0"

// smallUploadLimit is Graph's ceiling for a single PUT .../content request;
// anything larger must go through an upload session (§4.5.3).
const smallUploadLimit = 4 << 20 // 4 MiB

// chunkSize is the default chunk size for session uploads (§4.5.3).
const chunkSize = 10 << 20 // 10 MiB

// maxFileSize is the absolute ceiling §4.5.3 places on any one upload.
const maxFileSize = 250 << 30 // 250 GiB

// Backend uploads attachments and mail bodies into userEmail's OneDrive
// drive under a configured root path, via http (an oauth2-authenticated
// client bound to the session's access token, same as the Graph query
// client — §4.3).
type Backend struct {
	UserEmail string
	Root      string
	http      *http.Client
}

var _ out.StorageBackend = (*Backend)(nil)

// New returns a Backend that uploads into userEmail's drive under root,
// using httpClient (already authenticated for the Graph v1.0 API).
func New(userEmail, root string, httpClient *http.Client) *Backend {
	return &Backend{UserEmail: userEmail, Root: strings.Trim(root, "/"), http: httpClient}
}

func (b *Backend) itemPathURL(relPath string) string {
	return fmt.Sprintf("%s/users/%s/drive/root:/%s", graphBaseURL, url.PathEscape(b.UserEmail), urlEncodePath(relPath))
}

// urlEncodePath percent-encodes each path segment without escaping the
// separating slashes Graph's path-addressing syntax expects.
func urlEncodePath(p string) string {
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

type driveItem struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (b *Backend) doJSON(ctx context.Context, method, reqURL string, payload any, headers map[string]string) ([]byte, int, error) {
	var bodyReader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, err
		}
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

// ensureSegment probes {parentRelPath}/{name} and creates it under the
// parent if absent, via POST .../children with rename-on-conflict
// (§4.5.3). parentRelPath == "" addresses the configured root itself.
func (b *Backend) ensureSegment(ctx context.Context, parentRelPath, name string) (string, error) {
	childRel := name
	if parentRelPath != "" {
		childRel = parentRelPath + "/" + name
	}

	body, status, err := b.doJSON(ctx, http.MethodGet, b.itemPathURL(childRel), nil, nil)
	if err == nil && status == http.StatusOK {
		var item driveItem
		if jsonErr := json.Unmarshal(body, &item); jsonErr == nil {
			return childRel, nil
		}
	}

	parentURL := b.itemPathURL(parentRelPath) + ":/children"
	if parentRelPath == "" {
		parentURL = fmt.Sprintf("%s/users/%s/drive/root/children", graphBaseURL, url.PathEscape(b.UserEmail))
	}
	createPayload := map[string]any{
		"name":                              name,
		"folder":                            map[string]any{},
		"@microsoft.graph.conflictBehavior": "rename",
	}
	respBody, status, err := b.doJSON(ctx, http.MethodPost, parentURL, createPayload, nil)
	if err != nil {
		return "", apperr.StorageError("create_folder_segment", err)
	}
	if status >= 400 {
		return "", apperr.GraphQueryError(parentURL, status, string(respBody))
	}
	return childRel, nil
}

// CreateFolder ensures every path segment of root/{YYYYMMDD}_{sender}_{subject}
// exists, probing and creating one segment at a time (§4.5.3).
func (b *Backend) CreateFolder(ctx context.Context, mail domain.SavedMailData) (domain.MailFolder, error) {
	return b.ensurePath(ctx, path.Join(b.Root, folderName(mail)))
}

// CreateFolderFlat ensures root/{basePath} exists with no per-mail
// subfolder.
func (b *Backend) CreateFolderFlat(ctx context.Context, basePath string) (domain.MailFolder, error) {
	full := b.Root
	if basePath != "" {
		full = path.Join(b.Root, basePath)
	}
	folder, err := b.ensurePath(ctx, full)
	folder.Flat = true
	return folder, err
}

func (b *Backend) ensurePath(ctx context.Context, fullRelPath string) (domain.MailFolder, error) {
	fullRelPath = strings.Trim(fullRelPath, "/")
	if fullRelPath == "" {
		return domain.MailFolder{Path: ""}, nil
	}
	segments := strings.Split(fullRelPath, "/")
	current := ""
	for _, seg := range segments {
		next, err := b.ensureSegment(ctx, current, seg)
		if err != nil {
			return domain.MailFolder{}, err
		}
		current = next
	}
	return domain.MailFolder{Path: current}, nil
}

var invalidNameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)
var whitespaceRun = regexp.MustCompile(`\s+`)

func sanitizeSegment(s string, maxLen int) string {
	s = invalidNameChars.ReplaceAllString(s, "")
	s = whitespaceRun.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	if s == "" {
		s = "unknown"
	}
	r := []rune(s)
	if len(r) > maxLen {
		r = r[:maxLen]
	}
	return strings.TrimSpace(string(r))
}

func folderName(mail domain.SavedMailData) string {
	date := mail.ReceivedDateTime.Format("20060102")
	sender := sanitizeSegment(mail.SenderName, 30)
	if sender == "unknown" || sender == "" {
		sender = sanitizeSegment(mail.SenderAddress, 30)
	}
	subject := sanitizeSegment(mail.Subject, 50)
	return fmt.Sprintf("%s_%s_%s", date, sender, subject)
}

// uniqueName asks Graph whether folder/name already exists and, if so,
// suffixes _1, _2, … before the extension until a free name is found
// (§4.5.3 collision handling — mirrored client-side since Graph's own
// conflictBehavior=rename is reserved for folder creation above).
func (b *Backend) uniqueName(ctx context.Context, folderRelPath, filename string) (string, error) {
	ext := path.Ext(filename)
	base := strings.TrimSuffix(filename, ext)
	candidate := filename
	for i := 0; ; i++ {
		if i > 0 {
			candidate = fmt.Sprintf("%s_%d%s", base, i, ext)
		}
		rel := candidate
		if folderRelPath != "" {
			rel = folderRelPath + "/" + candidate
		}
		_, status, err := b.doJSON(ctx, http.MethodGet, b.itemPathURL(rel), nil, nil)
		if err != nil {
			return "", err
		}
		if status == http.StatusNotFound {
			return candidate, nil
		}
	}
}

// SaveFile uploads data under folder as a sanitized, collision-free name,
// choosing a single PUT or a chunked upload session by size (§4.5.3).
func (b *Backend) SaveFile(ctx context.Context, folder domain.MailFolder, filename string, data []byte, contentType string) (domain.MailFile, error) {
	if int64(len(data)) > maxFileSize {
		return domain.MailFile{}, apperr.ValidationError("attachment exceeds the 250 GiB upload ceiling")
	}
	ext := path.Ext(filename)
	base := sanitizeSegment(strings.TrimSuffix(filename, ext), 100-len([]rune(ext)))
	safeName, err := b.uniqueName(ctx, folder.Path, base+ext)
	if err != nil {
		return domain.MailFile{}, apperr.StorageError("resolve_unique_name", err)
	}
	rel := safeName
	if folder.Path != "" {
		rel = folder.Path + "/" + safeName
	}

	if len(data) <= smallUploadLimit {
		if err := b.putSmall(ctx, rel, data, contentType); err != nil {
			return domain.MailFile{}, err
		}
	} else {
		if err := b.putChunked(ctx, rel, data); err != nil {
			return domain.MailFile{}, err
		}
	}

	return domain.MailFile{
		Name:        safeName,
		ContentType: contentType,
		Size:        int64(len(data)),
		LocationID:  rel,
	}, nil
}

func (b *Backend) putSmall(ctx context.Context, rel string, data []byte, contentType string) error {
	uploadURL := b.itemPathURL(rel) + ":/content"
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return apperr.StorageError("upload_content", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return apperr.GraphQueryError(uploadURL, resp.StatusCode, string(body))
	}
	return nil
}

type uploadSession struct {
	UploadURL string `json:"uploadUrl"`
}

// putChunked creates an upload session and PUTs data in chunkSize pieces,
// each carrying a Content-Range header. Non-final chunks must see 202; the
// final chunk must see 200/201. An unexpected status gets one retry after a
// short delay, then the session is cancelled (§4.5.3).
func (b *Backend) putChunked(ctx context.Context, rel string, data []byte) error {
	sessionURL := b.itemPathURL(rel) + ":/createUploadSession"
	payload := map[string]any{"item": map[string]any{"@microsoft.graph.conflictBehavior": "rename"}}
	body, status, err := b.doJSON(ctx, http.MethodPost, sessionURL, payload, nil)
	if err != nil {
		return apperr.StorageError("create_upload_session", err)
	}
	if status >= 400 {
		return apperr.GraphQueryError(sessionURL, status, string(body))
	}
	var session uploadSession
	if err := json.Unmarshal(body, &session); err != nil || session.UploadURL == "" {
		return apperr.StorageError("parse_upload_session", err)
	}

	total := len(data)
	for start := 0; start < total; start += chunkSize {
		end := start + chunkSize
		if end > total {
			end = total
		}
		final := end == total
		status, err := b.putChunk(ctx, session.UploadURL, data[start:end], start, end, total)
		if err != nil || !acceptableChunkStatus(status, final) {
			time.Sleep(2 * time.Second)
			status, err = b.putChunk(ctx, session.UploadURL, data[start:end], start, end, total)
			if err != nil || !acceptableChunkStatus(status, final) {
				b.cancelSession(ctx, session.UploadURL)
				if err == nil {
					err = fmt.Errorf("unexpected chunk status %d", status)
				}
				return apperr.StorageError("upload_chunk", err)
			}
		}
	}
	return nil
}

func acceptableChunkStatus(status int, final bool) bool {
	if final {
		return status == http.StatusOK || status == http.StatusCreated
	}
	return status == http.StatusAccepted
}

func (b *Backend) putChunk(ctx context.Context, uploadURL string, chunk []byte, start, end, total int) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(chunk))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Length", fmt.Sprintf("%d", len(chunk)))
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end-1, total))
	resp, err := b.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func (b *Backend) cancelSession(ctx context.Context, uploadURL string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, uploadURL, nil)
	if err != nil {
		return
	}
	resp, err := b.http.Do(req)
	if err != nil {
		logger.Warn("[onedrive] failed to cancel upload session: %v", err)
		return
	}
	resp.Body.Close()
}

// SaveMailContent uploads the stripped message body as {subject}.txt.
func (b *Backend) SaveMailContent(ctx context.Context, folder domain.MailFolder, mail domain.SavedMailData, text string) (domain.MailFile, error) {
	name := sanitizeSegment(mail.Subject, 50)
	if name == "" {
		name = "message"
	}
	return b.SaveFile(ctx, folder, name+".txt", []byte(text), "text/plain")
}
