// Package local implements the Storage Backend (§4.5.3) against the local
// filesystem: folders under a configured base directory, filenames
// sanitized and collision-suffixed before write.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"worker_server/core/domain"
	"worker_server/core/port/out"
	"worker_server/pkg/apperr"
)

// Backend writes attachments and mail bodies under Root, one subdirectory
// per message named {YYYYMMDD}_{sender}_{subject} (§3).
type Backend struct {
	Root string
}

var _ out.StorageBackend = (*Backend)(nil)

// New returns a Backend rooted at root, creating it if it doesn't exist.
func New(root string) (*Backend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, apperr.StorageError("create_root", err)
	}
	return &Backend{Root: root}, nil
}

var invalidNameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)
var whitespaceRun = regexp.MustCompile(`\s+`)

// sanitizeSegment strips filename-hostile characters, collapses whitespace,
// and bounds the result to maxLen runes (§3, §4.5.3).
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

// folderName derives {YYYYMMDD}_{sender-name}_{subject} from mail, with the
// sender and subject segments bounded per §3.
func folderName(mail domain.SavedMailData) string {
	date := mail.ReceivedDateTime.Format("20060102")
	sender := sanitizeSegment(mail.SenderName, 30)
	if sender == "unknown" || sender == "" {
		sender = sanitizeSegment(mail.SenderAddress, 30)
	}
	subject := sanitizeSegment(mail.Subject, 50)
	return fmt.Sprintf("%s_%s_%s", date, sender, subject)
}

// CreateFolder ensures {root}/{YYYYMMDD}_{sender}_{subject} exists.
func (b *Backend) CreateFolder(ctx context.Context, mail domain.SavedMailData) (domain.MailFolder, error) {
	path := filepath.Join(b.Root, folderName(mail))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return domain.MailFolder{}, apperr.StorageError("create_folder", err)
	}
	return domain.MailFolder{Path: path}, nil
}

// CreateFolderFlat ensures {root}/{basePath} (or just root) exists, with no
// per-mail subfolder (§4.5.3).
func (b *Backend) CreateFolderFlat(ctx context.Context, basePath string) (domain.MailFolder, error) {
	path := b.Root
	if basePath != "" {
		path = filepath.Join(b.Root, basePath)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return domain.MailFolder{}, apperr.StorageError("create_folder_flat", err)
	}
	return domain.MailFolder{Path: path, Flat: true}, nil
}

// uniquePath inserts _1, _2, … before the extension until path does not
// already exist (§4.5.3 collision handling).
func uniquePath(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", base, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// SaveFile writes data under folder as a sanitized, collision-free filename
// bounded to 100 runes including extension (§3).
func (b *Backend) SaveFile(ctx context.Context, folder domain.MailFolder, filename string, data []byte, contentType string) (domain.MailFile, error) {
	ext := filepath.Ext(filename)
	base := sanitizeSegment(strings.TrimSuffix(filename, ext), 100-len([]rune(ext)))
	safeName := base + ext
	path := uniquePath(filepath.Join(folder.Path, safeName))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return domain.MailFile{}, apperr.StorageError("save_file", err)
	}
	return domain.MailFile{
		Name:        filepath.Base(path),
		ContentType: contentType,
		Size:        int64(len(data)),
		LocationID:  path,
	}, nil
}

// SaveMailContent writes the stripped message body as {subject}.txt
// alongside the mail's attachments.
func (b *Backend) SaveMailContent(ctx context.Context, folder domain.MailFolder, mail domain.SavedMailData, text string) (domain.MailFile, error) {
	name := sanitizeSegment(mail.Subject, 50)
	if name == "" {
		name = "message"
	}
	return b.SaveFile(ctx, folder, name+".txt", []byte(text), "text/plain")
}
