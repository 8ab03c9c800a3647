package out

import (
	"context"

	"worker_server/core/domain"
)

// StorageBackend is the pluggable capability set §4.5.3 and §9 describe:
// local disk or OneDrive, behind one abstract interface. Any future backend
// (S3, SharePoint) is an additional implementation, not a protocol change.
type StorageBackend interface {
	// CreateFolder derives a per-mail folder name from mail and ensures it
	// exists, returning a handle later calls address by.
	CreateFolder(ctx context.Context, mail domain.SavedMailData) (domain.MailFolder, error)

	// CreateFolderFlat returns a handle to basePath (or the backend's root)
	// without any per-mail subfolder.
	CreateFolderFlat(ctx context.Context, basePath string) (domain.MailFolder, error)

	// SaveFile writes bytes under folder as filename, sanitizing the name and
	// suffixing on collision, and returns a backend-assigned location id.
	SaveFile(ctx context.Context, folder domain.MailFolder, filename string, data []byte, contentType string) (domain.MailFile, error)

	// SaveMailContent writes the message body text alongside the attachments.
	SaveMailContent(ctx context.Context, folder domain.MailFolder, mail domain.SavedMailData, text string) (domain.MailFile, error)
}

// StorageBackendFactory resolves a StorageBackend scoped to one user,
// for backends (OneDrive) that need a client authenticated as that user
// rather than a single process-wide instance.
type StorageBackendFactory func(ctx context.Context, userEmail string) (StorageBackend, error)

// Converter addresses one attachment file-extension family (§4.5.4).
type Converter interface {
	Supports(ext string) bool
	SupportedExtensions() []string
	Convert(data []byte, filename string) (string, error)
}

// MetadataManager is the JSON-file-backed processed-message ledger (§4.5.5).
type MetadataManager interface {
	IsDuplicate(messageID string) bool
	AddProcessedMail(meta domain.ProcessedMessageMetadata) error
	FilterNewMessages(ids []string) []string
}
