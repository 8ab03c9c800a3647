// Package attachment implements the Attachment Pipeline Orchestrator
// (Component E, §4.5.2): duplicate suppression, folder handling, HTML body
// stripping, per-attachment conversion/truncation/save, and metadata append.
package attachment

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"strings"
	"time"

	"worker_server/core/domain"
	"worker_server/core/port/out"
	"worker_server/pkg/apperr"
	"worker_server/pkg/logger"
)

// FetchRequest drives one orchestrator run across a set of message IDs.
type FetchRequest struct {
	UserEmail      string
	MessageIDs     []string
	SkipDuplicates bool
	SaveFile       bool
	IncludeBody    bool
	FlatFolder     bool
	BasePath       string // used only when FlatFolder is true
	ExtraSelect    []string
	TokenBudget    int
}

// MessageResult is the per-message outcome of a Fetch call.
type MessageResult struct {
	MessageID  string   `json:"message_id"`
	Subject    string   `json:"subject"`
	FolderPath string   `json:"folder_path,omitempty"`
	SavedFiles []string `json:"saved_files,omitempty"`
	BodyText   string   `json:"body_text,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// Result is the aggregate return shape of Fetch.
type Result struct {
	Processed         []MessageResult    `json:"processed"`
	SkippedDuplicates int                `json:"skipped_duplicates"`
	Errors            []domain.BatchError `json:"errors,omitempty"`
}

// Orchestrator wires the Storage Backend, Metadata Manager, and Conversion
// Pipeline together behind the single Fetch entry point the dispatcher binds
// the fetch_attachments tool to.
type Orchestrator struct {
	Storage        out.StorageBackend
	BackendFactory out.StorageBackendFactory // optional: overrides Storage per-call, for backends needing a per-user client (OneDrive)
	Metadata       out.MetadataManager
	Converters     *ConverterRegistry
	TokenBudget    int
}

// New builds an Orchestrator. storage and metadata may be nil for
// metadata-only callers that never pass SaveFile: true.
func New(storage out.StorageBackend, metadata out.MetadataManager, converters *ConverterRegistry, tokenBudget int) *Orchestrator {
	if tokenBudget <= 0 {
		tokenBudget = DefaultTokenBudget
	}
	return &Orchestrator{Storage: storage, Metadata: metadata, Converters: converters, TokenBudget: tokenBudget}
}

// WithBackendFactory sets a per-call Storage Backend resolver (used by the
// OneDrive backend, which needs a client authenticated as the message's
// owner rather than a single process-wide backend instance).
func (o *Orchestrator) WithBackendFactory(factory out.StorageBackendFactory) *Orchestrator {
	o.BackendFactory = factory
	return o
}

// Fetch runs the orchestrator algorithm of §4.5.2 against client, which must
// already be bound to req.UserEmail's session.
func (o *Orchestrator) Fetch(ctx context.Context, client out.GraphClient, req FetchRequest) (*Result, error) {
	ids := req.MessageIDs
	skipped := 0
	if req.SkipDuplicates && o.Metadata != nil {
		before := len(ids)
		ids = o.Metadata.FilterNewMessages(ids)
		skipped = before - len(ids)
	}

	result := &Result{SkippedDuplicates: skipped}
	if len(ids) == 0 {
		return result, nil
	}

	budget := req.TokenBudget
	if budget <= 0 {
		budget = o.TokenBudget
	}

	storage := o.Storage
	if req.SaveFile && o.BackendFactory != nil {
		resolved, err := o.BackendFactory(ctx, req.UserEmail)
		if err != nil {
			return nil, err
		}
		storage = resolved
	}

	messages, batchErrors, err := client.FetchWithAttachments(ctx, out.AttachmentFetchRequest{
		UserEmail:   req.UserEmail,
		MessageIDs:  ids,
		ExtraSelect: req.ExtraSelect,
	})
	if err != nil {
		return nil, err
	}
	result.Errors = batchErrors

	var flatFolder domain.MailFolder
	if req.SaveFile && req.FlatFolder {
		flatFolder, err = storage.CreateFolderFlat(ctx, req.BasePath)
		if err != nil {
			return nil, apperr.StorageError("create_folder_flat", err)
		}
	}

	for i := range messages {
		msg := &messages[i]
		result.Processed = append(result.Processed, o.processOne(ctx, msg, req, flatFolder, budget, storage))
	}
	return result, nil
}

func (o *Orchestrator) processOne(ctx context.Context, msg *domain.MailMessage, req FetchRequest, flatFolder domain.MailFolder, budget int, storage out.StorageBackend) MessageResult {
	mr := MessageResult{MessageID: msg.ID, Subject: msg.Subject}

	savedMailData := domain.SavedMailData{
		MessageID:        msg.ID,
		Subject:          msg.Subject,
		SenderName:       msg.From.NameOrEmpty(),
		SenderAddress:    msg.FromAddress(),
		ReceivedDateTime: msg.ReceivedDateTime,
	}

	var folder domain.MailFolder
	if req.SaveFile {
		var err error
		if req.FlatFolder {
			folder = flatFolder
		} else {
			folder, err = storage.CreateFolder(ctx, savedMailData)
			if err != nil {
				mr.Error = apperr.StorageError("create_folder", err).Error()
				return mr
			}
		}
		mr.FolderPath = folder.Path
	}

	if req.IncludeBody {
		bodyHTML := ""
		if msg.Body != nil {
			bodyHTML = msg.Body.Content
		}
		text := stripHTMLToText(bodyHTML)
		mr.BodyText = text
		if req.SaveFile {
			if _, err := storage.SaveMailContent(ctx, folder, savedMailData, text); err != nil {
				logger.Warn("[attachment] failed to save body for %s: %v", msg.ID, err)
			}
		}
	}

	var savedFiles []string
	for _, att := range msg.Attachments {
		if att.ContentBytes == "" {
			continue // already filtered by the Graph client, but stay defensive
		}
		decoded, err := base64.StdEncoding.DecodeString(att.ContentBytes)
		if err != nil {
			logger.Warn("[attachment] skipping %s on %s: bad base64: %v", att.Name, msg.ID, err)
			continue
		}

		name := att.Name
		data := decoded
		contentType := att.ContentType

		if o.Converters != nil {
			if conv, ok := o.Converters.Find(name); ok {
				text, convErr := conv.Convert(decoded, name)
				if convErr == nil {
					text = truncateToBudget(text, budget)
					name = strings.TrimSuffix(name, filepath.Ext(name)) + ".txt"
					data = []byte(text)
					contentType = "text/plain"
				} else {
					logger.Warn("[attachment] conversion failed for %s: %v, storing original", att.Name, convErr)
				}
			}
		}

		if req.SaveFile {
			file, err := storage.SaveFile(ctx, folder, name, data, contentType)
			if err != nil {
				logger.Warn("[attachment] failed to save %s on %s: %v", name, msg.ID, err)
				continue
			}
			savedFiles = append(savedFiles, file.Name)
		} else {
			savedFiles = append(savedFiles, name)
		}
	}
	mr.SavedFiles = savedFiles

	if req.SaveFile && o.Metadata != nil {
		meta := domain.ProcessedMessageMetadata{
			MessageID:        msg.ID,
			Subject:          msg.Subject,
			Sender:           savedMailData.SenderAddress,
			ReceivedDateTime: msg.ReceivedDateTime,
			FolderPath:       mr.FolderPath,
			SavedFiles:       savedFiles,
			ProcessedAt:      time.Now().UTC(),
			AttachmentCount:  len(savedFiles),
		}
		if err := o.Metadata.AddProcessedMail(meta); err != nil {
			logger.Warn("[attachment] failed to record metadata for %s: %v", msg.ID, err)
		}
	}

	return mr
}
