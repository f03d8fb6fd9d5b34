package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"redminetojira/config"
	"redminetojira/models"
	"redminetojira/utils"
)

// Downloader fetches attachment content from the source tracker.
type Downloader interface {
	Download(ctx context.Context, contentURL string) (io.ReadCloser, error)
}

// Uploader attaches a file to a destination issue.
type Uploader interface {
	UploadAttachment(ctx context.Context, issueKey, filename string, content io.Reader) error
}

// TransferStatus is the result of moving one attachment.
type TransferStatus string

const (
	TransferUploaded TransferStatus = "uploaded"
	TransferStaged   TransferStatus = "staged"
	TransferRejected TransferStatus = "rejected"
	TransferFailed   TransferStatus = "failed"
)

// TransferOutcome describes what happened to one attachment.
type TransferOutcome struct {
	Ref    models.AttachmentRef
	Status TransferStatus
	Path   string
	Err    error
}

// OK reports whether the attachment reached the furthest step requested.
func (o TransferOutcome) OK() bool {
	return o.Status == TransferUploaded || o.Status == TransferStaged
}

// AttachmentTransfer stages attachments locally and uploads them. Staged
// files are kept and reused on later runs.
type AttachmentTransfer struct {
	config *config.Config
	source Downloader
	dest   Uploader
	retry  utils.RetryPolicy
}

// NewAttachmentTransfer creates a transfer. source may be nil, in which case
// only files already staged can be used; dest may be nil for export runs.
func NewAttachmentTransfer(cfg *config.Config, source Downloader, dest Uploader, retry utils.RetryPolicy) *AttachmentTransfer {
	return &AttachmentTransfer{
		config: cfg,
		source: source,
		dest:   dest,
		retry:  retry,
	}
}

// StagePath returns where the attachment of an issue is kept locally.
func (a *AttachmentTransfer) StagePath(issueID int, filename string) string {
	return filepath.Join(a.config.AttachmentsDir, strconv.Itoa(issueID), SafeFilename(filename))
}

// Transfer stages, validates and, when destKey is set, uploads one
// attachment. It never returns an error: the outcome carries it.
func (a *AttachmentTransfer) Transfer(ctx context.Context, issueID int, destKey string, ref models.AttachmentRef) TransferOutcome {
	out := TransferOutcome{Ref: ref, Path: a.StagePath(issueID, ref.Filename)}

	fail := func(err error) TransferOutcome {
		out.Err = err
		out.Status = TransferFailed
		if errors.Is(err, ErrAttachmentTooLarge) || errors.Is(err, ErrAttachmentType) {
			out.Status = TransferRejected
		}
		utils.LogWarn("Issue %d: attachment %q %s: %v", issueID, ref.Filename, out.Status, err)
		return out
	}

	if max := a.config.MaxAttachmentSize; max > 0 && ref.Size > max {
		return fail(fmt.Errorf("%w: declared %d bytes, limit %d", ErrAttachmentTooLarge, ref.Size, max))
	}

	if err := a.stage(ctx, out.Path, ref); err != nil {
		return fail(err)
	}
	if err := a.validate(out.Path, ref); err != nil {
		return fail(err)
	}

	if destKey == "" || a.dest == nil {
		out.Status = TransferStaged
		return out
	}

	if err := a.upload(ctx, destKey, out.Path); err != nil {
		return fail(err)
	}
	utils.LogInfo("Issue %d: uploaded %q to %s", issueID, ref.Filename, destKey)
	out.Status = TransferUploaded
	return out
}

// stage makes sure the attachment exists at path, downloading it when it
// is not already there.
func (a *AttachmentTransfer) stage(ctx context.Context, path string, ref models.AttachmentRef) error {
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		utils.LogDebug("using staged copy %s", path)
		return nil
	}
	if a.source == nil || ref.ContentURL == "" {
		return fmt.Errorf("%w: %s", ErrAttachmentNotFound, path)
	}

	return utils.Retry(ctx, a.retry, func(ctx context.Context) error {
		return a.download(ctx, path, ref.ContentURL)
	})
}

// download streams the content into a temporary file next to path and
// renames it into place once complete.
func (a *AttachmentTransfer) download(ctx context.Context, path, contentURL string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}

	body, err := a.source.Download(ctx, contentURL)
	if err != nil {
		return err
	}
	defer body.Close()

	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	var content io.Reader = body
	limit := a.config.MaxAttachmentSize
	if limit > 0 {
		content = io.LimitReader(body, limit+1)
	}

	n, err := io.Copy(tmp, content)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("download %s: %w", filepath.Base(path), err)
	}
	if limit > 0 && n > limit {
		return fmt.Errorf("%w: more than %d bytes", ErrAttachmentTooLarge, limit)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("stage %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (a *AttachmentTransfer) validate(path string, ref models.AttachmentRef) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat staged file: %w", err)
	}
	if max := a.config.MaxAttachmentSize; max > 0 && info.Size() > max {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrAttachmentTooLarge, info.Size(), max)
	}

	if len(a.config.AllowedMIMETypes) == 0 {
		return nil
	}
	mediaType, err := detectMediaType(path, ref.ContentType)
	if err != nil {
		return err
	}
	if !MatchMIME(a.config.AllowedMIMETypes, mediaType) {
		return fmt.Errorf("%w: %s", ErrAttachmentType, mediaType)
	}
	return nil
}

// upload reopens the staged file on every attempt so a retry starts from
// the first byte.
func (a *AttachmentTransfer) upload(ctx context.Context, destKey, path string) error {
	return utils.Retry(ctx, a.retry, func(ctx context.Context) error {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open staged file: %w", err)
		}
		defer f.Close()
		return a.dest.UploadAttachment(ctx, destKey, filepath.Base(path), f)
	})
}

// detectMediaType prefers the declared content type and sniffs the first
// bytes of the file otherwise.
func detectMediaType(path, declared string) (string, error) {
	if declared != "" {
		if mediaType, _, err := mime.ParseMediaType(declared); err == nil {
			return strings.ToLower(mediaType), nil
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open staged file: %w", err)
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read staged file: %w", err)
	}
	mediaType, _, _ := mime.ParseMediaType(http.DetectContentType(head[:n]))
	return mediaType, nil
}

// MatchMIME reports whether mediaType is allowed. A pattern ending in "*"
// matches every type with that prefix, so "image/*" allows any image.
func MatchMIME(allowed []string, mediaType string) bool {
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	for _, pattern := range allowed {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == "*" || pattern == "*/*" || pattern == mediaType {
			return true
		}
		if prefix, ok := strings.CutSuffix(pattern, "*"); ok && strings.HasPrefix(mediaType, prefix) {
			return true
		}
	}
	return false
}

// SafeFilename strips any directory part from a source filename.
func SafeFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	switch base {
	case "", ".", "..", "/":
		return "attachment"
	}
	return base
}

// UniqueFilenames prefixes the attachment id to every filename that repeats
// within one issue, so each attachment stages to its own file.
func UniqueFilenames(refs []models.AttachmentRef) []models.AttachmentRef {
	counts := make(map[string]int, len(refs))
	for _, ref := range refs {
		counts[SafeFilename(ref.Filename)]++
	}

	out := make([]models.AttachmentRef, len(refs))
	for i, ref := range refs {
		name := SafeFilename(ref.Filename)
		if counts[name] > 1 && ref.ID != 0 {
			ref.Filename = strconv.Itoa(ref.ID) + "_" + name
		}
		out[i] = ref
	}
	return out
}
