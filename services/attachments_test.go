package services

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"redminetojira/api"
	"redminetojira/models"
)

func TestTransferDownloadsValidatesAndUploads(t *testing.T) {
	cfg := testConfig(t)
	source := newFakeSource()
	ref := source.addAttachment(10, "notes.txt", "text/plain", []byte("hello"))
	dest := newFakeDestination()

	transfer := NewAttachmentTransfer(cfg, source, dest, noRetry())
	out := transfer.Transfer(context.Background(), 10, "MIG-1", ref)
	if out.Status != TransferUploaded || out.Err != nil {
		t.Fatalf("expected upload, got %s (%v)", out.Status, out.Err)
	}
	if len(dest.uploads) != 1 || dest.uploads[0].key != "MIG-1" || string(dest.uploads[0].data) != "hello" {
		t.Fatalf("unexpected uploads %+v", dest.uploads)
	}

	staged, err := os.ReadFile(filepath.Join(cfg.AttachmentsDir, "10", "notes.txt"))
	if err != nil || string(staged) != "hello" {
		t.Fatalf("expected staged copy, got %q (%v)", staged, err)
	}
}

func TestTransferReusesStagedCopy(t *testing.T) {
	cfg := testConfig(t)
	source := newFakeSource()
	ref := source.addAttachment(3, "shot.png", "image/png", []byte("fresh"))

	transfer := NewAttachmentTransfer(cfg, source, nil, noRetry())
	path := transfer.StagePath(3, ref.Filename)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("cached"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	out := transfer.Transfer(context.Background(), 3, "", ref)
	if out.Status != TransferStaged {
		t.Fatalf("expected staged, got %s (%v)", out.Status, out.Err)
	}
	if source.downloads != 0 {
		t.Fatalf("expected no download, got %d", source.downloads)
	}
}

func TestTransferRejectsOversizedFiles(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxAttachmentSize = 8
	source := newFakeSource()

	declared := source.addAttachment(1, "big.txt", "text/plain", bytes.Repeat([]byte("x"), 20))
	transfer := NewAttachmentTransfer(cfg, source, nil, noRetry())

	out := transfer.Transfer(context.Background(), 1, "", declared)
	if out.Status != TransferRejected || !errors.Is(out.Err, ErrAttachmentTooLarge) {
		t.Fatalf("expected rejection before download, got %s (%v)", out.Status, out.Err)
	}
	if source.downloads != 0 {
		t.Fatalf("declared size should reject without downloading")
	}

	undeclared := declared
	undeclared.Size = 0
	out = transfer.Transfer(context.Background(), 1, "", undeclared)
	if out.Status != TransferRejected || !errors.Is(out.Err, ErrAttachmentTooLarge) {
		t.Fatalf("expected rejection while streaming, got %s (%v)", out.Status, out.Err)
	}
	if _, err := os.Stat(out.Path); !os.IsNotExist(err) {
		t.Fatalf("oversized download must not be staged: %v", err)
	}
}

func TestTransferChecksMediaType(t *testing.T) {
	cfg := testConfig(t)
	source := newFakeSource()
	transfer := NewAttachmentTransfer(cfg, source, nil, noRetry())

	declared := source.addAttachment(2, "setup.exe", "application/x-msdownload", []byte("MZ"))
	out := transfer.Transfer(context.Background(), 2, "", declared)
	if out.Status != TransferRejected || !errors.Is(out.Err, ErrAttachmentType) {
		t.Fatalf("expected type rejection, got %s (%v)", out.Status, out.Err)
	}

	sniffed := source.addAttachment(2, "readme", "", []byte("plain words only"))
	out = transfer.Transfer(context.Background(), 2, "", sniffed)
	if out.Status != TransferStaged {
		t.Fatalf("expected sniffed text to pass, got %s (%v)", out.Status, out.Err)
	}
}

func TestTransferDownloadFailureLeavesNothingBehind(t *testing.T) {
	cfg := testConfig(t)
	source := newFakeSource()
	ref := source.addAttachment(4, "log.txt", "text/plain", []byte("data"))
	source.downloadErr[ref.ContentURL] = &api.APIError{StatusCode: http.StatusRequestTimeout}

	transfer := NewAttachmentTransfer(cfg, source, nil, noRetry())
	out := transfer.Transfer(context.Background(), 4, "", ref)
	if out.Status != TransferFailed || !errors.Is(out.Err, api.ErrRequestTimeout) {
		t.Fatalf("expected failure, got %s (%v)", out.Status, out.Err)
	}

	entries, _ := os.ReadDir(filepath.Join(cfg.AttachmentsDir, "4"))
	if len(entries) != 0 {
		t.Fatalf("expected an empty staging dir, got %v", entries)
	}
}

func TestTransferWithoutSourceNeedsStagedFile(t *testing.T) {
	cfg := testConfig(t)
	transfer := NewAttachmentTransfer(cfg, nil, newFakeDestination(), noRetry())

	out := transfer.Transfer(context.Background(), 9, "MIG-9", models.AttachmentRef{Filename: "missing.txt"})
	if out.Status != TransferFailed || !errors.Is(out.Err, ErrAttachmentNotFound) {
		t.Fatalf("expected not found, got %s (%v)", out.Status, out.Err)
	}
}

func TestMatchMIME(t *testing.T) {
	allowed := []string{"image/*", "application/pdf", "text/plain"}
	tests := map[string]bool{
		"image/png":       true,
		"IMAGE/JPEG":      true,
		"application/pdf": true,
		"text/plain":      true,
		"text/html":       false,
		"application/zip": false,
	}
	for mediaType, want := range tests {
		if got := MatchMIME(allowed, mediaType); got != want {
			t.Fatalf("MatchMIME(%q): expected %v", mediaType, want)
		}
	}
	if !MatchMIME([]string{"*/*"}, "application/zip") {
		t.Fatalf("*/* should allow everything")
	}
}

func TestUniqueFilenames(t *testing.T) {
	refs := UniqueFilenames([]models.AttachmentRef{
		{ID: 11, Filename: "log.txt"},
		{ID: 12, Filename: "shot.png"},
		{ID: 13, Filename: "dir/log.txt"},
	})
	want := []string{"11_log.txt", "shot.png", "13_log.txt"}
	for i, ref := range refs {
		if ref.Filename != want[i] {
			t.Fatalf("ref %d: expected %q, got %q", i, want[i], ref.Filename)
		}
	}

	cfg := testConfig(t)
	transfer := NewAttachmentTransfer(cfg, nil, nil, noRetry())
	if transfer.StagePath(1, refs[0].Filename) == transfer.StagePath(1, refs[2].Filename) {
		t.Fatalf("repeated filenames must stage to different files")
	}
}

func TestSafeFilename(t *testing.T) {
	tests := map[string]string{
		"report.pdf":            "report.pdf",
		"../../etc/passwd":      "passwd",
		`..\windows\system.ini`: "system.ini",
		"":                      "attachment",
		"..":                    "attachment",
	}
	for in, want := range tests {
		got := SafeFilename(in)
		if got != want {
			t.Fatalf("SafeFilename(%q): expected %q, got %q", in, want, got)
		}
		if strings.ContainsAny(got, `/\`) {
			t.Fatalf("SafeFilename(%q) kept a separator: %q", in, got)
		}
	}
}
