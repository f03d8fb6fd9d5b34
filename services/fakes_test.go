package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"redminetojira/config"
	"redminetojira/models"
	"redminetojira/utils"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	dir := t.TempDir()
	return &config.Config{
		JiraProjectKey:    "MIG",
		InitialStatus:     "Backlog",
		AttachmentsDir:    filepath.Join(dir, "attachments"),
		OutputDir:         filepath.Join(dir, "projects"),
		MaxConcurrent:     1,
		RetryMaxAttempts:  1,
		MaxAttachmentSize: 1 << 20,
		AllowedMIMETypes:  []string{"text/*", "image/*", "application/pdf"},
		Mappings:          config.DefaultMappings(),
	}
}

func noRetry() utils.RetryPolicy {
	return utils.RetryPolicy{MaxAttempts: 1}
}

func mustIssue(t *testing.T, raw string) models.IssueRecord {
	t.Helper()

	var issue models.IssueRecord
	if err := json.Unmarshal([]byte(raw), &issue); err != nil {
		t.Fatalf("decode issue %s: %v", raw, err)
	}
	return issue
}

func basicIssue(t *testing.T, id int) models.IssueRecord {
	t.Helper()
	return mustIssue(t, fmt.Sprintf(`{
		"id": %d,
		"subject": "Issue %d",
		"description": "Steps to reproduce",
		"tracker": {"id": 1, "name": "Bug"},
		"status": {"id": 2, "name": "In Progress"},
		"priority": {"id": 2, "name": "Normal"},
		"author": {"id": 1, "name": "Jane Doe"},
		"created_on": "2024-01-02T03:04:05Z"
	}`, id, id))
}

// fakeSource serves issues, journals and attachment content from memory.
type fakeSource struct {
	mu          sync.Mutex
	issues      []models.IssueRecord
	comments    map[int][]models.CommentEntry
	attachments map[int][]models.AttachmentRef
	content     map[string][]byte
	downloadErr map[string]error
	downloads   int
}

func newFakeSource(issues ...models.IssueRecord) *fakeSource {
	return &fakeSource{
		issues:      issues,
		comments:    make(map[int][]models.CommentEntry),
		attachments: make(map[int][]models.AttachmentRef),
		content:     make(map[string][]byte),
		downloadErr: make(map[string]error),
	}
}

func (s *fakeSource) addAttachment(issueID int, name, contentType string, data []byte) models.AttachmentRef {
	ref := models.AttachmentRef{
		ID:          len(s.content) + 1,
		Filename:    name,
		Size:        int64(len(data)),
		ContentType: contentType,
		ContentURL:  fmt.Sprintf("mem://%d/%d/%s", issueID, len(s.content)+1, name),
	}
	s.attachments[issueID] = append(s.attachments[issueID], ref)
	s.content[ref.ContentURL] = data
	return ref
}

func (s *fakeSource) ListItems(ctx context.Context) ([]models.IssueRecord, error) {
	return s.issues, nil
}

func (s *fakeSource) Comments(_ context.Context, issue models.IssueRecord) ([]models.CommentEntry, error) {
	return s.comments[issue.ID], nil
}

func (s *fakeSource) Attachments(_ context.Context, issue models.IssueRecord) ([]models.AttachmentRef, error) {
	return s.attachments[issue.ID], nil
}

func (s *fakeSource) Download(_ context.Context, contentURL string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.downloads++
	if err := s.downloadErr[contentURL]; err != nil {
		return nil, err
	}
	data, ok := s.content[contentURL]
	if !ok {
		return nil, fmt.Errorf("no content at %s", contentURL)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type fakeComment struct {
	key, body, role string
}

type fakeUpload struct {
	key, filename string
	data          []byte
}

// fakeDestination records every write and can fail creation per subject.
type fakeDestination struct {
	mu          sync.Mutex
	created     map[string]map[string]any
	nextKey     int
	createCalls int
	createErr   map[string]error
	onCreate    func()
	transitions map[string]string
	comments    []fakeComment
	uploads     []fakeUpload
	users       map[string][]models.DestinationUser
	userLookups int
	fields      []models.DestinationField
}

func newFakeDestination() *fakeDestination {
	return &fakeDestination{
		created:     make(map[string]map[string]any),
		createErr:   make(map[string]error),
		transitions: make(map[string]string),
		users: map[string][]models.DestinationUser{
			"Jane Doe": {{AccountID: "acc-jane", DisplayName: "Jane Doe", Active: true}},
		},
		fields: []models.DestinationField{
			{ID: "customfield_10015", Name: "Start date", Custom: true},
		},
	}
}

func (d *fakeDestination) CreateIssue(_ context.Context, fields map[string]any) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.createCalls++
	summary, _ := fields["summary"].(string)
	if err := d.createErr[summary]; err != nil {
		return "", err
	}
	d.nextKey++
	key := fmt.Sprintf("MIG-%d", d.nextKey)
	d.created[key] = fields
	if d.onCreate != nil {
		d.onCreate()
	}
	return key, nil
}

func (d *fakeDestination) TransitionIssue(_ context.Context, issueKey, targetStatus string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transitions[issueKey] = targetStatus
	return nil
}

func (d *fakeDestination) AddComment(_ context.Context, issueKey, body, role string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.comments = append(d.comments, fakeComment{key: issueKey, body: body, role: role})
	return nil
}

func (d *fakeDestination) UploadAttachment(_ context.Context, issueKey, filename string, content io.Reader) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.uploads = append(d.uploads, fakeUpload{key: issueKey, filename: filename, data: data})
	return nil
}

func (d *fakeDestination) FindUsers(_ context.Context, query string) ([]models.DestinationUser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.userLookups++
	return d.users[query], nil
}

func (d *fakeDestination) ListFields(context.Context) ([]models.DestinationField, error) {
	return d.fields, nil
}

func (d *fakeDestination) createdCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.created)
}

// captureLogs redirects the package loggers into a buffer for one test.
func captureLogs(t *testing.T) *syncBuffer {
	t.Helper()

	buf := &syncBuffer{}
	utils.SetOutput(buf, buf)
	t.Cleanup(func() { utils.SetOutput(io.Discard, io.Discard) })
	return buf
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func readAllRecords(t *testing.T, path string) []models.MigratedRecord {
	t.Helper()

	var records []models.MigratedRecord
	if err := ReadRecords(path, func(rec models.MigratedRecord) error {
		records = append(records, rec)
		return nil
	}); err != nil {
		t.Fatalf("read records: %v", err)
	}
	return records
}
