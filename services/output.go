package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"redminetojira/models"
	"redminetojira/utils"
)

// ErrRunLocked is returned when another run holds the lock of the same
// project and filter.
var ErrRunLocked = errors.New("another run is using this output")

// RunPaths are the files a run owns under the output directory.
type RunPaths struct {
	Output   string
	Progress string
	Lock     string
	Report   string
}

// Paths returns the files of a migrate run. They are keyed by project and
// by the status and priority values sent to the source query, so runs with
// different filters never share a checkpoint.
func Paths(outputDir, project, status, priority string) RunPaths {
	return runPaths(filepath.Join(outputDir, runPrefix(project, status, priority)))
}

// ExportPaths returns the files of an export run. The "_export" suffix keeps
// them apart from a migrate run over the same filter.
func ExportPaths(outputDir, project, status, priority string) RunPaths {
	return runPaths(filepath.Join(outputDir, runPrefix(project, status, priority)+"_export"))
}

// ImportPaths returns the files of an import run fed from exportFile. They
// sit next to the export with an "_import" suffix.
func ImportPaths(exportFile string) RunPaths {
	base := strings.TrimSuffix(exportFile, filepath.Ext(exportFile))
	base = strings.TrimSuffix(base, "_issues")
	base = strings.TrimSuffix(base, "_export") + "_import"
	return runPaths(base)
}

func runPaths(base string) RunPaths {
	return RunPaths{
		Output:   base + "_issues.json",
		Progress: base + "_progress.log",
		Lock:     base + ".lock",
		Report:   base + "_report.csv",
	}
}

func runPrefix(project, status, priority string) string {
	prefix := pathPart(project, "all") + "_" + pathPart(status, "any")
	if strings.TrimSpace(priority) != "" {
		prefix += "_p" + pathPart(priority, "")
	}
	return prefix
}

func pathPart(value, fallback string) string {
	value = strings.TrimSpace(value)
	if value == "" || value == "*" {
		return fallback
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ', ':', '*', '?':
			return '_'
		}
		return r
	}, value)
}

// NewRunID returns a fresh identifier stamped on every record of a run.
func NewRunID() string {
	return uuid.NewString()
}

// AcquireRunLock takes the exclusive run lock without waiting.
func AcquireRunLock(path string) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrRunLocked, path)
	}
	return lock, nil
}

// OutputStore appends migrated records to the NDJSON output file. Each
// record is flushed to disk before Append returns.
type OutputStore struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// OpenOutputStore opens path for appending, creating it if needed.
func OpenOutputStore(path string) (*OutputStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open output: %w", err)
	}
	return &OutputStore{path: path, file: file}, nil
}

// Path returns the output file path.
func (s *OutputStore) Path() string {
	return s.path
}

// Append writes one record as a single line.
func (s *OutputStore) Append(rec models.MigratedRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record for issue %d: %w", rec.Issue.ID, err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync output: %w", err)
	}
	return nil
}

// Close closes the output file.
func (s *OutputStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// ReadRecords calls fn for each record of an NDJSON file in file order. A
// truncated last line, left by a crash mid-write, is logged and ignored.
func ReadRecords(path string, fn func(models.MigratedRecord) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open records: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	for n := 1; ; n++ {
		var rec models.MigratedRecord
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			utils.LogWarn("%s: ignoring truncated record %d", path, n)
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: record %d: %w", path, n, err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// LoadCompleted returns the latest record of every issue that either
// reached the destination or finished successfully. The caller decides
// which of them are done. A missing file yields an empty set.
func LoadCompleted(path string) (map[int]models.MigratedRecord, error) {
	done := make(map[int]models.MigratedRecord)
	err := ReadRecords(path, func(rec models.MigratedRecord) error {
		if rec.DestinationKey != "" || rec.Outcome == models.OutcomeSuccess {
			done[rec.Issue.ID] = rec
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return done, nil
	}
	return done, err
}

// RecordFile replays an export file as an item source. Only successfully
// exported issues are listed; the latest record of an issue wins.
type RecordFile struct {
	path    string
	records map[int]models.MigratedRecord
	issues  []models.IssueRecord
}

// OpenRecordFile reads an export file. Lines written without an outcome
// are treated as successful exports.
func OpenRecordFile(path string) (*RecordFile, error) {
	records := make(map[int]models.MigratedRecord)
	err := ReadRecords(path, func(rec models.MigratedRecord) error {
		if rec.Outcome == "" || rec.Outcome == models.OutcomeSuccess {
			records[rec.Issue.ID] = rec
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	issues := make([]models.IssueRecord, 0, len(records))
	for _, rec := range records {
		issues = append(issues, rec.Issue)
	}
	sort.Slice(issues, func(i, j int) bool { return issues[i].ID < issues[j].ID })

	utils.LogInfo("Loaded %d exported issues from %s", len(issues), path)
	return &RecordFile{path: path, records: records, issues: issues}, nil
}

// ListItems returns the exported issues in ascending id order.
func (f *RecordFile) ListItems(ctx context.Context) ([]models.IssueRecord, error) {
	return f.issues, ctx.Err()
}

// Comments returns the exported journals of issue.
func (f *RecordFile) Comments(_ context.Context, issue models.IssueRecord) ([]models.CommentEntry, error) {
	return f.records[issue.ID].Comments, nil
}

// Attachments returns the staged attachments of issue. They carry only a
// filename, so they are served from the staging directory.
func (f *RecordFile) Attachments(_ context.Context, issue models.IssueRecord) ([]models.AttachmentRef, error) {
	names := f.records[issue.ID].Attachments
	refs := make([]models.AttachmentRef, 0, len(names))
	for _, name := range names {
		refs = append(refs, models.AttachmentRef{Filename: name})
	}
	return refs, nil
}
