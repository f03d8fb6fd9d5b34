package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"redminetojira/api"
	"redminetojira/config"
	"redminetojira/models"
	"redminetojira/utils"
)

// ItemSource lists the issues of a run and their sub-resources.
type ItemSource interface {
	ListItems(ctx context.Context) ([]models.IssueRecord, error)
	Comments(ctx context.Context, issue models.IssueRecord) ([]models.CommentEntry, error)
	Attachments(ctx context.Context, issue models.IssueRecord) ([]models.AttachmentRef, error)
}

// Destination is the part of the destination tracker the pipeline writes to.
type Destination interface {
	UserDirectory
	FieldCatalog
	Uploader
	CreateIssue(ctx context.Context, fields map[string]any) (string, error)
	TransitionIssue(ctx context.Context, issueKey, targetStatus string) error
	AddComment(ctx context.Context, issueKey, body, visibilityRole string) error
}

// Summary counts the outcomes of a run.
type Summary struct {
	Total            int
	Skipped          int
	Succeeded        int
	Transient        int
	Permanent        int
	Checkpoint       int
	Interrupted      bool
	AttachmentIssues int
}

func (s *Summary) String() string {
	return fmt.Sprintf("total=%d succeeded=%d skipped_transient=%d failed_permanent=%d already_done=%d checkpoint=%d",
		s.Total, s.Succeeded, s.Transient, s.Permanent, s.Skipped, s.Checkpoint)
}

// NewRetryPolicy builds the retry policy of a run from the configuration.
func NewRetryPolicy(cfg *config.Config) utils.RetryPolicy {
	return utils.RetryPolicy{
		MaxAttempts:    cfg.RetryMaxAttempts,
		InitialBackoff: cfg.RetryInitialBackoff,
		MaxBackoff:     cfg.RetryMaxBackoff,
		Jitter:         cfg.RetryInitialBackoff / 2,
		Retryable:      api.IsRetryable,
	}
}

// MigrationService drives issues from the source through the destination.
// Without a destination it only exports.
type MigrationService struct {
	config      *config.Config
	source      ItemSource
	dest        Destination
	transformer *Transformer
	attachments *AttachmentTransfer
	store       *OutputStore
	paths       RunPaths
	runID       string
	retry       utils.RetryPolicy
	pause       *PauseToken
	now         func() time.Time

	mu       sync.Mutex
	summary  *Summary
	progress *Progress
}

// MigrationOption configures a MigrationService.
type MigrationOption func(*MigrationService)

// WithPauseToken lets an operator hold the run between items.
func WithPauseToken(token *PauseToken) MigrationOption {
	return func(m *MigrationService) {
		m.pause = token
	}
}

// WithRetryPolicy overrides the policy derived from the configuration.
func WithRetryPolicy(policy utils.RetryPolicy) MigrationOption {
	return func(m *MigrationService) {
		m.retry = policy
	}
}

// NewMigrationService creates the orchestrator of one run. dest may be nil
// for export runs.
func NewMigrationService(cfg *config.Config, source ItemSource, dest Destination, attachments *AttachmentTransfer, store *OutputStore, paths RunPaths, runID string, opts ...MigrationOption) *MigrationService {
	m := &MigrationService{
		config:      cfg,
		source:      source,
		dest:        dest,
		attachments: attachments,
		store:       store,
		paths:       paths,
		runID:       runID,
		retry:       NewRetryPolicy(cfg),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if dest != nil {
		m.transformer = NewTransformer(cfg, dest, m.retry)
	}
	return m
}

// Run processes every listed item after index start, and every earlier item
// that was created but left incomplete by a previous run. It returns the summary
// even when the run stops early; the error is set only when the run had to
// stop because of a fatal error.
func (m *MigrationService) Run(ctx context.Context, start int) (*Summary, error) {
	startTime := time.Now()
	defer utils.TrackTime(startTime, "Migration run "+m.runID)

	if m.transformer != nil {
		if err := m.transformer.Prepare(ctx, m.dest); err != nil {
			return nil, fmt.Errorf("resolve destination fields: %w", err)
		}
	}

	items, err := m.source.ListItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}

	done, err := LoadCompleted(m.store.Path())
	if err != nil {
		return nil, fmt.Errorf("load earlier output: %w", err)
	}

	if start > len(items) {
		utils.LogWarn("Checkpoint %d is beyond the %d listed issues", start, len(items))
		start = len(items)
	}

	m.summary = &Summary{Total: len(items), Checkpoint: start}
	m.progress = NewProgress(start)
	utils.LogInfo("Processing issues %d..%d of %d (max concurrent: %d)", start+1, len(items), len(items), m.config.MaxConcurrent)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	workers := max(m.config.MaxConcurrent, 1)
	semaphore := make(chan struct{}, workers)
	var wg sync.WaitGroup

loop:
	for i := 0; i < len(items); i++ {
		prev, skip := m.earlier(done, items[i].ID)
		if i < start && prev == nil {
			continue
		}

		select {
		case semaphore <- struct{}{}:
		case <-runCtx.Done():
			break loop
		}
		if err := m.pause.Wait(runCtx); err != nil {
			<-semaphore
			break
		}

		wg.Add(1)
		go func(index int, issue models.IssueRecord) {
			defer wg.Done()
			defer func() { <-semaphore }()

			if skip {
				utils.LogInfo("Issue %d: already done (%s), skipping", issue.ID, done[issue.ID].DestinationKey)
				if err := m.commit(index, nil); err != nil {
					cancel(err)
				}
				return
			}

			rec, stopErr := m.processItem(runCtx, index, issue, prev)
			if rec != nil {
				if err := m.commit(index, rec); err != nil {
					cancel(err)
					return
				}
			}
			if stopErr != nil {
				cancel(stopErr)
			}
		}(i+1, items[i])
	}
	wg.Wait()

	summary := m.summary
	summary.Checkpoint = m.progress.Last()

	if cause := context.Cause(runCtx); cause != nil && !errors.Is(cause, context.Canceled) {
		utils.LogError("Run stopped: %v", cause)
		utils.LogInfo("Summary: %s", summary)
		return summary, cause
	}
	if ctx.Err() != nil {
		summary.Interrupted = true
		utils.LogWarn("Run interrupted, resume will continue after issue index %d", summary.Checkpoint)
	}
	utils.LogInfo("Summary: %s", summary)
	return summary, nil
}

// earlier tells how an issue recorded by an earlier run is handled. Export
// runs skip successful exports. Destination runs skip issues completed with
// a key and continue, from the saved state, issues that were created but
// left incomplete. Records without a key never count in a destination run.
func (m *MigrationService) earlier(done map[int]models.MigratedRecord, issueID int) (prev *models.MigratedRecord, skip bool) {
	rec, ok := done[issueID]
	switch {
	case !ok:
		return nil, false
	case m.dest == nil:
		return nil, rec.Outcome == models.OutcomeSuccess
	case rec.DestinationKey == "":
		return nil, false
	case rec.Outcome == models.OutcomeSuccess:
		return nil, true
	}
	return &rec, false
}

// commit writes the record of a finished item and advances the checkpoint.
// A nil record marks an item that was already done in an earlier run.
func (m *MigrationService) commit(index int, rec *models.MigratedRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec != nil {
		if err := m.store.Append(*rec); err != nil {
			return err
		}
		switch rec.Outcome {
		case models.OutcomeSuccess:
			m.summary.Succeeded++
		case models.OutcomeSkippedTransient:
			m.summary.Transient++
		case models.OutcomeFailedPermanent:
			m.summary.Permanent++
		}
		if len(rec.MissingAttachments) > 0 {
			m.summary.AttachmentIssues++
		}
	} else {
		m.summary.Skipped++
	}

	if last, advanced := m.progress.Complete(index); advanced {
		if err := SaveCheckpoint(m.paths.Progress, last); err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
	}
	return nil
}

// processItem walks one issue through the state machine. A nil record
// means the item was interrupted before anything was created and must be
// retried by the next run. The error is set when the whole run must stop.
// When prev is set the issue already exists under prev.DestinationKey and
// only the steps after prev.State are run.
func (m *MigrationService) processItem(ctx context.Context, index int, issue models.IssueRecord, prev *models.MigratedRecord) (*models.MigratedRecord, error) {
	rec := &models.MigratedRecord{
		RunID:       m.runID,
		Index:       index,
		Issue:       issue,
		Attachments: []string{},
		Comments:    []models.CommentEntry{},
		State:       models.StateFetched,
	}
	steps := context.WithoutCancel(ctx)
	utils.LogInfo("Issue %d: processing (%d/%d)", issue.ID, index, m.summary.Total)

	comments, err := m.source.Comments(steps, issue)
	if err != nil {
		return m.fail(rec, err)
	}
	if comments != nil {
		rec.Comments = comments
	}
	refs, err := m.source.Attachments(steps, issue)
	if err != nil {
		return m.fail(rec, err)
	}
	refs = UniqueFilenames(refs)
	if ctx.Err() != nil {
		return nil, nil
	}

	if m.dest == nil {
		if err := m.transferAttachments(steps, rec, "", refs); err != nil {
			return nil, err
		}
		return m.complete(rec), nil
	}

	var target string
	if prev == nil {
		payload, err := m.transformer.Transform(steps, issue)
		if err != nil {
			return m.fail(rec, err)
		}
		rec.State = models.StateTransformed
		rec.Warnings = append(rec.Warnings, payload.Warnings...)
		if ctx.Err() != nil {
			return nil, nil
		}

		key, err := m.create(steps, payload.Fields)
		if err != nil {
			return m.fail(rec, err)
		}
		rec.DestinationKey = key
		rec.State = models.StateCreated
		target = payload.TargetStatus
		utils.LogInfo("Issue %d: created %s", issue.ID, key)
		if ctx.Err() != nil {
			return m.interrupted(rec, refs), nil
		}
	} else {
		rec.DestinationKey = prev.DestinationKey
		rec.State = prev.State
		rec.Attachments = append(rec.Attachments, prev.Attachments...)
		rec.PostedComments = append(rec.PostedComments, prev.PostedComments...)
		utils.LogInfo("Issue %d: continuing %s after %s", issue.ID, rec.DestinationKey, prev.State)

		if !rec.State.Reached(models.StateStatusTransitioned) {
			payload, err := m.transformer.Transform(steps, issue)
			if err != nil {
				m.warn(rec, "status not resolved: %v", err)
			} else {
				target = payload.TargetStatus
			}
		}
	}

	if !rec.State.Reached(models.StateStatusTransitioned) {
		if err := m.transition(steps, rec, target); api.IsFatal(err) {
			return m.stopped(rec, refs, err)
		}
		rec.State = models.StateStatusTransitioned
		if ctx.Err() != nil {
			return m.interrupted(rec, refs), nil
		}
	}

	if !rec.State.Reached(models.StateAttachmentsDone) {
		if err := m.transferAttachments(steps, rec, rec.DestinationKey, pendingRefs(refs, rec.Attachments)); err != nil {
			return m.stopped(rec, refs, err)
		}
		if ctx.Err() != nil {
			return m.interrupted(rec, refs), nil
		}
	}

	if err := m.postComments(steps, rec, comments); err != nil {
		return m.stopped(rec, refs, err)
	}
	rec.State = models.StateCommentsDone

	return m.complete(rec), nil
}

// create posts the issue. Only rate-limit rejections are retried: after a
// timeout or a server error the issue may exist already.
func (m *MigrationService) create(ctx context.Context, fields map[string]any) (string, error) {
	policy := m.retry
	policy.Retryable = func(err error) bool {
		return errors.Is(err, api.ErrTooManyRequests)
	}

	var key string
	err := utils.Retry(ctx, policy, func(ctx context.Context) error {
		var err error
		key, err = m.dest.CreateIssue(ctx, fields)
		return err
	})
	return key, err
}

// pendingRefs drops the attachments already transferred under names.
func pendingRefs(refs []models.AttachmentRef, names []string) []models.AttachmentRef {
	if len(names) == 0 {
		return refs
	}
	moved := make(map[string]bool, len(names))
	for _, name := range names {
		moved[name] = true
	}
	pending := make([]models.AttachmentRef, 0, len(refs))
	for _, ref := range refs {
		if !moved[SafeFilename(ref.Filename)] {
			pending = append(pending, ref)
		}
	}
	return pending
}

// transition moves the created issue to its mapped status. Failures become
// warnings on the record.
func (m *MigrationService) transition(ctx context.Context, rec *models.MigratedRecord, target string) error {
	if target == "" || strings.EqualFold(target, m.config.InitialStatus) {
		return nil
	}
	err := utils.Retry(ctx, m.retry, func(ctx context.Context) error {
		return m.dest.TransitionIssue(ctx, rec.DestinationKey, target)
	})
	if err != nil {
		m.warn(rec, "status transition to %q failed: %v", target, err)
		return err
	}
	utils.LogInfo("Issue %d: %s moved to %s", rec.Issue.ID, rec.DestinationKey, target)
	return nil
}

// transferAttachments moves every attachment; each failure is recorded and
// does not affect the others.
func (m *MigrationService) transferAttachments(ctx context.Context, rec *models.MigratedRecord, key string, refs []models.AttachmentRef) error {
	for _, ref := range refs {
		out := m.attachments.Transfer(ctx, rec.Issue.ID, key, ref)
		if out.OK() {
			rec.Attachments = append(rec.Attachments, SafeFilename(ref.Filename))
			continue
		}
		rec.MissingAttachments = append(rec.MissingAttachments, ref)
		rec.Warnings = append(rec.Warnings, fmt.Sprintf("attachment %q %s: %v", ref.Filename, out.Status, out.Err))
		if api.IsFatal(out.Err) {
			return out.Err
		}
	}
	rec.State = models.StateAttachmentsDone
	return nil
}

// postComments replays journals in source order. Journals listed in
// rec.PostedComments were posted by an earlier run and are left out.
func (m *MigrationService) postComments(ctx context.Context, rec *models.MigratedRecord, comments []models.CommentEntry) error {
	posted := make(map[int]bool, len(rec.PostedComments))
	for _, id := range rec.PostedComments {
		posted[id] = true
	}
	for _, c := range comments {
		if strings.TrimSpace(c.Notes) == "" || posted[c.ID] {
			continue
		}
		role := ""
		if c.PrivateNotes {
			if m.config.PrivateCommentRole == "" {
				m.warn(rec, "private journal %d skipped, no visibility role configured", c.ID)
				continue
			}
			role = m.config.PrivateCommentRole
		}

		body := CommentBody(c)
		err := utils.Retry(ctx, m.retry, func(ctx context.Context) error {
			return m.dest.AddComment(ctx, rec.DestinationKey, body, role)
		})
		if err != nil {
			m.warn(rec, "journal %d not posted: %v", c.ID, err)
			if api.IsFatal(err) {
				return err
			}
			continue
		}
		rec.PostedComments = append(rec.PostedComments, c.ID)
	}
	return nil
}

// CommentBody renders a journal as a destination comment, naming the
// original author and date.
func CommentBody(c models.CommentEntry) string {
	author := models.RefName(c.User)
	if author == "" {
		author = "unknown"
	}
	header := "Originally posted by " + author
	if c.CreatedOn != "" {
		header += " on " + c.CreatedOn
	}
	return header + ":\n\n" + c.Notes
}

func (m *MigrationService) warn(rec *models.MigratedRecord, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	utils.LogWarn("Issue %d: %s", rec.Issue.ID, msg)
	rec.Warnings = append(rec.Warnings, msg)
}

func (m *MigrationService) complete(rec *models.MigratedRecord) *models.MigratedRecord {
	rec.State = models.StateComplete
	rec.Outcome = models.OutcomeSuccess
	rec.MigratedAt = m.now().UTC()
	utils.LogInfo("Issue %d: complete %s", rec.Issue.ID, rec.DestinationKey)
	return rec
}

// fail ends an item that has not been created yet. Errors that stop the run
// leave no record so the item is retried next time.
func (m *MigrationService) fail(rec *models.MigratedRecord, err error) (*models.MigratedRecord, error) {
	if isStop(err) {
		return nil, err
	}
	rec.Outcome = classify(err)
	rec.State = models.StateFailed
	rec.Reason = err.Error()
	rec.MigratedAt = m.now().UTC()
	utils.LogError("Issue %d: %s: %v", rec.Issue.ID, rec.Outcome, err)
	return rec, nil
}

// interrupted records a created item whose remaining steps were cut short.
// The next run continues it from rec.State.
func (m *MigrationService) interrupted(rec *models.MigratedRecord, refs []models.AttachmentRef) *models.MigratedRecord {
	m.markUntransferred(rec, refs)
	rec.Outcome = models.OutcomeSkippedTransient
	rec.Reason = "interrupted after " + string(rec.State)
	rec.MigratedAt = m.now().UTC()
	utils.LogWarn("Issue %d: %s (%s)", rec.Issue.ID, rec.Reason, rec.DestinationKey)
	return rec
}

// stopped records a created item before a fatal error ends the run.
func (m *MigrationService) stopped(rec *models.MigratedRecord, refs []models.AttachmentRef, err error) (*models.MigratedRecord, error) {
	m.markUntransferred(rec, refs)
	rec.Outcome = models.OutcomeSkippedTransient
	rec.Reason = fmt.Sprintf("stopped after %s: %v", rec.State, err)
	rec.MigratedAt = m.now().UTC()
	return rec, err
}

// markUntransferred lists as missing every attachment of refs that is
// neither transferred nor already listed.
func (m *MigrationService) markUntransferred(rec *models.MigratedRecord, refs []models.AttachmentRef) {
	listed := make(map[string]bool, len(rec.MissingAttachments))
	for _, ref := range rec.MissingAttachments {
		listed[SafeFilename(ref.Filename)] = true
	}
	for _, ref := range pendingRefs(refs, rec.Attachments) {
		if !listed[SafeFilename(ref.Filename)] {
			rec.MissingAttachments = append(rec.MissingAttachments, ref)
		}
	}
}

// RetryMissingAttachments transfers again the attachments that earlier runs
// could not move, for every issue recorded in the output file with a
// destination key. Newly transferred files are recorded in a fresh line of
// the output.
func (m *MigrationService) RetryMissingAttachments(ctx context.Context) (uploaded, failed int, err error) {
	startTime := time.Now()
	defer utils.TrackTime(startTime, "Attachment re-transfer")

	pending := make(map[int]models.MigratedRecord)
	if err := ReadRecords(m.store.Path(), func(rec models.MigratedRecord) error {
		if rec.DestinationKey != "" {
			pending[rec.Issue.ID] = rec
		}
		return nil
	}); err != nil {
		return 0, 0, err
	}

	semaphore := make(chan struct{}, max(m.config.MaxConcurrent, 1))
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)

	for _, rec := range pending {
		if len(rec.MissingAttachments) == 0 {
			continue
		}
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		semaphore <- struct{}{}
		go func(rec models.MigratedRecord) {
			defer wg.Done()
			defer func() { <-semaphore }()

			missing := rec.MissingAttachments
			rec.RunID = m.runID
			rec.MissingAttachments = nil
			rec.Warnings = nil
			for _, ref := range missing {
				out := m.attachments.Transfer(ctx, rec.Issue.ID, rec.DestinationKey, ref)
				mu.Lock()
				if out.OK() {
					uploaded++
					rec.Attachments = append(rec.Attachments, SafeFilename(ref.Filename))
				} else {
					failed++
					rec.MissingAttachments = append(rec.MissingAttachments, ref)
					rec.Warnings = append(rec.Warnings, fmt.Sprintf("attachment %q %s: %v", ref.Filename, out.Status, out.Err))
				}
				mu.Unlock()
			}

			rec.MigratedAt = m.now().UTC()
			if err := m.store.Append(rec); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(rec)
	}
	wg.Wait()

	utils.LogInfo("Attachment re-transfer finished: uploaded=%d failed=%d", uploaded, failed)
	return uploaded, failed, firstErr
}
