package services

import (
	"context"
	"errors"
	"fmt"
	"io"

	"redminetojira/api"
	"redminetojira/models"
	"redminetojira/utils"
)

// SourceAPI is the part of the source tracker the pipeline talks to.
type SourceAPI interface {
	ListIssuesPage(ctx context.Context, filter models.IssueFilter, offset, limit int) (models.IssuePage, error)
	GetJournals(ctx context.Context, issueID int) ([]models.CommentEntry, error)
	GetAttachments(ctx context.Context, issueID int) ([]models.AttachmentRef, error)
	Download(ctx context.Context, contentURL string) (io.ReadCloser, error)
}

// PageFunc fetches the page starting at offset. total is whatever count the
// server reported; it is informational only.
type PageFunc[T any] func(ctx context.Context, offset, limit int) (items []T, total int, err error)

// FetchAll collects every page, starting at offset 0 and advancing by the
// number of items each page returned, until a page comes back empty. Each
// page is retried per policy; an error that survives retries aborts the
// whole listing.
func FetchAll[T any](ctx context.Context, pageSize int, policy utils.RetryPolicy, fetch PageFunc[T]) ([]T, error) {
	if pageSize <= 0 {
		pageSize = 100
	}

	var (
		all      []T
		offset   int
		reported int
	)
	for {
		var items []T
		err := utils.Retry(ctx, policy, func(ctx context.Context) error {
			var err error
			items, reported, err = fetch(ctx, offset, pageSize)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("fetch page at offset %d: %w", offset, err)
		}

		if len(items) == 0 {
			break
		}
		all = append(all, items...)
		offset += len(items)
		utils.LogDebug("fetched %d items (reported total %d)", len(all), reported)
	}

	if reported > 0 && reported != len(all) {
		utils.LogWarn("server reported %d items but pagination returned %d", reported, len(all))
	}
	return all, nil
}

// Fetcher lists source issues and their sub-resources.
type Fetcher struct {
	source   SourceAPI
	filter   models.IssueFilter
	pageSize int
	retry    utils.RetryPolicy
}

// NewFetcher creates a fetcher for the issues matching filter.
func NewFetcher(source SourceAPI, filter models.IssueFilter, pageSize int, retry utils.RetryPolicy) *Fetcher {
	return &Fetcher{
		source:   source,
		filter:   filter,
		pageSize: pageSize,
		retry:    retry,
	}
}

// ListItems returns every matching issue in ascending id order.
func (f *Fetcher) ListItems(ctx context.Context) ([]models.IssueRecord, error) {
	utils.LogInfo("Fetching issues (project=%q status=%q priority=%q)", f.filter.ProjectID, f.filter.StatusID, f.filter.PriorityID)

	return FetchAll(ctx, f.pageSize, f.retry, func(ctx context.Context, offset, limit int) ([]models.IssueRecord, int, error) {
		page, err := f.source.ListIssuesPage(ctx, f.filter, offset, limit)
		return page.Issues, page.TotalCount, err
	})
}

// Comments returns the journals of one issue. Any failure other than an
// authentication error degrades to an empty list.
func (f *Fetcher) Comments(ctx context.Context, issue models.IssueRecord) ([]models.CommentEntry, error) {
	var journals []models.CommentEntry
	err := utils.Retry(ctx, f.retry, func(ctx context.Context) error {
		var err error
		journals, err = f.source.GetJournals(ctx, issue.ID)
		return err
	})
	return degrade(issue.ID, "journals", journals, err)
}

// Attachments returns the attachment metadata of one issue, degrading the
// same way as Comments.
func (f *Fetcher) Attachments(ctx context.Context, issue models.IssueRecord) ([]models.AttachmentRef, error) {
	var refs []models.AttachmentRef
	err := utils.Retry(ctx, f.retry, func(ctx context.Context) error {
		var err error
		refs, err = f.source.GetAttachments(ctx, issue.ID)
		return err
	})
	return degrade(issue.ID, "attachments", refs, err)
}

func degrade[T any](issueID int, what string, items []T, err error) ([]T, error) {
	if err == nil {
		return items, nil
	}
	if api.IsFatal(err) || errors.Is(err, context.Canceled) {
		return nil, err
	}

	if errors.Is(err, api.ErrNotFound) {
		utils.LogWarn("Issue %d: no %s found", issueID, what)
	} else {
		utils.LogWarn("Issue %d: could not fetch %s, continuing without them: %v", issueID, what, err)
	}
	return nil, nil
}
