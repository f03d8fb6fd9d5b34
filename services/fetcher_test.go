package services

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"

	"pgregory.net/rapid"

	"redminetojira/api"
	"redminetojira/models"
)

func TestFetchAllConcatenatesPagesUntilEmpty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		pageSizes := rapid.SliceOfN(rapid.IntRange(1, 7), 0, 6).Draw(rt, "pages")
		reported := rapid.IntRange(0, 50).Draw(rt, "reported")

		var pages [][]int
		next := 0
		for _, size := range pageSizes {
			page := make([]int, size)
			for i := range page {
				page[i] = next
				next++
			}
			pages = append(pages, page)
		}

		calls := 0
		got, err := FetchAll(context.Background(), 7, noRetry(), func(_ context.Context, offset, limit int) ([]int, int, error) {
			calls++
			if calls > len(pages) {
				return nil, reported, nil
			}
			page := pages[calls-1]
			if len(page) > 0 && page[0] != offset {
				rt.Fatalf("page %d requested at offset %d, expected %d", calls, offset, page[0])
			}
			return page, reported, nil
		})
		if err != nil {
			rt.Fatalf("FetchAll failed: %v", err)
		}
		if len(got) != next {
			rt.Fatalf("expected %d items, got %d", next, len(got))
		}
		for i, v := range got {
			if v != i {
				rt.Fatalf("item %d out of order: %d", i, v)
			}
		}
		if calls != len(pages)+1 {
			rt.Fatalf("expected %d calls, got %d", len(pages)+1, calls)
		}
	})
}

func TestFetchAllAbortsOnPageError(t *testing.T) {
	boom := errors.New("boom")
	_, err := FetchAll(context.Background(), 10, noRetry(), func(_ context.Context, offset, _ int) ([]int, int, error) {
		if offset > 0 {
			return nil, 0, boom
		}
		return []int{1, 2}, 4, nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected page error, got %v", err)
	}
}

// stubSourceAPI fails the sub-resource calls with a fixed error.
type stubSourceAPI struct {
	err error
}

func (s stubSourceAPI) ListIssuesPage(context.Context, models.IssueFilter, int, int) (models.IssuePage, error) {
	return models.IssuePage{}, nil
}

func (s stubSourceAPI) GetJournals(context.Context, int) ([]models.CommentEntry, error) {
	return nil, s.err
}

func (s stubSourceAPI) GetAttachments(context.Context, int) ([]models.AttachmentRef, error) {
	return nil, s.err
}

func (s stubSourceAPI) Download(context.Context, string) (io.ReadCloser, error) {
	return nil, s.err
}

func TestFetcherDegradesSubResourceFailures(t *testing.T) {
	issue := models.IssueRecord{ID: 5}

	tests := []struct {
		name   string
		status int
		fatal  bool
	}{
		{"not found", http.StatusNotFound, false},
		{"server error", http.StatusInternalServerError, false},
		{"unauthorized", http.StatusUnauthorized, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := NewFetcher(stubSourceAPI{err: &api.APIError{StatusCode: tt.status}}, models.IssueFilter{}, 10, noRetry())

			comments, err := fetcher.Comments(context.Background(), issue)
			if tt.fatal {
				if !api.IsFatal(err) {
					t.Fatalf("expected fatal error, got %v", err)
				}
				return
			}
			if err != nil || len(comments) != 0 {
				t.Fatalf("expected empty journals, got %v (%v)", comments, err)
			}

			refs, err := fetcher.Attachments(context.Background(), issue)
			if err != nil || len(refs) != 0 {
				t.Fatalf("expected empty attachments, got %v (%v)", refs, err)
			}
		})
	}
}

func TestFetcherListItemsPaginates(t *testing.T) {
	issues := []models.IssueRecord{basicIssue(t, 1), basicIssue(t, 2), basicIssue(t, 3)}
	source := pagedSource{issues: issues}

	fetcher := NewFetcher(source, models.IssueFilter{ProjectID: "web"}, 2, noRetry())
	got, err := fetcher.ListItems(context.Background())
	if err != nil {
		t.Fatalf("ListItems failed: %v", err)
	}
	if len(got) != 3 || got[2].ID != 3 {
		t.Fatalf("unexpected issues %+v", got)
	}
}

// pagedSource serves issues in offset/limit pages with a stale total.
type pagedSource struct {
	stubSourceAPI
	issues []models.IssueRecord
}

func (s pagedSource) ListIssuesPage(_ context.Context, _ models.IssueFilter, offset, limit int) (models.IssuePage, error) {
	page := models.IssuePage{TotalCount: len(s.issues) + 10}
	if offset < len(s.issues) {
		page.Issues = s.issues[offset:min(offset+limit, len(s.issues))]
	}
	return page, nil
}
