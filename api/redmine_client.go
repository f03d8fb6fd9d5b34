package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"redminetojira/config"
	"redminetojira/models"
)

const redmineKeyHeader = "X-Redmine-API-Key"

// RedmineClient talks to the source tracker.
type RedmineClient struct {
	config    *config.Config
	baseURL   string
	host      string
	transport *Transport
}

// NewRedmineClient creates a Redmine client sharing the given limiter.
func NewRedmineClient(cfg *config.Config, limiter *RateLimiter, opts ...TransportOption) *RedmineClient {
	baseURL := strings.TrimRight(cfg.RedmineURL, "/")
	host := ""
	if u, err := url.Parse(baseURL); err == nil {
		host = strings.ToLower(u.Host)
	}
	return &RedmineClient{
		config:    cfg,
		baseURL:   baseURL,
		host:      host,
		transport: NewTransport(limiter, append(opts, WithTimeout(cfg.HTTPTimeout), WithBaseHeaders(clientHeaders))...),
	}
}

func (r *RedmineClient) newRequest(ctx context.Context, method, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	r.authorize(req)
	return req, nil
}

// authorize adds the API key when req goes to the configured Redmine host.
func (r *RedmineClient) authorize(req *http.Request) {
	if r.host == "" || !strings.EqualFold(req.URL.Host, r.host) {
		return
	}
	req.Header.Set(redmineKeyHeader, r.config.RedmineAPIKey)
}

// CheckAuth verifies the API key against the current-user endpoint.
func (r *RedmineClient) CheckAuth(ctx context.Context) error {
	req, err := r.newRequest(ctx, http.MethodGet, r.baseURL+"/users/current.json")
	if err != nil {
		return err
	}
	return r.transport.DoJSON(req, nil)
}

// ListIssuesPage returns one page of issues, ordered by ascending id.
func (r *RedmineClient) ListIssuesPage(ctx context.Context, filter models.IssueFilter, offset, limit int) (models.IssuePage, error) {
	params := url.Values{}
	if filter.ProjectID != "" {
		params.Set("project_id", filter.ProjectID)
	} else {
		params.Set("subproject_id", "!*")
	}
	if filter.StatusID != "" {
		params.Set("status_id", filter.StatusID)
	}
	if filter.PriorityID != "" {
		params.Set("priority_id", filter.PriorityID)
	}
	params.Set("sort", "id")
	params.Set("offset", strconv.Itoa(offset))
	params.Set("limit", strconv.Itoa(limit))

	req, err := r.newRequest(ctx, http.MethodGet, r.baseURL+"/issues.json?"+params.Encode())
	if err != nil {
		return models.IssuePage{}, err
	}

	var page models.IssuePage
	if err := r.transport.DoJSON(req, &page); err != nil {
		return models.IssuePage{}, err
	}
	return page, nil
}

// GetJournals returns the journal entries of an issue in source order.
func (r *RedmineClient) GetJournals(ctx context.Context, issueID int) ([]models.CommentEntry, error) {
	var result struct {
		Issue struct {
			Journals []models.CommentEntry `json:"journals"`
		} `json:"issue"`
	}
	if err := r.getIssue(ctx, issueID, "journals", &result); err != nil {
		return nil, err
	}
	return result.Issue.Journals, nil
}

// GetAttachments returns the attachment metadata of an issue.
func (r *RedmineClient) GetAttachments(ctx context.Context, issueID int) ([]models.AttachmentRef, error) {
	var result struct {
		Issue struct {
			Attachments []models.AttachmentRef `json:"attachments"`
		} `json:"issue"`
	}
	if err := r.getIssue(ctx, issueID, "attachments", &result); err != nil {
		return nil, err
	}
	return result.Issue.Attachments, nil
}

func (r *RedmineClient) getIssue(ctx context.Context, issueID int, include string, out any) error {
	endpoint := fmt.Sprintf("%s/issues/%d.json?include=%s", r.baseURL, issueID, url.QueryEscape(include))
	req, err := r.newRequest(ctx, http.MethodGet, endpoint)
	if err != nil {
		return err
	}
	return r.transport.DoJSON(req, out)
}

// Download opens the content of an attachment as a stream. The caller
// closes the returned reader. The API key is only sent when contentURL
// points at the Redmine host.
func (r *RedmineClient) Download(ctx context.Context, contentURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, contentURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	r.authorize(req)

	resp, err := r.transport.Do(req)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}
