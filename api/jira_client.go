package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"redminetojira/config"
	"redminetojira/models"
)

const defaultUploadChunkSize = 8 << 20

// JiraClient handles the calls made against the destination tracker.
type JiraClient struct {
	config    *config.Config
	baseURL   string
	transport *Transport
}

// NewJiraClient creates a Jira client sharing the given limiter.
func NewJiraClient(cfg *config.Config, limiter *RateLimiter, opts ...TransportOption) *JiraClient {
	return &JiraClient{
		config:    cfg,
		baseURL:   strings.TrimRight(cfg.JiraURL, "/"),
		transport: NewTransport(limiter, append(opts, WithTimeout(cfg.HTTPTimeout), WithBaseHeaders(clientHeaders))...),
	}
}

func (j *JiraClient) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, j.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.SetBasicAuth(j.config.JiraEmail, j.config.JiraAPIToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// CheckAuth verifies the Jira credentials.
func (j *JiraClient) CheckAuth(ctx context.Context) error {
	req, err := j.newRequest(ctx, http.MethodGet, "/rest/api/2/myself", nil)
	if err != nil {
		return err
	}
	return j.transport.DoJSON(req, nil)
}

// CreateIssue creates an issue from a fields map and returns its key.
func (j *JiraClient) CreateIssue(ctx context.Context, fields map[string]any) (string, error) {
	req, err := j.newRequest(ctx, http.MethodPost, "/rest/api/2/issue", map[string]any{"fields": fields})
	if err != nil {
		return "", err
	}

	var result struct {
		ID  string `json:"id"`
		Key string `json:"key"`
	}
	if err := j.transport.DoJSON(req, &result); err != nil {
		return "", err
	}
	if result.Key == "" {
		return "", errors.New("issue key missing from response")
	}
	return result.Key, nil
}

// GetTransitions returns the available transitions keyed by the lowercase
// name of their target status.
func (j *JiraClient) GetTransitions(ctx context.Context, issueKey string) (map[string]string, error) {
	path := fmt.Sprintf("/rest/api/2/issue/%s/transitions", url.PathEscape(issueKey))
	req, err := j.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Transitions []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
			To   struct {
				Name string `json:"name"`
			} `json:"to"`
		} `json:"transitions"`
	}
	if err := j.transport.DoJSON(req, &result); err != nil {
		return nil, err
	}

	transitionMap := make(map[string]string, len(result.Transitions))
	for _, t := range result.Transitions {
		name := t.To.Name
		if name == "" {
			name = t.Name
		}
		if t.ID == "" || name == "" {
			continue
		}
		transitionMap[strings.ToLower(name)] = t.ID
	}
	return transitionMap, nil
}

// TransitionIssue moves an issue to the named status. The transition id is
// looked up by target status name, case-insensitively.
func (j *JiraClient) TransitionIssue(ctx context.Context, issueKey, targetStatus string) error {
	transitions, err := j.GetTransitions(ctx, issueKey)
	if err != nil {
		return err
	}

	transitionID, ok := transitions[strings.ToLower(targetStatus)]
	if !ok {
		return fmt.Errorf("no transition to status %q", targetStatus)
	}

	path := fmt.Sprintf("/rest/api/2/issue/%s/transitions", url.PathEscape(issueKey))
	payload := map[string]any{
		"transition": map[string]string{"id": transitionID},
	}
	req, err := j.newRequest(ctx, http.MethodPost, path, payload)
	if err != nil {
		return err
	}
	return j.transport.DoJSON(req, nil)
}

// AddComment posts a comment. A non-empty role restricts its visibility.
func (j *JiraClient) AddComment(ctx context.Context, issueKey, body, visibilityRole string) error {
	payload := map[string]any{"body": body}
	if visibilityRole != "" {
		payload["visibility"] = map[string]string{
			"type":  "role",
			"value": visibilityRole,
		}
	}

	path := fmt.Sprintf("/rest/api/2/issue/%s/comment", url.PathEscape(issueKey))
	req, err := j.newRequest(ctx, http.MethodPost, path, payload)
	if err != nil {
		return err
	}
	return j.transport.DoJSON(req, nil)
}

// UploadAttachment streams content as a multipart upload. The body is
// produced through a pipe, so the file is never held in memory.
func (j *JiraClient) UploadAttachment(ctx context.Context, issueKey, filename string, content io.Reader) error {
	chunkSize := j.config.UploadChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultUploadChunkSize
	}

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	go func() {
		part, err := writer.CreateFormFile("file", filename)
		if err != nil {
			pw.CloseWithError(fmt.Errorf("create multipart part: %w", err))
			return
		}
		if _, err := io.CopyBuffer(part, content, make([]byte, chunkSize)); err != nil {
			pw.CloseWithError(fmt.Errorf("copy attachment: %w", err))
			return
		}
		pw.CloseWithError(writer.Close())
	}()

	path := fmt.Sprintf("/rest/api/2/issue/%s/attachments", url.PathEscape(issueKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.baseURL+path, pr)
	if err != nil {
		pr.Close()
		return fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(j.config.JiraEmail, j.config.JiraAPIToken)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("X-Atlassian-Token", "no-check")
	req.Header.Set("Accept", "application/json")

	err = j.transport.DoJSON(req, nil)
	// unblocks the writer goroutine when the request ended early
	pr.Close()
	return err
}

// FindUsers searches the user directory.
func (j *JiraClient) FindUsers(ctx context.Context, query string) ([]models.DestinationUser, error) {
	params := url.Values{}
	params.Set("query", query)

	req, err := j.newRequest(ctx, http.MethodGet, "/rest/api/2/user/search?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var users []models.DestinationUser
	if err := j.transport.DoJSON(req, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// ListFields returns every field definition of the instance.
func (j *JiraClient) ListFields(ctx context.Context) ([]models.DestinationField, error) {
	req, err := j.newRequest(ctx, http.MethodGet, "/rest/api/2/field", nil)
	if err != nil {
		return nil, err
	}

	var fields []models.DestinationField
	if err := j.transport.DoJSON(req, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}
