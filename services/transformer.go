package services

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"redminetojira/config"
	"redminetojira/models"
	"redminetojira/utils"
)

const jiraDateTimeLayout = "2006-01-02T15:04:05.000-0700"

// UserDirectory resolves people in the destination tracker.
type UserDirectory interface {
	FindUsers(ctx context.Context, query string) ([]models.DestinationUser, error)
}

// FieldCatalog lists the destination's field definitions.
type FieldCatalog interface {
	ListFields(ctx context.Context) ([]models.DestinationField, error)
}

// FieldValue is a source value that passed its type check.
type FieldValue interface {
	isFieldValue()
}

type (
	StringValue   string
	NumberValue   float64
	DateValue     time.Time
	DateTimeValue time.Time
)

func (StringValue) isFieldValue()   {}
func (NumberValue) isFieldValue()   {}
func (DateValue) isFieldValue()     {}
func (DateTimeValue) isFieldValue() {}

// fieldDescriptor is a resolved field mapping.
type fieldDescriptor struct {
	source   string
	dest     string
	destName string
	kind     config.FieldType
	sanitize bool
	required bool
}

// Transformer turns source issues into destination payloads.
type Transformer struct {
	config   *config.Config
	mappings *config.Mappings
	users    UserDirectory
	retry    utils.RetryPolicy

	fields []fieldDescriptor

	mu        sync.Mutex
	userCache map[string]string
}

// NewTransformer creates a transformer. Mappings that name their
// destination only by field name stay inactive until Prepare resolves them.
func NewTransformer(cfg *config.Config, users UserDirectory, retry utils.RetryPolicy) *Transformer {
	mappings := cfg.Mappings
	if mappings == nil {
		mappings = config.DefaultMappings()
	}

	fields := make([]fieldDescriptor, 0, len(mappings.Fields))
	for _, m := range mappings.Fields {
		fields = append(fields, fieldDescriptor{
			source:   m.Source,
			dest:     m.Dest,
			destName: m.DestName,
			kind:     m.Type,
			sanitize: m.Sanitize,
			required: m.Required,
		})
	}

	return &Transformer{
		config:    cfg,
		mappings:  mappings,
		users:     users,
		retry:     retry,
		fields:    fields,
		userCache: make(map[string]string),
	}
}

// Prepare resolves destination field names to ids. Names the destination
// does not know are logged and their mapping is dropped.
func (t *Transformer) Prepare(ctx context.Context, catalog FieldCatalog) error {
	pending := false
	for _, f := range t.fields {
		if f.dest == "" && f.destName != "" {
			pending = true
			break
		}
	}
	if !pending {
		return nil
	}

	var defs []models.DestinationField
	err := utils.Retry(ctx, t.retry, func(ctx context.Context) error {
		var err error
		defs, err = catalog.ListFields(ctx)
		return err
	})
	if err != nil {
		if isStop(err) {
			return err
		}
		utils.LogError("Could not list destination fields, mappings by name are disabled: %v", err)
	}

	byName := make(map[string]string, len(defs))
	for _, def := range defs {
		byName[strings.ToLower(def.Name)] = def.ID
	}

	resolved := t.fields[:0]
	for _, f := range t.fields {
		if f.dest == "" {
			id, ok := byName[strings.ToLower(f.destName)]
			if !ok {
				utils.LogError("Destination field %q not found, %s will not be migrated", f.destName, f.source)
				continue
			}
			f.dest = id
			utils.LogInfo("Field %s mapped to %s (%s)", f.source, f.destName, id)
		}
		resolved = append(resolved, f)
	}
	t.fields = resolved
	return nil
}

// Transform builds the destination payload of one issue. Only a required
// field that is absent or mistyped fails the item; every other problem is
// recorded as a warning.
func (t *Transformer) Transform(ctx context.Context, issue models.IssueRecord) (*models.IssuePayload, error) {
	payload := &models.IssuePayload{
		Fields: map[string]any{
			"project": map[string]string{"key": t.config.JiraProjectKey},
		},
	}
	warn := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		utils.LogWarn("Issue %d: %s", issue.ID, msg)
		payload.Warnings = append(payload.Warnings, msg)
	}

	for _, f := range t.fields {
		if f.dest == "" {
			continue
		}

		raw, ok := issue.Field(f.source)
		if !ok {
			if f.required {
				return nil, fmt.Errorf("%w: %s", ErrMissingField, f.source)
			}
			continue
		}

		value, err := DecodeField(f.kind, raw)
		if err != nil {
			if f.required {
				return nil, fmt.Errorf("%w: %s: %v", ErrMissingField, f.source, err)
			}
			warn("dropping field %s: %v", f.source, err)
			continue
		}
		if s, ok := value.(StringValue); ok && f.required && strings.TrimSpace(string(s)) == "" {
			return nil, fmt.Errorf("%w: %s is empty", ErrMissingField, f.source)
		}

		payload.Fields[f.dest] = EncodeField(value, f.sanitize)
	}

	issueType := "Task"
	if tracker := models.RefName(issue.Tracker); tracker != "" {
		issueType = t.mapValue("issue type", t.mappings.IssueTypes, tracker, warn)
	}
	payload.Fields["issuetype"] = map[string]string{"name": issueType}

	if priority := models.RefName(issue.Priority); priority != "" {
		payload.Fields["priority"] = map[string]string{
			"name": t.mapValue("priority", t.mappings.Priority, priority, warn),
		}
	}

	if status := models.RefName(issue.Status); status != "" {
		payload.TargetStatus = t.mapValue("status", t.mappings.Status, status, warn)
	}

	if author := models.RefName(issue.Author); author != "" {
		if accountID := t.resolveUser(ctx, author); accountID != "" {
			payload.Fields["reporter"] = map[string]string{"accountId": accountID}
		} else if t.config.DefaultReporterID != "" {
			warn("reporter %q not found, using the default reporter", author)
			payload.Fields["reporter"] = map[string]string{"accountId": t.config.DefaultReporterID}
		} else {
			warn("reporter %q not found", author)
		}
	}

	if assignee := models.RefName(issue.AssignedTo); assignee != "" {
		if accountID := t.resolveUser(ctx, assignee); accountID != "" {
			payload.Fields["assignee"] = map[string]string{"accountId": accountID}
		} else {
			warn("assignee %q not found, leaving the issue unassigned", assignee)
		}
	}

	labels := []string{}
	if category := NormalizeLabel(models.RefName(issue.Category)); category != "" {
		labels = append(labels, category)
	}
	payload.Fields["labels"] = labels

	return payload, nil
}

// mapValue looks value up in table. A value the table does not know is
// passed through unchanged.
func (t *Transformer) mapValue(kind string, table map[string]string, value string, warn func(string, ...any)) string {
	if mapped, ok := config.Lookup(table, value); ok {
		return mapped
	}
	warn("no %s mapping for %q, passing it through", kind, value)
	return value
}

// resolveUser returns the account id whose display name matches name, or
// "" when there is none. Lookup failures count as "not found" and are not
// cached.
func (t *Transformer) resolveUser(ctx context.Context, name string) string {
	key := strings.ToLower(strings.TrimSpace(name))

	t.mu.Lock()
	accountID, cached := t.userCache[key]
	t.mu.Unlock()
	if cached {
		return accountID
	}
	if t.users == nil {
		return ""
	}

	var users []models.DestinationUser
	err := utils.Retry(ctx, t.retry, func(ctx context.Context) error {
		var err error
		users, err = t.users.FindUsers(ctx, name)
		return err
	})
	if err != nil {
		utils.LogWarn("User lookup for %q failed: %v", name, err)
		return ""
	}

	accountID = pickUser(users, name)
	t.mu.Lock()
	t.userCache[key] = accountID
	t.mu.Unlock()
	return accountID
}

// pickUser prefers an exact display-name match and otherwise takes the
// first active result.
func pickUser(users []models.DestinationUser, name string) string {
	for _, u := range users {
		if strings.EqualFold(u.DisplayName, name) {
			return u.AccountID
		}
	}
	for _, u := range users {
		if u.Active {
			return u.AccountID
		}
	}
	return ""
}

// NormalizeLabel turns a category name into a label: trimmed, with spaces
// replaced by underscores.
func NormalizeLabel(name string) string {
	return strings.ReplaceAll(strings.TrimSpace(name), " ", "_")
}

// DecodeField checks raw against the declared type and returns the typed
// value. Values are never coerced from one JSON type to another.
func DecodeField(kind config.FieldType, raw json.RawMessage) (FieldValue, error) {
	switch kind {
	case config.FieldString:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("expected string, got %s", jsonKind(raw))
		}
		return StringValue(s), nil

	case config.FieldNumber:
		var n float64
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, fmt.Errorf("expected number, got %s", jsonKind(raw))
		}
		return NumberValue(n), nil

	case config.FieldDate:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("expected date, got %s", jsonKind(raw))
		}
		d, err := time.Parse(time.DateOnly, s)
		if err != nil {
			return nil, fmt.Errorf("expected date, got %q", s)
		}
		return DateValue(d), nil

	case config.FieldDateTime:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("expected datetime, got %s", jsonKind(raw))
		}
		d, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, fmt.Errorf("expected datetime, got %q", s)
		}
		return DateTimeValue(d), nil
	}
	return nil, fmt.Errorf("unknown field type %q", kind)
}

// EncodeField renders a typed value for the destination payload.
func EncodeField(value FieldValue, sanitize bool) any {
	switch v := value.(type) {
	case StringValue:
		if sanitize {
			return html.EscapeString(string(v))
		}
		return string(v)
	case NumberValue:
		return float64(v)
	case DateValue:
		return time.Time(v).Format(time.DateOnly)
	case DateTimeValue:
		return time.Time(v).Format(jiraDateTimeLayout)
	}
	return nil
}

func jsonKind(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return "nothing"
	}
	switch trimmed[0] {
	case '"':
		return "string"
	case '{':
		return "object"
	case '[':
		return "array"
	case 't', 'f':
		return "boolean"
	case 'n':
		return "null"
	}
	return "number"
}
