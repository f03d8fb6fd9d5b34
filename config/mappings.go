package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// FieldType is the value type a mapped source field must have.
type FieldType string

const (
	FieldString   FieldType = "string"
	FieldNumber   FieldType = "number"
	FieldDate     FieldType = "date"
	FieldDateTime FieldType = "datetime"
)

// FieldMapping routes one source field to one destination field. Either
// Dest (a field id) or DestName (resolved against the destination's field
// list) must be set.
type FieldMapping struct {
	Source   string    `yaml:"source"`
	Dest     string    `yaml:"dest,omitempty"`
	DestName string    `yaml:"dest_name,omitempty"`
	Type     FieldType `yaml:"type"`
	Sanitize bool      `yaml:"sanitize,omitempty"`
	Required bool      `yaml:"required,omitempty"`
}

// Mappings holds the lookup tables used by the field transformer.
type Mappings struct {
	Fields     []FieldMapping    `yaml:"fields"`
	Status     map[string]string `yaml:"status"`
	Priority   map[string]string `yaml:"priority"`
	IssueTypes map[string]string `yaml:"issue_types"`
}

// DefaultMappings returns the built-in tables.
func DefaultMappings() *Mappings {
	return &Mappings{
		Fields: []FieldMapping{
			{Source: "subject", Dest: "summary", Type: FieldString, Required: true},
			{Source: "description", Dest: "description", Type: FieldString, Sanitize: true},
			{Source: "start_date", DestName: "Start date", Type: FieldDate},
			{Source: "due_date", Dest: "duedate", Type: FieldDate},
			{Source: "created_on", Dest: "customfield_10075", Type: FieldDateTime},
			{Source: "updated_on", Dest: "customfield_10076", Type: FieldDateTime},
			{Source: "closed_on", Dest: "customfield_10077", Type: FieldDateTime},
			{Source: "estimated_hours", Dest: "customfield_10078", Type: FieldNumber},
		},
		Status: map[string]string{
			"new":               "Backlog",
			"in progress":       "In Progress",
			"resolved":          "Done",
			"feedback":          "In Review",
			"closed":            "Done",
			"rejected":          "Won't Do",
			"approved":          "Selected for Development",
			"won't fix":         "Won't Do",
			"re-opened":         "To Do",
			"in view":           "In Review",
			"ready for testing": "In Review",
		},
		Priority: map[string]string{
			"(5) low":       "Lowest",
			"(4) normal":    "Medium",
			"(3) high":      "High",
			"(2) urgent":    "Highest",
			"(1) immediate": "Highest",
			"low":           "Low",
			"normal":        "Medium",
			"high":          "High",
			"urgent":        "Highest",
			"immediate":     "Highest",
		},
		IssueTypes: map[string]string{
			"bug":     "Bug",
			"feature": "Story",
			"support": "Task",
		},
	}
}

// LoadMappings returns the default tables, overridden by the YAML file at
// path when one is given. Tables present in the file replace the defaults
// entry by entry; a fields list replaces the default list as a whole.
func LoadMappings(path string) (*Mappings, error) {
	mappings := DefaultMappings()
	if path == "" {
		return mappings, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mappings file: %w", err)
	}

	var override Mappings
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("parse mappings file %s: %w", path, err)
	}

	if len(override.Fields) > 0 {
		mappings.Fields = override.Fields
	}
	mergeTable(mappings.Status, override.Status)
	mergeTable(mappings.Priority, override.Priority)
	mergeTable(mappings.IssueTypes, override.IssueTypes)

	if err := mappings.Validate(); err != nil {
		return nil, fmt.Errorf("mappings file %s: %w", path, err)
	}
	return mappings, nil
}

func mergeTable(dst, src map[string]string) {
	for k, v := range src {
		dst[strings.ToLower(strings.TrimSpace(k))] = v
	}
}

// Validate checks every field mapping.
func (m *Mappings) Validate() error {
	for i, f := range m.Fields {
		if strings.TrimSpace(f.Source) == "" {
			return fmt.Errorf("field %d: source is required", i)
		}
		if f.Dest == "" && f.DestName == "" {
			return fmt.Errorf("field %q: dest or dest_name is required", f.Source)
		}
		switch f.Type {
		case FieldString, FieldNumber, FieldDate, FieldDateTime:
		default:
			return fmt.Errorf("field %q: unknown type %q", f.Source, f.Type)
		}
	}
	return nil
}

// Lookup returns the mapped value of key in table, matched without regard
// to case or surrounding space.
func Lookup(table map[string]string, key string) (string, bool) {
	value, ok := table[strings.ToLower(strings.TrimSpace(key))]
	return value, ok
}

// RedmineStatusIDs maps the default Redmine status names to their ids.
var RedmineStatusIDs = map[string]string{
	"new":               "1",
	"in progress":       "2",
	"resolved":          "3",
	"feedback":          "4",
	"closed":            "5",
	"rejected":          "6",
	"approved":          "7",
	"won't fix":         "8",
	"re-opened":         "9",
	"in view":           "10",
	"ready for testing": "11",
}

// RedminePriorityIDs maps the default Redmine priority names to their ids.
var RedminePriorityIDs = map[string]string{
	"low":       "1",
	"normal":    "2",
	"high":      "3",
	"urgent":    "4",
	"immediate": "5",
}

// ResolveStatusFilter turns a --status value into the status_id query value
// and the name used in output file names. Names, numeric ids and the
// Redmine keywords open, closed and * are accepted; "" means any status.
func ResolveStatusFilter(value string) (id, name string, err error) {
	value = strings.ToLower(strings.TrimSpace(value))
	switch value {
	case "", "*", "any":
		return "*", "any", nil
	case "open", "closed":
		return value, value, nil
	}

	if id, ok := RedmineStatusIDs[value]; ok {
		return id, value, nil
	}
	for name, id := range RedmineStatusIDs {
		if id == value {
			return id, name, nil
		}
	}
	return "", "", fmt.Errorf("unknown status %q", value)
}

// ResolvePriorityFilter turns a --priority value into the priority_id
// query value; "" means no filter.
func ResolvePriorityFilter(value string) (string, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return "", nil
	}
	if id, ok := RedminePriorityIDs[value]; ok {
		return id, nil
	}
	for _, id := range RedminePriorityIDs {
		if id == value {
			return id, nil
		}
	}
	return "", fmt.Errorf("unknown priority %q", value)
}
