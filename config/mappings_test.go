package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultMappingsAreValid(t *testing.T) {
	t.Parallel()

	if err := DefaultMappings().Validate(); err != nil {
		t.Fatalf("default mappings invalid: %v", err)
	}
}

func TestLookupIgnoresCaseAndSpace(t *testing.T) {
	t.Parallel()

	m := DefaultMappings()
	if got, ok := Lookup(m.Status, "  In Progress "); !ok || got != "In Progress" {
		t.Fatalf("expected In Progress, got %q (%v)", got, ok)
	}
	if got, ok := Lookup(m.Priority, "(5) Low"); !ok || got != "Lowest" {
		t.Fatalf("expected Lowest, got %q (%v)", got, ok)
	}
	if _, ok := Lookup(m.Status, "Parked"); ok {
		t.Fatalf("unknown status must not match")
	}
}

func TestLoadMappingsMergesOverrides(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "mappings.yaml")
	content := `
status:
  Feedback: Waiting for customer
issue_types:
  Epic: Epic
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write mappings: %v", err)
	}

	m, err := LoadMappings(path)
	if err != nil {
		t.Fatalf("LoadMappings failed: %v", err)
	}
	if got, _ := Lookup(m.Status, "feedback"); got != "Waiting for customer" {
		t.Fatalf("override not applied, got %q", got)
	}
	if got, _ := Lookup(m.Status, "new"); got != "Backlog" {
		t.Fatalf("default lost, got %q", got)
	}
	if got, _ := Lookup(m.IssueTypes, "epic"); got != "Epic" {
		t.Fatalf("new entry not added, got %q", got)
	}
	if len(m.Fields) != len(DefaultMappings().Fields) {
		t.Fatalf("fields should stay default when the file has none")
	}
}

func TestLoadMappingsRejectsInvalidField(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "mappings.yaml")
	content := `
fields:
  - source: subject
    dest: summary
    type: text
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write mappings: %v", err)
	}

	if _, err := LoadMappings(path); err == nil {
		t.Fatalf("expected unknown type to be rejected")
	}
}

func TestResolveStatusFilter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, id, name string
	}{
		{"", "*", "any"},
		{"*", "*", "any"},
		{"open", "open", "open"},
		{"Closed", "closed", "closed"},
		{"In Progress", "2", "in progress"},
		{"11", "11", "ready for testing"},
	}
	for _, tt := range tests {
		id, name, err := ResolveStatusFilter(tt.in)
		if err != nil {
			t.Fatalf("%q: %v", tt.in, err)
		}
		if id != tt.id || name != tt.name {
			t.Fatalf("%q: expected (%s, %s), got (%s, %s)", tt.in, tt.id, tt.name, id, name)
		}
	}

	if _, _, err := ResolveStatusFilter("parked"); err == nil {
		t.Fatalf("expected unknown status to fail")
	}
}

func TestResolvePriorityFilter(t *testing.T) {
	t.Parallel()

	if id, err := ResolvePriorityFilter("Urgent"); err != nil || id != "4" {
		t.Fatalf("expected 4, got %q (%v)", id, err)
	}
	if id, err := ResolvePriorityFilter(""); err != nil || id != "" {
		t.Fatalf("expected no filter, got %q (%v)", id, err)
	}
	if _, err := ResolvePriorityFilter("whenever"); err == nil {
		t.Fatalf("expected unknown priority to fail")
	}
}
