package services

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseChoice(t *testing.T) {
	tests := map[string]Choice{
		"1":        ChoiceReset,
		" reset ":  ChoiceReset,
		"2":        ChoiceResume,
		"Resume":   ChoiceResume,
		"3":        ChoiceAbort,
		"exit":     ChoiceAbort,
		"":         ChoiceInvalid,
		"4":        ChoiceInvalid,
		"continue": ChoiceInvalid,
	}
	for answer, want := range tests {
		if got := ParseChoice(answer); got != want {
			t.Fatalf("ParseChoice(%q): expected %v, got %v", answer, want, got)
		}
	}
}

func TestDecideStart(t *testing.T) {
	tests := []struct {
		name       string
		exists     bool
		choice     Choice
		checkpoint int
		want       StartDecision
	}{
		{"no output", false, ChoiceAbort, 7, StartDecision{Action: StartFresh}},
		{"reset", true, ChoiceReset, 7, StartDecision{Action: StartReset}},
		{"resume", true, ChoiceResume, 7, StartDecision{Action: StartResume, Index: 7}},
		{"resume without checkpoint", true, ChoiceResume, 0, StartDecision{Action: StartResume}},
		{"abort", true, ChoiceAbort, 7, StartDecision{Action: StartAbort}},
		{"invalid answer", true, ChoiceInvalid, 7, StartDecision{Action: StartAbort}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DecideStart(tt.exists, tt.choice, tt.checkpoint)
			if got != tt.want {
				t.Fatalf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestApplyStartResetRemovesRunState(t *testing.T) {
	dir := t.TempDir()
	paths := Paths(dir, "web", "open", "")
	for _, path := range []string{paths.Output, paths.Progress, paths.Report} {
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	staged := filepath.Join(dir, "staged.bin")
	if err := os.WriteFile(staged, []byte("keep"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := ApplyStart(StartDecision{Action: StartResume, Index: 3}, paths); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if _, err := os.Stat(paths.Output); err != nil {
		t.Fatalf("resume must keep the output file: %v", err)
	}

	if err := ApplyStart(StartDecision{Action: StartReset}, paths); err != nil {
		t.Fatalf("reset: %v", err)
	}
	for _, path := range []string{paths.Output, paths.Progress, paths.Report} {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Fatalf("%s should be gone, got %v", path, err)
		}
	}
	if _, err := os.Stat(staged); err != nil {
		t.Fatalf("staged files must survive a reset: %v", err)
	}

	if err := ApplyStart(StartDecision{Action: StartFresh}, paths); err != nil {
		t.Fatalf("fresh start over missing files should succeed: %v", err)
	}
}
