package services

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// Choice is the operator's answer when output from an earlier run exists.
type Choice int

const (
	ChoiceInvalid Choice = iota
	ChoiceReset
	ChoiceResume
	ChoiceAbort
)

// ParseChoice accepts the prompt numbers and their names.
func ParseChoice(answer string) Choice {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "1", "reset":
		return ChoiceReset
	case "2", "resume":
		return ChoiceResume
	case "3", "exit", "abort":
		return ChoiceAbort
	}
	return ChoiceInvalid
}

// StartAction is what the run does before processing the first item.
type StartAction int

const (
	StartFresh StartAction = iota
	StartReset
	StartResume
	StartAbort
)

func (a StartAction) String() string {
	switch a {
	case StartFresh:
		return "fresh"
	case StartReset:
		return "reset"
	case StartResume:
		return "resume"
	case StartAbort:
		return "abort"
	}
	return fmt.Sprintf("StartAction(%d)", int(a))
}

// StartDecision is where a run begins. Index is the number of items to
// skip.
type StartDecision struct {
	Action StartAction
	Index  int
}

// DecideStart picks the start position. Without earlier output the run
// starts fresh; otherwise the operator's choice decides and anything that is
// not a valid choice aborts.
func DecideStart(outputExists bool, choice Choice, checkpoint int) StartDecision {
	if !outputExists {
		return StartDecision{Action: StartFresh}
	}
	switch choice {
	case ChoiceReset:
		return StartDecision{Action: StartReset}
	case ChoiceResume:
		return StartDecision{Action: StartResume, Index: max(checkpoint, 0)}
	}
	return StartDecision{Action: StartAbort}
}

// ApplyStart removes the state a fresh or reset run must not see. Staged
// attachments are kept.
func ApplyStart(decision StartDecision, paths RunPaths) error {
	if decision.Action != StartFresh && decision.Action != StartReset {
		return nil
	}
	for _, path := range []string{paths.Output, paths.Progress, paths.Report} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("reset %s: %w", path, err)
		}
	}
	return nil
}
