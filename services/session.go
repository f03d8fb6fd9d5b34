package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofrs/flock"

	"redminetojira/utils"
)

var startOptions = []utils.PromptOption{
	{Key: "1", Label: "Reset: delete the output and checkpoint and start over"},
	{Key: "2", Label: "Resume: continue after the last checkpoint"},
	{Key: "3", Label: "Exit", Muted: true},
}

// ChooseStart returns the operator's answer to the reset/resume/exit
// question. A non-empty onExisting answers it without asking; otherwise the
// question is asked on in/out when interactive is set.
func ChooseStart(in io.Reader, out io.Writer, interactive bool, onExisting, outputPath string) (Choice, error) {
	if onExisting != "" {
		return ParseChoice(onExisting), nil
	}
	if !interactive {
		utils.LogError("Output %s already exists; pass --on-existing=reset|resume|abort when not running in a terminal", outputPath)
		return ChoiceAbort, nil
	}

	answer, err := utils.PromptChoice(in, out, fmt.Sprintf("Output %s already exists. What do you want to do?", outputPath), startOptions)
	if err != nil {
		return ChoiceInvalid, err
	}
	return ParseChoice(answer), nil
}

// Session is a locked run ready to start.
type Session struct {
	Paths    RunPaths
	Decision StartDecision
	RunID    string

	lock *flock.Flock
}

// OpenSession takes the run lock, asks choose when earlier output exists
// and applies the decision. An aborted start returns a nil session.
func OpenSession(paths RunPaths, choose func() (Choice, error)) (*Session, error) {
	lock, err := AcquireRunLock(paths.Lock)
	if err != nil {
		return nil, err
	}

	decision, err := decide(paths, choose)
	if err != nil || decision.Action == StartAbort {
		lock.Unlock()
		return nil, err
	}

	if err := ApplyStart(decision, paths); err != nil {
		lock.Unlock()
		return nil, err
	}

	session := &Session{Paths: paths, Decision: decision, RunID: NewRunID(), lock: lock}
	utils.LogInfo("Run %s: %s, starting after index %d", session.RunID, decision.Action, decision.Index)
	return session, nil
}

func decide(paths RunPaths, choose func() (Choice, error)) (StartDecision, error) {
	_, err := os.Stat(paths.Output)
	exists := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return StartDecision{}, fmt.Errorf("stat output: %w", err)
	}

	checkpoint, err := LoadCheckpoint(paths.Progress)
	if err != nil {
		return StartDecision{}, err
	}

	choice := ChoiceInvalid
	if exists {
		if choice, err = choose(); err != nil {
			return StartDecision{}, err
		}
	}

	decision := DecideStart(exists, choice, checkpoint)
	if decision.Action == StartAbort {
		utils.LogWarn("Run aborted by operator choice")
	}
	return decision, nil
}

// Close releases the run lock.
func (s *Session) Close() error {
	return s.lock.Unlock()
}

// HandleInterrupts pauses on the first signal and asks confirm whether to
// continue; a second signal, or a negative answer, cancels the run.
func HandleInterrupts(ctx context.Context, signals <-chan os.Signal, token *PauseToken, cancel context.CancelFunc, confirm func() bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-signals:
			if token.Paused() {
				utils.LogWarn("Second interrupt, stopping after in-flight issues")
				cancel()
				token.Resume()
				return
			}
			token.Pause()
			utils.LogWarn("Interrupt received, pausing before the next issue")
			go func() {
				if !confirm() {
					cancel()
				}
				token.Resume()
			}()
		}
	}
}

// NotifyInterrupts wires SIGINT and SIGTERM to HandleInterrupts.
func NotifyInterrupts(ctx context.Context, token *PauseToken, cancel context.CancelFunc, in io.Reader, out io.Writer) {
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	confirm := func() bool {
		if !utils.IsInteractive() {
			return false
		}
		answer, err := utils.PromptChoice(in, out, "Migration paused.", []utils.PromptOption{
			{Key: "1", Label: "Continue"},
			{Key: "2", Label: "Stop", Muted: true},
		})
		return err == nil && answer == "1"
	}

	go func() {
		defer signal.Stop(signals)
		HandleInterrupts(ctx, signals, token, cancel, confirm)
	}()
}
