package utils

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	optionStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#5F87FF")).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#808080"))
	titleStyle  = lipgloss.NewStyle().Bold(true)
)

// IsInteractive reports whether stdin is a terminal an operator can answer on.
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// PromptOption is one numbered answer of a prompt.
type PromptOption struct {
	Key   string
	Label string
	Muted bool
}

// PromptChoice prints question with its numbered options and returns the
// trimmed line the operator typed.
func PromptChoice(in io.Reader, out io.Writer, question string, options []PromptOption) (string, error) {
	fmt.Fprintln(out, titleStyle.Render(question))
	for _, opt := range options {
		key := optionStyle.Render(opt.Key)
		if opt.Muted {
			key = mutedStyle.Render(opt.Key)
		}
		fmt.Fprintf(out, "%s) %s\n", key, opt.Label)
	}
	fmt.Fprint(out, "Enter the corresponding number: ")

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read answer: %w", err)
	}
	return strings.TrimSpace(line), nil
}
