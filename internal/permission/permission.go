package permission

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Config values accepted by MIC_PERMISSION
const (
	ModePrompt  = "prompt"
	ModeGranted = "granted"
	ModeDenied  = "denied"
)

// ErrNoTerminal is returned by a prompt that has no interactive input
var ErrNoTerminal = errors.New("microphone permission prompt needs an interactive terminal")

// Provider asks the platform (or the user) for microphone access
type Provider interface {
	RequestPermission(ctx context.Context) (bool, error)
}

// Static answers every request with a fixed decision
type Static bool

// RequestPermission returns the fixed decision
func (s Static) RequestPermission(ctx context.Context) (bool, error) {
	return bool(s), nil
}

// TerminalPrompt asks a yes/no question on an interactive terminal
type TerminalPrompt struct {
	In  io.Reader
	Out io.Writer

	// IsTerminal reports whether In is interactive; nil means always
	IsTerminal func() bool
}

// NewTerminalPrompt prompts on stdin/stderr
func NewTerminalPrompt() *TerminalPrompt {
	return &TerminalPrompt{
		In:  os.Stdin,
		Out: os.Stderr,
		IsTerminal: func() bool {
			return term.IsTerminal(int(os.Stdin.Fd()))
		},
	}
}

// RequestPermission prints the question and waits for an answer or ctx.
// Anything but y/yes is a denial.
func (p *TerminalPrompt) RequestPermission(ctx context.Context) (bool, error) {
	if p.IsTerminal != nil && !p.IsTerminal() {
		return false, ErrNoTerminal
	}

	fmt.Fprint(p.Out, "Allow microphone access? [y/N]: ")

	answer := make(chan string, 1)
	errc := make(chan error, 1)
	go func() {
		line, err := bufio.NewReader(p.In).ReadString('\n')
		if err != nil && line == "" {
			errc <- err
			return
		}
		answer <- line
	}()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case err := <-errc:
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read answer: %w", err)
	case line := <-answer:
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	}
}

// FromMode maps a MIC_PERMISSION value to a provider
func FromMode(mode string) (Provider, error) {
	switch mode {
	case ModeGranted:
		return Static(true), nil
	case ModeDenied:
		return Static(false), nil
	case ModePrompt:
		return NewTerminalPrompt(), nil
	default:
		return nil, fmt.Errorf("unknown microphone permission mode %q", mode)
	}
}
