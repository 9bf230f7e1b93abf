package broker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/dshills/warden/internal/plugin/security"
	"github.com/dshills/warden/internal/plugin/trust"
)

// Prompt is what the operator is asked to decide on.
type Prompt struct {
	PluginPath string
	Name       string
	Authority  string
	Verdict    trust.Verdict
	Risk       security.Assessment
	Reason     string
}

// Prompter asks the operator for a decision.
type Prompter interface {
	Confirm(ctx context.Context, p Prompt) (bool, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, p Prompt) (bool, error)

// Confirm implements Prompter.
func (f PrompterFunc) Confirm(ctx context.Context, p Prompt) (bool, error) {
	return f(ctx, p)
}

// TerminalPrompter asks on a terminal. When input is not interactive every
// prompt is answered no.
type TerminalPrompter struct {
	In          io.Reader
	Out         io.Writer
	Interactive bool

	once  sync.Once
	lines chan string
}

// NewTerminalPrompter prompts on out and reads answers from in.
func NewTerminalPrompter(in *os.File, out io.Writer) *TerminalPrompter {
	return &TerminalPrompter{
		In:          in,
		Out:         out,
		Interactive: term.IsTerminal(int(in.Fd())),
	}
}

// readLines feeds input lines to a channel so a prompt can be abandoned
// when its context ends.
func (p *TerminalPrompter) readLines() {
	p.lines = make(chan string)
	go func() {
		defer close(p.lines)
		scanner := bufio.NewScanner(p.In)
		for scanner.Scan() {
			p.lines <- scanner.Text()
		}
	}()
}

// Confirm implements Prompter.
func (p *TerminalPrompter) Confirm(ctx context.Context, pr Prompt) (bool, error) {
	if !p.Interactive {
		return false, nil
	}
	p.once.Do(p.readLines)

	fmt.Fprintf(p.Out, "\nPlugin %q requests elevated access.\n", pr.Name)
	fmt.Fprintf(p.Out, "  archive:   %s\n", pr.PluginPath)
	if pr.Authority != "" {
		fmt.Fprintf(p.Out, "  authority: %s\n", pr.Authority)
	}
	fmt.Fprintf(p.Out, "  signature: %s\n", pr.Verdict)
	fmt.Fprintf(p.Out, "  risk:      %s (%s)\n", pr.Risk.Level, pr.Risk.Summary)
	if pr.Reason != "" {
		fmt.Fprintf(p.Out, "  reason:    %s\n", pr.Reason)
	}
	fmt.Fprint(p.Out, "Grant elevated access? [y/N] ")

	select {
	case <-ctx.Done():
		fmt.Fprintln(p.Out)
		return false, ctx.Err()
	case line, ok := <-p.lines:
		if !ok {
			return false, io.EOF
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	}
}
