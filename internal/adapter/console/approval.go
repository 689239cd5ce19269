// Package console implements the approval channel against an interactive
// terminal. It is the default channel for local runs; server deployments
// use the websocket channel instead.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/aegisflow/aegis/internal/port/approval"
)

// Approver prompts a human on the console for each approval request.
type Approver struct {
	in          io.Reader
	out         io.Writer
	autoApprove bool
	timeout     time.Duration
	log         *slog.Logger

	isTerminal func() bool
}

// Option configures an Approver.
type Option func(*Approver)

// WithStreams overrides stdin/stdout, mainly for tests.
func WithStreams(in io.Reader, out io.Writer) Option {
	return func(a *Approver) {
		a.in = in
		a.out = out
		a.isTerminal = func() bool { return true }
	}
}

// WithAutoApprove approves every request without prompting. Feasibility
// gaps resolve to skip so unmappable steps never block an unattended run.
func WithAutoApprove() Option {
	return func(a *Approver) { a.autoApprove = true }
}

// WithTimeout bounds the wait for a console answer. Zero means wait
// forever, matching the blocking contract of the channel.
func WithTimeout(d time.Duration) Option {
	return func(a *Approver) { a.timeout = d }
}

// New creates a console Approver.
func New(log *slog.Logger, opts ...Option) *Approver {
	a := &Approver{
		in:      os.Stdin,
		out:     os.Stdout,
		log:     log,
		isTerminal: func() bool {
			return term.IsTerminal(int(os.Stdin.Fd()))
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Request presents the approval question and blocks for an answer.
func (a *Approver) Request(ctx context.Context, req approval.Request) (*approval.Decision, error) {
	if a.autoApprove {
		return a.autoDecision(req), nil
	}

	if !a.isTerminal() {
		a.log.Warn("approval requested without an interactive terminal, denying",
			"kind", req.Kind, "summary", req.Summary)
		return &approval.Decision{Approved: false, Reason: "no interactive terminal available"}, nil
	}

	a.printRequest(req)

	lines := make(chan string)
	errs := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(a.in)
		for scanner.Scan() {
			select {
			case lines <- strings.TrimSpace(scanner.Text()):
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errs <- err
		}
		close(lines)
	}()

	var timeoutCh <-chan time.Time
	if a.timeout > 0 {
		timer := time.NewTimer(a.timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	readLine := func() (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timeoutCh:
			return "", fmt.Errorf("approval timed out after %s", a.timeout)
		case err := <-errs:
			return "", fmt.Errorf("read console input: %w", err)
		case line, ok := <-lines:
			if !ok {
				return "", io.EOF
			}
			return line, nil
		}
	}

	switch req.Kind {
	case approval.KindFeasibilityGap:
		return a.readGapChoice(readLine)
	case approval.KindRuntimeData:
		return a.readRuntimeData(req, readLine)
	default:
		line, err := readLine()
		if err != nil {
			return nil, err
		}
		approved := isYes(line)
		reason := ""
		if !approved {
			reason = "denied at console"
		}
		return &approval.Decision{Approved: approved, Reason: reason}, nil
	}
}

func (a *Approver) autoDecision(req approval.Request) *approval.Decision {
	d := &approval.Decision{Approved: true, Reason: "auto-approve mode"}
	if req.Kind == approval.KindFeasibilityGap {
		d.Choice = approval.GapSkip
	}
	a.log.Info("auto-approved", "kind", req.Kind, "summary", req.Summary)
	return d
}

func (a *Approver) printRequest(req approval.Request) {
	fmt.Fprintf(a.out, "\n=== Approval required [%s] ===\n%s\n", req.Kind, req.Summary)
	for k, v := range req.Details {
		fmt.Fprintf(a.out, "  %s: %s\n", k, v)
	}
	switch req.Kind {
	case approval.KindFeasibilityGap:
		fmt.Fprintf(a.out, "Choose one of: %s\n> ", strings.Join(req.Options, ", "))
	case approval.KindRuntimeData:
		fmt.Fprintf(a.out, "Provide values for: %s\n", strings.Join(req.Options, ", "))
	default:
		fmt.Fprint(a.out, "Approve? [y/N] > ")
	}
}

func (a *Approver) readGapChoice(readLine func() (string, error)) (*approval.Decision, error) {
	line, err := readLine()
	if err != nil {
		return nil, err
	}
	choice := approval.GapChoice(strings.ToLower(line))
	switch choice {
	case approval.GapSkip, approval.GapManual, approval.GapPlugin:
		return &approval.Decision{Approved: true, Choice: choice}, nil
	case approval.GapAlternate:
		fmt.Fprint(a.out, "Qualified tool name (Plugin.Tool) > ")
		toolName, err := readLine()
		if err != nil {
			return nil, err
		}
		return &approval.Decision{
			Approved: true,
			Choice:   choice,
			Input:    map[string]string{"tool": toolName},
		}, nil
	default:
		a.log.Warn("unrecognized gap choice, treating as skip", "input", line)
		return &approval.Decision{Approved: true, Choice: approval.GapSkip}, nil
	}
}

func (a *Approver) readRuntimeData(req approval.Request, readLine func() (string, error)) (*approval.Decision, error) {
	input := make(map[string]string, len(req.Options))
	for _, field := range req.Options {
		fmt.Fprintf(a.out, "  %s > ", field)
		value, err := readLine()
		if err != nil {
			return nil, err
		}
		if value == "" {
			return &approval.Decision{Approved: false, Reason: fmt.Sprintf("no value for %s", field)}, nil
		}
		input[field] = value
	}
	return &approval.Decision{Approved: true, Input: input}, nil
}

func isYes(line string) bool {
	switch strings.ToLower(line) {
	case "y", "yes", "approve", "approved":
		return true
	}
	return false
}
