// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/peterh/liner"
	"golang.org/x/term"
)

// =============================================================================
// STYLES
// =============================================================================

var (
	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#22D3EE")).
			Bold(true)

	botStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#A78BFA")).
			Bold(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#9CA3AF"))
)

// DefaultConsoleParticipant is the participant id the console speaks as.
const DefaultConsoleParticipant int64 = 1

// lineReader is the subset of liner.State in use.
type lineReader interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
	Close() error
}

// Console is a local REPL transport. Each line typed becomes one inbound
// message; the next prompt appears once that message has been handled.
type Console struct {
	reader      lineReader
	line        *liner.State
	out         io.Writer
	participant int64
	historyFile string
	renderer    *glamour.TermRenderer
	styled      bool

	mu     sync.Mutex
	nextID atomic.Int64
	closed atomic.Bool
}

// ConsoleOptions configures a console transport.
type ConsoleOptions struct {
	Participant    int64
	HistoryFile    string
	RenderMarkdown bool
	WordWrap       int
}

// NewConsole creates a console on the process terminal.
func NewConsole(opts ConsoleOptions) *Console {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	c := newConsole(line, os.Stdout, opts, term.IsTerminal(int(os.Stdout.Fd())))
	c.line = line
	if opts.HistoryFile != "" {
		if f, err := os.Open(opts.HistoryFile); err == nil {
			line.ReadHistory(f)
			f.Close()
		}
	}
	return c
}

func newConsole(reader lineReader, out io.Writer, opts ConsoleOptions, tty bool) *Console {
	if opts.Participant == 0 {
		opts.Participant = DefaultConsoleParticipant
	}
	if opts.WordWrap <= 0 {
		opts.WordWrap = 80
	}

	c := &Console{
		reader:      reader,
		out:         out,
		participant: opts.Participant,
		historyFile: opts.HistoryFile,
		styled:      tty,
	}
	// Only render markdown when stdout is a TTY to avoid corrupting piped output.
	if opts.RenderMarkdown && tty {
		if r, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(opts.WordWrap),
		); err == nil {
			c.renderer = r
		}
	}
	return c
}

// Name returns "console".
func (c *Console) Name() string {
	return "console"
}

// SendReply prints text as a new bot message.
func (c *Console) SendReply(_ context.Context, dest Destination, text string) (MessageRef, error) {
	if c.closed.Load() {
		return MessageRef{}, ErrClosed
	}
	id := int(c.nextID.Add(1))
	c.print(id, text, false)
	return MessageRef{ChatID: dest.ChatID, MessageID: id}, nil
}

// EditMessage prints the replacement text of an earlier message.
func (c *Console) EditMessage(_ context.Context, ref MessageRef, text string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.print(ref.MessageID, text, true)
	return nil
}

func (c *Console) print(id int, text string, edited bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	label := fmt.Sprintf("bot #%d", id)
	if edited {
		label += " (edited)"
	}
	body := text
	if c.renderer != nil {
		if rendered, err := c.renderer.Render(text); err == nil {
			body = strings.TrimRight(rendered, "\n")
		}
	}
	if c.styled {
		label = botStyle.Render(label)
	}
	fmt.Fprintf(c.out, "%s\n%s\n\n", label, body)
}

// Info prints a dimmed status line.
func (c *Console) Info(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := fmt.Sprintf(format, args...)
	if c.styled {
		msg = infoStyle.Render(msg)
	}
	fmt.Fprintln(c.out, msg)
}

// Updates reads lines until EOF, Ctrl+C, /quit, or cancellation.
func (c *Console) Updates(ctx context.Context) (<-chan Incoming, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	prompt := "you › "
	if c.styled {
		prompt = promptStyle.Render("you") + " › "
	}

	out := make(chan Incoming)
	go func() {
		defer close(out)
		for ctx.Err() == nil {
			input, err := c.reader.Prompt(prompt)
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, liner.ErrPromptAborted) {
					c.Info("input error: %v", err)
				}
				return
			}
			text := strings.TrimSpace(input)
			if text == "" {
				continue
			}
			if text == "/quit" || text == "/exit" {
				return
			}
			c.reader.AppendHistory(text)

			done := make(chan struct{})
			var once sync.Once
			in := Incoming{
				ParticipantID: c.participant,
				Username:      "console",
				Text:          text,
				Dest:          Destination{ChatID: c.participant, ReplyTo: int(c.nextID.Add(1))},
				Received:      time.Now(),
				Processed:     func() { once.Do(func() { close(done) }) },
			}

			select {
			case out <- in:
			case <-ctx.Done():
				return
			}
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close saves input history and restores the terminal.
func (c *Console) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.line != nil && c.historyFile != "" {
		if f, err := os.OpenFile(c.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
			c.line.WriteHistory(f)
			f.Close()
		}
	}
	return c.reader.Close()
}
