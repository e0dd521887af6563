package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

type mode int

const (
	modeBasic mode = iota
	modeConversational
)

func (m mode) String() string {
	if m == modeConversational {
		return "🤖 Conversational"
	}
	return "🔍 Basic"
}

func parseMode(s string) (mode, bool) {
	switch strings.ToLower(s) {
	case "basic", "search":
		return modeBasic, true
	case "conversational", "ai", "analyze", "analysis":
		return modeConversational, true
	}
	return modeBasic, false
}

var interactiveCmd = &cobra.Command{
	Use:   "interactive",
	Short: "Start the interactive shell",
	Args:  cobra.NoArgs,
	RunE:  runInteractive,
}

func init() {
	rootCmd.AddCommand(interactiveCmd)
}

func runInteractive(cmd *cobra.Command, args []string) error {
	w := cmd.OutOrStdout()
	header(w, "🚀 Welcome to pagelens interactive mode!")
	header(w, "%s", separator())
	sh := &shell{in: cmd.InOrStdin(), out: w, mode: modeBasic}
	sh.help()
	header(w, "%s", separator())

	info(w, "🔧 Initializing pipeline for the session...")
	if err := ensureReady(cmd.Context()); err != nil {
		fail(w, "Setup failed: %v", err)
		return reported(err)
	}
	success(w, "Pipeline ready.")
	return sh.run(cmd.Context())
}

type shell struct {
	in   io.Reader
	out  io.Writer
	mode mode
	// lines is shared with confirmation prompts so buffered input is not lost.
	lines *bufio.Scanner
}

func (s *shell) help() {
	info(s.out, "🎯 Query mode: just type your questions directly!")
	fmt.Fprintf(s.out, "  • <your question>          ask in the current mode (%s)\n", s.mode)
	fmt.Fprintln(s.out, "  • set-mode basic           switch to page search")
	fmt.Fprintln(s.out, "  • set-mode conversational  switch to answers from the language model")
	fmt.Fprintln(s.out, "  • mode                     show the current mode")
	fmt.Fprintln(s.out, "  • ask <query>              search once")
	fmt.Fprintln(s.out, "  • analyze <query>          answer once")
	fmt.Fprintln(s.out, "  • upload [--file] [path]   index documents")
	fmt.Fprintln(s.out, "  • clear-collection         delete everything indexed")
	fmt.Fprintln(s.out, "  • show-status              show system status")
	fmt.Fprintln(s.out, "  • help                     show this help")
	fmt.Fprintln(s.out, "  • exit | quit              leave")
}

func (s *shell) run(ctx context.Context) error {
	s.lines = bufio.NewScanner(s.in)
	for {
		boldColor.Fprintf(s.out, "\n%s pagelens> ", s.mode)
		if !s.lines.Scan() {
			fmt.Fprintln(s.out)
			success(s.out, "👋 Goodbye!")
			return s.lines.Err()
		}
		if ctx.Err() != nil {
			return nil
		}
		if !s.handle(ctx, strings.TrimSpace(s.lines.Text())) {
			success(s.out, "👋 Goodbye!")
			return nil
		}
	}
}

// handle runs one line and reports whether the shell should keep going.
// Command failures are printed and never end the session.
func (s *shell) handle(ctx context.Context, line string) bool {
	if line == "" {
		return true
	}
	parts := strings.Fields(line)
	command := strings.ToLower(parts[0])
	rest := strings.TrimSpace(strings.TrimPrefix(line, parts[0]))

	var err error
	switch command {
	case "exit", "quit":
		return false
	case "help":
		s.help()
	case "mode":
		info(s.out, "🎯 Current mode: %s", s.mode)
	case "set-mode":
		if rest == "" {
			info(s.out, "🎯 Current mode: %s", s.mode)
			tip(s.out, "Use 'set-mode basic' or 'set-mode conversational' to switch modes")
			break
		}
		m, ok := parseMode(rest)
		if !ok {
			fail(s.out, "Unknown mode: %s", rest)
			tip(s.out, "Available modes: basic, conversational")
			break
		}
		s.mode = m
		success(s.out, "Switched to %s mode", m)
	case "ask", "analyze":
		if rest == "" {
			err = usageError(s.out, command+" <query>")
			break
		}
		err = ask(ctx, s.out, rest, command == "analyze")
	case "upload":
		err = upload(ctx, s.out, strings.TrimSpace(strings.TrimPrefix(rest, "--file")))
	case "clear-collection", "clear", "clear-data":
		err = clearAll(ctx, lineReader{s.lines}, s.out, false)
	case "show-status", "status":
		showStatus(ctx, s.out)
	default:
		err = ask(ctx, s.out, line, s.mode == modeConversational)
	}

	var r reportedError
	if err != nil && !errors.As(err, &r) {
		fail(s.out, "Error: %v", err)
	}
	return true
}

// lineReader serves the next scanned line as a reader.
type lineReader struct {
	s *bufio.Scanner
}

func (r lineReader) Read(p []byte) (int, error) {
	if !r.s.Scan() {
		if err := r.s.Err(); err != nil {
			return 0, err
		}
		return 0, io.EOF
	}
	return copy(p, r.s.Text()+"\n"), nil
}
