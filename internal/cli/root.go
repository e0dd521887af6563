// Package cli is the pagelens command tree and interactive shell.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"pagelens/features/job"
	"pagelens/features/stats"
	"pagelens/internal/app"
	"pagelens/internal/retrieval"
)

// DocumentSource is a loaded document stream that owns temporary resources.
type DocumentSource interface {
	retrieval.DocumentStream
	Skipped() int
	Close() error
}

type Searcher interface {
	CollectionReady(ctx context.Context) (uint64, error)
	Search(ctx context.Context, query string, opts retrieval.SearchOptions) ([]retrieval.ScoredPoint, error)
	SearchWithSynthesis(ctx context.Context, query string, opts retrieval.AnswerOptions) (*retrieval.Answer, error)
}

type Indexer interface {
	Index(ctx context.Context, stream retrieval.DocumentStream) (retrieval.RunReport, error)
	Clear(ctx context.Context) retrieval.ClearReport
}

type StatusReporter interface {
	Collect(ctx context.Context) stats.Report
}

type FailedUploads interface {
	List(ctx context.Context) ([]job.FailedUpload, error)
	Retry(ctx context.Context, id string) (string, error)
}

// Services is everything the commands talk to. FailedUploads is nil when the
// journal is disabled.
type Services struct {
	Searcher      Searcher
	Indexer       Indexer
	Load          func(ctx context.Context, location string) (DocumentSource, error)
	Status        StatusReporter
	FailedUploads FailedUploads
	Ready         func(ctx context.Context) error
	DefaultSource string
	NSQDHost      string
}

// FromApp adapts the wired application to the command services.
func FromApp(a *app.App) Services {
	s := Services{
		Searcher: a.Search,
		Indexer:  a.Pipeline,
		Load: func(ctx context.Context, location string) (DocumentSource, error) {
			stream, err := a.Loader.Load(ctx, location)
			if err != nil {
				return nil, err
			}
			return stream, nil
		},
		Status:        a.Stats,
		Ready:         a.Ready,
		DefaultSource: a.Config.DefaultSource,
		NSQDHost:      a.Config.NSQDHost,
	}
	if a.Jobs != nil {
		s.FailedUploads = a.Jobs
	}
	return s
}

var (
	services  Services
	readyOnce sync.Once
	readyErr  error
)

// Configure installs the services used by every command.
func Configure(s Services) {
	services = s
	readyOnce = sync.Once{}
	readyErr = nil
}

// ensureReady runs the backend readiness check once per process.
func ensureReady(ctx context.Context) error {
	if services.Ready == nil {
		return nil
	}
	readyOnce.Do(func() {
		readyErr = services.Ready(ctx)
	})
	return readyErr
}

var rootCmd = &cobra.Command{
	Use:   "pagelens",
	Short: "Visual document retrieval over page images",
	Long: `pagelens indexes page images of PDFs and image files with a multi-vector
embedding model and answers questions by retrieving the most relevant pages.
Run without a command to start the interactive shell.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runInteractive,
}

// reportedError marks an error whose message was already printed.
type reportedError struct {
	err error
}

func (e reportedError) Error() string { return e.err.Error() }
func (e reportedError) Unwrap() error { return e.err }

func reported(err error) error {
	if err == nil {
		return nil
	}
	return reportedError{err: err}
}

// SetOutput redirects command output, which defaults to stdout and stderr.
func SetOutput(out, errOut io.Writer) {
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)
}

// Execute runs the command tree and prints any error not already shown.
func Execute(ctx context.Context, args []string) error {
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return nil
	}
	var r reportedError
	if !errors.As(err, &r) {
		fail(rootCmd.ErrOrStderr(), "Error: %v", err)
	}
	return err
}

var (
	headerColor  = color.New(color.FgMagenta, color.Bold)
	successColor = color.New(color.FgGreen)
	warnColor    = color.New(color.FgYellow)
	failColor    = color.New(color.FgRed)
	infoColor    = color.New(color.FgCyan)
	boldColor    = color.New(color.Bold)
)

func header(w io.Writer, format string, a ...any) {
	headerColor.Fprintf(w, format+"\n", a...)
}

func success(w io.Writer, format string, a ...any) {
	successColor.Fprintf(w, "✅ "+format+"\n", a...)
}

func warn(w io.Writer, format string, a ...any) {
	warnColor.Fprintf(w, "⚠️  "+format+"\n", a...)
}

func fail(w io.Writer, format string, a ...any) {
	failColor.Fprintf(w, "❌ "+format+"\n", a...)
}

func info(w io.Writer, format string, a ...any) {
	infoColor.Fprintf(w, "ℹ️  "+format+"\n", a...)
}

func tip(w io.Writer, format string, a ...any) {
	infoColor.Fprintf(w, "💡 "+format+"\n", a...)
}

const maxSeparator = 60

// separator spans the terminal up to maxSeparator columns.
func separator() string {
	width := maxSeparator
	if fd := int(os.Stdout.Fd()); term.IsTerminal(fd) {
		if w, _, err := term.GetSize(fd); err == nil && w > 0 && w < width {
			width = w
		}
	}
	return strings.Repeat("=", width)
}

func usageError(w io.Writer, usage string) error {
	fail(w, "Usage: %s", usage)
	return reported(fmt.Errorf("usage: %s", usage))
}
