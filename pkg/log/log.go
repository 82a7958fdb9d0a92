// Package log renders user-facing console output for a run, mirroring every
// line into zerolog for debugging.
package log

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"
	"github.com/pterm/pterm"
	"github.com/rs/zerolog"

	"github.com/tidymark/tidymark/pkg/status"
)

// 🎨 Display configuration
const (
	fileIndent  = 4  // spaces to indent document entries
	nameWidth   = 45 // base width for the document identity
	statusWidth = 12 // width for status text
)

// 🎯 Logger handles console output for a run.
type Logger struct {
	zlog    zerolog.Logger
	console io.Writer
	mu      sync.Mutex
}

// 🏭 New creates a logger writing human output to console.
func New(console io.Writer, zlog zerolog.Logger) *Logger {
	return &Logger{
		zlog:    zlog,
		console: console,
	}
}

// 📝 formatDocLine formats a per-document line for display.
func formatDocLine(info status.DocInfo) string {
	var symbol rune
	var symbolColor color.Attribute
	switch info.Status {
	case status.StatusFormatted:
		symbol = '✓'
		symbolColor = color.FgGreen
	case status.StatusFailed:
		symbol = '✗'
		symbolColor = color.FgRed
	case status.StatusNew, status.StatusChanged, status.StatusStale:
		symbol = '⟳'
		symbolColor = color.FgBlue
	case status.StatusSkipped:
		symbol = '-'
		symbolColor = color.FgYellow
	default:
		symbol = '•'
		symbolColor = color.FgCyan
	}

	return fmt.Sprintf("%s%s %s %s",
		fmt.Sprintf("%*s", fileIndent, ""),
		color.New(symbolColor).Sprint(string(symbol)),
		fmt.Sprintf("%-*s", nameWidth, info.Identity),
		fmt.Sprintf("%-*s", statusWidth, info.Status.String()))
}

// 📝 LogDocument logs the outcome for a single document.
func (l *Logger) LogDocument(info status.DocInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fmt.Fprintln(l.console, formatDocLine(info))

	event := l.zlog.Info().
		Str("identity", info.Identity).
		Str("status", info.Status.String()).
		Bool("written", info.Written)
	if info.Error != nil {
		event = event.Err(info.Error)
	}
	event.Msg("document processed")
}

// 📝 Header prints the run banner.
func (l *Logger) Header(root string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	name := color.New(color.Bold, color.FgCyan).Sprint("tidymark")
	fmt.Fprintf(l.console, "\n%s %s\n\n", name, color.New(color.Faint).Sprint("• formatting "+root))
	l.zlog.Info().Str("root", root).Msg("starting run")
}

// 📝 Summary prints the end-of-run summary.
func (l *Logger) Summary(s status.Summary) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fmt.Fprintf(l.console, "\n%s %d formatted, %d unchanged, %d skipped, %d failed (%d total)\n",
		color.New(color.Bold).Sprint("done:"),
		s.Formatted, s.Unchanged, s.Skipped, s.Failed, s.Total)

	l.zlog.Info().
		Int("formatted", s.Formatted).
		Int("unchanged", s.Unchanged).
		Int("skipped", s.Skipped).
		Int("failed", s.Failed).
		Int("total", s.Total).
		Msg("run complete")
}

// 📢 UserLogger provides pterm-based feedback for one-off messages.
type UserLogger struct {
	zlog zerolog.Logger
}

// 🎯 NewUserLogger creates a user logger.
func NewUserLogger(zlog zerolog.Logger) *UserLogger {
	return &UserLogger{zlog: zlog}
}

// ✅ Success reports a completed operation.
func (u *UserLogger) Success(msg string) {
	pterm.Success.Println(msg)
	u.zlog.Info().Msg(msg)
}

// ⚠️ Warning reports a recoverable problem.
func (u *UserLogger) Warning(msg string) {
	pterm.Warning.Println(msg)
	u.zlog.Warn().Msg(msg)
}

// ❌ Error reports a failure.
func (u *UserLogger) Error(msg string, err error) {
	pterm.Error.Println(msg)
	if err != nil {
		pterm.Error.Println(err)
	}
	u.zlog.Error().Err(err).Msg(msg)
}

// ℹ️ Info reports progress.
func (u *UserLogger) Info(msg string) {
	pterm.Info.Println(msg)
	u.zlog.Info().Msg(msg)
}
