// Package interactive provides the terminal side of an update cycle: the
// accept/decline prompt, user notices and download progress.
package interactive

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/adamancini/sideload/internal/downloads"
	"github.com/adamancini/sideload/internal/types"
)

// Prompter asks the user for a choice and shows notices.
type Prompter struct {
	in         io.Reader
	out        io.Writer
	autoAccept bool
	quiet      bool

	mu           sync.Mutex
	lines        chan string
	readerOnce   sync.Once
	progressOpen bool
}

// NewPrompter creates a prompter with stdin/stdout.
func NewPrompter() *Prompter {
	return NewPrompterWithIO(os.Stdin, os.Stdout)
}

// NewPrompterWithIO creates a prompter with custom input/output (for testing).
func NewPrompterWithIO(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{
		in:  in,
		out: out,
	}
}

// SetAutoAccept makes every prompt answer "yes" without reading input.
func (p *Prompter) SetAutoAccept(v bool) {
	p.autoAccept = v
}

// SetQuiet suppresses download progress. Prompts and notices are still shown.
func (p *Prompter) SetQuiet(v bool) {
	p.quiet = v
}

// IsTerminal reports whether the prompter reads from a terminal (TTY).
// Readers other than an *os.File never are.
func (p *Prompter) IsTerminal() bool {
	f, ok := p.in.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// PresentChoice shows the title and message and waits for y/n.
// End of input and anything other than yes count as declined.
func (p *Prompter) PresentChoice(ctx context.Context, title, message string) (types.Choice, error) {
	p.mu.Lock()
	p.endProgress()
	_, _ = fmt.Fprintf(p.out, "\n%s\n\n%s\n", title, message)
	if p.autoAccept {
		_, _ = fmt.Fprintln(p.out, "\nUpdate? [y/N] y (auto)")
		p.mu.Unlock()
		return types.ChoiceAccepted, nil
	}
	_, _ = fmt.Fprint(p.out, "\nUpdate? [y/N] ")
	p.mu.Unlock()

	line, ok, err := p.readLine(ctx)
	if err != nil {
		return "", err
	}
	if !ok {
		return types.ChoiceDeclined, nil
	}

	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return types.ChoiceAccepted, nil
	default:
		return types.ChoiceDeclined, nil
	}
}

// Notify prints a short notice.
func (p *Prompter) Notify(message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endProgress()
	_, _ = fmt.Fprintf(p.out, "%s %s\n", noticeSymbol, message)
}

// DownloadProgress renders a single progress line that is rewritten in place.
func (p *Prompter) DownloadProgress(job downloads.Job) {
	if p.quiet {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintf(p.out, "\r%s: %s", titleOf(job), formatProgress(job))
	p.progressOpen = true
}

// DownloadFinished terminates the progress line with the outcome.
func (p *Prompter) DownloadFinished(job downloads.Job) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.quiet && job.Status == types.StatusSucceeded {
		return
	}
	p.endProgress()
	switch job.Status {
	case types.StatusSucceeded:
		_, _ = fmt.Fprintf(p.out, "%s %s: %s downloaded\n", okSymbol, titleOf(job), humanize.Bytes(uint64(max(job.BytesDone, 0))))
	default:
		_, _ = fmt.Fprintf(p.out, "%s %s: %s\n", failSymbol, titleOf(job), job.Error)
	}
}

func (p *Prompter) endProgress() {
	if p.progressOpen {
		_, _ = fmt.Fprintln(p.out)
		p.progressOpen = false
	}
}

// readLine reads one line, giving up when ctx is done.
//
// Lines come from a single scanner goroutine started on first use and shared
// between calls so no input is lost. It exits when the input ends or fails.
// After a cancelled read it stays blocked in Read, or on handing over the
// next line, until then; a Prompter is meant to live as long as its input.
func (p *Prompter) readLine(ctx context.Context) (string, bool, error) {
	p.readerOnce.Do(func() {
		p.lines = make(chan string)
		go func() {
			defer close(p.lines)
			scanner := bufio.NewScanner(p.in)
			for scanner.Scan() {
				p.lines <- scanner.Text()
			}
		}()
	})

	select {
	case <-ctx.Done():
		return "", false, ctx.Err()
	case line, ok := <-p.lines:
		return line, ok, nil
	}
}

// Symbols for output
const (
	okSymbol     = "ok"
	failSymbol   = "x"
	noticeSymbol = "!"
)

func titleOf(job downloads.Job) string {
	if job.Title != "" {
		return job.Title
	}
	return job.Filename
}

// formatProgress renders e.g. "1.2 MB / 5.0 MB (24%)" or "1.2 MB" when the
// size is unknown.
func formatProgress(job downloads.Job) string {
	done := humanize.Bytes(uint64(max(job.BytesDone, 0)))
	if job.BytesTotal <= 0 {
		return done
	}
	return fmt.Sprintf("%s / %s (%.0f%%)", done, humanize.Bytes(uint64(job.BytesTotal)), job.Percent())
}
