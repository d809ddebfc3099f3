package gateway

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/sakif/identity-vault/internal/apperror"
)

// compile-time check that *TerminalConsent implements Consent
var _ Consent = (*TerminalConsent)(nil)

// TerminalConsent is a consent gateway for headless and development use: it
// writes the authorization URL to out and reads the redirect URL the user
// pastes back from in. An empty line means the user declined.
//
// One goroutine owns the reader for the lifetime of the TerminalConsent, so
// a Present abandoned by ctx cancellation never races a later Present for
// the input stream; a line typed during the cancelled attempt is delivered
// to the next one.
//
// GUI platforms replace this with an implementation that opens an in-app
// browser and intercepts the custom-scheme redirect.
type TerminalConsent struct {
	in  *bufio.Reader
	out io.Writer

	start sync.Once
	lines chan readLine
}

type readLine struct {
	line string
	err  error
}

// NewTerminalConsent creates a TerminalConsent reading from in and
// prompting on out.
func NewTerminalConsent(in io.Reader, out io.Writer) *TerminalConsent {
	return &TerminalConsent{
		in:    bufio.NewReader(in),
		out:   out,
		lines: make(chan readLine),
	}
}

// readLoop is the single owner of the input reader. The channel is
// unbuffered: a line read while no Present is waiting is held, not dropped.
func (t *TerminalConsent) readLoop() {
	for {
		line, err := t.in.ReadString('\n')
		t.lines <- readLine{line: strings.TrimSpace(line), err: err}
		if err != nil {
			return
		}
	}
}

// Present prompts for the redirect URL. The read runs on the shared reader
// goroutine so a caller tearing down the flow via ctx is never left waiting
// on a human.
func (t *TerminalConsent) Present(ctx context.Context, authorizationURL, redirectURI string) (string, error) {
	t.start.Do(func() { go t.readLoop() })

	fmt.Fprintf(t.out, "Open this URL to authorize:\n\n  %s\n\nPaste the %s redirect URL (empty line to cancel): ",
		authorizationURL, redirectURI)

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("gateway: consent interrupted: %w", ctx.Err())
	case r := <-t.lines:
		if r.err != nil && r.line == "" {
			return "", fmt.Errorf("gateway: reading redirect url: %w", r.err)
		}
		if r.line == "" {
			return "", apperror.ErrCancelled
		}
		return r.line, nil
	}
}
