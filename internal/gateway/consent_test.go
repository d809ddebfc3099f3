package gateway

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/identity-vault/internal/apperror"
)

func TestTerminalConsent_Present(t *testing.T) {
	in := strings.NewReader("identity-vault.abc:/oauth/callback?code=xyz\n")
	var out bytes.Buffer

	consent := NewTerminalConsent(in, &out)
	redirect, err := consent.Present(context.Background(),
		"https://mastodon.example/oauth/authorize?client_id=c1",
		"identity-vault.abc:/oauth/callback")
	require.NoError(t, err)
	assert.Equal(t, "identity-vault.abc:/oauth/callback?code=xyz", redirect)
	assert.Contains(t, out.String(), "https://mastodon.example/oauth/authorize?client_id=c1")
}

func TestTerminalConsent_EmptyLineCancels(t *testing.T) {
	in := strings.NewReader("\n")
	var out bytes.Buffer

	consent := NewTerminalConsent(in, &out)
	_, err := consent.Present(context.Background(), "https://x/oauth/authorize", "scheme:/cb")
	assert.ErrorIs(t, err, apperror.ErrCancelled)
}

func TestTerminalConsent_ReusableAfterCancellation(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	var out bytes.Buffer
	consent := NewTerminalConsent(r, &out)

	// An abandoned Present must not poison the reader for the next one.
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := consent.Present(cancelled, "https://x/oauth/authorize", "scheme:/cb")
	require.ErrorIs(t, err, context.Canceled)

	go w.Write([]byte("scheme:/cb?code=xyz\n"))

	redirect, err := consent.Present(context.Background(), "https://x/oauth/authorize", "scheme:/cb")
	require.NoError(t, err)
	assert.Equal(t, "scheme:/cb?code=xyz", redirect)
}

func TestTerminalConsent_ContextCancellation(t *testing.T) {
	// A reader that never produces a line: Present must return when the
	// context fires instead of waiting on the human.
	blocked, w := io.Pipe()
	defer blocked.Close()
	defer w.Close()
	var out bytes.Buffer

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	consent := NewTerminalConsent(blocked, &out)
	_, err := consent.Present(ctx, "https://x/oauth/authorize", "scheme:/cb")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
