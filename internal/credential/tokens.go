package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/vdavid/mailsync/internal/models"
)

// DefaultTokenLifetime is assumed for helper output that carries no expiry.
const DefaultTokenLifetime = 50 * time.Minute

// Token is an OAuth access token and when it stops being valid.
type Token struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// TokenSource acquires a fresh OAuth access token for an account. How it does
// that (browser flow, refresh token, external helper) is its own business.
type TokenSource interface {
	Token(ctx context.Context, account *models.Account) (Token, error)
}

// CommandTokenSource runs the account's configured helper command through the
// shell. The helper prints either a bare token or a JSON object with
// access_token and expires_in (seconds).
type CommandTokenSource struct {
	Timeout time.Duration
	Now     func() time.Time
}

func (s CommandTokenSource) Token(ctx context.Context, account *models.Account) (Token, error) {
	if strings.TrimSpace(account.TokenCommand) == "" {
		return Token{}, fmt.Errorf("account %s has no token command", account.Email)
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", account.TokenCommand)
	cmd.Env = append(os.Environ(), "MAILSYNC_ACCOUNT_EMAIL="+account.Email)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return Token{}, fmt.Errorf("token command failed: %w: %s", err, msg)
		}
		return Token{}, fmt.Errorf("token command failed: %w", err)
	}

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return parseTokenOutput(stdout.Bytes(), now())
}

func parseTokenOutput(out []byte, now time.Time) (Token, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return Token{}, errors.New("token command printed nothing")
	}
	if out[0] != '{' {
		line := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
		return Token{AccessToken: line, ExpiresAt: now.Add(DefaultTokenLifetime)}, nil
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(out, &parsed); err != nil {
		return Token{}, fmt.Errorf("decoding token command output: %w", err)
	}
	if parsed.AccessToken == "" {
		return Token{}, errors.New("token command output has no access_token")
	}
	lifetime := DefaultTokenLifetime
	if parsed.ExpiresIn > 0 {
		lifetime = time.Duration(parsed.ExpiresIn) * time.Second
	}
	return Token{AccessToken: parsed.AccessToken, ExpiresAt: now.Add(lifetime)}, nil
}
