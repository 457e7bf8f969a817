package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/testutil"
)

func TestSeedMessages(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seed := seedMessages(10, now)

	assert.Len(t, seed["INBOX"], 15)
	assert.Len(t, seed["Sent"], 1)
	assert.Len(t, seed["Archive"], 1)

	ids := map[string]bool{}
	for _, messages := range seed {
		for _, m := range messages {
			if ids[m.MessageID] {
				t.Errorf("duplicate Message-ID %s", m.MessageID)
			}
			ids[m.MessageID] = true
			if m.SentAt.After(now) {
				t.Errorf("%s is dated in the future", m.MessageID)
			}
		}
	}
}

func TestSeedTestData(t *testing.T) {
	imapServer := testutil.NewTestIMAPServer(t)
	before := imapServer.MessageCount(t, "INBOX")

	require.NoError(t, seedTestData(imapServer, 3, time.Now()))

	assert.Equal(t, before+8, imapServer.MessageCount(t, "INBOX"))
	assert.Equal(t, uint32(1), imapServer.MessageCount(t, "Sent"))
	assert.Equal(t, uint32(0), imapServer.MessageCount(t, "Drafts"))
}

func TestWriteDevFiles(t *testing.T) {
	imapServer := testutil.NewTestIMAPServer(t)
	smtpServer := testutil.NewTestSMTPServer(t)
	dir := t.TempDir()

	env, err := writeDevFiles(dir, imapServer, smtpServer)
	require.NoError(t, err)

	values := map[string]string{}
	for _, line := range env {
		k, v, _ := strings.Cut(line, "=")
		values[k] = v
	}

	cfg := &config.Config{CAFile: values["MAILSYNC_CA_FILE"]}
	roots, err := cfg.RootCAs()
	require.NoError(t, err)
	assert.NotNil(t, roots)

	cat, err := config.LoadProviders(values["MAILSYNC_PROVIDERS_FILE"])
	require.NoError(t, err)
	p, ok := cat.ProviderForEmail(accountEmail)
	require.True(t, ok)
	assert.Equal(t, providerName, p.Name)
	assert.Equal(t, imapServer.Port, p.IMAP.Port)
	assert.Equal(t, smtpServer.Port, p.SMTP.Port)
	assert.Equal(t, config.SecurityTLS, p.SMTP.Security)
	assert.Equal(t, 30, cat.Limits.InitialPageSize)

	_, err = os.Stat(filepath.Join(dir, "ca.pem"))
	assert.NoError(t, err)
}
