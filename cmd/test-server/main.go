// Command test-server runs local TLS IMAP and SMTP servers with seeded mail
// for developing against mailsync. With --postgres it also starts a
// throwaway registry database and registers the seeded account in it.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/testcontainers/testcontainers-go"

	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/logging"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/testutil"
)

const (
	accountEmail = "test@example.com"
	providerName = "local"
)

type options struct {
	imapAddr     string
	smtpAddr     string
	outDir       string
	filler       int
	withPostgres bool
}

func main() {
	var opts options
	cmd := &cobra.Command{
		Use:          "test-server",
		Short:        "Local IMAP/SMTP servers with seeded mail",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.imapAddr, "imap-addr", "127.0.0.1:1993", "IMAP listen address")
	cmd.Flags().StringVar(&opts.smtpAddr, "smtp-addr", "127.0.0.1:1465", "SMTP listen address")
	cmd.Flags().StringVar(&opts.outDir, "out", ".mailsync-dev", "directory for ca.pem and providers.yaml")
	cmd.Flags().IntVar(&opts.filler, "messages", 120, "number of filler messages in INBOX")
	cmd.Flags().BoolVar(&opts.withPostgres, "postgres", false, "start a Postgres registry and register the account")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, out io.Writer) error {
	logger := logging.New("development", "info")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	imapServer, smtpServer, err := startMailServers(opts)
	if err != nil {
		return err
	}
	defer imapServer.Close()
	defer smtpServer.Close()
	logger.Info().Str("imap", imapServer.Address).Str("smtp", smtpServer.Address).Msg("Mail servers started")

	if err := seedTestData(imapServer, opts.filler, time.Now()); err != nil {
		return fmt.Errorf("failed to seed test data: %w", err)
	}
	logger.Info().Int("filler", opts.filler).Msg("Seeded test data")

	env, err := writeDevFiles(opts.outDir, imapServer, smtpServer)
	if err != nil {
		return err
	}

	if opts.withPostgres {
		container, pgEnv, err := startRegistry(ctx, imapServer, smtpServer, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := container.Terminate(context.Background()); err != nil {
				logger.Warn().Err(err).Msg("Failed to terminate Postgres container")
			}
		}()
		env = append(env, pgEnv...)
	}

	fmt.Fprintln(out, "# export these before running mailsync:")
	for _, line := range env {
		fmt.Fprintln(out, "export "+line)
	}
	logger.Info().Msg("Ready. Press Ctrl+C to stop.")

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	delivered := 0
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Shutting down")
			return nil
		case <-ticker.C:
			if n := len(smtpServer.Messages()); n != delivered {
				logger.Info().Int("delivered", n).Msg("SMTP server received mail")
				delivered = n
			}
		}
	}
}

func startMailServers(opts options) (*testutil.TestIMAPServer, *testutil.TestSMTPServer, error) {
	serverTLS, roots, err := testutil.NewTestTLS()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	imapServer, err := testutil.StartIMAPServer(opts.imapAddr, serverTLS, roots)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start IMAP server: %w", err)
	}
	// The go-imap memory backend's only user; SMTP accepts the same login so
	// one sealed password serves both.
	smtpServer, err := testutil.StartSMTPServer(opts.smtpAddr, serverTLS, roots, imapServer.Username(), imapServer.Password())
	if err != nil {
		imapServer.Close()
		return nil, nil, fmt.Errorf("failed to start SMTP server: %w", err)
	}
	return imapServer, smtpServer, nil
}

type seedMessage = testutil.TestMessage

// seedMessages returns the fixed conversations plus filler, oldest first.
// The fixed set has a reply chain that continues in Sent and a forward that
// shares only the subject.
func seedMessages(filler int, now time.Time) map[string][]seedMessage {
	inbox := []seedMessage{
		{MessageID: "<welcome@test>", Subject: "Welcome to mailsync", From: "sender@example.com", To: accountEmail, SentAt: now.Add(-72 * time.Hour), Body: "This is a test message.", Seen: true},
		{MessageID: "<meeting@test>", Subject: "Meeting Tomorrow", From: "colleague@example.com", To: accountEmail, SentAt: now.Add(-26 * time.Hour), Body: "Don't forget about the meeting tomorrow at 2 PM."},
		{MessageID: "<meeting-re@test>", InReplyTo: "<meeting@test>", References: "<meeting@test>", Subject: "Re: Meeting Tomorrow", From: "boss@example.com", To: accountEmail, SentAt: now.Add(-25 * time.Hour), Body: "Moved to 3 PM."},
		{MessageID: "<meeting-fwd@test>", Subject: "Fwd: Meeting Tomorrow", From: "colleague@example.com", To: accountEmail, SentAt: now.Add(-24 * time.Hour), Body: "See below."},
		{MessageID: "<report@test>", Subject: "Special Report Q3", From: "reports@example.com", To: accountEmail, SentAt: now.Add(-time.Hour), Body: "Here is the Q3 report you requested."},
	}
	for i := 0; i < filler; i++ {
		inbox = append(inbox, seedMessage{
			MessageID: fmt.Sprintf("<filler-%d@test>", i),
			Subject:   fmt.Sprintf("Newsletter #%d", i),
			From:      "news@example.com",
			To:        accountEmail,
			SentAt:    now.Add(-time.Duration(filler-i) * 5 * time.Minute),
			Seen:      i%3 == 0,
		})
	}
	return map[string][]seedMessage{
		"INBOX": inbox,
		"Sent": {
			{MessageID: "<sent-re@test>", InReplyTo: "<meeting-re@test>", References: "<meeting@test> <meeting-re@test>", Subject: "Re: Meeting Tomorrow", From: accountEmail, To: "boss@example.com", SentAt: now.Add(-24*time.Hour - 30*time.Minute), Body: "Works for me.", Seen: true},
		},
		"Archive": {
			{MessageID: "<old@test>", Subject: "Old thread", From: "friend@example.com", To: accountEmail, SentAt: now.Add(-60 * 24 * time.Hour), Seen: true},
		},
	}
}

// seedFolders are created next to INBOX, in this order.
var seedFolders = []string{"Sent", "Drafts", "Trash", "Spam", "Archive"}

func seedTestData(imapServer *testutil.TestIMAPServer, filler int, now time.Time) error {
	client, err := imapServer.Dial()
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	for _, name := range seedFolders {
		if err := client.Create(name); err != nil && !strings.Contains(err.Error(), "already exists") {
			_ = client.Logout()
			return fmt.Errorf("failed to create folder %s: %w", name, err)
		}
	}
	_ = client.Logout()

	for folder, messages := range seedMessages(filler, now) {
		for _, m := range messages {
			if _, err := imapServer.Append(folder, m); err != nil {
				return fmt.Errorf("failed to add %s: %w", m.MessageID, err)
			}
		}
	}
	return nil
}

// providersYAML points the "local" provider at the running servers. The
// limits are small so paging is visible with little mail.
func providersYAML(imapServer *testutil.TestIMAPServer, smtpServer *testutil.TestSMTPServer) string {
	return fmt.Sprintf(`providers:
  - name: %s
    domains: [example.com]
    imap: {host: %s, port: %d, security: tls}
    smtp: {host: %s, port: %d, security: tls}
    max_connections: 4
    auto_copies_sent: false
limits:
  initial_page_size: 30
  batch_size: 25
`, providerName, imapServer.Host, imapServer.Port, smtpServer.Host, smtpServer.Port)
}

func writeDevFiles(dir string, imapServer *testutil.TestIMAPServer, smtpServer *testutil.TestSMTPServer) ([]string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	caFile := filepath.Join(abs, "ca.pem")
	if err := os.WriteFile(caFile, testutil.CertPEM(imapServer.TLSConfig), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write CA file: %w", err)
	}
	providersFile := filepath.Join(abs, "providers.yaml")
	if err := os.WriteFile(providersFile, []byte(providersYAML(imapServer, smtpServer)), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write providers file: %w", err)
	}
	return []string{
		"MAILSYNC_CA_FILE=" + caFile,
		"MAILSYNC_PROVIDERS_FILE=" + providersFile,
		"MAILSYNC_DATA_DIR=" + filepath.Join(abs, "data"),
		"MAILSYNC_ENCRYPTION_KEY_BASE64=" + testutil.EncryptionKey,
	}, nil
}

// startRegistry starts Postgres, applies the migrations and registers the
// seeded account with its sealed password.
func startRegistry(ctx context.Context, imapServer *testutil.TestIMAPServer, smtpServer *testutil.TestSMTPServer, logger zerolog.Logger) (testcontainers.Container, []string, error) {
	logger.Info().Msg("Starting Postgres registry...")
	container, connStr, err := testutil.StartPostgres(ctx, "mailsync")
	if err != nil {
		return nil, nil, err
	}
	fail := func(err error) (testcontainers.Container, []string, error) {
		_ = container.Terminate(context.Background())
		return nil, nil, err
	}

	host, err := container.Host(ctx)
	if err != nil {
		return fail(err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fail(err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return fail(fmt.Errorf("failed to connect: %w", err))
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		return fail(err)
	}

	accountID, err := registerAccount(ctx, pool, imapServer, smtpServer)
	if err != nil {
		return fail(err)
	}
	logger.Info().Str("account", accountID).Msg("Registered test account")

	return container, []string{
		"MAILSYNC_DB_HOST=" + host,
		"MAILSYNC_DB_PORT=" + port.Port(),
		"MAILSYNC_DB_USER=mailsync",
		"MAILSYNC_DB_PASSWORD=mailsync",
		"MAILSYNC_DB_NAME=mailsync",
		"# account id: " + accountID,
	}, nil
}

func registerAccount(ctx context.Context, pool *pgxpool.Pool, imapServer *testutil.TestIMAPServer, smtpServer *testutil.TestSMTPServer) (string, error) {
	if imapServer.Password() != smtpServer.Password() {
		return "", fmt.Errorf("IMAP and SMTP test passwords differ")
	}
	account := &models.Account{
		Email:        accountEmail,
		Provider:     providerName,
		AuthKind:     models.AuthPlain,
		IMAPUsername: imapServer.Username(),
		SMTPUsername: smtpServer.Username(),
	}
	if err := db.CreateAccount(ctx, pool, account); err != nil {
		return "", err
	}

	encryptor, err := crypto.NewEncryptor(testutil.EncryptionKey)
	if err != nil {
		return "", err
	}
	sealed, err := encryptor.Seal(account.ID, imapServer.Password())
	if err != nil {
		return "", err
	}
	if err := db.SetAccountPassword(ctx, pool, account.ID, sealed); err != nil {
		return "", err
	}
	return account.ID, nil
}
