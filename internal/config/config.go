package config

import (
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment         string
	EncryptionKeyBase64 string
	APIToken            string
	DBHost              string
	DBPort              string
	DBUsername          string
	DBPassword          string
	DBName              string
	DBSSLMode           string
	Port                string
	DataDir             string
	ProvidersFile       string
	KeyringDir          string
	LogLevel            string
	// CAFile holds extra PEM certificates to trust for IMAP and SMTP, on top
	// of the system roots.
	CAFile string
}

func NewConfig() (*Config, error) {
	env := os.Getenv("MAILSYNC_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	dataDir := getEnvOrDefault("MAILSYNC_DATA_DIR", defaultDataDir())

	config := &Config{
		Environment:         env,
		EncryptionKeyBase64: os.Getenv("MAILSYNC_ENCRYPTION_KEY_BASE64"),
		APIToken:            os.Getenv("MAILSYNC_API_TOKEN"),
		DBHost:              getEnvOrDefault("MAILSYNC_DB_HOST", "localhost"),
		DBPort:              getEnvOrDefault("MAILSYNC_DB_PORT", "5432"),
		DBUsername:          getEnvOrDefault("MAILSYNC_DB_USER", "mailsync"),
		DBPassword:          os.Getenv("MAILSYNC_DB_PASSWORD"),
		DBName:              getEnvOrDefault("MAILSYNC_DB_NAME", "mailsync"),
		DBSSLMode:           getEnvOrDefault("MAILSYNC_DB_SSLMODE", "disable"),
		Port:                getEnvOrDefault("PORT", "11764"),
		DataDir:             dataDir,
		ProvidersFile:       getEnvOrDefault("MAILSYNC_PROVIDERS_FILE", filepath.Join(dataDir, "providers.yaml")),
		KeyringDir:          getEnvOrDefault("MAILSYNC_KEYRING_DIR", filepath.Join(dataDir, "keyring")),
		LogLevel:            getEnvOrDefault("MAILSYNC_LOG_LEVEL", "info"),
		CAFile:              os.Getenv("MAILSYNC_CA_FILE"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.EncryptionKeyBase64 == "" {
		return fmt.Errorf("MAILSYNC_ENCRYPTION_KEY_BASE64 is required")
	}

	if c.APIToken == "" {
		return fmt.Errorf("MAILSYNC_API_TOKEN is required")
	}

	if c.DBPassword == "" {
		return fmt.Errorf("MAILSYNC_DB_PASSWORD is required")
	}

	if port, err := strconv.Atoi(c.Port); err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("PORT must be a valid port number, got %q", c.Port)
	}

	return nil
}

func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUsername,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBSSLMode,
	)
}

// MailboxDBPath is where the local mailbox mirror lives.
func (c *Config) MailboxDBPath() string {
	return filepath.Join(c.DataDir, "mailbox.db")
}

// RootCAs returns the system roots plus CAFile, or nil when CAFile is unset.
func (c *Config) RootCAs() (*x509.CertPool, error) {
	if c.CAFile == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(c.CAFile)
	if err != nil {
		return nil, fmt.Errorf("reading MAILSYNC_CA_FILE: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("MAILSYNC_CA_FILE %s holds no PEM certificates", c.CAFile)
	}
	return pool, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mailsync"
	}
	return filepath.Join(home, ".local", "share", "mailsync")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
