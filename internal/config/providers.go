package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	SecurityTLS      = "tls"
	SecurityStartTLS = "starttls"
)

type Endpoint struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Security string `mapstructure:"security"`
}

// Provider describes one mail provider: where to connect, how many sessions it
// tolerates per account and protocol, and which of its folders are virtual.
type Provider struct {
	Name            string            `mapstructure:"name"`
	Domains         []string          `mapstructure:"domains"`
	IMAP            Endpoint          `mapstructure:"imap"`
	SMTP            Endpoint          `mapstructure:"smtp"`
	MaxConnections  int               `mapstructure:"max_connections"`
	AutoCopiesSent  bool              `mapstructure:"auto_copies_sent"`
	ExcludedFolders []string          `mapstructure:"excluded_folders"`
	FolderOverrides map[string]string `mapstructure:"folder_overrides"`
}

// Catalogue is the parsed providers file.
type Catalogue struct {
	Providers []Provider `mapstructure:"providers"`
	Limits    Limits     `mapstructure:"limits"`
}

func (c *Catalogue) Provider(name string) (Provider, bool) {
	for _, p := range c.Providers {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return Provider{}, false
}

// ProviderForEmail picks a provider by the address's domain.
func (c *Catalogue) ProviderForEmail(email string) (Provider, bool) {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return Provider{}, false
	}
	domain := strings.ToLower(email[at+1:])
	for _, p := range c.Providers {
		for _, d := range p.Domains {
			if strings.EqualFold(d, domain) {
				return p, true
			}
		}
	}
	return Provider{}, false
}

// LoadProviders reads the provider catalogue at path. Built-in providers are
// always present; entries in the file replace built-ins with the same name.
// A missing file yields the built-ins and default limits.
func LoadProviders(path string) (*Catalogue, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setLimitDefaults(v, DefaultLimits())

	cat := &Catalogue{}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading providers %s: %w", path, err)
		}
	}
	if err := v.Unmarshal(cat); err != nil {
		return nil, fmt.Errorf("parsing providers %s: %w", path, err)
	}

	cat.Providers = mergeProviders(DefaultProviders(), cat.Providers)
	if err := cat.Validate(); err != nil {
		return nil, fmt.Errorf("invalid providers %s: %w", path, err)
	}
	return cat, nil
}

func (c *Catalogue) Validate() error {
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider without a name")
		}
		if p.MaxConnections <= 0 {
			return fmt.Errorf("provider %s: max_connections must be positive", p.Name)
		}
		for proto, ep := range map[string]Endpoint{"imap": p.IMAP, "smtp": p.SMTP} {
			if ep.Host == "" || ep.Port <= 0 {
				return fmt.Errorf("provider %s: %s endpoint needs host and port", p.Name, proto)
			}
			if ep.Security != SecurityTLS && ep.Security != SecurityStartTLS {
				return fmt.Errorf("provider %s: %s security must be %q or %q", p.Name, proto, SecurityTLS, SecurityStartTLS)
			}
		}
	}
	if c.Limits.InitialPageSize <= 0 || c.Limits.BatchSize <= 0 {
		return fmt.Errorf("page and batch sizes must be positive")
	}
	return nil
}

func setLimitDefaults(v *viper.Viper, l Limits) {
	v.SetDefault("limits.connect_timeout", l.ConnectTimeout)
	v.SetDefault("limits.read_timeout", l.ReadTimeout)
	v.SetDefault("limits.idle_refresh", l.IdleRefresh)
	v.SetDefault("limits.idle_poll_interval", l.IdlePollInterval)
	v.SetDefault("limits.monitor_restart_delay", l.MonitorRestartDelay)
	v.SetDefault("limits.health_check_after", l.HealthCheckAfter)
	v.SetDefault("limits.pool_idle_timeout", l.PoolIdleTimeout)
	v.SetDefault("limits.sync_interval", l.SyncInterval)
	v.SetDefault("limits.initial_page_size", l.InitialPageSize)
	v.SetDefault("limits.batch_size", l.BatchSize)
	v.SetDefault("limits.max_fetch_retries", l.MaxFetchRetries)
	v.SetDefault("limits.folder_retry_delays", []time.Duration(l.FolderRetryDelays))
	v.SetDefault("limits.account_retry_delays", []time.Duration(l.AccountRetryDelays))
	v.SetDefault("limits.send_retry_delays", []time.Duration(l.SendRetryDelays))
	v.SetDefault("limits.send_max_age", l.SendMaxAge)
	v.SetDefault("limits.flag_retry_delays", []time.Duration(l.FlagRetryDelays))
	v.SetDefault("limits.thread_window", l.ThreadWindow)
	v.SetDefault("limits.snippet_length", l.SnippetLength)
}

func mergeProviders(builtin, fromFile []Provider) []Provider {
	merged := make([]Provider, 0, len(builtin)+len(fromFile))
	overridden := make(map[string]bool, len(fromFile))
	for _, p := range fromFile {
		overridden[strings.ToLower(p.Name)] = true
	}
	for _, p := range builtin {
		if !overridden[strings.ToLower(p.Name)] {
			merged = append(merged, p)
		}
	}
	return append(merged, fromFile...)
}

// DefaultProviders are the providers known without a config file.
func DefaultProviders() []Provider {
	return []Provider{
		{
			Name:           "gmail",
			Domains:        []string{"gmail.com", "googlemail.com"},
			IMAP:           Endpoint{Host: "imap.gmail.com", Port: 993, Security: SecurityTLS},
			SMTP:           Endpoint{Host: "smtp.gmail.com", Port: 465, Security: SecurityTLS},
			MaxConnections: 15,
			AutoCopiesSent: true,
			ExcludedFolders: []string{
				"[Gmail]/All Mail",
				"[Gmail]/Important",
				"[Gmail]/Starred",
			},
		},
		{
			Name:           "outlook",
			Domains:        []string{"outlook.com", "hotmail.com", "live.com"},
			IMAP:           Endpoint{Host: "outlook.office365.com", Port: 993, Security: SecurityTLS},
			SMTP:           Endpoint{Host: "smtp.office365.com", Port: 587, Security: SecurityStartTLS},
			MaxConnections: 8,
			AutoCopiesSent: true,
		},
		{
			Name:           "yahoo",
			Domains:        []string{"yahoo.com"},
			IMAP:           Endpoint{Host: "imap.mail.yahoo.com", Port: 993, Security: SecurityTLS},
			SMTP:           Endpoint{Host: "smtp.mail.yahoo.com", Port: 465, Security: SecurityTLS},
			MaxConnections: 5,
		},
		{
			Name:           "fastmail",
			Domains:        []string{"fastmail.com"},
			IMAP:           Endpoint{Host: "imap.fastmail.com", Port: 993, Security: SecurityTLS},
			SMTP:           Endpoint{Host: "smtp.fastmail.com", Port: 465, Security: SecurityTLS},
			MaxConnections: 10,
		},
		{
			Name:           "icloud",
			Domains:        []string{"icloud.com", "me.com"},
			IMAP:           Endpoint{Host: "imap.mail.me.com", Port: 993, Security: SecurityTLS},
			SMTP:           Endpoint{Host: "smtp.mail.me.com", Port: 587, Security: SecurityStartTLS},
			MaxConnections: 5,
			AutoCopiesSent: true,
		},
	}
}
