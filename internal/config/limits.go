package config

import (
	"time"

	"github.com/vdavid/mailsync/internal/mailerr"
)

// Limits holds every timeout, page size and retry schedule the sync core uses.
// It is loaded once and passed by value into constructors.
type Limits struct {
	ConnectTimeout      time.Duration    `mapstructure:"connect_timeout"`
	ReadTimeout         time.Duration    `mapstructure:"read_timeout"`
	IdleRefresh         time.Duration    `mapstructure:"idle_refresh"`
	IdlePollInterval    time.Duration    `mapstructure:"idle_poll_interval"`
	MonitorRestartDelay time.Duration    `mapstructure:"monitor_restart_delay"`
	HealthCheckAfter    time.Duration    `mapstructure:"health_check_after"`
	PoolIdleTimeout     time.Duration    `mapstructure:"pool_idle_timeout"`
	SyncInterval        time.Duration    `mapstructure:"sync_interval"`
	InitialPageSize     int              `mapstructure:"initial_page_size"`
	BatchSize           int              `mapstructure:"batch_size"`
	MaxFetchRetries     int              `mapstructure:"max_fetch_retries"`
	FolderRetryDelays   mailerr.Schedule `mapstructure:"folder_retry_delays"`
	AccountRetryDelays  mailerr.Schedule `mapstructure:"account_retry_delays"`
	SendRetryDelays     mailerr.Schedule `mapstructure:"send_retry_delays"`
	SendMaxAge          time.Duration    `mapstructure:"send_max_age"`
	FlagRetryDelays     mailerr.Schedule `mapstructure:"flag_retry_delays"`
	ThreadWindow        time.Duration    `mapstructure:"thread_window"`
	SnippetLength       int              `mapstructure:"snippet_length"`
}

func DefaultLimits() Limits {
	return Limits{
		ConnectTimeout:      15 * time.Second,
		ReadTimeout:         60 * time.Second,
		IdleRefresh:         20 * time.Minute,
		IdlePollInterval:    time.Minute,
		MonitorRestartDelay: 30 * time.Second,
		HealthCheckAfter:    time.Minute,
		PoolIdleTimeout:     10 * time.Minute,
		SyncInterval:        5 * time.Minute,
		InitialPageSize:     50,
		BatchSize:           100,
		MaxFetchRetries:     5,
		FolderRetryDelays:   mailerr.Schedule{5 * time.Second, 15 * time.Second, 45 * time.Second},
		AccountRetryDelays:  mailerr.Schedule{30 * time.Second, 2 * time.Minute, 10 * time.Minute},
		SendRetryDelays:     mailerr.Schedule{30 * time.Second, 2 * time.Minute, 8 * time.Minute},
		SendMaxAge:          72 * time.Hour,
		FlagRetryDelays:     mailerr.Schedule{5 * time.Second, 15 * time.Second, 45 * time.Second},
		ThreadWindow:        30 * 24 * time.Hour,
		SnippetLength:       100,
	}
}
