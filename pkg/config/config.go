package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full control-plane configuration. Every policy parameter
// (idle window, retry caps, admission fractions) lives here; nothing is
// hard-coded in the components.
type Config struct {
	DataDir string `mapstructure:"data_dir"`

	Log       LogConfig       `mapstructure:"log"`
	API       APIConfig       `mapstructure:"api"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	ACME      ACMEConfig      `mapstructure:"acme"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

type APIConfig struct {
	Addr string `mapstructure:"addr"`
	// AdminToken gates the admin-only operations (revive, force-destroy).
	// Caller identity itself comes from the external identity service.
	AdminToken string `mapstructure:"admin_token"`
}

type ProxyConfig struct {
	HTTPAddr  string `mapstructure:"http_addr"`
	HTTPSAddr string `mapstructure:"https_addr"`
	// WakeWait bounds how long a connection is held while an idle project
	// is being started on its behalf.
	WakeWait      time.Duration `mapstructure:"wake_wait"`
	WakePollEvery time.Duration `mapstructure:"wake_poll_every"`
}

type RuntimeConfig struct {
	Socket    string `mapstructure:"socket"`
	Namespace string `mapstructure:"namespace"`
	// OpTimeout bounds every runtime adapter call.
	OpTimeout time.Duration `mapstructure:"op_timeout"`
}

type SchedulerConfig struct {
	Workers int `mapstructure:"workers"`
	// MaxStartFraction and MaxResidentFraction express admission limits as
	// fractions of host capacity (cores), per the shared-resource policy.
	MaxStartFraction    float64 `mapstructure:"max_start_fraction"`
	MaxResidentFraction float64 `mapstructure:"max_resident_fraction"`
	// HostCores overrides the detected core count when non-zero.
	HostCores int `mapstructure:"host_cores"`

	MaxTaskRetries int           `mapstructure:"max_task_retries"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	// AdmissionMaxWait is how long an admission-gated task may wait in
	// backoff before it fails with a capacity error.
	AdmissionMaxWait time.Duration `mapstructure:"admission_max_wait"`

	HealthSweepEvery time.Duration `mapstructure:"health_sweep_every"`
	IdleSweepEvery   time.Duration `mapstructure:"idle_sweep_every"`
	CertSweepEvery   time.Duration `mapstructure:"cert_sweep_every"`
}

type LifecycleConfig struct {
	// IdleWindow is how long a Ready project may go without traffic before
	// its container is stopped.
	IdleWindow time.Duration `mapstructure:"idle_window"`
	// HealthRetries is the health-check failure cap before Errored.
	HealthRetries int           `mapstructure:"health_retries"`
	HealthTimeout time.Duration `mapstructure:"health_timeout"`
	// ErrorRetryCap bounds automatic recovery attempts for Errored projects;
	// past the cap, an explicit revive is required.
	ErrorRetryCap int `mapstructure:"error_retry_cap"`
}

type ACMEConfig struct {
	Email string `mapstructure:"email"`
	// DirectoryURL defaults to the Let's Encrypt staging endpoint; point it
	// at production explicitly.
	DirectoryURL string `mapstructure:"directory_url"`
	// PlatformDomain is the apex under which project hostnames are assigned
	// (<name>.<platform_domain>); its wildcard certificate is the proxy's
	// fallback.
	PlatformDomain string `mapstructure:"platform_domain"`
	// RenewBefore is how long before expiry the renewal sweep picks a
	// certificate up.
	RenewBefore time.Duration `mapstructure:"renew_before"`
	// WildcardCertFile and WildcardKeyFile import an operator-supplied PEM
	// pair at startup, typically the platform wildcard. HTTP-01 cannot
	// issue wildcards, so the fallback certificate arrives this way.
	WildcardCertFile string `mapstructure:"wildcard_cert_file"`
	WildcardKeyFile  string `mapstructure:"wildcard_key_file"`
}

// Load reads configuration from the given file (optional) with env-var
// overrides (HUTCH_ prefix) on top of defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("HUTCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "/var/lib/hutch")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	v.SetDefault("api.addr", "127.0.0.1:8080")

	v.SetDefault("proxy.http_addr", ":80")
	v.SetDefault("proxy.https_addr", ":443")
	v.SetDefault("proxy.wake_wait", 25*time.Second)
	v.SetDefault("proxy.wake_poll_every", 500*time.Millisecond)

	v.SetDefault("runtime.socket", "/run/containerd/containerd.sock")
	v.SetDefault("runtime.namespace", "hutch")
	v.SetDefault("runtime.op_timeout", 30*time.Second)

	v.SetDefault("scheduler.workers", 8)
	v.SetDefault("scheduler.max_start_fraction", 0.5)
	v.SetDefault("scheduler.max_resident_fraction", 4.0)
	v.SetDefault("scheduler.max_task_retries", 5)
	v.SetDefault("scheduler.backoff_initial", 500*time.Millisecond)
	v.SetDefault("scheduler.backoff_max", 30*time.Second)
	v.SetDefault("scheduler.admission_max_wait", 2*time.Minute)
	v.SetDefault("scheduler.health_sweep_every", 30*time.Second)
	v.SetDefault("scheduler.idle_sweep_every", 1*time.Minute)
	v.SetDefault("scheduler.cert_sweep_every", 12*time.Hour)

	v.SetDefault("lifecycle.idle_window", 15*time.Minute)
	v.SetDefault("lifecycle.health_retries", 3)
	v.SetDefault("lifecycle.health_timeout", 10*time.Second)
	v.SetDefault("lifecycle.error_retry_cap", 3)

	v.SetDefault("acme.directory_url", "https://acme-staging-v02.api.letsencrypt.org/directory")
	v.SetDefault("acme.platform_domain", "hutch.dev")
	v.SetDefault("acme.renew_before", 30*24*time.Hour)
}

// Validate rejects configurations that no component could run under.
func (c *Config) Validate() error {
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be positive, got %d", c.Scheduler.Workers)
	}
	if c.Scheduler.MaxStartFraction <= 0 {
		return fmt.Errorf("scheduler.max_start_fraction must be positive, got %g", c.Scheduler.MaxStartFraction)
	}
	if c.Scheduler.MaxResidentFraction <= 0 {
		return fmt.Errorf("scheduler.max_resident_fraction must be positive, got %g", c.Scheduler.MaxResidentFraction)
	}
	if c.Lifecycle.IdleWindow <= 0 {
		return fmt.Errorf("lifecycle.idle_window must be positive, got %s", c.Lifecycle.IdleWindow)
	}
	if c.Lifecycle.HealthRetries < 1 {
		return fmt.Errorf("lifecycle.health_retries must be at least 1, got %d", c.Lifecycle.HealthRetries)
	}
	if c.ACME.PlatformDomain == "" {
		return fmt.Errorf("acme.platform_domain is required")
	}
	return nil
}

// HostCores resolves the core count used by the admission controller.
func (c *Config) HostCores() int {
	if c.Scheduler.HostCores > 0 {
		return c.Scheduler.HostCores
	}
	return runtime.NumCPU()
}

// MaxConcurrentStarts is the admission ceiling on in-flight build/start
// tasks: a fraction of host cores, never below one.
func (c *Config) MaxConcurrentStarts() int {
	n := int(float64(c.HostCores()) * c.Scheduler.MaxStartFraction)
	if n < 1 {
		n = 1
	}
	return n
}

// MaxResidentContainers is the admission ceiling on containers resident on
// the host at once.
func (c *Config) MaxResidentContainers() int {
	n := int(float64(c.HostCores()) * c.Scheduler.MaxResidentFraction)
	if n < 1 {
		n = 1
	}
	return n
}
