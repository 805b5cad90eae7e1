// Package config loads PodSub configuration. Every option is addressable
// three ways with ascending precedence: built-in default, yaml config file,
// `PODSUB_`-prefixed environment variable, command-line flag.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "PODSUB"

// MysqlConfig defines the connection options for the mysql datastore.
type MysqlConfig struct {
	Protocol        string
	Address         string
	Username        string
	Password        string
	Database        string
	MaxOpenConns    int `yaml:"max_open_conns"`
	MaxIdleConns    int `yaml:"max_idle_conns"`
	ConnMaxLifetime int `yaml:"conn_max_lifetime"`
}

// ServerConfig defines the HTTP listener options.
type ServerConfig struct {
	Address         string
	RateLimitPerMin int `yaml:"rate_limit_per_min"`
	RateLimitBurst  int `yaml:"rate_limit_burst"`
}

// QueueConfig defines per-engine job queue behavior.
type QueueConfig struct {
	MaxConcurrent   int           `yaml:"max_concurrent"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	MaxRetries      int           `yaml:"max_retries"`
	EnableAutoRetry bool          `yaml:"enable_auto_retry"`
}

// WorkerConfig defines worker pool sizing and supervision.
type WorkerConfig struct {
	Count             int
	AutoRestart       bool          `yaml:"auto_restart"`
	MaxRestarts       int           `yaml:"max_restarts"`
	RestartDelay      time.Duration `yaml:"restart_delay"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StaleAfter        time.Duration `yaml:"stale_after"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace"`
}

// BreakerConfig defines circuit breaker thresholds shared by every
// breaker-guarded dependency.
type BreakerConfig struct {
	Enabled          bool
	FailureThreshold int `yaml:"failure_threshold"`
	SuccessThreshold int `yaml:"success_threshold"`
	Timeout          time.Duration
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// MonitoringConfig defines alerting and dashboard behavior.
type MonitoringConfig struct {
	AlertCapacity     int           `yaml:"alert_capacity"`
	DashboardCacheTTL time.Duration `yaml:"dashboard_cache_ttl"`
}

// PipelineConfig defines the external generation service client.
type PipelineConfig struct {
	URL            string
	Token          string
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
}

// LoggingConfig defines logger behavior.
type LoggingConfig struct {
	Debug bool
	JSON  bool
}

// SentryConfig defines crash reporting. Reporting is disabled when Dsn is
// empty.
type SentryConfig struct {
	Dsn string
}

// PodsubConfig is the complete runtime configuration.
type PodsubConfig struct {
	Mysql      MysqlConfig
	Server     ServerConfig
	Queue      QueueConfig
	Worker     WorkerConfig
	Breaker    BreakerConfig
	Monitoring MonitoringConfig
	Pipeline   PipelineConfig
	Logging    LoggingConfig
	Sentry     SentryConfig
}

// Manager manages the connection between config keys, defaults, environment
// variables and command-line flags.
type Manager struct {
	viper    *viper.Viper
	command  *cobra.Command
	defaults map[string]interface{}
}

// NewManager initializes a Manager wrapping the provided cobra command. All
// config options are registered as persistent flags on the command.
func NewManager(command *cobra.Command) Manager {
	man := Manager{
		viper:    viper.New(),
		command:  command,
		defaults: map[string]interface{}{},
	}
	man.addConfigs()
	return man
}

func flagNameFromConfigKey(key string) string {
	return strings.ReplaceAll(key, ".", "_")
}

func (man Manager) addDefault(key string, defVal interface{}) {
	if _, exists := man.defaults[key]; exists {
		panic("Trying to add duplicate config for key " + key)
	}
	man.defaults[key] = defVal
}

func (man Manager) getInterfaceVal(key string) interface{} {
	interfaceVal := man.viper.Get(key)
	if interfaceVal == nil {
		var ok bool
		interfaceVal, ok = man.defaults[key]
		if !ok {
			panic("Tried to look up default value for nonexistent config option: " + key)
		}
	}
	return interfaceVal
}

func (man Manager) addConfigString(key, defVal, usage string) {
	man.command.PersistentFlags().String(flagNameFromConfigKey(key), defVal, usage)
	if err := man.viper.BindPFlag(key, man.command.PersistentFlags().Lookup(flagNameFromConfigKey(key))); err != nil {
		panic("Unable to bind flag for " + key + ": " + err.Error())
	}
	man.addDefault(key, defVal)
}

func (man Manager) addConfigInt(key string, defVal int, usage string) {
	man.command.PersistentFlags().Int(flagNameFromConfigKey(key), defVal, usage)
	if err := man.viper.BindPFlag(key, man.command.PersistentFlags().Lookup(flagNameFromConfigKey(key))); err != nil {
		panic("Unable to bind flag for " + key + ": " + err.Error())
	}
	man.addDefault(key, defVal)
}

func (man Manager) addConfigBool(key string, defVal bool, usage string) {
	man.command.PersistentFlags().Bool(flagNameFromConfigKey(key), defVal, usage)
	if err := man.viper.BindPFlag(key, man.command.PersistentFlags().Lookup(flagNameFromConfigKey(key))); err != nil {
		panic("Unable to bind flag for " + key + ": " + err.Error())
	}
	man.addDefault(key, defVal)
}

func (man Manager) addConfigDuration(key string, defVal time.Duration, usage string) {
	man.command.PersistentFlags().Duration(flagNameFromConfigKey(key), defVal, usage)
	if err := man.viper.BindPFlag(key, man.command.PersistentFlags().Lookup(flagNameFromConfigKey(key))); err != nil {
		panic("Unable to bind flag for " + key + ": " + err.Error())
	}
	man.addDefault(key, defVal)
}

func (man Manager) getConfigString(key string) string {
	stringVal, err := cast.ToStringE(man.getInterfaceVal(key))
	if err != nil {
		panic("Unable to cast to string for key " + key + ": " + err.Error())
	}
	return stringVal
}

func (man Manager) getConfigInt(key string) int {
	intVal, err := cast.ToIntE(man.getInterfaceVal(key))
	if err != nil {
		panic("Unable to cast to int for key " + key + ": " + err.Error())
	}
	return intVal
}

func (man Manager) getConfigBool(key string) bool {
	boolVal, err := cast.ToBoolE(man.getInterfaceVal(key))
	if err != nil {
		panic("Unable to cast to bool for key " + key + ": " + err.Error())
	}
	return boolVal
}

func (man Manager) getConfigDuration(key string) time.Duration {
	durationVal, err := cast.ToDurationE(man.getInterfaceVal(key))
	if err != nil {
		panic("Unable to cast to duration for key " + key + ": " + err.Error())
	}
	return durationVal
}

// addConfigs registers all of the configuration keys with their defaults and
// usage strings.
func (man Manager) addConfigs() {
	// MySQL
	man.addConfigString("mysql.protocol", "tcp", "MySQL protocol (tcp, unix, ...)")
	man.addConfigString("mysql.address", "localhost:3306", "MySQL server address (host:port)")
	man.addConfigString("mysql.username", "podsub", "MySQL server username")
	man.addConfigString("mysql.password", "", "MySQL server password (prefer env)")
	man.addConfigString("mysql.database", "podsub", "MySQL database name")
	man.addConfigInt("mysql.max_open_conns", 50, "MySQL maximum open connections")
	man.addConfigInt("mysql.max_idle_conns", 50, "MySQL maximum idle connections")
	man.addConfigInt("mysql.conn_max_lifetime", 0, "MySQL connection max lifetime in seconds (0 for unlimited)")

	// Server
	man.addConfigString("server.address", "0.0.0.0:8080", "PodSub HTTP listen address (host:port)")
	man.addConfigInt("server.rate_limit_per_min", 60, "Job submissions allowed per minute per client")
	man.addConfigInt("server.rate_limit_burst", 10, "Job submission burst allowance")

	// Queue
	man.addConfigInt("queue.max_concurrent", 3, "Jobs processed concurrently per worker")
	man.addConfigDuration("queue.job_timeout", 10*time.Minute, "End-to-end time limit for one job attempt")
	man.addConfigDuration("queue.retry_delay", 30*time.Second, "Delay before a failed job is retried")
	man.addConfigInt("queue.max_retries", 3, "Default retry budget per job")
	man.addConfigBool("queue.enable_auto_retry", true, "Retry failed jobs automatically")

	// Worker pool
	man.addConfigInt("worker.count", 2, "Number of workers in the pool")
	man.addConfigBool("worker.auto_restart", true, "Restart workers that report errors")
	man.addConfigInt("worker.max_restarts", 5, "Restart attempts per worker before giving up")
	man.addConfigDuration("worker.restart_delay", 5*time.Second, "Delay before restarting a failed worker")
	man.addConfigDuration("worker.heartbeat_interval", 30*time.Second, "Worker heartbeat write interval")
	man.addConfigDuration("worker.stale_after", 2*time.Minute, "Heartbeat age after which a worker counts as stale")
	man.addConfigDuration("worker.shutdown_grace", 30*time.Second, "Time allowed for in-flight jobs on shutdown")

	// Circuit breaker
	man.addConfigBool("breaker.enabled", true, "Guard external dependencies with circuit breakers")
	man.addConfigInt("breaker.failure_threshold", 5, "Consecutive failures that open a breaker")
	man.addConfigInt("breaker.success_threshold", 1, "Half-open successes that close a breaker")
	man.addConfigDuration("breaker.timeout", 10*time.Second, "Time a breaker stays open before probing")
	man.addConfigDuration("breaker.reset_timeout", 60*time.Second, "Closed-state failure count decay interval")

	// Monitoring
	man.addConfigInt("monitoring.alert_capacity", 1000, "Alerts kept in memory")
	man.addConfigDuration("monitoring.dashboard_cache_ttl", 5*time.Second, "Dashboard snapshot cache TTL")

	// Pipeline
	man.addConfigString("pipeline.url", "http://localhost:9090", "Generation pipeline base URL")
	man.addConfigString("pipeline.token", "", "Generation pipeline bearer token")
	man.addConfigDuration("pipeline.request_timeout", 5*time.Minute, "Single pipeline request timeout")
	man.addConfigInt("pipeline.max_attempts", 3, "Attempts per pipeline call (exponential backoff)")

	// Logging
	man.addConfigBool("logging.debug", false, "Enable debug logging")
	man.addConfigBool("logging.json", false, "Log in JSON format")

	// Sentry
	man.addConfigString("sentry.dsn", "", "Sentry DSN (empty disables reporting)")

	// Config file
	man.addConfigString("config", "", "Path to a yaml configuration file")
}

// LoadConfig resolves every key and returns the assembled PodsubConfig. It
// should be called after flags are parsed.
func (man Manager) LoadConfig() PodsubConfig {
	man.loadConfigFile()

	return PodsubConfig{
		Mysql: MysqlConfig{
			Protocol:        man.getConfigString("mysql.protocol"),
			Address:         man.getConfigString("mysql.address"),
			Username:        man.getConfigString("mysql.username"),
			Password:        man.getConfigString("mysql.password"),
			Database:        man.getConfigString("mysql.database"),
			MaxOpenConns:    man.getConfigInt("mysql.max_open_conns"),
			MaxIdleConns:    man.getConfigInt("mysql.max_idle_conns"),
			ConnMaxLifetime: man.getConfigInt("mysql.conn_max_lifetime"),
		},
		Server: ServerConfig{
			Address:         man.getConfigString("server.address"),
			RateLimitPerMin: man.getConfigInt("server.rate_limit_per_min"),
			RateLimitBurst:  man.getConfigInt("server.rate_limit_burst"),
		},
		Queue: QueueConfig{
			MaxConcurrent:   man.getConfigInt("queue.max_concurrent"),
			JobTimeout:      man.getConfigDuration("queue.job_timeout"),
			RetryDelay:      man.getConfigDuration("queue.retry_delay"),
			MaxRetries:      man.getConfigInt("queue.max_retries"),
			EnableAutoRetry: man.getConfigBool("queue.enable_auto_retry"),
		},
		Worker: WorkerConfig{
			Count:             man.getConfigInt("worker.count"),
			AutoRestart:       man.getConfigBool("worker.auto_restart"),
			MaxRestarts:       man.getConfigInt("worker.max_restarts"),
			RestartDelay:      man.getConfigDuration("worker.restart_delay"),
			HeartbeatInterval: man.getConfigDuration("worker.heartbeat_interval"),
			StaleAfter:        man.getConfigDuration("worker.stale_after"),
			ShutdownGrace:     man.getConfigDuration("worker.shutdown_grace"),
		},
		Breaker: BreakerConfig{
			Enabled:          man.getConfigBool("breaker.enabled"),
			FailureThreshold: man.getConfigInt("breaker.failure_threshold"),
			SuccessThreshold: man.getConfigInt("breaker.success_threshold"),
			Timeout:          man.getConfigDuration("breaker.timeout"),
			ResetTimeout:     man.getConfigDuration("breaker.reset_timeout"),
		},
		Monitoring: MonitoringConfig{
			AlertCapacity:     man.getConfigInt("monitoring.alert_capacity"),
			DashboardCacheTTL: man.getConfigDuration("monitoring.dashboard_cache_ttl"),
		},
		Pipeline: PipelineConfig{
			URL:            man.getConfigString("pipeline.url"),
			Token:          man.getConfigString("pipeline.token"),
			RequestTimeout: man.getConfigDuration("pipeline.request_timeout"),
			MaxAttempts:    man.getConfigInt("pipeline.max_attempts"),
		},
		Logging: LoggingConfig{
			Debug: man.getConfigBool("logging.debug"),
			JSON:  man.getConfigBool("logging.json"),
		},
		Sentry: SentryConfig{
			Dsn: man.getConfigString("sentry.dsn"),
		},
	}
}

// loadConfigFile handles the loading of the optional yaml config file.
func (man Manager) loadConfigFile() {
	man.viper.SetConfigType("yaml")
	man.viper.SetEnvPrefix(envPrefix)
	man.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	man.viper.AutomaticEnv()

	configFile := man.getConfigString("config")
	if configFile == "" {
		// No config file, so we just use the defaults and environment.
		return
	}

	man.viper.SetConfigFile(configFile)
	if err := man.viper.ReadInConfig(); err != nil {
		fmt.Println("Error loading config file:", err)
		os.Exit(1)
	}

	fmt.Println("Using config file:", man.viper.ConfigFileUsed())
}

// TestConfig returns a configuration suitable for tests: small timeouts, the
// in-memory defaults, no external services.
func TestConfig() PodsubConfig {
	return PodsubConfig{
		Queue: QueueConfig{
			MaxConcurrent:   2,
			JobTimeout:      5 * time.Second,
			RetryDelay:      10 * time.Millisecond,
			MaxRetries:      2,
			EnableAutoRetry: true,
		},
		Worker: WorkerConfig{
			Count:             2,
			AutoRestart:       true,
			MaxRestarts:       2,
			RestartDelay:      10 * time.Millisecond,
			HeartbeatInterval: 50 * time.Millisecond,
			StaleAfter:        time.Second,
			ShutdownGrace:     time.Second,
		},
		Breaker: BreakerConfig{
			Enabled:          true,
			FailureThreshold: 3,
			SuccessThreshold: 1,
			Timeout:          50 * time.Millisecond,
			ResetTimeout:     time.Minute,
		},
		Monitoring: MonitoringConfig{
			AlertCapacity:     100,
			DashboardCacheTTL: 100 * time.Millisecond,
		},
		Pipeline: PipelineConfig{
			URL:            "http://localhost:0",
			RequestTimeout: time.Second,
			MaxAttempts:    2,
		},
	}
}
