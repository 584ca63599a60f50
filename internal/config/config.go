package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	Redis    RedisConfig
	Engine   EngineConfig
	Lock     LockConfig
	Adapter  AdapterConfig
	Metrics  MetricsConfig
	Auth     AuthConfig
	API      APIConfig
	LogLevel string
}

// APIConfig mirrors spec §6's HTTP surface knobs: how many runnable
// tasks the queue tolerates before Create starts rejecting submissions,
// and the per-client rate limit enforced on /api/v1 routes.
type APIConfig struct {
	MaxQueueSize int
	RateLimitRPS int
}

type ServerConfig struct {
	Host         string
	Port         int
	AdminPort    int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// EngineConfig enumerates the TaskEngine options of spec §6.
type EngineConfig struct {
	Concurrency             int
	LeaseMs                 time.Duration
	PollMsIdle              time.Duration
	PollMsBusy              time.Duration
	LogTailMax              int
	StreamBufferSize        int
	MaxLoggingBuffer        int
	LoggingBufferTruncation int
	GracefulShutdownMs      time.Duration
	WorkerConcurrency       int
	WorkerPool              WorkerPoolConfig
}

// WorkerPoolConfig mirrors spec §6's workerPool.{entry,size,mode,...}.
type WorkerPoolConfig struct {
	Enabled bool
	Size    int
	Mode    string // "inline" | "goroutine"
}

// LockConfig mirrors spec §6's Lock options (onBegin/onEnd are wired in
// code, not configuration — only Counter is data).
type LockConfig struct {
	Counter int
}

// AdapterConfig selects and configures the Adapter flavour (spec §6
// workerAdapter.{adapterModule, adapterClass, adapterArgs, alias, flavour};
// "adapterModule" maps to Flavour since this target has no dynamic
// module loader, per spec §9).
type AdapterConfig struct {
	Alias        string
	Flavour      string // "redis" | "bolt"
	BoltPath     string
	RedisKeyspace string
}

type MetricsConfig struct {
	Enabled bool
	Path    string
}

type AuthConfig struct {
	Enabled   bool
	JWTSecret string
	APIKeys   []string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/taskengine")

	setDefaults()

	viper.SetEnvPrefix("TASKENGINE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.adminport", 8081)
	viper.SetDefault("server.readtimeout", 30*time.Second)
	viper.SetDefault("server.writetimeout", 30*time.Second)
	viper.SetDefault("server.idletimeout", 120*time.Second)

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.poolsize", 100)
	viper.SetDefault("redis.minidleconns", 10)
	viper.SetDefault("redis.maxretries", 3)
	viper.SetDefault("redis.dialtimeout", 5*time.Second)
	viper.SetDefault("redis.readtimeout", 3*time.Second)
	viper.SetDefault("redis.writetimeout", 3*time.Second)

	viper.SetDefault("engine.concurrency", 10)
	viper.SetDefault("engine.leasems", 30*time.Second)
	viper.SetDefault("engine.pollmsidle", 1*time.Second)
	viper.SetDefault("engine.pollmsbusy", 50*time.Millisecond)
	viper.SetDefault("engine.logtailmax", 100)
	viper.SetDefault("engine.streambuffersize", 20)
	viper.SetDefault("engine.maxloggingbuffer", 500)
	viper.SetDefault("engine.loggingbuffertruncation", 100)
	viper.SetDefault("engine.gracefulshutdownms", 30*time.Second)
	viper.SetDefault("engine.workerconcurrency", 4)
	viper.SetDefault("engine.workerpool.enabled", false)
	viper.SetDefault("engine.workerpool.size", 4)
	viper.SetDefault("engine.workerpool.mode", "goroutine")

	viper.SetDefault("lock.counter", 1)

	viper.SetDefault("adapter.alias", "primary")
	viper.SetDefault("adapter.flavour", "redis")
	viper.SetDefault("adapter.boltpath", "./data/taskengine.db")
	viper.SetDefault("adapter.rediskeyspace", "taskengine")

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")

	viper.SetDefault("auth.enabled", false)
	viper.SetDefault("auth.jwtsecret", "")
	viper.SetDefault("auth.apikeys", []string{})

	viper.SetDefault("api.maxqueuesize", 0)
	viper.SetDefault("api.ratelimitrps", 0)

	viper.SetDefault("loglevel", "info")
}
