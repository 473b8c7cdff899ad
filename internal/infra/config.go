package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации control plane и консоли.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	GRPC     GRPCConfig     `mapstructure:"grpc"`
	Console  ServerConfig   `mapstructure:"console"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Decision DecisionConfig `mapstructure:"decision"`
	Pricing  PricingConfig  `mapstructure:"pricing"`
	Logger   LoggerConfig   `mapstructure:"logger"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// GRPCConfig — сервер Decision Engine и health внутри control plane.
type GRPCConfig struct {
	Addr  string `mapstructure:"addr"`
	Token string `mapstructure:"token"` // Пустой: без проверки
}

// DatabaseConfig описывает подключение к леджеру (postgres или sqlite).
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	URL             string        `mapstructure:"url"`
	MaxConns        int           `mapstructure:"max_conns"`
	MinConns        int           `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub и котировки). Пустой addr отключает Redis.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig: публичный ключ IdP для операторских токенов и токены агентов.
type AuthConfig struct {
	PublicKeyPath string   `mapstructure:"public_key_path"`
	Issuer        string   `mapstructure:"issuer"`
	AgentTokens   []string `mapstructure:"agent_tokens"`
	PublicKey     []byte
}

// EngineConfig содержит интервалы, дедлайны и TTL ядра.
type EngineConfig struct {
	EnforcerInterval      time.Duration `mapstructure:"enforcer_interval"`
	EnforcerWorkers       int           `mapstructure:"enforcer_workers"`
	ReplicaLaunchTimeout  time.Duration `mapstructure:"replica_launch_timeout"`
	TerminationDeadline   time.Duration `mapstructure:"termination_deadline"`
	DeadlineCheckInterval time.Duration `mapstructure:"deadline_check_interval"`
	RebalanceClearAfter   time.Duration `mapstructure:"rebalance_clear_after"`
	IdempotencyTTL        time.Duration `mapstructure:"idempotency_ttl"`
	CASRetryAttempts      uint          `mapstructure:"cas_retry_attempts"`
	RedeliverAfter        time.Duration `mapstructure:"redeliver_after"`
	OfflineAfter          time.Duration `mapstructure:"offline_after"`
	UndeliveredAfter      time.Duration `mapstructure:"undelivered_after"`
	HeartbeatInterval     time.Duration `mapstructure:"heartbeat_interval"`
	PollInterval          time.Duration `mapstructure:"poll_interval"`
	MaxPollWait           time.Duration `mapstructure:"max_poll_wait"`
	ExpiredAdoptWindow    time.Duration `mapstructure:"expired_adopt_window"`

	AuditBufferSize    int           `mapstructure:"audit_buffer_size"`
	AuditFlushInterval time.Duration `mapstructure:"audit_flush_interval"`
}

// DecisionConfig: local: котировки и история загрузки, remote: внешний gRPC Decision Engine.
type DecisionConfig struct {
	Strategy string  `mapstructure:"strategy"`
	MaxRisk  float64 `mapstructure:"max_risk"`

	RemoteAddr  string        `mapstructure:"remote_addr"`
	RemoteToken string        `mapstructure:"remote_token"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	Attempts    uint          `mapstructure:"attempts"`
	RateLimit   float64       `mapstructure:"rate_limit"`
	Burst       int           `mapstructure:"burst"`

	// Настройки Circuit Breaker для внешнего Decision Engine
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
	CBFailures    uint32        `mapstructure:"cb_failures"`
}

// PricingConfig: static: список из конфига, redis: hash внешнего Pricing Pipeline.
type PricingConfig struct {
	Source string        `mapstructure:"source"`
	Seed   bool          `mapstructure:"seed"` // Залить static-котировки в Redis при старте
	Static []QuoteConfig `mapstructure:"static"`
}

// QuoteConfig — одна котировка пула в конфиге.
type QuoteConfig struct {
	Region       string  `mapstructure:"region"`
	InstanceType string  `mapstructure:"instance_type"`
	PoolID       string  `mapstructure:"pool_id"`
	AZ           string  `mapstructure:"az"`
	Price        float64 `mapstructure:"price"`
	Risk         float64 `mapstructure:"risk"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
// Путь к файлу можно передать флагом --config.
func LoadConfig(args []string) (*Config, error) {
	flags := pflag.NewFlagSet("spotguard", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to config file (yaml)")
	if err := flags.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	v := viper.New()

	// 1. Настройка поиска файла
	if *configPath != "" {
		v.SetConfigFile(*configPath)
	} else {
		v.SetConfigName("config")    // имя файла без расширения
		v.SetConfigType("yaml")      // формат
		v.AddConfigPath(".")         // ищем в корне
		v.AddConfigPath("./configs") // и в папке с конфигами
	}

	// 2. Настройка переменных окружения (ENV)
	// Позволяет перекрывать конфиг: SERVER_PORT=9000 перекроет server.port
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Установка дефолтных значений
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if *configPath != "" || !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет: работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Публичный ключ: PEM прямо в ENV (Docker/K8s) или файл по пути из конфига
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("config: database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	if c.Database.URL == "" {
		return errors.New("config: database.url is required")
	}
	switch c.Decision.Strategy {
	case "local":
	case "remote":
		if c.Decision.RemoteAddr == "" {
			return errors.New("config: decision.remote_addr is required for remote strategy")
		}
	default:
		return fmt.Errorf("config: decision.strategy must be local or remote, got %q", c.Decision.Strategy)
	}
	switch c.Pricing.Source {
	case "static":
	case "redis":
		if c.Redis.Addr == "" {
			return errors.New("config: redis.addr is required for redis pricing")
		}
	default:
		return fmt.Errorf("config: pricing.source must be static or redis, got %q", c.Pricing.Source)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	// Запас над long-poll
	v.SetDefault("server.write_timeout", 45*time.Second)
	v.SetDefault("console.port", 8000)
	v.SetDefault("console.read_timeout", 5*time.Second)
	v.SetDefault("console.write_timeout", 10*time.Second)
	v.SetDefault("grpc.addr", ":50052")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("engine.enforcer_interval", 10*time.Second)
	v.SetDefault("engine.enforcer_workers", 8)
	v.SetDefault("engine.replica_launch_timeout", 10*time.Minute)
	v.SetDefault("engine.termination_deadline", 120*time.Second)
	v.SetDefault("engine.deadline_check_interval", time.Second)
	v.SetDefault("engine.rebalance_clear_after", 10*time.Minute)
	v.SetDefault("engine.idempotency_ttl", 24*time.Hour)
	v.SetDefault("engine.cas_retry_attempts", 5)
	v.SetDefault("engine.redeliver_after", 30*time.Second)
	v.SetDefault("engine.offline_after", 90*time.Second)
	v.SetDefault("engine.undelivered_after", 60*time.Second)
	v.SetDefault("engine.expired_adopt_window", 15*time.Minute)
	v.SetDefault("engine.heartbeat_interval", 15*time.Second)
	v.SetDefault("engine.poll_interval", 5*time.Second)
	v.SetDefault("engine.max_poll_wait", 30*time.Second)
	v.SetDefault("engine.audit_buffer_size", 10000)
	v.SetDefault("engine.audit_flush_interval", 500*time.Millisecond)

	v.SetDefault("decision.strategy", "local")
	v.SetDefault("decision.call_timeout", 2*time.Second)
	v.SetDefault("decision.attempts", 3)
	v.SetDefault("decision.rate_limit", 50)
	v.SetDefault("decision.burst", 10)
	v.SetDefault("decision.cb_max_requests", 1)
	v.SetDefault("decision.cb_interval", time.Minute)
	v.SetDefault("decision.cb_timeout", 30*time.Second)
	v.SetDefault("decision.cb_failures", 5)

	v.SetDefault("pricing.source", "static")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("metrics.addr", ":9090")
}

// loadKeyResource — ключ из ENV (PEM) или из файла
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
