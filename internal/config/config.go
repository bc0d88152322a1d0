package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Config struct {
	Env      string `yaml:"env" env:"APP_ENV" env-default:"development"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`

	HTTP     HTTP     `yaml:"http"`
	GRPC     GRPC     `yaml:"grpc"`
	Database Database `yaml:"database"`
	Mpesa    Mpesa    `yaml:"mpesa"`
	Redis    Redis    `yaml:"redis"`
	Events   Events   `yaml:"events"`
}

type HTTP struct {
	Port               string   `yaml:"port" env:"PORT" env-default:"8080"`
	GinMode            string   `yaml:"gin_mode" env:"GIN_MODE"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS" env-separator:"," env-default:"*"`
	// Proxies allowed to set X-Forwarded-For. Empty trusts none.
	TrustedProxies []string `yaml:"trusted_proxies" env:"TRUSTED_PROXIES" env-separator:","`
}

type GRPC struct {
	Port string `yaml:"port" env:"GRPC_PORT" env-default:"50051"`
}

type Database struct {
	Driver         string `yaml:"driver" env:"DB_DRIVER" env-default:"postgres"`
	URL            string `yaml:"url" env:"DATABASE_URL"`
	MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"migrations"`
	AutoMigrate    bool   `yaml:"auto_migrate" env:"DB_AUTO_MIGRATE" env-default:"false"`
}

type Mpesa struct {
	KMSMasterKey       string        `yaml:"-" env:"MPESA_KMS_MASTER_KEY"`
	DefaultEnvironment string        `yaml:"default_environment" env:"MPESA_ENVIRONMENT" env-default:"sandbox"`
	AllowProduction    bool          `yaml:"allow_production" env:"MPESA_ALLOW_PRODUCTION" env-default:"false"`
	SandboxBaseURL     string        `yaml:"sandbox_base_url" env:"MPESA_SANDBOX_BASE_URL" env-default:"https://sandbox.safaricom.co.ke"`
	ProductionBaseURL  string        `yaml:"production_base_url" env:"MPESA_PRODUCTION_BASE_URL" env-default:"https://api.safaricom.co.ke"`
	SandboxHost        string        `yaml:"sandbox_host" env:"MPESA_SANDBOX_HOST" env-default:"sandbox.safaricom.co.ke"`
	ProductionHost     string        `yaml:"production_host" env:"MPESA_PRODUCTION_HOST" env-default:"api.safaricom.co.ke"`
	HTTPTimeout        time.Duration `yaml:"http_timeout" env:"MPESA_HTTP_TIMEOUT" env-default:"30s"`
	RetryAttempts      int           `yaml:"retry_attempts" env:"MPESA_RETRY_ATTEMPTS" env-default:"3"`
	RateLimitPerMinute int           `yaml:"rate_limit_per_minute" env:"MPESA_RATE_LIMIT_PER_MINUTE" env-default:"10"`
	TransactionTimeout time.Duration `yaml:"transaction_timeout" env:"MPESA_TRANSACTION_TIMEOUT" env-default:"5m"`
	TimeoutSweepSpec   string        `yaml:"timeout_sweep_spec" env:"MPESA_TIMEOUT_SWEEP_SPEC" env-default:"@every 1m"`
	CallbackAllowedIPs []string      `yaml:"callback_allowed_ips" env:"MPESA_CALLBACK_ALLOWED_IPS" env-separator:","`
}

type Redis struct {
	Addr string `yaml:"addr" env:"REDIS_URL" env-default:"localhost:6379"`
}

type Events struct {
	Broker       string   `yaml:"broker" env:"EVENTS_BROKER" env-default:"none"`
	KafkaBrokers []string `yaml:"kafka_brokers" env:"KAFKA_BROKERS" env-separator:","`
	KafkaTopic   string   `yaml:"kafka_topic" env:"KAFKA_TOPIC" env-default:"tab-payments"`
	NATSURL      string   `yaml:"nats_url" env:"NATS_URL" env-default:"nats://127.0.0.1:4222"`
	NATSSubject  string   `yaml:"nats_subject" env:"NATS_SUBJECT" env-default:"tabpay.payments"`
}

// Load reads .env when present, then the optional YAML file in TABPAY_CONFIG_PATH,
// then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	var cfg Config
	if path := os.Getenv("TABPAY_CONFIG_PATH"); path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "mysql":
	default:
		return fmt.Errorf("DB_DRIVER must be postgres or mysql, got %q", c.Database.Driver)
	}
	switch c.Events.Broker {
	case "none", "kafka", "nats":
	default:
		return fmt.Errorf("EVENTS_BROKER must be none, kafka or nats, got %q", c.Events.Broker)
	}
	if c.Events.Broker == "kafka" && len(c.Events.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required when EVENTS_BROKER=kafka")
	}
	if c.Mpesa.HTTPTimeout <= 0 {
		return fmt.Errorf("MPESA_HTTP_TIMEOUT must be positive")
	}
	if c.Mpesa.RetryAttempts < 0 {
		return fmt.Errorf("MPESA_RETRY_ATTEMPTS must not be negative")
	}
	if c.Mpesa.RateLimitPerMinute <= 0 {
		return fmt.Errorf("MPESA_RATE_LIMIT_PER_MINUTE must be positive")
	}
	if c.Mpesa.TransactionTimeout <= 0 {
		return fmt.Errorf("MPESA_TRANSACTION_TIMEOUT must be positive")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
