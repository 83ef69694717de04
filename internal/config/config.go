/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from an optional .env file and environment
 * variables, providing a centralized way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 * - github.com/shopspring/decimal: validation of money-valued settings.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config holds all the configuration variables for the ledger-service.
type Config struct {
	ServerPort             string `mapstructure:"SERVER_PORT"`
	AppEnv                 string `mapstructure:"APP_ENV"`
	LogLevel               string `mapstructure:"LOG_LEVEL"`
	DatabaseURL            string `mapstructure:"DATABASE_URL"`
	StoreDriver            string `mapstructure:"STORE_DRIVER"`
	TxIsolation            string `mapstructure:"TX_ISOLATION"`
	RedisURL               string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix         string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL            string `mapstructure:"RABBITMQ_URL"`
	LedgerEventsExchange   string `mapstructure:"LEDGER_EVENTS_EXCHANGE"`
	EventsQueue            string `mapstructure:"EVENTS_QUEUE"`
	InboundEventsExchange  string `mapstructure:"INBOUND_EVENTS_EXCHANGE"`
	JWTSecret              string `mapstructure:"JWT_SECRET"`
	JWKSURL                string `mapstructure:"JWKS_URL"`
	BillProviderBaseURL    string `mapstructure:"BILL_PROVIDER_BASE_URL"`
	BillProviderAPIKey     string `mapstructure:"BILL_PROVIDER_API_KEY"`
	UserServiceURL         string `mapstructure:"USER_SERVICE_URL"`
	UserServiceAPIKey      string `mapstructure:"USER_SERVICE_API_KEY"`
	NodeID                 int64  `mapstructure:"NODE_ID"`
	DefaultCurrency        string `mapstructure:"DEFAULT_CURRENCY"`
	ExternalTransferCharge string `mapstructure:"EXTERNAL_TRANSFER_CHARGE"`
	ReconciliationSchedule string `mapstructure:"RECONCILIATION_SCHEDULE"`
	IdempotencyTTLMinutes  int    `mapstructure:"IDEMPOTENCY_TTL_MINUTES"`
	RateLimitPerMinute     int    `mapstructure:"RATE_LIMIT_PER_MINUTE"`
	AccountOpensPerHour    int    `mapstructure:"ACCOUNT_OPEN_RATE_LIMIT_PER_HOUR"`
	CORSAllowedOrigins     string `mapstructure:"CORS_ALLOWED_ORIGINS"`
}

// LoadConfig reads configuration from environment variables and an optional
// .env file in the given path.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("APP_ENV", "production")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	viper.SetDefault("TX_ISOLATION", "serializable")
	viper.SetDefault("REDIS_KEY_PREFIX", "thrifty")
	viper.SetDefault("LEDGER_EVENTS_EXCHANGE", "thrifty.ledger")
	viper.SetDefault("EVENTS_QUEUE", "ledger_service.events")
	viper.SetDefault("INBOUND_EVENTS_EXCHANGE", "thrifty.events")
	viper.SetDefault("NODE_ID", 1)
	viper.SetDefault("DEFAULT_CURRENCY", "NGN")
	viper.SetDefault("EXTERNAL_TRANSFER_CHARGE", "0.00")
	viper.SetDefault("RECONCILIATION_SCHEDULE", "@every 15m")
	viper.SetDefault("IDEMPOTENCY_TTL_MINUTES", 1440)
	viper.SetDefault("RATE_LIMIT_PER_MINUTE", 60)
	viper.SetDefault("ACCOUNT_OPEN_RATE_LIMIT_PER_HOUR", 10)
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("APP_ENV")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("STORE_DRIVER")
	_ = viper.BindEnv("TX_ISOLATION")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("LEDGER_EVENTS_EXCHANGE")
	_ = viper.BindEnv("EVENTS_QUEUE")
	_ = viper.BindEnv("INBOUND_EVENTS_EXCHANGE")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("BILL_PROVIDER_BASE_URL")
	_ = viper.BindEnv("BILL_PROVIDER_API_KEY")
	_ = viper.BindEnv("USER_SERVICE_URL")
	_ = viper.BindEnv("USER_SERVICE_API_KEY")
	_ = viper.BindEnv("NODE_ID")
	_ = viper.BindEnv("DEFAULT_CURRENCY")
	_ = viper.BindEnv("EXTERNAL_TRANSFER_CHARGE")
	_ = viper.BindEnv("RECONCILIATION_SCHEDULE")
	_ = viper.BindEnv("IDEMPOTENCY_TTL_MINUTES")
	_ = viper.BindEnv("RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("ACCOUNT_OPEN_RATE_LIMIT_PER_HOUR")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" && strings.TrimSpace(os.Getenv("SERVER_PORT")) == "" {
		config.ServerPort = port
	}

	config.AppEnv = strings.ToLower(strings.TrimSpace(config.AppEnv))
	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	if config.StoreDriver != StoreDriverPostgres && config.StoreDriver != StoreDriverMemory {
		log.Printf("level=warn component=config msg=\"unknown STORE_DRIVER; using postgres\" value=%q", config.StoreDriver)
		config.StoreDriver = StoreDriverPostgres
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisKeyPrefix = strings.TrimSuffix(strings.TrimSpace(config.RedisKeyPrefix), ":")
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "thrifty"
	}
	config.DefaultCurrency = strings.ToUpper(strings.TrimSpace(config.DefaultCurrency))
	if len(config.DefaultCurrency) != 3 {
		log.Printf("level=warn component=config msg=\"invalid DEFAULT_CURRENCY; using NGN\" value=%q", config.DefaultCurrency)
		config.DefaultCurrency = "NGN"
	}

	charge, parseErr := decimal.NewFromString(strings.TrimSpace(config.ExternalTransferCharge))
	if parseErr != nil {
		log.Printf("level=warn component=config msg=\"invalid EXTERNAL_TRANSFER_CHARGE; coercing to zero\" value=%q err=%v", config.ExternalTransferCharge, parseErr)
		charge = decimal.Zero
	}
	if charge.IsNegative() {
		log.Printf("level=warn component=config msg=\"negative external transfer charge configured; coercing to zero\" value=%s", charge)
		charge = decimal.Zero
	}
	config.ExternalTransferCharge = charge.StringFixed(2)

	if config.NodeID < 0 || config.NodeID > 1023 {
		log.Printf("level=warn component=config msg=\"NODE_ID out of range; using 1\" node_id=%d", config.NodeID)
		config.NodeID = 1
	}
	if strings.TrimSpace(config.ReconciliationSchedule) == "" {
		config.ReconciliationSchedule = "@every 15m"
	}
	if config.IdempotencyTTLMinutes <= 0 {
		config.IdempotencyTTLMinutes = 1440
	}
	if config.RateLimitPerMinute < 0 {
		config.RateLimitPerMinute = 0
	}
	if config.AccountOpensPerHour < 0 {
		config.AccountOpensPerHour = 0
	}

	return
}

// ExternalTransferChargeAmount returns the normalized flat charge.
func (c Config) ExternalTransferChargeAmount() decimal.Decimal {
	charge, err := decimal.NewFromString(c.ExternalTransferCharge)
	if err != nil {
		return decimal.Zero
	}
	return charge
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
