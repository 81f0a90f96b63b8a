/**
 * @description
 * This package handles configuration management for the billing service. It
 * uses the Viper library to read configuration from environment variables,
 * providing a centralized and straightforward way to manage application
 * settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the billing service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	InternalAPIKey       string `mapstructure:"INTERNAL_API_KEY"`
	DashboardOrigin      string `mapstructure:"DASHBOARD_ORIGIN"`

	SecretStoreURL    string `mapstructure:"SECRET_STORE_URL"`
	SecretStoreAPIKey string `mapstructure:"SECRET_STORE_API_KEY"`
	ObjectStoreURL    string `mapstructure:"OBJECT_STORE_URL"`

	ComputeAuthURL    string `mapstructure:"COMPUTE_AUTH_URL"`
	ComputeAPIBaseURL string `mapstructure:"COMPUTE_API_BASE_URL"`
	ComputeImageID    string `mapstructure:"COMPUTE_IMAGE_ID"`
	ComputeProductID  string `mapstructure:"COMPUTE_PRODUCT_ID"`
	ComputeRegion     string `mapstructure:"COMPUTE_REGION"`
	CloudInitBucket   string `mapstructure:"CLOUD_INIT_BUCKET"`
	CloudInitPath     string `mapstructure:"CLOUD_INIT_PATH"`

	SweepSchedule            string `mapstructure:"SWEEP_SCHEDULE"`
	BillingCycleDays         int    `mapstructure:"BILLING_CYCLE_DAYS"`
	STKPushRateLimitPerHour  int    `mapstructure:"STK_PUSH_RATE_LIMIT_PER_HOUR"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "blackpaw:rate_limit")
	viper.SetDefault("SWEEP_SCHEDULE", "0 2 * * *") // nightly at 02:00
	viper.SetDefault("BILLING_CYCLE_DAYS", 31)
	viper.SetDefault("STK_PUSH_RATE_LIMIT_PER_HOUR", 6)
	viper.SetDefault("COMPUTE_AUTH_URL", "https://auth.contabo.com/auth/realms/contabo/protocol/openid-connect/token")
	viper.SetDefault("COMPUTE_API_BASE_URL", "https://api.contabo.com")
	viper.SetDefault("COMPUTE_REGION", "EU")
	viper.SetDefault("CLOUD_INIT_BUCKET", "blackpaw-scripts")
	viper.SetDefault("CLOUD_INIT_PATH", "cloud-init/base.yaml")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY")
	_ = viper.BindEnv("DASHBOARD_ORIGIN")
	_ = viper.BindEnv("SECRET_STORE_URL")
	_ = viper.BindEnv("SECRET_STORE_API_KEY")
	_ = viper.BindEnv("OBJECT_STORE_URL")
	_ = viper.BindEnv("COMPUTE_AUTH_URL")
	_ = viper.BindEnv("COMPUTE_API_BASE_URL")
	_ = viper.BindEnv("COMPUTE_IMAGE_ID")
	_ = viper.BindEnv("COMPUTE_PRODUCT_ID")
	_ = viper.BindEnv("COMPUTE_REGION")
	_ = viper.BindEnv("CLOUD_INIT_BUCKET")
	_ = viper.BindEnv("CLOUD_INIT_PATH")
	_ = viper.BindEnv("SWEEP_SCHEDULE")
	_ = viper.BindEnv("BILLING_CYCLE_DAYS")
	_ = viper.BindEnv("STK_PUSH_RATE_LIMIT_PER_HOUR")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	// Honor the conventional PORT variable when the platform injects it.
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}

	if strings.TrimSpace(config.DatabaseURL) == "" {
		return config, fmt.Errorf("DATABASE_URL is required")
	}

	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "blackpaw:rate_limit"
	}

	if config.BillingCycleDays <= 0 {
		log.Printf("level=warn component=config msg=\"invalid billing cycle; using default\" days=%d", config.BillingCycleDays)
		config.BillingCycleDays = 31
	}
	if config.STKPushRateLimitPerHour <= 0 {
		config.STKPushRateLimitPerHour = 6
	}

	return
}
