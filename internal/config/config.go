package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	OrderCacheTTLSeconds  int
	AuthSecret            string
	AccessTokenTTLMinutes int
	LogLevel              string
	MigrateOnStart        bool
	PaymentTermDays       int
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present; real environment variables win.
func Load() Config {
	_ = godotenv.Load()
	return load(viper.New())
}

func load(v *viper.Viper) Config {
	v.SetDefault("PORT", "8080")
	v.SetDefault("ALLOWED_ORIGIN", "http://127.0.0.1:3000")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("ORDER_CACHE_TTL_SECONDS", 30)
	v.SetDefault("ACCESS_TOKEN_TTL_MINUTES", 480)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("MIGRATE_ON_START", false)
	v.SetDefault("PAYMENT_TERM_DAYS", 30)
	v.AutomaticEnv()

	cacheTTL := v.GetInt("ORDER_CACHE_TTL_SECONDS")
	if cacheTTL < 1 {
		cacheTTL = 30
	}
	tokenTTL := v.GetInt("ACCESS_TOKEN_TTL_MINUTES")
	if tokenTTL < 1 {
		tokenTTL = 480
	}
	paymentTerm := v.GetInt("PAYMENT_TERM_DAYS")
	if paymentTerm < 1 {
		paymentTerm = 30
	}

	return Config{
		Port:                  strings.TrimSpace(v.GetString("PORT")),
		AllowedOrigin:         v.GetString("ALLOWED_ORIGIN"),
		DatabaseURL:           strings.TrimSpace(v.GetString("DATABASE_URL")),
		RedisAddr:             strings.TrimSpace(v.GetString("REDIS_ADDR")),
		RedisPassword:         v.GetString("REDIS_PASSWORD"),
		RedisDB:               v.GetInt("REDIS_DB"),
		OrderCacheTTLSeconds:  cacheTTL,
		AuthSecret:            strings.TrimSpace(v.GetString("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
		LogLevel:              strings.ToLower(strings.TrimSpace(v.GetString("LOG_LEVEL"))),
		MigrateOnStart:        v.GetBool("MIGRATE_ON_START"),
		PaymentTermDays:       paymentTerm,
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}
