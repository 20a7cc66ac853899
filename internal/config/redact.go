package config

import (
	"fmt"
	"net/url"
	"strings"
)

const redactedSuffix = "...redacted"

// FormatRedacted renders the resolved configuration with secrets masked so it
// can be printed by -config-only without leaking credentials.
func FormatRedacted(cfg Config) string {
	var b strings.Builder

	line := func(key string, value interface{}) {
		fmt.Fprintf(&b, "%s: %v\n", key, value)
	}

	line("app_env", cfg.AppEnv)
	line("log_level", cfg.LogLevel)
	line("http_port", cfg.HTTPPort)
	line("telegram_token", maskSecret(cfg.TelegramToken))
	line("bot_owner", cfg.BotOwnerID)
	line("bot_username", cfg.BotUsername)
	line("transport_mode", cfg.TransportMode)
	if cfg.IsWebhook() {
		line("webhook_url", cfg.WebhookURL)
		line("webhook_secret", maskSecret(cfg.WebhookSecret))
	}
	line("store_backend", cfg.StoreBackend)
	switch cfg.StoreBackend {
	case BackendRedis:
		line("redis_url", redactURL(cfg.RedisURL))
	case BackendMongo:
		line("mongo_uri", redactURL(cfg.MongoURI))
		line("mongo_db", cfg.MongoDB)
	}
	line("store_timeout", cfg.StoreTimeout)
	line("openai_api_key", maskSecret(cfg.OpenAIKey))
	line("openai_model", cfg.OpenAIModel)
	line("fallback_timeout", cfg.FallbackTimeout())
	line("rate_limit", fmt.Sprintf("burst=%d refill=%d every %ds", cfg.BurstCapacity, cfg.RefillAmount, cfg.RefillInterval))
	line("rewards", fmt.Sprintf("signup=%d referrer=%d", cfg.SignupReward, cfg.ReferrerReward))
	line("expectation_ttl", fmt.Sprintf("%ds", cfg.ExpectationTTL))

	return strings.TrimRight(b.String(), "\n")
}

func maskSecret(value string) string {
	if value == "" {
		return "(unset)"
	}
	if len(value) <= 4 {
		return redactedSuffix
	}
	return value[:4] + redactedSuffix
}

// redactURL drops userinfo from connection strings while keeping host and path.
func redactURL(raw string) string {
	if raw == "" {
		return "(unset)"
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return redactedSuffix
	}
	parsed.User = nil

	return parsed.String()
}
