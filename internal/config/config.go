// Package config defines the configuration contract and handles loading and validating environment configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	// Canonical environment variable keys.
	KeyTelegramToken   = "TELEGRAM_TOKEN"
	KeyBotOwner        = "BOT_OWNER"
	KeyBotUsername     = "BOT_USERNAME"
	KeyAppEnv          = "APP_ENV"
	KeyLogLevel        = "LOG_LEVEL"
	KeyHTTPPort        = "HTTP_PORT"
	KeyTransportMode   = "TRANSPORT_MODE"
	KeyWebhookURL      = "WEBHOOK_URL"
	KeyWebhookSecret   = "WEBHOOK_SECRET"
	KeyStoreBackend    = "STORE_BACKEND"
	KeyRedisURL        = "REDIS_URL"
	KeyMongoURI        = "MONGO_URI"
	KeyMongoDB         = "MONGO_DB"
	KeyStoreTimeout    = "STORE_TIMEOUT_SECONDS"
	KeyOpenAIKey       = "OPENAI_API_KEY"
	KeyOpenAIBaseURL   = "OPENAI_BASE_URL"
	KeyOpenAIModel     = "OPENAI_MODEL"
	KeyBurstCapacity   = "RATE_BURST_CAPACITY"
	KeyRefillInterval  = "RATE_REFILL_INTERVAL_SECONDS"
	KeyRefillAmount    = "RATE_REFILL_AMOUNT"
	KeySignupReward    = "SIGNUP_REWARD"
	KeyReferrerReward  = "REFERRER_REWARD"
	KeyExpectationTTL  = "EXPECTATION_TTL_SECONDS"
	KeyFallbackTimeout = "FALLBACK_TIMEOUT_SECONDS"

	// Allowed environment values.
	EnvDevelopment = "development"
	EnvProduction  = "production"

	// Transport modes.
	TransportPolling = "polling"
	TransportWebhook = "webhook"

	// Store backends.
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendMongo  = "mongo"

	// Defaults for optional settings.
	DefaultAppEnv          = EnvProduction
	DefaultLogLevel        = "info"
	DefaultHTTPPort        = 8080
	DefaultBotUsername     = "BetrixBot"
	DefaultTransportMode   = TransportPolling
	DefaultStoreBackend    = BackendMemory
	DefaultStoreTimeout    = 3
	DefaultOpenAIModel     = "gpt-4o-mini"
	DefaultBurstCapacity   = 4
	DefaultRefillInterval  = 10
	DefaultRefillAmount    = 1
	DefaultSignupReward    = 10
	DefaultReferrerReward  = 50
	DefaultExpectationTTL  = 300
	DefaultFallbackTimeout = 20
)

// VarSpec describes a single configuration key.
type VarSpec struct {
	Key         string // environment variable name
	Example     string // human-friendly sample value
	Required    bool   // whether the bot must refuse to start without this value
	Default     string // default when unset (empty when required)
	Description string // what the variable controls
	Notes       string // extra guidance or policies
}

// Contract enumerates the authoritative configuration keys for the bot.
// .env loading is only permitted when APP_ENV=development; production must rely
// on environment variables supplied by the runtime.
var Contract = []VarSpec{
	{
		Key:         KeyTelegramToken,
		Example:     "123:ABC",
		Required:    true,
		Description: "Telegram Bot Token issued by BotFather.",
	},
	{
		Key:         KeyBotOwner,
		Example:     "123456789",
		Default:     "0",
		Description: "Telegram user_id allowed to run /stats.",
	},
	{
		Key:         KeyBotUsername,
		Example:     DefaultBotUsername,
		Default:     DefaultBotUsername,
		Description: "Bot username used to build referral deep links.",
	},
	{
		Key:         KeyAppEnv,
		Example:     EnvDevelopment + " / " + EnvProduction,
		Default:     DefaultAppEnv,
		Description: "Runtime environment; controls log format and dotenv usage.",
		Notes:       "Load .env files only when APP_ENV=" + EnvDevelopment + ".",
	},
	{
		Key:         KeyLogLevel,
		Example:     DefaultLogLevel,
		Default:     DefaultLogLevel,
		Description: "Overrides default log level.",
	},
	{
		Key:         KeyHTTPPort,
		Example:     strconv.Itoa(DefaultHTTPPort),
		Default:     strconv.Itoa(DefaultHTTPPort),
		Description: "HTTP port for health checks and the webhook endpoint.",
	},
	{
		Key:         KeyTransportMode,
		Example:     TransportPolling + " / " + TransportWebhook,
		Default:     DefaultTransportMode,
		Description: "How updates are received from Telegram.",
	},
	{
		Key:         KeyWebhookURL,
		Example:     "https://bot.example.com/telegram/webhook",
		Description: "Public webhook URL registered with Telegram.",
		Notes:       "Required when " + KeyTransportMode + "=" + TransportWebhook + ".",
	},
	{
		Key:         KeyWebhookSecret,
		Example:     "s3cr3t",
		Description: "Secret token Telegram echoes in X-Telegram-Bot-Api-Secret-Token.",
	},
	{
		Key:         KeyStoreBackend,
		Example:     BackendMemory + " / " + BackendRedis + " / " + BackendMongo,
		Default:     DefaultStoreBackend,
		Description: "Key-value store backing rate limits, profiles and referrals.",
		Notes:       "Use a shared backend when running more than one instance.",
	},
	{
		Key:         KeyRedisURL,
		Example:     "redis://localhost:6379/0",
		Description: "Redis connection URL.",
		Notes:       "Required when " + KeyStoreBackend + "=" + BackendRedis + ".",
	},
	{
		Key:         KeyMongoURI,
		Example:     "mongodb://localhost:27017",
		Description: "MongoDB connection string.",
		Notes:       "Required when " + KeyStoreBackend + "=" + BackendMongo + ".",
	},
	{
		Key:         KeyMongoDB,
		Example:     "betrix",
		Description: "MongoDB database name.",
		Notes:       "Required when " + KeyStoreBackend + "=" + BackendMongo + ".",
	},
	{
		Key:         KeyStoreTimeout,
		Example:     strconv.Itoa(DefaultStoreTimeout),
		Default:     strconv.Itoa(DefaultStoreTimeout),
		Description: "Upper bound in seconds for store work done per inbound message.",
	},
	{
		Key:         KeyFallbackTimeout,
		Example:     strconv.Itoa(DefaultFallbackTimeout),
		Default:     strconv.Itoa(DefaultFallbackTimeout),
		Description: "Upper bound in seconds for one conversational fallback reply.",
	},
	{
		Key:         KeyOpenAIKey,
		Example:     "sk-...",
		Description: "Enables the AI fallback responder when set.",
	},
	{
		Key:         KeyOpenAIBaseURL,
		Example:     "https://api.openai.com/v1",
		Description: "Override for OpenAI-compatible providers.",
	},
	{
		Key:         KeyOpenAIModel,
		Example:     DefaultOpenAIModel,
		Default:     DefaultOpenAIModel,
		Description: "Chat model used by the AI fallback responder.",
	},
	{
		Key:         KeyBurstCapacity,
		Example:     strconv.Itoa(DefaultBurstCapacity),
		Default:     strconv.Itoa(DefaultBurstCapacity),
		Description: "Maximum tokens a conversation bucket holds.",
	},
	{
		Key:         KeyRefillInterval,
		Example:     strconv.Itoa(DefaultRefillInterval),
		Default:     strconv.Itoa(DefaultRefillInterval),
		Description: "Seconds between bucket refills.",
	},
	{
		Key:         KeyRefillAmount,
		Example:     strconv.Itoa(DefaultRefillAmount),
		Default:     strconv.Itoa(DefaultRefillAmount),
		Description: "Tokens granted per refill interval.",
	},
	{
		Key:         KeySignupReward,
		Example:     strconv.Itoa(DefaultSignupReward),
		Default:     strconv.Itoa(DefaultSignupReward),
		Description: "Coins credited to a new user who joins through a referral code.",
	},
	{
		Key:         KeyReferrerReward,
		Example:     strconv.Itoa(DefaultReferrerReward),
		Default:     strconv.Itoa(DefaultReferrerReward),
		Description: "Coins credited to the referrer for each referred signup.",
	},
	{
		Key:         KeyExpectationTTL,
		Example:     strconv.Itoa(DefaultExpectationTTL),
		Default:     strconv.Itoa(DefaultExpectationTTL),
		Description: "Seconds a sign-in step waits for its answer before resetting.",
	},
}

// Config mirrors resolved configuration values after loading.
type Config struct {
	TelegramToken string `validate:"required"`
	BotOwnerID    int64  `validate:"gte=0"`
	BotUsername   string `validate:"required"`
	AppEnv        string `validate:"oneof=development production"`
	LogLevel      string
	HTTPPort      int    `validate:"gt=0,lte=65535"`
	TransportMode string `validate:"oneof=polling webhook"`
	WebhookURL    string `validate:"required_if=TransportMode webhook,omitempty,url"`
	WebhookSecret string `validate:"required_if=TransportMode webhook"`
	StoreBackend  string `validate:"oneof=memory redis mongo"`
	RedisURL      string `validate:"required_if=StoreBackend redis"`
	MongoURI      string `validate:"required_if=StoreBackend mongo"`
	MongoDB       string `validate:"required_if=StoreBackend mongo"`

	StoreTimeout time.Duration

	OpenAIKey     string
	OpenAIBaseURL string `validate:"omitempty,url"`
	OpenAIModel   string

	BurstCapacity  int `validate:"gt=0"`
	RefillInterval int `validate:"gt=0"`
	RefillAmount   int `validate:"gt=0"`
	SignupReward   int `validate:"gte=0"`
	ReferrerReward int `validate:"gte=0"`
	ExpectationTTL int `validate:"gt=0"`
	FallbackSecs   int `validate:"gt=0"`
}

var configValidator = validator.New()

// fieldKeys maps Config field names back to their environment keys for error messages.
var fieldKeys = map[string]string{
	"TelegramToken":  KeyTelegramToken,
	"BotOwnerID":     KeyBotOwner,
	"BotUsername":    KeyBotUsername,
	"AppEnv":         KeyAppEnv,
	"HTTPPort":       KeyHTTPPort,
	"TransportMode":  KeyTransportMode,
	"WebhookURL":     KeyWebhookURL,
	"WebhookSecret":  KeyWebhookSecret,
	"StoreBackend":   KeyStoreBackend,
	"RedisURL":       KeyRedisURL,
	"MongoURI":       KeyMongoURI,
	"MongoDB":        KeyMongoDB,
	"OpenAIBaseURL":  KeyOpenAIBaseURL,
	"BurstCapacity":  KeyBurstCapacity,
	"RefillInterval": KeyRefillInterval,
	"RefillAmount":   KeyRefillAmount,
	"SignupReward":   KeySignupReward,
	"ReferrerReward": KeyReferrerReward,
	"ExpectationTTL": KeyExpectationTTL,
	"FallbackSecs":   KeyFallbackTimeout,
}

// Load resolves configuration from the environment (with optional dotenv in development).
func Load() (Config, error) {
	appEnv, err := resolveAppEnv()
	if err != nil {
		return Config{}, err
	}

	if err := loadDotEnv(appEnv); err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppEnv:        firstNonEmpty(normalizeEnv(os.Getenv(KeyAppEnv)), appEnv),
		TelegramToken: strings.TrimSpace(os.Getenv(KeyTelegramToken)),
		BotUsername:   strings.TrimPrefix(firstNonEmpty(os.Getenv(KeyBotUsername), DefaultBotUsername), "@"),
		LogLevel:      firstNonEmpty(os.Getenv(KeyLogLevel), DefaultLogLevel),
		TransportMode: firstNonEmpty(normalizeEnv(os.Getenv(KeyTransportMode)), DefaultTransportMode),
		WebhookURL:    strings.TrimSpace(os.Getenv(KeyWebhookURL)),
		WebhookSecret: strings.TrimSpace(os.Getenv(KeyWebhookSecret)),
		StoreBackend:  firstNonEmpty(normalizeEnv(os.Getenv(KeyStoreBackend)), DefaultStoreBackend),
		RedisURL:      strings.TrimSpace(os.Getenv(KeyRedisURL)),
		MongoURI:      strings.TrimSpace(os.Getenv(KeyMongoURI)),
		MongoDB:       strings.TrimSpace(os.Getenv(KeyMongoDB)),
		OpenAIKey:     strings.TrimSpace(os.Getenv(KeyOpenAIKey)),
		OpenAIBaseURL: strings.TrimSpace(os.Getenv(KeyOpenAIBaseURL)),
		OpenAIModel:   firstNonEmpty(os.Getenv(KeyOpenAIModel), DefaultOpenAIModel),
	}

	if cfg.TelegramToken == "" {
		return Config{}, fmt.Errorf("missing required environment variable(s): %s", KeyTelegramToken)
	}

	ownerRaw := strings.TrimSpace(os.Getenv(KeyBotOwner))
	if ownerRaw != "" {
		ownerID, parseErr := strconv.ParseInt(ownerRaw, 10, 64)
		if parseErr != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", KeyBotOwner, parseErr)
		}
		cfg.BotOwnerID = ownerID
	}

	ints := []struct {
		key string
		def int
		dst *int
	}{
		{KeyHTTPPort, DefaultHTTPPort, &cfg.HTTPPort},
		{KeyBurstCapacity, DefaultBurstCapacity, &cfg.BurstCapacity},
		{KeyRefillInterval, DefaultRefillInterval, &cfg.RefillInterval},
		{KeyRefillAmount, DefaultRefillAmount, &cfg.RefillAmount},
		{KeySignupReward, DefaultSignupReward, &cfg.SignupReward},
		{KeyReferrerReward, DefaultReferrerReward, &cfg.ReferrerReward},
		{KeyExpectationTTL, DefaultExpectationTTL, &cfg.ExpectationTTL},
		{KeyFallbackTimeout, DefaultFallbackTimeout, &cfg.FallbackSecs},
	}
	for _, item := range ints {
		val, parseErr := intFromEnv(item.key, item.def)
		if parseErr != nil {
			return Config{}, parseErr
		}
		*item.dst = val
	}

	timeoutSeconds, err := intFromEnv(KeyStoreTimeout, DefaultStoreTimeout)
	if err != nil {
		return Config{}, err
	}
	if timeoutSeconds <= 0 {
		return Config{}, fmt.Errorf("%s must be greater than 0", KeyStoreTimeout)
	}
	cfg.StoreTimeout = time.Duration(timeoutSeconds) * time.Second

	if err := validate(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// IsDevelopment reports if APP_ENV is development.
func (c Config) IsDevelopment() bool {
	return c.AppEnv == EnvDevelopment
}

// IsWebhook reports whether updates arrive through the webhook endpoint.
func (c Config) IsWebhook() bool {
	return c.TransportMode == TransportWebhook
}

// RefillEvery returns the refill cadence as a duration.
func (c Config) RefillEvery() time.Duration {
	return time.Duration(c.RefillInterval) * time.Second
}

// FallbackTimeout bounds one conversational fallback reply.
func (c Config) FallbackTimeout() time.Duration {
	return time.Duration(c.FallbackSecs) * time.Second
}

// ExpectationWindow returns how long a sign-in step stays active.
func (c Config) ExpectationWindow() time.Duration {
	return time.Duration(c.ExpectationTTL) * time.Second
}

func validate(cfg Config) error {
	if err := configValidator.Struct(cfg); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) && len(validationErrors) > 0 {
			first := validationErrors[0]
			key := fieldKeys[first.Field()]
			if key == "" {
				key = first.Field()
			}
			switch first.Tag() {
			case "required", "required_if":
				return fmt.Errorf("missing required environment variable(s): %s", key)
			case "oneof":
				return fmt.Errorf("invalid %s: must be one of %s", key, strings.ReplaceAll(first.Param(), " ", ", "))
			case "gt", "gte":
				return fmt.Errorf("%s must be greater than %s", key, boundDescription(first.Tag(), first.Param()))
			default:
				return fmt.Errorf("invalid %s", key)
			}
		}
		return fmt.Errorf("validate config: %w", err)
	}

	if cfg.StoreBackend == BackendMongo {
		if err := validateMongoURI(cfg.MongoURI); err != nil {
			return err
		}
	}

	return nil
}

func boundDescription(tag, param string) string {
	if tag == "gte" {
		return "or equal to " + param
	}
	return param
}

func validateMongoURI(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", KeyMongoURI, err)
	}
	if parsed.Scheme != "mongodb" && parsed.Scheme != "mongodb+srv" {
		return fmt.Errorf("invalid %s: scheme must be mongodb or mongodb+srv", KeyMongoURI)
	}
	return nil
}

func intFromEnv(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}

	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}

	return val, nil
}

func resolveAppEnv() (string, error) {
	if explicit := normalizeEnv(os.Getenv(KeyAppEnv)); explicit != "" {
		return explicit, nil
	}

	dotEnvValues, err := godotenv.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultAppEnv, nil
		}
		return "", fmt.Errorf("read .env: %w", err)
	}

	if envFromFile := normalizeEnv(dotEnvValues[KeyAppEnv]); envFromFile != "" {
		return envFromFile, nil
	}

	return DefaultAppEnv, nil
}

func loadDotEnv(appEnv string) error {
	if appEnv != EnvDevelopment {
		return nil
	}

	if err := godotenv.Load(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load .env: %w", err)
	}

	return nil
}

func normalizeEnv(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if strings.TrimSpace(val) != "" {
			return strings.TrimSpace(val)
		}
	}
	return ""
}
