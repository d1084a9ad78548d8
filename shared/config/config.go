package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DevAPIKey is the documented fallback key used outside production when neither
// API_KEYS nor API_KEY_FALLBACK is configured.
const DevAPIKey = "sk_test_123456789"

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	Version          string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	RequestTimeoutMS int
	RequestTimeout   time.Duration
	MaxBodyBytes     int64

	APIKeyHeader   string
	APIKeyFallback string
	StatsTimezone  string
	StatsLocation  *time.Location

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int
	DBAutoMigrate    bool

	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	CORSEnabled        bool
	CORSAllowedOrigins []string

	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	DedupeCacheTTL  time.Duration
	dedupeCacheSecs int

	OutboxEnabled     bool
	OutboxScanSec     int
	OutboxBatchSize   int
	OutboxMaxAttempts int

	KafkaBrokers  []string
	KafkaClientID string
	KafkaGroupID  string
	KafkaRetryMax int
	KafkaWriteMS  int

	AsynqRedisAddr   string
	AsynqRedisPass   string
	AsynqRedisDB     int
	AsynqQueue       string
	AsynqConcurrency int
	RollupSec        int

	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64

	v *viper.Viper
}

// Load reads configuration from defaults, an optional config file (CONFIG_PATH) and the
// environment, in increasing precedence. Invalid values are reported as problems and
// replaced with their defaults.
func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	defs := defaults(serviceNameDefault, httpPortDefault)
	v := viper.New()
	v.AutomaticEnv()
	for key, value := range defs {
		v.SetDefault(key, value)
	}

	problems := make([]Problem, 0, 4)

	cfgPath := strings.TrimSpace(v.GetString("CONFIG_PATH"))
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
				problems = append(problems, Problem{Field: "CONFIG_PATH", Message: "config file not found"})
			} else {
				problems = append(problems, Problem{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)})
			}
		}
	}

	r := reader{v: v, defs: defs, problems: &problems}
	cfg := Config{
		Env:              strings.ToLower(r.str("ENV")),
		ServiceName:      r.str("SERVICE_NAME"),
		Version:          r.str("VERSION"),
		LogLevel:         r.str("LOG_LEVEL"),
		ConfigPath:       cfgPath,
		RequestTimeoutMS: r.intMin("REQUEST_TIMEOUT_MS", 1),
		MaxBodyBytes:     int64(r.intMin("MAX_BODY_BYTES", 1)),

		APIKeyHeader:   r.str("API_KEY_HEADER"),
		APIKeyFallback: r.str("API_KEY_FALLBACK"),
		StatsTimezone:  r.str("STATS_TIMEZONE"),

		DatabaseURL:      r.str("DATABASE_URL"),
		DBMaxConns:       r.intMin("DB_MAX_CONNS", 1),
		DBMinConns:       r.intMin("DB_MIN_CONNS", 0),
		DBConnMaxIdleSec: r.intMin("DB_CONN_MAX_IDLE_SECONDS", 1),
		DBConnMaxLifeSec: r.intMin("DB_CONN_MAX_LIFETIME_SECONDS", 1),
		DBAutoMigrate:    r.boolean("DB_AUTO_MIGRATE"),

		RateLimitEnabled: r.boolean("RATE_LIMIT_ENABLED"),
		RateLimitRPS:     r.floatRange("RATE_LIMIT_RPS", 0.001, 1e6),
		RateLimitBurst:   r.intMin("RATE_LIMIT_BURST", 1),

		CORSEnabled:        r.boolean("CORS_ENABLED"),
		CORSAllowedOrigins: parseCSV(r.str("CORS_ALLOWED_ORIGINS")),

		RedisAddr:       r.str("REDIS_ADDR"),
		RedisPassword:   r.str("REDIS_PASSWORD"),
		RedisDB:         r.intMin("REDIS_DB", 0),
		dedupeCacheSecs: r.intMin("DEDUPE_CACHE_TTL_SECONDS", 1),

		OutboxEnabled:     r.boolean("OUTBOX_ENABLED"),
		OutboxScanSec:     r.intMin("OUTBOX_SCAN_INTERVAL_SECONDS", 1),
		OutboxBatchSize:   r.intMin("OUTBOX_BATCH_SIZE", 1),
		OutboxMaxAttempts: r.intMin("OUTBOX_MAX_ATTEMPTS", 1),

		KafkaBrokers:  parseCSV(r.str("KAFKA_BROKERS")),
		KafkaClientID: r.str("KAFKA_CLIENT_ID"),
		KafkaGroupID:  r.str("KAFKA_CONSUMER_GROUP"),
		KafkaRetryMax: r.intMin("KAFKA_RETRY_MAX", 0),
		KafkaWriteMS:  r.intMin("KAFKA_WRITE_TIMEOUT_MS", 1),

		AsynqRedisAddr:   r.str("ASYNQ_REDIS_ADDR"),
		AsynqRedisPass:   r.str("ASYNQ_REDIS_PASSWORD"),
		AsynqRedisDB:     r.intMin("ASYNQ_REDIS_DB", 0),
		AsynqQueue:       r.str("ASYNQ_QUEUE"),
		AsynqConcurrency: r.intMin("ASYNQ_CONCURRENCY", 1),
		RollupSec:        r.intMin("ROLLUP_INTERVAL_SECONDS", 1),

		InfluxURL:       r.str("INFLUX_URL"),
		InfluxToken:     r.str("INFLUX_TOKEN"),
		InfluxOrg:       r.str("INFLUX_ORG"),
		InfluxBucket:    r.str("INFLUX_BUCKET"),
		InfluxTimeoutMS: r.intMin("INFLUX_TIMEOUT_MS", 1),

		OtelEnabled:     r.boolean("OTEL_ENABLED"),
		OtelEndpoint:    r.str("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OtelInsecure:    r.boolean("OTEL_EXPORTER_OTLP_INSECURE"),
		OtelSampleRatio: r.floatRange("OTEL_SAMPLE_RATIO", 0, 1),

		v: v,
	}

	cfg.HTTPPort = r.port()

	if cfg.Env == "" {
		cfg.Env = "development"
	}
	if cfg.DBMinConns > cfg.DBMaxConns {
		problems = append(problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be <= DB_MAX_CONNS"})
		cfg.DBMinConns = cfg.DBMaxConns
	}
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	cfg.DedupeCacheTTL = time.Duration(cfg.dedupeCacheSecs) * time.Second

	cfg.StatsLocation = time.Local
	if cfg.StatsTimezone != "" {
		loc, err := time.LoadLocation(cfg.StatsTimezone)
		if err != nil {
			problems = append(problems, Problem{Field: "STATS_TIMEZONE", Message: "STATS_TIMEZONE must be an IANA time zone name"})
		} else {
			cfg.StatsLocation = loc
		}
	}

	if cfg.APIKeyFallback == "" && !cfg.IsProduction() {
		cfg.APIKeyFallback = DevAPIKey
	}
	if cfg.APIKeyFallback == "" && cfg.APIKeys() == "" {
		problems = append(problems, Problem{Field: "API_KEYS", Message: "API_KEYS or API_KEY_FALLBACK is required in production"})
	}

	return cfg, problems
}

// APIKeys returns the raw comma-separated allow-list as currently configured. It is read
// on every call so that environment changes are picked up without a restart.
func (c Config) APIKeys() string {
	if c.v == nil {
		return strings.TrimSpace(os.Getenv("API_KEYS"))
	}
	return strings.TrimSpace(c.v.GetString("API_KEYS"))
}

func (c Config) IsProduction() bool {
	return c.Env == "prod" || c.Env == "production"
}

func defaults(serviceName string, httpPort int) map[string]any {
	return map[string]any{
		"SERVICE_NAME":                 serviceName,
		"HTTP_PORT":                    httpPort,
		"LOG_LEVEL":                    "info",
		"VERSION":                      "0.1.0",
		"REQUEST_TIMEOUT_MS":           30000,
		"MAX_BODY_BYTES":               2 << 20,
		"API_KEY_HEADER":               "x-api-key",
		"DB_MAX_CONNS":                 10,
		"DB_MIN_CONNS":                 1,
		"DB_CONN_MAX_IDLE_SECONDS":     300,
		"DB_CONN_MAX_LIFETIME_SECONDS": 1800,
		"DB_AUTO_MIGRATE":              false,
		"RATE_LIMIT_ENABLED":           false,
		"RATE_LIMIT_RPS":               50,
		"RATE_LIMIT_BURST":             100,
		"CORS_ENABLED":                 false,
		"REDIS_DB":                     0,
		"DEDUPE_CACHE_TTL_SECONDS":     86400,
		"OUTBOX_ENABLED":               false,
		"OUTBOX_SCAN_INTERVAL_SECONDS": 5,
		"OUTBOX_BATCH_SIZE":            50,
		"OUTBOX_MAX_ATTEMPTS":          20,
		"KAFKA_RETRY_MAX":              5,
		"KAFKA_WRITE_TIMEOUT_MS":       5000,
		"ASYNQ_REDIS_DB":               0,
		"ASYNQ_QUEUE":                  "default",
		"ASYNQ_CONCURRENCY":            10,
		"ROLLUP_INTERVAL_SECONDS":      300,
		"INFLUX_TIMEOUT_MS":            5000,
		"OTEL_ENABLED":                 false,
		"OTEL_EXPORTER_OTLP_INSECURE":  true,
		"OTEL_SAMPLE_RATIO":            1.0,
	}
}

type reader struct {
	v        *viper.Viper
	defs     map[string]any
	problems *[]Problem
}

func (r reader) str(key string) string {
	return strings.TrimSpace(r.v.GetString(key))
}

func (r reader) problem(key string, msg string) {
	*r.problems = append(*r.problems, Problem{Field: key, Message: key + " " + msg})
}

func (r reader) defaultRaw(key string) string {
	if d, ok := r.defs[key]; ok {
		return fmt.Sprint(d)
	}
	return ""
}

func (r reader) defaultInt(key string) int {
	i, _ := strconv.Atoi(r.defaultRaw(key))
	return i
}

func (r reader) intMin(key string, min int) int {
	raw := r.str(key)
	if raw == "" {
		return r.defaultInt(key)
	}
	i, err := strconv.Atoi(raw)
	if err != nil {
		if f, ferr := strconv.ParseFloat(raw, 64); ferr == nil && f == float64(int(f)) {
			i, err = int(f), nil
		}
	}
	if err != nil {
		r.problem(key, "must be an integer")
		return r.defaultInt(key)
	}
	if i < min {
		r.problem(key, fmt.Sprintf("must be >= %d", min))
		return r.defaultInt(key)
	}
	return i
}

func (r reader) floatRange(key string, min float64, max float64) float64 {
	raw := r.str(key)
	def, _ := strconv.ParseFloat(r.defaultRaw(key), 64)
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		r.problem(key, "must be a number")
		return def
	}
	if f < min || f > max {
		r.problem(key, fmt.Sprintf("must be %g-%g", min, max))
		return def
	}
	return f
}

func (r reader) boolean(key string) bool {
	b, ok := asBool(r.str(key))
	if !ok {
		r.problem(key, "must be a boolean")
		b, _ = asBool(r.defaultRaw(key))
	}
	return b
}

func (r reader) port() int {
	raw := r.str("HTTP_PORT")
	if strings.TrimSpace(os.Getenv("HTTP_PORT")) == "" {
		if p := strings.TrimSpace(os.Getenv("PORT")); p != "" {
			raw = p
		}
	}
	p, err := strconv.Atoi(raw)
	if err != nil || p <= 0 || p > 65535 {
		r.problem("HTTP_PORT", "must be 1-65535")
		return r.defaultInt("HTTP_PORT")
	}
	return p
}

func asBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y":
		return true, true
	case "false", "0", "no", "n":
		return false, true
	default:
		return false, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
