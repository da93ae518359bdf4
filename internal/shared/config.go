package shared

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	AppEnv      string
	LogLevel    string
	HTTPAddr    string
	MetricsAddr string

	BackendBase    string
	BackendRPS     int
	BackendTimeout time.Duration

	RedisAddr string
	RedisDB   int
	RedisPass string
	CacheTTL  time.Duration

	PollInterval    time.Duration
	MaxPollFailures int
	TaskTimeout     time.Duration
	ReplyGrace      time.Duration
	RefreshDelay    time.Duration
	PageSize        int

	WarmWorkers   int
	WarmLoadCount string

	AllowedOrigins []string

	// Seed session, used when the store holds none yet.
	AccessToken string
	GoogleEmail string
	NaverUser   string
}

func Load() Config {
	// a missing .env is normal outside development
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg(".env not loaded")
	}

	atoi := func(k string, def int) int {
		if v := os.Getenv(k); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
			log.Warn().Str("key", k).Str("value", v).Msg("not a number, using default")
		}
		return def
	}
	seconds := func(k string, def int) time.Duration { return time.Duration(atoi(k, def)) * time.Second }

	c := Config{
		AppEnv:      env("APP_ENV", "prod"),
		LogLevel:    env("LOG_LEVEL", "info"),
		HTTPAddr:    env("HTTP_ADDR", ":8080"),
		MetricsAddr: env("METRICS_ADDR", ""),

		BackendBase:    env("BACKEND_BASE_URL", "http://localhost:8000"),
		BackendRPS:     atoi("BACKEND_RPS", 10),
		BackendTimeout: seconds("BACKEND_TIMEOUT_SECONDS", 180),

		RedisAddr: env("REDIS_ADDR", "localhost:6379"),
		RedisPass: env("REDIS_PASSWORD", ""),
		RedisDB:   atoi("REDIS_DB", 0),
		CacheTTL:  seconds("CACHE_TTL_SECONDS", 900),

		PollInterval:    time.Duration(atoi("TASK_POLL_INTERVAL_MS", 2000)) * time.Millisecond,
		MaxPollFailures: atoi("TASK_MAX_POLL_FAILURES", 30),
		TaskTimeout:     seconds("TASK_TIMEOUT_SECONDS", 600),
		ReplyGrace:      seconds("REPLY_GRACE_SECONDS", 60),
		RefreshDelay:    seconds("REFRESH_DELAY_SECONDS", 3),
		PageSize:        atoi("PAGE_SIZE", 20),

		WarmWorkers:   atoi("WARM_WORKERS", 2),
		WarmLoadCount: env("WARM_LOAD_COUNT", "50"),

		AllowedOrigins: list(env("ALLOWED_ORIGINS", "")),

		AccessToken: env("ACCESS_TOKEN", ""),
		GoogleEmail: env("GOOGLE_EMAIL", ""),
		NaverUser:   env("NAVER_USER", ""),
	}
	if c.BackendTimeout < c.PollInterval {
		log.Warn().Dur("timeout", c.BackendTimeout).Dur("interval", c.PollInterval).Msg("backend timeout shorter than poll interval")
	}
	return c
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func list(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
