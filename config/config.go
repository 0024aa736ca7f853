package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	RGSPort     int
	DatabaseURL string // Empty keeps state in JSON files under DataDir
	DataDir     string
	AdminToken  string
	LogLevel    string

	RoundIdleTimeout   time.Duration
	SweepInterval      time.Duration
	ExpiredRoundRefund bool
	SeedDefaultTables  bool

	CashbackEnabled        bool
	CashbackAt             string // HH:MM in UTC
	CashbackUTCOffsetHours int    // Calendar used to name cashback periods
	CashbackAutoProcess    bool

	RedisAddr        string
	RedisChannel     string
	TableRevalidate  time.Duration // How often cached tables are checked against storage
	AMQPURL          string
	AMQPExchange     string
	OperatorEndpoint string
	OperatorSecret   string
	BigWinThreshold  decimal.Decimal
}

func Load() *Config {
	port := 8081
	// Prefer PORT (Render, Fly.io, Railway, etc.) then RGS_PORT
	if p := os.Getenv("PORT"); p != "" {
		if v, err := strconv.Atoi(p); err == nil && v > 0 {
			port = v
		}
	} else if p := os.Getenv("RGS_PORT"); p != "" {
		if v, err := strconv.Atoi(p); err == nil && v > 0 {
			port = v
		}
	}
	dataDir := os.Getenv("RGS_DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}
	logLevel := strings.ToLower(os.Getenv("LOG_LEVEL"))
	if logLevel == "" {
		logLevel = "info"
	}
	cashbackAt := os.Getenv("CASHBACK_AT")
	if _, _, ok := ParseClock(cashbackAt); !ok {
		cashbackAt = "03:01"
	}
	bigWin := decimal.NewFromInt(1000)
	if v, err := decimal.NewFromString(os.Getenv("BIG_WIN_THRESHOLD")); err == nil && v.IsPositive() {
		bigWin = v
	}
	return &Config{
		RGSPort:                port,
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		DataDir:                dataDir,
		AdminToken:             os.Getenv("ADMIN_TOKEN"),
		LogLevel:               logLevel,
		RoundIdleTimeout:       envDuration("ROUND_IDLE_TIMEOUT", 30*time.Minute),
		SweepInterval:          envDuration("SWEEP_INTERVAL", time.Minute),
		ExpiredRoundRefund:     envBool("EXPIRED_ROUND_REFUND", true),
		SeedDefaultTables:      envBool("SEED_DEFAULT_TABLES", true),
		CashbackEnabled:        envBool("CASHBACK_ENABLED", true),
		CashbackAt:             cashbackAt,
		CashbackUTCOffsetHours: envInt("CASHBACK_UTC_OFFSET_HOURS", -3),
		CashbackAutoProcess:    envBool("CASHBACK_AUTO_PROCESS", false),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisChannel:           os.Getenv("REDIS_CHANNEL"),
		TableRevalidate:        envDuration("TABLE_REVALIDATE_INTERVAL", 30*time.Second),
		AMQPURL:                os.Getenv("AMQP_URL"),
		AMQPExchange:           os.Getenv("AMQP_EXCHANGE"),
		OperatorEndpoint:       os.Getenv("OPERATOR_ENDPOINT"),
		OperatorSecret:         os.Getenv("OPERATOR_SECRET"),
		BigWinThreshold:        bigWin,
	}
}

// CashbackLocation is the fixed-offset zone cashback periods are named in.
func (c *Config) CashbackLocation() *time.Location {
	if c.CashbackUTCOffsetHours == 0 {
		return time.UTC
	}
	name := "UTC" + strconv.Itoa(c.CashbackUTCOffsetHours)
	if c.CashbackUTCOffsetHours > 0 {
		name = "UTC+" + strconv.Itoa(c.CashbackUTCOffsetHours)
	}
	return time.FixedZone(name, c.CashbackUTCOffsetHours*3600)
}

// ParseClock reads "HH:MM".
func ParseClock(s string) (hour, minute int, ok bool) {
	h, m, found := strings.Cut(s, ":")
	if !found {
		return 0, 0, false
	}
	hour, err1 := strconv.Atoi(h)
	minute, err2 := strconv.Atoi(m)
	if err1 != nil || err2 != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, false
	}
	return hour, minute, true
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}
