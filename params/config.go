package params

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Risk holds the limits and tunables consumed by the risk engine.
type Risk struct {
	MaxPositionSize float64 // max notional value of a single trade (quote currency)
	MaxDailyLoss    float64 // daily realized-loss budget (quote currency)
	// DailyLossBuffer is the fraction of trade value reserved against the
	// daily-loss budget during pre-trade checks. Heuristic, not a debit.
	DailyLossBuffer    float64
	ConcentrationLimit float64 // max fraction of portfolio exposure in one symbol
	VolatilityLimit    float64 // volatility above this adds to the risk score
	ApprovalThreshold  float64 // trades scoring at or above this are rejected
	AssessmentHistory  int     // ring size for recent assessments
}

// Delivery controls webhook fan-out behavior.
type Delivery struct {
	MaxAttempts    int           // total tries per subscriber per event
	BaseDelay      time.Duration // backoff after attempt n is BaseDelay * 2^(n-1)
	RequestTimeout time.Duration // per-HTTP-request budget
	RatePerSecond  float64       // per-subscriber delivery rate limit
	EventHistory   int           // capped event history size
}

type Trading struct {
	InitialBalance float64 // demo balance credited at startup
}

type Node struct {
	APIAddr string
	DataDir string
	LogFile string
}

type Config struct {
	Risk     Risk
	Delivery Delivery
	Trading  Trading
	Node     Node
}

func Default() Config {
	return Config{
		Risk: Risk{
			MaxPositionSize:    10000,
			MaxDailyLoss:       1000,
			DailyLossBuffer:    0.1,
			ConcentrationLimit: 0.3,
			VolatilityLimit:    0.5,
			ApprovalThreshold:  50,
			AssessmentHistory:  100,
		},
		Delivery: Delivery{
			MaxAttempts:    3,
			BaseDelay:      time.Second,
			RequestTimeout: 10 * time.Second,
			RatePerSecond:  10,
			EventHistory:   1000,
		},
		Trading: Trading{
			InitialBalance: 100000,
		},
		Node: Node{
			APIAddr: ":8080",
			DataDir: "data",
			LogFile: "data/tradecore.log",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables.
// Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Risk.MaxPositionSize = envFloat("MAX_POSITION_SIZE", cfg.Risk.MaxPositionSize)
	cfg.Risk.MaxDailyLoss = envFloat("MAX_DAILY_LOSS", cfg.Risk.MaxDailyLoss)
	cfg.Risk.DailyLossBuffer = envFloat("DAILY_LOSS_BUFFER", cfg.Risk.DailyLossBuffer)
	cfg.Risk.ConcentrationLimit = envFloat("CONCENTRATION_LIMIT", cfg.Risk.ConcentrationLimit)
	cfg.Risk.VolatilityLimit = envFloat("VOLATILITY_LIMIT", cfg.Risk.VolatilityLimit)
	cfg.Risk.ApprovalThreshold = envFloat("RISK_APPROVAL_THRESHOLD", cfg.Risk.ApprovalThreshold)
	cfg.Risk.AssessmentHistory = envInt("RISK_ASSESSMENT_HISTORY", cfg.Risk.AssessmentHistory)

	cfg.Delivery.MaxAttempts = envInt("WEBHOOK_MAX_ATTEMPTS", cfg.Delivery.MaxAttempts)
	if ms := envInt("WEBHOOK_BASE_DELAY_MS", 0); ms > 0 {
		cfg.Delivery.BaseDelay = time.Duration(ms) * time.Millisecond
	}
	if ms := envInt("WEBHOOK_TIMEOUT_MS", 0); ms > 0 {
		cfg.Delivery.RequestTimeout = time.Duration(ms) * time.Millisecond
	}
	cfg.Delivery.RatePerSecond = envFloat("WEBHOOK_RATE_PER_SEC", cfg.Delivery.RatePerSecond)
	cfg.Delivery.EventHistory = envInt("EVENT_HISTORY_SIZE", cfg.Delivery.EventHistory)

	cfg.Trading.InitialBalance = envFloat("INITIAL_BALANCE", cfg.Trading.InitialBalance)

	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.Node.APIAddr = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Node.LogFile = v
	}

	return cfg
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
