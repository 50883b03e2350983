// Package config declares the engine's flag and environment surface. Flags
// win over environment variables; environment variables win over defaults.
package config

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/pairhedge/pairhedge/binance"
)

type AppConfig struct {
	// Accounts holds raw account specs, label:apiKey:apiSecret[@proxyURL].
	Accounts []string

	BaseURL  string
	Symbol   string
	Leverage int

	BaseQuantity float64
	QtyMultMin   float64
	QtyMultMax   float64
	MinQuantity  float64
	MaxQuantity  float64
	QuantityStep float64
	PriceTick    float64

	MaxPositionValue float64
	MinBalance       float64

	RehangAttempts  int
	OrderWait       time.Duration
	HoldMin         time.Duration
	HoldMax         time.Duration
	CooldownMin     time.Duration
	CooldownMax     time.Duration
	FailureBackoff  time.Duration
	ShutdownTimeout time.Duration

	MaxRetries     int
	RetryBaseDelay time.Duration
	RecvWindow     time.Duration
	RequestSpacing time.Duration

	ReconcileTolerance float64

	JournalPath   string
	AlertWebhook  string
	LogLevel      string
	LogFormatJSON bool
	LogComponents []string
}

func DefaultConfig() AppConfig {
	return AppConfig{
		BaseURL:            binance.DefaultBaseURL,
		Leverage:           10,
		QtyMultMin:         0.8,
		QtyMultMax:         1.2,
		MinQuantity:        0.001,
		QuantityStep:       0.001,
		PriceTick:          0.1,
		RehangAttempts:     3,
		OrderWait:          45 * time.Second,
		HoldMin:            5 * time.Minute,
		HoldMax:            15 * time.Minute,
		CooldownMin:        30 * time.Second,
		CooldownMax:        90 * time.Second,
		FailureBackoff:     60 * time.Second,
		ShutdownTimeout:    2 * time.Minute,
		MaxRetries:         4,
		RetryBaseDelay:     500 * time.Millisecond,
		RecvWindow:         10 * time.Second,
		RequestSpacing:     100 * time.Millisecond,
		ReconcileTolerance: 0.001,
		JournalPath:        "pairhedge.sqlite3",
		LogLevel:           "info",
		LogFormatJSON:      false,
	}
}

// NewConfigFlagSet declares the flags against the provided struct but does not parse.
func NewConfigFlagSet(cfg *AppConfig) *pflag.FlagSet {
	fs := pflag.NewFlagSet("pairhedge", pflag.ContinueOnError)
	fs.SortFlags = false

	fs.StringArrayVar(&cfg.Accounts, "account", cfg.Accounts, "Account spec label:apiKey:apiSecret[@proxyURL], repeatable; 2 or 3 required (env: PAIRHEDGE_ACCOUNTS, semicolon-separated)")
	fs.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "Exchange REST base URL (env: PAIRHEDGE_BASE_URL)")
	fs.StringVar(&cfg.Symbol, "symbol", cfg.Symbol, "Trading symbol, e.g. BTCUSDT (env: PAIRHEDGE_SYMBOL)")
	fs.IntVar(&cfg.Leverage, "leverage", cfg.Leverage, "Leverage applied to every account at startup (env: PAIRHEDGE_LEVERAGE)")

	fs.Float64Var(&cfg.BaseQuantity, "base-qty", cfg.BaseQuantity, "Base cycle quantity, scaled by the multiplier range; 0 draws from min-qty..max-qty instead (env: PAIRHEDGE_BASE_QTY)")
	fs.Float64Var(&cfg.QtyMultMin, "qty-mult-min", cfg.QtyMultMin, "Lower bound of the base quantity multiplier (env: PAIRHEDGE_QTY_MULT_MIN)")
	fs.Float64Var(&cfg.QtyMultMax, "qty-mult-max", cfg.QtyMultMax, "Upper bound of the base quantity multiplier (env: PAIRHEDGE_QTY_MULT_MAX)")
	fs.Float64Var(&cfg.MinQuantity, "min-qty", cfg.MinQuantity, "Minimum quantity per helper share (env: PAIRHEDGE_MIN_QTY)")
	fs.Float64Var(&cfg.MaxQuantity, "max-qty", cfg.MaxQuantity, "Upper bound of the uniform target draw when base-qty is 0 (env: PAIRHEDGE_MAX_QTY)")
	fs.Float64Var(&cfg.QuantityStep, "qty-step", cfg.QuantityStep, "Instrument quantity step (env: PAIRHEDGE_QTY_STEP)")
	fs.Float64Var(&cfg.PriceTick, "price-tick", cfg.PriceTick, "Instrument price tick (env: PAIRHEDGE_PRICE_TICK)")

	fs.Float64Var(&cfg.MaxPositionValue, "max-position-value", cfg.MaxPositionValue, "Ceiling on target quantity times reference price in USDT; 0 disables (env: PAIRHEDGE_MAX_POSITION_VALUE)")
	fs.Float64Var(&cfg.MinBalance, "min-balance", cfg.MinBalance, "Minimum available USDT required on every account before a cycle; 0 disables (env: PAIRHEDGE_MIN_BALANCE)")

	fs.IntVar(&cfg.RehangAttempts, "rehang-attempts", cfg.RehangAttempts, "Limit order placements per cycle before force-closing the residual (env: PAIRHEDGE_REHANG_ATTEMPTS)")
	fs.DurationVar(&cfg.OrderWait, "order-wait", cfg.OrderWait, "Fill wait per limit order placement (env: PAIRHEDGE_ORDER_WAIT)")
	fs.DurationVar(&cfg.HoldMin, "hold-min", cfg.HoldMin, "Lower bound of the randomized position hold (env: PAIRHEDGE_HOLD_MIN)")
	fs.DurationVar(&cfg.HoldMax, "hold-max", cfg.HoldMax, "Upper bound of the randomized position hold (env: PAIRHEDGE_HOLD_MAX)")
	fs.DurationVar(&cfg.CooldownMin, "cooldown-min", cfg.CooldownMin, "Lower bound of the pause between cycles (env: PAIRHEDGE_COOLDOWN_MIN)")
	fs.DurationVar(&cfg.CooldownMax, "cooldown-max", cfg.CooldownMax, "Upper bound of the pause between cycles (env: PAIRHEDGE_COOLDOWN_MAX)")
	fs.DurationVar(&cfg.FailureBackoff, "failure-backoff", cfg.FailureBackoff, "Pause after a failed cycle (env: PAIRHEDGE_FAILURE_BACKOFF)")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Deadline for the graceful shutdown sequence (env: PAIRHEDGE_SHUTDOWN_TIMEOUT)")

	fs.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "Request attempts before giving up, first try included (env: PAIRHEDGE_MAX_RETRIES)")
	fs.DurationVar(&cfg.RetryBaseDelay, "retry-base-delay", cfg.RetryBaseDelay, "Base delay of the exponential request backoff (env: PAIRHEDGE_RETRY_BASE_DELAY)")
	fs.DurationVar(&cfg.RecvWindow, "recv-window", cfg.RecvWindow, "Signed request validity window (env: PAIRHEDGE_RECV_WINDOW)")
	fs.DurationVar(&cfg.RequestSpacing, "request-spacing", cfg.RequestSpacing, "Minimum spacing between one account's requests (env: PAIRHEDGE_REQUEST_SPACING)")

	fs.Float64Var(&cfg.ReconcileTolerance, "reconcile-tolerance", cfg.ReconcileTolerance, "Acceptable cross-account quantity divergence in units (env: PAIRHEDGE_RECONCILE_TOLERANCE)")

	fs.StringVar(&cfg.JournalPath, "journal-path", cfg.JournalPath, "SQLite audit journal path; empty disables journaling (env: PAIRHEDGE_JOURNAL_PATH)")
	fs.StringVar(&cfg.AlertWebhook, "alert-webhook", cfg.AlertWebhook, "Webhook URL for operator alerts; empty disables (env: PAIRHEDGE_ALERT_WEBHOOK)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (env: PAIRHEDGE_LOG_LEVEL)")
	fs.BoolVar(&cfg.LogFormatJSON, "log-json", cfg.LogFormatJSON, "Emit logs as JSON (env: PAIRHEDGE_LOG_JSON)")
	fs.StringSliceVar(&cfg.LogComponents, "log-components", cfg.LogComponents, "Console log component allowlist, e.g. hedger,binance; empty logs everything (env: PAIRHEDGE_LOG_COMPONENTS)")

	return fs
}

// ApplyEnvDefaults inspects flags that were not set on the command line and
// pulls their values from the environment.
func ApplyEnvDefaults(fs *pflag.FlagSet, cfg *AppConfig) error {
	flagSet := map[string]struct{}{}
	fs.Visit(func(f *pflag.Flag) { flagSet[f.Name] = struct{}{} })

	setString := func(name, envKey string, target *string) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok && v != "" {
			*target = v
		}
	}
	setInt := func(name, envKey string, target *int) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok {
			if parsed, err := strconv.Atoi(v); err == nil {
				*target = parsed
			}
		}
	}
	setBool := func(name, envKey string, target *bool) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok {
			if parsed, err := strconv.ParseBool(v); err == nil {
				*target = parsed
			}
		}
	}
	setFloat := func(name, envKey string, target *float64) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				*target = parsed
			}
		}
	}
	setDuration := func(name, envKey string, target *time.Duration) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok {
			if parsed, err := time.ParseDuration(v); err == nil {
				*target = parsed
			}
		}
	}
	setList := func(name, envKey string, target *[]string, sep string) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok && v != "" {
			var items []string
			for _, item := range strings.Split(v, sep) {
				if item = strings.TrimSpace(item); item != "" {
					items = append(items, item)
				}
			}
			*target = items
		}
	}

	setList("account", "PAIRHEDGE_ACCOUNTS", &cfg.Accounts, ";")
	setString("base-url", "PAIRHEDGE_BASE_URL", &cfg.BaseURL)
	setString("symbol", "PAIRHEDGE_SYMBOL", &cfg.Symbol)
	setInt("leverage", "PAIRHEDGE_LEVERAGE", &cfg.Leverage)

	setFloat("base-qty", "PAIRHEDGE_BASE_QTY", &cfg.BaseQuantity)
	setFloat("qty-mult-min", "PAIRHEDGE_QTY_MULT_MIN", &cfg.QtyMultMin)
	setFloat("qty-mult-max", "PAIRHEDGE_QTY_MULT_MAX", &cfg.QtyMultMax)
	setFloat("min-qty", "PAIRHEDGE_MIN_QTY", &cfg.MinQuantity)
	setFloat("max-qty", "PAIRHEDGE_MAX_QTY", &cfg.MaxQuantity)
	setFloat("qty-step", "PAIRHEDGE_QTY_STEP", &cfg.QuantityStep)
	setFloat("price-tick", "PAIRHEDGE_PRICE_TICK", &cfg.PriceTick)

	setFloat("max-position-value", "PAIRHEDGE_MAX_POSITION_VALUE", &cfg.MaxPositionValue)
	setFloat("min-balance", "PAIRHEDGE_MIN_BALANCE", &cfg.MinBalance)

	setInt("rehang-attempts", "PAIRHEDGE_REHANG_ATTEMPTS", &cfg.RehangAttempts)
	setDuration("order-wait", "PAIRHEDGE_ORDER_WAIT", &cfg.OrderWait)
	setDuration("hold-min", "PAIRHEDGE_HOLD_MIN", &cfg.HoldMin)
	setDuration("hold-max", "PAIRHEDGE_HOLD_MAX", &cfg.HoldMax)
	setDuration("cooldown-min", "PAIRHEDGE_COOLDOWN_MIN", &cfg.CooldownMin)
	setDuration("cooldown-max", "PAIRHEDGE_COOLDOWN_MAX", &cfg.CooldownMax)
	setDuration("failure-backoff", "PAIRHEDGE_FAILURE_BACKOFF", &cfg.FailureBackoff)
	setDuration("shutdown-timeout", "PAIRHEDGE_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)

	setInt("max-retries", "PAIRHEDGE_MAX_RETRIES", &cfg.MaxRetries)
	setDuration("retry-base-delay", "PAIRHEDGE_RETRY_BASE_DELAY", &cfg.RetryBaseDelay)
	setDuration("recv-window", "PAIRHEDGE_RECV_WINDOW", &cfg.RecvWindow)
	setDuration("request-spacing", "PAIRHEDGE_REQUEST_SPACING", &cfg.RequestSpacing)

	setFloat("reconcile-tolerance", "PAIRHEDGE_RECONCILE_TOLERANCE", &cfg.ReconcileTolerance)

	setString("journal-path", "PAIRHEDGE_JOURNAL_PATH", &cfg.JournalPath)
	setString("alert-webhook", "PAIRHEDGE_ALERT_WEBHOOK", &cfg.AlertWebhook)
	setString("log-level", "PAIRHEDGE_LOG_LEVEL", &cfg.LogLevel)
	setBool("log-json", "PAIRHEDGE_LOG_JSON", &cfg.LogFormatJSON)
	setList("log-components", "PAIRHEDGE_LOG_COMPONENTS", &cfg.LogComponents, ",")

	return nil
}

func ValidateConfig(cfg AppConfig) error {
	var problems []string

	switch n := len(cfg.Accounts); {
	case n < 2:
		problems = append(problems, "at least 2 accounts required (--account)")
	case n > 3:
		problems = append(problems, fmt.Sprintf("at most 3 accounts supported, got %d", n))
	}
	if _, err := ParseAccounts(cfg.Accounts); err != nil {
		problems = append(problems, err.Error())
	}
	if cfg.Symbol == "" {
		problems = append(problems, "symbol is required (--symbol)")
	}
	if cfg.Leverage < 1 {
		problems = append(problems, "leverage must be at least 1")
	}
	if cfg.BaseQuantity > 0 {
		if cfg.QtyMultMin <= 0 || cfg.QtyMultMax < cfg.QtyMultMin {
			problems = append(problems, "qty-mult-min..qty-mult-max must be a positive range")
		}
	} else if cfg.MaxQuantity <= 0 {
		problems = append(problems, "either base-qty or max-qty must be set")
	}
	if cfg.MinQuantity <= 0 {
		problems = append(problems, "min-qty must be positive")
	}
	if cfg.QuantityStep <= 0 {
		problems = append(problems, "qty-step must be positive")
	}
	if cfg.PriceTick <= 0 {
		problems = append(problems, "price-tick must be positive")
	}
	if cfg.HoldMax < cfg.HoldMin {
		problems = append(problems, "hold-max must not be below hold-min")
	}
	if cfg.CooldownMax < cfg.CooldownMin {
		problems = append(problems, "cooldown-max must not be below cooldown-min")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ParseAccounts turns raw account specs into binance accounts. A spec is
// label:apiKey:apiSecret, optionally followed by @proxyURL.
func ParseAccounts(specs []string) ([]binance.Account, error) {
	accounts := make([]binance.Account, 0, len(specs))
	seen := map[string]struct{}{}
	for i, spec := range specs {
		label, rest, ok := strings.Cut(spec, ":")
		if !ok {
			return nil, fmt.Errorf("account %d: want label:apiKey:apiSecret[@proxyURL]", i+1)
		}
		apiKey, rest, ok := strings.Cut(rest, ":")
		if !ok {
			return nil, fmt.Errorf("account %q: missing api secret", label)
		}
		secret, proxy, _ := strings.Cut(rest, "@")
		if label == "" || apiKey == "" || secret == "" {
			return nil, fmt.Errorf("account %d: label, api key, and secret must be non-empty", i+1)
		}
		if _, dup := seen[label]; dup {
			return nil, fmt.Errorf("account label %q appears twice", label)
		}
		seen[label] = struct{}{}
		accounts = append(accounts, binance.Account{
			Label:     label,
			APIKey:    apiKey,
			APISecret: secret,
			ProxyURL:  proxy,
		})
	}
	return accounts, nil
}

// LogLevel parses the configured level, defaulting to info.
func LogLevel(cfg AppConfig) slog.Level {
	if cfg.LogLevel == "" {
		return slog.LevelInfo
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		log.Printf("unknown log level %q, defaulting to info", cfg.LogLevel)
		return slog.LevelInfo
	}
	return level
}

func GetLogHandler(cfg AppConfig) slog.Handler {
	handlerOpts := &slog.HandlerOptions{Level: LogLevel(cfg)}

	if cfg.LogFormatJSON {
		return slog.NewJSONHandler(os.Stderr, handlerOpts)
	}
	return slog.NewTextHandler(os.Stderr, handlerOpts)
}
