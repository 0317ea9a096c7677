package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/bdobrica/feelix/common/crypto"
	"github.com/bdobrica/feelix/common/environment"
	"github.com/bdobrica/feelix/common/spec/profile"
	"github.com/bdobrica/feelix/internal/feelix/app"
	"github.com/bdobrica/feelix/internal/feelix/bot"
	"github.com/bdobrica/feelix/internal/feelix/ledger"
	"github.com/bdobrica/feelix/internal/feelix/llm"
	"github.com/bdobrica/feelix/internal/feelix/memory"
	"github.com/bdobrica/feelix/internal/feelix/survey"
	"github.com/bdobrica/feelix/internal/feelix/sweep"
	"github.com/bdobrica/feelix/internal/feelix/transport/matrix"
	"github.com/bdobrica/feelix/internal/feelix/transport/telegram"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bot",
	Long: `Serve connects to Telegram (and Matrix when FEELIX_MATRIX_HOMESERVER is
set) and answers users until SIGINT or SIGTERM.

Required:
  FEELIX_TELEGRAM_TOKEN   bot token from @BotFather
  FEELIX_LLM_API_KEYS     comma-separated model API keys, used round-robin
  FEELIX_LLM_BASE_URL     chat-completions root, or FEELIX_CF_ACCOUNT_ID and
                          FEELIX_CF_GATEWAY_ID for a Cloudflare AI gateway`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.Run(cmd.Context())
}

// loadConfig reads the serve configuration from the environment.
func loadConfig() (app.Config, error) {
	token, err := environment.RequiredString("FEELIX_TELEGRAM_TOKEN")
	if err != nil {
		return app.Config{}, err
	}
	keys := environment.StringSliceOr("FEELIX_LLM_API_KEYS", nil)
	if len(keys) == 0 {
		return app.Config{}, fmt.Errorf("required environment variable %q is not set", "FEELIX_LLM_API_KEYS")
	}
	baseURL := environment.StringOr("FEELIX_LLM_BASE_URL", "")
	if baseURL == "" {
		account := environment.StringOr("FEELIX_CF_ACCOUNT_ID", "")
		gateway := environment.StringOr("FEELIX_CF_GATEWAY_ID", "")
		if account == "" || gateway == "" {
			return app.Config{}, fmt.Errorf("set FEELIX_LLM_BASE_URL or both FEELIX_CF_ACCOUNT_ID and FEELIX_CF_GATEWAY_ID")
		}
		baseURL = llm.GatewayURL(account, gateway)
	}

	admins, err := environment.Int64SliceOr("FEELIX_ADMIN_IDS", nil)
	if err != nil {
		return app.Config{}, err
	}
	managers, err := environment.Int64SliceOr("FEELIX_MANAGER_IDS", nil)
	if err != nil {
		return app.Config{}, err
	}

	prof, err := loadProfile()
	if err != nil {
		return app.Config{}, err
	}
	masterKey, err := loadMasterKey()
	if err != nil {
		return app.Config{}, err
	}

	cfg := app.Config{
		DatabasePath: environment.StringOr("FEELIX_DB_PATH", "./feelix.db"),
		MasterKey:    masterKey,
		Profile:      prof,
		Telegram: telegram.Config{
			Token:   token,
			Workers: environment.IntOr("FEELIX_TELEGRAM_WORKERS", 16),
		},
		LLM: llm.Config{
			APIKeys: keys,
			BaseURL: baseURL,
			Model:   environment.StringOr("FEELIX_LLM_MODEL", ""),
			Timeout: environment.DurationOr("FEELIX_LLM_TIMEOUT", 0),
		},
		Embedding: memory.OpenAIEmbedderConfig{
			APIKey:  environment.StringOr("FEELIX_EMBEDDING_API_KEY", ""),
			BaseURL: environment.StringOr("FEELIX_EMBEDDING_BASE_URL", ""),
			Model:   environment.StringOr("FEELIX_EMBEDDING_MODEL", ""),
		},
		Recall: memory.RecallConfig{
			TopK:     environment.IntOr("FEELIX_RECALL_TOP_K", 3),
			MinScore: environment.FloatOr("FEELIX_RECALL_MIN_SCORE", 0.75),
		},
		Bot: bot.Config{
			Admins:       admins,
			Managers:     managers,
			PremiumDays:  environment.IntOr("FEELIX_PREMIUM_DAYS", 30),
			TrialEnabled: environment.BoolOr("FEELIX_TRIAL_ENABLED", false),
		},
		DailyBudget:        environment.IntOr("FEELIX_DAILY_BUDGET", 7000),
		WindowLength:       environment.DurationOr("FEELIX_WINDOW", 0),
		TrialDays:          environment.IntOr("FEELIX_TRIAL_DAYS", 30),
		SummarizeThreshold: environment.IntOr("FEELIX_SUMMARIZE_THRESHOLD", ledger.DefaultSummarizeThreshold),
		SweepEnabled:       environment.BoolOr("FEELIX_SWEEP_ENABLED", true),
		Sweep: sweep.Config{
			Threshold:    environment.DurationOr("FEELIX_SWEEP_THRESHOLD", sweep.DefaultThreshold),
			BatchSize:    environment.IntOr("FEELIX_SWEEP_BATCH", sweep.DefaultBatchSize),
			Cooldown:     environment.DurationOr("FEELIX_SWEEP_COOLDOWN", sweep.DefaultCooldown),
			SendInterval: environment.DurationOr("FEELIX_SEND_INTERVAL", sweep.DefaultSendInterval),
			Schedule:     environment.StringOr("FEELIX_SWEEP_SCHEDULE", sweep.DefaultSchedule),
		},
		SurveyInterval: environment.DurationOr("FEELIX_SEND_INTERVAL", survey.DefaultSendInterval),
		HTTPAddr:       environment.StringOr("FEELIX_HTTP_ADDR", ""),
		Logger:         slog.Default(),
	}

	if hs := environment.StringOr("FEELIX_MATRIX_HOMESERVER", ""); hs != "" {
		userID, err := environment.RequiredString("FEELIX_MATRIX_USER_ID")
		if err != nil {
			return app.Config{}, err
		}
		accessToken, err := environment.RequiredString("FEELIX_MATRIX_ACCESS_TOKEN")
		if err != nil {
			return app.Config{}, err
		}
		cfg.Matrix = &matrix.Config{Homeserver: hs, UserID: userID, AccessToken: accessToken}
	}
	return cfg, nil
}

func loadProfile() (*profile.Profile, error) {
	path := environment.StringOr("FEELIX_PROFILE", "")
	if path == "" {
		return profile.Default(), nil
	}
	p, err := profile.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %s: %w", path, err)
	}
	return p, nil
}

// loadMasterKey returns nil when FEELIX_MASTER_KEY is unset; history is
// then stored unsealed.
func loadMasterKey() ([]byte, error) {
	raw := environment.StringOr("FEELIX_MASTER_KEY", "")
	if raw == "" {
		slog.Warn("FEELIX_MASTER_KEY is not set; conversation history is stored unencrypted")
		return nil, nil
	}
	key, err := crypto.ParseMasterKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w\nGenerate a key with: openssl rand -hex 32", err)
	}
	return key, nil
}
