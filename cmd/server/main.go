// Command server runs the Crucible narrative game server.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/talgya/crucible/internal/api"
	"github.com/talgya/crucible/internal/diversity"
	"github.com/talgya/crucible/internal/engine"
	"github.com/talgya/crucible/internal/entropy"
	"github.com/talgya/crucible/internal/llm"
	"github.com/talgya/crucible/internal/persistence"
	"github.com/talgya/crucible/internal/prompts"
	"github.com/talgya/crucible/internal/session"
	"github.com/talgya/crucible/internal/support"
)

type config struct {
	Port        int      `env:"PORT" envDefault:"8080"`
	DBPath      string   `env:"CRUCIBLE_DB" envDefault:"data/crucible.db"`
	AdminKey    string   `env:"CRUCIBLE_ADMIN_KEY"`
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:","`

	AnthropicKey string `env:"ANTHROPIC_API_KEY"`
	OpenAIKey    string `env:"OPENAI_API_KEY"`
	RandomOrgKey string `env:"RANDOM_ORG_KEY"`

	SessionTTL       time.Duration `env:"SESSION_TTL" envDefault:"6h"`
	DiversityEnforce bool          `env:"DIVERSITY_ENFORCE" envDefault:"false"`
	TotalDays        int           `env:"TOTAL_DAYS" envDefault:"7"`
	LogLevel         slog.Level    `env:"LOG_LEVEL" envDefault:"info"`
}

func main() {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Crucible — eight days of power and its costs")

	// ── Database ──────────────────────────────────────────────────────
	os.MkdirAll(filepath.Dir(cfg.DBPath), 0755)
	db, err := persistence.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("turn archive opened", "path", cfg.DBPath)

	// ── Providers ─────────────────────────────────────────────────────
	providers := make(map[string]llm.Generator)
	if gen := llm.NewAnthropic(cfg.AnthropicKey); gen != nil {
		providers["anthropic"] = gen
		slog.Info("anthropic provider enabled")
	}
	if gen := llm.NewOpenAI(cfg.OpenAIKey); gen != nil {
		providers["openai"] = gen
		slog.Info("openai provider enabled")
	}
	if len(providers) == 0 {
		slog.Error("no provider key set — set ANTHROPIC_API_KEY or OPENAI_API_KEY")
		os.Exit(1)
	}

	// ── Entropy ───────────────────────────────────────────────────────
	var rnd entropy.Source
	if client := entropy.NewClient(cfg.RandomOrgKey); client != nil {
		rnd = client
		slog.Info("random.org entropy enabled")
	} else {
		slog.Warn("RANDOM_ORG_KEY not set — using crypto/rand only")
		rnd = entropy.CryptoSource{}
	}

	// ── Sessions ──────────────────────────────────────────────────────
	store := session.NewStore(cfg.SessionTTL)
	store.StartJanitor(15 * time.Minute)
	defer store.Close()

	// ── Orchestrator ──────────────────────────────────────────────────
	orch := &engine.Orchestrator{
		Store:     store,
		Providers: providers,
		Prompts:   prompts.New(),
		Support:   support.NewEngine(rnd),
		Guard:     &diversity.Guard{Enforce: cfg.DiversityEnforce},
		Rand:      rnd,
		Archive:   db,
		TotalDays: cfg.TotalDays,
	}

	// ── HTTP API ──────────────────────────────────────────────────────
	if cfg.AdminKey == "" {
		slog.Warn("CRUCIBLE_ADMIN_KEY not set — admin endpoints will be disabled")
	}

	apiServer := &api.Server{
		Orchestrator: orch,
		Store:        store,
		DB:           db,
		Port:         cfg.Port,
		AdminKey:     cfg.AdminKey,
		CORSOrigins:  cfg.CORSOrigins,
	}
	apiServer.Start()

	fmt.Printf("\nCrucible is listening: http://localhost:%d/api/v1/status\n", cfg.Port)
	fmt.Println("Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down", "signal", sig)
}
