package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/metalagman/clausegate/internal/agent"
	"github.com/metalagman/clausegate/internal/config"
	"github.com/metalagman/clausegate/internal/coordinator"
	"github.com/metalagman/clausegate/internal/metrics"
	"github.com/metalagman/clausegate/internal/playbook"
	"github.com/metalagman/clausegate/internal/risk"
	"github.com/metalagman/clausegate/internal/rollback"
	"github.com/metalagman/clausegate/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// riskPrompt names the risk assessment prompt in call logs and experiments.
const riskPrompt = "risk_assessment"

type app struct {
	cfg         config.Config
	db          *sql.DB
	store       *store.Store
	coord       *coordinator.Coordinator
	metrics     *metrics.Collector
	experiments rollback.ExperimentStore
	redis       *redis.Client
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

func loadConfig() (config.Config, error) {
	path := viper.GetString("config")
	if path == "" {
		path = defaultConfigPath
	}
	return config.Load(path)
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	database, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, db: database, store: store.NewStore(database), metrics: metrics.New()}
	a.experiments = a.store
	if cfg.Rollback.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.Rollback.RedisAddr})
		a.experiments = rollback.NewRedisStore(a.redis)
	}

	backend, err := risk.NewBackend(ctx, cfg.Risk, http.DefaultClient)
	if err != nil {
		a.Close()
		return nil, err
	}
	client := risk.NewClient(backend, risk.PolicyFromConfig(cfg.Risk), risk.WithObserver(a.observeRisk))

	books, err := playbook.LoadDir(cfg.PlaybooksDir)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.coord = coordinator.New(coordinator.Options{
		Store:           a.store,
		Deps:            agent.Deps{Risk: client, Concurrency: cfg.Workers.Concurrency},
		Documents:       coordinator.FileDocuments{Dir: cfg.DocumentsDir},
		Playbooks:       books,
		Exporter:        coordinator.FileArtifacts{Dir: cfg.ArtifactsDir},
		Observer:        a.metrics,
		ApprovalTimeout: cfg.ApprovalTimeout,
	})
	if err := a.coord.LoadTeams(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if _, err := a.coord.Restore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// observeRisk feeds metrics and the call log the rollback monitor reads.
func (a *app) observeRisk(o risk.Outcome) {
	a.metrics.ObserveRisk(o)
	call := rollback.Call{Prompt: riskPrompt, Version: riskVersion(a.cfg.Risk), Success: o.Err == nil}
	if err := a.experiments.RecordCall(context.Background(), call); err != nil {
		log.Warn().Err(err).Msg("record risk call")
	}
}

func riskVersion(cfg config.RiskConfig) string {
	if cfg.Model != "" {
		return cfg.Model
	}
	if cfg.Provider != "" {
		return cfg.Provider
	}
	return config.ProviderStatic
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) monitor() *rollback.Monitor {
	return rollback.NewMonitor(a.experiments,
		rollback.WithInterval(a.cfg.Rollback.Interval),
		rollback.WithWindow(a.cfg.Rollback.Window),
		rollback.WithMargin(a.cfg.Rollback.Margin),
		rollback.WithVerdictHook(a.metrics.ObserveVerdict),
	)
}
