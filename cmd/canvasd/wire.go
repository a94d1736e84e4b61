package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/m4xw311/canvasd/agent"
	"github.com/m4xw311/canvasd/clock"
	"github.com/m4xw311/canvasd/config"
	"github.com/m4xw311/canvasd/document"
	"github.com/m4xw311/canvasd/errors"
	"github.com/m4xw311/canvasd/ledger"
	"github.com/m4xw311/canvasd/llm"
	"github.com/m4xw311/canvasd/patch"
	"github.com/m4xw311/canvasd/session"
	"github.com/m4xw311/canvasd/sqlitestore"
	"github.com/m4xw311/canvasd/tools"
)

// threadTTL is how long an idle conversation thread is kept.
const threadTTL = time.Hour

type app struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *sqlitestore.DB
	store  *document.Store
	ledger *ledger.Ledger
	gate   *ledger.Gate
	engine *tools.Engine
	orch   *agent.Orchestrator
	instr  *agent.Instructor
}

// wireStorage opens the database and the services that only need storage.
func wireStorage(cfg *config.Config, logger *slog.Logger) (*app, error) {
	if dir := filepath.Dir(cfg.Database); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "creating database directory")
		}
	}
	db, err := sqlitestore.Open(sqlitestore.Config{Path: cfg.Database, Logger: logger})
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, db: db}
	a.store = document.NewStore(db.Canvases(), logger)
	a.ledger = ledger.New(db.Accounts(), logger)
	a.gate = &ledger.Gate{
		Limiter: ledger.NewLimiter(cfg.Admission.MinInterval, cfg.Admission.Burst, clock.Real()),
		Ledger:  a.ledger,
		Cost:    cfg.Credits.Cost,
	}
	return a, nil
}

// wireApp builds the whole pipeline: storage, tools, model clients, the
// orchestrator and the instructor.
func wireApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a, err := wireStorage(cfg, logger)
	if err != nil {
		return nil, err
	}
	engine, err := wireEngine(cfg, a.store, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.engine = engine

	agentClient, err := llm.NewClient(ctx, cfg.LLMClient, cfg.Model, llm.Options{Temperature: 0.7})
	if err != nil {
		a.Close()
		return nil, err
	}
	instrClient, err := llm.NewClient(ctx, cfg.LLMClient, cfg.Model, llm.Options{Temperature: 0.7, MaxTokens: 2048})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.orch = agent.New(cfg.Agent, agent.Deps{
		Gate:    a.gate,
		Port:    a.store,
		Engine:  engine,
		Client:  agentClient,
		Threads: session.NewThreads(threadTTL, nil),
		Clock:   clock.Real(),
		Logger:  logger,
	})
	highlights := patch.NewHighlighter(a.store, clock.Real(), cfg.Patch.HighlightDuration, logger)
	a.instr = &agent.Instructor{
		Gate:    a.gate,
		Port:    a.store,
		Client:  instrClient,
		Applier: patch.NewApplier(a.store, highlights, logger),
		Timeout: cfg.Agent.StepTimeout,
		Logger:  logger,
	}
	return a, nil
}

func wireEngine(cfg *config.Config, port document.Port, logger *slog.Logger) (*tools.Engine, error) {
	ts, err := cfg.GetToolset(cfg.Agent.Toolset)
	if err != nil {
		return nil, err
	}
	active, err := tools.NewToolRegistry().GetActiveTools(ts)
	if err != nil {
		return nil, err
	}
	return tools.NewEngine(port, active, logger), nil
}

func (a *app) Close() error {
	return a.db.Close()
}

// ensureAccount opens an account with the configured initial grant the
// first time a subject is seen.
func (a *app) ensureAccount(ctx context.Context, subject string) error {
	_, err := a.ledger.Balance(ctx, subject)
	if err == nil || errors.KindOf(err) != errors.NotFound {
		return err
	}
	if a.cfg.Credits.InitialGrant <= 0 {
		return nil
	}
	_, err = a.ledger.Grant(ctx, subject, a.cfg.Credits.InitialGrant)
	return err
}

// ensureCanvas creates an empty canvas owned by subject if canvasID does
// not exist yet.
func (a *app) ensureCanvas(ctx context.Context, canvasID, subject, title string) error {
	_, err := a.store.Read(ctx, canvasID)
	if err == nil || errors.KindOf(err) != errors.NotFound {
		return err
	}
	_, err = a.store.Create(ctx, &document.Snapshot{CanvasID: canvasID, OwnerID: subject, Title: title})
	return err
}
