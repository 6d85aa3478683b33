package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/stupiduntilnot/stagebot/internal/command"
	"github.com/stupiduntilnot/stagebot/internal/config"
	"github.com/stupiduntilnot/stagebot/internal/control"
	"github.com/stupiduntilnot/stagebot/internal/conversation"
	"github.com/stupiduntilnot/stagebot/internal/db"
	"github.com/stupiduntilnot/stagebot/internal/dummy"
	"github.com/stupiduntilnot/stagebot/internal/model"
	"github.com/stupiduntilnot/stagebot/internal/onebot"
	"github.com/stupiduntilnot/stagebot/internal/openai"
	"github.com/stupiduntilnot/stagebot/internal/persona"
	"github.com/stupiduntilnot/stagebot/internal/pipeline"
	"github.com/stupiduntilnot/stagebot/internal/platform"
	"github.com/stupiduntilnot/stagebot/internal/safety"
	"github.com/stupiduntilnot/stagebot/internal/stage"
	"github.com/stupiduntilnot/stagebot/internal/telegram"
	"github.com/stupiduntilnot/stagebot/internal/tool"
)

// app owns the long-lived resources of a serve run. Snapshots are rebuilt
// from it on every reload; the database, adapters and breaker survive
// reloads.
type app struct {
	configPath string
	logger     *zap.Logger

	database  *sql.DB
	store     *conversation.SQLiteStore
	audit     *db.EventLog
	platforms *platform.Registry
	breaker   *control.CircuitBreaker
	scheduler *pipeline.Scheduler

	mu  sync.Mutex
	cfg *config.Config
	// cfgGen is the build generation of cfg; reloadGen hands them out.
	cfgGen    uint64
	reloadGen atomic.Uint64
}

func newApp(configPath string, cfg *config.Config, logger *zap.Logger) (*app, error) {
	database, err := db.OpenDB(cfg.DB.Path)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(database); err != nil {
		database.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	a := &app{
		configPath: configPath,
		logger:     logger,
		database:   database,
		store:      &conversation.SQLiteStore{DB: database},
		audit:      &db.EventLog{DB: database},
		breaker:    control.NewCircuitBreaker(cfg.LLM.CircuitThreshold, cfg.LLM.CircuitCooldown),
		cfg:        cfg,
	}
	platforms, err := a.buildPlatforms(cfg)
	if err != nil {
		database.Close()
		return nil, err
	}
	a.platforms = platforms

	snapshot, err := a.buildSnapshot(cfg)
	if err != nil {
		database.Close()
		return nil, err
	}
	a.scheduler = pipeline.NewScheduler(snapshot, pipeline.OptionsFrom(cfg), logger)
	return a, nil
}

func (a *app) Close() error {
	return a.database.Close()
}

// buildPlatforms creates the enabled adapters. Adapters are not rebuilt on
// reload.
func (a *app) buildPlatforms(cfg *config.Config) (*platform.Registry, error) {
	reg := platform.NewRegistry()
	p := cfg.Platforms
	if p.Telegram.Enable {
		base := strings.TrimRight(p.Telegram.APIBase, "/") + "/bot" + p.Telegram.Token
		client := telegram.NewClient(base, time.Duration(p.Telegram.PollTimeout)*time.Second+10*time.Second)
		err := reg.Register(telegram.NewAdapter(client, telegram.Options{
			PollTimeout:  p.Telegram.PollTimeout,
			RetryBackoff: p.Telegram.RetryBackoff,
			DropPending:  p.Telegram.DropPending,
		}, a.logger))
		if err != nil {
			return nil, err
		}
	}
	if p.OneBot.Enable {
		err := reg.Register(onebot.NewAdapter(onebot.Options{
			URL:               p.OneBot.URL,
			AccessToken:       p.OneBot.AccessToken,
			ReconnectInterval: p.OneBot.ReconnectInterval,
			CallTimeout:       p.OneBot.CallTimeout,
		}, a.logger))
		if err != nil {
			return nil, err
		}
	}
	if p.Dummy.Enable {
		ad, err := dummy.NewAdapter(p.Dummy.Script, p.Dummy.SendScript)
		if err != nil {
			return nil, config.Errorf("platforms.dummy.script", "%v", err)
		}
		if err := reg.Register(ad); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// buildSnapshot turns cfg into an immutable pipeline context. Any invalid
// setting comes back as a *config.Error.
func (a *app) buildSnapshot(cfg *config.Config) (*pipeline.Context, error) {
	matcher, err := safety.Compile(safety.DefaultTerms, cfg.Safety.ExtraPatterns)
	if err != nil {
		return nil, config.Errorf("safety.extra_patterns", "%v", err)
	}

	list := make([]persona.Persona, 0, len(cfg.Personas))
	for _, p := range cfg.Personas {
		list = append(list, persona.Persona{ID: p.ID, Prompt: p.Prompt})
	}
	personas, err := persona.NewTable(list, cfg.LLM.DefaultPersona)
	if err != nil {
		return nil, config.Errorf("personas", "%v", err)
	}

	tools := tool.NewRegistry()
	policy := tool.NewPolicy(cfg.Tools.DenyPrivate, strings.Join(cfg.Tools.DeniedHosts, ","))
	for _, t := range []tool.Tool{
		tool.NewWebSearch(cfg.Tools.SearchURL, cfg.Tools.Timeout, 5, ""),
		tool.NewFetchURL(policy, cfg.Tools.Timeout, 0),
	} {
		if err := tools.Register(t); err != nil {
			return nil, err
		}
	}

	provider, err := newProvider(cfg, a.logger)
	if err != nil {
		return nil, err
	}

	commands := command.NewRegistry(a.logger)
	if err := command.RegisterBuiltins(commands, command.Logging(a.logger)); err != nil {
		return nil, err
	}

	return pipeline.NewContext(cfg, pipeline.Deps{
		Commands:  commands,
		Safety:    matcher,
		Personas:  personas,
		Tools:     tools,
		Provider:  provider,
		Store:     a.store,
		Platforms: a.platforms,
		Breaker:   a.breaker,
		Updater:   a,
		Audit:     a.audit,
		Logger:    a.logger,
	}, stage.All())
}

func newProvider(cfg *config.Config, logger *zap.Logger) (model.Provider, error) {
	switch cfg.LLM.Provider {
	case "":
		return nil, nil
	case "openai":
		return openai.NewClient(cfg.LLM.APIKey, cfg.LLM.URL, cfg.LLM.Model, cfg.LLM.Timeout, cfg.LLM.MaxRetries, logger), nil
	case "dummy":
		p, err := dummy.NewProvider(cfg.LLM.Model, cfg.LLM.DummyScript)
		if err != nil {
			return nil, config.Errorf("llm.dummy_script", "%v", err)
		}
		return p, nil
	}
	return nil, config.Errorf("llm.provider", "unknown provider %q", cfg.LLM.Provider)
}

// Config returns the configuration currently in force.
func (a *app) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Update applies mutate to a copy of the current config, persists it and
// schedules a reload. It does not wait for the reload, so commands may
// call it from inside a stage.
func (a *app) Update(_ context.Context, mutate func(*config.Config) error) error {
	a.mu.Lock()
	next := a.cfg.Clone()
	if err := mutate(next); err != nil {
		a.mu.Unlock()
		return err
	}
	if err := next.Validate(); err != nil {
		a.mu.Unlock()
		return err
	}
	if err := config.Save(a.configPath, next); err != nil {
		a.mu.Unlock()
		return fmt.Errorf("persist config: %w", err)
	}
	a.cfg = next
	a.mu.Unlock()

	a.logger.Info("config persisted", zap.String("path", a.configPath))
	if _, err := a.audit.Record(0, db.EventConfigPersisted, map[string]any{"path": a.configPath}); err != nil {
		a.logger.Warn("audit config.persisted", zap.Error(err))
	}
	a.requestReload(func() (*config.Config, error) { return next, nil })
	return nil
}

// Reload re-reads the config file and schedules a reload.
func (a *app) Reload(context.Context) error {
	a.requestReload(func() (*config.Config, error) { return config.Load(a.configPath) })
	return nil
}

// requestReload rebuilds the snapshot in the background. The outcome is
// logged by the scheduler; a rejected config leaves the running one alone.
// Config reports the new config only once its snapshot is installed.
func (a *app) requestReload(load func() (*config.Config, error)) <-chan error {
	var (
		cfg *config.Config
		gen uint64
	)
	installed := a.scheduler.RequestReload(func() (*pipeline.Context, error) {
		next, err := load()
		if err != nil {
			return nil, err
		}
		snapshot, err := a.buildSnapshot(next)
		if err != nil {
			return nil, err
		}
		if changed := platformsChanged(a.Config(), next); changed {
			a.logger.Warn("platform settings changed, restart to apply")
		}
		cfg, gen = next, a.reloadGen.Add(1)
		return snapshot, nil
	})

	done := make(chan error, 1)
	go func() {
		err := <-installed
		if err == nil {
			a.mu.Lock()
			if gen > a.cfgGen {
				a.cfg, a.cfgGen = cfg, gen
			}
			a.mu.Unlock()
		}
		done <- err
	}()
	return done
}

func platformsChanged(old, next *config.Config) bool {
	return old.Platforms != next.Platforms || old.DB != next.DB
}

var errNoAdapters = errors.New("no platform enabled; enable telegram, onebot or dummy under platforms")
