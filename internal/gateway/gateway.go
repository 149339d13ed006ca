// Package gateway assembles and runs the Attaché process: persistence,
// channel adapters, the run pipeline, background loops and the operator
// HTTP surface. One Server owns startup and shutdown order.
package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/attachehq/attache/internal/agents"
	"github.com/attachehq/attache/internal/assembler"
	"github.com/attachehq/attache/internal/audit"
	"github.com/attachehq/attache/internal/auth"
	"github.com/attachehq/attache/internal/channels"
	"github.com/attachehq/attache/internal/channels/slack"
	"github.com/attachehq/attache/internal/channels/telegram"
	"github.com/attachehq/attache/internal/config"
	"github.com/attachehq/attache/internal/credits"
	"github.com/attachehq/attache/internal/governor"
	"github.com/attachehq/attache/internal/identity"
	"github.com/attachehq/attache/internal/linking"
	"github.com/attachehq/attache/internal/llm"
	"github.com/attachehq/attache/internal/observability"
	"github.com/attachehq/attache/internal/outbound"
	"github.com/attachehq/attache/internal/pipeline"
	"github.com/attachehq/attache/internal/sessions"
	"github.com/attachehq/attache/internal/storage"
	"github.com/attachehq/attache/internal/tenants"
	"github.com/attachehq/attache/internal/tools"
	"github.com/attachehq/attache/internal/usage"
	"github.com/attachehq/attache/pkg/models"
)

// onboardingPersona drives the guided interview for contacts who are not
// yet linked to any tenant.
const onboardingPersona = `You are the Attaché concierge. The person you are talking to has just reached us and is not linked to a workspace yet.

Find out, one question at a time: their business name, the email their account should use, and what they want an assistant to handle. If they say they already have an account, use the link_account tool with their email; they will receive a code to type back here. Once you have collected the basics, record them with complete_onboarding.

Keep replies short and warm. Never invent capabilities you do not have.`

// stores bundles the persistence handles the server owns. Backed by
// Postgres when database.url is set, in-memory otherwise.
type stores struct {
	db         *sql.DB
	tenants    tenants.Store
	agents     agents.Store
	identities identity.Store
	sessions   sessions.Store
	ledger     credits.Ledger
	governor   governor.Store
	linking    linking.Store
	bindings   outbound.BindingStore
	usage      usage.Store
}

func openStores(cfg *config.Config) (*stores, error) {
	if cfg.Database.URL == "" {
		tenantStore := tenants.NewMemoryStore()
		return &stores{
			tenants:    tenantStore,
			agents:     agents.NewMemoryStore(),
			identities: identity.NewMemoryStore(),
			sessions:   sessions.NewMemoryStore(),
			ledger:     credits.NewMemoryLedger(tenants.ParentLookup(tenantStore)),
			governor:   governor.NewMemoryStore(),
			linking:    linking.NewMemoryStore(),
			bindings:   outbound.NewMemoryBindings(),
			usage:      usage.NewMemoryStore(),
		}, nil
	}

	dbCfg := storage.DefaultPostgresConfig()
	if cfg.Database.MaxConnections > 0 {
		dbCfg.MaxOpenConns = cfg.Database.MaxConnections
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		dbCfg.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
	}
	db, err := storage.OpenPostgres(cfg.Database.URL, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &stores{
		db:         db,
		tenants:    tenants.NewPostgresStore(db),
		agents:     agents.NewPostgresStore(db),
		identities: identity.NewPostgresStore(db),
		sessions:   sessions.NewPostgresStore(db),
		ledger:     credits.NewPostgresLedger(db),
		governor:   governor.NewPostgresStore(db),
		linking:    linking.NewPostgresStore(db),
		bindings:   outbound.NewPostgresBindings(db),
		usage:      usage.NewPostgresStore(db),
	}, nil
}

// Server is the Attaché gateway process.
type Server struct {
	config      *config.Config
	stores      *stores
	channels    *channels.Registry
	pipeline    *pipeline.Pipeline
	governor    *governor.Governor
	linking     *linking.Service
	replenisher *credits.Replenisher
	auth        *auth.Service
	audit       *audit.Logger
	metrics     *observability.Metrics
	logger      *slog.Logger

	httpServer    *http.Server
	httpListener  net.Listener
	metricsServer *http.Server

	messageSem    chan struct{}
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	traceShutdown func(context.Context) error
}

// NewServer wires the full process from configuration. It opens stores
// and builds every collaborator but starts nothing; Start brings the
// process up.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := openStores(cfg)
	if err != nil {
		return nil, err
	}

	auditLogger, err := audit.NewLogger(cfg.Audit)
	if err != nil {
		return nil, fmt.Errorf("audit logger: %w", err)
	}

	metrics := observability.Default()
	tracer, traceShutdown := observability.NewTracer(observability.TraceConfig{
		ServiceName:  "attache",
		Environment:  cfg.Tracing.Environment,
		Endpoint:     cfg.Tracing.Endpoint,
		SamplingRate: cfg.Tracing.SamplingRate,
		Insecure:     cfg.Tracing.Insecure,
	})

	var mailer linking.Mailer
	if cfg.Mail.Endpoint != "" {
		mailer = linking.NewHTTPMailer(cfg.Mail.Endpoint, cfg.Mail.APIKey, cfg.Mail.From, logger)
	}
	linkService := linking.NewService(st.linking, st.tenants, st.identities, mailer, logger)
	resolver := identity.NewResolver(st.identities, st.tenants, linkService, st.ledger, logger)

	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry); err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}
	if err := registry.Register(tools.NewLinkAccountTool(linkService)); err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}
	if err := registry.Register(tools.NewCompleteOnboardingTool(st.sessions)); err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}

	gov := governor.New(st.governor, registry, st.sessions, tools.NewDirectory(),
		governor.Config{PendingTTL: cfg.Approvals.PendingTTL}, logger)

	providers, err := buildProviders(cfg, logger)
	if err != nil {
		return nil, err
	}

	router := outbound.NewRouter(st.bindings, platformCredentials(cfg), logger)
	router.Register(telegram.NewSender())
	router.Register(slack.NewSender())

	pipe := pipeline.New(pipeline.Deps{
		Resolver:  resolver,
		Linking:   linkService,
		Tenants:   st.tenants,
		Agents:    st.agents,
		Sessions:  st.sessions,
		Ledger:    st.ledger,
		Usage:     st.usage,
		Assembler: assembler.New(assembler.Config{
			HistoryWindow: cfg.Assembler.HistoryWindow,
			MaxReferences: cfg.Assembler.MaxReferences,
		}, assembler.NewMemoryKnowledge()),
		Providers: providers,
		Registry:  registry,
		Governor:  gov,
		Router:    router,
		Audit:     auditLogger,
		Metrics:   metrics,
		Tracer:    tracer,
		Logger:    logger,
	}, pipeline.Config{
		OnboardingTenantID: cfg.Onboarding.TenantID,
		OnboardingAgentID:  cfg.Onboarding.AgentID,
		MessageCost:        cfg.Credits.MessageCost,
		ToolCost:           cfg.Credits.ToolCost,
		DefaultProvider:    cfg.LLM.DefaultProvider,
	})

	registryChannels, err := buildChannels(cfg, logger)
	if err != nil {
		return nil, err
	}

	replenisher, err := credits.NewReplenisher(st.ledger, cfg.Credits.ReplenishCron, logger)
	if err != nil {
		return nil, fmt.Errorf("replenisher: %w", err)
	}

	return &Server{
		config:      cfg,
		stores:      st,
		channels:    registryChannels,
		pipeline:    pipe,
		governor:    gov,
		linking:     linkService,
		replenisher: replenisher,
		auth: auth.NewService(auth.Config{
			JWTSecret:   cfg.Auth.JWTSecret,
			TokenExpiry: cfg.Auth.TokenExpiry,
			APIKeys:     authAPIKeys(cfg.Auth.APIKeys),
		}),
		audit:         auditLogger,
		metrics:       metrics,
		logger:        logger,
		messageSem:    make(chan struct{}, cfg.Gateway.MaxConcurrent),
		traceShutdown: traceShutdown,
	}, nil
}

func buildProviders(cfg *config.Config, logger *slog.Logger) (map[string]llm.Provider, error) {
	providers := make(map[string]llm.Provider)
	for name, pc := range cfg.LLM.Providers {
		if pc.APIKey == "" {
			logger.Warn("llm provider has no api key, skipping", "provider", name)
			continue
		}
		switch name {
		case "anthropic":
			p, err := llm.NewAnthropicProvider(llm.AnthropicConfig{
				APIKey:       pc.APIKey,
				BaseURL:      pc.BaseURL,
				DefaultModel: pc.DefaultModel,
			})
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", name, err)
			}
			providers[name] = p
		case "openai":
			p, err := llm.NewOpenAIProvider(llm.OpenAIConfig{
				APIKey:       pc.APIKey,
				BaseURL:      pc.BaseURL,
				DefaultModel: pc.DefaultModel,
			})
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", name, err)
			}
			providers[name] = p
		default:
			return nil, fmt.Errorf("unknown llm provider %q", name)
		}
	}
	return providers, nil
}

func buildChannels(cfg *config.Config, logger *slog.Logger) (*channels.Registry, error) {
	registry := channels.NewRegistry()

	if cfg.Channels.Telegram.Enabled {
		adapter, err := telegram.NewAdapter(telegram.Config{
			Token:         cfg.Channels.Telegram.BotToken,
			Mode:          telegram.Mode(cfg.Channels.Telegram.Mode),
			WebhookURL:    cfg.Channels.Telegram.WebhookURL,
			WebhookSecret: cfg.Channels.Telegram.WebhookSecret,
			Logger:        logger,
		})
		if err != nil {
			return nil, fmt.Errorf("telegram adapter: %w", err)
		}
		registry.Register(adapter)
	}

	if cfg.Channels.Slack.Enabled {
		adapter, err := slack.NewAdapter(slack.Config{
			BotToken:      cfg.Channels.Slack.BotToken,
			AppToken:      cfg.Channels.Slack.AppToken,
			SigningSecret: cfg.Channels.Slack.SigningSecret,
			Logger:        logger,
		})
		if err != nil {
			return nil, fmt.Errorf("slack adapter: %w", err)
		}
		registry.Register(adapter)
	}

	return registry, nil
}

func authAPIKeys(entries []config.APIKeyConfig) []auth.APIKeyConfig {
	keys := make([]auth.APIKeyConfig, 0, len(entries))
	for _, entry := range entries {
		keys = append(keys, auth.APIKeyConfig{
			Key:      entry.Key,
			UserID:   entry.UserID,
			Email:    entry.Email,
			Name:     entry.Name,
			TenantID: entry.TenantID,
		})
	}
	return keys
}

// platformCredentials exposes the configured bot tokens as the router's
// shared fallback credentials.
func platformCredentials(cfg *config.Config) map[models.ChannelType]outbound.Credentials {
	creds := make(map[models.ChannelType]outbound.Credentials)
	if token := cfg.Channels.Telegram.BotToken; token != "" {
		creds[models.ChannelTelegram] = outbound.Credentials{telegram.CredentialBotToken: token}
	}
	if token := cfg.Channels.Slack.BotToken; token != "" {
		creds[models.ChannelSlack] = outbound.Credentials{slack.CredentialBotToken: token}
	}
	return creds
}

// Start brings the process up: seeds the platform tenant, starts channel
// adapters, the processing loop, background schedules and the HTTP
// servers. It does not block; Stop tears everything down.
func (s *Server) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err := s.ensurePlatform(runCtx); err != nil {
		return fmt.Errorf("seed platform tenant: %w", err)
	}

	if err := s.channels.StartAll(runCtx); err != nil {
		return fmt.Errorf("failed to start channels: %w", err)
	}

	s.wg.Add(1)
	go s.processMessages(runCtx)

	s.replenisher.Start(runCtx)
	s.startSweeper(runCtx)

	if err := s.startMetricsServer(); err != nil {
		return err
	}
	return s.startHTTPServer()
}

// Stop gracefully shuts the process down, honoring the context deadline
// for in-flight runs.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping server")

	s.stopHTTPServers(ctx)

	if s.cancel != nil {
		s.cancel()
	}
	s.replenisher.Stop()

	if err := s.channels.StopAll(ctx); err != nil {
		s.logger.Error("error stopping channels", "error", err)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("shutdown deadline reached with runs in flight")
	}

	if err := s.audit.Close(); err != nil {
		s.logger.Warn("audit close error", "error", err)
	}
	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Warn("trace shutdown error", "error", err)
		}
	}
	if s.stores.db != nil {
		if err := s.stores.db.Close(); err != nil {
			s.logger.Warn("database close error", "error", err)
		}
	}
	return nil
}

// ensurePlatform seeds the platform tenant and the onboarding agent so a
// fresh deployment can serve unlinked contacts immediately. Idempotent.
func (s *Server) ensurePlatform(ctx context.Context) error {
	tenantID := s.config.Onboarding.TenantID

	_, err := s.stores.tenants.GetTenant(ctx, tenantID)
	if errors.Is(err, storage.ErrNotFound) {
		now := time.Now().UTC()
		err = s.stores.tenants.CreateTenant(ctx, &models.Tenant{
			ID:        tenantID,
			Name:      "Attaché",
			Slug:      "attache",
			Status:    models.TenantActive,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
			return err
		}
		// The platform tenant pays for onboarding conversations and never
		// hits a quota.
		if err := s.stores.ledger.SetBalance(ctx, &credits.Balance{
			TenantID: tenantID,
			Monthly:  credits.Unlimited,
		}); err != nil {
			return err
		}
		s.logger.Info("seeded platform tenant", "tenant_id", tenantID)
	} else if err != nil {
		return err
	}

	agentID := s.config.Onboarding.AgentID
	_, err = s.stores.agents.Get(ctx, agentID)
	if errors.Is(err, storage.ErrNotFound) {
		err = s.stores.agents.Create(ctx, &models.Agent{
			ID:            agentID,
			TenantID:      tenantID,
			Name:          "Attaché Concierge",
			Persona:       onboardingPersona,
			Provider:      s.config.LLM.DefaultProvider,
			Autonomy:      models.AutonomyAutonomous,
			ToolAllowlist: []string{"link_account", "complete_onboarding"},
			Status:        models.AgentActive,
		})
		if err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
			return err
		}
		s.logger.Info("seeded onboarding agent", "agent_id", agentID)
	} else if err != nil {
		return err
	}
	return nil
}

// processMessages drains the channel fan-in, dispatching each message
// onto the bounded worker pool.
func (s *Server) processMessages(ctx context.Context) {
	defer s.wg.Done()
	messages := s.channels.AggregateMessages(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			select {
			case s.messageSem <- struct{}{}:
				s.wg.Add(1)
				go func(message *models.Message) {
					defer func() {
						<-s.messageSem
						s.wg.Done()
					}()
					s.handleMessage(ctx, message)
				}(msg)
			case <-ctx.Done():
				return
			}
		}
	}
}

// handleMessage runs one inbound message through the pipeline. Pipeline
// errors are terminal for the message; the contact got nothing and will
// retry by writing again.
func (s *Server) handleMessage(ctx context.Context, msg *models.Message) {
	s.logger.Debug("received message",
		"channel", msg.Channel,
		"content_length", len(msg.Content),
	)

	result, err := s.pipeline.Run(ctx, msg)
	if err != nil {
		s.logger.Error("pipeline run failed", "channel", msg.Channel, "error", err)
		return
	}
	s.logger.Debug("pipeline run finished",
		"run_id", result.RunID,
		"tenant_id", result.TenantID,
		"status", result.Status,
		"delivered", result.Delivered,
	)
}

// startSweeper auto-rejects proposals that outlived approvals.pending_ttl.
// With no TTL configured proposals wait for a human indefinitely.
func (s *Server) startSweeper(ctx context.Context) {
	if s.config.Approvals.PendingTTL <= 0 {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.config.Approvals.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				swept, err := s.governor.SweepStale(ctx)
				if err != nil {
					s.logger.Error("stale approval sweep failed", "error", err)
					continue
				}
				if swept > 0 {
					s.metrics.PendingApprovals.Sub(float64(swept))
					s.logger.Info("swept stale approvals", "count", swept)
				}
			}
		}
	}()
}
