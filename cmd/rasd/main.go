// Package main provides the CLI entry point for the research-session
// runtime: a typed-dispatch agent loop fronted by a WebSocket client
// channel, with per-user credit accounting and session supervision.
//
// # Basic usage
//
//	rasd serve --config rasd.yaml
//	rasd reconcile --config rasd.yaml
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrelsoft/ras/internal/authn"
	"github.com/kestrelsoft/ras/internal/channel"
	"github.com/kestrelsoft/ras/internal/config"
	"github.com/kestrelsoft/ras/internal/dispatch"
	"github.com/kestrelsoft/ras/internal/ledger"
	"github.com/kestrelsoft/ras/internal/logging"
	"github.com/kestrelsoft/ras/internal/loop"
	"github.com/kestrelsoft/ras/internal/model"
	"github.com/kestrelsoft/ras/internal/sessionstore"
	"github.com/kestrelsoft/ras/internal/supervisor"
	"github.com/kestrelsoft/ras/internal/tools"
	"github.com/kestrelsoft/ras/internal/tracing"
	"github.com/kestrelsoft/ras/internal/usersession"
)

var (
	version = "dev"
	commit  = "none"
)

var configPath string

func main() {
	root := buildRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "rasd",
		Short:        "Research-session agent runtime",
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "rasd.yaml", "path to the runtime config file")
	root.AddCommand(buildServeCmd(), buildReconcileCmd())
	return root
}

func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP/WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func buildReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Mark orphaned Running sessions as Error and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			return rt.supervisor.Reconcile(cmd.Context())
		},
	}
}

// runtime bundles every wired component so serve and reconcile share one
// construction path.
type runtime struct {
	cfg            *config.Config
	logger         *logging.Logger
	store          *sessionstore.MemoryStore
	ledger         *ledger.MemoryLedger
	cache          *usersession.Cache
	hub            *channel.Hub
	heartbeat      *channel.HeartbeatScheduler
	wsServer       *channel.Server
	catalog        *tools.Catalog
	invoker        *tools.Invoker
	dispatcher     *dispatch.Dispatcher
	driver         *loop.Driver
	supervisor     *supervisor.Supervisor
	verifier       authn.Verifier
	tracerShutdown func(context.Context) error
}

// authenticate verifies the bearer token on a plain HTTP request (as
// opposed to the WebSocket upgrade, which channel.Server checks itself). A
// nil verifier (no auth configured) accepts every caller as an anonymous
// local user, matching single-tenant local deployments.
func (rt *runtime) authenticate(r *http.Request) (authn.Identity, error) {
	identity := authn.Identity{UserID: "local"}
	if rt.verifier != nil {
		token := r.Header.Get("Authorization")
		if rest, ok := strings.CutPrefix(token, "Bearer "); ok {
			token = rest
		}
		id, err := rt.verifier.Verify(r.Context(), token)
		if err != nil {
			return authn.Identity{}, err
		}
		identity = id
	}
	// Touch the hybrid user-session cache so login activity is tracked
	// independently of whether this call goes on to touch any session.
	if _, err := rt.cache.Touch(r.Context(), identity.UserID); err != nil {
		rt.logger.Warn(r.Context(), "rasd: user-session cache touch failed", "error", err, "user_id", identity.UserID)
	}
	return identity, nil
}

func buildRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("rasd: loading config: %w", err)
	}

	logger := logging.New(logging.Config{Format: cfg.Logging.Format, Level: logging.ParseLevel(cfg.Logging.Level)})

	store := sessionstore.NewMemoryStore()
	if hook, err := buildPersistenceHook(cfg.Store); err != nil {
		logger.Warn(ctx, "rasd: persistence hook unavailable, running in-memory only", "error", err, "driver", cfg.Store.DriverName)
	} else if hook != nil {
		store.WithHook(hook)
		if err := store.Hydrate(ctx); err != nil {
			logger.Warn(ctx, "rasd: hydrating sessions from persistence hook failed", "error", err)
		}
	}
	creditLedger := ledger.NewMemoryLedger()

	providers := buildProviders(ctx, cfg.LLM)
	promptLog := dispatch.NewFileAttemptLogger(cfg.LLM.PromptLogDir)
	dispatcher := dispatch.New(providers, logger, promptLog, cfg.LLM.CallTimeout)
	candidateNames := make([]string, 0, len(providers))
	for name := range providers {
		candidateNames = append(candidateNames, name)
	}

	catalog := tools.NewCatalog(
		&tools.WebSearchTool{},
		&tools.RetouchImagesTool{},
		tools.NewGenerateCreativeTool(nil),
		tools.NewGenerateCreativeFromBundleTool(nil),
		tools.NewGenerateStyleTool(nil),
		tools.NewVocalTourTool(nil),
	)
	invoker := tools.NewInvoker(catalog, creditLedger)

	hub := channel.NewHub(cfg.Channel.SendBufferSize)
	heartbeat := channel.NewHeartbeatScheduler(hub, cfg.Channel.HeartbeatInterval)

	tracer, tracerShutdown := tracing.New(tracing.Config{
		ServiceName: "rasd",
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
	})

	driver := loop.New(store, dispatcher, catalog, invoker, hub, logger, tracer, candidateNames, cfg.LLM.Retries)
	sup := supervisor.New(store, driver)

	memStore := usersession.NewInMemoryPersistentStore()
	cache := usersession.New(memStore, cfg.Session.IdleTimeout)

	var verifier authn.Verifier
	switch {
	case cfg.Server.JWTSecret != "" && cfg.Server.OIDCUserInfoURL != "":
		verifier = authn.Chain{
			authn.NewJWTVerifier([]byte(cfg.Server.JWTSecret)),
			authn.NewRemoteVerifier(cfg.Server.OIDCUserInfoURL, 5*time.Second),
		}
	case cfg.Server.JWTSecret != "":
		verifier = authn.NewJWTVerifier([]byte(cfg.Server.JWTSecret))
	case cfg.Server.OIDCUserInfoURL != "":
		verifier = authn.NewRemoteVerifier(cfg.Server.OIDCUserInfoURL, 5*time.Second)
	}

	rt := &runtime{
		cfg:            cfg,
		logger:         logger,
		store:          store,
		ledger:         creditLedger,
		cache:          cache,
		hub:            hub,
		heartbeat:      heartbeat,
		catalog:        catalog,
		invoker:        invoker,
		dispatcher:     dispatcher,
		driver:         driver,
		supervisor:     sup,
		verifier:       verifier,
		tracerShutdown: tracerShutdown,
	}
	rt.wsServer = channel.NewServer(hub, heartbeat, rt.handleInbound, logger, verifier)
	return rt, nil
}

// buildPersistenceHook selects the session store's durability backend from
// cfg.Store.DriverName. "memory" (the default) returns a nil hook, meaning
// no durability: every session is lost on process restart.
func buildPersistenceHook(cfg config.StoreConfig) (sessionstore.PersistenceHook, error) {
	switch cfg.DriverName {
	case "", "memory":
		return nil, nil
	case "postgres":
		return sessionstore.NewPostgresHook(cfg.DSN, sessionstore.DefaultPostgresConfig())
	case "sqlite":
		return sessionstore.NewSQLiteHook(cfg.DSN)
	default:
		return nil, fmt.Errorf("rasd: unknown store driver %q", cfg.DriverName)
	}
}

// buildProviders constructs one Provider per entry in cfg.CandidateModels,
// inferring the vendor family from the model identifier's own naming
// convention (the same convention each vendor's own model catalog uses).
// A candidate whose vendor has no credential configured is skipped rather
// than failing boot, so a partially-configured deployment still runs with
// whichever vendors are actually reachable.
func buildProviders(ctx context.Context, cfg config.LLMConfig) map[string]dispatch.Provider {
	providers := map[string]dispatch.Provider{}
	for _, modelID := range cfg.CandidateModels {
		switch {
		case strings.HasPrefix(modelID, "claude") && cfg.AnthropicAPIKey != "":
			p := dispatch.NewAnthropicProvider(cfg.AnthropicAPIKey, modelID)
			providers[p.Name()] = p
		case strings.HasPrefix(modelID, "gpt") && cfg.OpenAIAPIKey != "":
			p := dispatch.NewOpenAIProvider(cfg.OpenAIAPIKey, modelID)
			providers[p.Name()] = p
		case strings.HasPrefix(modelID, "gemini") && cfg.GeminiAPIKey != "":
			if p, err := dispatch.NewGeminiProvider(ctx, cfg.GeminiAPIKey, modelID); err == nil {
				providers[p.Name()] = p
			}
		case strings.HasPrefix(modelID, "anthropic.") && cfg.BedrockRegion != "":
			if p, err := dispatch.NewBedrockProvider(ctx, cfg.BedrockRegion, modelID); err == nil {
				providers[p.Name()] = p
			}
		}
	}
	return providers
}

// handleInbound implements channel.InboundHandler: it appends a User entry
// and, for terminal/awaiting-input sessions, reactivates and (re)starts the
// loop, or marks the session Interrupted.
func (rt *runtime) handleInbound(ctx context.Context, sessionID string, in channel.Inbound) error {
	switch in.Type {
	case channel.InboundInterrupt:
		return rt.supervisor.Interrupt(ctx, sessionID)
	case channel.InboundUserInput:
		wire := make([]wireAttachment, 0, len(in.Attachments))
		for _, a := range in.Attachments {
			wire = append(wire, wireAttachment{Title: a.Title, Kind: a.Kind, Content: a.Content, URI: a.URI, MIME: a.MIME})
		}
		attachments := toModelAttachments(wire)
		message, err := model.FormatMessage(in.Instruction, attachments)
		if err != nil {
			return err
		}
		var reactivate bool
		if err := rt.store.WithSession(ctx, sessionID, func(s *model.Session) error {
			s.History = append(s.History, model.ConversationEntry{
				Sender:      model.SenderUser,
				Message:     message,
				Timestamp:   time.Now(),
				Attachments: attachments,
			})
			if s.Status.Terminal() {
				s.Status = model.StatusPending
				s.ResearchGoal = message
				reactivate = true
			}
			return nil
		}); err != nil {
			return err
		}
		if reactivate {
			return rt.supervisor.Start(ctx, sessionID)
		}
		return nil
	default:
		return fmt.Errorf("rasd: unknown inbound frame type %q", in.Type)
	}
}

func runServe(ctx context.Context) error {
	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = rt.tracerShutdown(context.Background())
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rt.supervisor.Reconcile(ctx); err != nil {
		rt.logger.Error(ctx, "rasd: boot reconciliation failed", "error", err)
	}
	rt.supervisor.RunTimeouts(ctx, rt.cfg.Session.DefaultTimeLimit/4)
	rt.cache.StartSweeper(ctx)

	if err := config.Watch(ctx, configPath, 500*time.Millisecond, func(reloaded *config.Config) {
		rt.logger.SetLevel(logging.ParseLevel(reloaded.Logging.Level))
		rt.logger.Info(ctx, "rasd: reloaded logging level", "level", reloaded.Logging.Level)
	}); err != nil {
		rt.logger.Warn(ctx, "rasd: config hot-reload watch unavailable", "error", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/research", rt.handleCreateResearch)
	mux.HandleFunc("/session/", rt.handleSessionRoutes)

	httpServer := &http.Server{Addr: rt.cfg.Server.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	rt.logger.Info(ctx, "rasd: listening", "addr", rt.cfg.Server.Addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
