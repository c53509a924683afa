package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/nexushub/internal/agentregistry"
	"github.com/haasonsaas/nexushub/internal/chatproc"
	"github.com/haasonsaas/nexushub/internal/config"
	"github.com/haasonsaas/nexushub/internal/delegation"
	"github.com/haasonsaas/nexushub/internal/eventstore"
	"github.com/haasonsaas/nexushub/internal/external"
	"github.com/haasonsaas/nexushub/internal/history"
	"github.com/haasonsaas/nexushub/internal/hub"
	"github.com/haasonsaas/nexushub/internal/observability"
	"github.com/haasonsaas/nexushub/internal/scheduler"
	"github.com/haasonsaas/nexushub/internal/sessionindex"
	"github.com/haasonsaas/nexushub/internal/toolhost"
	"github.com/haasonsaas/nexushub/internal/toolhost/builtin"
	"github.com/haasonsaas/nexushub/internal/transport/ws"
	"github.com/haasonsaas/nexushub/pkg/model"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
		logFormat  string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the nexushubd Session Hub server",
		Long: `Start the nexushubd server: load the agents configuration, wire the
Session Hub and its collaborators (event store, session index, tool host,
scheduler, external-agent dispatcher), and listen for WebSocket clients.

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, logLevel, logFormat)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "nexushub.config.json", "Path to the agents JSON configuration file")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	cmd.Flags().StringVar(&logFormat, "log-format", "json", "Log format: json|text")
	return cmd
}

func buildValidateConfigCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate the agents configuration file without starting the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("ok: %d agent(s) configured\n", len(cfg.Agents))
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "nexushub.config.json", "Path to the agents JSON configuration file")
	return cmd
}

// wired bundles every Session Hub collaborator, built once by
// wireCollaborators and shared by the "serve" and admin (agents/sessions/
// schedule) subcommands so the wiring order lives in one place.
type wired struct {
	cfg      *config.Config
	env      config.ProcessEnv
	logger   *slog.Logger
	registry *agentregistry.Registry
	idx      *sessionindex.Index
	metrics  *observability.Metrics
	hub      *hub.Hub
	sched    *scheduler.Runner
	ext      *external.Dispatcher

	close func()
}

// wireCollaborators builds every Session Hub collaborator against configPath
// without starting the cron scheduler or an HTTP listener, so admin
// subcommands (agents list, sessions list, schedule trigger) can reuse the
// exact same construction path "serve" does. Call w.close() when done.
func wireCollaborators(configPath, logLevel, logFormat string) (*wired, error) {
	env := config.LoadProcessEnv()
	logger := observability.NewLogger(observability.LogConfig{Level: logLevel, Format: logFormat})

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	registry, err := agentregistry.New(cfg.Agents)
	if err != nil {
		return nil, fmt.Errorf("building agent registry: %w", err)
	}

	if err := os.MkdirAll(env.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir %q: %w", env.DataDir, err)
	}

	idx, err := sessionindex.Open(env.DataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("opening session index: %w", err)
	}

	events := eventstore.New(env.DataDir, logger)
	metrics := observability.NewMetrics()

	// tools is a swappable indirection: the Hub reads h.cfg.Tools on every
	// turn (via toolhost.NewScopedToolHost), so the agents_message tool —
	// which itself needs a *hub.Hub — can be wired in after hub.New returns
	// without requiring two-phase hub construction.
	tools := &swappableToolHost{}
	tools.set(buildToolHost(registry, idx, env.DataDir))

	historyRegistry := history.NewRegistry(
		history.NewCLIRolloutProvider(filepath.Join(env.DataDir, "cli-sessions"),
			[]string{string(model.ProviderClaudeCLI), string(model.ProviderCodexCLI), string(model.ProviderPiCLI)},
			!cfg.Sessions.MirrorsPiSessionHistory(), logger),
	)

	h := hub.New(hub.Config{
		Registry:             registry,
		Index:                idx,
		Events:               events,
		Tools:                tools,
		History:              historyRegistry,
		Providers:            buildProviderResolver(env),
		Metrics:              metrics,
		Logger:               logger,
		MaxCachedSessions:    cfg.Sessions.EffectiveMaxCached(),
		ToolCallWindowMs:     60_000,
		ToolCallMaxPerWindow: int64(env.MaxMessagesPerMinute),
	})

	delegationTool := &delegation.Tool{Registry: registry, Index: idx, Hub: h, Metrics: metrics}
	tools.set(toolhost.NewCompositeToolHost(tools.get(), toolhost.NewBaseToolHost(delegationTool)))

	sched := scheduler.New(scheduler.Config{
		Registry: registry,
		Index:    idx,
		Hub:      h,
		Metrics:  metrics,
		Logger:   logger,
	})

	var extDispatcher *external.Dispatcher
	if hasExternalAgents(cfg.Agents) {
		extDispatcher = &external.Dispatcher{Index: idx, Hub: h, Logger: logger}
	}

	return &wired{
		cfg:      cfg,
		env:      env,
		logger:   logger,
		registry: registry,
		idx:      idx,
		metrics:  metrics,
		hub:      h,
		sched:    sched,
		ext:      extDispatcher,
		close: func() {
			h.Close()
			idx.Close()
		},
	}, nil
}

// runServe wires every collaborator and blocks serving HTTP until the
// process receives SIGINT/SIGTERM.
func runServe(ctx context.Context, configPath, logLevel, logFormat string) error {
	w, err := wireCollaborators(configPath, logLevel, logFormat)
	if err != nil {
		return err
	}
	defer w.close()
	slog.SetDefault(w.logger)

	if err := w.sched.Start(); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer w.sched.Stop()

	extHandler := &external.Handler{Index: w.idx, Hub: w.hub, Logger: w.logger}

	mux := http.NewServeMux()
	mux.Handle("/ws", ws.NewServer(w.hub, w.registry, w.idx, w.ext, w.logger))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.Handle("/external/sessions/", http.StripPrefix("/external/sessions", stripSessionPrefixHandler(extHandler)))

	srv := &http.Server{Addr: ":" + w.env.Port, Handler: mux}

	shutdownCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		w.logger.Info("nexushubd: listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-shutdownCtx.Done():
		w.logger.Info("nexushubd: shutting down")
		ctxTimeout, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(ctxTimeout)
	case err := <-errCh:
		return err
	}
}

// stripSessionPrefixHandler adapts external.Handler's r.PathValue("sessionId")
// expectation (Go 1.22 ServeMux wildcard routing) onto a manually-built
// "/external/sessions/" subtree by re-registering the handler under a
// wildcard pattern on a dedicated mux, since http.StripPrefix alone does
// not populate path values.
func stripSessionPrefixHandler(h http.Handler) http.Handler {
	m := http.NewServeMux()
	m.Handle("/{sessionId}/messages", h)
	return m
}

func hasExternalAgents(agents []model.AgentDefinition) bool {
	for _, a := range agents {
		if a.Type == model.AgentTypeExternal {
			return true
		}
	}
	return false
}

// buildToolHost returns a BaseToolHost holding the illustrative built-in
// tools (read_file, write_file, exec, list_sessions). The agents_message
// delegation tool is composed on top of it later, in wireCollaborators,
// once the hub exists. No MCP or plugin tools are attached; mcpServers
// config is parsed but not dialed here.
func buildToolHost(registry *agentregistry.Registry, idx *sessionindex.Index, dataDir string) toolhost.Host {
	workspace := filepath.Join(dataDir, "workspace")
	_ = os.MkdirAll(workspace, 0o755)

	base := toolhost.NewBaseToolHost(
		&builtin.ReadFileTool{Root: workspace, MaxReadBytes: 1 << 20},
		&builtin.WriteFileTool{Root: workspace},
		&builtin.ExecTool{Workspace: workspace, DefaultTimeout: 30 * time.Second, MaxOutputBytes: 64 * 1024},
		&builtin.ListSessionsTool{Index: idx},
	)
	return base
}

// buildProviderResolver maps an agent's configured chat provider to a
// concrete chatproc.Provider. CLI-backed providers (claude-cli, codex-cli,
// pi-cli) are out of scope here per spec §1 ("concrete chat-provider
// implementations... are external collaborators"); only the in-process
// OpenAI/Anthropic HTTP providers are wired.
func buildProviderResolver(env config.ProcessEnv) hub.ProviderResolver {
	return func(agent *model.AgentDefinition) (chatproc.Provider, string, error) {
		if agent.Chat == nil {
			return nil, "", model.NewError(model.ErrAgentNotAvailable, "agent %q has no chat config", agent.AgentID)
		}
		modelName := ""
		if len(agent.Chat.Models) > 0 {
			modelName = agent.Chat.Models[0]
		}
		switch agent.Chat.Provider {
		case model.ProviderOpenAI:
			if env.OpenAIAPIKey == "" {
				return nil, "", model.NewError(model.ErrAgentNotAvailable, "agent %q: OPENAI_API_KEY not set", agent.AgentID)
			}
			if modelName == "" {
				modelName = "gpt-4o-mini"
			}
			return chatproc.NewOpenAIProvider(env.OpenAIAPIKey, modelName), modelName, nil
		case model.ProviderOpenAICompatible:
			baseURL, _ := agent.Chat.Config["baseUrl"].(string)
			if modelName == "" {
				modelName = "default"
			}
			return chatproc.NewOpenAICompatibleProvider(env.OpenAIAPIKey, baseURL, modelName), modelName, nil
		case model.ProviderPi:
			if env.AnthropicAPIKey == "" {
				return nil, "", model.NewError(model.ErrAgentNotAvailable, "agent %q: ANTHROPIC_API_KEY not set", agent.AgentID)
			}
			if modelName == "" {
				modelName = "claude-sonnet-4-5"
			}
			return chatproc.NewAnthropicProvider(env.AnthropicAPIKey, modelName), modelName, nil
		default:
			return nil, "", model.NewError(model.ErrAgentNotAvailable, "agent %q: provider %q is a CLI-subprocess backend outside this process's scope", agent.AgentID, agent.Chat.Provider)
		}
	}
}

// swappableToolHost lets buildToolHost's result be extended after
// construction (see the comment in wireCollaborators). Safe for concurrent use
// since the Hub may be dispatching turns on other goroutines while this is
// swapped in once during startup.
type swappableToolHost struct {
	mu   sync.RWMutex
	host toolhost.Host
}

func (s *swappableToolHost) set(h toolhost.Host) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.host = h
}

func (s *swappableToolHost) get() toolhost.Host {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.host
}

func (s *swappableToolHost) ListTools() []toolhost.Spec {
	return s.get().ListTools()
}

func (s *swappableToolHost) CallTool(cc toolhost.CallContext, name string, args json.RawMessage) (json.RawMessage, error) {
	return s.get().CallTool(cc, name, args)
}
