// Command polaris-gateway starts the Polaris protocol-translation gateway.
//
// It supports two modes:
//  1. default – holds the platform WebSocket session and serves the HTTP API,
//     /metrics and an /mcp HTTP endpoint
//  2. "stdio-mcp" – runs an MCP stdio server against a running gateway, or
//     starts an internal one on a loopback port if none answers
//
// Every flag can also be set through the environment (and a .env file), so
// existing deployments configured with SERVER, CONFIG and friends keep working.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"github.com/wricardo/polaris-gateway/api"
	"github.com/wricardo/polaris-gateway/gateway/config"
	"github.com/wricardo/polaris-gateway/gateway/envelope"
	"github.com/wricardo/polaris-gateway/gateway/ledger"
	"github.com/wricardo/polaris-gateway/metrics"
	"github.com/wricardo/polaris-gateway/transport/mcp"
	"github.com/wricardo/polaris-gateway/transport/websocket"
	"golang.ngrok.com/ngrok"
	ngrokConfig "golang.ngrok.com/ngrok/config"
	"golang.org/x/sync/errgroup"
)

// Version information
const (
	Version = "1.0.0"
	AppName = "Polaris Gateway"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Load .env file if it exists (ignore error if not found)
	envErr := godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := newApp()
	app.Before = func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
		log := newLogger(cmd.Bool("debug"))
		switch {
		case envErr == nil:
			log.Info().Msg("Loaded environment variables from .env file")
		case !os.IsNotExist(envErr):
			log.Warn().Err(envErr).Msg("Error loading .env file")
		}
		return ctx, nil
	}

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", AppName, err)
		os.Exit(1)
	}
}

// newApp builds the command tree. Flags read their environment variable when
// not given on the command line.
func newApp() *cli.Command {
	defaults := config.Default()

	return &cli.Command{
		Name:    "polaris-gateway",
		Usage:   "Translate HTTP GET requests into Polaris bot platform WebSocket envelopes",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Usage: "Platform WebSocket URL (ws:// or wss://)", Sources: cli.EnvVars("SERVER")},
			&cli.StringFlag{Name: "config", Usage: "Bot configuration JSON sent in the init envelope", Sources: cli.EnvVars("CONFIG")},
			&cli.StringFlag{Name: "config-file", Usage: "Bot configuration file (YAML or JSON)", Sources: cli.EnvVars("CONFIG_FILE")},
			&cli.StringFlag{Name: "default-user-id", Usage: "userId used when a notify request omits it", Sources: cli.EnvVars("DEFAULT_USER_ID")},
			&cli.StringFlag{Name: "default-personality", Value: defaults.DefaultPersonality, Usage: "Personality used when a notify request omits it", Sources: cli.EnvVars("DEFAULT_PERSONALITY")},
			&cli.StringFlag{Name: "default-chat-id", Usage: "chatId used when a request omits it", Sources: cli.EnvVars("DEFAULT_CHAT_ID")},
			&cli.StringFlag{Name: "default-target", Value: defaults.DefaultTarget, Usage: "Broadcast target used when a request omits it", Sources: cli.EnvVars("DEFAULT_TARGET")},
			&cli.StringFlag{Name: "platform", Value: defaults.Platform, Usage: "Platform tag sent in every envelope", Sources: cli.EnvVars("PLATFORM")},
			&cli.StringFlag{Name: "bot-username", Value: defaults.BotName, Usage: "Bot name and username sent in every envelope", Sources: cli.EnvVars("BOT_USERNAME")},
			&cli.StringFlag{Name: "host", Value: defaults.Host, Usage: "HTTP server host", Sources: cli.EnvVars("HOST")},
			&cli.IntFlag{Name: "port", Value: defaults.Port, Usage: "HTTP server port", Sources: cli.EnvVars("PORT")},
			&cli.DurationFlag{Name: "heartbeat-interval", Value: defaults.HeartbeatInterval, Usage: "Interval between ping envelopes", Sources: cli.EnvVars("HEARTBEAT_INTERVAL")},
			&cli.DurationFlag{Name: "reconnect-delay", Value: defaults.ReconnectDelay, Usage: "Delay before reconnecting after the session drops", Sources: cli.EnvVars("RECONNECT_DELAY")},
			&cli.DurationFlag{Name: "ready-timeout", Value: defaults.ReadyTimeout, Usage: "How long a request waits for the session to open", Sources: cli.EnvVars("READY_TIMEOUT")},
			&cli.DurationFlag{Name: "reply-timeout", Usage: "How long /message waits for a reply (0 waits while the session is up)", Sources: cli.EnvVars("REPLY_TIMEOUT")},
			&cli.BoolFlag{Name: "debug", Usage: "Enable debug logging", Sources: cli.EnvVars("DEBUG")},
			&cli.BoolFlag{Name: "ngrok", Usage: "Enable ngrok tunnel", Sources: cli.EnvVars("NGROK_ENABLED")},
			&cli.StringFlag{Name: "ngrok-auth", Usage: "Ngrok auth token", Sources: cli.EnvVars("NGROK_AUTHTOKEN", "NGROK_AUTH_TOKEN")},
			&cli.StringFlag{Name: "ngrok-domain", Usage: "Custom ngrok domain (optional)", Sources: cli.EnvVars("NGROK_DOMAIN")},
		},
		Action: runServer,
		Commands: []*cli.Command{
			{
				Name:    "stdio-mcp",
				Aliases: []string{"mcp-stdio", "mcp"},
				Usage:   "Run an MCP stdio server backed by the gateway HTTP API",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "api-url", Value: "http://localhost:3000", Usage: "Gateway to proxy to; an internal one starts if it does not answer", Sources: cli.EnvVars("API_URL")},
				},
				Action: runStdioMCP,
			},
		},
	}
}

// configFromCommand reads the resolved flag values into a Config.
func configFromCommand(cmd *cli.Command) *config.Config {
	return &config.Config{
		Server:             cmd.String("server"),
		BotConfig:          cmd.String("config"),
		ConfigFile:         cmd.String("config-file"),
		Platform:           cmd.String("platform"),
		BotName:            cmd.String("bot-username"),
		DefaultUserID:      cmd.String("default-user-id"),
		DefaultPersonality: cmd.String("default-personality"),
		DefaultChatID:      cmd.String("default-chat-id"),
		DefaultTarget:      cmd.String("default-target"),
		Host:               cmd.String("host"),
		Port:               cmd.Int("port"),
		HeartbeatInterval:  cmd.Duration("heartbeat-interval"),
		ReconnectDelay:     cmd.Duration("reconnect-delay"),
		ReadyTimeout:       cmd.Duration("ready-timeout"),
		ReplyTimeout:       cmd.Duration("reply-timeout"),
		Debug:              cmd.Bool("debug"),
	}
}

// newLogger writes human-readable logs to stderr, keeping stdout free for
// the MCP stdio transport.
func newLogger(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// gateway is one platform session plus the HTTP handler that fronts it.
type gateway struct {
	cfg     *config.Config
	log     zerolog.Logger
	manager *websocket.Manager
	handler http.Handler
}

// newGateway wires the session manager, API and /mcp endpoint. baseURL is
// where the /mcp tools send their REST calls.
func newGateway(cfg *config.Config, log zerolog.Logger, baseURL string) *gateway {
	metrics.InitMetrics()

	identity := envelope.DefaultIdentity(cfg.Platform)
	if cfg.BotName != "" {
		identity.Bot = cfg.BotName
		identity.User.Username = cfg.BotName
	}
	builder := envelope.NewBuilder(identity)

	pending := ledger.New(ledger.WithDepthObserver(metrics.SetPendingRequests))
	manager := websocket.NewManager(websocket.Options{
		URL:               cfg.Server,
		Platform:          cfg.Platform,
		Builder:           builder,
		BotConfig:         cfg.BotConfigJSON(),
		HeartbeatInterval: cfg.HeartbeatInterval,
		ReconnectDelay:    cfg.ReconnectDelay,
		ReadyTimeout:      cfg.ReadyTimeout,
		Logger:            log,
	}, pending)

	apiServer := api.NewServer(manager, api.Options{
		Builder: builder,
		Defaults: api.Defaults{
			ChatID:      cfg.DefaultChatID,
			UserID:      cfg.DefaultUserID,
			Personality: cfg.DefaultPersonality,
			Target:      cfg.DefaultTarget,
		},
		ReplyTimeout: cfg.ReplyTimeout,
		Logger:       log,
	})

	mcpClient := mcp.NewClient(baseURL, mcpTimeout(cfg))

	mainRouter := http.NewServeMux()
	mainRouter.Handle("/", apiServer)
	mainRouter.HandleFunc("/mcp", mcpHandler(mcpClient.GetMCPServer()))

	return &gateway{
		cfg:     cfg,
		log:     log,
		manager: manager,
		handler: mainRouter,
	}
}

// mcpTimeout covers the ready wait and the reply wait of one tool call.
func mcpTimeout(cfg *config.Config) time.Duration {
	timeout := cfg.ReadyTimeout + 15*time.Second
	if cfg.ReplyTimeout > 0 {
		timeout += cfg.ReplyTimeout
	}
	return timeout
}

// mcpHandler serves single JSON-RPC messages over HTTP POST.
func mcpHandler(mcpServer *server.MCPServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "Failed to read request", http.StatusBadRequest)
			return
		}
		defer r.Body.Close()

		response := mcpServer.HandleMessage(r.Context(), body)

		w.Header().Set("Content-Type", "application/json")
		responseData, err := json.Marshal(response)
		if err != nil {
			http.Error(w, "Failed to marshal response", http.StatusInternalServerError)
			return
		}
		w.Write(responseData)
	}
}

// tunnelOptions configures the optional ngrok tunnel.
type tunnelOptions struct {
	Enabled   bool
	AuthToken string
	Domain    string
}

// serve runs the session manager, the HTTP server on ln and the optional
// tunnel until ctx is cancelled or one of them fails.
func (gw *gateway) serve(ctx context.Context, ln net.Listener, tunnel tunnelOptions) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return gw.manager.Run(ctx)
	})

	// No WriteTimeout: /message holds its response until the platform replies.
	httpServer := &http.Server{
		Handler:           gw.handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g.Go(func() error {
		addr := ln.Addr().String()
		gw.log.Info().Str("addr", addr).Msg("HTTP server listening")
		gw.log.Info().Msgf("Message endpoint: http://%s/message?chatId=<id>&content=<text>", addr)
		gw.log.Info().Msgf("MCP endpoint: http://%s/mcp", addr)

		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		gw.log.Info().Msg("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return nil
	})

	if tunnel.Enabled {
		g.Go(func() error {
			gw.runTunnel(ctx, tunnel)
			return nil
		})
	}

	err := g.Wait()
	gw.log.Info().Msg("Server stopped")
	return err
}

// runTunnel exposes the handler through ngrok. Failures are logged and leave
// the local listener running.
func (gw *gateway) runTunnel(ctx context.Context, opts tunnelOptions) {
	log := gw.log.With().Str("component", "ngrok").Logger()

	if opts.AuthToken == "" {
		log.Warn().Msg("Ngrok enabled but no auth token provided (use --ngrok-auth, NGROK_AUTHTOKEN, or NGROK_AUTH_TOKEN env var)")
		return
	}

	log.Info().Msg("Starting ngrok tunnel...")

	var endpoint ngrokConfig.Tunnel
	if opts.Domain != "" {
		endpoint = ngrokConfig.HTTPEndpoint(ngrokConfig.WithDomain(opts.Domain))
		log.Info().Str("domain", opts.Domain).Msg("Using custom ngrok domain")
	} else {
		endpoint = ngrokConfig.HTTPEndpoint()
	}

	tun, err := ngrok.Listen(ctx, endpoint, ngrok.WithAuthtoken(opts.AuthToken))
	if err != nil {
		log.Error().Err(err).Msg("Failed to start ngrok tunnel")
		return
	}

	go func() {
		<-ctx.Done()
		if err := tun.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close ngrok tunnel")
		}
	}()

	log.Info().Str("url", tun.URL()).Msg("Ngrok tunnel established")
	log.Info().Msgf("  Message endpoint (ngrok): %s/message", tun.URL())
	log.Info().Msgf("  MCP endpoint (ngrok): %s/mcp", tun.URL())

	if err := http.Serve(tun, gw.handler); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("Ngrok server error")
	}
	log.Info().Msg("Ngrok tunnel closed")
}

// runServer is the default command.
func runServer(ctx context.Context, cmd *cli.Command) error {
	cfg := configFromCommand(cmd)
	log := newLogger(cfg.Debug)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	log.Info().
		Str("version", Version).
		Str("server", cfg.Server).
		Str("platform", cfg.Platform).
		Msgf("Starting %s", AppName)

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Addr()).Msg("Failed to listen")
	}

	gw := newGateway(cfg, log, fmt.Sprintf("http://127.0.0.1:%d", cfg.Port))
	return gw.serve(ctx, ln, tunnelOptions{
		Enabled:   cmd.Bool("ngrok"),
		AuthToken: cmd.String("ngrok-auth"),
		Domain:    cmd.String("ngrok-domain"),
	})
}

// apiAvailable reports whether a gateway answers /health at baseURL.
func apiAvailable(ctx context.Context, baseURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// runStdioMCP serves MCP over stdio. It reuses the gateway at --api-url when
// one answers, otherwise it starts an internal gateway on a random loopback
// port from the same configuration.
func runStdioMCP(ctx context.Context, cmd *cli.Command) error {
	cfg := configFromCommand(cmd)
	log := newLogger(cfg.Debug)

	baseURL := cmd.String("api-url")
	log.Info().Str("url", baseURL).Msg("Checking for external gateway")

	if apiAvailable(ctx, baseURL) {
		log.Info().Str("url", baseURL).Msg("External gateway found, using it for MCP")
	} else {
		log.Info().Msg("No external gateway found, starting internal HTTP server")

		if err := cfg.Validate(); err != nil {
			log.Fatal().Err(err).Msg("Invalid configuration")
		}

		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to get available port")
		}
		baseURL = "http://" + ln.Addr().String()

		gw := newGateway(cfg, log, baseURL)
		go func() {
			if err := gw.serve(ctx, ln, tunnelOptions{}); err != nil {
				log.Error().Err(err).Msg("Internal gateway error")
			}
		}()
	}

	mcpClient := mcp.NewClient(baseURL, mcpTimeout(cfg))
	log.Info().Msg("MCP stdio server ready")

	if err := server.ServeStdio(mcpClient.GetMCPServer()); err != nil {
		return fmt.Errorf("mcp stdio server: %w", err)
	}
	return nil
}
