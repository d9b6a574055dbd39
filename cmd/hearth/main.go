// Hearth is a voice-command orchestrator for Home Assistant.
//
// It turns transcribed speech into Home Assistant service calls:
// utterances are classified, matching devices are retrieved from a
// local vector index, an LLM drafts the service calls, and the user
// confirms with a yes or no before anything runs. Configuration is
// loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	hearth serve             Start the API server
//	hearth init [dir]        Initialize a working directory with defaults
//	hearth ask <text>        Process a single utterance (for testing)
//	hearth rebuild           Rebuild the device vector index and exit
//	hearth version           Print version and build information
//	hearth -o json version   Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/emberhall/hearth/internal/api"
	"github.com/emberhall/hearth/internal/buildinfo"
	"github.com/emberhall/hearth/internal/config"
	"github.com/emberhall/hearth/internal/embeddings"
	"github.com/emberhall/hearth/internal/events"
	"github.com/emberhall/hearth/internal/history"
	"github.com/emberhall/hearth/internal/homeassistant"
	"github.com/emberhall/hearth/internal/llm"
	"github.com/emberhall/hearth/internal/mqtt"
	"github.com/emberhall/hearth/internal/music"
	"github.com/emberhall/hearth/internal/orchestrator"
	"github.com/emberhall/hearth/internal/refine"
	"github.com/emberhall/hearth/internal/session"
	"github.com/emberhall/hearth/internal/synth"
	"github.com/emberhall/hearth/internal/vecindex"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the hearth command. All OS-level
// dependencies are injected as parameters: ctx controls the process
// lifetime, stdout and stderr receive all output, and args is
// os.Args[1:]. Arguments are parsed by hand — the flag package relies
// on package-level globals (flag.CommandLine), which makes it
// impossible to call run() concurrently from tests, and the argument
// surface is small enough that manual parsing is clearer than a CLI
// framework.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: hearth ask <text>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs)
	case "rebuild":
		return runRebuild(ctx, stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Hearth - Voice Command Orchestrator for Home Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: hearth [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask          Process a single utterance (for testing)")
	fmt.Fprintln(w, "  rebuild      Rebuild the device vector index and exit")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./hearth.yaml, ~/.config/hearth/hearth.yaml, /etc/hearth/hearth.yaml")
	return nil
}

// runAsk handles the "hearth ask <text>" subcommand. It boots the full
// pipeline without the HTTP server or MQTT publisher and processes one
// utterance, printing the response to stdout. Note that confirmation
// sessions do not survive across invocations, so "yes" must be sent
// through the server to actually execute anything.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	logger := newLogger(stdout, slog.LevelWarn)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	deps, err := buildPipeline(cfg, logger)
	if err != nil {
		return err
	}

	text := strings.Join(args, " ")
	result := deps.orch.Handle(ctx, text, "cli")

	fmt.Fprintln(stdout, result.Response)
	return nil
}

// runRebuild handles the "hearth rebuild" subcommand. It fetches the
// exposed entities from Home Assistant, embeds them, and persists the
// index to the data directory, then exits.
func runRebuild(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger.Info("config loaded", "path", cfgPath)

	deps, err := buildPipeline(cfg, logger)
	if err != nil {
		return err
	}

	rebuildCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()
	if err := deps.orch.Rebuild(rebuildCtx); err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}

	fmt.Fprintf(stdout, "Indexed %d documents\n", deps.index.Len())
	return nil
}

// pipeline bundles the components shared by the serve, ask, and
// rebuild subcommands.
type pipeline struct {
	ha       *homeassistant.Client
	haWS     *homeassistant.WSClient
	index    *vecindex.Store
	sessions *session.Store
	hist     *history.Log
	bus      *events.Bus
	orch     *orchestrator.Orchestrator
}

// buildPipeline constructs every component of the utterance pipeline
// from configuration. It creates the data directory, loads a persisted
// vector index if one exists, and wires the orchestrator.
func buildPipeline(cfg *config.Config, logger *slog.Logger) (*pipeline, error) {
	if cfg.HomeAssistant.URL == "" || cfg.HomeAssistant.Token == "" {
		return nil, fmt.Errorf("homeassistant.url and homeassistant.token are required")
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	ha := homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
	haWS := homeassistant.NewWSClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)

	llmClient := llm.NewOpenAIClient(cfg.LLM.BaseURL, cfg.LLM.APIKey)
	syn := synth.New(llmClient, cfg.LLM.Model, cfg.LLM.CmdModel, logger)

	embedder := embeddings.New(embeddings.Config{
		BaseURL:   cfg.Embeddings.BaseURL,
		APIKey:    cfg.Embeddings.APIKey,
		Model:     cfg.Embeddings.Model,
		BatchSize: cfg.Embeddings.BatchSize,
	})

	index := vecindex.New(cfg.DataDir, embedder, logger)
	if err := index.Load(); err != nil {
		logger.Warn("no persisted vector index, will build on first use", "error", err)
	} else {
		logger.Info("vector index loaded", "documents", index.Len())
	}

	refiner := refine.New(refine.Config{
		ExcludedDomains:  cfg.Retrieval.ExcludedDomains,
		PreferredDomains: cfg.Retrieval.PreferredDomains,
		RoomKeywords:     cfg.Retrieval.RoomKeywords,
	})

	musicClient := music.New(cfg.Spotify.ClientID, cfg.Spotify.ClientSecret, cfg.Spotify.Market, logger)

	bus := events.New()
	hist := history.New(cfg.DataDir, logger)
	sessions := session.NewStore(time.Duration(cfg.Session.TimeoutSec) * time.Second)
	resolver := session.NewResolver(sessions, ha, hist, bus, session.Config{
		YesWords: cfg.Session.YesWords,
		NoWords:  cfg.Session.NoWords,
	}, logger)

	orch := orchestrator.New(orchestrator.Config{
		TopK:         cfg.Retrieval.TopK,
		KeepN:        cfg.Retrieval.KeepN,
		SnippetLimit: cfg.Retrieval.SnippetLimit,
	}, syn, refiner, index, sessions, resolver, musicClient, ha, haWS, hist, bus, logger)

	// A query against an empty index triggers a rebuild through this
	// source instead of failing.
	index.SetSource(orch.CollectDocuments)

	return &pipeline{
		ha:       ha,
		haWS:     haWS,
		index:    index,
		sessions: sessions,
		hist:     hist,
		bus:      bus,
		orch:     orch,
	}, nil
}

// runServe handles the "hearth serve" subcommand. It is the primary
// operating mode: loads config, wires the pipeline, starts the HTTP
// API and the optional MQTT status publisher, and blocks until a
// shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Hearth", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that we know the desired level. The
	// initial Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.LLM.Model,
		"data_dir", cfg.DataDir,
	)

	deps, err := buildPipeline(cfg, logger)
	if err != nil {
		return err
	}

	// Verify Home Assistant is reachable. Not fatal — the API health
	// endpoint reports degraded status and requests fail gracefully
	// until HA comes back.
	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := deps.ha.Ping(pingCtx); err != nil {
		logger.Warn("Home Assistant unreachable at startup", "url", cfg.HomeAssistant.URL, "error", err)
	} else {
		logger.Info("connected to Home Assistant", "url", cfg.HomeAssistant.URL)
	}
	pingCancel()

	// --- Signal handling and graceful shutdown ---
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- MQTT status publisher ---
	// Optional: publishes HA MQTT discovery messages and periodic
	// sensor state updates so Hearth appears as a native HA device.
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

		collector := mqtt.NewCollector(nil)
		go collector.Run(ctx, deps.bus)

		statsAdapter := &mqttStatsAdapter{orch: deps.orch}
		onRebuild := func() {
			go func() {
				rebuildCtx, rebuildCancel := context.WithTimeout(context.Background(), 10*time.Minute)
				defer rebuildCancel()
				if err := deps.orch.Rebuild(rebuildCtx); err != nil {
					logger.Error("rebuild from mqtt button failed", "error", err)
				}
			}()
		}

		mqttPub = mqtt.New(cfg.MQTT, instanceID, collector, statsAdapter, onRebuild, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()

		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"interval", cfg.MQTT.PublishIntervalSec,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, deps.orch, deps.hist, deps.ha, logger)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		// Publish MQTT offline status before disconnecting.
		if mqttPub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := mqttPub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
		_ = deps.haWS.Close()
	}()

	// Start the API server. This blocks until the server is shut down
	// (via context cancellation or fatal error).
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Hearth stopped")
	return nil
}

// newLogger creates a structured text logger that writes to w at the
// given level. All log output goes through slog; this helper
// standardizes the handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
// Otherwise, [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// mqttStatsAdapter bridges build info and the orchestrator to the MQTT
// publisher's [mqtt.StatsSource] interface.
type mqttStatsAdapter struct {
	orch *orchestrator.Orchestrator
}

func (a *mqttStatsAdapter) Uptime() time.Duration { return buildinfo.Uptime() }
func (a *mqttStatsAdapter) Version() string       { return buildinfo.Version }
func (a *mqttStatsAdapter) ActiveSessions() int   { return a.orch.SessionCount() }
func (a *mqttStatsAdapter) IndexedDocuments() int { return a.orch.IndexedDocuments() }
