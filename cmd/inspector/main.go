package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bingosuite/inspector/config"
	"github.com/bingosuite/inspector/internal/debugger"
	"github.com/bingosuite/inspector/internal/logging"
	"github.com/bingosuite/inspector/internal/sourcemap"
	"github.com/bingosuite/inspector/internal/ws"
)

const (
	shutdownTimeout = 5 * time.Second
	// A freshly spawned runtime needs a moment before its debug port accepts connections.
	launchConnectRetries = 5
)

var (
	configPath string
	debugPort  int
	webPort    int
	fwdIO      bool
	brk        bool
	file       string
)

var rootCmd = &cobra.Command{
	Use:   "inspector [flags] [script [args...]]",
	Short: "Bridge browser viewers to a remote debugger",
	Long: `inspector connects to a debugger listening on --debug-port and lets any
number of WebSocket viewers share that session. Given a script, it first
starts the script with its debugger enabled.`,
	Args:         cobra.ArbitraryArgs,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "config/config.yml", "path to the YAML config file")
	flags.IntVarP(&debugPort, "debug-port", "d", 0, "debugger port of the target")
	flags.IntVarP(&webPort, "web-port", "p", 0, "port viewers connect to")
	flags.BoolVar(&fwdIO, "fwdio", false, "forward the script's stdio")
	flags.BoolVarP(&brk, "brk", "b", false, "break on the first line of the script")
	flags.StringVarP(&file, "file", "f", "", "script to start under the debugger")
	// Everything after the script belongs to the script.
	flags.SetInterspersed(false)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("debug-port") {
		cfg.Debugger.Port = debugPort
	}
	if flags.Changed("web-port") {
		cfg.Server.SetWebPort(webPort)
	}
	if flags.Changed("fwdio") {
		cfg.Session.FwdIO = fwdIO
	}
	if flags.Changed("brk") {
		cfg.Session.Brk = brk
	}
	if flags.Changed("file") {
		cfg.Session.File = file
		cfg.Session.Args = args
	} else if len(args) > 0 {
		cfg.Session.File = args[0]
		cfg.Session.Args = args[1:]
	}
	if cfg.Session.File != "" && cfg.Debugger.ConnectRetries == 0 {
		cfg.Debugger.ConnectRetries = launchConnectRetries
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	maps := sourcemap.NewCache(&http.Client{}, cfg.SourceMap.FetchTimeout, log.Named("sourcemap"),
		sourcemap.WithFileAccess(cfg.SourceMap.AllowFile))
	server := ws.NewServer(cfg.Server.Addr, cfg.WebSocket, func() ws.Backend {
		return debugger.NewLink(cfg.Debugger, log.Named("debugger"))
	}, maps, log)

	var exited <-chan error
	if cfg.Session.File != "" {
		launcher := debugger.NewLauncher(cfg.Session, cfg.Debugger.Port, log.Named("launcher"))
		if err := launcher.Start(ctx); err != nil {
			return err
		}
		defer func() {
			if err := launcher.Stop(); err != nil {
				log.Warnw("Failed to stop debuggee", "error", err)
			}
		}()
		exited = launcher.Exited()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve() }()
	log.Infow("Inspector is now available", "addr", cfg.Server.Addr, "debugger", cfg.Debugger.Address())

	select {
	case <-ctx.Done():
		log.Infow("Signal received, shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case err := <-exited:
		log.Infow("Debuggee exited, shutting down", "error", err)
	}

	return shutdown(server, log)
}

func shutdown(server *ws.Server, log *zap.SugaredLogger) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("shutdown error: %w", err)
	}
	log.Infow("Shutdown complete")
	return nil
}
