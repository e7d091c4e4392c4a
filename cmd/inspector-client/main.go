package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/bingosuite/inspector/config"
	"github.com/bingosuite/inspector/internal/logging"
	"github.com/bingosuite/inspector/pkg/client"
)

const (
	connectTimeout = 10 * time.Second
	prompt         = "inspector> "
)

var (
	configPath string
	serverAddr string
	sessionID  string
)

var rootCmd = &cobra.Command{
	Use:   "inspector-client",
	Short: "Interactive viewer for an inspector session",
	Long: `inspector-client attaches to an inspector server as one more viewer.
Type a debugger command, optionally followed by its JSON arguments, and every
message the session routes to this viewer is printed as it arrives.`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "config/config.yml", "path to the YAML config file")
	flags.StringVarP(&serverAddr, "server", "s", "", "inspector server host:port (defaults to server.addr)")
	flags.StringVar(&sessionID, "session", "", "existing session ID (optional)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultAddr(cfg *config.Config) string {
	if cfg == nil || cfg.Server.Addr == "" {
		return "localhost:8080"
	}
	if strings.HasPrefix(cfg.Server.Addr, ":") {
		return "localhost" + cfg.Server.Addr
	}
	return cfg.Server.Addr
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	// The REPL owns stdout, so only warnings and worse reach stderr.
	cfg.Logging.Level = "warn"
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	addr := serverAddr
	if addr == "" {
		addr = defaultAddr(cfg)
	}

	c := client.NewClient(addr, sessionID, log)
	if err := connect(cmd.Context(), c, addr); err != nil {
		return err
	}
	if err := c.Run(); err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	go printMessages(os.Stdout, c.Messages())

	if term.IsTerminal(int(os.Stdin.Fd())) {
		return interactive(c, log)
	}
	return scripted(c, os.Stdin)
}

func connect(ctx context.Context, c *client.Client, addr string) error {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if term.IsTerminal(int(os.Stdout.Fd())) {
		s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
		s.Suffix = " Waiting for inspector at " + addr
		s.Start()
		defer s.Stop()
	}
	return c.Connect(ctx)
}

func interactive(c *client.Client, log *zap.SugaredLogger) error {
	line := liner.NewLiner()
	defer func() { _ = line.Close() }()
	line.SetCtrlCAborts(true)
	line.SetCompleter(complete)

	fmt.Println(usage)
	for {
		select {
		case <-c.Done():
			fmt.Println("Session closed by server")
			return nil
		default:
		}

		input, err := line.Prompt(prompt)
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("prompt error: %w", err)
		}
		if strings.TrimSpace(input) != "" {
			line.AppendHistory(input)
		}

		quit, err := dispatch(c, input)
		if err != nil {
			log.Debugw("Command failed", "input", input, "error", err)
			fmt.Println(err.Error())
		}
		if quit {
			return nil
		}
	}
}

func scripted(c *client.Client, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		quit, err := dispatch(c, scanner.Text())
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
		}
		if quit {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stdin error: %w", err)
	}
	// Let the last responses arrive before closing.
	select {
	case <-c.Done():
	case <-time.After(time.Second):
	}
	return nil
}

func printMessages(w io.Writer, messages <-chan json.RawMessage) {
	for msg := range messages {
		fmt.Fprintln(w, formatMessage(msg))
	}
}
