package debugger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/bingosuite/inspector/config"
	"github.com/bingosuite/inspector/internal/logging"
)

// Launcher runs the debuggee script with its debug port open so a Link can attach to it.
type Launcher struct {
	cfg  config.SessionConfig
	port int
	log  *zap.SugaredLogger

	mu     sync.Mutex
	cmd    *exec.Cmd
	exited chan error
}

func NewLauncher(cfg config.SessionConfig, debugPort int, log *zap.SugaredLogger) *Launcher {
	return &Launcher{
		cfg:    cfg,
		port:   debugPort,
		log:    logging.OrNop(log),
		exited: make(chan error, 1),
	}
}

// validateScriptPath resolves path to an absolute path and confirms it is a
// regular file, so a typo fails here rather than as an opaque runtime error.
func validateScriptPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("no script to debug")
	}

	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("invalid script path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("script path %q not accessible: %w", abs, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("script path %q is not a regular file", abs)
	}

	return abs, nil
}

func debugFlag(brk bool, port int) string {
	if brk {
		return fmt.Sprintf("--debug-brk=%d", port)
	}
	return fmt.Sprintf("--debug=%d", port)
}

// Args is the argument list passed to the runtime for script.
func (l *Launcher) Args(script string) []string {
	args := make([]string, 0, len(l.cfg.NodeArgs)+len(l.cfg.Args)+2)
	args = append(args, l.cfg.NodeArgs...)
	args = append(args, debugFlag(l.cfg.Brk, l.port), script)
	args = append(args, l.cfg.Args...)
	return args
}

// Start launches the configured script. The process is killed if ctx is cancelled.
func (l *Launcher) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cmd != nil {
		return fmt.Errorf("debuggee already started")
	}

	script, err := validateScriptPath(l.cfg.File)
	if err != nil {
		l.log.Warnw("Rejected debuggee script", "file", l.cfg.File, "error", err)
		return err
	}

	runtime := l.cfg.Node
	if runtime == "" {
		runtime = "node"
	}

	cmd := exec.CommandContext(ctx, runtime, l.Args(script)...)
	if l.cfg.FwdIO {
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start debuggee %s: %w", script, err)
	}
	l.cmd = cmd
	l.log.Infow("Debuggee started", "pid", cmd.Process.Pid, "script", script, "brk", l.cfg.Brk, "port", l.port)

	go func() {
		err := cmd.Wait()
		if err != nil {
			l.log.Infow("Debuggee exited", "pid", cmd.Process.Pid, "error", err)
		} else {
			l.log.Infow("Debuggee exited", "pid", cmd.Process.Pid)
		}
		l.exited <- err
		close(l.exited)
	}()

	return nil
}

// Exited receives the debuggee's exit status once, then closes.
func (l *Launcher) Exited() <-chan error {
	return l.exited
}

func (l *Launcher) PID() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cmd == nil || l.cmd.Process == nil {
		return 0
	}
	return l.cmd.Process.Pid
}

// Stop kills the debuggee if it is still running.
func (l *Launcher) Stop() error {
	l.mu.Lock()
	cmd := l.cmd
	l.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to stop debuggee: %w", err)
	}
	return nil
}
