package upstream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/haasonsaas/conduit/pkg/models"
)

// StdioTransport runs the upstream as a subprocess and exchanges
// line-delimited JSON frames over its stdin/stdout.
type StdioTransport struct {
	server *models.Server
	logger *slog.Logger

	process *exec.Cmd
	stdin   io.WriteCloser
	stderr  io.ReadCloser

	onFrame func([]byte)
	onClose func(error)

	writeMu   sync.Mutex
	connected atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewStdioTransport creates a stdio transport for the server.
func NewStdioTransport(server *models.Server) *StdioTransport {
	return &StdioTransport{
		server: server,
		logger: slog.Default().With("server", server.ID, "transport", "stdio"),
	}
}

// OnFrame registers the inbound frame callback.
func (t *StdioTransport) OnFrame(fn func([]byte)) { t.onFrame = fn }

// OnClose registers the close callback.
func (t *StdioTransport) OnClose(fn func(error)) { t.onClose = fn }

// Connect starts the subprocess and the reader loop.
func (t *StdioTransport) Connect(ctx context.Context) error {
	cfg := t.server.Transport
	t.process = exec.Command(cfg.Command, cfg.Args...)

	t.process.Env = os.Environ()
	for k, v := range cfg.Env {
		t.process.Env = append(t.process.Env, fmt.Sprintf("%s=%s", k, v))
	}

	var err error
	t.stdin, err = t.process.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := t.process.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	t.stderr, _ = t.process.StderrPipe()

	if err := t.process.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}

	t.connected.Store(true)
	t.logger.Info("started upstream process",
		"command", cfg.Command,
		"pid", t.process.Process.Pid)

	t.wg.Add(1)
	go t.readLoop(stdout)

	if t.stderr != nil {
		t.wg.Add(1)
		go t.logStderr()
	}
	return nil
}

func (t *StdioTransport) readLoop(stdout io.Reader) {
	defer t.wg.Done()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if t.onFrame != nil {
			frame := make([]byte, len(line))
			copy(frame, line)
			t.onFrame(frame)
		}
	}

	err := scanner.Err()
	if t.connected.Swap(false) {
		// Unplanned exit: the process died or closed stdout.
		if err == nil {
			err = fmt.Errorf("upstream process closed stdout")
		}
		t.logger.Warn("stdio transport closed", "error", err)
		if t.onClose != nil {
			t.onClose(err)
		}
	}
}

func (t *StdioTransport) logStderr() {
	defer t.wg.Done()
	scanner := bufio.NewScanner(t.stderr)
	for scanner.Scan() {
		t.logger.Debug("upstream stderr", "line", scanner.Text())
	}
}

// Send writes one newline-terminated frame.
func (t *StdioTransport) Send(frame []byte) error {
	if !t.connected.Load() {
		return fmt.Errorf("not connected")
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(append(frame, '\n')); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Connected reports whether the subprocess is running.
func (t *StdioTransport) Connected() bool { return t.connected.Load() }

// Close kills the subprocess. The close callback is not invoked for a
// planned close.
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(func() {
		t.connected.Store(false)
		if t.stdin != nil {
			t.stdin.Close()
		}
		if t.process != nil && t.process.Process != nil {
			_ = t.process.Process.Kill()
		}
		t.wg.Wait()
	})
	return nil
}
