package broker

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/dshills/warden/internal/metrics"
	"github.com/dshills/warden/internal/plugin/trust"
)

// LauncherConfig describes how to run the broker process.
type LauncherConfig struct {
	// Executable is the broker binary.
	Executable string
	// Args are passed before --port and --token.
	Args []string
	// Env is appended to the parent's environment.
	Env []string
	// StartTimeout bounds the wait for the ready line.
	StartTimeout time.Duration
	// RequestTimeout bounds each request.
	RequestTimeout time.Duration
	// MaxRestarts is the restart budget for one run of the host.
	MaxRestarts int
}

// Launcher owns the broker process and restarts it when it dies, until the
// restart budget is spent. It then fails every call with ErrBrokerDown.
type Launcher struct {
	cfg     LauncherConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	output  io.Writer
	backoff func() backoff.BackOff

	mu       sync.Mutex
	proc     *process
	client   *Client
	started  bool
	restarts int
	down     bool
}

// LauncherOption configures a Launcher.
type LauncherOption func(*Launcher)

// WithLauncherLogger sets the logger.
func WithLauncherLogger(l *slog.Logger) LauncherOption {
	return func(la *Launcher) {
		la.logger = l
	}
}

// WithLauncherMetrics records restarts.
func WithLauncherMetrics(m *metrics.Metrics) LauncherOption {
	return func(la *Launcher) {
		la.metrics = m
	}
}

// WithBrokerOutput receives the broker's stdout after the ready line.
func WithBrokerOutput(w io.Writer) LauncherOption {
	return func(la *Launcher) {
		la.output = w
	}
}

// WithBackOff sets the delay policy between restart attempts.
func WithBackOff(newBackOff func() backoff.BackOff) LauncherOption {
	return func(la *Launcher) {
		la.backoff = newBackOff
	}
}

// NewLauncher creates a launcher. Nothing runs until Start or the first call.
func NewLauncher(cfg LauncherConfig, opts ...LauncherOption) *Launcher {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	l := &Launcher{
		cfg:    cfg,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		output: os.Stderr,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start launches the broker.
func (l *Launcher) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.ensure(ctx)
	return err
}

// ensure returns a live client, starting or restarting the broker as
// needed. Called with mu held.
func (l *Launcher) ensure(ctx context.Context) (*Client, error) {
	if l.down {
		return nil, ErrBrokerDown
	}
	if l.client != nil {
		select {
		case <-l.client.Done():
		default:
			return l.client, nil
		}
		l.logger.Warn("broker connection lost", "pid", l.pid())
		proc := l.proc
		l.shutdown()
		if proc != nil {
			l.logger.Debug("broker exited", "process", proc.ID, "error", proc.ExitError())
		}
	}

	if !l.started {
		l.started = true
		err := l.launch(ctx)
		if err == nil {
			return l.client, nil
		}
		l.logger.Warn("broker start failed", "error", err)
	}

	remaining := l.cfg.MaxRestarts - l.restarts
	if remaining <= 0 {
		l.down = true
		l.logger.Error("broker restart budget spent", "restarts", l.restarts)
		return nil, ErrBrokerDown
	}

	op := func() error {
		l.restarts++
		l.metrics.Restarted()
		return l.launch(ctx)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(l.backoff(), uint64(remaining-1)), ctx)
	notify := func(err error, wait time.Duration) {
		l.logger.Warn("broker restart failed", "error", err, "retry_in", wait)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if l.restarts >= l.cfg.MaxRestarts {
			l.down = true
		}
		return nil, fmt.Errorf("%w: %v", ErrBrokerDown, err)
	}
	l.logger.Info("broker restarted", "restarts", l.restarts)
	return l.client, nil
}

// launch starts one broker process and connects to it. Called with mu held.
func (l *Launcher) launch(ctx context.Context) error {
	port, err := freePort()
	if err != nil {
		return err
	}
	token := uuid.NewString()
	id := uuid.NewString()

	args := append(append([]string{}, l.cfg.Args...), "--port", strconv.Itoa(port), "--token", token)
	cmd := exec.Command(l.cfg.Executable, args...)
	cmd.Env = append(os.Environ(), l.cfg.Env...)
	cmd.Stdin = os.Stdin
	cmd.Stderr = os.Stderr

	proc, err := startProcess(ctx, id, cmd, port, l.cfg.StartTimeout, l.output)
	if err != nil {
		return err
	}

	client, err := Dial(ctx, fmt.Sprintf("ws://127.0.0.1:%d/ipc", port), token,
		WithRequestTimeout(l.cfg.RequestTimeout),
		WithClientLogger(l.logger),
	)
	if err != nil {
		proc.Stop(time.Second)
		return err
	}

	l.proc = proc
	l.client = client
	l.logger.Info("broker started", "pid", l.pid(), "port", port, "process", id)
	return nil
}

// shutdown closes the client and stops the process. Called with mu held.
func (l *Launcher) shutdown() {
	if l.client != nil {
		_ = l.client.Close()
		l.client = nil
	}
	if l.proc != nil {
		l.proc.Stop(2 * time.Second)
		l.proc = nil
	}
}

func (l *Launcher) pid() int {
	if l.proc == nil || l.proc.cmd.Process == nil {
		return -1
	}
	return l.proc.cmd.Process.Pid
}

func (l *Launcher) current(ctx context.Context) (*Client, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ensure(ctx)
}

// Elevate asks the broker to grant elevated trust to the archive at path.
// Any broker failure is a denial and is returned alongside false.
func (l *Launcher) Elevate(ctx context.Context, pluginPath string, sig *trust.Signature, reason string) (bool, error) {
	client, err := l.current(ctx)
	if err != nil {
		return false, err
	}
	req := Request{PluginPath: pluginPath, Reason: reason}
	if sig != nil {
		req.Signature = &SignatureClaim{Authority: sig.Authority, Public: base64.StdEncoding.EncodeToString(sig.PublicKey)}
	}
	return client.RequestAccess(ctx, req)
}

// Check asks whether the archive at path holds a grant.
func (l *Launcher) Check(ctx context.Context, pluginPath string) (bool, error) {
	client, err := l.current(ctx)
	if err != nil {
		return false, err
	}
	return client.CheckAccess(ctx, pluginPath)
}

// Restarts returns how many times the broker was restarted.
func (l *Launcher) Restarts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.restarts
}

// Close stops the broker. Later calls fail with ErrBrokerDown.
func (l *Launcher) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.down = true
	l.shutdown()
	return nil
}

// kill terminates the broker process without touching the client; the
// client notices on its own.
func (l *Launcher) kill() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.proc == nil {
		return nil
	}
	return l.proc.Kill()
}

func freePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
