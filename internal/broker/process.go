package broker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// ErrBrokerStart is returned when the broker process does not confirm it
// is listening.
var ErrBrokerStart = errors.New("broker: process did not start")

// process is one running broker child.
type process struct {
	ID   string
	Port int
	cmd  *exec.Cmd

	done     chan struct{}
	mu       sync.RWMutex
	exitErr  error
	waitOnce sync.Once
}

// startProcess starts cmd and blocks until it prints the ready line for
// port or timeout passes. Every other stdout line is copied to log.
func startProcess(ctx context.Context, id string, cmd *exec.Cmd, port int, timeout time.Duration, log io.Writer) (*process, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBrokerStart, err)
	}

	p := &process{ID: id, Port: port, cmd: cmd, done: make(chan struct{})}
	readDone := make(chan struct{})
	go p.waitLoop(readDone)

	ready := make(chan error, 1)
	go func() {
		defer close(readDone)
		scanner := bufio.NewScanner(stdout)
		confirmed := false
		for scanner.Scan() {
			line := scanner.Text()
			if !confirmed {
				if got, ok := parseReady(line); ok {
					confirmed = true
					if got != port {
						ready <- fmt.Errorf("%w: ready on port %d, want %d", ErrBrokerStart, got, port)
					} else {
						ready <- nil
					}
					continue
				}
			}
			fmt.Fprintln(log, line)
		}
		if !confirmed {
			ready <- fmt.Errorf("%w: exited before ready", ErrBrokerStart)
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-ready:
		if err != nil {
			p.Kill()
			return nil, err
		}
		return p, nil
	case <-timer.C:
		p.Kill()
		return nil, fmt.Errorf("%w: no ready line within %s", ErrBrokerStart, timeout)
	case <-ctx.Done():
		p.Kill()
		return nil, ctx.Err()
	}
}

func parseReady(line string) (int, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), ReadyPrefix+" ")
	if !ok {
		return 0, false
	}
	port, err := strconv.Atoi(strings.TrimSpace(rest))
	return port, err == nil
}

// waitLoop reaps the process once its output is drained.
func (p *process) waitLoop(readDone <-chan struct{}) {
	p.waitOnce.Do(func() {
		<-readDone
		err := p.cmd.Wait()
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(p.done)
	})
}

// Done is closed when the process exits.
func (p *process) Done() <-chan struct{} {
	return p.done
}

// ExitError returns the error from waiting on the process.
func (p *process) ExitError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitErr
}

// Running reports whether the process has not exited.
func (p *process) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Kill sends SIGKILL.
func (p *process) Kill() error {
	if !p.Running() || p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// Stop sends SIGTERM and kills the process if it has not exited after grace.
func (p *process) Stop(grace time.Duration) {
	if !p.Running() {
		return
	}
	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-p.done:
	case <-time.After(grace):
		_ = p.Kill()
		<-p.done
	}
}
