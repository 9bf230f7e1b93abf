// Package main is the entry point for the warden privilege broker.
//
// The host starts the broker as a child process. The broker prints
// "READY <port>" on stdout once it is listening, prompts on the terminal
// the host was started from, and remembers grants in the grant file.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/dshills/warden/internal/broker"
	"github.com/dshills/warden/internal/logging"
	"github.com/dshills/warden/internal/metrics"
	"github.com/dshills/warden/internal/plugin/trust"
)

// Version information (set via ldflags during build).
var version = "dev"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "warden-broker: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "warden-broker",
		Usage:   "grant elevated trust to warden plugins",
		Version: version,
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "port", Usage: "loopback port to listen on (0 picks one)"},
			&cli.StringFlag{Name: "token", Usage: "session token clients must present", Required: true, EnvVars: []string{"WARDEN_BROKER_TOKEN"}},
			&cli.StringFlag{Name: "grants", Usage: "grant file", Required: true},
			&cli.BoolFlag{Name: "auto-accept-trusted", Usage: "grant trusted plugins without prompting"},
			&cli.StringFlag{Name: "policy", Usage: "CEL expression that auto-accepts trusted plugins when it holds (alternative to --auto-accept-trusted)"},
			&cli.StringFlag{Name: "authority-url", Usage: "base URL of the authority server"},
			&cli.StringFlag{Name: "authority-cache", Usage: "authority cache file"},
			&cli.DurationFlag{Name: "authority-ttl", Value: 24 * time.Hour, Usage: "authority cache lifetime"},
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "log level (debug, info, warn, error)"},
		},
		Action: serve,
	}
}

func serve(c *cli.Context) error {
	// stdout carries the ready line; logs go to stderr.
	log, err := logging.New(logging.Config{Level: c.String("log-level"), Outputs: []string{"stderr"}})
	if err != nil {
		return err
	}
	defer log.Close()

	grants, err := broker.OpenGrantCache(c.String("grants"))
	if err != nil {
		return err
	}
	defer grants.Close()

	m := metrics.New()
	opts := []broker.DeciderOption{
		broker.WithAutoAcceptTrusted(c.Bool("auto-accept-trusted")),
		broker.WithDeciderLogger(log.WithComponent("decider")),
		broker.WithDeciderMetrics(m),
	}
	if expr := c.String("policy"); expr != "" {
		policy, err := broker.CompilePolicy(expr)
		if err != nil {
			return err
		}
		opts = append(opts, broker.WithPolicy(policy))
	}

	verifier := trust.NewVerifier(newAuthorityCache(c, log), trust.WithVerifierLogger(log.WithComponent("trust")))
	prompter := broker.NewTerminalPrompter(os.Stdin, os.Stderr)
	decider := broker.NewDecider(grants, verifier, prompter, opts...)

	ln, err := broker.Listen(c.Int("port"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := broker.NewServer(decider, c.String("token"),
		broker.WithServerLogger(log.WithComponent("broker")),
		broker.WithMetricsHandler(m.Handler()),
	)
	if err := server.Serve(ctx, ln, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newAuthorityCache(c *cli.Context, log *logging.Logger) *trust.AuthorityCache {
	opts := []trust.AuthorityCacheOption{
		trust.WithTTL(c.Duration("authority-ttl")),
		trust.WithCacheLogger(log.WithComponent("authority")),
	}
	if path := c.String("authority-cache"); path != "" {
		opts = append(opts, trust.WithCacheFile(path))
	}
	if url := c.String("authority-url"); url != "" {
		opts = append(opts, trust.WithFetcher(&trust.HTTPFetcher{BaseURL: url}))
	}
	return trust.NewAuthorityCache(opts...)
}
