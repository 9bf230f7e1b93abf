// Package main is the entry point for the warden plugin host.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "warden: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "path to warden.toml",
		EnvVars: []string{"WARDEN_CONFIG"},
	}
	return &cli.App{
		Name:    "warden",
		Usage:   "run sandboxed Lua plugins",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "load and enable every plugin until interrupted",
				Flags:  []cli.Flag{configFlag},
				Action: runHost,
			},
			{
				Name:      "sign",
				Usage:     "sign every unit of a plugin archive",
				ArgsUsage: "in.plugin",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "key", Usage: "PKCS#8 PEM private key", Required: true},
					&cli.StringFlag{Name: "authority", Usage: "authority name to sign as", Required: true},
					&cli.StringFlag{Name: "out", Usage: "signed archive path", Required: true},
				},
				Action: signArchive,
			},
			{
				Name:      "verify",
				Usage:     "print the trust verdict of a plugin archive",
				ArgsUsage: "in.plugin",
				Flags:     []cli.Flag{configFlag},
				Action:    verifyArchive,
			},
			{
				Name:  "keygen",
				Usage: "create an ed25519 signing key",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "out", Usage: "private key path", Required: true},
					&cli.StringFlag{Name: "authority", Usage: "also record the key under this authority name"},
					configFlag,
				},
				Action: generateKey,
			},
			{
				Name:      "check",
				Usage:     "ask the broker whether a plugin archive holds a grant",
				ArgsUsage: "in.plugin",
				Flags:     []cli.Flag{configFlag},
				Action:    checkGrant,
			},
		},
	}
}

func archiveArg(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", cli.Exit(fmt.Sprintf("usage: warden %s %s", c.Command.Name, c.Command.ArgsUsage), 2)
	}
	return c.Args().First(), nil
}
