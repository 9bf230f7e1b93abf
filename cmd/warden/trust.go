package main

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/dshills/warden/internal/broker"
	"github.com/dshills/warden/internal/plugin/archive"
	"github.com/dshills/warden/internal/plugin/security"
	"github.com/dshills/warden/internal/plugin/trust"
)

func signArchive(c *cli.Context) error {
	in, err := archiveArg(c)
	if err != nil {
		return err
	}
	priv, err := readPrivateKey(c.String("key"))
	if err != nil {
		return err
	}
	a, err := archive.Open(in)
	if err != nil {
		return err
	}
	w, err := trust.SignArchive(a, c.String("authority"), priv, time.Now())
	if err != nil {
		return err
	}
	if err := w.WriteFile(c.String("out")); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "signed %d units of %s as %s\n", len(a.Units()), in, c.String("authority"))
	return nil
}

func readPrivateKey(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM block", path)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, trust.ErrUnsupportedKey)
	}
	return signer, nil
}

func generateKey(c *cli.Context) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return err
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(c.String("out"), data, 0o600); err != nil {
		return err
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return err
	}

	if name := c.String("authority"); name != "" {
		cfg, log, err := loadConfig(c)
		if err != nil {
			return err
		}
		defer log.Close()
		path := cfg.DataPath(cfg.Trust.AuthorityCache)
		if path == "" {
			return errors.New("trust.authority_cache is not set")
		}
		cache := trust.NewAuthorityCache(trust.WithCacheFile(path), trust.WithTTL(cfg.Trust.AuthorityTTL.Duration))
		if err := cache.Store(&trust.Authority{Name: name, PublicKey: pubDER}); err != nil {
			return err
		}
	}
	fmt.Fprintln(c.App.Writer, base64.StdEncoding.EncodeToString(pubDER))
	return nil
}

func verifyArchive(c *cli.Context) error {
	in, err := archiveArg(c)
	if err != nil {
		return err
	}
	cfg, log, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer log.Close()

	a, err := archive.Open(in)
	if err != nil {
		return err
	}
	desc, err := a.Descriptor()
	if err != nil {
		return err
	}
	report := newVerifier(cfg, log).Verify(c.Context, a)
	verdict := report.Verdict()
	claimed := ""
	if report.Signature != nil {
		claimed = report.Signature.Authority
	}
	risk := security.Assess(verdict, claimed)

	out := c.App.Writer
	fmt.Fprintf(out, "plugin:   %s\n", desc)
	fmt.Fprintf(out, "identity: %s\n", desc.Identity().Short())
	if claimed != "" {
		fmt.Fprintf(out, "signer:   %s\n", claimed)
	}
	fmt.Fprintf(out, "verdict:  %s\n", verdict)
	fmt.Fprintf(out, "risk:     %s (%s)\n", risk.Level, risk.Summary)
	if report.Err != nil {
		fmt.Fprintf(out, "error:    %v\n", report.Err)
	}
	if report.Signed() {
		for _, name := range a.Units() {
			status := "ok"
			if err := report.Unit(name); err != nil {
				status = err.Error()
			}
			fmt.Fprintf(out, "unit %s: %s\n", name, status)
		}
	}
	if verdict != trust.Trusted {
		return cli.Exit("", 1)
	}
	return nil
}

func checkGrant(c *cli.Context) error {
	in, err := archiveArg(c)
	if err != nil {
		return err
	}
	cfg, log, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer log.Close()
	if cfg.Broker.Executable == "" {
		return errors.New("broker.executable is not set")
	}

	launcher := broker.NewLauncher(launcherConfig(cfg), broker.WithLauncherLogger(log.WithComponent("launcher")))
	defer launcher.Close()
	granted, err := launcher.Check(c.Context, absPath(in))
	if err != nil {
		return err
	}
	if granted {
		fmt.Fprintf(c.App.Writer, "%s: granted\n", in)
		return nil
	}
	fmt.Fprintf(c.App.Writer, "%s: not granted\n", in)
	return cli.Exit("", 1)
}
