package broker

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/dshills/warden/internal/metrics"
	"github.com/dshills/warden/internal/plugin/archive"
	"github.com/dshills/warden/internal/plugin/security"
	"github.com/dshills/warden/internal/plugin/trust"
)

// Verifier resolves an archive's trust.
type Verifier interface {
	Verify(ctx context.Context, a *archive.Archive) *trust.Report
}

// Decider makes the broker's grant decisions.
type Decider struct {
	grants   *GrantCache
	verifier Verifier
	prompter Prompter

	autoAcceptTrusted bool
	policy            *Policy

	logger  *slog.Logger
	metrics *metrics.Metrics

	// promptMu keeps one prompt on screen at a time.
	promptMu sync.Mutex
}

// DeciderOption configures a Decider.
type DeciderOption func(*Decider)

// WithAutoAcceptTrusted grants trusted archives without prompting.
func WithAutoAcceptTrusted(v bool) DeciderOption {
	return func(d *Decider) {
		d.autoAcceptTrusted = v
	}
}

// WithPolicy grants trusted archives the policy allows without prompting.
func WithPolicy(p *Policy) DeciderOption {
	return func(d *Decider) {
		d.policy = p
	}
}

// WithDeciderLogger sets the logger.
func WithDeciderLogger(l *slog.Logger) DeciderOption {
	return func(d *Decider) {
		d.logger = l
	}
}

// WithDeciderMetrics records decisions.
func WithDeciderMetrics(m *metrics.Metrics) DeciderOption {
	return func(d *Decider) {
		d.metrics = m
	}
}

// NewDecider creates a decider. verifier may be nil, in which case every
// archive is treated as unsigned.
func NewDecider(grants *GrantCache, verifier Verifier, prompter Prompter, opts ...DeciderOption) *Decider {
	d := &Decider{
		grants:   grants,
		verifier: verifier,
		prompter: prompter,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Request decides an elevation request: a recorded grant wins, then
// auto-acceptance of trusted archives, then the operator.
func (d *Decider) Request(ctx context.Context, req Request) bool {
	logger := d.logger.With("id", req.ID, "plugin", req.PluginPath)

	a, err := archive.Open(req.PluginPath)
	if err != nil {
		logger.Warn("cannot read plugin archive", "error", err)
		d.metrics.Decided(string(TypeRequest), "unreadable")
		return false
	}
	hash := a.ContentHash()
	if d.grants.Has(hash) {
		d.metrics.Decided(string(TypeRequest), "granted-cached")
		return true
	}

	var report *trust.Report
	if d.verifier != nil {
		report = d.verifier.Verify(ctx, a)
	}
	verdict := report.Verdict()

	name := req.PluginPath
	if desc, err := a.Descriptor(); err == nil {
		name = desc.Name
	}
	authority := ""
	if report != nil && report.Signature != nil {
		authority = report.Signature.Authority
	}

	if verdict == trust.Trusted && d.autoAccept(logger, PolicyInput{
		Plugin:    req.PluginPath,
		Name:      name,
		Authority: authority,
		Verdict:   verdict.String(),
		Trusted:   true,
		Reason:    req.Reason,
	}) {
		if err := d.grants.Add(hash); err != nil {
			logger.Error("persist grant", "error", err)
		}
		logger.Info("elevation auto-accepted", "authority", authority)
		d.metrics.Decided(string(TypeRequest), "granted-auto")
		return true
	}

	claimed := ""
	if req.Signature != nil {
		claimed = req.Signature.Authority
	}
	if authority == "" {
		authority = claimed
	}
	prompt := Prompt{
		PluginPath: req.PluginPath,
		Name:       name,
		Authority:  authority,
		Verdict:    verdict,
		Risk:       security.Assess(verdict, claimed),
		Reason:     req.Reason,
	}

	d.promptMu.Lock()
	ok, err := d.prompter.Confirm(ctx, prompt)
	d.promptMu.Unlock()
	if err != nil {
		logger.Warn("consent prompt failed", "error", err)
		d.metrics.Decided(string(TypeRequest), "denied")
		return false
	}
	if !ok {
		logger.Info("elevation denied by operator", "risk", prompt.Risk.Level)
		d.metrics.Decided(string(TypeRequest), "denied")
		return false
	}
	if err := d.grants.Add(hash); err != nil {
		logger.Error("persist grant", "error", err)
	}
	logger.Info("elevation granted by operator", "risk", prompt.Risk.Level)
	d.metrics.Decided(string(TypeRequest), "granted")
	return true
}

func (d *Decider) autoAccept(logger *slog.Logger, in PolicyInput) bool {
	if d.autoAcceptTrusted {
		return true
	}
	ok, err := d.policy.Allows(in)
	if err != nil {
		logger.Warn("auto-accept policy failed", "error", err)
		return false
	}
	return ok
}

// Check reports a recorded grant. It never prompts.
func (d *Decider) Check(_ context.Context, c Check) bool {
	a, err := archive.Open(c.PluginPath)
	if err != nil {
		d.metrics.Decided(string(TypeCheck), "unreadable")
		return false
	}
	granted := d.grants.Has(a.ContentHash())
	if granted {
		d.metrics.Decided(string(TypeCheck), "granted")
	} else {
		d.metrics.Decided(string(TypeCheck), "denied")
	}
	return granted
}
