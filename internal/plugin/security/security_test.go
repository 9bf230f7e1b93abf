package security

import (
	"testing"

	"github.com/dshills/warden/internal/plugin/gate"
	"github.com/dshills/warden/internal/plugin/trust"
)

func TestAssess(t *testing.T) {
	tests := []struct {
		verdict trust.Verdict
		claimed string
		want    RiskLevel
	}{
		{trust.Trusted, "acme", RiskLow},
		{trust.UnknownAuthority, "acme", RiskMedium},
		{trust.Unsigned, "", RiskHigh},
		{trust.Unsigned, "acme", RiskCritical},
		{trust.Invalid, "", RiskCritical},
	}
	for _, tt := range tests {
		got := Assess(tt.verdict, tt.claimed)
		if got.Level != tt.want {
			t.Errorf("Assess(%v, %q) = %v, want %v", tt.verdict, tt.claimed, got.Level, tt.want)
		}
		if got.Summary == "" {
			t.Errorf("Assess(%v, %q) has no summary", tt.verdict, tt.claimed)
		}
	}
}

func TestRiskLevelString(t *testing.T) {
	tests := []struct {
		level RiskLevel
		want  string
	}{
		{RiskLow, "low"},
		{RiskMedium, "medium"},
		{RiskHigh, "high"},
		{RiskCritical, "critical"},
		{RiskLevel(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("RiskLevel(%d).String() = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func TestDefaultDenyReferences(t *testing.T) {
	deny := gate.NewDenyList(DefaultDenyReferences...)
	for _, ref := range []string{"os.execute", "io.open", "debug.getinfo", "load"} {
		if !deny.Match(ref) {
			t.Errorf("%s should be denied by default", ref)
		}
	}
	for _, ref := range []string{"os.time", "string.format", "table.insert"} {
		if deny.Match(ref) {
			t.Errorf("%s should be allowed by default", ref)
		}
	}
}

func TestLimitsFor(t *testing.T) {
	if For(true).CallTimeout <= For(false).CallTimeout {
		t.Error("elevated plugins should get the longer call timeout")
	}
}
