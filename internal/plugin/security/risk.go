package security

import (
	"github.com/dshills/warden/internal/plugin/trust"
)

// RiskLevel indicates how dangerous granting elevation is.
type RiskLevel int

const (
	// RiskLow indicates minimal security risk.
	RiskLow RiskLevel = iota

	// RiskMedium indicates moderate security risk.
	RiskMedium

	// RiskHigh indicates significant security risk.
	RiskHigh

	// RiskCritical indicates maximum security risk.
	RiskCritical
)

// String returns a string representation of the risk level.
func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Assessment is the risk attached to an elevation request.
type Assessment struct {
	Level   RiskLevel
	Summary string
}

// Assess scores an elevation request. claimedAuthority is the authority the
// requester says signed the plugin; it may be empty.
func Assess(verdict trust.Verdict, claimedAuthority string) Assessment {
	switch verdict {
	case trust.Trusted:
		return Assessment{RiskLow, "signed by a known authority"}
	case trust.UnknownAuthority:
		return Assessment{RiskMedium, "signed, but the authority could not be confirmed"}
	case trust.Invalid:
		return Assessment{RiskCritical, "claims an authority but the signature does not verify"}
	}
	if claimedAuthority != "" {
		return Assessment{RiskCritical, "claims authority " + claimedAuthority + " but is unsigned"}
	}
	return Assessment{RiskHigh, "unsigned"}
}
