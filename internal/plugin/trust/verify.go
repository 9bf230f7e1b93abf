package trust

import (
	"bytes"
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"

	"github.com/dshills/warden/internal/plugin/archive"
)

// Verdict summarizes how far an archive can be trusted.
type Verdict int

const (
	// Unsigned archives carry no signature companion.
	Unsigned Verdict = iota
	// Invalid archives carry a signature that is malformed or fails for some unit.
	Invalid
	// UnknownAuthority archives verify against their embedded key, but the
	// authority is unknown or publishes a different key.
	UnknownAuthority
	// Trusted archives verify and the authority's published key matches.
	Trusted
)

// String returns the verdict name.
func (v Verdict) String() string {
	switch v {
	case Unsigned:
		return "unsigned"
	case Invalid:
		return "invalid"
	case UnknownAuthority:
		return "unknown-authority"
	case Trusted:
		return "trusted"
	default:
		return "unknown"
	}
}

// Report is the outcome of verifying one archive.
type Report struct {
	// Signature is nil for unsigned archives.
	Signature *Signature
	// Err is set when the companion file could not be used at all.
	Err error
	// Units holds the per-unit result; nil means the unit verified.
	Units map[string]error
	// Authority is the published authority, when one could be found.
	Authority *Authority
}

// Signed reports whether the archive carried a signature companion.
func (r *Report) Signed() bool {
	return r != nil && (r.Signature != nil || r.Err != nil)
}

// Unit returns the verification result for a unit.
func (r *Report) Unit(name string) error {
	if r == nil || r.Signature == nil {
		return ErrUnsignedUnit
	}
	if r.Err != nil {
		return r.Err
	}
	err, ok := r.Units[name]
	if !ok {
		return ErrUnsignedUnit
	}
	return err
}

// AuthorityMatch reports whether the published key equals the embedded one.
func (r *Report) AuthorityMatch() bool {
	return r != nil && r.Signature != nil && r.Authority != nil &&
		bytes.Equal(r.Authority.PublicKey, r.Signature.PublicKey)
}

// Verdict classifies the report.
func (r *Report) Verdict() Verdict {
	switch {
	case !r.Signed():
		return Unsigned
	case r.Err != nil:
		return Invalid
	}
	for _, err := range r.Units {
		if err != nil {
			return Invalid
		}
	}
	if !r.AuthorityMatch() {
		return UnknownAuthority
	}
	return Trusted
}

// AuthorityLookup resolves authorities by name. A miss is (nil, false).
type AuthorityLookup interface {
	Fetch(ctx context.Context, name string) (*Authority, bool)
}

// Verifier checks archive signatures.
type Verifier struct {
	authorities AuthorityLookup
	logger      *slog.Logger
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithVerifierLogger sets the logger.
func WithVerifierLogger(l *slog.Logger) VerifierOption {
	return func(v *Verifier) {
		v.logger = l
	}
}

// NewVerifier returns a verifier resolving authorities through lookup.
// A nil lookup treats every authority as unknown.
func NewVerifier(lookup AuthorityLookup, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		authorities: lookup,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks every unit of the archive. An archive without a signature
// companion yields an Unsigned report, not an error.
func (v *Verifier) Verify(ctx context.Context, a *archive.Archive) *Report {
	doc, ok := a.Signature()
	if !ok {
		return &Report{}
	}

	sig, err := ParseSignature(doc)
	if err != nil {
		v.logger.Warn("unusable signature file", "archive", a.Path(), "error", err)
		return &Report{Err: err}
	}
	report := &Report{Signature: sig, Units: make(map[string]error)}

	pub, err := x509.ParsePKIXPublicKey(sig.PublicKey)
	if err != nil {
		report.Err = fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
		return report
	}

	for _, name := range a.Units() {
		raw, signed := sig.Units[archive.HashUnitName(name)]
		if !signed {
			report.Units[name] = ErrUnsignedUnit
			continue
		}
		src, _ := a.Unit(name)
		report.Units[name] = verifyUnit(pub, name, src, raw)
	}

	if v.authorities != nil {
		if auth, found := v.authorities.Fetch(ctx, sig.Authority); found {
			report.Authority = auth
		}
	}
	if report.Authority != nil && !report.AuthorityMatch() {
		v.logger.Warn("authority key mismatch", "archive", a.Path(), "authority", sig.Authority)
	}
	return report
}
