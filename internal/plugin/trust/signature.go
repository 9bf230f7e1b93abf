// Package trust verifies plugin signatures against named authorities.
//
// A signed archive carries signature.toml naming an authority, that
// authority's public key (base64 DER, PKIX), a timestamp, and one signature
// per unit keyed by the hashed unit name. Verification never fails the
// caller: problems are reported as a Verdict for the privilege broker to weigh.
package trust

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/dshills/warden/internal/plugin/archive"
)

// Signature errors.
var (
	ErrMalformedSignature = errors.New("trust: malformed signature file")
	ErrUnsupportedKey     = errors.New("trust: unsupported key type")
	ErrBadUnitSignature   = errors.New("trust: unit signature does not verify")
	ErrUnsignedUnit       = errors.New("trust: unit is not signed")
)

// Signature is the parsed signature companion of an archive.
type Signature struct {
	Authority string
	PublicKey []byte
	Timestamp time.Time
	// Units maps hashed unit names to raw signature bytes.
	Units map[string][]byte
}

type signatureFile struct {
	Authority  string            `toml:"authority"`
	Public     string            `toml:"public"`
	Timestamp  int64             `toml:"timestamp"`
	Signatures map[string]string `toml:"signatures"`
}

// ParseSignature decodes a signature companion document.
func ParseSignature(data []byte) (*Signature, error) {
	var f signatureFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	if f.Authority == "" {
		return nil, fmt.Errorf("%w: authority is empty", ErrMalformedSignature)
	}
	pub, err := base64.StdEncoding.DecodeString(f.Public)
	if err != nil || len(pub) == 0 {
		return nil, fmt.Errorf("%w: public key is not base64", ErrMalformedSignature)
	}

	sig := &Signature{
		Authority: f.Authority,
		PublicKey: pub,
		Timestamp: time.UnixMilli(f.Timestamp),
		Units:     make(map[string][]byte, len(f.Signatures)),
	}
	for key, enc := range f.Signatures {
		raw, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("%w: signature %s is not base64", ErrMalformedSignature, key)
		}
		sig.Units[key] = raw
	}
	return sig, nil
}

// Marshal encodes the signature companion document.
func (s *Signature) Marshal() ([]byte, error) {
	f := signatureFile{
		Authority:  s.Authority,
		Public:     base64.StdEncoding.EncodeToString(s.PublicKey),
		Timestamp:  s.Timestamp.UnixMilli(),
		Signatures: make(map[string]string, len(s.Units)),
	}
	for key, raw := range s.Units {
		f.Signatures[key] = base64.StdEncoding.EncodeToString(raw)
	}
	return toml.Marshal(f)
}

// unitDigest binds the unit name to its content.
func unitDigest(name string, src []byte) []byte {
	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write(src)
	return h.Sum(nil)
}

// Sign signs every unit of an archive with priv on behalf of authority.
// Supported keys are ed25519, ECDSA, and RSA.
func Sign(a *archive.Archive, authority string, priv crypto.Signer, now time.Time) (*Signature, error) {
	pub, err := x509.MarshalPKIXPublicKey(priv.Public())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
	}
	opts, err := signerOpts(priv.Public())
	if err != nil {
		return nil, err
	}

	sig := &Signature{
		Authority: authority,
		PublicKey: pub,
		Timestamp: now,
		Units:     make(map[string][]byte),
	}
	for _, name := range a.Units() {
		src, _ := a.Unit(name)
		raw, err := priv.Sign(rand.Reader, unitDigest(name, src), opts)
		if err != nil {
			return nil, fmt.Errorf("trust: sign %s: %w", name, err)
		}
		sig.Units[archive.HashUnitName(name)] = raw
	}
	return sig, nil
}

func signerOpts(pub crypto.PublicKey) (crypto.SignerOpts, error) {
	switch pub.(type) {
	case ed25519.PublicKey:
		return crypto.Hash(0), nil
	case *ecdsa.PublicKey, *rsa.PublicKey:
		return crypto.SHA256, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
	}
}

// verifyUnit checks one unit signature with a parsed public key.
func verifyUnit(pub crypto.PublicKey, name string, src, raw []byte) error {
	digest := unitDigest(name, src)
	var ok bool
	switch k := pub.(type) {
	case ed25519.PublicKey:
		ok = ed25519.Verify(k, digest, raw)
	case *ecdsa.PublicKey:
		ok = ecdsa.VerifyASN1(k, digest, raw)
	case *rsa.PublicKey:
		ok = rsa.VerifyPKCS1v15(k, crypto.SHA256, digest, raw) == nil
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
	}
	if !ok {
		return ErrBadUnitSignature
	}
	return nil
}

// SignArchive returns a copy of the archive with signature.toml added.
func SignArchive(a *archive.Archive, authority string, priv crypto.Signer, now time.Time) (*archive.Writer, error) {
	sig, err := Sign(a, authority, priv, now)
	if err != nil {
		return nil, err
	}
	doc, err := sig.Marshal()
	if err != nil {
		return nil, err
	}
	return archive.FromArchive(a).Add(archive.SignatureFile, doc), nil
}
