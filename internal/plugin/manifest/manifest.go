// Package manifest parses plugin metadata documents.
//
// A manifest is a flat key/value document stored in the plugin archive as
// plugin.toml or plugin.yml. Parsing never touches the plugin's code.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/coreos/go-semver/semver"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Format identifies the manifest encoding.
type Format int

const (
	// FormatTOML is plugin.toml.
	FormatTOML Format = iota
	// FormatYAML is plugin.yml / plugin.yaml.
	FormatYAML
)

// String returns the format name.
func (f Format) String() string {
	switch f {
	case FormatTOML:
		return "toml"
	case FormatYAML:
		return "yaml"
	default:
		return "unknown"
	}
}

// Manifest keys.
const (
	KeyName              = "name"
	KeyVersion           = "version"
	KeyAuthor            = "author"
	KeyMain              = "main"
	KeyAuthorEmail       = "author-email"
	KeyDescription       = "description"
	KeySuperAccess       = "super-access"
	KeySuperAccessReason = "super-access-reason"
	KeyAPIVersion        = "api-version"
	KeyMinAPIVersion     = "min-api-version"
	KeyMaxAPIVersion     = "max-api-version"
	KeyExactAPIVersion   = "exact-api-version"
)

// requiredKeys are checked in this order so the first missing one is reported.
var requiredKeys = []string{KeyName, KeyVersion, KeyAuthor, KeyMain}

// unitPattern validates entry point unit names (dotted identifiers).
var unitPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

// Descriptor is the parsed, read-only description of a plugin.
// It is passed by value; nothing in the host mutates it after Parse.
type Descriptor struct {
	Name                string
	Version             string
	Author              string
	AuthorContact       string
	EntryPoint          string
	Description         string
	RequestsSuperAccess bool
	SuperAccessReason   string
	API                 APIConstraint
}

// Identity returns the stable identity hash of the plugin.
func (d Descriptor) Identity() IdentityHash {
	return NewIdentityHash(d.Name, d.Author)
}

// String returns "name vversion".
func (d Descriptor) String() string {
	return fmt.Sprintf("%s v%s", d.Name, d.Version)
}

// IdentityHash is derived from name and author and is stable across restarts.
type IdentityHash string

// NewIdentityHash hashes a plugin name and author.
func NewIdentityHash(name, author string) IdentityHash {
	sum := sha256.Sum256([]byte(name + "\x00" + author))
	return IdentityHash(hex.EncodeToString(sum[:]))
}

// Short returns an abbreviated form for logs.
func (h IdentityHash) Short() string {
	if len(h) > 12 {
		return string(h[:12])
	}
	return string(h)
}

// FormatFor picks a format from a manifest file name.
func FormatFor(filename string) (Format, error) {
	switch strings.ToLower(path.Ext(filename)) {
	case ".toml":
		return FormatTOML, nil
	case ".yml", ".yaml":
		return FormatYAML, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownFormat, filename)
	}
}

// Parse decodes and validates a manifest.
func Parse(data []byte, format Format) (Descriptor, error) {
	raw := make(map[string]any)
	var err error
	switch format {
	case FormatTOML:
		err = toml.Unmarshal(data, &raw)
	case FormatYAML:
		err = yaml.Unmarshal(data, &raw)
	default:
		return Descriptor{}, ErrUnknownFormat
	}
	if err != nil {
		return Descriptor{}, fmt.Errorf("manifest: decode %s: %w", format, err)
	}
	return fromMap(raw)
}

func fromMap(raw map[string]any) (Descriptor, error) {
	for _, key := range requiredKeys {
		if _, ok := raw[key]; !ok {
			return Descriptor{}, missing(key)
		}
	}

	var (
		d   Descriptor
		err error
	)
	if d.Name, err = requiredString(raw, KeyName); err != nil {
		return Descriptor{}, err
	}
	if d.Version, err = versionString(raw, KeyVersion, true); err != nil {
		return Descriptor{}, err
	}
	if d.Author, err = requiredString(raw, KeyAuthor); err != nil {
		return Descriptor{}, err
	}
	if d.EntryPoint, err = requiredString(raw, KeyMain); err != nil {
		return Descriptor{}, err
	}
	if !unitPattern.MatchString(d.EntryPoint) {
		return Descriptor{}, invalid(KeyMain, "%q is not a unit name", d.EntryPoint)
	}

	if d.AuthorContact, err = optionalString(raw, KeyAuthorEmail); err != nil {
		return Descriptor{}, err
	}
	if d.Description, err = optionalString(raw, KeyDescription); err != nil {
		return Descriptor{}, err
	}
	if d.SuperAccessReason, err = optionalString(raw, KeySuperAccessReason); err != nil {
		return Descriptor{}, err
	}
	if v, ok := raw[KeySuperAccess]; ok {
		b, isBool := v.(bool)
		if !isBool {
			return Descriptor{}, invalid(KeySuperAccess, "expected boolean, got %T", v)
		}
		d.RequestsSuperAccess = b
	}

	if d.API, err = parseConstraint(raw); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

func parseConstraint(raw map[string]any) (APIConstraint, error) {
	var c APIConstraint
	bound := func(key string) (*semver.Version, error) {
		s, err := versionString(raw, key, false)
		if err != nil || s == "" {
			return nil, err
		}
		v, err := ParseVersion(s)
		if err != nil {
			return nil, invalid(key, "%v", err)
		}
		return v, nil
	}

	minKey := KeyMinAPIVersion
	if _, ok := raw[KeyMinAPIVersion]; !ok {
		minKey = KeyAPIVersion
	}
	var err error
	if c.Min, err = bound(minKey); err != nil {
		return c, err
	}
	if c.Max, err = bound(KeyMaxAPIVersion); err != nil {
		return c, err
	}
	if c.Exact, err = bound(KeyExactAPIVersion); err != nil {
		return c, err
	}
	if c.Min != nil && c.Max != nil && c.Max.LessThan(*c.Min) {
		return c, invalid(KeyMaxAPIVersion, "%s is below minimum %s", c.Max, c.Min)
	}
	return c, nil
}

func requiredString(raw map[string]any, key string) (string, error) {
	s, ok := raw[key].(string)
	if !ok {
		return "", invalid(key, "expected string, got %T", raw[key])
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", invalid(key, "must not be empty")
	}
	return s, nil
}

// versionString reads a version key. Unquoted numbers are refused since a
// decoded 1.10 is indistinguishable from 1.1.
func versionString(raw map[string]any, key string, required bool) (string, error) {
	switch v := raw[key].(type) {
	case float64, int, int64, uint64:
		return "", invalid(key, "numeric value %v, quote the version", v)
	}
	if required {
		return requiredString(raw, key)
	}
	return optionalString(raw, key)
}

func optionalString(raw map[string]any, key string) (string, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return "", nil
	}
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s), nil
	default:
		return "", invalid(key, "expected string, got %T", v)
	}
}
