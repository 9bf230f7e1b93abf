// Package archive reads and writes plugin archives.
//
// An archive is a zip file holding a manifest (plugin.toml or plugin.yml),
// an optional signature companion (signature.toml), and Lua source units.
// A unit stored at foo/bar.lua is named "foo.bar".
package archive

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/dshills/warden/internal/plugin/manifest"
)

// Well-known entry names.
const (
	ManifestTOML  = "plugin.toml"
	ManifestYAML  = "plugin.yml"
	SignatureFile = "signature.toml"
	UnitExt       = ".lua"
)

// MaxEntrySize caps the uncompressed size of a single entry.
const MaxEntrySize = 8 << 20

// Archive errors.
var (
	ErrNoManifest    = errors.New("archive: no manifest")
	ErrEntryTooLarge = errors.New("archive: entry too large")
	ErrBadEntryName  = errors.New("archive: invalid entry name")
)

// Archive is an immutable, fully read plugin archive.
type Archive struct {
	path    string
	hash    string
	entries map[string][]byte
	units   []string
}

// Open reads the archive at path.
func Open(p string) (*Archive, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	return FromBytes(p, data)
}

// FromBytes parses archive contents. name is recorded as the archive path.
func FromBytes(name string, data []byte) (*Archive, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("archive %s: %w", name, err)
	}

	sum := sha256.Sum256(data)
	a := &Archive{
		path:    name,
		hash:    hex.EncodeToString(sum[:]),
		entries: make(map[string][]byte, len(zr.File)),
	}

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		clean := path.Clean(f.Name)
		if strings.HasPrefix(clean, "../") || strings.HasPrefix(clean, "/") || clean == ".." {
			return nil, fmt.Errorf("%w: %s", ErrBadEntryName, f.Name)
		}
		if f.UncompressedSize64 > MaxEntrySize {
			return nil, fmt.Errorf("%w: %s", ErrEntryTooLarge, f.Name)
		}
		body, err := readEntry(f)
		if err != nil {
			return nil, fmt.Errorf("archive %s: %s: %w", name, f.Name, err)
		}
		a.entries[clean] = body
		if strings.HasSuffix(clean, UnitExt) {
			a.units = append(a.units, UnitName(clean))
		}
	}
	sort.Strings(a.units)
	return a, nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	body, err := io.ReadAll(io.LimitReader(rc, MaxEntrySize+1))
	if err != nil {
		return nil, err
	}
	if len(body) > MaxEntrySize {
		return nil, ErrEntryTooLarge
	}
	return body, nil
}

// Path returns the archive location.
func (a *Archive) Path() string {
	return a.path
}

// ContentHash returns the hex SHA-256 of the archive bytes.
func (a *Archive) ContentHash() string {
	return a.hash
}

// Manifest returns the raw manifest and its format. TOML wins if both exist.
func (a *Archive) Manifest() ([]byte, manifest.Format, error) {
	for _, name := range []string{ManifestTOML, ManifestYAML, "plugin.yaml"} {
		if data, ok := a.entries[name]; ok {
			format, err := manifest.FormatFor(name)
			return data, format, err
		}
	}
	return nil, 0, fmt.Errorf("%w: %s", ErrNoManifest, a.path)
}

// Descriptor parses the archive's manifest.
func (a *Archive) Descriptor() (manifest.Descriptor, error) {
	data, format, err := a.Manifest()
	if err != nil {
		return manifest.Descriptor{}, err
	}
	return manifest.Parse(data, format)
}

// Signature returns the signature companion, if present.
func (a *Archive) Signature() ([]byte, bool) {
	data, ok := a.entries[SignatureFile]
	return data, ok
}

// Units returns the sorted names of all Lua units in the archive.
func (a *Archive) Units() []string {
	out := make([]string, len(a.units))
	copy(out, a.units)
	return out
}

// Unit returns the source of a unit by dotted name.
func (a *Archive) Unit(name string) ([]byte, bool) {
	data, ok := a.entries[UnitPath(name)]
	return data, ok
}

// UnitName converts an entry path to a unit name: "foo/bar.lua" -> "foo.bar".
func UnitName(entry string) string {
	return strings.ReplaceAll(strings.TrimSuffix(entry, UnitExt), "/", ".")
}

// UnitPath converts a unit name to its entry path: "foo.bar" -> "foo/bar.lua".
func UnitPath(name string) string {
	return strings.ReplaceAll(name, ".", "/") + UnitExt
}

// HashUnitName returns the signature table key for a unit.
func HashUnitName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:])
}
