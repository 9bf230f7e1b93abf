package archive

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/klauspost/compress/zip"
)

// Writer assembles an archive from named entries.
type Writer struct {
	entries map[string][]byte
}

// NewWriter returns an empty archive writer.
func NewWriter() *Writer {
	return &Writer{entries: make(map[string][]byte)}
}

// FromArchive seeds a writer with every entry of an existing archive.
func FromArchive(a *Archive) *Writer {
	w := NewWriter()
	for name, data := range a.entries {
		w.entries[name] = data
	}
	return w
}

// Add sets an entry, replacing any previous content.
func (w *Writer) Add(name string, data []byte) *Writer {
	w.entries[name] = data
	return w
}

// AddUnit adds Lua source under the unit's entry path.
func (w *Writer) AddUnit(name, src string) *Writer {
	return w.Add(UnitPath(name), []byte(src))
}

// WriteTo writes the zip. Entries are emitted in name order so output is
// reproducible for identical contents.
func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	cw := &countingWriter{w: out}
	zw := zip.NewWriter(cw)

	names := make([]string, 0, len(w.entries))
	for name := range w.entries {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		f, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
		if err != nil {
			return cw.n, fmt.Errorf("archive: create %s: %w", name, err)
		}
		if _, err := f.Write(w.entries[name]); err != nil {
			return cw.n, fmt.Errorf("archive: write %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return cw.n, fmt.Errorf("archive: close: %w", err)
	}
	return cw.n, nil
}

// WriteFile writes the archive to path.
func (w *Writer) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	if _, err := w.WriteTo(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
