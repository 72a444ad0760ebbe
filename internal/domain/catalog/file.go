package catalog

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// LoadFile reads a YAML catalog file and overlays it on the built-in
// definition: every top-level section present in the file replaces the
// default section. An empty path returns Default().
func LoadFile(path string) (*Catalog, error) {
	if path == "" {
		return New(DefaultDefinition())
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

// Load decodes a YAML catalog from r on top of the built-in definition.
func Load(r io.Reader) (*Catalog, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	def := DefaultDefinition()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil && err != io.EOF {
		return nil, shared.WrapError("catalog", "Load", shared.ErrConfiguration, "decode yaml", err)
	}
	return New(def)
}

// Marshal renders a catalog definition as YAML, the inverse of Load.
func Marshal(def Definition) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(def); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
