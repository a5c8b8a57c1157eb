package flow

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultFlowDir points to the conventional location for YAML flow files.
const DefaultFlowDir = "flows"

// ParseYAML decodes a flow definition from YAML/JSON bytes.
func ParseYAML(data []byte) (Flow, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Flow{}, fmt.Errorf("flow: definition payload is empty")
	}
	var def Flow
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Flow{}, fmt.Errorf("flow: decode definition: %w", err)
	}
	return def.Normalized()
}

// LoadReader reads flow definition data from an io.Reader.
func LoadReader(r io.Reader) (Flow, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return Flow{}, fmt.Errorf("flow: read definition: %w", err)
	}
	return ParseYAML(content)
}

// LoadFile loads a flow definition from an explicit file path.
func LoadFile(path string) (Flow, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Flow{}, fmt.Errorf("flow: read %s: %w", path, err)
	}
	def, parseErr := ParseYAML(content)
	if parseErr != nil {
		return Flow{}, fmt.Errorf("flow: %s: %w", path, parseErr)
	}
	return def, nil
}

// LoadRelative loads a definition from the flows directory (or a custom
// baseDir if provided).
func LoadRelative(baseDir, name string) (Flow, error) {
	if baseDir == "" {
		baseDir = DefaultFlowDir
	}
	return LoadFile(filepath.Join(baseDir, name))
}
