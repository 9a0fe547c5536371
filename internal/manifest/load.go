package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is the on-disk form of a download request. Exactly one of Asset
// or Engine is set.
type Document struct {
	Asset  *Asset  `json:"asset,omitempty" yaml:"asset,omitempty"`
	Engine *Engine `json:"engine,omitempty" yaml:"engine,omitempty"`
}

// Validate checks the document and its payload.
func (d *Document) Validate() error {
	switch {
	case d.Asset != nil && d.Engine != nil:
		return fmt.Errorf("%w: document holds both an asset and an engine", ErrInvalid)
	case d.Asset != nil:
		return d.Asset.Validate()
	case d.Engine != nil:
		return d.Engine.Validate()
	default:
		return fmt.Errorf("%w: document is empty", ErrInvalid)
	}
}

// IsManifestFile reports whether path has an extension Load understands.
func IsManifestFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// Load reads a JSON or YAML document, chosen by file extension.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	doc, err := Parse(data, strings.ToLower(filepath.Ext(path)) == ".json")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return doc, nil
}

// Parse decodes and validates a document.
func Parse(data []byte, isJSON bool) (*Document, error) {
	var doc Document
	if isJSON {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}

	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}
