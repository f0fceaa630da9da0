package syncer

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Filter excludes user-chosen extensions and settings keys from sync.
// Ignored extensions never appear in diffs or uploads; ignored settings
// keys keep their local values when server settings are applied.
type Filter struct {
	extensions map[string]struct{}
	settings   []string
}

// ignoreFile is the on-disk shape of the ignore list.
type ignoreFile struct {
	Extensions []string `yaml:"extensions"`
	Settings   []string `yaml:"settings"`
}

// LoadFilter reads an ignore file. An empty path returns an empty filter
// that excludes nothing.
func LoadFilter(path string) (*Filter, error) {
	f := &Filter{extensions: map[string]struct{}{}}

	if path == "" {
		return f, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading ignore file: %w", err)
	}

	var raw ignoreFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing ignore file: %w", err)
	}

	for _, id := range raw.Extensions {
		f.extensions[id] = struct{}{}
	}

	f.settings = raw.Settings

	return f, nil
}

// AllowExtension reports whether an extension id participates in sync.
func (f *Filter) AllowExtension(id string) bool {
	_, ignored := f.extensions[id]
	return !ignored
}

// FilterExtensions returns ids with ignored members removed, preserving
// order.
func (f *Filter) FilterExtensions(ids []string) []string {
	if len(f.extensions) == 0 {
		return ids
	}

	out := make([]string, 0, len(ids))

	for _, id := range ids {
		if f.AllowExtension(id) {
			out = append(out, id)
		}
	}

	return out
}

// SettingsKeys returns the ignored settings keys.
func (f *Filter) SettingsKeys() []string {
	return f.settings
}

// StripIgnoredSettings removes ignored top-level keys from a settings
// document so they are not uploaded.
func (f *Filter) StripIgnoredSettings(settings json.RawMessage) (json.RawMessage, error) {
	if len(f.settings) == 0 || len(settings) == 0 {
		return settings, nil
	}

	doc, err := decodeSettings(settings)
	if err != nil {
		return nil, err
	}

	for _, key := range f.settings {
		delete(doc, key)
	}

	return encodeSettings(doc)
}

// PreserveIgnoredSettings overlays the local values of ignored keys onto
// an incoming settings document. Keys ignored locally but absent locally
// are removed from the incoming document.
func (f *Filter) PreserveIgnoredSettings(incoming, local json.RawMessage) (json.RawMessage, error) {
	if len(f.settings) == 0 || len(incoming) == 0 {
		return incoming, nil
	}

	doc, err := decodeSettings(incoming)
	if err != nil {
		return nil, err
	}

	localDoc := map[string]any{}

	if len(local) > 0 {
		localDoc, err = decodeSettings(local)
		if err != nil {
			return nil, err
		}
	}

	for _, key := range f.settings {
		if v, ok := localDoc[key]; ok {
			doc[key] = v
		} else {
			delete(doc, key)
		}
	}

	return encodeSettings(doc)
}

func decodeSettings(raw json.RawMessage) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing settings document: %w", err)
	}

	return doc, nil
}

func encodeSettings(doc map[string]any) (json.RawMessage, error) {
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding settings document: %w", err)
	}

	return out, nil
}
