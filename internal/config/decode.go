package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
)

// decodeFile reads path and decodes it into a Config. YAML is converted to
// JSON first so both formats reject unknown keys and trailing documents.
func decodeFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	body, format, err := coerceToJSONBytes(path, raw)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	cfg := new(Config)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%s config %s: %w", format, path, err)
	}
	switch err := dec.Decode(&json.RawMessage{}); {
	case err == nil:
		return nil, fmt.Errorf("%s config %s: unexpected data after the top-level object", format, path)
	case !errors.Is(err, io.EOF):
		return nil, fmt.Errorf("%s config %s: %w", format, path, err)
	}
	return cfg, nil
}

// fingerprint identifies a config by its canonical JSON encoding. Zero
// means "unknown" and never matches.
func fingerprint(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
