package database

import (
	"encoding/json"
	"fmt"

	"github.com/y0ug/antideface/internal/database/models"
)

// EncodeBaseline serializes a baseline document.
func EncodeBaseline(b models.Baseline) ([]byte, error) {
	if b.Version == 0 {
		b.Version = models.BaselineVersion
	}
	if b.Files == nil {
		b.Files = map[string]string{}
	}
	return json.MarshalIndent(b, "", "  ")
}

// DecodeBaseline parses a baseline document. Unknown top-level fields are
// ignored. A flat {path: digest} document is accepted as a legacy baseline
// and returned with Version 0.
func DecodeBaseline(data []byte) (models.Baseline, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return models.Baseline{}, fmt.Errorf("%w: %v", models.ErrCorruptBaseline, err)
	}

	if _, ok := raw["files"]; ok {
		var b models.Baseline
		if err := json.Unmarshal(data, &b); err != nil {
			return models.Baseline{}, fmt.Errorf("%w: %v", models.ErrCorruptBaseline, err)
		}
		if b.Files == nil {
			b.Files = make(map[string]string)
		}
		for path, digest := range b.Files {
			if digest == "" {
				return models.Baseline{}, fmt.Errorf("%w: empty digest for %s", models.ErrCorruptBaseline, path)
			}
		}
		return b, nil
	}

	legacy := models.Baseline{Files: make(map[string]string, len(raw))}
	for path, v := range raw {
		var digest string
		if err := json.Unmarshal(v, &digest); err != nil || digest == "" {
			return models.Baseline{}, fmt.Errorf("%w: invalid legacy entry for %s", models.ErrCorruptBaseline, path)
		}
		legacy.Files[path] = digest
	}
	return legacy, nil
}
