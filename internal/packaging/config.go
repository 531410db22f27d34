package packaging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/domain"
)

// LoadPackageConfig reads a mission definition from a YAML or JSON file and
// validates it.
func LoadPackageConfig(path string) (domain.PackageConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.PackageConfig{}, fmt.Errorf("packaging: read mission file: %w", err)
	}
	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = "json"
	}
	return DecodePackageConfig(raw, format)
}

// DecodePackageConfig decodes raw as "yaml" or "json". Unknown fields are
// rejected so typos in mission files surface early.
func DecodePackageConfig(raw []byte, format string) (domain.PackageConfig, error) {
	var cfg domain.PackageConfig
	switch strings.ToLower(format) {
	case "json":
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return domain.PackageConfig{}, domain.Validationf("decode mission json: %v", err)
		}
	case "yaml", "yml", "":
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return domain.PackageConfig{}, domain.Validationf("decode mission yaml: %v", err)
		}
	default:
		return domain.PackageConfig{}, domain.Validationf("unsupported mission format %q", format)
	}
	if err := cfg.Validate(); err != nil {
		return domain.PackageConfig{}, err
	}
	return cfg, nil
}
