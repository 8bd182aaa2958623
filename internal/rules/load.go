package rules

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"trading-bots/pkg/logging"
)

// File is a YAML rule-set document.
type File struct {
	Name  string `yaml:"name"`
	Rules []Rule `yaml:"rules"`
}

// LoadFile reads a YAML rule set. Malformed rules are dropped at debug level
// the same way stored rules are; registration is left to NewEngine.
func LoadFile(path string, log *zap.Logger) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data, log)
}

// Parse decodes a YAML rule-set document.
func Parse(data []byte, log *zap.Logger) ([]Rule, error) {
	log = logging.OrNop(log)

	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse rule file: %w", err)
	}

	out := make([]Rule, 0, len(file.Rules))
	for i, r := range file.Rules {
		if r.ID == 0 {
			r.ID = int64(i + 1)
		}
		r.normalize()
		if err := r.validateShape(); err != nil {
			log.Debug("dropping rule", zap.String("rule_set", file.Name), zap.Int64("rule_id", r.ID), zap.Error(err))
			continue
		}
		out = append(out, r)
	}
	return out, nil
}
