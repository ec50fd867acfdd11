// Package policyspec loads operator-defined transition policies from YAML and
// compiles them into orchestration rules that run ahead of the built-in
// bookkeeping pipeline.
package policyspec

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/orchon-labs/orchon-go/internal/domain"
)

const SpecSchemaV1 = "orchon.transitions.v1"

const (
	EffectAllow = "allow"
	EffectDeny  = "deny"
)

// StateNone matches runs that have no state yet; StateAny matches everything.
const (
	StateNone = "none"
	StateAny  = "any"
)

type Spec struct {
	Schema        string `json:"schema" yaml:"schema"`
	DefaultEffect string `json:"default_effect,omitempty" yaml:"default_effect,omitempty"`
	Rules         []Rule `json:"rules" yaml:"rules"`
}

type Rule struct {
	ID          string   `json:"id" yaml:"id"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Effect      string   `json:"effect" yaml:"effect"`
	From        []string `json:"from" yaml:"from"`
	To          []string `json:"to" yaml:"to"`
	Message     string   `json:"message,omitempty" yaml:"message,omitempty"`
}

// Load reads and validates a transition policy file.
func Load(path string) (Spec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, fmt.Errorf("read policy file: %w", err)
	}
	return ParseSpec(raw)
}

func ParseSpec(input []byte) (Spec, error) {
	var spec Spec
	if err := yaml.Unmarshal(input, &spec); err != nil {
		return Spec{}, fmt.Errorf("decode policy: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

func (s Spec) MarshalJSON() ([]byte, error) {
	type alias Spec
	return json.Marshal(alias(s))
}

func (s Spec) Validate() error {
	if strings.TrimSpace(s.Schema) != SpecSchemaV1 {
		return fmt.Errorf("policy.schema must be %q", SpecSchemaV1)
	}
	if len(s.Rules) == 0 {
		return errors.New("policy.rules must be non-empty")
	}

	defaultEffect := strings.ToLower(strings.TrimSpace(s.DefaultEffect))
	if defaultEffect != "" && !isEffectAllowed(defaultEffect) {
		return fmt.Errorf("policy.default_effect unsupported: %q", s.DefaultEffect)
	}

	seen := make(map[string]struct{}, len(s.Rules))
	for i, rule := range s.Rules {
		ruleID := strings.TrimSpace(rule.ID)
		if ruleID == "" {
			return fmt.Errorf("policy.rules[%d].id is required", i)
		}
		if _, ok := seen[ruleID]; ok {
			return fmt.Errorf("policy.rules[%d].id must be unique (duplicate %q)", i, ruleID)
		}
		seen[ruleID] = struct{}{}

		effect := strings.ToLower(strings.TrimSpace(rule.Effect))
		if effect == "" {
			return fmt.Errorf("policy.rules[%d].effect is required", i)
		}
		if !isEffectAllowed(effect) {
			return fmt.Errorf("policy.rules[%d].effect unsupported: %q", i, rule.Effect)
		}

		if len(rule.From) == 0 {
			return fmt.Errorf("policy.rules[%d].from must be non-empty", i)
		}
		if len(rule.To) == 0 {
			return fmt.Errorf("policy.rules[%d].to must be non-empty", i)
		}
		if err := validateStates(rule.From, true, fmt.Sprintf("policy.rules[%d].from", i)); err != nil {
			return err
		}
		if err := validateStates(rule.To, false, fmt.Sprintf("policy.rules[%d].to", i)); err != nil {
			return err
		}
	}
	return nil
}

func validateStates(names []string, allowNone bool, prefix string) error {
	for i, name := range names {
		normalized := strings.ToLower(strings.TrimSpace(name))
		switch normalized {
		case "":
			return fmt.Errorf("%s[%d] is empty", prefix, i)
		case StateAny:
			continue
		case StateNone:
			if !allowNone {
				return fmt.Errorf("%s[%d]: %q only applies to the source side", prefix, i, StateNone)
			}
			continue
		}
		if _, err := domain.ParseStateType(name); err != nil {
			return fmt.Errorf("%s[%d]: %w", prefix, i, err)
		}
	}
	return nil
}

func isEffectAllowed(effect string) bool {
	switch strings.ToLower(strings.TrimSpace(effect)) {
	case EffectAllow, EffectDeny:
		return true
	default:
		return false
	}
}
