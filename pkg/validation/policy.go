package validation

import (
	"fmt"
	"os"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"gopkg.in/yaml.v3"

	"github.com/schemaforge/server/pkg/model/mentity"
	"github.com/schemaforge/server/pkg/model/mvalidation"
)

// Rule is one policy line: which severity and version bump a detected
// change pattern carries. An optional expr guard decides whether the rule
// matches; rules for the same code are tried in order and the first match
// wins. A pattern no rule matches is suppressed entirely.
type Rule struct {
	Code     string `yaml:"code"`
	Severity string `yaml:"severity"`
	Bump     string `yaml:"bump"`
	When     string `yaml:"when,omitempty"`
}

type policyFile struct {
	Rules []Rule `yaml:"rules"`
}

type compiledRule struct {
	severity mvalidation.Severity
	bump     mvalidation.VersionBump
	guard    *vm.Program
}

// Policy decides severity and version bump for breaking-change events.
type Policy struct {
	rules map[string][]compiledRule
}

// changeEvent is what the detectors hand to the policy, and the expr guard
// environment.
type changeEvent struct {
	Code                string
	Ref                 mentity.Ref
	FieldPath           string
	Message             string
	Old                 any
	New                 any
	RequiredContributed int
}

func (e changeEvent) guardEnv() map[string]any {
	return map[string]any{
		"field":                e.FieldPath,
		"old":                  e.Old,
		"new":                  e.New,
		"entity_type":          e.Ref.Type.String(),
		"entity_key":           e.Ref.Key,
		"required_contributed": e.RequiredContributed,
	}
}

// defaultRules is the built-in classification table for change events.
// Structural problems (broken patches, dangling references, cycles, schema
// violations) are always errors and never pass through here. The
// parent_removed pair shows the guard mechanism: removing a parent that
// contributed required properties blocks, removing one that did not only
// warns.
var defaultRules = []Rule{
	{Code: mvalidation.CodeRequiredPropertyRemoved, Severity: "error", Bump: "major"},
	{Code: mvalidation.CodeDatatypeChanged, Severity: "error", Bump: "major"},
	{Code: mvalidation.CodeEnumValueRemoved, Severity: "error", Bump: "major"},
	{Code: mvalidation.CodeParentRemoved, Severity: "error", Bump: "major", When: "required_contributed > 0"},
	{Code: mvalidation.CodeParentRemoved, Severity: "warning", Bump: "major"},
	{Code: mvalidation.CodePropertyRemoved, Severity: "warning", Bump: "major"},
	{Code: mvalidation.CodeMemberRemoved, Severity: "warning", Bump: "major"},
	{Code: mvalidation.CodeRequiredPropertyAdded, Severity: "warning", Bump: "major"},
	{Code: mvalidation.CodeEntityDeleted, Severity: "warning", Bump: "major"},

	{Code: mvalidation.CodeAdditiveChange, Severity: "info", Bump: "minor"},
	{Code: mvalidation.CodeCosmeticChange, Severity: "info", Bump: "patch"},
}

// DefaultPolicy compiles the built-in table. It never fails; the table is
// covered by tests.
func DefaultPolicy() *Policy {
	policy, err := compilePolicy(defaultRules)
	if err != nil {
		panic(fmt.Sprintf("validation: default policy: %v", err))
	}
	return policy
}

// LoadPolicy reads a YAML rule file layered over the defaults: rules for a
// code replace all default rules for that code.
func LoadPolicy(path string) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("validation: read policy %s: %w", path, err)
	}
	var file policyFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("validation: parse policy %s: %w", path, err)
	}

	overridden := make(map[string]bool, len(file.Rules))
	for _, rule := range file.Rules {
		overridden[rule.Code] = true
	}
	merged := make([]Rule, 0, len(defaultRules)+len(file.Rules))
	for _, rule := range defaultRules {
		if !overridden[rule.Code] {
			merged = append(merged, rule)
		}
	}
	merged = append(merged, file.Rules...)

	policy, err := compilePolicy(merged)
	if err != nil {
		return nil, fmt.Errorf("validation: policy %s: %w", path, err)
	}
	return policy, nil
}

func compilePolicy(rules []Rule) (*Policy, error) {
	compiled := make(map[string][]compiledRule, len(rules))
	for _, rule := range rules {
		if rule.Code == "" {
			return nil, fmt.Errorf("rule without code")
		}
		severity, err := mvalidation.ParseSeverity(rule.Severity)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.Code, err)
		}
		bump, err := mvalidation.ParseBump(rule.Bump)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.Code, err)
		}

		entry := compiledRule{severity: severity, bump: bump}
		if rule.When != "" {
			program, err := expr.Compile(rule.When, expr.Env(changeEvent{}.guardEnv()), expr.AsBool())
			if err != nil {
				return nil, fmt.Errorf("rule %s guard: %w", rule.Code, err)
			}
			entry.guard = program
		}
		compiled[rule.Code] = append(compiled[rule.Code], entry)
	}
	return &Policy{rules: compiled}, nil
}

// Apply turns one detected event into a finding, or suppresses it when no
// rule matches. Guard evaluation failures fail safe towards keeping the
// finding at the rule's severity.
func (p *Policy) Apply(event changeEvent) (mvalidation.Finding, mvalidation.VersionBump, bool) {
	for _, rule := range p.rules[event.Code] {
		if rule.guard != nil {
			verdict, err := expr.Run(rule.guard, event.guardEnv())
			if err == nil {
				matched, ok := verdict.(bool)
				if !ok || !matched {
					continue
				}
			}
		}
		finding := mvalidation.Finding{
			EntityType: event.Ref.Type,
			EntityKey:  event.Ref.Key,
			FieldPath:  event.FieldPath,
			Code:       event.Code,
			Message:    event.Message,
			Severity:   rule.severity,
			OldValue:   event.Old,
			NewValue:   event.New,
		}
		return finding, rule.bump, true
	}
	return mvalidation.Finding{}, mvalidation.BumpNone, false
}
