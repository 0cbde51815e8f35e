package scanner

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/y0ug/antideface/internal/database/models"
	"gopkg.in/yaml.v3"
)

// Target selects what a rule is matched against.
type Target string

const (
	// TargetContent matches the file bytes.
	TargetContent Target = "content"
	// TargetName matches the base name of the file.
	TargetName Target = "name"
	// TargetType matches the MIME type sniffed from the file header.
	TargetType Target = "type"
)

// Rule is one entry of the rule table.
type Rule struct {
	ID       string
	Issue    models.Issue
	Target   Target
	Pattern  *regexp.Regexp
	Severity models.Severity
	Action   models.Action
}

type ruleFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	ID       string `yaml:"id"`
	Issue    string `yaml:"issue"`
	Target   string `yaml:"target"`
	Pattern  string `yaml:"pattern"`
	Severity string `yaml:"severity"`
	Action   string `yaml:"action"`
}

// PHP function names are case-insensitive. The exec and system rules require
// a non-identifier character before the name so shell_exec( is not counted
// twice, while pcntl_exec( is still caught.
var defaultRules = []ruleSpec{
	{ID: "eval", Issue: string(models.IssueUnauthorizedEval), Target: "content", Pattern: `(?i)eval\(`},
	{ID: "base64-decode", Issue: string(models.IssueBase64Decode), Target: "content", Pattern: `(?i)base64_decode\(`},
	{ID: "shell-exec", Issue: string(models.IssueShellExec), Target: "content", Pattern: `(?i)shell_exec\(`},
	{ID: "system", Issue: string(models.IssueSystemCall), Target: "content", Pattern: `(?i)(?:^|[^a-z0-9_])system\(`},
	{ID: "passthru", Issue: string(models.IssuePassthru), Target: "content", Pattern: `(?i)passthru\(`},
	{ID: "exec", Issue: string(models.IssueProcessExec), Target: "content", Pattern: `(?i)(?:^|[^a-z0-9_]|pcntl_)exec\(`},
	{ID: "shell-script", Issue: string(models.IssueDisallowedExtension), Target: "name", Pattern: `(?i)\.sh$`, Action: "remove"},
	{ID: "bash-script", Issue: string(models.IssueDisallowedExtension), Target: "name", Pattern: `(?i)\.bash$`, Action: "remove"},
	{ID: "native-executable", Issue: string(models.IssueDisallowedFileType), Target: "type",
		Pattern: `^application/(x-executable|vnd\.microsoft\.portable-executable|x-mach-binary)$`},
}

// DefaultRules returns the built-in rule table.
func DefaultRules() []Rule {
	rules, err := compileRules(defaultRules)
	if err != nil {
		panic(err)
	}
	return rules
}

// LoadRules reads a YAML rule table from path.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes a YAML rule table. Unknown fields are ignored.
func ParseRules(data []byte) ([]Rule, error) {
	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	if len(rf.Rules) == 0 {
		return nil, fmt.Errorf("rules file defines no rules")
	}
	return compileRules(rf.Rules)
}

func compileRules(specs []ruleSpec) ([]Rule, error) {
	rules := make([]Rule, 0, len(specs))
	seen := make(map[string]struct{}, len(specs))
	for i, s := range specs {
		if s.ID == "" {
			return nil, fmt.Errorf("rule %d: missing id", i)
		}
		if _, dup := seen[s.ID]; dup {
			return nil, fmt.Errorf("rule %s: duplicate id", s.ID)
		}
		seen[s.ID] = struct{}{}

		target := Target(strings.ToLower(s.Target))
		if target == "" {
			target = TargetContent
		}
		switch target {
		case TargetContent, TargetName, TargetType:
		default:
			return nil, fmt.Errorf("rule %s: unknown target %q", s.ID, s.Target)
		}

		if s.Pattern == "" {
			return nil, fmt.Errorf("rule %s: empty pattern", s.ID)
		}
		re, err := regexp.Compile(s.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", s.ID, err)
		}

		severity, err := models.ParseSeverity(s.Severity)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", s.ID, err)
		}

		action := models.Action(strings.ToLower(s.Action))
		switch action {
		case "":
			action = models.ActionReport
		case models.ActionReport, models.ActionRemove:
		default:
			return nil, fmt.Errorf("rule %s: unknown action %q", s.ID, s.Action)
		}

		issue := models.Issue(s.Issue)
		if issue == "" {
			issue = models.Issue(s.ID)
		}

		rules = append(rules, Rule{
			ID:       s.ID,
			Issue:    issue,
			Target:   target,
			Pattern:  re,
			Severity: severity,
			Action:   action,
		})
	}
	return rules, nil
}
