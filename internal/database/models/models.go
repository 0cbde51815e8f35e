package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// BaselineVersion is the current on-disk baseline document version.
const BaselineVersion = 1

// FileRecord is a fingerprint of one regular file under a scanned root.
type FileRecord struct {
	Path       string    `json:"path"`
	Digest     string    `json:"digest"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Baseline is the trusted path -> digest mapping used as ground truth.
type Baseline struct {
	Version     int               `json:"version"`
	Root        string            `json:"root,omitempty"`
	GeneratedAt time.Time         `json:"generated_at"`
	Files       map[string]string `json:"files"`
}

// NewBaseline returns an empty baseline for root.
func NewBaseline(root string) Baseline {
	return Baseline{
		Version:     BaselineVersion,
		Root:        root,
		GeneratedAt: time.Now().UTC(),
		Files:       make(map[string]string),
	}
}

// Len returns the number of fingerprinted files.
func (b Baseline) Len() int {
	return len(b.Files)
}

// Digest returns the trusted digest for path.
func (b Baseline) Digest(path string) (string, bool) {
	d, ok := b.Files[path]
	return d, ok
}

// Equal reports whether both baselines hold the same keys and digests.
func (b Baseline) Equal(o Baseline) bool {
	if len(b.Files) != len(o.Files) {
		return false
	}
	for path, digest := range b.Files {
		if od, ok := o.Files[path]; !ok || od != digest {
			return false
		}
	}
	return true
}

// Verdict classifies one file against the baseline.
type Verdict int

const (
	Unchanged Verdict = iota
	Modified
	Added
	Missing
)

func (v Verdict) String() string {
	switch v {
	case Unchanged:
		return "unchanged"
	case Modified:
		return "modified"
	case Added:
		return "added"
	case Missing:
		return "missing"
	default:
		return "unknown"
	}
}

func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// VerdictEntry is the integrity classification of a single path.
type VerdictEntry struct {
	Path     string  `json:"path"`
	Verdict  Verdict `json:"verdict"`
	Expected string  `json:"expected,omitempty"`
	Current  string  `json:"current,omitempty"`
}

// CheckReport is the result of one integrity check over a root.
type CheckReport struct {
	Root         string         `json:"root"`
	Bootstrapped bool           `json:"bootstrapped"`
	CheckedAt    time.Time      `json:"checked_at"`
	Entries      []VerdictEntry `json:"entries"`
	Errors       []error        `json:"-"`
}

// Drifted returns every entry whose verdict is not Unchanged.
func (r *CheckReport) Drifted() []VerdictEntry {
	var drifted []VerdictEntry
	for _, e := range r.Entries {
		if e.Verdict != Unchanged {
			drifted = append(drifted, e)
		}
	}
	return drifted
}

// Counts tallies entries per verdict.
func (r *CheckReport) Counts() map[Verdict]int {
	counts := make(map[Verdict]int)
	for _, e := range r.Entries {
		counts[e.Verdict]++
	}
	return counts
}

// Clean reports whether no entry drifted.
func (r *CheckReport) Clean() bool {
	return len(r.Drifted()) == 0
}

func (r CheckReport) MarshalJSON() ([]byte, error) {
	type alias CheckReport
	return json.Marshal(struct {
		alias
		Errors []string `json:"errors,omitempty"`
	}{alias(r), ErrorMessages(r.Errors)})
}

// Severity ranks a Finding.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	default:
		return "unknown"
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSeverity parses low, medium or high (case-insensitive).
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high", "":
		return SeverityHigh, nil
	default:
		return SeverityHigh, fmt.Errorf("invalid severity %q", s)
	}
}

// Issue names the kind of suspicious pattern a Finding reports.
type Issue string

const (
	IssueUnauthorizedEval    Issue = "UnauthorizedEval"
	IssueBase64Decode        Issue = "Base64Decode"
	IssueShellExec           Issue = "ShellExec"
	IssueSystemCall          Issue = "SystemCall"
	IssuePassthru            Issue = "Passthru"
	IssueProcessExec         Issue = "ProcessExec"
	IssueDisallowedExtension Issue = "DisallowedExtension"
	IssueDisallowedFileType  Issue = "DisallowedFileType"
	IssueUnreadable          Issue = "Unreadable"
)

// Action is the remediation a rule recommends. It is never applied by scanning.
type Action string

const (
	ActionReport Action = "report"
	ActionRemove Action = "remove"
)

// Finding is a single suspicious-pattern match.
type Finding struct {
	Path       string    `json:"path"`
	RuleID     string    `json:"rule_id"`
	Issue      Issue     `json:"issue"`
	Severity   Severity  `json:"severity"`
	Action     Action    `json:"action"`
	Detail     string    `json:"detail,omitempty"`
	DetectedAt time.Time `json:"detected_at"`
}

// RestoreOutcome is the result of a restoration attempt.
type RestoreOutcome int

const (
	Skipped RestoreOutcome = iota
	Reverted
	Removed
)

func (o RestoreOutcome) String() string {
	switch o {
	case Reverted:
		return "reverted"
	case Removed:
		return "removed"
	default:
		return "skipped"
	}
}

func (o RestoreOutcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// RestoreResult records one restoration action for audit.
type RestoreResult struct {
	Path    string         `json:"path"`
	Verdict Verdict        `json:"verdict"`
	Outcome RestoreOutcome `json:"outcome"`
	Error   string         `json:"error,omitempty"`
}

// Component is a theme or plugin installed under the content directory.
type Component struct {
	Kind    string `json:"kind"`
	Name    string `json:"name"`
	Version string `json:"version"`
	Dir     string `json:"dir"`
}

// Vulnerability is a known issue reported by a vulnerability feed.
type Vulnerability struct {
	Provider  string    `json:"provider"`
	Component Component `json:"component"`
	Title     string    `json:"title"`
	FixedIn   string    `json:"fixed_in,omitempty"`
}

// TargetReport aggregates the results for one scan target.
type TargetReport struct {
	Label           string          `json:"label"`
	Root            string          `json:"root"`
	Findings        []Finding       `json:"findings"`
	FilesScanned    int             `json:"files_scanned"`
	Vulnerabilities []Vulnerability `json:"vulnerabilities,omitempty"`
	Errors          []error         `json:"-"`
}

func (t TargetReport) MarshalJSON() ([]byte, error) {
	type alias TargetReport
	return json.Marshal(struct {
		alias
		Errors []string `json:"errors,omitempty"`
	}{alias(t), ErrorMessages(t.Errors)})
}

// ScanReport is the aggregated result of one orchestrated scan.
type ScanReport struct {
	ID         string         `json:"id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Partial    bool           `json:"partial"`
	Targets    []TargetReport `json:"targets"`
}

// Findings flattens every target's findings, keeping one Finding per path
// and rule when targets overlap.
func (r *ScanReport) Findings() []Finding {
	var all []Finding
	seen := make(map[[2]string]struct{})
	for _, t := range r.Targets {
		for _, f := range t.Findings {
			key := [2]string{f.Path, f.RuleID}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			all = append(all, f)
		}
	}
	return all
}

// Target returns the report for label.
func (r *ScanReport) Target(label string) (TargetReport, bool) {
	for _, t := range r.Targets {
		if t.Label == label {
			return t, true
		}
	}
	return TargetReport{}, false
}

// State is the lifecycle state of a managed installation.
type State int

const (
	StateUninitialized State = iota
	StateBaselined
	StateDrifted
	StateClean
)

func (s State) String() string {
	switch s {
	case StateBaselined:
		return "baselined"
	case StateDrifted:
		return "drifted"
	case StateClean:
		return "clean"
	default:
		return "uninitialized"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrorMessages converts errors into strings for presentation.
func ErrorMessages(errs []error) []string {
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		msgs = append(msgs, err.Error())
	}
	return msgs
}
