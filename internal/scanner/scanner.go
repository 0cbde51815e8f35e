// Package scanner flags files whose name, type or content matches the rule
// table. Scanning is read-only.
package scanner

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/h2non/filetype"
	"github.com/sirupsen/logrus"
	"github.com/y0ug/antideface/internal/database/models"
)

// DefaultMaxBytes bounds how much of a file is held in memory. Content rules
// still see the whole file: past this size the rest is streamed.
const DefaultMaxBytes int64 = 10 << 20

// filetype needs at most this many header bytes.
const sniffLen = 262

// Options configures a Scanner.
type Options struct {
	Rules    []Rule
	MaxBytes int64
	Logger   *logrus.Logger
}

// Scanner evaluates one file at a time against the rule table.
type Scanner struct {
	content  []Rule
	names    []Rule
	types    []Rule
	maxBytes int64
	logger   *logrus.Logger
}

// New creates a Scanner. A nil rule set selects DefaultRules.
func New(opts Options) *Scanner {
	if opts.Rules == nil {
		opts.Rules = DefaultRules()
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	s := &Scanner{maxBytes: opts.MaxBytes, logger: opts.Logger}
	for _, r := range opts.Rules {
		switch r.Target {
		case TargetName:
			s.names = append(s.names, r)
		case TargetType:
			s.types = append(s.types, r)
		default:
			s.content = append(s.content, r)
		}
	}
	return s
}

// Scan returns at most one Finding per matching rule. A file that cannot be
// read yields a low-severity Unreadable finding in place of content results.
func (s *Scanner) Scan(path string) []models.Finding {
	now := time.Now().UTC()
	var findings []models.Finding

	name := filepath.Base(path)
	for _, r := range s.names {
		if r.Pattern.MatchString(name) {
			findings = append(findings, finding(path, r, now, name))
		}
	}

	if len(s.content) == 0 && len(s.types) == 0 {
		return findings
	}

	data, truncated, err := s.read(path)
	if err != nil {
		s.logger.WithField("path", path).WithError(err).Debug("File unreadable")
		return append(findings, models.Finding{
			Path:       path,
			RuleID:     "unreadable",
			Issue:      models.IssueUnreadable,
			Severity:   models.SeverityLow,
			Action:     models.ActionReport,
			Detail:     err.Error(),
			DetectedAt: now,
		})
	}

	if len(s.types) > 0 {
		if kind, _ := filetype.Match(head(data)); kind != filetype.Unknown {
			for _, r := range s.types {
				if r.Pattern.MatchString(kind.MIME.Value) {
					findings = append(findings, finding(path, r, now, kind.MIME.Value))
				}
			}
		}
	}

	var rest []Rule
	for _, r := range s.content {
		if loc := r.Pattern.FindIndex(data); loc != nil {
			findings = append(findings, finding(path, r, now, excerpt(data[loc[0]:loc[1]])))
		} else if truncated {
			rest = append(rest, r)
		}
	}
	for _, r := range rest {
		offset, err := s.streamMatch(path, r)
		if err != nil {
			s.logger.WithField("path", path).WithError(err).Debug("File unreadable past the memory window")
			findings = append(findings, models.Finding{
				Path:       path,
				RuleID:     "unreadable",
				Issue:      models.IssueUnreadable,
				Severity:   models.SeverityLow,
				Action:     models.ActionReport,
				Detail:     err.Error(),
				DetectedAt: now,
			})
			break
		}
		if offset >= 0 {
			findings = append(findings, finding(path, r, now, fmt.Sprintf("match at offset %d", offset)))
		}
	}

	if len(findings) > 0 {
		s.logger.WithFields(logrus.Fields{"path": path, "findings": len(findings)}).Debug("File flagged")
	}
	return findings
}

// read returns up to maxBytes of path and whether the file is longer.
func (s *Scanner) read(path string) ([]byte, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, models.NewPathError("scan", path, err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, s.maxBytes+1))
	if err != nil {
		return nil, false, models.NewPathError("scan", path, err)
	}
	if int64(len(data)) > s.maxBytes {
		return data[:s.maxBytes], true, nil
	}
	return data, false, nil
}

// streamMatch runs r over the whole of path without loading it and returns
// the byte offset of the first match, or -1.
func (s *Scanner) streamMatch(path string, r Rule) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return -1, models.NewPathError("scan", path, err)
	}
	defer f.Close()
	loc := r.Pattern.FindReaderIndex(bufio.NewReader(f))
	if loc == nil {
		return -1, nil
	}
	return loc[0], nil
}

func finding(path string, r Rule, at time.Time, detail string) models.Finding {
	return models.Finding{
		Path:       path,
		RuleID:     r.ID,
		Issue:      r.Issue,
		Severity:   r.Severity,
		Action:     r.Action,
		Detail:     detail,
		DetectedAt: at,
	}
}

func head(data []byte) []byte {
	if len(data) > sniffLen {
		return data[:sniffLen]
	}
	return data
}

// excerpt keeps match details printable for reports.
func excerpt(b []byte) string {
	const max = 64
	if len(b) > max {
		b = b[:max]
	}
	return strings.ToValidUTF8(string(b), "?")
}
