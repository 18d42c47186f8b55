package knowledge

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/iteam1/reviewbot/pkg/models"
)

// CriteriaFile is a YAML document of review criteria:
//
//	criteria:
//	  - Errors are wrapped with context
//	context: |
//	  Services talk to each other over gRPC.
//	rules:
//	  - paths: ["*.sql", "migrations/**"]
//	    criteria:
//	      - Migrations must be reversible
type CriteriaFile struct {
	Criteria []string `yaml:"criteria"`
	Context  string   `yaml:"context"`
	Rules    []Rule   `yaml:"rules"`

	name string
}

// Rule applies its criteria when any changed path matches one of Paths.
type Rule struct {
	Paths    []string `yaml:"paths"`
	Criteria []string `yaml:"criteria"`
}

// LoadCriteriaFile reads and parses a criteria file.
func LoadCriteriaFile(filename string) (*CriteriaFile, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read criteria file: %w", err)
	}
	cf, err := ParseCriteria(data)
	if err != nil {
		return nil, fmt.Errorf("parse criteria file %s: %w", filename, err)
	}
	cf.name = "criteria_file:" + filename
	return cf, nil
}

// ParseCriteria parses criteria YAML.
func ParseCriteria(data []byte) (*CriteriaFile, error) {
	var cf CriteriaFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, err
	}
	for i, r := range cf.Rules {
		for _, p := range r.Paths {
			if _, err := path.Match(strings.ReplaceAll(p, "**", "*"), ""); err != nil {
				return nil, fmt.Errorf("rule %d: bad pattern %q: %w", i, p, err)
			}
		}
	}
	cf.name = "criteria_file"
	return &cf, nil
}

func (c *CriteriaFile) Name() string { return c.name }

// Lookup returns the global criteria plus those of every rule matching a
// changed path.
func (c *CriteriaFile) Lookup(_ context.Context, cs *models.Changeset) (*Knowledge, error) {
	k := &Knowledge{Context: c.Context}
	k.Criteria = append(k.Criteria, c.Criteria...)
	for _, r := range c.Rules {
		if r.matchesAny(cs.Paths()) {
			k.Criteria = append(k.Criteria, r.Criteria...)
		}
	}
	return k, nil
}

func (r Rule) matchesAny(paths []string) bool {
	for _, p := range paths {
		for _, pattern := range r.Paths {
			if MatchPath(pattern, p) {
				return true
			}
		}
	}
	return false
}

// MatchPath matches a slash-separated path against a glob. Patterns without
// a slash match the base name; "dir/**" matches everything below dir.
func MatchPath(pattern, p string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
		return p == prefix || strings.HasPrefix(p, prefix+"/")
	}
	if !strings.Contains(pattern, "/") {
		ok, _ := path.Match(pattern, path.Base(p))
		return ok
	}
	ok, _ := path.Match(pattern, p)
	return ok
}
