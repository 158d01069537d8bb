// Package filterrule matches a BuildJob against configured regex patterns to
// select its upload target, architecture set, and dependency repositories.
package filterrule

import (
	"fmt"
	"regexp"

	"github.com/mmlabs-mindmaze/mmpack-buildd/buildjob"
	"github.com/mmlabs-mindmaze/mmpack-buildd/internal/ordered"
)

// ConfigError is returned when the rules section of the configuration (or
// the fallback synthesized from it) cannot be constructed.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return "config error: " + e.Msg }

// FilterRule is immutable once constructed.
type FilterRule struct {
	Name string

	// RegexMap maps a BuildJob attribute name to a compiled full-match
	// pattern. Iteration order only matters when building; matching
	// itself requires every entry to match.
	RegexMap *ordered.Map[string, *regexp.Regexp]

	UploadRepo string
	Archs      []string
	DepsRepos  []string
}

// Match reports whether every (attr, regex) pair in r.RegexMap fully
// matches the corresponding job attribute. A missing or empty attribute is
// treated as a non-match, never an error.
func (r *FilterRule) Match(job *buildjob.BuildJob) bool {
	matched := true
	r.RegexMap.Range(func(attr string, re *regexp.Regexp) error {
		value, ok := job.Attr(attr)
		if !ok || value == "" || !isFullMatch(re, value) {
			matched = false
		}
		return nil
	})
	return matched
}

// isFullMatch reports whether re matches the entirety of value, mirroring
// Python's re.fullmatch (Go's regexp has no native fullmatch operator).
func isFullMatch(re *regexp.Regexp, value string) bool {
	loc := re.FindStringIndex(value)
	return loc != nil && loc[0] == 0 && loc[1] == len(value)
}

// RuleConfig is the parsed `rules.<name>` configuration sub-document.
type RuleConfig struct {
	Upload                 string                       `yaml:"upload"`
	Patterns               *ordered.Map[string, string] `yaml:"patterns"`
	BuiltArchitectures     []string                     `yaml:"built-architectures"`
	DependencyRepositories []string                     `yaml:"dependency-repositories"`
}

// RepositoriesConfig exposes enough of the global configuration for
// LoadRules to synthesize a default rule and resolve a rule's architecture
// set.
type RepositoriesConfig interface {
	// RepositoryNames returns the configured upload-repository family
	// names, in configuration order.
	RepositoryNames() []string
	// ArchsFor returns the architectures configured for a given
	// upload-repository family.
	ArchsFor(name string) []string
}

// LoadRules builds the ordered rule set from configuration. If rules is
// empty, a single "default" rule is synthesized routing to the sole
// configured repository; if more than one repository is configured and no
// rules exist, this is a ConfigError.
func LoadRules(rules *ordered.Map[string, RuleConfig], repos RepositoriesConfig) (*ordered.Map[string, *FilterRule], error) {
	result := ordered.NewMap[string, *FilterRule](rules.Len())

	if rules.Len() == 0 {
		names := repos.RepositoryNames()
		if len(names) != 1 {
			return nil, &ConfigError{Msg: fmt.Sprintf(
				"no rules configured and %d repositories configured (need exactly 1 to synthesize a default rule)",
				len(names))}
		}
		result.Set("default", &FilterRule{
			Name:       "default",
			RegexMap:   ordered.NewMap[string, *regexp.Regexp](0),
			UploadRepo: names[0],
			Archs:      repos.ArchsFor(names[0]),
		})
		return result, nil
	}

	err := rules.Range(func(name string, cfg RuleConfig) error {
		regexMap := ordered.NewMap[string, *regexp.Regexp](cfg.Patterns.Len())
		rerr := cfg.Patterns.Range(func(attr, pattern string) error {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return &ConfigError{Msg: fmt.Sprintf("rule %q: invalid pattern for %q: %v", name, attr, err)}
			}
			regexMap.Set(attr, re)
			return nil
		})
		if rerr != nil {
			return rerr
		}

		archs := cfg.BuiltArchitectures
		if len(archs) == 0 {
			archs = repos.ArchsFor(cfg.Upload)
		}

		result.Set(name, &FilterRule{
			Name:       name,
			RegexMap:   regexMap,
			UploadRepo: cfg.Upload,
			Archs:      archs,
			DepsRepos:  cfg.DependencyRepositories,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Apply iterates rules in insertion order and returns a copy of job with the
// first matching rule's UploadRepo/Archs/DepsRepos applied. If no rule
// matches, the copy keeps job's own fields unchanged, including any Archs
// seeded from the request (empty when the request named none); the caller
// drops a job whose Archs end up empty.
func Apply(rules *ordered.Map[string, *FilterRule], job *buildjob.BuildJob) *buildjob.BuildJob {
	applied := *job
	rules.Range(func(_ string, rule *FilterRule) error {
		if !rule.Match(job) {
			return nil
		}
		applied.UploadRepo = rule.UploadRepo
		applied.Archs = rule.Archs
		applied.DepsRepos = rule.DepsRepos
		return errStop
	})
	return &applied
}

// errStop short-circuits Range once the first matching rule has been
// applied; it never escapes Apply.
var errStop = fmt.Errorf("stop")
