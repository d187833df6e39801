package aliasing

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"
)

type (
	// compiledPattern holds a pre-compiled regex pattern and its canonical template.
	compiledPattern struct {
		regex     *regexp.Regexp
		canonical string
		variables []string
	}

	// Resolver resolves project names using alias maps and pattern templates.
	// Thread-safe for concurrent use (immutable after construction).
	//
	// Resolution order:
	//  1. Direct alias map lookup, followed transitively (A → B → C resolves A to C)
	//  2. Patterns, in configuration order; first match wins
	//  3. Passthrough (the name resolves to itself)
	Resolver struct {
		aliases  map[string]string
		patterns []compiledPattern
	}
)

// variableRegex matches {name} or {name*} patterns in the pattern string.
var variableRegex = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\*?\}`)

// compilePattern converts a pattern string to a compiled regex.
//
// Pattern: "{name}-staging" → Regex: ^(?P<name>[^/]+)-staging$.
// Pattern: "team/{path*}" → Regex: ^team/(?P<path>.+)$.
func compilePattern(pattern string) (*regexp.Regexp, []string, error) {
	variables := make([]string, 0, 4) //nolint:mnd // preallocate for typical pattern

	// Escape regex special characters in literal parts
	escaped := regexp.QuoteMeta(pattern)

	// Replace escaped variable placeholders with capture groups
	// QuoteMeta escapes { and }, so we look for \{...\}
	result := escaped

	// Find all variables in original pattern
	matches := variableRegex.FindAllStringSubmatch(pattern, -1)
	for _, match := range matches {
		fullMatch := match[0] // e.g., "{name}" or "{path*}"
		varName := match[1]   // e.g., "name" or "path"
		isGreedy := strings.HasSuffix(fullMatch, "*}")

		variables = append(variables, varName)

		// Build the capture group
		var captureGroup string
		if isGreedy {
			// {var*} captures anything including slashes
			captureGroup = "(?P<" + varName + ">.+)"
		} else {
			// {var} captures anything except slashes
			captureGroup = "(?P<" + varName + ">[^/]+)"
		}

		// Replace the escaped version in the result
		escapedVar := regexp.QuoteMeta(fullMatch)
		result = strings.Replace(result, escapedVar, captureGroup, 1)
	}

	// Anchor the regex to match the entire string
	result = "^" + result + "$"

	regex, err := regexp.Compile(result)
	if err != nil {
		return nil, nil, err
	}

	return regex, variables, nil
}

// substituteVariables replaces {var} placeholders in canonical with captured values.
func substituteVariables(canonical string, captures map[string]string) string {
	result := canonical

	for varName, value := range captures {
		// Replace both {var} and {var*} forms
		result = strings.ReplaceAll(result, "{"+varName+"}", value)
		result = strings.ReplaceAll(result, "{"+varName+"*}", value)
	}

	return result
}

// NewResolver creates a resolver from config with validation.
//
// Alias validation (processed in sorted key order for determinism):
//   - Entries with empty alias or canonical are skipped with warning
//   - Self-referential aliases are skipped with warning
//   - Aliases whose canonical is an already-accepted alias key are skipped,
//     which breaks circular chains deterministically
//
// Pattern validation:
//   - Patterns with empty pattern or canonical are skipped with warning
//   - Patterns with invalid regex are skipped with warning
//
// If config is nil or empty, returns a no-op resolver (passthrough).
func NewResolver(cfg *Config) *Resolver {
	if cfg == nil {
		return &Resolver{
			aliases:  map[string]string{},
			patterns: []compiledPattern{},
		}
	}

	return &Resolver{
		aliases:  validateAliases(cfg.ProjectAliases),
		patterns: validatePatterns(cfg.ProjectPatterns),
	}
}

func validateAliases(raw map[string]string) map[string]string {
	keys := make([]string, 0, len(raw))
	for alias := range raw {
		keys = append(keys, alias)
	}

	// Sorted processing makes circular-chain handling deterministic
	sort.Strings(keys)

	valid := make(map[string]string, len(raw))

	for _, key := range keys {
		alias := strings.TrimSpace(key)
		canonical := strings.TrimSpace(raw[key])

		if alias == "" || canonical == "" {
			slog.Warn("Skipping alias with empty name or canonical",
				slog.String("alias", alias))

			continue
		}

		if alias == canonical {
			slog.Warn("Skipping self-referential alias",
				slog.String("alias", alias))

			continue
		}

		// Pointing at an accepted alias key is fine for forward chains, but a
		// back-reference would close a cycle. Reject when the target already
		// resolves (directly or transitively) back to this alias.
		if closesCycle(valid, alias, canonical) {
			slog.Warn("Skipping circular alias",
				slog.String("alias", alias),
				slog.String("canonical", canonical))

			continue
		}

		valid[alias] = canonical
	}

	return valid
}

// closesCycle reports whether adding alias → canonical would create a loop
// through the already-accepted aliases.
func closesCycle(valid map[string]string, alias, canonical string) bool {
	seen := map[string]bool{alias: true}
	current := canonical

	for {
		if seen[current] {
			return true
		}

		seen[current] = true

		next, ok := valid[current]
		if !ok {
			return false
		}

		current = next
	}
}

func validatePatterns(raw []ProjectPattern) []compiledPattern {
	valid := make([]compiledPattern, 0, len(raw))

	for _, pp := range raw {
		pattern := strings.TrimSpace(pp.Pattern)
		canonical := strings.TrimSpace(pp.Canonical)

		// Skip empty patterns
		if pattern == "" {
			slog.Warn("Skipping pattern with empty pattern string")

			continue
		}

		// Skip empty canonical
		if canonical == "" {
			slog.Warn("Skipping pattern with empty canonical",
				slog.String("pattern", pattern))

			continue
		}

		// Compile the pattern
		regex, variables, err := compilePattern(pattern)
		if err != nil {
			slog.Warn("Skipping pattern with invalid regex",
				slog.String("pattern", pattern),
				slog.String("error", err.Error()))

			continue
		}

		valid = append(valid, compiledPattern{
			regex:     regex,
			canonical: canonical,
			variables: variables,
		})

		slog.Debug("Compiled project pattern",
			slog.String("pattern", pattern),
			slog.String("canonical", canonical),
			slog.Int("variables", len(variables)))
	}

	return valid
}

// AliasCount returns the number of active direct aliases.
func (r *Resolver) AliasCount() int {
	if r == nil {
		return 0
	}

	return len(r.aliases)
}

// PatternCount returns the number of compiled patterns.
func (r *Resolver) PatternCount() int {
	if r == nil {
		return 0
	}

	return len(r.patterns)
}

// HasAlias reports whether the given name has a direct alias entry.
func (r *Resolver) HasAlias(projectName string) bool {
	if r == nil || projectName == "" {
		return false
	}

	_, ok := r.aliases[projectName]

	return ok
}

// Resolve maps a reported project name to its canonical form.
//
// Alias chains are followed transitively with a loop guard. When the chain
// terminates, patterns are tried in order against the terminal name; the
// first match wins. A name with no alias and no matching pattern resolves
// to itself.
func (r *Resolver) Resolve(projectName string) string {
	if r == nil || projectName == "" {
		return projectName
	}

	name := projectName
	seen := map[string]bool{}

	for {
		if seen[name] {
			break
		}

		seen[name] = true

		canonical, ok := r.aliases[name]
		if !ok {
			break
		}

		name = canonical
	}

	if canonical, ok := r.matchPattern(name); ok {
		return canonical
	}

	return name
}

// Match checks if a name matches any alias or pattern and returns match details.
// Returns (canonical, true) if matched, ("", false) if no match.
func (r *Resolver) Match(projectName string) (string, bool) {
	if r == nil || projectName == "" {
		return "", false
	}

	if r.HasAlias(projectName) {
		return r.Resolve(projectName), true
	}

	return r.matchPattern(projectName)
}

func (r *Resolver) matchPattern(projectName string) (string, bool) {
	for _, cp := range r.patterns {
		match := cp.regex.FindStringSubmatch(projectName)
		if match == nil {
			continue
		}

		// Extract captured values
		captures := make(map[string]string)

		for i, name := range cp.regex.SubexpNames() {
			if i > 0 && name != "" && i < len(match) {
				captures[name] = match[i]
			}
		}

		// Substitute variables in canonical template
		return substituteVariables(cp.canonical, captures), true
	}

	return "", false
}
