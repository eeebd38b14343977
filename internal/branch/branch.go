// Package branch extracts tracker issue keys from git branch names.
package branch

import (
	"regexp"
	"strconv"
	"strings"
)

// Info holds everything parsed out of a branch name.
type Info struct {
	Type     string // feature, bugfix, hotfix, ...
	IssueKey string // empty when none found
	Slug     string // trailing description, dashes folded to spaces
}

var (
	// type/PROJ-123[-slug]
	typedPattern = regexp.MustCompile(`^(?i)([^/]+)/([A-Z][A-Z0-9]*-[0-9]+)(?:-(.+))?$`)
	// PROJ-123[-slug]
	barePattern = regexp.MustCompile(`^(?i)([A-Z][A-Z0-9]*-[0-9]+)(?:-(.+))?$`)
	// [type/]PROJ123, only valid against a known prefix list
	noSepPattern = regexp.MustCompile(`^(?i)(?:([^/]+)/)?([A-Z]+)([0-9]+)$`)

	keyPattern = regexp.MustCompile(`^[A-Z][A-Z0-9]*-[0-9]+$`)
)

// Extractor parses branch names. The optional project key prefixes enable
// the no-separator grammar (hotfix/PROJ123); without them that form is
// ambiguous and rejected.
type Extractor struct {
	prefixes map[string]struct{}
}

// NewExtractor creates an extractor with the given project key prefixes.
func NewExtractor(projectKeys []string) *Extractor {
	prefixes := make(map[string]struct{}, len(projectKeys))
	for _, k := range projectKeys {
		prefixes[strings.ToUpper(k)] = struct{}{}
	}
	return &Extractor{prefixes: prefixes}
}

// Extract returns the issue key for a branch name, if any. Total: unmatched
// input yields ("", false), never an error.
func (e *Extractor) Extract(name string) (string, bool) {
	info := e.Parse(name)
	if info.IssueKey == "" {
		return "", false
	}
	return info.IssueKey, true
}

// Parse breaks a branch name into type, issue key and slug. Grammars are
// tried in order; the first match wins.
func (e *Extractor) Parse(name string) Info {
	if name == "" {
		return Info{}
	}

	if m := typedPattern.FindStringSubmatch(name); m != nil {
		return Info{
			Type:     strings.ToLower(m[1]),
			IssueKey: strings.ToUpper(m[2]),
			Slug:     slugText(m[3]),
		}
	}

	if m := barePattern.FindStringSubmatch(name); m != nil {
		return Info{
			IssueKey: strings.ToUpper(m[1]),
			Slug:     slugText(m[2]),
		}
	}

	if m := noSepPattern.FindStringSubmatch(name); m != nil {
		prefix := strings.ToUpper(m[2])
		if _, ok := e.prefixes[prefix]; ok {
			return Info{
				Type:     strings.ToLower(m[1]),
				IssueKey: prefix + "-" + m[3],
			}
		}
	}

	return Info{}
}

// Valid reports whether s looks like a tracker issue key (PROJ-123).
func Valid(s string) bool {
	return keyPattern.MatchString(strings.ToUpper(s))
}

// Normalize upper-cases an issue key after validating it.
func Normalize(s string) (string, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if !keyPattern.MatchString(s) {
		return "", false
	}
	return s, true
}

// Suggest builds a conventional branch name for an issue key.
func Suggest(issueKey, branchType, description string) string {
	key, ok := Normalize(issueKey)
	if !ok {
		return ""
	}

	branchType = strings.ToLower(strings.TrimSpace(branchType))
	if branchType == "" {
		branchType = "feature"
	}

	if description == "" {
		return branchType + "/" + key
	}

	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(description) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	slug := strings.TrimSuffix(b.String(), "-")
	if slug == "" {
		return branchType + "/" + key
	}
	return branchType + "/" + key + "-" + slug
}

func slugText(s string) string {
	if s == "" {
		return ""
	}
	s = strings.ReplaceAll(s, "-", " ")
	s = strings.ReplaceAll(s, "_", " ")
	return s
}

// SplitKey breaks an issue key into project prefix and issue number.
func SplitKey(key string) (project string, number int, ok bool) {
	key, valid := Normalize(key)
	if !valid {
		return "", 0, false
	}
	i := strings.LastIndex(key, "-")
	n, err := strconv.Atoi(key[i+1:])
	if err != nil {
		return "", 0, false
	}
	return key[:i], n, true
}
