package branch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtract_Grammars(t *testing.T) {
	ex := NewExtractor(nil)

	tests := []struct {
		name   string
		branch string
		want   string
		found  bool
	}{
		{"typed with slug", "feature/ABC-42-login-page", "ABC-42", true},
		{"typed without slug", "bugfix/PROJ-7", "PROJ-7", true},
		{"bare key", "ABC-42", "ABC-42", true},
		{"bare key with slug", "ABC-42-fix-timeout", "ABC-42", true},
		{"lowercase key", "feature/abc-42-login", "ABC-42", true},
		{"digits in project", "feature/P2P-9-retry", "P2P-9", true},
		{"main branch", "main", "", false},
		{"develop branch", "develop", "", false},
		{"no key at all", "no-issue-here", "", false},
		{"release tag style", "release/v1.2.3", "", false},
		{"empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ex.Extract(tt.branch)
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtract_NoSeparatorNeedsKnownPrefix(t *testing.T) {
	plain := NewExtractor(nil)
	_, ok := plain.Extract("hotfix/PROJ123")
	assert.False(t, ok, "no-separator form is ambiguous without a prefix list")

	ex := NewExtractor([]string{"PROJ"})

	key, ok := ex.Extract("hotfix/PROJ123")
	assert.True(t, ok)
	assert.Equal(t, "PROJ-123", key)

	key, ok = ex.Extract("PROJ123")
	assert.True(t, ok)
	assert.Equal(t, "PROJ-123", key)

	_, ok = ex.Extract("hotfix/OTHER123")
	assert.False(t, ok, "unknown prefix should not match")
}

func TestParse_Fields(t *testing.T) {
	ex := NewExtractor(nil)

	info := ex.Parse("Feature/ABC-42-login-page")
	assert.Equal(t, "feature", info.Type)
	assert.Equal(t, "ABC-42", info.IssueKey)
	assert.Equal(t, "login page", info.Slug)

	info = ex.Parse("ABC-42")
	assert.Equal(t, "", info.Type)
	assert.Equal(t, "ABC-42", info.IssueKey)
	assert.Equal(t, "", info.Slug)
}

func TestNormalize(t *testing.T) {
	key, ok := Normalize(" abc-42 ")
	assert.True(t, ok)
	assert.Equal(t, "ABC-42", key)

	_, ok = Normalize("not a key")
	assert.False(t, ok)

	_, ok = Normalize("ABC-")
	assert.False(t, ok)

	_, ok = Normalize("42-ABC")
	assert.False(t, ok)
}

func TestSuggest(t *testing.T) {
	tests := []struct {
		name        string
		key         string
		branchType  string
		description string
		want        string
	}{
		{"full", "ABC-42", "feature", "Login Page!", "feature/ABC-42-login-page"},
		{"default type", "abc-42", "", "login", "feature/ABC-42-login"},
		{"no description", "ABC-42", "bugfix", "", "bugfix/ABC-42"},
		{"punctuation collapsed", "ABC-42", "hotfix", "fix:  the -- thing", "hotfix/ABC-42-fix-the-thing"},
		{"invalid key", "nope", "feature", "x", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Suggest(tt.key, tt.branchType, tt.description))
		})
	}
}

func TestSplitKey(t *testing.T) {
	project, number, ok := SplitKey("ABC-42")
	assert.True(t, ok)
	assert.Equal(t, "ABC", project)
	assert.Equal(t, 42, number)

	_, _, ok = SplitKey("garbage")
	assert.False(t, ok)
}
