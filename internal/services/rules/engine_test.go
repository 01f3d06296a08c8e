package rules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/stash/internal/models"
)

func writeRuleFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadRulesReadsSortedFiles(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "20-github.yaml", `
- name: tag-github
  event: bookmarkAdded
  match:
    url_contains: github.com
  actions:
    add_tags: [github]
`)
	writeRuleFile(t, dir, "10-reading.yml", `
- name: reading-list
  event: bookmarkAdded
  match:
    title_contains: tutorial
  actions:
    move_to_list: list_reading
- name: notify-crawled
  event: bookmarkCrawled
  actions:
    enqueue_webhook: crawled
`)
	writeRuleFile(t, dir, "notes.txt", "not a rule file")

	rules, err := LoadRules(dir, arbor.NewLogger())
	require.NoError(t, err)
	require.Len(t, rules, 3)

	// Files load in lexical order
	assert.Equal(t, "reading-list", rules[0].Name)
	assert.Equal(t, "notify-crawled", rules[1].Name)
	assert.Equal(t, "tag-github", rules[2].Name)
	assert.Equal(t, models.WebhookEventCrawled, rules[1].Actions.EnqueueWebhook)
}

func TestLoadRulesMissingDirMeansNoRules(t *testing.T) {
	rules, err := LoadRules(filepath.Join(t.TempDir(), "does-not-exist"), arbor.NewLogger())
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestLoadRulesMalformedFileFails(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "bad.yaml", "{not yaml: [")

	_, err := LoadRules(dir, arbor.NewLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.yaml")
}

func TestLoadRulesRejectsActionlessRule(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "empty.yaml", `
- name: no-op
  event: bookmarkAdded
`)

	_, err := LoadRules(dir, arbor.NewLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no-op")
}

func TestRuleMatches(t *testing.T) {
	b := models.NewLinkBookmark("bm_1", "user-1", "https://github.com/golang/go")
	b.Title = "The Go Programming Language"
	b.Tags = []string{"golang"}

	tests := []struct {
		name  string
		rule  Rule
		event string
		want  bool
	}{
		{
			name:  "event only",
			rule:  Rule{Event: "bookmarkAdded"},
			event: "bookmarkAdded",
			want:  true,
		},
		{
			name:  "wrong event",
			rule:  Rule{Event: "bookmarkAdded"},
			event: "bookmarkCrawled",
			want:  false,
		},
		{
			name:  "url substring",
			rule:  Rule{Event: "bookmarkAdded", Match: Match{URLContains: "github.com"}},
			event: "bookmarkAdded",
			want:  true,
		},
		{
			name:  "url substring miss",
			rule:  Rule{Event: "bookmarkAdded", Match: Match{URLContains: "gitlab.com"}},
			event: "bookmarkAdded",
			want:  false,
		},
		{
			name:  "title match is case-insensitive",
			rule:  Rule{Event: "bookmarkAdded", Match: Match{TitleContains: "go programming"}},
			event: "bookmarkAdded",
			want:  true,
		},
		{
			name:  "has_tag exact",
			rule:  Rule{Event: "bookmarkAdded", Match: Match{HasTag: "golang"}},
			event: "bookmarkAdded",
			want:  true,
		},
		{
			name:  "has_tag miss",
			rule:  Rule{Event: "bookmarkAdded", Match: Match{HasTag: "rust"}},
			event: "bookmarkAdded",
			want:  false,
		},
		{
			name: "all conditions must hold",
			rule: Rule{Event: "bookmarkAdded", Match: Match{
				URLContains: "github.com",
				HasTag:      "missing",
			}},
			event: "bookmarkAdded",
			want:  false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rule.matches(tt.event, b))
		})
	}
}
