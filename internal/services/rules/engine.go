// -----------------------------------------------------------------------
// Rule Engine - YAML-defined automation evaluated against bookmark events
// -----------------------------------------------------------------------

package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/stash/internal/models"
	"gopkg.in/yaml.v3"
)

// Match narrows which bookmarks a rule fires on. Empty fields match
// everything; set fields must all hold.
type Match struct {
	URLContains   string `yaml:"url_contains,omitempty"`
	TitleContains string `yaml:"title_contains,omitempty"`
	HasTag        string `yaml:"has_tag,omitempty"`
}

// Actions are applied when a rule fires
type Actions struct {
	AddTags        []string            `yaml:"add_tags,omitempty"`
	MoveToList     string              `yaml:"move_to_list,omitempty"`
	EnqueueWebhook models.WebhookEvent `yaml:"enqueue_webhook,omitempty"`
}

// Rule is one automation definition loaded from the rules directory
type Rule struct {
	Name    string  `yaml:"name"`
	Event   string  `yaml:"event"`
	Match   Match   `yaml:"match,omitempty"`
	Actions Actions `yaml:"actions"`
}

func (r *Rule) validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule requires a name")
	}
	if r.Event == "" {
		return fmt.Errorf("rule %q requires an event", r.Name)
	}
	if len(r.Actions.AddTags) == 0 && r.Actions.MoveToList == "" && r.Actions.EnqueueWebhook == "" {
		return fmt.Errorf("rule %q has no actions", r.Name)
	}
	return nil
}

// matches reports whether the rule fires for this event on this bookmark
func (r *Rule) matches(eventType string, b *models.Bookmark) bool {
	if r.Event != eventType {
		return false
	}
	if r.Match.URLContains != "" && !strings.Contains(b.URL, r.Match.URLContains) {
		return false
	}
	if r.Match.TitleContains != "" && !strings.Contains(strings.ToLower(b.Title), strings.ToLower(r.Match.TitleContains)) {
		return false
	}
	if r.Match.HasTag != "" {
		found := false
		for _, tag := range b.Tags {
			if tag == r.Match.HasTag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// LoadRules reads every .yaml/.yml file in dir. Each file holds a list of
// rules. A missing directory means no rules; a malformed file is an error
// so a typo never silently disables automation.
func LoadRules(dir string, logger arbor.ILogger) ([]Rule, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read rules dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var rules []Rule
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read rule file %s: %w", name, err)
		}

		var fileRules []Rule
		if err := yaml.Unmarshal(data, &fileRules); err != nil {
			return nil, fmt.Errorf("rule file %s does not parse: %w", name, err)
		}
		for i := range fileRules {
			if err := fileRules[i].validate(); err != nil {
				return nil, fmt.Errorf("rule file %s: %w", name, err)
			}
		}
		rules = append(rules, fileRules...)
	}

	logger.Info().Int("rules", len(rules)).Str("dir", dir).Msg("Rule definitions loaded")
	return rules, nil
}
