package cooldown

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sahilm/fuzzy"
)

// Activity is one trackable action with a canonical cooldown.
type Activity struct {
	Name     string
	Duration time.Duration
	Label    string
	Emoji    string
	Aliases  []string

	// ProgressBar selects the long-cooldown dashboard rendering.
	ProgressBar bool
}

// Catalog resolves activity names and aliases, case-insensitively.
// The set can be swapped wholesale via Replace during hot-reload; all
// holders of the pointer see the new set atomically.
type Catalog struct {
	mu     sync.RWMutex
	byName map[string]Activity // canonical names and aliases
	names  []string            // canonical, sorted
}

// Default returns the built-in activity set.
func Default() *Catalog {
	c, err := New([]Activity{
		{Name: "mission", Duration: time.Minute, Label: "Mission", Emoji: "⚔️", Aliases: []string{"m"}},
		{Name: "report", Duration: 10 * time.Minute, Label: "Report", Emoji: "📜", Aliases: []string{"r"}},
		{Name: "challenge", Duration: 30 * time.Minute, Label: "Challenge", Emoji: "🏆", Aliases: []string{"ch"}},
		{Name: "tower", Duration: 6 * time.Hour, Label: "Tower", Emoji: "🗼", Aliases: []string{"to"}},
		{Name: "daily", Duration: 24 * time.Hour, Label: "Daily", Emoji: "📅", Aliases: []string{"d"}, ProgressBar: true},
		{Name: "weekly", Duration: 7 * 24 * time.Hour, Label: "Weekly", Emoji: "🗓️", Aliases: []string{"w"}, ProgressBar: true},
	})
	if err != nil {
		panic(err) // built-in set is static
	}
	return c
}

// New builds a catalog, rejecting duplicate or colliding names/aliases.
func New(activities []Activity) (*Catalog, error) {
	byName, names, err := buildIndex(activities)
	if err != nil {
		return nil, err
	}
	return &Catalog{byName: byName, names: names}, nil
}

func buildIndex(activities []Activity) (map[string]Activity, []string, error) {
	byName := map[string]Activity{}
	var names []string
	for _, a := range activities {
		name := strings.ToLower(strings.TrimSpace(a.Name))
		if name == "" {
			return nil, nil, fmt.Errorf("activity with empty name")
		}
		if a.Duration <= 0 {
			return nil, nil, fmt.Errorf("activity %q: non-positive duration", name)
		}
		if a.Label == "" {
			a.Label = strings.ToUpper(name[:1]) + name[1:]
		}
		a.Name = name
		if _, dup := byName[name]; dup {
			return nil, nil, fmt.Errorf("duplicate activity %q", name)
		}
		byName[name] = a
		names = append(names, name)
		for _, al := range a.Aliases {
			al = strings.ToLower(strings.TrimSpace(al))
			if al == "" {
				continue
			}
			if _, dup := byName[al]; dup {
				return nil, nil, fmt.Errorf("alias %q collides", al)
			}
			byName[al] = a
		}
	}
	sort.Strings(names)
	return byName, names, nil
}

// Replace swaps the activity set. The old set stays active when the new
// one is invalid.
func (c *Catalog) Replace(activities []Activity) error {
	byName, names, err := buildIndex(activities)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.byName = byName
	c.names = names
	c.mu.Unlock()
	return nil
}

// Resolve maps a name or alias to its activity.
func (c *Catalog) Resolve(name string) (Activity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.byName[strings.ToLower(strings.TrimSpace(name))]
	return a, ok
}

// Names returns canonical activity names, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.names...)
}

// Activities returns the canonical set, sorted by name.
func (c *Catalog) Activities() []Activity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Activity, 0, len(c.names))
	for _, n := range c.names {
		out = append(out, c.byName[n])
	}
	return out
}

// Suggest returns up to max canonical names fuzzily matching input,
// for "did you mean" replies on unknown activities.
func (c *Catalog) Suggest(input string, max int) []string {
	if max <= 0 || strings.TrimSpace(input) == "" {
		return nil
	}
	matches := fuzzy.Find(strings.ToLower(input), c.Names())
	out := make([]string, 0, max)
	for _, m := range matches {
		out = append(out, m.Str)
		if len(out) >= max {
			break
		}
	}
	return out
}

// DetectInText returns the first canonical activity whose name appears
// as a substring of text. Used to classify unsolicited game-bot
// messages.
func (c *Catalog) DetectInText(text string) (Activity, bool) {
	low := strings.ToLower(text)
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, n := range c.names {
		if strings.Contains(low, n) {
			return c.byName[n], true
		}
	}
	return Activity{}, false
}
