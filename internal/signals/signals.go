// Package signals resolves Content-Signal preferences for Markdown responses.
package signals

import (
	"fmt"
	"strings"
)

// Overrides holds per-entity or per-term preferences. A nil field inherits the
// next level (term, then global default).
type Overrides struct {
	AITrain *bool `json:"ai_train,omitempty" yaml:"ai_train,omitempty"`
	Search  *bool `json:"search,omitempty" yaml:"search,omitempty"`
	AIInput *bool `json:"ai_input,omitempty" yaml:"ai_input,omitempty"`
}

// Defaults are the globally configured signal values.
type Defaults struct {
	AITrain bool `mapstructure:"ai_train"`
	Search  bool `mapstructure:"search"`
	AIInput bool `mapstructure:"ai_input"`
}

// Resolved is the final value of every signal for one response.
type Resolved struct {
	AITrain bool
	Search  bool
	AIInput bool
}

// Resolve picks, for each signal independently, the entity override, else the term
// override, else the global default. Either override set may be nil.
func Resolve(entity, term *Overrides, defaults Defaults) Resolved {
	var e, t Overrides
	if entity != nil {
		e = *entity
	}
	if term != nil {
		t = *term
	}
	return Resolved{
		AITrain: pick(defaults.AITrain, e.AITrain, t.AITrain),
		Search:  pick(defaults.Search, e.Search, t.Search),
		AIInput: pick(defaults.AIInput, e.AIInput, t.AIInput),
	}
}

func pick(def bool, layers ...*bool) bool {
	for _, v := range layers {
		if v != nil {
			return *v
		}
	}
	return def
}

// Header renders the Content-Signal header value. Only enabled signals are listed;
// an empty string means the header must be omitted.
func (r Resolved) Header() string {
	parts := make([]string, 0, 3)
	if r.AITrain {
		parts = append(parts, "ai-train=yes")
	}
	if r.Search {
		parts = append(parts, "search=yes")
	}
	if r.AIInput {
		parts = append(parts, "ai-input=yes")
	}
	return strings.Join(parts, ", ")
}

// ParseOverride converts the stored tri-state form ("yes", "no", "" or "global")
// into an optional boolean.
func ParseOverride(s string) (*bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "global", "inherit":
		return nil, nil
	case "yes", "true", "1":
		v := true
		return &v, nil
	case "no", "false", "0":
		v := false
		return &v, nil
	default:
		return nil, fmt.Errorf("invalid signal override %q", s)
	}
}
