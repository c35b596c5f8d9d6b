package classify

import (
	"strings"

	"github.com/okian/mentorsync/internal/domain/model"
)

// Option applies a configuration option to the TableClassifier.
type Option func(*TableClassifier)

// WithAliasesFromConfig adds raw->type aliases from configuration. Entries
// whose target is not a known type are ignored.
func WithAliasesFromConfig(aliases map[string]string) Option {
	return func(c *TableClassifier) {
		for raw, target := range aliases {
			t, err := model.ParseMilestoneType(target)
			if err != nil {
				continue
			}
			c.aliases[strings.ToLower(strings.TrimSpace(raw))] = t
		}
	}
}

// WithFallback sets the type used for unknown strings.
func WithFallback(t model.MilestoneType) Option {
	return func(c *TableClassifier) {
		if _, err := model.ParseMilestoneType(string(t)); err == nil {
			c.fallback = t
		}
	}
}
