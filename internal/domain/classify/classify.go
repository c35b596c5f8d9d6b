// Package classify normalizes the free-form milestone type strings stored on
// the ledger into model.MilestoneType.
package classify

import (
	"strings"

	"github.com/okian/mentorsync/internal/domain/model"
)

// Classifier maps a raw ledger type string to a milestone type.
type Classifier interface {
	Classify(raw string) model.MilestoneType
}

// builtinAliases covers spellings written by the onboarding scripts.
var builtinAliases = map[string]model.MilestoneType{
	"product":        model.TypeProductLaunch,
	"launch":         model.TypeProductLaunch,
	"product-launch": model.TypeProductLaunch,
	"product launch": model.TypeProductLaunch,
	"user":           model.TypeUsers,
	"user_growth":    model.TypeUsers,
	"fundraise":      model.TypeFunding,
	"investment":     model.TypeFunding,
	"sales":          model.TypeRevenue,
	"income":         model.TypeRevenue,
}

// TableClassifier resolves types through an alias table, falling back to a
// default type for unknown strings.
type TableClassifier struct {
	aliases  map[string]model.MilestoneType
	fallback model.MilestoneType
}

// NewTableClassifier creates a classifier preloaded with the builtin aliases.
func NewTableClassifier(opts ...Option) *TableClassifier {
	c := &TableClassifier{
		aliases:  make(map[string]model.MilestoneType, len(builtinAliases)),
		fallback: model.TypeOther,
	}
	for k, v := range builtinAliases {
		c.aliases[k] = v
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify returns the canonical type for raw.
func (c *TableClassifier) Classify(raw string) model.MilestoneType {
	key := strings.ToLower(strings.TrimSpace(raw))
	if t, err := model.ParseMilestoneType(key); err == nil {
		return t
	}
	if t, ok := c.aliases[key]; ok {
		return t
	}
	return c.fallback
}
