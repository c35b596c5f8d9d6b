package resolver

import (
	"context"

	"github.com/okian/mentorsync/internal/domain/audit"
)

// Conflict is the JSON view of a resolver conflict.
type Conflict struct {
	Index    uint64   `json:"index"`
	Field    string   `json:"field"`
	Kept     string   `json:"kept"`
	Rejected string   `json:"rejected"`
	Sources  []string `json:"sources"`
}

// Report lists what each alias of a startup holds on the ledger right now.
type Report struct {
	StartupID string        `json:"startup_id"`
	Sequence  uint64        `json:"sequence"`
	Merged    int           `json:"merged"`
	Aliases   []AliasResult `json:"aliases"`
	Conflicts []Conflict    `json:"conflicts"`
	Error     string        `json:"error,omitempty"`
}

// Report resolves id and summarizes it per alias without touching the
// projection. Read failures are reported in the body, not returned, unless
// nothing could be read at all.
func (r *Resolver) Report(ctx context.Context, trail *audit.Trail, id string) (Report, error) {
	res, err := r.Resolve(ctx, trail, id)
	if err != nil && res.Sequence == 0 {
		return Report{StartupID: res.StartupID}, err
	}
	rep := Report{
		StartupID: res.StartupID,
		Sequence:  res.Sequence,
		Merged:    len(res.Observations),
		Aliases:   res.Aliases,
		Conflicts: make([]Conflict, 0, len(res.Conflicts)),
	}
	for _, c := range res.Conflicts {
		rep.Conflicts = append(rep.Conflicts, Conflict{
			Index:    c.Index,
			Field:    c.Field,
			Kept:     c.Kept,
			Rejected: c.Rejected,
			Sources:  c.Sources,
		})
	}
	if err != nil {
		rep.Error = err.Error()
	}
	return rep, nil
}
