package failure

import "fmt"

// ConflictError reports two observations disagreeing on an immutable
// milestone field. Kept is the first-observed value that stays in the
// projection.
type ConflictError struct {
	StartupID string
	Index     uint64
	Field     string
	Kept      string
	Rejected  string
	Sources   []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("resolver conflict on %s#%d field %s: kept %q, rejected %q (sources %v)",
		e.StartupID, e.Index, e.Field, e.Kept, e.Rejected, e.Sources)
}

// Is lets errors.Is(err, ErrResolverConflict) match.
func (e *ConflictError) Is(target error) bool { return target == ErrResolverConflict }
