package projection

import (
	"strconv"

	"github.com/okian/mentorsync/internal/domain/failure"
	"github.com/okian/mentorsync/internal/domain/model"
)

// fold merges in into cur following the per-field rules:
//   - immutable fields (type, value, description, proof, submit-time mentor)
//     are taken from the first full record; a later disagreement keeps the
//     existing value, marks the entry suspect and is reported as a conflict
//   - verified is OR-ed; the earliest known verification sequence is kept
//   - localRejected and suspect are OR-ed
//
// It reports whether cur changed. cur must be a private copy.
func fold(cur *model.Milestone, in *model.Milestone, sources []string) (bool, *failure.ConflictError) {
	changed := false
	var conflict *failure.ConflictError

	if in.Recorded {
		if !cur.Recorded {
			cur.Type = in.Type
			cur.RawType = in.RawType
			cur.Value = in.Value
			cur.Description = in.Description
			cur.ProofReference = in.ProofReference
			cur.Recorded = true
			changed = true
		} else {
			conflict = compareImmutable(cur, in, sources)
		}
		if cur.MentorAddress == "" && in.MentorAddress != "" {
			cur.MentorAddress = in.MentorAddress
			changed = true
		}
		if cur.SubmittedAt.IsZero() && !in.SubmittedAt.IsZero() {
			cur.SubmittedAt = in.SubmittedAt
			changed = true
		}
	}

	if in.SubmittedAtSequence > 0 && (cur.SubmittedAtSequence == 0 || in.SubmittedAtSequence < cur.SubmittedAtSequence) {
		cur.SubmittedAtSequence = in.SubmittedAtSequence
		changed = true
	}

	if in.Verified {
		if !cur.Verified {
			cur.Verified = true
			changed = true
		}
		if seq := in.VerifiedAtSequence; seq != nil && *seq > 0 &&
			(cur.VerifiedAtSequence == nil || *seq < *cur.VerifiedAtSequence) {
			v := *seq
			cur.VerifiedAtSequence = &v
			changed = true
		}
		if cur.VerifiedBy == "" && in.VerifiedBy != "" {
			cur.VerifiedBy = in.VerifiedBy
			changed = true
		}
	}

	if in.LocalRejected && !cur.LocalRejected {
		cur.LocalRejected = true
		changed = true
	}
	if (in.Suspect || conflict != nil) && !cur.Suspect {
		cur.Suspect = true
		changed = true
	}
	return changed, conflict
}

func compareImmutable(cur, in *model.Milestone, sources []string) *failure.ConflictError {
	mismatch := func(field, kept, rejected string) *failure.ConflictError {
		return &failure.ConflictError{
			StartupID: cur.StartupID,
			Index:     cur.Index,
			Field:     field,
			Kept:      kept,
			Rejected:  rejected,
			Sources:   sources,
		}
	}
	switch {
	case cur.Value != in.Value:
		return mismatch("value", strconv.FormatUint(cur.Value, 10), strconv.FormatUint(in.Value, 10))
	case cur.Description != in.Description:
		return mismatch("description", cur.Description, in.Description)
	case rawType(cur) != rawType(in):
		return mismatch("type", rawType(cur), rawType(in))
	case cur.ProofReference != in.ProofReference:
		return mismatch("proof_reference", cur.ProofReference, in.ProofReference)
	case cur.MentorAddress != "" && in.MentorAddress != "" && !model.SameAddress(cur.MentorAddress, in.MentorAddress):
		return mismatch("mentor_address", cur.MentorAddress, in.MentorAddress)
	}
	return nil
}

func rawType(m *model.Milestone) string {
	if m.RawType != "" {
		return m.RawType
	}
	return string(m.Type)
}
