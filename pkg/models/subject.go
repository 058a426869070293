package models

// Subject record fields the core inspects. The subject store owns the full
// record; these are the flags the core must honor before enrolling.
const (
	SubjectFieldOptedOut  = "opted_out"
	SubjectFieldBlocked   = "blocked"
	SubjectFieldDeletedAt = "deleted_at"
)

// SubjectEnrollable reports whether a subject record may be enrolled. A nil
// record (absent subject) is never enrollable, and neither are opted-out,
// blocked or soft-deleted subjects.
func SubjectEnrollable(record map[string]any) bool {
	if !SubjectPresent(record) {
		return false
	}

	if flag, ok := record[SubjectFieldOptedOut].(bool); ok && flag {
		return false
	}

	if flag, ok := record[SubjectFieldBlocked].(bool); ok && flag {
		return false
	}

	return true
}

// SubjectPresent reports whether the subject still exists. In-flight
// executions of a removed subject cancel with reason subject_removed.
func SubjectPresent(record map[string]any) bool {
	if record == nil {
		return false
	}

	if deleted, ok := record[SubjectFieldDeletedAt]; ok && deleted != nil {
		return false
	}

	return true
}
