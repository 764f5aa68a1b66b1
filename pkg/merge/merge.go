// Package merge reconciles locally-authored progress with remotely-authored
// progress. All functions are pure: no I/O, inputs never mutated.
//
// Tie-break philosophy: more learner progress always wins, except when an
// authority reset is present, in which case the reset wins regardless of
// quantity or recency. This prevents a stale but richer local cache from
// resurrecting progress a teacher intentionally cleared.
package merge

import (
	"encoding/json"

	"github.com/lectioapp/lectio/pkg/session"
)

// Session reconciles two versions of a session record field-wise. It
// returns the merged session and whether it differs from local. Either
// side may be nil.
func Session(local, remote *session.Session) (*session.Session, bool) {
	if remote == nil {
		return local.Clone(), false
	}
	if local == nil {
		return remote.Clone(), true
	}

	out := local.Clone()

	rubric, rubricChanged := RubricProgress(local.RubricProgress, remote.RubricProgress)
	activities, actChanged := ActivitiesProgress(local.ActivitiesProgress, remote.ActivitiesProgress)
	citations, citChanged := Citations(local.SavedCitations, remote.SavedCitations)
	out.RubricProgress = rubric
	out.ActivitiesProgress = activities
	out.SavedCitations = citations

	// Document content: prefer the longer contentRef when they differ.
	if remote.DocumentRef != nil {
		if out.DocumentRef == nil {
			out.DocumentRef = remote.DocumentRef
		} else if len(remote.DocumentRef.ContentRef) > len(out.DocumentRef.ContentRef) {
			out.DocumentRef = remote.DocumentRef
		}
	}

	// Analysis snapshot is opaque: prefer whichever side has one. When an
	// authority reset won, the local derivative is purged in favor of the
	// remote copy so cleared progress cannot leak back through cached
	// analysis.
	if ResetDetected(local, remote) {
		out.AnalysisSnapshot = remote.AnalysisSnapshot
	} else if len(out.AnalysisSnapshot) == 0 {
		out.AnalysisSnapshot = remote.AnalysisSnapshot
	}

	// Never null out the course/document correlation.
	if out.CourseRef == "" {
		out.CourseRef = remote.CourseRef
	}
	if out.DocumentID == "" {
		out.DocumentID = remote.DocumentID
	}
	if out.Title == "" {
		out.Title = remote.Title
	}

	// Opaque per-learner blobs follow the most recently modified side.
	if remote.LastModified > local.LastModified {
		if len(remote.RewardsState) > 0 {
			out.RewardsState = remote.RewardsState
		}
		if len(remote.Settings) > 0 {
			out.Settings = remote.Settings
		}
	} else {
		if len(out.RewardsState) == 0 {
			out.RewardsState = remote.RewardsState
		}
		if len(out.Settings) == 0 {
			out.Settings = remote.Settings
		}
	}

	// Drafts are ephemeral and locally authored; only adopt the remote
	// buffer when local has nothing.
	if session.DraftsEmpty(out.ArtifactsDrafts) && !session.DraftsEmpty(remote.ArtifactsDrafts) {
		out.ArtifactsDrafts = remote.ArtifactsDrafts
	}

	if remote.CreatedAt > 0 && (out.CreatedAt == 0 || remote.CreatedAt < out.CreatedAt) {
		out.CreatedAt = remote.CreatedAt
	}
	if remote.LastModified > out.LastModified {
		out.LastModified = remote.LastModified
	}
	if remote.Seq > out.Seq {
		out.Seq = remote.Seq
	}

	changed := rubricChanged || actChanged || citChanged || !equalJSON(out, local)
	if changed {
		out.SyncStatus = session.StatusMerged
	}

	return out, changed
}

// ResetDetected reports whether the remote session carries an authority
// reset that outranks the corresponding local state. Callers use it to
// purge derivative caches keyed by the same document.
func ResetDetected(local, remote *session.Session) bool {
	if remote == nil {
		return false
	}
	for id, r := range remote.RubricProgress {
		if r == nil || !r.HasReset() {
			continue
		}
		var l *session.RubricEntry
		if local != nil {
			l = local.RubricProgress[id]
		}
		if l == nil || remoteResetWins(l, r) {
			return true
		}
	}
	for docID, r := range remote.ActivitiesProgress {
		if r == nil {
			continue
		}
		var l *session.ActivityEntry
		if local != nil {
			l = local.ActivitiesProgress[docID]
		}
		if l == nil {
			for _, a := range r.Artifacts {
				if a.IsReset() {
					return true
				}
			}
			continue
		}
		if activityResetWins(l, r) {
			return true
		}
	}
	return false
}

// equalJSON compares two values by canonical JSON encoding (encoding/json
// sorts map keys, so the comparison is deterministic).
func equalJSON(a, b interface{}) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ab) == string(bb)
}
