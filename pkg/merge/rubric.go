package merge

import (
	"sort"

	"github.com/lectioapp/lectio/pkg/session"
)

// RubricProgress reconciles two rubric progress maps. It returns the merged
// map and whether it differs from local. Neither input is mutated.
//
// Per rubric id:
//  1. An authority reset on the remote side that outranks local activity
//     wins outright, regardless of how much progress local holds.
//  2. A local entry with no scores is replaced by remote.
//  3. Otherwise scores are unioned (dedup by timestamp+seq), sorted
//     ascending, and average/attempts recomputed over the trailing 3.
//  4. The summative is taken from the side with the later gradedAt or
//     submittedAt; finalScore and certified derive from it.
func RubricProgress(local, remote map[string]*session.RubricEntry) (map[string]*session.RubricEntry, bool) {
	merged := make(map[string]*session.RubricEntry)

	for id, l := range local {
		merged[id] = cloneRubric(l)
	}
	for id, r := range remote {
		if r == nil {
			continue
		}
		l := merged[id]
		merged[id] = mergeRubricEntry(l, r)
	}

	if len(merged) == 0 && len(local) == 0 {
		return merged, false
	}
	return merged, !equalJSON(merged, local)
}

func mergeRubricEntry(local, remote *session.RubricEntry) *session.RubricEntry {
	if local == nil {
		return cloneRubric(remote)
	}

	// Reset precedence: an authoritative reset invalidates whatever the
	// local cache holds for this rubric.
	if remoteResetWins(local, remote) {
		return cloneRubric(remote)
	}

	if local.Formative == nil || len(local.Formative.Scores) == 0 {
		out := cloneRubric(remote)
		// keep a local summative/finalScore if remote carries none
		if out.Summative == nil {
			out.Summative = cloneSummative(local.Summative)
		}
		if out.FinalScore == nil {
			out.FinalScore = local.FinalScore
			out.Certified = local.Certified
		}
		deriveFinal(out)
		return out
	}

	out := cloneRubric(local)

	// Union of formative scores, deduplicated by (timestamp, seq).
	if remote.Formative != nil {
		seen := make(map[scoreKey]bool, len(out.Formative.Scores))
		for _, sc := range out.Formative.Scores {
			seen[scoreKey{sc.Timestamp, sc.Seq}] = true
		}
		for _, sc := range remote.Formative.Scores {
			k := scoreKey{sc.Timestamp, sc.Seq}
			if !seen[k] {
				seen[k] = true
				out.Formative.Scores = append(out.Formative.Scores, sc)
			}
		}
		sort.Slice(out.Formative.Scores, func(i, j int) bool {
			a, b := out.Formative.Scores[i], out.Formative.Scores[j]
			if a.Timestamp != b.Timestamp {
				return a.Timestamp < b.Timestamp
			}
			return a.Seq < b.Seq
		})
		out.Formative.ArtifactList = unionStrings(out.Formative.ArtifactList, remote.Formative.ArtifactList)
		if remote.Formative.LastUpdate > out.Formative.LastUpdate {
			out.Formative.LastUpdate = remote.Formative.LastUpdate
		}
		out.Formative.Recalc()
	}

	// Summative from the side with the later grading/submission.
	if summativeTime(remote.Summative) > summativeTime(local.Summative) {
		out.Summative = cloneSummative(remote.Summative)
	}

	// Carry the higher reset epoch so a replayed reset cannot re-fire.
	if remote.ResetEpoch > out.ResetEpoch {
		out.ResetEpoch = remote.ResetEpoch
	}

	if out.FinalScore == nil {
		if local.FinalScore != nil {
			out.FinalScore = local.FinalScore
			out.Certified = local.Certified
		} else if remote.FinalScore != nil {
			out.FinalScore = remote.FinalScore
			out.Certified = remote.Certified
		}
	}
	deriveFinal(out)

	return out
}

type scoreKey struct {
	ts  int64
	seq int64
}

// remoteResetWins decides reset precedence. Epochs order concurrent resets;
// a legacy marker (epoch 0) falls back to comparing the reset time against
// the newest local activity, matching the original marker-presence rule.
func remoteResetWins(local, remote *session.RubricEntry) bool {
	if !remote.HasReset() {
		return false
	}
	if remote.ResetEpoch > local.ResetEpoch {
		return true
	}
	if remote.ResetEpoch < local.ResetEpoch {
		return false
	}
	return remote.ResetAt > lastRubricActivity(local)
}

// lastRubricActivity returns the newest timestamp on the entry: score
// timestamps, summative times, or its own reset marker.
func lastRubricActivity(e *session.RubricEntry) int64 {
	if e == nil {
		return 0
	}
	var last int64
	if e.Formative != nil {
		for _, sc := range e.Formative.Scores {
			if sc.Timestamp > last {
				last = sc.Timestamp
			}
		}
		if e.Formative.LastUpdate > last {
			last = e.Formative.LastUpdate
		}
	}
	if t := summativeTime(e.Summative); t > last {
		last = t
	}
	if e.ResetAt > last {
		last = e.ResetAt
	}
	return last
}

func summativeTime(s *session.Summative) int64 {
	if s == nil {
		return 0
	}
	if s.GradedAt > s.SubmittedAt {
		return s.GradedAt
	}
	return s.SubmittedAt
}

// deriveFinal recomputes finalScore/certified from a graded summative.
func deriveFinal(e *session.RubricEntry) {
	if e.Summative != nil && e.Summative.Status == "graded" {
		score := e.Summative.Score
		e.FinalScore = &score
	}
	if e.FinalScore != nil {
		e.Certified = *e.FinalScore >= session.PassThreshold
	}
}

func cloneRubric(e *session.RubricEntry) *session.RubricEntry {
	if e == nil {
		return nil
	}
	out := *e
	if e.Formative != nil {
		f := *e.Formative
		f.Scores = append([]session.Score(nil), e.Formative.Scores...)
		f.ArtifactList = append([]string(nil), e.Formative.ArtifactList...)
		out.Formative = &f
	}
	out.Summative = cloneSummative(e.Summative)
	if e.FinalScore != nil {
		v := *e.FinalScore
		out.FinalScore = &v
	}
	return &out
}

func cloneSummative(s *session.Summative) *session.Summative {
	if s == nil {
		return nil
	}
	out := *s
	return &out
}

func unionStrings(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]bool, len(a))
	out := append([]string(nil), a...)
	for _, v := range a {
		seen[v] = true
	}
	for _, v := range b {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
