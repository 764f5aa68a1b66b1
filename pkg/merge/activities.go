package merge

import (
	"github.com/lectioapp/lectio/pkg/session"
)

// ActivitiesProgress reconciles two activity progress maps. Per document id:
//  1. A remote entry carrying an authoritative artifact reset (resetBy set,
//     submitted=false) that outranks the local entry fully replaces it.
//  2. Otherwise the side with more submitted artifacts wins; ties fall to
//     preparation completeness, then to recency.
func ActivitiesProgress(local, remote map[string]*session.ActivityEntry) (map[string]*session.ActivityEntry, bool) {
	merged := make(map[string]*session.ActivityEntry)

	for docID, l := range local {
		merged[docID] = cloneActivity(l)
	}
	for docID, r := range remote {
		if r == nil {
			continue
		}
		l := merged[docID]
		if l == nil {
			merged[docID] = cloneActivity(r)
			continue
		}
		if activityResetWins(l, r) {
			merged[docID] = cloneActivity(r)
			continue
		}
		if activityRank(r, l) {
			merged[docID] = cloneActivity(r)
		}
	}

	if len(merged) == 0 && len(local) == 0 {
		return merged, false
	}
	return merged, !equalJSON(merged, local)
}

// activityResetWins reports whether the remote entry carries an
// authoritative reset that outranks the local entry. Epoch comparison
// orders concurrent resets; a legacy marker (epoch 0) always wins, matching
// the original marker-presence rule.
func activityResetWins(local, remote *session.ActivityEntry) bool {
	var remoteEpoch int64 = -1
	for _, a := range remote.Artifacts {
		if a.IsReset() && a.ResetEpoch > remoteEpoch {
			remoteEpoch = a.ResetEpoch
		}
	}
	if remoteEpoch < 0 {
		return false
	}
	if remoteEpoch == 0 {
		return true // legacy marker-only reset
	}
	return remoteEpoch > maxResetEpoch(local)
}

func maxResetEpoch(e *session.ActivityEntry) int64 {
	var max int64
	for _, a := range e.Artifacts {
		if a != nil && a.ResetEpoch > max {
			max = a.ResetEpoch
		}
	}
	return max
}

// activityRank reports whether a should replace b: more submitted
// artifacts, then more complete preparation, then newer activity.
func activityRank(a, b *session.ActivityEntry) bool {
	as, bs := submittedCount(a), submittedCount(b)
	if as != bs {
		return as > bs
	}
	ap, bp := preparationFields(a.Preparation), preparationFields(b.Preparation)
	if ap != bp {
		return ap > bp
	}
	return lastActivityTime(a) > lastActivityTime(b)
}

func submittedCount(e *session.ActivityEntry) int {
	n := 0
	for _, a := range e.Artifacts {
		if a != nil && a.Submitted {
			n++
		}
	}
	return n
}

// preparationFields counts populated preparation fields as a completeness
// measure for tie-breaking.
func preparationFields(p *session.Preparation) int {
	if p == nil {
		return 0
	}
	n := 0
	if p.Completed {
		n++
	}
	if p.MCQPassed {
		n++
	}
	if len(p.MCQResults) > 0 {
		n++
	}
	if len(p.SynthesisAnswers) > 0 {
		n++
	}
	if p.UpdatedAt > 0 {
		n++
	}
	return n
}

func lastActivityTime(e *session.ActivityEntry) int64 {
	var last int64
	if e.Preparation != nil && e.Preparation.UpdatedAt > last {
		last = e.Preparation.UpdatedAt
	}
	for _, a := range e.Artifacts {
		if a != nil && a.SubmittedAt > last {
			last = a.SubmittedAt
		}
	}
	return last
}

func cloneActivity(e *session.ActivityEntry) *session.ActivityEntry {
	if e == nil {
		return nil
	}
	out := &session.ActivityEntry{}
	if e.Preparation != nil {
		p := *e.Preparation
		out.Preparation = &p
	}
	if e.Artifacts != nil {
		out.Artifacts = make(map[string]*session.Artifact, len(e.Artifacts))
		for name, a := range e.Artifacts {
			if a == nil {
				continue
			}
			c := *a
			c.History = append([]session.Submission(nil), a.History...)
			out.Artifacts[name] = &c
		}
	}
	return out
}
