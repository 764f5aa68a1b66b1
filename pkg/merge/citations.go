package merge

import (
	"strings"

	"github.com/lectioapp/lectio/pkg/session"
)

// citationDupPrefix is the leading-substring length used by the duplicate
// heuristic: two citations whose text shares this prefix within one
// document scope are treated as the same citation.
const citationDupPrefix = 80

// Citations reconciles saved citations. Per document id, the remote list
// replaces the local one only when remote has strictly more entries, or an
// equal count with a newer max timestamp. Documents present on one side
// only are carried over.
func Citations(local, remote map[string][]session.Citation) (map[string][]session.Citation, bool) {
	merged := make(map[string][]session.Citation)

	for docID, cits := range local {
		merged[docID] = append([]session.Citation(nil), cits...)
	}
	for docID, r := range remote {
		l, ok := merged[docID]
		if !ok {
			merged[docID] = append([]session.Citation(nil), r...)
			continue
		}
		if len(r) > len(l) || (len(r) == len(l) && maxCitationTime(r) > maxCitationTime(l)) {
			merged[docID] = append([]session.Citation(nil), r...)
		}
	}

	if len(merged) == 0 && len(local) == 0 {
		return merged, false
	}
	return merged, !equalJSON(merged, local)
}

// IsDuplicateCitation reports whether text duplicates an existing citation
// in the document scope, using the leading-substring heuristic.
func IsDuplicateCitation(existing []session.Citation, text string) bool {
	key := citationKey(text)
	for _, c := range existing {
		if citationKey(c.Text) == key {
			return true
		}
	}
	return false
}

func citationKey(text string) string {
	t := strings.TrimSpace(text)
	if len(t) > citationDupPrefix {
		t = t[:citationDupPrefix]
	}
	return t
}

func maxCitationTime(cits []session.Citation) int64 {
	var max int64
	for _, c := range cits {
		if c.Timestamp > max {
			max = c.Timestamp
		}
	}
	return max
}
