package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
)

// hashTextPrefix bounds how much document content feeds the fingerprint.
const hashTextPrefix = 10000

// DigestJCS marshals v, canonicalizes it per RFC 8785 and returns a sha256
// hex digest. Used for no-op write detection and backup snapshot dedup.
func DigestJCS(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal for digest: %w", err)
	}
	canonical, err := jcs.Transform(data)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize for digest: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// contentProjection is the timestamp-free view of a session that the
// fingerprint covers: two sessions with equal projections carry the same
// learner progress even if their clocks disagree.
type contentProjection struct {
	Text                string          `json:"text"`
	AnalysisPresent     bool            `json:"analysisPresent"`
	RubricScores        map[string]int  `json:"rubricScores"`
	ActivitiesCompleted map[string]bool `json:"activitiesCompleted"`
	ArtifactsSubmitted  map[string]int  `json:"artifactsSubmitted"`
	CitationsCount      map[string]int  `json:"citationsCount"`
}

// ContentHash fingerprints the progress-bearing content of a session.
// Timestamps are deliberately excluded so re-saves of identical progress
// hash identically.
func ContentHash(s *Session) string {
	if s == nil {
		return "0"
	}

	proj := contentProjection{
		RubricScores:        make(map[string]int),
		ActivitiesCompleted: make(map[string]bool),
		ArtifactsSubmitted:  make(map[string]int),
		CitationsCount:      make(map[string]int),
	}

	if s.DocumentRef != nil {
		text := s.DocumentRef.ContentRef
		if len(text) > hashTextPrefix {
			text = text[:hashTextPrefix]
		}
		proj.Text = text
	}
	proj.AnalysisPresent = len(s.AnalysisSnapshot) > 0

	for id, entry := range s.RubricProgress {
		if entry != nil && entry.Formative != nil {
			proj.RubricScores[id] = len(entry.Formative.Scores)
		} else {
			proj.RubricScores[id] = 0
		}
	}
	for docID, entry := range s.ActivitiesProgress {
		completed := entry != nil && entry.Preparation != nil && entry.Preparation.Completed
		proj.ActivitiesCompleted[docID] = completed

		submitted := 0
		if entry != nil {
			for _, a := range entry.Artifacts {
				if a != nil && a.Submitted {
					submitted++
				}
			}
		}
		proj.ArtifactsSubmitted[docID] = submitted
	}
	for docID, cits := range s.SavedCitations {
		proj.CitationsCount[docID] = len(cits)
	}

	digest, err := DigestJCS(proj)
	if err != nil {
		return "0"
	}
	return digest
}

// DraftsEmpty reports whether a draft buffer is semantically empty: every
// leaf string blank after trimming.
func DraftsEmpty(drafts map[string]map[string]string) bool {
	for _, fields := range drafts {
		for _, v := range fields {
			if strings.TrimSpace(v) != "" {
				return false
			}
		}
	}
	return true
}
