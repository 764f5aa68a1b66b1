package session

import (
	"encoding/json"
	"fmt"
)

// Decode parses a persisted session record, upgrading legacy shapes to the
// current schema. All records entering the engine (local rows, remote
// documents) pass through here so merge logic never sees an old shape.
func Decode(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse session record: %w", err)
	}

	if s.SchemaVersion < SchemaVersion {
		liftLegacyRubrics(&s, data)
		s.SchemaVersion = SchemaVersion
	}

	if s.SyncStatus == "" {
		s.SyncStatus = StatusLocal
	}

	return &s, nil
}

// liftLegacyRubrics upgrades schema v0/v1 rubric entries, which kept scores
// and the artifact list ("artefactos") flat on the entry instead of under
// formative.
func liftLegacyRubrics(s *Session, data []byte) {
	var raw struct {
		RubricProgress map[string]json.RawMessage `json:"rubricProgress"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return
	}

	for id, buf := range raw.RubricProgress {
		entry := s.RubricProgress[id]
		if entry == nil || entry.Formative != nil {
			continue
		}

		var legacy struct {
			Scores       []Score  `json:"scores"`
			LastUpdate   int64    `json:"lastUpdate"`
			Artefactos   []string `json:"artefactos"`
			ArtifactList []string `json:"artifactList"`
		}
		if err := json.Unmarshal(buf, &legacy); err != nil {
			continue
		}
		if len(legacy.Scores) == 0 && len(legacy.Artefactos) == 0 && len(legacy.ArtifactList) == 0 {
			continue
		}

		artifacts := legacy.ArtifactList
		if len(artifacts) == 0 {
			artifacts = legacy.Artefactos
		}

		f := &Formative{
			Scores:       legacy.Scores,
			LastUpdate:   legacy.LastUpdate,
			ArtifactList: artifacts,
		}
		f.Recalc()
		entry.Formative = f
	}
}

// Encode serializes a session for persistence.
func Encode(s *Session) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session: %w", err)
	}
	return data, nil
}
