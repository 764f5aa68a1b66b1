package session

import (
	_ "embed"
	"fmt"
	"sort"
	"sync"

	"github.com/kaptinlin/jsonschema"
)

//go:embed schema.json
var schemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		schema, schemaErr = compiler.Compile(schemaJSON)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("failed to compile session schema: %w", schemaErr)
		}
	})
	return schema, schemaErr
}

// Validate checks the structural contract of a session record and its
// internal invariants. It returns a list of problems; an empty list means
// the record is safe to persist.
func Validate(s *Session) []string {
	if s == nil {
		return []string{"session is nil"}
	}

	var problems []string

	sch, err := compiledSchema()
	if err != nil {
		problems = append(problems, err.Error())
	} else {
		data, encErr := Encode(s)
		if encErr != nil {
			return append(problems, encErr.Error())
		}
		result := sch.ValidateJSON(data)
		if !result.IsValid() {
			keys := make([]string, 0, len(result.Errors))
			for k := range result.Errors {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				problems = append(problems, fmt.Sprintf("%s: %v", k, result.Errors[k]))
			}
		}
	}

	if s.DocumentRef != nil && len(s.DocumentRef.ContentRef) > MaxContentBytes {
		problems = append(problems, fmt.Sprintf("documentRef.contentRef exceeds %d bytes", MaxContentBytes))
	}

	for id, entry := range s.RubricProgress {
		if entry == nil {
			problems = append(problems, fmt.Sprintf("rubricProgress.%s is null", id))
			continue
		}
		if f := entry.Formative; f != nil && f.Attempts != len(f.Scores) {
			problems = append(problems, fmt.Sprintf("rubricProgress.%s: attempts=%d but %d scores", id, f.Attempts, len(f.Scores)))
		}
	}

	for docID, entry := range s.ActivitiesProgress {
		if entry == nil {
			problems = append(problems, fmt.Sprintf("activitiesProgress.%s is null", docID))
		}
	}

	return problems
}

// Sanitize rebuilds a session best-effort: required fields are defaulted,
// derived values recomputed, oversized content truncated, null entries
// dropped. Returns nil only when there is nothing to rebuild from.
func Sanitize(s *Session) *Session {
	if s == nil {
		return nil
	}

	out := s.Clone()
	if out == nil {
		return nil
	}
	now := NowMillis()

	if out.SchemaVersion == 0 {
		out.SchemaVersion = SchemaVersion
	}
	if out.ID == "" {
		out.ID = NewID()
	}
	if out.Title == "" {
		out.Title = "Untitled session"
	}
	if out.CreatedAt <= 0 {
		out.CreatedAt = now
	}
	if out.LastModified <= 0 {
		out.LastModified = now
	}

	if out.DocumentRef != nil && len(out.DocumentRef.ContentRef) > MaxContentBytes {
		out.DocumentRef.ContentRef = out.DocumentRef.ContentRef[:MaxContentBytes]
	}

	for id, entry := range out.RubricProgress {
		if entry == nil {
			delete(out.RubricProgress, id)
			continue
		}
		if entry.Formative != nil {
			entry.Formative.Recalc()
		}
	}

	for docID, entry := range out.ActivitiesProgress {
		if entry == nil {
			delete(out.ActivitiesProgress, docID)
			continue
		}
		for name, a := range entry.Artifacts {
			if a == nil {
				delete(entry.Artifacts, name)
				continue
			}
			if a.Attempts < 0 {
				a.Attempts = 0
			}
		}
	}

	for docID, cits := range out.SavedCitations {
		kept := cits[:0]
		for _, c := range cits {
			if c.Text == "" {
				continue
			}
			if c.ID == "" {
				c.ID = NewID()
			}
			if c.Timestamp <= 0 {
				c.Timestamp = now
			}
			kept = append(kept, c)
		}
		out.SavedCitations[docID] = kept
	}

	switch out.SyncStatus {
	case StatusLocal, StatusPending, StatusSynced, StatusMerged, StatusError:
	default:
		out.SyncStatus = StatusLocal
	}

	return out
}

// ValidateAndSanitize validates a session and, on failure, sanitizes and
// revalidates once. It returns the record to persist, whether it is valid,
// and any remaining problems (sanitize warnings when valid is true).
func ValidateAndSanitize(s *Session) (*Session, bool, []string) {
	problems := Validate(s)
	if len(problems) == 0 {
		return s, true, nil
	}

	sanitized := Sanitize(s)
	if sanitized == nil {
		return nil, false, problems
	}

	remaining := Validate(sanitized)
	if len(remaining) == 0 {
		// valid after sanitizing; surface the original problems as warnings
		return sanitized, true, problems
	}
	return nil, false, remaining
}
