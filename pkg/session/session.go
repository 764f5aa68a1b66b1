package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the current session record schema. Records with older
// versions are normalized once at the store boundary.
const SchemaVersion = 2

// PassThreshold is the summative score at or above which a rubric entry is
// certified.
const PassThreshold = 4.0

// MaxContentBytes caps documentRef.contentRef (enforced by the validator).
const MaxContentBytes = 10 * 1024 * 1024 // 10MB

// SyncStatus tracks where a session stands relative to the remote store.
type SyncStatus string

const (
	StatusLocal   SyncStatus = "local"
	StatusPending SyncStatus = "pending"
	StatusSynced  SyncStatus = "synced"
	StatusMerged  SyncStatus = "merged"
	StatusError   SyncStatus = "error"
)

// DocumentRef points at the document a session works through. It is created
// and updated exclusively by the engine.
type DocumentRef struct {
	ContentRef string `json:"contentRef"`
	FileName   string `json:"fileName,omitempty"`
	FileType   string `json:"fileType,omitempty"`
	FileURL    string `json:"fileURL,omitempty"`
}

// Session is one unit of saved work for one (identity, document) pair.
type Session struct {
	SchemaVersion int    `json:"schemaVersion"`
	ID            string `json:"id"`
	Title         string `json:"title,omitempty"`
	CreatedAt     int64  `json:"createdAt"`
	LastModified  int64  `json:"lastModified"`

	// Seq is a per-scope monotonic mutation counter paired with the
	// wall-clock timestamp so merge ordering stays deterministic under
	// clock skew.
	Seq int64 `json:"seq,omitempty"`

	DocumentRef *DocumentRef `json:"documentRef,omitempty"`
	CourseRef   string       `json:"courseRef,omitempty"`
	DocumentID  string       `json:"documentId,omitempty"`

	RubricProgress     map[string]*RubricEntry      `json:"rubricProgress,omitempty"`
	ActivitiesProgress map[string]*ActivityEntry    `json:"activitiesProgress,omitempty"`
	SavedCitations     map[string][]Citation        `json:"savedCitations,omitempty"`
	ArtifactsDrafts    map[string]map[string]string `json:"artifactsDrafts,omitempty"`

	// Opaque blobs owned by external subsystems; stored and merged
	// without inspection beyond a presence check.
	AnalysisSnapshot json.RawMessage `json:"analysisSnapshot,omitempty"`
	RewardsState     json.RawMessage `json:"rewardsState,omitempty"`
	Settings         json.RawMessage `json:"settings,omitempty"`

	SyncStatus SyncStatus `json:"syncStatus,omitempty"`
	MergedAt   int64      `json:"mergedAt,omitempty"`
}

// Score is one formative rubric evaluation.
type Score struct {
	Score          float64            `json:"score"`
	Level          string             `json:"level,omitempty"`
	SourceArtifact string             `json:"sourceArtifact,omitempty"`
	Timestamp      int64              `json:"timestamp"`
	Seq            int64              `json:"seq,omitempty"`
	Criteria       map[string]float64 `json:"criteria,omitempty"`
}

// Formative accumulates ungraded practice evaluations for a rubric.
type Formative struct {
	Scores       []Score  `json:"scores,omitempty"`
	Average      float64  `json:"average,omitempty"`
	Attempts     int      `json:"attempts,omitempty"`
	LastUpdate   int64    `json:"lastUpdate,omitempty"`
	ArtifactList []string `json:"artifactList,omitempty"`
}

// Summative is the final graded evaluation for a rubric.
type Summative struct {
	Score         float64 `json:"score"`
	Level         string  `json:"level,omitempty"`
	Status        string  `json:"status,omitempty"` // submitted | graded
	SubmittedAt   int64   `json:"submittedAt,omitempty"`
	GradedAt      int64   `json:"gradedAt,omitempty"`
	AttemptsUsed  int     `json:"attemptsUsed,omitempty"`
	AllowRevision bool    `json:"allowRevision,omitempty"`
}

// RubricEntry holds formative and summative progress for one rubric.
// A non-zero ResetAt marks an authority-issued invalidation that outranks
// normal merge heuristics. ResetEpoch orders concurrent resets; zero means
// a legacy marker-only reset.
type RubricEntry struct {
	Formative  *Formative `json:"formative,omitempty"`
	Summative  *Summative `json:"summative,omitempty"`
	FinalScore *float64   `json:"finalScore,omitempty"`
	Certified  bool       `json:"certified,omitempty"`
	ResetAt    int64      `json:"resetAt,omitempty"`
	ResetEpoch int64      `json:"resetEpoch,omitempty"`
}

// Preparation is the pre-activity phase of an artifact group.
type Preparation struct {
	Completed        bool            `json:"completed"`
	MCQPassed        bool            `json:"mcqPassed"`
	MCQResults       json.RawMessage `json:"mcqResults,omitempty"`
	SynthesisAnswers json.RawMessage `json:"synthesisAnswers,omitempty"`
	UpdatedAt        int64           `json:"updatedAt,omitempty"`
}

// Submission is one historical artifact submission.
type Submission struct {
	Content   string  `json:"content,omitempty"`
	Score     float64 `json:"score,omitempty"`
	Timestamp int64   `json:"timestamp"`
}

// Artifact tracks one deliverable within an activity. ResetBy set together
// with Submitted=false is an authoritative reset and outranks any cached
// submitted state.
type Artifact struct {
	Submitted       bool         `json:"submitted"`
	Attempts        int          `json:"attempts"`
	RubricScore     float64      `json:"rubricScore,omitempty"`
	History         []Submission `json:"history,omitempty"`
	Draft           string       `json:"draft,omitempty"`
	FinalContent    string       `json:"finalContent,omitempty"`
	SubmittedAt     int64        `json:"submittedAt,omitempty"`
	ResetBy         string       `json:"resetBy,omitempty"`
	ResetEpoch      int64        `json:"resetEpoch,omitempty"`
	ViewedByTeacher bool         `json:"viewedByTeacher,omitempty"`
	TeacherComment  string       `json:"teacherComment,omitempty"`
}

// ActivityEntry groups preparation state and artifacts for one document.
type ActivityEntry struct {
	Preparation *Preparation         `json:"preparation,omitempty"`
	Artifacts   map[string]*Artifact `json:"artifacts,omitempty"`
}

// Citation is a saved text citation with an optional learner note.
type Citation struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Note      string `json:"note,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// NowMillis returns the current wall clock in unix milliseconds, the
// timestamp unit used throughout session records.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// NewID returns a time-ordered opaque session id.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the entropy source does; fall back to v4
		return uuid.NewString()
	}
	return id.String()
}

// New creates a session for a document that just became available.
func New(documentID string, ref *DocumentRef) *Session {
	now := NowMillis()
	title := ""
	if ref != nil && ref.FileName != "" {
		title = ref.FileName
	}
	if title == "" {
		title = fmt.Sprintf("Session %s", time.Now().Format("02/01 15:04"))
	}

	return &Session{
		SchemaVersion: SchemaVersion,
		ID:            NewID(),
		Title:         title,
		CreatedAt:     now,
		LastModified:  now,
		DocumentRef:   ref,
		DocumentID:    documentID,
		SyncStatus:    StatusLocal,
	}
}

// Touch bumps the modification timestamp and the per-scope sequence counter.
func (s *Session) Touch() {
	s.LastModified = NowMillis()
	s.Seq++
}

// Clone returns a deep copy via a JSON round-trip. Merge functions operate
// on clones so inputs are never mutated. A record that cannot round-trip
// (an opaque blob holding invalid JSON) clones to nil; callers treat that
// the same as a missing session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	var out Session
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return &out
}

// HasReset reports whether the rubric entry carries an authority reset.
func (r *RubricEntry) HasReset() bool {
	return r != nil && r.ResetAt != 0
}

// IsReset reports whether the artifact carries an authoritative reset.
func (a *Artifact) IsReset() bool {
	return a != nil && a.ResetBy != "" && !a.Submitted
}

// Recalc recomputes average and attempts from the score list.
// The average covers at most the trailing 3 scores by timestamp, rounded
// to one decimal; attempts always equals the score count.
func (f *Formative) Recalc() {
	if f == nil {
		return
	}
	f.Attempts = len(f.Scores)
	if len(f.Scores) == 0 {
		f.Average = 0
		return
	}

	tail := f.Scores
	if len(tail) > 3 {
		tail = tail[len(tail)-3:]
	}
	sum := 0.0
	for _, sc := range tail {
		sum += sc.Score
	}
	f.Average = round1(sum / float64(len(tail)))

	last := f.Scores[len(f.Scores)-1].Timestamp
	if last > f.LastUpdate {
		f.LastUpdate = last
	}
}

func round1(v float64) float64 {
	if v < 0 {
		return float64(int64(v*10-0.5)) / 10
	}
	return float64(int64(v*10+0.5)) / 10
}
