// Package recon reconciles local and remote progress for the session
// the learner is working in. Local writes land immediately and are
// pushed in the background; remote changes are merged in as they
// arrive. The engine never blocks the caller on the network.
package recon

// SyncContext identifies one reconciliation scope: an identity working
// in one document. Epoch increments on every rebind or document
// switch; results carrying an older epoch are stale and discarded.
type SyncContext struct {
	Identity   string
	DocumentID string
	Epoch      int64
}

// Same reports whether two contexts name the same scope and epoch.
func (c SyncContext) Same(o SyncContext) bool {
	return c.Identity == o.Identity && c.DocumentID == o.DocumentID && c.Epoch == o.Epoch
}

// Group names a family of session fields that share a debounce window.
type Group string

const (
	// GroupRubric covers formative scores, summatives and resets.
	GroupRubric Group = "rubric"
	// GroupActivities covers preparation state and artifact submissions.
	GroupActivities Group = "activities"
	// GroupCitations covers saved citations.
	GroupCitations Group = "citations"
	// GroupDrafts covers ephemeral draft text; it debounces longest.
	GroupDrafts Group = "drafts"
	// GroupReset marks teacher-initiated resets. Resets skip both the
	// debounce window and the post-merge cool-down.
	GroupReset Group = "reset"
	// GroupSession covers everything else: title, settings, rewards.
	GroupSession Group = "session"
)

// Signal reports one outbound write that was scheduled or sent.
type Signal struct {
	Scope SyncContext
	Group Group
	Time  int64
}

// Status is the engine's externally visible sync state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusSynced  Status = "synced"
	StatusError   Status = "error"
)

// StatusChange pairs a status with the scope it applies to.
type StatusChange struct {
	Scope  SyncContext
	Status Status
}
