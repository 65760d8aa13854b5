package models

import "time"

// SessionContext captures ambient context attached to every journal record.
type SessionContext struct {
	CWD        string `json:"cwd"`
	GitBranch  string `json:"git_branch,omitempty"`
	Platform   string `json:"platform,omitempty"`
}

// SessionMessage is one journal record: an LlmMessage plus the chain linkage
// that lets the journal reconstruct ordering and branches.
//
// Invariant: within a session, parent_uuid of message i equals the UUID of
// message i-1 unless i starts a branch, in which case parent_uuid points into
// the parent session's chain.
type SessionMessage struct {
	UUID       string          `json:"uuid"`
	ParentUUID string          `json:"parent_uuid,omitempty"`
	SessionID  string          `json:"session_id"`
	Context    SessionContext  `json:"context"`
	Message    LlmMessage      `json:"message"`
	Timestamp  time.Time       `json:"timestamp"`
	IsSidechain bool           `json:"is_sidechain,omitempty"`
}

// FileStateKind tags a FileSnapshot's variant.
type FileStateKind string

const (
	FileExists   FileStateKind = "exists"
	FileCreated  FileStateKind = "created"
	FileModified FileStateKind = "modified"
	FileDeleted  FileStateKind = "deleted"
)

// FileSnapshot records a tool-touched file's state at a point in time, with
// enough information to restore it (Exists/Created carry content+perms,
// Modified carries both originals for diffing, Deleted carries neither).
type FileSnapshot struct {
	Path            string        `json:"path"`
	State           FileStateKind `json:"state"`
	Content         string        `json:"content,omitempty"`
	OriginalContent string        `json:"original_content,omitempty"`
	NewContent      string        `json:"new_content,omitempty"`
	Perms           uint32        `json:"perms,omitempty"`
}

// SnapshotRecord is the journal-line shape for a FileSnapshot bundle tied to
// the message that produced it.
type SnapshotRecord struct {
	MessageUUID string         `json:"message_uuid"`
	Files       []FileSnapshot `json:"files"`
}

// SessionMetadata is the per-session sidecar file (<id>.meta.json).
type SessionMetadata struct {
	ID              string    `json:"id"`
	ProjectPath     string    `json:"project_path"`
	Title           string    `json:"title,omitempty"`
	Model           string    `json:"model,omitempty"`
	IsSidechain     bool      `json:"is_sidechain,omitempty"`
	ParentSessionID string    `json:"parent_session_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
