package models

import "time"

// CheckpointType tags why a Checkpoint was created.
type CheckpointType string

const (
	CheckpointManual      CheckpointType = "manual"
	CheckpointAuto        CheckpointType = "auto"
	CheckpointPreTool     CheckpointType = "pre_tool"
	CheckpointSessionStart CheckpointType = "session_start"
)

// Checkpoint is a named, timestamped bundle of FileSnapshots. Managers retain
// only the latest-known content per path so incremental checkpoints can diff
// against it rather than recapturing everything.
type Checkpoint struct {
	ID          string         `json:"id"`
	ShortID     string         `json:"short_id"`
	Type        CheckpointType `json:"type"`
	Description string         `json:"description"`
	Timestamp   time.Time      `json:"timestamp"`
	Files       []FileSnapshot `json:"files"`
}
