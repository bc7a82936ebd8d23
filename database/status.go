package database

// image record status values
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusComplete   = "complete"
	StatusError      = "error"
	StatusSkipped    = "skipped"
)

// pipeline stages, in processing order
const (
	StageQueued          = "queued"
	StageRenaming        = "renaming"
	StageMovedToAnalysed = "moved_to_analysed"
	StageDuplicateCheck  = "duplicate_check"
	StageEnhancing       = "enhancing"
	StageTagging         = "tagging"
	StageSaved           = "saved"
)

// StageOrder maps each stage to its position in the lane. Used by crash
// recovery to decide where a record left mid-flight should resume.
var StageOrder = map[string]int{
	StageQueued:          0,
	StageRenaming:        1,
	StageMovedToAnalysed: 2,
	StageDuplicateCheck:  3,
	StageEnhancing:       4,
	StageTagging:         5,
	StageSaved:           6,
}

// IsTerminalStatus reports whether a record in this status has left the lane.
func IsTerminalStatus(status string) bool {
	return status == StatusComplete || status == StatusError || status == StatusSkipped
}
