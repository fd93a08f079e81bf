package intake

import (
	"time"
)

// Stage is a checkpoint in the intake pipeline. A job's stage records the
// last durably completed step, not the step in progress.
type Stage string

const (
	StageNew                Stage = "NEW"
	StageMetadataExtracted  Stage = "METADATA_EXTRACTED"
	StageOpportunityCreated Stage = "OPPORTUNITY_CREATED"
	StageFoldersBuilt       Stage = "FOLDERS_BUILT"
	StageFilesRelocated     Stage = "FILES_RELOCATED"
	StageNotified           Stage = "NOTIFIED"
	StagePortalSubmitted    Stage = "PORTAL_SUBMITTED"
	StageComplete           Stage = "COMPLETE"
	StageFailed             Stage = "FAILED"
)

// Terminal reports whether the stage ends the pipeline.
func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageFailed
}

// stageOrder is the required execution order. Each entry advances the job
// from the preceding checkpoint.
var stageOrder = []Stage{
	StageMetadataExtracted,
	StageOpportunityCreated,
	StageFoldersBuilt,
	StageFilesRelocated,
	StageNotified,
	StagePortalSubmitted,
	StageComplete,
}

// NextStage returns the checkpoint that follows s, or StageFailed for
// terminal stages.
func NextStage(s Stage) Stage {
	if s == StageNew {
		return stageOrder[0]
	}
	for i, st := range stageOrder {
		if st == s && i+1 < len(stageOrder) {
			return stageOrder[i+1]
		}
	}
	return StageFailed
}

// Metadata is the structured record extracted from a drawing's title block.
type Metadata struct {
	Customer       string `json:"customer"`
	Address        string `json:"address"`
	ProjectManager string `json:"project_manager"`
	Drafter        string `json:"drafter"`
	Title          string `json:"title"`
}

// Job is the durable unit of work for one detected file pair. Exactly one
// Job exists per PairKey for the lifetime of the system.
type Job struct {
	Key          string     `json:"key"`
	CADPath      string     `json:"cad_path"`
	DocPath      string     `json:"doc_path"`
	Stage        Stage      `json:"stage"`
	AttemptCount int        `json:"attempt_count"`
	Metadata     *Metadata  `json:"metadata,omitempty"`
	Opportunity  *string    `json:"opportunity_id,omitempty"`
	RemoteFolder *string    `json:"remote_folder,omitempty"`
	TerminalErr  *string    `json:"terminal_error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// AttemptOutcome is the result of one stage attempt.
type AttemptOutcome string

const (
	OutcomeSuccess AttemptOutcome = "success"
	OutcomeFailure AttemptOutcome = "failure"
	OutcomeSkipped AttemptOutcome = "skipped"
)

// StageAttempt is one append-only audit entry for a stage execution.
type StageAttempt struct {
	ID        string         `json:"id"`
	JobKey    string         `json:"job_key"`
	Stage     Stage          `json:"stage"`
	Outcome   AttemptOutcome `json:"outcome"`
	Error     *string        `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// StageOutput carries the fields a successful stage merges into its job.
type StageOutput struct {
	Metadata     *Metadata
	Opportunity  *string
	RemoteFolder *string
}
