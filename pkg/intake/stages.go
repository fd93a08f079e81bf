package intake

import (
	"context"
	"errors"

	"github.com/intralog/drawbridge/pkg/telemetry"
)

// MetadataExtractor pulls the structured title block record out of the
// rendered document of a pair.
type MetadataExtractor interface {
	Extract(ctx context.Context, docPath string) (*Metadata, error)
}

// OpportunityService ensures a CRM opportunity exists for the extracted
// metadata. EnsureOpportunity must be idempotent: when an opportunity
// matching the metadata already exists its identifier is returned instead of
// creating a duplicate.
type OpportunityService interface {
	EnsureOpportunity(ctx context.Context, md *Metadata) (opportunityID string, err error)
}

// RemoteStorage builds the project folder tree on the remote share and moves
// pair files into it. Both operations must tolerate partial results from an
// earlier interrupted attempt.
type RemoteStorage interface {
	// EnsureFolderTree creates the full project folder hierarchy for the
	// metadata and opportunity, returning the project folder path. Folders
	// that already exist are not an error.
	EnsureFolderTree(ctx context.Context, md *Metadata, opportunityID string) (folder string, err error)

	// Relocate moves the pair files into folder. A file already gone from
	// its source with a copy present at the destination counts as done.
	Relocate(ctx context.Context, folder, cadPath, docPath string) error
}

// Notifier announces a fully filed project to the people on it.
type Notifier interface {
	Notify(ctx context.Context, job *Job) error
}

// PortalSubmitter registers the project with the external submission portal.
// Implementations return a skip-classified error when the portal is disabled.
type PortalSubmitter interface {
	Submit(ctx context.Context, job *Job) error
}

// StageResult is the outcome of executing one pipeline stage.
type StageResult struct {
	// Next is the checkpoint the job advances to.
	Next Stage

	// Output carries fields to merge into the job.
	Output *StageOutput

	// Skipped marks a stage that was disabled rather than executed.
	Skipped bool
}

// Pipeline binds the stage collaborators and knows which step follows each
// checkpoint. It holds no state of its own; all progress lives in the store.
type Pipeline struct {
	extractor MetadataExtractor
	crm       OpportunityService
	remote    RemoteStorage
	notifier  Notifier
	portal    PortalSubmitter
	logger    *telemetry.Logger
}

// NewPipeline creates a pipeline over the given collaborators.
func NewPipeline(
	extractor MetadataExtractor,
	crm OpportunityService,
	remote RemoteStorage,
	notifier Notifier,
	portal PortalSubmitter,
	logger *telemetry.Logger,
) *Pipeline {
	return &Pipeline{
		extractor: extractor,
		crm:       crm,
		remote:    remote,
		notifier:  notifier,
		portal:    portal,
		logger:    logger.NewComponentLogger("pipeline"),
	}
}

// ExecuteNext runs the step that follows job.Stage and reports where the job
// should move on success. It never touches the store; the caller persists the
// result. Calling it on a terminal job is a programming error.
func (p *Pipeline) ExecuteNext(ctx context.Context, job *Job) (*StageResult, error) {
	switch job.Stage {
	case StageNew:
		return p.extractMetadata(ctx, job)
	case StageMetadataExtracted:
		return p.ensureOpportunity(ctx, job)
	case StageOpportunityCreated:
		return p.buildFolders(ctx, job)
	case StageFoldersBuilt:
		return p.relocateFiles(ctx, job)
	case StageFilesRelocated:
		return p.notify(ctx, job)
	case StageNotified:
		return p.submitPortal(ctx, job)
	case StagePortalSubmitted:
		// Nothing left to do; the job just needs its final checkpoint.
		return &StageResult{Next: StageComplete}, nil
	default:
		return nil, NewPermanentError("no stage follows "+string(job.Stage), nil)
	}
}

func (p *Pipeline) extractMetadata(ctx context.Context, job *Job) (*StageResult, error) {
	md, err := p.extractor.Extract(ctx, job.DocPath)
	if err != nil {
		return nil, stageErr(err, StageMetadataExtracted)
	}
	return &StageResult{
		Next:   StageMetadataExtracted,
		Output: &StageOutput{Metadata: md},
	}, nil
}

func (p *Pipeline) ensureOpportunity(ctx context.Context, job *Job) (*StageResult, error) {
	if job.Metadata == nil {
		return nil, NewPermanentError("job has no metadata", nil).WithStage(StageOpportunityCreated)
	}

	// A crash after the CRM call but before the checkpoint leaves the
	// opportunity recorded on the job; reuse it rather than creating twice.
	if job.Opportunity != nil && *job.Opportunity != "" {
		return &StageResult{
			Next:   StageOpportunityCreated,
			Output: &StageOutput{Opportunity: job.Opportunity},
		}, nil
	}

	id, err := p.crm.EnsureOpportunity(ctx, job.Metadata)
	if err != nil {
		return nil, stageErr(err, StageOpportunityCreated)
	}
	return &StageResult{
		Next:   StageOpportunityCreated,
		Output: &StageOutput{Opportunity: &id},
	}, nil
}

func (p *Pipeline) buildFolders(ctx context.Context, job *Job) (*StageResult, error) {
	if job.Metadata == nil || job.Opportunity == nil {
		return nil, NewPermanentError("job missing metadata or opportunity", nil).WithStage(StageFoldersBuilt)
	}

	folder, err := p.remote.EnsureFolderTree(ctx, job.Metadata, *job.Opportunity)
	if err != nil {
		return nil, stageErr(err, StageFoldersBuilt)
	}
	return &StageResult{
		Next:   StageFoldersBuilt,
		Output: &StageOutput{RemoteFolder: &folder},
	}, nil
}

func (p *Pipeline) relocateFiles(ctx context.Context, job *Job) (*StageResult, error) {
	if job.RemoteFolder == nil {
		return nil, NewPermanentError("job has no remote folder", nil).WithStage(StageFilesRelocated)
	}

	if err := p.remote.Relocate(ctx, *job.RemoteFolder, job.CADPath, job.DocPath); err != nil {
		return nil, stageErr(err, StageFilesRelocated)
	}
	return &StageResult{Next: StageFilesRelocated}, nil
}

func (p *Pipeline) notify(ctx context.Context, job *Job) (*StageResult, error) {
	if err := p.notifier.Notify(ctx, job); err != nil {
		if IsSkip(err) {
			p.logger.WithJobKey(job.Key).Info("Notification disabled, skipping")
			return &StageResult{Next: StageNotified, Skipped: true}, nil
		}
		return nil, stageErr(err, StageNotified)
	}
	return &StageResult{Next: StageNotified}, nil
}

func (p *Pipeline) submitPortal(ctx context.Context, job *Job) (*StageResult, error) {
	if err := p.portal.Submit(ctx, job); err != nil {
		if IsSkip(err) {
			p.logger.WithJobKey(job.Key).Info("Portal disabled, skipping")
			return &StageResult{Next: StagePortalSubmitted, Skipped: true}, nil
		}
		return nil, stageErr(err, StagePortalSubmitted)
	}
	return &StageResult{Next: StagePortalSubmitted}, nil
}

// stageErr stamps stage context onto classified errors and wraps anything
// else as permanent.
func stageErr(err error, stage Stage) error {
	var e *Error
	if errors.As(err, &e) {
		if e.Stage == "" {
			e.Stage = stage
		}
		return err
	}
	return NewPermanentError("stage failed", err).WithStage(stage)
}
