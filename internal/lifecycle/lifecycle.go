// Package lifecycle owns the batch and project state machines. All status
// mutations flow through the coordinator; illegal transitions surface as
// NotAllowedActionError.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/histoflow/histoflow/internal/storage"
	"github.com/histoflow/histoflow/internal/types"
)

// NotAllowedActionError reports a transition the state machine forbids. It
// unwraps to storage.ErrNotAllowed so callers can match either form.
type NotAllowedActionError struct {
	Entity string
	UID    uuid.UUID
	From   string
	To     string
}

func (e *NotAllowedActionError) Error() string {
	return fmt.Sprintf("%s %s: transition %s -> %s not allowed", e.Entity, e.UID, e.From, e.To)
}

func (e *NotAllowedActionError) Unwrap() error { return storage.ErrNotAllowed }

// Phase selects which half of the image pipeline a status check concerns.
type Phase string

// Pipeline phases
const (
	PhasePre  Phase = "pre"
	PhasePost Phase = "post"
)

// Processing returns the batch status that marks the phase as running.
func (p Phase) Processing() types.BatchStatus {
	if p == PhasePost {
		return types.BatchImagePostProcessing
	}
	return types.BatchImagePreProcessing
}

// Complete returns the batch status that marks the phase as finished.
func (p Phase) Complete() types.BatchStatus {
	if p == PhasePost {
		return types.BatchImagePostComplete
	}
	return types.BatchImagePreComplete
}

// NonTerminal returns the image statuses that still block the phase's batch
// aggregation. Failed statuses do not block: the pipeline de-selects failed
// images, and aggregation only counts selected ones.
func (p Phase) NonTerminal() []types.ImageStatus {
	if p == PhasePost {
		return []types.ImageStatus{types.ImagePreProcessed, types.ImagePostProcessing}
	}
	return []types.ImageStatus{
		types.ImageNotStarted, types.ImageDownloading,
		types.ImageDownloaded, types.ImagePreProcessing,
	}
}

// Coordinator drives batch and project status transitions.
type Coordinator struct {
	store storage.Storage
}

// New creates a coordinator over a store.
func New(store storage.Storage) *Coordinator {
	return &Coordinator{store: store}
}

// transition performs one guarded batch move and converts CAS refusal into
// a typed error.
func (c *Coordinator) transition(ctx context.Context, batchUID uuid.UUID, from, to types.BatchStatus) error {
	err := c.store.SetBatchStatus(ctx, batchUID, from, to)
	if errors.Is(err, storage.ErrNotAllowed) {
		return &NotAllowedActionError{Entity: "batch", UID: batchUID, From: string(from), To: string(to)}
	}
	if err == nil {
		c.addBatchEvent(ctx, batchUID, from, to)
	}
	return err
}

func (c *Coordinator) addBatchEvent(ctx context.Context, batchUID uuid.UUID, from, to types.BatchStatus) {
	// Audit trail only; a failed event write never fails the transition.
	_ = c.store.AddEvent(ctx, &types.Event{
		ItemUID:  batchUID,
		Type:     types.EventBatchTransition,
		OldValue: string(from),
		NewValue: string(to),
	})
}

// StartSearch begins metadata search for an initialized batch.
func (c *Coordinator) StartSearch(ctx context.Context, batchUID uuid.UUID) error {
	return c.transition(ctx, batchUID, types.BatchInitialized, types.BatchMetadataSearching)
}

// CompleteSearch records that metadata search finished.
func (c *Coordinator) CompleteSearch(ctx context.Context, batchUID uuid.UUID) error {
	return c.transition(ctx, batchUID, types.BatchMetadataSearching, types.BatchMetadataSearchComplete)
}

// ResetSearch returns a batch to its initial state so metadata can be
// re-ingested. Valid mid-search, where a failed ingest would otherwise leave
// the batch without an outbound transition, and after a completed search.
func (c *Coordinator) ResetSearch(ctx context.Context, batchUID uuid.UUID) error {
	err := c.transition(ctx, batchUID, types.BatchMetadataSearching, types.BatchInitialized)
	if errors.Is(err, storage.ErrNotAllowed) {
		return c.transition(ctx, batchUID, types.BatchMetadataSearchComplete, types.BatchInitialized)
	}
	return err
}

// StartPreProcessing begins the image pre-processing phase.
func (c *Coordinator) StartPreProcessing(ctx context.Context, batchUID uuid.UUID) error {
	return c.transition(ctx, batchUID, types.BatchMetadataSearchComplete, types.BatchImagePreProcessing)
}

// StartPostProcessing begins the image post-processing phase.
func (c *Coordinator) StartPostProcessing(ctx context.Context, batchUID uuid.UUID) error {
	return c.transition(ctx, batchUID, types.BatchImagePreComplete, types.BatchImagePostProcessing)
}

// CompleteBatch finishes a batch whose post-processing is done. Every item
// in the batch is locked together with its attributes, and the owning
// project's status is re-derived.
func (c *Coordinator) CompleteBatch(ctx context.Context, batchUID uuid.UUID) error {
	if err := c.transition(ctx, batchUID, types.BatchImagePostComplete, types.BatchCompleted); err != nil {
		return err
	}
	if err := c.store.LockBatchItems(ctx, batchUID); err != nil {
		return err
	}
	batch, err := c.store.GetBatch(ctx, batchUID)
	if err != nil {
		return err
	}
	return c.DeriveProjectStatus(ctx, batch.ProjectUID)
}

// FailBatch moves a batch to FAILED from any live state.
func (c *Coordinator) FailBatch(ctx context.Context, batchUID uuid.UUID) error {
	return c.fromAny(ctx, batchUID, types.BatchFailed)
}

// DeleteBatch marks a batch deleted from any state. The default batch is
// undeletable.
func (c *Coordinator) DeleteBatch(ctx context.Context, batchUID uuid.UUID) error {
	batch, err := c.store.GetBatch(ctx, batchUID)
	if err != nil {
		return err
	}
	if batch.IsDefault {
		return &NotAllowedActionError{Entity: "batch", UID: batchUID, From: string(batch.Status), To: string(types.BatchDeleted)}
	}
	return c.fromAny(ctx, batchUID, types.BatchDeleted)
}

// fromAny transitions regardless of the current state, re-reading on a lost
// race. Terminal states stay terminal.
func (c *Coordinator) fromAny(ctx context.Context, batchUID uuid.UUID, to types.BatchStatus) error {
	for {
		batch, err := c.store.GetBatch(ctx, batchUID)
		if err != nil {
			return err
		}
		if batch.Status == to {
			return nil
		}
		if batch.Status == types.BatchDeleted {
			return &NotAllowedActionError{Entity: "batch", UID: batchUID, From: string(batch.Status), To: string(to)}
		}
		err = c.store.SetBatchStatus(ctx, batchUID, batch.Status, to)
		if errors.Is(err, storage.ErrNotAllowed) {
			continue
		}
		if err == nil {
			c.addBatchEvent(ctx, batchUID, batch.Status, to)
		}
		return err
	}
}

// RestartPostProcessing is the forced recovery transition: a batch stuck in
// post-processing returns to the pre-processed plateau. Post-processing
// images fall back to PRE_PROCESSED so the phase can rerun.
func (c *Coordinator) RestartPostProcessing(ctx context.Context, batchUID uuid.UUID) error {
	if err := c.transition(ctx, batchUID, types.BatchImagePostProcessing, types.BatchImagePreComplete); err != nil {
		return err
	}
	images, _, err := c.store.ListItems(ctx, types.ItemFilter{
		BatchUID: &batchUID,
		Statuses: []types.ImageStatus{types.ImagePostProcessing, types.ImagePostProcessingFailed},
	})
	if err != nil {
		return err
	}
	for _, img := range images {
		if err := c.store.SetImageStatus(ctx, img.UID, types.ImagePreProcessed, ""); err != nil {
			return err
		}
		// Failed images were de-selected; restore selection so the rerun
		// counts them, as a retry would.
		if !img.Selected {
			if err := c.store.SetSelected(ctx, img.UID, true); err != nil {
				return err
			}
		}
	}
	return nil
}

// NotifyImageTerminal is called by the pipeline whenever an image reaches a
// terminal state for the given phase. When no selected image remains in a
// non-terminal state, the batch advances to the phase's complete status.
// The advance is a compare-and-set inside one transaction, so with many
// workers racing exactly one performs it; the rest observe a refusal and
// return nil.
func (c *Coordinator) NotifyImageTerminal(ctx context.Context, batchUID uuid.UUID, phase Phase) error {
	return c.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		remaining, err := tx.CountImagesInStatuses(ctx, batchUID, phase.NonTerminal(), true)
		if err != nil {
			return err
		}
		if remaining > 0 {
			return nil
		}
		err = tx.SetBatchStatus(ctx, batchUID, phase.Processing(), phase.Complete())
		if errors.Is(err, storage.ErrNotAllowed) {
			// Another worker advanced it, or the batch left the processing
			// state; either way there is nothing to do.
			return nil
		}
		if err != nil {
			return err
		}
		// Same transaction as the advance; a pooled write here would block
		// on our own lock.
		return tx.AddEvent(ctx, &types.Event{
			ItemUID:  batchUID,
			Type:     types.EventBatchTransition,
			OldValue: string(phase.Processing()),
			NewValue: string(phase.Complete()),
		})
	})
}

// RetryImages resets failed images for another pipeline attempt. Allowed
// only from a failed status; each image returns to the pre-state of its
// failed phase, the status message clears, and the image is selected again
// so aggregation counts it. An image whose download folder is gone starts
// over from NOT_STARTED.
func (c *Coordinator) RetryImages(ctx context.Context, imageUIDs []uuid.UUID) error {
	for _, uid := range imageUIDs {
		img, err := c.store.GetItem(ctx, uid)
		if err != nil {
			return err
		}
		target, ok := img.Status.RetryTarget()
		if !ok {
			return &NotAllowedActionError{Entity: "image", UID: uid, From: string(img.Status), To: "retry"}
		}
		if img.FolderPath == "" {
			target = types.ImageNotStarted
		}
		if err := c.store.SetImageStatus(ctx, uid, target, ""); err != nil {
			return err
		}
		if err := c.store.SetSelected(ctx, uid, true); err != nil {
			return err
		}
		_ = c.store.AddEvent(ctx, &types.Event{
			ItemUID:  uid,
			Type:     types.EventStatusChanged,
			OldValue: string(img.Status),
			NewValue: string(target),
		})
	}
	return nil
}

// DeriveProjectStatus recomputes a project's status from its batches: all
// live batches completed means the project is completed, otherwise it is in
// progress. Export states are owned by the export flow and left alone.
func (c *Coordinator) DeriveProjectStatus(ctx context.Context, projectUID uuid.UUID) error {
	project, err := c.store.GetProject(ctx, projectUID)
	if err != nil {
		return err
	}
	switch project.Status {
	case types.ProjectExporting, types.ProjectExportComplete, types.ProjectDeleted, types.ProjectFailed:
		return nil
	}

	batches, err := c.store.ListBatches(ctx, projectUID)
	if err != nil {
		return err
	}
	allDone := true
	live := 0
	for _, b := range batches {
		// The default batch only parks reassigned items and never runs the
		// pipeline, so it does not gate completion. Deleted batches are gone.
		if b.IsDefault || b.Status == types.BatchDeleted {
			continue
		}
		live++
		if b.Status != types.BatchCompleted {
			allDone = false
			break
		}
	}

	want := types.ProjectInProgress
	if allDone && live > 0 {
		want = types.ProjectCompleted
	}
	if project.Status == want {
		return nil
	}
	err = c.store.SetProjectStatus(ctx, projectUID, project.Status, want)
	if errors.Is(err, storage.ErrNotAllowed) {
		// Lost a race with another deriver; the winner's result stands.
		return nil
	}
	return err
}

// StartExport moves a completed project into the exporting state.
func (c *Coordinator) StartExport(ctx context.Context, projectUID uuid.UUID) error {
	err := c.store.SetProjectStatus(ctx, projectUID, types.ProjectCompleted, types.ProjectExporting)
	if errors.Is(err, storage.ErrNotAllowed) {
		return &NotAllowedActionError{Entity: "project", UID: projectUID,
			From: string(types.ProjectCompleted), To: string(types.ProjectExporting)}
	}
	return err
}

// FinishExport records a successful export.
func (c *Coordinator) FinishExport(ctx context.Context, projectUID uuid.UUID) error {
	err := c.store.SetProjectStatus(ctx, projectUID, types.ProjectExporting, types.ProjectExportComplete)
	if errors.Is(err, storage.ErrNotAllowed) {
		return &NotAllowedActionError{Entity: "project", UID: projectUID,
			From: string(types.ProjectExporting), To: string(types.ProjectExportComplete)}
	}
	return err
}

// FailExport returns an exporting project to completed so export can be
// retried.
func (c *Coordinator) FailExport(ctx context.Context, projectUID uuid.UUID) error {
	err := c.store.SetProjectStatus(ctx, projectUID, types.ProjectExporting, types.ProjectCompleted)
	if errors.Is(err, storage.ErrNotAllowed) {
		return &NotAllowedActionError{Entity: "project", UID: projectUID,
			From: string(types.ProjectExporting), To: string(types.ProjectCompleted)}
	}
	return err
}

// DeleteProject marks a project deleted.
func (c *Coordinator) DeleteProject(ctx context.Context, projectUID uuid.UUID) error {
	project, err := c.store.GetProject(ctx, projectUID)
	if err != nil {
		return err
	}
	if project.Status == types.ProjectDeleted {
		return nil
	}
	err = c.store.SetProjectStatus(ctx, projectUID, project.Status, types.ProjectDeleted)
	if errors.Is(err, storage.ErrNotAllowed) {
		return &NotAllowedActionError{Entity: "project", UID: projectUID,
			From: string(project.Status), To: string(types.ProjectDeleted)}
	}
	return err
}
