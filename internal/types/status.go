package types

// ImageStatus tracks one image through download, pre-processing, and
// post-processing.
type ImageStatus string

// Image statuses
const (
	ImageNotStarted           ImageStatus = "not_started"
	ImageDownloading          ImageStatus = "downloading"
	ImageDownloadingFailed    ImageStatus = "downloading_failed"
	ImageDownloaded           ImageStatus = "downloaded"
	ImagePreProcessing        ImageStatus = "pre_processing"
	ImagePreProcessingFailed  ImageStatus = "pre_processing_failed"
	ImagePreProcessed         ImageStatus = "pre_processed"
	ImagePostProcessing       ImageStatus = "post_processing"
	ImagePostProcessingFailed ImageStatus = "post_processing_failed"
	ImagePostProcessed        ImageStatus = "post_processed"
)

// IsValid checks if the status value is valid. The empty status is valid
// for non-image items.
func (s ImageStatus) IsValid() bool {
	switch s {
	case "", ImageNotStarted, ImageDownloading, ImageDownloadingFailed, ImageDownloaded,
		ImagePreProcessing, ImagePreProcessingFailed, ImagePreProcessed,
		ImagePostProcessing, ImagePostProcessingFailed, ImagePostProcessed:
		return true
	}
	return false
}

// IsFailed reports whether the status is one of the failed variants.
func (s ImageStatus) IsFailed() bool {
	switch s {
	case ImageDownloadingFailed, ImagePreProcessingFailed, ImagePostProcessingFailed:
		return true
	}
	return false
}

// RetryTarget returns the status a failed image resets to on retry.
// Only failed statuses have a retry target.
func (s ImageStatus) RetryTarget() (ImageStatus, bool) {
	switch s {
	case ImageDownloadingFailed:
		return ImageNotStarted, true
	case ImagePreProcessingFailed:
		return ImageDownloaded, true
	case ImagePostProcessingFailed:
		return ImagePreProcessed, true
	}
	return "", false
}

// BatchStatus tracks a batch through its lifecycle.
type BatchStatus string

// Batch statuses
const (
	BatchInitialized            BatchStatus = "initialized"
	BatchMetadataSearching      BatchStatus = "metadata_searching"
	BatchMetadataSearchComplete BatchStatus = "metadata_search_complete"
	BatchImagePreProcessing     BatchStatus = "image_pre_processing"
	BatchImagePreComplete       BatchStatus = "image_pre_processing_complete"
	BatchImagePostProcessing    BatchStatus = "image_post_processing"
	BatchImagePostComplete      BatchStatus = "image_post_processing_complete"
	BatchCompleted              BatchStatus = "completed"
	BatchFailed                 BatchStatus = "failed"
	BatchDeleted                BatchStatus = "deleted"
)

// IsValid checks if the status value is valid.
func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchInitialized, BatchMetadataSearching, BatchMetadataSearchComplete,
		BatchImagePreProcessing, BatchImagePreComplete,
		BatchImagePostProcessing, BatchImagePostComplete,
		BatchCompleted, BatchFailed, BatchDeleted:
		return true
	}
	return false
}

// ProjectStatus tracks a project through completion and export.
type ProjectStatus string

// Project statuses
const (
	ProjectInProgress     ProjectStatus = "in_progress"
	ProjectCompleted      ProjectStatus = "completed"
	ProjectExporting      ProjectStatus = "exporting"
	ProjectExportComplete ProjectStatus = "export_complete"
	ProjectFailed         ProjectStatus = "failed"
	ProjectDeleted        ProjectStatus = "deleted"
)

// IsValid checks if the status value is valid.
func (s ProjectStatus) IsValid() bool {
	switch s {
	case ProjectInProgress, ProjectCompleted, ProjectExporting,
		ProjectExportComplete, ProjectFailed, ProjectDeleted:
		return true
	}
	return false
}
