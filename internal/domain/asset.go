package domain

import "time"

// AssetType enumerates asset roles within a job.
type AssetType string

const (
	AssetTypeInput  AssetType = "input"
	AssetTypeOutput AssetType = "output"
)

// Asset represents a stored artifact belonging to a job. Assets are never
// mutated after creation and are deleted en masse when their job is pruned.
type Asset struct {
	ID              string
	TenantID        string
	JobID           string
	Type            AssetType
	URL             string
	ThumbnailURL    string
	DurationSeconds int
	Bytes           int64
	SourceOrigin    string // original source URL redacted to scheme+host+path
	CreatedAt       time.Time
}

// DeclaredOutput is one entry the executor reports for a finished job,
// prior to ingestion into owned storage.
type DeclaredOutput struct {
	URL             string  `json:"url"`
	Type            string  `json:"type,omitempty"`
	Size            int64   `json:"size,omitempty"`
	ThumbnailURL    string  `json:"thumbnailUrl,omitempty"`
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
}
