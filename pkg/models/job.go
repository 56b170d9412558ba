package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

const (
	RiskLow    = "Low"
	RiskMedium = "Medium"
	RiskHigh   = "High"
)

// Image kinds served by GET /api/v1/scans/{scanID}/images/{kind}.
const (
	ImageOriginal = "original"
	ImageOverlay  = "overlay"
	ImageHeatmap  = "heatmap"
)

// Job tracks one submitted scan. The API returns the job on POST /api/v1/scans;
// the client polls GET /api/v1/scans/{scanID} until status is completed or failed.
type Job struct {
	ID           uuid.UUID   `db:"id"            json:"id"`
	DisplayCode  string      `db:"display_code"  json:"scan_code"`
	OwnerID      uuid.UUID   `db:"owner_id"      json:"owner_id"`
	FileName     string      `db:"file_name"     json:"file_name"`
	InputPath    string      `db:"input_path"    json:"-"`
	OverlayPath  *string     `db:"overlay_path"  json:"-"`
	HeatmapPath  *string     `db:"heatmap_path"  json:"-"`
	Status       string      `db:"status"        json:"status"`
	Result       *ScanResult `db:"result"        json:"result,omitempty"`
	ErrorMessage *string     `db:"error_message" json:"error_message,omitempty"`
	ProcessingMS *int64      `db:"processing_ms" json:"processing_ms,omitempty"`
	StartedAt    *time.Time  `db:"started_at"    json:"started_at,omitempty"`
	CompletedAt  *time.Time  `db:"completed_at"  json:"completed_at,omitempty"`
	CreatedAt    time.Time   `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time   `db:"updated_at"    json:"updated_at"`
}

// Terminal reports whether no further transitions can happen.
func (j *Job) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// StatusRank orders statuses along the lifecycle. Terminal statuses share
// the highest rank. Unknown statuses rank -1.
func StatusRank(status string) int {
	switch status {
	case JobStatusPending:
		return 0
	case JobStatusRunning:
		return 1
	case JobStatusCompleted, JobStatusFailed:
		return 2
	default:
		return -1
	}
}

// ScanResult is the typed classification parsed from analyzer output.
// Confidence and probabilities are percentages.
type ScanResult struct {
	PredictedClass  string             `json:"predicted_class"`
	Confidence      float64            `json:"confidence"`
	Probabilities   map[string]float64 `json:"probabilities"`
	PositiveFinding bool               `json:"positive_finding"`
	RiskTier        string             `json:"risk_tier"`
}
