package handler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	mw "github.com/kiranshivaraju/neuroscan/internal/api/middleware"
	"github.com/kiranshivaraju/neuroscan/internal/api/response"
	"github.com/kiranshivaraju/neuroscan/internal/scan"
	"github.com/kiranshivaraju/neuroscan/pkg/models"
)

// UploadField is the multipart form field carrying the scan file.
const UploadField = "scan"

// multipartSlack covers boundaries and part headers on top of the file itself.
const multipartSlack = 1 << 20

const storeRetryAfter = 5 * time.Second

// ScanService is the subset of scan.Service the HTTP layer drives.
type ScanService interface {
	Submit(ctx context.Context, up scan.Upload) (*models.Job, error)
	Get(ctx context.Context, ownerID, jobID uuid.UUID) (*models.Job, error)
	List(ctx context.Context, ownerID uuid.UUID, limit int) ([]*models.Job, error)
	Status(ctx context.Context, ownerID, jobID uuid.UUID) (string, error)
	Image(ctx context.Context, ownerID, jobID uuid.UUID, kind string) ([]byte, error)
	Delete(ctx context.Context, ownerID, jobID uuid.UUID) error
}

var _ ScanService = (*scan.Service)(nil)

// ScanView is a job as returned over HTTP, with links to its images.
type ScanView struct {
	*models.Job
	Images map[string]string `json:"images,omitempty"`
}

func newScanView(job *models.Job) ScanView {
	v := ScanView{Job: job}
	base := "/api/v1/scans/" + job.ID.String() + "/images/"
	v.Images = map[string]string{models.ImageOriginal: base + models.ImageOriginal}
	if job.Status == models.JobStatusCompleted {
		v.Images[models.ImageOverlay] = base + models.ImageOverlay
		v.Images[models.ImageHeatmap] = base + models.ImageHeatmap
	}
	return v
}

// Scans serves the /api/v1/scans endpoints.
type Scans struct {
	svc      ScanService
	maxBytes int64
}

// NewScans creates the scan handlers. maxBytes is the upload ceiling.
func NewScans(svc ScanService, maxBytes int64) *Scans {
	return &Scans{svc: svc, maxBytes: maxBytes}
}

// Submit handles POST /api/v1/scans. The file is streamed to disk; the
// response is 202 with the pending job.
func (h *Scans) Submit(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := mw.GetOwnerID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
		return
	}

	if r.ContentLength > h.maxBytes+multipartSlack {
		response.Error(w, http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE",
			"Upload exceeds the size limit", map[string]int64{"max_bytes": h.maxBytes})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+multipartSlack)

	mr, err := r.MultipartReader()
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_UPLOAD",
			"Expected a multipart/form-data body", nil)
		return
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			response.Error(w, http.StatusBadRequest, "INVALID_UPLOAD",
				"Missing form field \""+UploadField+"\"", nil)
			return
		}
		if err != nil {
			h.uploadError(w, r, err)
			return
		}
		if part.FormName() != UploadField {
			part.Close()
			continue
		}

		job, err := h.svc.Submit(r.Context(), scan.Upload{
			OwnerID:  ownerID,
			FileName: part.FileName(),
			Size:     -1,
			Body:     part,
		})
		part.Close()
		if err != nil {
			h.uploadError(w, r, err)
			return
		}
		w.Header().Set("Location", "/api/v1/scans/"+job.ID.String())
		response.Accepted(w, newScanView(job))
		return
	}
}

func (h *Scans) uploadError(w http.ResponseWriter, r *http.Request, err error) {
	var tooBig *http.MaxBytesError
	switch {
	case errors.As(err, &tooBig), errors.Is(err, scan.ErrTooLarge):
		response.Error(w, http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE",
			"Upload exceeds the size limit", map[string]int64{"max_bytes": h.maxBytes})
	case errors.Is(err, scan.ErrValidation):
		response.Error(w, http.StatusBadRequest, "INVALID_UPLOAD", err.Error(), nil)
	default:
		h.serviceError(w, r, err)
	}
}

// List handles GET /api/v1/scans?limit=N.
func (h *Scans) List(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := mw.GetOwnerID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"limit must be a positive integer", nil)
			return
		}
		limit = n
	}

	jobs, err := h.svc.List(r.Context(), ownerID, limit)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}

	views := make([]ScanView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, newScanView(j))
	}
	response.Collection(w, views, response.ListMeta{Count: len(views), Limit: effectiveLimit(limit)})
}

// Get handles GET /api/v1/scans/{scanID}.
func (h *Scans) Get(w http.ResponseWriter, r *http.Request) {
	ownerID, jobID, ok := h.target(w, r)
	if !ok {
		return
	}
	job, err := h.svc.Get(r.Context(), ownerID, jobID)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	response.JSON(w, newScanView(job))
}

// Status handles GET /api/v1/scans/{scanID}/status, the cheap polling path.
func (h *Scans) Status(w http.ResponseWriter, r *http.Request) {
	ownerID, jobID, ok := h.target(w, r)
	if !ok {
		return
	}
	status, err := h.svc.Status(r.Context(), ownerID, jobID)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	response.JSON(w, map[string]any{
		"id":       jobID,
		"status":   status,
		"terminal": status == models.JobStatusCompleted || status == models.JobStatusFailed,
	})
}

// Image handles GET /api/v1/scans/{scanID}/images/{kind}.
func (h *Scans) Image(w http.ResponseWriter, r *http.Request) {
	ownerID, jobID, ok := h.target(w, r)
	if !ok {
		return
	}
	kind := chi.URLParam(r, "kind")
	data, err := h.svc.Image(r.Context(), ownerID, jobID, kind)
	if err != nil {
		if errors.Is(err, scan.ErrValidation) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"kind must be original, overlay or heatmap", nil)
			return
		}
		h.serviceError(w, r, err)
		return
	}

	contentType := ""
	if isDICOM(data) {
		contentType = "application/dicom"
	}
	w.Header().Set("Cache-Control", "private, max-age=300")
	response.Blob(w, contentType, data)
}

// Delete handles DELETE /api/v1/scans/{scanID}.
func (h *Scans) Delete(w http.ResponseWriter, r *http.Request) {
	ownerID, jobID, ok := h.target(w, r)
	if !ok {
		return
	}
	if err := h.svc.Delete(r.Context(), ownerID, jobID); err != nil {
		h.serviceError(w, r, err)
		return
	}
	response.JSON(w, map[string]any{"id": jobID, "deleted": true})
}

// target resolves the owner and the scanID path parameter, writing the
// error response itself when either is missing.
func (h *Scans) target(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	ownerID, ok := mw.GetOwnerID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
		return uuid.Nil, uuid.Nil, false
	}
	jobID, err := uuid.Parse(chi.URLParam(r, "scanID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "scanID must be a UUID", nil)
		return uuid.Nil, uuid.Nil, false
	}
	return ownerID, jobID, true
}

func (h *Scans) serviceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, scan.ErrNotFound):
		response.Error(w, http.StatusNotFound, "SCAN_NOT_FOUND", "Scan not found", nil)
	case errors.Is(err, scan.ErrStoreUnavailable):
		slog.ErrorContext(r.Context(), "job store unavailable", "path", r.URL.Path, "error", err)
		response.Unavailable(w, "STORE_UNAVAILABLE", "Job store unavailable, retry later", storeRetryAfter)
	case errors.Is(err, scan.ErrClosed):
		response.Unavailable(w, "SHUTTING_DOWN", "Server is shutting down", storeRetryAfter)
	default:
		slog.ErrorContext(r.Context(), "scan request failed", "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}

func effectiveLimit(limit int) int {
	switch {
	case limit <= 0:
		return scan.DefaultListLimit
	case limit > scan.MaxListLimit:
		return scan.MaxListLimit
	}
	return limit
}

// isDICOM checks for the Part 10 preamble magic.
func isDICOM(data []byte) bool {
	return len(data) >= 132 && bytes.Equal(data[128:132], []byte("DICM"))
}
