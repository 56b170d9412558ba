package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/neuroscan/internal/api/handler"
	mw "github.com/kiranshivaraju/neuroscan/internal/api/middleware"
	"github.com/kiranshivaraju/neuroscan/internal/scan"
	"github.com/kiranshivaraju/neuroscan/pkg/models"
)

// --- Mock scan service ---

type mockScans struct {
	submitted []scan.Upload
	body      []byte

	SubmitFunc func(up scan.Upload) (*models.Job, error)
	GetFunc    func(owner, id uuid.UUID) (*models.Job, error)
	ListFunc   func(owner uuid.UUID, limit int) ([]*models.Job, error)
	StatusFunc func(owner, id uuid.UUID) (string, error)
	ImageFunc  func(owner, id uuid.UUID, kind string) ([]byte, error)
	DeleteFunc func(owner, id uuid.UUID) error
}

func (m *mockScans) Submit(_ context.Context, up scan.Upload) (*models.Job, error) {
	m.submitted = append(m.submitted, up)
	data, err := io.ReadAll(up.Body)
	if err != nil {
		return nil, fmt.Errorf("writing input file: %w", err)
	}
	m.body = data
	if m.SubmitFunc != nil {
		return m.SubmitFunc(up)
	}
	now := time.Now().UTC()
	id := uuid.New()
	return &models.Job{
		ID:          id,
		DisplayCode: scan.DisplayCode(id, now),
		OwnerID:     up.OwnerID,
		FileName:    up.FileName,
		Status:      models.JobStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (m *mockScans) Get(_ context.Context, owner, id uuid.UUID) (*models.Job, error) {
	if m.GetFunc != nil {
		return m.GetFunc(owner, id)
	}
	return nil, scan.ErrNotFound
}

func (m *mockScans) List(_ context.Context, owner uuid.UUID, limit int) ([]*models.Job, error) {
	if m.ListFunc != nil {
		return m.ListFunc(owner, limit)
	}
	return []*models.Job{}, nil
}

func (m *mockScans) Status(_ context.Context, owner, id uuid.UUID) (string, error) {
	if m.StatusFunc != nil {
		return m.StatusFunc(owner, id)
	}
	return "", scan.ErrNotFound
}

func (m *mockScans) Image(_ context.Context, owner, id uuid.UUID, kind string) ([]byte, error) {
	if m.ImageFunc != nil {
		return m.ImageFunc(owner, id, kind)
	}
	return nil, scan.ErrNotFound
}

func (m *mockScans) Delete(_ context.Context, owner, id uuid.UUID) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(owner, id)
	}
	return scan.ErrNotFound
}

// --- helpers ---

var testOwner = uuid.MustParse("aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa")

const testMaxBytes = 1 << 10

// scanRouter mounts the handlers the way the api router does, with the
// owner already authenticated.
func scanRouter(svc handler.ScanService) http.Handler {
	h := handler.NewScans(svc, testMaxBytes)
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(mw.SetOwnerID(r.Context(), testOwner)))
		})
	})
	r.Post("/api/v1/scans", h.Submit)
	r.Get("/api/v1/scans", h.List)
	r.Get("/api/v1/scans/{scanID}", h.Get)
	r.Delete("/api/v1/scans/{scanID}", h.Delete)
	r.Get("/api/v1/scans/{scanID}/status", h.Status)
	r.Get("/api/v1/scans/{scanID}/images/{kind}", h.Image)
	return r
}

func multipartBody(t *testing.T, field, name string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mpw := multipart.NewWriter(&buf)
	require.NoError(t, mpw.WriteField("note", "ignored"))
	fw, err := mpw.CreateFormFile(field, name)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mpw.Close())
	return &buf, mpw.FormDataContentType()
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decode(t, w)["error"].(map[string]any)["code"].(string)
}

// ========================================
// Submit
// ========================================

func TestSubmit_202(t *testing.T) {
	svc := &mockScans{}
	body, ct := multipartBody(t, "scan", "brain.png", []byte("png-bytes"))

	req := httptest.NewRequest("POST", "/api/v1/scans", body)
	req.Header.Set("Content-Type", ct)
	w := do(t, scanRouter(svc), req)

	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, svc.submitted, 1)
	assert.Equal(t, testOwner, svc.submitted[0].OwnerID)
	assert.Equal(t, "brain.png", svc.submitted[0].FileName)
	assert.Equal(t, []byte("png-bytes"), svc.body)

	data := decode(t, w)["data"].(map[string]any)
	assert.Equal(t, "pending", data["status"])
	assert.Regexp(t, `^SCAN-\d{8}-[0-9A-F]{8}$`, data["scan_code"])
	assert.Contains(t, w.Header().Get("Location"), data["id"].(string))

	images := data["images"].(map[string]any)
	assert.Contains(t, images, "original")
	assert.NotContains(t, images, "overlay")
}

func TestSubmit_400_NotMultipart(t *testing.T) {
	req := httptest.NewRequest("POST", "/api/v1/scans", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	w := do(t, scanRouter(&mockScans{}), req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_UPLOAD", errorCode(t, w))
}

func TestSubmit_400_MissingField(t *testing.T) {
	svc := &mockScans{}
	body, ct := multipartBody(t, "file", "brain.png", []byte("x"))

	req := httptest.NewRequest("POST", "/api/v1/scans", body)
	req.Header.Set("Content-Type", ct)
	w := do(t, scanRouter(svc), req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_UPLOAD", errorCode(t, w))
	assert.Empty(t, svc.submitted)
}

func TestSubmit_400_ValidationError(t *testing.T) {
	svc := &mockScans{SubmitFunc: func(scan.Upload) (*models.Job, error) {
		return nil, fmt.Errorf("%w \".gif\"", scan.ErrUnsupportedType)
	}}
	body, ct := multipartBody(t, "scan", "brain.gif", []byte("gif"))

	req := httptest.NewRequest("POST", "/api/v1/scans", body)
	req.Header.Set("Content-Type", ct)
	w := do(t, scanRouter(svc), req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_UPLOAD", errorCode(t, w))
}

func TestSubmit_413_DeclaredTooLarge(t *testing.T) {
	svc := &mockScans{}
	req := httptest.NewRequest("POST", "/api/v1/scans", strings.NewReader("x"))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=x")
	req.ContentLength = testMaxBytes + 2<<20
	w := do(t, scanRouter(svc), req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, "UPLOAD_TOO_LARGE", errorCode(t, w))
	assert.Empty(t, svc.submitted)
}

func TestSubmit_413_StreamedTooLarge(t *testing.T) {
	svc := &mockScans{}
	body, ct := multipartBody(t, "scan", "brain.png", bytes.Repeat([]byte("a"), testMaxBytes+(2<<20)))

	req := httptest.NewRequest("POST", "/api/v1/scans", body)
	req.Header.Set("Content-Type", ct)
	req.ContentLength = -1
	w := do(t, scanRouter(svc), req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, "UPLOAD_TOO_LARGE", errorCode(t, w))
}

func TestSubmit_413_ServiceLimit(t *testing.T) {
	svc := &mockScans{SubmitFunc: func(scan.Upload) (*models.Job, error) {
		return nil, scan.ErrTooLarge
	}}
	body, ct := multipartBody(t, "scan", "brain.png", []byte("x"))

	req := httptest.NewRequest("POST", "/api/v1/scans", body)
	req.Header.Set("Content-Type", ct)
	w := do(t, scanRouter(svc), req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestSubmit_503_StoreUnavailable(t *testing.T) {
	svc := &mockScans{SubmitFunc: func(scan.Upload) (*models.Job, error) {
		return nil, fmt.Errorf("%w: creating job: connection reset", scan.ErrStoreUnavailable)
	}}
	body, ct := multipartBody(t, "scan", "brain.png", []byte("x"))

	req := httptest.NewRequest("POST", "/api/v1/scans", body)
	req.Header.Set("Content-Type", ct)
	w := do(t, scanRouter(svc), req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "STORE_UNAVAILABLE", errorCode(t, w))
	assert.Equal(t, "5", w.Header().Get("Retry-After"))
}

func TestSubmit_503_ShuttingDown(t *testing.T) {
	svc := &mockScans{SubmitFunc: func(scan.Upload) (*models.Job, error) {
		return nil, scan.ErrClosed
	}}
	body, ct := multipartBody(t, "scan", "brain.png", []byte("x"))

	req := httptest.NewRequest("POST", "/api/v1/scans", body)
	req.Header.Set("Content-Type", ct)
	w := do(t, scanRouter(svc), req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "SHUTTING_DOWN", errorCode(t, w))
}

func TestSubmit_401_NoOwner(t *testing.T) {
	h := handler.NewScans(&mockScans{}, testMaxBytes)
	w := httptest.NewRecorder()
	h.Submit(w, httptest.NewRequest("POST", "/api/v1/scans", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// ========================================
// Get / List / Status
// ========================================

func TestGet_200_CompletedWithImages(t *testing.T) {
	id := uuid.New()
	svc := &mockScans{GetFunc: func(owner, got uuid.UUID) (*models.Job, error) {
		assert.Equal(t, testOwner, owner)
		return &models.Job{
			ID: got, OwnerID: owner, Status: models.JobStatusCompleted,
			Result: &models.ScanResult{PredictedClass: "Glioma", Confidence: 97, RiskTier: models.RiskHigh, PositiveFinding: true},
		}, nil
	}}

	w := do(t, scanRouter(svc), httptest.NewRequest("GET", "/api/v1/scans/"+id.String(), nil))

	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]any)
	assert.Equal(t, id.String(), data["id"])
	assert.Equal(t, "Glioma", data["result"].(map[string]any)["predicted_class"])
	images := data["images"].(map[string]any)
	assert.Equal(t, "/api/v1/scans/"+id.String()+"/images/heatmap", images["heatmap"])
	assert.NotContains(t, data, "input_path")
}

func TestGet_404(t *testing.T) {
	w := do(t, scanRouter(&mockScans{}), httptest.NewRequest("GET", "/api/v1/scans/"+uuid.NewString(), nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "SCAN_NOT_FOUND", errorCode(t, w))
}

func TestGet_400_BadID(t *testing.T) {
	w := do(t, scanRouter(&mockScans{}), httptest.NewRequest("GET", "/api/v1/scans/not-a-uuid", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestList_200(t *testing.T) {
	var gotLimit int
	svc := &mockScans{ListFunc: func(_ uuid.UUID, limit int) ([]*models.Job, error) {
		gotLimit = limit
		return []*models.Job{
			{ID: uuid.New(), Status: models.JobStatusPending},
			{ID: uuid.New(), Status: models.JobStatusFailed},
		}, nil
	}}

	w := do(t, scanRouter(svc), httptest.NewRequest("GET", "/api/v1/scans?limit=10", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 10, gotLimit)
	body := decode(t, w)
	assert.Len(t, body["data"], 2)
	meta := body["meta"].(map[string]any)
	assert.Equal(t, float64(2), meta["count"])
	assert.Equal(t, float64(10), meta["limit"])
}

func TestList_DefaultAndCappedLimit(t *testing.T) {
	svc := &mockScans{}

	w := do(t, scanRouter(svc), httptest.NewRequest("GET", "/api/v1/scans", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(scan.DefaultListLimit), decode(t, w)["meta"].(map[string]any)["limit"])
	assert.Equal(t, []any{}, decode(t, w)["data"])

	w = do(t, scanRouter(svc), httptest.NewRequest("GET", "/api/v1/scans?limit=5000", nil))
	assert.Equal(t, float64(scan.MaxListLimit), decode(t, w)["meta"].(map[string]any)["limit"])
}

func TestList_400_BadLimit(t *testing.T) {
	for _, q := range []string{"abc", "0", "-3"} {
		w := do(t, scanRouter(&mockScans{}), httptest.NewRequest("GET", "/api/v1/scans?limit="+q, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestList_503(t *testing.T) {
	svc := &mockScans{ListFunc: func(uuid.UUID, int) ([]*models.Job, error) {
		return nil, scan.ErrStoreUnavailable
	}}
	w := do(t, scanRouter(svc), httptest.NewRequest("GET", "/api/v1/scans", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStatus_200(t *testing.T) {
	svc := &mockScans{StatusFunc: func(uuid.UUID, uuid.UUID) (string, error) {
		return models.JobStatusRunning, nil
	}}
	w := do(t, scanRouter(svc), httptest.NewRequest("GET", "/api/v1/scans/"+uuid.NewString()+"/status", nil))

	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]any)
	assert.Equal(t, "running", data["status"])
	assert.Equal(t, false, data["terminal"])
}

// ========================================
// Images
// ========================================

func TestImage_PNG(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	svc := &mockScans{ImageFunc: func(_, _ uuid.UUID, kind string) ([]byte, error) {
		assert.Equal(t, "overlay", kind)
		return png, nil
	}}
	w := do(t, scanRouter(svc), httptest.NewRequest("GET", "/api/v1/scans/"+uuid.NewString()+"/images/overlay", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.Equal(t, png, w.Body.Bytes())
}

func TestImage_DICOM(t *testing.T) {
	dcm := append(make([]byte, 128), []byte("DICM....")...)
	svc := &mockScans{ImageFunc: func(_, _ uuid.UUID, _ string) ([]byte, error) { return dcm, nil }}
	w := do(t, scanRouter(svc), httptest.NewRequest("GET", "/api/v1/scans/"+uuid.NewString()+"/images/original", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/dicom", w.Header().Get("Content-Type"))
}

func TestImage_400_UnknownKind(t *testing.T) {
	svc := &mockScans{ImageFunc: func(_, _ uuid.UUID, kind string) ([]byte, error) {
		return nil, fmt.Errorf("%w: unknown image kind %q", scan.ErrValidation, kind)
	}}
	w := do(t, scanRouter(svc), httptest.NewRequest("GET", "/api/v1/scans/"+uuid.NewString()+"/images/xray", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestImage_404_NotYetProduced(t *testing.T) {
	w := do(t, scanRouter(&mockScans{}), httptest.NewRequest("GET", "/api/v1/scans/"+uuid.NewString()+"/images/heatmap", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "SCAN_NOT_FOUND", errorCode(t, w))
}

// ========================================
// Delete
// ========================================

func TestDelete_200(t *testing.T) {
	id := uuid.New()
	var deleted uuid.UUID
	svc := &mockScans{DeleteFunc: func(owner, got uuid.UUID) error {
		assert.Equal(t, testOwner, owner)
		deleted = got
		return nil
	}}
	w := do(t, scanRouter(svc), httptest.NewRequest("DELETE", "/api/v1/scans/"+id.String(), nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, id, deleted)
	assert.Equal(t, true, decode(t, w)["data"].(map[string]any)["deleted"])
}

func TestDelete_404(t *testing.T) {
	w := do(t, scanRouter(&mockScans{}), httptest.NewRequest("DELETE", "/api/v1/scans/"+uuid.NewString(), nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "SCAN_NOT_FOUND", errorCode(t, w))
}

func TestDelete_500_Unexpected(t *testing.T) {
	svc := &mockScans{DeleteFunc: func(uuid.UUID, uuid.UUID) error {
		return errors.New("removing scan artifacts: permission denied")
	}}
	w := do(t, scanRouter(svc), httptest.NewRequest("DELETE", "/api/v1/scans/"+uuid.NewString(), nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errorCode(t, w))
}
