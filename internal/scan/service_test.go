package scan_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/neuroscan/internal/analyzer"
	"github.com/kiranshivaraju/neuroscan/internal/cache/cachetest"
	"github.com/kiranshivaraju/neuroscan/internal/layout"
	"github.com/kiranshivaraju/neuroscan/internal/parser"
	"github.com/kiranshivaraju/neuroscan/internal/scan"
	"github.com/kiranshivaraju/neuroscan/internal/store"
	"github.com/kiranshivaraju/neuroscan/internal/store/storetest"
	"github.com/kiranshivaraju/neuroscan/pkg/models"
)

const gliomaStdout = "Class: Glioma\nConfidence: 0.97\nAll probabilities\n----\nglioma      : 0.97\nnotumor     : 0.01\n"

// --- Fake runner ---

type fakeRunner struct {
	CheckFunc  func() error
	InvokeFunc func(ctx context.Context, input, outDir string) (analyzer.Outcome, error)
}

func (f *fakeRunner) Check() error {
	if f.CheckFunc != nil {
		return f.CheckFunc()
	}
	return nil
}

func (f *fakeRunner) Invoke(ctx context.Context, input, outDir string) (analyzer.Outcome, error) {
	if f.InvokeFunc != nil {
		return f.InvokeFunc(ctx, input, outDir)
	}
	return analyzer.Outcome{}, nil
}

// succeeding returns a runner that writes both outputs and prints stdout.
func succeeding(stdout string) *fakeRunner {
	return &fakeRunner{InvokeFunc: func(_ context.Context, _, outDir string) (analyzer.Outcome, error) {
		if err := writeOutputs(outDir, true, true); err != nil {
			return analyzer.Outcome{}, err
		}
		now := time.Now()
		return analyzer.Outcome{ExitCode: 0, Stdout: stdout, Started: now, Stopped: now}, nil
	}}
}

func writeOutputs(outDir string, overlay, heatmap bool) error {
	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return err
	}
	if overlay {
		if err := os.WriteFile(filepath.Join(outDir, layout.OverlayFile), []byte("overlay"), 0o600); err != nil {
			return err
		}
	}
	if heatmap {
		if err := os.WriteFile(filepath.Join(outDir, layout.HeatmapFile), []byte("heatmap"), 0o600); err != nil {
			return err
		}
	}
	return nil
}

// --- helpers ---

type harness struct {
	svc    *scan.Service
	store  *storetest.Memory
	cache  *cachetest.Memory
	layout *layout.Layout
}

func newHarness(t *testing.T, r scan.Runner, opts scan.Options) *harness {
	t.Helper()
	l, err := layout.New(t.TempDir())
	require.NoError(t, err)

	h := &harness{
		store:  storetest.NewMemory(),
		cache:  cachetest.NewMemory(),
		layout: l,
	}
	h.svc = scan.NewService(h.store, h.cache, l, r, parser.DefaultPolicy(), opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, h.svc.Close(ctx))
	})
	return h
}

func upload(owner uuid.UUID, name string, body []byte) scan.Upload {
	return scan.Upload{OwnerID: owner, FileName: name, Size: int64(len(body)), Body: bytes.NewReader(body)}
}

// waitTerminal blocks until the job reaches completed or failed.
func waitTerminal(t *testing.T, h *harness, id uuid.UUID) *models.Job {
	t.Helper()
	var job *models.Job
	require.Eventually(t, func() bool {
		job = h.store.Job(id)
		return job != nil && job.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return job
}

// assertInvariants checks the relations between status and payload fields.
func assertInvariants(t *testing.T, job *models.Job) {
	t.Helper()
	completed := job.Status == models.JobStatusCompleted
	failed := job.Status == models.JobStatusFailed

	assert.Equal(t, completed, job.Result != nil, "result present iff completed")
	assert.Equal(t, completed, job.OverlayPath != nil, "overlay iff completed")
	assert.Equal(t, completed, job.HeatmapPath != nil, "heatmap iff completed")
	assert.Equal(t, failed, job.ErrorMessage != nil, "error iff failed")
	assert.Equal(t, completed || failed, job.ProcessingMS != nil, "processing time iff terminal")
}

// --- Submit ---

func TestSubmit_CompletesWithResult(t *testing.T) {
	h := newHarness(t, succeeding(gliomaStdout), scan.Options{})
	owner := uuid.New()

	job, err := h.svc.Submit(context.Background(), upload(owner, "Brain Scan.PNG", []byte("png-bytes")))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, owner, job.OwnerID)
	assert.Equal(t, "Brain Scan.PNG", job.FileName)
	assert.Equal(t, h.layout.InputPath(owner, job.ID, "x.png"), job.InputPath)
	assert.True(t, strings.HasPrefix(job.DisplayCode, "SCAN-"))

	got := waitTerminal(t, h, job.ID)
	assertInvariants(t, got)
	require.Equal(t, models.JobStatusCompleted, got.Status)

	res := got.Result
	assert.Equal(t, "Glioma", res.PredictedClass)
	assert.InDelta(t, 97.0, res.Confidence, 1e-9)
	assert.InDelta(t, 97.0, res.Probabilities["glioma"], 1e-9)
	assert.InDelta(t, 1.0, res.Probabilities["notumor"], 1e-9)
	assert.True(t, res.PositiveFinding)
	assert.Equal(t, models.RiskHigh, res.RiskTier)

	assert.Equal(t, h.layout.OverlayPath(owner, job.ID), *got.OverlayPath)
	assert.Equal(t, h.layout.HeatmapPath(owner, job.ID), *got.HeatmapPath)
	assert.NotNil(t, got.StartedAt)

	status, ok, err := h.cache.GetJobStatus(context.Background(), owner, job.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.JobStatusCompleted, status)
}

func TestSubmit_ReturnsBeforeAnalysis(t *testing.T) {
	release := make(chan struct{})
	r := succeeding(gliomaStdout)
	inner := r.InvokeFunc
	r.InvokeFunc = func(ctx context.Context, in, out string) (analyzer.Outcome, error) {
		<-release
		return inner(ctx, in, out)
	}
	h := newHarness(t, r, scan.Options{})

	job, err := h.svc.Submit(context.Background(), upload(uuid.New(), "a.jpg", []byte("x")))
	require.NoError(t, err)

	stored := h.store.Job(job.ID)
	require.NotNil(t, stored)
	assert.False(t, stored.Terminal())
	assert.FileExists(t, job.InputPath)

	close(release)
	assert.Equal(t, models.JobStatusCompleted, waitTerminal(t, h, job.ID).Status)
}

func TestSubmit_UnparsableOutputStillCompletes(t *testing.T) {
	h := newHarness(t, succeeding("model says hi\n"), scan.Options{})

	job, err := h.svc.Submit(context.Background(), upload(uuid.New(), "a.dcm", []byte("x")))
	require.NoError(t, err)

	got := waitTerminal(t, h, job.ID)
	require.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, parser.UnknownClass, got.Result.PredictedClass)
	assert.Zero(t, got.Result.Confidence)
	assert.Empty(t, got.Result.Probabilities)
}

func TestSubmit_MissingOutputFails(t *testing.T) {
	r := &fakeRunner{InvokeFunc: func(_ context.Context, _, outDir string) (analyzer.Outcome, error) {
		return analyzer.Outcome{ExitCode: 0, Stdout: gliomaStdout}, writeOutputs(outDir, true, false)
	}}
	h := newHarness(t, r, scan.Options{})

	job, err := h.svc.Submit(context.Background(), upload(uuid.New(), "a.png", []byte("x")))
	require.NoError(t, err)

	got := waitTerminal(t, h, job.ID)
	assertInvariants(t, got)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Contains(t, *got.ErrorMessage, layout.HeatmapFile)
	assert.NotContains(t, *got.ErrorMessage, layout.OverlayFile)
}

func TestSubmit_FailureMessages(t *testing.T) {
	tests := []struct {
		name    string
		outcome analyzer.Outcome
		want    string
	}{
		{
			name:    "stderr preferred",
			outcome: analyzer.Outcome{ExitCode: 1, Stdout: "Class: Glioma", Stderr: "  CUDA out of memory\n"},
			want:    "CUDA out of memory",
		},
		{
			name:    "stdout fallback",
			outcome: analyzer.Outcome{ExitCode: 2, Stdout: "cannot read image\n"},
			want:    "cannot read image",
		},
		{
			name:    "generic fallback",
			outcome: analyzer.Outcome{ExitCode: 137},
			want:    scan.GenericFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeRunner{InvokeFunc: func(_ context.Context, _, outDir string) (analyzer.Outcome, error) {
				// Outputs present must not rescue a non-zero exit.
				return tt.outcome, writeOutputs(outDir, true, true)
			}}
			h := newHarness(t, r, scan.Options{})

			job, err := h.svc.Submit(context.Background(), upload(uuid.New(), "a.png", []byte("x")))
			require.NoError(t, err)

			got := waitTerminal(t, h, job.ID)
			assertInvariants(t, got)
			assert.Equal(t, models.JobStatusFailed, got.Status)
			assert.Equal(t, tt.want, *got.ErrorMessage)
		})
	}
}

func TestSubmit_TimeoutFails(t *testing.T) {
	r := &fakeRunner{InvokeFunc: func(_ context.Context, _, outDir string) (analyzer.Outcome, error) {
		start := time.Now()
		return analyzer.Outcome{
			ExitCode: -1,
			TimedOut: true,
			Stderr:   "still loading model",
			Started:  start,
			Stopped:  start.Add(2 * time.Second),
		}, writeOutputs(outDir, true, true)
	}}
	h := newHarness(t, r, scan.Options{})

	job, err := h.svc.Submit(context.Background(), upload(uuid.New(), "a.png", []byte("x")))
	require.NoError(t, err)

	got := waitTerminal(t, h, job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, "analyzer timed out after 2s: still loading model", *got.ErrorMessage)
}

func TestSubmit_ErrorMessageCapped(t *testing.T) {
	long := strings.Repeat("x", 10_000) + "ValueError: bad shape"
	r := &fakeRunner{InvokeFunc: func(context.Context, string, string) (analyzer.Outcome, error) {
		return analyzer.Outcome{ExitCode: 1, Stderr: long}, nil
	}}
	h := newHarness(t, r, scan.Options{ErrorMaxLen: 100})

	job, err := h.svc.Submit(context.Background(), upload(uuid.New(), "a.png", []byte("x")))
	require.NoError(t, err)

	got := waitTerminal(t, h, job.ID)
	assert.LessOrEqual(t, len(*got.ErrorMessage), 103)
	assert.True(t, strings.HasSuffix(*got.ErrorMessage, "ValueError: bad shape"))
}

func TestSubmit_MissingAnalyzerNeverRuns(t *testing.T) {
	r := &fakeRunner{
		CheckFunc: func() error {
			return &analyzer.LaunchError{Path: "/opt/analyzer", Err: errors.New("executable file not found in $PATH")}
		},
		InvokeFunc: func(context.Context, string, string) (analyzer.Outcome, error) {
			panic("must not invoke")
		},
	}
	h := newHarness(t, r, scan.Options{})

	var mu sync.Mutex
	var seen []string
	h.store.OnUpdate = func(_ uuid.UUID, status string) {
		mu.Lock()
		seen = append(seen, status)
		mu.Unlock()
	}

	job, err := h.svc.Submit(context.Background(), upload(uuid.New(), "a.png", []byte("x")))
	require.NoError(t, err)

	got := waitTerminal(t, h, job.ID)
	assertInvariants(t, got)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Nil(t, got.StartedAt)
	assert.Contains(t, *got.ErrorMessage, "/opt/analyzer")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{models.JobStatusFailed}, seen)
}

func TestSubmit_LaunchErrorAfterRunning(t *testing.T) {
	r := &fakeRunner{InvokeFunc: func(context.Context, string, string) (analyzer.Outcome, error) {
		return analyzer.Outcome{}, &analyzer.LaunchError{Path: "/opt/analyzer", Err: os.ErrPermission}
	}}
	h := newHarness(t, r, scan.Options{})

	job, err := h.svc.Submit(context.Background(), upload(uuid.New(), "a.png", []byte("x")))
	require.NoError(t, err)

	got := waitTerminal(t, h, job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.NotNil(t, got.StartedAt)
	assert.Contains(t, *got.ErrorMessage, "permission denied")
}

func TestSubmit_LaunchRetry(t *testing.T) {
	var mu sync.Mutex
	checks := 0
	r := succeeding(gliomaStdout)
	r.CheckFunc = func() error {
		mu.Lock()
		defer mu.Unlock()
		checks++
		if checks == 1 {
			return &analyzer.LaunchError{Path: "analyzer", Err: errors.New("text file busy")}
		}
		return nil
	}
	h := newHarness(t, r, scan.Options{LaunchAttempts: 2})

	job, err := h.svc.Submit(context.Background(), upload(uuid.New(), "a.png", []byte("x")))
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusCompleted, waitTerminal(t, h, job.ID).Status)
	mu.Lock()
	assert.Equal(t, 2, checks)
	mu.Unlock()
}

func TestSubmit_PanicFailsJob(t *testing.T) {
	r := &fakeRunner{InvokeFunc: func(context.Context, string, string) (analyzer.Outcome, error) {
		panic("boom")
	}}
	h := newHarness(t, r, scan.Options{})

	job, err := h.svc.Submit(context.Background(), upload(uuid.New(), "a.png", []byte("x")))
	require.NoError(t, err)

	got := waitTerminal(t, h, job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Contains(t, *got.ErrorMessage, "boom")
}

// --- Validation ---

func TestSubmit_Validation(t *testing.T) {
	h := newHarness(t, succeeding(gliomaStdout), scan.Options{})
	owner := uuid.New()

	tests := []struct {
		name string
		up   scan.Upload
		want error
	}{
		{"unsupported type", upload(owner, "notes.txt", []byte("x")), scan.ErrUnsupportedType},
		{"no extension", upload(owner, "scan", []byte("x")), scan.ErrUnsupportedType},
		{"empty declared", upload(owner, "a.png", nil), scan.ErrValidation},
		{"no body", scan.Upload{OwnerID: owner, FileName: "a.png", Size: 1}, scan.ErrValidation},
		{"no name", upload(owner, "", []byte("x")), scan.ErrValidation},
		{"no owner", upload(uuid.Nil, "a.png", []byte("x")), scan.ErrValidation},
		{"60 MiB declared", scan.Upload{OwnerID: owner, FileName: "a.png", Size: 60 << 20, Body: strings.NewReader("")}, scan.ErrTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.Submit(context.Background(), tt.up)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, scan.ErrValidation)
		})
	}

	assert.Zero(t, h.store.JobCount())
	assert.NoDirExists(t, h.layout.OwnerDir(owner))
}

func TestSubmit_StreamedOversizeRejected(t *testing.T) {
	h := newHarness(t, succeeding(gliomaStdout), scan.Options{UploadMaxBytes: 1024})
	owner := uuid.New()

	// Size unknown, body larger than the limit.
	up := scan.Upload{OwnerID: owner, FileName: "a.png", Size: -1, Body: io.LimitReader(zeroReader{}, 4096)}
	_, err := h.svc.Submit(context.Background(), up)
	assert.ErrorIs(t, err, scan.ErrTooLarge)

	assert.Zero(t, h.store.JobCount())
	entries, _ := os.ReadDir(h.layout.OwnerDir(owner))
	assert.Empty(t, entries)
}

func TestSubmit_StoreUnavailable(t *testing.T) {
	h := newHarness(t, succeeding(gliomaStdout), scan.Options{})
	h.store.CreateJobErr = errors.New("connection refused")
	owner := uuid.New()

	_, err := h.svc.Submit(context.Background(), upload(owner, "a.png", []byte("x")))
	assert.ErrorIs(t, err, scan.ErrStoreUnavailable)

	entries, _ := os.ReadDir(h.layout.OwnerDir(owner))
	assert.Empty(t, entries, "input must not outlive a failed submission")
}

// collidingStore reports the first collisions inserts as duplicate scan codes.
type collidingStore struct {
	*storetest.Memory

	mu         sync.Mutex
	collisions int
	codes      []string
}

func (c *collidingStore) CreateJob(ctx context.Context, job *models.Job) error {
	c.mu.Lock()
	c.codes = append(c.codes, job.DisplayCode)
	collide := c.collisions > 0
	if collide {
		c.collisions--
	}
	c.mu.Unlock()
	if collide {
		return store.ErrDuplicateKey
	}
	return c.Memory.CreateJob(ctx, job)
}

func newCollidingService(t *testing.T, collisions int) (*scan.Service, *collidingStore, *layout.Layout) {
	t.Helper()
	l, err := layout.New(t.TempDir())
	require.NoError(t, err)
	st := &collidingStore{Memory: storetest.NewMemory(), collisions: collisions}
	svc := scan.NewService(st, cachetest.NewMemory(), l, succeeding(gliomaStdout), parser.DefaultPolicy(), scan.Options{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, svc.Close(ctx))
	})
	return svc, st, l
}

func TestSubmit_ScanCodeCollisionRetried(t *testing.T) {
	svc, st, _ := newCollidingService(t, 1)
	owner := uuid.New()

	job, err := svc.Submit(context.Background(), upload(owner, "a.png", []byte("x")))
	require.NoError(t, err)

	require.Len(t, st.codes, 2)
	assert.NotEqual(t, st.codes[0], st.codes[1])
	assert.Equal(t, st.codes[1], job.DisplayCode)
	assert.Regexp(t, `^SCAN-\d{8}-[0-9A-F]{8}$`, job.DisplayCode)

	stored := st.Job(job.ID)
	require.NotNil(t, stored)
	assert.Equal(t, job.DisplayCode, stored.DisplayCode)
}

func TestSubmit_ScanCodeCollisionsExhausted(t *testing.T) {
	svc, st, l := newCollidingService(t, 10)
	owner := uuid.New()

	_, err := svc.Submit(context.Background(), upload(owner, "a.png", []byte("x")))
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrDuplicateKey)
	assert.NotErrorIs(t, err, scan.ErrStoreUnavailable)
	assert.Len(t, st.codes, 3)

	entries, _ := os.ReadDir(l.OwnerDir(owner))
	assert.Empty(t, entries)
}

func TestSubmit_Closed(t *testing.T) {
	h := newHarness(t, succeeding(gliomaStdout), scan.Options{})
	require.NoError(t, h.svc.Close(context.Background()))

	_, err := h.svc.Submit(context.Background(), upload(uuid.New(), "a.png", []byte("x")))
	assert.ErrorIs(t, err, scan.ErrClosed)
}

func TestSubmit_ConcurrentSameOwnerNoCollision(t *testing.T) {
	h := newHarness(t, succeeding(gliomaStdout), scan.Options{MaxConcurrent: 4})
	owner := uuid.New()

	const n = 20
	jobs := make([]*models.Job, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := h.svc.Submit(context.Background(), upload(owner, "same-name.png", []byte{byte(i)}))
			assert.NoError(t, err)
			jobs[i] = job
		}()
	}
	wg.Wait()

	inputs := make(map[string]bool)
	outputs := make(map[string]bool)
	for i, job := range jobs {
		require.NotNil(t, job)
		inputs[job.InputPath] = true
		outputs[h.layout.OutputDir(owner, job.ID)] = true

		data, err := os.ReadFile(job.InputPath)
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, data)
	}
	assert.Len(t, inputs, n)
	assert.Len(t, outputs, n)

	for _, job := range jobs {
		assert.Equal(t, models.JobStatusCompleted, waitTerminal(t, h, job.ID).Status)
	}
}

func TestDisplayCode(t *testing.T) {
	id := uuid.MustParse("1a2b3c4d-0000-4000-8000-000000000000")
	created := time.Date(2026, 10, 19, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, "SCAN-20261019-1A2B3C4D", scan.DisplayCode(id, created))
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}
