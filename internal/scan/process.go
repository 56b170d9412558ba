package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kiranshivaraju/neuroscan/internal/analyzer"
	"github.com/kiranshivaraju/neuroscan/internal/parser"
	"github.com/kiranshivaraju/neuroscan/internal/store"
	"github.com/kiranshivaraju/neuroscan/pkg/models"
)

// process runs one job to a terminal state. It never panics and never
// returns an error: every failure becomes a failed job.
func (s *Service) process(ctx context.Context, job *models.Job) {
	start := time.Now()
	log := slog.With("job_id", job.ID, "owner_id", job.OwnerID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in scan processing", "panic", r)
			s.finish(ctx, job, start, models.JobStatusFailed,
				store.WithErrorMessage(fmt.Sprintf("internal error: %v", r)))
		}
	}()

	if err := s.retryLaunch(ctx, s.runner.Check); err != nil {
		log.Warn("analyzer unavailable", "error", err)
		s.finish(ctx, job, start, models.JobStatusFailed,
			store.WithErrorMessage(s.capError(err.Error())))
		return
	}

	if err := s.store.UpdateJobStatus(ctx, job.ID, models.JobStatusRunning); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Info("scan deleted before start")
			s.removeJobDir(ctx, job.OwnerID, job.ID)
			return
		}
		log.Error("marking scan running", "error", err)
		return
	}
	s.mirrorStatus(ctx, job.OwnerID, job.ID, models.JobStatusRunning)

	outDir := s.layout.OutputDir(job.OwnerID, job.ID)
	var out analyzer.Outcome
	err := s.retryLaunch(ctx, func() error {
		var ierr error
		out, ierr = s.runner.Invoke(ctx, job.InputPath, outDir)
		return ierr
	})
	if err != nil {
		log.Warn("analyzer launch failed", "error", err)
		s.finish(ctx, job, start, models.JobStatusFailed,
			store.WithErrorMessage(s.capError(err.Error())))
		return
	}

	log.Info("analyzer finished",
		"exit_code", out.ExitCode,
		"timed_out", out.TimedOut,
		"duration_ms", out.Duration().Milliseconds())

	overlay := s.layout.OverlayPath(job.OwnerID, job.ID)
	heatmap := s.layout.HeatmapPath(job.OwnerID, job.ID)
	missing := missingOutputs(overlay, heatmap)

	if out.ExitCode == 0 && !out.TimedOut && len(missing) == 0 {
		result := s.policy.Result(parser.Parse(out.Stdout))
		s.finish(ctx, job, start, models.JobStatusCompleted,
			store.WithResult(result),
			store.WithOutputs(overlay, heatmap))
		return
	}

	s.finish(ctx, job, start, models.JobStatusFailed,
		store.WithErrorMessage(s.capError(failureMessage(out, missing))))
}

// retryLaunch calls fn until it succeeds, fails with something other than a
// launch error, or the configured attempts run out.
func (s *Service) retryLaunch(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= s.opts.LaunchAttempts; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, analyzer.ErrLaunch) {
			return err
		}
		if attempt < s.opts.LaunchAttempts {
			slog.WarnContext(ctx, "retrying analyzer launch", "attempt", attempt, "error", err)
			time.Sleep(launchRetryDelay)
		}
	}
	return err
}

// finish applies a terminal transition. A job deleted while it ran is
// discarded along with anything the analyzer wrote.
func (s *Service) finish(ctx context.Context, job *models.Job, start time.Time, status string, opts ...store.JobUpdateOption) {
	elapsed := time.Since(start).Milliseconds()
	opts = append(opts, store.WithProcessingMS(elapsed))

	err := s.store.UpdateJobStatus(ctx, job.ID, status, opts...)
	switch {
	case err == nil:
		s.mirrorStatus(ctx, job.OwnerID, job.ID, status)
		slog.InfoContext(ctx, "scan finished",
			"job_id", job.ID, "owner_id", job.OwnerID, "status", status, "duration_ms", elapsed)
	case errors.Is(err, store.ErrNotFound):
		slog.InfoContext(ctx, "discarding outcome for deleted scan", "job_id", job.ID)
		s.removeJobDir(ctx, job.OwnerID, job.ID)
		if cerr := s.cache.DeleteJobStatus(ctx, job.OwnerID, job.ID); cerr != nil {
			slog.WarnContext(ctx, "clearing scan status", "job_id", job.ID, "error", cerr)
		}
	case errors.Is(err, store.ErrInvalidTransition):
		slog.WarnContext(ctx, "ignoring duplicate outcome", "job_id", job.ID, "error", err)
	default:
		slog.ErrorContext(ctx, "recording scan outcome", "job_id", job.ID, "status", status, "error", err)
	}
}

func missingOutputs(paths ...string) []string {
	var missing []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil || !info.Mode().IsRegular() {
			missing = append(missing, p)
		}
	}
	return missing
}

// failureMessage picks the best diagnostic: stderr, then stdout, then a
// generic message.
func failureMessage(out analyzer.Outcome, missing []string) string {
	detail := strings.TrimSpace(out.Stderr)
	if detail == "" {
		detail = strings.TrimSpace(out.Stdout)
	}

	switch {
	case out.TimedOut:
		msg := "analyzer timed out after " + out.Duration().Round(time.Millisecond).String()
		if detail != "" {
			msg += ": " + detail
		}
		return msg
	case out.ExitCode == 0 && len(missing) > 0:
		names := make([]string, len(missing))
		for i, p := range missing {
			names[i] = filepath.Base(p)
		}
		msg := "analyzer did not produce " + strings.Join(names, ", ")
		if stderr := strings.TrimSpace(out.Stderr); stderr != "" {
			msg += ": " + stderr
		}
		return msg
	case detail != "":
		return detail
	default:
		return GenericFailure
	}
}

// capError keeps the tail of long diagnostics, where tracebacks put the cause.
func (s *Service) capError(msg string) string {
	msg = strings.ToValidUTF8(msg, "\uFFFD")
	limit := s.opts.ErrorMaxLen
	if len(msg) <= limit {
		return msg
	}
	cut := len(msg) - limit
	for cut < len(msg) && !utf8.RuneStart(msg[cut]) {
		cut++
	}
	return "..." + msg[cut:]
}
