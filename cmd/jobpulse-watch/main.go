// Package main is a terminal client that submits a job to the backend and
// follows its progress to a terminal state, reporting every canonical
// snapshot and the side effects a UI would render.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dealdesk/jobpulse/internal/config"
	"github.com/dealdesk/jobpulse/internal/reconcile"
	"github.com/dealdesk/jobpulse/internal/statusclient"
	"github.com/dealdesk/jobpulse/internal/track"
	"github.com/dealdesk/jobpulse/pkg/models"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("watch failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	dealID := flag.String("deal", "deal-local", "deal to watch")
	jobType := flag.String("type", string(models.JobTypeAnalyze), "job type to submit (analyze, fetch_evidence, extract_visuals)")
	documentID := flag.String("document", "", "document the job operates on")
	noStream := flag.Bool("no-stream", false, "skip the event stream and rely on polling only")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "backend_url", cfg.Backend.BaseURL, "deal_id", *dealID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := statusclient.NewHTTPClient(cfg.Backend.BaseURL, cfg.Backend.RequestTimeout)

	result, err := client.SubmitJob(ctx, *dealID, statusclient.SubmitRequest{
		Type:       models.JobType(*jobType),
		DocumentID: *documentID,
	})
	if err != nil {
		return fmt.Errorf("submit job: %w", err)
	}
	slog.Info("job submitted", "job_id", result.JobID, "status", result.Status)

	tracker := track.New(track.Options{
		BaseURL: cfg.Backend.BaseURL,
		DealID:  *dealID,
		Fetcher: client,
		Effects: reconcile.Effects{
			Notify: func(job models.Job) {
				slog.Info("notification", "job_id", job.ID, "status", job.Status,
					"message", job.Message, "reason", job.Reason)
			},
			RefreshDeal: func(dealID string) {
				slog.Info("deal data refresh requested", "deal_id", dealID)
			},
			ReloadEvidence: func(dealID string) {
				slog.Info("evidence reload requested", "deal_id", dealID)
			},
		},
		PollInterval:        cfg.Poll.Interval,
		PollRelaxedInterval: cfg.Poll.RelaxedInterval,
		RequestTimeout:      cfg.Backend.RequestTimeout,
		StreamRetryMin:      cfg.Stream.RetryMin,
		StreamRetryMax:      cfg.Stream.RetryMax,
		QueuedWarnAfter:     cfg.UX.QueuedWarnAfter,
		DisableStream:       *noStream,
		OnDegraded: func(live bool) {
			if live {
				slog.Info("live updates connected")
			} else {
				slog.Warn("live updates degraded, polling continues")
			}
		},
		Logger: slog.Default(),
	})
	defer tracker.Close()

	snapshots, unsubscribe := tracker.Watch()
	defer unsubscribe()

	tracker.Track(models.Job{
		ID:         result.JobID,
		DealID:     *dealID,
		DocumentID: *documentID,
		Type:       models.JobType(*jobType),
		Status:     result.Status,
	})

	for {
		select {
		case <-ctx.Done():
			slog.Info("interrupted, job keeps running on the backend", "job_id", result.JobID)
			return nil
		case job := <-snapshots:
			slog.Info("job update", "job_id", job.ID, "status", job.Status,
				"progress", job.ProgressLabel(), "live", tracker.Live())
			if job.Status.Terminal() {
				slog.Info("job finished", "job_id", job.ID, "status", job.Status)
				return nil
			}
		}
	}
}
