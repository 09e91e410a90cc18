// Package cloudsync uploads persisted PowerSnapshot records to a Supabase
// project, running as an independent background task the way the
// teacher's data_platform/supabase pairing did — it never blocks the
// real-time control loop, and a failed upload just leaves the record
// counted as another attempt for next time.
package cloudsync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cepro/homepower/persistence"
	supabase "github.com/nedpals/supabase-go"
)

const snapshotsTable = "power_snapshots"

// maxUploadAttempts bounds retries before a record is left in place for
// manual inspection rather than retried forever.
const maxUploadAttempts = 10

// Repository is the subset of persistence.Repository this package needs,
// declared as an interface so tests can supply an in-memory fake instead
// of a real SQLite file.
type Repository interface {
	UnuploadedSnapshots(limit int) ([]persistence.SnapshotRecord, error)
	IncrementUploadAttemptCount(records []persistence.SnapshotRecord) error
	MarkUploaded(records []persistence.SnapshotRecord) error
}

// Syncer periodically pushes unsent snapshot records to Supabase.
type Syncer struct {
	repo   Repository
	client *supabase.Client
	logger *slog.Logger
}

// New builds a Syncer against the given Supabase project.
func New(repo Repository, projectURL, apiKey string, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		repo:   repo,
		client: supabase.CreateClient(projectURL, apiKey),
		logger: logger.With("component", "cloudsync"),
	}
}

// Run uploads unsent records every period until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context, period time.Duration, batchSize int) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.syncOnce(ctx, batchSize); err != nil {
				s.logger.Error("cloud sync cycle failed", "error", err)
			}
		}
	}
}

func (s *Syncer) syncOnce(ctx context.Context, batchSize int) error {
	records, err := s.repo.UnuploadedSnapshots(batchSize)
	if err != nil {
		return fmt.Errorf("cloudsync: fetch unuploaded: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	uploadable := make([]persistence.SnapshotRecord, 0, len(records))
	for _, r := range records {
		if r.UploadAttemptCount < maxUploadAttempts {
			uploadable = append(uploadable, r)
		}
	}
	if len(uploadable) == 0 {
		return nil
	}

	var insertResult []map[string]interface{}
	err = s.client.DB.From(snapshotsTable).Insert(uploadable).Execute(&insertResult)
	if err != nil {
		if incErr := s.repo.IncrementUploadAttemptCount(uploadable); incErr != nil {
			s.logger.Error("failed to record upload attempt", "error", incErr)
		}
		return fmt.Errorf("cloudsync: upload %d records: %w", len(uploadable), err)
	}

	if err := s.repo.MarkUploaded(uploadable); err != nil {
		return fmt.Errorf("cloudsync: mark uploaded: %w", err)
	}

	s.logger.Info("uploaded snapshots to supabase", "count", len(uploadable))
	return nil
}
