package persistence

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// Repository stores committed snapshots to a local SQLite database before
// cloudsync uploads them, grounded on the teacher's repository.Repository.
type Repository struct {
	db *gorm.DB
}

// New opens (creating if necessary) the SQLite database at path and
// migrates the schema.
func New(path string) (*Repository, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(&SnapshotRecord{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &Repository{db: db}, nil
}

// AppendSnapshot persists a single record.
func (r *Repository) AppendSnapshot(record SnapshotRecord) error {
	result := r.db.Create(&record)
	return result.Error
}

// SnapshotsBetween returns every record with Timestamp in [from, to),
// ordered oldest first, matching PowerFlowController's exposed
// snapshots_between contract.
func (r *Repository) SnapshotsBetween(from, to time.Time) ([]SnapshotRecord, error) {
	var records []SnapshotRecord
	result := r.db.
		Where("timestamp >= ? AND timestamp < ?", from.UTC(), to.UTC()).
		Order("timestamp asc").
		Find(&records)
	if result.Error != nil {
		return nil, result.Error
	}
	return records, nil
}

// UnuploadedSnapshots returns up to limit records that cloudsync has not
// yet successfully uploaded, ordered by attempt count then age, matching
// the teacher's GetMeterReadings/GetBessReadings "least-attempted, oldest
// first" ordering.
func (r *Repository) UnuploadedSnapshots(limit int) ([]SnapshotRecord, error) {
	var records []SnapshotRecord
	result := r.db.
		Order("upload_attempt_count asc, timestamp asc").
		Limit(limit).
		Find(&records)
	if result.Error != nil {
		return nil, result.Error
	}
	return records, nil
}

// IncrementUploadAttemptCount bumps the attempt counter for the given
// records after a failed upload attempt.
func (r *Repository) IncrementUploadAttemptCount(records []SnapshotRecord) error {
	ids := make([]interface{}, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
	}
	result := r.db.Model(&SnapshotRecord{}).
		Where("id IN ?", ids).
		UpdateColumn("upload_attempt_count", gorm.Expr("upload_attempt_count + ?", 1))
	return result.Error
}

// MarkUploaded deletes successfully uploaded records, matching the
// teacher's DeleteReadings — once Supabase has the data there is no
// reason to keep a local copy indefinitely.
func (r *Repository) MarkUploaded(records []SnapshotRecord) error {
	ids := make([]interface{}, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
	}
	result := r.db.Where("id IN ?", ids).Delete(&SnapshotRecord{})
	return result.Error
}
