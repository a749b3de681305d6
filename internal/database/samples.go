package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EnqueueSamples inserts well-formed samples with status QUEUED. Malformed
// entries (empty label, confidence outside [0,1], missing artifact) reject
// the whole batch so the upload handler can report a clean error.
func EnqueueSamples(ctx context.Context, db *gorm.DB, samples []TrainSample) error {
	now := time.Now().UTC()
	for i := range samples {
		s := &samples[i]
		if s.ClassLabel == "" {
			return fmt.Errorf("sample %s has empty class label", s.Filename)
		}
		if s.Confidence < 0 || s.Confidence > 1 {
			return fmt.Errorf("sample %s has confidence %v outside [0,1]", s.Filename, s.Confidence)
		}
		if s.StoragePath == "" {
			return fmt.Errorf("sample %s has no stored artifact", s.Filename)
		}
		if s.Id == uuid.Nil {
			s.Id = uuid.New()
		}
		s.Status = SampleQueued
		s.CreationTime = now
		s.UpdateTime = now
	}

	if err := db.WithContext(ctx).Create(&samples).Error; err != nil {
		return fmt.Errorf("error enqueueing samples: %w", err)
	}
	return nil
}

// ClaimSamples atomically moves up to limit QUEUED samples for the hospital
// to CLAIMED, oldest first. limit <= 0 means all queued samples. If fewer
// than minBatch samples are queued nothing is claimed. The status flip is
// guarded by status = QUEUED inside one transaction, so two overlapping
// claims can never both take the same row.
func ClaimSamples(ctx context.Context, db *gorm.DB, hospitalId string, limit, minBatch int) ([]TrainSample, error) {
	var claimed []TrainSample

	err := db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		query := txn.
			Where("hospital_id = ? AND status = ?", hospitalId, SampleQueued).
			Order("creation_time ASC")
		if limit > 0 {
			query = query.Limit(limit)
		}

		var candidates []TrainSample
		if err := query.Find(&candidates).Error; err != nil {
			return fmt.Errorf("error selecting queued samples: %w", err)
		}

		if len(candidates) == 0 || len(candidates) < minBatch {
			return nil
		}

		ids := make([]uuid.UUID, len(candidates))
		for i, s := range candidates {
			ids[i] = s.Id
		}

		res := txn.Model(&TrainSample{}).
			Where("id IN ? AND status = ?", ids, SampleQueued).
			Updates(map[string]any{"status": SampleClaimed, "update_time": time.Now().UTC()})
		if res.Error != nil {
			return fmt.Errorf("error claiming samples: %w", res.Error)
		}
		if res.RowsAffected != int64(len(ids)) {
			// Another claim raced us inside the same window; roll back and
			// let the caller's next attempt see a consistent queue.
			return fmt.Errorf("claim conflict: expected %d rows, updated %d", len(ids), res.RowsAffected)
		}

		for i := range candidates {
			candidates[i].Status = SampleClaimed
		}
		claimed = candidates
		return nil
	})
	if err != nil {
		return nil, err
	}

	return claimed, nil
}

// FinalizeRun settles the claimed samples of one training run. On success
// they become USED. On failure the attempt count is bumped and they return
// to QUEUED, or to FAILED once maxAttempts is reached.
func FinalizeRun(ctx context.Context, db *gorm.DB, ids []uuid.UUID, ok bool, maxAttempts int) error {
	if len(ids) == 0 {
		return nil
	}

	if ok {
		err := db.WithContext(ctx).Model(&TrainSample{}).
			Where("id IN ? AND status = ?", ids, SampleClaimed).
			Updates(map[string]any{"status": SampleUsed, "update_time": time.Now().UTC()}).Error
		if err != nil {
			return fmt.Errorf("error marking samples used: %w", err)
		}
		return nil
	}

	return db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		now := time.Now().UTC()

		if err := txn.Model(&TrainSample{}).
			Where("id IN ? AND status = ?", ids, SampleClaimed).
			Updates(map[string]any{
				"attempts":    gorm.Expr("attempts + 1"),
				"status":      SampleQueued,
				"update_time": now,
			}).Error; err != nil {
			return fmt.Errorf("error requeueing samples: %w", err)
		}

		if maxAttempts > 0 {
			res := txn.Model(&TrainSample{}).
				Where("id IN ? AND status = ? AND attempts >= ?", ids, SampleQueued, maxAttempts).
				Updates(map[string]any{"status": SampleFailed, "update_time": now})
			if res.Error != nil {
				return fmt.Errorf("error retiring exhausted samples: %w", res.Error)
			}
			if res.RowsAffected > 0 {
				slog.Warn("retired samples after repeated training failures", "count", res.RowsAffected, "max_attempts", maxAttempts)
			}
		}

		return nil
	})
}

// RequeueOrphanedClaims reverts any CLAIMED sample back to QUEUED. Called at
// startup: a claim can only be live while its run holds the in-process
// lease, so after a restart every CLAIMED row is an orphan.
func RequeueOrphanedClaims(ctx context.Context, db *gorm.DB) (int64, error) {
	res := db.WithContext(ctx).Model(&TrainSample{}).
		Where("status = ?", SampleClaimed).
		Updates(map[string]any{"status": SampleQueued, "update_time": time.Now().UTC()})
	if res.Error != nil {
		return 0, fmt.Errorf("error requeueing orphaned claims: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		slog.Warn("requeued orphaned claimed samples from previous process", "count", res.RowsAffected)
	}
	return res.RowsAffected, nil
}

// HospitalsWithQueuedSamples lists the tenants the scheduled tick should
// consider, i.e. those with at least one QUEUED sample.
func HospitalsWithQueuedSamples(ctx context.Context, db *gorm.DB) ([]string, error) {
	var hospitals []string
	err := db.WithContext(ctx).Model(&TrainSample{}).
		Where("status = ?", SampleQueued).
		Distinct("hospital_id").
		Order("hospital_id").
		Pluck("hospital_id", &hospitals).Error
	if err != nil {
		return nil, fmt.Errorf("error listing hospitals with queued samples: %w", err)
	}
	return hospitals, nil
}

func CountQueuedSamples(ctx context.Context, db *gorm.DB, hospitalId string) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Model(&TrainSample{}).
		Where("hospital_id = ? AND status = ?", hospitalId, SampleQueued).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("error counting queued samples: %w", err)
	}
	return count, nil
}

// SavePredictions persists outputs of the client-side inference flow.
func SavePredictions(ctx context.Context, db *gorm.DB, preds []Prediction) error {
	now := time.Now().UTC()
	for i := range preds {
		if preds[i].Id == uuid.Nil {
			preds[i].Id = uuid.New()
		}
		preds[i].CreationTime = now
	}
	if err := db.WithContext(ctx).Create(&preds).Error; err != nil {
		return fmt.Errorf("error saving predictions: %w", err)
	}
	return nil
}
