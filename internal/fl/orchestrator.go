package fl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"fednode-backend/internal/central"
	"fednode-backend/internal/database"
	"fednode-backend/internal/metrics"
	"fednode-backend/internal/storage"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	SkipNoSamples        = "no_samples"
	SkipNotEnoughSamples = "not_enough_samples"
	SkipLeaseHeld        = "lease_held"

	KindHospital = "hospital"
	KindPatient  = "patient"
)

// Gateway is the slice of the central client the orchestrator needs.
type Gateway interface {
	CurrentModel(ctx context.Context) (central.ModelMeta, error)
	PostDelta(ctx context.Context, sub central.DeltaSubmission) error
}

// TenantResult is the structured outcome of one hospital's run. Err carries
// the taxonomy name of the failure (e.g. "TrainingProcessError"); details go
// to the logs.
type TenantResult struct {
	HospitalId string `json:"hospital_id"`
	OK         bool   `json:"ok"`
	Skipped    bool   `json:"skipped,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Used       int    `json:"used,omitempty"`
	Posted     bool   `json:"posted,omitempty"`
	Err        string `json:"error,omitempty"`
}

type OrchestratorConfig struct {
	MinBatch     int
	TickInterval time.Duration
	TmpDir       string
	ModelArch    string
	SdKeysHash   string
	MaxAttempts  int
	UploadBucket string
}

// Orchestrator drives the claim → train → upload → finalize pipeline from
// two triggers: a periodic tick over all tenants and an on-demand,
// tenant-scoped request. Both share one parameterized pipeline; the only
// difference is the batching policy. Per-tenant leases keep the two triggers
// from ever running the pipeline concurrently for the same hospital.
type Orchestrator struct {
	db      *gorm.DB
	store   storage.Provider
	gateway Gateway
	cache   *ModelCache
	trainer Trainer
	leases  *LeaseMap
	cfg     OrchestratorConfig
}

func NewOrchestrator(db *gorm.DB, store storage.Provider, gateway Gateway, cache *ModelCache, trainer Trainer, cfg OrchestratorConfig) *Orchestrator {
	return &Orchestrator{
		db:      db,
		store:   store,
		gateway: gateway,
		cache:   cache,
		trainer: trainer,
		leases:  NewLeaseMap(),
		cfg:     cfg,
	}
}

// Start runs the scheduled tick loop until ctx is cancelled. An in-flight
// run is allowed to finish; its finalize step settles the claimed samples
// either way, so cancellation never strands a claim.
func (o *Orchestrator) Start(ctx context.Context) {
	slog.Info("training scheduler started", "tick", o.cfg.TickInterval, "min_batch", o.cfg.MinBatch)

	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("training scheduler stopped")
			return
		case <-ticker.C:
			o.RunTick(ctx)
		}
	}
}

// RunTick processes every hospital that has at least one queued sample.
// Hospitals run one at a time; each failure is contained to its own result
// and never aborts the rest of the tick.
func (o *Orchestrator) RunTick(ctx context.Context) []TenantResult {
	hospitals, err := database.HospitalsWithQueuedSamples(ctx, o.db)
	if err != nil {
		slog.Error("tick: error enumerating hospitals", "error", err)
		return nil
	}

	results := make([]TenantResult, 0, len(hospitals))
	for _, hospitalId := range hospitals {
		if !o.leases.TryAcquire(hospitalId) {
			results = append(results, TenantResult{HospitalId: hospitalId, Skipped: true, Reason: SkipLeaseHeld})
			continue
		}
		res := o.runLocked(ctx, hospitalId, o.cfg.MinBatch, o.cfg.MinBatch)
		o.leases.Release(hospitalId)
		results = append(results, res)
	}
	return results
}

// TrainNow runs the pipeline immediately for one hospital, bypassing the
// batch-size policy: any nonzero queued count is eligible. If a run for the
// hospital is already in flight the caller gets a ConcurrencyConflict right
// away instead of waiting.
func (o *Orchestrator) TrainNow(ctx context.Context, hospitalId string) (TenantResult, error) {
	if !o.leases.TryAcquire(hospitalId) {
		return TenantResult{}, &ConcurrencyConflict{HospitalId: hospitalId}
	}
	defer o.leases.Release(hospitalId)

	return o.runLocked(ctx, hospitalId, 0, 0), nil
}

// runLocked executes one training run. The caller must hold the hospital's
// lease. All-or-nothing bookkeeping: samples reach USED only after the delta
// submission is confirmed; every failure path requeues them.
func (o *Orchestrator) runLocked(ctx context.Context, hospitalId string, limit, minBatch int) TenantResult {
	claimed, err := database.ClaimSamples(ctx, o.db, hospitalId, limit, minBatch)
	if err != nil {
		slog.Error("error claiming samples", "hospital_id", hospitalId, "error", err)
		return TenantResult{HospitalId: hospitalId, Err: classify(err)}
	}
	if len(claimed) == 0 {
		reason := SkipNoSamples
		if minBatch > 0 {
			reason = SkipNotEnoughSamples
		}
		return TenantResult{HospitalId: hospitalId, Skipped: true, Reason: reason}
	}

	ids := make([]uuid.UUID, len(claimed))
	for i, s := range claimed {
		ids[i] = s.Id
	}

	if err := o.runPipeline(ctx, hospitalId, claimed); err != nil {
		slog.Error("training run failed", "hospital_id", hospitalId, "samples", len(claimed), "error", err)
		if ferr := database.FinalizeRun(ctx, o.db, ids, false, o.cfg.MaxAttempts); ferr != nil {
			slog.Error("error requeueing samples after failed run", "hospital_id", hospitalId, "error", ferr)
		}
		metrics.RunsTotal.WithLabelValues("failed").Inc()
		return TenantResult{HospitalId: hospitalId, Err: classify(err)}
	}

	if err := database.FinalizeRun(ctx, o.db, ids, true, o.cfg.MaxAttempts); err != nil {
		// The delta is already accepted upstream; samples must not be
		// retrained, so surface this loudly instead of requeueing.
		slog.Error("error marking samples used after successful upload", "hospital_id", hospitalId, "error", err)
		return TenantResult{HospitalId: hospitalId, Err: classify(err)}
	}

	metrics.RunsTotal.WithLabelValues("ok").Inc()
	metrics.SamplesUsedTotal.Add(float64(len(claimed)))
	metrics.DeltasPostedTotal.Inc()

	slog.Info("training run completed", "hospital_id", hospitalId, "used", len(claimed))
	return TenantResult{HospitalId: hospitalId, OK: true, Used: len(claimed), Posted: true}
}

func (o *Orchestrator) runPipeline(ctx context.Context, hospitalId string, claimed []database.TrainSample) error {
	runDir := filepath.Join(o.cfg.TmpDir, hospitalId, "run-"+uuid.New().String())
	if err := os.MkdirAll(runDir, os.ModePerm); err != nil {
		return fmt.Errorf("error creating run directory: %w", err)
	}
	defer os.RemoveAll(runDir)

	images := make([]string, len(claimed))
	labels := make([]string, len(claimed))
	for i, s := range claimed {
		local := filepath.Join(runDir, "images", s.Id.String()+"__"+s.Filename)
		if err := o.store.DownloadObject(ctx, o.cfg.UploadBucket, s.StoragePath, local); err != nil {
			return fmt.Errorf("error staging sample %s: %w", s.Id, err)
		}
		images[i] = local
		labels[i] = s.ClassLabel
	}

	meta, err := o.gateway.CurrentModel(ctx)
	if err != nil {
		return err
	}

	modelPath, err := o.cache.Ensure(ctx, hospitalId, meta)
	if err != nil {
		return err
	}

	deltaPath := filepath.Join(runDir, "delta.pt")
	if err := o.trainer.Train(ctx, TrainRequest{
		GlobalModelPath: modelPath,
		ImagePaths:      images,
		Labels:          labels,
		OutDeltaPath:    deltaPath,
		Kind:            KindHospital,
		ModelArch:       o.cfg.ModelArch,
	}); err != nil {
		return err
	}

	return o.gateway.PostDelta(ctx, central.DeltaSubmission{
		ClientId:    hospitalId,
		Kind:        KindHospital,
		NumExamples: len(claimed),
		ModelArch:   o.cfg.ModelArch,
		SdKeysHash:  o.cfg.SdKeysHash,
		DeltaPath:   deltaPath,
	})
}

// classify maps an error to the name of its taxonomy class for structured
// per-tenant results.
func classify(err error) string {
	var authErr *central.AuthError
	var fetchErr *ModelFetchError
	var trainErr *TrainingProcessError
	var uploadErr *central.UploadError
	var conflictErr *ConcurrencyConflict

	switch {
	case errors.As(err, &authErr):
		return "AuthError"
	case errors.As(err, &fetchErr):
		return "ModelFetchError"
	case errors.As(err, &trainErr):
		return "TrainingProcessError"
	case errors.As(err, &uploadErr):
		return "UploadError"
	case errors.As(err, &conflictErr):
		return "ConcurrencyConflict"
	default:
		return "InternalError"
	}
}
