package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"fednode-backend/internal/database"
	"fednode-backend/internal/fl"
	"fednode-backend/internal/metrics"
	"fednode-backend/internal/storage"
	"fednode-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxUploadMemory = 32 << 20

type BackendService struct {
	db           *gorm.DB
	store        storage.Provider
	orchestrator *fl.Orchestrator
	uploadBucket string
}

func NewBackendService(db *gorm.DB, store storage.Provider, orchestrator *fl.Orchestrator, uploadBucket string) *BackendService {
	return &BackendService{db: db, store: store, orchestrator: orchestrator, uploadBucket: uploadBucket}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))
	r.Route("/hospitals/{hospital_id}", func(r chi.Router) {
		r.Post("/samples", RestHandler(s.UploadSamples))
		r.Get("/samples", RestHandler(s.ListSamples))
		r.Post("/predictions", RestHandler(s.SavePredictions))
		r.Post("/train-now", RestHandler(s.TrainNow))
	})
}

// UploadSamples accepts a multipart batch of labeled images. The "meta" form
// field carries a JSON array of per-file metadata keyed by original filename;
// every file must have a matching entry. Artifacts land in object storage
// before the queue rows are written, so a QUEUED sample always has a
// retrievable blob behind it.
func (s *BackendService) UploadSamples(r *http.Request) (any, error) {
	hospitalId, err := URLParamString(r, "hospital_id")
	if err != nil {
		return nil, err
	}

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		slog.Error("error parsing multipart upload", "error", err)
		return nil, CodedErrorf(http.StatusBadRequest, "unable to parse multipart request")
	}

	metaField := r.FormValue("meta")
	if metaField == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "missing meta form field")
	}

	var metas []api.SampleMeta
	if err := json.Unmarshal([]byte(metaField), &metas); err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "unable to parse meta form field: %v", err)
	}

	metaByName := make(map[string]api.SampleMeta, len(metas))
	for _, m := range metas {
		metaByName[m.OriginalName] = m
	}

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		return nil, CodedErrorf(http.StatusBadRequest, "no files in upload")
	}

	ctx := r.Context()

	samples := make([]database.TrainSample, 0, len(files))
	for _, header := range files {
		meta, ok := metaByName[header.Filename]
		if !ok {
			return nil, CodedErrorf(http.StatusBadRequest, "no metadata for file %q", header.Filename)
		}
		if meta.ClassLabel == "" {
			return nil, CodedErrorf(http.StatusBadRequest, "file %q has empty class label", header.Filename)
		}
		if meta.Confidence < 0 || meta.Confidence > 1 {
			return nil, CodedErrorf(http.StatusBadRequest, "file %q has confidence %v outside [0,1]", header.Filename, meta.Confidence)
		}

		file, err := header.Open()
		if err != nil {
			slog.Error("error opening uploaded file", "filename", header.Filename, "error", err)
			return nil, CodedErrorf(http.StatusInternalServerError, "error reading uploaded file %q", header.Filename)
		}

		id := uuid.New()
		key := filepath.ToSlash(filepath.Join(hospitalId, "samples", id.String()+"__"+header.Filename))
		err = s.store.PutObject(ctx, s.uploadBucket, key, file)
		file.Close()
		if err != nil {
			slog.Error("error storing uploaded file", "filename", header.Filename, "error", err)
			return nil, CodedErrorf(http.StatusInternalServerError, "error storing uploaded file %q", header.Filename)
		}

		var metaJson datatypes.JSON
		if len(meta.Meta) > 0 {
			raw, err := json.Marshal(meta.Meta)
			if err != nil {
				return nil, CodedErrorf(http.StatusBadRequest, "unserializable metadata for file %q", header.Filename)
			}
			metaJson = raw
		}

		sample := database.TrainSample{
			Id:          id,
			HospitalId:  hospitalId,
			Filename:    header.Filename,
			ClassLabel:  meta.ClassLabel,
			Confidence:  meta.Confidence,
			StoragePath: key,
			MimeType:    header.Header.Get("Content-Type"),
			SizeBytes:   header.Size,
			Meta:        metaJson,
		}
		if meta.DoctorId != nil {
			sample.DoctorId = uuid.NullUUID{UUID: *meta.DoctorId, Valid: true}
		}
		samples = append(samples, sample)
	}

	if err := database.EnqueueSamples(ctx, s.db, samples); err != nil {
		slog.Error("error enqueueing samples", "hospital_id", hospitalId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error enqueueing samples")
	}

	metrics.SamplesEnqueuedTotal.Add(float64(len(samples)))
	slog.Info("enqueued training samples", "hospital_id", hospitalId, "count", len(samples))

	return api.UploadSamplesResponse{Ok: true, Saved: len(samples)}, nil
}

func (s *BackendService) ListSamples(r *http.Request) (any, error) {
	hospitalId, err := URLParamString(r, "hospital_id")
	if err != nil {
		return nil, err
	}

	query, err := ParseRequestQueryParams[api.ListSamplesQuery](r)
	if err != nil {
		return nil, err
	}

	db := s.db.WithContext(r.Context()).Where("hospital_id = ?", hospitalId)
	if query.Status != "" {
		switch query.Status {
		case database.SampleQueued, database.SampleClaimed, database.SampleUsed, database.SampleFailed:
		default:
			return nil, CodedErrorf(http.StatusBadRequest, "unknown status %q", query.Status)
		}
		db = db.Where("status = ?", query.Status)
	}

	var rows []database.TrainSample
	if err := db.Order("creation_time ASC").Find(&rows).Error; err != nil {
		slog.Error("error listing samples", "hospital_id", hospitalId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error listing samples")
	}

	out := make([]api.Sample, len(rows))
	for i, row := range rows {
		out[i] = api.Sample{
			Id:           row.Id,
			HospitalId:   row.HospitalId,
			Filename:     row.Filename,
			ClassLabel:   row.ClassLabel,
			Confidence:   row.Confidence,
			Status:       row.Status,
			Attempts:     row.Attempts,
			CreationTime: row.CreationTime,
		}
	}
	return out, nil
}

// SavePredictions records results of the client-side inference flow. The
// model runs in the browser; this endpoint only persists what it produced.
func (s *BackendService) SavePredictions(r *http.Request) (any, error) {
	hospitalId, err := URLParamString(r, "hospital_id")
	if err != nil {
		return nil, err
	}

	req, err := ParseRequest[api.SavePredictionsRequest](r)
	if err != nil {
		return nil, err
	}
	if len(req.Items) == 0 {
		return nil, CodedErrorf(http.StatusBadRequest, "no prediction items in request")
	}

	preds := make([]database.Prediction, len(req.Items))
	for i, item := range req.Items {
		if item.ModelClass == "" {
			return nil, CodedErrorf(http.StatusBadRequest, "prediction for %q has empty model class", item.Filename)
		}

		var metaJson datatypes.JSON
		if len(item.Meta) > 0 {
			raw, err := json.Marshal(item.Meta)
			if err != nil {
				return nil, CodedErrorf(http.StatusBadRequest, "unserializable metadata for prediction %q", item.Filename)
			}
			metaJson = raw
		}

		preds[i] = database.Prediction{
			HospitalId:  hospitalId,
			Filename:    item.Filename,
			DoctorClass: item.DoctorClass,
			ModelClass:  item.ModelClass,
			Confidence:  item.Confidence,
			MimeType:    item.MimeType,
			SizeBytes:   item.SizeBytes,
			Meta:        metaJson,
		}
		if req.DoctorId != nil {
			preds[i].DoctorId = uuid.NullUUID{UUID: *req.DoctorId, Valid: true}
		}
	}

	if err := database.SavePredictions(r.Context(), s.db, preds); err != nil {
		slog.Error("error saving predictions", "hospital_id", hospitalId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error saving predictions")
	}

	return api.SavePredictionsResponse{Ok: true, Saved: len(preds)}, nil
}

// TrainNow triggers an immediate training run for one hospital. A run
// already in flight for the hospital yields 409; other pipeline failures are
// reported inside the result body, not as HTTP errors, since the claim and
// requeue bookkeeping already completed.
func (s *BackendService) TrainNow(r *http.Request) (any, error) {
	hospitalId, err := URLParamString(r, "hospital_id")
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := s.orchestrator.TrainNow(r.Context(), hospitalId)
	if err != nil {
		var conflict *fl.ConcurrencyConflict
		if errors.As(err, &conflict) {
			return nil, CodedErrorf(http.StatusConflict, "training already in progress for hospital %v", hospitalId)
		}
		slog.Error("error running on-demand training", "hospital_id", hospitalId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error running training")
	}

	slog.Info("on-demand training finished", "hospital_id", hospitalId, "ok", res.OK, "duration", time.Since(start))

	return api.TrainNowResponse{
		HospitalId: res.HospitalId,
		Ok:         res.OK,
		Skipped:    res.Skipped,
		Reason:     res.Reason,
		Used:       res.Used,
		Posted:     res.Posted,
		Error:      res.Err,
	}, nil
}
