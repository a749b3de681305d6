package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	backend "fednode-backend/internal/api"
	"fednode-backend/internal/central"
	"fednode-backend/internal/database"
	"fednode-backend/internal/fl"
	"fednode-backend/internal/storage"
	"fednode-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func createDB(t *testing.T) *gorm.DB {
	// File-backed so pooled connections opened by concurrent runs all see
	// the same database.
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "node.db")), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, database.GetMigrator(db).Migrate())

	return db
}

type stubGateway struct{}

func (stubGateway) CurrentModel(ctx context.Context) (central.ModelMeta, error) {
	return central.ModelMeta{Id: "m-1", Version: "7", Url: "/artifacts/global-7.pth"}, nil
}

func (stubGateway) PostDelta(ctx context.Context, sub central.DeltaSubmission) error {
	return nil
}

type stubDownloader struct{}

func (stubDownloader) DownloadModel(ctx context.Context, url, dest string) error {
	return os.WriteFile(dest, []byte("global model weights"), 0o644)
}

type stubTrainer struct {
	started chan struct{}
	release chan struct{}
}

func (tr *stubTrainer) Train(ctx context.Context, req fl.TrainRequest) error {
	if tr.started != nil {
		tr.started <- struct{}{}
		<-tr.release
	}
	return os.WriteFile(req.OutDeltaPath, []byte("delta-weights"), 0o644)
}

type testService struct {
	db      *gorm.DB
	store   storage.Provider
	trainer *stubTrainer
	router  chi.Router
}

func newTestService(t *testing.T) *testService {
	t.Helper()

	db := createDB(t)

	store, err := storage.NewLocalProvider(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.CreateBucket(context.Background(), "samples"))

	trainer := &stubTrainer{}
	cache := fl.NewModelCache(stubDownloader{}, t.TempDir())
	orch := fl.NewOrchestrator(db, store, stubGateway{}, cache, trainer, fl.OrchestratorConfig{
		MinBatch:     10,
		TickInterval: time.Minute,
		TmpDir:       t.TempDir(),
		ModelArch:    "tv_effnet_b3",
		SdKeysHash:   "v1",
		MaxAttempts:  5,
		UploadBucket: "samples",
	})

	service := backend.NewBackendService(db, store, orch, "samples")
	router := chi.NewRouter()
	service.AddRoutes(router)

	return &testService{db: db, store: store, trainer: trainer, router: router}
}

func uploadRequest(t *testing.T, url string, files map[string][]byte, metas []api.SampleMeta) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	metaJson, err := json.Marshal(metas)
	require.NoError(t, err)
	require.NoError(t, writer.WriteField("meta", string(metaJson)))

	for name, content := range files {
		part, err := writer.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, url, &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func TestUploadSamples(t *testing.T) {
	svc := newTestService(t)

	req := uploadRequest(t, "/hospitals/h1/samples",
		map[string][]byte{
			"scan-1.png": []byte("pixels-1"),
			"scan-2.png": []byte("pixels-2"),
		},
		[]api.SampleMeta{
			{OriginalName: "scan-1.png", ClassLabel: "melanoma", Confidence: 0.92},
			{OriginalName: "scan-2.png", ClassLabel: "nevus", Confidence: 0.67, Meta: map[string]any{"device": "dermascope-3"}},
		})
	rec := httptest.NewRecorder()

	svc.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var response api.UploadSamplesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.True(t, response.Ok)
	assert.Equal(t, 2, response.Saved)

	var rows []database.TrainSample
	require.NoError(t, svc.db.Order("filename").Find(&rows).Error)
	require.Len(t, rows, 2)
	assert.Equal(t, "h1", rows[0].HospitalId)
	assert.Equal(t, "melanoma", rows[0].ClassLabel)
	assert.Equal(t, database.SampleQueued, rows[0].Status)

	// The stored artifact is retrievable under the recorded key.
	data, err := svc.store.GetObject(context.Background(), "samples", rows[0].StoragePath)
	require.NoError(t, err)
	assert.Equal(t, []byte("pixels-1"), data)
}

func TestUploadSamplesRejectsMissingMeta(t *testing.T) {
	svc := newTestService(t)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("files", "scan.png")
	require.NoError(t, err)
	_, err = part.Write([]byte("pixels"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/hospitals/h1/samples", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	rec := httptest.NewRecorder()

	svc.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadSamplesRejectsUnmatchedFile(t *testing.T) {
	svc := newTestService(t)

	req := uploadRequest(t, "/hospitals/h1/samples",
		map[string][]byte{"scan.png": []byte("pixels")},
		[]api.SampleMeta{{OriginalName: "other.png", ClassLabel: "melanoma", Confidence: 0.9}})
	rec := httptest.NewRecorder()

	svc.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var count int64
	require.NoError(t, svc.db.Model(&database.TrainSample{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestUploadSamplesRejectsBadConfidence(t *testing.T) {
	svc := newTestService(t)

	req := uploadRequest(t, "/hospitals/h1/samples",
		map[string][]byte{"scan.png": []byte("pixels")},
		[]api.SampleMeta{{OriginalName: "scan.png", ClassLabel: "melanoma", Confidence: 1.7}})
	rec := httptest.NewRecorder()

	svc.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListSamples(t *testing.T) {
	svc := newTestService(t)

	req := uploadRequest(t, "/hospitals/h1/samples",
		map[string][]byte{
			"scan-1.png": []byte("pixels-1"),
			"scan-2.png": []byte("pixels-2"),
		},
		[]api.SampleMeta{
			{OriginalName: "scan-1.png", ClassLabel: "melanoma", Confidence: 0.92},
			{OriginalName: "scan-2.png", ClassLabel: "nevus", Confidence: 0.67},
		})
	rec := httptest.NewRecorder()
	svc.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/hospitals/h1/samples?status=QUEUED", nil)
	rec = httptest.NewRecorder()
	svc.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var samples []api.Sample
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &samples))
	assert.Len(t, samples, 2)

	req = httptest.NewRequest(http.MethodGet, "/hospitals/h1/samples?status=USED", nil)
	rec = httptest.NewRecorder()
	svc.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &samples))
	assert.Empty(t, samples)

	// Another tenant's queue is invisible.
	req = httptest.NewRequest(http.MethodGet, "/hospitals/h2/samples", nil)
	rec = httptest.NewRecorder()
	svc.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &samples))
	assert.Empty(t, samples)
}

func TestListSamplesRejectsUnknownStatus(t *testing.T) {
	svc := newTestService(t)

	req := httptest.NewRequest(http.MethodGet, "/hospitals/h1/samples?status=PENDING", nil)
	rec := httptest.NewRecorder()
	svc.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSavePredictions(t *testing.T) {
	svc := newTestService(t)

	body, err := json.Marshal(api.SavePredictionsRequest{
		Items: []api.PredictionItem{
			{Filename: "scan.png", ModelClass: "melanoma", Confidence: 0.88, DoctorClass: "melanoma"},
		},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/hospitals/h1/predictions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	svc.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var response api.SavePredictionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, 1, response.Saved)

	var rows []database.Prediction
	require.NoError(t, svc.db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, "h1", rows[0].HospitalId)
	assert.Equal(t, "melanoma", rows[0].ModelClass)
}

func TestSavePredictionsRejectsEmptyBatch(t *testing.T) {
	svc := newTestService(t)

	body, err := json.Marshal(api.SavePredictionsRequest{})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/hospitals/h1/predictions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	svc.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTrainNowNoSamples(t *testing.T) {
	svc := newTestService(t)

	req := httptest.NewRequest(http.MethodPost, "/hospitals/h1/train-now", nil)
	rec := httptest.NewRecorder()
	svc.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var response api.TrainNowResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.True(t, response.Skipped)
	assert.Equal(t, "no_samples", response.Reason)
}

func TestTrainNowRunsQueuedSamples(t *testing.T) {
	svc := newTestService(t)

	req := uploadRequest(t, "/hospitals/h1/samples",
		map[string][]byte{"scan.png": []byte("pixels")},
		[]api.SampleMeta{{OriginalName: "scan.png", ClassLabel: "melanoma", Confidence: 0.9}})
	rec := httptest.NewRecorder()
	svc.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/hospitals/h1/train-now", nil)
	rec = httptest.NewRecorder()
	svc.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var response api.TrainNowResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.True(t, response.Ok)
	assert.True(t, response.Posted)
	assert.Equal(t, 1, response.Used)

	var row database.TrainSample
	require.NoError(t, svc.db.First(&row).Error)
	assert.Equal(t, database.SampleUsed, row.Status)
}

func TestTrainNowConflictReturns409(t *testing.T) {
	svc := newTestService(t)

	req := uploadRequest(t, "/hospitals/h1/samples",
		map[string][]byte{"scan.png": []byte("pixels")},
		[]api.SampleMeta{{OriginalName: "scan.png", ClassLabel: "melanoma", Confidence: 0.9}})
	rec := httptest.NewRecorder()
	svc.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	svc.trainer.started = make(chan struct{}, 1)
	svc.trainer.release = make(chan struct{})

	done := make(chan int, 1)
	go func() {
		innerRec := httptest.NewRecorder()
		svc.router.ServeHTTP(innerRec, httptest.NewRequest(http.MethodPost, "/hospitals/h1/train-now", nil))
		done <- innerRec.Code
	}()

	<-svc.trainer.started

	rec = httptest.NewRecorder()
	svc.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/hospitals/h1/train-now", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	close(svc.trainer.release)
	assert.Equal(t, http.StatusOK, <-done)
}

func TestHealth(t *testing.T) {
	svc := newTestService(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	svc.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(bytes.TrimSpace(body)))
}
