package api

import (
	"time"

	"github.com/google/uuid"
)

// SampleMeta is the per-file metadata accompanying a training upload. The
// meta form field holds a JSON array of these, matched to files by name.
type SampleMeta struct {
	OriginalName string         `json:"original_name"`
	ClassLabel   string         `json:"class_label"`
	Confidence   float64        `json:"confidence"`
	DoctorId     *uuid.UUID     `json:"doctor_id,omitempty"`
	Meta         map[string]any `json:"meta,omitempty"`
}

type UploadSamplesResponse struct {
	Ok    bool `json:"ok"`
	Saved int  `json:"saved"`
}

type Sample struct {
	Id           uuid.UUID `json:"id"`
	HospitalId   string    `json:"hospital_id"`
	Filename     string    `json:"filename"`
	ClassLabel   string    `json:"class_label"`
	Confidence   float64   `json:"confidence"`
	Status       string    `json:"status"`
	Attempts     int       `json:"attempts"`
	CreationTime time.Time `json:"creation_time"`
}

type ListSamplesQuery struct {
	Status string `schema:"status"`
}

type PredictionItem struct {
	Filename    string         `json:"filename"`
	DoctorClass string         `json:"doctor_class,omitempty"`
	ModelClass  string         `json:"model_class"`
	Confidence  float64        `json:"confidence"`
	MimeType    string         `json:"mime_type,omitempty"`
	SizeBytes   int64          `json:"size_bytes,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
}

type SavePredictionsRequest struct {
	DoctorId *uuid.UUID       `json:"doctor_id,omitempty"`
	Items    []PredictionItem `json:"items"`
}

type SavePredictionsResponse struct {
	Ok    bool `json:"ok"`
	Saved int  `json:"saved"`
}

// TrainNowResponse mirrors fl.TenantResult for the on-demand trigger.
type TrainNowResponse struct {
	HospitalId string `json:"hospital_id"`
	Ok         bool   `json:"ok"`
	Skipped    bool   `json:"skipped,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Used       int    `json:"used,omitempty"`
	Posted     bool   `json:"posted,omitempty"`
	Error      string `json:"error,omitempty"`
}
