package database

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	SampleQueued  string = "QUEUED"
	SampleClaimed string = "CLAIMED"
	SampleUsed    string = "USED"
	SampleFailed  string = "FAILED"
)

// TrainSample is one labeled image contributed by a doctor at a hospital.
// Samples are never deleted; FAILED rows stay around as an audit trail.
type TrainSample struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	HospitalId string        `gorm:"size:64;not null;index"`
	DoctorId   uuid.NullUUID `gorm:"type:uuid"`

	Filename    string `gorm:"not null"`
	ClassLabel  string `gorm:"size:64;not null"`
	Confidence  float64
	StoragePath string `gorm:"not null"`
	MimeType    string
	SizeBytes   int64
	Meta        datatypes.JSON `gorm:"type:jsonb"`

	Status   string `gorm:"size:20;not null;index"`
	Attempts int    `gorm:"default:0"`

	CreationTime time.Time
	UpdateTime   time.Time
}

// Prediction records one output of the browser-side inference flow. Model
// execution happens on the client; we only persist its result alongside the
// doctor's own label, if any.
type Prediction struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	HospitalId string        `gorm:"size:64;not null;index"`
	DoctorId   uuid.NullUUID `gorm:"type:uuid"`

	Filename    string `gorm:"not null"`
	DoctorClass string
	ModelClass  string `gorm:"not null"`
	Confidence  float64
	MimeType    string
	SizeBytes   int64
	Meta        datatypes.JSON `gorm:"type:jsonb"`

	CreationTime time.Time
}
