package fl

import "fmt"

// Domain failures raised inside the pipeline. Together with central.AuthError
// and central.UploadError these make up the full error taxonomy; all of them
// are fatal for the run that hit them, and the orchestrator converts them
// into per-tenant results instead of letting them escape the tick loop.

// ModelFetchError is a failed global-model download or checksum mismatch.
type ModelFetchError struct {
	Version string
	Err     error
}

func (e *ModelFetchError) Error() string {
	return fmt.Sprintf("fetching global model %s failed: %v", e.Version, e.Err)
}
func (e *ModelFetchError) Unwrap() error { return e.Err }

// TrainingProcessError is any failure of the external training routine:
// spawn failure, nonzero exit, timeout, or a missing/empty delta file.
type TrainingProcessError struct {
	Err error
}

func (e *TrainingProcessError) Error() string { return fmt.Sprintf("training process failed: %v", e.Err) }
func (e *TrainingProcessError) Unwrap() error { return e.Err }

// ConcurrencyConflict is returned when a run cannot acquire the tenant
// lease because another run for the same hospital is already in flight.
type ConcurrencyConflict struct {
	HospitalId string
}

func (e *ConcurrencyConflict) Error() string {
	return fmt.Sprintf("training already in progress for hospital %s", e.HospitalId)
}
