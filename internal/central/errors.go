package central

import "fmt"

// AuthError is a failed login exchange with the central aggregator. The
// session manager surfaces it without retrying; the caller decides.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("central auth failed: %v", e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// UploadError is a rejected or failed delta submission. Retryable marks
// network errors and 5xx responses, which a later cycle may retry; other
// 4xx responses mean the payload itself is bad and retrying is pointless.
type UploadError struct {
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("delta upload failed (status %d): %v", e.StatusCode, e.Err)
}
func (e *UploadError) Unwrap() error { return e.Err }
