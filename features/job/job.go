package job

import "time"

// FailedUpload is an image upload that exhausted its retries. The encoded
// image is kept so the upload can be replayed later.
type FailedUpload struct {
	ID          string    `json:"id"`
	PointID     uint64    `json:"point_id"`
	ObjectName  string    `json:"object_name"`
	Source      string    `json:"source"`
	ContentType string    `json:"content_type"`
	Image       []byte    `json:"-"`
	Error       string    `json:"error"`
	RunID       string    `json:"run_id,omitempty"`
	Retries     int       `json:"retries"`
	CreatedAt   time.Time `json:"created_at"`
}
