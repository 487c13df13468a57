package job

import (
	"encoding/json"
)

// Callback holds info to be posted back to a notification destination once
// an upload reaches a terminal state.
type Callback struct {
	// Success refers to whether the upload was successful or not
	Success bool `json:"success"`

	// UploadID is the caller-facing id of the upload
	UploadID string `json:"upload_id"`

	// Reason is the failure reason code, empty on success
	Reason string `json:"reason,omitempty"`

	// Error contains the detail of the failure
	Error string `json:"error"`

	// Metadata the upload was submitted with
	Metadata map[string]string `json:"metadata,omitempty"`

	// Delivered signifies where the callback has been delivered or not
	Delivered bool `json:"delivered"`

	// DeliveryError contains the error occured while delivering a callback
	DeliveryError string `json:"delivery_error"`
}

// Bytes returns a byte slice for a callback info encoded as JSON
func (cb *Callback) Bytes() ([]byte, error) {
	return json.Marshal(cb)
}
