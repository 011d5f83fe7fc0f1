package models

// Candidate is a device reported by the external network probe.
// The core only translates a selected candidate into a Camera record.
type Candidate struct {
	Address  string            `json:"address"`
	Metadata map[string]string `json:"metadata,omitempty"`
}
