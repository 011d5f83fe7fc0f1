package models

type Camera struct {
	CameraID      string `json:"camera_id" db:"camera_id"`
	Name          string `json:"name" db:"name"`
	IP            string `json:"ip" db:"ip"`
	Location      string `json:"location" db:"location"`
	SourceURL     string `json:"source_url" db:"source_url"`
	RecordingMode string `json:"recording_mode" db:"recording_mode"`
	Status        string `json:"status" db:"status"`
	Enabled       bool   `json:"enabled" db:"enabled"`
}

// Recordable reports whether the camera may own any session at all.
// A disabled or unconfigured camera must never be recorded or previewed.
func (c Camera) Recordable() bool {
	return c.Enabled && c.SourceURL != ""
}
