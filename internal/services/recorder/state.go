package recorder

// State of one camera's recording session.
type State string

const (
	StateStopped      State = "stopped"
	StateStarting     State = "starting"
	StateRunning      State = "running"
	StateStopping     State = "stopping"
	StateRetryPending State = "retry_pending"
)

// Info is a snapshot of a session for the status surface.
type Info struct {
	CameraID     string `json:"camera_id"`
	State        State  `json:"state"`
	RestartCount int    `json:"restart_count"`
}
