package constants

const (
	Admin = "admin"
	User  = "user"
)

// Camera statuses written back to the registry by the session managers.
const (
	StatusOffline   = "offline"
	StatusOnline    = "online"
	StatusRecording = "recording"
)

// Recording modes. Only continuous mode drives boot-time orchestration;
// scheduled and motion modes are managed by the admin layer.
const (
	ModeContinuous = "continuous"
	ModeScheduled  = "scheduled"
	ModeMotion     = "motion"
)
