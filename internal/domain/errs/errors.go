package errs

import "errors"

var (
	ErrUserType           = errors.New("wrong user type")
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")

	ErrCameraNotFound       = errors.New("camera not found")
	ErrCameraAlreadyExists  = errors.New("camera already exists")
	ErrCameraDisabled       = errors.New("camera is disabled")
	ErrCameraNotConfigured  = errors.New("camera has no source url")
	ErrCameraIsNotAvailable = errors.New("camera is not available")

	ErrStreamTimeout = errors.New("timed out waiting for stream output")
	ErrStreamFailed  = errors.New("stream process exited unexpectedly")

	ErrSettingNotFound = errors.New("setting not found")
)
