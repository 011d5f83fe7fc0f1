// Package streamkey derives the stable identifiers that deduplicate
// preview sessions. Camera ids pass through verbatim; raw source URLs
// are encoded so the key is filesystem- and path-segment-safe.
package streamkey

import (
	"encoding/base64"
	"fmt"
)

// FromCameraID returns the stream-key for a registered camera.
func FromCameraID(cameraID string) string {
	return cameraID
}

// FromSourceURL returns the stream-key for a raw source URL.
func FromSourceURL(sourceURL string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(sourceURL))
}

// SourceURL reverses FromSourceURL for keys that are not camera ids.
func SourceURL(key string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(key)
	if err != nil {
		return "", fmt.Errorf("not a source-url key: %w", err)
	}
	return string(b), nil
}
