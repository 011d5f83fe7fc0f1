package recorder

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/aler9/gortsplib"
	"github.com/aler9/gortsplib/pkg/url"

	"github.com/ebudiman/visionary_nvr/internal/domain/models"
)

// recordArgs builds the continuous-segment invocation: copy the video
// codec, re-encode audio to AAC, cut fixed-duration MP4 segments with
// timestamp-based filenames.
func recordArgs(cam models.Camera, camDir string, segmentDuration time.Duration) []string {
	return []string{
		"-rtsp_transport", "tcp",
		"-i", cam.SourceURL,
		"-c:v", "copy",
		"-c:a", "aac",
		"-f", "segment",
		"-segment_time", fmt.Sprintf("%d", int(segmentDuration.Seconds())),
		"-segment_format", "mp4",
		"-strftime", "1",
		"-reset_timestamps", "1",
		filepath.Join(camDir, cam.CameraID+"-%Y%m%d-%H%M%S.mp4"),
	}
}

// isCameraAvailable probes the source with an RTSP OPTIONS request.
// Advisory only: a reachable camera can still fail mid-stream.
func isCameraAvailable(rtspURL string) (bool, error) {
	u, err := url.Parse(rtspURL)
	if err != nil {
		return false, err
	}

	conn := gortsplib.Client{}

	err = conn.Start(u.Scheme, u.Host)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	_, err = conn.Options(u)
	if err != nil {
		return false, err
	}

	return true, nil
}
