// Package media reads technical metadata of uploaded media with ffprobe.
package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/MimeLyc/mediacards/pkg/log"
)

// VideoInfo describes the first video stream of a file.
type VideoInfo struct {
	DurationSeconds float64 `json:"duration_seconds"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	Codec           string  `json:"codec"`
}

// Prober reads VideoInfo from a local path or URL.
type Prober interface {
	ProbeVideo(ctx context.Context, source string) (VideoInfo, error)
}

type FFprobe struct {
	ffprobeCmd string
}

func NewFFprobe() FFprobe {
	return FFprobe{ffprobeCmd: "ffprobe"}
}

// Available reports whether ffprobe is on PATH.
func (f FFprobe) Available() bool {
	_, err := exec.LookPath(f.ffprobeCmd)
	return err == nil
}

// ProbeVideo runs ffprobe on source. A non-zero exit is tolerated when the
// output still describes a video stream.
func (f FFprobe) ProbeVideo(ctx context.Context, source string) (VideoInfo, error) {
	cmdPath, err := exec.LookPath(f.ffprobeCmd)
	if err != nil {
		return VideoInfo{}, err
	}
	output, runErr := exec.CommandContext(ctx, cmdPath, probeArgs(source)...).Output()

	info, err := parseProbe(output)
	if err != nil {
		if runErr != nil {
			log.WithError(runErr).Error("Failed to run ffprobe")
			return VideoInfo{}, fmt.Errorf("ffprobe: %w", runErr)
		}
		return VideoInfo{}, err
	}
	if runErr != nil {
		log.WithError(runErr).Warn("ffprobe exited with an error but reported a video stream")
	}
	return info, nil
}

func probeArgs(source string) []string {
	return []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		"-select_streams", "v:0",
		source,
	}
}

var errNoVideoStream = errors.New("no video stream found")

func parseProbe(output []byte) (VideoInfo, error) {
	var probe struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
		Streams []struct {
			CodecType string `json:"codec_type"`
			CodecName string `json:"codec_name"`
			Width     int    `json:"width"`
			Height    int    `json:"height"`
			Duration  string `json:"duration"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(output, &probe); err != nil {
		return VideoInfo{}, fmt.Errorf("parse ffprobe output: %w", err)
	}

	for _, s := range probe.Streams {
		if s.CodecType != "video" {
			continue
		}
		info := VideoInfo{Width: s.Width, Height: s.Height, Codec: s.CodecName}
		// container duration is more reliable than the stream's
		for _, raw := range []string{probe.Format.Duration, s.Duration} {
			if d, err := strconv.ParseFloat(raw, 64); err == nil && d > 0 {
				info.DurationSeconds = d
				break
			}
		}
		return info, nil
	}
	return VideoInfo{}, errNoVideoStream
}
