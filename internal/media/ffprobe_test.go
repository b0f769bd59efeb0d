package media

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// installFakeFFprobe puts a script named ffprobe first on PATH.
func installFakeFFprobe(t *testing.T, output string, exitCode int) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake ffprobe is a shell script")
	}
	dir := t.TempDir()
	script := "#!/bin/sh\necho '" + output + "'\nexit " + strconv.Itoa(exitCode)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ffprobe"), []byte(script), 0o755))
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func TestFFprobe_ProbeVideo(t *testing.T) {
	tests := []struct {
		name        string
		output      string
		exitCode    int
		expected    VideoInfo
		expectError bool
	}{
		{
			name: "Format duration wins",
			output: `{"format":{"duration":"12.500000"},"streams":[
				{"codec_type":"video","codec_name":"h264","width":1920,"height":1080,"duration":"12.480000"}]}`,
			expected: VideoInfo{DurationSeconds: 12.5, Width: 1920, Height: 1080, Codec: "h264"},
		},
		{
			name: "Stream duration fallback",
			output: `{"format":{},"streams":[
				{"codec_type":"video","codec_name":"vp9","width":640,"height":360,"duration":"3.2"}]}`,
			expected: VideoInfo{DurationSeconds: 3.2, Width: 640, Height: 360, Codec: "vp9"},
		},
		{
			name:        "No video stream",
			output:      `{"format":{"duration":"4.0"},"streams":[{"codec_type":"audio","codec_name":"aac"}]}`,
			expectError: true,
		},
		{
			name:        "Invalid JSON",
			output:      `{"streams": [invalid json`,
			expectError: true,
		},
		{
			name:     "Valid output with non-zero exit",
			output:   `{"format":{"duration":"1.0"},"streams":[{"codec_type":"video","codec_name":"h264","width":2,"height":2}]}`,
			exitCode: 1,
			expected: VideoInfo{DurationSeconds: 1, Width: 2, Height: 2, Codec: "h264"},
		},
		{
			name:        "Non-zero exit without streams fails",
			output:      `{}`,
			exitCode:    1,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			installFakeFFprobe(t, tt.output, tt.exitCode)

			info, err := NewFFprobe().ProbeVideo(context.Background(), "https://storage.local/ingest/u1/clip.mp4")
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, info)
		})
	}
}

func TestProbeArgs(t *testing.T) {
	expected := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		"-select_streams", "v:0",
		"/path/to/video.mp4",
	}
	assert.Equal(t, expected, probeArgs("/path/to/video.mp4"))
}

func TestFFprobe_NotInstalled(t *testing.T) {
	t.Setenv("PATH", "")
	assert.False(t, NewFFprobe().Available())

	_, err := NewFFprobe().ProbeVideo(context.Background(), "test.mp4")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ffprobe")
}

func TestRealFFprobe(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping test that requires actual ffprobe")
	}
	if _, err := exec.LookPath("ffprobe"); err != nil {
		t.Skip("ffprobe not available, skipping real test")
	}

	_, err := NewFFprobe().ProbeVideo(context.Background(), filepath.Join(t.TempDir(), "missing-input.mp4"))
	assert.Error(t, err)
}
