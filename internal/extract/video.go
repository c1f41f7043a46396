package extract

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

var transcriptExts = []string{".vtt", ".srt", ".txt"}

// extractVideo probes the duration, reports the frame sampling plan and
// attaches a sidecar transcript when one sits next to the video.
func (e *Extractor) extractVideo(ctx context.Context, path string, _ string) (Result, error) {
	duration, err := e.probeDuration(ctx, path)
	if err != nil {
		return Result{}, err
	}

	interval := float64(e.opts.FrameIntervalSecs)
	frames := FrameCount(duration, interval)

	var b strings.Builder
	fmt.Fprintf(&b, "Video: %s\nDuration: %.1f seconds\nFrames sampled: %d (every %d seconds at",
		filepath.Base(path), duration, frames, e.opts.FrameIntervalSecs)
	for i := 0; i < frames; i++ {
		fmt.Fprintf(&b, " %s", timestamp(float64(i)*interval))
	}
	b.WriteString(")\n")

	transcript, src, err := readTranscript(path)
	if err != nil {
		return Result{}, err
	}
	if transcript != "" {
		zap.L().Debug("extract: using transcript", zap.String("video", path), zap.String("transcript", src))
		b.WriteString("\nTranscript:\n")
		b.WriteString(transcript)
	}
	return Result{Text: b.String(), Units: frames}, nil
}

func (e *Extractor) probeDuration(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, e.opts.FFprobePath,
		"-v", "error", "-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1", path)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return 0, eris.Wrapf(err, "extract: ffprobe failed for %s: %s", path, strings.TrimSpace(stderr.String()))
	}

	d, err := strconv.ParseFloat(strings.TrimSpace(stdout.String()), 64)
	if err != nil || d < 0 {
		return 0, eris.Errorf("extract: ffprobe returned no duration for %s", path)
	}
	return d, nil
}

// FrameCount is the number of frames sampled at 0, interval, 2*interval...
// strictly before duration.
func FrameCount(duration, interval float64) int {
	if duration <= 0 || interval <= 0 {
		return 0
	}
	return int(math.Ceil(duration / interval))
}

func timestamp(secs float64) string {
	s := int(secs)
	return fmt.Sprintf("%02d:%02d", s/60, s%60)
}

func readTranscript(videoPath string) (string, string, error) {
	base := strings.TrimSuffix(videoPath, filepath.Ext(videoPath))
	for _, ext := range transcriptExts {
		p := base + ext
		raw, err := os.ReadFile(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", "", eris.Wrapf(err, "extract: read transcript %s", p)
		}
		text, err := decode(p, raw, "")
		if err != nil {
			return "", "", err
		}
		if ext == ".txt" {
			return strings.TrimSpace(text), p, nil
		}
		return cueText(text), p, nil
	}
	return "", "", nil
}

var cueTiming = regexp.MustCompile(`^\d{1,2}:\d{2}(:\d{2})?[.,]\d{3}\s+-->\s+`)

// cueText strips WebVTT/SRT headers, cue numbers and timings, keeping the
// spoken lines in order.
func cueText(s string) string {
	var lines []string
	sc := bufio.NewScanner(strings.NewReader(s))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "", line == "WEBVTT", strings.HasPrefix(line, "NOTE"):
			continue
		case cueTiming.MatchString(line):
			continue
		case isDigits(line):
			continue
		}
		if n := len(lines); n > 0 && lines[n-1] == line {
			continue
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
