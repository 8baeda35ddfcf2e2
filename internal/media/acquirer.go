// Package media obtains local audio artifacts for catalogue items.
//
// Acquisition shells out to the yt-dlp downloader and the ffmpeg transcoder
// behind a narrow interface: only the exit code and a small set of stderr
// markers are interpreted. Artifacts are scoped — [Artifact.Release] deletes
// the file on every exit path unless the retention policy keeps it.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Container is the target audio container for an acquisition.
type Container string

const (
	// ContainerWAV is 16 kHz mono PCM, the local recognizer's input format.
	ContainerWAV Container = "wav"

	// ContainerMP3 is compressed audio for the remote recognizer's upload
	// path, which caps files at 25 MB.
	ContainerMP3 Container = "mp3"
)

// Inaccessibility stderr markers recognised from the downloader. Anything
// matching one of these is a per-item terminal skip, never a retry.
var inaccessibleMarkers = []string{
	"members-only",
	"Private video",
	"Video unavailable",
	"This video is only available to Music Premium members",
	"who has blocked it in your country",
}

// ErrInaccessible marks content that cannot be downloaded at all
// (members-only, private, geo-blocked, removed). Terminal per item.
var ErrInaccessible = errors.New("media: content inaccessible")

// ErrTooLarge marks audio that stayed over the size cap even after the
// compression fallback. Terminal per item.
var ErrTooLarge = errors.New("media: audio exceeds size cap after compression")

// Constraints bound a single acquisition.
type Constraints struct {
	// MaxFileMB is the artifact size cap. The compression fallback engages
	// once before the cap becomes fatal. 0 disables the cap.
	MaxFileMB int

	// Container selects the output format.
	Container Container
}

// Artifact is an acquired local audio file. Release must be called on every
// exit path; it is a no-op when the retention policy keeps audio.
type Artifact struct {
	Path      string
	SizeBytes int64
	DurationS float64
	Container Container

	retain bool
}

// Release deletes the artifact unless the acquirer was configured to retain
// audio. Safe to call multiple times.
func (a *Artifact) Release() {
	if a == nil || a.retain || a.Path == "" {
		return
	}
	if err := os.Remove(a.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("media: failed to remove artifact", "path", a.Path, "err", err)
	}
	a.Path = ""
}

// Acquirer downloads and transcodes audio for single items.
type Acquirer struct {
	ytdlpBinary  string
	ffmpegBinary string
	dir          string
	retainAudio  bool
}

// Option is a functional option for configuring an Acquirer.
type Option func(*Acquirer)

// WithYTDLPBinary overrides the downloader executable path.
func WithYTDLPBinary(path string) Option {
	return func(a *Acquirer) { a.ytdlpBinary = path }
}

// WithFFmpegBinary overrides the transcoder executable path.
func WithFFmpegBinary(path string) Option {
	return func(a *Acquirer) { a.ffmpegBinary = path }
}

// WithRetention keeps acquired audio on disk after processing. Production
// deployments leave this off so Release deletes artifacts.
func WithRetention(retain bool) Option {
	return func(a *Acquirer) { a.retainAudio = retain }
}

// New creates an Acquirer writing artifacts under dir.
func New(dir string, opts ...Option) (*Acquirer, error) {
	if dir == "" {
		return nil, errors.New("media: storage dir must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("media: create storage dir: %w", err)
	}
	a := &Acquirer{
		ytdlpBinary:  "yt-dlp",
		ffmpegBinary: "ffmpeg",
		dir:          dir,
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// Acquire downloads the item's audio and transcodes it to the requested
// container. Inaccessible content returns [ErrInaccessible]; audio that
// cannot be brought under the size cap returns [ErrTooLarge]. Both are
// terminal for the item; other errors are retryable.
func (a *Acquirer) Acquire(ctx context.Context, videoID string, c Constraints) (*Artifact, error) {
	if c.Container == "" {
		c.Container = ContainerWAV
	}

	rawPath := filepath.Join(a.dir, videoID+".m4a")
	if err := a.download(ctx, videoID, rawPath); err != nil {
		return nil, err
	}
	defer func() {
		if err := os.Remove(rawPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Debug("media: failed to remove raw download", "path", rawPath, "err", err)
		}
	}()

	outPath := filepath.Join(a.dir, videoID+"."+string(c.Container))
	if err := a.transcode(ctx, rawPath, outPath, c.Container, 0); err != nil {
		return nil, err
	}

	art := &Artifact{Path: outPath, Container: c.Container, retain: a.retainAudio}
	if err := a.stat(art); err != nil {
		art.Release()
		return nil, err
	}

	if c.MaxFileMB > 0 && art.SizeBytes > int64(c.MaxFileMB)<<20 {
		// Compression fallback: 16 kHz mono at a low bitrate.
		slog.Info("media: artifact over cap, engaging compression fallback",
			"video_id", videoID, "size_bytes", art.SizeBytes, "cap_mb", c.MaxFileMB)
		if err := a.transcode(ctx, rawPath, outPath, ContainerMP3, 32); err != nil {
			art.Release()
			return nil, err
		}
		art.Container = ContainerMP3
		if err := a.stat(art); err != nil {
			art.Release()
			return nil, err
		}
		if art.SizeBytes > int64(c.MaxFileMB)<<20 {
			art.Release()
			return nil, fmt.Errorf("%w: %d bytes over %d MB cap", ErrTooLarge, art.SizeBytes, c.MaxFileMB)
		}
	}

	return art, nil
}

// download fetches bestaudio for the item into dst.
func (a *Acquirer) download(ctx context.Context, videoID, dst string) error {
	cmd := exec.CommandContext(ctx, a.ytdlpBinary,
		"--no-warnings",
		"--no-progress",
		"-f", "bestaudio[ext=m4a]/bestaudio",
		"-o", dst,
		"https://www.youtube.com/watch?v="+videoID,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := stderr.String()
		for _, marker := range inaccessibleMarkers {
			if strings.Contains(msg, marker) {
				return fmt.Errorf("%w: %s", ErrInaccessible, marker)
			}
		}
		return fmt.Errorf("media: download %s: %w: %s", videoID, err, firstLine(msg))
	}
	if _, err := os.Stat(dst); err != nil {
		return fmt.Errorf("media: download %s: no output file: %w", videoID, err)
	}
	return nil
}

// transcode converts src to the target container at 16 kHz mono. bitrateKbps
// applies only to compressed containers; 0 uses a default of 64 kbps.
func (a *Acquirer) transcode(ctx context.Context, src, dst string, container Container, bitrateKbps int) error {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-y",
		"-i", src,
		"-ac", "1",
		"-ar", "16000",
	}
	switch container {
	case ContainerWAV:
		args = append(args, "-c:a", "pcm_s16le")
	case ContainerMP3:
		if bitrateKbps <= 0 {
			bitrateKbps = 64
		}
		args = append(args, "-c:a", "libmp3lame", "-b:a", fmt.Sprintf("%dk", bitrateKbps))
	default:
		return fmt.Errorf("media: unsupported container %q", container)
	}
	args = append(args, dst)

	cmd := exec.CommandContext(ctx, a.ffmpegBinary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("media: transcode: %w: %s", err, firstLine(stderr.String()))
	}
	return nil
}

// stat fills the artifact's size and duration from the file on disk.
func (a *Acquirer) stat(art *Artifact) error {
	fi, err := os.Stat(art.Path)
	if err != nil {
		return fmt.Errorf("media: stat artifact: %w", err)
	}
	art.SizeBytes = fi.Size()
	if art.Container == ContainerWAV {
		// 16 kHz mono 16-bit PCM: 32 000 bytes per second past the header.
		if fi.Size() > 44 {
			art.DurationS = float64(fi.Size()-44) / 32000.0
		}
	}
	return nil
}

// firstLine trims msg to its first non-empty line for compact error text.
func firstLine(msg string) string {
	for _, line := range strings.Split(msg, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}
