// Package transcode wraps the external media transcoder (ffmpeg/ffprobe)
// invoked as a subprocess: tempo adjustment and container conversion on
// single chapters, duration probing, and multi-file concatenation with
// chapter-marker injection.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/book-expert/logger"

	"github.com/book-expert/audiobook-service/internal/core"
)

const (
	defaultFFmpegBin  = "ffmpeg"
	defaultFFprobeBin = "ffprobe"
	defaultBitrate    = "64k"

	// The atempo filter accepts 0.5-2.0 per instance; larger factors are
	// split into a chain of two.
	minTempo       = 0.5
	maxTempo       = 3.0
	maxSingleTempo = 2.0

	noTempoChange = 1.0

	filePermissions = 0o600
)

// Static errors.
var (
	ErrTempoOutOfRange  = errors.New("tempo out of supported range")
	ErrNoConcatInputs   = errors.New("no concatenation inputs")
	ErrUnknownStrategy  = errors.New("unknown concatenation strategy")
	ErrEmptyProbeOutput = errors.New("probe produced no duration")
)

// FFmpeg implements core.Transcoder by spawning ffmpeg and ffprobe.
type FFmpeg struct {
	ffmpegBin  string
	ffprobeBin string
	bitrate    string
	log        *logger.Logger
}

// New creates a transcoder using the ffmpeg and ffprobe binaries on PATH.
func New(bitrate string, log *logger.Logger) *FFmpeg {
	if bitrate == "" {
		bitrate = defaultBitrate
	}

	return &FFmpeg{
		ffmpegBin:  defaultFFmpegBin,
		ffprobeBin: defaultFFprobeBin,
		bitrate:    bitrate,
		log:        log,
	}
}

// BuildTempoFilter returns the atempo filter expression for a playback speed
// in [0.5, 3.0]. Values above 2.0 are split into two chained atempo filters
// because a single instance is limited to 2.0.
func BuildTempoFilter(tempo float64) (string, error) {
	if tempo < minTempo || tempo > maxTempo {
		return "", fmt.Errorf("%w: %.2f not in [%.1f, %.1f]",
			ErrTempoOutOfRange, tempo, minTempo, maxTempo)
	}

	if tempo <= maxSingleTempo {
		return fmt.Sprintf("atempo=%.4f", tempo), nil
	}

	return fmt.Sprintf("atempo=%.4f,atempo=%.4f", maxSingleTempo, tempo/maxSingleTempo), nil
}

// codecArgs returns the encoder arguments for a container format.
func (f *FFmpeg) codecArgs(format core.AudioFormat) []string {
	if format == core.FormatMP3 {
		return []string{"-c:a", "libmp3lame", "-b:a", f.bitrate}
	}

	return []string{"-c:a", "aac", "-b:a", f.bitrate}
}

// Transcode converts inputPath into outputPath in the given format,
// applying a tempo change (1.0 means none) and embedding the chapter title
// as stream metadata.
func (f *FFmpeg) Transcode(ctx context.Context, inputPath, outputPath string, format core.AudioFormat, tempo float64, title string) error {
	if _, err := core.ParseAudioFormat(string(format)); err != nil {
		return err
	}

	args := []string{"-y", "-i", inputPath}

	if tempo != noTempoChange && tempo != 0 {
		filter, err := BuildTempoFilter(tempo)
		if err != nil {
			return err
		}

		args = append(args, "-filter:a", filter)
	}

	args = append(args, "-metadata", "title="+title, "-vn")
	args = append(args, f.codecArgs(format)...)
	args = append(args, outputPath)

	return f.runFFmpeg(ctx, args)
}

// ProbeDuration returns the duration of a media file in seconds.
func (f *FFmpeg) ProbeDuration(ctx context.Context, path string) (float64, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}

	// #nosec G204 -- the argument list is fixed; path comes from a scratch workspace
	cmd := exec.CommandContext(ctx, f.ffprobeBin, args...)

	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed for '%s': %w", path, err)
	}

	trimmed := strings.TrimSpace(string(output))
	if trimmed == "" {
		return 0, fmt.Errorf("%w: '%s'", ErrEmptyProbeOutput, path)
	}

	duration, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse duration %q of '%s': %w", trimmed, path, err)
	}

	return duration, nil
}

// Concat joins the ordered inputs into outputPath using the concat demuxer,
// mapping chapter markers in from the metadata file. Stream copy avoids
// re-encoding entirely; the re-encode strategy decodes and re-encodes at a
// fixed bitrate and is the fallback for inputs with incompatible stream
// parameters.
func (f *FFmpeg) Concat(ctx context.Context, inputs []string, metadataPath, outputPath string, format core.AudioFormat, strategy core.ConcatStrategy) error {
	if len(inputs) == 0 {
		return ErrNoConcatInputs
	}

	listPath := outputPath + ".list.txt"

	err := writeConcatList(listPath, inputs)
	if err != nil {
		return err
	}

	defer func() {
		removeErr := os.Remove(listPath)
		if removeErr != nil && f.log != nil {
			f.log.Warn("Failed to remove concat list '%s': %v", listPath, removeErr)
		}
	}()

	args := []string{
		"-y",
		"-f", "concat", "-safe", "0", "-i", listPath,
		"-i", metadataPath,
		"-map_metadata", "1",
	}

	switch strategy {
	case core.ConcatStreamCopy:
		args = append(args, "-c", "copy")
	case core.ConcatReencode:
		args = append(args, f.codecArgs(format)...)
	default:
		return fmt.Errorf("%w: %d", ErrUnknownStrategy, strategy)
	}

	args = append(args, outputPath)

	return f.runFFmpeg(ctx, args)
}

// runFFmpeg executes ffmpeg, preserving its combined output in the error.
func (f *FFmpeg) runFFmpeg(ctx context.Context, args []string) error {
	// #nosec G204 -- arguments are assembled from validated inputs above
	cmd := exec.CommandContext(ctx, f.ffmpegBin, args...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg execution failed: %w - output: %s", err, string(output))
	}

	return nil
}

// writeConcatList writes the concat demuxer input list. Single quotes in
// file paths are escaped per the demuxer's quoting rules.
func writeConcatList(listPath string, inputs []string) error {
	var builder strings.Builder

	for _, input := range inputs {
		absolute, err := filepath.Abs(input)
		if err != nil {
			return fmt.Errorf("failed to resolve concat input '%s': %w", input, err)
		}

		escaped := strings.ReplaceAll(absolute, "'", `'\''`)
		fmt.Fprintf(&builder, "file '%s'\n", escaped)
	}

	err := os.WriteFile(listPath, []byte(builder.String()), filePermissions)
	if err != nil {
		return fmt.Errorf("failed to write concat list '%s': %w", listPath, err)
	}

	return nil
}
