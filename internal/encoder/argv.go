package encoder

import (
	"strings"

	"tinycam/internal/config"
)

// buildArgv assembles the ffmpeg command line from EncoderConfig, per
// SPEC_FULL.md §6. The encoder always writes a single live container
// stream to stdout (pipe:1); the container's movflags are tuned so the
// fragmented-mp4 box parser can actually cut an init segment from an
// unseekable pipe.
func buildArgv(cfg config.EncoderConfig) []string {
	ffmpeg := cfg.FFmpegPath
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	argv := []string{ffmpeg, "-rtsp_transport", "tcp", "-i", cfg.InputURL}
	argv = append(argv, "-map", "0:v", "-c:v", "copy")
	if cfg.Audio {
		argv = append(argv, "-map", "0:a?", "-c:a", "aac")
	}

	switch containerFormat(cfg.Container) {
	case "matroska":
		argv = append(argv, "-f", "matroska")
	default:
		argv = append(argv, "-f", "mp4", "-movflags", "+frag_keyframe+empty_moov+default_base_moof")
	}
	argv = append(argv, cfg.ExtraArgs...)
	argv = append(argv, "pipe:1")
	return argv
}

func containerFormat(container string) string {
	switch container {
	case "mkv", "matroska", "webm":
		return "matroska"
	default:
		return "mp4"
	}
}

func describeArgv(argv []string) string {
	return strings.Join(argv, " ")
}
