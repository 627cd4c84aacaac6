// Package media converts voice and video payloads with external tools and
// stages outbound files for the media server.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gewebridge/internal/config"
	"gewebridge/internal/metrics"
)

var (
	// ErrNoDecoder is returned when every codec candidate failed.
	ErrNoDecoder = errors.New("no silk codec succeeded")
	// ErrAudioTooShort is returned when the input holds less than one frame.
	ErrAudioTooShort = errors.New("audio shorter than one frame")
)

// CodecResolver locates the installed rust-silk binary. Resolve returns ""
// when the tool is unavailable.
type CodecResolver interface {
	Resolve(ctx context.Context) string
}

type TranscoderConfig struct {
	Voice   config.VoiceConfig
	Video   config.VideoConfig
	Codec   CodecResolver
	Runner  Runner
	TempDir string // parent of scoped work dirs; "" means os.TempDir()
	Logger  *slog.Logger
}

// Transcoder runs ffmpeg, ffprobe and silk codecs. Every call works inside
// its own temporary directory, removed before returning.
type Transcoder struct {
	sampleRate   int
	voiceTimeout time.Duration
	videoTimeout time.Duration
	ffmpeg       string
	ffprobe      string
	decoders     []candidate
	encoders     []candidate
	codec        CodecResolver
	runner       Runner
	tempDir      string
	logger       *slog.Logger
}

func NewTranscoder(cfg TranscoderConfig) *Transcoder {
	if cfg.Runner == nil {
		cfg.Runner = ExecRunner{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	t := &Transcoder{
		sampleRate:   cfg.Voice.SampleRate,
		voiceTimeout: time.Duration(cfg.Voice.TimeoutSeconds) * time.Second,
		videoTimeout: time.Duration(cfg.Video.TimeoutSeconds) * time.Second,
		ffmpeg:       cfg.Video.FFmpegPath,
		ffprobe:      cfg.Video.FFprobePath,
		decoders:     fromTemplates(cfg.Voice.Decoders),
		encoders:     fromTemplates(cfg.Voice.Encoders),
		codec:        cfg.Codec,
		runner:       cfg.Runner,
		tempDir:      cfg.TempDir,
		logger:       cfg.Logger.With("component", "transcoder"),
	}
	if t.sampleRate <= 0 {
		t.sampleRate = 24000
	}
	if t.voiceTimeout <= 0 {
		t.voiceTimeout = defaultProcessTimeout
	}
	if t.videoTimeout <= 0 {
		t.videoTimeout = defaultProcessTimeout
	}
	if t.ffmpeg == "" {
		t.ffmpeg = "ffmpeg"
	}
	if t.ffprobe == "" {
		t.ffprobe = "ffprobe"
	}
	return t
}

// SampleRate is the PCM rate used for decode and encode.
func (t *Transcoder) SampleRate() int { return t.sampleRate }

func (t *Transcoder) workDir(prefix string) (string, func(), error) {
	dir, err := os.MkdirTemp(t.tempDir, prefix)
	if err != nil {
		return "", nil, fmt.Errorf("create work dir: %w", err)
	}
	return dir, func() {
		if err := os.RemoveAll(dir); err != nil {
			t.logger.Warn("work dir cleanup failed", "dir", dir, "err", err)
		}
	}, nil
}

// candidates returns the installed tool first, then configured templates,
// then the legacy table.
func (t *Transcoder) candidates(ctx context.Context, installedArgs []string, custom, legacy []candidate) []candidate {
	out := make([]candidate, 0, 1+len(custom)+len(legacy))
	if t.codec != nil {
		if bin := t.codec.Resolve(ctx); bin != "" {
			out = append(out, candidate{Bin: bin, Args: installedArgs})
		}
	}
	out = append(out, custom...)
	return append(out, legacy...)
}

// DecodeSilk converts SILK audio to a 16-bit mono WAV file.
func (t *Transcoder) DecodeSilk(ctx context.Context, data []byte) ([]byte, error) {
	dir, cleanup, err := t.workDir("silk-decode-*")
	if err != nil {
		return nil, err
	}
	defer cleanup()

	input := filepath.Join(dir, "input.silk")
	if err := os.WriteFile(input, data, 0o600); err != nil {
		return nil, fmt.Errorf("write silk input: %w", err)
	}

	for i, c := range t.candidates(ctx, rustSilkDecodeArgs, t.decoders, legacyDecoders) {
		output := filepath.Join(dir, "decoded-"+strconv.Itoa(i))
		out, err := t.tryCandidate(ctx, c, input, output)
		if err != nil {
			t.logger.Debug("silk decoder failed", "bin", c.Bin, "err", err)
			continue
		}
		if isWAV(out) {
			return out, nil
		}
		wav, err := t.wrapPCM(ctx, dir, output)
		if err != nil {
			t.logger.Debug("pcm wrap failed", "bin", c.Bin, "err", err)
			continue
		}
		return wav, nil
	}
	metrics.TranscodeFailures.With("decode").Inc()
	return nil, ErrNoDecoder
}

// EncodeSilk converts any ffmpeg-readable audio to SILK. The PCM is cut to
// whole 20ms frames; the returned duration is that of the encoded audio.
func (t *Transcoder) EncodeSilk(ctx context.Context, data []byte, fileName string) ([]byte, int64, error) {
	dir, cleanup, err := t.workDir("silk-encode-*")
	if err != nil {
		return nil, 0, err
	}
	defer cleanup()

	input := filepath.Join(dir, "source"+filepath.Ext(fileName))
	if err := os.WriteFile(input, data, 0o600); err != nil {
		return nil, 0, fmt.Errorf("write audio input: %w", err)
	}
	pcmPath := filepath.Join(dir, "audio.pcm")
	rate := strconv.Itoa(t.sampleRate)
	if _, err := t.runner.Run(ctx, t.voiceTimeout, t.ffmpeg,
		"-y", "-loglevel", "error", "-i", input,
		"-f", "s16le", "-acodec", "pcm_s16le", "-ar", rate, "-ac", "1", pcmPath,
	); err != nil {
		metrics.TranscodeFailures.With("encode").Inc()
		return nil, 0, fmt.Errorf("extract pcm: %w", err)
	}
	pcm, err := os.ReadFile(pcmPath)
	if err != nil {
		return nil, 0, fmt.Errorf("read pcm: %w", err)
	}
	pcm = truncateToFrames(pcm, t.sampleRate)
	if len(pcm) == 0 {
		return nil, 0, ErrAudioTooShort
	}
	if err := os.WriteFile(pcmPath, pcm, 0o600); err != nil {
		return nil, 0, fmt.Errorf("write pcm: %w", err)
	}
	durationMs := pcmDurationMs(len(pcm), t.sampleRate)

	for i, c := range t.candidates(ctx, rustSilkEncodeArgs, t.encoders, legacyEncoders) {
		output := filepath.Join(dir, "encoded-"+strconv.Itoa(i)+".silk")
		out, err := t.tryCandidate(ctx, c, pcmPath, output)
		if err != nil {
			t.logger.Debug("silk encoder failed", "bin", c.Bin, "err", err)
			continue
		}
		return out, durationMs, nil
	}
	metrics.TranscodeFailures.With("encode").Inc()
	return nil, 0, ErrNoDecoder
}

// tryCandidate runs c and returns its output file, which must be non-empty.
func (t *Transcoder) tryCandidate(ctx context.Context, c candidate, input, output string) ([]byte, error) {
	args := expandArgs(c.Args, input, output, t.sampleRate)
	if _, err := t.runner.Run(ctx, t.voiceTimeout, c.Bin, args...); err != nil {
		return nil, err
	}
	out, err := os.ReadFile(output)
	if err != nil {
		return nil, fmt.Errorf("no output: %w", err)
	}
	if len(out) == 0 {
		return nil, errors.New("empty output")
	}
	return out, nil
}

// wrapPCM turns raw s16le mono PCM into a WAV container.
func (t *Transcoder) wrapPCM(ctx context.Context, dir, pcmPath string) ([]byte, error) {
	wavPath := filepath.Join(dir, "wrapped-"+filepath.Base(pcmPath)+".wav")
	if _, err := t.runner.Run(ctx, t.voiceTimeout, t.ffmpeg,
		"-y", "-loglevel", "error",
		"-f", "s16le", "-ar", strconv.Itoa(t.sampleRate), "-ac", "1", "-i", pcmPath,
		wavPath,
	); err != nil {
		return nil, err
	}
	wav, err := os.ReadFile(wavPath)
	if err != nil {
		return nil, err
	}
	if len(wav) == 0 {
		return nil, errors.New("empty wav")
	}
	return wav, nil
}
