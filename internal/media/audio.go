package media

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

const waveformSamples = 64

// VoiceNote is audio ready to be sent as a push-to-talk message.
type VoiceNote struct {
	Data     []byte
	Seconds  uint32
	Waveform []byte
}

// PrepareVoiceNote converts any audio to mono OGG/Opus and computes its
// duration and waveform. Requires ffmpeg and ffprobe on PATH.
func PrepareVoiceNote(ctx context.Context, audio []byte) (*VoiceNote, error) {
	ogg, err := ConvertToOggOpus(ctx, audio)
	if err != nil {
		return nil, err
	}
	note := &VoiceNote{Data: ogg}
	// Duration and waveform are cosmetic; a voice note without them still plays.
	if secs, derr := Duration(ctx, ogg); derr == nil {
		note.Seconds = secs
	}
	if wave, werr := Waveform(ctx, ogg); werr == nil {
		note.Waveform = wave
	}
	return note, nil
}

// ConvertToOggOpus transcodes audio into the codec voice notes use.
func ConvertToOggOpus(ctx context.Context, audio []byte) ([]byte, error) {
	in, cleanupIn, err := tempFile("audio-in-*", audio)
	if err != nil {
		return nil, err
	}
	defer cleanupIn()

	out, cleanupOut, err := tempFile("audio-out-*.ogg", nil)
	if err != nil {
		return nil, err
	}
	defer cleanupOut()

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-i", in,
		"-c:a", "libopus",
		"-b:a", "64k",
		"-ar", "48000",
		"-ac", "1",
		"-application", "voip",
		"-frame_duration", "20",
		"-y", out,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("ffmpeg conversion failed: %w, output: %s", err, string(output))
	}

	converted, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("failed to read converted audio: %w", err)
	}
	if len(converted) == 0 {
		return nil, fmt.Errorf("converted audio is empty")
	}
	return converted, nil
}

// Duration returns the rounded length of an audio file in seconds.
func Duration(ctx context.Context, audio []byte) (uint32, error) {
	in, cleanup, err := tempFile("audio-duration-*.ogg", audio)
	if err != nil {
		return 0, err
	}
	defer cleanup()

	output, err := exec.CommandContext(ctx, "ffprobe",
		"-v", "quiet",
		"-show_entries", "format=duration",
		"-of", "csv=p=0",
		in,
	).Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}

	raw := strings.TrimSpace(string(output))
	if raw == "" {
		return 0, fmt.Errorf("duration not found")
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	return uint32(math.Round(secs)), nil
}

// Waveform decodes audio to 16kHz mono PCM and reduces it to 64 amplitude
// buckets in 0..100.
func Waveform(ctx context.Context, audio []byte) ([]byte, error) {
	in, cleanup, err := tempFile("audio-wave-*.ogg", audio)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	pcm, err := exec.CommandContext(ctx, "ffmpeg",
		"-v", "error",
		"-i", in,
		"-ac", "1",
		"-ar", "16000",
		"-f", "s16le",
		"pipe:1",
	).Output()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg failed to decode audio: %w", err)
	}
	return waveformFromPCM(pcm), nil
}

// waveformFromPCM works on signed 16-bit little-endian samples.
func waveformFromPCM(pcm []byte) []byte {
	wave := make([]byte, waveformSamples)
	n := len(pcm) / 2
	if n == 0 {
		return wave
	}

	block := n / waveformSamples
	if block < 1 {
		block = 1
	}
	buckets := make([]float64, waveformSamples)
	peak := 0.0
	for i := 0; i < waveformSamples; i++ {
		start := i * block
		if start >= n {
			break
		}
		end := start + block
		if end > n {
			end = n
		}
		sum := 0.0
		for j := start; j < end; j++ {
			sum += math.Abs(float64(int16(binary.LittleEndian.Uint16(pcm[j*2:]))))
		}
		buckets[i] = sum / float64(end-start)
		if buckets[i] > peak {
			peak = buckets[i]
		}
	}
	if peak == 0 {
		return wave
	}
	for i, v := range buckets {
		wave[i] = byte(math.Min(100, math.Floor(100*v/peak)))
	}
	return wave
}

func tempFile(pattern string, data []byte) (string, func(), error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	name := f.Name()
	cleanup := func() { _ = os.Remove(name) }
	if len(data) > 0 {
		if _, err := f.Write(data); err != nil {
			_ = f.Close()
			cleanup()
			return "", nil, fmt.Errorf("failed to write temp file: %w", err)
		}
	}
	_ = f.Close()
	return name, cleanup, nil
}
