package media

import (
	"bytes"
	"path/filepath"
	"strconv"
	"strings"

	"gewebridge/internal/config"
)

const silkMagic = "#!SILK_V3"

// IsSilk reports whether a voice payload is SILK v3 audio, judged by the
// declared content type, the file extension or the magic header. Buffers
// shorter than the magic are never detected by content.
func IsSilk(contentType, fileName string, data []byte) bool {
	if strings.Contains(strings.ToLower(contentType), "silk") {
		return true
	}
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".silk", ".slk":
		return true
	}
	if len(data) < len(silkMagic) {
		return false
	}
	if bytes.HasPrefix(data, []byte(silkMagic)) {
		return true
	}
	// The provider prefixes its payloads with a single 0x02 byte.
	return data[0] == 0x02 && bytes.HasPrefix(data[1:], []byte(silkMagic))
}

// isWAV reports whether data carries a RIFF/WAVE header.
func isWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// candidate is one way of invoking an external codec.
type candidate struct {
	Bin  string
	Args []string
}

// Argument shapes of the installed rust-silk tool.
var (
	rustSilkDecodeArgs = []string{"decode", "-i", "{input}", "-o", "{output}", "--sample-rate", "{sampleRate}", "--quiet", "--wav"}
	rustSilkEncodeArgs = []string{"encode", "-i", "{input}", "-o", "{output}", "--sample-rate", "{sampleRate}", "--quiet", "--tencent"}
)

// Legacy decoders produce raw PCM.
var legacyDecoders = []candidate{
	{Bin: "silk_v3_decoder", Args: []string{"{input}", "{output}"}},
	{Bin: "silk-v3-decoder", Args: []string{"{input}", "{output}"}},
	{Bin: "silk-decoder", Args: []string{"-i", "{input}", "-o", "{output}"}},
	{Bin: "decoder", Args: []string{"{input}", "{output}", "-Fs_API", "{sampleRate}"}},
}

// Legacy encoders read raw PCM.
var legacyEncoders = []candidate{
	{Bin: "silk_v3_encoder", Args: []string{"{input}", "{output}", "-tencent", "-Fs_API", "{sampleRate}"}},
	{Bin: "silk-v3-encoder", Args: []string{"{input}", "{output}", "-tencent"}},
	{Bin: "silk-encoder", Args: []string{"-i", "{input}", "-o", "{output}", "--tencent"}},
	{Bin: "encoder", Args: []string{"{input}", "{output}", "-tencent", "-Fs_API", "{sampleRate}"}},
}

func fromTemplates(templates []config.CommandTemplate) []candidate {
	out := make([]candidate, 0, len(templates))
	for _, t := range templates {
		if strings.TrimSpace(t.Bin) == "" {
			continue
		}
		out = append(out, candidate{Bin: t.Bin, Args: t.Args})
	}
	return out
}

// expandArgs substitutes {input}, {output} and {sampleRate}. A template
// without an {input} placeholder gets the input prepended; one without
// {output} gets the output appended.
func expandArgs(tmpl []string, input, output string, sampleRate int) []string {
	rate := strconv.Itoa(sampleRate)
	var hasIn, hasOut bool
	args := make([]string, 0, len(tmpl)+2)
	for _, a := range tmpl {
		if strings.Contains(a, "{input}") {
			hasIn = true
		}
		if strings.Contains(a, "{output}") {
			hasOut = true
		}
		a = strings.ReplaceAll(a, "{input}", input)
		a = strings.ReplaceAll(a, "{output}", output)
		a = strings.ReplaceAll(a, "{sampleRate}", rate)
		args = append(args, a)
	}
	if !hasIn {
		args = append([]string{input}, args...)
	}
	if !hasOut {
		args = append(args, output)
	}
	return args
}

// pcmFrameBytes is the size of one 20ms frame of 16-bit mono PCM.
func pcmFrameBytes(sampleRate int) int {
	return sampleRate / 50 * 2
}

// truncateToFrames drops the trailing partial 20ms frame.
func truncateToFrames(pcm []byte, sampleRate int) []byte {
	frame := pcmFrameBytes(sampleRate)
	if frame <= 0 {
		return pcm[:0]
	}
	return pcm[:len(pcm)-len(pcm)%frame]
}

// pcmDurationMs is the play time of 16-bit mono PCM.
func pcmDurationMs(n, sampleRate int) int64 {
	if sampleRate <= 0 {
		return 0
	}
	return int64(n/2) * 1000 / int64(sampleRate)
}
