package ffmpeg

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

type (
	// ConversionOptions is the full configuration for a single batch
	// submission. One job is staged per entry in Inputs; every job in the
	// batch shares the same encoder settings.
	ConversionOptions struct {
		Inputs        []string        `json:"inputs" validate:"required,min=1,dive,required"`
		OutputFormat  string          `json:"outputFormat" validate:"required,alphanum"`
		Basic         BasicOptions    `json:"basic"`
		Advanced      AdvancedOptions `json:"advanced"`
		CustomCommand string          `json:"customCommand"`
	}

	BasicOptions struct {
		VideoCodec    string `json:"videoCodec" validate:"required"`
		AudioCodec    string `json:"audioCodec" validate:"required"`
		SubtitleCodec string `json:"subtitleCodec"`
	}

	AdvancedOptions struct {
		// BitrateMode selects between constant-bitrate ('cbr') and
		// constant-quality ('crf') rate control. The two are mutually
		// exclusive in the emitted arguments.
		BitrateMode   string `json:"bitrateMode" validate:"omitempty,oneof=crf cbr"`
		CRF           int    `json:"crf" validate:"omitempty,min=0,max=51"`
		Preset        string `json:"preset"`
		VideoBitrateK int    `json:"videoBitrateK" validate:"omitempty,min=1"`
		AudioBitrateK int    `json:"audioBitrateK" validate:"omitempty,min=1"`
		Scale         string `json:"scale"`
		FPS           int    `json:"fps" validate:"omitempty,min=1,max=240"`
		Deinterlace   bool   `json:"deinterlace"`
	}
)

const (
	BitrateModeCRF = "crf"
	BitrateModeCBR = "cbr"

	CodecCopy    = "copy"
	SubtitleNone = "none"

	DefaultCRF    = 23
	DefaultPreset = "medium"
)

var (
	knownVideoCodecs = map[string]bool{
		CodecCopy:    true,
		"libx264":    true,
		"libx265":    true,
		"libvpx-vp9": true,
		"libaom-av1": true,
	}

	knownAudioCodecs = map[string]bool{
		CodecCopy:    true,
		"aac":        true,
		"libopus":    true,
		"libmp3lame": true,
		"ac3":        true,
		"flac":       true,
	}

	knownSubtitleCodecs = map[string]bool{
		CodecCopy:    true,
		SubtitleNone: true,
		"mov_text":   true,
		"srt":        true,
		"ass":        true,
	}
)

// Fingerprint derives a stable digest of the options and the input path they
// were applied to. Two jobs share a fingerprint iff they were staged from
// byte-identical configuration against the same input.
func (opts *ConversionOptions) Fingerprint(inputPath string) string {
	canonical := struct {
		Input string            `json:"input"`
		Opts  ConversionOptions `json:"opts"`
	}{Input: inputPath, Opts: *opts}

	// The inputs list is per-batch; the per-job identity is the single path
	canonical.Opts.Inputs = nil

	raw, err := json.Marshal(canonical)
	if err != nil {
		// Marshal of a plain struct cannot fail; keep the signature simple
		return ""
	}

	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// stripNulBytes removes NUL bytes from a free-form string field before it is
// tokenized or embedded in a path.
func stripNulBytes(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}
