package ffmpeg

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

var (
	ErrEmptyInput            = errors.New("input path is empty")
	ErrPathTraversal         = errors.New("path contains a traversal segment")
	ErrUnknownCodec          = errors.New("codec is not recognised")
	ErrDisallowedExecutable  = errors.New("argument vector does not invoke ffmpeg")
	ErrMalformedArgumentList = errors.New("argument vector contains an empty element")
)

// ArgVector is the frozen product of the builder: the exact argv a worker
// will spawn (args[0] is always the literal 'ffmpeg'), plus the paths it
// reads and writes.
type ArgVector struct {
	Args          []string `json:"args"`
	DisplayString string   `json:"displayString"`
	InputPath     string   `json:"inputPath"`
	OutputPath    string   `json:"outputPath"`
}

// Build derives the encoder argument vector for a single input file. The
// builder is pure and deterministic: the same options, input and output
// directory always produce a byte-identical vector.
//
// Free-form fields are stripped of NUL bytes and the custom command is split
// on ASCII whitespace into literal argv elements; no shell is ever involved,
// so metacharacters inside a token are inert. Paths containing a '..'
// segment are refused outright.
func Build(opts *ConversionOptions, inputPath string, outputDir string) (*ArgVector, error) {
	inputPath = stripNulBytes(inputPath)
	outputDir = stripNulBytes(outputDir)

	if strings.TrimSpace(inputPath) == "" {
		return nil, ErrEmptyInput
	}
	if containsTraversal(inputPath) {
		return nil, fmt.Errorf("input %q: %w", inputPath, ErrPathTraversal)
	}
	if containsTraversal(outputDir) {
		return nil, fmt.Errorf("output dir %q: %w", outputDir, ErrPathTraversal)
	}

	videoCodec := stripNulBytes(opts.Basic.VideoCodec)
	audioCodec := stripNulBytes(opts.Basic.AudioCodec)
	subtitleCodec := stripNulBytes(opts.Basic.SubtitleCodec)
	if subtitleCodec == "" {
		subtitleCodec = CodecCopy
	}

	if !knownVideoCodecs[videoCodec] {
		return nil, fmt.Errorf("video codec %q: %w", videoCodec, ErrUnknownCodec)
	}
	if !knownAudioCodecs[audioCodec] {
		return nil, fmt.Errorf("audio codec %q: %w", audioCodec, ErrUnknownCodec)
	}
	if !knownSubtitleCodecs[subtitleCodec] {
		return nil, fmt.Errorf("subtitle codec %q: %w", subtitleCodec, ErrUnknownCodec)
	}

	outputPath := deriveOutputPath(inputPath, outputDir, stripNulBytes(opts.OutputFormat))

	args := []string{"ffmpeg", "-i", inputPath}

	// Video codec block - omitted entirely for stream copy
	if videoCodec != CodecCopy {
		args = append(args, "-c:v", videoCodec)
	}

	// Audio codec block
	if audioCodec != CodecCopy {
		args = append(args, "-c:a", audioCodec)
		if opts.Advanced.AudioBitrateK > 0 {
			args = append(args, "-b:a", strconv.Itoa(opts.Advanced.AudioBitrateK)+"k")
		}
	}

	// Subtitle block - 'none' drops subtitle streams, 'copy' is the default
	if subtitleCodec == SubtitleNone {
		args = append(args, "-sn")
	} else if subtitleCodec != CodecCopy {
		args = append(args, "-c:s", subtitleCodec)
	}

	// Filter block
	if filter := buildFilterChain(&opts.Advanced); filter != "" {
		args = append(args, "-vf", filter)
	}

	// Rate block - meaningless when the video stream is being copied
	if videoCodec != CodecCopy {
		args = append(args, buildRateBlock(&opts.Advanced)...)
	}

	// User-supplied arguments are appended as literal tokens. Splitting is
	// on ASCII whitespace only; a token is never re-interpreted.
	args = append(args, strings.Fields(stripNulBytes(opts.CustomCommand))...)

	args = append(args, "-progress", "pipe:1", "-y", outputPath)

	for _, arg := range args {
		if arg == "" {
			return nil, ErrMalformedArgumentList
		}
	}

	return &ArgVector{
		Args:          args,
		DisplayString: strings.Join(args, " "),
		InputPath:     inputPath,
		OutputPath:    outputPath,
	}, nil
}

// ValidateArgs is run by workers immediately before spawning a child
// process. It is the last line of defence against a tampered vector ever
// reaching exec.
func ValidateArgs(vector *ArgVector) error {
	if vector == nil || len(vector.Args) == 0 || vector.Args[0] != "ffmpeg" {
		return ErrDisallowedExecutable
	}

	for _, arg := range vector.Args {
		if arg == "" {
			return ErrMalformedArgumentList
		}
	}

	return nil
}

// deriveOutputPath maps 'dir/video.mkv' + format 'mp4' to
// '<outputDir>/video_converted.mp4'.
func deriveOutputPath(inputPath string, outputDir string, format string) string {
	base := filepath.Base(inputPath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))

	return filepath.Join(outputDir, fmt.Sprintf("%s_converted.%s", stem, format))
}

func buildFilterChain(advanced *AdvancedOptions) string {
	filters := make([]string, 0, 2)
	if advanced.Deinterlace {
		filters = append(filters, "yadif")
	}
	if scale := stripNulBytes(advanced.Scale); scale != "" {
		filters = append(filters, "scale="+scale)
	}

	return strings.Join(filters, ",")
}

// buildRateBlock emits the rate-control arguments. CBR mode emits '-b:v Nk'
// and never '-crf'; CRF mode emits '-crf N -preset p' and never '-b:v'.
func buildRateBlock(advanced *AdvancedOptions) []string {
	block := make([]string, 0, 6)
	if advanced.FPS > 0 {
		block = append(block, "-r", strconv.Itoa(advanced.FPS))
	}

	switch advanced.BitrateMode {
	case BitrateModeCBR:
		bitrate := advanced.VideoBitrateK
		if bitrate <= 0 {
			bitrate = 2000
		}
		block = append(block, "-b:v", strconv.Itoa(bitrate)+"k")
	default:
		crf := advanced.CRF
		if crf <= 0 {
			crf = DefaultCRF
		}
		preset := stripNulBytes(advanced.Preset)
		if preset == "" {
			preset = DefaultPreset
		}
		block = append(block, "-crf", strconv.Itoa(crf), "-preset", preset)
	}

	return block
}

// containsTraversal reports whether any path segment between separators is
// exactly '..'. Absolute paths are permitted; escaping the tree is not.
func containsTraversal(path string) bool {
	for _, segment := range strings.FieldsFunc(path, func(r rune) bool {
		return r == '/' || r == '\\'
	}) {
		if segment == ".." {
			return true
		}
	}

	return false
}
