package ffmpeg

import (
	"bytes"
	"math"
	"strconv"
	"strings"
	"time"
)

// Progress is a single decoded record from ffmpeg's '-progress pipe:1'
// key=value stream. Percent is nil when the source duration is unknown, in
// which case consumers should display an indeterminate state.
type Progress struct {
	Frame     int64
	FPS       float64
	OutTime   time.Duration
	Speed     float64
	SizeBytes int64
	Percent   *int
}

// ProgressCallback receives each completed progress record in emission order.
type ProgressCallback func(Progress)

// ProgressParser incrementally decodes the encoder's progress stream. It is
// an io.Writer so the executor can wire it straight to the child's stdout;
// partial lines are buffered across writes and malformed lines are dropped.
type ProgressParser struct {
	duration time.Duration
	callback ProgressCallback

	buffer  bytes.Buffer
	current Progress
}

// NewProgressParser creates a parser which derives percentages against the
// estimated source duration. A zero duration disables percentage derivation.
func NewProgressParser(duration time.Duration, callback ProgressCallback) *ProgressParser {
	return &ProgressParser{duration: duration, callback: callback}
}

func (parser *ProgressParser) Write(chunk []byte) (int, error) {
	parser.buffer.Write(chunk)

	for {
		line, err := parser.buffer.ReadString('\n')
		if err != nil {
			// Partial line - keep it buffered for the next chunk
			parser.buffer.Reset()
			parser.buffer.WriteString(line)

			break
		}

		parser.consumeLine(strings.TrimRight(line, "\r\n"))
	}

	return len(chunk), nil
}

// consumeLine folds one key=value pair in to the record being assembled. The
// 'progress' key terminates a record and triggers emission.
func (parser *ProgressParser) consumeLine(line string) {
	if line == "" {
		return
	}

	key, value, found := strings.Cut(line, "=")
	if !found {
		return
	}
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)

	switch key {
	case "frame":
		if v, err := strconv.ParseInt(value, 10, 64); err == nil {
			parser.current.Frame = v
		}
	case "fps":
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			parser.current.FPS = v
		}
	case "out_time_us", "out_time_ms":
		// ffmpeg emits both keys with microsecond precision
		if v, err := strconv.ParseInt(value, 10, 64); err == nil {
			parser.current.OutTime = time.Duration(v) * time.Microsecond
		}
	case "out_time":
		if v, ok := parseClockTime(value); ok {
			parser.current.OutTime = v
		}
	case "total_size":
		if v, err := strconv.ParseInt(value, 10, 64); err == nil {
			parser.current.SizeBytes = v
		}
	case "speed":
		if v, err := strconv.ParseFloat(strings.TrimSuffix(value, "x"), 64); err == nil {
			parser.current.Speed = v
		}
	case "progress":
		parser.emit(value == "end")
	}
}

func (parser *ProgressParser) emit(final bool) {
	record := parser.current
	if final {
		if parser.duration > 0 {
			record.OutTime = parser.duration
		}
		record.Percent = intPtr(100)
	} else if parser.duration > 0 {
		percent := int(math.Round(float64(record.OutTime) / float64(parser.duration) * 100))
		if percent > 100 {
			percent = 100
		}
		record.Percent = intPtr(percent)
	}

	if parser.callback != nil {
		parser.callback(record)
	}
}

// parseClockTime decodes ffmpeg's HH:MM:SS.micros representation.
func parseClockTime(value string) (time.Duration, bool) {
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return 0, false
	}

	hours, errH := strconv.Atoi(parts[0])
	minutes, errM := strconv.Atoi(parts[1])
	seconds, errS := strconv.ParseFloat(parts[2], 64)
	if errH != nil || errM != nil || errS != nil {
		return 0, false
	}

	total := time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds*float64(time.Second))

	return total, true
}

func intPtr(v int) *int { return &v }
