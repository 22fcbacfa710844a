package executor

// stderrTailLimit bounds how much of the encoder's stderr is retained for
// diagnostics; older bytes are discarded as new ones arrive.
const stderrTailLimit = 64 * 1024

// tailBuffer is an io.Writer that keeps only the trailing 'limit' bytes of
// everything written through it.
type tailBuffer struct {
	limit int
	data  []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (tail *tailBuffer) Write(chunk []byte) (int, error) {
	if len(chunk) >= tail.limit {
		tail.data = append(tail.data[:0], chunk[len(chunk)-tail.limit:]...)
		return len(chunk), nil
	}

	tail.data = append(tail.data, chunk...)
	if overflow := len(tail.data) - tail.limit; overflow > 0 {
		tail.data = tail.data[overflow:]
	}

	return len(chunk), nil
}

func (tail *tailBuffer) String() string {
	return string(tail.data)
}
