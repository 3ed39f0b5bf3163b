package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"
)

// Sentinel errors returned by LineReader.ReadLine.
var (
	// ErrTimeout indicates the deadline elapsed before a full line arrived.
	ErrTimeout = errors.New("stream: read timeout")

	// ErrClosed indicates the peer closed the connection before a line completed.
	ErrClosed = errors.New("stream: connection closed")
)

// chunk is one read result handed from the pump goroutine to ReadLine.
type chunk struct {
	data []byte
	err  error
}

// LineReader yields whole JSON lines from an underlying Docker-multiplexed
// byte stream, tolerating partial frames and stderr interleaving. One
// LineReader is owned by exactly one Session; it is not safe for concurrent
// ReadLine calls.
type LineReader struct {
	r io.Reader

	rawResidue []byte // bytes not yet decoded into a frame
	textResidue string // decoded text not yet split into a line

	chunks chan chunk
	pumpOnce bool
}

// NewLineReader wraps r, the raw attached stream (frames included).
func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{r: r}
}

// startPump launches the single background goroutine that turns blocking
// Read calls into channel sends, so ReadLine can wait on it with a bounded
// timeout slice instead of blocking forever on a dead peer.
func (lr *LineReader) startPump() {
	if lr.pumpOnce {
		return
	}
	lr.pumpOnce = true
	lr.chunks = make(chan chunk, 1)
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := lr.r.Read(buf)
			if n > 0 {
				cp := make([]byte, n)
				copy(cp, buf[:n])
				lr.chunks <- chunk{data: cp}
			}
			if err != nil {
				lr.chunks <- chunk{err: err}
				return
			}
		}
	}()
}

// ReadLine blocks until a full, syntactically valid JSON line is available,
// the deadline elapses (ErrTimeout), or the peer closes (ErrClosed). Empty
// lines are skipped silently. Waits are sliced to at most one second so
// ctx cancellation stays responsive even against a misbehaving peer.
func (lr *LineReader) ReadLine(ctx context.Context, deadline time.Time) (string, error) {
	lr.startPump()

	for {
		if line, ok := lr.takeLine(); ok {
			return line, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", ErrTimeout
		}
		slice := remaining
		if slice > time.Second {
			slice = time.Second
		}

		timer := time.NewTimer(slice)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
			// Loop around; re-check the overall deadline.
			continue
		case c := <-lr.chunks:
			timer.Stop()
			if c.err != nil {
				if errors.Is(c.err, io.EOF) {
					return "", ErrClosed
				}
				return "", c.err
			}
			lr.rawResidue = append(lr.rawResidue, c.data...)
			text, consumed := DecodeFrames(lr.rawResidue)
			lr.rawResidue = lr.rawResidue[consumed:]
			lr.textResidue += text
		}
	}
}

// takeLine extracts and returns one non-empty, salvaged line from the
// text residue if one is fully buffered.
func (lr *LineReader) takeLine() (string, bool) {
	for {
		idx := strings.IndexByte(lr.textResidue, '\n')
		if idx < 0 {
			return "", false
		}
		line := lr.textResidue[:idx]
		lr.textResidue = lr.textResidue[idx+1:]

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		return salvageJSON(line), true
	}
}

// salvageJSON takes an already-trimmed line and, if it doesn't parse as-is
// but contains a '{' after its first byte, attempts the substring starting
// at the first '{'. If that doesn't parse either, the original stripped line is
// returned and the caller's own JSON decode will fail loudly.
func salvageJSON(line string) string {
	if json.Valid([]byte(line)) {
		return line
	}
	if idx := strings.IndexByte(line, '{'); idx > 0 {
		candidate := line[idx:]
		if json.Valid([]byte(candidate)) {
			return candidate
		}
	}
	return line
}
