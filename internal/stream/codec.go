// Package stream implements the attached-stream I/O layer: decoding Docker's
// multiplexed stdio stream and framing JSON lines to/from a worker process.
package stream

// frameHeaderLen is the size of a Docker multiplexed-stream frame header:
// [stream_type, 0, 0, 0, size_be32].
const frameHeaderLen = 8

// Stream kinds carried in byte 0 of a frame header.
const (
	kindStdin  = 0
	kindStdout = 1
	kindStderr = 2
)

// DecodeFrames decodes as many complete Docker attach-stream frames as are
// present in buf, concatenating the payload of every stdout (and stdin-echo)
// frame and discarding stderr payloads. It stops at the first incomplete
// frame and reports how many leading bytes of buf were consumed, so the
// caller can retain the remainder and feed it back in on the next read.
//
// If the first byte of buf is not a recognised stream kind, the daemon
// didn't multiplex (e.g. a TTY-attached stream) and the remainder of buf is
// treated as raw text.
//
// DecodeFrames is a pure function: decode(b) == decode(b), and feeding a
// split b1++b2 through two calls yields the same concatenated text as
// feeding b at once (provided the split doesn't already span a frame the
// first call would have returned as consumed — in that case the residual
// bytes are simply carried to the next call, which is the whole point of
// reporting `consumed`).
func DecodeFrames(buf []byte) (text string, consumed int) {
	var out []byte
	pos := 0

	for pos < len(buf) {
		if pos+frameHeaderLen > len(buf) {
			break
		}

		kind := buf[pos]
		if kind != kindStdin && kind != kindStdout && kind != kindStderr {
			// Not a multiplexed frame: treat the rest as raw text.
			out = append(out, buf[pos:]...)
			pos = len(buf)
			break
		}

		size := int(buf[pos+4])<<24 | int(buf[pos+5])<<16 | int(buf[pos+6])<<8 | int(buf[pos+7])
		if size < 0 {
			break
		}

		end := pos + frameHeaderLen + size
		if end > len(buf) {
			// Partial frame: wait for more bytes.
			break
		}

		if kind == kindStdout || kind == kindStdin {
			out = append(out, buf[pos+frameHeaderLen:end]...)
		}
		pos = end
	}

	return string(out), pos
}

// EncodeStdin returns the raw bytes to write to a container's stdin for the
// given payload. Writes carry no framing of their own — the Docker daemon
// frames them on attach.
func EncodeStdin(payload []byte) []byte {
	return payload
}
