package stream

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is an io.Reader that returns pre-framed bytes one chunk per Read,
// and then returns EOF at once or after a long block, depending on closed.
type fakeConn struct {
	chunks [][]byte
	idx    int
	closed bool
}

func (f *fakeConn) Read(p []byte) (int, error) {
	if f.idx >= len(f.chunks) {
		if f.closed {
			return 0, io.EOF
		}
		// Block "forever" (longer than any test timeout) to simulate a
		// peer that never sends another byte.
		time.Sleep(10 * time.Second)
		return 0, io.EOF
	}
	c := f.chunks[f.idx]
	f.idx++
	n := copy(p, c)
	return n, nil
}

func TestLineReader_ReadsOneLine(t *testing.T) {
	conn := &fakeConn{chunks: [][]byte{frame(kindStdout, "{\"ok\":true}\n")}, closed: true}
	lr := NewLineReader(conn)

	line, err := lr.ReadLine(context.Background(), time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, line)
}

func TestLineReader_SkipsEmptyLines(t *testing.T) {
	conn := &fakeConn{chunks: [][]byte{frame(kindStdout, "\n\n{\"a\":1}\n")}, closed: true}
	lr := NewLineReader(conn)

	line, err := lr.ReadLine(context.Background(), time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, line)
}

func TestLineReader_SalvagesGarbagePrefix(t *testing.T) {
	conn := &fakeConn{chunks: [][]byte{frame(kindStdout, "log spam {\"a\":1}\n")}, closed: true}
	lr := NewLineReader(conn)

	line, err := lr.ReadLine(context.Background(), time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, line)
}

func TestLineReader_TimesOut(t *testing.T) {
	conn := &fakeConn{} // never sends anything, never closes
	lr := NewLineReader(conn)

	_, err := lr.ReadLine(context.Background(), time.Now().Add(50*time.Millisecond))
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestLineReader_ReportsClosed(t *testing.T) {
	conn := &fakeConn{chunks: [][]byte{}, closed: true}
	lr := NewLineReader(conn)

	_, err := lr.ReadLine(context.Background(), time.Now().Add(time.Second))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLineReader_PartialFrameAcrossReads(t *testing.T) {
	full := frame(kindStdout, "{\"split\":1}\n")
	conn := &fakeConn{
		chunks: [][]byte{full[:5], full[5:]},
		closed: true,
	}
	lr := NewLineReader(conn)

	line, err := lr.ReadLine(context.Background(), time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, `{"split":1}`, line)
}

func TestLineReader_CtxCancellation(t *testing.T) {
	conn := &fakeConn{}
	lr := NewLineReader(conn)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := lr.ReadLine(ctx, time.Now().Add(time.Second))
	assert.True(t, errors.Is(err, context.Canceled))
}
