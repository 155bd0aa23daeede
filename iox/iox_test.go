package iox

import (
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkReader yields at most chunk bytes per Read to exercise refills.
type chunkReader struct {
	data  []byte
	chunk int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	n := c.chunk
	if n > len(c.data) {
		n = len(c.data)
	}
	n = copy(p[:min(n, len(p))], c.data)
	c.data = c.data[n:]
	return n, nil
}

func TestReadLine(t *testing.T) {
	r := NewReader(strings.NewReader("GET http://a/ HTTP/1.0\r\nHost: a\r\n\r\n"))
	defer r.Release()

	line, err := r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "GET http://a/ HTTP/1.0\r\n", string(line))

	line, err = r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "Host: a\r\n", string(line))

	line, err = r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "\r\n", string(line))

	line, err = r.ReadLine()
	assert.ErrorIs(t, err, io.EOF)
	assert.Empty(t, line)
}

func TestReadLineAcrossFills(t *testing.T) {
	payload := strings.Repeat("a", 6000) + "\r\n" + strings.Repeat("b", 3000) + "\r\n"
	r := NewReader(&chunkReader{data: []byte(payload), chunk: 100})
	defer r.Release()

	line, err := r.ReadLine()
	require.NoError(t, err)
	assert.Len(t, line, 6002)

	line, err = r.ReadLine()
	require.NoError(t, err)
	assert.Len(t, line, 3002)
}

func TestReadLineTooLong(t *testing.T) {
	r := NewReader(strings.NewReader(strings.Repeat("a", MaxLineSize+1) + "\r\n"))
	defer r.Release()

	_, err := r.ReadLine()
	assert.ErrorIs(t, err, ErrLineTooLong)
}

func TestReadLinePartialAtEOF(t *testing.T) {
	r := NewReader(strings.NewReader("no terminator"))
	defer r.Release()

	line, err := r.ReadLine()
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "no terminator", string(line))
}

func TestReadDrainsBufferFirst(t *testing.T) {
	r := NewReader(strings.NewReader("line\r\nbody bytes"))
	defer r.Release()

	_, err := r.ReadLine()
	require.NoError(t, err)

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "body bytes", string(got))
}

func TestWriteAll(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteAll(&buf, []byte("hello")))
	require.NoError(t, WriteString(&buf, " world"))
	assert.Equal(t, "hello world", buf.String())
}

func TestPeerGone(t *testing.T) {
	assert.False(t, PeerGone(nil))
	assert.False(t, PeerGone(errors.New("boom")))
	assert.True(t, PeerGone(syscall.EPIPE))
	assert.True(t, PeerGone(syscall.ECONNRESET))
	assert.True(t, PeerGone(&net.OpError{Op: "write", Err: syscall.EPIPE}))
}
