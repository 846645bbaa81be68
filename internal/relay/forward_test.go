package relay

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startForward wires clientSide <-> [Forward] <-> targetSide with in-memory pipes.
func startForward(t *testing.T) (clientSide, targetSide net.Conn, done <-chan Result) {
	t.Helper()
	clientSide, a := net.Pipe()
	b, targetSide := net.Pipe()
	ch := make(chan Result, 1)
	go func() { ch <- Forward(a, b) }()
	t.Cleanup(func() {
		clientSide.Close()
		targetSide.Close()
	})
	return clientSide, targetSide, ch
}

func waitResult(t *testing.T, done <-chan Result) Result {
	t.Helper()
	select {
	case res := <-done:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("Forward did not return")
		return Result{}
	}
}

func TestForwardByteIdentity(t *testing.T) {
	sizes := []int{0, 1, 100, bufferSize - 1, bufferSize, bufferSize + 1, 3*bufferSize + 17, 256 * 1024}
	for _, size := range sizes {
		payload := make([]byte, size)
		rand.New(rand.NewSource(int64(size))).Read(payload)

		clientSide, targetSide, done := startForward(t)

		writeErr := make(chan error, 1)
		go func() {
			_, err := clientSide.Write(payload)
			writeErr <- err
			clientSide.Close()
		}()

		got, err := io.ReadAll(targetSide)
		require.NoError(t, err)
		require.NoError(t, <-writeErr)
		assert.True(t, bytes.Equal(payload, got), "size %d: payload mismatch", size)

		res := waitResult(t, done)
		assert.Equal(t, int64(size), res.BytesAToB)
		assert.Zero(t, res.BytesBToA)
	}
}

func TestForwardBothDirections(t *testing.T) {
	clientSide, targetSide, done := startForward(t)

	up := bytes.Repeat([]byte("ping"), 5000)
	down := bytes.Repeat([]byte("pong!"), 3000)

	go func() { _, _ = clientSide.Write(up) }()
	gotUp := make([]byte, len(up))
	_, err := io.ReadFull(targetSide, gotUp)
	require.NoError(t, err)
	assert.Equal(t, up, gotUp)

	go func() { _, _ = targetSide.Write(down) }()
	gotDown := make([]byte, len(down))
	_, err = io.ReadFull(clientSide, gotDown)
	require.NoError(t, err)
	assert.Equal(t, down, gotDown)

	targetSide.Close()
	res := waitResult(t, done)
	assert.Equal(t, int64(len(up)), res.BytesAToB)
	assert.Equal(t, int64(len(down)), res.BytesBToA)
	assert.NoError(t, res.ErrAToB)
	assert.NoError(t, res.ErrBToA)
}

func TestForwardClientCloseClosesTarget(t *testing.T) {
	clientSide, targetSide, done := startForward(t)

	clientSide.Close()
	_ = targetSide.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := targetSide.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	waitResult(t, done)
}

func TestForwardTargetCloseClosesClient(t *testing.T) {
	clientSide, targetSide, done := startForward(t)

	targetSide.Close()
	_ = clientSide.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := clientSide.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	waitResult(t, done)
}

type countingCloser struct {
	net.Conn
	closes atomic.Int32
}

func (c *countingCloser) Close() error {
	c.closes.Add(1)
	return c.Conn.Close()
}

func TestForwardClosesEachEndpointOnce(t *testing.T) {
	clientSide, a := net.Pipe()
	b, targetSide := net.Pipe()
	defer targetSide.Close()
	ca := &countingCloser{Conn: a}
	cb := &countingCloser{Conn: b}

	done := make(chan Result, 1)
	go func() { done <- Forward(ca, cb) }()
	clientSide.Close()
	waitResult(t, done)

	assert.Equal(t, int32(1), ca.closes.Load())
	assert.Equal(t, int32(1), cb.closes.Load())
}

type failingWriter struct {
	net.Conn
}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("connection reset by peer")
}

func TestForwardRecordsWriteError(t *testing.T) {
	clientSide, a := net.Pipe()
	b, targetSide := net.Pipe()
	defer targetSide.Close()

	done := make(chan Result, 1)
	go func() { done <- Forward(a, failingWriter{Conn: b}) }()

	go func() { _, _ = clientSide.Write([]byte("hello")) }()
	res := waitResult(t, done)
	clientSide.Close()

	assert.EqualError(t, res.ErrAToB, "connection reset by peer")
	assert.Zero(t, res.BytesAToB)
}

type shortWriter struct {
	bytes.Buffer
}

func (w *shortWriter) Write(p []byte) (int, error) {
	if len(p) > 3 {
		p = p[:3]
	}
	return w.Buffer.Write(p)
}

func TestPipeRetriesShortWrites(t *testing.T) {
	var dst shortWriter
	n, err := pipe(&dst, bytes.NewReader([]byte("partial writes are completed")))

	require.NoError(t, err)
	assert.Equal(t, int64(28), n)
	assert.Equal(t, "partial writes are completed", dst.String())
}
