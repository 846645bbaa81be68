package relay

import (
	"errors"
	"io"
	"net"
	"sync"
)

// bufferSize is the chunk size of each copy direction.
const bufferSize = 4096

// Result describes a finished forwarding session.
type Result struct {
	// BytesAToB and BytesBToA count bytes delivered in each direction.
	BytesAToB int64
	BytesBToA int64
	// ErrAToB and ErrBToA hold the error that ended each direction, if it was
	// anything other than an orderly close.
	ErrAToB error
	ErrBToA error
}

// endpoint closes the wrapped stream at most once.
type endpoint struct {
	io.ReadWriter
	c    io.Closer
	once sync.Once
}

func newEndpoint(rwc io.ReadWriteCloser) *endpoint {
	return &endpoint{ReadWriter: rwc, c: rwc}
}

func (e *endpoint) Close() {
	e.once.Do(func() { _ = e.c.Close() })
}

// Forward relays bytes between a and b in both directions until either side
// reaches EOF or fails, then closes both and returns once both directions
// have stopped.
func Forward(a, b io.ReadWriteCloser) Result {
	ea, eb := newEndpoint(a), newEndpoint(b)

	var (
		res Result
		wg  sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		res.BytesAToB, res.ErrAToB = pipe(eb, ea)
		ea.Close()
		eb.Close()
	}()
	go func() {
		defer wg.Done()
		res.BytesBToA, res.ErrBToA = pipe(ea, eb)
		ea.Close()
		eb.Close()
	}()
	wg.Wait()
	return res
}

// pipe copies src to dst through its own buffer, writing exactly the bytes
// each read returned.
func pipe(dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, bufferSize)
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := writeFull(dst, buf[:n])
			written += int64(w)
			if werr != nil {
				return written, normalizeErr(werr)
			}
		}
		if rerr != nil {
			return written, normalizeErr(rerr)
		}
	}
}

func writeFull(dst io.Writer, p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := dst.Write(p[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.ErrShortWrite
		}
	}
	return total, nil
}

// normalizeErr maps the errors that end every session (EOF, the peer
// direction having closed our socket) to nil.
func normalizeErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}
