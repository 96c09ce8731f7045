package executor

import (
	"bufio"
	"bytes"
	"io"
	"sync"
	"sync/atomic"
)

// cappedWriter forwards at most limit bytes and silently discards the rest.
type cappedWriter struct {
	w         io.Writer
	limit     int64
	written   int64
	truncated atomic.Bool
}

func (c *cappedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if c.limit > 0 {
		room := c.limit - c.written
		if room <= 0 {
			c.truncated.Store(true)
			return n, nil
		}
		if int64(len(p)) > room {
			p = p[:room]
			c.truncated.Store(true)
		}
	}
	m, err := c.w.Write(p)
	c.written += int64(m)
	if err != nil {
		return m, err
	}
	return n, nil
}

// tailBuffer keeps the last size bytes written to it.
type tailBuffer struct {
	mu   sync.Mutex
	size int
	buf  []byte
}

func newTailBuffer(size int) *tailBuffer { return &tailBuffer{size: size} }

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.size; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(bytes.TrimSpace(t.buf))
}

// pump copies r into w, calling onLines with the number of complete lines seen per read.
func pump(r io.Reader, w io.Writer, onLines func(int)) error {
	br := bufio.NewReaderSize(r, 32*1024)
	buf := make([]byte, 32*1024)
	for {
		n, err := br.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				// keep draining so the container never blocks on a full pipe
				w = io.Discard
			}
			if onLines != nil {
				if lines := bytes.Count(buf[:n], []byte{'\n'}); lines > 0 {
					onLines(lines)
				}
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
