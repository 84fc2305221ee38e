package terminal

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"

	"github.com/justinmoon/playground/internal/runtime"
)

// The exec stream is shared by both relays, but each direction only ever
// touches its own half: streamReader is owned by the inbound relay (and is
// the only code that sets the read deadline), streamWriter by the outbound
// relay. Neither wrapper exposes the other direction, so no lock is needed.

var errPollTimeout = errors.New("poll timeout")

type streamReader struct {
	s runtime.Stream
}

// poll waits up to timeout for output and reads it into p. It returns
// errPollTimeout when nothing arrived in time.
func (r streamReader) poll(p []byte, timeout time.Duration) (int, error) {
	if err := r.s.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	n, err := r.s.Read(p)
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		return n, errPollTimeout
	}
	return n, err
}

type streamWriter struct {
	s runtime.Stream
}

func (w streamWriter) write(p []byte) error {
	_, err := w.s.Write(p)
	return err
}

// utf8Decoder turns TTY output into valid UTF-8 text. Each invalid byte
// becomes one U+FFFD; an incomplete sequence at the end of a chunk is held back until the
// next chunk so a character split across reads survives.
type utf8Decoder struct {
	pending []byte
}

func (d *utf8Decoder) decode(p []byte) string {
	data := p
	if len(d.pending) > 0 {
		data = append(d.pending, p...)
		d.pending = nil
	}
	if cut := incompleteSuffix(data); cut > 0 {
		d.pending = append([]byte(nil), data[len(data)-cut:]...)
		data = data[:len(data)-cut]
	}
	var out strings.Builder
	out.Grow(len(data))
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		if r == utf8.RuneError && size == 1 {
			out.WriteRune(utf8.RuneError)
		} else {
			out.Write(data[:size])
		}
		data = data[size:]
	}
	return out.String()
}

// flush returns a replacement character for any held-back partial sequence.
func (d *utf8Decoder) flush() string {
	if len(d.pending) == 0 {
		return ""
	}
	d.pending = nil
	return string(utf8.RuneError)
}

// incompleteSuffix returns the length of a truncated multi-byte sequence at
// the end of p, or 0.
func incompleteSuffix(p []byte) int {
	for i := 1; i <= utf8.UTFMax-1 && i <= len(p); i++ {
		if utf8.RuneStart(p[len(p)-i]) {
			if utf8.FullRune(p[len(p)-i:]) {
				return 0
			}
			return i
		}
	}
	return 0
}

// idleBackoff grows the idle sleep of the inbound relay multiplicatively,
// without jitter and without giving up.
type idleBackoff struct {
	b *backoff.ExponentialBackOff
}

func newIdleBackoff(min, max time.Duration, factor float64) *idleBackoff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min
	b.MaxInterval = max
	b.Multiplier = factor
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return &idleBackoff{b: b}
}

func (i *idleBackoff) next() time.Duration {
	return i.b.NextBackOff()
}

func (i *idleBackoff) reset() {
	i.b.Reset()
}

// wait sleeps for the next backoff step. Returns false if ctx ended first.
func (i *idleBackoff) wait(ctx context.Context) bool {
	t := time.NewTimer(i.next())
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// byteCounter batches counter updates so the registry lock is only taken
// once per threshold bytes.
type byteCounter struct {
	pending   int64
	threshold int64
	flushFn   func(int64)
}

func (c *byteCounter) add(n int) {
	c.pending += int64(n)
	if c.pending >= c.threshold {
		c.flush()
	}
}

func (c *byteCounter) flush() {
	if c.pending == 0 {
		return
	}
	c.flushFn(c.pending)
	c.pending = 0
}
