package nsq

import (
	"bufio"
	"bytes"
	"compress/flate"
	"io"

	"github.com/mreiferson/go-snappystream"
)

// drainBuffered returns an io.Reader that first yields any bytes already
// buffered in r (if r is a *bufio.Reader) and then continues reading from
// r's underlying source. When a stream transform (Snappy/Deflate) is
// installed on top of an already-buffered reader, bytes read by the
// lower layer but not yet consumed by the caller must be replayed into
// the new transform so a message straddling the upgrade boundary is not
// dropped.
func drainBuffered(r io.Reader) io.Reader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		return r
	}
	n := br.Buffered()
	if n == 0 {
		return r
	}
	buffered := make([]byte, n)
	// Buffered() bytes are always immediately available without blocking
	_, _ = io.ReadFull(br, buffered)
	return io.MultiReader(bytes.NewReader(buffered), br)
}

func newDeflateReader(r io.Reader) io.Reader {
	return flate.NewReader(drainBuffered(r))
}

func newDeflateWriter(w io.Writer, level int) (*flate.Writer, error) {
	return flate.NewWriter(w, level)
}

func newSnappyReader(r io.Reader) io.Reader {
	return snappystream.NewReader(drainBuffered(r), snappystream.SkipVerifyChecksum)
}

func newSnappyWriter(w io.Writer) io.Writer {
	return snappystream.NewWriter(w)
}
