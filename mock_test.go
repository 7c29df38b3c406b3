package nsq

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/mreiferson/go-snappystream"
)

// mockNSQDOpts selects which IDENTIFY features a mockNSQD advertises
// and negotiates.
type mockNSQDOpts struct {
	snappy       bool
	deflate      bool
	authRequired bool
}

// mockNSQD is a minimal fake nsqd speaking just enough of the V2
// protocol to exercise Conn/Consumer/Producer without a real nsqd
// binary: magic bytes, IDENTIFY (optionally negotiating Snappy or
// Deflate compression and AUTH), SUB/RDY/FIN/REQ/TOUCH/NOP
// bookkeeping, and PUB/MPUB replied with "OK".
type mockNSQD struct {
	t        *testing.T
	opts     mockNSQDOpts
	listener net.Listener

	mtx      sync.Mutex
	sessions []*mockSession

	finCount  int32
	reqCount  int32
	pubCount  int32
	authCount int32
}

// mockSession is one accepted client connection plus its current write
// layer (raw, snappy, or deflate once negotiated).
type mockSession struct {
	conn net.Conn

	mtx sync.Mutex
	w   io.Writer
	fw  *flate.Writer
}

func (s *mockSession) setWriter(w io.Writer, fw *flate.Writer) {
	s.mtx.Lock()
	s.w = w
	s.fw = fw
	s.mtx.Unlock()
}

func (s *mockSession) sendFrame(frameType int32, data []byte) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err := writeFrame(s.w, frameType, data); err != nil {
		return err
	}
	if s.fw != nil {
		return s.fw.Flush()
	}
	return nil
}

func newMockNSQD(t *testing.T) *mockNSQD {
	return newMockNSQDWithOpts(t, mockNSQDOpts{})
}

func newMockNSQDWithOpts(t *testing.T, opts mockNSQDOpts) *mockNSQD {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %s", err)
	}
	m := &mockNSQD{t: t, opts: opts, listener: l}
	go m.acceptLoop()
	return m
}

func (m *mockNSQD) addr() string {
	return m.listener.Addr().String()
}

func (m *mockNSQD) close() {
	m.listener.Close()
	m.mtx.Lock()
	for _, s := range m.sessions {
		s.conn.Close()
	}
	m.mtx.Unlock()
}

func (m *mockNSQD) acceptLoop() {
	for {
		c, err := m.listener.Accept()
		if err != nil {
			return
		}
		s := &mockSession{conn: c, w: c}
		m.mtx.Lock()
		m.sessions = append(m.sessions, s)
		m.mtx.Unlock()
		go m.serve(s)
	}
}

func writeFrame(w io.Writer, frameType int32, data []byte) error {
	var sizeBuf [4]byte
	binary.BigEndian.PutUint32(sizeBuf[:], uint32(len(data)+4))
	if _, err := w.Write(sizeBuf[:]); err != nil {
		return err
	}
	var typeBuf [4]byte
	binary.BigEndian.PutUint32(typeBuf[:], uint32(frameType))
	if _, err := w.Write(typeBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// sendMessage pushes a MESSAGE frame for body to every connection
// currently established against this mock nsqd
func (m *mockNSQD) sendMessage(id MessageID, body []byte) {
	msg := NewMessage(id, body)
	var buf bytes.Buffer
	msg.WriteTo(&buf)

	m.mtx.Lock()
	sessions := append([]*mockSession(nil), m.sessions...)
	m.mtx.Unlock()
	for _, s := range sessions {
		s.sendFrame(FrameTypeMessage, buf.Bytes())
	}
}

// readBody consumes the 4-byte length prefix and body that follow
// IDENTIFY/AUTH/PUB/MPUB command lines
func readBody(br *lineReader) ([]byte, error) {
	lenBuf, err := br.readFull(4)
	if err != nil {
		return nil, err
	}
	return br.readFull(int(binary.BigEndian.Uint32(lenBuf)))
}

func (m *mockNSQD) serve(s *mockSession) {
	br := &lineReader{r: s.conn}

	magic, err := br.readFull(4)
	if err != nil || !bytes.Equal(magic, MagicV2) {
		return
	}

	for {
		line, err := br.readLine()
		if err != nil {
			return
		}
		fields := bytes.Fields(line)
		if len(fields) == 0 {
			continue
		}
		verb := string(fields[0])

		switch verb {
		case "IDENTIFY":
			if _, err := readBody(br); err != nil {
				return
			}
			resp, _ := json.Marshal(&IdentifyResponse{
				MaxRdyCount:  2500,
				Snappy:       m.opts.snappy,
				Deflate:      m.opts.deflate,
				AuthRequired: m.opts.authRequired,
			})
			s.sendFrame(FrameTypeResponse, resp)

			// compression applies to everything after the IDENTIFY
			// response; the client consumes one extra compressed "OK"
			// to confirm the upgrade
			switch {
			case m.opts.snappy:
				s.setWriter(snappystream.NewWriter(s.conn), nil)
				br.r = snappystream.NewReader(s.conn, snappystream.VerifyChecksum)
				s.sendFrame(FrameTypeResponse, []byte("OK"))
			case m.opts.deflate:
				fw, _ := flate.NewWriter(s.conn, 6)
				s.setWriter(fw, fw)
				br.r = flate.NewReader(s.conn)
				s.sendFrame(FrameTypeResponse, []byte("OK"))
			}
		case "AUTH":
			if _, err := readBody(br); err != nil {
				return
			}
			m.mtx.Lock()
			m.authCount++
			m.mtx.Unlock()
			resp, _ := json.Marshal(&AuthResponse{Identity: "nsq-test", PermissionCount: 1})
			s.sendFrame(FrameTypeResponse, resp)
		case "SUB":
			s.sendFrame(FrameTypeResponse, []byte("OK"))
		case "RDY", "TOUCH", "NOP", "CLS":
			// no response expected on the wire for these in the real
			// protocol (CLS gets CLOSE_WAIT in real nsqd; omitted here)
		case "FIN":
			m.mtx.Lock()
			m.finCount++
			m.mtx.Unlock()
		case "REQ":
			m.mtx.Lock()
			m.reqCount++
			m.mtx.Unlock()
		case "PUB", "MPUB":
			if _, err := readBody(br); err != nil {
				return
			}
			m.mtx.Lock()
			m.pubCount++
			m.mtx.Unlock()
			s.sendFrame(FrameTypeResponse, []byte("OK"))
		}
	}
}

// lineReader reads newline-delimited command lines and length-prefixed
// bodies off a single buffered stream, so a command line and its body
// are never split across two buffering layers. Its underlying reader
// is swapped in place when the session negotiates compression.
type lineReader struct {
	r   io.Reader
	buf []byte
}

func (r *lineReader) fill() error {
	tmp := make([]byte, 4096)
	n, err := r.r.Read(tmp)
	if n > 0 {
		r.buf = append(r.buf, tmp[:n]...)
	}
	return err
}

func (r *lineReader) readLine() ([]byte, error) {
	for {
		if i := bytes.IndexByte(r.buf, '\n'); i >= 0 {
			line := r.buf[:i]
			r.buf = r.buf[i+1:]
			return line, nil
		}
		if err := r.fill(); err != nil {
			return nil, err
		}
	}
}

func (r *lineReader) readFull(n int) ([]byte, error) {
	for len(r.buf) < n {
		if err := r.fill(); err != nil {
			return nil, err
		}
	}
	out := r.buf[:n:n]
	r.buf = r.buf[n:]
	return out, nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
