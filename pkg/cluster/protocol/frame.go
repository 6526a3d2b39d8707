package protocol

import (
	"bufio"
	"encoding/binary"
	"io"
	"strconv"
	"sync"

	cferrors "github.com/vnykmshr/clusterflow/pkg/common/errors"
)

// FrameReader splits a byte stream into length-prefixed frames.
type FrameReader struct {
	r   *bufio.Reader
	hdr [LengthFieldSize]byte
}

// NewFrameReader wraps r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReaderSize(r, 4096)}
}

// ReadFrame returns the next frame body. A frame whose declared length is
// above MaxFrameSize is consumed and discarded so the stream stays aligned,
// and ErrFrameTooLarge is returned. Any other error comes from the
// underlying reader and means the stream is unusable.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.hdr[:]); err != nil {
		return nil, err
	}

	n := int(binary.BigEndian.Uint16(fr.hdr[:]))
	if n > MaxFrameSize {
		if _, err := fr.r.Discard(n); err != nil {
			return nil, err
		}
		return nil, cferrors.NewOperationError("protocol", "ReadFrame", cferrors.ErrFrameTooLarge).
			WithContext("declared " + strconv.Itoa(n) + " bytes")
	}

	frame := make([]byte, n)
	if _, err := io.ReadFull(fr.r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// FrameWriter prefixes frames with their length. It is safe for concurrent
// use; each frame reaches the writer in a single Write call.
type FrameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewFrameWriter wraps w.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame writes one frame.
func (fw *FrameWriter) WriteFrame(body []byte) error {
	if len(body) > MaxFrameSize {
		return cferrors.NewOperationError("protocol", "WriteFrame", cferrors.ErrFrameTooLarge).
			WithContext(strconv.Itoa(len(body)) + " bytes")
	}

	out := make([]byte, 0, LengthFieldSize+len(body))
	out = binary.BigEndian.AppendUint16(out, uint16(len(body)))
	out = append(out, body...)

	fw.mu.Lock()
	defer fw.mu.Unlock()
	_, err := fw.w.Write(out)
	return err
}

// WriteRequest encodes and writes req.
func (fw *FrameWriter) WriteRequest(req *Request) error {
	body, err := EncodeRequest(req)
	if err != nil {
		return err
	}
	return fw.WriteFrame(body)
}

// WriteResponse encodes and writes resp.
func (fw *FrameWriter) WriteResponse(resp *Response) error {
	body, err := EncodeResponse(resp)
	if err != nil {
		return err
	}
	return fw.WriteFrame(body)
}
