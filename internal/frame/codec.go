// Package frame implements the Content-Length framing spoken by the remote
// debugger backend:
//
//	Content-Length: <N>\r\n\r\n<N bytes of JSON>
//
// Only Content-Length is interpreted; any other header lines (the V8
// handshake sends Type, V8-Version and friends) are carried along verbatim.
package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"

	"github.com/google/go-dap"
	"go.uber.org/zap"

	"github.com/bingosuite/inspector/internal/logging"
)

// ErrFrameTooLarge is returned once a pending frame outgrows the configured
// maximum. The stream cannot be resynchronised after it, so the decoder
// keeps returning it.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

var (
	headerTerminator     = []byte("\r\n\r\n")
	contentLengthPattern = regexp.MustCompile(`Content-Length: (\d+)`)
)

// Frame is one complete protocol unit taken off the stream.
type Frame struct {
	Headers       string
	ContentLength int
	Body          json.RawMessage
}

type DecoderOption func(*Decoder)

// WithMaxFrameSize bounds the bytes a single frame may occupy. Zero or less means unbounded.
func WithMaxFrameSize(n int) DecoderOption {
	return func(d *Decoder) { d.maxFrameSize = n }
}

func WithLogger(log *zap.SugaredLogger) DecoderOption {
	return func(d *Decoder) { d.log = logging.OrNop(log) }
}

// Decoder reassembles frames from arbitrarily fragmented chunks. It keeps
// the unconsumed bytes and the header of a partially received frame between
// Feed calls. A Decoder is not safe for concurrent use.
type Decoder struct {
	buf     []byte
	pending *Frame

	maxFrameSize int
	err          error
	log          *zap.SugaredLogger
}

func NewDecoder(opts ...DecoderOption) *Decoder {
	d := &Decoder{log: logging.OrNop(nil)}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type stepResult int

const (
	stepNeedMore stepResult = iota
	stepFrame
	stepSkip
)

// Feed appends chunk to the stream and returns every complete non-empty
// frame now available, in arrival order. A frame whose body is not valid
// JSON is dropped and its error joined into the returned error; decoding
// continues with the next frame.
func (d *Decoder) Feed(chunk []byte) ([]Frame, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.buf = append(d.buf, chunk...)

	var frames []Frame
	var errs []error
	for {
		f, res, err := d.step()
		if errors.Is(err, ErrFrameTooLarge) {
			d.err = err
			d.buf = nil
			d.pending = nil
			errs = append(errs, err)
			break
		}
		if err != nil {
			errs = append(errs, err)
		}
		if res == stepNeedMore {
			break
		}
		if res == stepFrame {
			frames = append(frames, f)
		}
	}

	if len(d.buf) == 0 {
		d.buf = nil
	}
	return frames, errors.Join(errs...)
}

// Buffered reports how many received bytes are not yet part of a returned frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

func (d *Decoder) step() (Frame, stepResult, error) {
	if d.pending == nil {
		idx := bytes.Index(d.buf, headerTerminator)
		if idx < 0 {
			if d.maxFrameSize > 0 && len(d.buf) > d.maxFrameSize {
				return Frame{}, stepNeedMore, fmt.Errorf("unterminated header after %d bytes: %w", len(d.buf), ErrFrameTooLarge)
			}
			return Frame{}, stepNeedMore, nil
		}

		headers := string(d.buf[:idx])
		d.buf = d.buf[idx+len(headerTerminator):]
		length := d.contentLength(headers)
		if d.maxFrameSize > 0 && length > d.maxFrameSize {
			return Frame{}, stepNeedMore, fmt.Errorf("declared length %d over limit %d: %w", length, d.maxFrameSize, ErrFrameTooLarge)
		}
		d.pending = &Frame{Headers: headers, ContentLength: length}
	}

	if len(d.buf) < d.pending.ContentLength {
		return Frame{}, stepNeedMore, nil
	}

	f := *d.pending
	d.pending = nil

	if f.ContentLength == 0 {
		d.log.Debugw("Skipping empty frame", "headers", f.Headers)
		return f, stepSkip, nil
	}

	body := make([]byte, f.ContentLength)
	copy(body, d.buf[:f.ContentLength])
	d.buf = d.buf[f.ContentLength:]

	if !json.Valid(body) {
		return f, stepSkip, fmt.Errorf("frame body of %d bytes is not valid JSON", f.ContentLength)
	}
	f.Body = body
	return f, stepFrame, nil
}

func (d *Decoder) contentLength(headers string) int {
	m := contentLengthPattern.FindStringSubmatch(headers)
	if m == nil {
		d.log.Warnw("Frame header has no Content-Length, treating body as empty", "headers", headers)
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		d.log.Warnw("Frame Content-Length is not a usable number, treating body as empty", "value", m[1], "error", err)
		return 0
	}
	return n
}

// Encode serialises v to JSON and frames it.
func Encode(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal frame body: %w", err)
	}
	return EncodeRaw(body), nil
}

// EncodeRaw frames an already serialised JSON body.
func EncodeRaw(body []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(body) + 32)
	// Writes to a bytes.Buffer cannot fail.
	_ = dap.WriteBaseMessage(&buf, body)
	return buf.Bytes()
}

// Write frames body and hands it to w in a single Write call.
func Write(w io.Writer, body []byte) error {
	if _, err := w.Write(EncodeRaw(body)); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}
