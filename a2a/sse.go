package a2a

import (
	"bytes"
	"context"
	"io"
)

// FrameParser is an incremental SSE frame parser. Feed it raw bytes as they
// arrive off the wire; it returns the data payloads of every frame completed
// by that chunk. The parser handles LF and CRLF line endings, multi-line
// data: fields (newline-joined per the SSE spec), comment lines, and frames
// split across arbitrary chunk boundaries.
//
// The zero value is ready to use.
type FrameParser struct {
	buf  []byte // unconsumed input
	data []byte // accumulated data: payload of the frame in progress
	some bool   // frame in progress has at least one data: line
}

// Feed appends p to the parse buffer and returns completed frame payloads.
// Frames with no data: lines (pure comments or keep-alives) yield nothing.
func (p *FrameParser) Feed(chunk []byte) [][]byte {
	p.buf = append(p.buf, chunk...)

	var frames [][]byte
	for {
		idx := bytes.IndexByte(p.buf, '\n')
		if idx < 0 {
			return frames
		}
		line := p.buf[:idx]
		p.buf = p.buf[idx+1:]
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}

		if len(line) == 0 {
			// Blank line terminates the frame.
			if p.some {
				frames = append(frames, p.data)
				p.data = nil
				p.some = false
			}
			continue
		}
		if line[0] == ':' {
			continue // keep-alive comment
		}
		if rest, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			if len(rest) > 0 && rest[0] == ' ' {
				rest = rest[1:]
			}
			if p.some {
				p.data = append(p.data, '\n')
			}
			p.data = append(p.data, rest...)
			p.some = true
		}
		// Other fields (event:, id:, retry:) are ignored; the gateway
		// multiplexes on payload content, not SSE event names.
	}
}

// Flush returns the payload of a trailing unterminated frame, if any.
// Call it once after the stream ends.
func (p *FrameParser) Flush() ([]byte, bool) {
	if !p.some {
		return nil, false
	}
	data := p.data
	p.data = nil
	p.some = false
	return data, true
}

// ReadFrames consumes r until EOF or error, invoking fn for each complete
// frame payload. fn returning false stops the read early with a nil error.
// A trailing unterminated frame is delivered before returning.
func ReadFrames(ctx context.Context, r io.Reader, fn func(payload []byte) bool) error {
	var parser FrameParser
	buf := make([]byte, 4096)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			for _, payload := range parser.Feed(buf[:n]) {
				if !fn(payload) {
					return nil
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				if payload, ok := parser.Flush(); ok {
					fn(payload)
				}
				return nil
			}
			return err
		}
	}
}
