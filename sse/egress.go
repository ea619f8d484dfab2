package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/AltairaLabs/agentgate/a2a"
	"github.com/AltairaLabs/agentgate/taskstore"
)

// DefaultKeepAlive is the idle interval between egress keep-alive comments.
const DefaultKeepAlive = 15 * time.Second

// ErrStreamingUnsupported means the ResponseWriter cannot flush chunks.
var ErrStreamingUnsupported = errors.New("sse: response writer does not support streaming")

// Writer frames SSE output onto an http.ResponseWriter. It is not safe for
// concurrent use; the serving loop owns it exclusively.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter prepares w for SSE output: sets the stream headers and verifies
// chunked flushing is available.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &Writer{w: w, flusher: flusher}, nil
}

// SendData writes one data frame carrying the JSON encoding of v. A write
// failure means the client disconnected.
func (sw *Writer) SendData(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("sse: marshal frame: %w", err)
	}
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", data); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// KeepAlive writes a comment frame to hold the connection open through idle
// proxies.
func (sw *Writer) KeepAlive() error {
	if _, err := fmt.Fprint(sw.w, ": keep-alive\n\n"); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// Serve relays task updates to one subscribed HTTP client. The snapshot is
// sent first, then each update's task state wrapped in a JSON-RPC response
// envelope; a keep-alive comment goes out after each idle interval. The loop
// ends after the first terminal update, on client disconnect, or when ctx is
// canceled. The caller still owns the subscriber and must unsubscribe.
func Serve(ctx context.Context, w http.ResponseWriter, rpcID any, snapshot *a2a.Task, sub *taskstore.Subscriber, keepAlive time.Duration) error {
	sw, err := NewWriter(w)
	if err != nil {
		return err
	}
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}

	if snapshot != nil {
		if err := sw.SendData(a2a.NewResponse(rpcID, snapshot)); err != nil {
			return err
		}
		if snapshot.Status.State.IsTerminal() {
			return nil
		}
	}

	for {
		next, cancel := context.WithTimeout(ctx, keepAlive)
		u, err := sub.Next(next)
		cancel()
		switch {
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			if err := sw.KeepAlive(); err != nil {
				return err
			}
			continue
		case errors.Is(err, taskstore.ErrSubscriberClosed):
			return nil
		case err != nil:
			return err
		}

		if err := sw.SendData(a2a.NewResponse(rpcID, u.Task)); err != nil {
			return err
		}
		if u.Terminal {
			return nil
		}
	}
}

// ServeError writes a final JSON-RPC error frame. Used when the stream must
// end abnormally after headers were already sent.
func (sw *Writer) ServeError(rpcID any, code int, message string) error {
	return sw.SendData(a2a.NewErrorResponse(rpcID, code, message))
}
