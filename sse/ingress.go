// Package sse bridges Server-Sent-Event streams in both directions: the
// ingress client consumes an upstream agent's stream and feeds the task
// store, the egress writer serves task updates to subscribed HTTP clients.
package sse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/AltairaLabs/agentgate/a2a"
	"github.com/AltairaLabs/agentgate/logger"
	"github.com/AltairaLabs/agentgate/taskstore"
	"github.com/AltairaLabs/agentgate/telemetry"
)

// DefaultInitTimeout bounds the wait for a stream's first frame.
const DefaultInitTimeout = 15 * time.Second

// IngressJob describes one upstream stream to open.
type IngressJob struct {
	AgentID string
	URL     string
	Headers map[string]string
	Body    []byte
	Adapter a2a.Adapter
	RPCID   any
}

// Ingress opens upstream SSE calls and translates their frames into task
// store mutations. One Start call owns one upstream connection.
type Ingress struct {
	client *http.Client
	store  *taskstore.Store
	bus    *telemetry.Bus
}

// NewIngress creates an ingress client over the shared outbound pool.
func NewIngress(client *http.Client, store *taskstore.Store, bus *telemetry.Bus) *Ingress {
	return &Ingress{client: client, store: store, bus: bus}
}

// Start opens the upstream stream and blocks until the first frame resolves
// or initTimeout expires. The first frame must carry the task identity and
// initial status; it is written to the store before Start returns, so any
// subscriber attaching on the returned task id observes every later update.
// Remaining frames are consumed on a background goroutine until a terminal
// update, a transport error, or ctx cancellation.
func (in *Ingress) Start(ctx context.Context, job IngressJob, initTimeout time.Duration) (*a2a.StreamResponse, error) {
	if initTimeout <= 0 {
		initTimeout = DefaultInitTimeout
	}

	streamCtx, cancel := context.WithCancel(ctx)
	resp, err := in.open(streamCtx, job)
	if err != nil {
		cancel()
		in.emitError(job, err)
		return nil, err
	}

	initCh := make(chan initResult, 1)

	go in.consume(streamCtx, cancel, resp.Body, job, initCh)

	select {
	case r := <-initCh:
		if r.err != nil {
			cancel()
			in.emitError(job, r.err)
			return nil, r.err
		}
		in.bus.Emit(telemetry.EventStreamInit, nil, map[string]string{
			telemetry.KeyAgentID: job.AgentID,
			telemetry.KeyTaskID:  r.init.TaskID(),
		})
		return r.init, nil
	case <-time.After(initTimeout):
		cancel()
		in.emitError(job, a2a.ErrTimeout)
		return nil, a2a.ErrTimeout
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}
}

func (in *Ingress) open(ctx context.Context, job IngressJob) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.URL, bytes.NewReader(job.Body))
	if err != nil {
		return nil, fmt.Errorf("sse: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range job.Headers {
		req.Header.Set(k, v)
	}

	resp, err := in.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, a2a.ErrTimeout
		}
		return nil, fmt.Errorf("%w: %v", a2a.ErrUnreachable, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, &a2a.RemoteError{Status: resp.StatusCode, Body: string(body)}
	}
	return resp, nil
}

// initResult resolves a Start call: either the first frame's task or the
// reason the stream never produced one.
type initResult struct {
	init *a2a.StreamResponse
	err  error
}

// consume parses frames off the body. The first frame resolves initCh; the
// rest mutate the store. Runs until terminal update, error, or cancellation.
func (in *Ingress) consume(ctx context.Context, cancel context.CancelFunc, body io.ReadCloser, job IngressJob, initCh chan<- initResult) {
	defer cancel()
	defer func() { _ = body.Close() }()

	var (
		taskID      string
		initDone    bool
		sawTerminal bool
	)
	resolve := func(init *a2a.StreamResponse, err error) {
		if !initDone {
			initDone = true
			initCh <- initResult{init: init, err: err}
		}
	}

	err := a2a.ReadFrames(ctx, body, func(payload []byte) bool {
		frame, err := job.Adapter.DecodeStreamEvent(payload)
		if err != nil {
			if !initDone {
				resolve(nil, fmt.Errorf("%w: %v", a2a.ErrInvalidJSON, err))
				return false
			}
			logger.Warn("discarding undecodable stream frame", "agent_id", job.AgentID, "task_id", taskID, "error", err)
			return true
		}

		switch {
		case frame.Err != nil:
			if !initDone {
				resolve(nil, frame.Err)
				return false
			}
			logger.Warn("remote stream error", "agent_id", job.AgentID, "task_id", taskID, "error", frame.Err)
			sawTerminal = in.failTask(taskID, frame.Err.Message)
			return false
		case frame.NotifyMethod != "":
			// Notification frames carry no task update.
			return true
		}

		update, err := a2a.ClassifyStreamResult(frame.Result)
		if err != nil {
			if !initDone {
				resolve(nil, a2a.ErrMalformedInit)
				return false
			}
			logger.Warn("discarding unclassifiable stream frame", "agent_id", job.AgentID, "task_id", taskID, "error", err)
			return true
		}

		if !initDone {
			task := initTask(update, job.AgentID)
			if task == nil {
				resolve(nil, a2a.ErrMalformedInit)
				return false
			}
			if err := in.store.Put(task); err != nil {
				resolve(nil, err)
				return false
			}
			taskID = task.ID
			resolve(&a2a.StreamResponse{Task: task}, nil)
			return true
		}

		terminal := in.apply(taskID, update)
		if terminal {
			sawTerminal = true
			return false
		}
		return true
	})

	if !initDone {
		if err == nil {
			err = a2a.ErrMalformedInit
		}
		resolve(nil, err)
		return
	}
	if sawTerminal {
		return
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		in.emitError(job, err)
	}
	// Upstream ended without a terminal update: surface it to subscribers.
	in.failTask(taskID, "upstream stream closed before completion")
}

// apply routes one classified update to the store. Reports terminal.
func (in *Ingress) apply(taskID string, update *a2a.StreamResponse) bool {
	switch {
	case update.Task != nil:
		task := update.Task
		if task.ID == "" {
			task = task.Clone()
			task.ID = taskID
		}
		if err := in.store.Put(task); err != nil {
			return errors.Is(err, taskstore.ErrTaskTerminal)
		}
		return task.Status.State.IsTerminal()
	case update.StatusUpdate != nil:
		evt := update.StatusUpdate
		id := evt.TaskID
		if id == "" {
			id = taskID
		}
		if err := in.store.ApplyStatusUpdate(id, evt.Status); err != nil {
			return errors.Is(err, taskstore.ErrTaskTerminal)
		}
		return evt.Status.State.IsTerminal()
	case update.ArtifactUpdate != nil:
		evt := update.ArtifactUpdate
		id := evt.TaskID
		if id == "" {
			id = taskID
		}
		_ = in.store.ApplyArtifactUpdate(id, evt.Artifact)
		return false
	}
	return false
}

// failTask applies a synthetic failed status. Reports whether the record
// actually transitioned (false when it was already terminal).
func (in *Ingress) failTask(taskID, message string) bool {
	if taskID == "" {
		return false
	}
	now := time.Now().UTC()
	err := in.store.ApplyStatusUpdate(taskID, a2a.TaskStatus{
		State:     a2a.TaskStateFailed,
		Timestamp: &now,
		Message: &a2a.Message{
			Role:  a2a.RoleAgent,
			Parts: []a2a.Part{{Text: &message}},
		},
	})
	return err == nil
}

func (in *Ingress) emitError(job IngressJob, err error) {
	in.bus.Emit(telemetry.EventStreamError, nil, map[string]string{
		telemetry.KeyAgentID: job.AgentID,
		telemetry.KeyReason:  err.Error(),
	})
}

// initTask extracts the task identity from the first stream frame. A full
// task is used as-is; a status update with a task id is promoted to a fresh
// task record.
func initTask(update *a2a.StreamResponse, agentID string) *a2a.Task {
	switch {
	case update.Task != nil && update.Task.ID != "":
		task := update.Task.Clone()
		if task.AgentID == "" {
			task.AgentID = agentID
		}
		return task
	case update.StatusUpdate != nil && update.StatusUpdate.TaskID != "":
		evt := update.StatusUpdate
		return &a2a.Task{
			ID:        evt.TaskID,
			ContextID: evt.ContextID,
			AgentID:   agentID,
			Status:    evt.Status,
		}
	}
	return nil
}
