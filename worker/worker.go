// Package worker runs one long-lived actor per registered agent. The actor
// owns the agent's circuit breaker and in-flight accounting; calls and
// streams are admitted on its mailbox, dispatched on child goroutines, and
// accounted when their results come back. Admission state is never shared,
// so the hot path takes no locks.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/AltairaLabs/agentgate/a2a"
	"github.com/AltairaLabs/agentgate/logger"
	"github.com/AltairaLabs/agentgate/registry"
	"github.com/AltairaLabs/agentgate/sse"
	"github.com/AltairaLabs/agentgate/taskstore"
	"github.com/AltairaLabs/agentgate/telemetry"
)

// BreakerState is the admission automaton state of one worker.
type BreakerState string

// Breaker states.
const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "halfOpen"
)

// Defaults carries the gateway-wide worker tuning. Per-agent registry tuning
// overrides individual fields.
type Defaults struct {
	MaxInFlight      int
	FailureThreshold int
	FailureWindow    time.Duration
	Cooldown         time.Duration
	CallTimeout      time.Duration
}

// Built-in fallbacks applied to zero Defaults fields.
const (
	defaultMaxInFlight      = 10
	defaultFailureThreshold = 5
	defaultFailureWindow    = 30 * time.Second
	defaultCooldown         = 30 * time.Second
	defaultCallTimeout      = 15 * time.Second
	defaultDrainGrace       = 5 * time.Second
)

func (d Defaults) withFallbacks() Defaults {
	if d.MaxInFlight <= 0 {
		d.MaxInFlight = defaultMaxInFlight
	}
	if d.FailureThreshold <= 0 {
		d.FailureThreshold = defaultFailureThreshold
	}
	if d.FailureWindow <= 0 {
		d.FailureWindow = defaultFailureWindow
	}
	if d.Cooldown <= 0 {
		d.Cooldown = defaultCooldown
	}
	if d.CallTimeout <= 0 {
		d.CallTimeout = defaultCallTimeout
	}
	return d
}

// resolveTuning layers per-agent registry tuning over the gateway defaults.
func resolveTuning(t registry.Tuning, d Defaults) Defaults {
	d = d.withFallbacks()
	if t.MaxInFlight > 0 {
		d.MaxInFlight = t.MaxInFlight
	}
	if t.FailureThreshold > 0 {
		d.FailureThreshold = t.FailureThreshold
	}
	if t.FailureWindowMs > 0 {
		d.FailureWindow = time.Duration(t.FailureWindowMs) * time.Millisecond
	}
	if t.CooldownMs > 0 {
		d.Cooldown = time.Duration(t.CooldownMs) * time.Millisecond
	}
	if t.CallTimeoutMs > 0 {
		d.CallTimeout = time.Duration(t.CallTimeoutMs) * time.Millisecond
	}
	return d
}

// Health is a point-in-time snapshot of one worker's admission state.
type Health struct {
	AgentID       string       `json:"agentId"`
	Breaker       BreakerState `json:"breaker"`
	InFlight      int          `json:"inFlight"`
	FailureCount  int          `json:"failureCount"`
	LastFailureAt *time.Time   `json:"lastFailureAt,omitempty"`
	NodeID        string       `json:"nodeId"`
}

// Ref is an invokable worker, local or on a peer node.
type Ref interface {
	Call(ctx context.Context, env *a2a.Envelope) (*a2a.Task, error)
	Stream(ctx context.Context, env *a2a.Envelope) (*a2a.StreamResponse, error)
	Health(ctx context.Context) (Health, error)
}

// Options configures a worker (and, via the supervisor, all workers).
type Options struct {
	Client   *http.Client
	Store    *taskstore.Store
	Bus      *telemetry.Bus
	NodeID   string
	Defaults Defaults
	// DrainGrace bounds how long Stop waits for in-flight work. Default 5s.
	DrainGrace time.Duration
}

// Mailbox messages. Every mutation of worker state happens on the run loop
// in response to one of these.
type (
	callMsg struct {
		env   *a2a.Envelope
		reply chan callReply
	}
	streamMsg struct {
		env   *a2a.Envelope
		reply chan streamReply
	}
	doneMsg struct {
		seq  uint64
		task *a2a.Task
		init *a2a.StreamResponse
		err  error
	}
	timeoutMsg struct {
		seq uint64
	}
	healthMsg struct {
		reply chan Health
	}
	stopMsg  struct{}
	forceMsg struct{}
)

type callReply struct {
	task *a2a.Task
	err  error
}

type streamReply struct {
	init *a2a.StreamResponse
	err  error
}

// pendingCall tracks one dispatched child. Exactly one of doneMsg/timeoutMsg
// settles it; the later one finds the seq gone and is discarded as stale.
type pendingCall struct {
	timer   *time.Timer
	started time.Time
	deliver func(m doneMsg)
}

// Worker is the per-agent actor. All fields below mailbox are owned by the
// run goroutine.
type Worker struct {
	agent   registry.Agent
	adapter a2a.Adapter
	client  *http.Client
	ingress *sse.Ingress
	bus     *telemetry.Bus
	nodeID  string
	tuning  Defaults
	grace   time.Duration

	mailbox chan any
	life    context.Context
	abort   context.CancelFunc
	done    chan struct{}

	stopOnce sync.Once

	breaker            BreakerState
	inFlight           int
	failureCount       int
	failureWindowStart time.Time
	cooldownUntil      time.Time
	lastFailureAt      time.Time
	draining           bool
	seq                uint64
	pending            map[uint64]*pendingCall
}

// New spawns the worker for agent. The record is snapshotted; registry
// updates take effect only through supervisor restart.
func New(agent *registry.Agent, opts Options) (*Worker, error) {
	adapter, err := a2a.LookupAdapter(agent.Protocol, agent.Version)
	if err != nil {
		return nil, err
	}
	if opts.Client == nil {
		opts.Client = NewHTTPClient(0)
	}
	if opts.DrainGrace <= 0 {
		opts.DrainGrace = defaultDrainGrace
	}

	life, abort := context.WithCancel(context.Background())
	w := &Worker{
		agent:              *agent,
		adapter:            adapter,
		client:             opts.Client,
		ingress:            sse.NewIngress(opts.Client, opts.Store, opts.Bus),
		bus:                opts.Bus,
		nodeID:             opts.NodeID,
		tuning:             resolveTuning(agent.Tuning, opts.Defaults),
		grace:              opts.DrainGrace,
		mailbox:            make(chan any, 64),
		life:               life,
		abort:              abort,
		done:               make(chan struct{}),
		breaker:            BreakerClosed,
		failureWindowStart: time.Now(),
		pending:            make(map[uint64]*pendingCall),
	}

	w.emit(telemetry.EventWorkerStart, nil)
	logger.Info("worker started", "agent_id", agent.ID, "node_id", opts.NodeID)
	go w.run()
	return w, nil
}

// AgentID returns the agent this worker serves.
func (w *Worker) AgentID() string { return w.agent.ID }

// Call performs a synchronous round trip through the worker's admission
// gate. Rejections return ErrCircuitOpen or ErrTooManyRequests without
// touching the network.
func (w *Worker) Call(ctx context.Context, env *a2a.Envelope) (*a2a.Task, error) {
	reply := make(chan callReply, 1)
	if err := w.post(ctx, callMsg{env: env, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.task, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stream opens an upstream SSE call. It resolves once with the init frame's
// task; later updates flow through the task store, not the caller.
func (w *Worker) Stream(ctx context.Context, env *a2a.Envelope) (*a2a.StreamResponse, error) {
	reply := make(chan streamReply, 1)
	if err := w.post(ctx, streamMsg{env: env, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.init, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Health snapshots the worker's admission state.
func (w *Worker) Health(ctx context.Context) (Health, error) {
	reply := make(chan Health, 1)
	if err := w.post(ctx, healthMsg{reply: reply}); err != nil {
		return Health{}, err
	}
	select {
	case h := <-reply:
		return h, nil
	case <-ctx.Done():
		return Health{}, ctx.Err()
	case <-w.done:
		return Health{}, a2a.ErrShutdown
	}
}

// InFlight reports the number of dispatched, unsettled operations.
func (w *Worker) InFlight(ctx context.Context) (int, error) {
	h, err := w.Health(ctx)
	return h.InFlight, err
}

// Stop drains in-flight work up to the grace window, then aborts remaining
// children. Idempotent; blocks until the worker exits or ctx is done.
func (w *Worker) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() {
		select {
		case w.mailbox <- stopMsg{}:
		case <-w.done:
		}
	})
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) post(ctx context.Context, msg any) error {
	select {
	case w.mailbox <- msg:
		return nil
	case <-w.done:
		return a2a.ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the actor loop. It owns all admission state.
func (w *Worker) run() {
	defer close(w.done)
	var graceTimer *time.Timer

	for {
		msg := <-w.mailbox
		switch m := msg.(type) {
		case callMsg:
			w.handleCall(m)
		case streamMsg:
			w.handleStream(m)
		case doneMsg:
			w.settle(m.seq, m)
		case timeoutMsg:
			w.settle(m.seq, doneMsg{seq: m.seq, err: a2a.ErrTimeout})
		case healthMsg:
			m.reply <- Health{
				AgentID:       w.agent.ID,
				Breaker:       w.breaker,
				InFlight:      w.inFlight,
				FailureCount:  w.failureCount,
				LastFailureAt: w.lastFailure(),
				NodeID:        w.nodeID,
			}
		case stopMsg:
			w.draining = true
			if len(w.pending) > 0 {
				graceTimer = time.AfterFunc(w.grace, func() {
					select {
					case w.mailbox <- forceMsg{}:
					case <-w.done:
					}
				})
			}
		case forceMsg:
			w.abortPending()
		}

		if w.draining && len(w.pending) == 0 {
			if graceTimer != nil {
				graceTimer.Stop()
			}
			w.finish()
			return
		}
	}
}

func (w *Worker) lastFailure() *time.Time {
	if w.lastFailureAt.IsZero() {
		return nil
	}
	t := w.lastFailureAt
	return &t
}

func (w *Worker) finish() {
	w.abort()
	w.emit(telemetry.EventWorkerStop, map[string]int64{"in_flight": int64(w.inFlight)})
	logger.Info("worker stopped", "agent_id", w.agent.ID, "node_id", w.nodeID)
}

// abortPending fails every unsettled operation with ErrShutdown. Children
// are cancelled through the life context; their late results find no
// pending entry and are discarded.
func (w *Worker) abortPending() {
	for seq, p := range w.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(w.pending, seq)
		w.inFlight--
		p.deliver(doneMsg{seq: seq, err: a2a.ErrShutdown})
	}
}

// admit runs the admission algorithm. On success inFlight is already
// incremented when it returns.
func (w *Worker) admit(now time.Time) error {
	if w.draining {
		return a2a.ErrShutdown
	}
	if w.breaker == BreakerOpen {
		if now.Before(w.cooldownUntil) {
			w.emit(telemetry.EventBreakerReject, nil)
			return a2a.ErrCircuitOpen
		}
		w.breaker = BreakerHalfOpen
		w.emit(telemetry.EventBreakerHalfOpen, nil)
	}
	if w.inFlight >= w.tuning.MaxInFlight {
		w.emit(telemetry.EventBackpressureReject, nil)
		return a2a.ErrTooManyRequests
	}
	w.inFlight++
	return nil
}

func (w *Worker) handleCall(m callMsg) {
	if err := w.admit(time.Now()); err != nil {
		m.reply <- callReply{err: err}
		return
	}
	w.seq++
	seq := w.seq
	w.emit(telemetry.EventCallStart, nil)

	p := &pendingCall{
		started: time.Now(),
		deliver: func(d doneMsg) {
			m.reply <- callReply{task: d.task, err: d.err}
		},
	}
	// The authoritative per-call timeout lives here, not in the child: if
	// the child wedges, the timer message still settles the call.
	p.timer = time.AfterFunc(w.tuning.CallTimeout, func() {
		select {
		case w.mailbox <- timeoutMsg{seq: seq}:
		case <-w.done:
		}
	})
	w.pending[seq] = p

	go w.dispatchCall(seq, m.env)
}

func (w *Worker) handleStream(m streamMsg) {
	if err := w.admit(time.Now()); err != nil {
		m.reply <- streamReply{err: err}
		return
	}
	w.seq++
	seq := w.seq
	w.emit(telemetry.EventCallStart, nil)

	// No parent timer: ingress bounds the init wait itself and always
	// reports back within the call timeout.
	w.pending[seq] = &pendingCall{
		started: time.Now(),
		deliver: func(d doneMsg) {
			m.reply <- streamReply{init: d.init, err: d.err}
		},
	}

	go w.dispatchStream(seq, m.env)
}

// settle accounts one finished dispatch. A missing seq means the operation
// was already settled by the other path (timeout vs late child) and the
// message is stale.
func (w *Worker) settle(seq uint64, m doneMsg) {
	p, ok := w.pending[seq]
	if !ok {
		return
	}
	delete(w.pending, seq)
	if p.timer != nil {
		p.timer.Stop()
	}
	w.inFlight--

	now := time.Now()
	elapsed := map[string]int64{"duration_ms": now.Sub(p.started).Milliseconds()}
	if countsAsFailure(m.err) {
		w.recordFailure(now)
		w.emit(telemetry.EventCallError, elapsed)
		logger.Warn("agent call failed", "agent_id", w.agent.ID, "breaker", w.breaker, "error", m.err)
	} else {
		if w.breaker == BreakerHalfOpen {
			w.breaker = BreakerClosed
			w.failureCount = 0
			w.failureWindowStart = now
			w.emit(telemetry.EventBreakerClosed, nil)
		}
		w.emit(telemetry.EventCallStop, elapsed)
	}

	p.deliver(m)
}

// recordFailure applies the sliding-window failure accounting and the
// breaker transitions driven by it.
func (w *Worker) recordFailure(now time.Time) {
	if now.Sub(w.failureWindowStart) > w.tuning.FailureWindow {
		w.failureCount = 1
		w.failureWindowStart = now
	} else {
		w.failureCount++
	}
	w.lastFailureAt = now

	switch {
	case w.breaker == BreakerHalfOpen:
		// Any failure while probing re-opens with a fresh cooldown.
		w.breaker = BreakerOpen
		w.cooldownUntil = now.Add(w.tuning.Cooldown)
		w.emit(telemetry.EventBreakerOpen, nil)
	case w.failureCount >= w.tuning.FailureThreshold && w.breaker != BreakerOpen:
		w.breaker = BreakerOpen
		w.cooldownUntil = now.Add(w.tuning.Cooldown)
		w.emit(telemetry.EventBreakerOpen, nil)
	}
}

// dispatchCall is the child side of a unary call. It reports its outcome
// through the mailbox and never touches worker state directly.
func (w *Worker) dispatchCall(seq uint64, env *a2a.Envelope) {
	ctx, cancel := context.WithTimeout(w.life, w.tuning.CallTimeout)
	defer cancel()

	task, err := w.roundTrip(ctx, env)
	select {
	case w.mailbox <- doneMsg{seq: seq, task: task, err: err}:
	case <-w.done:
	}
}

func (w *Worker) roundTrip(ctx context.Context, env *a2a.Envelope) (*a2a.Task, error) {
	body, err := w.adapter.EncodeRequest(env, env.RPCID)
	if err != nil {
		return nil, err
	}
	raw, err := postJSON(ctx, w.client, w.agent.URL, w.agent.BearerToken, body)
	if err != nil {
		return nil, err
	}
	task, err := w.adapter.DecodeResponse(raw)
	if err != nil {
		var rpcErr *a2a.JSONRPCError
		if errors.As(err, &rpcErr) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", a2a.ErrInvalidJSON, err)
	}
	return task, nil
}

// dispatchStream is the child side of a stream. The ingress owns the init
// timeout and the post-init frame loop.
func (w *Worker) dispatchStream(seq uint64, env *a2a.Envelope) {
	body, err := w.adapter.EncodeRequest(env, env.RPCID)
	if err != nil {
		w.streamDone(seq, nil, err)
		return
	}

	headers := map[string]string{}
	if w.agent.BearerToken != "" {
		headers["Authorization"] = "Bearer " + w.agent.BearerToken
	}
	init, err := w.ingress.Start(w.life, sse.IngressJob{
		AgentID: w.agent.ID,
		URL:     w.agent.URL,
		Headers: headers,
		Body:    body,
		Adapter: w.adapter,
		RPCID:   env.RPCID,
	}, w.tuning.CallTimeout)
	w.streamDone(seq, init, err)
}

func (w *Worker) streamDone(seq uint64, init *a2a.StreamResponse, err error) {
	select {
	case w.mailbox <- doneMsg{seq: seq, init: init, err: err}:
	case <-w.done:
	}
}

func (w *Worker) emit(name string, measurements map[string]int64) {
	w.bus.Emit(name, measurements, map[string]string{
		telemetry.KeyAgentID: w.agent.ID,
		telemetry.KeyNodeID:  w.nodeID,
	})
}
