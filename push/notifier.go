package push

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/AltairaLabs/agentgate/a2a"
	"github.com/AltairaLabs/agentgate/logger"
	"github.com/AltairaLabs/agentgate/registry"
	"github.com/AltairaLabs/agentgate/taskstore"
)

// deliveryTimeout bounds one full delivery including retries.
const deliveryTimeout = 2 * time.Minute

// Notifier fans task updates out to every webhook registered for the task.
// Deliveries run on their own goroutines and never block the caller or the
// store's broadcast path.
type Notifier struct {
	store   *taskstore.Store
	configs *registry.PushConfigs
	engine  *Engine
	wg      sync.WaitGroup
}

// NewNotifier wires a notifier over the config store and delivery engine.
func NewNotifier(store *taskstore.Store, configs *registry.PushConfigs, engine *Engine) *Notifier {
	return &Notifier{store: store, configs: configs, engine: engine}
}

// Notify delivers one update to every config registered for its task, plus
// any extra per-request configs. Returns immediately.
func (n *Notifier) Notify(resp *a2a.StreamResponse, extra ...*a2a.PushConfig) {
	taskID := resp.TaskID()
	targets := n.configs.ListByTask(taskID)
	targets = append(targets, extra...)

	for _, cfg := range targets {
		n.wg.Add(1)
		go func(cfg *a2a.PushConfig) {
			defer n.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
			defer cancel()
			if err := n.engine.Deliver(ctx, resp, cfg); err != nil && !errors.Is(err, ErrNoURL) {
				logger.Warn("webhook delivery failed",
					"url", logger.RedactSensitiveData(cfg.URL),
					"task_id", taskID,
					"error", err)
			}
		}(cfg)
	}
}

// Track subscribes to the task and notifies webhooks for its current state
// and every subsequent update until the task reaches a terminal state, the
// subscription closes, or ctx is canceled. The extra configs apply only to
// this tracking session; registered configs are re-enumerated per update.
func (n *Notifier) Track(ctx context.Context, taskID string, extra ...*a2a.PushConfig) error {
	snapshot, sub, err := n.store.Subscribe(taskID)
	if err != nil {
		return err
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer n.store.Unsubscribe(taskID, sub)

		n.Notify(&a2a.StreamResponse{Task: snapshot}, extra...)
		if snapshot.Status.State.IsTerminal() {
			return
		}
		for {
			u, err := sub.Next(ctx)
			if err != nil {
				return
			}
			n.Notify(u.Response, extra...)
			if u.Terminal {
				return
			}
		}
	}()
	return nil
}

// Wait blocks until all in-flight deliveries and tracking sessions finish.
func (n *Notifier) Wait() {
	n.wg.Wait()
}
