package machine

import (
	"context"
	"encoding/json"

	"github.com/NoHeadDotDev/minifly/pkg/store"
)

// runtimeOutboxPayload is the payload shape the drainer expects for the
// runtime_* outbox kinds: just the container id. Start, Stop and the other
// lifecycle operations make their runtime calls synchronously and enqueue
// no outbox rows; the drainer only acts on rows some caller of
// store.Commit put there with OutboxKind set.
type runtimeOutboxPayload struct {
	ContainerID string `json:"container_id"`
}

type dnsOutboxPayload struct {
	App string `json:"app"`
	IP  string `json:"ip"`
}

// DrainOutbox attempts every unattempted outbox entry once, in order, then
// marks it attempted regardless of outcome: a failure is logged as a
// warning (no machine event is appended) and left for the reconciler to
// re-derive from current
// store/runtime state, rather than retried verbatim from the same row
// (§8 "outbox side effects are attempted at least once").
func (m *Manager) DrainOutbox(ctx context.Context, limit int) error {
	entries, err := m.Store.PendingOutbox(limit)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if err := m.applyOutboxEntry(ctx, e); err != nil {
			m.Log.WithField("machine", e.Machine).WithError(err).Warn("outbox entry failed, leaving to reconciler")
		}
		if err := m.Store.MarkOutboxAttempted(e.ID); err != nil {
			m.Log.WithField("machine", e.Machine).WithError(err).Warn("failed to mark outbox entry attempted")
		}
	}
	return nil
}

func (m *Manager) applyOutboxEntry(ctx context.Context, e *store.OutboxEntry) error {
	switch e.Kind {
	case store.OutboxRuntimeStop:
		var p runtimeOutboxPayload
		if err := json.Unmarshal([]byte(e.PayloadJSON), &p); err != nil {
			return err
		}
		return m.Runtime.Stop(ctx, p.ContainerID, m.Cfg.UserConfig.Reconcile.StopGrace)

	case store.OutboxRuntimeRemove:
		var p runtimeOutboxPayload
		if err := json.Unmarshal([]byte(e.PayloadJSON), &p); err != nil {
			return err
		}
		return m.Runtime.Remove(ctx, p.ContainerID, true)

	case store.OutboxDNSDeregister:
		m.DNS.Deregister(e.Machine)
		return nil

	case store.OutboxSupervisorSync:
		// Reconciliation itself re-derives supervisor state from the
		// current machine row on the next sweep; nothing to replay here.
		return nil

	default:
		// Unknown/forward-compatible kinds are acknowledged without
		// action rather than wedging the queue.
		return nil
	}
}
