package kss

import "context"

// PendingOrderGateway is the outbound interface KSS calls to queue a wave
// or TP order for human approval (§2, §6). The human-approval workflow
// itself is out of scope — KSS only needs an id back to correlate the
// eventual on_order_approved/on_order_rejected/on_fill calls.
//
// Queue must not be called while a session lock is held (§5); callers
// capture the OrderDescriptor under the lock, release it, then call Queue.
type PendingOrderGateway interface {
	Queue(ctx context.Context, order OrderDescriptor) (pendingOrderID int64, err error)
}
