package wal

import "github.com/ocx/meshcore/internal/pubsub"

// Bridge adapts a pub/sub subscription of wal.Change messages back into a
// typed channel, so auditlog and hooks each get their own unbounded mailbox
// fed from the single WAL stream without depending on pubsub.Message.
func Bridge(sub *pubsub.Subscription) <-chan Change {
	out := make(chan Change)
	go func() {
		defer close(out)
		for msg := range sub.C {
			change, ok := msg.(Change)
			if !ok {
				continue
			}
			out <- change
		}
	}()
	return out
}
