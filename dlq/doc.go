// Package dlq provides a dead letter queue for operations that exhausted
// their retries. Messages are held in memory, optionally persisted through a
// pluggable Store, and reprocessed on a slower schedule by per-source
// processors until they recover or exceed their retry budget.
//
// Basic usage:
//
//	queue := dlq.New(
//		dlq.WithName("orders"),
//		dlq.WithMaxRetries(3),
//		dlq.WithStore(dlq.NewMemoryStore()),
//		dlq.OnExpired(func(msg *dlq.Message) {
//			log.Printf("gave up on %s: %s", msg.ID, msg.Error)
//		}),
//	)
//	queue.RegisterProcessor("orders", func(ctx context.Context, msg *dlq.Message) error {
//		return replay(ctx, msg.Payload)
//	})
//	queue.Start(ctx)
//	defer queue.Stop()
//
//	queue.AddMessage(ctx, order, err, "orders", nil)
//
// Messages whose metadata carries "critical": true additionally fire the
// OnCritical callback at enqueue time so they can be alerted on immediately.
package dlq
