// Package async provides safe concurrent execution primitives for background tasks.
//
// # Overview
//
// This package handles goroutine lifecycle management with panic recovery,
// timeout enforcement, context cancellation and error collection.
//
// # Key Functions
//
// SafeGo: Execute function in goroutine with safety features
//
//	async.SafeGo(ctx, 30*time.Second, "feed requery", func(ctx context.Context) error {
//		return session.refresh(ctx)
//	})
//
// WorkerPool: Managed pool of concurrent workers
//
//	pool := async.NewWorkerPool(ctx, 4, "notification routing", 10*time.Second)
//	defer pool.Shutdown(5 * time.Second)
//
//	pool.Submit(func(ctx context.Context) error {
//		return router.Handle(ctx, evt)
//	})
//
// KeyedPool: Workers sharded by key. Tasks submitted with the same key run
// one at a time in submission order, tasks with different keys run
// concurrently. The domain event dispatcher keys by entity id so that the
// changes of one post reach the change bus in commit order.
//
//	pool := async.NewKeyedPool(ctx, 8, 256, "event dispatch", 10*time.Second)
//	pool.Submit(evt.EntityID, task)
//
// # Features
//
// Panic Recovery: Captures panics with stack traces
// Timeout Enforcement: Per-task timeouts
// Context Cancellation: Respects context cancellation
// Error Collection: Non-blocking error channels
// Graceful Shutdown: Worker draining
//
// # Related Packages
//
//   - pkg/events: Uses KeyedPool for sink fan-out
//   - pkg/materializer: Uses SafeGo for session loops and re-queries
package async
