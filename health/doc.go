// Package health aggregates independently scheduled probes into one overall
// status. Each registered check runs on its own timer with its own timeout;
// the configured aggregation strategy folds the latest results into healthy,
// degraded, unhealthy, or unknown, and subscribers are notified on every
// transition.
//
//	svc := health.NewService(
//		health.WithStrategy(health.Worst),
//		health.OnStatusChange(func(old, new health.Status, overall health.Overall) {
//			log.Printf("health %s -> %s", old, new)
//		}),
//	)
//	svc.Register(health.NewSimpleChecker("database", db.PingContext),
//		health.WithInterval(10*time.Second),
//		health.WithCritical(),
//	)
//	svc.Start(ctx)
//	defer svc.Stop()
//
// Built-in checkers cover the other primitives in this module: circuit
// breakers, rate limiters, and dead letter queues.
package health
