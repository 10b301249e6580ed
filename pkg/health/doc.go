/*
Package health provides the HTTP, TCP, and exec checkers used to watch
peer and dependency liveness, plus a Status tracker that applies
hysteresis (Retries consecutive failures before flipping unhealthy, a
single success to flip back) so a transient blip doesn't flap a peer's
status.

Checkers share one interface:

	type Checker interface {
		Check(ctx context.Context) Result
		Type() CheckType
	}

cmd/cellmeshd runs an ExecChecker ("test -w <data dir>") on
DefaultConfig's interval and reports each Result into pkg/metrics'
component registry, which its /health and /ready endpoints serve. The
chain synchronizer's RequestTracker does not use this package.

Usage:

	checker := health.NewTCPChecker("peer-2.cell:7400").WithTimeout(3 * time.Second)
	status := health.NewStatus()
	config := health.DefaultConfig()

	result := checker.Check(ctx)
	status.Update(result, config)
	if !status.Healthy {
		// demote the peer
	}
*/
package health
