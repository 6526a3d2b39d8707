/*
Package clusterflow implements cluster flow control: a token server that
enforces flow rules across a fleet, and the client that asks it for tokens.

Packages:

  - pkg/cluster/protocol: length-prefixed binary frames for PING, FLOW and PARAM_FLOW
  - pkg/cluster/window: sliding window counters with borrowing from the next window
  - pkg/cluster/rule: flow rule registry with file and Redis sources
  - pkg/cluster/server: TCP token server with per-namespace limits
  - pkg/cluster/client: token client with reconnects and a prefetching token cache
  - pkg/scheduling: worker pool and cron scheduler for background tasks
  - pkg/metrics: Prometheus collectors

Binaries:

  - cmd/token-server: runs a server from clusterflow.yaml
  - cmd/token-client: drives a server with synthetic token requests

Example:

	c, err := client.New(client.ServerDescriptor{Host: "10.0.0.5", Port: 18730}, client.DefaultConfig())
	if err != nil {
		return err
	}
	if err := c.Start(); err != nil {
		return err
	}
	defer c.Stop()

	if res := c.RequestToken(ctx, flowID, 1, false); res.Passed() {
		handle()
	}
*/
package clusterflow
