/*
Package client implements the token client of cluster flow control.

A TokenClient holds one Transport to the assigned token server. The
transport moves through OFF, PENDING and READY; a failed connect or a
dropped connection schedules a reconnect after ReconnectDelay times the
number of consecutive failures plus one. After every connect the client
announces its namespace with a PING.

	c, err := client.New(client.ServerDescriptor{Host: "10.0.0.5", Port: 18730}, client.Config{
		Namespace: "orders",
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	if err := c.Start(); err != nil {
		return err
	}
	defer c.Stop()

	res := c.RequestToken(ctx, flowID, 1, false)
	if !res.Passed() {
		// reject, or fail open on StatusFail
	}

Requests never return errors. Transport failures, timeouts and undecodable
responses surface as protocol.StatusFail, and the caller decides whether to
fail open or closed.

RequestTokenWithCache draws tokens from a local allowance per flow. A remote
call refills prefetch tokens, or twice that after a cycle that overdrew a
full prefetch, and the allowance answers locally until CacheInterval has
passed. The allowance may run at most 2*prefetch below zero; past that the
cache answers StatusFail without a remote call. Cached SHOULD_WAIT answers
report the remaining part of the original wait.

OnAssignChange swaps in a transport for a new server; the old one is stopped
after the new one starts.
*/
package client
