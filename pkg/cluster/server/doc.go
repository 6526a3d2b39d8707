// Package server implements the cluster token server.
//
// Clients connect over TCP, announce their namespace with a PING and then
// ask for tokens of individual flows. Every request first passes a
// per-namespace global limiter, then the flow's sliding window:
//
//	settings, _ := server.NewSettings(server.Config{Port: 18730})
//	rules := rule.NewManager(logger)
//	srv, err := server.New(server.ServerConfig{Settings: settings, Registry: rules, Logger: logger})
//	if err != nil {
//		return err
//	}
//	if err := srv.Start(); err != nil {
//		return err
//	}
//	defer srv.Stop()
//
// Port, idle timeout, scan interval, global QPS limit and threshold scaling
// can be changed at runtime through Settings.Update. Rule changes reported by
// the registry reset the windows of the affected flows.
//
// Malformed frames are answered with BAD_REQUEST and never close the
// connection. Connections that stay silent for longer than IdleSeconds are
// closed by a periodic scan.
package server
