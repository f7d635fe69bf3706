package ws

import (
	"log"
	"time"
)

// HeartbeatConfig tunes the dead-connection sweep.
type HeartbeatConfig struct {
	Interval time.Duration // ping cadence
	Timeout  time.Duration // grace period after a ping before eviction
}

// DefaultHeartbeatConfig returns the standard cadence.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat launches a goroutine that periodically pings every
// connection and evicts those with no activity inside Interval + Timeout.
// It exits when the server shuts down.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				sweepConnections(server, config)
			}
		}
	}()
}

func sweepConnections(server *Server, config HeartbeatConfig) {
	deadline := config.Interval + config.Timeout
	now := time.Now()

	for _, c := range server.Connections().All() {
		if now.Sub(c.LastSeen) > deadline {
			log.Printf("ws: heartbeat timeout conn=%s idle=%s",
				c.ID, now.Sub(c.LastSeen).Round(time.Second))
			server.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			log.Printf("ws: heartbeat ping conn=%s: %v", c.ID, err)
			server.RemoveConnection(c)
		}
	}
}
