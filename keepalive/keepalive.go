// Package keepalive answers ping probes.
package keepalive

import "tchannel-rpc/message"

// Respond returns the PingResponse for a PingRequest, or nil for anything else.
// The caller still forwards m downstream either way.
func Respond(m message.Message) message.Message {
	if ping, ok := m.(*message.PingRequest); ok {
		return &message.PingResponse{ID: ping.ID}
	}
	return nil
}
