// Package testutils provides a scriptable net.Conn pair for exercising
// the transport and connection-pool layers without a real TCP socket.
package testutils

import "net"

// Pipe returns a connected, in-memory net.Conn pair backed by net.Pipe:
// client is what BackendConnection/Transport dial into, peer is driven by
// the test to script frames and observe what the client wrote.
func Pipe() (client, peer net.Conn) {
	return net.Pipe()
}
