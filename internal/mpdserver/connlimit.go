package mpdserver

import (
	"net"
	"sync"
)

// ConnectionLimiter limits the number of concurrent external (non-loopback)
// connections. Loopback connections are always allowed without limit.
// When a new external connection exceeds the limit, the oldest external
// connection is evicted. A limit of 0 disables limiting.
type ConnectionLimiter struct {
	mu          sync.Mutex
	maxExternal int
	// ordered slice of external client IDs (oldest first)
	external []string
	// all tracked connections: clientID -> remote IP
	connections map[string]string
}

// NewConnectionLimiter creates a limiter that allows up to maxExternal
// concurrent external connections.
func NewConnectionLimiter(maxExternal int) *ConnectionLimiter {
	return &ConnectionLimiter{
		maxExternal: maxExternal,
		connections: make(map[string]string),
	}
}

// TryAdd registers a connection and returns the ID of the client evicted to
// make room for it, or "" if none.
func (cl *ConnectionLimiter) TryAdd(clientID, remoteIP string) (evictedID string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if _, exists := cl.connections[clientID]; exists {
		return ""
	}
	cl.connections[clientID] = remoteIP

	if isLoopback(remoteIP) {
		return ""
	}
	cl.external = append(cl.external, clientID)

	if cl.maxExternal > 0 && len(cl.external) > cl.maxExternal {
		evictedID = cl.external[0]
		cl.external = cl.external[1:]
		delete(cl.connections, evictedID)
		return evictedID
	}
	return ""
}

// Remove unregisters a connection. Unknown IDs are ignored.
func (cl *ConnectionLimiter) Remove(clientID string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	ip, exists := cl.connections[clientID]
	if !exists {
		return
	}
	delete(cl.connections, clientID)

	if isLoopback(ip) {
		return
	}
	for i, id := range cl.external {
		if id == clientID {
			cl.external = append(cl.external[:i], cl.external[i+1:]...)
			break
		}
	}
}

// ExternalCount returns the number of tracked external connections.
func (cl *ConnectionLimiter) ExternalCount() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.external)
}

func isLoopback(ip string) bool {
	parsed := net.ParseIP(ip)
	return parsed != nil && parsed.IsLoopback()
}

// remoteIP extracts the IP from a connection's remote address.
func remoteIP(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
