package gateway

import (
	"sync"

	"github.com/bitechdev/channelhub/pkg/logger"
)

// ConnectionManager tracks live connections by identity
type ConnectionManager struct {
	mu          sync.RWMutex
	connections map[string]*Connection
}

// NewConnectionManager creates an empty manager
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[string]*Connection),
	}
}

// Register adds conn. It returns false if the identity is already connected.
func (cm *ConnectionManager) Register(conn *Connection) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if _, exists := cm.connections[conn.ID]; exists {
		return false
	}
	cm.connections[conn.ID] = conn
	logger.Info("Gateway connection registered: %s (total: %d)", conn.ID, len(cm.connections))
	return true
}

// Unregister removes conn if it is the registered connection for its identity
func (cm *ConnectionManager) Unregister(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if current, ok := cm.connections[conn.ID]; ok && current == conn {
		delete(cm.connections, conn.ID)
		logger.Info("Gateway connection unregistered: %s (total: %d)", conn.ID, len(cm.connections))
	}
}

// Has reports whether identity has a live connection
func (cm *ConnectionManager) Has(identity string) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	_, ok := cm.connections[identity]
	return ok
}

// Count returns the number of live connections
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.connections)
}

// Shutdown closes every live connection
func (cm *ConnectionManager) Shutdown() {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.connections))
	for _, conn := range cm.connections {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()

	for _, conn := range conns {
		conn.Close()
	}
	logger.Info("Gateway connection manager shut down (%d connections closed)", len(conns))
}
