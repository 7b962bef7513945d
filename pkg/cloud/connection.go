// Package cloud holds the connection model and the driver boundary
// between plan execution and provider SDKs. Everything provider-flavored
// stays behind the Driver interface; the engine never imports an SDK.
package cloud

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrConnectionNotFound = errors.New("connection not found")

// Connection is one linked cloud account, with the permission set the
// externally-granted role actually carries. This core only enforces a
// boundary on top of that grant; it never provisions roles.
type Connection struct {
	ID         string    `json:"id" yaml:"id"`
	CustomerID string    `json:"customer_id" yaml:"customer_id"`
	Provider   string    `json:"provider" yaml:"provider"` // "aws"
	AccountID  string    `json:"account_id" yaml:"account_id"`
	Regions    []string  `json:"regions" yaml:"regions"`
	ReadOnly   bool      `json:"read_only" yaml:"read_only"`
	CreatedAt  time.Time `json:"created_at" yaml:"created_at"`

	// GrantedPermissions lists the canonical action IDs the connection's
	// role may perform.
	GrantedPermissions []string `json:"granted_permissions" yaml:"granted_permissions"`
}

// Allows reports whether the connection's role grants an action.
func (c *Connection) Allows(actionID string) bool {
	for _, p := range c.GrantedPermissions {
		if p == actionID {
			return true
		}
	}
	return false
}

// InRegion reports whether the connection spans the region. An empty
// region list means all regions.
func (c *Connection) InRegion(region string) bool {
	if len(c.Regions) == 0 {
		return true
	}
	for _, r := range c.Regions {
		if r == region {
			return true
		}
	}
	return false
}

// ConnectionSource resolves connection IDs. Connection CRUD itself is
// external; this core only reads.
type ConnectionSource interface {
	Get(ctx context.Context, id string) (*Connection, error)
}

// MemorySource is an in-process ConnectionSource.
type MemorySource struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

func NewMemorySource(conns ...*Connection) *MemorySource {
	s := &MemorySource{conns: make(map[string]*Connection)}
	for _, c := range conns {
		s.conns[c.ID] = c
	}
	return s
}

func (s *MemorySource) Get(_ context.Context, id string) (*Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[id]
	if !ok {
		return nil, ErrConnectionNotFound
	}
	copied := *c
	copied.GrantedPermissions = append([]string(nil), c.GrantedPermissions...)
	copied.Regions = append([]string(nil), c.Regions...)
	return &copied, nil
}

// Put registers or replaces a connection.
func (s *MemorySource) Put(c *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c.ID] = c
}

// IDs returns the registered connection IDs, sorted.
func (s *MemorySource) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.conns))
	for id := range s.conns {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
