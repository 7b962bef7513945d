package cloud

import (
	"context"
	"strings"
)

// RouterDriver dispatches each action to the driver registered for its
// service, falling back to a default driver. It lets the daemon mount a
// real provider driver for one service while the rest stay simulated.
type RouterDriver struct {
	byService map[string]Driver
	fallback  Driver
}

// NewRouterDriver builds a router with the given fallback.
func NewRouterDriver(fallback Driver) *RouterDriver {
	return &RouterDriver{
		byService: make(map[string]Driver),
		fallback:  fallback,
	}
}

// Mount registers d for every action of service.
func (r *RouterDriver) Mount(service string, d Driver) *RouterDriver {
	r.byService[service] = d
	return r
}

func (r *RouterDriver) driverFor(service string) Driver {
	if d, ok := r.byService[service]; ok {
		return d
	}
	return r.fallback
}

func (r *RouterDriver) Execute(ctx context.Context, conn *Connection, actionID, resourceID string, params map[string]interface{}) error {
	service, _, _ := strings.Cut(actionID, ":")
	return r.driverFor(service).Execute(ctx, conn, actionID, resourceID, params)
}

func (r *RouterDriver) ResourceState(ctx context.Context, conn *Connection, service, resourceID string) (string, error) {
	return r.driverFor(service).ResourceState(ctx, conn, service, resourceID)
}

var _ Driver = (*RouterDriver)(nil)
