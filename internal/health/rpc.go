package health

import (
	"context"
	"fmt"
	"sort"
)

// HeadClient is any client that can report the chain head.
type HeadClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// RPCChecker pings one or more chain clients by name.
type RPCChecker struct {
	clients map[string]HeadClient
}

func NewRPCChecker(clients map[string]HeadClient) *RPCChecker {
	return &RPCChecker{clients: clients}
}

// Ping asks every client for the head block and returns the last failure.
func (c *RPCChecker) Ping(ctx context.Context) error {
	names := make([]string, 0, len(c.clients))
	for name := range c.clients {
		names = append(names, name)
	}
	sort.Strings(names)

	var lastErr error
	for _, name := range names {
		if _, err := c.clients[name].BlockNumber(ctx); err != nil {
			lastErr = fmt.Errorf("rpc %s: %w", name, err)
		}
	}
	return lastErr
}
