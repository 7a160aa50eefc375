package evm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/devblac/season-keeper/internal/transport"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// DefaultRequestTimeout bounds a single JSON-RPC request across all endpoints.
const DefaultRequestTimeout = 30 * time.Second

// Dial returns an ethclient whose HTTP requests go through the failover
// transport. The dialled URL only names the primary; the transport picks the
// endpoint per request.
func Dial(ctx context.Context, f *transport.Failover) (*ethclient.Client, error) {
	httpClient := &http.Client{Transport: f, Timeout: DefaultRequestTimeout}
	rc, err := rpc.DialOptions(ctx, f.Primary(), rpc.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return ethclient.NewClient(rc), nil
}
