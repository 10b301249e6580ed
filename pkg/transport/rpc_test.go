package transport

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestServeRPCAndDialRPCRoundTrip(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "cellmeshd.sock")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan struct{})
	go func() {
		close(ready)
		_ = ServeRPC(ctx, sock, func(ctx context.Context, req RPCRequest) RPCResponse {
			if req.Query == nil {
				return RPCResponse{Err: "expected a query"}
			}
			return RPCResponse{Query: &QueryResponse{EstimatedCount: 3}}
		})
	}()
	<-ready
	time.Sleep(20 * time.Millisecond) // listener needs a moment to bind

	resp, err := DialRPC(sock, RPCRequest{Query: &QueryRequest{Predicate: []byte("x")}})
	require.NoError(t, err)
	require.Empty(t, resp.Err)
	require.Equal(t, 3, resp.Query.EstimatedCount)
}
