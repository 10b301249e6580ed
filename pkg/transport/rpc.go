package transport

import (
	"context"
	"encoding/gob"
	"fmt"
	"net"
	"os"
)

// RPCRequest is the framing cmd/cellmeshctl uses to reach a running
// cellmeshd for one-shot §6 query/mutation calls over a Unix domain
// socket, bypassing the peer mesh's in-memory Transport. Exactly one
// of Mutation, Query or GC is set.
//
// This, rather than the in-memory Transport or a generated gRPC
// client, is this package's answer to local operator tooling: a
// length-prefix-free gob request/response pair needs no .proto
// codegen step, unlike a real grpc client/server would.
type RPCRequest struct {
	Mutation *MutationRequest
	Query    *QueryRequest
	// GC requests an immediate, out-of-band garbage-collection sweep
	// when true. Used by cmd/cellmeshctl's gc command.
	GC bool
}

// RPCResponse is the matching one-shot response frame. Err is set
// instead of Mutation/Query/GCDone when the handler failed.
type RPCResponse struct {
	Mutation *MutationResponse
	Query    *QueryResponse
	GCDone   bool
	Err      string
}

// RPCHandler answers one RPCRequest.
type RPCHandler func(ctx context.Context, req RPCRequest) RPCResponse

// ServeRPC accepts connections on a Unix socket at path until ctx is
// cancelled, handling exactly one gob-encoded request/response pair
// per connection.
func ServeRPC(ctx context.Context, path string, handler RPCHandler) error {
	_ = os.Remove(path)
	lis, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen %s: %w", path, err)
	}
	go func() {
		<-ctx.Done()
		_ = lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept on %s: %w", path, err)
			}
		}
		go serveOneRPC(ctx, conn, handler)
	}
}

func serveOneRPC(ctx context.Context, conn net.Conn, handler RPCHandler) {
	defer conn.Close()
	var req RPCRequest
	if err := gob.NewDecoder(conn).Decode(&req); err != nil {
		return
	}
	resp := handler(ctx, req)
	_ = gob.NewEncoder(conn).Encode(&resp)
}

// DialRPC connects to a cellmeshd listening at path, sends req, and
// returns its decoded response.
func DialRPC(path string, req RPCRequest) (RPCResponse, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return RPCResponse{}, fmt.Errorf("dial %s: %w", path, err)
	}
	defer conn.Close()

	if err := gob.NewEncoder(conn).Encode(&req); err != nil {
		return RPCResponse{}, fmt.Errorf("encode request: %w", err)
	}
	var resp RPCResponse
	if err := gob.NewDecoder(conn).Decode(&resp); err != nil {
		return RPCResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}
