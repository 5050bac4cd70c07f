// Package commands implements the busctl CLI commands.
package commands

import (
	"context"
	"net/http"

	"connectrpc.com/connect"

	"github.com/busd-project/busd/internal/rpc"
)

// busClient carries the HTTP transport and base URL every busctl command
// dials BusService over. busd's wire messages are plain structs carried by
// jsonCodec rather than generated protobuf service stubs (see
// internal/rpc/codec.go), so there is no <service>connect.Client interface
// to hold here; each call site builds its own connect.Client[Req, Resp]
// via callUnary / callServerStream below.
type busClient struct {
	http *http.Client
	addr string
}

func newBusClient(addr string) *busClient {
	return &busClient{http: http.DefaultClient, addr: "http://" + addr}
}

// callUnary issues one BusService unary RPC against procedure.
func callUnary[Req, Resp any](ctx context.Context, c *busClient, procedure string, req *Req) (*Resp, error) {
	client := connect.NewClient[Req, Resp](c.http, c.addr+procedure, connect.WithCodec(rpc.NewJSONCodec()))
	resp, err := client.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
 return nil, err
	}
	return resp.Msg, nil
}

// callServerStream opens a BusService server-streaming RPC against procedure.
func callServerStream[Req, Resp any](ctx context.Context, c *busClient, procedure string, req *Req) (*connect.ServerStreamForClient[Resp], error) {
	client := connect.NewClient[Req, Resp](c.http, c.addr+procedure, connect.WithCodec(rpc.NewJSONCodec()))
	return client.CallServerStream(ctx, connect.NewRequest(req))
}
