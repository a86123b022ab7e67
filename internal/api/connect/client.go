package connect

import (
	"context"
	"strings"

	"connectrpc.com/connect"
	"github.com/cockroachdb/errors"
	"google.golang.org/protobuf/types/known/structpb"
)

// AdminClient calls the admin service.
type AdminClient struct {
	unary map[string]*connect.Client[structpb.Struct, structpb.Struct]
	watch *connect.Client[structpb.Struct, structpb.Struct]
}

// NewAdminClient creates a client for the admin service at baseURL.
func NewAdminClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *AdminClient {
	baseURL = strings.TrimRight(baseURL, "/")
	c := &AdminClient{
		unary: make(map[string]*connect.Client[structpb.Struct, structpb.Struct], len(unaryProcedures)),
		watch: connect.NewClient[structpb.Struct, structpb.Struct](httpClient, baseURL+WatchEventsProcedure, opts...),
	}
	for _, proc := range unaryProcedures {
		c.unary[proc] = connect.NewClient[structpb.Struct, structpb.Struct](httpClient, baseURL+proc, opts...)
	}
	return c
}

// Call invokes a unary procedure with args as the request message.
func (c *AdminClient) Call(ctx context.Context, procedure string, args map[string]any) (*structpb.Struct, error) {
	client, ok := c.unary[procedure]
	if !ok {
		return nil, errors.Newf("unknown procedure %s", procedure)
	}
	msg, err := structpb.NewStruct(args)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode request")
	}
	resp, err := client.CallUnary(ctx, connect.NewRequest(msg))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

// Watch opens the event stream. The caller must Close it.
func (c *AdminClient) Watch(ctx context.Context, args map[string]any) (*connect.ServerStreamForClient[structpb.Struct], error) {
	msg, err := structpb.NewStruct(args)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode request")
	}
	return c.watch.CallServerStream(ctx, connect.NewRequest(msg))
}
