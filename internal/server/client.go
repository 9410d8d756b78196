package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/devghori1264/aerophoenix/controlplane/internal/codec"
)

// Client calls cloud API actions as one identity.
type Client struct {
	conn *grpc.ClientConn
	id   Identity
}

// Dial connects to target. Extra options are appended to the defaults
// (plaintext transport, CBOR content subtype).
func Dial(target string, id Identity, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codec.Name)),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", target, err)
	}
	return &Client{conn: conn, id: id}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Invoke runs action with req and decodes the answer into resp. Errors
// carry the fault kind the server reported.
func (c *Client) Invoke(ctx context.Context, action string, req, resp any) error {
	pairs := []string{HeaderUserID, c.id.UserID, HeaderProjectID, c.id.ProjectID}
	if c.id.Secret != "" {
		pairs = append(pairs, HeaderSecret, c.id.Secret)
	}
	if c.id.RequestID != "" {
		pairs = append(pairs, HeaderRequestID, c.id.RequestID)
	}
	ctx = metadata.AppendToOutgoingContext(ctx, pairs...)
	if req == nil {
		req = Empty{}
	}
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+action, req, resp); err != nil {
		return FromStatus(err)
	}
	return nil
}
