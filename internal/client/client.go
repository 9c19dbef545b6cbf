// Package client talks to a running ctmd over its Unix socket.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/chattomap/ctm/internal/api"
	"github.com/chattomap/ctm/internal/pipeline"
	"github.com/chattomap/ctm/internal/progress"
)

// ErrNoResult means the Export stream ended without a result.
var ErrNoResult = errors.New("client: export stream ended without a result")

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn   *grpc.ClientConn
	Export *api.ExportServiceClient
}

// New dials the daemon's Unix domain socket.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn, Export: api.NewExportServiceClient(conn)}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// RunExport starts an export on the daemon and calls onProgress for every
// progress event until the result arrives.
func (c *Client) RunExport(ctx context.Context, req pipeline.Request, onProgress func(progress.Event)) (*pipeline.Result, error) {
	stream, err := c.Export.Export(ctx, &req)
	if err != nil {
		return nil, err
	}
	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil, ErrNoResult
		}
		if err != nil {
			return nil, err
		}
		switch {
		case ev.Result != nil:
			return ev.Result, nil
		case ev.Progress != nil && onProgress != nil:
			onProgress(*ev.Progress)
		}
	}
}
