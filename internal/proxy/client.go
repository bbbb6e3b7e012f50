// SPDX-License-Identifier: MPL-2.0

package proxy

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client calls the gRPC surface of a Service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a client for the proxy at addr. The connection is established
// lazily on the first call.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to fetch proxy %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Commit fetches a zstd tar of commit in url.
func (c *Client) Commit(ctx context.Context, url, commit string) ([]byte, error) {
	var resp CommitResponse
	if err := c.conn.Invoke(ctx, "/"+goshGetService+"/Commit", &CommitRequest{GoshURL: url, Commit: commit}, &resp); err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// File fetches path at commit in url; zstd-compressed unless raw.
func (c *Client) File(ctx context.Context, url, commit, path string, raw bool) ([]byte, error) {
	req := &FileRequest{GoshURL: url, Commit: commit, Path: path, Raw: raw}
	var resp FileResponse
	if err := c.conn.Invoke(ctx, "/"+goshGetService+"/File", req, &resp); err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Spawn starts a remote-helper session.
func (c *Client) Spawn(ctx context.Context, id string, args []string) error {
	var resp SpawnResponse
	return c.conn.Invoke(ctx, "/"+gitRemoteGoshService+"/Spawn", &SpawnRequest{ID: id, Args: args}, &resp)
}

// Command sends one request to a session.
func (c *Client) Command(ctx context.Context, id string, body []byte) ([]byte, error) {
	var resp CommandResponse
	if err := c.conn.Invoke(ctx, "/"+gitRemoteGoshService+"/Command", &CommandRequest{ID: id, Body: body}, &resp); err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// GetArchive fetches a zstd tar of the session's git directory.
func (c *Client) GetArchive(ctx context.Context, id string) ([]byte, error) {
	var resp GetArchiveResponse
	if err := c.conn.Invoke(ctx, "/"+gitRemoteGoshService+"/GetArchive", &GetArchiveRequest{ID: id}, &resp); err != nil {
		return nil, err
	}
	return resp.Body, nil
}
