package client

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"qnet/api/admin"
)

// Client is a typed SDK for the qnetd admin service.
type Client struct {
	conn   *grpc.ClientConn
	Status admin.StatusClient
	Health healthpb.HealthClient
}

// Options control Client behavior.
type Options struct {
	// DialTimeout is the timeout for establishing the initial connection.
	DialTimeout time.Duration
	// Insecure skips TLS (default true for local dev).
	Insecure bool
}

// New dials the qnetd admin server at address (host:port) and returns a
// Client.
func New(ctx context.Context, address string, opts *Options) (*Client, error) {
	if opts == nil {
		opts = &Options{Insecure: true, DialTimeout: 5 * time.Second}
	}
	var dialOpts []grpc.DialOption
	if opts.Insecure {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	if opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.DialTimeout)
		defer cancel()
		dialOpts = append(dialOpts, grpc.WithBlock())
	}
	conn, err := grpc.DialContext(ctx, address, dialOpts...)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:   conn,
		Status: admin.NewStatusClient(conn),
		Health: healthpb.NewHealthClient(conn),
	}
	return c, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Summary returns the arbitrator summary.
func (c *Client) Summary(ctx context.Context) (map[string]interface{}, error) {
	out, err := c.Status.GetStatus(ctx, &emptypb.Empty{})
	if err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Clusters returns the clusters known to the arbitrator, or only the
// named one when name is not empty.
func (c *Client) Clusters(ctx context.Context, name string) ([]interface{}, error) {
	req := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	if name != "" {
		req.Fields["name"] = structpb.NewStringValue(name)
	}
	out, err := c.Status.ListClusters(ctx, req)
	if err != nil {
		return nil, err
	}
	clusters, _ := out.AsMap()["clusters"].([]interface{})
	return clusters, nil
}

// Healthy reports whether the status service is serving.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	resp, err := c.Health.Check(ctx, &healthpb.HealthCheckRequest{Service: admin.ServiceName})
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}
