package service

import (
	"context"
	"errors"
	"io"

	"github.com/pithecene-io/circuitd/rpc"
	"github.com/pithecene-io/circuitd/types"
)

// Client is a typed view of the service methods over an endpoint.
type Client struct {
	ep *rpc.Endpoint
}

// NewClient wraps ep.
func NewClient(ep *rpc.Endpoint) *Client { return &Client{ep: ep} }

// Endpoint returns the underlying endpoint.
func (c *Client) Endpoint() *rpc.Endpoint { return c.ep }

// Close closes the endpoint.
func (c *Client) Close() error { return c.ep.Close() }

// Ping round-trips payload.
func (c *Client) Ping(ctx context.Context, payload any) (string, error) {
	var out string
	err := c.ep.Call(ctx, MethodPing, payload, &out)
	return out, err
}

// Add registers a circuit and starts its transfer.
func (c *Client) Add(ctx context.Context, circuit types.Circuit) (AddResponse, error) {
	var out AddResponse
	err := c.ep.Call(ctx, MethodCircuitsAdd, circuit, &out)
	return out, err
}

// Get returns one circuit.
func (c *Client) Get(ctx context.Context, name string) (types.Circuit, error) {
	var out types.Circuit
	err := c.ep.Call(ctx, MethodCircuitsGet, NameRequest{Name: name}, &out)
	return out, err
}

// List returns every circuit.
func (c *Client) List(ctx context.Context) ([]types.Circuit, error) {
	var out []types.Circuit
	err := c.ep.Call(ctx, MethodCircuitsList, nil, &out)
	return out, err
}

// Clear forgets every circuit.
func (c *Client) Clear(ctx context.Context) error {
	return c.ep.Call(ctx, MethodCircuitsClear, nil, nil)
}

// IsDownloaded reports whether a circuit file is fully cached.
func (c *Client) IsDownloaded(ctx context.Context, circuit string, file types.FileKind) (bool, error) {
	var out bool
	err := c.ep.Call(ctx, MethodFilesDownloaded, FileRequest{Circuit: circuit, File: file}, &out)
	return out, err
}

// Load buffers a whole circuit file through a unary call.
func (c *Client) Load(ctx context.Context, circuit string, file types.FileKind) ([]byte, error) {
	var out []byte
	err := c.ep.Call(ctx, MethodFilesLoad, FileRequest{Circuit: circuit, File: file}, &out)
	return out, err
}

// Stream copies a circuit file chunk by chunk into w and returns the
// number of bytes written.
func (c *Client) Stream(ctx context.Context, circuit string, file types.FileKind, w io.Writer) (int64, error) {
	s, err := c.ep.OpenStream(ctx, MethodFilesLoad, FileRequest{Circuit: circuit, File: file})
	if err != nil {
		return 0, err
	}
	defer s.Close()

	var n int64
	for {
		chunk, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		written, err := w.Write(chunk)
		n += int64(written)
		if err != nil {
			return n, err
		}
	}
}

// Invalidate drops every cached chunk of a circuit file.
func (c *Client) Invalidate(ctx context.Context, circuit string, file types.FileKind) error {
	return c.ep.Call(ctx, MethodFilesInvalidate, FileRequest{Circuit: circuit, File: file}, nil)
}

// RegisterUI marks this endpoint as the confirmation surface. The
// endpoint's Mux should serve MethodUIConfirm.
func (c *Client) RegisterUI(ctx context.Context) error {
	return c.ep.Call(ctx, MethodUIRegister, nil, nil)
}

// Confirm asks the registered UI to approve req.
func (c *Client) Confirm(ctx context.Context, req ConfirmRequest) (bool, error) {
	var out bool
	err := c.ep.Call(ctx, MethodConfirmRequest, req, &out)
	return out, err
}

// Emit asks the service to broadcast an event to every peer and returns
// how many peers it reached.
func (c *Client) Emit(ctx context.Context, name string, args any) (int, error) {
	var out int
	err := c.ep.Call(ctx, MethodEvent, types.Broadcast{Name: name, Args: args}, &out)
	return out, err
}
