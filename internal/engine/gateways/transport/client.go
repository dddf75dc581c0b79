package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/haukened/rr-blacklist/internal/engine/gateways/wire"
)

const (
	dialTimeout         = 5 * time.Second
	responseReadTimeout = 45 * time.Second
	maxResponseSize     = 64 << 20
)

// ServiceError is returned by Call when the server replies with ok=false.
type ServiceError struct {
	Action  string
	Message string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("service error on %q: %s", e.Action, e.Message)
}

// Client sends requests to a Server. Every Call opens its own connection.
type Client struct {
	network string
	address string
}

// NewClient returns a client for the server at network/address.
func NewClient(network, address string) *Client {
	return &Client{network: network, address: address}
}

// Address returns the server address.
func (c *Client) Address() string { return c.address }

// Call sends request and decodes the response data into result when both
// are present. request must carry its action field. Server-side failures are
// returned as *ServiceError, connection failures as wrapped errors.
func (c *Client) Call(ctx context.Context, action string, request, result any) error {
	response, err := c.send(ctx, request)
	if err != nil {
		return fmt.Errorf("calling %q on %s: %w", action, c.address, err)
	}
	if !response.OK {
		return &ServiceError{Action: action, Message: response.Error}
	}
	if result != nil && len(response.Data) > 0 {
		if err := wire.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("decoding response data for %q: %w", action, err)
		}
	}
	return nil
}

func (c *Client) send(ctx context.Context, request any) (*wire.Response, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, c.network, c.address)
	if err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	if err := wire.NewEncoder(conn).Encode(request); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}

	deadline := time.Now().Add(responseReadTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)

	var response wire.Response
	if err := wire.NewDecoder(io.LimitReader(conn, maxResponseSize)).Decode(&response); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("reading response: %w", ctx.Err())
		}
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return &response, nil
}
