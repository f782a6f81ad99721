package ipc

import (
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"
)

// Client provides RPC access to the daemon.
type Client struct {
	conn   net.Conn
	client *rpc.Client
}

// Dial connects to the IPC server at the given socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func (c *Client) call(method string, req, resp any) error {
	return c.client.Call(ServiceName+"."+method, req, resp)
}

// Submit asks the daemon to run an operation.
func (c *Client) Submit(req SubmitRequest) (*SubmitResponse, error) {
	var resp SubmitResponse
	if err := c.call("Submit", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Describe returns one item by handle.
func (c *Client) Describe(handle string) (*DescribeResponse, error) {
	var resp DescribeResponse
	if err := c.call("Describe", DescribeRequest{Handle: handle}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// List returns active items and up to history finished ones.
func (c *Client) List(history int) (*ListResponse, error) {
	var resp ListResponse
	if err := c.call("List", ListRequest{History: history}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Cancel cancels one item by handle.
func (c *Client) Cancel(handle string) (*CancelResponse, error) {
	var resp CancelResponse
	if err := c.call("Cancel", CancelRequest{Handle: handle}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelQueued cancels every queued item.
func (c *Client) CancelQueued() (*CancelResponse, error) {
	var resp CancelResponse
	if err := c.call("Cancel", CancelRequest{Queued: true}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Installed lists installed packages.
func (c *Client) Installed() (*InstalledResponse, error) {
	var resp InstalledResponse
	if err := c.call("Installed", InstalledRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Catalog lists available packages.
func (c *Client) Catalog() (*CatalogResponse, error) {
	var resp CatalogResponse
	if err := c.call("Catalog", CatalogRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status retrieves the daemon status.
func (c *Client) Status() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.call("Status", StatusRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stop asks the daemon to shut down gracefully.
func (c *Client) Stop() (*StopResponse, error) {
	var resp StopResponse
	if err := c.call("Stop", StopRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
