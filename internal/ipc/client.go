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
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) call(method string, req, resp any) error {
	return c.client.Call(ServiceName+"."+method, req, resp)
}

// Start requests the daemon to start its workers.
func (c *Client) Start() (*StartResponse, error) {
	var resp StartResponse
	if err := c.call("Start", StartRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stop requests the daemon to drain its workers.
func (c *Client) Stop() (*StopResponse, error) {
	var resp StopResponse
	if err := c.call("Stop", StopRequest{}, &resp); err != nil {
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

// Stats retrieves per-queue job counts.
func (c *Client) Stats() (*StatsResponse, error) {
	var resp StatsResponse
	if err := c.call("Stats", StatsRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EnqueueDeletion queues deletion of one file.
func (c *Client) EnqueueDeletion(req EnqueueDeletionRequest) (*JobResponse, error) {
	var resp JobResponse
	if err := c.call("EnqueueDeletion", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ScheduleZip queues a ZIP of materialIDs.
func (c *Client) ScheduleZip(materialIDs []string) (*ScheduleZipResponse, error) {
	var resp ScheduleZipResponse
	if err := c.call("ScheduleZip", ScheduleZipRequest{MaterialIDs: materialIDs}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ZipStatus polls a ZIP request.
func (c *Client) ZipStatus(requestID string) (*ZipStatusResponse, error) {
	var resp ZipStatusResponse
	if err := c.call("ZipStatus", ZipStatusRequest{RequestID: requestID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Sweep queues a one-time orphaned files cleanup.
func (c *Client) Sweep(dryRun bool) (*JobResponse, error) {
	var resp JobResponse
	if err := c.call("Sweep", SweepRequest{DryRun: dryRun}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Job fetches one job.
func (c *Client) Job(queueName, id string) (*JobResponse, error) {
	var resp JobResponse
	if err := c.call("Job", JobRequest{Queue: queueName, ID: id}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
