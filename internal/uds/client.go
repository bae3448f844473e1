package uds

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"
)

type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    30 * time.Second,
	}
}

func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

func (c *Client) dial() (net.Conn, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf(
			"failed to connect to server at %s: %w\n"+
				"Is the server running? Start it with: foreman serve",
			c.socketPath, err,
		)
	}
	return conn, nil
}

func (c *Client) Send(req *Request) (*Response, error) {
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &resp, nil
}

func (c *Client) SendCommand(command string, params any) (*Response, error) {
	req, err := NewRequest(command, params)
	if err != nil {
		return nil, err
	}
	return c.Send(req)
}

// Follow opens a stream command and calls fn for every frame the server
// pushes. fn returning false ends the stream. Follow returns nil when the
// server closes the stream or fn stops it.
func (c *Client) Follow(command string, params any, fn func(frame json.RawMessage) bool) error {
	req, err := NewRequest(command, params)
	if err != nil {
		return err
	}

	conn, err := c.dial()
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(c.timeout))
	if err := WriteFrame(conn, req); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return fmt.Errorf("read stream ack: %w", err)
	}
	if !resp.Success {
		if resp.Error != nil {
			return fmt.Errorf("stream rejected: %s: %s", resp.Error.Code, resp.Error.Message)
		}
		return fmt.Errorf("stream rejected")
	}

	// Frames arrive whenever events happen; no deadline from here on.
	_ = conn.SetDeadline(time.Time{})

	for {
		var frame json.RawMessage
		if err := ReadFrame(conn, &frame); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if !fn(frame) {
			return nil
		}
	}
}
