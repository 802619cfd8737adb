package snapshotdaemon

import (
	"net"
	"time"

	"github.com/agent-harbor/agent-harbor/internal/aherr"
	"github.com/agent-harbor/agent-harbor/internal/envelope"
)

// Client dials the snapshot daemon's unix socket and performs one
// request/response exchange per call (spec §6.2: "each connection carries
// one request and one response").
type Client struct {
	SocketPath string
	Timeout    time.Duration
}

// NewClient creates a Client for socketPath with a sensible default dial
// timeout.
func NewClient(socketPath string) *Client {
	return &Client{SocketPath: socketPath, Timeout: 5 * time.Second}
}

// Call sends a tagged request and decodes the tagged response.
func (c *Client) Call(tag string, req any) (envelope.Tagged, error) {
	conn, err := net.DialTimeout("unix", c.SocketPath, c.Timeout)
	if err != nil {
		return envelope.Tagged{}, aherr.New(aherr.Io, "snapshotdaemon.dial", c.SocketPath, err)
	}
	defer conn.Close()

	payload, err := envelope.EncodeTagged(tag, req)
	if err != nil {
		return envelope.Tagged{}, err
	}
	if err := envelope.WriteFrame(conn, payload); err != nil {
		return envelope.Tagged{}, err
	}
	frame, err := envelope.ReadFrame(conn)
	if err != nil {
		return envelope.Tagged{}, err
	}
	resp, err := envelope.DecodeTagged(frame)
	if err != nil {
		return envelope.Tagged{}, err
	}
	if resp.Tag == TagError {
		var eb ErrorBody
		if decErr := envelope.DecodeBody(resp, &eb); decErr == nil {
			return envelope.Tagged{}, aherr.New(aherr.Io, tag, "", &remoteError{msg: eb.Message})
		}
		return envelope.Tagged{}, aherr.New(aherr.Io, tag, "", nil)
	}
	return resp, nil
}

type remoteError struct{ msg string }

func (e *remoteError) Error() string { return e.msg }

// Ping checks daemon liveness.
func (c *Client) Ping() error {
	_, err := c.Call(TagPing, &PingRequest{})
	return err
}

func (c *Client) SnapshotZfs(source, snapshotName string) error {
	_, err := c.Call(TagSnapshotZfs, &SnapshotZfsRequest{Source: source, Snapshot: snapshotName})
	return err
}

func (c *Client) CloneZfs(snapshotName, clone string) (string, error) {
	resp, err := c.Call(TagCloneZfs, &CloneZfsRequest{Snapshot: snapshotName, Clone: clone})
	if err != nil {
		return "", err
	}
	var body SuccessWithMountpointBody
	if err := envelope.DecodeBody(resp, &body); err != nil {
		return "", err
	}
	return body.Path, nil
}

func (c *Client) DeleteZfs(target string) error {
	_, err := c.Call(TagDeleteZfs, &DeleteZfsRequest{Target: target})
	return err
}

func (c *Client) SnapshotBtrfs(source, dest string) (string, error) {
	resp, err := c.Call(TagSnapshotBtrfs, &SnapshotBtrfsRequest{Source: source, Dest: dest})
	if err != nil {
		return "", err
	}
	var body SuccessWithPathBody
	if err := envelope.DecodeBody(resp, &body); err != nil {
		return "", err
	}
	return body.Path, nil
}

func (c *Client) CloneBtrfs(source, dest string) (string, error) {
	resp, err := c.Call(TagCloneBtrfs, &CloneBtrfsRequest{Source: source, Dest: dest})
	if err != nil {
		return "", err
	}
	var body SuccessWithPathBody
	if err := envelope.DecodeBody(resp, &body); err != nil {
		return "", err
	}
	return body.Path, nil
}

func (c *Client) DeleteBtrfs(target string) error {
	_, err := c.Call(TagDeleteBtrfs, &DeleteBtrfsRequest{Target: target})
	return err
}
