// Package bus publishes job events to NATS so other services can follow job
// progress without polling the HTTP API.
package bus

import (
	"time"

	"github.com/nats-io/nats.go"

	"github.com/teranos/slate/errors"
)

// Client is a NATS connection that reconnects forever.
type Client struct{ nc *nats.Conn }

// Connect dials url. name identifies this process in server monitoring.
func Connect(url, name string) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to NATS at %s", url)
	}
	return &Client{nc: nc}, nil
}

// Close drains pending messages and closes the connection.
func (c *Client) Close() {
	if c.nc != nil {
		_ = c.nc.Drain()
	}
}
