// The MIT License (MIT)
//
// Copyright (c) 2013-2017 Oryx(ossrs)
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies of
// the Software, and to permit persons to whom the Software is furnished to do so,
// subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS
// FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR
// COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
// IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
// CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.

package ncp

import (
	"context"
	"fmt"
	"net"

	"github.com/ncplib/go-ncp/logger"
	"github.com/ncplib/go-ncp/packet"
	"github.com/ncplib/go-ncp/value"
)

// Client is an NCP client connection: a Connection dialed to a node,
// with the authentication handshake already performed.
type Client struct {
	*Connection
}

// Connect dials host:port and, unless WithAutoAuth(false) is given,
// performs the LINK handshake:
// HELO -> CCRE{CIW} -> SCAR -> CARE{CAR} -> SCON.
// Any handshake failure closes the connection and returns the error.
func Connect(ctx context.Context, host string, port int, opts ...Option) (*Client, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	// A client's info tag is its identity.
	o.info = o.clientID

	d := net.Dialer{Timeout: o.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, err
	}

	c := newConnection(conn, o)
	logger.T(c, fmt.Sprintf("connected to %s:%d", host, port))
	client := &Client{Connection: c}

	if o.autoAuth {
		if err := client.handshake(ctx, o.clientID); err != nil {
			_ = c.Close()
			return nil, err
		}
	}

	return client, nil
}

func (c *Client) handshake(ctx context.Context, clientID [4]byte) error {
	if _, err := c.RecvField(ctx, "LINK", "HELO", nil); err != nil {
		return &HandshakeError{Step: "HELO", Err: err}
	}

	// Each step registers its waiter before the request goes out: over
	// loopback the server's reply can land before a post-write register.
	id, ch := c.register()
	ccre := packet.NewParams()
	ccre.Set("CIW", value.Raw(append([]byte(nil), clientID[:]...)))
	if _, err := c.Send("LINK", FieldInput{Name: "CCRE", Params: ccre}); err != nil {
		c.unregister(id)
		return &HandshakeError{Step: "CCRE", Err: err}
	}

	if _, err := c.recvRegistered(ctx, id, ch, "LINK", "SCAR", nil); err != nil {
		return &HandshakeError{Step: "SCAR", Err: err}
	}

	id, ch = c.register()
	care := packet.NewParams()
	care.Set("CAR", value.Raw(append([]byte(nil), clientID[:]...)))
	if _, err := c.Send("LINK", FieldInput{Name: "CARE", Params: care}); err != nil {
		c.unregister(id)
		return &HandshakeError{Step: "CARE", Err: err}
	}

	if _, err := c.recvRegistered(ctx, id, ch, "LINK", "SCON", nil); err != nil {
		return &HandshakeError{Step: "SCON", Err: err}
	}

	logger.T(c, "handshake complete")
	return nil
}
