// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package util

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/term"
)

// Console represents an SSH console instance.
type Console struct {
	// Banner is the login welcome banner
	Banner string
	// Help is the `help` command output
	Help string
	// Handler is the terminal command handler
	Handler func(*term.Terminal, string) error
	// Attach, if set, is called with each new session terminal and with
	// nil once it closes.
	Attach func(*term.Terminal)
	// AuthorizedKeys restricts logins, any client is accepted when empty.
	AuthorizedKeys []ssh.PublicKey
	// Log receives connection events.
	Log logrus.FieldLogger
}

func (c *Console) log() logrus.FieldLogger {
	if c.Log == nil {
		return logrus.StandardLogger()
	}

	return c.Log
}

func (c *Console) session(t *term.Terminal, conn io.Closer) {
	defer conn.Close()

	if c.Attach != nil {
		c.Attach(t)
		defer c.Attach(nil)
	}

	fmt.Fprintf(t, "%s\n", c.Banner)
	fmt.Fprintf(t, "%s\n", string(t.Escape.Cyan)+c.Help+string(t.Escape.Reset))

	for {
		cmd, err := t.ReadLine()

		if err == io.EOF {
			break
		}

		if err != nil {
			c.log().Printf("readline error: %v", err)
			continue
		}

		err = c.Handler(t, cmd)

		if err == io.EOF {
			break
		}

		if err != nil {
			fmt.Fprintf(t, "error: %v\n", err)
		}
	}

	c.log().Printf("console session closed")
}

func newTerminal(rw io.ReadWriter) *term.Terminal {
	t := term.NewTerminal(rw, "")
	t.SetPrompt(string(t.Escape.Red) + "> " + string(t.Escape.Reset))

	return t
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Run serves a single console session on rw, such as a serial port, until
// the session is closed.
func (c *Console) Run(rw io.ReadWriter) {
	c.session(newTerminal(rw), nopCloser{})
}

func (c *Console) handleChannel(newChannel ssh.NewChannel) {
	if t := newChannel.ChannelType(); t != "session" {
		_ = newChannel.Reject(ssh.UnknownChannelType, fmt.Sprintf("unknown channel type: %s", t))
		return
	}

	conn, requests, err := newChannel.Accept()

	if err != nil {
		c.log().Printf("error accepting channel, %v", err)
		return
	}

	t := newTerminal(conn)

	go c.session(t, conn)

	go func() {
		for req := range requests {
			reqSize := len(req.Payload)

			switch req.Type {
			case "shell":
				// do not accept payload commands
				if len(req.Payload) == 0 {
					_ = req.Reply(true, nil)
				}
			case "pty-req":
				// p10, 6.2.  Requesting a Pseudo-Terminal, RFC4254
				if reqSize < 4 {
					c.log().Printf("malformed pty-req request")
					continue
				}

				termVariableSize := int(req.Payload[3])

				if reqSize < 4+termVariableSize+8 {
					c.log().Printf("malformed pty-req request")
					continue
				}

				w := binary.BigEndian.Uint32(req.Payload[4+termVariableSize:])
				h := binary.BigEndian.Uint32(req.Payload[4+termVariableSize+4:])

				_ = t.SetSize(int(w), int(h))
				_ = req.Reply(true, nil)
			case "window-change":
				// p10, 6.7.  Window Dimension Change Message, RFC4254
				if reqSize < 8 {
					c.log().Printf("malformed window-change request")
					continue
				}

				w := binary.BigEndian.Uint32(req.Payload)
				h := binary.BigEndian.Uint32(req.Payload[4:])

				_ = t.SetSize(int(w), int(h))
			}
		}
	}()
}

func (c *Console) handleChannels(chans <-chan ssh.NewChannel) {
	for newChannel := range chans {
		go c.handleChannel(newChannel)
	}
}

func (c *Console) authorize(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	for _, k := range c.AuthorizedKeys {
		if bytes.Equal(k.Marshal(), key.Marshal()) {
			return nil, nil
		}
	}

	return nil, fmt.Errorf("unknown public key for %s", meta.User())
}

func (c *Console) config() (srv *ssh.ServerConfig, err error) {
	srv = &ssh.ServerConfig{}

	if len(c.AuthorizedKeys) == 0 {
		srv.NoClientAuth = true
	} else {
		srv.PublicKeyCallback = c.authorize
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)

	if err != nil {
		return nil, fmt.Errorf("private key generation error, %v", err)
	}

	signer, err := ssh.NewSignerFromKey(key)

	if err != nil {
		return nil, fmt.Errorf("key conversion error, %v", err)
	}

	c.log().Printf("starting ssh server (%s)", ssh.FingerprintSHA256(signer.PublicKey()))

	srv.AddHostKey(signer)

	return
}

// Serve runs the SSH console on listener until ctx is done.
func (c *Console) Serve(ctx context.Context, listener net.Listener) (err error) {
	srv, err := c.config()

	if err != nil {
		return
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()

		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return ctx.Err()
			}

			c.log().Printf("error accepting connection, %v", err)
			continue
		}

		sshConn, chans, reqs, err := ssh.NewServerConn(conn, srv)

		if err != nil {
			c.log().Printf("error accepting handshake, %v", err)
			continue
		}

		c.log().Printf("new ssh connection from %s (%s)", sshConn.RemoteAddr(), sshConn.ClientVersion())

		go ssh.DiscardRequests(reqs)
		go c.handleChannels(chans)
	}
}
