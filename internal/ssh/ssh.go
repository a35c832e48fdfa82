package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	xssh "golang.org/x/crypto/ssh"
)

type Dialer interface {
	Dial(network, addr string) (net.Conn, error)
}

type NetDialer struct{ Timeout time.Duration }

func (d NetDialer) Dial(network, addr string) (net.Conn, error) {
	nd := &net.Dialer{Timeout: d.Timeout}
	return nd.Dial(network, addr)
}

// Client describes how to reach one build machine.
type Client struct {
	Addr       string
	User       string
	Signer     xssh.Signer
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
	Retries    int
	Backoff    time.Duration
	Dialer     Dialer
}

func (c *Client) makeConfig() (*xssh.ClientConfig, error) {
	if c.Signer == nil {
		return nil, errors.New("ssh: signer required")
	}
	if c.KnownHosts == nil {
		return nil, errors.New("ssh: host key callback required")
	}
	return &xssh.ClientConfig{
		User:            c.User,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(c.Signer)},
		HostKeyCallback: c.KnownHosts,
		Timeout:         c.Timeout,
	}, nil
}

func (c *Client) connect(cfg *xssh.ClientConfig) (*xssh.Client, error) {
	if c.Dialer == nil {
		return xssh.Dial("tcp", c.Addr, cfg)
	}
	conn, err := c.Dialer.Dial("tcp", c.Addr)
	if err != nil {
		return nil, err
	}
	sc, chans, reqs, err := xssh.NewClientConn(conn, c.Addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return xssh.NewClient(sc, chans, reqs), nil
}

// Dial connects with retries and linear backoff. The caller closes the
// returned client.
func (c *Client) Dial(ctx context.Context) (*xssh.Client, error) {
	cfg, err := c.makeConfig()
	if err != nil {
		return nil, err
	}
	retries := c.Retries
	if retries < 0 {
		retries = 0
	}
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		type res struct {
			cli *xssh.Client
			err error
		}
		ch := make(chan res, 1)
		go func() {
			cli, err := c.connect(cfg)
			ch <- res{cli: cli, err: err}
		}()
		select {
		case <-ctx.Done():
			go func() {
				if r := <-ch; r.cli != nil {
					r.cli.Close()
				}
			}()
			return nil, ctx.Err()
		case r := <-ch:
			if r.err == nil {
				return r.cli, nil
			}
			lastErr = r.err
		}
		if attempt < retries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff * time.Duration(attempt+1)):
			}
		}
	}
	return nil, fmt.Errorf("dial %s: %w", c.Addr, lastErr)
}

// RunCommand executes command on the remote machine, streaming its stdout
// and stderr to out. Only connecting is retried; a command that ran and
// failed is reported as is.
func (c *Client) RunCommand(ctx context.Context, command string, out io.Writer) error {
	cli, err := c.Dial(ctx)
	if err != nil {
		return err
	}
	defer cli.Close()

	session, err := cli.NewSession()
	if err != nil {
		return fmt.Errorf("new session: %w", err)
	}
	defer session.Close()
	session.Stdout = out
	session.Stderr = out

	if err := session.Run(command); err != nil {
		return fmt.Errorf("run command: %w", err)
	}
	return nil
}
