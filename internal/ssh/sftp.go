package ssh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

// Pusher uploads files to one machine over a single SFTP session, which is
// safe for concurrent use.
type Pusher struct {
	client *Client
	// Verify compares the SHA-256 of every upload with the remote
	// sha256sum output and removes the remote file on mismatch.
	Verify bool

	mu  sync.Mutex
	cli *xssh.Client
	sf  *sftp.Client
}

// NewPusher returns a Pusher that connects on first use.
func NewPusher(c *Client) *Pusher {
	return &Pusher{client: c, Verify: true}
}

func (p *Pusher) session(ctx context.Context) (*sftp.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sf != nil {
		return p.sf, nil
	}
	cli, err := p.client.Dial(ctx)
	if err != nil {
		return nil, err
	}
	sf, err := sftp.NewClient(cli)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("sftp client: %w", err)
	}
	p.cli, p.sf = cli, sf
	return sf, nil
}

// PushFile uploads localPath to remotePath, creating remote directories as
// needed.
func (p *Pusher) PushFile(ctx context.Context, localPath, remotePath string) error {
	sf, err := p.session(ctx)
	if err != nil {
		return err
	}
	if err := sf.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("mkdir remote: %w", err)
	}
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local: %w", err)
	}
	defer src.Close()
	dst, err := sf.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote: %w", err)
	}
	h := sha256.New()
	if _, err := io.Copy(dst, io.TeeReader(src, h)); err != nil {
		dst.Close()
		return fmt.Errorf("copy: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close remote: %w", err)
	}
	if !p.Verify {
		return nil
	}
	if err := p.verify(remotePath, hex.EncodeToString(h.Sum(nil))); err != nil {
		_ = sf.Remove(remotePath)
		return err
	}
	return nil
}

func (p *Pusher) verify(remotePath, want string) error {
	p.mu.Lock()
	cli := p.cli
	p.mu.Unlock()
	if cli == nil {
		return fmt.Errorf("verify %s: not connected", remotePath)
	}
	session, err := cli.NewSession()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer session.Close()
	out, err := session.Output("sha256sum " + shellQuote(remotePath))
	if err != nil {
		return fmt.Errorf("remote checksum of %s: %w", remotePath, err)
	}
	got, err := parseChecksum(out)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("checksum mismatch for %s: expected %s, got %s", remotePath, want, got)
	}
	return nil
}

// parseChecksum extracts the digest from sha256sum output.
func parseChecksum(out []byte) (string, error) {
	f := strings.Fields(string(out))
	if len(f) == 0 || len(f[0]) != sha256.Size*2 {
		return "", fmt.Errorf("unexpected sha256sum output %q", out)
	}
	return strings.ToLower(f[0]), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Close ends the SFTP session and the connection under it.
func (p *Pusher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sf == nil {
		return nil
	}
	err := p.sf.Close()
	if cerr := p.cli.Close(); err == nil {
		err = cerr
	}
	p.sf, p.cli = nil, nil
	return err
}
