package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrHostKeyChanged is returned when a build machine is already trusted with
// a different key of the same type.
var ErrHostKeyChanged = errors.New("machine already trusted with a different host key")

// EnsureKnownHostsFile creates the known_hosts file and its directory.
func EnsureKnownHostsFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("mkdir known_hosts dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create known_hosts: %w", err)
	}
	return f.Close()
}

// AppendKnownHost records authorizedKey as the host key of a build machine
// so that pool workers and cache mirroring can dial it. host may carry a
// port. Trusting the same key again is a no-op.
func AppendKnownHost(path, host, authorizedKey string) error {
	if err := EnsureKnownHostsFile(path); err != nil {
		return err
	}
	pubKey, _, _, _, err := xssh.ParseAuthorizedKey([]byte(strings.TrimSpace(authorizedKey)))
	if err != nil {
		return fmt.Errorf("parse authorized key: %w", err)
	}

	known, err := trusted(path, host, pubKey)
	if err != nil || known {
		return err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open known_hosts: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(knownhosts.Line([]string{knownhosts.Normalize(host)}, pubKey) + "\n"); err != nil {
		return fmt.Errorf("write known_hosts: %w", err)
	}
	return nil
}

// trusted reports whether path already accepts key for host.
func trusted(path, host string, key xssh.PublicKey) (bool, error) {
	check, err := knownhosts.New(path)
	if err != nil {
		return false, fmt.Errorf("read known_hosts: %w", err)
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "22")
	}
	err = check(host, &net.TCPAddr{IP: net.IPv4zero, Port: 22}, key)
	var kerr *knownhosts.KeyError
	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &kerr) && len(kerr.Want) > 0:
		return false, fmt.Errorf("%s: %w", host, ErrHostKeyChanged)
	case errors.As(err, &kerr):
		return false, nil
	}
	return false, err
}

// LoadKnownHostsCallback returns a strict host key callback for dialing
// build machines.
func LoadKnownHostsCallback(path string) (xssh.HostKeyCallback, error) {
	if err := EnsureKnownHostsFile(path); err != nil {
		return nil, err
	}
	return knownhosts.New(path)
}
