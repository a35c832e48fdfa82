package ssh

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Options selects the credentials used to reach a machine.
type Options struct {
	User           string        `yaml:"user"`
	Port           int           `yaml:"port"`
	KeyFile        string        `yaml:"key"`
	KnownHostsFile string        `yaml:"known_hosts"`
	Retries        int           `yaml:"retries"`
	Timeout        time.Duration `yaml:"timeout"`
}

// DefaultKnownHostsFile is ~/.ssh/known_hosts.
func DefaultKnownHostsFile() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".ssh", "known_hosts")
}

// NewClient builds a Client for host from opts, loading the private key and
// the known_hosts file.
func NewClient(host string, opts Options) (*Client, error) {
	port := opts.Port
	if port == 0 {
		port = 22
	}
	user := opts.User
	if user == "" {
		user = os.Getenv("USER")
	}
	keyFile := opts.KeyFile
	if keyFile == "" {
		home, _ := os.UserHomeDir()
		keyFile = filepath.Join(home, ".ssh", "id_ed25519")
	}
	khFile := opts.KnownHostsFile
	if khFile == "" {
		khFile = DefaultKnownHostsFile()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	signer, err := LoadPrivateKeySigner(keyFile)
	if err != nil {
		return nil, err
	}
	cb, err := LoadKnownHostsCallback(khFile)
	if err != nil {
		return nil, err
	}
	return &Client{
		Addr:       net.JoinHostPort(host, strconv.Itoa(port)),
		User:       user,
		Signer:     signer,
		KnownHosts: cb,
		Timeout:    timeout,
		Retries:    opts.Retries,
		Dialer:     NetDialer{Timeout: timeout},
	}, nil
}
