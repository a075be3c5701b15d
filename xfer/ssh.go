package xfer

import (
	"context"
	"fmt"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHDialer tunnels client connections through an SSH server: the SSH
// server opens the TCP connection to the transfer server on the client's
// behalf (a direct-tcpip channel), so the transfer server only needs to be
// reachable from the SSH host.
//
// The tunnel adds transport encryption and host authentication; the
// transfer protocol on top of it is unchanged.
type SSHDialer struct {
	client *ssh.Client
}

// SSHConfig describes how to reach and authenticate to the SSH server.
type SSHConfig struct {
	// Address is the SSH server as host:port.
	Address string

	// User is the login name.
	User string

	// KeyFile is a PEM private key. Optional if Password is set.
	KeyFile string

	// Password is used when set. Prefer KeyFile.
	Password string

	// KnownHosts is an OpenSSH known_hosts file used to verify the server
	// host key. Required unless InsecureIgnoreHostKey is set.
	KnownHosts string

	// InsecureIgnoreHostKey disables host key verification. Only for tests
	// and throwaway environments.
	InsecureIgnoreHostKey bool
}

// ClientConfig builds the ssh.ClientConfig for c.
func (c SSHConfig) ClientConfig() (*ssh.ClientConfig, error) {
	if c.User == "" {
		return nil, fmt.Errorf("ssh user is empty")
	}

	var auth []ssh.AuthMethod
	if c.KeyFile != "" {
		pemBytes, err := os.ReadFile(c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pemBytes)
		if err != nil {
			return nil, fmt.Errorf("parsing ssh key %s: %w", c.KeyFile, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		auth = append(auth, ssh.Password(c.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("ssh needs a key file or a password")
	}

	var hostKeyCallback ssh.HostKeyCallback
	switch {
	case c.InsecureIgnoreHostKey:
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	case c.KnownHosts != "":
		callback, err := knownhosts.New(c.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("loading known hosts: %w", err)
		}
		hostKeyCallback = callback
	default:
		return nil, fmt.Errorf("ssh needs a known_hosts file to verify the server")
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
	}, nil
}

// NewSSHDialer connects to the SSH server described by config.
func NewSSHDialer(ctx context.Context, config SSHConfig) (*SSHDialer, error) {
	clientConfig, err := config.ClientConfig()
	if err != nil {
		return nil, err
	}

	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", config.Address)
	if err != nil {
		return nil, WrapError(ErrTransport, "connecting to ssh server "+config.Address, err)
	}
	sshConn, channels, requests, err := ssh.NewClientConn(conn, config.Address, clientConfig)
	if err != nil {
		conn.Close()
		return nil, WrapError(ErrTransport, "ssh handshake with "+config.Address, err)
	}
	return &SSHDialer{client: ssh.NewClient(sshConn, channels, requests)}, nil
}

// NewSSHDialerFromClient tunnels through an already connected client.
func NewSSHDialerFromClient(client *ssh.Client) *SSHDialer {
	return &SSHDialer{client: client}
}

// DialContext opens a tunneled connection to address.
func (d *SSHDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	return d.client.DialContext(ctx, "tcp", address)
}

// Close closes the SSH connection and every tunnel opened through it.
func (d *SSHDialer) Close() error {
	return d.client.Close()
}
