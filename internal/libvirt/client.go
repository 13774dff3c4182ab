package libvirt

import (
	"context"
	"fmt"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"

	"github.com/jbweber/crucible/internal/config"
)

// DefaultSocket is the libvirtd socket of qemu:///system.
const DefaultSocket = "/var/run/libvirt/libvirt-sock"

// Client owns a go-libvirt connection.
type Client struct {
	libvirt *libvirt.Libvirt
}

// Connect establishes a connection to the local libvirt daemon. The Client
// must be closed via Close() when done.
//
// An empty socketPath means DefaultSocket and a zero timeout means 5 seconds.
func Connect(socketPath string, timeout time.Duration) (*Client, error) {
	if socketPath == "" {
		socketPath = DefaultSocket
	}
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	dialer := dialers.NewLocal(
		dialers.WithSocket(socketPath),
		dialers.WithLocalTimeout(timeout),
	)

	l := libvirt.NewWithDialer(dialer)
	if err := l.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to libvirt at %s: %w", socketPath, err)
	}

	return &Client{libvirt: l}, nil
}

// ConnectWithContext is Connect with cancellation. A connection that
// completes after ctx is done is closed again.
func ConnectWithContext(ctx context.Context, socketPath string, timeout time.Duration) (*Client, error) {
	type result struct {
		client *Client
		err    error
	}
	resultCh := make(chan result, 1)

	go func() {
		c, err := Connect(socketPath, timeout)
		resultCh <- result{client: c, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if res := <-resultCh; res.client != nil {
				_ = res.client.Close()
			}
		}()
		return nil, fmt.Errorf("connection cancelled: %w", ctx.Err())
	case res := <-resultCh:
		return res.client, res.err
	}
}

// Dial connects using the socket and timeout of opts.
func Dial(ctx context.Context, opts *config.Options) (*Client, error) {
	return ConnectWithContext(ctx, opts.LibvirtSocket, opts.LibvirtTimeout)
}

// DialRemote connects to the libvirt daemon of host over TCP. The daemon
// must listen on the libvirt TCP port, as it does for peer-to-peer
// migration.
func DialRemote(ctx context.Context, host string, timeout time.Duration) (*Client, error) {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dialer := dialers.NewRemote(host,
		dialers.UsePort("16509"),
		dialers.WithRemoteTimeout(timeout),
	)
	l := libvirt.NewWithDialer(dialer)
	if err := l.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to libvirt on %s: %w", host, err)
	}
	return &Client{libvirt: l}, nil
}

// Close closes the libvirt connection. It is safe to call Close multiple
// times.
func (c *Client) Close() error {
	if c.libvirt == nil {
		return nil
	}

	l := c.libvirt
	c.libvirt = nil
	if err := l.Disconnect(); err != nil {
		return fmt.Errorf("failed to disconnect from libvirt: %w", err)
	}

	return nil
}

// Libvirt returns the underlying go-libvirt client. It satisfies the
// consumer-side client interfaces of the storage, metadata, firewall, agent
// and volume packages.
func (c *Client) Libvirt() *libvirt.Libvirt {
	return c.libvirt
}

// Ping verifies the connection is still alive.
func (c *Client) Ping() error {
	if c.libvirt == nil {
		return fmt.Errorf("client not connected")
	}

	if _, err := c.libvirt.ConnectGetLibVersion(); err != nil {
		return fmt.Errorf("libvirt connection is dead: %w", err)
	}

	return nil
}

// Hostname returns the host name libvirtd reports.
func (c *Client) Hostname() (string, error) {
	if c.libvirt == nil {
		return "", fmt.Errorf("client not connected")
	}
	name, err := c.libvirt.ConnectGetHostname()
	if err != nil {
		return "", fmt.Errorf("failed to get libvirt hostname: %w", err)
	}
	return name, nil
}
