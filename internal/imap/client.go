package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-imap/client"
)

var (
	// ErrAuthFailed means the server rejected the credentials. Retrying will not help.
	ErrAuthFailed = errors.New("imap authentication failed")
	// ErrUIDValidityChanged means a stored UID no longer identifies the same message.
	ErrUIDValidityChanged = errors.New("folder uidvalidity changed")
	// ErrPartNotFound means the server returned no data for a requested body section.
	ErrPartNotFound = errors.New("message part not found")
)

// dial opens a connection and reads the server greeting within timeout.
// useTLS: true for production (TLS), false for tests (non-TLS).
// The raw connection is returned so the caller can clear the greeting deadline.
func dial(ctx context.Context, addr string, useTLS bool, timeout time.Duration) (*client.Client, net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	if useTLS {
		host, _, splitErr := net.SplitHostPort(addr)
		if splitErr != nil {
			host = addr
		}
		tlsConn := tls.Client(conn, &tls.Config{ServerName: host})
		handshakeCtx, cancel := context.WithTimeout(ctx, timeout)
		err := tlsConn.HandshakeContext(handshakeCtx)
		cancel()
		if err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("failed tls handshake with %s: %w", addr, err)
		}
		conn = tlsConn
	}

	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}

	c, err := client.New(conn)
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("failed to read greeting from %s: %w", addr, err)
	}

	return c, conn, nil
}

// login authenticates and classifies a rejection as ErrAuthFailed.
// A failure caused by the connection itself stays a plain error.
func login(c *client.Client, username, password string) error {
	err := c.Login(username, password)
	if err == nil {
		return nil
	}

	if IsConnectionFailure(err) {
		return fmt.Errorf("connection lost during login: %w", err)
	}
	return fmt.Errorf("%w: %v", ErrAuthFailed, err)
}

// IsConnectionFailure reports whether err came from the transport rather than the server.
func IsConnectionFailure(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return strings.Contains(err.Error(), "connection closed")
}
