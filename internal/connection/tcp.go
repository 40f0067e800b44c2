package connection

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// TCPConnection dials on first write, so building one never fails.
type TCPConnection struct {
	address      string
	port         int
	dialTimeout  time.Duration
	writeTimeout time.Duration

	mu   sync.Mutex
	conn net.Conn
}

func NewTCPConnection(address string, port int, dialTimeout, writeTimeout time.Duration) *TCPConnection {
	return &TCPConnection{
		address:      address,
		port:         port,
		dialTimeout:  dialTimeout,
		writeTimeout: writeTimeout,
	}
}

func (c *TCPConnection) Addr() string {
	return net.JoinHostPort(c.address, strconv.Itoa(c.port))
}

func (c *TCPConnection) connect() error {
	if c.conn != nil {
		return nil
	}

	conn, err := net.DialTimeout("tcp", c.Addr(), c.dialTimeout)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.Addr(), err)
	}
	c.conn = conn
	return nil
}

func (c *TCPConnection) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connect(); err != nil {
		return 0, err
	}

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}

	n, err := c.conn.Write(p)
	if err != nil {
		_ = c.conn.Close()
		c.conn = nil
		return n, fmt.Errorf("failed to send data to %s: %w", c.Addr(), err)
	}
	return n, nil
}

// ReadResponse reads what the printer sent back on the open socket.
func (c *TCPConnection) ReadResponse(p []byte, timeout time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return 0, ErrNotConnected
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}

	n, err := c.conn.Read(p)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return n, nil
	}
	if err != nil {
		return n, fmt.Errorf("failed to read from %s: %w", c.Addr(), err)
	}
	return n, nil
}

func (c *TCPConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
