// Package matrixtest lets test code running inside a matrix node announce
// its tests, so the database is reset before every new test class.
//
// Outside a matrix run every function is a no-op.
package matrixtest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/magiconair/properties"
)

const defaultTimeout = 5 * time.Minute

// Client talks to the hook socket of one node. It keeps a single connection
// open and is safe for concurrent use.
type Client struct {
	socketPath string
	timeout    time.Duration

	mu   sync.Mutex
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder
}

func NewClient(socketPath string) *Client {
	return &Client{socketPath: strings.TrimSpace(socketPath), timeout: defaultTimeout}
}

// FromEnv returns a client for the socket named in the environment, or false
// when the process is not running inside a matrix node.
func FromEnv() (*Client, bool) {
	path := strings.TrimSpace(os.Getenv(EnvSocket))
	if path == "" {
		return nil, false
	}
	return NewClient(path), true
}

func (c *Client) send(req Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		conn, err := net.DialTimeout("unix", c.socketPath, 10*time.Second)
		if err != nil {
			return fmt.Errorf("connect to hook socket: %w", err)
		}
		c.conn = conn
		c.enc = json.NewEncoder(conn)
		c.dec = json.NewDecoder(conn)
	}

	if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return c.fail(fmt.Errorf("set deadline: %w", err))
	}
	if err := c.enc.Encode(req); err != nil {
		return c.fail(fmt.Errorf("encode request: %w", err))
	}
	var resp Response
	if err := c.dec.Decode(&resp); err != nil {
		return c.fail(fmt.Errorf("decode response: %w", err))
	}
	if !resp.OK {
		if resp.Error != "" {
			return errors.New(resp.Error)
		}
		return fmt.Errorf("hook %s failed", req.Command)
	}
	return nil
}

func (c *Client) fail(err error) error {
	_ = c.conn.Close()
	c.conn, c.enc, c.dec = nil, nil, nil
	return err
}

// Announce reports that the given test is about to start and blocks until
// the node's hook returned.
func (c *Client) Announce(class, method string) error {
	if strings.TrimSpace(class) == "" {
		return errors.New("test class is required")
	}
	return c.send(Request{Command: CommandBeforeTest, Class: class, Method: method})
}

func (c *Client) Ping() error {
	return c.send(Request{Command: CommandPing})
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn, c.enc, c.dec = nil, nil, nil
	return err
}

var (
	envOnce   sync.Once
	envClient *Client
)

func shared() *Client {
	envOnce.Do(func() {
		envClient, _ = FromEnv()
	})
	return envClient
}

// Announce reports a test through the client configured by the environment.
func Announce(class, method string) error {
	c := shared()
	if c == nil {
		return nil
	}
	return c.Announce(class, method)
}

// BeforeTest announces t. The top-level test name is the class and the
// subtest path, if any, the method. A failed hook, such as a reset that did
// not succeed, is logged on t and the test proceeds.
func BeforeTest(t testing.TB) {
	t.Helper()
	announceTest(t, shared())
}

func announceTest(t testing.TB, c *Client) {
	t.Helper()
	if c == nil {
		return
	}
	class, method, _ := strings.Cut(t.Name(), "/")
	if err := c.Announce(class, method); err != nil {
		t.Logf("warning: matrix hook for %s: %v", t.Name(), err)
	}
}

// Properties loads the effective properties of the current node.
func Properties() (*properties.Properties, error) {
	path := strings.TrimSpace(os.Getenv(EnvProperties))
	if path == "" {
		return properties.NewProperties(), nil
	}
	l := &properties.Loader{Encoding: properties.UTF8, DisableExpansion: true}
	p, err := l.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load node properties: %w", err)
	}
	return p, nil
}
