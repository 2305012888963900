package umbilical

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"
)

// Lifecycle is the mediated child-side half of this package: a cell process
// spawned by the supervisor uses it to announce its mitotic progress on
// stdout and to request sibling spawns back through the same umbilical
// socket, since cells never hold spawn capability directly (spec §4).
type Lifecycle struct {
	socketPath string
}

// NewLifecycle reads the umbilical socket path the supervisor handed this
// child via $CELL_UMBILICAL_SOCKET.
func NewLifecycle() (*Lifecycle, bool) {
	path := os.Getenv("CELL_UMBILICAL_SOCKET")
	if path == "" {
		return nil, false
	}
	return &Lifecycle{socketPath: path}, true
}

func (l *Lifecycle) emit(token string, arg string) {
	if arg != "" {
		fmt.Fprintln(os.Stdout, token+" "+arg)
	} else {
		fmt.Fprintln(os.Stdout, token)
	}
}

func (l *Lifecycle) Prophase()                  { l.emit(TokenProphase, "") }
func (l *Lifecycle) Prometaphase(socketPath string) { l.emit(TokenPrometaphase, socketPath) }
func (l *Lifecycle) Metaphase()                 { l.emit(TokenMetaphase, "") }
func (l *Lifecycle) Cytokinesis()               { l.emit(TokenCytokinesis, "") }
func (l *Lifecycle) Apoptosis(reason string)    { l.emit(TokenApoptosis, reason) }

// Client returns a Client bound to the umbilical socket this child was
// handed, through which it requests sibling spawns.
func (l *Lifecycle) Client() *Client { return NewClient(l.socketPath) }

// Client issues Spawn/Shutdown/List requests against a running supervisor.
// Both a spawned child (via Lifecycle.Client) and an unrelated operator tool
// can use it.
type Client struct {
	socketPath string
}

func NewClient(socketPath string) *Client { return &Client{socketPath: socketPath} }

func (c *Client) call(ctx context.Context, kind RequestKind, body any) (Response, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return Response{}, fmt.Errorf("umbilical: dial %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(30 * time.Second))
	}

	if err := writeFrame(conn, EncodeRequest(kind, body)); err != nil {
		return Response{}, fmt.Errorf("umbilical: write request: %w", err)
	}

	payload, err := readFrame(conn, maxFrameLen)
	if err != nil {
		return Response{}, fmt.Errorf("umbilical: read response: %w", err)
	}
	resp, err := DecodeResponse(payload)
	if err != nil {
		return Response{}, fmt.Errorf("umbilical: decode response: %w", err)
	}
	if !resp.OK() {
		msg := resp.Error
		if resp.Kind == ResponseDenied {
			msg = "cell is not in the allow-list"
		}
		return resp, fmt.Errorf("umbilical: %s", msg)
	}
	return resp, nil
}

// Spawn requests a sibling cell by its allow-listed name.
func (c *Client) Spawn(ctx context.Context, name string, args []string) (Response, error) {
	return c.call(ctx, RequestSpawn, SpawnRequest{Name: name, Args: args})
}

// Shutdown requests termination of a running sibling by name.
func (c *Client) Shutdown(ctx context.Context, name string) (Response, error) {
	return c.call(ctx, RequestKill, ShutdownRequest{Name: name})
}

// List returns the supervisor's currently tracked children.
func (c *Client) List(ctx context.Context) (Response, error) {
	return c.call(ctx, RequestList, ListRequest{})
}
