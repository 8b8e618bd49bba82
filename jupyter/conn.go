package jupyter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/projecteru2/core/log"
)

// ErrKernelDisposed is returned by Execute once the connection is gone.
var ErrKernelDisposed = errors.New("kernel connection disposed")

// Conn is a live kernel channels connection.
type Conn struct {
	client  *Client
	model   KernelModel
	session string
	ws      *websocket.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	handlers map[string]func(*Message)
	err      error

	closed    chan struct{}
	closeOnce sync.Once
}

func newConn(client *Client, model KernelModel, session string, ws *websocket.Conn) *Conn {
	c := &Conn{
		client:   client,
		model:    model,
		session:  session,
		ws:       ws,
		handlers: make(map[string]func(*Message)),
		closed:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// ID returns the kernel id.
func (c *Conn) ID() string { return c.model.ID }

// Session returns the channels session id.
func (c *Conn) Session() string { return c.session }

// Model fetches the current kernel model from the server. It fails once the
// kernel has been shut down or the server is gone.
func (c *Conn) Model(ctx context.Context) (*KernelModel, error) {
	return c.client.FindKernel(ctx, c.model.ID)
}

// Execute runs code and passes every message whose parent is the request to
// handler, in arrival order, until the kernel reports idle for it.
func (c *Conn) Execute(ctx context.Context, code string, handler func(*Message)) error {
	msg, err := newMessage(c.session, ChannelShell, MsgExecuteRequest, executeRequest{
		Code:            code,
		UserExpressions: map[string]any{},
		StopOnError:     true,
	})
	if err != nil {
		return err
	}

	idle := make(chan struct{})
	var idleOnce sync.Once
	if !c.register(msg.Header.MsgID, func(m *Message) {
		if handler != nil {
			handler(m)
		}
		if m.Channel == ChannelIOPub && m.Type() == MsgStatus {
			var st StatusContent
			if m.Decode(&st) == nil && st.ExecutionState == ExecutionIdle {
				idleOnce.Do(func() { close(idle) })
			}
		}
	}) {
		return c.disposedErr()
	}
	defer c.unregister(msg.Header.MsgID)

	if err := c.send(msg); err != nil {
		return fmt.Errorf("execute on %s: %w", c.model.ID, err)
	}

	select {
	case <-idle:
		return nil
	case <-c.closed:
		// the reply may have landed just before the socket went away
		select {
		case <-idle:
			return nil
		default:
		}
		return c.disposedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispose closes the websocket. Pending Execute calls return
// ErrKernelDisposed. The kernel itself keeps running.
func (c *Conn) Dispose() {
	c.closeWith(ErrKernelDisposed)
}

// Done is closed once the connection is gone.
func (c *Conn) Done() <-chan struct{} { return c.closed }

func (c *Conn) send(msg *Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return c.disposedErr()
	default:
	}
	return c.ws.WriteJSON(msg)
}

func (c *Conn) register(id string, fn func(*Message)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return false
	default:
	}
	c.handlers[id] = fn
	return true
}

func (c *Conn) unregister(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, id)
}

func (c *Conn) readLoop() {
	logger := log.WithFunc("jupyter.readLoop")
	ctx := context.Background()
	for {
		var msg Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			select {
			case <-c.closed:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Warnf(ctx, "kernel %s: read: %v", c.model.ID, err)
				}
			}
			c.closeWith(fmt.Errorf("%w: %w", ErrKernelDisposed, err))
			return
		}
		c.mu.Lock()
		fn := c.handlers[msg.ParentHeader.MsgID]
		c.mu.Unlock()
		if fn != nil {
			fn(&msg)
		}
	}
}

func (c *Conn) closeWith(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.closed)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = c.ws.Close()
	})
}

func (c *Conn) disposedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return ErrKernelDisposed
}
