package agent

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"

	"github.com/stretchr/testify/mock"

	"github.com/wailbentafat/device-relay/protocol"
)

type mockActuator struct {
	mock.Mock
}

func (m *mockActuator) SetLanguage(lang string) error {
	return m.Called(lang).Error(0)
}

func (m *mockActuator) StartCamera() error {
	return m.Called().Error(0)
}

func (m *mockActuator) StopCamera() error {
	return m.Called().Error(0)
}

func (m *mockActuator) CapturePhoto() (image.Image, error) {
	args := m.Called()
	img, _ := args.Get(0).(image.Image)
	return img, args.Error(1)
}

func (m *mockActuator) Reload() error {
	return m.Called().Error(0)
}

type fakeConn struct {
	id        string
	events    chan protocol.Envelope
	done      chan struct{}
	alive     atomic.Bool
	closeOnce sync.Once

	mu      sync.Mutex
	emitted []protocol.Envelope
}

func newFakeConn(id string) *fakeConn {
	c := &fakeConn{
		id:     id,
		events: make(chan protocol.Envelope, 16),
		done:   make(chan struct{}),
	}
	c.alive.Store(true)
	return c
}

func (c *fakeConn) ID() string { return c.id }
func (c *fakeConn) Transport() string { return protocol.TransportWebSocket }
func (c *fakeConn) Events() <-chan protocol.Envelope { return c.events }
func (c *fakeConn) Done() <-chan struct{} { return c.done }
func (c *fakeConn) Connected() bool { return c.alive.Load() }

func (c *fakeConn) Emit(event string, data any) error {
	if !c.alive.Load() {
		return errors.New("closed")
	}

	env, err := protocol.NewEnvelope(event, data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.emitted = append(c.emitted, env)
	c.mu.Unlock()

	return nil
}

func (c *fakeConn) Close() error {
	c.alive.Store(false)
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// drop simulates a transport failure.
func (c *fakeConn) drop() {
	c.Close()
}

func (c *fakeConn) sent(event string) []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []protocol.Envelope
	for _, env := range c.emitted {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

func (c *fakeConn) push(event string, data any) {
	env, err := protocol.NewEnvelope(event, data)
	if err != nil {
		panic(err)
	}
	c.events <- env
}

// fakeDialer hands out connections in order; a nil entry fails the attempt.
type fakeDialer struct {
	mu       sync.Mutex
	attempts int
	plan     []*fakeConn
	conns    []*fakeConn
	dialed   chan int
}

func newFakeDialer(plan ...*fakeConn) *fakeDialer {
	return &fakeDialer{plan: plan, dialed: make(chan int, 64)}
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	d.attempts++
	n := d.attempts
	var conn *fakeConn
	if len(d.plan) > 0 {
		conn = d.plan[0]
		d.plan = d.plan[1:]
	} else {
		conn = newFakeConn("extra")
	}
	if conn != nil {
		d.conns = append(d.conns, conn)
	}
	d.mu.Unlock()

	d.dialed <- n

	if conn == nil {
		return nil, errors.New("connection refused")
	}
	return conn, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}
