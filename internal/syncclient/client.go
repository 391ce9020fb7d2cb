package syncclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"chatguard/internal/models"

	"go.uber.org/zap"
)

const (
	DefaultInterval = 2 * time.Second
	DefaultLimit    = 50
)

// ErrAlreadyConnected is returned by Connect on a connected client.
var ErrAlreadyConnected = errors.New("sync client already connected")

// Source is where a client reads channel windows from and sends messages to.
type Source interface {
	// Fetch returns the newest limit messages of channel, oldest first.
	Fetch(ctx context.Context, channel string, limit int) ([]*models.Message, error)
	Send(ctx context.Context, author, content, channel string) (*models.Message, error)
}

// Callback receives the full window whenever it holds a message the client
// has not delivered yet.
type Callback func(messages []*models.Message)

type Option func(*Client)

func WithInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.interval = d
		}
	}
}

func WithLimit(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.limit = n
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithWakeups triggers an immediate fetch on every signal. The interval
// poll keeps running.
func WithWakeups(ch <-chan struct{}) Option {
	return func(c *Client) {
		c.wakeups = ch
	}
}

// Client polls one channel and delivers each new window once.
type Client struct {
	source   Source
	channel  string
	interval time.Duration
	limit    int
	wakeups  <-chan struct{}
	logger   *zap.Logger

	mu         sync.Mutex
	lastSeenID int64
	callback   Callback
	running    bool
	generation uint64
	stop       chan struct{}
	// goroutine currently inside the callback, 0 when none
	delivering uint64

	// held from the connected check until the callback returns
	deliverMu sync.Mutex
}

func New(source Source, channel string, opts ...Option) *Client {
	if channel == "" {
		channel = models.DefaultChannel
	}
	c := &Client{
		source:   source,
		channel:  channel,
		interval: DefaultInterval,
		limit:    DefaultLimit,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Channel() string {
	return c.channel
}

// Connect starts delivering windows to callback. The first fetch runs before
// Connect returns; later ones run on a single polling goroutine until
// Disconnect is called or ctx ends.
func (c *Client) Connect(ctx context.Context, callback Callback) error {
	if callback == nil {
		return errors.New("sync client: nil callback")
	}
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.running = true
	c.generation++
	gen := c.generation
	c.lastSeenID = 0
	c.callback = callback
	stop := make(chan struct{})
	c.stop = stop
	c.mu.Unlock()

	c.logger.Debug("sync client connected", zap.String("channel", c.channel))
	c.poll(ctx, gen)
	go c.loop(ctx, gen, stop)
	return nil
}

// Disconnect stops polling. It never waits for an in-progress fetch; a fetch
// finishing afterwards is discarded. A callback already running on another
// goroutine is waited for, so none runs once Disconnect returns. Called from
// inside the callback it returns immediately.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.disconnectLocked()
	nested := c.delivering != 0 && c.delivering == goroutineID()
	c.mu.Unlock()
	if nested {
		return
	}
	c.deliverMu.Lock()
	c.deliverMu.Unlock()
}

func (c *Client) disconnectLocked() {
	if !c.running {
		return
	}
	c.running = false
	c.callback = nil
	close(c.stop)
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// LastSeenID returns the highest message id delivered since Connect.
func (c *Client) LastSeenID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeenID
}

// SendMessage posts to the client's channel.
func (c *Client) SendMessage(ctx context.Context, author, content string) (*models.Message, error) {
	return c.source.Send(ctx, author, content, c.channel)
}

func (c *Client) loop(ctx context.Context, gen uint64, stop <-chan struct{}) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	wakeups := c.wakeups
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			c.mu.Lock()
			if c.generation == gen {
				c.disconnectLocked()
			}
			c.mu.Unlock()
			return
		case <-ticker.C:
			c.poll(ctx, gen)
		case _, ok := <-wakeups:
			if !ok {
				wakeups = nil
				continue
			}
			c.poll(ctx, gen)
		}
	}
}

func (c *Client) poll(ctx context.Context, gen uint64) {
	messages, err := c.source.Fetch(ctx, c.channel, c.limit)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("sync fetch failed", zap.String("channel", c.channel), zap.Error(err))
		}
		return
	}

	me := goroutineID()
	c.mu.Lock()
	nested := me != 0 && c.delivering == me
	c.mu.Unlock()
	if !nested {
		c.deliverMu.Lock()
		defer c.deliverMu.Unlock()
	}

	c.mu.Lock()
	if !c.running || c.generation != gen {
		c.mu.Unlock()
		return
	}
	maxID := models.MaxID(messages)
	if maxID <= c.lastSeenID {
		c.mu.Unlock()
		return
	}
	c.lastSeenID = maxID
	callback := c.callback
	prev := c.delivering
	c.delivering = me
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.delivering = prev
		c.mu.Unlock()
	}()
	callback(messages)
}
