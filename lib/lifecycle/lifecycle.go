// Package lifecycle provides a bounded extension of process execution around
// segment transitions. While at least one token is held the platform is asked
// not to suspend the process; a token that is never released expires after a
// fixed hold time and triggers the expiry callback so the in-flight transition
// can fail into a recoverable state.
package lifecycle

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arcoscribe/server/lib/logger"
)

// Controller toggles the platform's willingness to suspend the process.
type Controller interface {
	// Inhibit asks the platform to keep the process running.
	Inhibit(ctx context.Context) error
	// Allow re-enables suspension after it has previously been inhibited.
	Allow(ctx context.Context) error
}

// fileController drives a control file of the style used by unikernel hosts:
// writing "+" holds the instance awake, "-" releases it. A missing control
// file means the platform never suspends us and every call is a no-op.
type fileController struct {
	path string
}

func NewFileController(path string) Controller {
	return &fileController{path: path}
}

func (c *fileController) Inhibit(ctx context.Context) error {
	return c.write(ctx, "+")
}

func (c *fileController) Allow(ctx context.Context) error {
	return c.write(ctx, "-")
}

func (c *fileController) write(ctx context.Context, char string) error {
	if _, err := os.Stat(c.path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		logger.FromContext(ctx).Error("failed to stat suspend control file", "path", c.path, "err", err)
		return err
	}

	f, err := os.OpenFile(c.path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		logger.FromContext(ctx).Error("failed to open suspend control file", "path", c.path, "err", err)
		return err
	}
	defer f.Close()
	if _, err := f.Write([]byte(char)); err != nil {
		logger.FromContext(ctx).Error("failed to write suspend control file", "path", c.path, "err", err)
		return err
	}
	return nil
}

type NoopController struct{}

func NewNoopController() *NoopController { return &NoopController{} }

func (NoopController) Inhibit(context.Context) error { return nil }
func (NoopController) Allow(context.Context) error   { return nil }

// Token represents one outstanding execution extension.
type Token struct {
	id     string
	reason string
}

// Reason returns the reason the token was acquired with.
func (t Token) Reason() string { return t.reason }

// Guard hands out execution-extension tokens backed by a Controller. The
// underlying inhibit is held from the first Acquire until the last Release
// or expiry. Safe for concurrent use.
type Guard struct {
	mu       sync.Mutex
	ctrl     Controller
	maxHold  time.Duration
	active   map[string]*time.Timer
	onExpire func(reason string)
}

// NewGuard creates a Guard. maxHold bounds how long a single token may be
// held before it expires; zero or negative disables expiry.
func NewGuard(ctrl Controller, maxHold time.Duration) *Guard {
	return &Guard{
		ctrl:    ctrl,
		maxHold: maxHold,
		active:  make(map[string]*time.Timer),
	}
}

// OnExpiry registers the callback invoked when a token expires before being
// released. Must be set before the first Acquire.
func (g *Guard) OnExpiry(fn func(reason string)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onExpire = fn
}

// Acquire inhibits suspension and returns a token that must be released on
// every exit path, including error paths.
func (g *Guard) Acquire(ctx context.Context, reason string) (Token, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.active) == 0 {
		if err := g.ctrl.Inhibit(ctx); err != nil {
			return Token{}, err
		}
	}

	tok := Token{id: uuid.NewString(), reason: reason}
	var timer *time.Timer
	if g.maxHold > 0 {
		timer = time.AfterFunc(g.maxHold, func() { g.expire(tok) })
	}
	g.active[tok.id] = timer
	return tok, nil
}

// Release returns the token. When the last outstanding token is released the
// controller re-allows suspension. Releasing an expired or already-released
// token is a no-op.
func (g *Guard) Release(ctx context.Context, tok Token) {
	g.mu.Lock()
	timer, ok := g.active[tok.id]
	if !ok {
		g.mu.Unlock()
		return
	}
	if timer != nil {
		timer.Stop()
	}
	delete(g.active, tok.id)
	last := len(g.active) == 0
	g.mu.Unlock()

	if last {
		if err := g.ctrl.Allow(ctx); err != nil {
			logger.FromContext(ctx).Error("failed to re-allow suspension", "err", err)
		}
	}
}

func (g *Guard) expire(tok Token) {
	g.mu.Lock()
	if _, ok := g.active[tok.id]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.active, tok.id)
	last := len(g.active) == 0
	fn := g.onExpire
	g.mu.Unlock()

	if last {
		_ = g.ctrl.Allow(context.Background())
	}
	if fn != nil {
		fn(tok.reason)
	}
}

// Held reports the number of outstanding tokens.
func (g *Guard) Held() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}
