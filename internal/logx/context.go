package logx

import (
	"fmt"
	"sync"
)

// Context is the logging capability handed to a worker. It forwards to the
// shared Log, remembers the most recent error, and can be muted so probing
// operations (database load, link attempts) don't spam the output.
type Context struct {
	log *Log

	mu      sync.Mutex
	lastErr error
	muted   bool
}

// NewContext creates a worker logging context backed by l.
func (l *Log) NewContext() *Context {
	return &Context{log: l}
}

// Mute suppresses output on this context. Errors are still recorded and
// retrievable via LastError.
func (c *Context) Mute() {
	c.mu.Lock()
	c.muted = true
	c.mu.Unlock()
}

// LastError returns the most recent error logged through this context.
func (c *Context) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// ResetLastError clears the recorded error.
func (c *Context) ResetLastError() {
	c.mu.Lock()
	c.lastErr = nil
	c.mu.Unlock()
}

// Errorf records and logs an error line.
func (c *Context) Errorf(format string, args ...any) {
	err := fmt.Errorf(format, args...)
	c.mu.Lock()
	c.lastErr = err
	muted := c.muted
	c.mu.Unlock()
	if muted || c.log == nil {
		return
	}
	c.log.Write(Entry{Text: err.Error(), Linefeed: true, IsError: true})
}

// Infof logs an info line.
func (c *Context) Infof(format string, args ...any) {
	c.write(Entry{Text: fmt.Sprintf(format, args...), Linefeed: true})
}

// Info logs an info fragment without a trailing linefeed.
func (c *Context) Info(text string) {
	c.write(Entry{Text: text})
}

// Debugf logs a debug line.
func (c *Context) Debugf(format string, args ...any) {
	c.write(Entry{Text: fmt.Sprintf(format, args...), Linefeed: true, Debug: true})
}

func (c *Context) write(e Entry) {
	c.mu.Lock()
	muted := c.muted
	c.mu.Unlock()
	if muted || c.log == nil {
		return
	}
	c.log.Write(e)
}

// Discard returns a context that records errors but writes nowhere. Used
// where no Log has been set up, mostly in tests.
func Discard() *Context {
	return &Context{muted: true}
}
