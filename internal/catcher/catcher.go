// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package catcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/microsoft/perldbg/internal/signature"
)

const readBufferSize = 4096

var (
	ErrNotLaunched = errors.New("the stream catcher has not been launched")
	ErrDestroyed   = errors.New("the stream catcher has been destroyed")
	ErrLaunched    = errors.New("the stream catcher has already been launched")

	lineSeparator = regexp.MustCompile(`\r\n|\r|\n`)
)

// LineBatch holds all lines the debugger produced in response to one command.
type LineBatch struct {
	// The command that produced the batch. Empty for the initial banner.
	Command string
	// False for the request that only awaits the first prompt.
	HasCommand bool
	// Output lines in arrival order. The last line is the prompt that ended the batch.
	Lines []string
}

// Raw returns the batch lines with the originating command prepended, if there is one.
func (b LineBatch) Raw() []string {
	if !b.HasCommand {
		return b.Lines
	}
	return append([]string{b.Command}, b.Lines...)
}

// Hooks receive raw traffic notifications. They are invoked outside of the catcher lock,
// from the goroutine that produced the traffic.
type Hooks struct {
	// Called with every chunk of data read from the debugger output.
	OnData func(data string)
	// Called with every command written to the debugger input.
	OnWrite func(command string)
	// Called when writing a command fails.
	OnWriteError func(command string, err error)
}

type catcherState uint32

const (
	stateIdle catcherState = iota
	stateAwaitingPrompt
)

func (s catcherState) String() string {
	switch s {
	case stateIdle:
		return "Idle"
	case stateAwaitingPrompt:
		return "AwaitingPrompt"
	default:
		return fmt.Sprintf("Unknown(%d)", uint32(s))
	}
}

type pendingRequest struct {
	command    string
	hasCommand bool
	result     chan LineBatch
}

// Catcher serializes commands onto an interactive REPL input and attributes the REPL output to them.
// At most one command is in flight: the next queued command is written only after the prompt
// that ends the previous command's output has been read.
type Catcher struct {
	table *signature.Table
	log   logr.Logger

	lock         *sync.Mutex
	state        catcherState
	queue        []*pendingRequest
	inFlight     *pendingRequest
	buffer       []string
	carry        string
	input        io.Writer
	hooks        Hooks
	launched     bool
	destroyed    bool
	streamClosed bool
	// The last chunk ended with "\r", so a "\n" starting the next one is not a separate line break.
	pendingCR bool

	// Restart warning fallback. The generation counter invalidates timers that fire after being replaced.
	restartTimer *time.Timer
	restartGen   uint64

	writeLock *sync.Mutex
}

func New(table *signature.Table, log logr.Logger) *Catcher {
	if table == nil {
		table = signature.Default()
	}
	return &Catcher{
		table:     table,
		log:       log.WithName("catcher"),
		lock:      &sync.Mutex{},
		writeLock: &sync.Mutex{},
		state:     stateIdle,
	}
}

func (c *Catcher) SetHooks(hooks Hooks) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if !c.destroyed {
		c.hooks = hooks
	}
}

// Launch starts reading the debugger output and waits for the first prompt.
// The returned batch holds the debugger banner.
func (c *Catcher) Launch(ctx context.Context, input io.Writer, output io.Reader) (LineBatch, error) {
	c.lock.Lock()
	switch {
	case c.destroyed:
		c.lock.Unlock()
		return LineBatch{}, ErrDestroyed
	case c.launched:
		c.lock.Unlock()
		return LineBatch{}, ErrLaunched
	}
	c.launched = true
	c.input = input

	// The first-prompt request must be in flight before any output is read, or the banner has no owner.
	req := &pendingRequest{result: make(chan LineBatch, 1)}
	c.queue = append(c.queue, req)
	_ = c.dispatchLocked()
	c.lock.Unlock()

	go c.readLoop(output)

	return c.wait(ctx, req)
}

// Request queues a command and waits for the batch of lines it produced.
// If the context is done first, the command stays queued (or in flight) and its output is discarded when it arrives.
func (c *Catcher) Request(ctx context.Context, command string) (LineBatch, error) {
	c.lock.Lock()
	switch {
	case c.destroyed:
		c.lock.Unlock()
		return LineBatch{}, ErrDestroyed
	case !c.launched:
		c.lock.Unlock()
		return LineBatch{}, ErrNotLaunched
	}
	c.lock.Unlock()

	return c.await(ctx, &pendingRequest{
		command:    command,
		hasCommand: true,
		result:     make(chan LineBatch, 1),
	})
}

// Destroy detaches the hooks and rejects new requests.
// Requests that are already queued are not resolved by Destroy.
func (c *Catcher) Destroy() {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.destroyed = true
	c.hooks = Hooks{}
	c.stopRestartTimerLocked()
}

// Pending returns the number of requests that have not been resolved yet, including the one in flight.
func (c *Catcher) Pending() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	retval := len(c.queue)
	if c.inFlight != nil {
		retval++
	}
	return retval
}

func (c *Catcher) await(ctx context.Context, req *pendingRequest) (LineBatch, error) {
	c.lock.Lock()
	c.queue = append(c.queue, req)
	toWrite := c.dispatchLocked()
	c.lock.Unlock()

	c.write(toWrite)
	return c.wait(ctx, req)
}

func (c *Catcher) wait(ctx context.Context, req *pendingRequest) (LineBatch, error) {
	select {
	case batch := <-req.result:
		return batch, nil
	case <-ctx.Done():
		return LineBatch{}, ctx.Err()
	}
}

// dispatchLocked puts the oldest queued request in flight if nothing else is.
// Returns the request whose command must be written to the input, if any.
func (c *Catcher) dispatchLocked() *pendingRequest {
	for c.state == stateIdle && len(c.queue) > 0 {
		req := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]

		c.inFlight = req
		c.state = stateAwaitingPrompt

		if !c.streamClosed {
			if req.hasCommand {
				return req
			}
			return nil
		}

		// Nothing will ever answer, resolve with the termination banner right away.
		c.synthesizeTerminationLocked()
	}
	return nil
}

// readlineLocked appends the line to the current batch.
// A prompt line ends the batch and resolves the request in flight.
// Returns true if the catcher went back to the idle state.
func (c *Catcher) readlineLocked(line string) bool {
	c.buffer = append(c.buffer, line)
	if !c.table.IsPrompt(line) {
		return false
	}

	batch := LineBatch{Lines: c.buffer}
	c.buffer = nil
	c.stopRestartTimerLocked()

	req := c.inFlight
	c.inFlight = nil
	c.state = stateIdle

	if req == nil {
		c.log.V(1).Info("discarding output that ended with a prompt but had no pending request", "lines", len(batch.Lines))
		return true
	}

	batch.Command = req.command
	batch.HasCommand = req.hasCommand
	req.result <- batch
	return true
}

func (c *Catcher) synthesizeTerminationLocked() {
	if c.carry != "" {
		_ = c.readlineLocked(c.carry)
		c.carry = ""
	}
	for _, line := range signature.TerminationBanner {
		_ = c.readlineLocked(line)
	}
	_ = c.readlineLocked(signature.SyntheticPrompt)
}

func (c *Catcher) readLoop(output io.Reader) {
	buf := make([]byte, readBufferSize)
	for {
		n, readErr := output.Read(buf)
		if n > 0 {
			c.onData(string(buf[:n]))
		}
		if readErr != nil {
			c.onClose(readErr)
			return
		}
	}
}

func (c *Catcher) onData(data string) {
	c.lock.Lock()
	hooks := c.hooks

	chunk := data
	if c.pendingCR {
		// Second half of a "\r\n" that was split between reads.
		chunk = strings.TrimPrefix(chunk, "\n")
	}
	c.pendingCR = strings.HasSuffix(chunk, "\r")

	combined := c.carry + chunk
	c.carry = ""
	lines := lineSeparator.Split(combined, -1)
	last := lines[len(lines)-1]
	lines = lines[:len(lines)-1]

	switch {
	case last == "":
		// The data ended with a line separator.
	case c.table.IsPrompt(last):
		// Prompts are not followed by a newline.
		lines = append(lines, last)
	default:
		c.carry = last
	}

	firstLine := last
	if len(lines) > 0 {
		firstLine = lines[0]
	}
	c.armRestartTimerLocked(firstLine)

	var toWrite []*pendingRequest
	for _, line := range lines {
		if c.readlineLocked(line) {
			if req := c.dispatchLocked(); req != nil {
				toWrite = append(toWrite, req)
			}
		}
	}
	c.lock.Unlock()

	if hooks.OnData != nil {
		hooks.OnData(data)
	}
	for _, req := range toWrite {
		c.write(req)
	}
}

func (c *Catcher) onClose(readErr error) {
	if !errors.Is(readErr, io.EOF) && !errors.Is(readErr, io.ErrClosedPipe) {
		c.log.V(1).Info("debugger output stream failed", "error", readErr.Error())
	} else {
		c.log.V(1).Info("debugger output stream closed")
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	c.streamClosed = true
	c.stopRestartTimerLocked()

	if c.inFlight != nil {
		c.synthesizeTerminationLocked()
	} else if c.carry != "" {
		c.buffer = append(c.buffer, c.carry)
		c.carry = ""
	}
	_ = c.dispatchLocked()
}

// armRestartTimerLocked starts (or restarts) the idle timer that synthesizes a prompt when a restart
// warning banner is not followed by a real prompt. Once armed, every chunk of data postpones it.
func (c *Catcher) armRestartTimerLocked(firstLine string) {
	enabled, delay := c.table.RestartFallback()
	if !enabled || c.destroyed {
		return
	}
	if c.restartTimer == nil && !c.table.IsRestartWarning(firstLine) {
		return
	}

	c.stopRestartTimerLocked()
	c.restartGen++
	gen := c.restartGen
	c.restartTimer = time.AfterFunc(delay, func() {
		c.onRestartTimeout(gen)
	})
}

func (c *Catcher) stopRestartTimerLocked() {
	if c.restartTimer != nil {
		c.restartTimer.Stop()
		c.restartTimer = nil
	}
}

func (c *Catcher) onRestartTimeout(gen uint64) {
	c.lock.Lock()
	if gen != c.restartGen || c.restartTimer == nil {
		c.lock.Unlock()
		return
	}
	c.restartTimer = nil

	var toWrite *pendingRequest
	if c.inFlight != nil {
		c.log.V(1).Info("no prompt after restart warning, synthesizing one")
		if c.readlineLocked(signature.SyntheticPrompt) {
			toWrite = c.dispatchLocked()
		}
	}
	c.lock.Unlock()

	c.write(toWrite)
}

func (c *Catcher) write(req *pendingRequest) {
	if req == nil || !req.hasCommand {
		return
	}

	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	c.lock.Lock()
	hooks := c.hooks
	input := c.input
	c.lock.Unlock()

	c.log.V(1).Info("writing command", "command", req.command)
	if hooks.OnWrite != nil {
		hooks.OnWrite(req.command)
	}

	if _, writeErr := io.WriteString(input, req.command+"\n"); writeErr != nil {
		// The request stays in flight; a closing output stream resolves it.
		c.log.V(1).Info("failed to write command", "command", req.command, "error", writeErr.Error())
		if hooks.OnWriteError != nil {
			hooks.OnWriteError(req.command, fmt.Errorf("failed to write command '%s': %w", req.command, writeErr))
		}
	}
}

// String returns a short description of the catcher state, for diagnostics.
func (c *Catcher) String() string {
	c.lock.Lock()
	defer c.lock.Unlock()

	inFlight := "<none>"
	if c.inFlight != nil {
		if c.inFlight.hasCommand {
			inFlight = c.inFlight.command
		} else {
			inFlight = "<first prompt>"
		}
	}
	return fmt.Sprintf("%s in-flight=%s queued=%d buffered=%s", c.state, inFlight, len(c.queue), strings.Join(c.buffer, "|"))
}
