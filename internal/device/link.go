// ============================================================================
// Factobox Device Link - persistent connection to the fabrication device
// ============================================================================
//
// Package: internal/device
// File: link.go
// Purpose: keeps exactly one logical connection to the device, turns
// commands into acknowledged round trips and feeds asynchronous status
// reports to the coordinator.
//
// Lifecycle:
//   Start()  - first connection attempt (asynchronous)
//   connect  - dial; on success mark healthy, spawn readLoop, notify handler
//   readLoop - parse lines: status -> handler, ack -> in-flight waiter,
//              garbage or over-long lines -> log and count, connection
//              stays up
//   drop     - transport error, ack timeout or explicit close: mark unhealthy,
//              fail the in-flight waiter, notify handler, schedule reconnect
//   Stop()   - cancel reconnect timer, close connection, wait for goroutines
//
// Concurrency:
//   - sendMu serialises Send: at most one command awaits an ack
//   - writeMu serialises raw writes (Send and Notify share the wire)
//   - mu guards conn/healthy/waiter/reconnect/closed
//   - handler callbacks run without any lock held
//
// A timeout drops the connection as well: after a missed ack the device
// state is unknown and a late ack must not be credited to the next command.
//
// ============================================================================

package device

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var log = slog.Default()

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrTimeout means the device did not acknowledge within AckTimeout.
	ErrTimeout = errors.New("device: acknowledgement timed out")
	// ErrDisconnected means the channel dropped or was never up.
	ErrDisconnected = errors.New("device: link disconnected")
	// ErrNegativeAck means the device answered with a failure.
	ErrNegativeAck = errors.New("device: command refused")
	// ErrMalformedReport marks a device line that could not be parsed.
	ErrMalformedReport = errors.New("device: malformed report")
	// ErrClosed is returned after Stop.
	ErrClosed = errors.New("device: link closed")
)

// ============================================================================
// Configuration and callbacks
// ============================================================================

// Config tunes the link.
type Config struct {
	AckTimeout     time.Duration // bound on Send
	ReconnectDelay time.Duration // pause between connection attempts
}

// Handler receives everything the device says outside of a Send round trip.
type Handler interface {
	OnStatus(report StatusReport)
	OnConnectionChange(connected bool)
	OnMalformed(line string, err error)
}

type result struct {
	ack Ack
	err error
}

type waiter struct {
	cmd Command
	ch  chan result
}

// Link is the single logical connection to the device.
type Link struct {
	dialer  Dialer
	cfg     Config
	handler Handler

	mu        sync.Mutex
	conn      io.ReadWriteCloser
	healthy   bool
	waiter    *waiter
	reconnect *time.Timer
	closed    bool
	started   bool

	sendMu  sync.Mutex
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLink creates a link; nothing is dialled until Start.
func NewLink(dialer Dialer, cfg Config, handler Handler) *Link {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 10 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Link{
		dialer:  dialer,
		cfg:     cfg,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the first connection attempt. Failures are retried every
// ReconnectDelay until Stop.
func (l *Link) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started || l.closed {
		return
	}
	l.started = true
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.connect()
	}()
}

// Healthy reports whether a connection is currently established.
func (l *Link) Healthy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.healthy
}

// Stop closes the connection, cancels any pending reconnect and waits for
// the link's goroutines. An in-flight Send returns ErrClosed.
func (l *Link) Stop() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	if l.reconnect != nil {
		l.reconnect.Stop()
		l.reconnect = nil
	}
	conn := l.conn
	l.conn = nil
	l.healthy = false
	w := l.waiter
	l.waiter = nil
	l.mu.Unlock()

	l.cancel()
	if conn != nil {
		conn.Close()
	}
	if w != nil {
		w.ch <- result{err: ErrClosed}
	}
	l.wg.Wait()
	log.Info("Device link stopped", "device", l.dialer.String())
}

// ============================================================================
// Connection management
// ============================================================================

func (l *Link) connect() {
	conn, err := l.dialer.Dial(l.ctx)
	if err != nil {
		log.Warn("Device connect failed",
			"device", l.dialer.String(),
			"retry_in", l.cfg.ReconnectDelay,
			"error", err)
		l.scheduleReconnect()
		return
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		conn.Close()
		return
	}
	l.conn = conn
	l.healthy = true
	l.wg.Add(1)
	l.mu.Unlock()

	go l.readLoop(conn)

	log.Info("Device connected", "device", l.dialer.String())
	l.handler.OnConnectionChange(true)
}

func (l *Link) scheduleReconnect() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.reconnect != nil {
		return
	}
	l.reconnect = time.AfterFunc(l.cfg.ReconnectDelay, func() {
		l.mu.Lock()
		l.reconnect = nil
		if l.closed {
			l.mu.Unlock()
			return
		}
		l.wg.Add(1)
		l.mu.Unlock()

		defer l.wg.Done()
		l.connect()
	})
}

// drop tears down conn if it is still the current connection.
func (l *Link) drop(conn io.ReadWriteCloser, cause error) {
	l.mu.Lock()
	if l.conn != conn || conn == nil {
		l.mu.Unlock()
		return
	}
	l.conn = nil
	l.healthy = false
	w := l.waiter
	l.waiter = nil
	l.mu.Unlock()

	conn.Close()
	if w != nil {
		w.ch <- result{err: ErrDisconnected}
	}

	log.Warn("Device disconnected",
		"device", l.dialer.String(),
		"cause", cause,
		"retry_in", l.cfg.ReconnectDelay)
	l.handler.OnConnectionChange(false)
	l.scheduleReconnect()
}

// maxLineLength bounds one device line. Longer lines are skipped as
// malformed and the reader resyncs on the next newline.
const maxLineLength = 4096

func (l *Link) readLoop(conn io.ReadWriteCloser) {
	defer l.wg.Done()

	r := bufio.NewReaderSize(conn, maxLineLength)
	var cause error
	for cause == nil {
		raw, err := r.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			cause = l.skipLongLine(r, raw)
			continue
		}
		if line := strings.TrimSpace(string(raw)); line != "" {
			l.handleLine(line)
		}
		cause = err
	}
	l.drop(conn, cause)
}

// skipLongLine discards the rest of an over-long line and reports it. It
// returns the read error, if any, hit before the terminating newline.
func (l *Link) skipLongLine(r *bufio.Reader, head []byte) error {
	prefix := string(head[:min(len(head), 32)])
	size := len(head)
	var err error
	for {
		var chunk []byte
		chunk, err = r.ReadSlice('\n')
		size += len(chunk)
		if !errors.Is(err, bufio.ErrBufferFull) {
			break
		}
	}

	malformed := fmt.Errorf("%w: line of %d bytes exceeds %d", ErrMalformedReport, size, maxLineLength)
	log.Warn("Malformed device line ignored", "prefix", prefix, "error", malformed)
	l.handler.OnMalformed(prefix+"...", malformed)
	return err
}

func (l *Link) handleLine(line string) {
	msg, err := ParseLine(line)
	if err != nil {
		log.Warn("Malformed device line ignored", "line", line, "error", err)
		l.handler.OnMalformed(line, err)
		return
	}

	switch {
	case msg.Status != nil:
		log.Debug("Device status", "counts", msg.Status.Counts)
		l.handler.OnStatus(*msg.Status)
	case msg.Ack != nil:
		l.deliver(*msg.Ack)
	}
}

func (l *Link) deliver(ack Ack) {
	l.mu.Lock()
	w := l.waiter
	if w == nil || !ack.Matches(w.cmd) {
		l.mu.Unlock()
		log.Debug("Unsolicited device ack ignored", "ok", ack.OK, "echo", ack.Echo)
		return
	}
	l.waiter = nil
	l.mu.Unlock()

	w.ch <- result{ack: ack}
}

func (l *Link) clearWaiter(w *waiter) {
	l.mu.Lock()
	if l.waiter == w {
		l.waiter = nil
	}
	l.mu.Unlock()
}

// ============================================================================
// Commands
// ============================================================================

// Send transmits cmd and waits for its acknowledgement, the AckTimeout, or
// ctx, whichever comes first. A negative ack returns the Ack together with
// an error wrapping ErrNegativeAck.
func (l *Link) Send(ctx context.Context, cmd Command) (Ack, error) {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	w := &waiter{cmd: cmd, ch: make(chan result, 1)}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return Ack{}, ErrClosed
	}
	if !l.healthy {
		l.mu.Unlock()
		return Ack{}, ErrDisconnected
	}
	conn := l.conn
	l.waiter = w
	l.mu.Unlock()

	if err := l.write(conn, cmd); err != nil {
		l.clearWaiter(w)
		l.drop(conn, err)
		return Ack{}, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	log.Debug("Command sent", "command", cmd.String())

	timer := time.NewTimer(l.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case r := <-w.ch:
		if r.err != nil {
			return Ack{}, r.err
		}
		if !r.ack.OK {
			reason := r.ack.Reason
			if reason == "" {
				reason = r.ack.Echo
			}
			return r.ack, fmt.Errorf("%w: %s", ErrNegativeAck, reason)
		}
		return r.ack, nil

	case <-timer.C:
		l.clearWaiter(w)
		log.Warn("Device ack timeout", "command", cmd.String(), "timeout", l.cfg.AckTimeout)
		l.drop(conn, ErrTimeout)
		return Ack{}, ErrTimeout

	case <-ctx.Done():
		l.clearWaiter(w)
		return Ack{}, ctx.Err()
	}
}

// Notify writes an informational command (START/STOP) without waiting for
// an answer.
func (l *Link) Notify(cmd Command) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if !l.healthy {
		l.mu.Unlock()
		return ErrDisconnected
	}
	conn := l.conn
	l.mu.Unlock()

	if err := l.write(conn, cmd); err != nil {
		l.drop(conn, err)
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	log.Debug("Notification sent", "command", cmd.String())
	return nil
}

func (l *Link) write(conn io.ReadWriteCloser, cmd Command) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_, err := conn.Write(cmd.Line())
	return err
}
