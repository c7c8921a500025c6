// ============================================================================
// Factobox Device Simulator - stands in for the tower-building device
// ============================================================================
//
// Package: internal/devicesim
// File: simulator.go
// Purpose: speaks the device line protocol over TCP so the coordinator can
// run end to end without hardware (cmd/demo, controller tests).
//
// Behaviour:
//   START / STOP      -> "OK,<cmd>", toggles the simulated motor
//   BUILD,c1,c2,c3    -> waits BuildDelay, then "OK,BUILD,..." and a status
//                        line with the new counts, or "ERR,<reason>" when the
//                        magazine is short or a failure was injected
//   every StatusInterval the current counts are pushed as a JSON line
//
// Fault injection: FailNext makes the next n builds answer ERR, SetSilent
// swallows build commands so the coordinator hits its ack timeout, and
// DropConnections closes every client socket.
//
// ============================================================================

package devicesim

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/Jmolenaartje/Factobox/internal/device"
	"github.com/Jmolenaartje/Factobox/pkg/types"
)

var log = slog.Default()

// Config tunes the simulator.
type Config struct {
	Inventory      types.Inventory // starting magazine
	BuildDelay     time.Duration   // time to stack one tower
	StatusInterval time.Duration   // 0 disables periodic status lines
}

// Simulator is a fake device listening on TCP.
type Simulator struct {
	cfg Config

	mu       sync.Mutex
	stock    types.Inventory
	running  bool
	failNext int
	silent   bool
	received []string
	conns    map[net.Conn]*sync.Mutex

	ln     net.Listener
	closed chan struct{}
	wg     sync.WaitGroup
}

// New creates a simulator; call Listen to accept connections.
func New(cfg Config) *Simulator {
	stock := make(types.Inventory, len(types.AllResources))
	for _, r := range types.AllResources {
		stock[r] = cfg.Inventory[r]
	}
	return &Simulator{
		cfg:    cfg,
		stock:  stock,
		conns:  make(map[net.Conn]*sync.Mutex),
		closed: make(chan struct{}),
	}
}

// Listen binds addr ("127.0.0.1:0" picks a free port) and starts serving.
func (s *Simulator) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("simulator listen %s: %w", addr, err)
	}
	s.ln = ln

	s.wg.Add(1)
	go s.acceptLoop()

	if s.cfg.StatusInterval > 0 {
		s.wg.Add(1)
		go s.statusLoop()
	}

	log.Info("Device simulator listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address.
func (s *Simulator) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Close stops accepting, drops all clients and waits for goroutines.
func (s *Simulator) Close() error {
	select {
	case <-s.closed:
		return nil
	default:
	}
	close(s.closed)

	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.DropConnections()
	s.wg.Wait()
	return err
}

// ============================================================================
// Fault injection and inspection
// ============================================================================

// FailNext makes the next n BUILD commands answer ERR.
func (s *Simulator) FailNext(n int) {
	s.mu.Lock()
	s.failNext = n
	s.mu.Unlock()
}

// SetSilent makes the simulator swallow BUILD commands without answering.
func (s *Simulator) SetSilent(silent bool) {
	s.mu.Lock()
	s.silent = silent
	s.mu.Unlock()
}

// Restock sets absolute counts and pushes a status line to every client.
func (s *Simulator) Restock(inv types.Inventory) {
	s.mu.Lock()
	for r, n := range inv {
		if r.Valid() && n >= 0 {
			s.stock[r] = n
		}
	}
	s.mu.Unlock()
	s.broadcastStatus()
}

// Stock returns the simulated magazine.
func (s *Simulator) Stock() types.Inventory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stock.Clone()
}

// Running reports the last START/STOP received.
func (s *Simulator) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Received returns every command line received so far.
func (s *Simulator) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

// Builds returns only the BUILD lines received so far.
func (s *Simulator) Builds() []string {
	var out []string
	for _, line := range s.Received() {
		if strings.HasPrefix(line, "BUILD") {
			out = append(out, line)
		}
	}
	return out
}

// Connections returns the number of connected clients.
func (s *Simulator) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// DropConnections closes every client socket, as a cable pull would.
func (s *Simulator) DropConnections() {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// ============================================================================
// Serving
// ============================================================================

func (s *Simulator) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn("Simulator accept failed", "error", err)
			continue
		}

		s.mu.Lock()
		s.conns[conn] = &sync.Mutex{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Simulator) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	log.Debug("Simulator client connected", "remote", conn.RemoteAddr().String())

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		s.handle(conn, line)
	}
}

func (s *Simulator) handle(conn net.Conn, line string) {
	s.mu.Lock()
	s.received = append(s.received, line)
	s.mu.Unlock()

	cmd, err := device.ParseCommand(line)
	if err != nil {
		s.reply(conn, "ERR,"+err.Error())
		return
	}

	switch cmd.Kind {
	case device.CmdStart, device.CmdStop:
		s.mu.Lock()
		s.running = cmd.Kind == device.CmdStart
		s.mu.Unlock()
		s.reply(conn, "OK,"+cmd.String())

	case device.CmdBuild:
		s.build(conn, cmd)
	}
}

func (s *Simulator) build(conn net.Conn, cmd device.Command) {
	s.mu.Lock()
	silent := s.silent
	s.mu.Unlock()
	if silent {
		log.Debug("Simulator swallowing build", "command", cmd.String())
		return
	}

	if s.cfg.BuildDelay > 0 {
		select {
		case <-time.After(s.cfg.BuildDelay):
		case <-s.closed:
			return
		}
	}

	s.mu.Lock()
	if s.failNext > 0 {
		s.failNext--
		s.mu.Unlock()
		s.reply(conn, "ERR,injected failure")
		return
	}
	need := types.Tally(cmd.Resources)
	for _, r := range types.AllResources {
		if s.stock[r] < need[r] {
			s.mu.Unlock()
			s.reply(conn, fmt.Sprintf("ERR,out of %s", r))
			return
		}
	}
	for r, n := range need {
		s.stock[r] -= n
	}
	s.mu.Unlock()

	s.reply(conn, "OK,"+cmd.String())
	s.reply(conn, s.statusLine())
}

// ============================================================================
// Status reporting
// ============================================================================

func (s *Simulator) statusLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.broadcastStatus()
		case <-s.closed:
			return
		}
	}
}

func (s *Simulator) broadcastStatus() {
	line := s.statusLine()

	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		s.reply(c, line)
	}
}

func (s *Simulator) statusLine() string {
	s.mu.Lock()
	counts := map[string]int{
		"red":   s.stock[types.Red],
		"green": s.stock[types.Green],
		"blue":  s.stock[types.Blue],
	}
	s.mu.Unlock()

	data, _ := json.Marshal(counts)
	return string(data)
}

func (s *Simulator) reply(conn net.Conn, line string) {
	s.mu.Lock()
	wmu, ok := s.conns[conn]
	s.mu.Unlock()
	if !ok {
		return
	}

	wmu.Lock()
	defer wmu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		log.Debug("Simulator write failed", "error", err)
	}
}
