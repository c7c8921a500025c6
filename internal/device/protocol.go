package device

// ============================================================================
// Line protocol spoken with the fabrication device (one message per line)
//
// Controller -> device:
//   START
//   STOP
//   BUILD,<c1>,<c2>,<c3>          one resource code per block, in order
//
// Device -> controller:
//   OK[,<echoed command>]         build succeeded (ACK is an alias)
//   ERR[,<reason>]                build refused (NACK and FAIL are aliases)
//   {"red":3,"green":2,"blue":1}  absolute counts, any subset of types
//   STATUS,R=3,G=2,B=1            same, compact form
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/Jmolenaartje/Factobox/pkg/types"
)

// CommandKind enumerates the controller -> device vocabulary.
type CommandKind int

const (
	CmdStart CommandKind = iota + 1
	CmdStop
	CmdBuild
)

// Command is one line sent to the device.
type Command struct {
	Kind      CommandKind
	Resources []types.ResourceType
}

// StartCommand mirrors a gate transition to Running.
func StartCommand() Command { return Command{Kind: CmdStart} }

// StopCommand mirrors a gate transition to Stopped.
func StopCommand() Command { return Command{Kind: CmdStop} }

// BuildCommand asks the device to stack the given blocks in order.
func BuildCommand(resources []types.ResourceType) Command {
	return Command{Kind: CmdBuild, Resources: append([]types.ResourceType(nil), resources...)}
}

func (c Command) String() string {
	switch c.Kind {
	case CmdStart:
		return "START"
	case CmdStop:
		return "STOP"
	case CmdBuild:
		var b strings.Builder
		b.WriteString("BUILD")
		for _, r := range c.Resources {
			b.WriteByte(',')
			b.WriteByte(r.Code())
		}
		return b.String()
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(c.Kind))
	}
}

// Line is the wire form including the terminator.
func (c Command) Line() []byte {
	return []byte(c.String() + "\n")
}

// ParseCommand decodes a controller -> device line. The simulator uses it.
func ParseCommand(line string) (Command, error) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	switch strings.ToUpper(fields[0]) {
	case "START":
		return StartCommand(), nil
	case "STOP":
		return StopCommand(), nil
	case "BUILD":
		codes := make([]string, 0, len(fields)-1)
		for _, f := range fields[1:] {
			codes = append(codes, strings.TrimSpace(f))
		}
		resources, err := types.ParseResources(codes)
		if err != nil {
			return Command{}, err
		}
		return BuildCommand(resources), nil
	default:
		return Command{}, fmt.Errorf("unknown command %q", line)
	}
}

// Ack is the device's answer to a command.
type Ack struct {
	OK     bool
	Echo   string // echoed command, if the firmware sends one
	Reason string // free-text failure reason, if any
}

// Matches reports whether the ack can be attributed to cmd. Acks without an
// echo are attributed to whatever command is in flight.
func (a Ack) Matches(cmd Command) bool {
	if a.Echo == "" {
		return true
	}
	if echoed, err := ParseCommand(a.Echo); err == nil {
		return echoed.String() == cmd.String()
	}
	return strings.EqualFold(a.Echo, cmd.String())
}

// StatusReport carries absolute counts for the types the device mentioned.
type StatusReport struct {
	Counts types.Inventory
}

// Message is a decoded device -> controller line; exactly one field is set.
type Message struct {
	Ack    *Ack
	Status *StatusReport
}

// ParseLine decodes one device line. Anything unrecognised wraps
// ErrMalformedReport.
func ParseLine(line string) (Message, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Message{}, fmt.Errorf("%w: empty line", ErrMalformedReport)
	}
	if strings.HasPrefix(line, "{") {
		return parseJSONStatus(line)
	}

	head, rest, _ := strings.Cut(line, ",")
	switch strings.ToUpper(strings.TrimSpace(head)) {
	case "OK", "ACK":
		return Message{Ack: &Ack{OK: true, Echo: strings.TrimSpace(rest)}}, nil
	case "ERR", "NACK", "FAIL":
		rest = strings.TrimSpace(rest)
		if _, err := ParseCommand(rest); err == nil {
			return Message{Ack: &Ack{OK: false, Echo: rest}}, nil
		}
		return Message{Ack: &Ack{OK: false, Reason: rest}}, nil
	case "STATUS":
		return parseCompactStatus(rest)
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrMalformedReport, line)
	}
}

func parseJSONStatus(line string) (Message, error) {
	var raw map[string]int
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedReport, err)
	}
	counts := make(types.Inventory, len(raw))
	for key, n := range raw {
		r, err := types.ParseResourceType(key)
		if err != nil {
			// Firmware may add fields we do not track.
			continue
		}
		if n < 0 {
			return Message{}, fmt.Errorf("%w: negative count %s=%d", ErrMalformedReport, key, n)
		}
		counts[r] = n
	}
	if len(counts) == 0 {
		return Message{}, fmt.Errorf("%w: no known resource in %q", ErrMalformedReport, line)
	}
	return Message{Status: &StatusReport{Counts: counts}}, nil
}

func parseCompactStatus(rest string) (Message, error) {
	counts := make(types.Inventory)
	for _, pair := range strings.Split(rest, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return Message{}, fmt.Errorf("%w: bad pair %q", ErrMalformedReport, pair)
		}
		r, err := types.ParseResourceType(key)
		if err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformedReport, err)
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return Message{}, fmt.Errorf("%w: bad count %q", ErrMalformedReport, pair)
		}
		counts[r] = n
	}
	if len(counts) == 0 {
		return Message{}, fmt.Errorf("%w: empty status", ErrMalformedReport)
	}
	return Message{Status: &StatusReport{Counts: counts}}, nil
}
