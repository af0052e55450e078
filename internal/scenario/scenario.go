// Package scenario describes and runs scripted futex interactions against a
// simulated machine.
//
// A scenario file is JSONC:
//
//	{
//	  "processes": [
//	    {"pid": 1, "maps": [{"addr": "0x400000", "pages": 1}]},
//	    {"pid": 2, "shares": [{"from": 1, "addr": "0x400000", "at": "0x900000", "pages": 1}]},
//	  ],
//	  "steps": [
//	    {"op": "wait", "thread": "t1", "addr": "0x400000", "val": 0},
//	    {"op": "wake", "addr": "0x400000", "count": 1},
//	    {"op": "expect", "thread": "t1", "result": 0},
//	  ],
//	}
//
// Waits run on their own thread and do not block the script; every other
// step runs to completion before the next one starts.
package scenario

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"

	"github.com/sugawarayuuta/sonnet"
	"github.com/tailscale/hujson"
)

var (
	ErrInvalidScenario = errors.New("scenario: invalid")
	ErrExpectation     = errors.New("scenario: expectation failed")
	ErrSettle          = errors.New("scenario: did not settle")
)

// Step ops.
const (
	OpStore      = "store"
	OpLoad       = "load"
	OpWait       = "wait"
	OpWake       = "wake"
	OpWakeBitset = "wake_bitset"
	OpRequeue    = "requeue"
	OpCmpRequeue = "cmp_requeue"
	OpWakeOp     = "wake_op"
	OpFD         = "fd"
	OpSettle     = "settle"
	OpExpect     = "expect"
)

var knownOps = []string{
	OpStore, OpLoad, OpWait, OpWake, OpWakeBitset, OpRequeue,
	OpCmpRequeue, OpWakeOp, OpFD, OpSettle, OpExpect,
}

// File is a parsed scenario.
type File struct {
	Processes []Process `json:"processes"`
	Steps     []Step    `json:"steps"`
}

// Process sets up one address space.
type Process struct {
	PID    uint64    `json:"pid"`
	Maps   []Mapping `json:"maps"`
	Shares []Share   `json:"shares"`
}

// Mapping backs Pages fresh pages at Addr.
type Mapping struct {
	Addr  string `json:"addr"`
	Pages int    `json:"pages"`
}

// Share maps Pages pages at Addr in process From into this process at At.
type Share struct {
	From  uint64 `json:"from"`
	Addr  string `json:"addr"`
	At    string `json:"at"`
	Pages int    `json:"pages"`
}

// Step is one scripted action. Which fields matter depends on Op:
//
//   - store: Addr, Val.
//   - load: Addr.
//   - wait: Thread, Addr, Val, optional Bitset and Timeout.
//   - wake, wake_bitset: Addr, Count (default 1), Bitset for wake_bitset.
//   - requeue: Addr, Addr2, Count (waiters to wake, default 0).
//   - cmp_requeue: as requeue plus Val, the expected word at Addr.
//   - wake_op: Addr, Addr2, Count (default 1), WakeOp and Val as operand.
//   - fd: Addr.
//   - settle: Waiters (queued count to reach), or every wait finished.
//   - expect: Thread and Result, or Result of the previous step, or
//     Waiters, or Addr and Value.
//
// PID selects the calling process; zero means the first process. Shared
// clears the private flag.
type Step struct {
	Op      string  `json:"op"`
	PID     uint64  `json:"pid,omitempty"`
	Thread  string  `json:"thread,omitempty"`
	Addr    string  `json:"addr,omitempty"`
	Addr2   string  `json:"addr2,omitempty"`
	Val     uint32  `json:"val,omitempty"`
	Count   *uint32 `json:"count,omitempty"`
	Bitset  *uint32 `json:"bitset,omitempty"`
	WakeOp  string  `json:"wake_op,omitempty"` //nolint:tagliatelle // snake_case for scenario files
	Timeout string  `json:"timeout,omitempty"`
	Shared  bool    `json:"shared,omitempty"`
	Waiters *int    `json:"waiters,omitempty"`
	Result  *int    `json:"result,omitempty"`
	Value   *uint32 `json:"value,omitempty"`
}

// Load reads and parses a scenario file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is intentionally user-controlled
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}

	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return f, nil
}

// Parse parses a JSONC scenario and checks every step's op.
func Parse(data []byte) (*File, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("%w: JSONC: %w", ErrInvalidScenario, err)
	}

	var f File

	err = sonnet.Unmarshal(standardized, &f)
	if err != nil {
		return nil, fmt.Errorf("%w: JSON: %w", ErrInvalidScenario, err)
	}

	if len(f.Processes) == 0 {
		return nil, fmt.Errorf("%w: no processes", ErrInvalidScenario)
	}

	for i, step := range f.Steps {
		err = step.Validate()
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
	}

	return &f, nil
}

// Validate checks that Op is known and its address fields parse.
func (s Step) Validate() error {
	if !slices.Contains(knownOps, s.Op) {
		return fmt.Errorf("%w: unknown op %q", ErrInvalidScenario, s.Op)
	}

	switch s.Op {
	case OpSettle:
		return nil
	case OpExpect:
		if s.Result == nil && s.Waiters == nil && s.Value == nil {
			return fmt.Errorf("%w: expect needs result, waiters or value", ErrInvalidScenario)
		}

		if s.Value == nil {
			return nil
		}
	case OpWait:
		if s.Thread == "" {
			return fmt.Errorf("%w: wait needs a thread name", ErrInvalidScenario)
		}
	case OpRequeue, OpCmpRequeue, OpWakeOp:
		_, err := ParseAddr(s.Addr2)
		if err != nil {
			return fmt.Errorf("%w: addr2: %w", ErrInvalidScenario, err)
		}
	}

	if s.Op == OpWakeOp {
		_, err := WakeOpCode(s.WakeOp)
		if err != nil {
			return err
		}
	}

	_, err := ParseAddr(s.Addr)
	if err != nil {
		return fmt.Errorf("%w: addr: %w", ErrInvalidScenario, err)
	}

	return nil
}

// DefaultProcesses is the setup used when none is given: pid 1 with four
// pages at 0x400000.
func DefaultProcesses() []Process {
	return []Process{{PID: 1, Maps: []Mapping{{Addr: "0x400000", Pages: 4}}}}
}

// ParseAddr parses a decimal or 0x-prefixed address.
func ParseAddr(s string) (uintptr, error) {
	if s == "" {
		return 0, errors.New("missing address")
	}

	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad address %q", s)
	}

	return uintptr(v), nil
}

var wakeOpNames = map[string]uint32{
	"set":  0,
	"add":  1,
	"or":   2,
	"andn": 3,
	"xor":  4,
}

// WakeOpCode returns the FUTEX_WAKE_OP sub-operation for a name, or the
// value itself when name is a number.
func WakeOpCode(name string) (uint32, error) {
	if code, ok := wakeOpNames[name]; ok {
		return code, nil
	}

	v, err := strconv.ParseUint(name, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: unknown wake_op %q", ErrInvalidScenario, name)
	}

	return uint32(v), nil
}
