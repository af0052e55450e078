package scenario

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ParseLine parses the one-line form of a step:
//
//	wake addr=0x400000 count=2
//	wait thread=t1 addr=0x400000 val=0 timeout=50ms
//	wake_op addr=0x400000 addr2=0x400040 wake_op=add val=3 shared
//
// The first word is the op; the rest are key=value pairs named like the
// JSON fields, plus the bare flag "shared".
func ParseLine(line string) (Step, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Step{}, fmt.Errorf("%w: empty step", ErrInvalidScenario)
	}

	step := Step{Op: fields[0]}

	for _, field := range fields[1:] {
		if field == "shared" {
			step.Shared = true

			continue
		}

		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return Step{}, fmt.Errorf("%w: %q is not key=value", ErrInvalidScenario, field)
		}

		err := step.set(key, value)
		if err != nil {
			return Step{}, fmt.Errorf("%w: %s: %w", ErrInvalidScenario, key, err)
		}
	}

	err := step.Validate()
	if err != nil {
		return Step{}, err
	}

	return step, nil
}

func (s *Step) set(key, value string) error {
	var err error

	switch key {
	case "pid":
		s.PID, err = strconv.ParseUint(value, 0, 64)
	case "thread":
		s.Thread = value
	case "addr":
		s.Addr = value
	case "addr2":
		s.Addr2 = value
	case "val":
		s.Val, err = parseUint32(value)
	case "count":
		s.Count, err = parseUint32Ptr(value)
	case "bitset":
		s.Bitset, err = parseUint32Ptr(value)
	case "wake_op":
		s.WakeOp = value
	case "timeout":
		s.Timeout = value
	case "waiters":
		s.Waiters, err = parseIntPtr(value)
	case "result":
		s.Result, err = parseIntPtr(value)
	case "value":
		s.Value, err = parseUint32Ptr(value)
	default:
		return errors.New("unknown field")
	}

	return err
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("bad number %q", s)
	}

	return uint32(v), nil
}

func parseUint32Ptr(s string) (*uint32, error) {
	v, err := parseUint32(s)
	if err != nil {
		return nil, err
	}

	return &v, nil
}

func parseIntPtr(s string) (*int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return nil, fmt.Errorf("bad number %q", s)
	}

	return &v, nil
}
