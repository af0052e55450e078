package futex

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"time"

	"github.com/lunixbochs/struc"
)

// TimespecSize is the size of struct timespec on 64-bit Linux.
const TimespecSize = 16

// timespec mirrors the 64-bit Linux struct timespec.
type timespec struct {
	Sec  int64 `struc:"int64,little"`
	Nsec int64 `struc:"int64,little"`
}

// MarshalTimespec encodes d as a struct timespec.
func MarshalTimespec(d time.Duration) ([]byte, error) {
	ts := timespec{Sec: int64(d / time.Second), Nsec: int64(d % time.Second)}

	var buf bytes.Buffer

	err := struc.Pack(&buf, &ts)
	if err != nil {
		return nil, fmt.Errorf("pack timespec: %w", err)
	}

	return buf.Bytes(), nil
}

// UnmarshalTimespec decodes a struct timespec into a relative duration.
// Negative fields and nanoseconds >= 1s are [ErrInvalid].
func UnmarshalTimespec(b []byte) (time.Duration, error) {
	if len(b) < TimespecSize {
		return 0, fmt.Errorf("%w: timespec is %d bytes, want %d", ErrInvalid, len(b), TimespecSize)
	}

	var ts timespec

	err := struc.Unpack(bytes.NewReader(b[:TimespecSize]), &ts)
	if err != nil {
		return 0, fmt.Errorf("%w: unpack timespec: %w", ErrInvalid, err)
	}

	if ts.Sec < 0 || ts.Nsec < 0 || ts.Nsec >= int64(time.Second) {
		return 0, fmt.Errorf("%w: timespec {%d, %d}", ErrInvalid, ts.Sec, ts.Nsec)
	}

	if ts.Sec > int64(math.MaxInt64/time.Second)-1 {
		return time.Duration(math.MaxInt64), nil
	}

	return time.Duration(ts.Sec)*time.Second + time.Duration(ts.Nsec), nil
}

// readTimeout copies the timespec at uaddr in from user memory.
func (s *System) readTimeout(ctx context.Context, uaddr uintptr) (time.Duration, error) {
	if s.host.CopyFromUser == nil {
		return 0, fmt.Errorf("%w: timeouts need a copy_from_user handler", ErrNotSupported)
	}

	buf := make([]byte, TimespecSize)

	n := s.host.CopyFromUser(ctx, buf, uaddr)
	if n != TimespecSize {
		return 0, fmt.Errorf("%w: timeout at %#x", ErrFault, uaddr)
	}

	return UnmarshalTimespec(buf)
}
