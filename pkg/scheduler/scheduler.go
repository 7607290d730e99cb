// Package scheduler implements the v2H outbound scheduler: a bounded FIFO
// with per-opcode pacing, retry-with-backoff on transport failure, and an
// urgent-flag queue-jump hint.
package scheduler

import (
	"github.com/pkg/errors"

	"github.com/nowmesh/v2h/pkg/meshclock"
	"github.com/nowmesh/v2h/pkg/radio"
	"github.com/nowmesh/v2h/pkg/wire"
)

// Capacity is the bounded FIFO's fixed size.
const Capacity = 8

// DefaultRetries is the retry budget assigned to a newly enqueued entry
// unless the caller overrides it.
const DefaultRetries = 3

// ErrFull is returned by Enqueue when the queue has no free slot.
var ErrFull = errors.New("scheduler: queue is full")

// IntervalMs returns the minimum inter-send interval for op.
func IntervalMs(op wire.Opcode) uint64 {
	switch op {
	case wire.OpPing:
		return 50
	case wire.OpPingReply:
		return 0
	case wire.OpSensReport:
		return 80
	case wire.OpRlyState:
		return 40
	case wire.OpPmsStatus:
		return 250
	case wire.OpCtrlRelay:
		return 60
	case wire.OpConfigWrite:
		return 120
	case wire.OpTimeSync:
		return 500
	case wire.OpNetSetChan:
		return 500
	case wire.OpFwBegin:
		return 500
	case wire.OpFwChunk:
		return 3
	case wire.OpFwCommit:
		return 500
	case wire.OpFwAbort:
		return 200
	default:
		return 100
	}
}

func backoffMs(op wire.Opcode) uint64 {
	return 10 + IntervalMs(op)/2
}

// Entry is one queued outbound frame.
type Entry struct {
	MAC            [6]byte
	Opcode         wire.Opcode
	Data           []byte
	RetriesLeft    uint8
	NextEarliestMs uint64
	Urgent         bool
}

// Scheduler is the bounded outbound FIFO driving a Radio.
type Scheduler struct {
	clock  *meshclock.Clock
	radio  radio.Radio
	queue  []Entry
	nextAllowed map[wire.Opcode]uint64
}

// New returns an empty Scheduler driving radio and paced against clock.
func New(clock *meshclock.Clock, r radio.Radio) *Scheduler {
	return &Scheduler{
		clock:       clock,
		radio:       r,
		nextAllowed: make(map[wire.Opcode]uint64),
	}
}

// Len reports the number of queued entries.
func (s *Scheduler) Len() int { return len(s.queue) }

// Enqueue adds a frame to the queue with the default retry budget. Urgent
// frames (FlagUrgent) jump ahead of already-queued non-urgent frames,
// preserving relative order among urgent entries and among non-urgent ones.
func (s *Scheduler) Enqueue(mac [6]byte, op wire.Opcode, data []byte, urgent bool) error {
	return s.EnqueueWithRetries(mac, op, data, DefaultRetries, urgent)
}

// EnqueueWithRetries is Enqueue with an explicit retry budget.
func (s *Scheduler) EnqueueWithRetries(mac [6]byte, op wire.Opcode, data []byte, retries uint8, urgent bool) error {
	if len(s.queue) >= Capacity {
		return ErrFull
	}
	e := Entry{
		MAC:            mac,
		Opcode:         op,
		Data:           append([]byte(nil), data...),
		RetriesLeft:    retries,
		NextEarliestMs: s.clock.NowMs(),
		Urgent:         urgent,
	}
	if !urgent {
		s.queue = append(s.queue, e)
		return nil
	}
	pos := 0
	for pos < len(s.queue) && s.queue[pos].Urgent {
		pos++
	}
	s.queue = append(s.queue, Entry{})
	copy(s.queue[pos+1:], s.queue[pos:])
	s.queue[pos] = e
	return nil
}

// Tick examines the head entry and sends it if its (and its opcode's)
// earliest-send time has passed. On transport success the entry
// is removed and the opcode's next-allowed time advances by the opcode's
// interval. On failure, retries decrement; at zero the entry is dropped,
// otherwise its earliest-send time is pushed out by the backoff.
func (s *Scheduler) Tick() {
	if len(s.queue) == 0 {
		return
	}
	head := &s.queue[0]
	now := s.clock.NowMs()

	effective := head.NextEarliestMs
	if allowed := s.nextAllowed[head.Opcode]; allowed > effective {
		effective = allowed
	}
	if now < effective {
		return
	}

	res, err := s.radio.Send(head.MAC, head.Data)
	if err == nil && res == radio.SendOK {
		s.nextAllowed[head.Opcode] = now + IntervalMs(head.Opcode)
		s.popFront()
		return
	}

	if head.RetriesLeft == 0 {
		s.popFront()
		return
	}
	head.RetriesLeft--
	head.NextEarliestMs = now + backoffMs(head.Opcode)
}

func (s *Scheduler) popFront() {
	s.queue = s.queue[1:]
}
