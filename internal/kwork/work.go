// Package kwork bridges kernel work submissions onto a VirtIO device
// queue: requests go in as buffers, descriptors are granted and tracked,
// and completions come back through callbacks from the tick path.
package kwork

import "github.com/vmos-dev/vmos/internal/virtio"

// Result classifies how a request finished. Anything other than OK
// means the buffer holds no usable data.
type Result int

const (
	OK Result = iota
	// Busy reports descriptor exhaustion; retry after completions drain.
	Busy
	// NoDevice reports no device was discovered. Permanent.
	NoDevice
	Cancelled
	Invalid
	IOError
)

func (r Result) String() string {
	switch r {
	case OK:
		return "ok"
	case Busy:
		return "busy"
	case NoDevice:
		return "no-device"
	case Cancelled:
		return "cancelled"
	case Invalid:
		return "invalid"
	case IOError:
		return "io-error"
	default:
		return "unknown"
	}
}

// CompleteFunc receives the finished request. It runs on the Tick
// caller's goroutine, never in interrupt context.
type CompleteFunc func(req *Request)

type requestState int

const (
	stateIdle requestState = iota
	stateInflight
	stateDone
)

// Request is one unit of device work: fill Buf (at BufOff, Len bytes of
// arena memory) and call Complete. Callers own the struct until the
// callback fires; after that it may be reused.
type Request struct {
	// BufOff and Len locate the destination buffer inside the arena.
	BufOff uint64
	Len    uint32

	Complete CompleteFunc

	// Set by the bridge.
	Result    Result
	Completed uint32

	handle virtio.DescHandle
	state  requestState
}

// finish moves the request to done and fires the callback once.
func (r *Request) finish(res Result, n uint32) {
	if r.state == stateDone {
		return
	}
	r.state = stateDone
	r.Result = res
	r.Completed = n
	if r.Complete != nil {
		r.Complete(r)
	}
}
