package blkio

// OpKind is the request type of an operation.
type OpKind int

const (
	OpRead OpKind = iota
	OpWrite
	OpTrim
	// OpFlush covers both flush and datasync requests; offset and buffer
	// are ignored.
	OpFlush
)

// String returns the kind name for logs.
func (k OpKind) String() string {
	switch k {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpTrim:
		return "trim"
	case OpFlush:
		return "flush"
	default:
		return "unknown"
	}
}

// Op is one request handed to Submit. The engine never retains Op beyond
// the Submit call; Buf must stay valid and untouched until the matching
// completion has been reaped.
type Op struct {
	// Tag is the opaque handle returned with the completion. The engine
	// passes it through unchanged.
	Tag uint64

	// Kind selects the request type.
	Kind OpKind

	// Offset is the byte offset on the device.
	Offset uint64

	// Buf is the transfer span for reads and writes. For trims only
	// len(Buf) matters when Length is zero; for flushes it is ignored.
	Buf []byte

	// Length is the trim extent in bytes. Zero means len(Buf).
	Length uint64

	// Slot identifies the in-flight window slot of this operation,
	// 0 <= Slot < QueueDepth. In vectored mode the engine stores the
	// request's iovec there so it stays valid while in flight.
	Slot int
}

// extent returns the trim length of op.
func (op *Op) extent() uint64 {
	if op.Length != 0 {
		return op.Length
	}
	return uint64(len(op.Buf))
}

// Submit enqueues op on the engine's queue. It never blocks and never
// reports per-operation I/O failure — failures arrive later as a negative
// completion outcome under op.Tag. The only synchronous failure is an
// operation kind the engine does not support, which never reaches the
// queue.
func (e *Engine) Submit(op *Op) error {
	switch op.Kind {
	case OpRead:
		if e.cfg.Vectored {
			iov := &e.iovecs[op.Slot]
			iov.Base = &op.Buf[0]
			iov.SetLen(len(op.Buf))
			e.q.Readv(op.Offset, e.iovecs[op.Slot:op.Slot+1], op.Tag)
		} else {
			e.q.Read(op.Offset, op.Buf, op.Tag)
		}
	case OpWrite:
		if e.cfg.Vectored {
			iov := &e.iovecs[op.Slot]
			iov.Base = &op.Buf[0]
			iov.SetLen(len(op.Buf))
			e.q.Writev(op.Offset, e.iovecs[op.Slot:op.Slot+1], op.Tag)
		} else {
			e.q.Write(op.Offset, op.Buf, op.Tag)
		}
	case OpTrim:
		if e.cfg.WriteZeroesOnTrim {
			e.q.WriteZeroes(op.Offset, op.extent(), op.Tag)
		} else {
			e.q.Discard(op.Offset, op.extent(), op.Tag)
		}
	case OpFlush:
		e.q.Flush(op.Tag)
	default:
		err := NewUnsupportedOpError(op.Kind)
		e.log.Warn("rejected operation", "kind", int(op.Kind), "tag", op.Tag)
		return err
	}

	e.obs.ObserveSubmit(op.Kind, uint64(len(op.Buf)))
	return nil
}
