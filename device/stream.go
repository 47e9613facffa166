package device

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/vertexml/tensorcore/envconfig"
)

func debugLog(op, format string, args ...any) {
	slog.Debug(op, "detail", fmt.Sprintf(format, args...))
}

// maybeFlush implements spec §4.3's flush heuristic: flush whenever
// len(Q) > MAX_BATCH (holding back the newest item so a still-building
// fusion isn't truncated mid-chain), or whenever BP == 0 (device fully
// caught up), or whenever BP == 1 and committed == scheduled (the device
// has accepted everything submitted so far and is about to go idle).
// Otherwise leave the queue alone so fusion keeps accumulating.
func (d *Device) maybeFlush() {
	d.mu.Lock()
	n := d.queue.len()
	if n == 0 {
		d.mu.Unlock()
		return
	}
	maxBatch := int(envconfig.MaxBatch())

	var items []queueItem
	bp := d.backpressure()
	switch {
	case n > maxBatch:
		items = d.queue.drainAllButLast()
	case bp == 0:
		items = d.queue.drainAll()
	case bp == 1 && atomic.LoadInt64(&d.committed) == atomic.LoadInt64(&d.scheduled):
		items = d.queue.drainAll()
	}
	d.mu.Unlock()

	// flushStream compiles and dispatches without mu held: encoding and
	// committing must not run while this goroutine still owns the lock,
	// since commit() and Barrier() both take it themselves.
	if len(items) > 0 {
		d.flushStream(items)
	}
}

// flushStream implements spec §4.3: compile the drained batch, encode each
// instruction, commit, and wire up the scheduled/completed callbacks. An
// OOM panicked by the encoder during this pass is recovered once: whatever
// instructions already encoded are committed as a partial command buffer,
// a barrier waits for them to complete (freeing their buffers), and the
// remaining instructions are retried exactly once before the error is
// allowed to propagate as an unrecoverable abort (spec §7 kind 2).
func (d *Device) flushStream(items []queueItem) {
	if len(items) == 0 {
		return
	}
	instructions := newCompiler().compile(items)
	d.dispatch(instructions, false)
}

// dispatch encodes and commits instructions. retried indicates this is the
// second attempt after an OOM recovery, so a further OOM aborts instead of
// retrying again (spec §4.3 step 4: "retry once; abort if it fails again").
func (d *Device) dispatch(instructions []*Instruction, retried bool) {
	if len(instructions) == 0 {
		return
	}

	remaining, encoded, oom := d.encodeWithRecovery(instructions)
	if len(encoded) > 0 {
		d.commit(encoded)
	}
	if oom == nil {
		return
	}
	if retried {
		panic(&ProgrammerError{Op: "flushStream", Message: oom.Error()})
	}
	// Drain in-flight work so freed buffers are actually returned to the
	// allocator before retrying (spec §4.3 step 4: "insert a barrier").
	d.Barrier()
	d.dispatch(remaining, true)
}

// encodeWithRecovery encodes instructions one at a time, stopping at the
// first OOM. It returns the instructions from the one that failed onward,
// those that encoded successfully, and the OOM error if one occurred.
func (d *Device) encodeWithRecovery(instructions []*Instruction) (remaining, encoded []*Instruction, oomErr *OOMError) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(*OOMError); ok {
				remaining = instructions[len(encoded):]
				oomErr = e
				return
			}
			panic(r)
		}
	}()

	for i, instr := range instructions {
		d.encoder.Encode(d, instr)
		encoded = append(encoded, instr)
		_ = i
	}
	return nil, encoded, nil
}

// commit hands encoded to the encoder as one command buffer, records the
// buffer's id as the last writer of every instruction's output, and
// registers completion bookkeeping that releases the handles retained at
// record time (spec §4.3 steps 5-6).
func (d *Device) commit(encoded []*Instruction) {
	d.mu.Lock()
	d.nextCBID++
	id := d.nextCBID
	cb := &commandBuffer{id: id, done: make(chan struct{})}
	d.cmdBuffers[id] = cb
	d.mu.Unlock()

	for _, instr := range encoded {
		switch {
		case instr.Elementwise != nil:
			instr.Elementwise.Output.LastWriterCBID = id
		case instr.ExplicitCopy != nil:
			instr.ExplicitCopy.Output.LastWriterCBID = id
		}
	}

	atomic.AddInt64(&d.committed, int64(len(encoded)))
	if envconfig.DebugCommandStream() {
		debugLog("commit", "command buffer %d: %d instructions", id, len(encoded))
	}

	d.encoder.Commit(id, encoded, func() {
		atomic.AddInt64(&d.scheduled, int64(len(encoded)))
	}, func() {
		atomic.AddInt64(&d.completed, int64(len(encoded)))
		d.mu.Lock()
		delete(d.cmdBuffers, id)
		d.mu.Unlock()

		// Balance the retain ExecuteOperation/ExecuteCopy placed on every
		// input and output when the op was first queued (spec §3 invariant
		// 1's "one balanced by compilation"). Release, not the map-delete
		// above, is what can call back into ReleaseHandle (which takes mu
		// itself), so it runs after the section above has already unlocked.
		for _, instr := range encoded {
			for _, h := range instr.retainedHandles() {
				h.Release()
			}
		}
		close(cb.done)
	})
}

// Barrier flushes any pending queue contents and blocks until every
// committed command buffer so far has completed (spec §4.3, §6 readTensor
// "forces a full flush + barrier").
func (d *Device) Barrier() {
	d.mu.Lock()
	if d.queue.len() > 0 {
		items := d.queue.drainAll()
		d.mu.Unlock()
		instructions := newCompiler().compile(items)
		d.dispatch(instructions, false)
		d.mu.Lock()
	}
	pending := make([]*commandBuffer, 0, len(d.cmdBuffers))
	for _, cb := range d.cmdBuffers {
		pending = append(pending, cb)
	}
	d.mu.Unlock()

	for _, cb := range pending {
		<-cb.done
	}
}
