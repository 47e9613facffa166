package device

// Encoder is the boundary to the actual compute device: given a compiled
// instruction, materialize its inputs/output, pick the kernel for the
// instruction's data group, and dispatch it. This package owns only the
// contract an encoder must satisfy, plus a reference software
// implementation (softwareEncoder) good enough to exercise the whole
// pipeline in tests.
//
// Encode may panic with *OOMError if it cannot allocate a buffer; the
// command stream recovers from that panic.
type Encoder interface {
	// Encode materializes any not-yet-materialized input/output buffers on
	// instr (via the device's allocator) and records the dispatch. It does
	// not have to actually run the computation synchronously.
	Encode(d *Device, instr *Instruction)

	// Commit hands a batch of already-encoded instructions off as one
	// command buffer. scheduled is invoked once the device has accepted
	// the buffer; completed is invoked once execution finishes. Both may
	// run on a goroutine other than the caller's.
	Commit(id int64, encoded []*Instruction, scheduled func(), completed func())
}

// EncoderFactory builds an Encoder for a newly constructed device,
// mirroring a registered-backend pattern so a program can select among
// encoder implementations (real GPU vs. software) by name without this
// package importing either.
type EncoderFactory func() Encoder

var encoderFactories = map[string]EncoderFactory{}

// RegisterEncoderFactory registers a named encoder implementation. Called
// from an encoder implementation's init(), e.g. softwareencoder.go's
// "software" factory.
func RegisterEncoderFactory(name string, factory EncoderFactory) {
	if _, exists := encoderFactories[name]; exists {
		fatalf("RegisterEncoderFactory", "encoder %q already registered", name)
	}
	encoderFactories[name] = factory
}

// NewEncoder builds an encoder by its registered name.
func NewEncoder(name string) Encoder {
	factory, ok := encoderFactories[name]
	if !ok {
		fatalf("NewEncoder", "unknown encoder %q", name)
	}
	return factory()
}
