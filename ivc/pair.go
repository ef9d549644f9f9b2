package ivc

import "fmt"

// Endpoint identifies one end of a channel whose queues share one region.
type Endpoint int

const (
	EndpointA Endpoint = iota
	EndpointB
)

// RegionSize returns the size of a region holding both queues of a channel.
func RegionSize(numFrames, frameSize int) int {
	return 2 * QueueSize(numFrames, frameSize)
}

// Attach returns the given end of a channel laid out in mem. A transmits on the
// first queue and B on the second.
func Attach(mem []byte, ep Endpoint, cfg Config) (*Channel, error) {
	qsz := QueueSize(cfg.NumFrames, cfg.FrameSize)
	if cfg.NumFrames <= 0 || cfg.FrameSize <= 0 || len(mem) < 2*qsz {
		return nil, fmt.Errorf("%w: region of %d bytes is too small", ErrConfig, len(mem))
	}

	q0, q1 := mem[:qsz], mem[qsz:2*qsz]

	switch ep {
	case EndpointA:
		return New(q1, q0, cfg)

	case EndpointB:
		return New(q0, q1, cfg)

	default:
		return nil, fmt.Errorf("%w: invalid endpoint %d", ErrConfig, ep)
	}
}

// NewPair returns both ends of a channel in process memory, each ringing the
// other's doorbell directly. Any Notify in cfg is ignored. Neither end is ready
// until one calls Reset and both call Notified.
func NewPair(cfg Config) (a, b *Channel, err error) {
	if err := cfg.validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	mem := make([]byte, RegionSize(cfg.NumFrames, cfg.FrameSize))

	ca := cfg
	ca.Notify = func() error { b.Signal(); return nil }
	if a, err = Attach(mem, EndpointA, ca); err != nil {
		return nil, nil, err
	}

	cb := cfg
	cb.Notify = func() error { a.Signal(); return nil }
	if b, err = Attach(mem, EndpointB, cb); err != nil {
		return nil, nil, err
	}

	return a, b, nil
}

// Establish runs the reset handshake for both ends of an in-process pair.
func Establish(a, b *Channel) error {
	a.Reset()

	for i := 0; i < 3; i++ {
		errB := b.Notified()
		errA := a.Notified()
		if errA == nil && errB == nil {
			return nil
		}
	}

	return ErrResetTimeout
}
