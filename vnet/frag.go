package vnet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the size of the fragment header at the start of every frame.
const HeaderSize = 16

// fragment flags
const (
	FlagFirst = 1 << 0
	FlagLast  = 1 << 1
)

// fragHdr has the same fields as the fragment header. Total is the length of
// the whole packet and is carried by every fragment.
type fragHdr struct {
	Flags uint16
	Size  uint32
	Total uint32
}

// fragHdrView is a read-only view of a fragment header.
type fragHdrView []byte

var le = binary.LittleEndian

var (
	errNoFirst         = errors.New("vnet: fragment without a first fragment")
	errUnexpectedFirst = errors.New("vnet: first fragment during reassembly")
	errOverflow        = errors.New("vnet: fragments exceed packet size")
	errShort           = errors.New("vnet: last fragment before packet end")
	errBadHeader       = errors.New("vnet: invalid fragment header")
)

func (h fragHdr) PutBinary(p []byte) {
	le.PutUint16(p[0:], h.Flags)
	le.PutUint16(p[2:], 0)
	le.PutUint32(p[4:], h.Size)
	le.PutUint32(p[8:], h.Total)
	le.PutUint32(p[12:], 0)
}

func (v fragHdrView) Flags() uint16 { return le.Uint16(v[0:]) }
func (v fragHdrView) Size() uint32  { return le.Uint32(v[4:]) }
func (v fragHdrView) Total() uint32 { return le.Uint32(v[8:]) }
func (v fragHdrView) First() bool   { return v.Flags()&FlagFirst != 0 }
func (v fragHdrView) Last() bool    { return v.Flags()&FlagLast != 0 }

// reassembler rebuilds packets from fragments. It holds at most one packet.
// After an error it discards fragments through the next Last, unless a First
// starts a new packet.
type reassembler struct {
	maxPacket int

	buf        []byte
	total      int
	active     bool
	discarding bool
}

// push adds the fragment in frame. It returns the packet when frame completes
// one. An error means a packet was lost; the reassembler is ready for the next.
func (r *reassembler) push(frame []byte) (pkt []byte, err error) {
	if len(frame) < HeaderSize {
		return nil, r.fail(errBadHeader, false)
	}

	var (
		h     = fragHdrView(frame)
		size  = int(h.Size())
		total = int(h.Total())
		last  = h.Last()
	)

	if size > len(frame)-HeaderSize || total == 0 || total > r.maxPacket {
		return nil, r.fail(fmt.Errorf("%w: size %d total %d", errBadHeader, size, total), last)
	}

	data := frame[HeaderSize : HeaderSize+size]

	switch {

	// the packet being assembled is lost, and so is the new one: its
	// fragments can't be told apart from the old packet's
	case h.First() && r.active:
		return nil, r.fail(errUnexpectedFirst, last)

	case h.First():
		r.active = true
		r.discarding = false
		r.total = total
		r.buf = make([]byte, 0, total)

	case r.discarding:
		if last {
			r.discarding = false
		}

		return nil, nil

	case !r.active:
		return nil, r.fail(errNoFirst, last)
	}

	if len(r.buf)+size > r.total {
		return nil, r.fail(fmt.Errorf("%w: %d > %d", errOverflow, len(r.buf)+size, r.total), last)
	}

	r.buf = append(r.buf, data...)

	if !last {
		return nil, nil
	}

	if len(r.buf) != r.total {
		return nil, r.fail(fmt.Errorf("%w: %d < %d", errShort, len(r.buf), r.total), true)
	}

	pkt = r.buf
	r.reset()
	return pkt, nil
}

// abort drops the packet being assembled, reporting whether there was one.
func (r *reassembler) abort() bool {
	active := r.active
	r.reset()
	return active
}

// fail drops the packet being assembled and discards fragments through the
// next Last unless the failing fragment is itself the last.
func (r *reassembler) fail(err error, last bool) error {
	r.reset()
	r.discarding = !last
	return err
}

func (r *reassembler) reset() {
	r.buf = nil
	r.total = 0
	r.active = false
	r.discarding = false
}
