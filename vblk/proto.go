// Package vblk transfers block I/O over an IVC channel. A Device splits each
// request into frame-sized transfers and a Server answers them from a
// BlockStorage.
package vblk

import (
	"encoding/binary"
	"fmt"
)

// Cmd is a frame command.
type Cmd uint32

const (
	CmdRead   Cmd = 1
	CmdWrite  Cmd = 2
	CmdFlush  Cmd = 3
	CmdConfig Cmd = 4
)

// HeaderSize is the size of the header at the start of every frame.
const HeaderSize = 32

// InfoSize is the size of the config payload.
const InfoSize = 20

// Header has the same fields as the frame header. Requests and results share
// it; a result echoes its request's header with Status set.
type Header struct {
	Cmd    Cmd
	Serial uint32 // 1-based frame number within a request
	Sector uint64
	Count  uint32 // sectors in this frame
	Total  uint32 // frames in the request
	Status int32  // 0 or a negative errno
	ReqID  uint32
}

// hdrView is a read-only view of a frame header.
type hdrView []byte

// Info is the remote device's geometry, answered to a config query.
type Info struct {
	TotalSectors    uint64
	SectorSize      uint32
	MaxSectorsPerIO uint32
	ReadOnly        bool
}

var le = binary.LittleEndian

// ParseHeader decodes the header at the start of p.
func ParseHeader(p []byte) Header {
	return hdrView(p).Header()
}

// PutBinary encodes h into the start of p.
func (h Header) PutBinary(p []byte) {
	le.PutUint32(p[0:], uint32(h.Cmd))
	le.PutUint32(p[4:], h.Serial)
	le.PutUint64(p[8:], h.Sector)
	le.PutUint32(p[16:], h.Count)
	le.PutUint32(p[20:], h.Total)
	le.PutUint32(p[24:], uint32(h.Status))
	le.PutUint32(p[28:], h.ReqID)
}

func (v hdrView) Cmd() Cmd       { return Cmd(le.Uint32(v[0:])) }
func (v hdrView) Serial() uint32 { return le.Uint32(v[4:]) }
func (v hdrView) Sector() uint64 { return le.Uint64(v[8:]) }
func (v hdrView) Count() uint32  { return le.Uint32(v[16:]) }
func (v hdrView) Total() uint32  { return le.Uint32(v[20:]) }
func (v hdrView) Status() int32  { return int32(le.Uint32(v[24:])) }
func (v hdrView) ReqID() uint32  { return le.Uint32(v[28:]) }

func (v hdrView) Header() Header {
	return Header{
		Cmd:    v.Cmd(),
		Serial: v.Serial(),
		Sector: v.Sector(),
		Count:  v.Count(),
		Total:  v.Total(),
		Status: v.Status(),
		ReqID:  v.ReqID(),
	}
}

// ParseInfo decodes a config payload.
func ParseInfo(p []byte) Info {
	return Info{
		TotalSectors:    le.Uint64(p[0:]),
		SectorSize:      le.Uint32(p[8:]),
		MaxSectorsPerIO: le.Uint32(p[12:]),
		ReadOnly:        le.Uint32(p[16:]) != 0,
	}
}

// PutBinary encodes info into the start of p.
func (info Info) PutBinary(p []byte) {
	var ro uint32
	if info.ReadOnly {
		ro = 1
	}

	le.PutUint64(p[0:], info.TotalSectors)
	le.PutUint32(p[8:], info.SectorSize)
	le.PutUint32(p[12:], info.MaxSectorsPerIO)
	le.PutUint32(p[16:], ro)
}

// Size returns the device size in bytes.
func (info Info) Size() int64 {
	return int64(info.TotalSectors) * int64(info.SectorSize)
}

// MaxSectorsPerFrame returns how many sectors fit in the payload of one frame.
func MaxSectorsPerFrame(frameSize int, sectorSize uint32) uint32 {
	if sectorSize == 0 || frameSize <= HeaderSize {
		return 0
	}

	return uint32(frameSize-HeaderSize) / sectorSize
}

// NumFrames returns the number of frames needed to move count sectors.
func NumFrames(count, maxSectorsPerFrame uint32) uint32 {
	if count == 0 {
		return 1
	}

	return (count + maxSectorsPerFrame - 1) / maxSectorsPerFrame
}

func (c Cmd) String() string {
	switch c {
	case CmdRead:
		return "read"

	case CmdWrite:
		return "write"

	case CmdFlush:
		return "flush"

	case CmdConfig:
		return "config"

	default:
		return fmt.Sprintf("Cmd(%d)", uint32(c))
	}
}
