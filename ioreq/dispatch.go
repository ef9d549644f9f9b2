package ioreq

import (
	"context"
	"slices"
)

// PCI configuration mechanism #1 ports and limits
const (
	pciCfgAddr = 0xcf8
	pciCfgData = 0xcfc

	pciRegMax  = 0xff
	pciFuncMax = 7
	pciSlotMax = 31
	pciBusMax  = 0xff

	pciEnable = 0x80000000
)

// pciAddr is a VM's last write to the PCI config address port.
type pciAddr struct {
	bus, dev, fn, reg uint32
	enable            bool
}

// Notify schedules a distribution pass on Run's goroutine. It never blocks and
// notifications are coalesced, so the hypervisor may call it from any context.
func (b *Broker) Notify() {
	select {
	case b.kickC <- struct{}{}:
	default:
	}
}

// Run distributes requests after each Notify until ctx is done.
func (b *Broker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-b.kickC:
			b.Distribute()
		}
	}
}

// Distribute scans every VM's slots once, moves each pending request to a
// client and wakes the clients that have work. VMs without a request buffer and
// VMs being destroyed are skipped. A pass over slots with nothing pending is a
// no-op. VMs are visited in vmid order; there is no fairness guarantee beyond
// every pending request being visited on each pass.
func (b *Broker) Distribute() {
	b.mu.Lock()

	ids := make([]int, 0, len(b.vms))
	for id := range b.vms {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	var done []finish
	for _, id := range ids {
		done = b.distribute(b.vms[id], done)
	}

	b.mu.Unlock()

	b.finish(done)
}

func (b *Broker) distribute(v *vm, done []finish) []finish {
	if v.buf == nil || v.destroying {
		return done
	}

	for vcpu := 0; vcpu < v.numVCPU; vcpu++ {
		// the state load orders the reads of the fields written before it
		s := SlotAt(v.buf, vcpu)
		if s.State() != Pending || !s.Valid() {
			continue
		}

		if v.pci.handle(s) {
			s.setStatus(StatusOK)
			if s.casState(Pending, Complete) {
				done = append(done, finish{v.id, vcpu})
			}

			continue
		}

		c := v.route(s)
		if c == nil {
			b.log.Warn("no ioreq client for request", "vm", v.id, "vcpu", vcpu,
				"type", s.Type(), "addr", s.Addr(), "size", s.Size())

			if s.Dir() == Read {
				s.setValue(0)
			}

			s.setStatus(StatusFailed)
			if s.casState(Pending, Complete) {
				done = append(done, finish{v.id, vcpu})
			}

			continue
		}

		s.setClient(c.id.index())
		if s.casState(Pending, InFlight) {
			c.inflight[vcpu] = struct{}{}
		}
	}

	for _, c := range v.clients {
		if len(c.inflight) > 0 {
			select {
			case c.wakeC <- struct{}{}:
			default:
			}
		}
	}

	return done
}

// route returns the client for s: the first client with a matching range or,
// for PCI config requests, an intercepted BDF; otherwise the fallback client.
func (v *vm) route(s Slot) *client {
	var (
		typ  = s.Type()
		addr = s.Addr()
		size = s.Size()
	)

	for _, c := range v.clients {
		if c.fallback {
			continue
		}

		if typ == PCICfg {
			if c.bdf != nil && *c.bdf == (bdf{v.pci.bus, v.pci.dev, v.pci.fn}) {
				return c
			}

			continue
		}

		for _, r := range c.ranges {
			if r.contains(typ, addr, size) {
				return c
			}
		}
	}

	return v.fallback
}

// handle emulates accesses to the PCI config address port and disabled config
// data accesses, reporting whether s was answered. Enabled data accesses are
// rewritten in place into PCICfg requests for the addressed function.
func (p *pciAddr) handle(s Slot) bool {
	if s.Type() != PortIO {
		return false
	}

	addr := s.Addr()

	switch {
	case addr >= pciCfgAddr && addr < pciCfgAddr+4:
		if s.Size() != 4 {
			return false
		}

		if s.Dir() == Write {
			v := uint32(s.Value())
			p.bus = v >> 16 & pciBusMax
			p.dev = v >> 11 & pciSlotMax
			p.fn = v >> 8 & pciFuncMax
			p.reg = v & pciRegMax
			p.enable = v&pciEnable != 0
			return true
		}

		v := p.bus<<16 | p.dev<<11 | p.fn<<8 | p.reg
		if p.enable {
			v |= pciEnable
		}

		s.setValue(uint64(v))
		return true

	case addr >= pciCfgData && addr < pciCfgData+4:
		if !p.enable {
			if s.Dir() == Read {
				s.setValue(0xffffffff)
			}

			return true
		}

		s.setType(PCICfg)
		s.setBDF(p.bus, p.dev, p.fn, p.reg+uint32(addr-pciCfgData))
		return false
	}

	return false
}
