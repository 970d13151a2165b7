package zynq

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/c360/labctrl/transport"
)

// fakeDevice answers the controller protocol over MemSockets.
type fakeDevice struct {
	mu       sync.Mutex
	clock    uint8
	ttl      uint32
	ovrLo    uint32
	ovrHi    uint32
	dds      map[uint8]int32
	ddsOvr   map[uint8]int32
	ttlNames map[uint8]string
	ddsNames map[uint8]string
	counter  int64
	instance uint64
	nameCtr  uint64
	running  bool
	startup  string
	log      []string
	seq      int32
	waiters  []chan bool

	silent atomic.Bool
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		clock:    ClockOff,
		dds:      make(map[uint8]int32),
		ddsOvr:   make(map[uint8]int32),
		ttlNames: make(map[uint8]string),
		ddsNames: make(map[uint8]string),
		counter:  1,
		instance: 7,
		nameCtr:  1,
	}
}

// serveAll serves every socket the dialer hands out.
func (f *fakeDevice) serveAll(dialer *transport.MemDialer) {
	for sock := range dialer.Sockets() {
		go f.serve(sock)
	}
}

func (f *fakeDevice) serve(sock *transport.MemSocket) {
	for {
		select {
		case <-sock.Closed():
			return
		case req := <-sock.Requests():
			if f.silent.Load() {
				continue
			}
			addr, payload, ok := transport.SplitRequest(req)
			if !ok || len(payload) == 0 {
				continue
			}
			reply := func(b []byte) {
				sock.Reply([][]byte{addr, {}, b})
			}
			if string(payload[0]) == "wait_seq" {
				ch := f.addWaiter()
				go func() {
					if <-ch {
						reply([]byte{0})
					} else {
						reply([]byte{1})
					}
				}()
				continue
			}
			reply(f.handle(string(payload[0]), payload[1:]))
		}
	}
}

func (f *fakeDevice) addWaiter() chan bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, "wait_seq")
	ch := make(chan bool, 1)
	f.waiters = append(f.waiters, ch)
	return ch
}

func (f *fakeDevice) bump() {
	f.counter++
}

func (f *fakeDevice) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

func (f *fakeDevice) state() (uint32, uint32, uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ttl, f.ovrLo, f.ovrHi
}

func (f *fakeDevice) withLock(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn()
}

func u32(b []byte, i int) uint32 {
	return binary.LittleEndian.Uint32(b[i*4:])
}

func arg(args [][]byte) []byte {
	if len(args) == 0 {
		return nil
	}
	return args[0]
}

func sortedDDS(m map[uint8]int32) []byte {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	var buf []byte
	for _, id := range ids {
		buf = append(buf, uint8(id))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(m[uint8(id)]))
	}
	return buf
}

func sortedNames(m map[uint8]string) []byte {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	var buf []byte
	for _, id := range ids {
		buf = append(buf, uint8(id))
		buf = append(buf, m[uint8(id)]...)
		buf = append(buf, 0)
	}
	return buf
}

func parseNames(b []byte) map[uint8]string {
	out := make(map[uint8]string)
	for len(b) > 1 {
		chn := b[0]
		end := bytes.IndexByte(b[1:], 0)
		if end < 0 {
			break
		}
		out[chn] = string(b[1 : 1+end])
		b = b[2+end:]
	}
	return out
}

func (f *fakeDevice) handle(cmd string, args [][]byte) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	a := arg(args)
	switch cmd {
	case "state_id":
		counter := f.counter
		if f.running {
			counter = -counter
		}
		buf := binary.LittleEndian.AppendUint64(nil, uint64(counter))
		return binary.LittleEndian.AppendUint64(buf, f.instance)
	case "name_id":
		buf := binary.LittleEndian.AppendUint64(nil, f.nameCtr)
		return binary.LittleEndian.AppendUint64(buf, f.instance)
	}

	f.log = append(f.log, cmd)
	switch cmd {
	case "get_clock":
		return []byte{f.clock}
	case "set_clock":
		f.clock = a[0]
		f.bump()
		return []byte{0}
	case "set_ttl":
		lo, hi := u32(a, 0), u32(a, 1)
		if lo|hi != 0 {
			f.log[len(f.log)-1] = fmt.Sprintf("set_ttl %#x %#x", lo, hi)
			f.ttl = f.ttl&^lo | hi
			f.bump()
		}
		return binary.LittleEndian.AppendUint32(nil, f.ttl)
	case "override_ttl":
		lo, hi, normal := u32(a, 0), u32(a, 1), u32(a, 2)
		if lo|hi|normal != 0 {
			f.log[len(f.log)-1] = fmt.Sprintf("override_ttl %#x %#x %#x", lo, hi, normal)
			f.ovrLo = (f.ovrLo | lo) &^ (hi | normal)
			f.ovrHi = (f.ovrHi | hi) &^ (lo | normal)
			f.bump()
		}
		buf := binary.LittleEndian.AppendUint32(nil, f.ovrLo)
		return binary.LittleEndian.AppendUint32(buf, f.ovrHi)
	case "set_dds", "override_dds":
		for len(a) >= 5 {
			id, v := a[0], int32(binary.LittleEndian.Uint32(a[1:]))
			switch {
			case cmd == "set_dds":
				f.dds[id] = v
			case v == -1:
				delete(f.ddsOvr, id)
			default:
				f.ddsOvr[id] = v
			}
			f.log[len(f.log)-1] += fmt.Sprintf(" %d=%d", id, v)
			a = a[5:]
		}
		f.bump()
		return []byte{0}
	case "get_dds":
		return sortedDDS(f.dds)
	case "get_override_dds":
		return sortedDDS(f.ddsOvr)
	case "reset_dds":
		chn := a[0]
		if chn >= NumDDS {
			return []byte{1}
		}
		for kind := DDSFreq; kind <= DDSPhase; kind++ {
			delete(f.dds, DDSID(kind, int(chn)))
			delete(f.ddsOvr, DDSID(kind, int(chn)))
		}
		f.bump()
		return []byte{0}
	case "set_ttl_names":
		for k, v := range parseNames(a) {
			f.ttlNames[k] = v
		}
		f.nameCtr++
		return []byte{0}
	case "set_dds_names":
		for k, v := range parseNames(a) {
			f.ddsNames[k] = v
		}
		f.nameCtr++
		return []byte{0}
	case "get_ttl_names":
		return sortedNames(f.ttlNames)
	case "get_dds_names":
		return sortedNames(f.ddsNames)
	case "get_startup":
		return append([]byte(f.startup), 0)
	case "set_startup":
		text := string(bytes.TrimRight(a, "\x00"))
		if text == "bad" {
			buf := []byte{1}
			buf = append(buf, "unknown command\x00bad\x00"...)
			for _, v := range []int32{1, 0, -1, -1} {
				buf = binary.LittleEndian.AppendUint32(buf, uint32(v))
			}
			return buf
		}
		f.startup = text
		return []byte{0}
	case "run_cmdlist":
		if len(args) < 2 || !bytes.Equal(args[0], []byte{1, 0, 0, 0}) || len(args[1]) < 12 {
			return []byte{}
		}
		f.seq++
		f.running = true
		var buf []byte
		for _, w := range []int32{f.seq, 0, 0, 42} {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(w))
		}
		return append(buf, 1, 0)
	case "cancel_seq":
		for _, ch := range f.waiters {
			ch <- false
		}
		f.waiters = nil
		f.running = false
		f.bump()
		return []byte{0}
	}
	return []byte{}
}
