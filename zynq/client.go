package zynq

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/c360/labctrl/cmdlist"
	"github.com/c360/labctrl/errors"
)

// Channel counts of the controller
const (
	NumTTL = 32
	NumDDS = 22
)

// ClockOff is the clock divider value that disables the clock output.
const ClockOff = 255

// Querier sends one request and returns the reply frames.
type Querier interface {
	Query(ctx context.Context, frames ...[]byte) ([][]byte, error)
}

// StateID versions the channel state of the device. Instance changes when
// the device server restarts. A negative Counter means a sequence is
// running.
type StateID struct {
	Counter  int64
	Instance uint64
}

// Running reports whether the device flagged a running sequence
func (s StateID) Running() bool {
	return s.Counter < 0
}

// Unknown reports the zero id returned by a short or missing reply
func (s StateID) Unknown() bool {
	return s.Counter == 0 && s.Instance == 0
}

// NameID versions the channel names of the device
type NameID struct {
	Counter  uint64
	Instance uint64
}

// Unknown reports the zero id
func (n NameID) Unknown() bool {
	return n.Counter == 0 && n.Instance == 0
}

// SeqID is the 128-bit handle of a started sequence, kept as four 32-bit
// words in device byte order.
type SeqID [4]int32

func (id SeqID) bytes() []byte {
	buf := make([]byte, 16)
	for i, w := range id {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(w))
	}
	return buf
}

// DDSKind selects the DDS parameter
type DDSKind uint8

// DDS parameters
const (
	DDSFreq DDSKind = iota
	DDSAmp
	DDSPhase
)

var ddsKindNames = [...]string{"freq", "amp", "phase"}

func (k DDSKind) String() string {
	if int(k) < len(ddsKindNames) {
		return ddsKindNames[k]
	}
	return fmt.Sprintf("kind%d", uint8(k))
}

// DDSID packs a parameter kind and channel into the wire id
func DDSID(kind DDSKind, chn int) uint8 {
	return uint8(kind)<<6 | uint8(chn&0x3f)
}

// SplitDDSID is the inverse of DDSID
func SplitDDSID(id uint8) (DDSKind, int) {
	return DDSKind(id >> 6), int(id & 0x3f)
}

// DDSValue is one DDS parameter value
type DDSValue struct {
	ID    uint8
	Value int32
}

// ChannelName labels a channel
type ChannelName struct {
	Chn  uint8
	Name string
}

// Client encodes the controller's request/reply protocol.
type Client struct {
	q      Querier
	logger *slog.Logger
}

// NewClient creates a client over q
func NewClient(q Querier, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{q: q, logger: logger}
}

func (c *Client) query(ctx context.Context, cmd string, args ...[]byte) (*BufferReader, error) {
	frames := append([][]byte{[]byte(cmd)}, args...)
	rep, err := c.q.Query(ctx, frames...)
	if err != nil {
		return nil, errors.Wrap(err, "Client", "query", cmd)
	}
	if len(rep) == 0 {
		return NewBufferReader(nil), nil
	}
	return NewBufferReader(rep[0]), nil
}

func (c *Client) short(cmd string, r *BufferReader) {
	c.logger.Warn("Invalid reply: message too short", "command", cmd, "bytes", r.Remaining())
}

func (c *Client) errcode(ctx context.Context, cmd string, args ...[]byte) (bool, error) {
	r, err := c.query(ctx, cmd, args...)
	if err != nil {
		return false, err
	}
	if r.Remaining() < 1 {
		c.short(cmd, r)
		return false, nil
	}
	return r.Int8() == 0, nil
}

// GetStartup returns the startup sequence text
func (c *Client) GetStartup(ctx context.Context) (string, error) {
	r, err := c.query(ctx, "get_startup")
	if err != nil {
		return "", err
	}
	s, _ := r.Str0()
	return s, nil
}

// SetStartup stores a startup sequence. A syntax error is returned as
// perr with ok false.
func (c *Client) SetStartup(ctx context.Context, text string) (ok bool, perr *cmdlist.ParseError, err error) {
	r, err := c.query(ctx, "set_startup", append([]byte(text), 0))
	if err != nil {
		return false, nil, err
	}
	if r.Remaining() < 1 {
		c.short("set_startup", r)
		return false, nil, nil
	}
	switch code := r.Int8(); code {
	case 0:
		return true, nil, nil
	case 1:
	default:
		c.logger.Info("Unknown set_startup error code", "code", code)
		return false, nil, nil
	}

	msg, ok1 := r.Str0()
	line, ok2 := r.Str0()
	if !ok1 || !ok2 || r.Remaining() < 16 {
		c.logger.Warn("Invalid set_startup reply: truncated parse error")
		return false, nil, nil
	}
	return false, &cmdlist.ParseError{
		Msg:      msg,
		Line:     line,
		Lineno:   r.Int32(),
		Colnum:   r.Int32(),
		Colstart: r.Int32(),
		Colend:   r.Int32(),
	}, nil
}

func encodeNames(names []ChannelName) []byte {
	var buf []byte
	for _, n := range names {
		buf = append(buf, n.Chn)
		buf = append(buf, n.Name...)
		buf = append(buf, 0)
	}
	return buf
}

func (c *Client) getNames(ctx context.Context, cmd string) ([]ChannelName, error) {
	r, err := c.query(ctx, cmd)
	if err != nil {
		return nil, err
	}
	var names []ChannelName
	for r.Remaining() > 0 {
		chn := r.Uint8()
		name, ok := r.Str0()
		if !ok {
			c.short(cmd, r)
			break
		}
		names = append(names, ChannelName{Chn: chn, Name: name})
	}
	return names, nil
}

// SetTTLNames labels TTL channels
func (c *Client) SetTTLNames(ctx context.Context, names []ChannelName) (bool, error) {
	return c.errcode(ctx, "set_ttl_names", encodeNames(names))
}

// GetTTLNames returns the labelled TTL channels
func (c *Client) GetTTLNames(ctx context.Context) ([]ChannelName, error) {
	return c.getNames(ctx, "get_ttl_names")
}

// SetDDSNames labels DDS channels
func (c *Client) SetDDSNames(ctx context.Context, names []ChannelName) (bool, error) {
	return c.errcode(ctx, "set_dds_names", encodeNames(names))
}

// GetDDSNames returns the labelled DDS channels
func (c *Client) GetDDSNames(ctx context.Context) ([]ChannelName, error) {
	return c.getNames(ctx, "get_dds_names")
}

// OverrideTTL forces the lo mask low and the hi mask high and releases the
// normal mask. It returns the resulting override masks; all zero masks
// only read them.
func (c *Client) OverrideTTL(ctx context.Context, lo, hi, normal uint32) (uint32, uint32, error) {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf, lo)
	binary.LittleEndian.PutUint32(buf[4:], hi)
	binary.LittleEndian.PutUint32(buf[8:], normal)
	r, err := c.query(ctx, "override_ttl", buf)
	if err != nil {
		return 0, 0, err
	}
	if r.Remaining() < 8 {
		c.short("override_ttl", r)
		return 0, 0, nil
	}
	return r.Uint32(), r.Uint32(), nil
}

// SetTTL clears lo and sets hi, returning the resulting TTL word; zero
// masks only read it.
func (c *Client) SetTTL(ctx context.Context, lo, hi uint32) (uint32, error) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf, lo)
	binary.LittleEndian.PutUint32(buf[4:], hi)
	r, err := c.query(ctx, "set_ttl", buf)
	if err != nil {
		return 0, err
	}
	if r.Remaining() < 4 {
		c.short("set_ttl", r)
		return 0, nil
	}
	return r.Uint32(), nil
}

// SetClock sets the clock divider
func (c *Client) SetClock(ctx context.Context, div uint8) (bool, error) {
	return c.errcode(ctx, "set_clock", []byte{div})
}

// GetClock returns the clock divider, ClockOff on a short reply
func (c *Client) GetClock(ctx context.Context) (uint8, error) {
	r, err := c.query(ctx, "get_clock")
	if err != nil {
		return ClockOff, err
	}
	if r.Remaining() < 1 {
		c.short("get_clock", r)
		return ClockOff, nil
	}
	return r.Uint8(), nil
}

func encodeDDS(vals []DDSValue) []byte {
	buf := make([]byte, 0, len(vals)*5)
	for _, v := range vals {
		buf = append(buf, v.ID)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(v.Value))
	}
	return buf
}

func (c *Client) getDDS(ctx context.Context, cmd string, chns []uint8) ([]DDSValue, error) {
	var args [][]byte
	if len(chns) > 0 {
		args = append(args, chns)
	}
	r, err := c.query(ctx, cmd, args...)
	if err != nil {
		return nil, err
	}
	var out []DDSValue
	for r.Remaining() >= 5 {
		out = append(out, DDSValue{ID: r.Uint8(), Value: r.Int32()})
	}
	return out, nil
}

// SetDDS writes DDS parameters
func (c *Client) SetDDS(ctx context.Context, vals []DDSValue) (bool, error) {
	return c.errcode(ctx, "set_dds", encodeDDS(vals))
}

// OverrideDDS pins DDS parameters; a value of -1 releases the override.
func (c *Client) OverrideDDS(ctx context.Context, vals []DDSValue) (bool, error) {
	return c.errcode(ctx, "override_dds", encodeDDS(vals))
}

// GetDDS reads DDS parameters, all of them when ids is empty
func (c *Client) GetDDS(ctx context.Context, ids ...uint8) ([]DDSValue, error) {
	return c.getDDS(ctx, "get_dds", ids)
}

// GetOverrideDDS returns the pinned DDS parameters
func (c *Client) GetOverrideDDS(ctx context.Context) ([]DDSValue, error) {
	return c.getDDS(ctx, "get_override_dds", nil)
}

// ResetDDS resets one DDS channel
func (c *Client) ResetDDS(ctx context.Context, chn uint8) (bool, error) {
	return c.errcode(ctx, "reset_dds", []byte{chn})
}

// StateID reads the state version, the zero id on a short reply
func (c *Client) StateID(ctx context.Context) (StateID, error) {
	r, err := c.query(ctx, "state_id")
	if err != nil {
		return StateID{}, err
	}
	if r.Remaining() < 16 {
		c.short("state_id", r)
		return StateID{}, nil
	}
	return StateID{Counter: r.Int64(), Instance: r.Uint64()}, nil
}

// NameID reads the name version, the zero id on a short reply
func (c *Client) NameID(ctx context.Context) (NameID, error) {
	r, err := c.query(ctx, "name_id")
	if err != nil {
		return NameID{}, err
	}
	if r.Remaining() < 16 {
		c.short("name_id", r)
		return NameID{}, nil
	}
	return NameID{Counter: r.Uint64(), Instance: r.Uint64()}, nil
}

// cmdlistVersion prefixes every uploaded program
var cmdlistVersion = []byte{1, 0, 0, 0}

// RunCmdlist uploads and starts a compiled program. ok is false when the
// device refused it.
func (c *Client) RunCmdlist(ctx context.Context, program []byte) (id SeqID, flags [2]bool, ok bool, err error) {
	r, err := c.query(ctx, "run_cmdlist", cmdlistVersion, program)
	if err != nil {
		return id, flags, false, err
	}
	if r.Remaining() < 18 {
		return id, flags, false, nil
	}
	for i := range id {
		id[i] = r.Int32()
	}
	flags[0] = r.Int8() != 0
	flags[1] = r.Int8() != 0
	return id, flags, true, nil
}

// Wait types of WaitSeq
const (
	WaitStart  = 1
	WaitFinish = 2
)

// WaitSeq blocks until the sequence reaches the given stage
func (c *Client) WaitSeq(ctx context.Context, id SeqID, typ int8) (bool, error) {
	return c.errcode(ctx, "wait_seq", append(id.bytes(), byte(typ)))
}

// CancelSeq cancels the given sequence, or the current one when id is nil
func (c *Client) CancelSeq(ctx context.Context, id *SeqID) (bool, error) {
	if id == nil {
		return c.errcode(ctx, "cancel_seq")
	}
	return c.errcode(ctx, "cancel_seq", id.bytes())
}
