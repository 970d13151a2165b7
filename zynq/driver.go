package zynq

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/labctrl/cmdlist"
	"github.com/c360/labctrl/errors"
	"github.com/c360/labctrl/health"
	"github.com/c360/labctrl/metric"
	"github.com/c360/labctrl/pkg/worker"
	"github.com/c360/labctrl/source"
	"github.com/c360/labctrl/transport"
	"github.com/c360/labctrl/tree"
)

// Timing controls the liveness loop
type Timing struct {
	Heartbeat        time.Duration
	RunningHeartbeat time.Duration
	Watchdog         time.Duration
	Resync           time.Duration
}

// DefaultTiming returns the production intervals
func DefaultTiming() Timing {
	return Timing{
		Heartbeat:        500 * time.Millisecond,
		RunningHeartbeat: 100 * time.Millisecond,
		Watchdog:         10 * time.Second,
		Resync:           time.Minute,
	}
}

// Options configures a Driver. Only Dialer is required.
type Options struct {
	Dialer          transport.Dialer
	Compiler        cmdlist.Compiler
	Timing          Timing
	Logger          *slog.Logger
	Metrics         *metric.Metrics
	MetricsRegistry *metric.MetricsRegistry
	Health          *health.Monitor
}

// write is one queued device command
type write struct {
	command string
	run     func(ctx context.Context) error
}

// Driver is the source of one controller. It mirrors the channel state of
// the device, polls it for liveness and turns client writes into device
// commands on a single writer.
type Driver struct {
	*source.Core

	dial     transport.Dialer
	compiler cmdlist.Compiler
	timing   Timing
	logger   *slog.Logger
	metrics  *metric.Metrics
	health   *health.Monitor

	linkMu sync.RWMutex
	dealer *transport.Dealer
	client *Client

	writer *worker.Pool[write]
	// setMu orders client writes: the tree snapshot, the queued commands
	// and the tree update of one write happen before the next write reads.
	setMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	resyncing atomic.Bool
	closeOnce sync.Once

	mu            sync.Mutex
	stateID       StateID
	syncedStateID StateID
	nameID        NameID
	syncedNameID  NameID
	running       bool
	lastValueSync time.Time
	lastNameSync  time.Time
}

// New creates a driver for the controller at addr and starts polling it.
// An unreachable device is not an error; the driver keeps retrying.
func New(id, addr string, opts Options) (*Driver, error) {
	if opts.Dialer == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Driver", "New", "dialer validation")
	}
	if addr == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Driver", "New", "address validation")
	}
	if opts.Timing == (Timing{}) {
		opts.Timing = DefaultTiming()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Driver{
		Core:     source.NewCore(id, initialValues()),
		dial:     opts.Dialer,
		compiler: opts.Compiler,
		timing:   opts.Timing,
		logger:   opts.Logger.With("source", id),
		metrics:  opts.Metrics,
		health:   opts.Health,
		ctx:      ctx,
		cancel:   cancel,
	}

	poolOpts := []worker.Option[write]{worker.WithErrorHandler(d.writeFailed)}
	if opts.MetricsRegistry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[write](opts.MetricsRegistry, "zynq_"+id))
	}
	d.writer = worker.NewPool(1, 256, func(ctx context.Context, w write) error {
		return w.run(ctx)
	}, poolOpts...)
	if err := d.writer.Start(ctx); err != nil {
		cancel()
		return nil, errors.Wrap(err, "Driver", "New", "start writer")
	}

	d.connect(addr)
	d.health.UpdateDegraded(id, "connecting to "+addr)

	d.wg.Add(1)
	go d.poll()
	return d, nil
}

// connect installs a dealer for addr. Open failures are retried by the
// liveness loop.
func (d *Driver) connect(addr string) {
	dealer := transport.NewDealer(addr, d.dial, d.logger, d.metrics)
	if err := dealer.Open(); err != nil {
		d.logger.Warn("Failed to open device socket", "addr", addr, "error", err)
	}
	d.linkMu.Lock()
	d.dealer = dealer
	d.client = NewClient(dealer, d.logger)
	d.linkMu.Unlock()
}

func (d *Driver) link() (*transport.Dealer, *Client) {
	d.linkMu.RLock()
	defer d.linkMu.RUnlock()
	return d.dealer, d.client
}

// Addr returns the current device address
func (d *Driver) Addr() string {
	dealer, _ := d.link()
	return dealer.Addr()
}

// Reconfig points the driver at a new address. The socket is only
// reopened when the address changed.
func (d *Driver) Reconfig(addr string) {
	old, _ := d.link()
	if old.Addr() == addr {
		return
	}
	d.logger.Info("Device address changed", "from", old.Addr(), "to", addr)
	d.connect(addr)
	if err := old.Close(); err != nil {
		d.logger.Warn("Failed to close old device socket", "error", err)
	}
}

// Close stops polling and closes the device socket.
func (d *Driver) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.cancel()
		if serr := d.writer.Stop(time.Second); serr != nil {
			d.logger.Warn("Writer did not stop in time", "error", serr)
		}
		d.wg.Wait()
		dealer, _ := d.link()
		err = dealer.Close()
		d.health.Remove(d.ID())
	})
	return err
}

// poll is the liveness loop.
func (d *Driver) poll() {
	defer d.wg.Done()
	for {
		interval := d.heartbeat()
		select {
		case <-d.ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// heartbeat queries the state and name ids once and returns the delay
// before the next heartbeat.
func (d *Driver) heartbeat() time.Duration {
	dealer, client := d.link()
	if !dealer.IsOpen() {
		if err := dealer.Open(); err != nil {
			d.metrics.RecordHeartbeat(d.ID(), "error")
			return d.timing.Heartbeat
		}
	}

	ctx, cancel := context.WithTimeout(d.ctx, d.timing.Watchdog)
	defer cancel()

	var st StateID
	var nm NameID
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		st, err = client.StateID(gctx)
		return err
	})
	g.Go(func() (err error) {
		nm, err = client.NameID(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		if d.ctx.Err() != nil {
			return 0
		}
		d.metrics.RecordHeartbeat(d.ID(), "error")
		if ctx.Err() == context.DeadlineExceeded {
			d.restart(dealer)
		} else {
			d.logger.Debug("Heartbeat failed", "error", err)
		}
		return d.timing.Heartbeat
	}

	d.mu.Lock()
	d.stateID = st
	d.nameID = nm
	d.running = st.Running()
	running := d.running
	restarted := st.Instance != d.syncedStateID.Instance && d.syncedStateID.Instance != 0
	d.mu.Unlock()

	d.UpdateValues(tree.Branch{"running": leaf(running), "connected": leaf(true)})
	if restarted {
		d.logger.Warn("Device server restarted, aborting all requests", "addr", dealer.Addr())
		dealer.AbortAll()
	}
	d.metrics.RecordHeartbeat(d.ID(), "ok")
	d.metrics.RecordDeviceStatus(d.ID(), true)
	d.health.UpdateHealthy(d.ID(), "device responding")

	if d.resyncing.CompareAndSwap(false, true) {
		d.wg.Add(1)
		go d.resync(time.Now())
	}

	if running {
		return d.timing.RunningHeartbeat
	}
	return d.timing.Heartbeat
}

// restart handles a device that stopped answering.
func (d *Driver) restart(dealer *transport.Dealer) {
	d.logger.Warn("Device not responding, restarting", "addr", dealer.Addr())
	d.UpdateValues(tree.Branch{"connected": leaf(false)})
	d.metrics.RecordDeviceStatus(d.ID(), false)
	d.metrics.RecordReconnect(d.ID())
	d.health.UpdateUnhealthy(d.ID(), "device not responding")
	if err := dealer.Reconnect(); err != nil {
		d.logger.Warn("Failed to reopen device socket", "error", err)
	}
	d.resyncing.Store(false)
}

// resync refreshes the channel state and names when they may be stale.
func (d *Driver) resync(now time.Time) {
	defer d.wg.Done()
	defer d.resyncing.Store(false)

	d.mu.Lock()
	syncValues := d.stateID != d.syncedStateID || d.stateID.Unknown() || d.running ||
		now.Sub(d.lastValueSync) > d.timing.Resync
	if syncValues {
		d.syncedStateID = d.stateID
		d.lastValueSync = now
	}
	syncNames := d.nameID != d.syncedNameID || d.nameID.Unknown() ||
		now.Sub(d.lastNameSync) > d.timing.Resync
	if syncNames {
		d.syncedNameID = d.nameID
		d.lastNameSync = now
	}
	d.mu.Unlock()

	var g errgroup.Group
	if syncValues {
		g.Go(d.syncValues)
	}
	if syncNames {
		g.Go(d.syncNames)
	}
	if err := g.Wait(); err != nil && d.ctx.Err() == nil {
		d.logger.Warn("Resync failed", "error", err)
	}
}

func (d *Driver) syncValues() error {
	_, client := d.link()
	g, ctx := errgroup.WithContext(d.ctx)

	var clock uint8
	var ovrLo, ovrHi, ttl uint32
	var dds, ddsOvr []DDSValue
	g.Go(func() (err error) {
		clock, err = client.GetClock(ctx)
		return err
	})
	g.Go(func() (err error) {
		ovrLo, ovrHi, err = client.OverrideTTL(ctx, 0, 0, 0)
		return err
	})
	g.Go(func() (err error) {
		ttl, err = client.SetTTL(ctx, 0, 0)
		return err
	})
	g.Go(func() (err error) {
		dds, err = client.GetDDS(ctx)
		return err
	})
	g.Go(func() (err error) {
		ddsOvr, err = client.GetOverrideDDS(ctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "Driver", "syncValues", "query channel state")
	}

	d.UpdateValues(reconcileValues(clock, ovrLo, ovrHi, ttl, dds, ddsOvr))
	d.metrics.RecordResync(d.ID())
	return nil
}

func (d *Driver) syncNames() error {
	_, client := d.link()
	g, ctx := errgroup.WithContext(d.ctx)

	var ttlNames, ddsNames []ChannelName
	g.Go(func() (err error) {
		ttlNames, err = client.GetTTLNames(ctx)
		return err
	})
	g.Go(func() (err error) {
		ddsNames, err = client.GetDDSNames(ctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "Driver", "syncNames", "query channel names")
	}

	d.UpdateValues(reconcileNames(ttlNames, ddsNames))
	return nil
}

// submit queues a device command on the writer.
func (d *Driver) submit(command string, fn func(ctx context.Context, c *Client) (bool, error)) {
	_, client := d.link()
	err := d.writer.Submit(write{command: command, run: func(ctx context.Context) error {
		ok, err := fn(ctx, client)
		if err != nil {
			return err
		}
		if !ok {
			return errors.ErrDeviceRejected
		}
		return nil
	}})
	if err != nil {
		d.writeFailed(write{command: command}, err)
	}
}

func (d *Driver) writeFailed(w write, err error) {
	if d.ctx.Err() != nil {
		return
	}
	d.logger.Error("Device write failed", "command", w.command, "error", err)
	d.metrics.RecordWriteError(d.ID(), w.command)
}

// SetValues applies a client write: clock divider, TTL values and
// overrides, DDS values and overrides, and channel names. The local tree
// is updated right away; device commands are queued.
func (d *Driver) SetValues(_ context.Context, params tree.Node) (any, bool) {
	vals, ok := params.(tree.Branch)
	if !ok {
		return false, true
	}
	d.setMu.Lock()
	defer d.setMu.Unlock()

	cur := d.Values()
	updates := make(tree.Branch)

	if n, ok := number(vals["clock"]); ok && n >= 0 && n <= 255 {
		div := uint8(n)
		updates["clock"] = leaf(float64(div))
		d.submit("set_clock", func(ctx context.Context, c *Client) (bool, error) {
			return c.SetClock(ctx, div)
		})
	}
	if ttl, ok := vals["ttl"].(tree.Branch); ok {
		curTTL, _ := cur["ttl"].(tree.Branch)
		if u := d.setTTL(ttl, curTTL); len(u) > 0 {
			updates["ttl"] = u
		}
	}
	if dds, ok := vals["dds"].(tree.Branch); ok {
		curDDS, _ := cur["dds"].(tree.Branch)
		if u := d.setDDS(dds, curDDS); len(u) > 0 {
			updates["dds"] = u
		}
	}

	d.UpdateValues(updates)
	return true, true
}

func (d *Driver) setTTL(set, cur tree.Branch) tree.Branch {
	updates := make(tree.Branch)
	vals := make(map[int]bool)
	ovrs := make(map[int]bool)
	var names []ChannelName

	for key, n := range set {
		m := ttlKey.FindStringSubmatch(key)
		if m == nil {
			continue
		}
		i, ok := channel(m[2], NumTTL)
		if !ok {
			continue
		}
		switch m[1] {
		case "val":
			vals[i] = truthy(n)
			updates[fmt.Sprintf("val%d", i)] = leaf(vals[i])
		case "ovr":
			ovrs[i] = truthy(n)
			updates[fmt.Sprintf("ovr%d", i)] = leaf(ovrs[i])
		case "name":
			name := text(n)
			updates[fmt.Sprintf("name%d", i)] = leaf(name)
			names = append(names, ChannelName{Chn: uint8(i), Name: name})
		}
	}
	if len(names) > 0 {
		sortNames(names)
		d.submit("set_ttl_names", func(ctx context.Context, c *Client) (bool, error) {
			return c.SetTTLNames(ctx, names)
		})
	}

	lo, hi, ovrLo, ovrHi, normal := ttlMasks(vals, ovrs, cur)
	if lo|hi != 0 {
		d.submit("set_ttl", func(ctx context.Context, c *Client) (bool, error) {
			_, err := c.SetTTL(ctx, lo, hi)
			return err == nil, err
		})
	}
	if ovrLo|ovrHi|normal != 0 {
		d.submit("override_ttl", func(ctx context.Context, c *Client) (bool, error) {
			_, _, err := c.OverrideTTL(ctx, ovrLo, ovrHi, normal)
			return err == nil, err
		})
	}
	return updates
}

// ttlMasks computes the TTL commands for a write. Channels whose override
// is requested or currently on go through the override masks; releasing
// an override also writes the value so the output does not flip.
func ttlMasks(vals, ovrs map[int]bool, cur tree.Branch) (lo, hi, ovrLo, ovrHi, normal uint32) {
	for i := 0; i < NumTTL; i++ {
		mask := uint32(1) << i
		ovrSet, hasOvr := ovrs[i]
		ovr := ovrSet
		if !hasOvr {
			ovr = truthy(cur[fmt.Sprintf("ovr%d", i)])
		}
		val, hasVal := vals[i]
		if !hasVal {
			val = truthy(cur[fmt.Sprintf("val%d", i)])
		}

		if hasOvr || ovr {
			hasVal = false
			switch {
			case !ovr:
				normal |= mask
				hasVal = true
			case val:
				ovrHi |= mask
			default:
				ovrLo |= mask
			}
		}
		if hasVal {
			if val {
				hi |= mask
			} else {
				lo |= mask
			}
		}
	}
	return lo, hi, ovrLo, ovrHi, normal
}

func (d *Driver) setDDS(set, cur tree.Branch) tree.Branch {
	updates := make(tree.Branch)
	type key struct {
		kind DDSKind
		chn  int
	}
	vals := make(map[key]int32)
	ovrs := make(map[key]bool)
	var names []ChannelName

	for k, n := range set {
		if m := ddsValKey.FindStringSubmatch(k); m != nil {
			i, ok := channel(m[2], NumDDS)
			f, isNum := number(n)
			if !ok || !isNum {
				continue
			}
			f = math.Round(f)
			if f < math.MinInt32 || f > math.MaxInt32 {
				continue
			}
			vals[key{ddsKind(m[1]), i}] = int32(f)
		} else if m := ddsOvrKey.FindStringSubmatch(k); m != nil {
			if i, ok := channel(m[2], NumDDS); ok {
				ovrs[key{ddsKind(m[1]), i}] = truthy(n)
			}
		} else if m := ddsNameKey.FindStringSubmatch(k); m != nil {
			if i, ok := channel(m[1], NumDDS); ok {
				name := text(n)
				updates["name"+strconv.Itoa(i)] = leaf(name)
				names = append(names, ChannelName{Chn: uint8(i), Name: name})
			}
		}
	}
	if len(names) > 0 {
		sortNames(names)
		d.submit("set_dds_names", func(ctx context.Context, c *Client) (bool, error) {
			return c.SetDDSNames(ctx, names)
		})
	}

	var cmd, ovrCmd []DDSValue
	for kind := DDSFreq; kind <= DDSPhase; kind++ {
		for i := 0; i < NumDDS; i++ {
			k := key{kind, i}
			name := fmt.Sprintf("%s%d", kind, i)
			id := DDSID(kind, i)

			ovrSet, hasOvr := ovrs[k]
			ovr := ovrSet
			if !hasOvr {
				ovr = truthy(cur["ovr_"+name])
			}
			valSet, hasVal := vals[k]
			curVal, known := number(cur[name])
			val := valSet
			if !hasVal {
				val = int32(curVal)
			}

			skip := false
			if hasOvr || (ovr && hasVal) {
				if !ovr {
					ovrCmd = append(ovrCmd, DDSValue{ID: id, Value: -1})
				} else {
					ovrCmd = append(ovrCmd, DDSValue{ID: id, Value: val})
					skip = true
				}
			}
			if hasVal && !skip {
				cmd = append(cmd, DDSValue{ID: id, Value: val})
			}
			if known {
				if hasVal {
					updates[name] = leaf(float64(valSet))
				}
				if hasOvr {
					updates["ovr_"+name] = leaf(ovrSet)
				}
			}
		}
	}
	if len(cmd) > 0 {
		d.submit("set_dds", func(ctx context.Context, c *Client) (bool, error) {
			return c.SetDDS(ctx, cmd)
		})
	}
	if len(ovrCmd) > 0 {
		d.submit("override_dds", func(ctx context.Context, c *Client) (bool, error) {
			return c.OverrideDDS(ctx, ovrCmd)
		})
	}
	return updates
}

var _ source.Source = (*Driver)(nil)
