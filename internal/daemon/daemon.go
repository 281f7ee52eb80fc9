package daemon

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"firestige.xyz/weft/internal/command"
	"firestige.xyz/weft/internal/config"
	"firestige.xyz/weft/internal/dispatch"
	"firestige.xyz/weft/internal/identity"
	"firestige.xyz/weft/internal/log"
	"firestige.xyz/weft/internal/metrics"
	"firestige.xyz/weft/internal/proto"
	"firestige.xyz/weft/internal/tap"
	"firestige.xyz/weft/internal/topology"
	"firestige.xyz/weft/internal/transport"
	"firestige.xyz/weft/internal/vswitch"
)

// Daemon owns every component of a running node.
type Daemon struct {
	cfg  *config.GlobalConfig
	self *identity.Identity

	store      topology.Store
	topo       *topology.Topology
	sw         *vswitch.Switch
	mc         *multicaster
	sockets    *transport.SocketSet
	dispatcher *dispatch.Dispatcher
	networks   map[uint64]*network

	metricsServer *metrics.Server
	udsServer     *command.UDSServer

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownChan chan struct{}
	startTime    time.Time
}

// New prepares a daemon from loaded configuration.
func New(cfg *config.GlobalConfig) (*Daemon, error) {
	d := &Daemon{
		cfg:          cfg,
		shutdownChan: make(chan struct{}),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Run starts everything and blocks until a signal or a stop command.
func (d *Daemon) Run() error {
	if err := log.Init(&d.cfg.Log); err != nil {
		return fmt.Errorf("failed to initialise logging: %w", err)
	}
	logger := log.GetLogger()
	d.startTime = time.Now()

	if err := d.loadIdentity(); err != nil {
		return err
	}
	logger.Infof("starting weft node %s", d.self.Address())

	if err := d.writePIDFile(); err != nil {
		return err
	}
	defer os.Remove(d.cfg.Control.PIDFile)

	if d.cfg.Metrics.Enabled {
		d.metricsServer = metrics.NewServer(d.cfg.Metrics.Listen, d.cfg.Metrics.Path)
		if err := d.metricsServer.Start(d.ctx); err != nil {
			return err
		}
	}

	// Transport first: peers need the send hook at construction time.
	sockets, err := transport.Listen(d.cfg.Listen)
	if err != nil {
		return err
	}
	d.sockets = sockets

	if err := os.MkdirAll(d.cfg.Node.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	store, err := topology.OpenStore(filepath.Join(d.cfg.Node.DataDir, "peers.db"))
	if err != nil {
		logger.WithError(err).Warn("peer cache disabled")
	} else {
		d.store = store
	}

	d.topo = topology.New(d.self, d.store, sockets.Send)
	d.topo.SetPhysicalPathConfiguration(d.physicalPaths())

	d.mc = newMulticaster(d.topo)
	d.sw = vswitch.New(d.self, d.topo, d.mc, &frameSigner{self: d.self})

	if err := d.buildNetworks(); err != nil {
		return err
	}
	d.sw.SetDecoder(newVerbDecoder(d.self, d.topo, d.sw, d.mc, d.networks))

	if err := d.addRoots(); err != nil {
		return err
	}

	d.dispatcher = dispatch.New(d.cfg.Dispatcher.Partitions, d.cfg.Dispatcher.QueueSize,
		func(dg dispatch.Datagram) {
			d.sw.OnRemotePacket(dg.LocalSocket, dg.From, dg.Data, time.Now())
		})
	sockets.Run(func(localSocket int64, from netip.AddrPort, data []byte) {
		d.dispatcher.Submit(dispatch.Datagram{LocalSocket: localSocket, From: from, Data: data})
	})

	handler := command.NewHandler(d)
	d.udsServer = command.NewUDSServer(d.cfg.Control.Socket, handler)
	go func() {
		if err := d.udsServer.Start(d.ctx); err != nil && err != context.Canceled {
			logger.WithError(err).Error("control server failed")
		}
	}()

	go d.timerLoop()
	go d.periodicLoop()

	// Announce ourselves to the roots so relaying and WHOIS work from the
	// start.
	d.helloRoots(time.Now())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logger.Infof("received signal %s, shutting down", sig)
	case <-d.shutdownChan:
		logger.Info("shutdown requested via control socket")
	}
	return d.stop()
}

// timerLoop drives the switch maintenance pass at the cadence it asks
// for, clamped so a quiet switch still ticks twice a second.
func (d *Daemon) timerLoop() {
	delay := proto.MinTimerTaskDelay
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-time.After(delay):
			delay = d.sw.DoTimerTasks(time.Now())
			if delay > 500*time.Millisecond {
				delay = 500 * time.Millisecond
			}
		}
	}
}

// periodicLoop runs the slower background chores: multicast group
// announcement, root ranking and keepalive hellos, topology cleanup.
func (d *Daemon) periodicLoop() {
	announce := time.NewTicker(parseDurationDefault(d.cfg.Switch.AnnounceInterval, time.Minute))
	hello := time.NewTicker(parseDurationDefault(d.cfg.Switch.RootHelloInterval, 30*time.Second))
	rank := time.NewTicker(parseDurationDefault(d.cfg.Switch.RankRootsInterval, time.Minute))
	defer announce.Stop()
	defer hello.Stop()
	defer rank.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-announce.C:
			now := time.Now()
			d.sw.AnnounceMulticastGroups(d.memberships(), now)
			d.mc.sweep(now)
			d.topo.DoPeriodicTasks(now)

		case <-hello.C:
			d.helloRoots(time.Now())

		case <-rank.C:
			d.topo.RankRoots(time.Now())
		}
	}
}

func (d *Daemon) helloRoots(now time.Time) {
	d.topo.EachPeerWithRoot(func(p *topology.Peer, isRoot bool) {
		if isRoot {
			d.sw.SendHello(p.Address(), now)
		}
	})
}

// memberships lists every network with the groups we always subscribe to;
// the broadcast group carries ARP and discovery traffic.
func (d *Daemon) memberships() []vswitch.Membership {
	ms := make([]vswitch.Membership, 0, len(d.networks))
	for _, nw := range d.networks {
		ms = append(ms, vswitch.Membership{
			Network: nw,
			Groups:  []proto.MulticastGroup{proto.BroadcastGroup()},
		})
	}
	return ms
}

func (d *Daemon) stop() error {
	d.cancel()
	now := time.Now()

	if d.sockets != nil {
		d.sockets.Close()
	}
	if d.dispatcher != nil {
		d.dispatcher.Close()
	}
	if d.topo != nil {
		d.topo.SaveAll(now)
	}
	if d.store != nil {
		d.store.Close()
	}
	if d.metricsServer != nil {
		d.metricsServer.Stop(context.Background())
	}
	for _, nw := range d.networks {
		nw.Tap().Close()
	}
	log.GetLogger().Info("weft node stopped")
	return nil
}

// loadIdentity reads the identity file, generating a fresh identity on
// first start.
func (d *Daemon) loadIdentity() error {
	path := d.cfg.Node.IdentityFile
	data, err := os.ReadFile(path)
	if err == nil {
		id, err := identity.Parse(string(data))
		if err != nil {
			return fmt.Errorf("corrupt identity file %s: %w", path, err)
		}
		if !id.HasPrivate() {
			return fmt.Errorf("identity file %s holds no private key", path)
		}
		d.self = id
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("failed to read identity file: %w", err)
	}

	id, err := identity.Generate()
	if err != nil {
		return fmt.Errorf("failed to generate identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}
	log.GetLogger().Infof("generated new identity %s", id.Address())
	d.self = id
	return nil
}

func (d *Daemon) writePIDFile() error {
	if d.cfg.Control.PIDFile == "" {
		return nil
	}
	return os.WriteFile(d.cfg.Control.PIDFile, []byte(strconv.Itoa(os.Getpid())), 0644)
}

// buildNetworks creates the configured networks, each with an in-memory
// tap whose outbound frames feed the switch.
func (d *Daemon) buildNetworks() error {
	d.networks = make(map[uint64]*network, len(d.cfg.Networks))
	for _, nwCfg := range d.cfg.Networks {
		dev := tap.NewMemTap(proto.MACFromAddress(d.self.Address()))
		nw, err := newNetwork(nwCfg, dev)
		if err != nil {
			return err
		}
		dev.SetFrameHandler(func(from, to proto.MAC, etherType uint16, payload []byte) {
			d.sw.OnLocalEthernet(nw, from, to, etherType, payload, time.Now())
		})
		d.networks[nw.ID()] = nw
	}
	return nil
}

// addRoots loads the bootstrap file and registers every root.
func (d *Daemon) addRoots() error {
	entries, err := config.LoadRoots(d.cfg.Roots.File)
	if err != nil {
		return err
	}
	for _, e := range entries {
		id, err := identity.Parse(e.Identity)
		if err != nil {
			return fmt.Errorf("invalid root identity %q: %w", e.Identity, err)
		}
		var bootstrap netip.AddrPort
		if len(e.Endpoints) > 0 {
			bootstrap, _ = netip.ParseAddrPort(e.Endpoints[0])
		}
		peer, err := d.topo.AddRoot(id, bootstrap)
		if err != nil {
			return err
		}
		if len(e.Endpoints) > 1 {
			for _, ep := range e.Endpoints[1:] {
				if ap, err := netip.ParseAddrPort(ep); err == nil {
					peer.AddPath(d.topo.Path(0, ap))
				}
			}
		}
		log.GetLogger().Infof("root %s registered", id.Address())
	}
	if len(entries) == 0 {
		log.GetLogger().Warn("no roots configured; identity resolution and rendezvous are unavailable")
	}
	return nil
}

func (d *Daemon) physicalPaths() []topology.PhysicalPathConfig {
	out := make([]topology.PhysicalPathConfig, 0, len(d.cfg.PhysicalPaths))
	for _, e := range d.cfg.PhysicalPaths {
		prefix, err := netip.ParsePrefix(e.Prefix)
		if err != nil {
			continue // rejected at config load; unreachable for loaded configs
		}
		out = append(out, topology.PhysicalPathConfig{
			Prefix:        prefix,
			MTU:           e.MTU,
			TrustedPathID: e.TrustedPathID,
		})
	}
	return out
}

func parseDurationDefault(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		log.GetLogger().Warnf("invalid duration %q, using %s", s, def)
		return def
	}
	return dur
}
