// Command bmzd is the reference build of the controller firmware
// (spec §1, §6): it wires the fixed task table (Ethernet, ARP, IP,
// ICMP, TCP, one illustrative socket, and the terminal-server bridge
// application) over a software loopback MAC and UART, since the real
// hardware collaborators are out of scope (spec §1). It exists to give
// the stack a runnable shape and a place for integration tests to
// attach, the way the teacher's cmd/doublezerod wires its own
// services/manager/runtime stack from flags.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/billforsternz/bmz/app/tserver"
	"github.com/billforsternz/bmz/internal/arp"
	"github.com/billforsternz/bmz/internal/bmzmsg"
	"github.com/billforsternz/bmz/internal/clock"
	"github.com/billforsternz/bmz/internal/config"
	"github.com/billforsternz/bmz/internal/console"
	"github.com/billforsternz/bmz/internal/ether"
	"github.com/billforsternz/bmz/internal/icmp"
	"github.com/billforsternz/bmz/internal/ip"
	"github.com/billforsternz/bmz/internal/task"
	"github.com/billforsternz/bmz/internal/tcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Task ids, fixed at build time the way spec §3 describes a task table
// (no dynamic registration).
const (
	idEther      task.ID = 1
	idARP        task.ID = 2
	idIP         task.ID = 3
	idICMP       task.ID = 4
	idTCP        task.ID = 5
	idTelnetSock task.ID = 6
	idTserver    task.ID = 7
)

var (
	ownIPFlag      = flag.String("own-ip", "10.0.0.2", "this node's IPv4 address")
	subnetMaskFlag = flag.String("subnet-mask", "255.255.255.0", "subnet mask, or 0.0.0.0 for classful default")
	gatewayFlag    = flag.String("gateway", "10.0.0.1", "default gateway IPv4 address")
	listenPortFlag = flag.Int("telnet-port", 23, "TCP port the terminal-server bridge listens on")
	metricsEnable  = flag.Bool("metrics-enable", false, "enable a Prometheus metrics endpoint")
	metricsAddr    = flag.String("metrics-addr", "localhost:0", "address to listen on for Prometheus metrics")
	verbose        = flag.Bool("v", false, "enable debug logging")

	version = "dev"
	commit  = "none"
)

func main() {
	flag.Parse()

	opts := &slog.HandlerOptions{}
	if *verbose {
		opts.Level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, opts))
	slog.SetDefault(logger)

	cfg, err := buildConfig()
	if err != nil {
		logger.Error("invalid network configuration", "error", err)
		os.Exit(1)
	}

	if *metricsEnable {
		startMetricsServer(logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.NewSimulated()
	rt := task.New(logger, clk)

	mac := newLoopbackDriver()
	uart := console.NewLoopback()

	registry := tcp.NewRegistry()
	descs := []task.Descriptor{
		ether.NewTaskDescriptor(idEther, mac, idARP, idIP),
		arp.NewTaskDescriptor(idARP, idEther, cfg, arp.DefaultCacheSize, arp.DefaultHoldQueueCapacity),
		ip.NewTaskDescriptor(idIP, idARP, idICMP, idTCP, cfg, clk),
		icmp.NewTaskDescriptor(idICMP, idIP, 4, 256, 48),
		tcp.NewTaskDescriptor(idTCP, idIP, cfg, registry),
		tcp.NewSocketTaskDescriptor(idTelnetSock, idTCP, idTserver, cfg, registry, 4, 512, nil),
		tserver.NewTaskDescriptor(idTserver, idTelnetSock, uart, 64, 10),
	}
	if err := rt.Define(descs, task.NewArena(1<<20)); err != nil {
		logger.Error("failed to define task table", "error", err)
		os.Exit(1)
	}

	rt.SendDown(idTelnetSock, listenMessage(uint16(*listenPortFlag)))

	logger.Info("bmzd started", "own_ip", config.String(cfg.OwnIP), "telnet_port", *listenPortFlag, "version", version, "commit", commit)

	driveClock(ctx, clk)
	rt.Run(ctx)
}

func buildConfig() (*config.Config, error) {
	ownIP, err := config.ParseIPv4(*ownIPFlag)
	if err != nil {
		return nil, fmt.Errorf("own-ip: %w", err)
	}
	mask, err := config.ParseIPv4(*subnetMaskFlag)
	if err != nil {
		return nil, fmt.Errorf("subnet-mask: %w", err)
	}
	gateway, err := config.ParseIPv4(*gatewayFlag)
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}
	return config.New(ownIP, mask, gateway, [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01})
}

func listenMessage(port uint16) *bmzmsg.Message {
	m := bmzmsg.NewMessage(8, 4)
	m.Push2(port)
	m.Push1(tcp.MsgOpenPassive)
	return m
}

func startMetricsServer(logger *slog.Logger) {
	buildInfo := promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bmz_build_info",
			Help: "Build information of the controller firmware",
		},
		[]string{"version", "commit"},
	)
	buildInfo.WithLabelValues(version, commit).Set(1)

	listener, err := net.Listen("tcp", *metricsAddr)
	if err != nil {
		logger.Error("failed to start metrics listener", "error", err)
		os.Exit(1)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("metrics server started", "address", listener.Addr().String())
	go func() {
		if err := http.Serve(listener, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
}

// driveClock stands in for the hardware tick ISR (spec §5, §9), since
// this build has no real timer peripheral: a background goroutine
// advances the simulated clock at the configured tick rate. Apart from
// the optional metrics server's goroutine, this is the only goroutine
// in the program, and it stays outside the single-threaded scheduler
// core: it touches nothing but the clock.
func driveClock(ctx context.Context, clk *clock.Simulated) {
	interval := time.Second / time.Duration(clock.TicksPerSecond)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				clk.Advance(1)
			}
		}
	}()
}

// loopbackDriver is a software stand-in for the MAC (spec §1): frames
// handed to Send are queued and handed back out through Poll, as if
// reflected by a hub with no other station attached. It exists only so
// bmzd has something concrete to run against without real hardware.
type loopbackDriver struct {
	mu sync.Mutex
	rx [][]byte
}

func newLoopbackDriver() *loopbackDriver { return &loopbackDriver{} }

func (d *loopbackDriver) Send(frame []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rx = append(d.rx, append([]byte(nil), frame...))
}

func (d *loopbackDriver) Poll() (ether.RxSlot, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.rx) == 0 {
		return ether.RxSlot{}, false
	}
	frame := d.rx[0]
	d.rx = d.rx[1:]
	return ether.RxSlot{Data: frame, Release: func(*bmzmsg.Message) {}}, true
}
