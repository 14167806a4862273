// Command udsrv is the capacity-measurement server daemon: it listens on a
// well-known control port for Setup/Test-Activation handshakes, then hands
// each accepted test connection off to a single-threaded event loop that
// drives the Load/Status PDU exchange until the negotiated test interval
// elapses.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/dantte-lp/udpcap/internal/clock"
	"github.com/dantte-lp/udpcap/internal/config"
	"github.com/dantte-lp/udpcap/internal/daemon"
	udpmetrics "github.com/dantte-lp/udpcap/internal/metrics"
	"github.com/dantte-lp/udpcap/internal/netio"
	"github.com/dantte-lp/udpcap/internal/ratetable"
	"github.com/dantte-lp/udpcap/internal/report"
	"github.com/dantte-lp/udpcap/internal/udpauth"
	"github.com/dantte-lp/udpcap/internal/udpeng"
	"github.com/dantte-lp/udpcap/internal/wire"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "udsrv",
	Short: "UDP capacity-measurement server daemon",
	Long:  "udsrv accepts control-port handshakes and services upstream/downstream capacity tests.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML configuration file")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	rootCmd.SetContext(ctx)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("udsrv: load config: %w", err)
	}

	if cfg.Server.Daemon && !daemon.IsChild() {
		if err := daemon.Daemonize(cfg.Server.LogFilePath, cfg.Server.LogFileMaxKB); err != nil {
			return fmt.Errorf("udsrv: daemonize: %w", err)
		}
		return nil
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	tbl, err := ratetable.Build(ratetable.Options{
		Jumbo:          cfg.Test.Jumbo,
		TraditionalMTU: cfg.Test.TraditionalMTU,
	})
	if err != nil {
		return fmt.Errorf("udsrv: build sending rate table: %w", err)
	}

	reg := prometheus.NewRegistry()
	collector := udpmetrics.NewCollector(reg)
	reporter := report.New(reg)

	var reportErr chan error
	if cfg.Report.Addr != "" {
		reportErr = make(chan error, 1)
		go func() { reportErr <- reporter.Listen(ctx, cfg.Report.Addr) }()
	}

	ctrl, err := netio.Listen("udp", cfg.Server.Listen, netio.Options{ReuseAddr: true})
	if err != nil {
		return fmt.Errorf("udsrv: listen on control port %s: %w", cfg.Server.Listen, err)
	}
	defer ctrl.Close()
	logger.Info("control port listening", "addr", cfg.Server.Listen)

	srv := &server{
		cfg:       cfg,
		logger:    logger,
		table:     tbl,
		collector: collector,
		reporter:  reporter,
		auth:      authenticatorFromConfig(cfg),
		mgr:       udpeng.NewManager(cfg.Server.MaxConnections, logger),
		newConns:  make(chan *activatedSession, 8),
		slotMeta:  make(map[int]slotMetaEntry),
		budget:    udpeng.NewBudget(uint32(cfg.Test.MaxBandwidthMbps), uint32(cfg.Test.MaxBandwidthMbps)),
	}
	srv.mgr.OnFree = srv.onSlotFree

	go srv.acceptLoop(ctx, ctrl)

	if err := srv.eventLoop(ctx); err != nil && ctx.Err() == nil {
		return err
	}

	if reportErr != nil {
		select {
		case err := <-reportErr:
			if err != nil {
				logger.Warn("report server exited", "error", err)
			}
		default:
		}
	}
	return nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := config.ParseLogLevel(cfg.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Log.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// activatedSession is handed from the control-plane accept goroutine to the
// single-threaded event loop once a Test Activation handshake completes.
type activatedSession struct {
	sock          *netio.Socket
	sess          *udpeng.Session
	direction     string
	upstream      bool
	reservedMbps  uint32
}

type server struct {
	cfg       *config.Config
	logger    *slog.Logger
	table     *ratetable.Table
	collector *udpmetrics.Collector
	reporter  *report.Server
	auth      *udpauth.Authenticator

	budget *udpeng.Budget

	mgr      *udpeng.Manager
	newConns chan *activatedSession

	// slotMeta tracks the metrics identity and bandwidth reservation for
	// each occupied slot, so OnFree can unregister/release it again
	// (Manager itself is agnostic to metrics/collectors and admission
	// control).
	slotMeta map[int]slotMetaEntry
}

type slotMetaEntry struct {
	peer, local netip.Addr
	direction   string
	upstream    bool
	reservedMbps uint32
}

// acceptLoop owns the control-port socket: it is the one goroutine besides
// the event loop, handling the blocking Setup/Activation handshake so the
// event loop itself never stalls waiting on a client (spec §4.4's accept
// path, kept off the hot loop).
func (s *server) acceptLoop(ctx context.Context, ctrl *netio.Socket) {
	buf := make([]byte, wire.MaxSetupRequestSize)
	for {
		if ctx.Err() != nil {
			return
		}
		_ = ctrl.Conn.SetReadDeadline(time.Now().Add(time.Second))
		n, clientAddr, err := ctrl.Conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			s.logger.Warn("control socket read failed", "error", err)
			continue
		}

		req, err := wire.DecodeSetupRequest(buf[:n], s.auth != nil)
		if err != nil {
			s.logger.Warn("discarding malformed setup request", "peer", clientAddr, "error", err)
			continue
		}

		if err := s.verifySetupAuth(req); err != nil {
			s.logger.Warn("rejecting setup request", "peer", clientAddr, "error", err)
			resp := wire.SetupResponse{ProtocolVer: req.ProtocolVer, McIndex: req.McIndex, McCount: req.McCount, McIdent: req.McIdent, CmdResponse: wire.CmdRespAuthFail}
			_, _ = ctrl.Conn.WriteToUDP(wire.EncodeSetupResponse(resp), clientAddr)
			continue
		}

		testSock, err := netio.Listen("udp", ":0", netio.Options{})
		if err != nil {
			s.logger.Warn("allocate test port failed", "peer", clientAddr, "error", err)
			resp := wire.SetupResponse{ProtocolVer: req.ProtocolVer, CmdResponse: wire.CmdRespAllocFail}
			_, _ = ctrl.Conn.WriteToUDP(wire.EncodeSetupResponse(resp), clientAddr)
			continue
		}

		testPort := uint16(testSock.LocalAddr().Port)
		resp := wire.SetupResponse{
			ProtocolVer: req.ProtocolVer,
			McIndex:     req.McIndex,
			McCount:     req.McCount,
			McIdent:     req.McIdent,
			CmdResponse: wire.CmdRespOK,
			TestPort:    testPort,
		}
		if _, err := ctrl.Conn.WriteToUDP(wire.EncodeSetupResponse(resp), clientAddr); err != nil {
			s.logger.Warn("send setup response failed", "peer", clientAddr, "error", err)
			testSock.Close()
			continue
		}

		go s.activateConnection(ctx, testSock, clientAddr, req.ProtocolVer)
	}
}

// verifySetupAuth checks the request's authentication digest when this
// server has an Authenticator configured; a nil Authenticator accepts any
// request regardless of the client's AuthMode.
func (s *server) verifySetupAuth(req wire.SetupRequest) error {
	if s.auth == nil {
		return nil
	}
	if req.AuthMode != wire.AuthModeSHA256 {
		return udpauth.ErrModeInvalid
	}
	unsigned := req
	unsigned.Digest = [wire.DigestSize]byte{}
	msg := wire.EncodeSetupRequest(unsigned)
	return s.auth.Verify(msg, req.Digest, req.ProtocolVer, req.KeyID, req.AuthUnixTime, clock.Now(), true)
}

// activateConnection blocks on testSock waiting for the client's Test
// Activation request, clamps the negotiated parameters, replies, and hands
// the ready Session to the event loop via s.newConns.
func (s *server) activateConnection(ctx context.Context, testSock *netio.Socket, clientAddr *net.UDPAddr, protocolVer uint16) {
	buf := make([]byte, wire.MaxTestActivationSize)
	_ = testSock.Conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, peer, err := testSock.Conn.ReadFromUDP(buf)
	if err != nil {
		s.logger.Warn("activation handshake timed out", "peer", clientAddr, "error", err)
		testSock.Close()
		return
	}

	req, err := wire.DecodeTestActivationRequest(buf[:n], s.auth != nil)
	if err != nil {
		s.logger.Warn("discarding malformed activation request", "peer", peer, "error", err)
		testSock.Close()
		return
	}

	limits := udpeng.ServerLimits{
		MaxTestIntTime: 0,
		MaxDSCP:        0,
		MaxBandwidthUp: uint32(s.cfg.Test.MaxBandwidthMbps),
		MaxBandwidthDs: uint32(s.cfg.Test.MaxBandwidthMbps),
	}
	resp := udpeng.ClampActivationRequest(req, limits)
	resp.ProtocolVer = protocolVer

	sending := req.CmdRequest == wire.CmdActivateDownstream
	upstream := !sending
	requestedMbps := uint32(resp.SendingRate.ToRow().AggregateBitsPerSec(0) / 1e6)
	if err := s.budget.Reserve(upstream, requestedMbps); err != nil {
		s.logger.Warn("rejecting activation, bandwidth budget exceeded", "peer", peer, "requested_mbps", requestedMbps, "error", err)
		resp.CmdResponse = wire.CmdActRespBadParam
		_, _ = testSock.Conn.WriteToUDP(wire.EncodeTestActivationResponse(resp), peer)
		testSock.Close()
		return
	}

	if _, err := testSock.Conn.WriteToUDP(wire.EncodeTestActivationResponse(resp), peer); err != nil {
		s.logger.Warn("send activation response failed", "peer", peer, "error", err)
		s.budget.Release(upstream, requestedMbps)
		testSock.Close()
		return
	}

	v6 := peer.IP.To4() == nil
	role := udpeng.RoleTestUpstream
	direction := "up"
	if sending {
		role = udpeng.RoleTestDownstream
		direction = "down"
	}

	conn := &udpeng.Connection{
		Role:       role,
		State:      udpeng.StateData,
		LocalAddr:  testSock.LocalAddr(),
		RemoteAddr: peer,
		RateTable:  s.table,
		Params:     paramsFromActivation(resp),
	}
	if resp.SrIndexConf != wire.DefSrIndexAuto {
		conn.SrIndex = int(resp.SrIndexConf)
	}
	if conn.Params.SrIndexIsStart || resp.SrIndexConf == wire.DefSrIndexAuto {
		conn.RateAdj = udpeng.NewRateAdjustState(int(resp.SlowAdjThresh))
	}

	seedBytes, err := udpauth.RandomSeed(64)
	if err != nil {
		s.logger.Warn("generate payload seed failed", "peer", peer, "error", err)
		seedBytes = []byte("udpcap-fallback-seed")
	}

	sess := &udpeng.Session{
		Conn:    conn,
		Sock:    testSock.Conn,
		Peer:    peer,
		V6:      v6,
		Sending: sending,
		Rng:     newRand(),
		Seed:    udpeng.NewRandSeed(seedBytes),
		OnLog: func(msg string, args ...any) {
			s.logger.Warn(msg, args...)
		},
	}
	sum := udpeng.NewSummary(false, 0)
	sess.OnSubInterval = func(rec udpeng.SubIntervalRecord) {
		s.reporter.Publish(rec)
		sum.Merge(rec)
		s.reporter.SetSummary(sum)
		addr, _ := netAddrToNetip(peer)
		localAddr, _ := netAddrToNetip(conn.LocalAddr)
		s.collector.SetSendingRateIndex(addr, localAddr, direction, conn.SrIndex)
		s.collector.SetRateMbps(addr, localAddr, direction, rec.RateL3Mbps)
		s.collector.SetDelayVariationMs(addr, localAddr, direction, float64(rec.DelayVarMax))
		s.collector.SetRTTMs(addr, localAddr, direction, float64(rec.RttMax))
	}

	s.collector.RegisterConnection(mustNetip(peer), mustNetip(conn.LocalAddr), direction)

	select {
	case s.newConns <- &activatedSession{sock: testSock, sess: sess, direction: direction, upstream: upstream, reservedMbps: requestedMbps}:
	case <-ctx.Done():
		s.budget.Release(upstream, requestedMbps)
		testSock.Close()
	}
}

// eventLoop is the single goroutine that owns the Manager: it drains
// newly activated sessions into free slots, then runs one iteration of
// the load-balanced drain/tick loop, forever until ctx is canceled.
func (s *server) eventLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case pc := <-s.newConns:
			s.registerSlot(pc)
		default:
		}
		if err := s.mgr.RunOnce(clock.Now()); err != nil {
			s.logger.Error("event loop iteration failed", "error", err)
		}
	}
}

func (s *server) registerSlot(pc *activatedSession) {
	idx := s.mgr.Allocate()
	if idx < 0 {
		s.logger.Warn("connection table full, dropping new session")
		s.budget.Release(pc.upstream, pc.reservedMbps)
		pc.sock.Close()
		return
	}
	slot := s.mgr.Slot(idx)
	slot.Socket = pc.sock
	udpeng.WireSlot(slot, pc.sess, clock.Now())

	peer, _ := netAddrToNetip(pc.sess.Peer)
	local, _ := netAddrToNetip(pc.sess.Conn.LocalAddr)
	s.slotMeta[idx] = slotMetaEntry{
		peer: peer, local: local, direction: pc.direction,
		upstream: pc.upstream, reservedMbps: pc.reservedMbps,
	}
}

// onSlotFree retires the metrics identity and bandwidth reservation
// registered for a slot when the Manager tears it down, so
// connections_active and the budget ledger don't grow unbounded across a
// long-running daemon's lifetime.
func (s *server) onSlotFree(idx int) {
	meta, ok := s.slotMeta[idx]
	if !ok {
		return
	}
	delete(s.slotMeta, idx)
	s.collector.UnregisterConnection(meta.peer, meta.local, meta.direction)
	s.budget.Release(meta.upstream, meta.reservedMbps)
}

func paramsFromActivation(resp wire.TestActivationResponse) udpeng.Params {
	return udpeng.Params{
		LowThresh:      uint32(resp.LowThresh),
		UpperThresh:    uint32(resp.UpperThresh),
		TrialInt:       time.Duration(resp.TrialInt) * time.Millisecond,
		TestIntTime:    time.Duration(resp.TestIntTime) * time.Second,
		SubIntPeriod:   time.Duration(resp.SubIntPeriod) * time.Second,
		DSCP:           resp.IPTosByte,
		SrIndexConf:    resp.SrIndexConf,
		SrIndexIsStart: resp.ModifierBitmap&wire.ModSrIndexIsStart != 0,
		UseOwDelVar:    resp.UseOwDelVar != 0,
		SlowAdjThresh:  resp.SlowAdjThresh,
		HighSpeedDelta: resp.HighSpeedDelta,
		SeqErrThresh:   resp.SeqErrThresh,
		IgnoreOooDup:   resp.IgnoreOooDup != 0,
		RandomPayload:  resp.ModifierBitmap&wire.ModRandomPayload != 0,
		Algo:           algoFromWire(resp.RateAdjAlgo),
	}
}

func algoFromWire(v uint8) udpeng.Algo {
	if v == wire.AlgoC {
		return udpeng.AlgoC
	}
	return udpeng.AlgoB
}
