// Command udcli is the capacity-measurement client: it runs the
// Setup/Test-Activation handshake against a udsrv control port, then drives
// the negotiated test to completion on a single-slot, single-threaded event
// loop identical in structure to the server's, before printing a summary.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/dantte-lp/udpcap/internal/clock"
	"github.com/dantte-lp/udpcap/internal/config"
	"github.com/dantte-lp/udpcap/internal/netio"
	"github.com/dantte-lp/udpcap/internal/ratetable"
	"github.com/dantte-lp/udpcap/internal/report"
	"github.com/dantte-lp/udpcap/internal/udpauth"
	"github.com/dantte-lp/udpcap/internal/udpeng"
	"github.com/dantte-lp/udpcap/internal/wire"
)

const protocolVersion uint16 = 1

var (
	configPath string
	serverAddr string
)

var rootCmd = &cobra.Command{
	Use:   "udcli",
	Short: "UDP capacity-measurement client",
	Long:  "udcli negotiates a test with a udsrv server and drives it to completion.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "", "server control-port address (host:port), overrides config")
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
		return fmt.Errorf("udcli: load config: %w", err)
	}
	if serverAddr != "" {
		cfg.Client.Server = serverAddr
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	table, err := ratetable.Build(ratetable.Options{
		Jumbo:          cfg.Test.Jumbo,
		TraditionalMTU: cfg.Test.TraditionalMTU,
		IPv6Only:       cfg.Client.Family == "6",
	})
	if err != nil {
		return fmt.Errorf("udcli: build sending rate table: %w", err)
	}

	if cfg.Client.ShowSendingRates {
		printRateTable(os.Stdout, table)
		return nil
	}

	if cfg.Client.Server == "" {
		return fmt.Errorf("udcli: no server address configured (set client.server or pass --server)")
	}

	direction := strings.ToLower(cfg.Client.Direction)
	if direction == "both" {
		return fmt.Errorf("udcli: direction \"both\" is not yet supported in a single run; invoke udcli twice with --direction up and --direction down")
	}
	if !config.ValidDirections[direction] || direction == "" {
		direction = "down"
	}
	sending := direction == "up"

	reg := prometheus.NewRegistry()
	reporter := report.New(reg)
	if cfg.Report.Addr != "" {
		go func() {
			if err := reporter.Listen(ctx, cfg.Report.Addr); err != nil && ctx.Err() == nil {
				logger.Warn("local report server exited", "error", err)
			}
		}()
	}

	controlAddr, err := net.ResolveUDPAddr("udp", cfg.Client.Server)
	if err != nil {
		return fmt.Errorf("udcli: resolve server address %s: %w", cfg.Client.Server, err)
	}
	ctrlConn, err := net.DialUDP("udp", nil, controlAddr)
	if err != nil {
		return fmt.Errorf("udcli: dial control port %s: %w", cfg.Client.Server, err)
	}
	defer ctrlConn.Close()

	testPort, err := performSetup(ctrlConn, cfg)
	if err != nil {
		return err
	}

	v6 := controlAddr.IP.To4() == nil
	testAddr := &net.UDPAddr{IP: controlAddr.IP, Port: int(testPort), Zone: controlAddr.Zone}

	testSock, err := netio.Listen("udp", ":0", netio.Options{})
	if err != nil {
		return fmt.Errorf("udcli: open test socket: %w", err)
	}
	defer testSock.Close()
	if cfg.Test.DSCP > 0 {
		if err := netio.SetDSCP(testSock.Conn, v6, byte(cfg.Test.DSCP)); err != nil {
			logger.Warn("set dscp failed", "error", err)
		}
	}

	resp, err := performActivation(testSock, testAddr, cfg, table, sending)
	if err != nil {
		return err
	}

	conn := &udpeng.Connection{
		Role:       roleFor(sending),
		State:      udpeng.StateData,
		LocalAddr:  testSock.LocalAddr(),
		RemoteAddr: testAddr,
		RateTable:  table,
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
		logger.Warn("generate payload seed failed", "error", err)
		seedBytes = []byte("udpcap-fallback-seed")
	}

	var csvWriter *report.CSVWriter
	if cfg.Test.CSVOutputPath != "" {
		f, err := os.Create(cfg.Test.CSVOutputPath)
		if err != nil {
			return fmt.Errorf("udcli: open csv output %s: %w", cfg.Test.CSVOutputPath, err)
		}
		csvWriter = report.NewCSVWriterCloser(f, f.Close)
		defer csvWriter.Close()
	}

	sum := udpeng.NewSummary(false, 0)
	sess := &udpeng.Session{
		Conn:    conn,
		Sock:    testSock.Conn,
		Peer:    testAddr,
		V6:      v6,
		Sending: sending,
		Rng:     newRand(),
		Seed:    udpeng.NewRandSeed(seedBytes),
		OnLog: func(msg string, args ...any) {
			logger.Warn(msg, args...)
		},
		OnSubInterval: func(rec udpeng.SubIntervalRecord) {
			sum.Merge(rec)
			reporter.Publish(rec)
			reporter.SetSummary(sum)
		},
	}
	if csvWriter != nil {
		sess.OnCSVLine = func(line udpeng.CSVLine) {
			if err := csvWriter.Write(line); err != nil {
				logger.Warn("write csv line failed", "error", err)
			}
		}
	}

	mgr := udpeng.NewManager(udpeng.ClientMinSlotCap, logger)
	idx := mgr.Allocate()
	slot := mgr.Slot(idx)
	slot.Socket = testSock
	udpeng.WireSlot(slot, sess, clock.Now())

	logger.Info("test started", "server", cfg.Client.Server, "direction", direction, "test_port", testPort)
	for slot.InUse() && ctx.Err() == nil {
		if err := mgr.RunOnce(clock.Now()); err != nil {
			logger.Error("event loop iteration failed", "error", err)
		}
	}

	printSummary(os.Stdout, sum)
	return nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := config.ParseLogLevel(cfg.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Log.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// performSetup runs the Setup Request/Response exchange over ctrlConn and
// returns the ephemeral test port the server allocated.
func performSetup(ctrlConn *net.UDPConn, cfg *config.Config) (uint16, error) {
	direction := strings.ToLower(cfg.Client.Direction)
	req := wire.SetupRequest{
		ProtocolVer:    protocolVersion,
		McIndex:        0,
		McCount:        1,
		McIdent:        uint32(time.Now().UnixNano()),
		CmdRequest:     wire.CmdRequestSetup,
		MaxBandwidth:   maxBandwidthField(cfg, direction),
		ModifierBitmap: setupModifierBitmap(cfg),
		AuthMode:       wire.AuthModeNone,
		AuthUnixTime:   uint32(time.Now().Unix()),
	}

	auth := authenticatorFromConfig(cfg)
	if auth != nil {
		req.AuthMode = wire.AuthModeSHA256
		req.KeyID = cfg.Auth.KeyID
		digest, err := auth.Sign(wire.EncodeSetupRequest(req), req.ProtocolVer, req.KeyID)
		if err != nil {
			return 0, fmt.Errorf("udcli: sign setup request: %w", err)
		}
		req.Digest = digest
	}

	if _, err := ctrlConn.Write(wire.EncodeSetupRequest(req)); err != nil {
		return 0, fmt.Errorf("udcli: send setup request: %w", err)
	}

	_ = ctrlConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, wire.MaxSetupRequestSize+64)
	n, err := ctrlConn.Read(buf)
	if err != nil {
		return 0, fmt.Errorf("udcli: read setup response: %w", err)
	}

	resp, err := wire.DecodeSetupResponse(buf[:n], true)
	if err != nil {
		return 0, fmt.Errorf("udcli: decode setup response: %w", err)
	}
	if resp.CmdResponse != wire.CmdRespOK {
		return 0, fmt.Errorf("udcli: server rejected setup (code %d)", resp.CmdResponse)
	}
	return resp.TestPort, nil
}

// performActivation runs the Test Activation Request/Response exchange over
// the data-plane socket and returns the clamped response.
func performActivation(testSock *netio.Socket, testAddr *net.UDPAddr, cfg *config.Config, table *ratetable.Table, sending bool) (wire.TestActivationResponse, error) {
	cmd := wire.CmdActivateDownstream
	if sending {
		cmd = wire.CmdActivateUpstream
	}

	srIndexConf, isStart, rowIdx := parseSrIndex(cfg.Test.SrIndexConf, table.Len())

	modBitmap := uint16(0)
	if isStart {
		modBitmap |= wire.ModSrIndexIsStart
	}
	if cfg.Test.RandomPayload {
		modBitmap |= wire.ModRandomPayload
	}

	req := wire.TestActivationRequest{
		ProtocolVer:    protocolVersion,
		CmdRequest:     cmd,
		LowThresh:      uint16(cfg.Test.LowThreshMs),
		UpperThresh:    uint16(cfg.Test.UpperThreshMs),
		TrialInt:       uint16(cfg.Test.TrialInt.Milliseconds()),
		TestIntTime:    uint16(cfg.Test.TestIntTime.Seconds()),
		SubIntPeriod:   uint16(cfg.Test.SubIntPeriod.Seconds()),
		IPTosByte:      uint8(cfg.Test.DSCP),
		SrIndexConf:    srIndexConf,
		UseOwDelVar:    boolToUint8(cfg.Test.UseOwDelVar),
		HighSpeedDelta: uint16(cfg.Test.HighSpeedDelta),
		SlowAdjThresh:  uint16(cfg.Test.SlowAdjThresh),
		SeqErrThresh:   uint16(cfg.Test.SeqErrThresh),
		IgnoreOooDup:   boolToUint8(cfg.Test.IgnoreOooDup),
		ModifierBitmap: modBitmap,
		RateAdjAlgo:    algoToWire(cfg.Test.Algorithm),
		SendingRate:    wire.FromRow(table.Row(rowIdx)),
	}

	if _, err := testSock.Conn.WriteToUDP(wire.EncodeTestActivationRequest(req), testAddr); err != nil {
		return wire.TestActivationResponse{}, fmt.Errorf("udcli: send activation request: %w", err)
	}

	_ = testSock.Conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, wire.MaxTestActivationSize+64)
	n, _, err := testSock.Conn.ReadFromUDP(buf)
	if err != nil {
		return wire.TestActivationResponse{}, fmt.Errorf("udcli: read activation response: %w", err)
	}

	resp, err := wire.DecodeTestActivationResponse(buf[:n], true)
	if err != nil {
		return wire.TestActivationResponse{}, fmt.Errorf("udcli: decode activation response: %w", err)
	}
	if resp.CmdResponse != wire.CmdActRespOK {
		return wire.TestActivationResponse{}, fmt.Errorf("udcli: server rejected activation (code %d)", resp.CmdResponse)
	}
	return resp, nil
}

func roleFor(sending bool) udpeng.Role {
	if sending {
		return udpeng.RoleTestDownstream
	}
	return udpeng.RoleTestUpstream
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

func boolToUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// printSummary writes a short human-readable report of the completed test
// to w, mirroring the fields spec §6 lists for the client's final printout.
func printSummary(w *os.File, sum *udpeng.Summary) {
	fmt.Fprintf(w, "\n--- test summary ---\n")
	fmt.Fprintf(w, "sub-intervals: %d\n", len(sum.Records))
	fmt.Fprintf(w, "delivered:     %d datagrams\n", sum.Delivered)
	fmt.Fprintf(w, "lost:          %d\n", sum.Lost)
	fmt.Fprintf(w, "out-of-order:  %d\n", sum.Ooo)
	fmt.Fprintf(w, "duplicate:     %d\n", sum.Dup)
	fmt.Fprintf(w, "mean L3 rate:  %.3f Mbps\n", sum.MeanRateL3Mbps())
	fmt.Fprintf(w, "delay var avg: %.3f ms\n", sum.DelayVarAvg())
	fmt.Fprintf(w, "rtt min/max:   %d/%d ms\n", sum.RttMin, sum.RttMax)
}
