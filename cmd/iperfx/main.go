// Command iperfx runs the external iperf3 tool, renders its output live
// and archives the result of every run.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"
	"github.com/ystartgo/iperfx/internal/chart"
	"github.com/ystartgo/iperfx/internal/metrics"
	"github.com/ystartgo/iperfx/internal/monitor"
	"github.com/ystartgo/iperfx/internal/persistence"
	"github.com/ystartgo/iperfx/pkg/iperf"
	"github.com/ystartgo/iperfx/pkg/iperf/spec"
	"github.com/ystartgo/iperfx/pkg/results"
	"github.com/ystartgo/iperfx/pkg/runner"
)

var (
	flagServer    = flag.Bool("server", false, "Run iperf3 in server mode")
	flagHost      = flag.String("host", "", "Server host to connect to (client mode)")
	flagPort      = flag.Int("port", spec.DefaultPort, "Server port")
	flagTime      = flag.Duration("time", spec.DefaultDuration, "Test duration (client mode)")
	flagUDP       = flag.Bool("udp", false, "Use UDP instead of TCP")
	flagParallel  = flag.Int("parallel", 1, "Number of parallel streams")
	flagBidir     = flag.Bool("bidir", false, "Run the test in both directions at once")
	flagReverse   = flag.Bool("reverse", false, "Reverse the test direction (server sends)")
	flagBandwidth = flag.String("bandwidth", "", "Target bitrate (e.g. 100M, 0 = unlimited)")
	flagInterval  = flag.Duration("interval", spec.DefaultReportInterval, "Periodic report interval")

	flagDataDir     = flag.String("datadir", "./data", "Directory to store run artifacts in")
	flagConfigFile  = flag.String("config", "", "Last-used configuration file (default: under the user config dir)")
	flagMonitorAddr = flag.String("monitor.addr", "", "Listen address for the live monitor (empty = disabled)")
	flagResultTTL   = flag.Duration("monitor.result-ttl", time.Hour, "How long the monitor keeps completed runs")
	flagDebug       = flag.Bool("debug", false, "Enable debug logging")
)

// applyFlags overlays explicitly set flags on the loaded configuration,
// so the last-used settings act as defaults the way a pre-filled form
// would.
func applyFlags(cfg *iperf.Config) {
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["server"] && *flagServer {
		cfg.Role = spec.RoleServer
	}
	if set["host"] {
		cfg.Role = spec.RoleClient
		cfg.Host = *flagHost
	}
	if set["port"] {
		cfg.Port = *flagPort
	}
	if set["time"] {
		cfg.Duration = *flagTime
	}
	if set["udp"] {
		cfg.Protocol = spec.ProtocolTCP
		if *flagUDP {
			cfg.Protocol = spec.ProtocolUDP
		}
	}
	if set["parallel"] {
		cfg.Parallel = *flagParallel
	}
	if set["bidir"] {
		cfg.Bidirectional = *flagBidir
	}
	if set["reverse"] {
		cfg.Reverse = *flagReverse
	}
	if set["bandwidth"] {
		cfg.Bandwidth = *flagBandwidth
	}
	if set["interval"] {
		cfg.ReportInterval = *flagInterval
	}
	if flag.NArg() > 0 {
		cfg.ExtraArgs = flag.Args()
	}
}

// httpServer creates a new *http.Server with explicit Read and Write
// timeouts for the monitor endpoint.
func httpServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:    addr,
		Handler: handler,
		// NOTE: the live WebSocket connection hijacks the underlying
		// conn, so these timeouts only bound plain HTTP requests.
		ReadTimeout:  time.Minute,
		WriteTimeout: time.Minute,
	}
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "could not parse env args")

	log.SetReportTimestamp(true)
	if *flagDebug {
		log.SetLevel(log.DebugLevel)
	}

	promSrv := prometheusx.MustServeMetrics()
	defer promSrv.Close()

	// Load the last-used configuration and overlay explicit flags.
	configPath := *flagConfigFile
	if configPath == "" {
		dir, err := persistence.DefaultConfigDir()
		rtx.Must(err, "could not determine config directory")
		configPath = filepath.Join(dir, "config.json")
	}
	cfg, err := persistence.LoadConfig(configPath)
	if err != nil {
		log.Warn("could not load last-used configuration, using defaults",
			"path", configPath, "err", err)
	}
	applyFlags(&cfg)

	// The signal context makes ^C cancel the run gracefully; partial
	// results are still collected and persisted.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var mon *monitor.Monitor
	if *flagMonitorAddr != "" {
		mon = monitor.New(*flagResultTTL)
		defer mon.Close()
		srv := httpServer(*flagMonitorAddr, mon.Handler())
		log.Info("live monitor listening", "addr", *flagMonitorAddr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("monitor server failed", "err", err)
			}
		}()
		defer srv.Close()
	}

	r := runner.New(cfg, &runner.HumanReadable{Debug: *flagDebug})
	samples, err := r.Start(ctx)
	if err != nil {
		// Launch failure: report immediately, record nothing.
		log.Fatal("could not start run", "err", err)
	}

	// The run launched: remember its configuration as the new defaults.
	if err := persistence.SaveConfig(configPath, cfg); err != nil {
		log.Warn("could not save last-used configuration", "path", configPath, "err", err)
	}

	go func() {
		for s := range samples {
			if mon != nil {
				mon.Publish(s)
			}
		}
	}()

	res := r.Wait()
	if mon != nil {
		mon.RecordResult(res)
	}
	persistRun(res, r.RawOutput())

	if res.State == results.StateFailed {
		os.Exit(1)
	}
}

// persistRun writes the artifact set for a terminal run. A failed run
// with no samples (e.g. unreachable host) leaves no files behind.
func persistRun(res *results.TestResult, rawOutput string) {
	if res.State == results.StateFailed && len(res.Samples) == 0 {
		log.Info("no samples collected, skipping artifacts", "id", res.RunID)
		return
	}
	png, err := chart.Render(res)
	if err != nil {
		metrics.ArtifactWrites.WithLabelValues("error").Inc()
		log.Error("chart rendering failed, artifacts not written", "err", err)
		return
	}
	set, err := persistence.NewStore(*flagDataDir).WriteRun(res, rawOutput, png)
	if err != nil {
		metrics.ArtifactWrites.WithLabelValues("error").Inc()
		log.Error("could not persist run, results kept in memory only", "err", err)
		return
	}
	metrics.ArtifactWrites.WithLabelValues("ok").Inc()
	log.Info("run persisted", "text", set.TextPath, "json", set.JSONPath, "chart", set.ChartPath)
}
