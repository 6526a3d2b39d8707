// Command token-client connects to a token server and requests tokens for
// one flow at a configurable rate, then prints a summary.
//
//	token-client -config clusterflow.yaml -flow 1001 -rate 200 -duration 10s
//	token-client -flow 1001 -prefetch 20 -workers 8
//	token-client -flow 2001 -params user-1,user-2
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vnykmshr/clusterflow/internal/config"
	"github.com/vnykmshr/clusterflow/internal/loadgen"
	"github.com/vnykmshr/clusterflow/internal/logging"
	"github.com/vnykmshr/clusterflow/pkg/cluster/client"
	"github.com/vnykmshr/clusterflow/pkg/cluster/protocol"
)

var (
	configPath  = flag.String("config", "", "path to the configuration file")
	flowID      = flag.Int64("flow", 0, "flow id to request tokens for")
	acquire     = flag.Int("acquire", 1, "tokens per request")
	prefetch    = flag.Int("prefetch", 0, "prefetch size; enables the client token cache")
	prioritized = flag.Bool("prioritized", false, "allow borrowing from the next window")
	params      = flag.String("params", "", "comma separated param values; sends param flow requests")
	rate        = flag.Float64("rate", 0, "requests per second across all workers; 0 is unlimited")
	workers     = flag.Int("workers", 1, "concurrent senders")
	duration    = flag.Duration("duration", 10*time.Second, "run time; 0 runs until interrupted")
	honorWait   = flag.Bool("honor-wait", true, "sleep for the wait of SHOULD_WAIT results")
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "token-client: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	clientCfg := cfg.Client.TokenClientConfig()
	clientCfg.Logger = logger
	tc, err := client.New(cfg.Client.Server, clientCfg)
	if err != nil {
		return err
	}
	if err := tc.Start(); err != nil {
		return err
	}
	defer tc.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lc := loadgen.Config{
		FlowID:      *flowID,
		Acquire:     int32(*acquire),
		Prefetch:    int32(*prefetch),
		Prioritized: *prioritized,
		Rate:        *rate,
		Workers:     *workers,
		Duration:    *duration,
		HonorWait:   *honorWait,
		Logger:      logger,
	}
	if *params != "" {
		lc.Params = strings.Split(*params, ",")
	}

	logger.Info("requesting tokens",
		zap.String("server", cfg.Client.Server.Addr()),
		zap.String("namespace", cfg.Client.Namespace),
		zap.Int64("flow_id", lc.FlowID))

	report, err := loadgen.Run(ctx, tc, lc)
	if err != nil {
		return err
	}
	printReport(report)
	return nil
}

func printReport(r loadgen.Report) {
	fmt.Printf("requests:   %d (%.1f/s over %s)\n", r.Total, r.Throughput(), r.Elapsed.Round(time.Millisecond))
	fmt.Printf("passed:     %d\n", r.Passed)
	fmt.Printf("from cache: %d\n", r.Cached)

	statuses := make([]protocol.Status, 0, len(r.ByStatus))
	for s := range r.ByStatus {
		statuses = append(statuses, s)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i] < statuses[j] })
	for _, s := range statuses {
		fmt.Printf("  %-17s %d\n", s.String(), r.ByStatus[s])
	}
}
