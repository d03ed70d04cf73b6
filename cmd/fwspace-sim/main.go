package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/go-fwspace"
	"github.com/ehrlich-b/go-fwspace/buffer"
	"github.com/ehrlich-b/go-fwspace/consumer"
	"github.com/ehrlich-b/go-fwspace/internal/config"
	"github.com/ehrlich-b/go-fwspace/internal/logging"
	"github.com/ehrlich-b/go-fwspace/stats"
)

var Build = "dev"

func main() {
	var (
		configPath = flag.String("config", "", "Path to a YAML configuration file")
		queueStr   = flag.String("queue", "", "Size of the queue buffer (e.g., 4K, 64K)")
		nodes      = flag.Int("nodes", 0, "Number of simulated bus nodes")
		writes     = flag.Int("writes", 0, "Writes sent by each node")
		reads      = flag.Int("reads", -1, "Reads sent by each node")
		delay      = flag.Duration("delay", -1, "Simulated consumer work per write")
		timeout    = flag.Duration("ack-timeout", -1, "Reclaim a notification not acknowledged within this long (0 waits forever)")
		mapped     = flag.Bool("mapped", false, "Use an mmap'd queue buffer")
		tracePath  = flag.String("trace", "", "Write every notification in wire format to this file")
		verbose    = flag.Bool("v", false, "Verbose output")
		printCfg   = flag.Bool("print-config", false, "Print the effective configuration and exit")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Flags win over the file
	if *queueStr != "" {
		size, err := parseSize(*queueStr)
		if err != nil {
			log.Fatalf("Invalid queue size '%s': %v", *queueStr, err)
		}
		cfg.Space.QueueSize = size
	}
	if *nodes > 0 {
		cfg.Traffic.Nodes = *nodes
	}
	if *writes > 0 {
		cfg.Traffic.Writes = *writes
	}
	if *reads >= 0 {
		cfg.Traffic.Reads = *reads
	}
	if *delay >= 0 {
		cfg.Consumer.Delay = *delay
	}
	if *timeout >= 0 {
		cfg.Space.AckTimeout = *timeout
	}
	if *mapped {
		cfg.Space.Mapped = true
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if *printCfg {
		fmt.Print(cfg.String())
		return
	}

	// Set up logging
	logConfig := logging.DefaultConfig()
	logConfig.Level = logging.ParseLevel(cfg.Logging.Level)
	logConfig.Format = cfg.Logging.Format
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger, *tracePath); err != nil {
		logger.Error("simulation failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Parse(nil)
	}
	return config.Load(path)
}

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger, tracePath string) error {
	base, err := cfg.BaseAddress()
	if err != nil {
		return err
	}

	queue, err := newQueueBuffer(cfg)
	if err != nil {
		return err
	}

	bus := fwspace.NewMockBus()
	params := fwspace.DefaultParams(bus, queue, base, cfg.Space.Length)
	params.MaxSlots = cfg.Space.MaxSlots
	params.AckTimeout = cfg.Space.AckTimeout
	if cfg.Space.StaticSize > 0 {
		params.BackingStore = buffer.NewMemoryFrom(pattern(cfg.Space.StaticSize))
	}

	as, err := fwspace.Activate(fwspace.NewMockSession("fwspace-sim"), params, &fwspace.Options{
		Logger:   logger,
		Observer: stats.NewObserver(nil, "fwspace"),
	})
	if err != nil {
		return err
	}
	defer as.Teardown()

	logger.Info("address space active",
		"base", base.String(),
		"length", cfg.Space.Length,
		"queue", formatSize(cfg.Space.QueueSize),
		"static", cfg.Space.StaticSize > 0)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)

	if cfg.Stats.Type == "prometheus" {
		exporter, err := stats.NewPrometheus(logger, nil, stats.PrometheusConfig{
			Listen:    cfg.Stats.Listen,
			Path:      cfg.Stats.Path,
			Namespace: cfg.Stats.Namespace,
			Subsystem: cfg.Stats.Subsystem,
			Interval:  cfg.Stats.Interval,
		}, Build)
		if err != nil {
			return err
		}
		g.Go(func() error { return exporter.Run(gctx) })
		go stats.CaptureRuntime(gctx, nil, cfg.Stats.Interval)
	}

	handler := newSink(cfg, base, logger)
	runnerCfg := consumer.Config{
		Space:      as,
		Handler:    handler,
		Logger:     logger,
		ServeReads: cfg.Consumer.ServeReads,
	}
	if tracePath != "" {
		f, err := os.Create(tracePath)
		if err != nil {
			return err
		}
		defer f.Close()
		runnerCfg.Trace = f
	}

	runner, err := consumer.NewRunner(gctx, runnerCfg)
	if err != nil {
		return err
	}
	g.Go(func() error {
		if err := runner.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	start := time.Now()
	counts := generateTraffic(gctx, cfg, bus, base)
	logger.Info("traffic finished", "elapsed", time.Since(start).String())

	if err := waitDrained(gctx, as); err != nil {
		logger.Warn("consumer did not drain", "error", err, "pending", as.Info().Pending)
	}

	stop()
	if err := g.Wait(); err != nil {
		return err
	}

	as.Deactivate()
	printReport(as, runner.Stats(), handler, counts, time.Since(start))
	return nil
}

func newQueueBuffer(cfg *config.Config) (fwspace.Buffer, error) {
	if cfg.Space.QueueSize == 0 {
		return nil, nil
	}
	if cfg.Space.Mapped {
		return buffer.NewMapped(cfg.Space.QueueSize)
	}
	return buffer.NewMemory(cfg.Space.QueueSize), nil
}

// pattern fills a static backing store with recognizable bytes
func pattern(size int64) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

// tally counts response codes seen by the simulated nodes
type tally struct {
	codes [fwspace.RCodeAddressError + 1]atomic.Uint64
	other atomic.Uint64
}

func (t *tally) add(rcode fwspace.ResponseCode) {
	if int(rcode) < len(t.codes) {
		t.codes[rcode].Add(1)
		return
	}
	t.other.Add(1)
}

// generateTraffic runs one producer per node until each has sent its share
func generateTraffic(ctx context.Context, cfg *config.Config, bus *fwspace.MockBus, base fwspace.Address) *tally {
	t := &tally{}
	var g errgroup.Group

	for n := 0; n < cfg.Traffic.Nodes; n++ {
		node := uint16(0xffc0 + n)
		rng := rand.New(rand.NewSource(int64(n) + 1))

		g.Go(func() error {
			for i := 0; i < cfg.Traffic.Writes+cfg.Traffic.Reads; i++ {
				if ctx.Err() != nil {
					return nil
				}

				length := 4 * uint32(1+rng.Intn(int(max(cfg.Traffic.MaxLength/4, 1))))
				if length > cfg.Space.Length {
					length = cfg.Space.Length
				}
				off := uint64(rng.Int63n(int64(cfg.Space.Length-length)+1)) &^ 3
				addr := base.Add(off)
				speed := fwspace.Speed(rng.Intn(int(fwspace.Speed3200) + 1))

				if i < cfg.Traffic.Writes {
					payload := make([]byte, length)
					rng.Read(payload)
					req := fwspace.MockRequest{Lock: rng.Float64() < cfg.Traffic.LockRatio}
					t.add(bus.Write(node, speed, addr, payload, req))
				} else {
					rcode, _, err := bus.Read(node, speed, addr, length, fwspace.MockRequest{})
					if err != nil {
						return err
					}
					t.add(rcode)
				}

				if cfg.Traffic.Interval > 0 {
					time.Sleep(cfg.Traffic.Interval)
				}
			}
			return nil
		})
	}

	g.Wait()
	return t
}

// waitDrained waits for the consumer to acknowledge everything pending
func waitDrained(ctx context.Context, as *fwspace.AddressSpace) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(5 * time.Second)

	for {
		info := as.Info()
		if info.Pending == 0 && !info.Busy {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return errors.New("timed out")
		case <-ticker.C:
		}
	}
}

// sink applies delivered writes to an image of the address range
type sink struct {
	base  fwspace.Address
	image *buffer.Memory
	delay time.Duration
	log   *logging.Logger

	bytes   atomic.Uint64
	skipped atomic.Uint64
	locks   atomic.Uint64
}

func newSink(cfg *config.Config, base fwspace.Address, logger *logging.Logger) *sink {
	return &sink{
		base:  base,
		image: buffer.NewMemory(int64(cfg.Space.Length)),
		delay: cfg.Consumer.Delay,
		log:   logger,
	}
}

func (s *sink) HandleWrite(ctx context.Context, w consumer.Write) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if w.Lock {
		s.locks.Add(1)
	}

	off, ok := w.Address.Sub(s.base)
	if !ok {
		return fmt.Errorf("write to %s below range base %s", w.Address, s.base)
	}
	if _, err := s.image.WriteAt(w.Payload, int64(off)); err != nil {
		return err
	}
	s.bytes.Add(uint64(len(w.Payload)))
	return nil
}

func (s *sink) HandleSkipped(ctx context.Context, count uint32) error {
	s.skipped.Add(uint64(count))
	s.log.Debugf("consumer fell behind: %d writes dropped", count)
	return nil
}

func (s *sink) HandleRead(ctx context.Context, r consumer.Read) error {
	s.log.WithNode(r.Node).Debug("read forwarded", "offset", r.Offset, "length", r.Length)
	return nil
}

func printReport(as *fwspace.AddressSpace, rs consumer.Stats, s *sink, t *tally, elapsed time.Duration) {
	m := as.MetricsSnapshot()

	fmt.Printf("Simulation finished in %s (%s)\n", elapsed.Round(time.Millisecond), runtime.Version())
	fmt.Printf("\nBus responses:\n")
	for code := fwspace.RCodeComplete; code <= fwspace.RCodeAddressError; code++ {
		if n := t.codes[code].Load(); n > 0 {
			fmt.Printf("  %-14s %d\n", code.String()+":", n)
		}
	}
	if n := t.other.Load(); n > 0 {
		fmt.Printf("  %-14s %d\n", "other:", n)
	}

	fmt.Printf("\nAddress space:\n")
	fmt.Printf("  staged writes: %d (%s)\n", m.Writes, formatSize(int64(m.StagedBytes)))
	fmt.Printf("  dropped:       %d in %d skip records (%.2f%%)\n", m.DroppedWrites, m.SkipRecords, m.DropRate)
	fmt.Printf("  reads:         %d static, %d forwarded\n", m.StaticReads, m.DynamicReads)
	fmt.Printf("  acks:          %d (%d forced, %d rejected)\n", m.Acks, m.ForcedReclaims, m.ProtocolViolations)
	fmt.Printf("  ring:          %d slots max, %d pending max\n", m.MaxRingSlots, m.MaxPending)
	fmt.Printf("  ack latency:   avg %s p50 %s p99 %s\n",
		time.Duration(m.AvgLatencyNs), time.Duration(m.LatencyP50Ns), time.Duration(m.LatencyP99Ns))

	fmt.Printf("\nConsumer:\n")
	fmt.Printf("  writes:        %d (%s, %d locks)\n", rs.Writes, formatSize(int64(s.bytes.Load())), s.locks.Load())
	fmt.Printf("  skipped:       %d\n", rs.Skipped)
	fmt.Printf("  reads:         %d\n", rs.Reads)
	fmt.Printf("  errors:        %d handler, %d ack\n", rs.HandlerErrors, rs.AckErrors)
}

// parseSize parses a size string like "64K", "1M"
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)

	var multiplier int64 = 1
	numStr := s

	if strings.HasSuffix(s, "K") {
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	} else if strings.HasSuffix(s, "M") {
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}

	return num * multiplier, nil
}

// formatSize formats a byte count as a human-readable string
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
