// blkio-bench drives random I/O through a blkio engine and reports
// throughput. It is a smoke-test harness for the drivers, not a
// replacement for a real benchmark tool.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	blkio "github.com/ehrlich-b/go-blkio"
	"github.com/ehrlich-b/go-blkio/driver"
	"github.com/ehrlich-b/go-blkio/driver/iouring"
	"github.com/ehrlich-b/go-blkio/driver/mem"
	"github.com/ehrlich-b/go-blkio/internal/logging"
)

func main() {
	// Optional .env next to the binary can pre-set BLKIO_* defaults.
	godotenv.Load()

	app := cli.NewApp()
	app.Name = "blkio-bench"
	app.Usage = "random I/O benchmark over the blkio engine"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "driver",
			Value:  "mem",
			Usage:  "driver to benchmark (mem, io_uring)",
			EnvVar: "BLKIO_DRIVER",
		},
		cli.StringSliceFlag{
			Name:  "pre-connect",
			Usage: "pre-connect property, name=value (repeatable)",
		},
		cli.StringSliceFlag{
			Name:  "pre-start",
			Usage: "pre-start property, name=value (repeatable)",
		},
		cli.StringFlag{
			Name:   "wait-mode",
			Value:  "block",
			Usage:  "completion wait mode (block, eventfd, loop)",
			EnvVar: "BLKIO_WAIT_MODE",
		},
		cli.IntFlag{
			Name:   "depth",
			Value:  blkio.DefaultQueueDepth,
			Usage:  "queue depth",
			EnvVar: "BLKIO_DEPTH",
		},
		cli.IntFlag{
			Name:   "bs",
			Value:  4096,
			Usage:  "block size in bytes",
			EnvVar: "BLKIO_BS",
		},
		cli.BoolFlag{
			Name:  "hipri",
			Usage: "use a poll queue and busy-wait for completions",
		},
		cli.BoolFlag{
			Name:  "vectored",
			Usage: "submit vectored requests",
		},
		cli.BoolFlag{
			Name:  "write",
			Usage: "issue writes instead of reads",
		},
		cli.DurationFlag{
			Name:  "duration",
			Value: 5 * time.Second,
			Usage: "how long to run",
		},
		cli.BoolFlag{
			Name:  "verbose, v",
			Usage: "debug logging",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "blkio-bench: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logCfg := logging.DefaultConfig()
	if c.Bool("verbose") {
		logCfg.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logCfg)
	logging.SetDefault(logger)

	reg := driver.NewRegistry()
	reg.Register(mem.New())
	reg.Register(iouring.New())

	waitMode, err := blkio.ParseWaitMode(c.String("wait-mode"))
	if err != nil {
		return err
	}

	cfg := blkio.DefaultConfig(c.String("driver"), reg)
	cfg.PreConnectProps = strings.Join(c.StringSlice("pre-connect"), " ")
	cfg.PreStartProps = strings.Join(c.StringSlice("pre-start"), " ")
	cfg.WaitMode = waitMode
	cfg.HiPri = c.Bool("hipri")
	cfg.Vectored = c.Bool("vectored")
	cfg.QueueDepth = c.Int("depth")
	cfg.MaxBlockSize = c.Int("bs")
	cfg.Logger = logger

	metrics := blkio.NewMetrics()
	cfg.Observer = blkio.NewMetricsObserver(metrics)

	runID := uuid.New().String()
	logger.Info("starting benchmark run",
		"run_id", runID,
		"driver", cfg.Driver,
		"depth", cfg.QueueDepth,
		"bs", c.Int("bs"))

	capacity, err := blkio.Capacity(cfg)
	if err != nil {
		return errors.Wrap(err, "sizing pass")
	}
	if capacity == 0 {
		return errors.New("device reports zero capacity")
	}

	engine, err := blkio.New(cfg)
	if err != nil {
		return errors.Wrap(err, "create engine")
	}
	defer engine.Close()

	bs := c.Int("bs")
	depth := cfg.QueueDepth
	region, err := engine.AllocRegion(uint64(bs * depth))
	if err != nil {
		return errors.Wrap(err, "allocate I/O region")
	}

	kind := blkio.OpRead
	if c.Bool("write") {
		kind = blkio.OpWrite
	}

	if err := pump(engine, region.Buf(), kind, bs, depth, capacity, c.Duration("duration")); err != nil {
		return err
	}
	metrics.Stop()

	report(metrics.Snapshot(), runID)
	return nil
}

// pump keeps the queue full for the run duration: submit until depth
// operations are in flight, reap at least one, resubmit into the freed
// slots.
func pump(engine *blkio.Engine, arena []byte, kind blkio.OpKind, bs, depth int, capacity uint64, d time.Duration) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	blocks := capacity / uint64(bs)
	if blocks == 0 {
		return errors.Errorf("capacity %d is smaller than one block", capacity)
	}

	ops := make([]blkio.Op, depth)
	free := make([]int, 0, depth)
	for i := 0; i < depth; i++ {
		free = append(free, i)
	}
	tagSlot := make(map[uint64]int, depth)

	var nextTag uint64
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		for len(free) > 0 {
			slot := free[len(free)-1]
			free = free[:len(free)-1]

			op := &ops[slot]
			op.Tag = nextTag
			op.Kind = kind
			op.Offset = uint64(rng.Int63n(int64(blocks))) * uint64(bs)
			op.Buf = arena[slot*bs : (slot+1)*bs]
			op.Slot = slot
			tagSlot[op.Tag] = slot
			nextTag++

			if err := engine.Submit(op); err != nil {
				return errors.Wrap(err, "submit")
			}
		}

		n, err := engine.GetEvents(1, depth, nil)
		if err != nil {
			return errors.Wrap(err, "get events")
		}
		for i := 0; i < n; i++ {
			ev := engine.Event(i)
			if ev.Err != nil {
				return errors.Wrapf(ev.Err, "operation %d failed", ev.Tag)
			}
			free = append(free, tagSlot[ev.Tag])
			delete(tagSlot, ev.Tag)
		}
	}

	// Drain what is still in flight before tearing down.
	inFlight := depth - len(free)
	for inFlight > 0 {
		n, err := engine.GetEvents(inFlight, depth, nil)
		if err != nil {
			return errors.Wrap(err, "drain")
		}
		inFlight -= n
	}
	return nil
}

func report(s blkio.MetricsSnapshot, runID string) {
	fmt.Printf("run %s\n", runID)
	fmt.Printf("  ops:        %d (%d read, %d write)\n", s.TotalOps, s.ReadOps, s.WriteOps)
	fmt.Printf("  read:       %.0f IOPS, %s/s\n", s.ReadIOPS, formatSize(uint64(s.ReadBandwidth)))
	fmt.Printf("  write:      %.0f IOPS, %s/s\n", s.WriteIOPS, formatSize(uint64(s.WriteBandwidth)))
	fmt.Printf("  reap batch: %.1f avg over %d calls\n", s.AvgReapBatch, s.ReapCalls)
	fmt.Printf("  errors:     %d (%.2f%%)\n", s.CompletionErrors, s.ErrorRate)
}

// formatSize formats a byte count as a human-readable string
func formatSize(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
