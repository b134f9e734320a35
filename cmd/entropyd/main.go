// Command entropyd exercises the VirtIO driver stack end to end against
// a simulated entropy device: it brings the device up, streams random
// bytes through the work-queue bridge and reports throughput.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/vmos-dev/vmos/internal/config"
	"github.com/vmos-dev/vmos/internal/devsim"
	"github.com/vmos-dev/vmos/internal/kwork"
	"github.com/vmos-dev/vmos/internal/platform"
	"github.com/vmos-dev/vmos/internal/virtio"
)

const (
	arenaBusBase = 0x4000_0000
	irqLine      = 5
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "entropyd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "YAML config file")
		total      = flag.Int64("total", 4<<20, "bytes of entropy to read")
		chunk      = flag.Int("chunk", 4096, "bytes per request")
		depth      = flag.Int("depth", 8, "requests in flight")
		usePCI     = flag.Bool("pci", false, "use the PCI capability transport")
		legacy     = flag.Bool("legacy", false, "use the legacy MMIO register map")
		outPath    = flag.String("out", "", "write the entropy to a file")
		verbose    = flag.Bool("verbose", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	path := *configPath
	if path == "" {
		path = os.Getenv("ENTROPYD_CONFIG")
	}
	cfg := config.Default()
	if path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return err
		}
	}
	if *usePCI && *legacy {
		return fmt.Errorf("the PCI transport has no legacy register map")
	}

	arena, err := platform.AllocArena(int(cfg.ArenaBytes), arenaBusBase)
	if err != nil {
		return fmt.Errorf("allocate arena: %w", err)
	}

	disp := platform.NewDispatcher()
	opts := devsim.Options{
		DeviceID:  virtio.DeviceIDEntropy,
		QueueSize: cfg.QueueSizeCap,
	}
	if *legacy {
		opts.Version = 1
	}

	// The simulator plays the part the configured bus windows would on
	// real hardware: one candidate per window, entropy device on the
	// last one so the scan has absent slots to skip.
	windows := cfg.MMIOWindows
	if len(windows) == 0 {
		windows = []config.MMIOWindow{{Base: 0x1000_1000, Line: irqLine}}
	}
	transport := "mmio"
	if *usePCI || cfg.ProbePCI {
		transport = "pci"
	}
	var cands []platform.Discovery
	for i, w := range windows {
		if i < len(windows)-1 {
			cands = append(cands, platform.Discovery{Regs: devsim.Empty{}, Line: w.Line})
			continue
		}
		opts.Line = w.Line
		if transport == "pci" {
			cands = append(cands, platform.Discovery{Config: devsim.NewPCI(arena, disp, opts), Line: w.Line})
		} else {
			cands = append(cands, platform.Discovery{Regs: devsim.NewMMIO(arena, disp, opts), Line: w.Line})
		}
	}

	dev, ok := virtio.Scan(cands, arena, virtio.DeviceIDEntropy)
	if !ok {
		return fmt.Errorf("no entropy device found")
	}
	if err := dev.Setup(0, cfg.QueueSizeCap); err != nil {
		return fmt.Errorf("device setup: %w", err)
	}
	if err := dev.Start(disp, func(ctx any) {
		ctx.(*virtio.Device).HandleIRQ()
	}, dev); err != nil {
		return fmt.Errorf("device start: %w", err)
	}
	slog.Info("entropy device running",
		"transport", transport,
		"queueSize", dev.Queue().Size())

	var out *os.File
	if *outPath != "" {
		out, err = os.Create(*outPath)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer out.Close()
	}

	bar := progressbar.DefaultBytesSilent(*total, "reading entropy")
	if term.IsTerminal(int(os.Stderr.Fd())) {
		bar = progressbar.DefaultBytes(*total, "reading entropy")
	}

	bridge := kwork.NewBridge(dev, arena)
	start := time.Now()
	if err := stream(bridge, arena, out, bar, *total, *chunk, *depth); err != nil {
		return err
	}
	elapsed := time.Since(start)
	slog.Info("done",
		"bytes", *total,
		"elapsed", elapsed.Round(time.Millisecond),
		"throughput", fmt.Sprintf("%.1f MiB/s", float64(*total)/elapsed.Seconds()/(1<<20)))
	return nil
}

// stream keeps up to depth chunk-sized requests in flight until total
// bytes have completed.
func stream(bridge *kwork.Bridge, arena *platform.Arena, out *os.File, bar *progressbar.ProgressBar, total int64, chunk, depth int) error {
	var (
		submitted int64
		received  int64
		writeErr  error
	)

	free := make([]*kwork.Request, 0, depth)
	for i := 0; i < depth; i++ {
		off, err := arena.Alloc(uint64(chunk), 64)
		if err != nil {
			return fmt.Errorf("allocate request buffer: %w", err)
		}
		free = append(free, &kwork.Request{BufOff: off, Len: uint32(chunk)})
	}

	complete := func(req *kwork.Request) {
		if req.Result == kwork.Busy {
			// Descriptor exhaustion when depth exceeds the queue.
			// Rewind the accounting and resubmit once the ring drains.
			submitted -= int64(req.Len)
			free = append(free, req)
			return
		}
		if req.Result != kwork.OK {
			writeErr = fmt.Errorf("request failed: %s", req.Result)
			return
		}
		received += int64(req.Completed)
		bar.Add(int(req.Completed))
		if out != nil && writeErr == nil {
			buf := arena.Bytes()[req.BufOff : req.BufOff+uint64(req.Completed)]
			if _, err := out.Write(buf); err != nil {
				writeErr = fmt.Errorf("write output: %w", err)
			}
		}
		free = append(free, req)
	}

	for received < total {
		var batch []*kwork.Request
		for len(free) > 0 && submitted < total {
			req := free[len(free)-1]
			free = free[:len(free)-1]
			n := int64(chunk)
			if total-submitted < n {
				n = total - submitted
			}
			req.Len = uint32(n)
			req.Complete = complete
			submitted += n
			batch = append(batch, req)
		}
		if len(batch) > 0 {
			bridge.Submit(batch)
		}
		bridge.Tick()
		if writeErr != nil {
			return writeErr
		}
	}
	return nil
}
