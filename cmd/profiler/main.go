package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"math/rand" //nolint:gosec // intentional use for reproducible benchmarks
	"net/http"
	_ "net/http/pprof" //nolint:gosec // intentional profiling endpoint
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"time"

	"github.com/felixge/fgprof"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meigma/blobipc"
	"github.com/meigma/blobipc/blobimpl"
)

type config struct {
	mode           string
	files          int
	fileSize       int
	pattern        string
	fgProfile      string
	duration       time.Duration
	iterations     int
	pprofAddr      string
	cpuProfile     string
	memProfile     string
	traceFile      string
	tempDir        string
	keepTemp       bool
	randomSeed     int64
	streamWorkers  int
	maxDescriptors int
	maxInline      int64
	verbose        bool
}

//nolint:unused // sink variables prevent compiler optimizations in profiling
var (
	sinkBytes []byte
	sinkCount int
)

//nolint:gocognit // main function complexity is acceptable for CLI tool
func main() {
	cfg := parseFlags()
	reg := prometheus.NewRegistry()

	if cfg.pprofAddr != "" {
		http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			log.Printf("pprof and metrics listening on %s", cfg.pprofAddr)
			//nolint:gosec // intentional pprof server without timeouts for profiling
			if err := http.ListenAndServe(cfg.pprofAddr, nil); err != nil {
				log.Printf("pprof server error: %v", err)
			}
		}()
	}

	dir, cleanup, err := setupTempDir(cfg)
	if err != nil {
		log.Fatal(err)
	}
	if cleanup != nil {
		defer cleanup() //nolint:errcheck // cleanup errors are non-fatal in profiler
	}

	paths, err := makeFiles(dir, cfg.files, cfg.fileSize, cfg.pattern, cfg.randomSeed)
	if err != nil {
		log.Fatal(err) //nolint:gocritic // exitAfterDefer is intentional - cleanup is best-effort
	}

	env, err := newEnvironment(cfg, reg)
	if err != nil {
		log.Fatal(err)
	}
	defer env.close()

	var stopFG func() error
	if cfg.fgProfile != "" {
		fgFile, fgErr := os.Create(cfg.fgProfile)
		if fgErr != nil {
			log.Fatal(fgErr)
		}
		stopFG = fgprof.Start(fgFile, fgprof.FormatPprof)
		defer func() {
			if err := stopFG(); err != nil {
				log.Printf("fgprof stop error: %v", err)
			}
			_ = fgFile.Close()
		}()
	}

	if cfg.cpuProfile != "" {
		cpuFile, cpuErr := os.Create(cfg.cpuProfile)
		if cpuErr != nil {
			log.Fatal(cpuErr)
		}
		if cpuErr = pprof.StartCPUProfile(cpuFile); cpuErr != nil {
			log.Fatal(cpuErr)
		}
		defer func() {
			pprof.StopCPUProfile()
			_ = cpuFile.Close()
		}()
	}

	if cfg.traceFile != "" {
		traceFile, traceErr := os.Create(cfg.traceFile)
		if traceErr != nil {
			log.Fatal(traceErr)
		}
		if traceErr = trace.Start(traceFile); traceErr != nil {
			log.Fatal(traceErr)
		}
		defer func() {
			trace.Stop()
			_ = traceFile.Close()
		}()
	}

	stats, err := runProfile(cfg, env, paths)
	if err != nil {
		log.Fatal(err)
	}

	if cfg.memProfile != "" {
		runtime.GC()
		f, err := os.Create(cfg.memProfile)
		if err != nil {
			log.Fatal(err)
		}
		if err := pprof.WriteHeapProfile(f); err != nil {
			log.Fatal(err)
		}
		_ = f.Close()
	}

	fmt.Printf("mode=%s ops=%d bytes=%d elapsed=%s throughput=%.2f MB/s\n",
		cfg.mode,
		stats.ops,
		stats.bytes,
		stats.elapsed,
		float64(stats.bytes)/(1024*1024)/stats.elapsed.Seconds(),
	)
}

type profileStats struct {
	ops     int
	bytes   int64
	elapsed time.Duration
}

// environment is a parent and a child process joined by one connection,
// plus a grandchild reached through the child for relay runs.
type environment struct {
	parent, child, leaf *blobipc.Process
	down                *blobipc.Manager // parent side of parent/child
	up                  *blobipc.Manager // child side of parent/child
	relay               *blobipc.Manager // child side of child/leaf, as parent
	received            chan *blobipc.Actor
}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func newEnvironment(cfg config, reg prometheus.Registerer) (*environment, error) {
	var logger *slog.Logger
	if cfg.verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	opts := func() []blobipc.Option {
		o := []blobipc.Option{
			blobipc.WithRegisterer(reg),
			blobipc.WithStreamWorkers(cfg.streamWorkers),
			blobipc.WithMaxDescriptorsPerMessage(cfg.maxDescriptors),
			blobipc.WithMaxInlineBytes(cfg.maxInline),
		}
		if logger != nil {
			o = append(o, blobipc.WithLogger(logger))
		}
		return o
	}

	env := &environment{received: make(chan *blobipc.Actor, 1)}
	var err error
	if env.parent, err = blobipc.NewProcess("parent", opts()...); err != nil {
		return nil, err
	}
	if env.child, err = blobipc.NewProcess("child", opts()...); err != nil {
		env.close()
		return nil, err
	}
	if env.leaf, err = blobipc.NewProcess("leaf", opts()...); err != nil {
		env.close()
		return nil, err
	}

	hook := blobipc.WithBlobHook(func(a *blobipc.Actor) { env.received <- a })
	env.down, env.up, err = blobipc.Connect(blobipc.Site{Process: env.parent}, blobipc.Site{Process: env.child}, hook)
	if err != nil {
		env.close()
		return nil, err
	}
	env.relay, _, err = blobipc.Connect(
		blobipc.Site{Process: env.child, Executor: env.child.NewWorker("relay")},
		blobipc.Site{Process: env.leaf},
		hook,
	)
	if err != nil {
		env.close()
		return nil, err
	}
	return env, nil
}

func (e *environment) close() {
	for _, p := range []*blobipc.Process{e.leaf, e.child, e.parent} {
		if p == nil {
			continue
		}
		if err := p.Close(); err != nil {
			log.Printf("close %s: %v", p.Name(), err)
		}
	}
}

func (e *environment) send(ctx context.Context, m *blobipc.Manager, impl blobimpl.Impl) (*blobipc.Actor, error) {
	if _, err := m.GetOrCreate(ctx, impl); err != nil {
		return nil, err
	}
	select {
	case a := <-e.received:
		return a, nil
	case <-time.After(30 * time.Second):
		return nil, errors.New("timed out waiting for blob")
	}
}

func drain(ctx context.Context, impl blobimpl.Impl) (int64, error) {
	s, err := impl.InternalStream(ctx)
	if err != nil {
		return 0, err
	}
	defer s.Close()
	return io.Copy(io.Discard, s)
}

//nolint:gocognit,gocyclo,gocritic // complexity is inherent to multi-mode profiler dispatch; hugeParam acceptable for profiler
func runProfile(cfg config, env *environment, paths []string) (profileStats, error) {
	ctx := context.Background()
	start := time.Now()
	ops := 0
	var byteCount int64

	shouldContinue := func() bool {
		if cfg.iterations > 0 {
			return ops < cfg.iterations
		}
		return time.Since(start) < cfg.duration
	}
	rng := rand.New(rand.NewSource(cfg.randomSeed)) //nolint:gosec // intentional for reproducible benchmarks

	switch cfg.mode {
	case "upload-memory":
		data := make([]byte, cfg.fileSize)
		for shouldContinue() {
			a, err := env.send(ctx, env.up, blobimpl.NewMemory(data, ""))
			if err != nil {
				return profileStats{}, err
			}
			a.Destroy()
			byteCount += int64(len(data))
			ops++
		}
	case "upload-file":
		for shouldContinue() {
			f, err := blobimpl.NewFile(paths[rng.Intn(len(paths))])
			if err != nil {
				return profileStats{}, err
			}
			a, err := env.send(ctx, env.up, f)
			if err != nil {
				return profileStats{}, err
			}
			n, err := drain(ctx, a.Impl())
			if err != nil {
				return profileStats{}, err
			}
			a.Destroy()
			byteCount += n
			ops++
		}
	case "upload-multipart":
		b := blobimpl.NewMultipartBuilder("")
		for _, p := range paths {
			f, err := blobimpl.NewFile(p)
			if err != nil {
				return profileStats{}, err
			}
			b.Append(f)
		}
		mp := b.Build()
		size, err := mp.Size()
		if err != nil {
			return profileStats{}, err
		}
		for shouldContinue() {
			a, err := env.send(ctx, env.up, mp)
			if err != nil {
				return profileStats{}, err
			}
			a.Destroy()
			// A destroyed export is sent again on the next round.
			mp = b.Build()
			byteCount += int64(size) //nolint:gosec // generated sizes fit in int64
			ops++
		}
	case "download", "download-slice", "download-worker":
		f, err := blobimpl.NewFile(paths[0])
		if err != nil {
			return profileStats{}, err
		}
		a, err := env.send(ctx, env.down, f)
		if err != nil {
			return profileStats{}, err
		}
		proxy := a.Impl()
		worker := env.child.NewWorker("reader")
		for shouldContinue() {
			var n int64
			switch cfg.mode {
			case "download-slice":
				half := int64(cfg.fileSize / 2)
				slice, serr := blobimpl.Slice(proxy, half/2, half/2+half, "")
				if serr != nil {
					return profileStats{}, serr
				}
				n, err = drain(ctx, slice)
			case "download-worker":
				err = worker.Call(ctx, func(ctx context.Context) error {
					var derr error
					n, derr = drain(ctx, proxy)
					return derr
				})
			default:
				n, err = drain(ctx, proxy)
			}
			if err != nil {
				return profileStats{}, err
			}
			byteCount += n
			ops++
		}
		runtime.KeepAlive(proxy)
	case "relay":
		f, err := blobimpl.NewFile(paths[0])
		if err != nil {
			return profileStats{}, err
		}
		mid, err := env.send(ctx, env.down, f)
		if err != nil {
			return profileStats{}, err
		}
		proxy := mid.Impl()
		leaf, err := env.send(ctx, env.relay, proxy)
		if err != nil {
			return profileStats{}, err
		}
		leafProxy := leaf.Impl()
		for shouldContinue() {
			n, err := drain(ctx, leafProxy)
			if err != nil {
				return profileStats{}, err
			}
			byteCount += n
			ops++
		}
		runtime.KeepAlive(proxy)
	default:
		return profileStats{}, fmt.Errorf("unknown mode %q", cfg.mode)
	}

	sinkCount = ops
	return profileStats{ops: ops, bytes: byteCount, elapsed: time.Since(start)}, nil
}

func parseFlags() config {
	var cfg config
	flag.StringVar(&cfg.mode, "mode", "download", "mode: upload-memory, upload-file, upload-multipart, download, download-slice, download-worker, relay")
	flag.IntVar(&cfg.files, "files", 64, "number of files")
	flag.IntVar(&cfg.fileSize, "file-size", 256<<10, "file size in bytes")
	flag.StringVar(&cfg.pattern, "pattern", "compressible", "pattern: compressible or random")
	flag.StringVar(&cfg.fgProfile, "fgprofile", "", "write fgprof (wall clock) profile to file")
	flag.DurationVar(&cfg.duration, "duration", 10*time.Second, "duration to run (ignored if iterations > 0)")
	flag.IntVar(&cfg.iterations, "iterations", 0, "number of iterations to run")
	flag.StringVar(&cfg.pprofAddr, "pprof-addr", "", "pprof and metrics listen address (e.g. :6060)")
	flag.StringVar(&cfg.cpuProfile, "cpuprofile", "", "write CPU profile to file")
	flag.StringVar(&cfg.memProfile, "memprofile", "", "write heap profile to file")
	flag.StringVar(&cfg.traceFile, "trace", "", "write trace to file")
	flag.StringVar(&cfg.tempDir, "temp-dir", "", "directory to use for dataset")
	flag.BoolVar(&cfg.keepTemp, "keep-temp", false, "keep temp dir after run")
	flag.Int64Var(&cfg.randomSeed, "seed", 1, "random seed")
	flag.IntVar(&cfg.streamWorkers, "stream-workers", 8, "concurrent stream-open operations per process")
	flag.IntVar(&cfg.maxDescriptors, "max-descriptors", 250, "descriptors per message before descriptor sets are used")
	flag.Int64Var(&cfg.maxInline, "max-inline", 64<<20, "inline bytes per construct message before spilling")
	flag.BoolVar(&cfg.verbose, "v", false, "log protocol events to stderr")
	flag.Parse()
	return cfg
}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func setupTempDir(cfg config) (string, func() error, error) {
	if cfg.tempDir != "" {
		return cfg.tempDir, nil, os.MkdirAll(cfg.tempDir, 0o755) //nolint:gosec // 0o755 is intentional for profiler temp dirs
	}
	dir, err := os.MkdirTemp("", "blobipc-profiler-*")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() error {
		if cfg.keepTemp {
			return nil
		}
		return os.RemoveAll(dir)
	}
	return dir, cleanup, nil
}

func makeFiles(dir string, fileCount, fileSize int, pattern string, seed int64) ([]string, error) {
	if fileCount <= 0 {
		fileCount = 1
	}
	paths := make([]string, 0, fileCount)
	rng := rand.New(rand.NewSource(seed)) //nolint:gosec // intentional use for reproducible benchmarks
	for i := range fileCount {
		path := filepath.Join(dir, fmt.Sprintf("blob%05d.dat", i))
		content := make([]byte, fileSize)
		switch pattern {
		case "random":
			if _, err := rng.Read(content); err != nil {
				return nil, err
			}
		default:
			fillByte := byte('a' + (i % 26))
			for j := range content {
				content[j] = fillByte
			}
			if len(content) > 0 {
				content[0] = byte(i)
			}
		}
		if err := os.WriteFile(path, content, 0o644); err != nil { //nolint:gosec // 0o644 is intentional for profiler test files
			return nil, err
		}
		paths = append(paths, path)
	}
	sinkBytes = nil
	return paths, nil
}
