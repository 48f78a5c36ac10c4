package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/shaunagostinho/domcal/internal/archive"
	"github.com/shaunagostinho/domcal/internal/link"
	"github.com/shaunagostinho/domcal/internal/output"
	"github.com/shaunagostinho/domcal/internal/server"
	"github.com/shaunagostinho/domcal/internal/sim"
	"github.com/shaunagostinho/domcal/internal/visit"
	"github.com/shaunagostinho/domcal/web"
)

func main() {
	configPath := flag.String("config", server.DefaultConfigPath, "Path to config file")
	demo := flag.Bool("demo", false, "Calibrate simulated DOMs on localhost")
	listenAddr := flag.String("listen", "", "Override monitor listen address (e.g. :8080)")
	listPorts := flag.Bool("list-ports", false, "List serial adapters and exit")
	once := flag.Bool("once", false, "Visit every device once and exit")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	if *listPorts {
		if err := printPorts(); err != nil {
			log.Printf("[main] %v", err)
			os.Exit(1)
		}
		return
	}

	log.Println("[main] domcal starting")
	cfg := server.LoadConfig(*configPath)
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	if *demo {
		if err := startDemo(ctx, cfg); err != nil {
			log.Printf("[main] demo: %v", err)
			os.Exit(1)
		}
	}

	if !run(ctx, cfg, *once) {
		os.Exit(1)
	}
}

// run visits every configured device and reports whether all succeeded.
func run(ctx context.Context, cfg *server.Config, once bool) bool {
	out := output.New(cfg.Output)
	defer out.Close()
	opts := []visit.Option{visit.WithOutput(out)}

	var records server.Records
	if cfg.Archive.Enabled {
		a, err := archive.Open(ctx, cfg.Archive)
		if err != nil {
			log.Printf("[main] %v", err)
			return false
		}
		defer a.Close()
		opts = append(opts, visit.WithArchive(a))
		records = a
	}

	// The monitor outlives the visits unless running once.
	srvCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()
	var wg sync.WaitGroup
	if cfg.Server.Enabled {
		srv := server.New(cfg, records, web.FS)
		opts = append(opts, visit.WithEvents(srv.Publish))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(srvCtx); err != nil {
				log.Printf("[main] server exited: %v", err)
			}
		}()
	}

	runner := visit.New(cfg.VisitConfig(), opts...)
	devices := cfg.Devices()
	log.Printf("[main] %d device(s), results in %s", len(devices), out.Dir())

	ok := true
	if once {
		for _, res := range runner.RunAll(ctx, devices) {
			if !res.OK() {
				ok = false
			}
		}
		stopServer()
		wg.Wait()
		return ok
	}

	// Keep revisiting failed devices until each has a record, then keep
	// the monitor up until shutdown.
	results := make([]bool, len(devices))
	var visits sync.WaitGroup
	for i, dev := range devices {
		visits.Add(1)
		go func(i int, dev link.Config) {
			defer visits.Done()
			results[i] = visitWithRetry(ctx, runner, dev, time.Duration(cfg.Visit.RetryS)*time.Second, 10)
		}(i, dev)
	}
	visits.Wait()
	for _, r := range results {
		ok = ok && r
	}
	if ok {
		log.Printf("[main] all devices calibrated")
	}
	if !cfg.Server.Enabled {
		return ok
	}
	<-ctx.Done()
	wg.Wait()
	return ok
}

// visitWithRetry repeats a visit until it succeeds. The pause starts at
// delay, doubles after each failure up to 10 minutes, and is logged with
// the attempt count for the first maxAttempts failures.
func visitWithRetry(ctx context.Context, r *visit.Runner, dev link.Config, delay time.Duration, maxAttempts int) bool {
	if delay <= 0 {
		delay = 30 * time.Second
	}
	maxDelay := 10 * time.Minute
	attempt := 0

	for {
		res := r.Run(ctx, dev)
		if res.OK() {
			log.Printf("[%s] calibrated (attempt %d)", res.Device, attempt+1)
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		attempt++
		if attempt <= maxAttempts {
			log.Printf("[%s] visit attempt %d/%d: %s (retry in %v)",
				res.Device, attempt, maxAttempts, res.Status, delay)
		} else {
			log.Printf("[%s] visit attempt %d: %s (retry in %v)", res.Device, attempt, res.Status, delay)
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// startDemo points the config at simulated DOMs on localhost, one per
// configured port, with varied checksum trouble.
func startDemo(ctx context.Context, cfg *server.Config) error {
	ports := cfg.Link.Ports
	if len(ports) == 0 {
		ports = []int{cfg.Link.Port}
	}
	cfg.Link.Kind = "tcp"
	cfg.Link.Host = "127.0.0.1"
	cfg.Link.Ports = ports
	cfg.Visit.RetryS = 2

	demoDir := filepath.Join(os.TempDir(), "domcal-demo")
	if cfg.Output.Dir == server.DefaultConfig().Output.Dir {
		cfg.Output.Dir = demoDir
	}
	if cfg.Archive.Path == server.DefaultConfig().Archive.Path {
		cfg.Archive.Path = filepath.Join(demoDir, "records.db")
	}
	if err := os.MkdirAll(cfg.Output.Dir, 0755); err != nil {
		return err
	}

	for i, p := range ports {
		_, _, err := sim.Listen(ctx, fmt.Sprintf("127.0.0.1:%d", p), sim.Options{
			Seed:             int64(p),
			BadTransmissions: i % 3,
			ConfigBoot:       i%2 == 1,
			LineDelay:        50 * time.Millisecond,
		})
		if err != nil {
			return err
		}
	}
	log.Printf("[main] demo: %d simulated DOM(s), output in %s", len(ports), cfg.Output.Dir)
	return nil
}

func printPorts() error {
	ports, err := link.ListSerialPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Println("no serial ports found")
		return nil
	}
	for _, p := range ports {
		if p.USB {
			fmt.Printf("%s\tUSB %s:%s %s\n", p.Name, p.VID, p.PID, p.SerialNumber)
		} else {
			fmt.Println(p.Name)
		}
	}
	return nil
}
