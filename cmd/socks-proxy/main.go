// Command socks-proxy runs a single-process, single-threaded SOCKS5 proxy
// core: one epoll-driven reactor per process, no goroutines on the data
// path. The mandatory contract is positional: `socks-proxy <port> [-p]`,
// matching Ealireza-SuperProxy's own two-argument shape. -config/-t add an
// optional YAML file the same way Ealireza-SuperProxy/main.go's -config/-t
// do, carrying settings the positional form has no room for (idle timeout,
// max pairs, admin HTTP address, profiling). A flag-or-argument-provided
// port/verbosity always wins over the file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aiwannafly/socks-proxy/internal/adminhttp"
	"github.com/aiwannafly/socks-proxy/internal/config"
	"github.com/aiwannafly/socks-proxy/internal/metrics"
	"github.com/aiwannafly/socks-proxy/internal/profiling"
	"github.com/aiwannafly/socks-proxy/internal/reactor"
)

func main() {
	configPath := flag.String("config", "", "path to an optional YAML config file")
	testConfig := flag.Bool("t", false, "test the -config file and exit")
	verbose := flag.Bool("p", false, "verbose per-connection logging")
	metricsAddr := flag.String("metrics-addr", "", "admin HTTP address for /metrics and /healthz")
	flag.Parse()

	var cfg *config.Config
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			if *testConfig {
				fmt.Fprintf(os.Stderr, "configuration test FAILED: %v\n", err)
				os.Exit(1)
			}
			log.Fatalf("[main] %v", err)
		}
		cfg = loaded
	} else {
		if *testConfig {
			fmt.Fprintln(os.Stderr, "configuration test FAILED: -t requires -config")
			os.Exit(1)
		}
		cfg = &config.Config{}
	}

	argPort := 0
	if flag.NArg() > 0 {
		p, err := strconv.Atoi(flag.Arg(0))
		if err != nil || p < 1 || p > 65535 {
			log.Fatalf("[main] invalid port argument %q", flag.Arg(0))
		}
		argPort = p
	}
	// flag.Parse stops at the first positional argument, so a -p that
	// follows the port is picked up here.
	if flag.NArg() > 1 && flag.Arg(1) == "-p" {
		*verbose = true
	}
	cfg.ApplyFlagOverrides(argPort, *verbose, *metricsAddr)

	if *testConfig {
		fmt.Printf("configuration file %s test OK\n", *configPath)
		fmt.Printf("  port: %d\n", cfg.Port)
		os.Exit(0)
	}

	if cfg.Port == 0 {
		fmt.Fprintln(os.Stderr, "usage: socks-proxy <port> [-p] [-config path] [-t]")
		os.Exit(1)
	}

	m := metrics.New()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		log.Fatalf("[main] failed to register metrics: %v", err)
	}

	var adminSrv *adminhttp.Server
	if cfg.MetricsAddr != "" {
		adminSrv = adminhttp.New(cfg.MetricsAddr, reg)
		adminErrCh := adminSrv.Start()
		go func() {
			if err, ok := <-adminErrCh; ok && err != nil {
				log.Printf("[main] admin http server error: %v", err)
			}
		}()
	}

	profiler, err := profiling.Start("socks-proxy", cfg.ProfilingServerAddr)
	if err != nil {
		log.Printf("[main] profiling disabled: %v", err)
	}
	defer profiling.Stop(profiler)

	r, err := reactor.New(reactor.Config{
		Port:        cfg.Port,
		IdleTimeout: time.Duration(cfg.IdleTimeoutSeconds) * time.Second,
		MaxPairs:    cfg.MaxPairs,
		Verbose:     cfg.Verbose,
		Metrics:     m,
	})
	if err != nil {
		log.Fatalf("[main] failed to start reactor: %v", err)
	}

	printBanner(cfg)

	if err := r.Run(); err != nil {
		log.Fatalf("[main] reactor exited with error: %v", err)
	}

	if adminSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := adminSrv.Shutdown(ctx); err != nil {
			log.Printf("[main] admin http shutdown: %v", err)
		}
	}

	log.Println("[main] reactor stopped cleanly")
}

func printBanner(cfg *config.Config) {
	green := color.New(color.FgGreen, color.Bold)
	green.Println("socks-proxy listening")

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"setting", "value"})
	table.Append([]string{"port", fmt.Sprintf("%d", cfg.Port)})
	table.Append([]string{"verbose", fmt.Sprintf("%v", cfg.Verbose)})
	if cfg.MetricsAddr != "" {
		table.Append([]string{"metrics", "http://" + cfg.MetricsAddr + "/metrics"})
	}
	table.Render()
}
