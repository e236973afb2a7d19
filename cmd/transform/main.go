// Command transform runs one batch of raw records through a transform
// config: load and lint the config, stream raw NDJSON records in, run the
// worker-pool pipeline, and hand the two output streams to the selected
// sink. The engine itself is library-shaped; this binary is operational
// glue and deliberately thin.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"geoetl/internal/config"
	"geoetl/internal/metrics"
	"geoetl/internal/metrics/datadog"
	"geoetl/internal/metrics/prompush"
	"geoetl/internal/pipeline"
	"geoetl/internal/sink"

	// register database backends with the sink factory.
	_ "geoetl/internal/sink/all"

	"geoetl/pkg/canon"
)

func main() {
	var (
		cfgPath        string
		inputPath      string
		workers        int
		sinkKind       string
		sinkDSN        string
		sinkTable      string
		quarTable      string
		autoCreate     bool
		metricsBackend string
		pushGatewayURL string
		dogstatsdAddr  string
		validate       bool
	)

	flag.StringVar(&cfgPath, "config", "", "transform_config JSON path (required)")
	flag.StringVar(&inputPath, "input", "-", "raw record NDJSON path ('-' for stdin)")
	flag.IntVar(&workers, "workers", 0, "concurrent record pipelines (0 = GOMAXPROCS)")
	flag.StringVar(&sinkKind, "sink", "jsonl", "output sink: jsonl, postgres, sqlite, discard")
	flag.StringVar(&sinkDSN, "dsn", "", "sink DSN (database connection string, or jsonl path prefix)")
	flag.StringVar(&sinkTable, "table", "", "canonical record table (database sinks)")
	flag.StringVar(&quarTable, "quarantine-table", "", "quarantine table (database sinks)")
	flag.BoolVar(&autoCreate, "auto-create", false, "create sink tables if missing")
	flag.StringVar(&metricsBackend, "metrics-backend", "none", "metrics backend: pushgateway, datadog, none")
	flag.StringVar(&pushGatewayURL, "pushgateway-url", "", "Pushgateway base URL (overrides env PUSHGATEWAY_URL)")
	flag.StringVar(&dogstatsdAddr, "dogstatsd-addr", "", "DogStatsD address (overrides env DOGSTATSD_ADDR)")
	flag.BoolVar(&validate, "validate", false, "validate the configuration and exit")
	verbose := flag.Bool("v", false, "enable verbose logs")
	flag.Parse()

	if cfgPath == "" {
		fatalf("-config is required")
	}

	f, err := os.Open(cfgPath)
	if err != nil {
		fatalf("open config: %v", err)
	}
	cfg, issues, err := config.Load(f)
	f.Close()
	for _, iss := range issues {
		fmt.Fprintf(os.Stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if err != nil {
		log.Printf("configuration is invalid: %v", cfgPath)
		os.Exit(1)
	}
	if validate {
		log.Printf("configuration is valid: %v", cfgPath)
		os.Exit(0)
	}

	setupMetrics(metricsBackend, pushGatewayURL, dogstatsdAddr, cfg.Metadata.SourceDataset, *verbose)

	batch, err := readBatch(inputPath)
	if err != nil {
		fatalf("read input: %v", err)
	}
	if *verbose {
		log.Printf("batch: dataset=%s target=%s config=%s records=%d workers=%d",
			cfg.Metadata.SourceDataset, cfg.Domain.Name, cfg.Metadata.Version, len(batch), workers)
	}

	// SIGINT/SIGTERM cancel cooperatively: in-flight records finish and
	// partial output is still written.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng := pipeline.New(cfg, pipeline.Options{Workers: workers})
	start := time.Now()
	res, runErr := eng.Run(ctx, batch)
	if runErr != nil {
		log.Printf("batch interrupted: %v (partial output follows)", runErr)
	}

	out, err := sink.New(ctx, sink.Config{
		Kind: sinkKind, DSN: sinkDSN,
		Table: sinkTable, QuarantineTable: quarTable,
		AutoCreate: autoCreate,
	})
	if err != nil {
		fatalf("init sink: %v", err)
	}
	defer out.Close()

	if err := out.WriteCanonical(ctx, res.Canonical); err != nil {
		fatalf("write canonical: %v", err)
	}
	if err := out.WriteQuarantine(ctx, res.Quarantine); err != nil {
		fatalf("write quarantine: %v", err)
	}

	log.Printf("run %s: canonicalized=%d quarantined=%d warnings=%d in %s",
		res.RunID, len(res.Canonical), len(res.Quarantine), res.WarningCount,
		time.Since(start).Truncate(time.Millisecond))
	for _, w := range res.WarningSample {
		log.Printf("warning: %s", w)
	}

	if err := metrics.Flush(); err != nil {
		log.Printf("metrics: flush error: %v", err)
	}
	if runErr != nil {
		os.Exit(2)
	}
}

// setupMetrics installs the selected metrics backend; the default nop
// backend stays when selection fails.
func setupMetrics(backend, gwURL, ddAddr, dataset string, verbose bool) {
	switch backend {
	case "pushgateway":
		if gwURL == "" {
			gwURL = os.Getenv("PUSHGATEWAY_URL")
		}
		if gwURL == "" {
			gwURL = "http://localhost:9091"
		}
		b, err := prompush.NewBackend(dataset, gwURL)
		if err != nil {
			log.Printf("metrics: failed to init pushgateway backend: %v; using nop", err)
			return
		}
		metrics.SetBackend(b)
		if verbose {
			log.Printf("metrics: backend=pushgateway url=%s job=%s", gwURL, dataset)
		}

	case "datadog":
		if ddAddr == "" {
			ddAddr = os.Getenv("DOGSTATSD_ADDR")
		}
		if ddAddr == "" {
			ddAddr = "127.0.0.1:8125"
		}
		b, err := datadog.NewBackend(datadog.Config{Addr: ddAddr, Namespace: "transform."})
		if err != nil {
			log.Printf("metrics: failed to init datadog backend: %v; using nop", err)
			return
		}
		metrics.SetBackend(b)
		if verbose {
			log.Printf("metrics: backend=datadog addr=%s", ddAddr)
		}

	case "", "none":
		// metrics disabled; nop backend remains

	default:
		log.Printf("metrics: unknown backend %q; metrics disabled", backend)
	}
}

// readBatch decodes one RawRecord per NDJSON line.
func readBatch(path string) ([]canon.RawRecord, error) {
	var r io.Reader = os.Stdin
	if path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var batch []canon.RawRecord
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024) // large geometries
	line := 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}
		var rec canon.RawRecord
		if err := json.Unmarshal(b, &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		batch = append(batch, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return batch, nil
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
