package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"billcal/internal/billing"
	"billcal/internal/config"
	"billcal/internal/debounce"
	"billcal/internal/ics"
	appLog "billcal/internal/log"
	"billcal/internal/model"
	"billcal/internal/refresh"
	"billcal/internal/watch"
	"billcal/internal/web"
)

type flagConfig struct {
	configPath string
	listen     string
	file       string
	summary    bool
	once       bool
	watch      bool
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	loc, err := conf.FloatingLocation()
	if err != nil {
		appLog.Error("invalid floating timezone, using UTC", err)
	}
	parseOpts := []ics.Option{ics.WithFloatingLocation(loc)}

	appLog.Debug("effective config",
		"listen", conf.Listen,
		"floating_timezone", conf.FloatingTimezone,
		"refresh", conf.RefreshCron,
		"source_count", len(conf.Sources),
		"file", flags.file,
		"once", flags.once,
		"watch", flags.watch,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch {
	case flags.file != "" && flags.watch:
		if flags.file == "-" {
			appLog.Error("cannot watch stdin", errors.New("-watch requires a file path"))
			os.Exit(2)
		}
		watchFile(ctx, flags.file, conf.Debounce(), flags.summary, parseOpts)

	case flags.file != "":
		res, err := parseFile(flags.file, parseOpts)
		if err != nil {
			appLog.Error("failed to read document", err, "file", flags.file)
			os.Exit(1)
		}
		printResult(os.Stdout, res, flags.summary)
		if res.Failed() {
			os.Exit(1)
		}

	case flags.once:
		r := refresh.New(ics.NewFetcher(conf.CacheDir), sourcesFromConfig(conf), parseOpts...)
		printJSON(os.Stdout, r.RunOnce(ctx))

	default:
		serve(ctx, conf, parseOpts)
	}
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/billcal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.StringVar(&cfg.file, "file", "", "Parse one .ics document (\"-\" for stdin), print the result and exit")
	flag.BoolVar(&cfg.summary, "summary", false, "Include the billing summary with -file output")
	flag.BoolVar(&cfg.once, "once", false, "Refresh all configured sources once, print the snapshot and exit")
	flag.BoolVar(&cfg.watch, "watch", false, "Re-parse -file whenever it changes")

	flag.Parse()

	return cfg
}

func sourcesFromConfig(conf *config.Config) []ics.Source {
	out := make([]ics.Source, 0, len(conf.Sources))
	for _, s := range conf.Sources {
		out = append(out, ics.Source{ID: s.Key(), URL: s.URL, Path: s.Path})
	}
	return out
}

func serve(ctx context.Context, conf *config.Config, parseOpts []ics.Option) {
	r := refresh.New(ics.NewFetcher(conf.CacheDir), sourcesFromConfig(conf), parseOpts...)
	go r.RunOnce(ctx)

	if err := r.Start(conf.RefreshCron); err != nil {
		appLog.Error("invalid refresh schedule", err, "refresh", conf.RefreshCron)
		os.Exit(1)
	}

	srv := web.NewServer(conf, r, parseOpts...)
	if err := srv.ListenAndServe(ctx); err != nil {
		appLog.Error("HTTP server failed", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.Stop(stopCtx)
	appLog.Info("billcal exiting")
}

func parseFile(path string, parseOpts []ics.Option) (model.ParseResult, error) {
	if path == "-" {
		return ics.ParseReader(os.Stdin, parseOpts...), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return model.ParseResult{}, err
	}
	return ics.Parse(string(data), parseOpts...), nil
}

// watchFile re-parses path once writes to it settle for the debounce delay.
func watchFile(ctx context.Context, path string, delay time.Duration, withSummary bool, parseOpts []ics.Option) {
	reparse := func() {
		res, err := parseFile(path, parseOpts)
		if err != nil {
			appLog.Error("failed to read document", err, "file", path)
			return
		}
		printResult(os.Stdout, res, withSummary)
	}

	fw, err := watch.New(path)
	if err != nil {
		appLog.Error("failed to watch document", err, "file", path)
		os.Exit(1)
	}

	d := debounce.New(delay, reparse)
	defer d.Stop()

	reparse()
	appLog.Info("watching document", "file", fw.Path(), "debounce", delay.String())
	fw.Run(ctx, d.Trigger)
}

type fileOutput struct {
	Result    model.ParseResult  `json:"result"`
	Summary   billing.Summary    `json:"summary"`
	DayDeltas []billing.DayDelta `json:"day_deltas"`
}

func printResult(w io.Writer, res model.ParseResult, withSummary bool) {
	if !withSummary || res.Failed() {
		printJSON(w, res)
		return
	}
	printJSON(w, fileOutput{
		Result:    res,
		Summary:   billing.Summarize(res.Events),
		DayDeltas: billing.DayDeltas(res.Events),
	})
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		appLog.Error("failed to write output", err)
	}
}
