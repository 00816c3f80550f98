// Command headerscan analyses message files from the command line and prints
// the verdicts as YAML or JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/mail-cci/headerguard/internal/analyzer"
	"github.com/mail-cci/headerguard/internal/ingest"
	"github.com/mail-cci/headerguard/internal/scoring"
	"github.com/mail-cci/headerguard/internal/types"
)

type report struct {
	File   string                `json:"file" yaml:"file"`
	Result *types.AnalysisResult `json:"result,omitempty" yaml:"result,omitempty"`
	Level  types.ThreatLevel     `json:"level,omitempty" yaml:"level,omitempty"`
	Error  string                `json:"error,omitempty" yaml:"error,omitempty"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("headerscan", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		format    = fs.String("format", "yaml", "Output format: yaml or json")
		workers   = fs.Int("workers", 0, "Number of analysis workers (default: number of CPUs)")
		alignment = fs.String("alignment", string(types.AlignmentExact), "Domain alignment: exact or relaxed")
		medium    = fs.Int("medium", scoring.DefaultThresholds.Medium, "Score at which the level becomes MEDIUM")
		high      = fs.Int("high", scoring.DefaultThresholds.High, "Score at which the level becomes HIGH")
		verbose   = fs.Bool("v", false, "Log each analysis to stderr")
	)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: headerscan [flags] file... (use - for stdin)")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	mode := types.AlignmentMode(strings.ToLower(*alignment))
	if mode != types.AlignmentExact && mode != types.AlignmentRelaxed {
		fmt.Fprintf(stderr, "invalid -alignment %q\n", *alignment)
		return 2
	}
	if *format != "yaml" && *format != "json" {
		fmt.Fprintf(stderr, "invalid -format %q\n", *format)
		return 2
	}

	log := zap.NewNop()
	if *verbose {
		cfg := zap.NewDevelopmentConfig()
		cfg.OutputPaths = []string{"stderr"}
		if l, err := cfg.Build(); err == nil {
			log = l
		}
	}
	defer func() { _ = log.Sync() }()

	pool := analyzer.NewPool(
		analyzer.New(analyzer.WithLogger(log), analyzer.WithAlignment(mode)),
		analyzer.PoolConfig{WorkerCount: *workers},
	)
	pool.Start()
	defer pool.Stop()

	thresholds := scoring.Thresholds{Medium: *medium, High: *high}
	reports := scan(context.Background(), pool, fs.Args(), stdin, thresholds, log)

	if err := write(stdout, *format, reports); err != nil {
		fmt.Fprintf(stderr, "writing output: %v\n", err)
		return 1
	}
	for _, r := range reports {
		if r.Error != "" {
			return 1
		}
	}
	return 0
}

func scan(ctx context.Context, pool *analyzer.Pool, files []string, stdin io.Reader, t scoring.Thresholds, log *zap.Logger) []report {
	reports := make([]report, len(files))
	var wg sync.WaitGroup
	for i, name := range files {
		reports[i].File = name

		msg, err := readMessage(name, stdin)
		if err != nil {
			reports[i].Error = err.Error()
			log.Warn("skipping file", zap.String("file", name), zap.Error(err))
			continue
		}

		wg.Add(1)
		go func(r *report, msg ingest.Message) {
			defer wg.Done()
			res, err := pool.Submit(ctx, analyzer.Request{Headers: msg.Headers, Body: ingest.TextBody(msg.Headers, msg.Body)})
			if err != nil {
				r.Error = err.Error()
				return
			}
			r.Result = &res
			r.Level = t.Level(res.ThreatScore)
		}(&reports[i], msg)
	}
	wg.Wait()
	return reports
}

func readMessage(name string, stdin io.Reader) (ingest.Message, error) {
	var (
		raw []byte
		err error
	)
	if name == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(name)
	}
	if err != nil {
		return ingest.Message{}, err
	}
	msg, err := ingest.Split(raw)
	if err != nil {
		return ingest.Message{}, fmt.Errorf("%s: %w", name, err)
	}
	return msg, nil
}

func write(w io.Writer, format string, reports []report) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(reports); err != nil {
		return err
	}
	return enc.Close()
}
