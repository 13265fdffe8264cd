package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"txt2detection/config"
	"txt2detection/internal/catalog"
	inputredis "txt2detection/internal/input/redis"
	"txt2detection/internal/logger"
	"txt2detection/internal/metrics"
	"txt2detection/internal/output/bundlefile"
	"txt2detection/internal/output/bundlehttp"
	"txt2detection/internal/output/bundleredis"
	"txt2detection/internal/pipeline"
	"txt2detection/internal/rules"
	"txt2detection/pkg/models"
)

const (
	defaultConfigName = "txt2detection.yml"
	createdLayout     = "2006-01-02T15:04:05"
)

func findConfigFile(configArg string) string {
	if configArg != "" {
		path := configArg
		if _, err := os.Stat(path); err == nil {
			return path
		}
		log.Printf("Warning: config file not found at %s, trying default locations", path)
	}

	if _, err := os.Stat(defaultConfigName); err == nil {
		return defaultConfigName
	}

	exePath, err := os.Executable()
	if err == nil {
		exeDir := filepath.Dir(exePath)
		path := filepath.Join(exeDir, defaultConfigName)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return defaultConfigName
}

// loadConfig reads the config file if there is one; a missing file yields
// an empty config.
func loadConfig(configArg string) (*config.Config, string, error) {
	path := findConfigFile(configArg)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := &config.Config{}
		applyDefaults(cfg)
		return cfg, "", nil
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, path, err
	}
	applyDefaults(cfg)
	return cfg, path, nil
}

func applyDefaults(cfg *config.Config) {
	c := &cfg.Txt2Detection

	if c.Bundle.TLPLevel == "" {
		c.Bundle.TLPLevel = models.TLPClear.Name()
	}
	if c.Bundle.Status == "" {
		c.Bundle.Status = rules.DefaultStatus
	}

	if c.Input.Redis.Addr == "" {
		c.Input.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Input.Redis.Key == "" {
		c.Input.Redis.Key = "txt2detection_jobs"
	}
	if c.Input.Redis.BlockTimeout == 0 {
		c.Input.Redis.BlockTimeout = 5 * time.Second
	}

	if c.Output.Mode == "" {
		c.Output.Mode = "file"
	}
	if c.Output.File.Path == "" {
		c.Output.File.Path = "output"
	}
	if c.Output.Redis.Addr == "" {
		c.Output.Redis.Addr = c.Input.Redis.Addr
	}
	if c.Output.Redis.Key == "" {
		c.Output.Redis.Key = "txt2detection_bundles"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.RunDir == "" {
		c.Logging.RunDir = "logs"
	}

	if c.Metrics.Job == "" {
		c.Metrics.Job = "txt2detection"
	}
}

func newEnricher(cfg *config.Config, m *metrics.Metrics) *catalog.Enricher {
	cats := cfg.Txt2Detection.Catalogs
	attack, cve := catalog.ConfigFromEnv(
		catalog.Config{
			BaseURL: cats.CTIButler.BaseURL,
			APIKey:  cats.CTIButler.APIKey,
			Timeout: cats.CTIButler.Timeout,
			Headers: cats.CTIButler.Headers,
		},
		catalog.Config{
			BaseURL: cats.Vulmatch.BaseURL,
			APIKey:  cats.Vulmatch.APIKey,
			Timeout: cats.Vulmatch.Timeout,
			Headers: cats.Vulmatch.Headers,
		},
	)
	return catalog.NewEnricher(attack, cve, m)
}

// newWriters builds the configured output. With alwaysFile set the local
// directory tree is written even when another mode is configured.
func newWriters(cfg *config.Config, alwaysFile bool) ([]pipeline.BundleWriter, error) {
	out := cfg.Txt2Detection.Output
	var writers []pipeline.BundleWriter

	if out.Mode == "file" || alwaysFile {
		w, err := bundlefile.NewWriter(out.File.Path)
		if err != nil {
			return nil, err
		}
		writers = append(writers, w)
	}

	switch out.Mode {
	case "file":
	case "http":
		w, err := bundlehttp.NewWriter(bundlehttp.Config{
			URL:     out.HTTP.URL,
			Timeout: out.HTTP.Timeout,
			Headers: out.HTTP.Headers,
			Retries: out.HTTP.Retries,
			Backoff: out.HTTP.Backoff,
		})
		if err != nil {
			return nil, err
		}
		writers = append(writers, w)
		logger.Infof("Output mode: http (%s)", out.HTTP.URL)
	case "redis":
		w, err := bundleredis.NewWriter(bundleredis.Config{
			Addr:     out.Redis.Addr,
			Password: out.Redis.Password,
			DB:       out.Redis.DB,
			Key:      out.Redis.Key,
		})
		if err != nil {
			return nil, err
		}
		writers = append(writers, w)
		logger.Infof("Output mode: redis (%s %s)", out.Redis.Addr, out.Redis.Key)
	default:
		return nil, fmt.Errorf("unknown output mode: %s", out.Mode)
	}
	return writers, nil
}

func defaultsFrom(cfg *config.Config) pipeline.Defaults {
	b := cfg.Txt2Detection.Bundle
	return pipeline.Defaults{
		TLPLevel: b.TLPLevel,
		Status:   b.Status,
		License:  b.License,
		Labels:   b.Labels,
		Provider: b.Provider,
	}
}

type runFlags struct {
	inputFile     string
	inputText     string
	sigmaFile     string
	name          string
	tlpLevel      string
	labels        string
	created       string
	identity      string
	provider      string
	reportID      string
	externalRefs  string
	referenceURLs string
	license       string
	status        string
	config        string
}

func parseRunFlags(args []string) (*runFlags, error) {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	f := &runFlags{}
	fs.StringVar(&f.inputFile, "input-file", "", "Text file to convert")
	fs.StringVar(&f.inputText, "input-text", "", "Text to convert")
	fs.StringVar(&f.sigmaFile, "sigma-file", "", "Sigma rule (.yml) to convert")
	fs.StringVar(&f.name, "name", "", "Report name (required)")
	fs.StringVar(&f.tlpLevel, "tlp-level", "", "clear, green, amber, amber_strict or red")
	fs.StringVar(&f.labels, "labels", "", "Comma-separated {namespace}.{label} tags")
	fs.StringVar(&f.created, "created", "", "Report created time, YYYY-MM-DDTHH:MM:SS")
	fs.StringVar(&f.identity, "identity", "", "STIX 2.1 identity object as JSON")
	fs.StringVar(&f.provider, "provider", "", "Extractor as provider[:model]")
	fs.StringVar(&f.reportID, "report-id", "", "Report uuid")
	fs.StringVar(&f.externalRefs, "external-refs", "", "Comma-separated source_name=external_id pairs")
	fs.StringVar(&f.referenceURLs, "reference-urls", "", "Comma-separated reference URLs")
	fs.StringVar(&f.license, "license", "", "SPDX license id for generated rules")
	fs.StringVar(&f.status, "status", "", "Rule status")
	fs.StringVar(&f.config, "config", "", "Config file path")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

// job turns the flags into a pipeline job, reading any input files.
func (f *runFlags) job() (*pipeline.Job, error) {
	inputs := 0
	for _, v := range []string{f.inputFile, f.inputText, f.sigmaFile} {
		if v != "" {
			inputs++
		}
	}
	if inputs != 1 {
		return nil, fmt.Errorf("exactly one of -input-file, -input-text or -sigma-file is required")
	}
	if strings.TrimSpace(f.name) == "" {
		return nil, fmt.Errorf("-name is required")
	}

	job := &pipeline.Job{
		Name:          f.name,
		InputText:     f.inputText,
		Provider:      f.provider,
		TLPLevel:      f.tlpLevel,
		ReportID:      f.reportID,
		ReferenceURLs: splitList(f.referenceURLs),
		License:       f.license,
		Status:        f.status,
	}

	switch {
	case f.inputFile != "":
		raw, err := os.ReadFile(f.inputFile)
		if err != nil {
			return nil, fmt.Errorf("read input file: %w", err)
		}
		job.InputText = string(raw)
	case f.sigmaFile != "":
		if !strings.HasSuffix(strings.ToLower(f.sigmaFile), ".yml") && !strings.HasSuffix(strings.ToLower(f.sigmaFile), ".yaml") {
			return nil, fmt.Errorf("sigma file must end with .yml or .yaml: %s", f.sigmaFile)
		}
		raw, err := os.ReadFile(f.sigmaFile)
		if err != nil {
			return nil, fmt.Errorf("read sigma file: %w", err)
		}
		job.SigmaRule = string(raw)
	}

	for _, label := range splitList(f.labels) {
		label = strings.ToLower(label)
		if err := pipeline.ValidateLabel(label); err != nil {
			return nil, err
		}
		job.Labels = append(job.Labels, label)
	}

	if f.created != "" {
		created, err := time.Parse(createdLayout, f.created)
		if err != nil {
			return nil, fmt.Errorf("invalid -created %q: use YYYY-MM-DDTHH:MM:SS", f.created)
		}
		job.Created = created.UTC()
	}

	if f.identity != "" {
		ident, err := models.ParseIdentity([]byte(f.identity))
		if err != nil {
			return nil, err
		}
		job.Identity = ident
	}

	refs, err := parseExternalRefs(f.externalRefs)
	if err != nil {
		return nil, err
	}
	job.ExternalRefs = refs

	if job.Status != "" && !validStatus(job.Status) {
		return nil, fmt.Errorf("invalid -status %q, must be one of %v", job.Status, rules.Statuses)
	}
	return job, nil
}

func parseExternalRefs(raw string) ([]models.ExternalReference, error) {
	var refs []models.ExternalReference
	for _, item := range splitList(raw) {
		key, value, ok := strings.Cut(item, "=")
		if !ok || key == "" || value == "" {
			return nil, fmt.Errorf("external ref %q must be in format key=value", item)
		}
		refs = append(refs, models.ExternalReference{SourceName: key, ExternalID: value})
	}
	return refs, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		v := strings.TrimSpace(p)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func validStatus(status string) bool {
	for _, s := range rules.Statuses {
		if s == status {
			return true
		}
	}
	return false
}

func runOnce(args []string) int {
	flags, err := parseRunFlags(args)
	if err != nil {
		return 2
	}
	job, err := flags.job()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 2
	}

	cfg, cfgPath, err := loadConfig(flags.config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}
	job.Prepare(time.Now())

	logCfg := cfg.Txt2Detection.Logging
	runLog := filepath.Join(logCfg.RunDir, "log-"+job.ReportID+".log")
	if err := logger.Init(true, logCfg.Level, logCfg.File, true, runLog); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 1
	}
	defer logger.Close()
	logger.Infof("Saving log to `%s`", runLog)
	if cfgPath != "" {
		logger.Infof("Config loaded from: %s", cfgPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	writers, err := newWriters(cfg, true)
	if err != nil {
		logger.Errorf("Failed to create writers: %v", err)
		return 1
	}
	runner := pipeline.NewRunner(newEnricher(cfg, m), writers, m, defaultsFrom(cfg))
	defer runner.Close()

	b, err := runner.Run(ctx, job)
	if pushErr := m.Push(ctx, cfg.Txt2Detection.Metrics.PushGateway, cfg.Txt2Detection.Metrics.Job); pushErr != nil {
		logger.Warnf("%v", pushErr)
	}
	if err != nil {
		logger.Errorf("txt2detection failed: %v", err)
		return 1
	}
	logger.Infof("Bundle %s: %d indicators", b.Bundle().ID, len(b.Indicators()))
	return 0
}

func runWorker(args []string) {
	configArg := ""
	if len(args) > 0 {
		configArg = args[0]
	}

	cfg, cfgPath, err := loadConfig(configArg)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	c := cfg.Txt2Detection

	if err := logger.Init(c.Logging.Enabled, c.Logging.Level, c.Logging.File, c.Logging.Console); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Close()

	logger.Infof("txt2detection worker starting")
	if cfgPath != "" {
		logger.Infof("Config loaded from: %s", cfgPath)
	}

	consumer, err := inputredis.NewConsumer(inputredis.Config{
		Addr:         c.Input.Redis.Addr,
		Password:     c.Input.Redis.Password,
		DB:           c.Input.Redis.DB,
		Key:          c.Input.Redis.Key,
		BlockTimeout: c.Input.Redis.BlockTimeout,
		FailedKey:    c.Input.Redis.FailedKey,
	})
	if err != nil {
		logger.Errorf("Failed to create Redis consumer: %v", err)
		log.Fatalf("Failed to create Redis consumer: %v", err)
	}

	m := metrics.New()
	writers, err := newWriters(cfg, false)
	if err != nil {
		logger.Errorf("Failed to create writers: %v", err)
		log.Fatalf("Failed to create writers: %v", err)
	}
	runner := pipeline.NewRunner(newEnricher(cfg, m), writers, m, defaultsFrom(cfg))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if c.Metrics.Listen != "" {
		go func() {
			if err := m.Serve(ctx, c.Metrics.Listen); err != nil {
				logger.Errorf("%v", err)
			}
		}()
		logger.Infof("Metrics listening on %s", c.Metrics.Listen)
	}

	worker := pipeline.NewWorker(consumer, runner, func(ctx context.Context, _ *pipeline.Job, _ error) {
		if err := m.Push(ctx, c.Metrics.PushGateway, c.Metrics.Job); err != nil {
			logger.Warnf("%v", err)
		}
	})

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Errorf("Worker error: %v", err)
	}

	logger.Infof("Shutting down")
	if err := worker.Close(); err != nil {
		logger.Errorf("Error closing worker: %v", err)
	}
	logger.Infof("txt2detection worker stopped")
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage:\n  txt2detection run -name NAME (-input-file F | -input-text T | -sigma-file F) [flags]\n  txt2detection worker [config]\n")
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "run":
			os.Exit(runOnce(os.Args[2:]))
		case "worker":
			runWorker(os.Args[2:])
			return
		}
	}
	usage()
	os.Exit(2)
}
