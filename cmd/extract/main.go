package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"chip-extractor/internal/catalog"
	"chip-extractor/internal/chip"
	"chip-extractor/internal/config"
	"chip-extractor/internal/geojson"
	"chip-extractor/internal/pipeline"
	"chip-extractor/internal/storage"
)

var (
	geojsonFlag = &cli.StringFlag{
		Name:    "geojson",
		Aliases: []string{"g"},
		Usage:   "path to the GeoJSON point file",
	}
	outputFlag = &cli.StringFlag{
		Name:    "output",
		Aliases: []string{"o"},
		Usage:   "directory to write chips into",
	}
	yearsFlag = &cli.StringFlag{
		Name:  "years",
		Usage: "years to process, as a range (2019-2022) or list (2019,2021)",
	}
	chipSizeFlag = &cli.StringFlag{
		Name:  "chip-size",
		Usage: "chip width and height in pixels",
	}
	cloudCoverFlag = &cli.StringFlag{
		Name:  "max-cloud-cover",
		Usage: "maximum scene cloud cover percentage",
	}
	workersFlag = &cli.StringFlag{
		Name:  "workers",
		Usage: "worker pool size (0 = number of CPUs)",
	}
	verboseFlag = &cli.BoolFlag{
		Name:  "verbose",
		Usage: "enable debug logging",
	}
	quietFlag = &cli.BoolFlag{
		Name:  "quiet",
		Usage: "disable the progress bar",
	}
)

func main() {
	cmd := &cli.Command{
		Name:  "extract",
		Usage: "Extract Sentinel-2 image chips around GeoJSON points",
		Flags: []cli.Flag{
			geojsonFlag, outputFlag, yearsFlag, chipSizeFlag,
			cloudCoverFlag, workersFlag, verboseFlag, quietFlag,
		},
		Action: run,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := applyFlags(&cfg, cmd); err != nil {
		return err
	}

	level := slog.LevelInfo
	if cmd.Bool(verboseFlag.Name) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})).
		With("run_id", uuid.NewString())

	if cfg.GeoJSONPath == "" {
		return fmt.Errorf("no GeoJSON input given: set --geojson or GEOJSON_PATH")
	}

	years, err := config.ParseYears(cfg.Years)
	if err != nil {
		return err
	}

	points, err := geojson.LoadPoints(cfg.GeoJSONPath)
	if err != nil {
		return fmt.Errorf("loading points from %s: %w", cfg.GeoJSONPath, err)
	}
	logger.Info("loaded points", "path", cfg.GeoJSONPath, "count", len(points))

	finder := catalog.NewSTACClient(cfg.StacAPIURL, cfg.StacCollection, cfg.SearchLimit, cfg.HTTPTimeout, logger)

	opener := storage.NewOpener(storage.S3Config{
		Endpoint:        cfg.S3EndpointURL,
		Region:          cfg.AWSRegion,
		AccessKeyID:     cfg.AWSAccessKeyID,
		SecretAccessKey: cfg.AWSSecretAccessKey,
	}, cfg.HTTPTimeout)

	extractor, err := chip.NewExtractor(opener, cfg.Bands, cfg.ChipSize, cfg.ChipExponent, logger)
	if err != nil {
		return err
	}
	writer := chip.NewWriter(cfg.OutputDir, cfg.JPEGQuality, logger)

	orchestrator := pipeline.New(finder, extractor, writer, pipeline.Config{
		MaxCloudCover: cfg.MaxCloudCover,
		Workers:       cfg.Workers,
		MaxPoints:     cfg.MaxPoints,
		ShowProgress:  !cmd.Bool(quietFlag.Name),
	}, logger)

	summary := orchestrator.Run(ctx, points, years)
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("run interrupted: %w", err)
	}

	fmt.Printf("tasks: %d  chips: %d  no match: %d  failures: %d\n",
		summary.Tasks, summary.Chips, summary.NoMatch, summary.Failures)
	return nil
}

// applyFlags lets command-line flags override environment configuration.
func applyFlags(cfg *config.Config, cmd *cli.Command) error {
	if v := cmd.String(geojsonFlag.Name); v != "" {
		cfg.GeoJSONPath = v
	}
	if v := cmd.String(outputFlag.Name); v != "" {
		cfg.OutputDir = v
	}
	if v := cmd.String(yearsFlag.Name); v != "" {
		cfg.Years = v
	}
	if v := cmd.String(chipSizeFlag.Name); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil || size <= 0 {
			return errors.New("--chip-size must be a positive integer")
		}
		cfg.ChipSize = size
	}
	if v := cmd.String(cloudCoverFlag.Name); v != "" {
		cover, err := strconv.ParseFloat(v, 64)
		if err != nil || cover < 0 || cover > 100 {
			return errors.New("--max-cloud-cover must be between 0 and 100")
		}
		cfg.MaxCloudCover = cover
	}
	if v := cmd.String(workersFlag.Name); v != "" {
		workers, err := strconv.Atoi(v)
		if err != nil || workers < 0 {
			return errors.New("--workers must be a non-negative integer")
		}
		cfg.Workers = workers
	}
	return nil
}
