// Package pipeline fans point/year extraction tasks out over a worker pool
// and collects per-task outcomes.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"runtime"

	"github.com/schollz/progressbar/v3"

	"chip-extractor/internal/catalog"
	"chip-extractor/internal/chip"
	"chip-extractor/internal/geojson"
	"chip-extractor/internal/raster"
	"chip-extractor/internal/worker"
)

// Task is one unit of work: all qualifying scenes for one point in one year.
type Task struct {
	Point geojson.Point
	Year  int
}

// Extractor cuts a chip for a point out of a scene.
type Extractor interface {
	Extract(ctx context.Context, scene catalog.Scene, pt geojson.Point) (*chip.Chip, error)
}

// Writer persists a chip and returns its path.
type Writer interface {
	Write(c *chip.Chip) (string, error)
}

// Config holds the run parameters the orchestrator needs.
type Config struct {
	MaxCloudCover float64
	Workers       int
	MaxPoints     int
	ShowProgress  bool
}

// Summary aggregates the outcome of a run. A task contributes to NoMatch when
// the catalog returned no scenes for it; Failures counts both failed tasks
// and failed scenes within otherwise successful tasks.
type Summary struct {
	Tasks    int
	Chips    int
	NoMatch  int
	Failures int
}

type Orchestrator struct {
	finder    catalog.Finder
	extractor Extractor
	writer    Writer
	cfg       Config
	logger    *slog.Logger
}

func New(finder catalog.Finder, extractor Extractor, writer Writer, cfg Config, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		finder:    finder,
		extractor: extractor,
		writer:    writer,
		cfg:       cfg,
		logger:    logger.With("component", "orchestrator"),
	}
}

type taskOutcome struct {
	task     Task
	chips    int
	failures int
	noMatch  bool
}

// Run processes every point for every year and blocks until all tasks have
// completed. Scene-level failures are logged and counted but never abort the
// task, and task-level failures never abort the run.
func (o *Orchestrator) Run(ctx context.Context, points []geojson.Point, years []int) Summary {
	if o.cfg.MaxPoints > 0 && len(points) > o.cfg.MaxPoints {
		o.logger.Info("limiting input points", "total", len(points), "max_points", o.cfg.MaxPoints)
		points = points[:o.cfg.MaxPoints]
	}

	tasks := make([]Task, 0, len(points)*len(years))
	for _, pt := range points {
		for _, year := range years {
			tasks = append(tasks, Task{Point: pt, Year: year})
		}
	}

	workers := o.cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	o.logger.Info("starting extraction",
		"points", len(points), "years", len(years), "tasks", len(tasks), "workers", workers)

	queue := make(chan Task, len(tasks))
	for _, t := range tasks {
		queue <- t
	}
	close(queue)

	completed := make(chan worker.Completed[taskOutcome], len(tasks))
	worker.RunInPool(func(t Task) (taskOutcome, error) {
		return o.process(ctx, t), nil
	}, queue, completed, workers)

	var bar *progressbar.ProgressBar
	if o.cfg.ShowProgress {
		bar = progressbar.Default(int64(len(tasks)), "extracting chips")
	}

	summary := Summary{Tasks: len(tasks)}
	for c := range completed {
		out := c.Result
		summary.Chips += out.chips
		summary.Failures += out.failures
		if out.noMatch {
			summary.NoMatch++
		}
		if bar != nil {
			bar.Add(1)
		}
	}

	o.logger.Info("extraction finished",
		"tasks", summary.Tasks, "chips", summary.Chips,
		"no_match", summary.NoMatch, "failures", summary.Failures)

	return summary
}

// process handles a single task end to end. It always returns an outcome;
// errors are classified, logged and folded into the failure count.
func (o *Orchestrator) process(ctx context.Context, t Task) taskOutcome {
	out := taskOutcome{task: t}
	logger := o.logger.With("point_id", t.Point.ID, "year", t.Year)

	if ctx.Err() != nil {
		logger.Warn("task skipped", "reason", ctx.Err())
		out.failures++
		return out
	}

	scenes, err := o.finder.Find(ctx, t.Point, t.Year, o.cfg.MaxCloudCover)
	if err != nil {
		logger.Error("catalog search failed", "kind", errorKind(err), "error", err)
		out.failures++
		return out
	}

	if len(scenes) == 0 {
		logger.Info("no scenes matched")
		out.noMatch = true
		return out
	}

	for _, scene := range scenes {
		sceneLogger := logger.With("scene_id", scene.ID, "cloud_cover", scene.CloudCover)

		c, err := o.extractor.Extract(ctx, scene, t.Point)
		if err != nil {
			sceneLogger.Error("chip extraction failed", "kind", errorKind(err), "error", err)
			out.failures++
			continue
		}

		path, err := o.writer.Write(c)
		if err != nil {
			sceneLogger.Error("chip write failed", "kind", errorKind(err), "error", err)
			out.failures++
			continue
		}

		sceneLogger.Debug("chip written", "path", path)
		out.chips++
	}

	return out
}

// errorKind buckets an error for log filtering.
func errorKind(err error) string {
	switch {
	case errors.Is(err, geojson.ErrInvalidInput):
		return "input"
	case errors.Is(err, catalog.ErrSearch):
		return "catalog"
	case errors.Is(err, raster.ErrOutsideRaster):
		return "geometry"
	case errors.Is(err, chip.ErrBadScene), errors.Is(err, raster.ErrUnsupported):
		return "scene"
	default:
		return "io"
	}
}
