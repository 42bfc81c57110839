// Package conversion orders staged images, normalizes them and merges them
// into a single PDF.
package conversion

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"pagebinder/logging"
	"pagebinder/models"
)

// Merger writes pages, in the given order, as one document to w.
type Merger interface {
	Merge(ctx context.Context, pages []Page, w io.Writer) error
}

type Policy struct {
	AllowedExtensions []string
	MaxFileBytes      int64
	MaxWidth          int
	MaxHeight         int
	MaxPixels         int64
	Quality           int
}

func DefaultPolicy() Policy {
	return Policy{
		AllowedExtensions: []string{"jpg", "jpeg", "png", "gif", "bmp", "tif", "tiff", "webp"},
		MaxFileBytes:      20 << 20,
		MaxWidth:          1200,
		MaxHeight:         1800,
		MaxPixels:         DefaultMaxPixels,
		Quality:           DefaultQuality,
	}
}

func (p Policy) allows(ext string) bool {
	if len(p.AllowedExtensions) == 0 {
		return true
	}
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	for _, allowed := range p.AllowedExtensions {
		if strings.ToLower(strings.TrimPrefix(allowed, ".")) == ext {
			return true
		}
	}
	return false
}

func (p Policy) maxPixels() int64 {
	if p.MaxPixels <= 0 {
		return DefaultMaxPixels
	}
	return p.MaxPixels
}

func (p Policy) quality() int {
	switch {
	case p.Quality <= 0:
		return DefaultQuality
	case p.Quality > 100:
		return 100
	}
	return p.Quality
}

type Pipeline struct {
	merger Merger
	logger *slog.Logger
}

func NewPipeline(merger Merger, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		merger: merger,
		logger: logging.OrDiscard(logger).With("component", "conversion"),
	}
}

// Order returns files sorted by sequence key. Equal keys, including the
// unsequenced sentinel, keep arrival order.
func Order(files []models.StagedFile) []models.StagedFile {
	ordered := make([]models.StagedFile, len(files))
	copy(ordered, files)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].SequenceKey != ordered[j].SequenceKey {
			return ordered[i].SequenceKey < ordered[j].SequenceKey
		}
		return ordered[i].ArrivalIndex < ordered[j].ArrivalIndex
	})
	return ordered
}

// Filter drops files the policy does not accept, logging each one.
func (p *Pipeline) Filter(files []models.StagedFile, policy Policy) []models.StagedFile {
	kept := make([]models.StagedFile, 0, len(files))
	for _, f := range files {
		switch {
		case !policy.allows(f.Extension):
			p.logger.Warn("dropping file with unsupported extension", "name", f.OriginalName, "extension", f.Extension)
		case policy.MaxFileBytes > 0 && f.SizeBytes > policy.MaxFileBytes:
			p.logger.Warn("dropping oversized file", "name", f.OriginalName, "bytes", f.SizeBytes, "limit", policy.MaxFileBytes)
		default:
			kept = append(kept, f)
		}
	}
	return kept
}

// Convert merges files into one PDF at outputPath. The output only appears
// once every page is ready; on any error nothing is left at outputPath.
func (p *Pipeline) Convert(ctx context.Context, files []models.StagedFile, policy Policy, outputPath string) (models.Artifact, error) {
	start := time.Now()

	accepted := p.Filter(Order(files), policy)
	if len(accepted) == 0 {
		return models.Artifact{}, &InputError{Staged: len(files), Rejected: len(files)}
	}

	pages := make([]Page, 0, len(accepted))
	for i, f := range accepted {
		if err := ctx.Err(); err != nil {
			return models.Artifact{}, &ConversionError{Stage: "convert", Err: err}
		}

		page, err := p.page(i, f, policy)
		if err != nil {
			return models.Artifact{}, err
		}
		pages = append(pages, page)
	}

	size, err := p.writeAtomic(ctx, pages, outputPath)
	if err != nil {
		return models.Artifact{}, err
	}

	p.logger.Info("conversion finished",
		"pages", len(pages),
		"dropped", len(files)-len(accepted),
		"bytes", size,
		"output", outputPath,
		"duration_ms", time.Since(start).Milliseconds())

	return models.Artifact{
		Path:      outputPath,
		Pages:     len(pages),
		SizeBytes: size,
	}, nil
}

func (p *Pipeline) page(i int, f models.StagedFile, policy Policy) (Page, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return Page{}, &ConversionError{Stage: "open", File: f.OriginalName, Err: err}
	}
	defer file.Close()

	img, data, err := normalize(file, policy)
	if err != nil {
		return Page{}, &ConversionError{Stage: "normalize", File: f.OriginalName, Err: err}
	}

	b := img.Bounds()
	p.logger.Debug("page normalized", "index", i, "name", f.OriginalName, "width", b.Dx(), "height", b.Dy(), "bytes", len(data))
	return Page{
		Name:   fmt.Sprintf("%04d.jpg", i+1),
		Data:   data,
		Width:  b.Dx(),
		Height: b.Dy(),
	}, nil
}

func (p *Pipeline) writeAtomic(ctx context.Context, pages []Page, outputPath string) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(outputPath), "."+filepath.Base(outputPath)+".*.tmp")
	if err != nil {
		return 0, &ConversionError{Stage: "merge", Err: fmt.Errorf("failed to create temp output: %w", err)}
	}
	tmpPath := tmp.Name()

	fail := func(err error) (int64, error) {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, &ConversionError{Stage: "merge", Err: err}
	}

	if err := p.merger.Merge(ctx, pages, tmp); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("failed to sync output: %w", err))
	}
	info, err := tmp.Stat()
	if err != nil {
		return fail(fmt.Errorf("failed to stat output: %w", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, &ConversionError{Stage: "merge", Err: fmt.Errorf("failed to close output: %w", err)}
	}
	if err := os.Rename(tmpPath, outputPath); err != nil {
		os.Remove(tmpPath)
		return 0, &ConversionError{Stage: "merge", Err: fmt.Errorf("failed to publish output: %w", err)}
	}
	return info.Size(), nil
}
