// Package importer bulk-loads bookmarks for one owner from a file.
package importer

import (
	"context"
	"fmt"
	"io"

	"github.com/schollz/progressbar/v3"

	"github.com/MrSnakeDoc/marks/internal/backend"
	"github.com/MrSnakeDoc/marks/internal/domain"
	"github.com/MrSnakeDoc/marks/internal/logger"
)

// Options controls a run.
type Options struct {
	Owner    string
	DryRun   bool      // count only, write nothing
	Progress io.Writer // progress bar output, nil for none
}

// Result counts what happened to each draft.
type Result struct {
	Imported int
	Skipped  int // url already present for the owner
	Invalid  int
}

type Importer struct {
	records backend.Records
	log     logger.Logger
}

func New(records backend.Records, log logger.Logger) *Importer {
	return &Importer{records: records, log: log}
}

// Run writes drafts the owner does not have yet. Duplicates inside drafts are
// skipped too. The first failed insert stops the run.
func (im *Importer) Run(ctx context.Context, drafts []domain.Draft, opts Options) (Result, error) {
	var res Result
	if opts.Owner == "" {
		return res, domain.ErrNoSession
	}

	existing, err := im.records.Select(ctx, backend.Where(domain.ColumnOwner, opts.Owner), backend.NewestFirst)
	if err != nil {
		return res, domain.Wrap(domain.KindFetch, "select", err)
	}
	seen := make(map[string]struct{}, len(existing)+len(drafts))
	for _, b := range existing {
		seen[b.URL] = struct{}{}
	}

	out := opts.Progress
	if out == nil {
		out = io.Discard
	}
	bar := progressbar.NewOptions(len(drafts),
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetDescription("Importing"),
		progressbar.OptionShowCount(),
	)
	defer func() { _ = bar.Finish() }()

	for _, d := range drafts {
		_ = bar.Add(1)

		nb, err := domain.NewBookmarkFor(opts.Owner, d)
		if err != nil {
			res.Invalid++
			im.log.Debug("skipping invalid bookmark", logger.String("title", d.Title), logger.Error(err))
			continue
		}
		if _, dup := seen[nb.URL]; dup {
			res.Skipped++
			continue
		}
		seen[nb.URL] = struct{}{}

		if !opts.DryRun {
			if err := im.records.Insert(ctx, nb); err != nil {
				return res, domain.Wrap(domain.KindWrite, "insert", fmt.Errorf("%s: %w", nb.URL, err))
			}
		}
		res.Imported++
	}

	im.log.Info("import complete",
		logger.String("owner", opts.Owner),
		logger.Int("imported", res.Imported),
		logger.Int("skipped", res.Skipped),
		logger.Int("invalid", res.Invalid),
		logger.Bool("dry_run", opts.DryRun))
	return res, nil
}
