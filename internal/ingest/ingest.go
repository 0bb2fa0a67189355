// Package ingest bulk-creates single-campaign vouchers from gzip-compressed
// code files, one code per line.
//
// Codes that occur more than once across all inputs are ambiguous and are
// skipped. Duplicates are found in two streaming passes so the full code set
// never has to fit in memory:
//
//  1. Build one bloom filter per file concurrently. A code already present in
//     its own file's filter is recorded as an in-file suspect.
//  2. Re-stream each file and mark codes that hit another file's filter or
//     are in-file suspects. Suspects are counted exactly.
//
// A third, sequential pass inserts the remaining codes in batches.
package ingest

import (
	"bufio"
	"context"
	"log/slog"
	"math/bits"
	"os"
	"strings"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	pgzip "github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-voucher/internal/domain/voucher"
)

// Writer persists a batch of vouchers, skipping codes that already exist,
// and returns how many were created.
type Writer interface {
	InsertBatch(ctx context.Context, vouchers []voucher.Voucher) (int, error)
}

// Config tunes an ingest run.
type Config struct {
	// Template is copied for every code. ID, Code and Active are set per
	// voucher.
	Template voucher.Voucher
	// BatchSize is the number of vouchers per InsertBatch call. Default 1000.
	BatchSize int
	// MinCodeLen and MaxCodeLen bound accepted code lengths. Defaults 6 and 32.
	MinCodeLen int
	MaxCodeLen int
	// BloomCapacity is the expected number of codes per file. Default 1M.
	BloomCapacity uint
	// BloomFPR is the bloom filter false positive rate. Default 0.001.
	BloomFPR float64
	// ProgressEvery logs progress every n codes. Zero disables it.
	ProgressEvery uint64
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	if c.MinCodeLen <= 0 {
		c.MinCodeLen = 6
	}
	if c.MaxCodeLen <= 0 {
		c.MaxCodeLen = 32
	}
	if c.BloomCapacity == 0 {
		c.BloomCapacity = 1_000_000
	}
	if c.BloomFPR <= 0 {
		c.BloomFPR = 0.001
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Stats summarizes a run.
type Stats struct {
	Read       uint64
	Invalid    uint64
	Duplicates int
	Created    int
	Existing   int
}

// Run ingests files into w.
func Run(ctx context.Context, w Writer, files []string, cfg Config) (Stats, error) {
	cfg.setDefaults()
	if len(files) == 0 {
		return Stats{}, errors.New("no input files")
	}
	if len(files) > bits.UintSize {
		return Stats{}, errors.Errorf("at most %d files per run", bits.UintSize)
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			return Stats{}, errors.Wrapf(err, "check file %s", f)
		}
	}

	lg := cfg.Logger
	lg.Info("pass 1: building bloom filters", slog.Int("files", len(files)))
	filters, suspects, err := buildFilters(ctx, files, cfg)
	if err != nil {
		return Stats{}, errors.Wrap(err, "build bloom filters")
	}

	lg.Info("pass 2: finding duplicate codes")
	dups, err := findDuplicates(ctx, files, filters, suspects, cfg)
	if err != nil {
		return Stats{}, errors.Wrap(err, "find duplicates")
	}
	lg.Info("duplicate codes found", slog.Int("count", len(dups)))

	st := Stats{Duplicates: len(dups)}
	if err := insert(ctx, w, files, dups, cfg, &st); err != nil {
		return st, err
	}
	return st, nil
}

// normalize returns the canonical form of a code line and whether it is
// acceptable.
func normalize(line string, cfg Config) (string, bool) {
	code := strings.ToUpper(strings.TrimSpace(line))
	if len(code) < cfg.MinCodeLen || len(code) > cfg.MaxCodeLen {
		return "", false
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') && c != '-' && c != '_' {
			return "", false
		}
	}
	return code, true
}

func buildFilters(ctx context.Context, files []string, cfg Config) ([]*bloom.BloomFilter, []map[string]struct{}, error) {
	filters := make([]*bloom.BloomFilter, len(files))
	suspects := make([]map[string]struct{}, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			filter := bloom.NewWithEstimates(cfg.BloomCapacity, cfg.BloomFPR)
			own := make(map[string]struct{})
			var count uint64

			err := streamGzFile(ctx, path, func(line string) {
				code, ok := normalize(line, cfg)
				if !ok {
					return
				}
				if filter.TestAndAddString(code) {
					own[code] = struct{}{}
				}
				count++
				if cfg.ProgressEvery > 0 && count%cfg.ProgressEvery == 0 {
					cfg.Logger.Info("pass 1 progress", slog.Int("file", i+1), slog.Uint64("codes", count))
				}
			})
			if err != nil {
				return errors.Wrapf(err, "build filter for file %d", i+1)
			}

			cfg.Logger.Info("pass 1 complete",
				slog.Int("file", i+1),
				slog.Uint64("total_codes", count),
				slog.Int("suspects", len(own)),
			)
			filters[i] = filter
			suspects[i] = own
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return filters, suspects, nil
}

// fileScan holds what pass 2 learned about one file.
type fileScan struct {
	// masks marks codes seemingly present in other files.
	masks map[string]uint
	// counts are exact in-file occurrence counts of suspects.
	counts map[string]int
}

func findDuplicates(
	ctx context.Context,
	files []string,
	filters []*bloom.BloomFilter,
	suspects []map[string]struct{},
	cfg Config,
) (map[string]struct{}, error) {
	scans := make([]fileScan, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			scan := fileScan{masks: make(map[string]uint), counts: make(map[string]int)}
			fileBit := uint(1) << uint(i)

			err := streamGzFile(ctx, path, func(line string) {
				code, ok := normalize(line, cfg)
				if !ok {
					return
				}
				if _, ok := suspects[i][code]; ok {
					scan.counts[code]++
				}
				for j, f := range filters {
					if j != i && f.TestString(code) {
						scan.masks[code] |= fileBit
						break
					}
				}
			})
			if err != nil {
				return errors.Wrapf(err, "scan file %d for duplicates", i+1)
			}

			scans[i] = scan
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// A bloom hit in another file is only a candidate. It is a duplicate
	// when at least two files report it.
	merged := make(map[string]uint)
	dups := make(map[string]struct{})
	for _, s := range scans {
		for code, mask := range s.masks {
			merged[code] |= mask
		}
		for code, n := range s.counts {
			if n >= 2 {
				dups[code] = struct{}{}
			}
		}
	}
	for code, mask := range merged {
		if bits.OnesCount(mask) >= 2 {
			dups[code] = struct{}{}
		}
	}
	return dups, nil
}

func insert(ctx context.Context, w Writer, files []string, dups map[string]struct{}, cfg Config, st *Stats) error {
	cfg.Logger.Info("pass 3: writing vouchers", slog.Int("batch_size", cfg.BatchSize))

	batch := make([]voucher.Voucher, 0, cfg.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := w.InsertBatch(ctx, batch)
		st.Created += n
		st.Existing += len(batch) - n
		if err != nil {
			return errors.Wrap(err, "insert batch")
		}
		cfg.Logger.Info("write progress", slog.Int("created", st.Created), slog.Int("existing", st.Existing))
		batch = batch[:0]
		return nil
	}

	for i, path := range files {
		var flushErr error
		err := streamGzFile(ctx, path, func(line string) {
			if flushErr != nil {
				return
			}
			st.Read++
			code, ok := normalize(line, cfg)
			if !ok {
				st.Invalid++
				return
			}
			if _, dup := dups[code]; dup {
				return
			}
			batch = append(batch, newVoucher(cfg.Template, code))
			if len(batch) == cfg.BatchSize {
				flushErr = flush()
			}
		})
		if err != nil {
			return errors.Wrapf(err, "read file %d", i+1)
		}
		if flushErr != nil {
			return flushErr
		}
	}
	return flush()
}

func newVoucher(tpl voucher.Voucher, code string) voucher.Voucher {
	v := tpl
	v.ID = uuid.New().String()
	v.Code = code
	v.UsageCount = 0
	v.Active = true
	v.Scopes = append([]voucher.Scope(nil), tpl.Scopes...)
	return v
}

// streamGzFile opens a gzip-compressed file and calls fn for each line.
func streamGzFile(ctx context.Context, path string, fn func(line string)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		fn(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}
