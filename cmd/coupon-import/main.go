package main

import (
	"bufio"
	"context"
	"encoding/csv"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/velorex-orders/internal/domain/coupon"
	"github.com/xenking/velorex-orders/internal/repository"
)

const (
	bloomCapacity = 1_000_000
	bloomFPR      = 0.0001
	batchSize     = 1000
	progressEvery = 100_000
)

// csvColumns is the expected header of a coupon file.
var csvColumns = []string{
	"code", "discount_type", "value", "min_order_amount", "max_discount",
	"status", "start_date", "end_date", "description",
}

// fileResult holds the coupons parsed from one file.
type fileResult struct {
	coupons []coupon.Coupon
	revoked int
	invalid int
}

func main() {
	var (
		dataDir     string
		revokedFile string
		databaseURL string
	)

	flag.StringVar(&dataDir, "data-dir", "data", "directory containing *.csv.gz coupon files")
	flag.StringVar(&revokedFile, "revoked", "", "gzip file with one revoked coupon code per line")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, dataDir, revokedFile, databaseURL); err != nil {
		slog.Error("coupon import failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("coupon import completed successfully")
}

func run(ctx context.Context, dataDir, revokedFile, databaseURL string) error {
	files, err := filepath.Glob(filepath.Join(dataDir, "*.csv.gz"))
	if err != nil {
		return errors.Wrap(err, "list coupon files")
	}
	if len(files) == 0 {
		return errors.Errorf("no *.csv.gz files in %s", dataDir)
	}
	sort.Strings(files)

	revoked := bloom.NewWithEstimates(bloomCapacity, bloomFPR)
	if revokedFile != "" {
		n, err := loadRevoked(ctx, revokedFile, revoked)
		if err != nil {
			return errors.Wrap(err, "load revoked codes")
		}
		slog.Info("revoked codes loaded", slog.Uint64("count", n))
	}

	results, err := parseFiles(ctx, files, revoked, time.UTC)
	if err != nil {
		return err
	}
	coupons := merge(results)

	slog.Info("connecting to database")

	pool, err := repository.NewPool(ctx, databaseURL, repository.PoolOptions{})
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := writeCoupons(ctx, repository.NewCouponRepository(pool), coupons); err != nil {
		return errors.Wrap(err, "write coupons to database")
	}

	return nil
}

// loadRevoked adds every non-empty line of a gzip file to filter.
func loadRevoked(ctx context.Context, path string, filter *bloom.BloomFilter) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return 0, errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	var count uint64
	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		code := coupon.NormalizeCode(scanner.Text())
		if code == "" {
			continue
		}
		filter.AddString(code)
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, errors.Wrapf(err, "scan %s", path)
	}
	return count, nil
}

// parseFiles parses every coupon file concurrently. Results keep the order
// of files.
func parseFiles(ctx context.Context, files []string, revoked *bloom.BloomFilter, loc *time.Location) ([]fileResult, error) {
	results := make([]fileResult, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			res, err := parseFile(ctx, path, revoked, loc)
			if err != nil {
				return errors.Wrapf(err, "parse file %d", i+1)
			}
			slog.Info("file parsed",
				slog.String("path", path),
				slog.Int("coupons", len(res.coupons)),
				slog.Int("revoked", res.revoked),
				slog.Int("invalid", res.invalid),
			)
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func parseFile(ctx context.Context, path string, revoked *bloom.BloomFilter, loc *time.Location) (fileResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return fileResult{}, errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return fileResult{}, errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	return parseCSV(ctx, gz, revoked, loc)
}

func parseCSV(ctx context.Context, r io.Reader, revoked *bloom.BloomFilter, loc *time.Location) (fileResult, error) {
	var res fileResult

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(csvColumns)
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return res, errors.Wrap(err, "read header")
	}
	for i, col := range csvColumns {
		if !strings.EqualFold(strings.TrimSpace(header[i]), col) {
			return res, errors.Errorf("column %d: got %q, want %q", i+1, header[i], col)
		}
	}

	for line := 2; ; line++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				res.invalid++
				continue
			}
			return res, errors.Wrapf(err, "read line %d", line)
		}

		c, err := parseRecord(record, loc)
		if err != nil {
			res.invalid++
			slog.Debug("skip invalid coupon row", slog.Int("line", line), slog.String("error", err.Error()))
			continue
		}
		if revoked.TestString(c.Code) {
			res.revoked++
			continue
		}
		res.coupons = append(res.coupons, c)

		if line%progressEvery == 0 {
			slog.Info("parse progress", slog.Int("lines", line))
		}
	}
	return res, nil
}

func parseRecord(record []string, loc *time.Location) (coupon.Coupon, error) {
	field := func(i int) string { return strings.TrimSpace(record[i]) }

	c := coupon.Coupon{
		Code:         coupon.NormalizeCode(field(0)),
		DiscountType: coupon.DiscountType(strings.ToLower(field(1))),
		Status:       coupon.Status(field(5)),
		Description:  field(8),
	}
	if c.Code == "" {
		return c, errors.New("empty code")
	}
	switch c.DiscountType {
	case coupon.DiscountPercentage, coupon.DiscountFixed:
	default:
		return c, errors.Errorf("unknown discount type %q", field(1))
	}
	if c.Status == "" {
		c.Status = coupon.StatusActive
	}
	if c.Status != coupon.StatusActive && c.Status != coupon.StatusInactive {
		return c, errors.Errorf("unknown status %q", field(5))
	}

	var err error
	if c.Value, err = parseAmount(field(2)); err != nil {
		return c, errors.Wrap(err, "value")
	}
	if c.MinOrderAmount, err = parseAmount(field(3)); err != nil {
		return c, errors.Wrap(err, "min_order_amount")
	}
	if c.MaxDiscount, err = parseAmount(field(4)); err != nil {
		return c, errors.Wrap(err, "max_discount")
	}
	if c.DiscountType == coupon.DiscountPercentage && c.Value.GreaterThan(decimal.NewFromInt(100)) {
		return c, errors.New("percentage above 100")
	}
	if c.StartDate, err = parseDate(field(6), loc); err != nil {
		return c, errors.Wrap(err, "start_date")
	}
	if c.EndDate, err = parseDate(field(7), loc); err != nil {
		return c, errors.Wrap(err, "end_date")
	}
	if c.StartDate != nil && c.EndDate != nil && c.EndDate.Before(*c.StartDate) {
		return c, errors.New("end_date before start_date")
	}
	return c, nil
}

func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	if v.IsNegative() {
		return decimal.Zero, errors.New("must not be negative")
	}
	return v, nil
}

func parseDate(s string, loc *time.Location) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, s, loc)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// merge deduplicates coupons by code. Later files win.
func merge(results []fileResult) []coupon.Coupon {
	index := make(map[string]int)
	var out []coupon.Coupon
	for _, r := range results {
		for _, c := range r.coupons {
			if i, ok := index[c.Code]; ok {
				out[i] = c
				continue
			}
			index[c.Code] = len(out)
			out = append(out, c)
		}
	}
	return out
}

// writeCoupons upserts coupons in batches.
func writeCoupons(ctx context.Context, coupons *repository.CouponRepository, list []coupon.Coupon) error {
	slog.Info("writing coupons to database", slog.Int("count", len(list)))

	var written int64
	for start := 0; start < len(list); start += batchSize {
		end := min(start+batchSize, len(list))
		n, err := coupons.Upsert(ctx, list[start:end])
		if err != nil {
			return errors.Wrapf(err, "upsert batch at %d", start)
		}
		written += n
		slog.Info("write progress", slog.Int("written", end), slog.Int("total", len(list)))
	}

	slog.Info("coupons written", slog.Int64("rows", written))
	return nil
}
