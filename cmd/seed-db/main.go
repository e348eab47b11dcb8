package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"

	"github.com/xenking/velorex-orders/internal/domain/auth"
	"github.com/xenking/velorex-orders/internal/domain/coupon"
	"github.com/xenking/velorex-orders/internal/repository"
)

type productJSON struct {
	ID         int64               `json:"id"`
	Name       string              `json:"name"`
	Price      decimal.Decimal     `json:"price"`
	OfferPrice decimal.NullDecimal `json:"offerPrice"`
	Stock      int                 `json:"stock"`
}

func main() {
	var (
		databaseURL  string
		productsFile string
		apiKey       string
		apiKeyPepper string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&productsFile, "products-file", "db/seed/products.json", "path to products JSON file, gzip when it ends in .gz")
	flag.StringVar(&apiKey, "api-key", "", "admin API key to seed (or ORDERS_SEED_API_KEY env)")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or ORDERS_API_KEY_PEPPER env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if apiKey == "" {
		apiKey = os.Getenv("ORDERS_SEED_API_KEY")
	}
	if apiKey == "" {
		slog.Error("API key is required: set --api-key or ORDERS_SEED_API_KEY")
		os.Exit(1)
	}
	if apiKeyPepper == "" {
		apiKeyPepper = os.Getenv("ORDERS_API_KEY_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, productsFile, apiKey, apiKeyPepper); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, productsFile, apiKey, pepper string) error {
	slog.Info("connecting to database")

	pool, err := repository.NewPool(ctx, databaseURL, repository.PoolOptions{})
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedProducts(ctx, repository.NewProductRepository(pool), productsFile); err != nil {
		return errors.Wrap(err, "seed products")
	}

	if err := seedCoupons(ctx, repository.NewCouponRepository(pool), time.Now()); err != nil {
		return errors.Wrap(err, "seed coupons")
	}

	if err := seedAPIKey(ctx, repository.NewAPIKeyRepository(pool), apiKey, pepper); err != nil {
		return errors.Wrap(err, "seed api key")
	}

	return nil
}

func seedProducts(ctx context.Context, products *repository.ProductRepository, productsFile string) error {
	slog.Info("reading products file", slog.String("path", productsFile))

	list, err := loadProducts(productsFile)
	if err != nil {
		return err
	}

	slog.Info("upserting products", slog.Int("count", len(list)))

	if err := products.Upsert(ctx, list); err != nil {
		return errors.Wrap(err, "upsert products")
	}
	return nil
}

// loadProducts reads a JSON array of products, transparently gunzipping
// paths ending in .gz.
func loadProducts(path string) ([]repository.Product, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open products file")
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return nil, errors.Wrap(err, "create gzip reader")
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}

	var raw []productJSON
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "parse products JSON")
	}

	out := make([]repository.Product, 0, len(raw))
	for _, p := range raw {
		if p.ID <= 0 || p.Name == "" {
			return nil, errors.Errorf("product %q: id and name are required", p.Name)
		}
		if p.Stock < 0 {
			return nil, errors.Errorf("product %d: stock must not be negative", p.ID)
		}
		out = append(out, repository.Product{
			ID:         p.ID,
			Name:       p.Name,
			Price:      p.Price,
			OfferPrice: p.OfferPrice,
			Stock:      p.Stock,
		})
	}
	return out, nil
}

func defaultCoupons(now time.Time) []coupon.Coupon {
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(1, 0, -1)

	return []coupon.Coupon{
		{
			Code:         "SAVE100",
			DiscountType: coupon.DiscountFixed,
			Value:        decimal.NewFromInt(100),
			Status:       coupon.StatusActive,
			Description:  "Flat 100 off any order",
		},
		{
			Code:           "RIDE10",
			DiscountType:   coupon.DiscountPercentage,
			Value:          decimal.NewFromInt(10),
			MinOrderAmount: decimal.NewFromInt(1000),
			MaxDiscount:    decimal.NewFromInt(500),
			Status:         coupon.StatusActive,
			StartDate:      &start,
			EndDate:        &end,
			Description:    "10% off orders over 1000, up to 500",
		},
		{
			Code:         "LAUNCH25",
			DiscountType: coupon.DiscountPercentage,
			Value:        decimal.NewFromInt(25),
			Status:       coupon.StatusInactive,
			Description:  "Launch week: 25% off",
		},
	}
}

func seedCoupons(ctx context.Context, coupons *repository.CouponRepository, now time.Time) error {
	slog.Info("seeding coupons")

	list := defaultCoupons(now)
	n, err := coupons.Upsert(ctx, list)
	if err != nil {
		return err
	}
	for _, c := range list {
		slog.Info("upserted coupon", slog.String("code", c.Code), slog.String("description", c.Description))
	}
	slog.Info("coupons seeded", slog.Int64("rows", n))
	return nil
}

func seedAPIKey(ctx context.Context, apikeys *repository.APIKeyRepository, apiKey, pepper string) error {
	slog.Info("seeding admin API key")

	if err := apikeys.Upsert(ctx, auth.APIKeyInfo{
		ID:      "admin",
		KeyHash: auth.HashKeyHex([]byte(pepper), apiKey),
		Name:    "Seeded admin key",
		Scopes:  []string{auth.ScopeOrdersAdmin},
	}); err != nil {
		return errors.Wrap(err, "upsert api key")
	}

	slog.Info("upserted API key", slog.String("id", "admin"))
	return nil
}
