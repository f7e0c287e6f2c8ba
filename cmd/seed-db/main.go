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

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"

	"github.com/xenking/eventkart/internal/handler"
	"github.com/xenking/eventkart/internal/storage/postgres"
)

type variantJSON struct {
	ID         int64               `json:"id"`
	Name       string              `json:"name"`
	Price      decimal.NullDecimal `json:"price"`
	VATPercent decimal.NullDecimal `json:"vatPercent"`
}

type productJSON struct {
	ID              int64           `json:"id"`
	Name            string          `json:"name"`
	EventID         int64           `json:"eventId"`
	Price           decimal.Decimal `json:"price"`
	VATPercent      decimal.Decimal `json:"vatPercent"`
	MinimumQuantity int             `json:"minimumQuantity"`
	Mandatory       bool            `json:"mandatory"`
	Variants        []variantJSON   `json:"variants"`
}

type userJSON struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"emailVerified"`
	Name          string `json:"name"`
	Phone         string `json:"phone"`
}

type registrationJSON struct {
	ID      string `json:"id"`
	EventID int64  `json:"eventId"`
	UserID  string `json:"userId"`
}

type apiKeyJSON struct {
	ID     string   `json:"id"`
	Key    string   `json:"key"`
	Name   string   `json:"name"`
	UserID string   `json:"userId"`
	Scopes []string `json:"scopes"`
}

type seedFile struct {
	Products      []productJSON      `json:"products"`
	Users         []userJSON         `json:"users"`
	Registrations []registrationJSON `json:"registrations"`
	APIKeys       []apiKeyJSON       `json:"apiKeys"`
}

func main() {
	var (
		databaseURL  string
		seedPath     string
		apiKeyPepper string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&seedPath, "file", "db/seed/catalog.json", "path to seed JSON file, optionally gzip compressed (.gz)")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or EVENTKART_API_KEY_PEPPER env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if apiKeyPepper == "" {
		apiKeyPepper = os.Getenv("EVENTKART_API_KEY_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, seedPath, apiKeyPepper); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, seedPath, pepper string) error {
	data, err := readSeed(seedPath)
	if err != nil {
		return err
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Users before registrations and keys: both reference them.
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if err := seedProducts(ctx, tx, data.Products); err != nil {
			return errors.Wrap(err, "seed products")
		}
		if err := seedUsers(ctx, tx, data.Users); err != nil {
			return errors.Wrap(err, "seed users")
		}
		if err := seedRegistrations(ctx, tx, data.Registrations); err != nil {
			return errors.Wrap(err, "seed registrations")
		}
		if err := seedAPIKeys(ctx, tx, data.APIKeys, []byte(pepper)); err != nil {
			return errors.Wrap(err, "seed api keys")
		}
		return nil
	})
}

func readSeed(path string) (*seedFile, error) {
	slog.Info("reading seed file", slog.String("path", path))

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open seed file")
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return nil, errors.Wrap(err, "open gzip reader")
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}

	var data seedFile
	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return nil, errors.Wrap(err, "parse seed JSON")
	}
	return &data, nil
}

func seedProducts(ctx context.Context, tx pgx.Tx, products []productJSON) error {
	slog.Info("upserting products", slog.Int("count", len(products)))

	for _, p := range products {
		var eventID *int64
		if p.EventID != 0 {
			eventID = &p.EventID
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO products (id, name, event_id, price, vat_percent, minimum_quantity, mandatory)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name, event_id = EXCLUDED.event_id, price = EXCLUDED.price,
				vat_percent = EXCLUDED.vat_percent, minimum_quantity = EXCLUDED.minimum_quantity,
				mandatory = EXCLUDED.mandatory`,
			p.ID, p.Name, eventID, p.Price, p.VATPercent, p.MinimumQuantity, p.Mandatory,
		); err != nil {
			return errors.Wrapf(err, "upsert product %d", p.ID)
		}

		for _, v := range p.Variants {
			if _, err := tx.Exec(ctx, `
				INSERT INTO product_variants (id, product_id, name, price, vat_percent)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (id) DO UPDATE SET
					product_id = EXCLUDED.product_id, name = EXCLUDED.name,
					price = EXCLUDED.price, vat_percent = EXCLUDED.vat_percent`,
				v.ID, p.ID, v.Name, v.Price, v.VATPercent,
			); err != nil {
				return errors.Wrapf(err, "upsert variant %d of product %d", v.ID, p.ID)
			}
		}

		slog.Info("upserted product",
			slog.Int64("id", p.ID),
			slog.String("name", p.Name),
			slog.Int("variants", len(p.Variants)),
		)
	}
	return nil
}

func seedUsers(ctx context.Context, tx pgx.Tx, users []userJSON) error {
	slog.Info("upserting users", slog.Int("count", len(users)))

	for _, u := range users {
		if _, err := tx.Exec(ctx, `
			INSERT INTO users (id, email, email_verified, name, phone)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET
				email = EXCLUDED.email, email_verified = EXCLUDED.email_verified,
				name = EXCLUDED.name, phone = EXCLUDED.phone`,
			u.ID, strings.ToLower(u.Email), u.EmailVerified, u.Name, u.Phone,
		); err != nil {
			return errors.Wrapf(err, "upsert user %s", u.ID)
		}
	}
	return nil
}

func seedRegistrations(ctx context.Context, tx pgx.Tx, registrations []registrationJSON) error {
	slog.Info("upserting registrations", slog.Int("count", len(registrations)))

	for _, r := range registrations {
		if _, err := tx.Exec(ctx, `
			INSERT INTO registrations (id, event_id, user_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET event_id = EXCLUDED.event_id, user_id = EXCLUDED.user_id`,
			r.ID, r.EventID, r.UserID,
		); err != nil {
			return errors.Wrapf(err, "upsert registration %s", r.ID)
		}
	}
	return nil
}

func seedAPIKeys(ctx context.Context, tx pgx.Tx, keys []apiKeyJSON, pepper []byte) error {
	for _, k := range keys {
		var userID *string
		if k.UserID != "" {
			userID = &k.UserID
		}
		if k.Scopes == nil {
			k.Scopes = []string{}
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO api_keys (id, key_hash, name, user_id, scopes, active)
			VALUES ($1, $2, $3, $4, $5, TRUE)
			ON CONFLICT (id) DO UPDATE SET
				key_hash = EXCLUDED.key_hash, name = EXCLUDED.name,
				user_id = EXCLUDED.user_id, scopes = EXCLUDED.scopes, active = TRUE`,
			k.ID, handler.HashKey(pepper, k.Key), k.Name, userID, k.Scopes,
		); err != nil {
			return errors.Wrapf(err, "upsert api key %s", k.ID)
		}

		slog.Info("upserted API key", slog.String("id", k.ID), slog.String("name", k.Name))
	}
	return nil
}
