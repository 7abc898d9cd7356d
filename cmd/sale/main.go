package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"pharmacy/backend/internal/cache"
	"pharmacy/backend/internal/config"
	"pharmacy/backend/internal/domain"
	"pharmacy/backend/internal/promotion"
	"pharmacy/backend/internal/service"
	"pharmacy/backend/internal/store"
	"pharmacy/backend/internal/store/memory"
	pgstore "pharmacy/backend/internal/store/postgres"
	sqlitestore "pharmacy/backend/internal/store/sqlite"
)

func main() {
	_ = godotenv.Load()
	os.Exit(run())
}

func run() int {
	basketPath := flag.String("basket", "-", "sale request JSON file, - for stdin")
	operator := flag.String("operator", "", "operator recorded when the request has none")
	lotsOf := flag.String("lots", "", "print lots and sellable stock of a medication instead of selling")
	flag.Parse()

	cfg := config.Load()
	if err := validateConfig(cfg); err != nil {
		log.Printf("invalid configuration: %v", err)
		return 1
	}
	loc, _ := cfg.Location()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	repo, closers, err := openRepository(ctx, cfg)
	if err != nil {
		log.Printf("repository unavailable: %v", err)
		return 1
	}
	defer func() {
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				log.Printf("close error: %v", err)
			}
		}
	}()

	medCache := cache.MedicationCache(cache.NoopMedicationCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisMedicationCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), using noop cache", err)
			_ = redisCache.Close()
		} else {
			medCache = redisCache
			closers = append(closers, redisCache.Close)
			log.Println("cache: redis")
		}
	} else {
		log.Println("cache: noop")
	}

	promos := promotion.Calculator(promotion.None{})
	if cfg.PromotionsEnabled {
		rules, err := promotion.LoadRules(cfg.PromotionsFile)
		if err != nil {
			log.Printf("promotions: %v", err)
			return 1
		}
		promos = rules
		log.Printf("promotions: %s", cfg.PromotionsFile)
	}

	svc := service.New(repo, medCache, promos, service.Options{
		MaxAttempts: cfg.SaleMaxAttempts,
		Location:    loc,
		CacheTTL:    cfg.CacheTTL(),
	})

	if *lotsOf != "" {
		if err := printLots(ctx, svc, *lotsOf, os.Stdout); err != nil {
			log.Printf("lots: %v", err)
			return 1
		}
		return 0
	}

	in := io.Reader(os.Stdin)
	if *basketPath != "-" {
		f, err := os.Open(*basketPath)
		if err != nil {
			log.Printf("open basket: %v", err)
			return 1
		}
		defer f.Close()
		in = f
	}

	if name := strings.TrimSpace(*operator); name != "" {
		ctx = service.WithActor(ctx, domain.Actor{Username: name, Role: "operator"})
	}
	if err := processBasket(ctx, svc, in, os.Stdout); err != nil {
		if service.KindOf(err) != "" {
			return 2
		}
		log.Printf("sale failed: %v", err)
		return 1
	}
	return 0
}

func validateConfig(cfg config.Config) error {
	if cfg.DatabaseURL != "" && cfg.SQLitePath != "" {
		return fmt.Errorf("set either DATABASE_URL or SQLITE_PATH, not both")
	}
	if cfg.SaleMaxAttempts < 1 {
		return fmt.Errorf("SALE_MAX_ATTEMPTS must be at least 1")
	}
	if _, err := cfg.Location(); err != nil {
		return err
	}
	if cfg.PromotionsEnabled && strings.TrimSpace(cfg.PromotionsFile) == "" {
		return fmt.Errorf("PROMOTIONS_FILE must be set when PROMOTIONS_ENABLED is true")
	}
	return nil
}

func openRepository(ctx context.Context, cfg config.Config) (store.Repository, []func() error, error) {
	switch {
	case cfg.DatabaseURL != "":
		pg, err := pgstore.New(ctx, cfg.DatabaseURL, cfg.LockTimeout())
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, fmt.Errorf("postgres schema: %w", err)
		}
		log.Println("repository: postgres")
		return pg, []func() error{pg.Close}, nil
	case cfg.SQLitePath != "":
		lite, err := sqlitestore.New(cfg.SQLitePath, cfg.LockTimeout())
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite: %w", err)
		}
		log.Printf("repository: sqlite (%s)", cfg.SQLitePath)
		return lite, []func() error{lite.Close}, nil
	default:
		log.Println("repository: in-memory")
		return memory.NewSeeded(), nil, nil
	}
}

type failure struct {
	Kind         service.Kind `json:"kind"`
	MedicationID string       `json:"medication_id,omitempty"`
	Requested    int          `json:"requested,omitempty"`
	Shortfall    int          `json:"shortfall,omitempty"`
	Retryable    bool         `json:"retryable"`
	Message      string       `json:"message"`
}

// processBasket decodes one sale request and writes either the committed sale
// or a structured failure as JSON.
func processBasket(ctx context.Context, svc *service.Service, in io.Reader, out io.Writer) error {
	var req domain.SaleRequest
	dec := json.NewDecoder(in)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return fmt.Errorf("decode basket: %w", err)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	sale, err := svc.CreateSale(ctx, req)
	if err != nil {
		var svcErr *service.Error
		if !errors.As(err, &svcErr) {
			return err
		}
		if encErr := enc.Encode(map[string]failure{"error": {
			Kind:         svcErr.Kind,
			MedicationID: svcErr.MedicationID,
			Requested:    svcErr.Requested,
			Shortfall:    svcErr.Shortfall,
			Retryable:    svcErr.Retryable(),
			Message:      svcErr.Error(),
		}}); encErr != nil {
			return encErr
		}
		return svcErr
	}
	return enc.Encode(sale)
}

func printLots(ctx context.Context, svc *service.Service, medicationID string, out io.Writer) error {
	lots, err := svc.ListLots(ctx, medicationID, true)
	if err != nil {
		return err
	}
	sellable, err := svc.SellableStock(ctx, medicationID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		MedicationID string       `json:"medication_id"`
		Sellable     int          `json:"sellable"`
		Lots         []domain.Lot `json:"lots"`
	}{medicationID, sellable, lots})
}
