package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"pharmacy/backend/internal/config"
	"pharmacy/backend/internal/domain"
	"pharmacy/backend/internal/service"
	"pharmacy/backend/internal/store/memory"
)

func TestValidateConfigRejectsBadValues(t *testing.T) {
	base := config.Config{SaleMaxAttempts: 4, Timezone: "UTC"}
	cases := map[string]func(*config.Config){
		"both stores":         func(c *config.Config) { c.DatabaseURL = "postgres://x"; c.SQLitePath = "/tmp/x.db" },
		"no attempts":         func(c *config.Config) { c.SaleMaxAttempts = 0 },
		"unknown timezone":    func(c *config.Config) { c.Timezone = "Nowhere/Land" },
		"promotions w/o file": func(c *config.Config) { c.PromotionsEnabled = true; c.PromotionsFile = " " },
	}
	for name, mutate := range cases {
		cfg := base
		mutate(&cfg)
		if err := validateConfig(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestValidateConfigAcceptsSaneValues(t *testing.T) {
	cfg := config.Config{SQLitePath: "/tmp/pharmacy.db", SaleMaxAttempts: 1, Timezone: "UTC"}
	if err := validateConfig(cfg); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestOpenRepositoryFallsBackToSeededMemory(t *testing.T) {
	repo, closers, err := openRepository(context.Background(), config.Config{})
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	if len(closers) != 0 {
		t.Fatalf("expected nothing to close for memory store")
	}
	if _, ok := repo.(*memory.Store); !ok {
		t.Fatalf("expected memory store, got %T", repo)
	}
}

func TestProcessBasketPrintsCommittedSale(t *testing.T) {
	svc := service.New(memory.NewSeeded(), nil, nil, service.Options{})
	in := strings.NewReader(`{"operator_id":"op-1","lines":[{"medication_id":"MED-PARA-500","quantity":8}]}`)
	var out bytes.Buffer

	if err := processBasket(context.Background(), svc, in, &out); err != nil {
		t.Fatalf("process basket: %v", err)
	}
	var sale domain.Sale
	if err := json.Unmarshal(out.Bytes(), &sale); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(sale.Lines) != 2 || sale.Lines[0].LotNumber != "PA-2401" || sale.Lines[0].Quantity != 5 || sale.Lines[1].LotNumber != "PA-2407" {
		t.Fatalf("unexpected allocation %+v", sale.Lines)
	}
	if !sale.TotalAmount.Equal(decimal.NewFromInt(12)) {
		t.Fatalf("expected total 12, got %s", sale.TotalAmount)
	}
}

func TestProcessBasketPrintsStructuredFailure(t *testing.T) {
	svc := service.New(memory.NewSeeded(), nil, nil, service.Options{})
	in := strings.NewReader(`{"operator_id":"op-1","lines":[{"medication_id":"MED-AMOX-500","quantity":1}]}`)
	var out bytes.Buffer

	err := processBasket(context.Background(), svc, in, &out)
	if service.KindOf(err) != service.KindPrescriptionRequired {
		t.Fatalf("expected prescription failure, got %v", err)
	}
	var payload map[string]failure
	if err := json.Unmarshal(out.Bytes(), &payload); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if payload["error"].Kind != service.KindPrescriptionRequired || payload["error"].MedicationID != "MED-AMOX-500" {
		t.Fatalf("unexpected failure payload %+v", payload)
	}
}

func TestProcessBasketRejectsUnknownFields(t *testing.T) {
	svc := service.New(memory.NewSeeded(), nil, nil, service.Options{})
	in := strings.NewReader(`{"operator_id":"op-1","cart":[]}`)
	if err := processBasket(context.Background(), svc, in, &bytes.Buffer{}); err == nil || service.KindOf(err) != "" {
		t.Fatalf("expected decode error, got %v", err)
	}
}
