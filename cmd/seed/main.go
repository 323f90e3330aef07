// Command seed provisions demo accounts and a starter model catalog.
// Pointless against the memory store; run it with MLBILL_STORE=postgres.
package main

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/mlbill/internal/accounts"
	"github.com/example/mlbill/internal/bootstrap"
	"github.com/example/mlbill/internal/ledger"
	"github.com/example/mlbill/internal/state"
)

func main() {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	store, err := bootstrap.NewStore(cfg)
	if err != nil {
		log.Fatalf("bootstrap store: %v", err)
	}
	ctx := context.Background()

	demoUser := state.AccountRecord{
		ID:             uuid.NewString(),
		Username:       "demo_user",
		CredentialHash: accounts.HashCredential("demo_user", "password"),
		Role:           accounts.RoleUser,
		Balance:        decimal.Zero,
		CreatedAt:      time.Now().UTC(),
	}
	demoAdmin := state.AccountRecord{
		ID:             uuid.NewString(),
		Username:       "demo_admin",
		CredentialHash: accounts.HashCredential("demo_admin", "admin"),
		Role:           accounts.RoleAdmin,
		Balance:        decimal.Zero,
		CreatedAt:      time.Now().UTC(),
	}
	for _, account := range []state.AccountRecord{demoUser, demoAdmin} {
		if err := store.CreateAccount(ctx, account); err != nil {
			if errors.Is(err, state.ErrDuplicateUsername) {
				log.Printf("account %s already exists, skipping", account.Username)
				continue
			}
			log.Fatalf("create account %s: %v", account.Username, err)
		}
		log.Printf("created account %s (%s)", account.Username, account.ID)
	}

	led := ledger.New(store)
	if _, err := led.Deposit(ctx, demoUser.ID, decimal.NewFromInt(100)); err != nil {
		log.Printf("seed deposit for %s failed: %v", demoUser.Username, err)
	}

	models := []state.ModelRecord{
		{
			ID:             uuid.NewString(),
			Name:           "Sample Model 1",
			Description:    "A simple demo model",
			CostPerRequest: decimal.NewFromInt(10),
			CreatedAt:      time.Now().UTC(),
		},
		{
			ID:             uuid.NewString(),
			Name:           "Sample Model 2",
			Description:    "Another demo model",
			CostPerRequest: decimal.NewFromInt(20),
			CreatedAt:      time.Now().UTC(),
		},
	}
	for _, model := range models {
		if err := store.CreateModel(ctx, model); err != nil {
			log.Fatalf("create model %s: %v", model.Name, err)
		}
		log.Printf("created model %s (%s) cost=%s", model.Name, model.ID, model.CostPerRequest)
	}
	log.Printf("seed complete")
}
