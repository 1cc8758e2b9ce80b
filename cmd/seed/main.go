// Command seed populates the database with two demo traders, funded
// wallets, and a small resting order book.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/meridianx/exchange/internal/config"
	"github.com/meridianx/exchange/internal/exchange"
	"github.com/meridianx/exchange/internal/logging"
	"github.com/meridianx/exchange/internal/models"
	"github.com/meridianx/exchange/internal/store"
	"github.com/meridianx/exchange/internal/transaction"
	"github.com/meridianx/exchange/internal/wallet"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx := context.Background()
	st, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer st.Close()

	wallets := wallet.NewService(st)
	transactions := transaction.NewProcessor(st)
	engine := exchange.NewEngine(st, logging.NewLogger(cfg.LogLevel, "seed", cfg.Env))

	traders := []struct {
		username string
		deposits map[models.Currency]string
	}{
		{"trader1", map[models.Currency]string{models.USD: "100000", models.EUR: "100000"}},
		{"trader2", map[models.Currency]string{models.USD: "100000", models.EUR: "100000"}},
	}

	walletIDs := make(map[string]int64)
	for _, tr := range traders {
		user, err := seedUser(ctx, st, tr.username)
		if err != nil {
			log.Fatalf("seed user %s: %v", tr.username, err)
		}
		wlt, err := wallets.FindOrCreate(ctx, user.ID)
		if err != nil {
			log.Fatalf("create wallet for %s: %v", tr.username, err)
		}
		walletIDs[tr.username] = wlt.ID

		for currency, amount := range tr.deposits {
			t, err := transactions.CreateAndProcess(ctx, wlt.ID, currency, decimal.RequireFromString(amount), models.Deposit)
			if err != nil {
				log.Fatalf("deposit %s %s for %s: %v", amount, currency, tr.username, err)
			}
			if t.Status != models.TransactionSuccess {
				log.Fatalf("deposit %s %s for %s ended %s", amount, currency, tr.username, t.Status)
			}
		}
	}

	// Resting USD/EUR orders spread around 0.93, not crossing.
	book := []struct {
		trader string
		side   models.OrderSide
		amount string
		price  string
	}{
		{"trader1", models.Sell, "100", "0.94"},
		{"trader1", models.Sell, "100", "0.95"},
		{"trader2", models.Buy, "100", "0.92"},
		{"trader2", models.Buy, "100", "0.91"},
	}
	for _, o := range book {
		status, err := engine.OpenOrder(ctx, walletIDs[o.trader],
			models.USD, models.EUR,
			decimal.RequireFromString(o.amount), decimal.RequireFromString(o.price), o.side)
		if err != nil {
			log.Fatalf("open %s order for %s: %v", o.side, o.trader, err)
		}
		fmt.Printf("%s %s %s USD @ %s EUR -> %s\n", o.trader, o.side, o.amount, o.price, status)
	}

	os.Exit(0)
}

func seedUser(ctx context.Context, st store.Store, username string) (*models.User, error) {
	if user, err := st.GetUserByUsername(ctx, username); err == nil {
		return user, nil
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte("password"), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return st.CreateUser(ctx, username, string(hashed))
}
