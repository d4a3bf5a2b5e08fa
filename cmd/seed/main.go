package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"tsubame/internal/auth"
	"tsubame/internal/config"
	"tsubame/internal/database"
	"tsubame/internal/store"
)

func main() {
	users := flag.Int("users", 5, "number of users to create")
	blocks := flag.Int("blocks", 1, "number of block pairs")
	seed := flag.Int64("seed", 0, "random seed (0 = random)")
	ttl := flag.Duration("ttl", auth.DefaultTTL, "token lifetime")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		logrus.Warnf("⚠️  .env file not found, using default values: %v", err)
	}
	cfg := config.Load()

	db, err := database.Init(cfg)
	if err != nil {
		logrus.Fatalf("❌ Failed to initialize database: %v", err)
	}
	defer db.Close()

	st := store.New(db, cfg.DBDriver)
	faker := gofakeit.New(*seed)
	secret := cfg.JWTSecret
	if secret == "" {
		secret = "tsubame-dev-secret"
	}
	verifier := auth.NewVerifier(secret)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Println("========================================")
	fmt.Println("  Seed users")
	fmt.Println("========================================")
	for id := int64(1); id <= int64(*users); id++ {
		name := faker.Username()
		if err := st.UpsertUser(ctx, id, name); err != nil {
			logrus.Fatalf("❌ Failed to create user %d: %v", id, err)
		}
		token, err := verifier.Issue(id, *ttl)
		if err != nil {
			logrus.Fatalf("❌ Failed to issue token for %d: %v", id, err)
		}
		fmt.Printf("  %d  %-20s %s\n", id, name, token)
	}

	if *users < 2 {
		return
	}
	fmt.Println("========================================")
	for i := 0; i < *blocks; i++ {
		blocker := int64(faker.Number(1, *users))
		blocked := int64(faker.Number(1, *users))
		if blocker == blocked {
			continue
		}
		if err := st.Block(ctx, blocker, blocked); err != nil {
			logrus.Fatalf("❌ Failed to block %d -> %d: %v", blocker, blocked, err)
		}
		fmt.Printf("  %d blocked %d\n", blocker, blocked)
	}
	fmt.Println("========================================")
	logrus.Info("✅ Seed completed")
}
