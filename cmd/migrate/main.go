package main

import (
	"flag"
	"log"

	"tab-payment-service/internal/config"
	"tab-payment-service/internal/database"
	"tab-payment-service/internal/logging"
)

func main() {
	down := flag.Int("down", 0, "roll back this many migrations (postgres only)")
	steps := flag.Int("steps", 0, "apply this many up migrations; 0 applies all (postgres only)")
	flag.Parse()

	cfg := config.MustLoad()
	logging.Setup(cfg.LogLevel, cfg.Env)

	if *down > 0 && *steps > 0 {
		log.Fatal("use either -down or -steps, not both")
	}

	log.Println("Running database migrations...")
	switch cfg.Database.Driver {
	case "postgres":
		n := *steps
		if *down > 0 {
			n = -*down
		}
		if err := database.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsPath, n); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
	default:
		if *down > 0 || *steps > 0 {
			log.Fatalf("step migrations are only supported for postgres, DB_DRIVER=%s uses auto-migrate", cfg.Database.Driver)
		}
		db, err := database.Connect(cfg.Database)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		if err := database.Migrate(db); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
	}

	log.Println("Migrations completed successfully!")
}
