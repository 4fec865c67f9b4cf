package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/PortNumber53/membership-backend/internal/config"
	"github.com/PortNumber53/membership-backend/internal/logging"
	"github.com/PortNumber53/membership-backend/internal/middleware"
	"github.com/PortNumber53/membership-backend/internal/migrations"
	"github.com/PortNumber53/membership-backend/internal/models"
	"github.com/PortNumber53/membership-backend/internal/store"
)

const tokenTTL = 24 * time.Hour

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [up|fix|force <version>|status|create-user <email> <name> <password> [admin]|token <user-id> [admin]]\n", os.Args[0])
	os.Exit(1)
}

func main() {
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("info", "console")
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger := logging.New(cfg.LogLevel, "console")

	cmd := "up"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	// Token issuance needs no database.
	if cmd == "token" {
		if len(os.Args) < 3 {
			usage()
		}
		userID, err := strconv.ParseInt(os.Args[2], 10, 64)
		if err != nil || userID <= 0 {
			logger.Fatal().Str("user_id", os.Args[2]).Msg("invalid user id")
		}
		admin := len(os.Args) > 3 && os.Args[3] == "admin"
		token, err := middleware.IssueToken(cfg.JWTSecret, userID, admin, tokenTTL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to issue token")
		}
		fmt.Println(token)
		return
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to ping database")
	}

	switch cmd {
	case "up":
		logger.Info().Msg("applying migrations")
		if err := migrations.Up(db, logger); err != nil {
			logger.Fatal().Err(err).Msg("failed to apply migrations")
		}

	case "fix":
		if err := migrations.FixDirtyDatabase(db, logger); err != nil {
			logger.Fatal().Err(err).Msg("failed to fix dirty database")
		}
		logger.Info().Msg("database fixed")

	case "force":
		if len(os.Args) < 3 {
			usage()
		}
		v, err := strconv.ParseUint(os.Args[2], 10, 32)
		if err != nil {
			logger.Fatal().Str("version", os.Args[2]).Msg("invalid version number")
		}
		if err := migrations.ForceVersion(db, uint(v)); err != nil {
			logger.Fatal().Err(err).Msg("failed to force version")
		}
		logger.Info().Uint64("version", v).Msg("database version forced")

	case "status":
		v, dirty, err := migrations.Status(db)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to read migration status")
		}
		logger.Info().Uint("version", v).Bool("dirty", dirty).Msg("migration status")

	case "create-user":
		if len(os.Args) < 5 {
			usage()
		}
		u, err := models.NewUser(os.Args[2], os.Args[3], os.Args[4])
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid user")
		}
		u.IsAdmin = len(os.Args) > 5 && os.Args[5] == "admin"

		st, err := store.New(db)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create store")
		}
		if err := st.CreateUser(ctx, u); err != nil {
			logger.Fatal().Err(err).Msg("failed to create user")
		}
		logger.Info().Int64("user_id", u.ID).Str("email", u.Email).Bool("admin", u.IsAdmin).Msg("user created")

	default:
		usage()
	}
}
