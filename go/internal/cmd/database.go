package main

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/shuhaimiao/otel-shortener-demo-sub001/go/internal/dbconfig"
)

func setupDatabase() (*sql.DB, string, error) {
	dbCfg := dbconfig.NewConfigFromEnv()
	dsn := dbCfg.DSN()

	database, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create database connection: %w", err)
	}

	if err := database.Ping(); err != nil {
		return nil, "", fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().
		Str("host", dbCfg.Host).
		Int("port", dbCfg.Port).
		Str("database", dbCfg.Database).
		Msg("connected to database")

	return database, dsn, nil
}
