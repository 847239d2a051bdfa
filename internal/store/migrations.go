package store

import "embed"

//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the directory name passed to database.Migrator /
// database.RunMigrations alongside Migrations.
const MigrationsDir = "migrations"
