package database

import _ "embed"

// Schema is the DDL produced by applying every migration, for tests that
// need a ready database without running golang-migrate.
//
//go:embed schema.sql
var Schema string
