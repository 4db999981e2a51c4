package migrations

import "embed"

// PostgresFS holds the account schema migrations.
//
//go:embed postgres/*.sql
var PostgresFS embed.FS

// ClickhouseFS holds the payment event log migrations.
//
//go:embed clickhouse/*.sql
var ClickhouseFS embed.FS
