package dialect

import "regexp"

// Built-in plugins for the engines the service ships connectors or routing
// targets for. Weights reflect how unambiguous a construct is: a backtick
// project.dataset.table reference only ever means BigQuery, while a double
// colon cast is merely a strong PostgreSQL/DuckDB lean.

func BigQueryPlugin() Plugin {
	return Plugin{
		Engine: "bigquery",
		Patterns: []Pattern{
			{Matcher: regexp.MustCompile("`[\\w-]+\\.[\\w$]+\\.[\\w$]+`"), Signal: "backtick project.dataset.table reference", Weight: 10},
			{Matcher: regexp.MustCompile(`(?i)\bsafe_cast\s*\(`), Signal: "SAFE_CAST call", Weight: 9},
			{Matcher: regexp.MustCompile(`(?i)#standardsql\b`), Signal: "#standardSQL pragma", Weight: 8},
			{Matcher: regexp.MustCompile(`(?i)\bstruct<`), Signal: "STRUCT<...> type literal", Weight: 7},
			{Matcher: regexp.MustCompile(`(?i)\bexcept\s+distinct\b`), Signal: "EXCEPT DISTINCT", Weight: 6},
			{Matcher: regexp.MustCompile(`(?i)\b_partitiontime\b|\b_table_suffix\b`), Signal: "partition pseudo column", Weight: 8},
		},
	}
}

func DuckDBPlugin() Plugin {
	return Plugin{
		Engine: "duckdb",
		Patterns: []Pattern{
			{Matcher: regexp.MustCompile(`(?i)\bread_parquet\s*\(`), Signal: "read_parquet table function", Weight: 10},
			{Matcher: regexp.MustCompile(`(?i)\bread_csv_auto\s*\(`), Signal: "read_csv_auto table function", Weight: 10},
			{Matcher: regexp.MustCompile(`(?i)\bread_json_auto\s*\(`), Signal: "read_json_auto table function", Weight: 10},
			{Matcher: regexp.MustCompile(`(?i)from\s+'[^']+\.(parquet|csv|json)'`), Signal: "direct file scan", Weight: 9},
			{Matcher: regexp.MustCompile(`(?i)\bsummarize\b`), Signal: "SUMMARIZE statement", Weight: 8},
			{Matcher: regexp.MustCompile(`(?i)\blist_value\s*\(`), Signal: "list_value call", Weight: 6},
			{Matcher: regexp.MustCompile(`(?i)\bexclude\s*\(`), Signal: "SELECT * EXCLUDE", Weight: 5},
		},
	}
}

func PostgresPlugin() Plugin {
	return Plugin{
		Engine: "postgres",
		Patterns: []Pattern{
			{Matcher: regexp.MustCompile(`(?i)\bon\s+conflict\b`), Signal: "ON CONFLICT clause", Weight: 7},
			{Matcher: regexp.MustCompile(`(?i)\breturning\b`), Signal: "RETURNING clause", Weight: 6},
			{Matcher: regexp.MustCompile(`->>|#>>`), Signal: "json path operator", Weight: 5},
			{Matcher: regexp.MustCompile(`(?i)\bilike\b`), Signal: "ILIKE operator", Weight: 4},
			{Matcher: regexp.MustCompile(`\$\d+\b`), Signal: "positional bind parameter", Weight: 4},
			{Matcher: regexp.MustCompile(`(?i)\bpg_catalog\.|\binformation_schema\.`), Signal: "system catalog reference", Weight: 8},
			{Matcher: regexp.MustCompile(`(?i)::\s*(text|int4|int8|jsonb|uuid|timestamptz)\b`), Signal: "double colon cast", Weight: 5},
		},
	}
}

func MySQLPlugin() Plugin {
	return Plugin{
		Engine: "mysql",
		Patterns: []Pattern{
			{Matcher: regexp.MustCompile(`(?i)\bon\s+duplicate\s+key\s+update\b`), Signal: "ON DUPLICATE KEY UPDATE", Weight: 10},
			{Matcher: regexp.MustCompile(`(?i)\bstraight_join\b`), Signal: "STRAIGHT_JOIN hint", Weight: 9},
			{Matcher: regexp.MustCompile(`(?i)\blimit\s+\d+\s*,\s*\d+`), Signal: "comma LIMIT syntax", Weight: 8},
			{Matcher: regexp.MustCompile(`(?i)\bauto_increment\b`), Signal: "AUTO_INCREMENT attribute", Weight: 7},
			{Matcher: regexp.MustCompile(`(?i)\bengine\s*=\s*innodb\b`), Signal: "ENGINE=InnoDB clause", Weight: 8},
		},
	}
}

func DefaultRegistry() *Registry {
	registry, err := NewRegistry(BigQueryPlugin(), DuckDBPlugin(), PostgresPlugin(), MySQLPlugin())
	if err != nil {
		// the built-in plugins are static; a failure here is a programming error
		panic(err)
	}
	return registry
}
