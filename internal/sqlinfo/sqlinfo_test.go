package sqlinfo

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		sql  string
		want Kind
	}{
		{"SELECT * FROM users", KindSelect},
		{"  with t as (select 1) select * from t", KindSelect},
		{"VALUES (1), (2)", KindSelect},
		{"-- leading comment\nSELECT 1", KindSelect},
		{"/* block */ select 1", KindSelect},
		{"CREATE TABLE t (id INTEGER)", KindDDL},
		{"drop view v", KindDDL},
		{"INSERT INTO t VALUES (1)", KindDML},
		{"update t set a = 1", KindDML},
		{"PRAGMA table_info(t)", KindAdmin},
		{"SET search_path TO public", KindAdmin},
		{"EXPLAIN SELECT 1", KindAdmin},
		{"", KindAdmin},
	}
	for _, tt := range tests {
		if got := Classify(tt.sql); got != tt.want {
			t.Fatalf("Classify(%q) = %q, want %q", tt.sql, got, tt.want)
		}
	}
}

func TestIsSchemaMutating(t *testing.T) {
	if !IsSchemaMutating("CREATE TABLE t (id INTEGER)") {
		t.Fatal("CREATE should be schema-mutating")
	}
	if !IsSchemaMutating("ATTACH 'other.db' AS other") {
		t.Fatal("ATTACH should be schema-mutating")
	}
	if IsSchemaMutating("INSERT INTO t VALUES (1)") {
		t.Fatal("INSERT should not be schema-mutating")
	}
	if IsSchemaMutating("SELECT 1") {
		t.Fatal("SELECT should not be schema-mutating")
	}
}

func TestTrailingLimit(t *testing.T) {
	tests := []struct {
		sql   string
		value int
		ok    bool
	}{
		{"SELECT * FROM t LIMIT 50", 50, true},
		{"select * from t limit 10 offset 20", 10, true},
		{"SELECT * FROM t LIMIT 25;", 25, true},
		{"SELECT * FROM (SELECT * FROM t LIMIT 5) sub WHERE a > 1", 0, false},
		{"SELECT * FROM t", 0, false},
	}
	for _, tt := range tests {
		value, ok := TrailingLimit(tt.sql)
		if ok != tt.ok || value != tt.value {
			t.Fatalf("TrailingLimit(%q) = (%d, %v), want (%d, %v)", tt.sql, value, ok, tt.value, tt.ok)
		}
	}

	if !ContainsLimit("SELECT * FROM (SELECT * FROM t LIMIT 5) sub") {
		t.Fatal("ContainsLimit should see nested LIMIT")
	}
	if ContainsLimit("SELECT limitless FROM t") {
		t.Fatal("ContainsLimit should not match identifiers")
	}
}

func TestIsAggregation(t *testing.T) {
	aggregations := []string{
		"SELECT a, COUNT(*) FROM t GROUP BY a",
		"SELECT sum(amount) FROM orders",
		"SELECT a FROM t GROUP BY a HAVING count(*) > 1",
		"SELECT MAX(ts) FROM events",
	}
	for _, sql := range aggregations {
		if !IsAggregation(sql) {
			t.Fatalf("IsAggregation(%q) = false", sql)
		}
	}

	plain := []string{
		"SELECT * FROM accounts",
		"SELECT maximum_value FROM limits_table",
	}
	for _, sql := range plain {
		if IsAggregation(sql) {
			t.Fatalf("IsAggregation(%q) = true", sql)
		}
	}
}

func TestNormalizeAndHash(t *testing.T) {
	a := "SELECT *\n  FROM users ;"
	b := "select * from users"
	if Normalize(a) != Normalize(b) {
		t.Fatalf("Normalize mismatch: %q vs %q", Normalize(a), Normalize(b))
	}
	if Hash(a) != Hash(b) {
		t.Fatal("equal normalized statements must hash equally")
	}
	if Hash("select * from users") == Hash("select * from orders") {
		t.Fatal("distinct statements must hash differently")
	}
}

func TestStripTrailingSemicolons(t *testing.T) {
	if got := StripTrailingSemicolons("select 1;; "); got != "select 1" {
		t.Fatalf("StripTrailingSemicolons = %q", got)
	}
}
