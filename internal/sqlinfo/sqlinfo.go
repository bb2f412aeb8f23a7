// Package sqlinfo holds the lightweight, heuristic statement inspection the
// execution engine needs: statement kind, trailing LIMIT, aggregation shape,
// and normalized hashing for cache keys. It is not a SQL parser.
package sqlinfo

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
)

type Kind string

const (
	KindSelect Kind = "select"
	KindDDL    Kind = "ddl"
	KindDML    Kind = "dml"
	KindAdmin  Kind = "admin"
)

var (
	trailingLimitPattern = regexp.MustCompile(`(?is)\blimit\s+(\d+)(\s+offset\s+\d+)?\s*;?\s*$`)
	anyLimitPattern      = regexp.MustCompile(`(?is)\blimit\s+\d+`)
	aggregationPattern   = regexp.MustCompile(`(?is)\bgroup\s+by\b|\bhaving\b|\b(count|sum|avg|min|max)\s*\(`)
	whitespacePattern    = regexp.MustCompile(`\s+`)
)

func Classify(sqlText string) Kind {
	switch leadingKeyword(sqlText) {
	case "select", "with", "values":
		return KindSelect
	case "create", "alter", "drop", "truncate":
		return KindDDL
	case "insert", "update", "delete", "merge", "copy":
		return KindDML
	default:
		return KindAdmin
	}
}

// IsSchemaMutating reports whether a successful execution should invalidate
// cached schema introspection.
func IsSchemaMutating(sqlText string) bool {
	switch leadingKeyword(sqlText) {
	case "create", "alter", "drop", "truncate", "attach", "detach":
		return true
	default:
		return false
	}
}

// TrailingLimit returns the value of an explicit LIMIT at the end of the
// statement, optionally followed by OFFSET.
func TrailingLimit(sqlText string) (int, bool) {
	match := trailingLimitPattern.FindStringSubmatch(sqlText)
	if match == nil {
		return 0, false
	}
	value, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, false
	}
	return value, true
}

func ContainsLimit(sqlText string) bool {
	return anyLimitPattern.MatchString(sqlText)
}

// IsAggregation is a heuristic: GROUP BY, HAVING, or a call to one of the
// standard aggregate functions anywhere in the statement.
func IsAggregation(sqlText string) bool {
	return aggregationPattern.MatchString(sqlText)
}

func Normalize(sqlText string) string {
	normalized := whitespacePattern.ReplaceAllString(strings.TrimSpace(sqlText), " ")
	normalized = strings.ToLower(normalized)
	for strings.HasSuffix(normalized, ";") {
		normalized = strings.TrimSpace(strings.TrimSuffix(normalized, ";"))
	}
	return normalized
}

// Hash keys the count cache and the result chunk cache: equal up to
// whitespace and case means equal results.
func Hash(sqlText string) string {
	sum := sha256.Sum256([]byte(Normalize(sqlText)))
	return hex.EncodeToString(sum[:])
}

func StripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}

func leadingKeyword(sqlText string) string {
	rest := strings.TrimSpace(sqlText)
	for {
		switch {
		case strings.HasPrefix(rest, "--"):
			newline := strings.IndexByte(rest, '\n')
			if newline < 0 {
				return ""
			}
			rest = strings.TrimSpace(rest[newline+1:])
		case strings.HasPrefix(rest, "/*"):
			end := strings.Index(rest, "*/")
			if end < 0 {
				return ""
			}
			rest = strings.TrimSpace(rest[end+2:])
		default:
			fields := strings.Fields(rest)
			if len(fields) == 0 {
				return ""
			}
			return strings.ToLower(strings.TrimLeft(fields[0], "("))
		}
	}
}
