package storage

import (
	"fmt"
	"path"
	"regexp"
)

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// BuildSnapshotPath builds the object key of one lake table snapshot.
// Versions are monotonically increasing; readers always take the highest
// version they know about.
func BuildSnapshotPath(tableName string, version int64) (string, error) {
	if err := validatePathComponent(tableName, "table name"); err != nil {
		return "", err
	}
	if version < 0 {
		return "", fmt.Errorf("version must be >= 0")
	}
	return path.Join(
		"snapshots",
		tableName,
		fmt.Sprintf("v%06d.parquet", version),
	), nil
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
