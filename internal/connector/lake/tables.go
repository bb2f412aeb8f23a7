package lake

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hfmsio/querystream/internal/storage"
)

// ParseTables parses the "table=version,table2=version2" mapping used by the
// connector configuration and resolves each pin to its snapshot object key.
func ParseTables(spec string) (map[string]string, error) {
	tables := map[string]string{}
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, rawVersion, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		rawVersion = strings.TrimSpace(rawVersion)
		if !ok || name == "" || rawVersion == "" {
			return nil, fmt.Errorf("invalid lake table mapping %q", pair)
		}
		if _, exists := tables[name]; exists {
			return nil, fmt.Errorf("duplicate lake table %q", name)
		}
		version, err := strconv.ParseInt(strings.TrimPrefix(rawVersion, "v"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid snapshot version for table %q: %q", name, rawVersion)
		}
		key, err := storage.BuildSnapshotPath(name, version)
		if err != nil {
			return nil, err
		}
		tables[name] = key
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("no lake tables configured")
	}
	return tables, nil
}
