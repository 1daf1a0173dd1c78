package confloader

import (
	"errors"
	"fmt"
	"strings"

	"github.com/knadh/koanf/maps"
)

// overrides is a koanf provider over dotted keys such as "log.level".
type overrides map[string]any

func (o overrides) ReadBytes() ([]byte, error) {
	return nil, errors.New("confloader: overrides provide a map, not bytes")
}

// Read unflattens the keys. Keys are case-insensitive.
func (o overrides) Read() (map[string]any, error) {
	flat := make(map[string]any, len(o))
	for k, v := range o {
		key := strings.ToLower(strings.TrimSpace(k))
		if key == "" || strings.HasPrefix(key, ".") || strings.HasSuffix(key, ".") || strings.Contains(key, "..") {
			return nil, fmt.Errorf("confloader: invalid override key %q", k)
		}
		flat[key] = v
	}
	return maps.Unflatten(flat, "."), nil
}
