package validator

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadCategories reads a JSON object of category to pairs, e.g. {"crypto": ["BTCUSDT"]}.
func LoadCategories(path string) (map[string][]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read categories: %w", err)
	}
	var out map[string][]string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parse categories %s: %w", path, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("categories %s: no categories defined", path)
	}
	return out, nil
}
