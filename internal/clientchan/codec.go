package clientchan

import (
	"encoding/json"

	"github.com/ocx/meshcore/internal/domain"
)

func decodeConditions(raw []byte) []domain.Condition {
	if len(raw) == 0 {
		return nil
	}
	var conditions []domain.Condition
	if err := json.Unmarshal(raw, &conditions); err != nil {
		return nil
	}
	return conditions
}

func decodeFilters(raw []byte) []domain.Filter {
	if len(raw) == 0 {
		return nil
	}
	var filters []domain.Filter
	if err := json.Unmarshal(raw, &filters); err != nil {
		return nil
	}
	return filters
}
