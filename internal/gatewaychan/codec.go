package gatewaychan

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
