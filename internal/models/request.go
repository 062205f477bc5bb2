package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PairSpec - пара инструментов на проводе.
//
// Принимает обе исторические кодировки:
//   - массив из двух тикеров: ["AL30", "AL30D"]
//   - строка через дефис:     "AL30-AL30D"
//
// Наружу всегда сериализуется массивом
type PairSpec [2]string

// UnmarshalJSON принимает обе кодировки пары
func (p *PairSpec) UnmarshalJSON(data []byte) error {
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		if len(arr) != 2 {
			return fmt.Errorf("pair must contain exactly 2 instruments, got %d", len(arr))
		}
		p[0], p[1] = arr[0], arr[1]
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("pair must be an array of 2 strings or a hyphen-joined string")
	}

	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("pair string must look like \"SELL-BUY\", got %q", s)
	}
	p[0], p[1] = parts[0], parts[1]
	return nil
}

// MarshalJSON всегда отдаёт массив из двух тикеров
func (p PairSpec) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string(p))
}

// Contains проверяет, что тикер входит в пару
func (p PairSpec) Contains(symbol string) bool {
	return p[0] == symbol || p[1] == symbol
}

// OperationRequest - входящий запрос на создание ратио-операции.
// Используется и REST-обработчиком, и websocket-командой
type OperationRequest struct {
	Pair             PairSpec  `json:"pair"`
	InstrumentToSell string    `json:"instrument_to_sell"`
	Nominales        float64   `json:"nominales"`
	TargetRatio      float64   `json:"target_ratio"`
	Condition        Condition `json:"condition"`
	ClientID         string    `json:"client_id"`
	MaxAttempts      int       `json:"max_attempts,omitempty"`
}
