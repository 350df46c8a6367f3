package outbox

import (
	"encoding/json"
	"time"
)

// PayloadEnvelope is the stored shape of every outbox payload.
type PayloadEnvelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Data       json.RawMessage `json:"data"`
}
