package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"fleetcore/internal/domain"
)

// wireMessage is the JSON envelope published on external transports.
// Timestamps travel as unix milliseconds so non-Go consumers do not
// have to parse RFC 3339.
type wireMessage struct {
	MessageID     string          `json:"messageId"`
	MessageType   string          `json:"messageType"`
	FromAgentID   string          `json:"fromAgentId"`
	ToAgentID     string          `json:"toAgentId"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Timestamp     int64           `json:"timestamp"`
	TTLMs         *int64          `json:"ttlMs,omitempty"`
}

func encodeMessage(m domain.AgentMessage) ([]byte, error) {
	w := wireMessage{
		MessageID:     m.ID,
		MessageType:   m.Type,
		FromAgentID:   m.From,
		ToAgentID:     m.To,
		Payload:       m.Payload,
		CorrelationID: m.CorrelationID,
		Timestamp:     m.Timestamp.UnixMilli(),
	}
	if m.TTL != nil {
		ms := m.TTL.Milliseconds()
		w.TTLMs = &ms
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode message %s: %w", m.ID, err)
	}
	return data, nil
}

func decodeMessage(data []byte) (domain.AgentMessage, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return domain.AgentMessage{}, fmt.Errorf("decode message: %w: %v", domain.ErrInvalidInput, err)
	}
	if w.MessageID == "" || w.MessageType == "" {
		return domain.AgentMessage{}, fmt.Errorf("decode message: missing id or type: %w", domain.ErrInvalidInput)
	}
	m := domain.AgentMessage{
		ID:            w.MessageID,
		Type:          w.MessageType,
		From:          w.FromAgentID,
		To:            w.ToAgentID,
		Payload:       w.Payload,
		CorrelationID: w.CorrelationID,
		Timestamp:     time.UnixMilli(w.Timestamp),
	}
	if w.TTLMs != nil {
		ttl := time.Duration(*w.TTLMs) * time.Millisecond
		m.TTL = &ttl
	}
	return m, nil
}
