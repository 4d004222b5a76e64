// Package checkpoint provides the thread checkpoint backends: in-memory,
// JSON files, SQLite and Redis, plus a Redis-backed thread lock.
package checkpoint

import (
	"encoding/json"
	"fmt"

	"catalog-agent/internal/domain"
)

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrCheckpointStore, err)
}

func notFound(op, threadID string) error {
	return domain.NewDomainError(op, domain.ErrThreadNotFound, threadID)
}

func encode(op string, s *domain.State) ([]byte, error) {
	if s == nil {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "nil state")
	}
	if err := domain.ValidateThreadID(s.ThreadID); err != nil {
		return nil, err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, storeErr(op, fmt.Errorf("marshal state: %w", err))
	}
	return data, nil
}

func decode(op string, data []byte) (*domain.State, error) {
	var s domain.State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, storeErr(op, fmt.Errorf("unmarshal state: %w", err))
	}
	if s.Messages == nil {
		s.Messages = make([]domain.Message, 0)
	}
	return &s, nil
}
