package api

import (
	"context"

	"github.com/rs/zerolog"

	"message-relay/internal/model"
	"message-relay/internal/publisher"
)

// Submitter hands a validated message to the stream without waiting.
type Submitter interface {
	Submit(text string) (<-chan publisher.Result, error)
}

// MessageReader is the read side of the store used by the API.
type MessageReader interface {
	Latest(ctx context.Context) (*model.Message, error)
	Get(ctx context.Context, id int64) (*model.Message, error)
	List(ctx context.Context, afterID int64, limit int) ([]model.Message, int64, error)
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

type API struct {
	Publisher Submitter
	Storage   MessageReader
	Checks    map[string]HealthCheck
	Logger    zerolog.Logger
}

func NewAPI(pub Submitter, store MessageReader, checks map[string]HealthCheck, logger zerolog.Logger) *API {
	if checks == nil {
		checks = make(map[string]HealthCheck)
	}
	return &API{
		Publisher: pub,
		Storage:   store,
		Checks:    checks,
		Logger:    logger.With().Str("component", "api").Logger(),
	}
}
