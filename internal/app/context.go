package app

import (
	"context"

	"github.com/datallboy/gopod/internal/domain"
	"github.com/datallboy/gopod/internal/infra/config"
	"github.com/datallboy/gopod/internal/infra/logger"
)

// Store persists download tasks so pending work survives a restart.
// This allows the engine to save without importing a concrete driver.
type Store interface {
	SaveTask(ctx context.Context, rec *domain.TaskRecord) error
	GetTask(ctx context.Context, id string) (*domain.TaskRecord, error)
	PendingTasks(ctx context.Context) ([]*domain.TaskRecord, error)
	DeleteTask(ctx context.Context, id string) error
	Close() error
}

// Context hold the core environment and shared resources for gopod.
// It is built once by main and passed to whoever enqueues downloads.
type Context struct {
	Config *config.Config
	Logger *logger.Logger
	Store  Store
}

// NewContext initializes the base environment.
func NewContext(cfg *config.Config, log *logger.Logger) *Context {
	if log == nil {
		log = logger.Nop()
	}
	return &Context{
		Config: cfg,
		Logger: log,
	}
}
