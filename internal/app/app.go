// Package app wires the application together: configuration, logging,
// database, AI providers, retrieval, broadcasting and the orchestrator.
package app

import (
	"log/slog"

	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/duolab/duologue/internal/broadcast"
	"github.com/duolab/duologue/internal/config"
	"github.com/duolab/duologue/internal/orchestrator"
	"github.com/duolab/duologue/internal/provider"
	"github.com/duolab/duologue/internal/rag"
	"github.com/duolab/duologue/internal/store"
	"github.com/duolab/duologue/internal/turn"
)

// App holds the assembled application components.
type App struct {
	Config       *config.Config
	Logger       *slog.Logger
	Pool         *pgxpool.Pool
	Store        *store.Postgres
	Genkit       *genkit.Genkit
	Registry     *provider.Registry
	Gateway      *rag.Gateway
	Bus          *broadcast.Bus
	Broadcaster  *broadcast.Broadcaster
	Generator    *turn.Generator
	Orchestrator *orchestrator.Orchestrator
	Runner       *orchestrator.Runner

	otelCleanup func()
}

// Close releases all resources in reverse initialization order.
func (a *App) Close() error {
	if a.Bus != nil {
		a.Bus.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
	if a.otelCleanup != nil {
		a.otelCleanup()
	}
	return nil
}
