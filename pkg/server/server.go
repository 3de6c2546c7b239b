// Package server provides the public entry point for initializing the
// blastermailer engine. It wires the store, the credit ledger, the model
// catalog, the conversational orchestrator, and the delivery queue into a
// ready HTTP handler.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/skeezrxcco/blastermailer/internal/api"
	"github.com/skeezrxcco/blastermailer/internal/api/handlers"
	"github.com/skeezrxcco/blastermailer/internal/budget"
	"github.com/skeezrxcco/blastermailer/internal/catalog"
	"github.com/skeezrxcco/blastermailer/internal/config"
	"github.com/skeezrxcco/blastermailer/internal/llm"
	"github.com/skeezrxcco/blastermailer/internal/mailqueue"
	"github.com/skeezrxcco/blastermailer/internal/moderation"
	"github.com/skeezrxcco/blastermailer/internal/orchestrator"
	"github.com/skeezrxcco/blastermailer/internal/skills"
	"github.com/skeezrxcco/blastermailer/internal/store"
	"github.com/skeezrxcco/blastermailer/internal/telemetry"
	"github.com/skeezrxcco/blastermailer/internal/workflow"
)

// Server holds the initialized engine.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store (in-memory or SQLite, by configuration).
	Store store.Store

	// Queue is the delivery queue; exposed for graceful drain on shutdown.
	Queue *mailqueue.Queue

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes all components from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the engine with an explicit configuration.
func NewWithConfig(_ context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	var dataStore store.Store
	if cfg.Database.Path != "" {
		dataStore, err = store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		log.Info().Str("path", cfg.Database.Path).Msg("SQLite store initialized")
	} else {
		dataStore = store.NewMemoryStore()
		log.Info().Msg("In-memory store initialized")
	}

	ledger := budget.NewLedger(dataStore, cfg.Credits)
	cat := catalog.New(cfg.Models)
	sessions := workflow.NewManager(dataStore)
	executor := skills.NewExecutor(defaultTemplates())
	client := llm.NewHTTPClient(cfg.LLM)

	orch := orchestrator.New(
		sessions,
		dataStore,
		ledger,
		cat,
		executor,
		moderation.NewHeuristic(),
		client,
	)

	senders := mailqueue.NewSenderRouter(cfg.Mail, cfg.Environment)
	queue := mailqueue.New(cfg.Mail, senders, mailqueue.NewBroadcaster())

	h := handlers.New(dataStore, orch, queue, ledger)
	router := api.NewRouter(cfg, h)

	log.Info().
		Str("env", cfg.Environment).
		Int("catalog_entries", len(cat.Entries())).
		Msg("engine initialized")

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Queue:        queue,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

// defaultTemplates is the built-in template catalog used until templates
// move to their own service.
func defaultTemplates() *skills.StaticTemplateCatalog {
	return &skills.StaticTemplateCatalog{Items: []skills.Template{
		{ID: "tpl-launch-minimal", Name: "Minimal Launch", Theme: "minimal", Domain: "product launch", Tone: "confident"},
		{ID: "tpl-news-digest", Name: "Weekly Digest", Theme: "editorial", Domain: "newsletter", Tone: "friendly"},
		{ID: "tpl-news-bold", Name: "Bold Update", Theme: "bold color blocks", Domain: "newsletter", Tone: "energetic"},
		{ID: "tpl-promo-sale", Name: "Seasonal Sale", Theme: "promotional", Domain: "ecommerce sale", Tone: "urgent"},
		{ID: "tpl-welcome-warm", Name: "Warm Welcome", Theme: "clean", Domain: "onboarding welcome", Tone: "warm"},
		{ID: "tpl-event-invite", Name: "Event Invite", Theme: "card layout", Domain: "event invitation", Tone: "formal"},
	}}
}
