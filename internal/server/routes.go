package server

import (
	"github.com/gofiber/fiber/v2"

	"harvester/internal/core/extraction"
	"harvester/internal/health"
)

type Dependencies struct {
	Extraction *extraction.Controller
	Handler    extraction.HandlerOptions
	Checks     map[string]health.Check
}

func RegisterRoutes(app *fiber.App, d Dependencies) *health.HealthHandler {
	healthHandler := health.NewHealthHandler(d.Checks)
	app.Get("/v1/health", health.HealthLimiter(), healthHandler.HandleHealth)

	// exports are downloadable; nothing else under DATA_DIR is
	if d.Handler.ExportDir != "" {
		app.Static("/files", d.Handler.ExportDir)
	}

	api := app.Group("/v1")
	extraction.NewHandler(d.Extraction, d.Handler).RegisterRoutes(api)

	return healthHandler
}
