package server

import (
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harvester/internal/core/extraction"
	"harvester/internal/logger"
	"harvester/internal/mock"
)

func TestRegisterRoutes_ServesOnlyExports(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	exportDir := filepath.Join(dataDir, "exports")
	require.NoError(t, os.MkdirAll(exportDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "harvester.db"), []byte("records"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(exportDir, "report.json"), []byte(`{"job_id":"j"}`), 0o644))

	ctrl := extraction.NewController(extraction.Deps{
		Sessions: extraction.Reuse(&mock.Scraper{}),
		Log:      logger.Nop(),
	})
	app := fiber.New()
	RegisterRoutes(app, Dependencies{
		Extraction: ctrl,
		Handler:    extraction.HandlerOptions{Defaults: extraction.DefaultJobConfig(), ExportDir: exportDir},
	})

	get := func(path string) (int, string) {
		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, path, nil), -1)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	status, body := get("/files/report.json")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Contains(t, body, `"job_id"`)

	status, body = get("/files/harvester.db")
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.NotContains(t, body, "records")

	_, body = get("/files/../harvester.db")
	assert.NotContains(t, body, "records")
}
