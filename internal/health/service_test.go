package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, h *HealthHandler) (int, OverallHealth) {
	t.Helper()
	app := fiber.New()
	app.Get("/v1/health", h.HandleHealth)
	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/v1/health", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body OverallHealth
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()

	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("connection refused") }

	t.Run("starting until ready", func(t *testing.T) {
		t.Parallel()
		status, body := get(t, NewHealthHandler(map[string]Check{"redis": ok}))
		assert.Equal(t, fiber.StatusServiceUnavailable, status)
		assert.Equal(t, "starting", body.OverallStatus)
	})

	t.Run("ok when ready and healthy", func(t *testing.T) {
		t.Parallel()
		h := NewHealthHandler(map[string]Check{"redis": ok, "storage": ok})
		h.SetReady()
		status, body := get(t, h)
		assert.Equal(t, fiber.StatusOK, status)
		assert.Equal(t, "ok", body.OverallStatus)
		assert.Len(t, body.Components, 2)
	})

	t.Run("error when a component fails", func(t *testing.T) {
		t.Parallel()
		h := NewHealthHandler(map[string]Check{"redis": ok, "storage": down})
		h.SetReady()
		status, body := get(t, h)
		assert.Equal(t, fiber.StatusServiceUnavailable, status)
		assert.Equal(t, "error", body.OverallStatus)
		assert.Equal(t, "connection refused", body.Components["storage"].Error)
	})
}
