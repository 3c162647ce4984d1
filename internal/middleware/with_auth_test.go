package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-peer-api/internal/middleware"
)

func newAuthApp(userID, role string, opts middleware.AuthOptions) *fiber.App {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		if userID != "" {
			c.Locals("user_id", userID)
		}
		if role != "" {
			c.Locals("user_role", role)
		}
		return c.Next()
	})
	app.Get("/", middleware.WithAuth(func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	}, opts))
	return app
}

func TestWithAuth(t *testing.T) {
	cases := []struct {
		name   string
		userID string
		role   string
		opts   middleware.AuthOptions
		status int
	}{
		{name: "anonymous allowed", opts: middleware.AuthOptions{}, status: fiber.StatusNoContent},
		{name: "user required", opts: middleware.AuthOptions{RequireUser: true}, status: fiber.StatusUnauthorized},
		{name: "learner identified", userID: "alice", role: "student", opts: middleware.AuthOptions{RequireUser: true}, status: fiber.StatusNoContent},
		{name: "staff granted", userID: "prof", role: "Teacher", opts: middleware.AuthOptions{Role: middleware.AuthRoleStaff}, status: fiber.StatusNoContent},
		{name: "learner denied staff route", userID: "alice", role: "student", opts: middleware.AuthOptions{Role: middleware.AuthRoleStaff}, status: fiber.StatusForbidden},
		{name: "staff route needs identity", role: "admin", opts: middleware.AuthOptions{Role: middleware.AuthRoleStaff}, status: fiber.StatusUnauthorized},
		{name: "exact role", userID: "bot", role: "grader", opts: middleware.AuthOptions{Role: "grader"}, status: fiber.StatusNoContent},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			app := newAuthApp(tc.userID, tc.role, tc.opts)
			resp := perform(t, app)
			require.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func perform(t *testing.T, app *fiber.App) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}
