package engine

import "github.com/gofiber/fiber/v2"

func RegisterRoutes(app *fiber.App, h *Handler, authMW, adminMW fiber.Handler) {
	api := app.Group("/api", authMW)

	api.Post("/admin/cache/clear", adminMW, h.ClearCaches)
	api.Get("/admin/metadata/:entity", adminMW, h.DescribeEntity)
	api.Post("/admin/metadata/reload", adminMW, h.ReloadMetadata)
	api.Get("/:entity", h.Load)
}
