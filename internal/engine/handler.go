package engine

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"nestfetch/internal/config"
	"nestfetch/internal/metadata"
	"nestfetch/internal/store"
)

// Handler exposes the eager loader over HTTP. It reuses one EagerLoader
// so that the batch cache spans requests; the loader guards its own state,
// and /admin/cache/clear resets it.
type Handler struct {
	loader *EagerLoader
	reg    *metadata.Registry
	db     *store.Store
}

func NewHandler(db *store.Store, reg *metadata.Registry, cfg config.LoaderConfig) *Handler {
	fetcher := NewStoreFetcher(db.Pool, reg)
	return &Handler{
		loader: NewEagerLoader(reg, fetcher, cfg),
		reg:    reg,
		db:     db,
	}
}

// Load handles GET /api/:entity?ids=1,2&include=posts.comments,profile.
// An optional strategy parameter applies a single named optimization
// instead of the full heuristic pass.
func (h *Handler) Load(c *fiber.Ctx) error {
	entityName := c.Params("entity")

	idsParam := c.Query("ids")
	if idsParam == "" {
		return NewAppError("INVALID_PAYLOAD", 400, "ids query parameter is required")
	}
	var rootIDs []any
	for _, id := range strings.Split(idsParam, ",") {
		id = strings.TrimSpace(id)
		if id != "" {
			rootIDs = append(rootIDs, id)
		}
	}

	include := c.Query("include")
	ctx := c.UserContext()

	var result *EagerLoadResult
	var err error
	if strategy := c.Query("strategy"); strategy != "" {
		result, err = h.loader.LoadWithStrategy(ctx, entityName, rootIDs, include, Strategy(strategy))
	} else {
		result, err = h.loader.LoadWithRelationships(ctx, entityName, rootIDs, include)
	}
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"data":          result.Data,
		"stats":         result.Stats,
		"optimizations": result.Optimizations,
	})
}

// ClearCaches handles POST /api/admin/cache/clear.
func (h *Handler) ClearCaches(c *fiber.Ctx) error {
	h.loader.ClearCaches()
	return c.JSON(fiber.Map{"data": fiber.Map{"status": "ok"}})
}

// DescribeEntity handles GET /api/admin/metadata/:entity, returning the
// entity definition and the relations declared on it.
func (h *Handler) DescribeEntity(c *fiber.Ctx) error {
	name := c.Params("entity")
	entity := h.reg.Entity(name)
	if entity == nil {
		return UnknownEntityError(name)
	}
	return c.JSON(fiber.Map{"data": fiber.Map{
		"entity":    entity,
		"relations": h.reg.RelationsForSource(name),
	}})
}

// ReloadMetadata handles POST /api/admin/metadata/reload, re-reading the
// registry from the definition tables.
func (h *Handler) ReloadMetadata(c *fiber.Ctx) error {
	if err := metadata.LoadAll(c.UserContext(), h.db.Pool, h.reg); err != nil {
		return BackendError("metadata", "_entities", err)
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"status": "ok"}})
}
