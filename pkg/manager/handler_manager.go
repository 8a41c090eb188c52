package manager

import (
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/rivetkit/rivetkit-go/pkg/driver"
	"github.com/rivetkit/rivetkit-go/pkg/rivet"
	"github.com/rivetkit/rivetkit-go/pkg/version"
)

// maxListActorIDs caps the actor_ids filter on GET /actors.
const maxListActorIDs = 32

// actorSummary is the wire form of an actor record on the manager surface.
type actorSummary struct {
	ActorID string    `json:"actor_id"`
	Name    string    `json:"name"`
	Key     rivet.Key `json:"key"`
}

func summarize(rec *driver.ActorRecord) actorSummary {
	key := rec.Key
	if key == nil {
		key = rivet.Key{}
	}
	return actorSummary{ActorID: rec.ActorID, Name: rec.Name, Key: key}
}

// createActorBody is the request body for PUT /actors and POST /actors.
// Input is base64-encoded CBOR.
type createActorBody struct {
	Name  string    `json:"name"`
	Key   rivet.Key `json:"key,omitempty"`
	Input []byte    `json:"input,omitempty"`
}

// bannerHandler handles GET /.
func (s *Server) bannerHandler(c *echo.Context) error {
	return c.String(http.StatusOK, version.AppName+" runner ("+version.GitCommit+")\n")
}

// healthHandler handles GET /health.
func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"runtime": version.AppName,
		"version": version.GitCommit,
	})
}

// metadataHandler handles GET /metadata.
func (s *Server) metadataHandler(c *echo.Context) error {
	kind := map[string]any{}
	if s.cfg.Runner.Serverless {
		kind["serverless"] = map[string]any{}
	} else {
		kind["normal"] = map[string]any{}
	}
	meta := map[string]any{
		"runtime": version.AppName,
		"version": version.GitCommit,
		"runner": map[string]any{
			"name": s.cfg.Runner.Name,
			"kind": kind,
		},
		"actorNames": s.registry.Names(),
	}
	if s.cfg.Runner.ClientEndpoint != "" {
		meta["clientEndpoint"] = s.cfg.Runner.ClientEndpoint
	}
	return c.JSON(http.StatusOK, meta)
}

// listActorsHandler handles GET /actors. The actor_ids and key filters are
// mutually exclusive; key requires name.
func (s *Server) listActorsHandler(c *echo.Context) error {
	q := driver.ListQuery{Name: c.QueryParam("name")}

	if raw := c.QueryParam("actor_ids"); raw != "" {
		q.ActorIDs = strings.Split(raw, ",")
		if len(q.ActorIDs) > maxListActorIDs {
			return mapManagerError(c,
				rivet.InvalidParams("actor_ids accepts at most 32 ids"),
				s.cfg.Actors.ExposeInternalError)
		}
	}
	if raw := c.QueryParam("key"); raw != "" {
		if len(q.ActorIDs) > 0 {
			return mapManagerError(c,
				rivet.InvalidParams("actor_ids and key filters are mutually exclusive"),
				s.cfg.Actors.ExposeInternalError)
		}
		if q.Name == "" {
			return mapManagerError(c,
				rivet.InvalidParams("key filter requires name"),
				s.cfg.Actors.ExposeInternalError)
		}
		key, err := rivet.ParseKey(raw)
		if err != nil {
			return mapManagerError(c, err, s.cfg.Actors.ExposeInternalError)
		}
		q.Key = key
	}

	recs, err := s.mgr.ListActors(c.Request().Context(), q)
	if err != nil {
		return mapManagerError(c, err, s.cfg.Actors.ExposeInternalError)
	}
	actors := make([]actorSummary, 0, len(recs))
	for _, rec := range recs {
		actors = append(actors, summarize(rec))
	}
	return c.JSON(http.StatusOK, map[string]any{"actors": actors})
}

// getOrCreateActorHandler handles PUT /actors.
func (s *Server) getOrCreateActorHandler(c *echo.Context) error {
	body, err := s.bindCreateBody(c)
	if err != nil {
		return mapManagerError(c, err, s.cfg.Actors.ExposeInternalError)
	}
	if err := body.Key.Validate(); err != nil {
		return mapManagerError(c, err, s.cfg.Actors.ExposeInternalError)
	}

	rec, created, err := s.mgr.GetOrCreateForKey(c.Request().Context(), body.Name, body.Key, body.Input)
	if err != nil {
		return mapManagerError(c, err, s.cfg.Actors.ExposeInternalError)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"actor":   summarize(rec),
		"created": created,
	})
}

// createActorHandler handles POST /actors.
func (s *Server) createActorHandler(c *echo.Context) error {
	body, err := s.bindCreateBody(c)
	if err != nil {
		return mapManagerError(c, err, s.cfg.Actors.ExposeInternalError)
	}

	query := &ActorQuery{Create: &QueryCreate{Name: body.Name, Key: body.Key, Input: body.Input}}
	rec, _, err := query.Resolve(c.Request().Context(), s.mgr)
	if err != nil {
		return mapManagerError(c, err, s.cfg.Actors.ExposeInternalError)
	}
	return c.JSON(http.StatusOK, map[string]any{"actor": summarize(rec)})
}

func (s *Server) bindCreateBody(c *echo.Context) (*createActorBody, error) {
	var body createActorBody
	if err := c.Bind(&body); err != nil {
		return nil, rivet.InvalidParams("request body must be valid JSON")
	}
	if body.Name == "" {
		return nil, rivet.InvalidParams("name is required")
	}
	if _, ok := s.registry.Lookup(body.Name); !ok {
		return nil, rivet.InvalidParams("unknown actor name " + body.Name)
	}
	return &body, nil
}

// startHandler handles GET /start in serverless mode: the platform invokes it
// to bind a spawned worker to the calling runner.
func (s *Server) startHandler(c *echo.Context) error {
	if !s.cfg.Runner.Serverless {
		return mapManagerError(c,
			rivet.InvalidParams("runner is not in serverless mode"),
			s.cfg.Actors.ExposeInternalError)
	}
	h := c.Request().Header
	s.log.Info("Serverless start requested",
		"endpoint", h.Get(rivet.HeaderEndpoint),
		"runner_name", h.Get(rivet.HeaderRunnerName),
		"namespace_id", h.Get(rivet.HeaderNamespaceID),
		"total_slots", h.Get(rivet.HeaderTotalSlots))
	return c.JSON(http.StatusOK, map[string]any{
		"status": "started",
		"runner": s.cfg.Runner.Name,
	})
}
