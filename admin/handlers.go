package admin

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/burrowql/burrow/events"
	"github.com/burrowql/burrow/livequery"
	"github.com/burrowql/burrow/schema"
	"github.com/burrowql/burrow/store"
	"github.com/rs/zerolog/log"
)

const maxMetadataBytes = 8 * 1024 * 1024

// Handlers exposes the operational API over the running core: health,
// schema state, metadata submission, live query stats and event queues
type Handlers struct {
	store     *store.Store
	manager   *schema.Manager
	syncer    *schema.Syncer
	liveQuery *livequery.Engine
	registry  *events.Registry
}

// NewHandlers creates the admin handler set
func NewHandlers(st *store.Store, manager *schema.Manager, syncer *schema.Syncer, lq *livequery.Engine, registry *events.Registry) *Handlers {
	return &Handlers{
		store:     st,
		manager:   manager,
		syncer:    syncer,
		liveQuery: lq,
		registry:  registry,
	}
}

// handleHealth reports liveness and whether a snapshot is being served
func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := h.manager.Current()
	status := map[string]any{
		"status":       "ok",
		"has_snapshot": snap != nil,
	}
	if snap == nil {
		status["status"] = "starting"
	}
	writeJSONResponse(w, status)
}

// handleSchemaVersion reports the served snapshot version and the latest
// applied store version
func (h *Handlers) handleSchemaVersion(w http.ResponseWriter, r *http.Request) {
	snap := h.manager.Current()
	if snap == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "no snapshot built yet")
		return
	}

	writeJSONResponse(w, map[string]any{
		"version":              snap.Version,
		"applied_version":      h.syncer.AppliedVersion(),
		"sources":              len(snap.Sources),
		"inconsistent_objects": len(snap.Inconsistent),
	})
}

// handleSubmitMetadata accepts a new metadata document, stores it and applies
// it to this instance. Peers learn the new version through the notifier or
// their fallback poll.
func (h *Handlers) handleSubmitMetadata(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxMetadataBytes))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	version, err := h.syncer.Submit(r.Context(), raw)
	if err != nil {
		if version == 0 {
			writeErrorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		// Stored but the local rebuild failed; report both facts
		writeErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("metadata stored as version %d but apply failed: %v", version, err))
		return
	}

	snap := h.manager.Current()
	inconsistent := 0
	if snap != nil && snap.Version == version {
		inconsistent = len(snap.Inconsistent)
	}
	writeJSONResponse(w, map[string]any{
		"version":              version,
		"inconsistent_objects": inconsistent,
	})
}

// handleInconsistent lists objects that failed to resolve in the served snapshot
func (h *Handlers) handleInconsistent(w http.ResponseWriter, r *http.Request) {
	snap := h.manager.Current()
	if snap == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "no snapshot built yet")
		return
	}

	objects := snap.Inconsistent
	if objects == nil {
		objects = []schema.InconsistentObject{}
	}
	writeJSONResponse(w, objects)
}

// handleLiveQueryStats reports cohort and listener counts
func (h *Handlers) handleLiveQueryStats(w http.ResponseWriter, r *http.Request) {
	active, draining, listeners := h.liveQuery.Stats()
	writeJSONResponse(w, map[string]any{
		"cohorts_active":   active,
		"cohorts_draining": draining,
		"listeners":        listeners,
	})
}

// handleEventQueues reports per-class queue depths and this instance's
// in-flight claims
func (h *Handlers) handleEventQueues(w http.ResponseWriter, r *http.Request) {
	queues := make(map[string]any, len(store.Classes))
	for _, class := range store.Classes {
		depths, err := h.store.QueueDepth(class)
		if err != nil {
			writeErrorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		queues[string(class)] = map[string]any{
			"depths":    depths,
			"in_flight": h.registry.Count(class),
		}
	}
	writeJSONResponse(w, queues)
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}
