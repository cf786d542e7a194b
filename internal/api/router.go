package api

import (
	"github.com/gorilla/mux"
)

// NewRouter wires all API routes onto a gorilla router.
func NewRouter(h *Handler) *mux.Router {
	root := mux.NewRouter()
	root.Use(Recover)

	// Memory operations
	root.HandleFunc("/api/memory/workingset", h.GetWorkingSet).Methods("POST")
	root.HandleFunc("/api/memory/upsert", h.Upsert).Methods("POST")
	root.HandleFunc("/api/memory/search", h.Search).Methods("POST")
	root.HandleFunc("/api/memory/promote", h.Promote).Methods("POST")
	root.HandleFunc("/api/memory/delete", h.Delete).Methods("POST")
	root.HandleFunc("/api/memory/rag", h.Retrieve).Methods("POST")

	// Observability
	root.HandleFunc("/api/memory/metrics", h.MetricsReport).Methods("GET")
	root.Handle("/metrics", h.collector.Handler()).Methods("GET")
	root.HandleFunc("/api/health", h.Health).Methods("GET")

	// Manual job triggers
	root.HandleFunc("/api/jobs/{name}", h.RunJob).Methods("POST")

	return root
}
