package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"assetvault/internal/repository"
)

type HealthHandler struct {
	catalog     repository.Catalog
	backend     string
	promHandler http.Handler
}

func NewHealthHandler(catalog repository.Catalog, backend string) *HealthHandler {
	return &HealthHandler{catalog: catalog, backend: backend, promHandler: promhttp.Handler()}
}

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Storage   string `json:"storage,omitempty"`
	Records   *int   `json:"records,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Live: процесс жив.
func (h *HealthHandler) Live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Timestamp: time.Now().UTC().Format(time.RFC3339)})
}

// Ready проверяет, что каталог отвечает. 503, если нет.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := healthResponse{Timestamp: time.Now().UTC().Format(time.RFC3339), Storage: h.backend}
	n, err := h.catalog.Count(ctx)
	if err != nil {
		resp.Status, resp.Message = "fail", err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp.Status, resp.Records = "ok", &n
	writeJSON(w, http.StatusOK, resp)
}

func (h *HealthHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	h.promHandler.ServeHTTP(w, r)
}
