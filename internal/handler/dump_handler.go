package handler

import (
	"net/http"
	"strconv"

	"assetvault/internal/domain"
	"assetvault/internal/logger"
	"assetvault/internal/service"
)

type DumpHandler struct {
	dumps *service.DumpService
	log   *logger.Logger
}

func NewDumpHandler(dumps *service.DumpService, log *logger.Logger) *DumpHandler {
	return &DumpHandler{dumps: dumps, log: log.With("component", "DumpHandler")}
}

func writeDump(w http.ResponseWriter, res *domain.DumpResult) {
	res.Errors = nilIfEmpty(res.Errors)
	writeJSON(w, res.Status, res)
}

// Create снимает дамп: ?filename=&format=json|rdb.
func (h *DumpHandler) Create(w http.ResponseWriter, r *http.Request) {
	format, err := domain.ParseDumpFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := h.dumps.CreateDump(r.Context(), r.URL.Query().Get("filename"), format)
	if err != nil {
		h.log.Error("dump create failed", "error", err)
		writeError(w, err)
		return
	}
	writeDump(w, res)
}

// Get отдаёт дамп. С ?download=true отдаются сырые байты.
func (h *DumpHandler) Get(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	format, err := domain.ParseDumpFormat(q.Get("format"))
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := h.dumps.GetDump(r.Context(), q.Get("filename"), format)
	if err != nil {
		writeError(w, err)
		return
	}

	if download, _ := strconv.ParseBool(q.Get("download")); download {
		w.Header().Set("Content-Disposition", `attachment; filename="`+res.Data.Name+"."+string(format)+`"`)
		ct := "application/octet-stream"
		if format == domain.DumpFormatJSON {
			ct = "application/json"
		}
		writeBytes(w, ct, res.Data.Content)
		return
	}
	writeDump(w, res)
}

// Restore восстанавливает каталог из дампа: ?filename=.
func (h *DumpHandler) Restore(w http.ResponseWriter, r *http.Request) {
	res, err := h.dumps.RestoreDump(r.Context(), r.URL.Query().Get("filename"))
	if err != nil {
		h.log.Error("dump restore failed", "error", err)
		writeError(w, err)
		return
	}
	writeDump(w, res)
}
