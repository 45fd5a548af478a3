package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"assetvault/internal/domain"
	"assetvault/internal/logger"
	"assetvault/internal/service"
	"assetvault/internal/transcode"
)

// multipartMemory: сколько формы держится в памяти до сброса на диск.
const multipartMemory = 32 << 20

type AssetHandler struct {
	assets      *service.AssetService
	maxPayload  int64
	placeholder []byte
	log         *logger.Logger
}

// NewAssetHandler создаёт обработчик. placeholder отдаётся вместо просроченных
// ассетов; nil означает ответ 404.
func NewAssetHandler(assets *service.AssetService, maxPayload int64, placeholder []byte, log *logger.Logger) *AssetHandler {
	return &AssetHandler{
		assets:      assets,
		maxPayload:  maxPayload,
		placeholder: placeholder,
		log:         log.With("component", "AssetHandler"),
	}
}

func (h *AssetHandler) parseForm(w http.ResponseWriter, r *http.Request) error {
	if h.maxPayload > 0 {
		// запас на поля формы сверх самого файла
		r.Body = http.MaxBytesReader(w, r.Body, h.maxPayload+1<<20)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return domain.Validationf("payload exceeds %d bytes", h.maxPayload)
		}
		return domain.Validationf("failed to parse form: %v", err)
	}
	return nil
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, domain.Validationf("failed to open %s: %v", fh.Filename, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, domain.Validationf("failed to read %s: %v", fh.Filename, err)
	}
	return data, nil
}

func formBool(r *http.Request, key string) (bool, error) {
	v := r.FormValue(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, &domain.FieldError{Field: key, Reason: "must be a boolean"}
	}
	return b, nil
}

func formString(r *http.Request, key string) *string {
	if _, ok := r.MultipartForm.Value[key]; !ok {
		return nil
	}
	v := r.FormValue(key)
	return &v
}

func formTime(r *http.Request, key string) (*time.Time, error) {
	v := r.FormValue(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, &domain.FieldError{Field: key, Reason: "must be an RFC 3339 timestamp"}
	}
	return &t, nil
}

// uploadFromForm собирает Upload из общих полей формы и одного файла.
func uploadFromForm(r *http.Request, fh *multipart.FileHeader) (service.Upload, error) {
	up := service.Upload{
		Filename:    fh.Filename,
		Mimetype:    fh.Header.Get("Content-Type"),
		Namespace:   r.FormValue("namespace"),
		Destination: r.FormValue("destination"),
		ExternalID:  formString(r, "external_id"),
		Information: formString(r, "information"),
	}
	if name := r.FormValue("filename"); name != "" {
		up.Filename = name
	}
	if m := r.FormValue("mimetype"); m != "" {
		up.Mimetype = m
	}

	var err error
	if up.ToWebp, err = formBool(r, "toWebp"); err != nil {
		return up, err
	}
	if up.Optimize, err = formBool(r, "optimize"); err != nil {
		return up, err
	}
	if up.Expired, err = formBool(r, "expired"); err != nil {
		return up, err
	}
	if up.ExpirationDate, err = formTime(r, "expiration_date"); err != nil {
		return up, err
	}
	if up.Data, err = readPart(fh); err != nil {
		return up, err
	}
	if up.Mimetype == "application/octet-stream" {
		up.Mimetype = ""
	}
	return up, nil
}

// Create обрабатывает загрузку одного файла (поле file).
func (h *AssetHandler) Create(w http.ResponseWriter, r *http.Request) {
	if err := h.parseForm(w, r); err != nil {
		writeError(w, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["file"]
	if len(files) != 1 {
		writeError(w, &domain.FieldError{Field: "file", Reason: "exactly one file is required"})
		return
	}
	up, err := uploadFromForm(r, files[0])
	if err != nil {
		writeError(w, err)
		return
	}

	a, err := h.assets.Create(r.Context(), up)
	if err != nil {
		h.log.Warn("create failed", "filename", up.Filename, "client", ClientFromContext(r.Context()), "error", err)
		writeError(w, err)
		return
	}
	writeItem(w, http.StatusCreated, a)
}

// CreateMany обрабатывает пакетную загрузку (поле files). Общие поля формы
// применяются ко всем файлам.
func (h *AssetHandler) CreateMany(w http.ResponseWriter, r *http.Request) {
	if err := h.parseForm(w, r); err != nil {
		writeError(w, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		writeError(w, &domain.FieldError{Field: "files", Reason: "no files uploaded"})
		return
	}

	var uploads []service.Upload
	var res domain.BatchResult
	for _, fh := range files {
		up, err := uploadFromForm(r, fh)
		if err != nil {
			item := domain.NewItemError("", "", err)
			item.Path = fh.Filename
			res.Failed = append(res.Failed, item)
			continue
		}
		uploads = append(uploads, up)
	}

	created := h.assets.CreateMany(r.Context(), uploads)
	res.Succeeded = created.Succeeded
	res.Failed = append(res.Failed, created.Failed...)
	writeBatch(w, http.StatusCreated, res)
}

// List отдаёт все записи, опционально в одном namespace.
func (h *AssetHandler) List(w http.ResponseWriter, r *http.Request) {
	assets, err := h.assets.List(r.Context(), r.URL.Query().Get("namespace"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeBatch(w, http.StatusOK, domain.BatchResult{Succeeded: assets})
}

func (h *AssetHandler) Get(w http.ResponseWriter, r *http.Request) {
	a, err := h.assets.Get(r.Context(), chi.URLParam(r, "uuid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeItem(w, http.StatusOK, a)
}

// Update принимает multipart-форму: file необязателен, без него меняются
// только метаданные.
func (h *AssetHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uuid")
	if err := h.parseForm(w, r); err != nil {
		writeError(w, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	req := service.UpdateRequest{
		ExternalID:  formString(r, "external_id"),
		Information: formString(r, "information"),
	}
	var err error
	if req.ExpirationDate, err = formTime(r, "expiration_date"); err != nil {
		writeError(w, err)
		return
	}
	if v, ok := r.MultipartForm.Value["expiration_date"]; ok && len(v) > 0 && v[0] == "" {
		req.ClearExpiration = true
	}
	if _, ok := r.MultipartForm.Value["expired"]; ok {
		expired, err := formBool(r, "expired")
		if err != nil {
			writeError(w, err)
			return
		}
		req.Expired = &expired
	}

	if files := r.MultipartForm.File["file"]; len(files) > 0 {
		up, err := uploadFromForm(r, files[0])
		if err != nil {
			writeError(w, err)
			return
		}
		req.Content = &up
	}

	a, err := h.assets.Update(r.Context(), id, req)
	if err != nil {
		h.log.Warn("update failed", "uuid", id, "error", err)
		writeError(w, err)
		return
	}
	writeItem(w, http.StatusOK, a)
}

// Delete удаляет запись. Если blob удалить не удалось, ответ всё равно 200,
// а ошибка очистки возвращается в поле error.
func (h *AssetHandler) Delete(w http.ResponseWriter, r *http.Request) {
	res, err := h.assets.Delete(r.Context(), chi.URLParam(r, "uuid"))
	if err != nil {
		writeError(w, err)
		return
	}
	resp := domain.ItemResponse[domain.Asset]{Datum: res.Asset}
	if res.CleanupErr != nil {
		msg := res.CleanupErr.Error()
		resp.Error = &msg
	}
	writeJSON(w, http.StatusOK, resp)
}

// DeleteMany принимает {"uuids": [...]}.
func (h *AssetHandler) DeleteMany(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UUIDs []string `json:"uuids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.Validationf("invalid request body: %v", err))
		return
	}
	if len(req.UUIDs) == 0 {
		writeError(w, &domain.FieldError{Field: "uuids", Reason: "is required"})
		return
	}
	writeBatch(w, http.StatusOK, h.assets.DeleteMany(r.Context(), req.UUIDs))
}

// Content отдаёт байты ассета по uuid.
func (h *AssetHandler) Content(w http.ResponseWriter, r *http.Request) {
	req, err := serveRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	req.UUID = chi.URLParam(r, "uuid")
	h.serve(w, r, req)
}

// Public отдаёт байты по пути /files/{namespace}/..., без авторизации.
func (h *AssetHandler) Public(w http.ResponseWriter, r *http.Request) {
	req, err := serveRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rest := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	req.UniqueName = domain.BuildUniqueName(chi.URLParam(r, "namespace"), "", rest, "")
	h.serve(w, r, req)
}

func (h *AssetHandler) serve(w http.ResponseWriter, r *http.Request, req service.ServeRequest) {
	c, err := h.assets.Serve(r.Context(), req)
	if errors.Is(err, domain.ErrExpired) && h.placeholder != nil {
		w.Header().Set("X-Asset-Expired", "true")
		writeBytes(w, http.DetectContentType(h.placeholder), h.placeholder)
		return
	}
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			h.log.Error("serve failed", "uuid", req.UUID, "unique_name", req.UniqueName, "error", err)
		}
		writeError(w, err)
		return
	}
	w.Header().Set("ETag", strconv.Quote(c.Asset.Signature))
	w.Header().Set("X-Asset-Version", strconv.Itoa(c.Asset.Version))
	writeBytes(w, c.Mimetype, c.Data)
}

func writeBytes(w http.ResponseWriter, mimetype string, data []byte) {
	w.Header().Set("Content-Type", mimetype)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// serveRequest разбирает version и параметры рендера из query.
func serveRequest(r *http.Request) (service.ServeRequest, error) {
	q := r.URL.Query()
	var req service.ServeRequest

	if v := q.Get("version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return req, &domain.FieldError{Field: "version", Reason: "must be an integer"}
		}
		req.Version = &n
	}
	if f := q.Get("format"); f != "" {
		format, ok := transcode.ParseFormat(f)
		if !ok {
			return req, fmt.Errorf("%w: format %s", domain.ErrUnsupported, f)
		}
		req.Rendition.Format = format
	}
	for _, p := range []struct {
		key string
		dst *int
	}{
		{"width", &req.Rendition.Width},
		{"height", &req.Rendition.Height},
		{"quality", &req.Rendition.Quality},
	} {
		v := q.Get(p.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return req, &domain.FieldError{Field: p.key, Reason: "must be a positive integer"}
		}
		*p.dst = n
	}
	return req, nil
}
