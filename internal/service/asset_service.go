package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"assetvault/internal/domain"
	"assetvault/internal/logger"
	"assetvault/internal/metrics"
	"assetvault/internal/repository"
	"assetvault/internal/storage"
	"assetvault/internal/transcode"
)

type Config struct {
	Namespaces       []string
	AllowedMimetypes []string
	MaxPayloadSize   int64
	BaseHost         string
	BaseURL          string
	VideoToMP4       bool
}

// Upload: содержимое и описание загружаемого файла. Поля уже прошли
// разбор запроса; бизнес-проверки делает сервис.
type Upload struct {
	Filename       string
	Mimetype       string
	Data           []byte
	Namespace      string
	Destination    string
	ToWebp         bool
	Optimize       bool
	ExternalID     *string
	Information    *string
	ExpirationDate *time.Time
	Expired        bool
}

// UpdateRequest: изменение записи. Content == nil означает обновление только
// метаданных, без изменения версии.
type UpdateRequest struct {
	Content *Upload

	ExternalID      *string
	Information     *string
	ExpirationDate  *time.Time
	ClearExpiration bool
	Expired         *bool
}

// DeleteResult: итог удаления. CleanupErr заполнен, если запись из каталога
// удалена, а blob удалить не удалось.
type DeleteResult struct {
	Asset      *domain.Asset
	CleanupErr error
}

// ServeRequest: запрос содержимого по uuid или unique_name.
type ServeRequest struct {
	UUID       string
	UniqueName string
	Version    *int
	Rendition  Rendition
}

// Content: отдаваемые байты.
type Content struct {
	Asset    *domain.Asset
	Data     []byte
	Mimetype string
}

// AssetService согласует каталог и blob-хранилище. Состояния между шагами
// не хранит: каждая операция это короткая цепочка шагов с компенсациями.
type AssetService struct {
	catalog   repository.Catalog
	blobs     storage.Backend
	optimizer *transcode.Optimizer
	video     *transcode.VideoTranscoder
	renderer  *Renderer
	slots     *semaphore.Weighted
	cfg       Config
	log       *logger.Logger
	now       func() time.Time
}

func NewAssetService(
	catalog repository.Catalog,
	blobs storage.Backend,
	optimizer *transcode.Optimizer,
	video *transcode.VideoTranscoder,
	renderer *Renderer,
	slots *semaphore.Weighted,
	cfg Config,
	log *logger.Logger,
) *AssetService {
	return &AssetService{
		catalog:   catalog,
		blobs:     blobs,
		optimizer: optimizer,
		video:     video,
		renderer:  renderer,
		slots:     slots,
		cfg:       cfg,
		log:       log.With("component", "AssetService"),
		now:       time.Now,
	}
}

// NamespaceAllowed сообщает, входит ли namespace в разрешённый список.
func (s *AssetService) NamespaceAllowed(ns string) bool {
	return slices.Contains(s.cfg.Namespaces, ns)
}

func (s *AssetService) checkContent(up *Upload) error {
	if len(up.Data) == 0 {
		return &domain.FieldError{Field: "file", Reason: "is empty"}
	}
	if s.cfg.MaxPayloadSize > 0 && int64(len(up.Data)) > s.cfg.MaxPayloadSize {
		return &domain.FieldError{Field: "file", Reason: fmt.Sprintf("exceeds %d bytes", s.cfg.MaxPayloadSize)}
	}
	if up.Mimetype == "" {
		up.Mimetype = http.DetectContentType(up.Data)
	}
	up.Mimetype = strings.ToLower(strings.TrimSpace(strings.SplitN(up.Mimetype, ";", 2)[0]))
	if len(s.cfg.AllowedMimetypes) > 0 && !slices.Contains(s.cfg.AllowedMimetypes, up.Mimetype) {
		return &domain.FieldError{Field: "mimetype", Reason: fmt.Sprintf("%s is not allowed", up.Mimetype)}
	}
	return nil
}

// prepared: содержимое после перекодирования.
type prepared struct {
	data     []byte
	mimetype string
	ext      string
}

// prepare перекодирует содержимое, если это запрошено и применимо.
func (s *AssetService) prepare(ctx context.Context, up *Upload) (*prepared, error) {
	_, ext := domain.SplitFilename(up.Filename)
	out := &prepared{data: up.Data, mimetype: up.Mimetype, ext: ext}

	src, isImage := transcode.FormatFromMimetype(up.Mimetype)
	wantWebp := up.ToWebp && (src == transcode.FormatPNG || src == transcode.FormatJPEG)
	if wantWebp && s.optimizer != nil && !transcode.CanEncode(s.optimizer.Encoder(), transcode.FormatWEBP) {
		s.log.Warn("encoder cannot write webp, keeping source format", "filename", up.Filename, "format", src)
		wantWebp = false
	}

	switch {
	case isImage && (wantWebp || up.Optimize) && s.optimizer != nil:
		target := src
		if wantWebp {
			target = transcode.FormatWEBP
		}
		if err := s.slots.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		res, err := s.optimizer.Optimize(ctx, up.Data, transcode.Options{Format: target})
		s.slots.Release(1)
		if err != nil {
			return nil, err
		}
		metrics.OptimizerAttempts.Observe(float64(len(res.Attempts)))
		if !res.TargetAchieved {
			metrics.OptimizerMissed.Inc()
			s.log.Warn("optimizer did not reach target size", "filename", up.Filename, "size", len(res.Data))
		}
		out.data, out.mimetype, out.ext = res.Data, target.Mimetype(), target.Ext()

	case s.cfg.VideoToMP4 && s.video != nil && transcode.NeedsTranscode(up.Mimetype):
		data, err := s.video.ToMP4(ctx, up.Data, ext)
		if err != nil {
			return nil, fmt.Errorf("%w: video transcode: %v", domain.ErrBackend, err)
		}
		out.data, out.mimetype, out.ext = data, "video/mp4", "mp4"
	}
	return out, nil
}

// sanitizeDestination оставляет в пути назначения только безопасные сегменты.
func sanitizeDestination(dest string) string {
	var parts []string
	for _, seg := range strings.Split(strings.ReplaceAll(dest, "\\", "/"), "/") {
		seg = strings.TrimSpace(seg)
		if seg == "" || seg == "." || seg == ".." {
			continue
		}
		parts = append(parts, domain.SanitizeBasename(seg))
	}
	return strings.Join(parts, "/")
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *AssetService) buildRecord(up *Upload, p *prepared) *domain.Asset {
	base, _ := domain.SplitFilename(up.Filename)
	base = domain.SanitizeBasename(base)
	dest := sanitizeDestination(up.Destination)
	uniqueName := domain.BuildUniqueName(up.Namespace, dest, base, p.ext)

	filename := base
	if p.ext != "" {
		filename = base + "." + p.ext
	}
	return &domain.Asset{
		UUID:             uuid.NewString(),
		Filename:         filename,
		Namespace:        up.Namespace,
		UniqueName:       uniqueName,
		ExpirationDate:   up.ExpirationDate,
		Expired:          up.Expired,
		ExternalID:       up.ExternalID,
		Version:          1,
		PublicURL:        s.cfg.BaseURL + uniqueName,
		OriginalFilename: up.Filename,
		BaseURL:          s.cfg.BaseURL,
		BaseHost:         s.cfg.BaseHost,
		Information:      up.Information,
		Destination:      optString(dest),
		OriginalMimetype: up.Mimetype,
		Mimetype:         p.mimetype,
		Signature:        domain.Signature(p.data),
		Size:             int64(len(p.data)),
	}
}

func blobMeta(a *domain.Asset) storage.Metadata {
	return storage.Metadata{ContentType: a.Mimetype, Signature: a.Signature, Version: a.Version}
}

// Create: перекодирование, подпись, запись blob, вставка в каталог.
// Если вставка не удалась, только что записанный blob удаляется.
func (s *AssetService) Create(ctx context.Context, up Upload) (*domain.Asset, error) {
	if up.Filename == "" {
		return nil, &domain.FieldError{Field: "filename", Reason: "is required"}
	}
	if !s.NamespaceAllowed(up.Namespace) {
		return nil, &domain.FieldError{Field: "namespace", Reason: fmt.Sprintf("%q is not allowed", up.Namespace)}
	}
	if err := s.checkContent(&up); err != nil {
		return nil, err
	}

	p, err := s.prepare(ctx, &up)
	if err != nil {
		return nil, err
	}
	record := s.buildRecord(&up, p)

	// обычные дубликаты отсекаются до записи blob
	if err := s.catalog.Validate(ctx, record); err != nil {
		return nil, err
	}

	if err := s.blobs.Put(ctx, record.UniqueName, p.data, blobMeta(record)); err != nil {
		s.log.Error("blob write failed, catalog untouched", "unique_name", record.UniqueName, "error", err)
		return nil, wrapBackend(err)
	}

	added, err := s.catalog.Add(ctx, record)
	if err != nil {
		s.compensateCreate(ctx, record, err)
		return nil, err
	}

	s.renderer.Purge(added.UUID)
	s.log.Info("asset created", "uuid", added.UUID, "unique_name", added.UniqueName, "size", added.Size)
	return added, nil
}

func (s *AssetService) compensateCreate(ctx context.Context, record *domain.Asset, cause error) {
	if errors.Is(cause, domain.ErrConflict) {
		// параллельная вставка с тем же путём: blob уже принадлежит победителю.
		// Если последним Put записал проигравший, в хранилище лежат его байты,
		// и Serve победившей записи вернёт ErrIntegrity по несовпадению подписи.
		metrics.SagaCompensations.WithLabelValues("create", "skipped").Inc()
		s.log.Warn("catalog insert lost a race, blob left to the winner",
			"unique_name", record.UniqueName, "error", cause)
		return
	}
	if err := s.blobs.Delete(ctx, record.UniqueName); err != nil && !errors.Is(err, domain.ErrNotFound) {
		metrics.SagaCompensations.WithLabelValues("create", "failed").Inc()
		s.log.Error("compensation failed, blob leaked",
			"unique_name", record.UniqueName, "cause", cause, "error", err)
		return
	}
	metrics.SagaCompensations.WithLabelValues("create", "done").Inc()
	s.log.Warn("catalog insert failed, blob removed", "unique_name", record.UniqueName, "error", cause)
}

// CreateMany создаёт записи независимо: ошибка одной не мешает остальным.
func (s *AssetService) CreateMany(ctx context.Context, uploads []Upload) domain.BatchResult {
	var res domain.BatchResult
	for _, up := range uploads {
		a, err := s.Create(ctx, up)
		if err != nil {
			item := domain.NewItemError("", "", err)
			item.Path = up.Filename
			res.Failed = append(res.Failed, item)
			continue
		}
		res.Succeeded = append(res.Succeeded, a)
	}
	return res
}

// Update: при новом содержимом сначала перезаписывается blob по прежнему
// unique_name, затем патчится каталог с версией +1. Если патч после
// перезаписи не удался, расхождение только логируется.
func (s *AssetService) Update(ctx context.Context, id string, req UpdateRequest) (*domain.Asset, error) {
	current, err := s.catalog.GetByUUID(ctx, id)
	if err != nil {
		return nil, err
	}

	patch := &domain.AssetPatch{
		ExternalID:      req.ExternalID,
		Information:     req.Information,
		ExpirationDate:  req.ExpirationDate,
		ClearExpiration: req.ClearExpiration,
		Expired:         req.Expired,
	}

	if req.Content != nil {
		up := *req.Content
		if up.Filename == "" {
			up.Filename = current.OriginalFilename
		}
		if err := s.checkContent(&up); err != nil {
			return nil, err
		}
		p, err := s.prepare(ctx, &up)
		if err != nil {
			return nil, err
		}

		version := current.Version + 1
		sig := domain.Signature(p.data)
		size := int64(len(p.data))
		patch.Version = &version
		patch.Signature = &sig
		patch.Size = &size
		patch.Mimetype = &p.mimetype
		patch.OriginalMimetype = &up.Mimetype
		patch.OriginalFilename = &up.Filename

		meta := storage.Metadata{ContentType: p.mimetype, Signature: sig, Version: version}
		if err := s.blobs.Put(ctx, current.UniqueName, p.data, meta); err != nil {
			s.log.Error("blob overwrite failed, catalog untouched", "uuid", id, "error", err)
			return nil, wrapBackend(err)
		}
	}

	updated, err := s.catalog.Update(ctx, id, patch)
	if err != nil {
		if req.Content != nil {
			metrics.SagaCompensations.WithLabelValues("update", "unrepaired").Inc()
			s.log.Error("blob overwritten but catalog patch failed, record is stale",
				"uuid", id, "unique_name", current.UniqueName, "error", err)
			return nil, wrapBackend(err)
		}
		return nil, err
	}

	s.renderer.Purge(id)
	s.log.Info("asset updated", "uuid", id, "version", updated.Version, "content", req.Content != nil)
	return updated, nil
}

// Delete удаляет запись из каталога, затем blob. Отказ удаления blob
// не отменяет удаление записи: остаётся утечка, а не висячая запись.
func (s *AssetService) Delete(ctx context.Context, id string) (*DeleteResult, error) {
	deleted, err := s.catalog.Delete(ctx, id)
	if err != nil {
		return nil, err
	}
	s.renderer.Purge(id)

	res := &DeleteResult{Asset: deleted}
	if err := s.blobs.Delete(ctx, deleted.UniqueName); err != nil && !errors.Is(err, domain.ErrNotFound) {
		metrics.SagaCompensations.WithLabelValues("delete", "leaked").Inc()
		s.log.Error("catalog record removed but blob cleanup failed",
			"uuid", id, "unique_name", deleted.UniqueName, "error", err)
		res.CleanupErr = fmt.Errorf("blob cleanup failed: %w", err)
	}
	s.log.Info("asset deleted", "uuid", id, "unique_name", deleted.UniqueName)
	return res, nil
}

// DeleteMany удаляет записи независимо. Отказ очистки blob попадает в Failed,
// но запись при этом считается удалённой и есть в Succeeded.
func (s *AssetService) DeleteMany(ctx context.Context, ids []string) domain.BatchResult {
	var res domain.BatchResult
	for _, id := range ids {
		out, err := s.Delete(ctx, id)
		if err != nil {
			res.Failed = append(res.Failed, domain.NewItemError(id, "", err))
			continue
		}
		res.Succeeded = append(res.Succeeded, out.Asset)
		if out.CleanupErr != nil {
			item := domain.NewItemError(id, out.Asset.UniqueName, out.CleanupErr)
			item.Path = out.Asset.UniqueName
			res.Failed = append(res.Failed, item)
		}
	}
	return res
}

func (s *AssetService) Get(ctx context.Context, id string) (*domain.Asset, error) {
	return s.catalog.GetByUUID(ctx, id)
}

// List возвращает записи каталога; с пустым namespace все.
func (s *AssetService) List(ctx context.Context, namespace string) ([]*domain.Asset, error) {
	all, err := s.catalog.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	if namespace == "" {
		return all, nil
	}
	out := make([]*domain.Asset, 0, len(all))
	for _, a := range all {
		if a.Namespace == namespace {
			out = append(out, a)
		}
	}
	return out, nil
}

// Serve читает содержимое: проверка срока жизни, чтение blob, самовосстановление
// при пропавшем blob, сверка подписи и производное преобразование.
func (s *AssetService) Serve(ctx context.Context, req ServeRequest) (*Content, error) {
	var a *domain.Asset
	var err error
	if req.UUID != "" {
		a, err = s.catalog.GetByUUID(ctx, req.UUID)
	} else {
		a, err = s.catalog.GetByUniqueName(ctx, req.UniqueName)
	}
	if err != nil {
		return nil, err
	}
	if !s.NamespaceAllowed(a.Namespace) {
		return nil, fmt.Errorf("%w: namespace %s", domain.ErrNotFound, a.Namespace)
	}
	if req.Version != nil && (*req.Version < 1 || *req.Version > a.Version) {
		return nil, fmt.Errorf("%w: version %d of %s", domain.ErrNotFound, *req.Version, a.UUID)
	}
	if a.IsExpired(s.now()) {
		return &Content{Asset: a}, fmt.Errorf("%w: %s", domain.ErrExpired, a.UUID)
	}

	data, err := s.blobs.Get(ctx, a.UniqueName)
	if errors.Is(err, domain.ErrNotFound) {
		s.selfHeal(ctx, a)
		return nil, err
	}
	if err != nil {
		return nil, wrapBackend(err)
	}

	if req.Version == nil && domain.Signature(data) != a.Signature {
		metrics.IntegrityViolations.Inc()
		s.log.Error("signature mismatch", "uuid", a.UUID, "unique_name", a.UniqueName)
		return nil, fmt.Errorf("%w: signature mismatch for %s", domain.ErrIntegrity, a.UUID)
	}

	out := &Content{Asset: a, Data: data, Mimetype: a.Mimetype}
	if !req.Rendition.Empty() {
		rendered, mimetype, err := s.renderer.Render(ctx, a, data, req.Rendition)
		if err != nil {
			return nil, err
		}
		out.Data, out.Mimetype = rendered, mimetype
	}
	return out, nil
}

func (s *AssetService) selfHeal(ctx context.Context, a *domain.Asset) {
	if _, err := s.catalog.Delete(ctx, a.UUID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.log.Error("orphan record cleanup failed", "uuid", a.UUID, "error", err)
		return
	}
	s.renderer.Purge(a.UUID)
	metrics.SelfHeals.Inc()
	s.log.Warn("blob missing, orphan record removed", "uuid", a.UUID, "unique_name", a.UniqueName)
}

// wrapBackend гарантирует класс ErrBackend для ошибок хранилищ.
func wrapBackend(err error) error {
	if errors.Is(err, domain.ErrBackend) || errors.Is(err, domain.ErrValidation) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrBackend, err)
}
