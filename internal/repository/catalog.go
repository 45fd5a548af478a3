package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"assetvault/internal/domain"
)

// Catalog: хранилище метаданных ассетов. О байтах файлов ничего не знает.
//
// Validate только предварительная проверка: две параллельные вставки с
// одинаковым unique_name могут обе её пройти. Add каждой реализации закрепляет
// уникальность uuid и unique_name средствами хранилища, проигравшая вставка
// получает ErrConflict.
type Catalog interface {
	GetAll(ctx context.Context) ([]*domain.Asset, error)
	GetByUUID(ctx context.Context, uuid string) (*domain.Asset, error)
	GetByUniqueName(ctx context.Context, uniqueName string) (*domain.Asset, error)
	Validate(ctx context.Context, asset *domain.Asset) error
	Add(ctx context.Context, asset *domain.Asset) (*domain.Asset, error)
	AddMany(ctx context.Context, assets []*domain.Asset) domain.BatchResult
	Update(ctx context.Context, uuid string, patch *domain.AssetPatch) (*domain.Asset, error)
	Delete(ctx context.Context, uuid string) (*domain.Asset, error)
	DeleteAll(ctx context.Context) error
	Count(ctx context.Context) (int, error)
	// CreateDump возвращает непрозрачный снимок хранилища.
	CreateDump(ctx context.Context) (*domain.DumpHandle, error)
	// RestoreDump применяет непрозрачный снимок. immediate=false означает,
	// что снимок вступит в силу только после перезапуска хранилища.
	RestoreDump(ctx context.Context, data []byte) (immediate bool, err error)
	Close() error
}

// lookup: минимальный набор чтений для проверки уникальности.
type lookup interface {
	GetByUUID(ctx context.Context, uuid string) (*domain.Asset, error)
	GetByUniqueName(ctx context.Context, uniqueName string) (*domain.Asset, error)
}

// validateRequired проверяет обязательные поля записи.
func validateRequired(a *domain.Asset) error {
	if a == nil {
		return domain.Validationf("record is required")
	}
	switch {
	case a.UUID == "":
		return &domain.FieldError{Field: "uuid", Reason: "is required"}
	case a.Filename == "":
		return &domain.FieldError{Field: "filename", Reason: "is required"}
	case a.Namespace == "":
		return &domain.FieldError{Field: "namespace", Reason: "is required"}
	case a.UniqueName == "":
		return &domain.FieldError{Field: "unique_name", Reason: "is required"}
	case a.Version < 1:
		return &domain.FieldError{Field: "version", Reason: "must be >= 1"}
	case a.Signature == "":
		return &domain.FieldError{Field: "signature", Reason: "is required"}
	case a.Size <= 0:
		return &domain.FieldError{Field: "size", Reason: "must be positive"}
	}
	return nil
}

// checkUnique проверяет оба инварианта уникальности: uuid и unique_name.
func checkUnique(ctx context.Context, lk lookup, a *domain.Asset) error {
	if _, err := lk.GetByUUID(ctx, a.UUID); err == nil {
		return fmt.Errorf("%w: uuid %s already exists", domain.ErrConflict, a.UUID)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if existing, err := lk.GetByUniqueName(ctx, a.UniqueName); err == nil {
		return fmt.Errorf("%w: unique_name %s already used by %s", domain.ErrConflict, a.UniqueName, existing.UUID)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return nil
}

// validate: полная проверка записи перед вставкой.
func validate(ctx context.Context, lk lookup, a *domain.Asset) error {
	if err := validateRequired(a); err != nil {
		return err
	}
	return checkUnique(ctx, lk, a)
}

// applyPatch применяет патч к копии записи и проверяет инвариант версии:
// версия может только вырасти ровно на единицу.
func applyPatch(current *domain.Asset, patch *domain.AssetPatch) (*domain.Asset, error) {
	next := current.Clone()
	if patch == nil {
		return next, nil
	}
	if patch.Version != nil && *patch.Version != current.Version && *patch.Version != current.Version+1 {
		return nil, &domain.FieldError{
			Field:  "version",
			Reason: fmt.Sprintf("must be %d or %d, got %d", current.Version, current.Version+1, *patch.Version),
		}
	}
	patch.Apply(next)
	return next, nil
}

// addEach вставляет записи по одной; неудача одной записи не влияет на остальные.
func addEach(ctx context.Context, c Catalog, assets []*domain.Asset) domain.BatchResult {
	var res domain.BatchResult
	for _, a := range assets {
		added, err := c.Add(ctx, a)
		if err != nil {
			uuid, name := "", ""
			if a != nil {
				uuid, name = a.UUID, a.UniqueName
			}
			res.Failed = append(res.Failed, domain.NewItemError(uuid, name, err))
			continue
		}
		res.Succeeded = append(res.Succeeded, added)
	}
	return res
}

func notFound(uuid string) error {
	return fmt.Errorf("%w: asset %s", domain.ErrNotFound, uuid)
}

func backendErr(op string, err error) error {
	return fmt.Errorf("%w: catalog %s: %v", domain.ErrBackend, op, err)
}

func sortAssets(assets []*domain.Asset) {
	sort.Slice(assets, func(i, j int) bool {
		return assets[i].UniqueName < assets[j].UniqueName
	})
}
