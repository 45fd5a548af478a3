package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"strings"
	"time"
)

// Asset: запись каталога, описывающая один сохранённый медиафайл.
// Байты файла хранятся отдельно, в blob-хранилище, по ключу UniqueName.
type Asset struct {
	UUID             string     `json:"uuid" db:"uuid"`
	Filename         string     `json:"filename" db:"filename"`
	Namespace        string     `json:"namespace" db:"namespace"`
	UniqueName       string     `json:"unique_name" db:"unique_name"`
	ExpirationDate   *time.Time `json:"expiration_date" db:"expiration_date"`
	Expired          bool       `json:"expired" db:"expired"`
	ExternalID       *string    `json:"external_id" db:"external_id"`
	Version          int        `json:"version" db:"version"`
	PublicURL        string     `json:"public_url" db:"public_url"`
	OriginalFilename string     `json:"original_filename" db:"original_filename"`
	BaseURL          string     `json:"base_url" db:"base_url"`
	BaseHost         string     `json:"base_host" db:"base_host"`
	Information      *string    `json:"information" db:"information"`
	Destination      *string    `json:"destination" db:"destination"`
	OriginalMimetype string     `json:"original_mimetype" db:"original_mimetype"`
	Mimetype         string     `json:"mimetype" db:"mimetype"`
	Signature        string     `json:"signature" db:"signature"`
	Size             int64      `json:"size" db:"size"`
}

// IsExpired сообщает, истёк ли срок жизни записи на момент now.
// Флаг expired и дата равноправны: достаточно любого из них.
func (a *Asset) IsExpired(now time.Time) bool {
	if a.Expired {
		return true
	}
	return a.ExpirationDate != nil && !a.ExpirationDate.After(now)
}

// Clone возвращает глубокую копию записи.
func (a *Asset) Clone() *Asset {
	if a == nil {
		return nil
	}
	c := *a
	if a.ExpirationDate != nil {
		t := *a.ExpirationDate
		c.ExpirationDate = &t
	}
	c.ExternalID = cloneString(a.ExternalID)
	c.Information = cloneString(a.Information)
	c.Destination = cloneString(a.Destination)
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// AssetPatch: частичное обновление записи каталога. nil-поля не меняются.
type AssetPatch struct {
	Filename         *string
	OriginalFilename *string
	ExpirationDate   *time.Time
	ClearExpiration  bool
	Expired          *bool
	ExternalID       *string
	Information      *string
	PublicURL        *string
	OriginalMimetype *string
	Mimetype         *string
	Signature        *string
	Size             *int64
	Version          *int
}

// Apply переносит заданные поля патча в запись.
func (p *AssetPatch) Apply(a *Asset) {
	if p == nil {
		return
	}
	if p.Filename != nil {
		a.Filename = *p.Filename
	}
	if p.OriginalFilename != nil {
		a.OriginalFilename = *p.OriginalFilename
	}
	if p.ClearExpiration {
		a.ExpirationDate = nil
	}
	if p.ExpirationDate != nil {
		t := *p.ExpirationDate
		a.ExpirationDate = &t
	}
	if p.Expired != nil {
		a.Expired = *p.Expired
	}
	if p.ExternalID != nil {
		a.ExternalID = cloneString(p.ExternalID)
	}
	if p.Information != nil {
		a.Information = cloneString(p.Information)
	}
	if p.PublicURL != nil {
		a.PublicURL = *p.PublicURL
	}
	if p.OriginalMimetype != nil {
		a.OriginalMimetype = *p.OriginalMimetype
	}
	if p.Mimetype != nil {
		a.Mimetype = *p.Mimetype
	}
	if p.Signature != nil {
		a.Signature = *p.Signature
	}
	if p.Size != nil {
		a.Size = *p.Size
	}
	if p.Version != nil {
		a.Version = *p.Version
	}
}

// Signature вычисляет SHA-256 содержимого в hex.
func Signature(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// BuildUniqueName формирует путь хранения /{namespace}/{destination?}/{basename}.{ext}.
func BuildUniqueName(namespace, destination, basename, ext string) string {
	parts := []string{"/", namespace}
	if d := strings.Trim(destination, "/ "); d != "" {
		parts = append(parts, d)
	}
	name := basename
	if ext != "" {
		name = basename + "." + strings.TrimPrefix(ext, ".")
	}
	parts = append(parts, name)
	return path.Join(parts...)
}

// SplitFilename отделяет расширение от имени файла: "a.b.png" -> ("a.b", "png").
func SplitFilename(filename string) (string, string) {
	base := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	ext := path.Ext(base)
	return strings.TrimSuffix(base, ext), strings.TrimPrefix(strings.ToLower(ext), ".")
}

// SanitizeBasename оставляет в имени только безопасные для пути символы.
func SanitizeBasename(name string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "file"
	}
	return out
}
