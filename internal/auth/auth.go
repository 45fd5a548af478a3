// Package auth: проверка статических bearer-токенов клиентов.
package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"assetvault/internal/domain"
)

// Verifier хранит разрешённые токены. Запись вида "name=token" даёт токену
// имя клиента, запись без "=" получает имя client-N.
type Verifier struct {
	clients []client
}

type client struct {
	name  string
	token []byte
}

func NewVerifier(tokens []string) *Verifier {
	v := &Verifier{}
	for i, t := range tokens {
		name, token, ok := strings.Cut(t, "=")
		if !ok {
			name, token = fmt.Sprintf("client-%d", i+1), t
		}
		if token = strings.TrimSpace(token); token == "" {
			continue
		}
		v.clients = append(v.clients, client{name: strings.TrimSpace(name), token: []byte(token)})
	}
	return v
}

// Enabled сообщает, настроен ли хотя бы один токен.
func (v *Verifier) Enabled() bool {
	return len(v.clients) > 0
}

// VerifyToken проверяет заголовок Authorization и возвращает имя клиента.
func (v *Verifier) VerifyToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("%w: no authorization header", domain.ErrUnauthorized)
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", fmt.Errorf("%w: bearer token expected", domain.ErrUnauthorized)
	}

	// сравниваем со всеми токенами, чтобы время ответа не зависело от позиции
	name := ""
	for _, c := range v.clients {
		if subtle.ConstantTimeCompare(c.token, []byte(token)) == 1 {
			name = c.name
		}
	}
	if name == "" {
		return "", fmt.Errorf("%w: unknown token", domain.ErrUnauthorized)
	}
	return name, nil
}
