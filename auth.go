package wsguard

import (
	"context"
	"crypto/subtle"
	"net/http"
)

// Authenticator 定义认证接口，返回 context、clientID 和 error
type Authenticator interface {
	Authenticate(r *http.Request) (context.Context, string, error)
}

type clientIDKey struct{}

// ClientIDFromContext 取出认证通过的 clientID
func ClientIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(clientIDKey{}).(string)
	return id, ok && id != ""
}

// SecretIDAuth 基于 id + secret 的简单认证
// 从 Header 读取 (X-Client-ID, X-Client-Secret)，若不存在则回退到查询参数 (?id=&secret=)
type SecretIDAuth struct {
	Secret       string
	IDHeader     string // 默认 X-Client-ID
	SecretHeader string // 默认 X-Client-Secret
}

// Authenticate 校验 secret，返回携带 clientID 的请求 context
func (a *SecretIDAuth) Authenticate(r *http.Request) (context.Context, string, error) {
	if a == nil || a.Secret == "" {
		return nil, "", ErrUnauthorized
	}
	id, secret := a.credentials(r)
	if id == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(a.Secret)) != 1 {
		return nil, "", ErrUnauthorized
	}
	return context.WithValue(r.Context(), clientIDKey{}, id), id, nil
}

func (a *SecretIDAuth) credentials(r *http.Request) (id, secret string) {
	idHeader := a.IDHeader
	if idHeader == "" {
		idHeader = headerClientID
	}
	secretHeader := a.SecretHeader
	if secretHeader == "" {
		secretHeader = headerClientSecret
	}

	id = r.Header.Get(idHeader)
	secret = r.Header.Get(secretHeader)
	if id != "" && secret != "" {
		return id, secret
	}
	q := r.URL.Query()
	if id == "" {
		id = q.Get("id")
	}
	if secret == "" {
		secret = q.Get("secret")
	}
	return id, secret
}
