package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"OpenRill/pkg/logger"
)

// AuthMode 表示鉴权模式。
type AuthMode string

const (
	// AuthDisabled 关闭鉴权，所有请求直接放行。
	AuthDisabled AuthMode = "disabled"
	// AuthStatic 校验静态 Bearer 密钥。
	AuthStatic AuthMode = "static"
)

// AuthConfig 描述 API 的鉴权方式。
type AuthConfig struct {
	Mode AuthMode
	Keys []string
}

// middleware 返回鉴权中间件。static 模式下缺失或不匹配的密钥一律拒绝，
// 拒绝会写入审计日志。
func (cfg AuthConfig) middleware(next http.Handler) http.Handler {
	if cfg.Mode == "" || cfg.Mode == AuthDisabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" || !cfg.matches(token) {
			status := http.StatusUnauthorized
			http.Error(w, http.StatusText(status), status)
			logger.Audit().Warn("access_denied",
				"path", r.URL.Path,
				"method", r.Method,
				"status", status,
			)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// matches 用常数时间比较逐个核对密钥。
func (cfg AuthConfig) matches(token string) bool {
	matched := false
	for _, key := range cfg.Keys {
		if len(key) != len(token) {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1 {
			matched = true
		}
	}
	return matched
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
