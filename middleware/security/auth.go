package security

import (
	"net/http"
	"strings"

	"RandChat/global"
	"RandChat/tools/errs"

	"github.com/gin-gonic/gin"
)

// ---- context key ----
// 后续 handler 统一用这个 key 读取当前用户
const CtxUserIDKey = "userId"

// Verifier tools/security.Verifier
type Verifier interface {
	VerifyUser(token string) (string, error)
}

type Options struct {
	HeaderToken               string // 默认 "authorization"
	EnableAuthorizationBearer bool   // 默认 true
	// Verifier 为空时信任 DevHeader（本地开发）
	Verifier  Verifier
	DevHeader string // 默认 "X-User-Id"
}

func DefaultOptions(v Verifier) *Options {
	return &Options{
		HeaderToken:               "authorization",
		EnableAuthorizationBearer: true,
		Verifier:                  v,
		DevHeader:                 "X-User-Id",
	}
}

// UserID 中间件写入的用户 id
func UserID(c *gin.Context) string { return c.GetString(CtxUserIDKey) }

func Middleware(opts *Options) gin.HandlerFunc {
	if opts == nil {
		opts = DefaultOptions(nil)
	}
	return func(c *gin.Context) {
		if opts.Verifier == nil {
			uid := strings.TrimSpace(c.GetHeader(opts.DevHeader))
			if uid == "" {
				abort(c, errs.ErrTokenInvalid.WrapMsg("missing user header"))
				return
			}
			c.Set(CtxUserIDKey, uid)
			c.Next()
			return
		}

		token := strings.TrimSpace(c.GetHeader(opts.HeaderToken))
		// 兼容 Authorization: Bearer xxx
		if opts.EnableAuthorizationBearer && strings.HasPrefix(strings.ToLower(token), "bearer ") {
			token = strings.TrimSpace(token[len("bearer "):])
		}
		if token == "" {
			abort(c, errs.ErrTokenInvalid.WrapMsg("missing token"))
			return
		}
		uid, err := opts.Verifier.VerifyUser(token)
		if err != nil {
			abort(c, err)
			return
		}
		c.Set(CtxUserIDKey, uid)
		c.Next()
	}
}

func abort(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, global.Fail(errs.TokenInvalidError, err))
}
