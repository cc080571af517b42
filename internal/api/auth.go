package api

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"robotlab/internal/principal"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
)

var (
	ErrUnauthorized         = errors.New("missing or invalid bearer token")
	ErrBridgeNotConfigured  = errors.New("bridge secret is not configured")
	ErrBridgeSecretMismatch = errors.New("invalid bridge secret")
)

const principalKey = "principal"

// TokenVerifier 校验 HS256 token，claims: sub, role
type TokenVerifier struct {
	secret []byte
}

func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret)}
}

func (v *TokenVerifier) Verify(tokenStr string) (principal.Principal, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return principal.Principal{}, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return principal.Principal{}, errors.New("invalid token")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return principal.Principal{}, errors.New("invalid sub claim")
	}
	roleClaim, _ := claims["role"].(string)
	role, err := principal.ParseRole(roleClaim)
	if err != nil {
		return principal.Principal{}, err
	}
	return principal.New(sub, role), nil
}

// Issue 签发 token，给运维脚本和测试用
func (v *TokenVerifier) Issue(p principal.Principal, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub":  p.UserID,
		"role": string(p.Role),
		"exp":  time.Now().Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// AuthMiddleware 认证后把 Principal 放进 gin context 和 request context
func AuthMiddleware(v *TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		tokenStr, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenStr == "" {
			abortWithError(c, http.StatusUnauthorized, ErrUnauthorized)
			return
		}

		p, err := v.Verify(tokenStr)
		if err != nil {
			abortWithErrorDetails(c, http.StatusUnauthorized, ErrUnauthorized, err.Error())
			return
		}

		c.Set(principalKey, p)
		c.Request = c.Request.WithContext(principal.WithContext(c.Request.Context(), p))
		c.Next()
	}
}

// BridgeSecretMiddleware 只允许携带共享密钥的视频桥调用
func BridgeSecretMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			abortWithError(c, http.StatusServiceUnavailable, ErrBridgeNotConfigured)
			return
		}
		got := c.GetHeader("X-Bridge-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			abortWithError(c, http.StatusUnauthorized, ErrBridgeSecretMismatch)
			return
		}
		c.Next()
	}
}

func currentPrincipal(c *gin.Context) principal.Principal {
	if v, ok := c.Get(principalKey); ok {
		if p, ok := v.(principal.Principal); ok {
			return p
		}
	}
	p, _ := principal.FromContext(c.Request.Context())
	return p
}
