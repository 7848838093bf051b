// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/stockwatch/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	// userIDContextKey はリクエストコンテキストにユーザーIDを格納するためのキー。
	userIDContextKey = contextKey("user_id")
	// emailContextKey は検証済みトークンのメールアドレスを格納するためのキー。
	emailContextKey = contextKey("email")
)

// Claims は呼び出し元IDトークンのクレーム。subjectをユーザーIDとして扱う。
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// TokenVerifier はBearerトークンを検証してクレームを返す。
type TokenVerifier interface {
	Verify(tokenString string) (*Claims, error)
}

// JWTVerifier はgolang-jwtによるTokenVerifierの実装。
// HS256共有シークレットまたはJWKSのいずれかで署名を検証する。
type JWTVerifier struct {
	keyfunc jwt.Keyfunc
	opts    []jwt.ParserOption
	jwks    *keyfunc.JWKS
}

var _ TokenVerifier = (*JWTVerifier)(nil)

// VerifierOption はJWTVerifierの追加検証を設定する。
type VerifierOption func(*JWTVerifier)

// WithIssuer はissクレームが一致することを要求する。空文字列の場合は検証しない。
func WithIssuer(issuer string) VerifierOption {
	return func(v *JWTVerifier) {
		if issuer != "" {
			v.opts = append(v.opts, jwt.WithIssuer(issuer))
		}
	}
}

// WithAudience はaudクレームに指定値が含まれることを要求する。空文字列の場合は検証しない。
func WithAudience(audience string) VerifierOption {
	return func(v *JWTVerifier) {
		if audience != "" {
			v.opts = append(v.opts, jwt.WithAudience(audience))
		}
	}
}

// NewHMACVerifier はHS256共有シークレットで検証するJWTVerifierを生成する。
func NewHMACVerifier(secret string, options ...VerifierOption) *JWTVerifier {
	v := &JWTVerifier{
		keyfunc: func(_ *jwt.Token) (any, error) {
			return []byte(secret), nil
		},
		opts: []jwt.ParserOption{
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		},
	}
	for _, opt := range options {
		opt(v)
	}
	return v
}

// NewJWKSVerifier はJWKSエンドポイントの公開鍵で検証するJWTVerifierを生成する。
// 鍵はバックグラウンドで定期的に更新される。Closeで更新を停止する。
func NewJWKSVerifier(ctx context.Context, jwksURL string, logger *slog.Logger, options ...VerifierOption) (*JWTVerifier, error) {
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		Ctx:               ctx,
		RefreshInterval:   5 * time.Minute,
		RefreshRateLimit:  time.Minute,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			logger.Error("failed to refresh JWKS", slog.String("error", err.Error()))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", jwksURL, err)
	}
	v := &JWTVerifier{
		keyfunc: jwks.Keyfunc,
		opts:    []jwt.ParserOption{jwt.WithExpirationRequired()},
		jwks:    jwks,
	}
	for _, opt := range options {
		opt(v)
	}
	return v, nil
}

// Verify はトークンを検証する。subjectが空のトークンは無効とする。
func (v *JWTVerifier) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.keyfunc, v.opts...)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("token is not valid")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// Close はJWKSのバックグラウンド更新を停止する。
func (v *JWTVerifier) Close() {
	if v.jwks != nil {
		v.jwks.EndBackground()
	}
}

// NewAuthMiddleware はAuthorizationヘッダーのBearerトークンを検証し、
// 呼び出し元のユーザーIDとメールアドレスをリクエストコンテキストに注入するミドルウェアを返す。
// トークンが無い、または無効な場合は401 UNAUTHENTICATEDを返す。
func NewAuthMiddleware(verifier TokenVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !found || tokenString == "" {
				WriteAPIError(w, model.NewUnauthenticatedError())
				return
			}

			claims, err := verifier.Verify(tokenString)
			if err != nil {
				slog.Warn("rejected bearer token",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				WriteAPIError(w, model.NewUnauthenticatedError())
				return
			}

			ctx := ContextWithUserID(r.Context(), claims.Subject)
			ctx = context.WithValue(ctx, emailContextKey, claims.Email)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// EmailFromContext は検証済みトークンのメールアドレスを返す。クレームが無い場合は空文字列。
func EmailFromContext(ctx context.Context) string {
	email, _ := ctx.Value(emailContextKey).(string)
	return email
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}
