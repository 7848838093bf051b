// Package keycloak はKeycloak管理REST APIのクライアントを提供する。
// ユーザーのセッション失効と有効/無効フラグの更新のみを扱う。
package keycloak

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// ErrUserNotFound はKeycloak上に対象ユーザーが存在しないことを示す。
var ErrUserNotFound = errors.New("keycloak user not found")

// maxErrorBody はエラーログに含めるレスポンスボディの最大長。
const maxErrorBody = 512

// Config はKeycloak管理APIへの接続設定。
type Config struct {
	BaseURL      string // 例: https://auth.example.com
	Realm        string
	ClientID     string // service accountを有効にした機密クライアント
	ClientSecret string
}

// TokenURL はクライアントクレデンシャルグラントのトークンエンドポイントを返す。
func (c Config) TokenURL() string {
	return fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token",
		strings.TrimRight(c.BaseURL, "/"), url.PathEscape(c.Realm))
}

// Client はKeycloak管理APIのクライアント。
// アクセストークンはoauth2のTokenSourceがキャッシュし、期限切れ前に再取得する。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	adminBase  string
}

// NewClient はクライアントクレデンシャルで認証するClientを生成する。
// baseはトークン取得と管理APIの両方で使用するHTTPクライアント。
func NewClient(ctx context.Context, cfg Config, base *http.Client, logger *slog.Logger) *Client {
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL(),
	}
	if base != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	}
	httpClient := cc.Client(ctx)
	if base != nil {
		httpClient.Timeout = base.Timeout
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		adminBase: fmt.Sprintf("%s/admin/realms/%s",
			strings.TrimRight(cfg.BaseURL, "/"), url.PathEscape(cfg.Realm)),
	}
}

// RevokeCredentials はユーザーの全セッションを失効させ、リフレッシュトークンを無効化する。
func (c *Client) RevokeCredentials(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodPost, c.userURL(userID)+"/logout", nil)
}

// SetEnabled はユーザーの有効フラグを更新する。falseの場合は新規ログインもできなくなる。
func (c *Client) SetEnabled(ctx context.Context, userID string, enabled bool) error {
	body := map[string]bool{"enabled": enabled}
	return c.do(ctx, http.MethodPut, c.userURL(userID), body)
}

func (c *Client) userURL(userID string) string {
	return c.adminBase + "/users/" + url.PathEscape(userID)
}

func (c *Client) do(ctx context.Context, method, reqURL string, payload any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("リクエストボディのエンコードに失敗しました: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("Keycloak管理APIの呼び出しに失敗しました",
			slog.String("method", method),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("keycloak %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("keycloak %s: %w", method, ErrUserNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Error("Keycloak管理APIがエラーステータスを返しました",
			slog.String("method", method),
			slog.Int("http_status", resp.StatusCode),
			slog.String("body", string(respBody)),
		)
		return fmt.Errorf("keycloak %s: status %d", method, resp.StatusCode)
	}
	return nil
}
