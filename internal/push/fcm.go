// Package push はFirebase Cloud Messaging HTTP v1 APIによるプッシュ通知送信を提供する。
package push

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
	"os"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"
)

// ErrTokenNotRegistered は配信トークンが恒久的に無効であることを示す。
// 呼び出し元はトークンを破棄してよい。
var ErrTokenNotRegistered = errors.New("push token not registered")

const (
	// DefaultEndpoint はFCM APIのベースURL。
	DefaultEndpoint = "https://fcm.googleapis.com"
	// MessagingScope はFCM送信に必要なOAuth2スコープ。
	MessagingScope = "https://www.googleapis.com/auth/firebase.messaging"

	errorCodeUnregistered = "UNREGISTERED"
	maxResponseBody       = 64 << 10
)

// Message は単一端末向けのプッシュ通知。
type Message struct {
	Token string
	Title string
	Body  string
	Data  map[string]string
}

// Options はFCMClientの設定。
type Options struct {
	ProjectID     string
	Endpoint      string  // 空の場合はDefaultEndpoint
	RatePerSecond float64 // 0以下の場合は無制限
}

// FCMClient はFCM HTTP v1 APIのクライアント。
// httpClientはOAuth2のアクセストークンを付与するクライアントを渡す。
type FCMClient struct {
	httpClient *http.Client
	sendURL    string
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewFCMClient はFCMClientを生成する。
func NewFCMClient(httpClient *http.Client, opts Options, logger *slog.Logger) *FCMClient {
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	limit := rate.Inf
	burst := 1
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
		burst = int(opts.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &FCMClient{
		httpClient: httpClient,
		sendURL: fmt.Sprintf("%s/v1/projects/%s/messages:send",
			strings.TrimRight(endpoint, "/"), url.PathEscape(opts.ProjectID)),
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

// NewCredentialsHTTPClient はサービスアカウントの認証情報でトークンを付与するHTTPクライアントを返す。
// credentialsFileが空の場合はApplication Default Credentialsを使用する。
func NewCredentialsHTTPClient(ctx context.Context, credentialsFile string, base *http.Client) (*http.Client, error) {
	if base != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	}

	var creds *google.Credentials
	if credentialsFile != "" {
		data, err := os.ReadFile(credentialsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read FCM credentials: %w", err)
		}
		creds, err = google.CredentialsFromJSON(ctx, data, MessagingScope)
		if err != nil {
			return nil, fmt.Errorf("failed to parse FCM credentials: %w", err)
		}
	} else {
		var err error
		creds, err = google.FindDefaultCredentials(ctx, MessagingScope)
		if err != nil {
			return nil, fmt.Errorf("failed to find default credentials: %w", err)
		}
	}

	client := oauth2.NewClient(ctx, creds.TokenSource)
	if base != nil {
		client.Timeout = base.Timeout
	}
	return client, nil
}

type sendRequest struct {
	Message wireMessage `json:"message"`
}

type wireMessage struct {
	Token        string            `json:"token"`
	Notification wireNotification  `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type wireNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type sendResponse struct {
	Name string `json:"name"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type      string `json:"@type"`
			ErrorCode string `json:"errorCode"`
		} `json:"details"`
	} `json:"error"`
}

// Send はメッセージを送信し、FCMが割り当てたメッセージ名を返す。
// トークンが登録解除されている場合はErrTokenNotRegisteredをラップして返す。
func (c *FCMClient) Send(ctx context.Context, msg Message) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("push rate limiter: %w", err)
	}

	payload, err := json.Marshal(sendRequest{Message: wireMessage{
		Token:        msg.Token,
		Notification: wireNotification{Title: msg.Title, Body: msg.Body},
		Data:         msg.Data,
	}})
	if err != nil {
		return "", fmt.Errorf("failed to encode push message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.sendURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("push request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return "", fmt.Errorf("failed to read push response: %w", err)
	}

	if resp.StatusCode == http.StatusOK {
		var ok sendResponse
		if err := json.Unmarshal(body, &ok); err != nil {
			return "", fmt.Errorf("failed to decode push response: %w", err)
		}
		return ok.Name, nil
	}

	var errResp errorResponse
	if err := json.Unmarshal(body, &errResp); err != nil {
		return "", fmt.Errorf("push failed with status %d", resp.StatusCode)
	}
	for _, d := range errResp.Error.Details {
		if d.ErrorCode == errorCodeUnregistered {
			return "", fmt.Errorf("%w: %s", ErrTokenNotRegistered, errResp.Error.Message)
		}
	}
	c.logger.Debug("FCMがエラーを返しました",
		slog.Int("http_status", resp.StatusCode),
		slog.String("status", errResp.Error.Status),
	)
	return "", fmt.Errorf("push failed with status %d (%s): %s",
		resp.StatusCode, errResp.Error.Status, errResp.Error.Message)
}
