package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/dripfin/dripfin-realtime/config"
	"github.com/dripfin/dripfin-realtime/pkg/logger"
)

const (
	cacheKey = "access_token"
	// 提前让缓存过期，避免把临期令牌当成有效令牌用
	expiryMargin = 30 * time.Second
)

// Provider 基于 HTTP 令牌服务的提供方
// 有效令牌缓存在内存里，TTL 跟随服务端返回的 expires_in
type Provider struct {
	client     *http.Client
	tokenURL   string
	refreshURL string
	clientID   string
	cache      *cache.Cache
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// NewProvider 创建令牌提供方
func NewProvider(cfg config.Auth) *Provider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Provider{
		client:     &http.Client{Timeout: timeout},
		tokenURL:   cfg.TokenURL,
		refreshURL: cfg.RefreshURL,
		clientID:   cfg.ClientID,
		// 默认 TTL 不生效，每次 Set 都带自己的 TTL
		cache: cache.New(time.Minute, 5*time.Minute),
	}
}

// ValidToken 返回当前有效令牌，缓存未过期时不发请求
func (p *Provider) ValidToken(ctx context.Context) (string, error) {
	if v, ok := p.cache.Get(cacheKey); ok {
		return v.(string), nil
	}
	return p.fetch(ctx, p.tokenURL)
}

// RefreshToken 强制刷新并返回新令牌
func (p *Provider) RefreshToken(ctx context.Context) (string, error) {
	return p.fetch(ctx, p.refreshURL)
}

func (p *Provider) fetch(ctx context.Context, endpoint string) (string, error) {
	body, err := json.Marshal(map[string]string{"client_id": p.clientID})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}

	var tr tokenResponse
	if err = json.Unmarshal(data, &tr); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned empty token")
	}

	ttl := time.Duration(tr.ExpiresIn)*time.Second - expiryMargin
	if ttl > 0 {
		p.cache.Set(cacheKey, tr.AccessToken, ttl)
	}

	logger.Debug().Int64("expires_in", tr.ExpiresIn).Msg("token acquired")

	return tr.AccessToken, nil
}
