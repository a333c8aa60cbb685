package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"taskpulse/internal/notification"
	logx "taskpulse/pkg/logx"
)

const DefaultPath = "/api/auth/internal/{id}"

type HTTPConfig struct {
	BaseURL string
	// Path is appended to BaseURL with {id} replaced by the owner id.
	Path    string
	Token   string
	Timeout time.Duration
}

// HTTPDirectory queries the user service over HTTP.
type HTTPDirectory struct {
	cfg    HTTPConfig
	client *http.Client
	log    logx.Logger
}

type userDTO struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	Email          string `json:"email"`
	TelegramChatID *int64 `json:"telegramChatId"`
}

func NewHTTP(cfg HTTPConfig, log logx.Logger) (*HTTPDirectory, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("users base url is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &HTTPDirectory{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log.With(logx.Component("users")),
	}, nil
}

func (d *HTTPDirectory) url(ownerID int64) string {
	return d.cfg.BaseURL + strings.ReplaceAll(d.cfg.Path, "{id}", strconv.FormatInt(ownerID, 10))
}

func (d *HTTPDirectory) GetUser(ctx context.Context, ownerID int64) (notification.Contact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url(ownerID), nil)
	if err != nil {
		return notification.Contact{}, err
	}
	req.Header.Set("Accept", "application/json")
	if d.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+d.cfg.Token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return notification.Contact{}, fmt.Errorf("get user %d: %w", ownerID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return notification.Contact{}, fmt.Errorf("user %d: %w", ownerID, ErrUserNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return notification.Contact{}, fmt.Errorf("get user %d: status %d: %s", ownerID, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var dto userDTO
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&dto); err != nil {
		return notification.Contact{}, fmt.Errorf("decode user %d: %w", ownerID, err)
	}
	d.log.Debug("user resolved", logx.Int64("user_id", ownerID))
	return notification.Contact{Name: dto.Name, Email: dto.Email, TelegramChatID: dto.TelegramChatID}, nil
}
