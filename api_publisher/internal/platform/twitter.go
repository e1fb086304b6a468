package platform

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"frameworks/api_publisher/internal/failure"
	"frameworks/pkg/models"
)

// TwitterConfig configures the Twitter (X) adapter.
type TwitterConfig struct {
	APIBaseURL    string
	UploadBaseURL string
	ClientID      string
	ClientSecret  string
	HTTP          HTTPOptions
}

// Twitter publishes tweets through the v2 API with v1.1 media upload.
type Twitter struct {
	cfg TwitterConfig
	api *apiClient
	now func() time.Time
}

// NewTwitter creates the adapter.
func NewTwitter(cfg TwitterConfig) *Twitter {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "https://api.twitter.com"
	}
	if cfg.UploadBaseURL == "" {
		cfg.UploadBaseURL = "https://upload.twitter.com"
	}
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")
	cfg.UploadBaseURL = strings.TrimRight(cfg.UploadBaseURL, "/")
	return &Twitter{
		cfg: cfg,
		api: newAPIClient(models.PlatformTwitter, cfg.HTTP, twitterStatusHook),
		now: time.Now,
	}
}

// A 403 for a duplicate tweet is not an auth problem.
func twitterStatusHook(status int, body []byte) *failure.Error {
	if status == http.StatusForbidden && strings.Contains(strings.ToLower(string(body)), "duplicate") {
		return failure.Duplicate(models.PlatformTwitter, "duplicate content: %s", errorMessage(body))
	}
	return nil
}

func (t *Twitter) Platform() models.Platform { return models.PlatformTwitter }
func (t *Twitter) Rules() Rules              { return TwitterRules }

func (t *Twitter) Validate(post *models.Post) error {
	return TwitterRules.Check(models.PlatformTwitter, post)
}

func (t *Twitter) Publish(ctx context.Context, post *models.Post, account *models.SocialAccount) (string, error) {
	mediaIDs := make([]string, 0, len(post.MediaURLs))
	for _, u := range post.MediaURLs {
		id, err := t.uploadMedia(ctx, u, account.AccessToken)
		if err != nil {
			return "", err
		}
		mediaIDs = append(mediaIDs, id)
	}

	payload := map[string]any{"text": post.Content}
	if len(mediaIDs) > 0 {
		payload["media"] = map[string]any{"media_ids": mediaIDs}
	}
	body, err := jsonBody(payload)
	if err != nil {
		return "", failure.Validation(models.PlatformTwitter, "encode tweet: %v", err)
	}

	var out struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if _, err := t.api.do(ctx, request{
		method:      http.MethodPost,
		url:         t.cfg.APIBaseURL + "/2/tweets",
		token:       account.AccessToken,
		contentType: "application/json",
		body:        body,
	}, &out); err != nil {
		return "", err
	}
	if out.Data.ID == "" {
		return "", failure.Transient(models.PlatformTwitter, nil, "tweet created without an id")
	}
	return out.Data.ID, nil
}

func (t *Twitter) uploadMedia(ctx context.Context, mediaURL, token string) (string, error) {
	m, err := t.api.fetchMedia(ctx, mediaURL, TwitterRules)
	if err != nil {
		return "", err
	}

	category := "tweet_image"
	switch {
	case m.MIMEType == "image/gif":
		category = "tweet_gif"
	case strings.HasPrefix(m.MIMEType, "video/"):
		category = "tweet_video"
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("media_category", category); err != nil {
		return "", failure.Validation(models.PlatformTwitter, "build upload: %v", err)
	}
	part, err := mw.CreateFormFile("media", "upload")
	if err != nil {
		return "", failure.Validation(models.PlatformTwitter, "build upload: %v", err)
	}
	if _, err := part.Write(m.Data); err != nil {
		return "", failure.Validation(models.PlatformTwitter, "build upload: %v", err)
	}
	if err := mw.Close(); err != nil {
		return "", failure.Validation(models.PlatformTwitter, "build upload: %v", err)
	}
	raw := buf.Bytes()

	var out struct {
		MediaIDString string `json:"media_id_string"`
	}
	if _, err := t.api.do(ctx, request{
		method:      http.MethodPost,
		url:         t.cfg.UploadBaseURL + "/1.1/media/upload.json",
		token:       token,
		contentType: mw.FormDataContentType(),
		body:        func() (io.Reader, error) { return bytes.NewReader(raw), nil },
	}, &out); err != nil {
		return "", err
	}
	if out.MediaIDString == "" {
		return "", failure.Transient(models.PlatformTwitter, nil, "media upload returned no id")
	}
	return out.MediaIDString, nil
}

func (t *Twitter) RefreshAccessToken(ctx context.Context, account *models.SocialAccount) (Credentials, error) {
	if account.RefreshToken == "" {
		return Credentials{}, failure.Auth(models.PlatformTwitter, "no refresh token on account")
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {account.RefreshToken},
		"client_id":     {t.cfg.ClientID},
	}
	req := request{
		method:      http.MethodPost,
		url:         t.cfg.APIBaseURL + "/2/oauth2/token",
		contentType: "application/x-www-form-urlencoded",
		body:        formBody(form),
	}
	if t.cfg.ClientSecret != "" {
		req.basicUser, req.basicPass = t.cfg.ClientID, t.cfg.ClientSecret
	}

	var out tokenResponse
	if _, err := t.api.do(ctx, req, &out); err != nil {
		return Credentials{}, refreshFailure(models.PlatformTwitter, err)
	}
	creds, err := out.credentials(t.now(), account.RefreshToken)
	if err != nil {
		return Credentials{}, refreshFailure(models.PlatformTwitter, err)
	}
	return creds, nil
}
