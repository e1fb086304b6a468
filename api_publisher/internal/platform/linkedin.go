package platform

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"frameworks/api_publisher/internal/failure"
	"frameworks/pkg/models"
)

// LinkedInConfig configures the LinkedIn adapter.
type LinkedInConfig struct {
	APIBaseURL   string
	TokenURL     string
	ClientID     string
	ClientSecret string
	HTTP         HTTPOptions
}

// LinkedIn publishes UGC posts on behalf of a member.
type LinkedIn struct {
	cfg LinkedInConfig
	api *apiClient
	now func() time.Time
}

// NewLinkedIn creates the adapter.
func NewLinkedIn(cfg LinkedInConfig) *LinkedIn {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "https://api.linkedin.com/v2"
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = "https://www.linkedin.com/oauth/v2/accessToken"
	}
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")
	api := newAPIClient(models.PlatformLinkedIn, cfg.HTTP, nil)
	api.headers["X-Restli-Protocol-Version"] = "2.0.0"
	return &LinkedIn{cfg: cfg, api: api, now: time.Now}
}

func (l *LinkedIn) Platform() models.Platform { return models.PlatformLinkedIn }
func (l *LinkedIn) Rules() Rules              { return LinkedInRules }

func (l *LinkedIn) Validate(post *models.Post) error {
	return LinkedInRules.Check(models.PlatformLinkedIn, post)
}

func (l *LinkedIn) Publish(ctx context.Context, post *models.Post, account *models.SocialAccount) (string, error) {
	author, err := l.authorURN(ctx, account.AccessToken)
	if err != nil {
		return "", err
	}

	category := "NONE"
	mediaItems := make([]map[string]any, 0, len(post.MediaURLs))
	for _, u := range post.MediaURLs {
		asset, mediaType, err := l.uploadMedia(ctx, account.AccessToken, author, u)
		if err != nil {
			return "", err
		}
		if strings.HasPrefix(mediaType, "video/") {
			category = "VIDEO"
		} else if category == "NONE" {
			category = "IMAGE"
		}
		mediaItems = append(mediaItems, map[string]any{"status": "READY", "media": asset})
	}

	share := map[string]any{
		"shareCommentary":    map[string]any{"text": post.Content},
		"shareMediaCategory": category,
	}
	if len(mediaItems) > 0 {
		share["media"] = mediaItems
	}
	body, err := jsonBody(map[string]any{
		"author":          author,
		"lifecycleState":  "PUBLISHED",
		"specificContent": map[string]any{"com.linkedin.ugc.ShareContent": share},
		"visibility":      map[string]any{"com.linkedin.ugc.MemberNetworkVisibility": "PUBLIC"},
	})
	if err != nil {
		return "", failure.Validation(models.PlatformLinkedIn, "encode post: %v", err)
	}

	var out struct {
		ID string `json:"id"`
	}
	header, err := l.api.do(ctx, request{
		method:      http.MethodPost,
		url:         l.cfg.APIBaseURL + "/ugcPosts",
		token:       account.AccessToken,
		contentType: "application/json",
		body:        body,
	}, &out)
	if err != nil {
		return "", err
	}
	id := out.ID
	if id == "" {
		id = header.Get("X-RestLi-Id")
	}
	if id == "" {
		return "", failure.Transient(models.PlatformLinkedIn, nil, "post created without an id")
	}
	return id, nil
}

func (l *LinkedIn) authorURN(ctx context.Context, token string) (string, error) {
	var me struct {
		ID string `json:"id"`
	}
	if _, err := l.api.do(ctx, request{
		method: http.MethodGet,
		url:    l.cfg.APIBaseURL + "/me",
		token:  token,
	}, &me); err != nil {
		return "", err
	}
	if me.ID == "" {
		return "", failure.Auth(models.PlatformLinkedIn, "profile lookup returned no id")
	}
	return "urn:li:person:" + me.ID, nil
}

// uploadMedia registers an asset, uploads the bytes and returns the asset URN.
func (l *LinkedIn) uploadMedia(ctx context.Context, token, owner, mediaURL string) (string, string, error) {
	m, err := l.api.fetchMedia(ctx, mediaURL, LinkedInRules)
	if err != nil {
		return "", "", err
	}

	recipe := "urn:li:digitalmediaRecipe:feedshare-image"
	if strings.HasPrefix(m.MIMEType, "video/") {
		recipe = "urn:li:digitalmediaRecipe:feedshare-video"
	}
	body, err := jsonBody(map[string]any{
		"registerUploadRequest": map[string]any{
			"recipes": []string{recipe},
			"owner":   owner,
			"serviceRelationships": []map[string]any{{
				"relationshipType": "OWNER",
				"identifier":       "urn:li:userGeneratedContent",
			}},
		},
	})
	if err != nil {
		return "", "", failure.Validation(models.PlatformLinkedIn, "encode upload registration: %v", err)
	}

	var reg struct {
		Value struct {
			Asset           string `json:"asset"`
			UploadMechanism struct {
				HTTPRequest struct {
					UploadURL string `json:"uploadUrl"`
				} `json:"com.linkedin.digitalmedia.uploading.MediaUploadHttpRequest"`
			} `json:"uploadMechanism"`
		} `json:"value"`
	}
	if _, err := l.api.do(ctx, request{
		method:      http.MethodPost,
		url:         l.cfg.APIBaseURL + "/assets?action=registerUpload",
		token:       token,
		contentType: "application/json",
		body:        body,
	}, &reg); err != nil {
		return "", "", err
	}
	uploadURL := reg.Value.UploadMechanism.HTTPRequest.UploadURL
	if uploadURL == "" || reg.Value.Asset == "" {
		return "", "", failure.Transient(models.PlatformLinkedIn, nil, "upload registration incomplete")
	}

	data := m.Data
	if _, err := l.api.do(ctx, request{
		method:      http.MethodPut,
		url:         uploadURL,
		token:       token,
		contentType: m.MIMEType,
		body:        func() (io.Reader, error) { return bytes.NewReader(data), nil },
	}, nil); err != nil {
		return "", "", err
	}
	return reg.Value.Asset, m.MIMEType, nil
}

func (l *LinkedIn) RefreshAccessToken(ctx context.Context, account *models.SocialAccount) (Credentials, error) {
	if account.RefreshToken == "" {
		return Credentials{}, failure.Auth(models.PlatformLinkedIn, "no refresh token on account")
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {account.RefreshToken},
		"client_id":     {l.cfg.ClientID},
		"client_secret": {l.cfg.ClientSecret},
	}
	var out tokenResponse
	if _, err := l.api.do(ctx, request{
		method:      http.MethodPost,
		url:         l.cfg.TokenURL,
		contentType: "application/x-www-form-urlencoded",
		body:        formBody(form),
	}, &out); err != nil {
		return Credentials{}, refreshFailure(models.PlatformLinkedIn, err)
	}
	creds, err := out.credentials(l.now(), account.RefreshToken)
	if err != nil {
		return Credentials{}, refreshFailure(models.PlatformLinkedIn, err)
	}
	return creds, nil
}
