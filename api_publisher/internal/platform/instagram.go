package platform

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"frameworks/api_publisher/internal/failure"
	"frameworks/pkg/models"
)

// InstagramConfig configures the Instagram Graph adapter.
type InstagramConfig struct {
	GraphBaseURL string
	// RefreshBaseURL serves long-lived token refresh.
	RefreshBaseURL string
	HTTP           HTTPOptions
}

// Instagram publishes through media containers: create, then publish.
type Instagram struct {
	cfg InstagramConfig
	api *apiClient
	now func() time.Time
}

// NewInstagram creates the adapter.
func NewInstagram(cfg InstagramConfig) *Instagram {
	if cfg.GraphBaseURL == "" {
		cfg.GraphBaseURL = "https://graph.facebook.com/v19.0"
	}
	if cfg.RefreshBaseURL == "" {
		cfg.RefreshBaseURL = "https://graph.instagram.com"
	}
	cfg.GraphBaseURL = strings.TrimRight(cfg.GraphBaseURL, "/")
	cfg.RefreshBaseURL = strings.TrimRight(cfg.RefreshBaseURL, "/")
	return &Instagram{
		cfg: cfg,
		api: newAPIClient(models.PlatformInstagram, cfg.HTTP, instagramStatusHook),
		now: time.Now,
	}
}

// A 400 about media means the container could not be processed yet or the
// asset was rejected; retried on a fixed delay.
func instagramStatusHook(status int, body []byte) *failure.Error {
	if status == http.StatusBadRequest && strings.Contains(strings.ToLower(string(body)), "media") {
		return failure.Media(models.PlatformInstagram, "media processing failed: %s", errorMessage(body))
	}
	return nil
}

func (i *Instagram) Platform() models.Platform { return models.PlatformInstagram }
func (i *Instagram) Rules() Rules              { return InstagramRules }

func (i *Instagram) Validate(post *models.Post) error {
	return InstagramRules.Check(models.PlatformInstagram, post)
}

type graphID struct {
	ID string `json:"id"`
}

func (i *Instagram) Publish(ctx context.Context, post *models.Post, account *models.SocialAccount) (string, error) {
	if len(post.MediaURLs) == 0 {
		return "", failure.Validation(models.PlatformInstagram, "at least 1 media item(s) required")
	}

	var creationID string
	if len(post.MediaURLs) == 1 {
		id, err := i.createContainer(ctx, account.AccessToken, post.MediaURLs[0], post.Content, false)
		if err != nil {
			return "", err
		}
		creationID = id
	} else {
		children := make([]string, 0, len(post.MediaURLs))
		for _, u := range post.MediaURLs {
			id, err := i.createContainer(ctx, account.AccessToken, u, "", true)
			if err != nil {
				return "", err
			}
			children = append(children, id)
		}
		form := url.Values{
			"media_type": {"CAROUSEL"},
			"children":   {strings.Join(children, ",")},
			"caption":    {post.Content},
		}
		var out graphID
		if _, err := i.api.do(ctx, i.post("/me/media", account.AccessToken, form), &out); err != nil {
			return "", err
		}
		creationID = out.ID
	}
	if creationID == "" {
		return "", failure.Transient(models.PlatformInstagram, nil, "media container created without an id")
	}

	var out graphID
	form := url.Values{"creation_id": {creationID}}
	if _, err := i.api.do(ctx, i.post("/me/media_publish", account.AccessToken, form), &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", failure.Transient(models.PlatformInstagram, nil, "media published without an id")
	}
	return out.ID, nil
}

func (i *Instagram) createContainer(ctx context.Context, token, mediaURL, caption string, carouselItem bool) (string, error) {
	form := url.Values{}
	if strings.HasPrefix(MediaTypeFromURL(mediaURL), "video/") {
		form.Set("media_type", "REELS")
		form.Set("video_url", mediaURL)
	} else {
		form.Set("image_url", mediaURL)
	}
	if carouselItem {
		form.Set("is_carousel_item", "true")
	} else if caption != "" {
		form.Set("caption", caption)
	}

	var out graphID
	if _, err := i.api.do(ctx, i.post("/me/media", token, form), &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (i *Instagram) post(path, token string, form url.Values) request {
	return request{
		method:      http.MethodPost,
		url:         i.cfg.GraphBaseURL + path,
		token:       token,
		contentType: "application/x-www-form-urlencoded",
		body:        formBody(form),
	}
}

// RefreshAccessToken extends a long-lived token. Instagram has no separate
// refresh token: the access token refreshes itself.
func (i *Instagram) RefreshAccessToken(ctx context.Context, account *models.SocialAccount) (Credentials, error) {
	if account.AccessToken == "" {
		return Credentials{}, failure.Auth(models.PlatformInstagram, "no access token on account")
	}
	q := url.Values{
		"grant_type":   {"ig_refresh_token"},
		"access_token": {account.AccessToken},
	}
	var out tokenResponse
	if _, err := i.api.do(ctx, request{
		method: http.MethodGet,
		url:    i.cfg.RefreshBaseURL + "/refresh_access_token?" + q.Encode(),
	}, &out); err != nil {
		return Credentials{}, refreshFailure(models.PlatformInstagram, err)
	}
	creds, err := out.credentials(i.now(), account.RefreshToken)
	if err != nil {
		return Credentials{}, refreshFailure(models.PlatformInstagram, err)
	}
	return creds, nil
}
