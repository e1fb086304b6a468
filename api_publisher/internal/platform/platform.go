// Package platform holds the publisher adapters for each social network and
// the content rules they enforce before any network call.
package platform

import (
	"context"
	"mime"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"frameworks/api_publisher/internal/failure"
	"frameworks/pkg/models"
)

// Credentials are the tokens returned by a refresh.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
}

// Publisher publishes posts to one platform. Errors returned by Publish and
// RefreshAccessToken are always *failure.Error.
type Publisher interface {
	Platform() models.Platform
	Rules() Rules
	// Validate checks the post against the platform's content rules
	// without touching the network.
	Validate(post *models.Post) error
	// Publish creates the post with account's credentials and returns the
	// platform's id for it.
	Publish(ctx context.Context, post *models.Post, account *models.SocialAccount) (string, error)
	// RefreshAccessToken exchanges the account's refresh token for new
	// credentials. Failures are always AUTH_ERROR.
	RefreshAccessToken(ctx context.Context, account *models.SocialAccount) (Credentials, error)
}

// Rules are the static content limits of a platform. Zero MaxCharacters
// means text length is not enforced.
type Rules struct {
	MaxCharacters int
	MinMedia      int
	MaxMedia      int
	MediaTypes    []string
}

var (
	TwitterRules = Rules{
		MaxCharacters: 280,
		MaxMedia:      4,
		MediaTypes:    []string{"image/jpeg", "image/png", "image/gif", "video/mp4"},
	}
	InstagramRules = Rules{
		MinMedia:   1,
		MaxMedia:   10,
		MediaTypes: []string{"image/jpeg", "image/png", "video/mp4"},
	}
	LinkedInRules = Rules{
		MaxCharacters: 3000,
		MaxMedia:      9,
		MediaTypes:    []string{"image/jpeg", "image/png", "video/mp4"},
	}
)

// mediaOverrides pins the types the platforms accept. Go's builtin table has
// no video entries and host mime.types files disagree on them.
var mediaOverrides = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
}

// MediaTypeFromURL derives an image or video MIME type from the URL path
// extension. It returns "" for unknown or non-media extensions.
func MediaTypeFromURL(raw string) string {
	p := raw
	if u, err := url.Parse(raw); err == nil {
		p = u.Path
	}
	ext := strings.ToLower(path.Ext(p))
	if ext == "" {
		return ""
	}
	if t, ok := mediaOverrides[ext]; ok {
		return t
	}
	t, _, err := mime.ParseMediaType(mime.TypeByExtension(ext))
	if err != nil || !(strings.HasPrefix(t, "image/") || strings.HasPrefix(t, "video/")) {
		return ""
	}
	return t
}

func (r Rules) allows(mediaType string) bool {
	for _, t := range r.MediaTypes {
		if t == mediaType {
			return true
		}
	}
	return false
}

// Check validates post against r, attributing failures to platform.
func (r Rules) Check(platform models.Platform, post *models.Post) error {
	if r.MaxCharacters > 0 {
		if n := utf8.RuneCountInString(post.Content); n > r.MaxCharacters {
			return failure.Validation(platform, "content is %d characters; limit is %d", n, r.MaxCharacters)
		}
	}
	if len(post.MediaURLs) < r.MinMedia {
		return failure.Validation(platform, "at least %d media item(s) required", r.MinMedia)
	}
	if r.MaxMedia > 0 && len(post.MediaURLs) > r.MaxMedia {
		return failure.Validation(platform, "%d media items; limit is %d", len(post.MediaURLs), r.MaxMedia)
	}
	for _, u := range post.MediaURLs {
		mediaType := MediaTypeFromURL(u)
		if mediaType == "" || !r.allows(mediaType) {
			return failure.Validation(platform, "unsupported media type for %s", u)
		}
	}
	return nil
}

// Registry resolves the adapter for a platform.
type Registry struct {
	publishers map[models.Platform]Publisher
}

// NewRegistry registers publishers by their Platform().
func NewRegistry(publishers ...Publisher) *Registry {
	r := &Registry{publishers: make(map[models.Platform]Publisher, len(publishers))}
	for _, p := range publishers {
		r.publishers[p.Platform()] = p
	}
	return r
}

// Get returns the adapter for platform.
func (r *Registry) Get(platform models.Platform) (Publisher, bool) {
	p, ok := r.publishers[platform]
	return p, ok
}

// Platforms lists the registered platforms in sorted order.
func (r *Registry) Platforms() []models.Platform {
	out := make([]models.Platform, 0, len(r.publishers))
	for p := range r.publishers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
