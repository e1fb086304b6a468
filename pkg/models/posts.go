package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Platform identifies an external publishing destination.
type Platform string

const (
	PlatformTwitter   Platform = "TWITTER"
	PlatformInstagram Platform = "INSTAGRAM"
	PlatformLinkedIn  Platform = "LINKEDIN"
)

// ParsePlatform accepts any casing of a known platform id.
func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToUpper(strings.TrimSpace(s)))
	switch p {
	case PlatformTwitter, PlatformInstagram, PlatformLinkedIn:
		return p, nil
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// PostStatus is the lifecycle state of a post.
type PostStatus string

const (
	PostStatusDraft              PostStatus = "DRAFT"
	PostStatusScheduled          PostStatus = "SCHEDULED"
	PostStatusProcessing         PostStatus = "PROCESSING"
	PostStatusPartiallyPublished PostStatus = "PARTIALLY_PUBLISHED"
	PostStatusPublished          PostStatus = "PUBLISHED"
	PostStatusFailed             PostStatus = "FAILED"
)

// PlatformAnalytics records a successful publish on one platform.
type PlatformAnalytics struct {
	RemotePostID string    `json:"postId"`
	PublishedAt  time.Time `json:"publishedAt"`
}

// AnalyticsMap is stored as a JSONB object keyed by platform.
type AnalyticsMap map[Platform]PlatformAnalytics

// Value implements driver.Valuer
func (a AnalyticsMap) Value() (driver.Value, error) {
	if a == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(a)
}

// Scan implements sql.Scanner
func (a *AnalyticsMap) Scan(value interface{}) error {
	*a = AnalyticsMap{}
	raw, ok := jsonBytes(value)
	if !ok || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, a)
}

// PostError is the most recent failure recorded on a post.
type PostError struct {
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	Timestamp time.Time `json:"timestamp"`
	Attempt   int       `json:"attempt"`
}

// Value implements driver.Valuer
func (e *PostError) Value() (driver.Value, error) {
	if e == nil {
		return nil, nil
	}
	return json.Marshal(e)
}

// Scan implements sql.Scanner
func (e *PostError) Scan(value interface{}) error {
	raw, ok := jsonBytes(value)
	if !ok || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, e)
}

func jsonBytes(value interface{}) ([]byte, bool) {
	switch v := value.(type) {
	case []byte:
		return v, true
	case string:
		return []byte(v), true
	default:
		return nil, false
	}
}

// Post is a piece of content destined for one or more platforms.
type Post struct {
	ID                  string       `json:"id" db:"id"`
	WorkspaceID         string       `json:"workspaceId" db:"workspace_id"`
	NotionPageID        string       `json:"notionPageId,omitempty" db:"notion_page_id"`
	Content             string       `json:"content" db:"content"`
	MediaURLs           []string     `json:"mediaUrls" db:"media_urls"`
	Platforms           []Platform   `json:"platforms" db:"platforms"`
	ScheduledTime       *time.Time   `json:"scheduledTime,omitempty" db:"scheduled_time"`
	Status              PostStatus   `json:"status" db:"status"`
	Analytics           AnalyticsMap `json:"analytics" db:"analytics"`
	LastError           *PostError   `json:"lastError,omitempty" db:"last_error"`
	ProcessingStartedAt *time.Time   `json:"processingStartedAt,omitempty" db:"processing_started_at"`
	PublishedAt         *time.Time   `json:"publishedAt,omitempty" db:"published_at"`
	CreatedAt           time.Time    `json:"createdAt" db:"created_at"`
	UpdatedAt           time.Time    `json:"updatedAt" db:"updated_at"`
}

// HasPublished reports whether an analytics entry exists for p.
func (p *Post) HasPublished(platform Platform) bool {
	_, ok := p.Analytics[platform]
	return ok
}

// TargetPlatforms returns the distinct post platforms, in post order.
func (p *Post) TargetPlatforms() []Platform {
	seen := make(map[Platform]bool, len(p.Platforms))
	out := make([]Platform, 0, len(p.Platforms))
	for _, platform := range p.Platforms {
		if seen[platform] {
			continue
		}
		seen[platform] = true
		out = append(out, platform)
	}
	return out
}

// CoverageStatus derives the terminal status from analytics coverage over
// every distinct post platform.
func (p *Post) CoverageStatus() PostStatus {
	targets := p.TargetPlatforms()
	published := 0
	for _, platform := range targets {
		if p.HasPublished(platform) {
			published++
		}
	}
	switch {
	case len(targets) > 0 && published == len(targets):
		return PostStatusPublished
	case published > 0:
		return PostStatusPartiallyPublished
	default:
		return PostStatusFailed
	}
}

// AccountStatus tracks whether a social account's credentials still work.
type AccountStatus string

const (
	AccountStatusActive     AccountStatus = "ACTIVE"
	AccountStatusAuthFailed AccountStatus = "AUTH_FAILED"
)

// SocialAccount holds the credentials a workspace uses on one platform.
type SocialAccount struct {
	ID             string        `json:"id" db:"id"`
	WorkspaceID    string        `json:"workspaceId" db:"workspace_id"`
	Platform       Platform      `json:"platform" db:"platform"`
	AccessToken    string        `json:"-" db:"access_token"`
	RefreshToken   string        `json:"-" db:"refresh_token"`
	TokenExpiresAt *time.Time    `json:"tokenExpiresAt,omitempty" db:"token_expires_at"`
	Status         AccountStatus `json:"status" db:"status"`
	CreatedAt      time.Time     `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time     `json:"updatedAt" db:"updated_at"`
}

// TokenExpiresWithin reports whether the access token expires inside d.
// Accounts without a known expiry never need a refresh.
func (a *SocialAccount) TokenExpiresWithin(now time.Time, d time.Duration) bool {
	if a.TokenExpiresAt == nil {
		return false
	}
	return !a.TokenExpiresAt.After(now.Add(d))
}

// PublishJobPayload is the body of a scheduled publish job. Platforms is the
// snapshot of destinations still to attempt; empty means every post platform.
type PublishJobPayload struct {
	PostID      string     `json:"postId"`
	WorkspaceID string     `json:"workspaceId"`
	Platforms   []Platform `json:"platforms,omitempty"`
}
