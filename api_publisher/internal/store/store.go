package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	fieldcrypt "frameworks/pkg/crypto"
	"frameworks/pkg/models"
)

var ErrNotFound = errors.New("record not found")

type Store struct {
	db  *sql.DB
	enc *fieldcrypt.FieldEncryptor // nil = tokens stored as given
}

func NewStore(db *sql.DB, enc *fieldcrypt.FieldEncryptor) *Store {
	return &Store{db: db, enc: enc}
}

func (s *Store) encryptField(plaintext, boundTo string) (string, error) {
	if s.enc == nil {
		return plaintext, nil
	}
	return s.enc.Encrypt(plaintext, boundTo)
}

func (s *Store) decryptField(stored, boundTo string) (string, error) {
	if s.enc == nil {
		return stored, nil
	}
	return s.enc.Decrypt(stored, boundTo)
}

const postColumns = `id, workspace_id, COALESCE(notion_page_id, ''), content, media_urls, platforms,
	scheduled_time, status, analytics, last_error, processing_started_at, published_at,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (*models.Post, error) {
	var (
		p           models.Post
		platforms   []string
		scheduled   sql.NullTime
		processing  sql.NullTime
		published   sql.NullTime
		lastErrJSON []byte
	)
	err := row.Scan(
		&p.ID, &p.WorkspaceID, &p.NotionPageID, &p.Content, pq.Array(&p.MediaURLs), pq.Array(&platforms),
		&scheduled, &p.Status, &p.Analytics, &lastErrJSON, &processing, &published,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Platforms = make([]models.Platform, 0, len(platforms))
	for _, name := range platforms {
		p.Platforms = append(p.Platforms, models.Platform(name))
	}
	if p.MediaURLs == nil {
		p.MediaURLs = []string{}
	}
	if p.Analytics == nil {
		p.Analytics = models.AnalyticsMap{}
	}
	if len(lastErrJSON) > 0 {
		var pe models.PostError
		if err := pe.Scan(lastErrJSON); err != nil {
			return nil, fmt.Errorf("decode last_error: %w", err)
		}
		p.LastError = &pe
	}
	p.ScheduledTime = nullTimePtr(scheduled)
	p.ProcessingStartedAt = nullTimePtr(processing)
	p.PublishedAt = nullTimePtr(published)
	return &p, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// GetPost loads a post by id.
func (s *Store) GetPost(ctx context.Context, id string) (*models.Post, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+postColumns+` FROM bosun.posts WHERE id = $1`, id)
	post, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get post %s: %w", id, err)
	}
	return post, nil
}

// SetPostStatus overwrites the status of a post.
func (s *Store) SetPostStatus(ctx context.Context, id string, status models.PostStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE bosun.posts SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, string(status))
	if err != nil {
		return fmt.Errorf("set post %s status: %w", id, err)
	}
	return requireRow(res)
}

// ClaimForProcessing moves a post to PROCESSING if its status is one of
// allowed. It reports false when the post exists in another status.
func (s *Store) ClaimForProcessing(ctx context.Context, id string, allowed []models.PostStatus, at time.Time) (bool, error) {
	statuses := make([]string, len(allowed))
	for i, st := range allowed {
		statuses[i] = string(st)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE bosun.posts
		SET status = 'PROCESSING', processing_started_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
	`, id, at, pq.Array(statuses))
	if err != nil {
		return false, fmt.Errorf("claim post %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim post %s: %w", id, err)
	}
	return n == 1, nil
}

// SavePostState persists the outcome of a publish run. Analytics entries are
// merged into the stored object so an entry, once written, is never lost.
func (s *Store) SavePostState(ctx context.Context, post *models.Post) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE bosun.posts
		SET status = $2,
		    analytics = analytics || $3::jsonb,
		    last_error = $4,
		    processing_started_at = $5,
		    published_at = $6,
		    updated_at = NOW()
		WHERE id = $1
	`, post.ID, string(post.Status), post.Analytics, post.LastError, post.ProcessingStartedAt, post.PublishedAt)
	if err != nil {
		return fmt.Errorf("save post %s: %w", post.ID, err)
	}
	return requireRow(res)
}

// ListDueScheduledPosts returns SCHEDULED posts whose time has come, oldest first.
func (s *Store) ListDueScheduledPosts(ctx context.Context, now time.Time, limit int) ([]*models.Post, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+postColumns+`
		FROM bosun.posts
		WHERE status = 'SCHEDULED' AND scheduled_time <= $1
		ORDER BY scheduled_time ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due posts: %w", err)
	}
	defer rows.Close()

	var posts []*models.Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due post: %w", err)
		}
		posts = append(posts, post)
	}
	return posts, rows.Err()
}

const accountColumns = `id, workspace_id, platform, access_token, refresh_token, token_expires_at, status, created_at, updated_at`

func (s *Store) scanAccount(row rowScanner) (*models.SocialAccount, error) {
	var (
		a       models.SocialAccount
		expires sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.WorkspaceID, &a.Platform, &a.AccessToken, &a.RefreshToken,
		&expires, &a.Status, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.TokenExpiresAt = nullTimePtr(expires)

	var err error
	if a.AccessToken, err = s.decryptField(a.AccessToken, a.ID+":access"); err != nil {
		return nil, fmt.Errorf("decrypt access token for account %s: %w", a.ID, err)
	}
	if a.RefreshToken, err = s.decryptField(a.RefreshToken, a.ID+":refresh"); err != nil {
		return nil, fmt.Errorf("decrypt refresh token for account %s: %w", a.ID, err)
	}
	return &a, nil
}

// GetSocialAccount loads the account a workspace uses on platform.
func (s *Store) GetSocialAccount(ctx context.Context, workspaceID string, platform models.Platform) (*models.SocialAccount, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM bosun.social_accounts
		WHERE workspace_id = $1 AND platform = $2
	`, workspaceID, string(platform))
	account, err := s.scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s account for workspace %s: %w", platform, workspaceID, err)
	}
	return account, nil
}

// SetSocialAccountStatus updates the status of a workspace's platform account.
func (s *Store) SetSocialAccountStatus(ctx context.Context, workspaceID string, platform models.Platform, status models.AccountStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE bosun.social_accounts SET status = $3, updated_at = NOW()
		WHERE workspace_id = $1 AND platform = $2
	`, workspaceID, string(platform), string(status))
	if err != nil {
		return fmt.Errorf("set %s account status: %w", platform, err)
	}
	return requireRow(res)
}

// UpdateSocialAccountTokens stores refreshed credentials. An empty refresh
// token keeps the stored one.
func (s *Store) UpdateSocialAccountTokens(ctx context.Context, accountID, accessToken, refreshToken string, expiresAt *time.Time) error {
	access, err := s.encryptField(accessToken, accountID+":access")
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	refresh, err := s.encryptField(refreshToken, accountID+":refresh")
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE bosun.social_accounts
		SET access_token = $2,
		    refresh_token = COALESCE(NULLIF($3, ''), refresh_token),
		    token_expires_at = $4,
		    updated_at = NOW()
		WHERE id = $1
	`, accountID, access, refresh, expiresAt)
	if err != nil {
		return fmt.Errorf("update tokens for account %s: %w", accountID, err)
	}
	return requireRow(res)
}

// ListAccountsExpiringBefore returns active accounts with a refresh path
// whose access token expires before cutoff.
func (s *Store) ListAccountsExpiringBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.SocialAccount, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM bosun.social_accounts
		WHERE status = 'ACTIVE' AND token_expires_at IS NOT NULL AND token_expires_at <= $1
		ORDER BY token_expires_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list expiring accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.SocialAccount
	for rows.Next() {
		a, err := s.scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
