package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/studyforge/studyforge/pkg/cache"
	"github.com/studyforge/studyforge/pkg/database"
	"github.com/studyforge/studyforge/pkg/models"
	"go.uber.org/zap"
)

type contextKey string

const userContextKey contextKey = "user"

const authCacheTTL = 5 * time.Minute

// Authenticator validates API tokens against the database and caches
// successful lookups in Redis.
type Authenticator struct {
	db     *database.Database
	cache  *cache.Cache
	logger *zap.Logger
}

func NewAuthenticator(db *database.Database, cacheClient *cache.Cache, logger *zap.Logger) *Authenticator {
	return &Authenticator{
		db:     db,
		cache:  cacheClient,
		logger: logger,
	}
}

// ValidateToken resolves an API token to its user. Lookups are cached;
// last_used_at is refreshed asynchronously on database hits only.
func (a *Authenticator) ValidateToken(ctx context.Context, token string) (models.User, error) {
	if token == "" {
		return models.User{}, errors.New("empty token")
	}

	cacheKey := "auth:token:" + token
	if a.cache != nil {
		if cached, err := a.cache.Get(ctx, cacheKey); err == nil && cached != "" {
			var user models.User
			if err := json.Unmarshal([]byte(cached), &user); err == nil {
				return user, nil
			}
		}
	}

	var user models.User
	err := a.db.Pool.QueryRow(ctx, `
		SELECT user_id, email, created_at
		FROM api_tokens
		WHERE token = $1
	`, token).Scan(&user.ID, &user.Email, &user.CreatedAt)
	if err != nil {
		return models.User{}, errors.New("token not found")
	}

	if a.cache != nil {
		if encoded, err := json.Marshal(user); err == nil {
			if err := a.cache.Set(ctx, cacheKey, string(encoded), authCacheTTL); err != nil {
				a.logger.Debug("failed to cache token lookup", zap.Error(err))
			}
		}
	}

	go a.touchToken(token)

	return user, nil
}

func (a *Authenticator) touchToken(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := a.db.Pool.Exec(ctx, `
		UPDATE api_tokens SET last_used_at = NOW() WHERE token = $1
	`, token)
	if err != nil {
		a.logger.Debug("failed to update token last_used_at", zap.Error(err))
	}
}

// bearerToken extracts the API token from the Authorization header.
// Both "Bearer <token>" and a bare token are accepted.
func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	token := strings.TrimPrefix(authHeader, "Bearer ")
	return strings.TrimSpace(token)
}

func userFromContext(ctx context.Context) (models.User, bool) {
	user, ok := ctx.Value(userContextKey).(models.User)
	return user, ok
}
