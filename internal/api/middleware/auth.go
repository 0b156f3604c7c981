// auth.go — JWT middleware admin API.
// Проверяет подпись токена по JWKS IdP, извлекает claims и вычисляет роль
// оператора (operator / viewer) по ролям realm и группам.
package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/hackclub/airtable-loops-field-integrator-sub000/internal/api/errors"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/rbac"
)

type contextKey string

const (
	// ContextKeyClaims — извлечённые claims в контексте запроса.
	ContextKeyClaims contextKey = "jwt_claims"
)

// AuthClaims — claims субъекта admin API.
type AuthClaims struct {
	// Subject — sub из JWT.
	Subject string
	// PreferredUsername — preferred_username из JWT.
	PreferredUsername string
	// Email — email из JWT.
	Email string
	// Roles — роли из realm_access.roles.
	Roles []string
	// Groups — группы из JWT.
	Groups []string
	// Role — роль admin API (operator, viewer или пустая).
	Role string
}

// Actor возвращает имя субъекта для журналов.
func (c *AuthClaims) Actor() string {
	if c.PreferredUsername != "" {
		return c.PreferredUsername
	}
	return c.Subject
}

type idpClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string       `json:"preferred_username"`
	Email             string       `json:"email"`
	RealmAccess       *realmAccess `json:"realm_access,omitempty"`
	Groups            []string     `json:"groups,omitempty"`
}

type realmAccess struct {
	Roles []string `json:"roles"`
}

// JWTAuth — middleware JWT-аутентификации через JWKS.
type JWTAuth struct {
	jwks          keyfunc.Keyfunc
	logger        *slog.Logger
	operatorRoles []string
	viewerRoles   []string
	issuer        string
	leeway        time.Duration
}

// AuthOptions — параметры JWT middleware.
type AuthOptions struct {
	// JWKSURL — URL JWKS endpoint IdP.
	JWKSURL string
	// Issuer — ожидаемый iss; пустое значение отключает проверку.
	Issuer string
	// OperatorRoles, ViewerRoles — роли realm или группы, дающие роли admin API.
	OperatorRoles []string
	ViewerRoles   []string
	// RefreshInterval — интервал фонового обновления ключей.
	RefreshInterval time.Duration
	// Leeway — допустимое отклонение часов.
	Leeway time.Duration
	// HTTPTimeout — таймаут запросов к JWKS endpoint.
	HTTPTimeout time.Duration
}

// NewJWTAuth создаёт JWT middleware с JWKS из IdP.
// Первый запрос ключей не обязан быть успешным: сервис стартует и при недоступном IdP.
func NewJWTAuth(ctx context.Context, opts AuthOptions, logger *slog.Logger) (*JWTAuth, error) {
	storage, err := jwkset.NewStorageFromHTTP(opts.JWKSURL, jwkset.HTTPClientStorageOptions{
		Client:                    &http.Client{Timeout: opts.HTTPTimeout},
		Ctx:                       ctx,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           opts.RefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Ошибка обновления JWKS",
				slog.String("error", err.Error()),
				slog.String("url", opts.JWKSURL),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("создание JWKS storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{
		Ctx:     ctx,
		Storage: storage,
	})
	if err != nil {
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}

	auth := NewJWTAuthWithKeyfunc(k, opts.Issuer, opts.OperatorRoles, opts.ViewerRoles, logger)
	auth.leeway = opts.Leeway
	return auth, nil
}

// NewJWTAuthWithKeyfunc создаёт JWT middleware с готовой keyfunc.
// Используется в тестах для подстановки JWKS.
func NewJWTAuthWithKeyfunc(kf keyfunc.Keyfunc, issuer string, operatorRoles, viewerRoles []string, logger *slog.Logger) *JWTAuth {
	return &JWTAuth{
		jwks:          kf,
		logger:        logger.With(slog.String("component", "jwt_auth")),
		operatorRoles: operatorRoles,
		viewerRoles:   viewerRoles,
		issuer:        issuer,
	}
}

// Middleware извлекает Bearer token, проверяет подпись (RS256) и срок действия,
// вычисляет роль и помещает AuthClaims в контекст.
func (j *JWTAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				apierrors.Unauthorized(w, "Отсутствует заголовок Authorization")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
				apierrors.Unauthorized(w, "Неверный формат Authorization: ожидается Bearer <token>")
				return
			}

			raw := &idpClaims{}
			parserOpts := []jwt.ParserOption{
				jwt.WithValidMethods([]string{"RS256"}),
				jwt.WithExpirationRequired(),
				jwt.WithLeeway(j.leeway),
			}
			if j.issuer != "" {
				parserOpts = append(parserOpts, jwt.WithIssuer(j.issuer))
			}

			token, err := jwt.ParseWithClaims(parts[1], raw, j.jwks.KeyfuncCtx(r.Context()), parserOpts...)
			if err != nil || !token.Valid {
				j.logger.Debug("JWT валидация не пройдена",
					slog.Any("error", err),
					slog.String("remote_addr", r.RemoteAddr),
				)
				apierrors.Unauthorized(w, "Невалидный или просроченный токен")
				return
			}

			if raw.Subject == "" {
				apierrors.Unauthorized(w, "Отсутствует sub в токене")
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeyClaims, j.buildAuthClaims(raw))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (j *JWTAuth) buildAuthClaims(raw *idpClaims) *AuthClaims {
	claims := &AuthClaims{
		Subject:           raw.Subject,
		PreferredUsername: raw.PreferredUsername,
		Email:             raw.Email,
		Groups:            raw.Groups,
	}
	if raw.RealmAccess != nil {
		claims.Roles = raw.RealmAccess.Roles
	}

	names := make([]string, 0, len(claims.Roles)+len(claims.Groups))
	names = append(names, claims.Roles...)
	for _, g := range claims.Groups {
		// Keycloak отдаёт группы полным путём: /field-integrator-admin
		names = append(names, strings.TrimPrefix(g, "/"))
	}
	claims.Role = rbac.MapToRole(names, j.operatorRoles, j.viewerRoles)
	return claims
}

// RequireRole возвращает middleware, требующий роль не ниже role.
// Должен использоваться ПОСЛЕ JWTAuth.Middleware().
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				apierrors.Unauthorized(w, "Отсутствуют claims в контексте")
				return
			}
			if !rbac.Allows(claims.Role, role) {
				apierrors.Forbidden(w, fmt.Sprintf("Недостаточно прав: требуется роль %s", role))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClaimsFromContext извлекает AuthClaims из контекста запроса.
// Возвращает nil, если claims не найдены.
func ClaimsFromContext(ctx context.Context) *AuthClaims {
	claims, _ := ctx.Value(ContextKeyClaims).(*AuthClaims)
	return claims
}

// ActorFromContext возвращает имя субъекта запроса или "anonymous".
func ActorFromContext(ctx context.Context) string {
	if claims := ClaimsFromContext(ctx); claims != nil {
		return claims.Actor()
	}
	return "anonymous"
}

// --- ReadinessChecker для JWKS ---

const statusFail = "fail"

// JWKSReadinessChecker — проверка доступности JWKS endpoint IdP.
type JWKSReadinessChecker struct {
	jwksURL string
	client  *http.Client
}

// NewJWKSReadinessChecker создаёт checker доступности IdP.
func NewJWKSReadinessChecker(jwksURL string, timeout time.Duration) *JWKSReadinessChecker {
	return &JWKSReadinessChecker{
		jwksURL: jwksURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// CheckReady проверяет, что JWKS endpoint отвечает и содержит ключи.
func (k *JWKSReadinessChecker) CheckReady() (status, message string) {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, k.jwksURL, http.NoBody)
	if err != nil {
		return statusFail, "ошибка создания запроса: " + err.Error()
	}
	resp, err := k.client.Do(req)
	if err != nil {
		return statusFail, fmt.Sprintf("JWKS недоступен: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusFail, fmt.Sprintf("JWKS вернул статус %d", resp.StatusCode)
	}

	var jwksResp struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwksResp); err != nil {
		return "degraded", fmt.Sprintf("JWKS: невалидный JSON: %v", err)
	}
	if len(jwksResp.Keys) == 0 {
		return "degraded", "JWKS: нет ключей"
	}
	return "ok", fmt.Sprintf("JWKS доступен, ключей: %d", len(jwksResp.Keys))
}
