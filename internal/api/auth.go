package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"

	"cleandispatch/internal/config"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const (
	apiKeyHeaderDefault   = "x-api-key"
	apiExtraHeaderDefault = "x-api-extra"
	accountHeaderDefault  = "x-account-id"
	permWriteSessions     = "write:sessions"
	permReadRecords       = "read:records"
	permReadHealth        = "read:health"
	clientKeyUnknown      = "unknown"
	requestIDMetadataKey  = "x-request-id"
	healthCheckFullMethod = "/grpc.health.v1.Health/Check"
	healthWatchFullMethod = "/grpc.health.v1.Health/Watch"
	healthListFullMethod  = "/grpc.health.v1.Health/List"
)

var (
	errMissingKey       = errors.New("missing api key headers")
	errInvalidKey       = errors.New("invalid api key")
	errInvalidExtra     = errors.New("invalid extra header")
	errPermissionDenied = errors.New("permission denied")
	errRateLimited      = errors.New("rate limit exceeded")
)

// keyring verifies API key pairs and their permissions for both transports.
type keyring struct {
	cfg     config.APIAuthConfig
	clients map[string]config.APIClientKey
}

func newKeyring(cfg config.APIAuthConfig) *keyring {
	m := make(map[string]config.APIClientKey, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		m[k.Key] = k
	}
	return &keyring{cfg: cfg, clients: m}
}

func (k *keyring) header(configured, fallback string) string {
	h := strings.ToLower(strings.TrimSpace(configured))
	if h == "" {
		return fallback
	}
	return h
}

func (k *keyring) apiKeyHeader() string  { return k.header(k.cfg.HeaderAPIKey, apiKeyHeaderDefault) }
func (k *keyring) extraHeader() string   { return k.header(k.cfg.HeaderExtra, apiExtraHeaderDefault) }
func (k *keyring) accountHeader() string { return k.header(k.cfg.HeaderAccountID, accountHeaderDefault) }

// verify checks the key pair and that the client holds the required permission.
// An empty permission list allows everything.
func (k *keyring) verify(apiKey, extra, required string) error {
	if apiKey == "" || extra == "" {
		return errMissingKey
	}
	client, ok := k.clients[apiKey]
	if !ok {
		return errInvalidKey
	}
	if subtle.ConstantTimeCompare([]byte(client.Extra), []byte(extra)) != 1 {
		return errInvalidExtra
	}
	if required == "" || len(client.Permissions) == 0 {
		return nil
	}
	for _, p := range client.Permissions {
		if strings.TrimSpace(p) == required {
			return nil
		}
	}
	return errPermissionDenied
}

type accountKey struct{}

// WithAccount stores the caller's account id in ctx.
func WithAccount(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, accountKey{}, accountID)
}

// AccountFrom returns the caller's account id, or "" for anonymous callers.
func AccountFrom(ctx context.Context) string {
	v, _ := ctx.Value(accountKey{}).(string)
	return v
}

// HTTPAuth provides API-key auth, per-key rate limiting and caller identity
// for the HTTP surface.
type HTTPAuth struct {
	cfg     config.APIConfig
	keys    *keyring
	limiter *rateLimiter
}

func NewHTTPAuth(cfg config.APIConfig) *HTTPAuth {
	return &HTTPAuth{
		cfg:     cfg,
		keys:    newKeyring(cfg.Auth),
		limiter: newRateLimiter(cfg.RateLimit),
	}
}

func (a *HTTPAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		if a.cfg.Auth.Enabled {
			err := a.keys.verify(
				strings.TrimSpace(r.Header.Get(a.keys.apiKeyHeader())),
				strings.TrimSpace(r.Header.Get(a.keys.extraHeader())),
				requiredPermissionHTTP(r),
			)
			if err != nil {
				statusCode := http.StatusUnauthorized
				if errors.Is(err, errPermissionDenied) {
					statusCode = http.StatusForbidden
				}
				writeError(w, statusCode, err.Error())
				return
			}
		}

		if !a.limiter.allow(a.clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, errRateLimited.Error())
			return
		}

		account := strings.TrimSpace(r.Header.Get(a.keys.accountHeader()))
		next.ServeHTTP(w, r.WithContext(WithAccount(r.Context(), account)))
	})
}

func requiredPermissionHTTP(r *http.Request) string {
	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, "/api/v1/sessions"):
		return permWriteSessions
	case strings.HasPrefix(path, "/api/v1/providers"),
		strings.HasPrefix(path, "/api/v1/bookings"),
		strings.HasPrefix(path, "/api/v1/repairs"):
		return permReadRecords
	}
	return ""
}

func (a *HTTPAuth) clientKey(r *http.Request) string {
	if apiKey := strings.TrimSpace(r.Header.Get(a.keys.apiKeyHeader())); apiKey != "" {
		return apiKey
	}
	if account := strings.TrimSpace(r.Header.Get(a.keys.accountHeader())); account != "" {
		return "account:" + account
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return clientKeyUnknown
}

// AuthInterceptor applies the same key checks and rate limits to gRPC calls.
type AuthInterceptor struct {
	cfg     config.APIConfig
	keys    *keyring
	limiter *rateLimiter
}

func NewAuthInterceptor(cfg config.APIConfig) *AuthInterceptor {
	return &AuthInterceptor{
		cfg:     cfg,
		keys:    newKeyring(cfg.Auth),
		limiter: newRateLimiter(cfg.RateLimit),
	}
}

func (a *AuthInterceptor) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if a.cfg.Auth.Enabled {
			if err := a.checkAuth(ctx, info.FullMethod); err != nil {
				return nil, err
			}
		}
		if !a.limiter.allow(a.clientKey(ctx)) {
			return nil, status.Error(codes.ResourceExhausted, errRateLimited.Error())
		}
		return handler(ctx, req)
	}
}

func (a *AuthInterceptor) checkAuth(ctx context.Context, fullMethod string) error {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}

	err := a.keys.verify(first(md.Get(a.keys.apiKeyHeader())), first(md.Get(a.keys.extraHeader())), requiredPermission(fullMethod))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errPermissionDenied):
		return status.Error(codes.PermissionDenied, err.Error())
	default:
		return status.Error(codes.Unauthenticated, err.Error())
	}
}

func requiredPermission(fullMethod string) string {
	switch fullMethod {
	case healthCheckFullMethod, healthWatchFullMethod, healthListFullMethod:
		return permReadHealth
	default:
		return ""
	}
}

func (a *AuthInterceptor) clientKey(ctx context.Context) string {
	md, _ := metadata.FromIncomingContext(ctx)
	if apiKey := first(md.Get(a.keys.apiKeyHeader())); apiKey != "" {
		return apiKey
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return clientKeyUnknown
}

func first(vals []string) string {
	if len(vals) == 0 {
		return ""
	}
	return strings.TrimSpace(vals[0])
}
