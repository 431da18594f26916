package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/cuongbtq/transform-adapter/internal/worker/domain"
	"github.com/cuongbtq/transform-adapter/shared/retry"
)

// Config is the read-only credential configuration shared by all jobs
type Config struct {
	Key             []byte
	FallbackEnabled bool
	// RefreshMargin treats tokens expiring within the margin as stale
	RefreshMargin time.Duration
	// Retry bounds repeated exchanges after transient login service failures
	Retry      retry.Policy
	HTTPClient *http.Client
}

// FallbackRequest carries the shared application identity used for fallback authentication
type FallbackRequest struct {
	Username    string
	Password    string
	ClientID    string
	Host        string
	RedirectURI string
}

func (r FallbackRequest) cacheKey() string {
	return r.Host + "|" + r.ClientID + "|" + r.Username
}

// TokenURL is the login service token endpoint for the request's host
func (r FallbackRequest) TokenURL() string {
	return fmt.Sprintf("https://%s/oauth/token", r.Host)
}

// Vault decrypts embedded tokens and runs the opt-in fallback exchange
type Vault struct {
	config Config
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]*oauth2.Token
}

// New creates a vault
func New(config Config, logger *slog.Logger) *Vault {
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Vault{
		config: config,
		logger: logger,
		now:    time.Now,
		cache:  make(map[string]*oauth2.Token),
	}
}

// Decrypt opens an embedded token with the process key
func (v *Vault) Decrypt(cipherText string) (string, error) {
	return Decrypt(cipherText, v.config.Key)
}

// FallbackEnabled reports whether fallback authentication may be used
func (v *Vault) FallbackEnabled() bool {
	return v.config.FallbackEnabled
}

// ResolveFallback exchanges the shared identity's password for a bearer token.
// It refuses to run unless fallback authentication is enabled.
func (v *Vault) ResolveFallback(ctx context.Context, req FallbackRequest) (*domain.ResolvedCredential, error) {
	if !v.config.FallbackEnabled {
		return nil, domain.ErrFallbackDisabled
	}

	v.mu.Lock()
	cached, ok := v.cache[req.cacheKey()]
	v.mu.Unlock()
	if ok && v.fresh(cached) {
		v.logger.Debug("Using cached fallback token", slog.String("host", req.Host))
		return toCredential(cached), nil
	}

	return v.exchange(ctx, req)
}

// Refresh obtains a new token for a fallback credential. Tokens supplied with the
// job cannot be refreshed.
func (v *Vault) Refresh(ctx context.Context, cred *domain.ResolvedCredential, req FallbackRequest) (*domain.ResolvedCredential, error) {
	if cred == nil || cred.Source != domain.StrategyOAuthFallback {
		return nil, &domain.AuthError{Err: errors.New("only fallback credentials can be refreshed")}
	}
	if !v.config.FallbackEnabled {
		return nil, domain.ErrFallbackDisabled
	}
	return v.exchange(ctx, req)
}

func (v *Vault) exchange(ctx context.Context, req FallbackRequest) (*domain.ResolvedCredential, error) {
	if req.Host == "" || req.Username == "" || req.ClientID == "" {
		return nil, &domain.AuthError{Err: errors.New("fallback authentication is not fully configured")}
	}

	conf := &oauth2.Config{
		ClientID:    req.ClientID,
		RedirectURL: req.RedirectURI,
		Endpoint: oauth2.Endpoint{
			TokenURL:  req.TokenURL(),
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, v.config.HTTPClient)

	v.logger.Info("Requesting fallback token", slog.String("host", req.Host))

	tok, err := retry.DoValue(ctx, v.config.Retry, func(ctx context.Context) (*oauth2.Token, error) {
		tok, err := conf.PasswordCredentialsToken(ctx, req.Username, req.Password)
		if err != nil {
			authErr := classifyExchangeError(err)
			if !authErr.Transient {
				return nil, retry.Permanent(authErr)
			}
			return nil, authErr
		}
		return tok, nil
	}, func(attempt int, err error, wait time.Duration) {
		v.logger.Warn("Fallback token exchange failed, retrying",
			slog.String("host", req.Host),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.Any("error", err),
		)
	})
	if err != nil {
		var authErr *domain.AuthError
		if errors.As(err, &authErr) {
			return nil, authErr
		}
		return nil, &domain.AuthError{Err: err}
	}

	if !tok.Expiry.IsZero() {
		v.mu.Lock()
		v.cache[req.cacheKey()] = tok
		v.mu.Unlock()
	}

	return toCredential(tok), nil
}

func (v *Vault) fresh(tok *oauth2.Token) bool {
	return tok.AccessToken != "" && v.now().Add(v.config.RefreshMargin).Before(tok.Expiry)
}

func classifyExchangeError(err error) *domain.AuthError {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		status := retrieveErr.Response.StatusCode
		transient := status >= http.StatusInternalServerError || status == http.StatusTooManyRequests
		return &domain.AuthError{
			Transient: transient,
			Err:       fmt.Errorf("token exchange returned status %d", status),
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &domain.AuthError{Err: err}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &domain.AuthError{Transient: true, Err: fmt.Errorf("failed to reach login service: %w", err)}
	}
	return &domain.AuthError{Err: fmt.Errorf("invalid token response: %w", err)}
}

func toCredential(tok *oauth2.Token) *domain.ResolvedCredential {
	return &domain.ResolvedCredential{
		Token:  tok.AccessToken,
		Source: domain.StrategyOAuthFallback,
		Expiry: tok.Expiry,
	}
}
