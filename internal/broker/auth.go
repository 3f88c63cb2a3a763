package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/pquerna/otp/totp"
)

const (
	defaultRootURL = "https://apiconnect.angelone.in"
	loginRoute     = "/rest/auth/angelbroking/user/v1/loginByPassword"
	candleRoute    = "/rest/secure/angelbroking/historical/v1/getCandleData"

	loginTimeout  = 10 * time.Second
	loginAttempts = 3
	loginBackoff  = 5 * time.Second
)

// Credentials are the broker API credentials from the environment.
type Credentials struct {
	APIKey     string
	ClientCode string
	Password   string
	TOTPSecret string
}

// Session holds the tokens returned by a successful login. AuthToken goes in
// the Authorization header, FeedToken on the websocket dial.
type Session struct {
	AuthToken    string
	RefreshToken string
	FeedToken    string
}

// Auth performs the TOTP session login against the broker REST API.
type Auth struct {
	creds   Credentials
	rootURL string
	client  *http.Client
	log     *slog.Logger
}

// NewAuth creates an auth client. rootURL may be empty for the production
// endpoint.
func NewAuth(creds Credentials, rootURL string, log *slog.Logger) *Auth {
	if rootURL == "" {
		rootURL = defaultRootURL
	}
	return &Auth{
		creds:   creds,
		rootURL: rootURL,
		client:  &http.Client{Timeout: loginTimeout},
		log:     log,
	}
}

type loginRequest struct {
	ClientCode string `json:"clientcode"`
	Password   string `json:"password"`
	TOTP       string `json:"totp"`
}

type loginResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		JWTToken     string `json:"jwtToken"`
		RefreshToken string `json:"refreshToken"`
		FeedToken    string `json:"feedToken"`
	} `json:"data"`
}

// Login generates a fresh TOTP and logs in, retrying up to 3 times with a
// 5s backoff. All attempts failing is fatal for the caller (exit code 2).
func (a *Auth) Login(ctx context.Context) (*Session, error) {
	var lastErr error
	for attempt := 1; attempt <= loginAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(loginBackoff):
			}
		}
		sess, err := a.login(ctx)
		if err == nil {
			a.log.Info("broker session established", "client", a.creds.ClientCode, "attempt", attempt)
			return sess, nil
		}
		lastErr = err
		a.log.Warn("broker login failed", "attempt", attempt, "error", err)
	}
	return nil, fmt.Errorf("broker login failed after %d attempts: %w", loginAttempts, lastErr)
}

func (a *Auth) login(ctx context.Context) (*Session, error) {
	code, err := totp.GenerateCode(a.creds.TOTPSecret, time.Now())
	if err != nil {
		return nil, fmt.Errorf("generate totp: %w", err)
	}

	body, _ := json.Marshal(loginRequest{
		ClientCode: a.creds.ClientCode,
		Password:   a.creds.Password,
		TOTP:       code,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.rootURL+loginRoute, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	a.setHeaders(req, "")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read login response: %w", err)
	}
	var lr loginResponse
	if err := json.Unmarshal(raw, &lr); err != nil {
		return nil, fmt.Errorf("parse login response: %w", err)
	}
	if !lr.Status || lr.Data.JWTToken == "" {
		return nil, fmt.Errorf("login rejected: %s", lr.Message)
	}
	return &Session{
		AuthToken:    lr.Data.JWTToken,
		RefreshToken: lr.Data.RefreshToken,
		FeedToken:    lr.Data.FeedToken,
	}, nil
}

func (a *Auth) setHeaders(req *http.Request, authToken string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-PrivateKey", a.creds.APIKey)
	req.Header.Set("X-UserType", "USER")
	req.Header.Set("X-SourceID", "WEB")
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}
}
