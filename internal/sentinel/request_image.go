package sentinel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/forest-guardian/cropmap/internal/logging"
	"github.com/forest-guardian/cropmap/internal/properties"
	"github.com/paulmach/orb"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
)

var (
	ErrImageNotFound      = errors.New("image not found")
	ErrUnauthorized       = errors.New("unauthorized access, check your client ID and secret")
	ErrMissingCredentials = errors.New("missing required environment variables: COPERNICUS_CLIENT_ID, COPERNICUS_CLIENT_SECRET, or COPERNICUS_TOKEN_URL")
)

type Credential struct {
	ClientID     string
	ClientSecret string
}

type ClientConfig struct {
	ProcessURL        string
	TokenURL          string
	Credentials       []Credential
	Retries           int
	RetryWait         time.Duration
	RequestsPerMinute int
	ResolutionM       float64
	MaxImagePx        int
}

// CredentialsFromEnv reads the comma separated client id and secret lists.
// Pairs are matched by position.
func CredentialsFromEnv() ([]Credential, error) {
	clientIDs := properties.CopernicusClientIDs()
	clientSecrets := properties.CopernicusClientSecrets()
	if clientIDs == "" || clientSecrets == "" || properties.CopernicusTokenURL() == "" {
		return nil, ErrMissingCredentials
	}

	clientIDList := strings.Split(clientIDs, ",")
	clientSecretList := strings.Split(clientSecrets, ",")
	if len(clientIDList) != len(clientSecretList) {
		return nil, fmt.Errorf("mismatched number of client IDs (%d) and secrets (%d)", len(clientIDList), len(clientSecretList))
	}

	credentials := make([]Credential, 0, len(clientIDList))
	for i := range clientIDList {
		id, secret := strings.TrimSpace(clientIDList[i]), strings.TrimSpace(clientSecretList[i])
		if id == "" || secret == "" {
			return nil, fmt.Errorf("empty client credential at position %d", i)
		}
		credentials = append(credentials, Credential{ClientID: id, ClientSecret: secret})
	}
	return credentials, nil
}

// Client talks to the Sentinel Hub Process API. It is safe for concurrent
// use: the limiter and breaker are shared by every caller.
type Client struct {
	cfg         ClientConfig
	httpClients []*http.Client
	limiter     *rate.Limiter
	breaker     *gobreaker.CircuitBreaker[[]byte]
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if len(cfg.Credentials) == 0 || cfg.TokenURL == "" {
		return nil, ErrMissingCredentials
	}
	if cfg.ProcessURL == "" {
		cfg.ProcessURL = properties.CopernicusProcessURL()
	}
	if cfg.Retries < 1 {
		cfg.Retries = 1
	}

	httpClients := make([]*http.Client, 0, len(cfg.Credentials))
	for _, credential := range cfg.Credentials {
		config := &clientcredentials.Config{
			ClientID:     credential.ClientID,
			ClientSecret: credential.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		httpClients = append(httpClients, config.Client(context.Background()))
	}

	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute))
	}

	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "sentinel-process-api",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, ErrImageNotFound) ||
				errors.Is(err, ErrUnauthorized) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})

	return &Client{
		cfg:         cfg,
		httpClients: httpClients,
		limiter:     rate.NewLimiter(limit, 1),
		breaker:     breaker,
	}, nil
}

// RequestImage downloads the Process API GeoTIFF for bound over [from, to).
// Each credential pair is tried in order; an authorization failure moves on
// to the next pair, any other failure is retried up to cfg.Retries times.
func (c *Client) RequestImage(ctx context.Context, bound orb.Bound, from, to time.Time) ([]byte, error) {
	width, height := ImageSize(bound, c.cfg.ResolutionM, c.cfg.MaxImagePx)
	requestBody, err := json.Marshal(BuildRequest(bound, from, to, width, height))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request payload: %w", err)
	}

	logger := logging.FromContext(ctx)
	var lastErr error
	for i, httpClient := range c.httpClients {
		content, err := c.requestWithRetry(ctx, httpClient, requestBody)
		if err == nil {
			return content, nil
		}
		if !errors.Is(err, ErrUnauthorized) {
			return nil, err
		}
		logger.Warn("credential rejected, trying next",
			slog.Int("credential", i),
			slog.String("client_id", c.cfg.Credentials[i].ClientID))
		lastErr = err
	}
	return nil, lastErr
}

func (c *Client) requestWithRetry(ctx context.Context, httpClient *http.Client, requestBody []byte) ([]byte, error) {
	logger := logging.FromContext(ctx)

	var err error
	for attempt := 1; attempt <= c.cfg.Retries; attempt++ {
		var content []byte
		content, err = c.breaker.Execute(func() ([]byte, error) {
			return c.post(ctx, httpClient, requestBody)
		})
		if err == nil {
			return content, nil
		}
		if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrImageNotFound) || ctx.Err() != nil {
			return nil, err
		}
		logger.Warn("image request failed",
			slog.Int("attempt", attempt),
			slog.Int("retries", c.cfg.Retries),
			slog.String("error", err.Error()))

		if attempt == c.cfg.Retries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.cfg.RetryWait):
		}
	}
	return nil, fmt.Errorf("failed to request image after %d attempts: %w", c.cfg.Retries, err)
}

func (c *Client) post(ctx context.Context, httpClient *http.Client, requestBody []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ProcessURL, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "image/tiff")

	response, err := httpClient.Do(req)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil &&
			(retrieveErr.Response.StatusCode == http.StatusUnauthorized || retrieveErr.Response.StatusCode == http.StatusBadRequest) {
			return nil, fmt.Errorf("%w: token endpoint returned %d", ErrUnauthorized, retrieveErr.Response.StatusCode)
		}
		return nil, err
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	switch response.StatusCode {
	case http.StatusOK:
		if len(body) == 0 {
			return nil, ErrImageNotFound
		}
		return body, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", ErrUnauthorized, response.StatusCode)
	case http.StatusNotFound:
		return nil, ErrImageNotFound
	default:
		return nil, fmt.Errorf("process api returned %d: %s", response.StatusCode, truncate(string(body), 512))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
