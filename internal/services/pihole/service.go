// Package pihole provides a session-authenticated client for the Pi-hole v6 API.
package pihole

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/fgeck/gocheckpoint/internal/models"
	"github.com/rs/zerolog"
)

// API endpoints, appended to the configured base URL.
const (
	authEndpoint       = "/api/auth"
	versionEndpoint    = "/api/info/version"
	teleporterEndpoint = "/api/teleporter"

	sessionHeader = "X-FTL-SID"
)

// Service defines the interface for appliance operations.
type Service interface {
	Authenticate(ctx context.Context) error
	EnsureAuthenticated(ctx context.Context) error
	DownloadBundle(ctx context.Context) ([]byte, error)
	UploadBundle(ctx context.Context, data []byte) (map[string]any, error)
	CheckReachability(ctx context.Context) (map[string]any, error)
}

// Factory builds a client for a set of credentials.
type Factory func(creds models.Credentials) Service

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Timeouts bounds each network call.
type Timeouts struct {
	Auth     time.Duration // auth and info calls
	Transfer time.Duration // bundle download and upload
}

// DefaultTimeouts returns the production timeouts.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Auth:     30 * time.Second,
		Transfer: 120 * time.Second,
	}
}

// Impl implements the Service interface.
type Impl struct {
	httpClient HTTPClient
	logger     zerolog.Logger
	baseURL    string
	password   string
	timeouts   Timeouts

	mu        sync.Mutex
	sessionID string
}

// New creates a new client. TLS verification follows creds.VerifySSL.
func New(logger zerolog.Logger, creds models.Credentials) *Impl {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{
		InsecureSkipVerify: !creds.VerifySSL, //nolint:gosec // self-signed appliance certificates are common
	}

	return NewWithClient(logger, &http.Client{Transport: transport}, creds, DefaultTimeouts())
}

// NewFactory returns a Factory producing production clients.
func NewFactory(logger zerolog.Logger) Factory {
	return func(creds models.Credentials) Service {
		return New(logger, creds)
	}
}

// NewWithClient creates a new client with a custom HTTP client (for testing).
func NewWithClient(logger zerolog.Logger, httpClient HTTPClient, creds models.Credentials, timeouts Timeouts) *Impl {
	return &Impl{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    strings.TrimRight(creds.URL, "/"),
		password:   creds.Password,
		timeouts:   timeouts,
	}
}

// authRequest is the request body for the auth endpoint.
type authRequest struct {
	Password string `json:"password"`
}

// authResponse is the subset of the auth response we need.
type authResponse struct {
	Session struct {
		SID string `json:"sid"`
	} `json:"session"`
}

// response holds a fully read HTTP response.
type response struct {
	body        []byte
	contentType string
}

// requestBuilder creates a fresh request; it is called again on retry.
type requestBuilder func(ctx context.Context) (*http.Request, error)

// url preserves any path prefix of the base URL (reverse-proxy setups).
func (s *Impl) url(endpoint string) string {
	return s.baseURL + endpoint
}

func (s *Impl) session() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *Impl) setSession(sid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = sid
}

// Authenticate obtains a new session, replacing any held one.
func (s *Impl) Authenticate(ctx context.Context) error {
	s.setSession("")

	body, err := json.Marshal(authRequest{Password: s.password})
	if err != nil {
		return fmt.Errorf("failed to marshal auth request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeouts.Auth)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url(authEndpoint), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Error().Err(err).Str("url", s.baseURL).Msg("authentication request failed")
		return classifyTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		return models.ErrInvalidCredentials
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &models.StatusError{Endpoint: authEndpoint, StatusCode: resp.StatusCode}
	}

	var parsed authResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("decoding authentication response: %w", err)
	}
	if parsed.Session.SID == "" {
		return fmt.Errorf("authentication response missing session id")
	}

	s.setSession(parsed.Session.SID)
	s.logger.Info().Str("url", s.baseURL).Msg("authenticated with Pi-hole")

	return nil
}

// EnsureAuthenticated authenticates only when no session is held.
func (s *Impl) EnsureAuthenticated(ctx context.Context) error {
	if s.session() != "" {
		return nil
	}
	return s.Authenticate(ctx)
}

// CheckReachability forces a fresh login and fetches the version info.
func (s *Impl) CheckReachability(ctx context.Context) (map[string]any, error) {
	if err := s.Authenticate(ctx); err != nil {
		return nil, err
	}

	res, err := s.sendWithReauth(ctx, s.timeouts.Auth, versionEndpoint, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, s.url(versionEndpoint), nil)
	})
	if err != nil {
		return nil, fmt.Errorf("fetching version info: %w", err)
	}

	var info map[string]any
	if err := json.Unmarshal(res.body, &info); err != nil {
		return nil, fmt.Errorf("decoding version info: %w", err)
	}

	return info, nil
}

// DownloadBundle fetches the Teleporter export.
func (s *Impl) DownloadBundle(ctx context.Context) ([]byte, error) {
	if err := s.EnsureAuthenticated(ctx); err != nil {
		return nil, err
	}

	res, err := s.sendWithReauth(ctx, s.timeouts.Transfer, teleporterEndpoint, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, s.url(teleporterEndpoint), nil)
	})
	if err != nil {
		return nil, fmt.Errorf("downloading teleporter bundle: %w", err)
	}

	if !strings.Contains(res.contentType, "zip") && !strings.Contains(res.contentType, "octet-stream") {
		s.logger.Warn().Str("content_type", res.contentType).Msg("unexpected content type for teleporter bundle")
	}

	s.logger.Info().Int("bytes", len(res.body)).Msg("downloaded teleporter bundle")

	return res.body, nil
}

// UploadBundle posts a Teleporter bundle for import.
func (s *Impl) UploadBundle(ctx context.Context, data []byte) (map[string]any, error) {
	if err := s.EnsureAuthenticated(ctx); err != nil {
		return nil, err
	}

	res, err := s.sendWithReauth(ctx, s.timeouts.Transfer, teleporterEndpoint, func(ctx context.Context) (*http.Request, error) {
		body, contentType, err := multipartBundle(data)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url(teleporterEndpoint), body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("uploading teleporter bundle: %w", err)
	}

	var result map[string]any
	if err := json.Unmarshal(res.body, &result); err != nil {
		return nil, fmt.Errorf("decoding upload response: %w", err)
	}

	s.logger.Info().Int("bytes", len(data)).Msg("uploaded teleporter bundle")

	return result, nil
}

// sendWithReauth sends once and, on a rejected session, re-authenticates and
// resends exactly once. A second rejection is fatal.
func (s *Impl) sendWithReauth(ctx context.Context, timeout time.Duration, endpoint string, build requestBuilder) (*response, error) {
	res, err := s.send(ctx, timeout, endpoint, build)
	if !errors.Is(err, models.ErrSessionExpired) {
		return res, err
	}

	s.logger.Info().Str("endpoint", endpoint).Msg("session expired, re-authenticating")

	if err := s.Authenticate(ctx); err != nil {
		return nil, err
	}

	res, err = s.send(ctx, timeout, endpoint, build)
	if errors.Is(err, models.ErrSessionExpired) {
		s.setSession("")
		return nil, fmt.Errorf("%w: %s rejected a fresh session", models.ErrInvalidCredentials, endpoint)
	}

	return res, err
}

// send performs a single request with the held session and reads the body
// within the call's timeout.
func (s *Impl) send(ctx context.Context, timeout time.Duration, endpoint string, build requestBuilder) (*response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := build(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if sid := s.session(); sid != "" {
		req.Header.Set(sessionHeader, sid)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, models.ErrSessionExpired
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &models.StatusError{Endpoint: endpoint, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError(err)
	}

	return &response{body: body, contentType: resp.Header.Get("Content-Type")}, nil
}

// multipartBundle encodes data as the "file" form field.
func multipartBundle(data []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="backup.zip"`)
	header.Set("Content-Type", "application/zip")

	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}

	return &buf, w.FormDataContentType(), nil
}

// classifyTransportError maps a transport failure onto the error taxonomy.
func classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	var (
		verifyErr    *tls.CertificateVerificationError
		authorityErr x509.UnknownAuthorityError
		hostnameErr  x509.HostnameError
		invalidErr   x509.CertificateInvalidError
		recordErr    tls.RecordHeaderError
	)
	switch {
	case errors.As(err, &verifyErr), errors.As(err, &authorityErr), errors.As(err, &hostnameErr),
		errors.As(err, &invalidErr), errors.As(err, &recordErr):
		return fmt.Errorf("%w: %v. Try disabling SSL verification", models.ErrTLS, err)
	case errors.Is(err, context.DeadlineExceeded) || isTimeout(err):
		return fmt.Errorf("%w: %v", models.ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", models.ErrUnreachable, err)
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// VersionString extracts version.core.local.version from a version info response.
func VersionString(info map[string]any) string {
	node := any(info)
	for _, key := range []string{"version", "core", "local", "version"} {
		m, ok := node.(map[string]any)
		if !ok {
			return "unknown"
		}
		node = m[key]
	}
	if v, ok := node.(string); ok && v != "" {
		return v
	}
	return "unknown"
}
