package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	syncerrors "github.com/alexjbarnes/cloud-mirror/internal/errors"
	"github.com/alexjbarnes/cloud-mirror/internal/metadata"
)

const (
	// primaryHTTPTimeout bounds a single primary call, long enough for a
	// full-size upload on a slow link.
	primaryHTTPTimeout = 30 * time.Minute

	// maxPrimaryResponseBytes caps JSON response reads.
	maxPrimaryResponseBytes = 1024 * 1024

	// rateLimitMargin is added to the server's retry_after before retrying.
	rateLimitMargin = time.Second

	// maxRateLimitWait caps a single rate-limit sleep.
	maxRateLimitWait = 5 * time.Minute

	// defaultRateLimitRetries bounds 429 retries when none is configured.
	defaultRateLimitRetries = 5

	// requestIDHeader carries a per-call correlation id.
	requestIDHeader = "X-Request-ID"
)

// PrimaryConfig holds the parameters for the primary endpoint.
type PrimaryConfig struct {
	BaseURL    string
	Token      string
	ChatID     string
	MaxBytes   int64
	MaxRetries int
	Gate       *RateGate
	HTTPClient *http.Client
}

// Identity is the account behind the primary endpoint token.
type Identity struct {
	ID       int64
	Username string
}

// PrimaryClient talks to the stateless request/response endpoint. Every
// call passes through the shared RateGate first.
type PrimaryClient struct {
	httpClient *http.Client
	baseURL    string
	token      string
	chatID     string
	maxBytes   int64
	maxRetries int
	gate       *RateGate
	logger     *slog.Logger

	// retryWait sleeps between rate-limited attempts. Replaced in tests.
	retryWait func(ctx context.Context, d time.Duration) error
}

// NewPrimaryClient creates a primary endpoint client. A nil Gate gets a
// gate with no spacing; a nil HTTPClient gets one with a 30 minute
// timeout.
func NewPrimaryClient(cfg PrimaryConfig, logger *slog.Logger) *PrimaryClient {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: primaryHTTPTimeout}
	}

	gate := cfg.Gate
	if gate == nil {
		gate = NewRateGate(0)
	}

	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultPrimaryMaxBytes
	}

	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = defaultRateLimitRetries
	}

	return &PrimaryClient{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		chatID:     cfg.ChatID,
		maxBytes:   maxBytes,
		maxRetries: maxRetries,
		gate:       gate,
		logger:     logger,
		retryWait:  waitWithContext,
	}
}

// MaxBytes returns the largest payload the primary endpoint accepts.
func (c *PrimaryClient) MaxBytes() int64 {
	return c.maxBytes
}

// Send uploads the file at path as a document with the given caption.
func (c *PrimaryClient) Send(ctx context.Context, path, caption string, progress ProgressFunc) (*metadata.PrimaryRef, error) {
	result, err := c.withRateLimitRetry(ctx, "sendDocument", func(ctx context.Context) (gjson.Result, error) {
		return c.sendOnce(ctx, path, caption, progress)
	})
	if err != nil {
		return nil, fmt.Errorf("sending %s: %w", filepath.Base(path), err)
	}

	ref := &metadata.PrimaryRef{
		MessageID: result.Get("message_id").Int(),
		BlobID:    result.Get("document.file_id").String(),
	}
	if ref.BlobID == "" {
		return nil, fmt.Errorf("sending %s: response missing document.file_id: %w", filepath.Base(path), syncerrors.ErrRemoteRejected)
	}

	return ref, nil
}

func (c *PrimaryClient) sendOnce(ctx context.Context, path, caption string, progress ProgressFunc) (gjson.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("opening upload: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return gjson.Result{}, fmt.Errorf("stat upload: %w", err)
	}

	tracker := newProgressTracker(info.Size(), progress)

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeDocumentForm(mw, c.chatID, caption, filepath.Base(path), &countingReader{r: f, tracker: tracker}))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL("sendDocument"), pr)
	if err != nil {
		pr.Close()
		return gjson.Result{}, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", mw.FormDataContentType())

	return c.do(req)
}

// writeDocumentForm streams the multipart body for sendDocument.
func writeDocumentForm(mw *multipart.Writer, chatID, caption, name string, content io.Reader) error {
	if err := mw.WriteField("chat_id", chatID); err != nil {
		return err
	}

	if caption != "" {
		if err := mw.WriteField("caption", caption); err != nil {
			return err
		}
	}

	part, err := mw.CreateFormFile("document", name)
	if err != nil {
		return err
	}

	if _, err := io.Copy(part, content); err != nil {
		return err
	}

	return mw.Close()
}

// Me returns the identity behind the configured token.
func (c *PrimaryClient) Me(ctx context.Context) (*Identity, error) {
	result, err := c.withRateLimitRetry(ctx, "getMe", func(ctx context.Context) (gjson.Result, error) {
		return c.get(ctx, "getMe", nil)
	})
	if err != nil {
		return nil, fmt.Errorf("checking primary identity: %w", err)
	}

	return &Identity{
		ID:       result.Get("id").Int(),
		Username: result.Get("username").String(),
	}, nil
}

// Download fetches the blob identified by blobID into dest.
func (c *PrimaryClient) Download(ctx context.Context, blobID, dest string, progress ProgressFunc) error {
	result, err := c.withRateLimitRetry(ctx, "getFile", func(ctx context.Context) (gjson.Result, error) {
		return c.get(ctx, "getFile", url.Values{"file_id": {blobID}})
	})
	if err != nil {
		return fmt.Errorf("resolving blob: %w", err)
	}

	filePath := result.Get("file_path").String()
	if filePath == "" {
		return fmt.Errorf("resolving blob: response missing file_path: %w", syncerrors.ErrRemoteRejected)
	}

	if err := c.gate.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/file/bot"+c.token+"/"+filePath, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set(requestIDHeader, uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("downloading blob: %w", redactURLError(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxPrimaryResponseBytes))
		return fmt.Errorf("downloading blob: %w", &APIError{Status: resp.StatusCode, Description: sanitizeResponseBody(body)})
	}

	total := result.Get("file_size").Int()
	if total <= 0 {
		total = resp.ContentLength
	}

	tracker := newProgressTracker(total, progress)

	if _, err := streamToFile(dest, &countingReader{r: resp.Body, tracker: tracker}); err != nil {
		return fmt.Errorf("downloading blob: %w", err)
	}

	return nil
}

// withRateLimitRetry runs call behind the rate gate, retrying on 429 up
// to maxRetries times. Each wait is the server's retry_after plus a one
// second margin, capped at maxRateLimitWait.
func (c *PrimaryClient) withRateLimitRetry(ctx context.Context, method string, call func(ctx context.Context) (gjson.Result, error)) (gjson.Result, error) {
	for attempt := 0; ; attempt++ {
		if err := c.gate.Wait(ctx); err != nil {
			return gjson.Result{}, err
		}

		result, err := call(ctx)
		if err == nil {
			return result, nil
		}

		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Status != http.StatusTooManyRequests {
			return gjson.Result{}, err
		}

		if attempt >= c.maxRetries {
			return gjson.Result{}, fmt.Errorf("%s after %d retries: %w: %w", method, attempt, syncerrors.ErrRateLimited, err)
		}

		delay := min(apiErr.RetryAfter+rateLimitMargin, maxRateLimitWait)

		c.logger.Warn("primary endpoint rate limited",
			slog.String("method", method),
			slog.Duration("retry_in", delay),
			slog.Int("attempt", attempt+1),
		)

		if err := c.retryWait(ctx, delay); err != nil {
			return gjson.Result{}, err
		}
	}
}

func (c *PrimaryClient) get(ctx context.Context, method string, query url.Values) (gjson.Result, error) {
	u := c.methodURL(method)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("creating request: %w", err)
	}

	return c.do(req)
}

// do sends req and decodes the {"ok":..,"result":..} envelope.
func (c *PrimaryClient) do(req *http.Request) (gjson.Result, error) {
	req.Header.Set(requestIDHeader, uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("calling primary endpoint: %w", redactURLError(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPrimaryResponseBytes))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("reading primary response: %w", err)
	}

	return parseEnvelope(resp, body)
}

func parseEnvelope(resp *http.Response, body []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, &APIError{
			Status:      resp.StatusCode,
			Description: sanitizeResponseBody(body),
			RetryAfter:  parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	env := gjson.ParseBytes(body)
	if resp.StatusCode == http.StatusOK && env.Get("ok").Bool() {
		return env.Get("result"), nil
	}

	apiErr := &APIError{
		Status:      resp.StatusCode,
		Code:        int(env.Get("error_code").Int()),
		Description: env.Get("description").String(),
	}

	if ra := env.Get("parameters.retry_after"); ra.Exists() {
		apiErr.RetryAfter = time.Duration(ra.Int()) * time.Second
	} else {
		apiErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}

	// Some error envelopes arrive with HTTP 200.
	if apiErr.Status == http.StatusOK && apiErr.Code != 0 {
		apiErr.Status = apiErr.Code
	}

	return gjson.Result{}, apiErr
}

func (c *PrimaryClient) methodURL(method string) string {
	return c.baseURL + "/bot" + c.token + "/" + method
}

// parseRetryAfter reads a Retry-After header as seconds or an HTTP date.
func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}

	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}

	return 0
}

// redactURLError strips the request URL from transport errors, since
// the primary endpoint embeds the token in the path.
func redactURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return fmt.Errorf("%s: %w", ue.Op, ue.Err)
	}

	return err
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
