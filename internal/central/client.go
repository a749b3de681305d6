package central

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// ModelMeta is the version descriptor of the current global model as
// published by the aggregator.
type ModelMeta struct {
	Id        string    `json:"id"`
	Version   string    `json:"version"`
	Checksum  string    `json:"checksum"`
	CreatedAt time.Time `json:"created_at"`
	Url       string    `json:"url"`
}

// DeltaSubmission is one outbound weight update. Kind distinguishes
// hospital-level from per-patient fine-tuning.
type DeltaSubmission struct {
	ClientId    string
	Kind        string
	NumExamples int
	ModelArch   string
	SdKeysHash  string
	DeltaPath   string
}

// Client talks to the central aggregator. API calls go through /v1 with a
// bearer token from the session manager; artifact downloads resolve
// host-relative URLs against the bare host, matching how the aggregator
// publishes them.
type Client struct {
	api      *resty.Client
	download *resty.Client
	session  *SessionManager
}

func NewClient(baseURL, username, password string) *Client {
	base := strings.TrimRight(baseURL, "/")
	api := resty.New().SetBaseURL(base + "/v1")
	return &Client{
		api:      api,
		download: resty.New().SetBaseURL(base),
		session:  NewSessionManager(api, username, password),
	}
}

func (c *Client) Session() *SessionManager {
	return c.session
}

// CurrentModel fetches the current global model descriptor. A 401 response
// invalidates the cached session and the call is retried once with a fresh
// token.
func (c *Client) CurrentModel(ctx context.Context) (ModelMeta, error) {
	var meta ModelMeta

	res, tok, err := c.authedGet(ctx, "/models/current", &meta)
	if err != nil {
		return ModelMeta{}, err
	}
	if res.StatusCode() == http.StatusUnauthorized {
		c.session.Invalidate(tok)
		slog.Info("central session expired, re-authenticating")
		if res, _, err = c.authedGet(ctx, "/models/current", &meta); err != nil {
			return ModelMeta{}, err
		}
	}
	if !res.IsSuccess() {
		return ModelMeta{}, fmt.Errorf("fetching current model returned status %d: %s", res.StatusCode(), res.String())
	}
	return meta, nil
}

func (c *Client) authedGet(ctx context.Context, path string, out any) (*resty.Response, string, error) {
	tok, err := c.session.Token(ctx)
	if err != nil {
		return nil, "", err
	}
	res, err := c.api.R().
		SetContext(ctx).
		SetAuthToken(tok).
		SetResult(out).
		Get(path)
	if err != nil {
		return nil, tok, fmt.Errorf("error calling central aggregator: %w", err)
	}
	return res, tok, nil
}

// DownloadModel streams the model artifact at url (absolute, or relative to
// the aggregator host) to dest.
func (c *Client) DownloadModel(ctx context.Context, url, dest string) error {
	res, err := c.download.R().
		SetContext(ctx).
		SetOutput(dest).
		Get(url)
	if err != nil {
		return fmt.Errorf("error downloading model artifact: %w", err)
	}
	if !res.IsSuccess() {
		return fmt.Errorf("model artifact download returned status %d", res.StatusCode())
	}
	return nil
}

// PostDelta submits one weight delta with its provenance metadata. 401
// refreshes the session and retries once; any other 4xx is a fatal
// UploadError, 5xx and transport failures are retryable ones.
func (c *Client) PostDelta(ctx context.Context, sub DeltaSubmission) error {
	res, tok, err := c.postDeltaOnce(ctx, sub)
	if err != nil {
		return err
	}
	if res.StatusCode() == http.StatusUnauthorized {
		c.session.Invalidate(tok)
		slog.Info("central session expired, re-authenticating")
		if res, _, err = c.postDeltaOnce(ctx, sub); err != nil {
			return err
		}
	}

	switch {
	case res.IsSuccess():
		return nil
	case res.StatusCode() >= 500:
		return &UploadError{
			StatusCode: res.StatusCode(),
			Retryable:  true,
			Err:        fmt.Errorf("aggregator error: %s", res.String()),
		}
	default:
		return &UploadError{
			StatusCode: res.StatusCode(),
			Retryable:  false,
			Err:        fmt.Errorf("aggregator rejected delta: %s", res.String()),
		}
	}
}

func (c *Client) postDeltaOnce(ctx context.Context, sub DeltaSubmission) (*resty.Response, string, error) {
	tok, err := c.session.Token(ctx)
	if err != nil {
		return nil, "", err
	}

	fields := map[string]string{
		"client_id":    sub.ClientId,
		"kind":         sub.Kind,
		"num_examples": fmt.Sprintf("%d", sub.NumExamples),
	}
	if sub.ModelArch != "" {
		fields["model_arch"] = sub.ModelArch
	}
	if sub.SdKeysHash != "" {
		fields["sd_keys_hash"] = sub.SdKeysHash
	}

	res, err := c.api.R().
		SetContext(ctx).
		SetAuthToken(tok).
		SetMultipartFormData(fields).
		SetFile("delta", sub.DeltaPath).
		Post("/deltas")
	if err != nil {
		return nil, tok, &UploadError{Retryable: true, Err: err}
	}
	return res, tok, nil
}
