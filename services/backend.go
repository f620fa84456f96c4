package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

// Backend is a typed client for the ASF backend endpoints.
type Backend struct {
	baseURL string
	client  *http.Client
}

type Image struct {
	Filename    string
	ContentType string
	Data        []byte
}

type PredictRequest struct {
	Image        Image
	User         string
	Organization string
	Lat          float64
	Lng          float64
}

func NewBackend(baseURL string, timeout time.Duration) *Backend {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Backend{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (b *Backend) Keys(ctx context.Context) (ProvisionedKeys, error) {
	var keys ProvisionedKeys
	if err := b.getJSON(ctx, "fetch keys", "/api/keys", &keys); err != nil {
		return ProvisionedKeys{}, err
	}
	return keys, nil
}

func (b *Backend) SignIn(ctx context.Context, req SignInRequest) (Account, error) {
	var acct Account
	if err := b.postJSON(ctx, "sign in", "/api/signin", req, &acct); err != nil {
		return Account{}, err
	}
	return acct, nil
}

func (b *Backend) SignUp(ctx context.Context, req SignUpRequest) (Account, error) {
	var acct Account
	if err := b.postJSON(ctx, "sign up", "/api/signup", req, &acct); err != nil {
		return Account{}, err
	}
	return acct, nil
}

func (b *Backend) Predict(ctx context.Context, req PredictRequest) (Prediction, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	filename := req.Image.Filename
	if filename == "" {
		filename = "upload"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename="%s"`, escapeQuotes(filename)))
	contentType := req.Image.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)

	part, err := w.CreatePart(header)
	if err != nil {
		return Prediction{}, err
	}
	if _, err := part.Write(req.Image.Data); err != nil {
		return Prediction{}, err
	}

	fields := [][2]string{
		{"user", req.User},
		{"org", req.Organization},
		{"lat", strconv.FormatFloat(req.Lat, 'f', -1, 64)},
		{"lng", strconv.FormatFloat(req.Lng, 'f', -1, 64)},
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return Prediction{}, err
		}
	}
	if err := w.Close(); err != nil {
		return Prediction{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/predict", &body)
	if err != nil {
		return Prediction{}, err
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())

	var pred Prediction
	if err := b.do(httpReq, "predict", &pred); err != nil {
		return Prediction{}, err
	}
	return pred, nil
}

func (b *Backend) Counts(ctx context.Context) (Counts, error) {
	var pos, neg Counts
	if err := b.getJSON(ctx, "fetch positive count", "/api/positive-count", &pos); err != nil {
		return Counts{}, err
	}
	if err := b.getJSON(ctx, "fetch negative count", "/api/negative-count", &neg); err != nil {
		return Counts{}, err
	}
	return Counts{Positive: pos.Positive, Negative: neg.Negative}, nil
}

func (b *Backend) Images(ctx context.Context) ([]GalleryImage, error) {
	var images []GalleryImage
	if err := b.getJSON(ctx, "retrieve images", "/retrieve-images", &images); err != nil {
		return nil, err
	}
	return images, nil
}

func (b *Backend) getJSON(ctx context.Context, op, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path, nil)
	if err != nil {
		return err
	}
	return b.do(req, op, out)
}

func (b *Backend) postJSON(ctx context.Context, op, path string, in, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return b.do(req, op, out)
}

func (b *Backend) do(req *http.Request, op string, out any) error {
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newStatusError(op, resp)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
