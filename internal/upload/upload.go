// ABOUTME: Resource preparation pipeline turning local attachments into remote handles
// ABOUTME: Uploads over multipart HTTP, verifies the published resource and retries the whole cycle

package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/2389/coven-mirai/internal/protocol"
)

// Kind is the content category of an upload.
type Kind string

const (
	KindImage Kind = "image"
	KindVoice Kind = "voice"
	KindFile  Kind = "file"
)

// Target is the conversation type the resource will be sent to.
type Target string

const (
	TargetFriend Target = "friend"
	TargetGroup  Target = "group"
	TargetTemp   Target = "temp"
)

// Route describes where a kind is uploaded and how its handle is returned.
type Route struct {
	Path    string
	Field   string
	IDField string
	// Nested handles are wrapped as {"code":0,"data":{...}}.
	Nested bool
}

var routes = map[Kind]Route{
	KindImage: {Path: "/uploadImage", Field: "img", IDField: "imageId"},
	KindVoice: {Path: "/uploadVoice", Field: "voice", IDField: "voiceId"},
	KindFile:  {Path: "/file/upload", Field: "file", IDField: "id", Nested: true},
}

// RouteFor returns the upload route for kind.
func RouteFor(kind Kind) (Route, bool) {
	r, ok := routes[kind]
	return r, ok
}

// Source supplies attachment bytes. Open is called once per attempt.
type Source interface {
	Name() string
	Open() (io.ReadCloser, error)
}

// FileSource reads from the local filesystem.
type FileSource struct {
	Path string
}

func (f FileSource) Name() string                  { return filepath.Base(f.Path) }
func (f FileSource) Open() (io.ReadCloser, error) { return os.Open(f.Path) }

// BytesSource serves an in-memory payload.
type BytesSource struct {
	Filename string
	Data     []byte
}

func (b BytesSource) Name() string { return b.Filename }
func (b BytesSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b.Data)), nil
}

// PendingUpload is one attachment waiting to be uploaded.
type PendingUpload struct {
	Source Source
	Kind   Kind
	Target Target
	// Digest, when set, must match the published resource.
	Digest string
	// Verify fetches the published resource after upload. Implied by Digest.
	Verify bool
	// Fields are extra form fields, such as "path" and "target" for files.
	Fields map[string]string
}

// Handle is a prepared remote resource.
type Handle struct {
	Kind     Kind
	ID       string
	URL      string
	Raw      json.RawMessage
	Attempts int
}

// IntegrityError is returned when every attempt failed verification.
type IntegrityError struct {
	Resource string
	Attempts int
	Last     error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("resource %s failed verification after %d attempts: %v", e.Resource, e.Attempts, e.Last)
}

func (e *IntegrityError) Unwrap() []error {
	return []error{protocol.ErrResourceIntegrity, e.Last}
}

// TokenFunc returns the current session token, or "" when there is no session.
type TokenFunc func() string

// ErrNoSession is returned when no session token exists to authorize an upload.
var ErrNoSession = fmt.Errorf("%w: no session token for upload", protocol.ErrTransportClosed)

// Config tunes an Uploader.
type Config struct {
	BaseURL     string
	MaxAttempts int
	// VerifyAll forces verification of every upload.
	VerifyAll bool
	Timeout   time.Duration
}

// DefaultMaxAttempts is one upload plus two retries.
const DefaultMaxAttempts = 3

// Uploader prepares pending uploads against the bridge's HTTP adapter.
type Uploader struct {
	cfg    Config
	token  TokenFunc
	client *http.Client
	logger *slog.Logger
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithHTTPClient replaces the HTTP client used for uploads and verification.
func WithHTTPClient(c *http.Client) Option {
	return func(u *Uploader) { u.client = c }
}

// WithLogger sets the uploader logger.
func WithLogger(logger *slog.Logger) Option {
	return func(u *Uploader) { u.logger = logger }
}

// NewUploader creates an Uploader.
func NewUploader(cfg Config, token TokenFunc, opts ...Option) *Uploader {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	u := &Uploader{cfg: cfg, token: token}
	for _, opt := range opts {
		opt(u)
	}
	if u.client == nil {
		u.client = &http.Client{Timeout: cfg.Timeout}
	}
	if u.logger == nil {
		u.logger = slog.Default()
	}
	u.logger = u.logger.With("component", "upload")
	return u
}

// outcome of one upload-and-verify cycle.
type outcome int

const (
	prepared outcome = iota
	// broken means the resource was uploaded but failed verification.
	broken
	// failed means the upload itself failed; retrying will not help.
	failed
)

// Prepare uploads p and returns its handle. Verification failures retry the
// whole cycle up to the configured bound; exhausting it yields an
// *IntegrityError and never a handle. Upload errors are returned immediately.
func (u *Uploader) Prepare(ctx context.Context, p PendingUpload) (Handle, error) {
	if p.Source == nil {
		return Handle{}, fmt.Errorf("%w: upload has no source", protocol.ErrConfiguration)
	}
	if _, ok := routes[p.Kind]; !ok {
		return Handle{}, fmt.Errorf("%w: unknown upload kind %q", protocol.ErrConfiguration, p.Kind)
	}
	if p.Target == "" {
		p.Target = TargetGroup
	}
	if u.sessionKey() == "" {
		return Handle{}, fmt.Errorf("uploading %s: %w", p.Source.Name(), ErrNoSession)
	}

	logger := u.logger.With("resource", p.Source.Name(), "kind", string(p.Kind))
	var last error
	for attempt := 1; attempt <= u.cfg.MaxAttempts; attempt++ {
		h, res, err := u.attempt(ctx, p)
		switch res {
		case prepared:
			h.Attempts = attempt
			logger.Debug("resource prepared", "id", h.ID, "attempt", attempt)
			return h, nil
		case failed:
			return Handle{}, fmt.Errorf("uploading %s: %w", p.Source.Name(), err)
		}
		last = err
		logger.Warn("resource broken, retrying", "attempt", attempt, "error", err)
		if ctx.Err() != nil {
			return Handle{}, ctx.Err()
		}
	}
	logger.Error("all upload attempts failed verification", "attempts", u.cfg.MaxAttempts)
	return Handle{}, &IntegrityError{Resource: p.Source.Name(), Attempts: u.cfg.MaxAttempts, Last: last}
}

func (u *Uploader) attempt(ctx context.Context, p PendingUpload) (Handle, outcome, error) {
	h, err := u.upload(ctx, p)
	if err != nil {
		return Handle{}, failed, err
	}
	if p.Digest == "" && !p.Verify && !u.cfg.VerifyAll {
		return h, prepared, nil
	}
	if h.URL == "" {
		if p.Kind == KindFile {
			return h, prepared, nil
		}
		return Handle{}, broken, errors.New("upload returned no url to verify")
	}
	if err := u.verify(ctx, h.URL, p.Digest); err != nil {
		if errors.Is(err, errBadDigestSpec) {
			return Handle{}, failed, err
		}
		return Handle{}, broken, err
	}
	return h, prepared, nil
}

func (u *Uploader) sessionKey() string {
	if u.token == nil {
		return ""
	}
	return u.token()
}

func (u *Uploader) upload(ctx context.Context, p PendingUpload) (Handle, error) {
	route := routes[p.Kind]

	// The session may have died between attempts.
	token := u.sessionKey()
	if token == "" {
		return Handle{}, ErrNoSession
	}

	rc, err := p.Source.Open()
	if err != nil {
		return Handle{}, fmt.Errorf("opening source: %w", err)
	}
	defer rc.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fields := map[string]string{
		"sessionKey": token,
		"type":       string(p.Target),
	}
	for k, v := range p.Fields {
		fields[k] = v
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return Handle{}, fmt.Errorf("writing form field %s: %w", k, err)
		}
	}
	part, err := w.CreateFormFile(route.Field, p.Source.Name())
	if err != nil {
		return Handle{}, fmt.Errorf("creating form file: %w", err)
	}
	if _, err := io.Copy(part, rc); err != nil {
		return Handle{}, fmt.Errorf("reading source: %w", err)
	}
	if err := w.Close(); err != nil {
		return Handle{}, fmt.Errorf("closing form: %w", err)
	}

	url := strings.TrimRight(u.cfg.BaseURL, "/") + route.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return Handle{}, fmt.Errorf("building upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := u.client.Do(req)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %v", protocol.ErrTransportClosed, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Handle{}, fmt.Errorf("reading upload response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Handle{}, fmt.Errorf("%w: upload answered %s", protocol.ErrRemote, resp.Status)
	}
	return decodeHandle(p.Kind, route, data)
}

func decodeHandle(kind Kind, route Route, data []byte) (Handle, error) {
	if err := protocol.CheckStatus(data); err != nil {
		return Handle{}, err
	}
	body := json.RawMessage(data)
	if route.Nested {
		var wrapped struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil || len(wrapped.Data) == 0 {
			return Handle{}, fmt.Errorf("%w: upload response has no data", protocol.ErrProtocol)
		}
		body = wrapped.Data
	}

	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return Handle{}, fmt.Errorf("%w: decoding upload handle: %v", protocol.ErrProtocol, err)
	}
	id, _ := fields[route.IDField].(string)
	if id == "" {
		return Handle{}, fmt.Errorf("%w: upload handle missing %s", protocol.ErrProtocol, route.IDField)
	}
	h := Handle{Kind: kind, ID: id, Raw: body}
	h.URL, _ = fields["url"].(string)
	if h.URL == "" {
		if info, ok := fields["downloadInfo"].(map[string]any); ok {
			h.URL, _ = info["url"].(string)
		}
	}
	return h, nil
}
