package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/sidkik/olsync/pkg/errors"
	"github.com/sidkik/olsync/pkg/metrics"
)

const authErrTemplate = "The server rejected the session cookie while trying to %s (status %d).\n" +
	"It has probably expired. Log in through a browser, copy the new cookie, and run\n" +
	"`olsync config --cookie <cookie>` to update it."

// Config contains the settings for the HTTP client.
type Config struct {
	// ServerURL is the base URL of the service, e.g. https://www.overleaf.com.
	ServerURL string

	// Cookie is the raw session cookie header. It's obtained outside of
	// olsync.
	Cookie string

	// CSRFToken is sent with mutating requests when set.
	CSRFToken string

	// Timeout bounds each request. Defaults to 30 seconds.
	Timeout time.Duration

	// RequestsPerSecond limits the request rate. Defaults to 10.
	RequestsPerSecond float64
}

type httpClient struct {
	baseURL   *url.URL
	cookie    string
	csrfToken string

	client  *http.Client
	limiter *rate.Limiter
}

// New returns a Client that talks to the service over HTTP.
func New(cfg Config) (Client, error) {
	if cfg.ServerURL == "" {
		return nil, errors.MissingFieldError{Field: "serverUrl"}
	}

	baseURL, err := url.Parse(strings.TrimSuffix(cfg.ServerURL, "/"))
	if err != nil {
		return nil, errors.WithContext(err, "parse server url")
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RequestsPerSecond == 0 {
		cfg.RequestsPerSecond = 10
	}

	return &httpClient{
		baseURL:   baseURL,
		cookie:    cfg.Cookie,
		csrfToken: cfg.CSRFToken,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        16,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
	}, nil
}

func (c *httpClient) ListEntities(ctx context.Context, projectID string) (Snapshot, error) {
	var snapshot Snapshot
	path := fmt.Sprintf("/project/%s/entities", projectID)
	if err := c.doJSON(ctx, "list entities", http.MethodGet, path, nil, &snapshot); err != nil {
		return Snapshot{}, err
	}
	if snapshot.ProjectID == "" {
		snapshot.ProjectID = projectID
	}
	return snapshot, nil
}

type createRequest struct {
	ParentFolderID string `json:"parent_folder_id"`
	Name           string `json:"name"`
	CSRF           string `json:"_csrf,omitempty"`
}

type createResponse struct {
	ID string `json:"_id"`
}

func (c *httpClient) CreateFolder(ctx context.Context, projectID, parentID, name string) (string, error) {
	return c.create(ctx, "create folder", fmt.Sprintf("/project/%s/folder", projectID), parentID, name)
}

func (c *httpClient) CreateDocument(ctx context.Context, projectID, parentID, name string) (string, error) {
	return c.create(ctx, "create document", fmt.Sprintf("/project/%s/doc", projectID), parentID, name)
}

func (c *httpClient) create(ctx context.Context, op, path, parentID, name string) (string, error) {
	req := createRequest{ParentFolderID: parentID, Name: name, CSRF: c.csrfToken}
	var resp createResponse
	if err := c.doJSON(ctx, op, http.MethodPost, path, req, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", errors.WithContext(errors.MissingFieldError{Field: "_id"}, op)
	}
	return resp.ID, nil
}

type docBody struct {
	Lines []string `json:"lines"`
	CSRF  string   `json:"_csrf,omitempty"`
}

func (c *httpClient) UpdateDocument(ctx context.Context, projectID, docID, content string) error {
	req := docBody{Lines: SplitLines(content), CSRF: c.csrfToken}
	path := fmt.Sprintf("/project/%s/doc/%s", projectID, docID)
	return c.doJSON(ctx, "update document", http.MethodPost, path, req, nil)
}

func (c *httpClient) GetDocument(ctx context.Context, projectID, docID string) (string, error) {
	var resp docBody
	path := fmt.Sprintf("/project/%s/doc/%s", projectID, docID)
	if err := c.doJSON(ctx, "get document", http.MethodGet, path, nil, &resp); err != nil {
		return "", err
	}
	return JoinLines(resp.Lines), nil
}

type uploadResponse struct {
	Success  bool   `json:"success"`
	EntityID string `json:"entity_id"`
}

func (c *httpClient) UploadFile(ctx context.Context, projectID, parentID, name string, contents []byte) (string, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("qqfile", name)
	if err != nil {
		return "", errors.WithContext(err, "create form file")
	}
	if _, err := part.Write(contents); err != nil {
		return "", errors.WithContext(err, "write form file")
	}
	if err := form.WriteField("relativePath", "null"); err != nil {
		return "", errors.WithContext(err, "write form field")
	}
	if c.csrfToken != "" {
		if err := form.WriteField("_csrf", c.csrfToken); err != nil {
			return "", errors.WithContext(err, "write form field")
		}
	}
	if err := form.Close(); err != nil {
		return "", errors.WithContext(err, "close form")
	}

	path := fmt.Sprintf("/project/%s/upload?folder_id=%s", projectID, url.QueryEscape(parentID))
	respBody, err := c.do(ctx, "upload file", http.MethodPost, path, form.FormDataContentType(), &body)
	if err != nil {
		return "", err
	}

	var resp uploadResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", errors.WithContext(err, "parse upload response")
	}
	if !resp.Success || resp.EntityID == "" {
		return "", errors.New("upload was not accepted")
	}
	return resp.EntityID, nil
}

func (c *httpClient) DeleteEntity(ctx context.Context, projectID string, entityType EntityType, id string) error {
	path := fmt.Sprintf("/project/%s/%s/%s", projectID, entityType, id)
	var body interface{}
	if c.csrfToken != "" {
		body = map[string]string{"_csrf": c.csrfToken}
	}
	return c.doJSON(ctx, "delete entity", http.MethodDelete, path, body, nil)
}

func (c *httpClient) DownloadFile(ctx context.Context, projectID, fileID string) ([]byte, error) {
	path := fmt.Sprintf("/project/%s/file/%s", projectID, fileID)
	return c.do(ctx, "download file", http.MethodGet, path, "", nil)
}

func (c *httpClient) doJSON(ctx context.Context, op, method, path string, req, resp interface{}) error {
	var body io.Reader
	contentType := ""
	if req != nil {
		reqBytes, err := json.Marshal(req)
		if err != nil {
			return errors.WithContext(err, "marshal request")
		}
		body = bytes.NewReader(reqBytes)
		contentType = "application/json"
	}

	respBytes, err := c.do(ctx, op, method, path, contentType, body)
	if err != nil {
		return err
	}

	if resp == nil || len(respBytes) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBytes, resp); err != nil {
		return errors.WithContext(err, fmt.Sprintf("parse %s response", op))
	}
	return nil
}

func (c *httpClient) do(ctx context.Context, op, method, path, contentType string, body io.Reader) (
	respBytes []byte, err error) {

	start := time.Now()
	defer func() {
		metrics.RecordRemoteRequest(op, time.Since(start), err)
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.RemoteUnavailable{Op: op, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return nil, errors.WithContext(err, "create request")
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.cookie != "" {
		req.Header.Set("Cookie", c.cookie)
	}
	if c.csrfToken != "" && method != http.MethodGet {
		req.Header.Set("X-Csrf-Token", c.csrfToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.RemoteUnavailable{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBytes, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.RemoteUnavailable{Op: op, Err: errors.WithContext(err, "read body")}
	}

	log.WithFields(log.Fields{
		"method": method,
		"path":   path,
		"status": resp.StatusCode,
	}).Debug("Remote request")

	switch {
	case resp.StatusCode >= 500:
		return nil, errors.RemoteUnavailable{
			Op:  op,
			Err: fmt.Errorf("server returned %d", resp.StatusCode),
		}
	case resp.StatusCode == http.StatusNotFound:
		return nil, errors.NotFound{Path: path}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, errors.NewFriendlyError(authErrTemplate, op, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("%s: server returned %d: %s", op, resp.StatusCode,
			strings.TrimSpace(string(respBytes)))
	}
	return respBytes, nil
}
