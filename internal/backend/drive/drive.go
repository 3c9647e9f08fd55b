// Package drive provides a storage backend client for a Drive-style REST
// API: folders are first-class objects looked up with string queries, files
// are created with a streamed multipart/related upload.
package drive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/copygo/uploader/internal/logging"
	"github.com/copygo/uploader/internal/metrics"
	"github.com/copygo/uploader/internal/models"
)

const folderMimeType = "application/vnd.google-apps.folder"

// Config holds drive client settings.
type Config struct {
	APIBase  string
	TokenURL string

	// Credentials: either the whole service-account JSON, or the
	// email/private-key pair.
	ServiceAccountJSON string
	ClientEmail        string
	PrivateKey         string
}

// Client talks to the drive REST API. Safe for concurrent use; the access
// token is minted lazily on first use and shared across requests.
type Client struct {
	apiBase    string
	httpClient *http.Client
	auth       *tokenSource
}

// New creates a new drive client. Credentials are not validated here; the
// first call that needs a token surfaces an AuthError instead, so the
// process can start without credentials and fail per-request.
func New(cfg Config) *Client {
	return &Client{
		apiBase: strings.TrimSuffix(cfg.APIBase, "/"),
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		auth: newTokenSource(cfg),
	}
}

// EscapeQuery escapes characters that would terminate or inject into the
// string-literal syntax of a drive search query.
func EscapeQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}

// ListFolder looks up a non-trashed folder by name under parentID.
func (c *Client) ListFolder(ctx context.Context, name, parentID string) (string, error) {
	q := fmt.Sprintf("name='%s' and mimeType='%s' and trashed=false", EscapeQuery(name), folderMimeType)
	if parentID != "" {
		q += fmt.Sprintf(" and '%s' in parents", EscapeQuery(parentID))
	}

	params := url.Values{}
	params.Set("q", q)
	params.Set("fields", "files(id,name)")
	params.Set("pageSize", "1")

	var result struct {
		Files []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"files"`
	}

	start := time.Now()
	err := c.doJSON(ctx, "GET", c.apiBase+"/drive/v3/files?"+params.Encode(), nil, &result)
	metrics.RecordBackendOperation("list_folder", time.Since(start), err == nil)
	if err != nil {
		return "", fmt.Errorf("list folder %q: %w", name, err)
	}

	if len(result.Files) == 0 {
		return "", nil
	}
	return result.Files[0].ID, nil
}

// CreateFolder creates a folder named name under parentID.
func (c *Client) CreateFolder(ctx context.Context, name, parentID string) (string, error) {
	meta := map[string]any{
		"name":     name,
		"mimeType": folderMimeType,
	}
	if parentID != "" {
		meta["parents"] = []string{parentID}
	}

	var result struct {
		ID string `json:"id"`
	}

	start := time.Now()
	err := c.doJSON(ctx, "POST", c.apiBase+"/drive/v3/files?fields=id", meta, &result)
	metrics.RecordBackendOperation("create_folder", time.Since(start), err == nil)
	if err != nil {
		return "", fmt.Errorf("create folder %q: %w", name, err)
	}

	logging.Debug("drive folder created", zap.String("name", name), zap.String("id", result.ID))
	return result.ID, nil
}

// CreateFile streams body into a new file via a multipart/related upload.
// The body is piped straight into the request — nothing is buffered beyond
// the transport's write buffer.
func (c *Client) CreateFile(ctx context.Context, info models.FileInfo, body io.Reader) (*models.File, error) {
	token, err := c.auth.Token(ctx, c.httpClient)
	if err != nil {
		return nil, err
	}

	meta := map[string]any{"name": info.Name}
	if info.ParentID != "" {
		meta["parents"] = []string{info.ParentID}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}

	contentType := info.ContentType
	if contentType == "" {
		contentType = models.DefaultContentType
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		metaPart, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type": {"application/json; charset=UTF-8"},
		})
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := metaPart.Write(metaJSON); err != nil {
			pw.CloseWithError(err)
			return
		}

		mediaPart, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type": {contentType},
		})
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(mediaPart, body); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	uploadURL := c.apiBase + "/upload/drive/v3/files?uploadType=multipart&fields=id,name,mimeType,size,webViewLink"
	req, err := http.NewRequestWithContext(ctx, "POST", uploadURL, pr)
	if err != nil {
		pr.CloseWithError(err)
		return nil, err
	}
	req.Header.Set("Content-Type", "multipart/related; boundary="+mw.Boundary())
	req.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordBackendOperation("create_file", time.Since(start), false)
		return nil, fmt.Errorf("create file %q: %w", info.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.RecordBackendOperation("create_file", time.Since(start), false)
		return nil, c.apiError(resp)
	}
	metrics.RecordBackendOperation("create_file", time.Since(start), true)

	var created struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		MimeType    string `json:"mimeType"`
		Size        string `json:"size"` // the API serializes int64 as string
		WebViewLink string `json:"webViewLink"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, fmt.Errorf("decode create file response: %w", err)
	}

	size, _ := strconv.ParseInt(created.Size, 10, 64)
	file := &models.File{
		ID:       created.ID,
		Name:     created.Name,
		Size:     size,
		MimeType: created.MimeType,
		Link:     created.WebViewLink,
	}

	logging.Debug("drive file created",
		zap.String("name", file.Name),
		zap.String("id", file.ID),
		zap.Int64("size", file.Size))
	return file, nil
}

// Ping verifies the API is reachable with the configured credentials.
func (c *Client) Ping(ctx context.Context) error {
	var result struct {
		Files []struct {
			ID string `json:"id"`
		} `json:"files"`
	}
	return c.doJSON(ctx, "GET", c.apiBase+"/drive/v3/files?pageSize=1&fields=files(id)", nil, &result)
}

// doJSON performs an authenticated JSON request and decodes the response.
func (c *Client) doJSON(ctx context.Context, method, url string, reqBody, respBody any) error {
	token, err := c.auth.Token(ctx, c.httpClient)
	if err != nil {
		return err
	}

	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return err
		}
		body = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.apiError(resp)
	}

	if respBody != nil {
		return json.NewDecoder(resp.Body).Decode(respBody)
	}
	return nil
}

// apiError decodes an API error response into a Go error.
func (c *Client) apiError(resp *http.Response) error {
	var apiErr struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &apiErr) == nil && apiErr.Error.Message != "" {
		msg = apiErr.Error.Message
	}

	err := fmt.Errorf("drive api returned %d: %s", resp.StatusCode, msg)
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &models.AuthError{Stage: "drive auth", Err: err}
	}
	return err
}
