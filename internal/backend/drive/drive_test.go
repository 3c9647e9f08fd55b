package drive

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/copygo/uploader/internal/models"
)

func TestEscapeQuery(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"ann's files", `ann\'s files`},
		{`back\slash`, `back\\slash`},
		{`both'\`, `both\'\\`},
		{"", ""},
	}
	for _, tt := range tests {
		if got := EscapeQuery(tt.in); got != tt.want {
			t.Errorf("EscapeQuery(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func testKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

// testDrive wires a drive client against an httptest server standing in for
// both the token endpoint and the files API.
type testDrive struct {
	server     *httptest.Server
	tokenHits  atomic.Int64
	tokenFail  atomic.Bool
	lastQuery  atomic.Value // string
	lastAuth   atomic.Value // string
	filesCode  atomic.Int64
	mediaBody  atomic.Value // string
	mediaType  atomic.Value // string
}

func newTestDrive(t *testing.T) (*testDrive, *Client) {
	t.Helper()
	td := &testDrive{}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		td.tokenHits.Add(1)
		if td.tokenFail.Load() {
			http.Error(w, "denied", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "test-token",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("GET /drive/v3/files", func(w http.ResponseWriter, r *http.Request) {
		td.lastQuery.Store(r.URL.Query().Get("q"))
		td.lastAuth.Store(r.Header.Get("Authorization"))
		if code := td.filesCode.Load(); code != 0 {
			http.Error(w, `{"error":{"code":401,"message":"invalid credentials"}}`, int(code))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"files": []map[string]string{{"id": "existing-id", "name": "x"}},
		})
	})
	mux.HandleFunc("POST /drive/v3/files", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "created-id"})
	})
	mux.HandleFunc("POST /upload/drive/v3/files", func(w http.ResponseWriter, r *http.Request) {
		_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mr := multipart.NewReader(r.Body, params["boundary"])

		metaPart, err := mr.NextPart()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var meta struct {
			Name string `json:"name"`
		}
		json.NewDecoder(metaPart).Decode(&meta)

		mediaPart, err := mr.NextPart()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(mediaPart)
		td.mediaBody.Store(string(data))
		td.mediaType.Store(mediaPart.Header.Get("Content-Type"))

		json.NewEncoder(w).Encode(map[string]string{
			"id":          "file-id",
			"name":        meta.Name,
			"mimeType":    mediaPart.Header.Get("Content-Type"),
			"size":        fmt.Sprintf("%d", len(data)),
			"webViewLink": "https://drive.test/file-id",
		})
	})

	td.server = httptest.NewServer(mux)
	t.Cleanup(td.server.Close)

	client := New(Config{
		APIBase:     td.server.URL,
		TokenURL:    td.server.URL + "/token",
		ClientEmail: "svc@test.iam",
		PrivateKey:  testKeyPEM(t),
	})
	return td, client
}

func TestListFolderEscapesQuery(t *testing.T) {
	td, client := newTestDrive(t)

	id, err := client.ListFolder(context.Background(), `ann's \ files`, "parent-1")
	if err != nil {
		t.Fatalf("ListFolder failed: %v", err)
	}
	if id != "existing-id" {
		t.Errorf("id = %q, want existing-id", id)
	}

	q, _ := td.lastQuery.Load().(string)
	if !strings.Contains(q, `name='ann\'s \\ files'`) {
		t.Errorf("query did not escape name: %q", q)
	}
	if !strings.Contains(q, "'parent-1' in parents") {
		t.Errorf("query missing parent constraint: %q", q)
	}
	if !strings.Contains(q, "trashed=false") {
		t.Errorf("query missing trashed filter: %q", q)
	}
}

func TestTokenMintedOnceAndReused(t *testing.T) {
	td, client := newTestDrive(t)

	for i := 0; i < 3; i++ {
		if _, err := client.ListFolder(context.Background(), "f", ""); err != nil {
			t.Fatalf("ListFolder %d failed: %v", i, err)
		}
	}
	if hits := td.tokenHits.Load(); hits != 1 {
		t.Errorf("token endpoint hit %d times, want 1", hits)
	}
	if auth, _ := td.lastAuth.Load().(string); auth != "Bearer test-token" {
		t.Errorf("Authorization = %q", auth)
	}
}

func TestTokenFailureNotCached(t *testing.T) {
	td, client := newTestDrive(t)
	td.tokenFail.Store(true)

	_, err := client.ListFolder(context.Background(), "f", "")
	if err == nil {
		t.Fatal("expected error while token endpoint is down")
	}
	if !models.IsAuthError(err) {
		t.Errorf("expected AuthError, got %v", err)
	}

	td.tokenFail.Store(false)
	if _, err := client.ListFolder(context.Background(), "f", ""); err != nil {
		t.Fatalf("ListFolder after token recovery failed: %v", err)
	}
}

func TestBadCredentialsSurfaceLazily(t *testing.T) {
	client := New(Config{
		APIBase:  "http://unused.test",
		TokenURL: "http://unused.test/token",
	})

	_, err := client.ListFolder(context.Background(), "f", "")
	if err == nil {
		t.Fatal("expected error with no credentials configured")
	}
	if !models.IsAuthError(err) {
		t.Errorf("expected AuthError, got %v", err)
	}
}

func TestCreateFolder(t *testing.T) {
	_, client := newTestDrive(t)

	id, err := client.CreateFolder(context.Background(), "2024-05-01", "root")
	if err != nil {
		t.Fatalf("CreateFolder failed: %v", err)
	}
	if id != "created-id" {
		t.Errorf("id = %q, want created-id", id)
	}
}

func TestCreateFileStreamsMultipartRelated(t *testing.T) {
	td, client := newTestDrive(t)

	file, err := client.CreateFile(context.Background(), models.FileInfo{
		Name:        "report.pdf",
		ParentID:    "folder-1",
		ContentType: "application/pdf",
	}, strings.NewReader("pdf-bytes"))
	if err != nil {
		t.Fatalf("CreateFile failed: %v", err)
	}

	if file.ID != "file-id" || file.Name != "report.pdf" {
		t.Errorf("unexpected file metadata: %+v", file)
	}
	if file.Size != int64(len("pdf-bytes")) {
		t.Errorf("size = %d, want %d", file.Size, len("pdf-bytes"))
	}
	if got, _ := td.mediaBody.Load().(string); got != "pdf-bytes" {
		t.Errorf("media body = %q", got)
	}
	if got, _ := td.mediaType.Load().(string); got != "application/pdf" {
		t.Errorf("media content type = %q", got)
	}
}

func TestCreateFileDefaultsContentType(t *testing.T) {
	td, client := newTestDrive(t)

	if _, err := client.CreateFile(context.Background(), models.FileInfo{
		Name: "blob",
	}, strings.NewReader("x")); err != nil {
		t.Fatalf("CreateFile failed: %v", err)
	}
	if got, _ := td.mediaType.Load().(string); got != models.DefaultContentType {
		t.Errorf("media content type = %q, want %q", got, models.DefaultContentType)
	}
}

func TestUnauthorizedBecomesAuthError(t *testing.T) {
	td, client := newTestDrive(t)
	td.filesCode.Store(http.StatusUnauthorized)

	_, err := client.ListFolder(context.Background(), "f", "")
	if err == nil {
		t.Fatal("expected error on 401")
	}
	if !models.IsAuthError(err) {
		t.Errorf("expected AuthError, got %v", err)
	}
}

func TestParseCredentialsFlattenedKey(t *testing.T) {
	pemKey := testKeyPEM(t)
	flattened := strings.ReplaceAll(pemKey, "\n", `\n`)

	creds, err := parseCredentials(Config{ClientEmail: "svc@test.iam", PrivateKey: flattened})
	if err != nil {
		t.Fatalf("parseCredentials failed: %v", err)
	}
	if creds.PrivateKey != pemKey {
		t.Error("flattened newlines were not restored")
	}
}

func TestParseCredentialsJSONPreferred(t *testing.T) {
	pemKey := testKeyPEM(t)
	blob, _ := json.Marshal(map[string]string{
		"client_email": "json@test.iam",
		"private_key":  pemKey,
	})

	creds, err := parseCredentials(Config{
		ServiceAccountJSON: string(blob),
		ClientEmail:        "pair@test.iam",
	})
	if err != nil {
		t.Fatalf("parseCredentials failed: %v", err)
	}
	if creds.ClientEmail != "json@test.iam" {
		t.Errorf("ClientEmail = %q, want the JSON identity", creds.ClientEmail)
	}
}
