package resolver

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/copygo/uploader/internal/models"
)

// fakeClient is an in-memory backend for resolver tests.
type fakeClient struct {
	mu      sync.Mutex
	folders map[string]string // parent+"/"+name -> id
	nextID  int

	listCalls   atomic.Int64
	createCalls atomic.Int64
	listErr     error
}

func newFakeClient() *fakeClient {
	return &fakeClient{folders: make(map[string]string)}
}

func (f *fakeClient) ListFolder(ctx context.Context, name, parentID string) (string, error) {
	f.listCalls.Add(1)
	if f.listErr != nil {
		return "", f.listErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.folders[parentID+"/"+name], nil
}

func (f *fakeClient) CreateFolder(ctx context.Context, name, parentID string) (string, error) {
	f.createCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := "folder-" + name + "-" + strconv.Itoa(f.nextID)
	f.folders[parentID+"/"+name] = id
	return id, nil
}

func (f *fakeClient) CreateFile(ctx context.Context, info models.FileInfo, body io.Reader) (*models.File, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeClient) Ping(ctx context.Context) error { return nil }

func TestSessionFolderCreatesRootAndSession(t *testing.T) {
	fc := newFakeClient()
	r := New(fc, "", "sessions", "parent-1")

	id, err := r.SessionFolder(context.Background(), "2024-05-01")
	if err != nil {
		t.Fatalf("SessionFolder failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty folder id")
	}
	if got := fc.createCalls.Load(); got != 2 {
		t.Errorf("expected 2 creates (root + session), got %d", got)
	}
}

func TestSessionFolderMemoizes(t *testing.T) {
	fc := newFakeClient()
	r := New(fc, "", "sessions", "")

	first, err := r.SessionFolder(context.Background(), "abc")
	if err != nil {
		t.Fatalf("first resolve failed: %v", err)
	}

	lists := fc.listCalls.Load()
	second, err := r.SessionFolder(context.Background(), "abc")
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if first != second {
		t.Errorf("expected stable id, got %q then %q", first, second)
	}
	if fc.listCalls.Load() != lists {
		t.Error("second resolve should not hit the backend")
	}
}

func TestSessionFolderReusesExisting(t *testing.T) {
	fc := newFakeClient()
	fc.folders["/sessions"] = "root-id"
	fc.folders["root-id/sid1"] = "sid1-id"

	r := New(fc, "", "sessions", "")
	id, err := r.SessionFolder(context.Background(), "sid1")
	if err != nil {
		t.Fatalf("SessionFolder failed: %v", err)
	}
	if id != "sid1-id" {
		t.Errorf("expected existing id sid1-id, got %q", id)
	}
	if fc.createCalls.Load() != 0 {
		t.Error("expected no folder creation when both folders exist")
	}
}

func TestSessionFolderDestBypass(t *testing.T) {
	fc := newFakeClient()
	r := New(fc, "dest-42", "sessions", "")

	id, err := r.SessionFolder(context.Background(), "whatever")
	if err != nil {
		t.Fatalf("SessionFolder failed: %v", err)
	}
	if id != "dest-42" {
		t.Errorf("expected dest-42, got %q", id)
	}
	if fc.listCalls.Load() != 0 || fc.createCalls.Load() != 0 {
		t.Error("dest bypass must not touch the backend")
	}
}

func TestSessionFolderErrorNotCached(t *testing.T) {
	fc := newFakeClient()
	fc.listErr = errors.New("backend down")
	r := New(fc, "", "sessions", "")

	if _, err := r.SessionFolder(context.Background(), "s"); err == nil {
		t.Fatal("expected error while backend is down")
	}

	fc.listErr = nil
	id, err := r.SessionFolder(context.Background(), "s")
	if err != nil {
		t.Fatalf("resolve after recovery failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected folder id after recovery")
	}
}

func TestConcurrentResolveSingleCreate(t *testing.T) {
	fc := newFakeClient()
	r := New(fc, "", "sessions", "")

	var wg sync.WaitGroup
	ids := make([]string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := r.SessionFolder(context.Background(), "shared")
			if err != nil {
				t.Errorf("resolve %d failed: %v", i, err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for i := 1; i < 10; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("divergent ids: %q vs %q", ids[0], ids[i])
		}
	}
	if got := fc.createCalls.Load(); got != 2 {
		t.Errorf("expected 2 creates total under concurrency, got %d", got)
	}
}
