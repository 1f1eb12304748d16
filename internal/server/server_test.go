package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/camerarts/lumina-portfolio/internal/app"
	"github.com/camerarts/lumina-portfolio/pkg/kv"
)

const testToken = "test-admin-token"

type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string]struct{}
}

func (f *fakeObjectStore) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) (string, error) {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = struct{}{}
	return "https://cdn.test/" + key, nil
}

func (f *fakeObjectStore) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://cdn.test/" + key + "?signed", nil
}

func (f *fakeObjectStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	redis := miniredis.RunT(t)
	store, err := kv.NewRedisStore(redis.Addr(), "", 0)
	if err != nil {
		t.Fatalf("new redis store: %v", err)
	}
	appCore, err := app.New(app.Config{
		Store:   store,
		Objects: &fakeObjectStore{objects: make(map[string]struct{})},
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	s, err := New(Config{
		App:        appCore,
		AdminToken: testToken,
		RedisAddr:  redis.Addr(),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return srv
}

func multipartUpload(t *testing.T, meta string, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if meta != "" {
		if err := writer.WriteField("meta", meta); err != nil {
			t.Fatalf("write meta: %v", err)
		}
	}
	for field, name := range files {
		part, err := writer.CreateFormFile(field, name)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := part.Write([]byte("image-bytes")); err != nil {
			t.Fatalf("write file: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func doUpload(t *testing.T, srv *httptest.Server, token, meta string, files map[string]string) *http.Response {
	t.Helper()
	body, contentType := multipartUpload(t, meta, files)
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/upload", body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", contentType)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

func TestUploadRequiresBearerToken(t *testing.T) {
	srv := newTestServer(t)

	resp := doUpload(t, srv, "", `{"title":"x"}`, map[string]string{"file": "x.jpg"})
	body := decodeBody(t, resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token expected 401, got %d", resp.StatusCode)
	}
	if body["code"] != "AUTH_INVALID_TOKEN" {
		t.Fatalf("unexpected error code: %v", body["code"])
	}

	resp = doUpload(t, srv, "wrong-token", `{"title":"x"}`, map[string]string{"file": "x.jpg"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong token expected 401, got %d", resp.StatusCode)
	}
}

func TestUploadCreateAndFetch(t *testing.T) {
	srv := newTestServer(t)

	resp := doUpload(t, srv, testToken,
		`{"title":"Ridge line","tags":["landscape"],"width":6000,"height":4000,"exif":{"camera":"X-T5"}}`,
		map[string]string{"file": "ridge.jpg"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create expected 201, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	id, _ := body["id"].(string)
	if id == "" {
		t.Fatalf("missing id in response: %v", body)
	}
	if url, _ := body["url"].(string); !strings.Contains(url, id) {
		t.Fatalf("url should reference photo id: %v", body)
	}

	getResp, err := http.Get(srv.URL + "/photos/" + id)
	if err != nil {
		t.Fatalf("get photo: %v", err)
	}
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("get expected 200, got %d", getResp.StatusCode)
	}
	photo := decodeBody(t, getResp)
	if photo["title"] != "Ridge line" {
		t.Fatalf("unexpected photo: %v", photo)
	}
	exif, _ := photo["exif"].(map[string]any)
	if exif == nil || exif["camera"] != "X-T5" {
		t.Fatalf("detail view should include exif: %v", photo)
	}

	listResp, err := http.Get(srv.URL + "/photos?page=1&pageSize=10")
	if err != nil {
		t.Fatalf("list photos: %v", err)
	}
	list := decodeBody(t, listResp)
	if list["count"] != float64(1) {
		t.Fatalf("expected 1 item, got %v", list)
	}
	items, _ := list["items"].([]any)
	item, _ := items[0].(map[string]any)
	if _, hasExif := item["exif"]; hasExif {
		t.Fatalf("listing projection must omit exif: %v", item)
	}
}

func TestUploadEditKeepsID(t *testing.T) {
	srv := newTestServer(t)

	resp := doUpload(t, srv, testToken, `{"title":"before"}`, map[string]string{"file": "a.jpg"})
	body := decodeBody(t, resp)
	id := body["id"].(string)

	editResp := doUpload(t, srv, testToken, `{"id":"`+id+`","title":"after"}`, nil)
	if editResp.StatusCode != http.StatusOK {
		t.Fatalf("edit expected 200, got %d", editResp.StatusCode)
	}
	edited := decodeBody(t, editResp)
	if edited["id"] != id {
		t.Fatalf("edit changed id: %v", edited)
	}

	getResp, err := http.Get(srv.URL + "/photos/" + id)
	if err != nil {
		t.Fatalf("get photo: %v", err)
	}
	photo := decodeBody(t, getResp)
	if photo["title"] != "after" {
		t.Fatalf("edit not applied: %v", photo)
	}
}

func TestUploadValidation(t *testing.T) {
	srv := newTestServer(t)

	// No file on create.
	resp := doUpload(t, srv, testToken, `{"title":"x"}`, nil)
	body := decodeBody(t, resp)
	if resp.StatusCode != http.StatusBadRequest || body["code"] != "PHOTO_FILE_REQUIRED" {
		t.Fatalf("expected 400 PHOTO_FILE_REQUIRED, got %d %v", resp.StatusCode, body)
	}

	// Disallowed extension.
	resp = doUpload(t, srv, testToken, `{"title":"x"}`, map[string]string{"file": "x.exe"})
	body = decodeBody(t, resp)
	if resp.StatusCode != http.StatusBadRequest || body["code"] != "PHOTO_UNSUPPORTED_FILE_TYPE" {
		t.Fatalf("expected 400 PHOTO_UNSUPPORTED_FILE_TYPE, got %d %v", resp.StatusCode, body)
	}

	// Broken meta JSON.
	resp = doUpload(t, srv, testToken, `{not json`, map[string]string{"file": "x.jpg"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid meta, got %d", resp.StatusCode)
	}
}

func TestDeletePhoto(t *testing.T) {
	srv := newTestServer(t)

	resp := doUpload(t, srv, testToken, `{"title":"x"}`, map[string]string{"file": "x.jpg"})
	id := decodeBody(t, resp)["id"].(string)

	// Delete requires the token.
	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/photos/"+id, nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete without token: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("delete without token expected 401, got %d", delResp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/photos/"+id, nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	delResp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Fatalf("delete expected 200, got %d", delResp.StatusCode)
	}

	// Second delete is a 404.
	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/photos/"+id, nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	delResp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	body := decodeBody(t, delResp)
	if delResp.StatusCode != http.StatusNotFound || body["code"] != "PHOTO_NOT_FOUND" {
		t.Fatalf("expected 404 PHOTO_NOT_FOUND, got %d %v", delResp.StatusCode, body)
	}
}

func TestUploadRateLimited(t *testing.T) {
	redis := miniredis.RunT(t)
	store, err := kv.NewRedisStore(redis.Addr(), "", 0)
	if err != nil {
		t.Fatalf("new redis store: %v", err)
	}
	appCore, err := app.New(app.Config{
		Store:   store,
		Objects: &fakeObjectStore{objects: make(map[string]struct{})},
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	s, err := New(Config{
		App:                      appCore,
		AdminToken:               testToken,
		RedisAddr:                redis.Addr(),
		UploadRateLimitPerMinute: 1,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)

	resp := doUpload(t, srv, testToken, `{"title":"first"}`, map[string]string{"file": "a.jpg"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first upload expected 201, got %d", resp.StatusCode)
	}

	resp = doUpload(t, srv, testToken, `{"title":"second"}`, map[string]string{"file": "b.jpg"})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second upload expected 429, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Retry-After"); got != "60" {
		t.Fatalf("expected Retry-After 60, got %q", got)
	}
	body := decodeBody(t, resp)
	if body["code"] != "RATE_LIMITED" {
		t.Fatalf("unexpected error code: %v", body["code"])
	}
}

func TestBatchUpdateEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp := doUpload(t, srv, testToken, `{"title":"x"}`, map[string]string{"file": "x.jpg"})
	id := decodeBody(t, resp)["id"].(string)

	payload := `{"ids":["` + id + `","ghost"],"updates":{"camera":"Q3","location":"Oslo"}}`
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/batch_update", strings.NewReader(payload))
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")
	batchResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("batch update: %v", err)
	}
	if batchResp.StatusCode != http.StatusOK {
		t.Fatalf("partial failure should still be 200, got %d", batchResp.StatusCode)
	}
	body := decodeBody(t, batchResp)
	results, _ := body["results"].([]any)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %v", body)
	}
	first, _ := results[0].(map[string]any)
	second, _ := results[1].(map[string]any)
	if first["ok"] != true || second["ok"] != false {
		t.Fatalf("unexpected per-id outcomes: %v", results)
	}
}

func TestCategoriesEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/categories")
	if err != nil {
		t.Fatalf("get categories: %v", err)
	}
	body := decodeBody(t, resp)
	if cats, _ := body["categories"].([]any); len(cats) != 0 {
		t.Fatalf("expected empty categories, got %v", body)
	}

	// Writing requires the token.
	postResp, err := http.Post(srv.URL+"/categories", "application/json", strings.NewReader(`{"categories":["street"]}`))
	if err != nil {
		t.Fatalf("post categories: %v", err)
	}
	postResp.Body.Close()
	if postResp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated write expected 401, got %d", postResp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/categories", strings.NewReader(`{"categories":["street","macro"]}`))
	req.Header.Set("Authorization", "Bearer "+testToken)
	authResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post categories: %v", err)
	}
	authResp.Body.Close()
	if authResp.StatusCode != http.StatusOK {
		t.Fatalf("write expected 200, got %d", authResp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/categories")
	if err != nil {
		t.Fatalf("get categories: %v", err)
	}
	body = decodeBody(t, resp)
	if cats, _ := body["categories"].([]any); len(cats) != 2 || cats[0] != "street" {
		t.Fatalf("unexpected categories: %v", body)
	}
}
