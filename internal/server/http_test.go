package server

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/crypto/bcrypt"

	"github.com/coffersTech/sessionlog/internal/logstore"
)

func newTestServer(t *testing.T, opts Options) (*IngestServer, *logstore.Store) {
	t.Helper()
	store, err := logstore.OpenFs(afero.NewMemMapFs(), "/session_logs")
	if err != nil {
		t.Fatal(err)
	}
	return NewIngestServer(store, opts), store
}

func uploadRequest(t *testing.T, field, filename, content string) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	if field != "" {
		fw, err := mw.CreateFormFile(field, filename)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write([]byte(content))
	} else {
		mw.WriteField("note", "no file here")
	}
	mw.Close()

	req := httptest.NewRequest("POST", "/upload", body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var m map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return m
}

func TestHandleUpload_Success(t *testing.T) {
	srv, store := newTestServer(t, Options{})
	h := srv.Handler()

	for _, want := range []string{"report.json", "report_1.json"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, uploadRequest(t, "file", "report.json", `{"events":[]}`))

		if w.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
		}
		resp := decodeBody(t, w)
		if resp["message"] != "File uploaded successfully" {
			t.Errorf("unexpected message %q", resp["message"])
		}
		if resp["filename"] != want {
			t.Errorf("expected %s, got %s", want, resp["filename"])
		}
		if ok, _ := store.Has(want); !ok {
			t.Errorf("%s should be stored", want)
		}
	}
}

func TestHandleUpload_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		field    string
		filename string
		wantCode int
		wantErr  string
	}{
		{"wrong extension", "file", "x.txt", http.StatusBadRequest, "Invalid file type. Must be .json"},
		{"missing part", "", "", http.StatusBadRequest, "No file part in the request"},
		{"empty filename", "file", "", http.StatusBadRequest, "No selected file"},
		{"other field name", "upload", "a.json", http.StatusBadRequest, "No file part in the request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, store := newTestServer(t, Options{})
			w := httptest.NewRecorder()
			srv.Handler().ServeHTTP(w, uploadRequest(t, tt.field, tt.filename, `{}`))

			if w.Code != tt.wantCode {
				t.Fatalf("Expected status %d, got %d", tt.wantCode, w.Code)
			}
			if got := decodeBody(t, w)["error"]; got != tt.wantErr {
				t.Errorf("expected error %q, got %q", tt.wantErr, got)
			}

			records, _ := store.List()
			if len(records) != 0 {
				t.Errorf("expected no stored files, got %d", len(records))
			}
		})
	}
}

func TestHandleUpload_NotMultipart(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	req := httptest.NewRequest("POST", "/upload", strings.NewReader(`{"a":1}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", w.Code)
	}
}

func TestHandleUpload_MethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/upload", nil))

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestHandleLogs(t *testing.T) {
	srv, store := newTestServer(t, Options{})
	fs := store.Fs()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	afero.WriteFile(fs, store.Path("older.json"), []byte(`{"n":1}`), 0644)
	afero.WriteFile(fs, store.Path("broken.json"), []byte(`{"n":`), 0644)
	afero.WriteFile(fs, store.Path("newer.json"), []byte(`[1,2]`), 0644)
	fs.Chtimes(store.Path("older.json"), base, base)
	fs.Chtimes(store.Path("broken.json"), base.Add(time.Minute), base.Add(time.Minute))
	fs.Chtimes(store.Path("newer.json"), base.Add(time.Hour), base.Add(time.Hour))

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/logs", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("unexpected content type %q", ct)
	}

	var logs []struct {
		Filename string          `json:"filename"`
		Content  json.RawMessage `json:"content"`
		MTime    float64         `json:"mtime"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &logs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(logs) != 3 {
		t.Fatalf("expected 3 logs, got %d", len(logs))
	}

	wantOrder := []string{"newer.json", "broken.json", "older.json"}
	for i, name := range wantOrder {
		if logs[i].Filename != name {
			t.Errorf("position %d: expected %s, got %s", i, name, logs[i].Filename)
		}
	}
	if string(logs[1].Content) != `{"error":"Invalid JSON"}` {
		t.Errorf("unexpected placeholder %s", logs[1].Content)
	}
	if logs[2].MTime != float64(base.Unix()) {
		t.Errorf("unexpected mtime %v", logs[2].MTime)
	}
}

func TestHandleLogs_Empty(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/logs", nil))

	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("expected empty array, got %q", w.Body.String())
	}
}

func TestHandleLogs_ListingFailure(t *testing.T) {
	srv, store := newTestServer(t, Options{})
	store.Fs().RemoveAll(store.Dir())

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/logs", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("Expected status 500, got %d", w.Code)
	}
	if decodeBody(t, w)["error"] == "" {
		t.Error("expected error message")
	}
}

func TestHandleLogs_Gzip(t *testing.T) {
	srv, store := newTestServer(t, Options{})
	big := `{"events":"` + strings.Repeat("x", 8192) + `"}`
	if _, err := store.Save("big.json", []byte(big)); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("GET", "/logs", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("expected gzip response, headers %v", w.Header())
	}
	zr, err := gzip.NewReader(w.Body)
	if err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(zr)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"filename":"big.json"`) {
		t.Errorf("unexpected body %.100s", data)
	}
}

func TestAuthMiddleware(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	srv, _ := newTestServer(t, Options{UploadTokenHash: string(hash)})
	h := srv.Handler()

	tests := []struct {
		name     string
		req      func() *http.Request
		wantCode int
	}{
		{"missing token", func() *http.Request { return httptest.NewRequest("GET", "/logs", nil) }, http.StatusUnauthorized},
		{"wrong token", func() *http.Request {
			r := httptest.NewRequest("GET", "/logs", nil)
			r.Header.Set("Authorization", "Bearer nope")
			return r
		}, http.StatusUnauthorized},
		{"bearer token", func() *http.Request {
			r := httptest.NewRequest("GET", "/logs", nil)
			r.Header.Set("Authorization", "Bearer s3cret")
			return r
		}, http.StatusOK},
		{"query token", func() *http.Request { return httptest.NewRequest("GET", "/logs?token=s3cret", nil) }, http.StatusOK},
		{"upload without token", func() *http.Request { return uploadRequest(t, "file", "a.json", "{}") }, http.StatusUnauthorized},
		{"index is public", func() *http.Request { return httptest.NewRequest("GET", "/", nil) }, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, tt.req())
			if w.Code != tt.wantCode {
				t.Errorf("Expected status %d, got %d", tt.wantCode, w.Code)
			}
		})
	}
}

func TestHashToken(t *testing.T) {
	hash, err := HashToken("device-token")
	if err != nil {
		t.Fatal(err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("device-token")); err != nil {
		t.Errorf("hash does not verify: %v", err)
	}
}

func TestRequestID(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	h := srv.Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected generated request ID")
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Errorf("expected client request ID, got %q", got)
	}
}

func TestHandleIndex(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	h := srv.Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "/logs") {
		t.Errorf("unexpected index response %d %q", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/missing", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestHandleLogs_LooseNumbers(t *testing.T) {
	srv, store := newTestServer(t, Options{})
	fs := store.Fs()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	afero.WriteFile(fs, store.Path("good.json"), []byte(`{"ok":true}`), 0644)
	afero.WriteFile(fs, store.Path("bad.json"), []byte(`{"v":1.2.3}`), 0644)
	fs.Chtimes(store.Path("good.json"), base.Add(time.Minute), base.Add(time.Minute))
	fs.Chtimes(store.Path("bad.json"), base, base)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/logs", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var logs []struct {
		Filename string          `json:"filename"`
		Content  json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &logs); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 logs, got %d", len(logs))
	}
	if logs[0].Filename != "good.json" || string(logs[0].Content) != `{"ok":true}` {
		t.Errorf("unexpected first log %s %s", logs[0].Filename, logs[0].Content)
	}
	if logs[1].Filename != "bad.json" || string(logs[1].Content) != `{"error":"Invalid JSON"}` {
		t.Errorf("unexpected second log %s %s", logs[1].Filename, logs[1].Content)
	}
}

func TestHandleUpload_TooLarge(t *testing.T) {
	srv, store := newTestServer(t, Options{MaxUploadBytes: 256})
	content := `{"pad":"` + strings.Repeat("x", 4096) + `"}`

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, uploadRequest(t, "file", "big.json", content))

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("Expected status 413, got %d: %s", w.Code, w.Body.String())
	}
	if got := decodeBody(t, w)["error"]; got != "File too large" {
		t.Errorf("unexpected error %q", got)
	}
	if ok, _ := store.Has("big.json"); ok {
		t.Error("oversized upload should not be stored")
	}
}
