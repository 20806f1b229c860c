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
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/LifelineOCR/medscribe-backend/pkg/domain"
	"github.com/LifelineOCR/medscribe-backend/pkg/ocr"
	"github.com/LifelineOCR/medscribe-backend/pkg/queue"
	"github.com/LifelineOCR/medscribe-backend/pkg/storage"
	"github.com/LifelineOCR/medscribe-backend/pkg/store"
	"github.com/LifelineOCR/medscribe-backend/services/medscribe/internal/app"
)

const (
	testSecret   = "0123456789abcdef0123456789abcdef"
	testPassword = "Str0ng!Passw0rd"
)

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0x02}, 64)...)

type stubTranscriber struct{}

func (stubTranscriber) Transcribe(context.Context, io.Reader, string, string) (ocr.Result, error) {
	return ocr.Result{TranscribedText: "BP 120/80", StructuredData: json.RawMessage(`{"vitals":{"bp":"120/80"}}`)}, nil
}

type testServer struct {
	*httptest.Server
	app   *app.App
	blobs *storage.FileStore
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	blobs, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	a, err := app.New(app.Config{
		JWTSecret:      testSecret,
		MaxUploadBytes: 1 << 20,
		Store:          store.NewMemoryStore(),
		Blobs:          blobs,
		Queue:          queue.NewLocalQueue(16),
		Transcriber:    stubTranscriber{},
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	cfg.App = a
	cfg.MaxUploadBytes = 1 << 20
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, app: a, blobs: blobs}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body io.Reader, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (ts *testServer) postJSON(t *testing.T, path, token string, payload any) *http.Response {
	t.Helper()
	raw, _ := json.Marshal(payload)
	return ts.do(t, http.MethodPost, path, token, bytes.NewReader(raw), map[string]string{"Content-Type": "application/json"})
}

func (ts *testServer) register(t *testing.T, email string) (string, domain.User) {
	t.Helper()
	resp := ts.postJSON(t, "/api/auth/register", "", map[string]string{"email": email, "password": testPassword})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register expected 201, got %d", resp.StatusCode)
	}
	var out struct {
		Data authResponse `json:"data"`
	}
	decode(t, resp, &out)
	return out.Data.Token, out.Data.User
}

func (ts *testServer) upload(t *testing.T, token, field, name string, data []byte, fields map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		_ = mw.WriteField(k, v)
	}
	part, err := mw.CreateFormFile(field, name)
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	_, _ = part.Write(data)
	_ = mw.Close()
	return ts.do(t, http.MethodPost, "/api/documents/upload", token, &buf, map[string]string{"Content-Type": mw.FormDataContentType()})
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func expectError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	if resp.StatusCode != status {
		t.Fatalf("expected %d, got %d", status, resp.StatusCode)
	}
	var body errorResponse
	decode(t, resp, &body)
	if body.Code != code {
		t.Fatalf("expected code %s, got %s (%s)", code, body.Code, body.Error)
	}
	if body.RequestID == "" {
		t.Fatalf("error response should carry the request id")
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, Config{})
	resp := ts.do(t, http.MethodGet, "/healthz", "", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestDocumentRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t, Config{})
	expectError(t, ts.do(t, http.MethodGet, "/api/documents", "", nil, nil), http.StatusUnauthorized, "AUTH_INVALID_TOKEN")
	expectError(t, ts.do(t, http.MethodGet, "/api/documents", "not-a-jwt", nil, nil), http.StatusUnauthorized, "AUTH_INVALID_TOKEN")
}

func TestUploadAndReadDocument(t *testing.T) {
	ts := newTestServer(t, Config{})
	token, user := ts.register(t, "doc@example.com")

	resp := ts.upload(t, token, "document", "chart.png", pngBytes, map[string]string{
		"doctorName":   "Dr. Rao",
		"documentDate": "2024-05-01",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload expected 201, got %d", resp.StatusCode)
	}
	var created struct {
		Message  string          `json:"message"`
		Document domain.Document `json:"document"`
	}
	decode(t, resp, &created)
	doc := created.Document
	if doc.ProcessingStatus != domain.StatusPending || doc.OwnerID != user.ID || doc.DoctorName != "Dr. Rao" {
		t.Fatalf("unexpected created document %+v", doc)
	}

	// list
	resp = ts.do(t, http.MethodGet, "/api/documents?status=pending", token, nil, nil)
	var listed struct {
		Data []domain.Document `json:"data"`
	}
	decode(t, resp, &listed)
	if len(listed.Data) != 1 || listed.Data[0].ID != doc.ID {
		t.Fatalf("unexpected list %+v", listed.Data)
	}

	// inline stream
	resp = ts.do(t, http.MethodGet, "/api/documents/"+doc.ID, token, nil, nil)
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !bytes.Equal(body, pngBytes) {
		t.Fatalf("expected file bytes, got %d (%d bytes)", resp.StatusCode, len(body))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.HasPrefix(cd, "inline") {
		t.Fatalf("unexpected disposition %q", cd)
	}

	// metadata
	resp = ts.do(t, http.MethodGet, "/api/documents/"+doc.ID, token, nil, map[string]string{"Accept": "application/json"})
	var meta struct {
		Document domain.Document `json:"document"`
	}
	decode(t, resp, &meta)
	if meta.Document.ID != doc.ID {
		t.Fatalf("expected metadata for %s, got %+v", doc.ID, meta.Document)
	}

	// attachment download
	resp = ts.do(t, http.MethodGet, "/api/documents/file/"+doc.StorageFileName, token, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("download expected 200, got %d", resp.StatusCode)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.HasPrefix(cd, "attachment") || !strings.Contains(cd, "chart.png") {
		t.Fatalf("unexpected disposition %q", cd)
	}
	if resp.Header.Get("Content-Length") != "72" {
		t.Fatalf("unexpected content length %q", resp.Header.Get("Content-Length"))
	}
}

func TestTranscriptionLifecycle(t *testing.T) {
	ts := newTestServer(t, Config{})
	token, _ := ts.register(t, "doc@example.com")
	resp := ts.upload(t, token, "file", "chart.png", pngBytes, nil)
	var created struct {
		Document domain.Document `json:"document"`
	}
	decode(t, resp, &created)
	id := created.Document.ID

	resp = ts.do(t, http.MethodGet, "/api/documents/"+id+"/transcription", token, nil, nil)
	var pending map[string]any
	decode(t, resp, &pending)
	if pending["transcription"] != nil {
		t.Fatalf("expected null transcription, got %v", pending["transcription"])
	}
	if pending["message"] != "Transcription is currently pending. Please check back later." {
		t.Fatalf("unexpected message %v", pending["message"])
	}

	ts.app.Dispatcher().Dispatch(context.Background(), id)

	resp = ts.do(t, http.MethodGet, "/api/documents/"+id+"/transcription", token, nil, nil)
	var done app.TranscriptionView
	decode(t, resp, &done)
	if done.ProcessingStatus != domain.StatusCompleted || done.Transcription == nil {
		t.Fatalf("expected completed transcription, got %+v", done)
	}
	if done.Transcription.TranscribedText != "BP 120/80" {
		t.Fatalf("unexpected text %q", done.Transcription.TranscribedText)
	}
}

func TestDocumentErrors(t *testing.T) {
	ts := newTestServer(t, Config{})
	token, _ := ts.register(t, "doc@example.com")
	otherToken, _ := ts.register(t, "other@example.com")

	expectError(t, ts.do(t, http.MethodGet, "/api/documents/not-an-id", token, nil, nil), http.StatusBadRequest, "INVALID_ID")
	expectError(t, ts.upload(t, token, "attachment", "chart.png", pngBytes, nil), http.StatusBadRequest, "DOCUMENT_FILE_REQUIRED")
	expectError(t, ts.upload(t, token, "document", "notes.txt", []byte("plain notes"), nil), http.StatusBadRequest, "DOCUMENT_UNSUPPORTED_FILE_TYPE")
	big := append(append([]byte{}, pngBytes...), make([]byte, 1<<20)...)
	expectError(t, ts.upload(t, token, "document", "big.png", big, nil), http.StatusRequestEntityTooLarge, "DOCUMENT_FILE_TOO_LARGE")

	resp := ts.upload(t, token, "document", "chart.png", pngBytes, nil)
	var created struct {
		Document domain.Document `json:"document"`
	}
	decode(t, resp, &created)
	doc := created.Document

	expectError(t, ts.do(t, http.MethodGet, "/api/documents/"+doc.ID, otherToken, nil, nil), http.StatusNotFound, "DOCUMENT_NOT_FOUND")
	expectError(t, ts.do(t, http.MethodGet, "/api/documents/file/"+doc.StorageFileName, otherToken, nil, nil), http.StatusNotFound, "DOCUMENT_NOT_FOUND")

	if err := ts.blobs.Delete(context.Background(), doc.StorageFileName); err != nil {
		t.Fatalf("delete blob: %v", err)
	}
	expectError(t, ts.do(t, http.MethodGet, "/api/documents/"+doc.ID, token, nil, nil), http.StatusNotFound, "DOCUMENT_FILE_MISSING")
}

func TestDeleteDocuments(t *testing.T) {
	ts := newTestServer(t, Config{})
	token, _ := ts.register(t, "doc@example.com")
	for _, name := range []string{"a.png", "b.png"} {
		if resp := ts.upload(t, token, "document", name, pngBytes, nil); resp.StatusCode != http.StatusCreated {
			t.Fatalf("upload %s: %d", name, resp.StatusCode)
		}
	}

	resp := ts.do(t, http.MethodDelete, "/api/documents", token, nil, nil)
	var out struct {
		Data map[string]int `json:"data"`
	}
	decode(t, resp, &out)
	if resp.StatusCode != http.StatusOK || out.Data["deletedCount"] != 2 {
		t.Fatalf("expected 2 deleted, got %d %v", resp.StatusCode, out.Data)
	}
	expectError(t, ts.do(t, http.MethodDelete, "/api/documents", token, nil, nil), http.StatusNotFound, "DOCUMENT_NOT_FOUND")
}

func TestPatientRoutes(t *testing.T) {
	ts := newTestServer(t, Config{})
	token, _ := ts.register(t, "doc@example.com")

	resp := ts.postJSON(t, "/api/patients", token, map[string]any{"firstName": "Asha", "lastName": "Verma", "gender": "Female"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create expected 201, got %d", resp.StatusCode)
	}
	var created struct {
		Data domain.Patient `json:"data"`
	}
	decode(t, resp, &created)
	id := created.Data.ID

	expectError(t, ts.postJSON(t, "/api/patients", token, map[string]any{"firstName": "Asha"}), http.StatusBadRequest, "VALIDATION_FAILED")

	raw, _ := json.Marshal(map[string]any{"firstName": "Asha", "lastName": "Rao"})
	resp = ts.do(t, http.MethodPut, "/api/patients/"+id, token, bytes.NewReader(raw), map[string]string{"Content-Type": "application/json"})
	var updated struct {
		Data domain.Patient `json:"data"`
	}
	decode(t, resp, &updated)
	if updated.Data.LastName != "Rao" {
		t.Fatalf("unexpected update %+v", updated.Data)
	}

	resp = ts.do(t, http.MethodGet, "/api/patients?searchTerm=rao", token, nil, nil)
	var listed struct {
		Data []domain.Patient `json:"data"`
	}
	decode(t, resp, &listed)
	if len(listed.Data) != 1 {
		t.Fatalf("expected 1 patient, got %d", len(listed.Data))
	}

	if resp := ts.do(t, http.MethodDelete, "/api/patients/"+id, token, nil, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("delete expected 200, got %d", resp.StatusCode)
	}
	expectError(t, ts.do(t, http.MethodGet, "/api/patients/"+id, token, nil, nil), http.StatusNotFound, "PATIENT_NOT_FOUND")
	expectError(t, ts.do(t, http.MethodGet, "/api/patients/xyz", token, nil, nil), http.StatusBadRequest, "INVALID_ID")
}

func TestAuthFlow(t *testing.T) {
	ts := newTestServer(t, Config{})
	adminToken, admin := ts.register(t, "admin@example.com")
	userToken, _ := ts.register(t, "doc@example.com")
	if admin.Role != domain.RoleAdmin {
		t.Fatalf("first user should be admin, got %s", admin.Role)
	}

	expectError(t, ts.postJSON(t, "/api/auth/register", "", map[string]string{"email": "doc@example.com", "password": testPassword}), http.StatusConflict, "AUTH_EMAIL_EXISTS")
	expectError(t, ts.postJSON(t, "/api/auth/login", "", map[string]string{"email": "doc@example.com", "password": "Wr0ng!Password"}), http.StatusUnauthorized, "AUTH_INVALID_CREDENTIALS")

	expectError(t, ts.do(t, http.MethodGet, "/api/auth/allUsers", userToken, nil, nil), http.StatusForbidden, "AUTH_FORBIDDEN")
	resp := ts.do(t, http.MethodGet, "/api/auth/allUsers", adminToken, nil, nil)
	var users struct {
		Data []domain.User `json:"data"`
	}
	decode(t, resp, &users)
	if len(users.Data) != 2 {
		t.Fatalf("expected 2 users, got %d", len(users.Data))
	}

	resp = ts.postJSON(t, "/api/auth/reset-password", "", map[string]string{
		"email":           "doc@example.com",
		"currentPassword": testPassword,
		"newPassword":     "N3w!Password99",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset expected 200, got %d", resp.StatusCode)
	}
	expectError(t, ts.do(t, http.MethodGet, "/api/documents", userToken, nil, nil), http.StatusUnauthorized, "AUTH_INVALID_TOKEN")

	if resp := ts.do(t, http.MethodGet, "/api/auth/logout", adminToken, nil, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("logout expected 200, got %d", resp.StatusCode)
	}
	expectError(t, ts.do(t, http.MethodGet, "/api/documents", adminToken, nil, nil), http.StatusUnauthorized, "AUTH_INVALID_TOKEN")
	if resp := ts.do(t, http.MethodPost, "/api/auth/logout", "", nil, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("anonymous logout expected 200, got %d", resp.StatusCode)
	}
}

func TestLoginRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ts := newTestServer(t, Config{Redis: client, LoginRateLimitPerMinute: 1})
	ts.register(t, "doc@example.com")
	creds := map[string]string{"email": "doc@example.com", "password": testPassword}

	if resp := ts.postJSON(t, "/api/auth/login", "", creds); resp.StatusCode != http.StatusOK {
		t.Fatalf("first login expected 200, got %d", resp.StatusCode)
	}
	resp := ts.postJSON(t, "/api/auth/login", "", creds)
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	expectError(t, resp, http.StatusTooManyRequests, "RATE_LIMITED")
}

func TestFailedLoginsRaiseAlertCounter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ts := newTestServer(t, Config{Redis: client, LoginRateLimitPerMinute: 100})
	bad := map[string]string{"email": "nobody@example.com", "password": "Wr0ng!Password"}
	for i := 0; i < 3; i++ {
		ts.postJSON(t, "/api/auth/login", "", bad)
	}
	found := false
	for _, key := range mr.Keys() {
		if strings.HasPrefix(key, "medscribe:alerts:auth.login:fail:") {
			found = true
			if v, _ := mr.Get(key); v != "3" {
				t.Fatalf("expected 3 failures counted, got %s", v)
			}
		}
	}
	if !found {
		t.Fatalf("expected alert counter key, got %v", mr.Keys())
	}
}
