package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LifelineOCR/medscribe-backend/pkg/domain"
	"github.com/LifelineOCR/medscribe-backend/pkg/ocr"
	"github.com/LifelineOCR/medscribe-backend/pkg/store"
)

func TestDispatchCompletesWithUpstreamResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		if _, _, err := r.FormFile("file"); err != nil {
			http.Error(w, "missing file", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"ocr_results": {"ocr_extracted_text": "Rx: amoxicillin 500mg"},
			"medical_analysis": {"medications": [{"name": "amoxicillin", "dose": "500mg"}]}
		}`)
	}))
	defer srv.Close()

	env := newTestEnv(t, ocr.NewClient(ocr.Config{URL: srv.URL, Timeout: 5 * time.Second}))
	owner := testUser("owner-1")
	doc := env.upload(t, owner, "rx.png", pngBytes)

	env.app.Dispatcher().Dispatch(context.Background(), doc.ID)

	got, err := env.app.GetDocument(owner, doc.ID)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if got.ProcessingStatus != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", got.ProcessingStatus, got.ProcessingError)
	}
	view, err := env.app.GetTranscription(owner, doc.ID)
	if err != nil {
		t.Fatalf("transcription: %v", err)
	}
	tr := view.Transcription
	if tr == nil {
		t.Fatalf("expected transcription")
	}
	if tr.Status != domain.StatusCompleted || tr.ErrorMessage != "" {
		t.Fatalf("unexpected transcription state %s %q", tr.Status, tr.ErrorMessage)
	}
	if !strings.Contains(tr.TranscribedText, "amoxicillin") {
		t.Fatalf("unexpected text %q", tr.TranscribedText)
	}
	var data map[string]any
	if err := json.Unmarshal(tr.StructuredData, &data); err != nil {
		t.Fatalf("structured data is not an object: %v", err)
	}
	if _, ok := data["medications"]; !ok {
		t.Fatalf("expected medications in structured data, got %s", tr.StructuredData)
	}
	if tr.ProcessingTimeMs == nil || tr.CompletedAt == nil {
		t.Fatalf("expected timing fields to be set")
	}
	if view.Message != "" {
		t.Fatalf("completed view should carry no message, got %q", view.Message)
	}
}

func TestDispatchRecordsUpstreamFailure(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		timeout time.Duration
	}{
		{
			name: "bad gateway",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "model unavailable", http.StatusBadGateway)
			},
			timeout: 5 * time.Second,
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, "<html>oops</html>")
			},
			timeout: 5 * time.Second,
		},
		{
			name: "timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
			},
			timeout: 50 * time.Millisecond,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			env := newTestEnv(t, ocr.NewClient(ocr.Config{URL: srv.URL, Timeout: tc.timeout}))
			owner := testUser("owner-1")
			doc := env.upload(t, owner, "rx.png", pngBytes)

			env.app.Dispatcher().Dispatch(context.Background(), doc.ID)

			got, _ := env.app.GetDocument(owner, doc.ID)
			if got.ProcessingStatus != domain.StatusFailed {
				t.Fatalf("expected FAILED, got %s", got.ProcessingStatus)
			}
			view, _ := env.app.GetTranscription(owner, doc.ID)
			if view.Transcription == nil || !strings.HasPrefix(view.Transcription.ErrorMessage, "Transcription failed: ") {
				t.Fatalf("expected failure message, got %+v", view.Transcription)
			}
			if view.Transcription.CompletedAt == nil {
				t.Fatalf("failed transcription should carry completedAt")
			}
		})
	}
}

func TestDispatchRunsOnlyOnce(t *testing.T) {
	var calls atomic.Int32
	env := newTestEnv(t, transcribeFunc(func(context.Context, io.Reader, string, string) (ocr.Result, error) {
		calls.Add(1)
		return ocr.Result{TranscribedText: "done"}, nil
	}))
	owner := testUser("owner-1")
	doc := env.upload(t, owner, "a.png", pngBytes)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env.app.Dispatcher().Dispatch(context.Background(), doc.ID)
		}()
	}
	wg.Wait()
	env.app.Dispatcher().Dispatch(context.Background(), doc.ID)

	if n := calls.Load(); n != 1 {
		t.Fatalf("expected one transcription call, got %d", n)
	}
}

func TestDispatchSeesProcessingWhileTranscribing(t *testing.T) {
	owner := testUser("owner-1")
	var env *testEnv
	var seen domain.ProcessingStatus
	env = newTestEnv(t, transcribeFunc(func(context.Context, io.Reader, string, string) (ocr.Result, error) {
		docs, _ := env.store.ListDocuments(owner.ID, store.DocumentFilter{})
		if len(docs) == 1 {
			seen = docs[0].ProcessingStatus
		}
		return ocr.Result{TranscribedText: "done"}, nil
	}))
	doc := env.upload(t, owner, "a.png", pngBytes)

	env.app.Dispatcher().Dispatch(context.Background(), doc.ID)

	if seen != domain.StatusProcessing {
		t.Fatalf("expected PROCESSING during the call, got %q", seen)
	}
}

func TestDispatchDocumentDeletedMidFlight(t *testing.T) {
	owner := testUser("owner-1")
	var env *testEnv
	var docID string
	env = newTestEnv(t, transcribeFunc(func(ctx context.Context, _ io.Reader, _, _ string) (ocr.Result, error) {
		if err := env.app.DeleteDocument(ctx, owner, docID); err != nil {
			t.Errorf("delete during dispatch: %v", err)
		}
		return ocr.Result{TranscribedText: "late"}, nil
	}))
	doc := env.upload(t, owner, "a.png", pngBytes)
	docID = doc.ID

	env.app.Dispatcher().Dispatch(context.Background(), doc.ID)

	if _, ok, _ := env.store.GetDocument(doc.ID); ok {
		t.Fatalf("deleted document must not be recreated")
	}
	if _, ok, _ := env.store.GetTranscription(doc.ID, owner.ID); ok {
		t.Fatalf("no transcription may be written for a deleted document")
	}
}

func TestDispatchFailsWhenBlobMissing(t *testing.T) {
	var calls atomic.Int32
	env := newTestEnv(t, transcribeFunc(func(context.Context, io.Reader, string, string) (ocr.Result, error) {
		calls.Add(1)
		return ocr.Result{}, nil
	}))
	owner := testUser("owner-1")
	doc := env.upload(t, owner, "a.png", pngBytes)
	if err := env.blobs.Delete(context.Background(), doc.FilePath); err != nil {
		t.Fatalf("delete blob: %v", err)
	}

	env.app.Dispatcher().Dispatch(context.Background(), doc.ID)

	got, _ := env.app.GetDocument(owner, doc.ID)
	if got.ProcessingStatus != domain.StatusFailed || got.ProcessingError != ErrBlobMissing.Error() {
		t.Fatalf("expected FAILED with missing file error, got %s %q", got.ProcessingStatus, got.ProcessingError)
	}
	if calls.Load() != 0 {
		t.Fatalf("transcription service must not be called without a file")
	}
}

func TestDispatchRecoversFromPanic(t *testing.T) {
	env := newTestEnv(t, transcribeFunc(func(context.Context, io.Reader, string, string) (ocr.Result, error) {
		panic("boom")
	}))
	owner := testUser("owner-1")
	doc := env.upload(t, owner, "a.png", pngBytes)

	env.app.Dispatcher().Dispatch(context.Background(), doc.ID)

	got, _ := env.app.GetDocument(owner, doc.ID)
	if got.ProcessingStatus != domain.StatusFailed {
		t.Fatalf("expected FAILED after panic, got %s", got.ProcessingStatus)
	}
}

func TestAbandonLeavesTerminalDocumentsAlone(t *testing.T) {
	env := newTestEnv(t, nil)
	owner := testUser("owner-1")
	doc := env.upload(t, owner, "a.png", pngBytes)
	env.app.Dispatcher().Dispatch(context.Background(), doc.ID)

	if err := env.app.Dispatcher().Abandon(context.Background(), doc.ID, "processing timed out"); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	got, _ := env.app.GetDocument(owner, doc.ID)
	if got.ProcessingStatus != domain.StatusCompleted {
		t.Fatalf("completed document must stay COMPLETED, got %s", got.ProcessingStatus)
	}
}

func TestRunWorkersDrainsQueue(t *testing.T) {
	done := make(chan struct{}, 1)
	env := newTestEnv(t, transcribeFunc(func(context.Context, io.Reader, string, string) (ocr.Result, error) {
		done <- struct{}{}
		return ocr.Result{TranscribedText: "ok"}, nil
	}))
	owner := testUser("owner-1")
	doc := env.upload(t, owner, "a.png", pngBytes)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- env.app.RunWorkers(ctx) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("worker never picked up the job")
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, _ := env.app.GetDocument(owner, doc.ID)
		if got.ProcessingStatus == domain.StatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("document never completed, status %s", got.ProcessingStatus)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("run workers: %v", err)
	}
}

// splitWriteStore hides RecordStage so the dispatcher writes the
// transcription and the document status separately. dropStatus makes the
// next status write of that stage fail, as if the process died in between.
type splitWriteStore struct {
	store.Store
	mu         sync.Mutex
	dropStatus domain.ProcessingStatus
}

func (s *splitWriteStore) SetDocumentStatus(id string, status domain.ProcessingStatus, errMsg string) error {
	s.mu.Lock()
	drop := s.dropStatus != "" && s.dropStatus == status
	if drop {
		s.dropStatus = ""
	}
	s.mu.Unlock()
	if drop {
		return errors.New("connection lost")
	}
	return s.Store.SetDocumentStatus(id, status, errMsg)
}

func TestDispatchWithoutStageRecorder(t *testing.T) {
	env := newTestEnv(t, nil)
	owner := testUser("owner-1")
	split := &splitWriteStore{Store: env.store}
	if _, ok := any(split).(store.StageRecorder); ok {
		t.Fatalf("wrapper must not expose RecordStage")
	}
	transcriber := transcribeFunc(func(context.Context, io.Reader, string, string) (ocr.Result, error) {
		return ocr.Result{TranscribedText: "Rx", StructuredData: json.RawMessage(`{"rx":true}`)}, nil
	})
	d := NewDispatcher(split, env.blobs, transcriber, nil)

	clean := env.upload(t, owner, "clean.png", pngBytes)
	d.Dispatch(context.Background(), clean.ID)
	got, _ := env.app.GetDocument(owner, clean.ID)
	view, _ := env.app.GetTranscription(owner, clean.ID)
	if got.ProcessingStatus != domain.StatusCompleted || view.Transcription == nil || view.Transcription.Status != domain.StatusCompleted {
		t.Fatalf("expected both records COMPLETED, got %s / %+v", got.ProcessingStatus, view.Transcription)
	}

	torn := env.upload(t, owner, "torn.png", pngBytes)
	split.dropStatus = domain.StatusCompleted
	d.Dispatch(context.Background(), torn.ID)
	got, _ = env.app.GetDocument(owner, torn.ID)
	view, _ = env.app.GetTranscription(owner, torn.ID)
	if got.ProcessingStatus != domain.StatusProcessing || view.Transcription == nil || view.Transcription.Status != domain.StatusCompleted {
		t.Fatalf("expected PROCESSING document with COMPLETED transcription, got %s / %+v", got.ProcessingStatus, view.Transcription)
	}

	r := NewReconciler(ReconcilerConfig{
		Store:             split,
		Queue:             env.queue,
		Dispatcher:        d,
		StaleAfter:        time.Minute,
		ProcessingTimeout: time.Minute,
	})
	r.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	res, err := r.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Repaired != 1 || res.Abandoned != 0 {
		t.Fatalf("unexpected sweep result %+v", res)
	}
	got, _ = env.app.GetDocument(owner, torn.ID)
	if got.ProcessingStatus != domain.StatusCompleted {
		t.Fatalf("expected repaired COMPLETED, got %s", got.ProcessingStatus)
	}
}
