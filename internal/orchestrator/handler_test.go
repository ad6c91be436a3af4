package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"stream-orchestrator/internal/media/mediatest"
	"stream-orchestrator/internal/platform/logger"
)

func newTestHandler(t *testing.T) (*Handler, *Service) {
	t.Helper()
	rt := mediatest.New()
	repo := NewInMemoryRepository()
	layout := NewLayoutManager(t.TempDir())
	log := logger.Discard()
	svc := NewService(Deps{
		Repo:       repo,
		Layout:     layout,
		Builder:    NewBuilder(rt, layout, log),
		Supervisor: NewSupervisor(repo, log, nil),
		Log:        log,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return NewHandler(svc, log), svc
}

func newTestRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Post("/addStream", h.AddStream)
	r.Get("/getStreams", h.GetStreams)
	r.Delete("/deleteStream", h.DeleteStream)
	return r
}

type testResponse struct {
	Status  bool                    `json:"status"`
	Message string                  `json:"message"`
	Data    map[string]StreamStatus `json:"data"`
}

func do(t *testing.T, r http.Handler, method, target string, body any) (*httptest.ResponseRecorder, testResponse) {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var resp testResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return rec, resp
}

func TestHandler_AddStream(t *testing.T) {
	h, _ := newTestHandler(t)
	r := newTestRouter(h)

	rec, resp := do(t, r, http.MethodPost, "/addStream", map[string]any{
		"rtsp":           "rtsp://cam1",
		"stream_type":    "HLS",
		"encode_options": "multi",
		"hls_options":    map[string]int{"max_files": 10, "duration": 2},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !resp.Status || resp.Message != "Initiated" {
		t.Errorf("unexpected response %+v", resp)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestHandler_AddStream_bad_request(t *testing.T) {
	h, svc := newTestHandler(t)
	r := newTestRouter(h)

	cases := map[string]any{
		"not_json":       "not json",
		"missing_rtsp":   map[string]string{"stream_type": "HLS"},
		"unknown_type":   map[string]string{"rtsp": "rtsp://cam1", "stream_type": "DASH"},
		"unknown_option": map[string]string{"rtsp": "rtsp://cam1", "stream_type": "WebRTC", "encode_options": "ultra"},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec, resp := do(t, r, http.MethodPost, "/addStream", body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
			if resp.Status {
				t.Error("status should be false")
			}
		})
	}
	if n := len(svc.List()); n != 0 {
		t.Errorf("rejected requests must not register sessions, got %d", n)
	}
}

func TestHandler_AddStream_after_shutdown(t *testing.T) {
	h, svc := newTestHandler(t)
	r := newTestRouter(h)
	if err := svc.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}

	rec, resp := do(t, r, http.MethodPost, "/addStream", map[string]string{"rtsp": "rtsp://cam1", "stream_type": "HLS"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
	if resp.Status {
		t.Error("status should be false")
	}
}

func TestHandler_GetStreams(t *testing.T) {
	h, svc := newTestHandler(t)
	r := newTestRouter(h)

	if _, err := svc.Add(AddRequest{Source: "rtsp://cam1", Kind: KindPeerDelivered}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, resp := do(t, r, http.MethodGet, "/getStreams", nil)
		if rec.Code != http.StatusOK || !resp.Status || resp.Message != "Fetch Success" {
			t.Fatalf("unexpected response %d %+v", rec.Code, resp)
		}
		st, ok := resp.Data["rtsp://cam1-WebRTC"]
		if !ok {
			t.Fatalf("missing entry in %+v", resp.Data)
		}
		if st.Status && st.Message == "Started" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("stream never started, last %+v", st)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandler_GetStreams_empty(t *testing.T) {
	h, _ := newTestHandler(t)
	r := newTestRouter(h)

	rec, resp := do(t, r, http.MethodGet, "/getStreams", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if resp.Data == nil || len(resp.Data) != 0 {
		t.Errorf("expected an empty object, got %+v", resp.Data)
	}
}

func TestHandler_DeleteStream(t *testing.T) {
	h, svc := newTestHandler(t)
	r := newTestRouter(h)

	if _, err := svc.Add(AddRequest{Source: "rtsp://cam1", Kind: KindSegmented}); err != nil {
		t.Fatal(err)
	}

	rec, resp := do(t, r, http.MethodDelete, "/deleteStream?rtsp=rtsp://cam1&stream_type=hls", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !resp.Status || resp.Message != "Stream 'rtsp://cam1' deleted successfully" {
		t.Errorf("unexpected response %+v", resp)
	}
	if _, ok := svc.List()["rtsp://cam1-HLS"]; ok {
		t.Error("entry still listed after delete")
	}
}

func TestHandler_DeleteStream_not_found(t *testing.T) {
	h, _ := newTestHandler(t)
	r := newTestRouter(h)

	rec, resp := do(t, r, http.MethodDelete, "/deleteStream?rtsp=rtsp://ghost&stream_type=WebRTC", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if !resp.Status || resp.Message != "Stream not found" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestHandler_DeleteStream_bad_request(t *testing.T) {
	h, _ := newTestHandler(t)
	r := newTestRouter(h)

	for _, target := range []string{
		"/deleteStream?stream_type=HLS",
		"/deleteStream?rtsp=rtsp://cam1",
		"/deleteStream?rtsp=rtsp://cam1&stream_type=RTMP",
	} {
		rec, resp := do(t, r, http.MethodDelete, target, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", target, rec.Code)
		}
		if resp.Status {
			t.Errorf("%s: status should be false", target)
		}
	}
}
