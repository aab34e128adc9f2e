package uploader

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testBackend is a configurable fake of the four document endpoints.
type testBackend struct {
	t *testing.T

	uploadResponse func() (int, string)
	statusResponse func() (int, string)
	deleteStatus   atomic.Int32

	uploads atomic.Int32
	polls   atomic.Int32
	deletes atomic.Int32

	server *httptest.Server
}

func newTestBackend(t *testing.T) *testBackend {
	b := &testBackend{t: t}
	b.deleteStatus.Store(http.StatusOK)
	b.uploadResponse = func() (int, string) {
		return http.StatusOK, `{"success":true,"documentId":"doc-1"}`
	}
	b.statusResponse = func() (int, string) {
		return http.StatusOK, `{"status":"downloadable"}`
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		b.uploads.Add(1)
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if _, _, err := r.FormFile("file"); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		code, body := b.uploadResponse()
		w.WriteHeader(code)
		w.Write([]byte(body))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		b.polls.Add(1)
		code, body := b.statusResponse()
		w.WriteHeader(code)
		w.Write([]byte(body))
	})
	mux.HandleFunc("/delete", func(w http.ResponseWriter, r *http.Request) {
		b.deletes.Add(1)
		w.WriteHeader(int(b.deleteStatus.Load()))
	})

	b.server = httptest.NewServer(mux)
	t.Cleanup(b.server.Close)
	return b
}

func (b *testBackend) config() Config {
	return Config{
		UploadURL:    b.server.URL + "/upload",
		StatusURL:    b.server.URL + "/status",
		DeleteURL:    b.server.URL + "/delete",
		DownloadURL:  b.server.URL + "/download",
		PollInterval: 10 * time.Millisecond,
	}
}

func waitForState(t *testing.T, s *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.State() == want
	}, 2*time.Second, 5*time.Millisecond, "expected state %s, last seen %s", want, s.State())
}

func selectTestFile(t *testing.T, s *Session, name, content string) {
	t.Helper()
	err := s.SelectFile(context.Background(), name, int64(len(content)), strings.NewReader(content))
	require.NoError(t, err)
}

func TestSessionUploadToDownloadable(t *testing.T) {
	backend := newTestBackend(t)
	var scans atomic.Int32
	backend.statusResponse = func() (int, string) {
		if scans.Add(1) < 3 {
			return http.StatusOK, `{"status":"scanning"}`
		}
		return http.StatusOK, `{"status":"downloadable"}`
	}

	s, err := NewSession(backend.config())
	require.NoError(t, err)

	selectTestFile(t, s, "report.pdf", "hello world")
	waitForState(t, s, StateProcessing)

	waitForState(t, s, StateDownloadable)
	assert.GreaterOrEqual(t, scans.Load(), int32(3), "scanning responses should keep the poll loop alive")
	assert.Equal(t, "doc-1", s.DocumentID())
	assert.Empty(t, s.Err())
	assert.Contains(t, s.DownloadLink(), "documentId=doc-1")
	assert.Contains(t, s.Tags(), "state-downloadable")
	assert.NotContains(t, s.Tags(), "state-processing")
	assert.Equal(t, "11 Bytes", s.DisplayText())
}

func TestSessionRejectsDisallowedType(t *testing.T) {
	backend := newTestBackend(t)
	cfg := backend.config()
	cfg.AllowedTypes = []string{"pdf", "docx"}

	s, err := NewSession(cfg)
	require.NoError(t, err)

	err = s.SelectFile(context.Background(), "payload.exe", 4, strings.NewReader("1234"))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, StateReady, s.State())
	assert.NotEmpty(t, s.Err())
	assert.Zero(t, backend.uploads.Load(), "no transfer may start after a validation failure")
}

func TestSessionRejectsOversizeFile(t *testing.T) {
	backend := newTestBackend(t)
	cfg := backend.config()
	cfg.MaxSize = "1kb"

	s, err := NewSession(cfg)
	require.NoError(t, err)

	err = s.SelectFile(context.Background(), "big.pdf", 2000, strings.NewReader(strings.Repeat("x", 2000)))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, StateReady, s.State())
	assert.NotEmpty(t, s.Err())
	assert.Zero(t, backend.uploads.Load())
}

func TestSessionServerRejection(t *testing.T) {
	backend := newTestBackend(t)
	backend.uploadResponse = func() (int, string) {
		return http.StatusOK, `{"success":false,"message":"quota exceeded"}`
	}

	s, err := NewSession(backend.config())
	require.NoError(t, err)

	selectTestFile(t, s, "report.pdf", "hello")
	waitForState(t, s, StateUploadFailed)

	assert.Equal(t, "quota exceeded", s.Err())
	var rejection *ServerRejectionError
	assert.ErrorAs(t, s.LastErr(), &rejection)
	assert.Empty(t, s.DocumentID())
	assert.Contains(t, s.Tags(), "state-upload-failed")
}

func TestSessionMalformedUploadResponse(t *testing.T) {
	backend := newTestBackend(t)
	backend.uploadResponse = func() (int, string) {
		return http.StatusOK, `{"success":tru`
	}

	s, err := NewSession(backend.config())
	require.NoError(t, err)

	selectTestFile(t, s, "report.pdf", "hello")
	waitForState(t, s, StateUploadFailed)
	assert.Equal(t, "invalid server response", s.Err())
}

func TestSessionCustomDocumentIDParam(t *testing.T) {
	backend := newTestBackend(t)
	backend.uploadResponse = func() (int, string) {
		return http.StatusOK, `{"success":true,"fileRef":"ref-9"}`
	}
	cfg := backend.config()
	cfg.DocumentIDParam = "fileRef"
	cfg.StatusURL = ""

	s, err := NewSession(cfg)
	require.NoError(t, err)

	selectTestFile(t, s, "report.pdf", "hello")
	waitForState(t, s, StateDownloadable)
	assert.Equal(t, "ref-9", s.DocumentID())
	assert.Contains(t, s.DownloadLink(), "fileRef=ref-9")
}

func TestSessionNoStatusURLSkipsPolling(t *testing.T) {
	backend := newTestBackend(t)
	cfg := backend.config()
	cfg.StatusURL = ""

	s, err := NewSession(cfg)
	require.NoError(t, err)

	selectTestFile(t, s, "report.pdf", "hello")
	waitForState(t, s, StateDownloadable)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, backend.polls.Load())
}

func TestSessionAbortDuringUpload(t *testing.T) {
	release := make(chan struct{})
	blocking := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte(`{"success":true,"documentId":"doc-1"}`))
	}))
	defer blocking.Close()
	defer close(release)

	s, err := NewSession(Config{UploadURL: blocking.URL, PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	selectTestFile(t, s, "report.pdf", "hello")
	waitForState(t, s, StateUploading)

	s.Abort()
	waitForState(t, s, StateReady)
	assert.Empty(t, s.Err(), "an abort is not an error")
	assert.Empty(t, s.FileName())
}

func TestSessionPollFailureStopsLoop(t *testing.T) {
	backend := newTestBackend(t)
	backend.statusResponse = func() (int, string) {
		return http.StatusServiceUnavailable, ""
	}

	s, err := NewSession(backend.config())
	require.NoError(t, err)

	selectTestFile(t, s, "report.pdf", "hello")
	waitForState(t, s, StateProcessing)

	require.Eventually(t, func() bool {
		return s.Err() != ""
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, StateProcessing, s.State(), "a status failure keeps the document in processing")
	var statusErr *StatusServiceError
	assert.ErrorAs(t, s.LastErr(), &statusErr)

	polled := backend.polls.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, polled, backend.polls.Load(), "the loop must stop after a failed poll")
}

func TestSessionScanFailedStatus(t *testing.T) {
	backend := newTestBackend(t)
	backend.statusResponse = func() (int, string) {
		return http.StatusOK, `{"status":"scan-failed"}`
	}

	s, err := NewSession(backend.config())
	require.NoError(t, err)

	selectTestFile(t, s, "report.pdf", "hello")
	waitForState(t, s, StateScanFailed)
	assert.Equal(t, scanFailedMessage, s.Err())
	assert.Equal(t, scanFailedMessage, s.DisplayText())
}

func TestSessionNotDownloadableStatus(t *testing.T) {
	backend := newTestBackend(t)
	backend.statusResponse = func() (int, string) {
		return http.StatusOK, `{"status":"not-downloadable"}`
	}

	s, err := NewSession(backend.config())
	require.NoError(t, err)

	selectTestFile(t, s, "infected.pdf", "hello")
	waitForState(t, s, StateNotDownloadable)
	assert.Contains(t, s.DisplayText(), "Successfully uploaded")
	assert.Empty(t, s.DownloadLink())
}

func TestSessionDeleteClearsAndStopsStalePolls(t *testing.T) {
	backend := newTestBackend(t)
	backend.statusResponse = func() (int, string) {
		return http.StatusOK, `{"status":"scanning"}`
	}

	s, err := NewSession(backend.config())
	require.NoError(t, err)

	selectTestFile(t, s, "report.pdf", "hello")
	waitForState(t, s, StateProcessing)

	require.NoError(t, s.Delete(context.Background()))
	assert.Equal(t, StateReady, s.State())
	assert.Empty(t, s.DocumentID())

	// Polls scheduled before the delete must die without a request and
	// must not pull the session out of ready.
	polled := backend.polls.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateReady, s.State())
	assert.LessOrEqual(t, backend.polls.Load(), polled+1)
	assert.Equal(t, StateReady, s.State())
}

func TestSessionDeleteFailureKeepsState(t *testing.T) {
	backend := newTestBackend(t)
	backend.statusResponse = func() (int, string) {
		return http.StatusOK, `{"status":"downloadable"}`
	}
	backend.deleteStatus.Store(http.StatusInternalServerError)

	s, err := NewSession(backend.config())
	require.NoError(t, err)

	selectTestFile(t, s, "report.pdf", "hello")
	waitForState(t, s, StateDownloadable)

	err = s.Delete(context.Background())
	var statusErr *StatusServiceError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, StateDownloadable, s.State())
	assert.NotEmpty(t, s.Err())
}

func TestSessionActionDispatch(t *testing.T) {
	backend := newTestBackend(t)
	backend.statusResponse = func() (int, string) {
		return http.StatusOK, `{"status":"downloadable"}`
	}

	s, err := NewSession(backend.config())
	require.NoError(t, err)

	selectTestFile(t, s, "report.pdf", "hello")
	waitForState(t, s, StateDownloadable)

	// Downloadable action deletes the document and clears the session
	require.NoError(t, s.Action(context.Background()))
	assert.Equal(t, StateReady, s.State())
	assert.Equal(t, int32(1), backend.deletes.Load())
}

func TestSessionClearAfterFailure(t *testing.T) {
	backend := newTestBackend(t)
	backend.uploadResponse = func() (int, string) {
		return http.StatusOK, `{"success":false,"message":"nope"}`
	}

	s, err := NewSession(backend.config())
	require.NoError(t, err)

	selectTestFile(t, s, "report.pdf", "hello")
	waitForState(t, s, StateUploadFailed)

	require.NoError(t, s.Action(context.Background()))
	assert.Equal(t, StateReady, s.State())
	assert.Empty(t, s.Err())
	assert.NoError(t, s.LastErr())
}

func TestSessionProgressReachesFull(t *testing.T) {
	backend := newTestBackend(t)
	cfg := backend.config()
	cfg.StatusURL = ""

	s, err := NewSession(cfg)
	require.NoError(t, err)

	selectTestFile(t, s, "report.pdf", strings.Repeat("x", 4096))
	waitForState(t, s, StateDownloadable)
	assert.InDelta(t, 1.0, s.Progress(), 0.001)
}

func TestSessionSendsConfiguredHeaders(t *testing.T) {
	var gotKey atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey.Store(r.Header.Get("X-API-Key"))
		json.NewEncoder(w).Encode(map[string]any{"success": true, "documentId": "doc-1"})
	}))
	defer server.Close()

	s, err := NewSession(Config{
		UploadURL: server.URL,
		Headers:   http.Header{"X-Api-Key": []string{"dv_secret"}},
	})
	require.NoError(t, err)

	selectTestFile(t, s, "report.pdf", "hello")
	waitForState(t, s, StateDownloadable)
	assert.Equal(t, "dv_secret", gotKey.Load())
}
