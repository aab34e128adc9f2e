// Package uploader implements the client side of the document upload
// lifecycle: local validation, the multipart transfer with progress, the
// scan-status polling loop and deletion.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lgulliver/docvault/pkg/sizefmt"
	"github.com/rs/zerolog/log"
)

// State is the lifecycle state of an upload session.
type State string

const (
	StateReady           State = "ready"
	StateStarting        State = "starting"
	StateUploading       State = "uploading"
	StateUploadFailed    State = "upload-failed"
	StateProcessing      State = "processing"
	StateScanFailed      State = "scan-failed"
	StateDownloadable    State = "downloadable"
	StateNotDownloadable State = "not-downloadable"
)

// DefaultPollInterval is the delay between scan-status polls.
const DefaultPollInterval = 2000 * time.Millisecond

// DefaultDocumentIDParam is the default name of the document id key in the
// upload response and of the query parameter on the other endpoints.
const DefaultDocumentIDParam = "documentId"

const scanFailedMessage = "The uploaded file could not be scanned"

// Config is the externally supplied configuration surface of a session.
type Config struct {
	UploadURL   string
	StatusURL   string // empty disables polling: uploads go straight to downloadable
	DeleteURL   string
	DownloadURL string

	// DocumentIDParam names the id key in the upload response and the query
	// parameter for status, delete and download. Defaults to "documentId".
	DocumentIDParam string

	// AllowedTypes is the extension allow-list, matched case-insensitively.
	// Empty means any type is accepted.
	AllowedTypes []string

	// MaxSize is a limit string such as "100mb"; empty means unbounded.
	MaxSize string

	// Headers are added to every request the session makes.
	Headers http.Header

	PollInterval time.Duration
	HTTPClient   *http.Client
}

// Session drives one file through the upload lifecycle. A session holds at
// most one in-flight transfer and can be cleared and reused.
type Session struct {
	cfg     Config
	client  *http.Client
	maxSize int64
	allowed map[string]struct{}

	mu           sync.Mutex
	state        State
	fileName     string
	fileSize     int64
	documentID   string
	errMsg       string
	lastErr      error
	progress     float64
	loaded       int64
	displayText  string
	downloadLink string
	tags         []string
	cancel       context.CancelFunc

	// generation is bumped on every clear/reset. Scheduled polls and
	// transfer callbacks carry the generation they were created under and
	// become no-ops once it has moved on, so a stale poll can never
	// resurrect a cleared session.
	generation uint64
}

// NewSession creates a session from its configuration.
func NewSession(cfg Config) (*Session, error) {
	if cfg.UploadURL == "" {
		return nil, errors.New("upload URL is required")
	}

	maxSize, err := sizefmt.ParseLimit(cfg.MaxSize)
	if err != nil {
		return nil, fmt.Errorf("invalid max size: %w", err)
	}

	if cfg.DocumentIDParam == "" {
		cfg.DocumentIDParam = DefaultDocumentIDParam
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedTypes))
	for _, t := range cfg.AllowedTypes {
		allowed[strings.ToLower(t)] = struct{}{}
	}

	s := &Session{
		cfg:     cfg,
		client:  client,
		maxSize: maxSize,
		allowed: allowed,
	}
	s.setStateLocked(StateReady)
	return s, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the current user-visible error text, empty when there is none.
func (s *Session) Err() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errMsg
}

// LastErr returns the typed error behind the current error text, nil when
// there is none.
func (s *Session) LastErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// FileName returns the name of the currently selected file.
func (s *Session) FileName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fileName
}

// DocumentID returns the server-assigned document id. It is empty until the
// upload response has been accepted.
func (s *Session) DocumentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.documentID
}

// Progress returns the transfer progress as a fraction in [0,1].
func (s *Session) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// DisplayText returns the per-state presentation text.
func (s *Session) DisplayText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.displayText
}

// DownloadLink returns the download URL for the document; only set while the
// session is in the downloadable state.
func (s *Session) DownloadLink() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downloadLink
}

// Tags returns the presentation tags, including the state-<name> tag of the
// current state.
func (s *Session) Tags() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.tags))
	copy(out, s.tags)
	return out
}

// SelectFile validates the file and, when it passes, starts the transfer in
// the background. Validation failures set the error text and leave the state
// untouched; no request is made.
func (s *Session) SelectFile(ctx context.Context, name string, size int64, content io.Reader) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateReady {
		return fmt.Errorf("session is %s, clear it before selecting a new file", s.state)
	}

	if ext := sizefmt.Ext(name); len(s.allowed) > 0 {
		if _, ok := s.allowed[ext]; !ok {
			verr := &ValidationError{Reason: fmt.Sprintf("file type %q is not allowed", ext)}
			s.errMsg = verr.Reason
			s.lastErr = verr
			return verr
		}
	}

	if size > s.maxSize {
		verr := &ValidationError{Reason: fmt.Sprintf("file exceeds the maximum size of %s", sizefmt.Human(s.maxSize))}
		s.errMsg = verr.Reason
		s.lastErr = verr
		return verr
	}

	s.errMsg = ""
	s.lastErr = nil
	s.fileName = name
	s.fileSize = size
	s.progress = 0
	s.loaded = 0
	s.setStateLocked(StateStarting)

	uploadCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	gen := s.generation

	go s.upload(uploadCtx, gen, name, content)
	return nil
}

// ClearFile is the user removing the selection without uploading.
func (s *Session) ClearFile() {
	s.Clear()
}

// Abort cancels the in-flight transfer; the session resets to ready.
func (s *Session) Abort() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Clear resets the session to ready, dropping any error, selection and
// scheduled polls.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

// Action performs the state-dependent user action: abort while uploading,
// clear after a failure, delete once the server holds the document.
func (s *Session) Action(ctx context.Context) error {
	switch s.State() {
	case StateUploading:
		s.Abort()
		return nil
	case StateUploadFailed, StateScanFailed:
		s.Clear()
		return nil
	case StateProcessing, StateDownloadable, StateNotDownloadable:
		return s.Delete(ctx)
	default:
		return nil
	}
}

// Delete asks the server to remove the document. On success the session is
// cleared; on failure the error text is set and the state kept.
func (s *Session) Delete(ctx context.Context) error {
	s.mu.Lock()
	docID := s.documentID
	s.mu.Unlock()

	if docID == "" {
		return errors.New("no document to delete")
	}

	resp, err := s.get(ctx, s.cfg.DeleteURL, docID)
	if err != nil {
		s.setErr(err.Error(), err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusServiceError{Endpoint: "delete", Status: resp.Status}
		s.setErr(resp.Status, statusErr)
		return statusErr
	}

	log.Debug().Str("document_id", docID).Msg("document deleted")
	s.Clear()
	return nil
}

// upload runs the multipart transfer. It owns all state transitions from
// starting onwards for its generation.
func (s *Session) upload(ctx context.Context, gen uint64, name string, content io.Reader) {
	body, contentType, err := s.buildMultipart(name, content)
	if err != nil {
		s.failUpload(gen, errorTypeName(err), err)
		return
	}

	s.transition(gen, StateUploading)

	counter := &countingReader{r: bytes.NewReader(body), total: int64(len(body)), onRead: func(loaded int64, frac float64) {
		s.setProgress(gen, loaded, frac)
	}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.UploadURL, counter)
	if err != nil {
		s.failUpload(gen, errorTypeName(err), err)
		return
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = int64(len(body))
	s.applyHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// User abort: full reset rather than a failed state
			s.resetIfCurrent(gen)
			return
		}
		s.failUpload(gen, errorTypeName(err), err)
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		s.failUpload(gen, errorTypeName(err), err)
		return
	}

	// Nothing was transferred; treat the event as spurious
	if counter.loaded() == 0 {
		return
	}

	s.handleUploadResponse(gen, respBody)
}

func (s *Session) handleUploadResponse(gen uint64, body []byte) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		s.failUpload(gen, "invalid server response", err)
		return
	}

	var success bool
	if raw, ok := payload["success"]; ok {
		if err := json.Unmarshal(raw, &success); err != nil {
			s.failUpload(gen, "invalid server response", err)
			return
		}
	}

	if !success {
		msg := "upload rejected"
		if raw, ok := payload["message"]; ok {
			var m string
			if json.Unmarshal(raw, &m) == nil && m != "" {
				msg = m
			}
		}
		s.failUpload(gen, msg, &ServerRejectionError{Message: msg})
		return
	}

	var docID string
	if raw, ok := payload[s.cfg.DocumentIDParam]; ok {
		if err := json.Unmarshal(raw, &docID); err != nil {
			// Servers using numeric ids still need to round-trip cleanly
			var n json.Number
			if json.Unmarshal(raw, &n) == nil {
				docID = n.String()
			}
		}
	}
	if docID == "" {
		s.failUpload(gen, "invalid server response", errors.New("upload response is missing the document id"))
		return
	}

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.documentID = docID
	s.cancel = nil

	if s.cfg.StatusURL == "" {
		s.setStateLocked(StateDownloadable)
		s.mu.Unlock()
		return
	}

	s.setStateLocked(StateProcessing)
	s.mu.Unlock()

	s.schedulePoll(gen)
}

// schedulePoll arms the next status poll for the given generation.
func (s *Session) schedulePoll(gen uint64) {
	time.AfterFunc(s.cfg.PollInterval, func() {
		s.poll(gen)
	})
}

// poll re-reads the session state before issuing the request, so polls
// scheduled before a delete, abort or clear die silently.
func (s *Session) poll(gen uint64) {
	s.mu.Lock()
	if gen != s.generation || s.state != StateProcessing {
		s.mu.Unlock()
		return
	}
	docID := s.documentID
	s.mu.Unlock()

	resp, err := s.get(context.Background(), s.cfg.StatusURL, docID)
	if err != nil {
		s.setErrIfCurrent(gen, err.Error(), err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Error text only; the state stays processing
		statusErr := &StatusServiceError{Endpoint: "status", Status: resp.Status}
		s.setErrIfCurrent(gen, resp.Status, statusErr)
		return
	}

	var payload struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		s.setErrIfCurrent(gen, "invalid status response", err)
		return
	}

	if payload.Status == "scanning" {
		s.mu.Lock()
		current := gen == s.generation && s.state == StateProcessing
		s.mu.Unlock()
		if current {
			s.schedulePoll(gen)
		}
		return
	}

	// Any other value is adopted verbatim as the new state
	s.transition(gen, State(payload.Status))
}

func (s *Session) buildMultipart(name string, content io.Reader) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return nil, "", fmt.Errorf("failed to read file: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finalize form: %w", err)
	}

	return buf.Bytes(), w.FormDataContentType(), nil
}

func (s *Session) get(ctx context.Context, base, docID string) (*http.Response, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint URL: %w", err)
	}
	q := u.Query()
	q.Set(s.cfg.DocumentIDParam, docID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	s.applyHeaders(req)

	return s.client.Do(req)
}

func (s *Session) applyHeaders(req *http.Request) {
	for k, values := range s.cfg.Headers {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
}

// transition moves to a new state if the generation is still current.
func (s *Session) transition(gen uint64, next State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return
	}
	s.setStateLocked(next)
}

func (s *Session) failUpload(gen uint64, msg string, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return
	}
	s.errMsg = msg
	s.lastErr = cause
	s.cancel = nil
	s.setStateLocked(StateUploadFailed)
}

func (s *Session) setProgress(gen uint64, loaded int64, frac float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return
	}
	s.loaded = loaded
	s.progress = frac
}

func (s *Session) setErr(msg string, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errMsg = msg
	s.lastErr = cause
}

func (s *Session) setErrIfCurrent(gen uint64, msg string, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return
	}
	s.errMsg = msg
	s.lastErr = cause
}

func (s *Session) resetIfCurrent(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return
	}
	s.resetLocked()
}

// resetLocked clears all session data and bumps the generation. Callers must
// hold the mutex.
func (s *Session) resetLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.generation++
	s.fileName = ""
	s.fileSize = 0
	s.documentID = ""
	s.errMsg = ""
	s.lastErr = nil
	s.progress = 0
	s.loaded = 0
	s.downloadLink = ""
	s.setStateLocked(StateReady)
}

// setStateLocked applies a state change and its presentation side effects.
// Callers must hold the mutex.
func (s *Session) setStateLocked(next State) {
	prev := s.state
	s.state = next
	s.swapStateTagLocked(prev, next)

	switch next {
	case StateReady:
		s.displayText = ""
	case StateUploading:
		s.displayText = s.fileName
	case StateUploadFailed:
		s.displayText = fmt.Sprintf("%d%%", int(math.Round(s.progress*100)))
	case StateProcessing:
		s.displayText = sizefmt.Human(s.fileSize)
	case StateScanFailed:
		s.displayText = scanFailedMessage
		s.errMsg = scanFailedMessage
	case StateDownloadable:
		s.displayText = sizefmt.Human(s.fileSize)
		s.downloadLink = s.buildDownloadLink()
	case StateNotDownloadable:
		s.displayText = fmt.Sprintf("Successfully uploaded (%s)", sizefmt.Human(s.fileSize))
	}

	if prev != next {
		log.Debug().
			Str("from", string(prev)).
			Str("to", string(next)).
			Str("document_id", s.documentID).
			Msg("upload session state changed")
	}
}

func (s *Session) swapStateTagLocked(prev, next State) {
	if prev != "" {
		oldTag := "state-" + string(prev)
		for i, t := range s.tags {
			if t == oldTag {
				s.tags = append(s.tags[:i], s.tags[i+1:]...)
				break
			}
		}
	}
	s.tags = append(s.tags, "state-"+string(next))
}

func (s *Session) buildDownloadLink() string {
	if s.cfg.DownloadURL == "" || s.documentID == "" {
		return ""
	}
	u, err := url.Parse(s.cfg.DownloadURL)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set(s.cfg.DocumentIDParam, s.documentID)
	u.RawQuery = q.Encode()
	return u.String()
}

// countingReader reports transfer progress while the request body is read.
type countingReader struct {
	r      io.Reader
	total  int64
	read   atomic.Int64
	onRead func(loaded int64, frac float64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		loaded := c.read.Add(int64(n))
		frac := 0.0
		if c.total > 0 {
			frac = float64(loaded) / float64(c.total)
		}
		c.onRead(loaded, frac)
	}
	return n, err
}

func (c *countingReader) loaded() int64 {
	return c.read.Load()
}

// errorTypeName reports a transport error as its Go type name, mirroring how
// transfer errors carry only the event type, not the full message.
func errorTypeName(err error) string {
	return strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
}
