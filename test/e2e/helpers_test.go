package e2e_test

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/courier/internal/bootstrap"
	"github.com/alexjbarnes/courier/internal/crypto"
	"github.com/alexjbarnes/courier/internal/outbox"
	"github.com/alexjbarnes/courier/internal/store"
	"github.com/alexjbarnes/courier/internal/types"
	"github.com/alexjbarnes/courier/internal/upload"
)

// harness holds the full delivery stack: a real bbolt store, the outbox
// pipeline, the chunk upload coordinator and the bootstrap worker, all
// pointed at an in-process fake message server.
type harness struct {
	store       *store.Store
	pipeline    *outbox.Pipeline
	coordinator *upload.Coordinator
	worker      *bootstrap.Worker
	events      *eventRecorder
	server      *messageServer
	spoolDir    string
}

func newHarness(t *testing.T, backoff *outbox.Backoff) *harness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	server := newMessageServer(t)
	events := &eventRecorder{}
	spoolDir := t.TempDir()

	coordinator := upload.NewCoordinator(st, upload.NewClient(nil), backoff, store.ProcessMain, spoolDir, 4, logger)
	pipeline := outbox.NewPipeline(st, upload.NewClient(nil), coordinator, events, backoff, logger)
	coordinator.SetAckHandler(pipeline)
	worker := bootstrap.NewWorker(st, pipeline, events, store.ProcessMain, spoolDir, logger)

	return &harness{
		store:       st,
		pipeline:    pipeline,
		coordinator: coordinator,
		worker:      worker,
		events:      events,
		server:      server,
		spoolDir:    spoolDir,
	}
}

func mustUID(t *testing.T) types.UID {
	t.Helper()

	uid, err := types.NewRandomUID()
	require.NoError(t, err)

	return uid
}

func writeAttachmentFile(t *testing.T, size int) string {
	t.Helper()

	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 7)
	}

	path := filepath.Join(t.TempDir(), "attachment.bin")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	return path
}

func newAttachmentInput(t *testing.T, size int) outbox.AttachmentInput {
	t.Helper()

	key, err := crypto.NewRandomKey()
	require.NoError(t, err)

	return outbox.AttachmentInput{
		CleartextLength: int64(size),
		Key:             key,
		FilePath:        writeAttachmentFile(t, size),
	}
}

func (h *harness) newMessage(t *testing.T, owned types.Identity) *store.OutboxMessage {
	t.Helper()

	return &store.OutboxMessage{
		OwnedIdentity:    owned,
		MessageUID:       mustUID(t),
		ServerURL:        h.server.srv.URL,
		EncryptedContent: []byte("sealed protocol payload"),
		CreatedAt:        time.Now(),
	}
}

// eventRecorder collects delivery lifecycle notifications.
type eventRecorder struct {
	mu          sync.Mutex
	uploaded    []types.UID
	deleted     []types.UID
	attachments []string
}

func (r *eventRecorder) MessageUploaded(_ types.Identity, messageUID types.UID, _ int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uploaded = append(r.uploaded, messageUID)
}

func (r *eventRecorder) MessageDeleted(_ types.Identity, messageUID types.UID, _ int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, messageUID)
}

func (r *eventRecorder) AttachmentUploaded(_ types.Identity, messageUID types.UID, number int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attachments = append(r.attachments, fmt.Sprintf("%s/%d", messageUID.String(), number))
}

func (r *eventRecorder) uploadedCount(messageUID types.UID) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, uid := range r.uploaded {
		if uid == messageUID {
			n++
		}
	}

	return n
}

func (r *eventRecorder) deletedCount(messageUID types.UID) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, uid := range r.deleted {
		if uid == messageUID {
			n++
		}
	}

	return n
}

func (r *eventRecorder) attachmentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.attachments)
}

// messageServer fakes the message server REST API and the signed-URL
// storage endpoints.
type messageServer struct {
	t   *testing.T
	srv *httptest.Server

	mu             sync.Mutex
	failUploads    int
	messageUploads int
	chunkBytes     int64
	chunkPUTs      int
}

func newMessageServer(t *testing.T) *messageServer {
	t.Helper()

	ms := &messageServer{t: t}
	ms.srv = httptest.NewServer(http.HandlerFunc(ms.handle))
	t.Cleanup(ms.srv.Close)

	return ms
}

func (ms *messageServer) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/uploadMessageAndGetUid":
		ms.mu.Lock()
		fail := ms.failUploads > 0
		if fail {
			ms.failUploads--
		} else {
			ms.messageUploads++
		}
		ms.mu.Unlock()

		if fail {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)

			return
		}

		serverUID, err := types.NewRandomUID()
		require.NoError(ms.t, err)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"uidFromServer":     serverUID.Base64(),
			"nonce":             []byte("server-nonce"),
			"timestampOfServer": time.Now().UnixMilli(),
		})

	case r.Method == http.MethodPost && r.URL.Path == "/uploadAttachmentChunksSignedUrls":
		var req struct {
			AttachmentNumber int     `json:"attachmentNumber"`
			ChunkLengths     []int64 `json:"chunkLengths"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)

			return
		}

		urls := make([]string, len(req.ChunkLengths))
		for i := range urls {
			urls[i] = fmt.Sprintf("%s/chunk/%d/%d", ms.srv.URL, req.AttachmentNumber, i)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"signedUrls": urls})

	case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/chunk/"):
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)

			return
		}

		ms.mu.Lock()
		ms.chunkPUTs++
		ms.chunkBytes += int64(len(body))
		ms.mu.Unlock()

		w.WriteHeader(http.StatusCreated)

	default:
		http.Error(w, "unexpected request: "+r.URL.Path, http.StatusNotFound)
	}
}

func (ms *messageServer) setFailUploads(n int) {
	ms.mu.Lock()
	ms.failUploads = n
	ms.mu.Unlock()
}

func (ms *messageServer) uploads() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	return ms.messageUploads
}

func (ms *messageServer) puts() (count int, bytes int64) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	return ms.chunkPUTs, ms.chunkBytes
}
