package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	syncerrors "github.com/alexjbarnes/cloud-mirror/internal/errors"
)

// memTokens is an in-memory TokenStore.
type memTokens struct {
	mu     sync.Mutex
	tokens map[string]string
}

func newMemTokens() *memTokens {
	return &memTokens{tokens: map[string]string{}}
}

func (m *memTokens) SecondaryToken(host string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.tokens[host]
}

func (m *memTokens) SetSecondaryToken(host, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tokens[host] = token

	return nil
}

func (m *memTokens) ClearSecondaryToken(host string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tokens, host)

	return nil
}

// --- handshake with a mock connection ---

func newHandshakeClient(tokens TokenStore) *SecondaryClient {
	return NewSecondaryClient(SecondaryConfig{
		Host:    "files.example.com",
		APIID:   "1234",
		APIHash: "hash",
		Session: "configured",
		Chat:    "me",
		Tokens:  tokens,
	}, testLogger())
}

func TestHandshake_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := NewMockWSConn(ctrl)
	tokens := newMemTokens()
	c := newHandshakeClient(tokens)

	conn.EXPECT().SetReadLimit(int64(sessionReadLimit))
	conn.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ websocket.MessageType, p []byte) error {
			var msg initMessage
			if assert.NoError(t, json.Unmarshal(p, &msg)) {
				assert.Equal(t, "init", msg.Op)
				assert.Equal(t, "configured", msg.Session)
				assert.Equal(t, "1234", msg.APIID)
				assert.Equal(t, "me", msg.Chat)
			}

			return nil
		})
	conn.EXPECT().Read(gomock.Any()).
		Return(websocket.MessageText, []byte(`{"res":"ok","session":"resume-2","perFileMax":1024}`), nil)

	err := c.handshake(context.Background(), conn, "configured")
	require.NoError(t, err)

	assert.Equal(t, int64(1024), c.PerFileMax())
	assert.Equal(t, "resume-2", tokens.SecondaryToken("files.example.com"))
}

func TestHandshake_AuthRejected(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := NewMockWSConn(ctrl)
	c := newHandshakeClient(nil)

	conn.EXPECT().SetReadLimit(gomock.Any())
	conn.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).Return(nil)
	conn.EXPECT().Read(gomock.Any()).
		Return(websocket.MessageText, []byte(`{"res":"err","msg":"bad session"}`), nil)
	conn.EXPECT().Close(websocket.StatusNormalClosure, "auth failed")

	err := c.handshake(context.Background(), conn, "configured")
	require.ErrorIs(t, err, errAuthFailed)
	assert.Contains(t, err.Error(), "bad session")
	assert.Equal(t, int64(defaultSecondaryPerFileMax), c.PerFileMax())
}

func TestHandshake_WriteFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := NewMockWSConn(ctrl)
	c := newHandshakeClient(nil)

	conn.EXPECT().SetReadLimit(gomock.Any())
	conn.EXPECT().Write(gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("broken pipe"))
	conn.EXPECT().Close(websocket.StatusInternalError, "init failed")

	err := c.handshake(context.Background(), conn, "configured")
	require.Error(t, err)
	assert.NotErrorIs(t, err, errAuthFailed)
}

func TestHandshake_ReadFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := NewMockWSConn(ctrl)
	c := newHandshakeClient(nil)

	conn.EXPECT().SetReadLimit(gomock.Any())
	conn.EXPECT().Write(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	conn.EXPECT().Read(gomock.Any()).Return(websocket.MessageText, nil, errors.New("eof"))
	conn.EXPECT().Close(websocket.StatusInternalError, "auth read failed")

	err := c.handshake(context.Background(), conn, "configured")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading auth response")
}

func TestEndpointURL(t *testing.T) {
	c := NewSecondaryClient(SecondaryConfig{Host: "files.example.com"}, testLogger())
	assert.Equal(t, "wss://files.example.com/session", c.endpointURL())

	c = NewSecondaryClient(SecondaryConfig{Host: "ws://127.0.0.1:9000/s"}, testLogger())
	assert.Equal(t, "ws://127.0.0.1:9000/s", c.endpointURL())
}

func TestIsConnectionError(t *testing.T) {
	assert.False(t, isConnectionError(nil))
	assert.False(t, isConnectionError(syncerrors.ErrRemoteRejected))
	assert.False(t, isConnectionError(syncerrors.ErrUnroutable))
	assert.False(t, isConnectionError(&os.PathError{Op: "open", Path: "x", Err: os.ErrNotExist}))
	assert.True(t, isConnectionError(errors.New("connection reset")))
	assert.True(t, isConnectionError(errResponseTimeout))
}

func TestSecondary_NotReady(t *testing.T) {
	c := NewSecondaryClient(SecondaryConfig{Host: "files.example.com"}, testLogger())

	_, err := c.Upload(context.Background(), "/nonexistent", "x", nil)
	require.ErrorIs(t, err, syncerrors.ErrEndpointNotReady)

	err = c.Download(context.Background(), 1, filepath.Join(t.TempDir(), "out"), nil)
	require.ErrorIs(t, err, syncerrors.ErrEndpointNotReady)

	// Shutdown before Run is a no-op.
	require.NoError(t, c.Shutdown(context.Background()))
}

// --- fake session server ---

type fakeRequest struct {
	Op        string `json:"op"`
	ID        string `json:"id"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	Pieces    int    `json:"pieces"`
	MessageID int64  `json:"message_id"`
}

// fakeSessionServer speaks the session protocol over a real WebSocket.
// accept maps a presented session string to the resume token returned.
type fakeSessionServer struct {
	mu         sync.Mutex
	accept     map[string]string
	perFileMax int64
	inits      []string
	signouts   int
	stored     map[int64][]byte
	nextID     int64
}

func newFakeSessionServer(t *testing.T, accept map[string]string) (*fakeSessionServer, *httptest.Server) {
	t.Helper()

	f := &fakeSessionServer{
		accept:     accept,
		perFileMax: 1 << 30,
		stored:     map[int64][]byte{},
		nextID:     100,
	}

	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	return f, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/session"
}

func (f *fakeSessionServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	conn.SetReadLimit(sessionReadLimit)
	ctx := r.Context()

	var init initMessage
	if err := wsjson.Read(ctx, conn, &init); err != nil {
		return
	}

	f.mu.Lock()
	f.inits = append(f.inits, init.Session)
	token, ok := f.accept[init.Session]
	perFileMax := f.perFileMax
	f.mu.Unlock()

	if !ok {
		_ = wsjson.Write(ctx, conn, initResponse{Res: "err", Msg: "invalid session"})
		return
	}

	if err := wsjson.Write(ctx, conn, initResponse{Res: "ok", Session: token, PerFileMax: perFileMax}); err != nil {
		return
	}

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		if typ != websocket.MessageText {
			continue
		}

		var req fakeRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return
		}

		switch req.Op {
		case "ping":
			_ = wsjson.Write(ctx, conn, map[string]string{"op": "pong"})
		case "signout":
			f.mu.Lock()
			f.signouts++
			f.mu.Unlock()
		case "upload":
			if !f.handleUpload(ctx, conn, req) {
				return
			}
		case "download":
			if !f.handleDownload(ctx, conn, req) {
				return
			}
		}
	}
}

func (f *fakeSessionServer) handleUpload(ctx context.Context, conn *websocket.Conn, req fakeRequest) bool {
	if req.Name == "reject.bin" {
		return wsjson.Write(ctx, conn, ackMessage{ID: req.ID, Res: "err", Msg: "forbidden"}) == nil
	}

	// A stray pong and a response for another request precede the ack.
	if wsjson.Write(ctx, conn, map[string]string{"op": "pong"}) != nil {
		return false
	}

	if wsjson.Write(ctx, conn, ackMessage{ID: "someone-else", Res: "ok"}) != nil {
		return false
	}

	if wsjson.Write(ctx, conn, ackMessage{ID: req.ID, Res: "ok"}) != nil {
		return false
	}

	var buf bytes.Buffer

	for i := 0; i < req.Pieces; i++ {
		typ, data, err := conn.Read(ctx)
		if err != nil || typ != websocket.MessageBinary {
			return false
		}

		buf.Write(data)

		ack := ackMessage{ID: req.ID, Res: "ok", Received: int64(buf.Len())}

		if i == req.Pieces-1 {
			f.mu.Lock()
			f.nextID++
			ack.MessageID = f.nextID
			f.stored[ack.MessageID] = bytes.Clone(buf.Bytes())
			f.mu.Unlock()
		}

		if wsjson.Write(ctx, conn, ack) != nil {
			return false
		}
	}

	return true
}

func (f *fakeSessionServer) handleDownload(ctx context.Context, conn *websocket.Conn, req fakeRequest) bool {
	f.mu.Lock()
	data, ok := f.stored[req.MessageID]
	f.mu.Unlock()

	if !ok {
		return wsjson.Write(ctx, conn, ackMessage{ID: req.ID, Res: "err", Msg: "message not found"}) == nil
	}

	pieces := (len(data) + chunkSize - 1) / chunkSize
	if wsjson.Write(ctx, conn, ackMessage{ID: req.ID, Res: "ok", Size: int64(len(data)), Pieces: pieces}) != nil {
		return false
	}

	for off := 0; off < len(data); off += chunkSize {
		end := min(off+chunkSize, len(data))
		if conn.Write(ctx, websocket.MessageBinary, data[off:end]) != nil {
			return false
		}
	}

	return true
}

func (f *fakeSessionServer) Inits() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.inits...)
}

func (f *fakeSessionServer) Signouts() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.signouts
}

func (f *fakeSessionServer) Stored(id int64) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.stored[id]
}

// startSecondary runs a client against srv until the test ends.
func startSecondary(t *testing.T, srv *httptest.Server, tokens TokenStore, session string) (*SecondaryClient, <-chan error) {
	t.Helper()

	c := NewSecondaryClient(SecondaryConfig{
		Host:    wsURL(srv),
		APIID:   "1234",
		APIHash: "hash",
		Session: session,
		Chat:    "me",
		Tokens:  tokens,
	}, testLogger())

	errCh := make(chan error, 1)

	go func() { errCh <- c.Run(context.Background()) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = c.Shutdown(ctx)
	})

	return c, errCh
}

func waitReady(t *testing.T, c *SecondaryClient) {
	t.Helper()
	require.Eventually(t, c.Ready, 5*time.Second, 10*time.Millisecond)
}

func TestSecondary_UploadDownloadRoundTrip(t *testing.T) {
	f, srv := newFakeSessionServer(t, map[string]string{"configured": "resume-1"})
	tokens := newMemTokens()

	c, _ := startSecondary(t, srv, tokens, "configured")
	waitReady(t, c)

	assert.Equal(t, "resume-1", tokens.SecondaryToken(wsURL(srv)))

	// Two pieces: one full chunk plus a short tail.
	data := bytes.Repeat([]byte("x"), chunkSize+10)
	path := writeTempFile(t, "big.bin", data)

	var rec progressRecorder

	id, err := c.Upload(context.Background(), path, "big.bin", rec.record)
	require.NoError(t, err)
	assert.Equal(t, int64(101), id)
	assert.Equal(t, data, f.Stored(id))
	assert.Equal(t, int64(len(data)), rec.Last().Transferred)
	assert.Equal(t, 100.0, rec.Last().Percent())

	dest := filepath.Join(t.TempDir(), "nested", "big.bin")
	require.NoError(t, c.Download(context.Background(), id, dest, nil))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestSecondary_RemoteRejectionKeepsSession(t *testing.T) {
	_, srv := newFakeSessionServer(t, map[string]string{"configured": ""})

	c, _ := startSecondary(t, srv, nil, "configured")
	waitReady(t, c)

	path := writeTempFile(t, "reject.bin", []byte("nope"))

	_, err := c.Upload(context.Background(), path, "reject.bin", nil)
	require.ErrorIs(t, err, syncerrors.ErrRemoteRejected)

	err = c.Download(context.Background(), 999, filepath.Join(t.TempDir(), "missing"), nil)
	require.ErrorIs(t, err, syncerrors.ErrRemoteRejected)

	// The connection survived both rejections.
	assert.True(t, c.Ready())

	ok := writeTempFile(t, "ok.bin", []byte("fine"))
	_, err = c.Upload(context.Background(), ok, "ok.bin", nil)
	require.NoError(t, err)
}

func TestSecondary_EmptyFileRejectedBeforeSending(t *testing.T) {
	_, srv := newFakeSessionServer(t, map[string]string{"configured": ""})

	c, _ := startSecondary(t, srv, nil, "configured")
	waitReady(t, c)

	path := writeTempFile(t, "empty.bin", nil)

	_, err := c.Upload(context.Background(), path, "empty.bin", nil)
	require.ErrorIs(t, err, syncerrors.ErrUnroutable)

	// Nothing was sent, so the next upload is unaffected.
	assert.True(t, c.Ready())

	ok := writeTempFile(t, "ok.bin", []byte("fine"))
	_, err = c.Upload(context.Background(), ok, "ok.bin", nil)
	require.NoError(t, err)
}

func TestSecondary_PerFileMaxEnforced(t *testing.T) {
	f, srv := newFakeSessionServer(t, map[string]string{"configured": ""})
	f.perFileMax = 4

	c, _ := startSecondary(t, srv, nil, "configured")
	waitReady(t, c)

	assert.Equal(t, int64(4), c.PerFileMax())

	path := writeTempFile(t, "large.bin", []byte("0123456789"))

	_, err := c.Upload(context.Background(), path, "large.bin", nil)
	require.ErrorIs(t, err, syncerrors.ErrUnroutable)
	assert.True(t, c.Ready())
}

func TestSecondary_StaleCachedTokenFallsBack(t *testing.T) {
	f, srv := newFakeSessionServer(t, map[string]string{"configured": "fresh"})
	tokens := newMemTokens()
	require.NoError(t, tokens.SetSecondaryToken(wsURL(srv), "stale"))

	c, _ := startSecondary(t, srv, tokens, "configured")
	waitReady(t, c)

	assert.Equal(t, []string{"stale", "configured"}, f.Inits())
	assert.Equal(t, "fresh", tokens.SecondaryToken(wsURL(srv)))
}

func TestSecondary_AuthFailureIsPermanent(t *testing.T) {
	_, srv := newFakeSessionServer(t, map[string]string{})

	c, errCh := startSecondary(t, srv, nil, "wrong")

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, errAuthFailed)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after auth failure")
	}

	assert.False(t, c.Ready())
}

func TestSecondary_ShutdownSignsOut(t *testing.T) {
	f, srv := newFakeSessionServer(t, map[string]string{"configured": ""})

	c, errCh := startSecondary(t, srv, nil, "configured")
	waitReady(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Shutdown(ctx))
	assert.False(t, c.Ready())

	require.Eventually(t, func() bool { return f.Signouts() == 1 }, 5*time.Second, 10*time.Millisecond)

	err := <-errCh
	require.ErrorIs(t, err, context.Canceled)

	// Work submitted after shutdown is refused.
	_, err = c.Upload(context.Background(), "/nonexistent", "x", nil)
	require.ErrorIs(t, err, syncerrors.ErrEndpointNotReady)
}
