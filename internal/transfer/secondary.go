package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	syncerrors "github.com/alexjbarnes/cloud-mirror/internal/errors"
)

const (
	pingAfter        = 10 * time.Second
	disconnectAfter  = 120 * time.Second
	heartbeatCheckAt = 20 * time.Second
	chunkSize        = 2 * 1024 * 1024

	reconnectMin    = 5 * time.Second
	reconnectMax    = 5 * time.Minute
	responseTimeout = 60 * time.Second
)

const (
	// defaultSecondaryPerFileMax is the per-file limit assumed until the
	// server reports its own (2 GiB).
	defaultSecondaryPerFileMax = 2 * 1024 * 1024 * 1024

	// sessionOpChanSize is the buffer size for the channel carrying work
	// submitted to the event loop.
	sessionOpChanSize = 16

	// inboundChanSize is the buffer size for the channel carrying
	// messages from the WebSocket reader goroutine to the event loop.
	inboundChanSize = 64

	// sessionReadLimit is the WebSocket read limit. Binary frames are at
	// most one chunk; the slack covers JSON envelopes.
	sessionReadLimit = chunkSize + 64*1024

	// jitterDivisor controls the range of random jitter added to
	// reconnect backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	// reconnectBackoffMultiplier is the exponential growth factor
	// applied to the reconnect backoff after each consecutive failure.
	reconnectBackoffMultiplier = 2

	// signoutTimeout bounds the signout exchange during shutdown.
	signoutTimeout = 5 * time.Second
)

var (
	errResponseTimeout = errors.New("timed out waiting for session response")
	errAuthFailed      = errors.New("session auth failed")
	errSessionClosed   = errors.New("session event loop stopped")
)

// inboundMsg wraps a message read from the WebSocket by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// sessionOp is a unit of work run on the event loop. The loop sends
// run's error to result.
type sessionOp struct {
	run    func(ctx context.Context) error
	result chan error
}

// wsConn abstracts the WebSocket connection so SecondaryClient can be
// tested without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// TokenStore persists the session resume token between runs.
type TokenStore interface {
	SecondaryToken(host string) string
	SetSecondaryToken(host, token string) error
	ClearSecondaryToken(host string) error
}

// SecondaryConfig holds the parameters for the session endpoint.
type SecondaryConfig struct {
	// Host is either a bare host (wss://Host/session is dialed) or a
	// full ws:// or wss:// URL.
	Host    string
	APIID   string
	APIHash string
	Session string
	Chat    string
	Tokens  TokenStore

	// SubmitTimeout bounds how long a caller waits for the event loop
	// to finish its work. Zero waits until the caller's context ends.
	SubmitTimeout time.Duration
}

// SecondaryClient owns one session connection. The connection is only
// touched from the event loop goroutine; other goroutines submit
// sessionOps over opCh and block on the op's result channel.
//
// Architecture: a reader goroutine feeds inboundCh with raw WebSocket
// messages. The event loop (Run) processes submitted ops, unsolicited
// inbound messages, and heartbeat ticks.
type SecondaryClient struct {
	conn   wsConn
	logger *slog.Logger

	host          string
	apiID         string
	apiHash       string
	session       string
	chat          string
	tokens        TokenStore
	submitTimeout time.Duration
	perFileMax    atomic.Int64

	opCh      chan sessionOp
	inboundCh chan inboundMsg

	lastMessage time.Time
	lastMsgMu   sync.Mutex

	// ready is set once the session has authenticated and cleared
	// whenever the connection drops.
	ready atomic.Bool

	// started is set by Run; Shutdown is a no-op without it.
	started atomic.Bool

	// stopCh is closed by Shutdown to cancel Run. done is closed when
	// Run returns.
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// dial is replaced in tests.
	dial func(ctx context.Context) (wsConn, error)
}

// NewSecondaryClient creates a client. Nothing is dialed until Run.
func NewSecondaryClient(cfg SecondaryConfig, logger *slog.Logger) *SecondaryClient {
	s := &SecondaryClient{
		logger:        logger,
		host:          cfg.Host,
		apiID:         cfg.APIID,
		apiHash:       cfg.APIHash,
		session:       cfg.Session,
		chat:          cfg.Chat,
		tokens:        cfg.Tokens,
		submitTimeout: cfg.SubmitTimeout,
		opCh:          make(chan sessionOp, sessionOpChanSize),
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
	s.dial = s.dialWebsocket
	s.perFileMax.Store(defaultSecondaryPerFileMax)

	return s
}

// Ready reports whether the session is authenticated and accepting work.
func (s *SecondaryClient) Ready() bool {
	return s.ready.Load()
}

// PerFileMax returns the largest file the session accepts.
func (s *SecondaryClient) PerFileMax() int64 {
	return s.perFileMax.Load()
}

func (s *SecondaryClient) endpointURL() string {
	if strings.Contains(s.host, "://") {
		return s.host
	}

	return "wss://" + s.host + "/session"
}

func (s *SecondaryClient) dialWebsocket(ctx context.Context) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, s.endpointURL(), nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, fmt.Errorf("dialing session: %w", err)
	}

	return conn, nil
}

// connect dials and authenticates. A cached resume token is tried
// first; if the server rejects it, the token is dropped and the
// configured session string is tried once.
func (s *SecondaryClient) connect(ctx context.Context) error {
	cached := ""
	if s.tokens != nil {
		cached = s.tokens.SecondaryToken(s.host)
	}

	session := s.session
	if cached != "" {
		session = cached
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}

	err = s.handshake(ctx, conn, session)
	if err == nil || cached == "" || cached == s.session || !errors.Is(err, errAuthFailed) {
		return err
	}

	s.logger.Warn("cached session token rejected, retrying with configured session")

	if err := s.tokens.ClearSecondaryToken(s.host); err != nil {
		s.logger.Warn("clearing cached session token", slog.String("error", err.Error()))
	}

	conn, err = s.dial(ctx)
	if err != nil {
		return err
	}

	return s.handshake(ctx, conn, s.session)
}

// handshake performs the post-dial init sequence. Split from connect so
// the auth logic can be tested with a mock wsConn.
func (s *SecondaryClient) handshake(ctx context.Context, conn wsConn, session string) error {
	s.conn = conn
	s.conn.SetReadLimit(sessionReadLimit)
	s.touchLastMessage()

	init := initMessage{
		Op:      "init",
		APIID:   s.apiID,
		APIHash: s.apiHash,
		Session: session,
		Chat:    s.chat,
	}

	if err := s.writeJSON(ctx, init); err != nil {
		s.conn.Close(websocket.StatusInternalError, "init failed")
		return fmt.Errorf("sending init: %w", err)
	}

	// Read the auth response directly; the reader goroutine has not
	// started yet.
	var resp initResponse
	if err := s.readJSON(ctx, &resp); err != nil {
		s.conn.Close(websocket.StatusInternalError, "auth read failed")
		return fmt.Errorf("reading auth response: %w", err)
	}

	if resp.Res != "ok" {
		msg := resp.Msg
		if msg == "" {
			msg = resp.Res
		}

		s.conn.Close(websocket.StatusNormalClosure, "auth failed")

		return fmt.Errorf("%w: %s", errAuthFailed, msg)
	}

	if resp.PerFileMax > 0 {
		s.perFileMax.Store(resp.PerFileMax)
	}

	if resp.Session != "" && s.tokens != nil {
		if err := s.tokens.SetSecondaryToken(s.host, resp.Session); err != nil {
			s.logger.Warn("persisting session token", slog.String("error", err.Error()))
		}
	}

	s.logger.Info("secondary session authenticated",
		slog.String("host", s.host),
		slog.Int64("per_file_max", s.PerFileMax()),
	)

	return nil
}

// startReader launches a goroutine that reads from the WebSocket and
// feeds inboundCh. Exits when connCtx is cancelled or a read error
// occurs. The error is delivered as the final message on inboundCh.
func (s *SecondaryClient) startReader(connCtx context.Context) {
	ch := make(chan inboundMsg, inboundChanSize)
	s.inboundCh = ch
	conn := s.conn

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()
}

// Run connects and runs the event loop, reconnecting with backoff when
// the connection drops. It returns on a permanent auth failure or when
// ctx is cancelled. Call it once, in its own goroutine.
func (s *SecondaryClient) Run(ctx context.Context) error {
	s.started.Store(true)
	defer close(s.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	backoff := reconnectMin

	for {
		err := s.connect(ctx)
		if err == nil {
			backoff = reconnectMin
			err = s.serve(ctx)
		}

		s.ready.Store(false)

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if errors.Is(err, errAuthFailed) {
			s.logger.Error("secondary session disabled", slog.String("error", err.Error()))
			return fmt.Errorf("permanent error: %w", err)
		}

		s.logger.Warn("secondary session lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		jitter := time.Duration(rand.Int64N(int64(backoff)/jitterDivisor + 1)) //nolint:gosec // G404: math/rand is fine for reconnect jitter, no security impact

		if err := waitWithContext(ctx, backoff+jitter); err != nil {
			return err
		}

		backoff = min(backoff*reconnectBackoffMultiplier, reconnectMax)
	}
}

// serve runs the event loop for one authenticated connection.
func (s *SecondaryClient) serve(ctx context.Context) error {
	// connCtx stops the reader goroutine when this connection ends.
	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	s.startReader(connCtx)
	s.ready.Store(true)

	err := s.eventLoop(ctx)
	s.ready.Store(false)
	s.conn.Close(websocket.StatusNormalClosure, "bye")

	return err
}

// eventLoop selects on submitted ops, inbound messages, and the
// heartbeat ticker. All writes happen here.
func (s *SecondaryClient) eventLoop(ctx context.Context) error {
	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case op := <-s.opCh:
			err := op.run(ctx)
			op.result <- err

			if isConnectionError(err) {
				return err
			}

		case msg := <-s.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading message: %w", msg.err)
			}

			s.touchLastMessage()

			if msg.typ == websocket.MessageText && gjson.GetBytes(msg.data, "op").Str == "pong" {
				continue
			}

			s.logger.Debug("unsolicited session frame", slog.Int("bytes", len(msg.data)))

		case <-ticker.C:
			s.lastMsgMu.Lock()
			elapsed := time.Since(s.lastMessage)
			s.lastMsgMu.Unlock()

			if elapsed > disconnectAfter {
				s.logger.Warn("session timed out, closing")
				s.conn.Close(websocket.StatusGoingAway, "timeout")

				return fmt.Errorf("heartbeat timeout")
			}

			if elapsed > pingAfter {
				if err := s.writeJSON(ctx, map[string]string{"op": "ping"}); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// submit hands fn to the event loop and waits for its result.
func (s *SecondaryClient) submit(ctx context.Context, fn func(ctx context.Context) error) error {
	if !s.Ready() {
		return syncerrors.ErrEndpointNotReady
	}

	if s.submitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.submitTimeout)

		defer cancel()
	}

	op := sessionOp{
		run: func(loopCtx context.Context) error {
			// The op observes both the loop's lifetime and the caller's.
			opCtx, cancel := context.WithCancel(loopCtx)
			defer cancel()

			stop := context.AfterFunc(ctx, cancel)
			defer stop()

			return fn(opCtx)
		},
		result: make(chan error, 1),
	}

	select {
	case s.opCh <- op:
	case <-s.done:
		return errSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-op.result:
		return err
	case <-s.done:
		return errSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Upload sends the file at path through the session and returns the
// message id the server assigned.
func (s *SecondaryClient) Upload(ctx context.Context, path, caption string, progress ProgressFunc) (int64, error) {
	var messageID int64

	err := s.submit(ctx, func(ctx context.Context) error {
		id, err := s.upload(ctx, path, caption, progress)
		messageID = id

		return err
	})
	if err != nil {
		return 0, fmt.Errorf("uploading %s via session: %w", filepath.Base(path), err)
	}

	return messageID, nil
}

func (s *SecondaryClient) upload(ctx context.Context, path, caption string, progress ProgressFunc) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening upload: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat upload: %w", err)
	}

	size := info.Size()
	if size == 0 {
		return 0, fmt.Errorf("empty file has no chunks to acknowledge: %w", syncerrors.ErrUnroutable)
	}

	if limit := s.PerFileMax(); size > limit {
		return 0, fmt.Errorf("file size %d exceeds session limit %d: %w", size, limit, syncerrors.ErrUnroutable)
	}

	pieces := int((size + chunkSize - 1) / chunkSize)
	id := uuid.NewString()

	req := uploadRequest{
		Op:      "upload",
		ID:      id,
		Name:    filepath.Base(path),
		Caption: caption,
		Size:    size,
		Pieces:  pieces,
	}
	if err := s.writeJSON(ctx, req); err != nil {
		return 0, fmt.Errorf("sending upload request: %w", err)
	}

	ack, err := s.readAck(ctx, id)
	if err != nil {
		return 0, err
	}

	tracker := newProgressTracker(size, progress)
	buf := make([]byte, chunkSize)

	for i := 0; i < pieces; i++ {
		n, err := io.ReadFull(f, buf)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, fmt.Errorf("reading chunk %d/%d: %w", i+1, pieces, err)
		}

		if err := s.conn.Write(ctx, websocket.MessageBinary, buf[:n]); err != nil {
			return 0, fmt.Errorf("sending chunk %d/%d: %w", i+1, pieces, err)
		}

		ack, err = s.readAck(ctx, id)
		if err != nil {
			return 0, err
		}

		tracker.set(ack.Received)
	}

	if ack.MessageID == 0 {
		return 0, fmt.Errorf("upload ack missing message_id: %w", syncerrors.ErrRemoteRejected)
	}

	return ack.MessageID, nil
}

// Download fetches the message's document into dest.
func (s *SecondaryClient) Download(ctx context.Context, messageID int64, dest string, progress ProgressFunc) error {
	err := s.submit(ctx, func(ctx context.Context) error {
		return s.download(ctx, messageID, dest, progress)
	})
	if err != nil {
		return fmt.Errorf("downloading message %d via session: %w", messageID, err)
	}

	return nil
}

func (s *SecondaryClient) download(ctx context.Context, messageID int64, dest string, progress ProgressFunc) error {
	id := uuid.NewString()

	if err := s.writeJSON(ctx, downloadRequest{Op: "download", ID: id, MessageID: messageID}); err != nil {
		return fmt.Errorf("sending download request: %w", err)
	}

	ack, err := s.readAck(ctx, id)
	if err != nil {
		return err
	}

	if ack.Size < 0 || ack.Size > s.PerFileMax() {
		return fmt.Errorf("download size %d out of range: %w", ack.Size, syncerrors.ErrRemoteRejected)
	}

	maxPieces := int(ack.Size/chunkSize) + 1
	if ack.Pieces < 0 || ack.Pieces > maxPieces {
		return fmt.Errorf("download pieces %d out of range [0, %d]: %w", ack.Pieces, maxPieces, syncerrors.ErrRemoteRejected)
	}

	pr, pw := io.Pipe()
	tracker := newProgressTracker(ack.Size, progress)
	copyErr := make(chan error, 1)

	// Frames are pulled off inboundCh here and written to disk by the
	// op itself. The op does not return until this goroutine exits, so
	// the event loop never reads inboundCh concurrently.
	go func() {
		err := s.copyPieces(ctx, pw, ack.Size, ack.Pieces)
		pw.CloseWithError(err)
		copyErr <- err
	}()

	_, err = streamToFile(dest, &countingReader{r: pr, tracker: tracker})
	pr.Close()

	if cerr := <-copyErr; err == nil {
		err = cerr
	}

	return err
}

// copyPieces reads binary frames off inboundCh into w, refusing more
// data than the server declared.
func (s *SecondaryClient) copyPieces(ctx context.Context, w io.Writer, size int64, pieces int) error {
	var received int64

	for i := 0; i < pieces; i++ {
		msg, err := s.readInbound(ctx)
		if err != nil {
			return fmt.Errorf("reading piece %d/%d: %w", i+1, pieces, err)
		}

		if msg.typ != websocket.MessageBinary {
			if gjson.GetBytes(msg.data, "op").Str == "pong" {
				i--
				continue
			}

			return fmt.Errorf("expected binary frame, got text: %s", sanitizeResponseBody(msg.data))
		}

		received += int64(len(msg.data))
		if received > size {
			return fmt.Errorf("download exceeds declared size %d", size)
		}

		if _, err := w.Write(msg.data); err != nil {
			return err
		}
	}

	return nil
}

// Shutdown ends the session and stops the event loop: signout is sent
// through the loop first, then the loop is cancelled (closing the
// connection), then Shutdown waits for Run to return or ctx to end.
func (s *SecondaryClient) Shutdown(ctx context.Context) error {
	if !s.started.Load() {
		return nil
	}

	if s.Ready() {
		signoutCtx, cancel := context.WithTimeout(ctx, signoutTimeout)
		err := s.submit(signoutCtx, func(ctx context.Context) error {
			return s.writeJSON(ctx, map[string]string{"op": "signout"})
		})

		cancel()

		if err != nil {
			s.logger.Warn("secondary signout failed", slog.String("error", err.Error()))
		}
	}

	s.ready.Store(false)
	s.stopOnce.Do(func() { close(s.stopCh) })

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readAck waits for the text response carrying id. Pongs and responses
// for other ids are skipped. A "res":"err" response becomes an error
// wrapping ErrRemoteRejected.
func (s *SecondaryClient) readAck(ctx context.Context, id string) (ackMessage, error) {
	timeout := time.NewTimer(responseTimeout)
	defer timeout.Stop()

	for {
		select {
		case msg := <-s.inboundCh:
			if msg.err != nil {
				return ackMessage{}, fmt.Errorf("reading response: %w", msg.err)
			}

			s.touchLastMessage()

			if !timeout.Stop() {
				select {
				case <-timeout.C:
				default:
				}
			}

			timeout.Reset(responseTimeout)

			if msg.typ == websocket.MessageBinary {
				s.logger.Debug("unexpected binary frame waiting for response", slog.Int("bytes", len(msg.data)))
				continue
			}

			if gjson.GetBytes(msg.data, "op").Str == "pong" {
				continue
			}

			if got := gjson.GetBytes(msg.data, "id").Str; got != "" && got != id {
				s.logger.Debug("response for another request", slog.String("id", got))
				continue
			}

			var ack ackMessage
			if err := json.Unmarshal(msg.data, &ack); err != nil {
				return ackMessage{}, fmt.Errorf("decoding response: %w", err)
			}

			if ack.Res != "ok" {
				return ackMessage{}, fmt.Errorf("session error %q: %w", ack.Msg, syncerrors.ErrRemoteRejected)
			}

			return ack, nil

		case <-timeout.C:
			return ackMessage{}, errResponseTimeout

		case <-ctx.Done():
			return ackMessage{}, ctx.Err()
		}
	}
}

// readInbound reads the next message from inboundCh with a timeout.
func (s *SecondaryClient) readInbound(ctx context.Context) (inboundMsg, error) {
	timer := time.NewTimer(responseTimeout)
	defer timer.Stop()

	select {
	case msg := <-s.inboundCh:
		if msg.err != nil {
			return msg, msg.err
		}

		s.touchLastMessage()

		return msg, nil
	case <-timer.C:
		return inboundMsg{}, errResponseTimeout
	case <-ctx.Done():
		return inboundMsg{}, ctx.Err()
	}
}

// isConnectionError reports whether err means the connection itself is
// unusable, as opposed to a per-request failure.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, syncerrors.ErrRemoteRejected) || errors.Is(err, syncerrors.ErrUnroutable) {
		return false
	}

	var pathErr *os.PathError

	return !errors.As(err, &pathErr)
}

func (s *SecondaryClient) touchLastMessage() {
	s.lastMsgMu.Lock()
	s.lastMessage = time.Now()
	s.lastMsgMu.Unlock()
}

// writeJSON marshals v to JSON and writes it as a text frame.
// Only called from the event loop or during handshake.
func (s *SecondaryClient) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	return s.conn.Write(ctx, websocket.MessageText, data)
}

// readJSON reads a text frame and unmarshals it into v.
// Only called during handshake.
func (s *SecondaryClient) readJSON(ctx context.Context, v any) error {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading message: %w", err)
	}

	s.touchLastMessage()

	return json.Unmarshal(data, v)
}

type initMessage struct {
	Op      string `json:"op"`
	APIID   string `json:"api_id"`
	APIHash string `json:"api_hash"`
	Session string `json:"session"`
	Chat    string `json:"chat"`
}

type initResponse struct {
	Res        string `json:"res"`
	Msg        string `json:"msg,omitempty"`
	Session    string `json:"session,omitempty"`
	PerFileMax int64  `json:"perFileMax,omitempty"`
}

type uploadRequest struct {
	Op      string `json:"op"`
	ID      string `json:"id"`
	Name    string `json:"name"`
	Caption string `json:"caption"`
	Size    int64  `json:"size"`
	Pieces  int    `json:"pieces"`
}

type downloadRequest struct {
	Op        string `json:"op"`
	ID        string `json:"id"`
	MessageID int64  `json:"message_id"`
}

// ackMessage is any id-tagged response from the session server.
type ackMessage struct {
	ID        string `json:"id"`
	Res       string `json:"res"`
	Msg       string `json:"msg,omitempty"`
	Received  int64  `json:"received,omitempty"`
	MessageID int64  `json:"message_id,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Pieces    int    `json:"pieces,omitempty"`
}
