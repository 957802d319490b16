package wasocket

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"google.golang.org/protobuf/encoding/protowire"

	"wabot/internal/wa"
)

// wsURL converts an httptest server URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// srvReadFrame reads one client frame server-side, stripping the connection
// header if present.
func srvReadFrame(ctx context.Context, ws *websocket.Conn) ([]byte, error) {
	_, data, err := ws.Read(ctx)
	if err != nil {
		return nil, err
	}
	if bytes.HasPrefix(data, frameHeader) {
		data = data[len(frameHeader):]
	}
	if len(data) < 3 {
		return nil, fmt.Errorf("short frame")
	}
	n := int(data[0])<<16 | int(data[1])<<8 | int(data[2])
	return data[3 : 3+n], nil
}

// srvWriteFrame writes one server frame (servers never send the header).
func srvWriteFrame(ctx context.Context, ws *websocket.Conn, payload []byte) error {
	buf := make([]byte, 0, 3+len(payload))
	buf = append(buf, byte(len(payload)>>16), byte(len(payload)>>8), byte(len(payload)))
	buf = append(buf, payload...)
	return ws.Write(ctx, websocket.MessageBinary, buf)
}

func marshalServerHello(ephemeral, static, payload []byte) []byte {
	var sh []byte
	sh = protowire.AppendTag(sh, 1, protowire.BytesType)
	sh = protowire.AppendBytes(sh, ephemeral)
	sh = protowire.AppendTag(sh, 2, protowire.BytesType)
	sh = protowire.AppendBytes(sh, static)
	sh = protowire.AppendTag(sh, 3, protowire.BytesType)
	sh = protowire.AppendBytes(sh, payload)

	var msg []byte
	msg = protowire.AppendTag(msg, fieldServerHello, protowire.BytesType)
	msg = protowire.AppendBytes(msg, sh)
	return msg
}

// gatewayServer runs the responder side of the handshake and then executes
// a script of envelopes against the connected socket.
type gatewayServer struct {
	t *testing.T

	mu       sync.Mutex
	received []*envelope // decrypted client envelopes

	// script runs after the handshake with the server transport.
	script func(ctx context.Context, ws *websocket.Conn, tr *transport)
}

func (g *gatewayServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// The dialer sends the production Origin header regardless of the
		// host under test.
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			g.t.Errorf("accept: %v", err)
			return
		}
		defer ws.CloseNow()
		ctx := r.Context()

		tr, err := g.doHandshake(ctx, ws)
		if err != nil {
			g.t.Errorf("server handshake: %v", err)
			return
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				frame, err := srvReadFrame(ctx, ws)
				if err != nil {
					return
				}
				g.mu.Lock()
				plain, derr := tr.decrypt(frame)
				if derr == nil {
					if env, perr := parseEnvelope(plain); perr == nil {
						g.received = append(g.received, env)
					}
				}
				g.mu.Unlock()
			}
		}()

		if g.script != nil {
			g.script(ctx, ws, tr)
		}
		<-done
	}
}

func (g *gatewayServer) doHandshake(ctx context.Context, ws *websocket.Conn) (*transport, error) {
	frame, err := srvReadFrame(ctx, ws)
	if err != nil {
		return nil, err
	}
	helloMsg, err := bytesField(frame, fieldClientHello)
	if err != nil {
		return nil, err
	}
	clientEph, err := bytesField(helloMsg, 1)
	if err != nil {
		return nil, err
	}

	hs, err := newHandshake(frameHeader)
	if err != nil {
		return nil, err
	}
	hs.mixHash(clientEph)

	eph, err := wa.NewKeyPair()
	if err != nil {
		return nil, err
	}
	static, err := wa.NewKeyPair()
	if err != nil {
		return nil, err
	}

	hs.mixHash(eph.Pub)
	if err := hs.mixECDH(eph.Priv, clientEph); err != nil {
		return nil, err
	}
	encStatic := hs.encrypt(static.Pub)
	if err := hs.mixECDH(static.Priv, clientEph); err != nil {
		return nil, err
	}
	encCert := hs.encrypt([]byte("test-cert-chain"))

	if err := srvWriteFrame(ctx, ws, marshalServerHello(eph.Pub, encStatic, encCert)); err != nil {
		return nil, err
	}

	finish, err := srvReadFrame(ctx, ws)
	if err != nil {
		return nil, err
	}
	finishMsg, err := bytesField(finish, fieldClientFinish)
	if err != nil {
		return nil, err
	}
	encClientStatic, err := bytesField(finishMsg, 1)
	if err != nil {
		return nil, err
	}
	encPayload, err := bytesField(finishMsg, 2)
	if err != nil {
		return nil, err
	}
	clientStatic, err := hs.decrypt(encClientStatic)
	if err != nil {
		return nil, err
	}
	if err := hs.mixECDH(eph.Priv, clientStatic); err != nil {
		return nil, err
	}
	if _, err := hs.decrypt(encPayload); err != nil {
		return nil, err
	}
	return hs.finish(false)
}

func (g *gatewayServer) sendEnvelope(ctx context.Context, ws *websocket.Conn, tr *transport, op uint64, payload []byte) {
	g.mu.Lock()
	frame := tr.encrypt(marshalEnvelope(op, payload))
	g.mu.Unlock()
	if err := srvWriteFrame(ctx, ws, frame); err != nil {
		g.t.Errorf("server write: %v", err)
	}
}

func (g *gatewayServer) receivedOps() []uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	ops := make([]uint64, len(g.received))
	for i, env := range g.received {
		ops[i] = env.op
	}
	return ops
}

// memKeys is a trivial key store recording Set calls.
type memKeys struct {
	mu      sync.Mutex
	entries []wa.KeyEntry
}

func (m *memKeys) Get(string, []string) map[string][]byte { return nil }

func (m *memKeys) Set(entries []wa.KeyEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entries...)
}

func testCreds(t *testing.T) *wa.Credentials {
	t.Helper()
	creds, err := wa.NewCredentials()
	if err != nil {
		t.Fatal(err)
	}
	return creds
}

func connectSocket(t *testing.T, g *gatewayServer, creds *wa.Credentials, keys wa.KeyStore) wa.Socket {
	t.Helper()
	srv := httptest.NewServer(g.handler())
	t.Cleanup(srv.Close)

	dialer := NewDialer(WithGatewayURL(wsURL(srv)), WithKeepAliveInterval(time.Hour))
	sock, err := dialer(wa.SocketConfig{
		Version:        [3]uint32{2, 3000, 1},
		Auth:           wa.AuthState{Creds: creds, Keys: keys},
		ConnectTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	if err := sock.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(sock.Close)
	return sock
}

// nextEvent waits for the next event, failing the test on timeout.
func nextEvent(t *testing.T, sock wa.Socket) wa.Event {
	t.Helper()
	select {
	case ev, ok := <-sock.Events():
		if !ok {
			t.Fatal("event stream closed")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return wa.Event{}
	}
}

func TestHandshakeAndEventFlow(t *testing.T) {
	keys := &memKeys{}
	creds := testCreds(t)

	var jidPayload []byte
	jidPayload = protowire.AppendTag(jidPayload, 1, protowire.BytesType)
	jidPayload = protowire.AppendString(jidPayload, "31612345678@s.whatsapp.net")

	var keyPayload []byte
	var entry []byte
	entry = protowire.AppendTag(entry, 1, protowire.BytesType)
	entry = protowire.AppendString(entry, "pre-key")
	entry = protowire.AppendTag(entry, 2, protowire.BytesType)
	entry = protowire.AppendString(entry, "7")
	entry = protowire.AppendTag(entry, 3, protowire.BytesType)
	entry = protowire.AppendBytes(entry, []byte("record"))
	keyPayload = protowire.AppendTag(keyPayload, 1, protowire.BytesType)
	keyPayload = protowire.AppendBytes(keyPayload, entry)

	g := &gatewayServer{t: t}
	g.script = func(ctx context.Context, ws *websocket.Conn, tr *transport) {
		g.sendEnvelope(ctx, ws, tr, opPairRef, []byte("ref-1,ref-2"))
		g.sendEnvelope(ctx, ws, tr, opCredsUpdate, jidPayload)
		g.sendEnvelope(ctx, ws, tr, opKeyUpdate, keyPayload)
		g.sendEnvelope(ctx, ws, tr, opLoginOK, nil)
		g.sendEnvelope(ctx, ws, tr, opMessage, marshalMessage("chat@s.whatsapp.net", "peer@s.whatsapp.net", "hello"))
		g.sendEnvelope(ctx, ws, tr, opStreamEnd, marshalStreamEnd(wa.CodeConnectionReplaced))
	}
	sock := connectSocket(t, g, creds, keys)

	ev := nextEvent(t, sock)
	if ev.Conn == nil || ev.Conn.State != wa.StateConnecting {
		t.Fatalf("first event: %+v, want connecting", ev)
	}

	ev = nextEvent(t, sock)
	if ev.Conn == nil || ev.Conn.QRHint != "ref-1,ref-2" {
		t.Fatalf("qr event: %+v", ev)
	}

	ev = nextEvent(t, sock)
	if !ev.CredsChanged {
		t.Fatalf("creds event: %+v", ev)
	}
	if !creds.Registered || creds.JID != "31612345678@s.whatsapp.net" {
		t.Errorf("creds not applied: registered=%v jid=%q", creds.Registered, creds.JID)
	}

	ev = nextEvent(t, sock)
	if ev.Conn == nil || ev.Conn.State != wa.StateOpen {
		t.Fatalf("open event: %+v", ev)
	}

	ev = nextEvent(t, sock)
	if ev.Message == nil || ev.Message.Text != "hello" || ev.Message.Chat != "chat@s.whatsapp.net" {
		t.Fatalf("message event: %+v", ev)
	}

	ev = nextEvent(t, sock)
	if ev.Conn == nil || ev.Conn.State != wa.StateClosed || ev.Conn.Code != wa.CodeConnectionReplaced {
		t.Fatalf("close event: %+v", ev)
	}

	// Key updates went to the store, not the event stream.
	keys.mu.Lock()
	defer keys.mu.Unlock()
	if len(keys.entries) != 1 || keys.entries[0].Category != "pre-key" || keys.entries[0].ID != "7" {
		t.Errorf("key entries: %+v", keys.entries)
	}
}

func TestRequestPairingCode(t *testing.T) {
	g := &gatewayServer{t: t}
	sock := connectSocket(t, g, testCreds(t), &memKeys{})
	nextEvent(t, sock) // connecting

	code, err := sock.RequestPairingCode(context.Background(), "31612345678")
	if err != nil {
		t.Fatal(err)
	}
	if len(code) != 9 || code[4] != '-' {
		t.Errorf("code format: %q", code)
	}
	for _, r := range strings.ReplaceAll(code, "-", "") {
		if !strings.ContainsRune(pairingAlphabet, r) {
			t.Errorf("code %q contains %q outside the pairing alphabet", code, r)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		ops := g.receivedOps()
		if len(ops) > 0 {
			if ops[0] != opPairRequest {
				t.Errorf("server received op %d, want pair request", ops[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("server never received the pairing request")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSendMessage(t *testing.T) {
	g := &gatewayServer{t: t}
	creds := testCreds(t)
	creds.JID = "me@s.whatsapp.net"
	sock := connectSocket(t, g, creds, &memKeys{})
	nextEvent(t, sock) // connecting

	if err := sock.SendMessage(context.Background(), "peer@s.whatsapp.net", "pong"); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		g.mu.Lock()
		var got *envelope
		if len(g.received) > 0 {
			got = g.received[0]
		}
		g.mu.Unlock()
		if got != nil {
			msg, err := parseMessage(got.payload)
			if err != nil {
				t.Fatal(err)
			}
			if msg.Chat != "peer@s.whatsapp.net" || msg.Text != "pong" || msg.Sender != "me@s.whatsapp.net" {
				t.Errorf("server got %+v", msg)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("server never received the message")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEventBurstIsDeliveredInOrder(t *testing.T) {
	const burst = 50 // well past the event buffer

	g := &gatewayServer{t: t}
	g.script = func(ctx context.Context, ws *websocket.Conn, tr *transport) {
		for i := range burst {
			text := fmt.Sprintf("msg-%d", i)
			g.sendEnvelope(ctx, ws, tr, opMessage, marshalMessage("chat@s.whatsapp.net", "peer@s.whatsapp.net", text))
		}
		g.sendEnvelope(ctx, ws, tr, opStreamEnd, marshalStreamEnd(wa.CodeConnectionReplaced))
	}
	sock := connectSocket(t, g, testCreds(t), &memKeys{})
	nextEvent(t, sock) // connecting

	// Read slower than the server writes so the buffer fills up.
	for i := range burst {
		ev := nextEvent(t, sock)
		if ev.Message == nil || ev.Message.Text != fmt.Sprintf("msg-%d", i) {
			t.Fatalf("event %d: %+v", i, ev)
		}
		time.Sleep(time.Millisecond)
	}
	ev := nextEvent(t, sock)
	if ev.Conn == nil || ev.Conn.State != wa.StateClosed {
		t.Fatalf("final event: %+v", ev)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	g := &gatewayServer{t: t}
	sock := connectSocket(t, g, testCreds(t), &memKeys{})
	sock.Close()
	sock.Close()
}
