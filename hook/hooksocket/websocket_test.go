package hooksocket_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/Emyrk/callhook/hook"
	"github.com/Emyrk/callhook/hook/clock"
	"github.com/Emyrk/callhook/hook/eventlog"
	"github.com/Emyrk/callhook/hook/hooksocket"
)

func setup(t *testing.T, opts hooksocket.Options) (*hook.Session, *hooksocket.Server, string) {
	t.Helper()
	s := hook.New(hook.Options{Clock: clock.NewMock(), Logger: zerolog.Nop()})
	srv := hooksocket.New(zerolog.Nop(), s, opts, nil)
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)
	return s, srv, "ws" + strings.TrimPrefix(hs.URL, "http")
}

func dial(t *testing.T, ctx context.Context, url string, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{hooksocket.TokenHeader: []string{token}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func line(n int) *int { return &n }

func TestIngest(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, srv, url := setup(t, hooksocket.Options{Token: "secret"})
	conn := dial(t, ctx, url+"/?stream=host-1", "secret")

	require.NoError(t, wsjson.Write(ctx, conn, eventlog.Record{Op: eventlog.OpStart}))
	var reply hooksocket.Reply
	require.NoError(t, wsjson.Read(ctx, conn, &reply))
	require.Equal(t, eventlog.OpStart, reply.Op)
	require.Empty(t, reply.Error)

	// A batch: call(A) -> tail(B) -> return.
	require.NoError(t, wsjson.Write(ctx, conn, []eventlog.Record{
		{Op: eventlog.OpCall, Source: "m.x", Line: line(1), Name: "A"},
		{Op: eventlog.OpTail, Source: "m.x", Line: line(2), Name: "B"},
		{Op: eventlog.OpReturn},
	}))

	require.NoError(t, wsjson.Write(ctx, conn, eventlog.Record{Op: hooksocket.OpInspect, Name: "m.x:2 B"}))
	reply = hooksocket.Reply{}
	require.NoError(t, wsjson.Read(ctx, conn, &reply))
	require.True(t, reply.Found)
	require.Len(t, reply.Items, 1)
	require.Equal(t, int64(1), reply.Items[0].Calls)

	require.NoError(t, wsjson.Write(ctx, conn, eventlog.Record{Op: eventlog.OpWipe}))
	reply = hooksocket.Reply{}
	require.NoError(t, wsjson.Read(ctx, conn, &reply))
	require.Equal(t, eventlog.OpWipe, reply.Op)
	require.Len(t, reply.Items, 2)
	require.Empty(t, s.Items())

	require.NoError(t, wsjson.Write(ctx, conn, eventlog.Record{Op: eventlog.OpStop}))
	reply = hooksocket.Reply{}
	require.NoError(t, wsjson.Read(ctx, conn, &reply))
	require.Equal(t, eventlog.OpStop, reply.Op)
	require.False(t, s.Active())

	// Stopping twice is reported, not fatal.
	require.NoError(t, wsjson.Write(ctx, conn, eventlog.Record{Op: eventlog.OpStop}))
	reply = hooksocket.Reply{}
	require.NoError(t, wsjson.Read(ctx, conn, &reply))
	require.NotEmpty(t, reply.Error)

	expected := `
# HELP callhook_websocket_connections Open host connections.
# TYPE callhook_websocket_connections gauge
callhook_websocket_connections 1
`
	require.NoError(t, testutil.CollectAndCompare(srv, strings.NewReader(expected), "callhook_websocket_connections"))
}

func TestIngestStreamsArePerConnection(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, _, url := setup(t, hooksocket.Options{})
	s.Start(false)

	a := dial(t, ctx, url+"/?stream=a", "")
	b := dial(t, ctx, url+"/?stream=b", "")

	require.NoError(t, wsjson.Write(ctx, a, eventlog.Record{Op: eventlog.OpCall, Name: "f"}))
	// The return on b must not close a's call.
	require.NoError(t, wsjson.Write(ctx, b, eventlog.Record{Op: eventlog.OpReturn}))

	var reply hooksocket.Reply
	require.NoError(t, wsjson.Write(ctx, b, eventlog.Record{Op: hooksocket.OpItems}))
	require.NoError(t, wsjson.Read(ctx, b, &reply))
	require.Empty(t, reply.Items)

	require.NoError(t, wsjson.Write(ctx, a, eventlog.Record{Op: eventlog.OpReturn}))
	require.NoError(t, wsjson.Write(ctx, a, eventlog.Record{Op: hooksocket.OpItems}))
	reply = hooksocket.Reply{}
	require.NoError(t, wsjson.Read(ctx, a, &reply))
	require.Len(t, reply.Items, 1)
	require.Equal(t, "? f", reply.Items[0].Key)
}

func TestIngestRejectsDuplicateStream(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, _, url := setup(t, hooksocket.Options{})
	s.Start(false)

	a, _, err := websocket.Dial(ctx, url+"/?stream=x", nil)
	require.NoError(t, err)
	require.NoError(t, wsjson.Write(ctx, a, eventlog.Record{Op: eventlog.OpCall, Name: "f"}))

	_, resp, err := websocket.Dial(ctx, url+"/?stream=x", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	// a's frame survived the rejected connection.
	require.NoError(t, wsjson.Write(ctx, a, eventlog.Record{Op: eventlog.OpReturn}))
	require.NoError(t, wsjson.Write(ctx, a, eventlog.Record{Op: hooksocket.OpItems}))
	var reply hooksocket.Reply
	require.NoError(t, wsjson.Read(ctx, a, &reply))
	require.Len(t, reply.Items, 1)
	require.Equal(t, int64(1), reply.Items[0].Calls)

	// The id is free again once a disconnects.
	require.NoError(t, a.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool {
		c, _, err := websocket.Dial(ctx, url+"/?stream=x", nil)
		if err != nil {
			return false
		}
		_ = c.Close(websocket.StatusNormalClosure, "")
		return true
	}, 5*time.Second, 20*time.Millisecond)
}

func TestIngestBatchWithLeadingSpace(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, _, url := setup(t, hooksocket.Options{})
	conn := dial(t, ctx, url, "")

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(" \n[{\"op\":\"start\"}]")))
	var reply hooksocket.Reply
	require.NoError(t, wsjson.Read(ctx, conn, &reply))
	require.Equal(t, eventlog.OpStart, reply.Op)
	require.Empty(t, reply.Error)
	require.True(t, s.Active())
}

func TestIngestBadMessage(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _, url := setup(t, hooksocket.Options{})
	conn := dial(t, ctx, url, "")

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("{nope")))
	var reply hooksocket.Reply
	require.NoError(t, wsjson.Read(ctx, conn, &reply))
	require.Equal(t, "error", reply.Op)

	require.NoError(t, wsjson.Write(ctx, conn, eventlog.Record{Op: "jump"}))
	reply = hooksocket.Reply{}
	require.NoError(t, wsjson.Read(ctx, conn, &reply))
	require.Equal(t, "jump", reply.Op)
	require.NotEmpty(t, reply.Error)
}

func TestIngestRejectsToken(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _, url := setup(t, hooksocket.Options{Token: "secret"})
	_, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{hooksocket.TokenHeader: []string{"wrong"}},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
