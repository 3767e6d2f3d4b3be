package comms

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scenehost/internal/ir"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func recv(t *testing.T, ch <-chan Frame) Frame {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
		return Frame{}
	}
}

func TestFrameRoundTrip(t *testing.T) {
	f := Frame{Kind: KindCRDT, From: "host-a", Namespace: "net:7", Data: []byte{1, 2, 3}}
	got, err := UnmarshalFrame(f.Marshal())
	require.NoError(t, err)
	assert.Equal(t, f, got)

	chat := Frame{Kind: KindChat, From: "host-b", Data: []byte("hello")}
	got, err = UnmarshalFrame(chat.Marshal())
	require.NoError(t, err)
	assert.Equal(t, chat, got)
}

func TestUnmarshalFrameRejectsGarbage(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"truncated tag", []byte{0xff}},
		{"unknown kind", Frame{Kind: 9, From: "a"}.Marshal()},
		{"no sender", Frame{Kind: KindChat}.Marshal()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalFrame(tt.data)
			assert.ErrorIs(t, err, ErrBadFrame)
		})
	}
}

func TestCodecCompressesLargeFrames(t *testing.T) {
	c, err := newCodec(true, DefaultMaxFrameSize)
	require.NoError(t, err)
	defer c.close()

	big := Frame{Kind: KindCRDT, From: "a", Data: bytes.Repeat([]byte("scene"), 1000)}
	msg := c.pack(big)
	assert.Equal(t, encZstd, msg[0])
	assert.Less(t, len(msg), len(big.Data))
	got, err := c.unpack(msg)
	require.NoError(t, err)
	assert.Equal(t, big, got)

	small := Frame{Kind: KindChat, From: "a", Data: []byte("hi")}
	msg = c.pack(small)
	assert.Equal(t, encRaw, msg[0])
	got, err = c.unpack(msg)
	require.NoError(t, err)
	assert.Equal(t, small, got)

	_, err = c.unpack([]byte{7, 1, 2})
	assert.ErrorIs(t, err, ErrBadFrame)
}

func TestLoopbackFansOutToOthers(t *testing.T) {
	hub := NewHub()
	a := hub.Join("a")
	b := hub.Join("b")
	c := hub.Join("c")
	assert.Equal(t, []ir.ActorID{"a", "b", "c"}, hub.Members())

	require.NoError(t, a.Send(context.Background(), Frame{Kind: KindChat, Data: []byte("hi")}))
	for _, l := range []*Loopback{b, c} {
		f := recv(t, l.Frames())
		assert.Equal(t, ir.ActorID("a"), f.From)
		assert.Equal(t, "hi", string(f.Data))
	}
	select {
	case f := <-a.Frames():
		t.Fatalf("sender received its own frame %+v", f)
	default:
	}

	require.NoError(t, c.Close())
	assert.Equal(t, []ir.ActorID{"a", "b"}, hub.Members())
	assert.ErrorIs(t, c.Send(context.Background(), Frame{Kind: KindChat}), ErrClosed)
}

func TestWebsocketRoundTrip(t *testing.T) {
	server, err := NewWS("server", WithLogger(discardLogger()), WithCompression(true))
	require.NoError(t, err)
	defer server.Close()
	srv := httptest.NewServer(server.Handler())
	defer srv.Close()

	client, err := NewWS("client", WithLogger(discardLogger()), WithCompression(true))
	require.NoError(t, err)
	defer client.Close()

	ctx := context.Background()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	require.NoError(t, client.Dial(ctx, url))
	require.Eventually(t, func() bool { return server.Peers() == 1 && client.Peers() == 1 },
		5*time.Second, 10*time.Millisecond)

	payload := bytes.Repeat([]byte{0xab}, 4096)
	require.NoError(t, client.Send(ctx, Frame{Kind: KindCRDT, Namespace: "net:1", Data: payload}))
	f := recv(t, server.Frames())
	assert.Equal(t, ir.ActorID("client"), f.From)
	assert.Equal(t, ir.Namespace("net:1"), f.Namespace)
	assert.Equal(t, payload, f.Data)

	require.NoError(t, server.Send(ctx, Frame{Kind: KindChat, Data: []byte("welcome")}))
	f = recv(t, client.Frames())
	assert.Equal(t, ir.ActorID("server"), f.From)
	assert.Equal(t, "welcome", string(f.Data))
}

func TestWebsocketSendAfterClose(t *testing.T) {
	tr, err := NewWS("a", WithLogger(discardLogger()))
	require.NoError(t, err)
	require.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Send(context.Background(), Frame{Kind: KindChat}), ErrClosed)
	require.NoError(t, tr.Close())
}
