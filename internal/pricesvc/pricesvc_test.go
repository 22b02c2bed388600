package pricesvc

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/pricecaster/relayer/internal/config"
	"github.com/coldbell/pricecaster/relayer/internal/logging"
	"github.com/coldbell/pricecaster/relayer/internal/wire"
	"github.com/coldbell/pricecaster/relayer/internal/wire/wiretest"
)

func testConfig(url string) config.PriceServiceConfig {
	return config.PriceServiceConfig{
		URL:               url,
		StreamURL:         "ws" + strings.TrimPrefix(url, "http") + "/ws",
		RequestBatchSize:  10,
		RequestTimeout:    2 * time.Second,
		RequestsPerSecond: 100,
		ReconnectInterval: 20 * time.Millisecond,
	}
}

func TestClientLatestVAAs(t *testing.T) {
	a, b := wiretest.PriceID(0x01), wiretest.PriceID(0x02)
	vaa := wiretest.VAA(7, a, b)

	var gotIDs []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/latest_vaas", r.URL.Path)
		gotIDs = r.URL.Query()["ids[]"]
		_, _ = w.Write([]byte(`["` + base64.StdEncoding.EncodeToString(vaa) + `"]`))
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL), logging.Nop())
	out, err := client.LatestVAAs(context.Background(), []wire.PriceID{a, b})
	require.NoError(t, err)
	require.Equal(t, [][]byte{vaa}, out)
	require.Equal(t, []string{a.Hex(), b.Hex()}, gotIDs)
}

func TestClientLatestVAAsEmptyIDs(t *testing.T) {
	client := NewClient(testConfig("http://127.0.0.1:1"), logging.Nop())
	out, err := client.LatestVAAs(context.Background(), nil)
	require.NoError(t, err)
	require.Nil(t, out)
}

func TestClientStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "price ids not found", http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL), logging.Nop())
	_, err := client.LatestVAAs(context.Background(), []wire.PriceID{wiretest.PriceID(0x09)})
	require.ErrorContains(t, err, "status=400")
	require.ErrorContains(t, err, "price ids not found")
}

func TestClientBadBase64(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`["***"]`))
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL), logging.Nop())
	_, err := client.LatestVAAs(context.Background(), []wire.PriceID{wiretest.PriceID(0x09)})
	require.ErrorContains(t, err, "decode vaa 0")
}

func TestClientListFeedIDsSkipsMalformed(t *testing.T) {
	a := wiretest.PriceID(0xab)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/price_feed_ids", r.URL.Path)
		_, _ = w.Write([]byte(`["` + a.Hex() + `","nope"]`))
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL), logging.Nop())
	ids, err := client.ListFeedIDs(context.Background())
	require.NoError(t, err)
	require.Equal(t, []wire.PriceID{a}, ids)
}

func TestClientHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client := NewClient(testConfig(srv.URL), logging.Nop())
	_, err := client.ListFeedIDs(ctx)
	require.Error(t, err)
}

func TestCacheDeduplicatesSharedEnvelopes(t *testing.T) {
	a, b, c := wiretest.PriceID(1), wiretest.PriceID(2), wiretest.PriceID(3)
	shared := wiretest.VAA(1, a, b)

	cache := NewCache()
	cache.Put(a, shared)
	cache.Put(b, shared)

	out, err := cache.LatestVAAs(context.Background(), []wire.PriceID{a, b, c})
	require.NoError(t, err)
	require.Len(t, out, 1)

	ids, err := cache.ListFeedIDs(context.Background())
	require.NoError(t, err)
	require.Equal(t, []wire.PriceID{a, b}, ids)
	require.Equal(t, 2, cache.Len())
}

func TestStreamSubscribesAndCaches(t *testing.T) {
	id := wiretest.PriceID(0x42)
	vaa := wiretest.VAA(11, id)
	subscribed := make(chan subscribeRequest, 1)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req subscribeRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return
		}
		subscribed <- req

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"response","status":"success"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"price_update","price_feed":{"id":"`+
			id.Hex()+`","vaa":"`+base64.StdEncoding.EncodeToString(vaa)+`"}}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cache := NewCache()
	stream := NewStream(testConfig(srv.URL), []wire.PriceID{id}, cache, logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		stream.Run(ctx)
		close(done)
	}()

	select {
	case req := <-subscribed:
		require.Equal(t, "subscribe", req.Type)
		require.True(t, req.Binary)
		require.Equal(t, []string{id.Hex()}, req.IDs)
	case <-time.After(2 * time.Second):
		t.Fatal("stream never subscribed")
	}

	require.Eventually(t, func() bool {
		got, _, ok := cache.Get(id)
		return ok && string(got) == string(vaa)
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop")
	}
}

func TestStreamHandleMessageRejects(t *testing.T) {
	stream := NewStream(testConfig("http://unused"), nil, NewCache(), logging.Nop())

	require.ErrorContains(t, stream.handleMessage([]byte(`{"type":"response","status":"error","error":"bad id"}`)), "bad id")
	require.Error(t, stream.handleMessage([]byte(`{"type":"price_update"}`)))
	require.Error(t, stream.handleMessage([]byte(`{"type":"price_update","price_feed":{"id":"zz","vaa":"AA=="}}`)))
	require.NoError(t, stream.handleMessage([]byte(`{"type":"heartbeat"}`)))
	require.Error(t, stream.handleMessage([]byte(`not json`)))
}

func TestStreamAddSubscribesLiveAndOnReconnect(t *testing.T) {
	a, b := wiretest.PriceID(0x0a), wiretest.PriceID(0x0b)
	subscribed := make(chan subscribeRequest, 4)
	var connections atomic.Int32

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := connections.Add(1)

		for received := 0; ; received++ {
			// the first connection drops after the live subscription
			if n == 1 && received == 2 {
				return
			}
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req subscribeRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return
			}
			subscribed <- req
		}
	}))
	defer srv.Close()

	stream := NewStream(testConfig(srv.URL), []wire.PriceID{a}, NewCache(), logging.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go stream.Run(ctx)

	next := func() []string {
		t.Helper()
		select {
		case req := <-subscribed:
			return req.IDs
		case <-time.After(2 * time.Second):
			t.Fatal("no subscription received")
			return nil
		}
	}

	require.Equal(t, []string{a.Hex()}, next())
	require.Eventually(t, func() bool {
		stream.mu.Lock()
		defer stream.mu.Unlock()
		return stream.conn != nil
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, stream.Add(a, b))
	require.Equal(t, []string{b.Hex()}, next())

	// after the reconnect the full set is subscribed again
	require.Equal(t, []string{a.Hex(), b.Hex()}, next())
	require.Equal(t, []wire.PriceID{a, b}, stream.subscribedIDs())
}

func TestStreamAddBeforeConnect(t *testing.T) {
	a := wiretest.PriceID(0x0a)
	stream := NewStream(testConfig("http://unused"), nil, NewCache(), logging.Nop())

	require.NoError(t, stream.Add(a))
	require.NoError(t, stream.Add(a))
	require.Equal(t, []wire.PriceID{a}, stream.subscribedIDs())
}
