package pricesvc

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coldbell/pricecaster/relayer/internal/config"
	"github.com/coldbell/pricecaster/relayer/internal/wire"
)

const (
	websocketReadLimitBytes = 4 << 20
	websocketWriteTimeout   = 5 * time.Second
)

type subscribeRequest struct {
	Type   string   `json:"type"`
	IDs    []string `json:"ids"`
	Binary bool     `json:"binary"`
}

type streamMessage struct {
	Type      string `json:"type"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
	PriceFeed *struct {
		ID  string `json:"id"`
		VAA string `json:"vaa"`
	} `json:"price_feed,omitempty"`
}

// Stream subscribes to price updates over websocket and keeps Cache current.
type Stream struct {
	endpoint       string
	cache          *Cache
	reconnectDelay time.Duration
	logger         *slog.Logger

	// mu guards ids and every write on conn
	mu   sync.Mutex
	ids  []wire.PriceID
	conn *websocket.Conn
}

func NewStream(cfg config.PriceServiceConfig, ids []wire.PriceID, cache *Cache, logger *slog.Logger) *Stream {
	delay := cfg.ReconnectInterval
	if delay <= 0 {
		delay = 3 * time.Second
	}
	return &Stream{
		endpoint:       cfg.StreamURL,
		ids:            slices.Clone(ids),
		cache:          cache,
		reconnectDelay: delay,
		logger:         logger,
	}
}

func (s *Stream) Cache() *Cache {
	return s.cache
}

// Add tracks ids the stream is not subscribed to yet. They are subscribed on
// the live connection when there is one and on every reconnect.
func (s *Stream) Add(ids ...wire.PriceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var added []wire.PriceID
	for _, id := range ids {
		if !slices.Contains(s.ids, id) {
			s.ids = append(s.ids, id)
			added = append(added, id)
		}
	}
	if len(added) == 0 || s.conn == nil {
		return nil
	}
	if err := writeWebsocketJSON(s.conn, newSubscribeRequest(added)); err != nil {
		return fmt.Errorf("subscribe %d new feeds: %w", len(added), err)
	}
	s.logger.Info("subscribed to new price feeds", "feeds", len(added))
	return nil
}

func (s *Stream) subscribedIDs() []wire.PriceID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.ids)
}

// Run consumes the stream until ctx is done, reconnecting after failures.
func (s *Stream) Run(ctx context.Context) {
	s.logger.Info(
		"price stream enabled",
		"endpoint", s.endpoint,
		"feeds", len(s.subscribedIDs()),
		"reconnect_delay", s.reconnectDelay.String(),
	)

	for {
		if err := ctx.Err(); err != nil {
			return
		}

		err := s.consume(ctx)
		if err != nil && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
			s.logger.Warn("price stream disconnected", "err", err, "retry_in", s.reconnectDelay.String())
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *Stream) consume(ctx context.Context) error {
	conn, resp, err := dialWebsocket(ctx, s.endpoint)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial price stream: status=%d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial price stream: %w", err)
	}
	defer conn.Close()
	stop := closeConnOnContextDone(ctx, conn)
	defer stop()

	if err := s.attach(conn); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer s.detach()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read price stream: %w", err)
		}
		if err := s.handleMessage(data); err != nil {
			s.logger.Warn("failed to process price stream message", "err", err)
		}
	}
}

// attach subscribes conn to every tracked id and makes it the target of Add.
func (s *Stream) attach(conn *websocket.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeWebsocketJSON(conn, newSubscribeRequest(s.ids)); err != nil {
		return err
	}
	s.conn = conn
	return nil
}

func (s *Stream) detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = nil
}

func newSubscribeRequest(ids []wire.PriceID) subscribeRequest {
	return subscribeRequest{
		Type:   "subscribe",
		IDs:    wire.PriceIDHexes(ids),
		Binary: true,
	}
}

func (s *Stream) handleMessage(data []byte) error {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	switch msg.Type {
	case "response":
		if msg.Status != "success" {
			return fmt.Errorf("subscription rejected: %s", msg.Error)
		}
		s.logger.Debug("price stream subscription accepted")
		return nil
	case "price_update":
		if msg.PriceFeed == nil || msg.PriceFeed.VAA == "" {
			return errors.New("price update without vaa")
		}
		id, err := wire.ParsePriceID(msg.PriceFeed.ID)
		if err != nil {
			return fmt.Errorf("price update id: %w", err)
		}
		vaa, err := base64.StdEncoding.DecodeString(msg.PriceFeed.VAA)
		if err != nil {
			return fmt.Errorf("price update %s vaa: %w", id, err)
		}
		s.cache.Put(id, vaa)
		return nil
	default:
		return nil
	}
}

func dialWebsocket(ctx context.Context, endpoint string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		Proxy:             http.ProxyFromEnvironment,
		HandshakeTimeout:  10 * time.Second,
		EnableCompression: true,
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, resp, err
	}
	conn.SetReadLimit(websocketReadLimitBytes)
	return conn, resp, nil
}

func writeWebsocketJSON(conn *websocket.Conn, value any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(websocketWriteTimeout)); err != nil {
		return err
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func closeConnOnContextDone(ctx context.Context, conn *websocket.Conn) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	return func() {
		close(done)
	}
}
