package okx

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mirrorbot/config"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	wsPingInterval = 20 * time.Second
	wsReadTimeout  = 40 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsReconnectMin = time.Second
	wsReconnectMax = 30 * time.Second
)

// TickerFeed maintains a websocket subscription to the public tickers channel
// and caches the latest price per instrument. Consumers read via LastPrice and
// fall back to REST when the feed has no fresh value.
type TickerFeed struct {
	logger *zap.Logger
	wsURL  string

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	pricesMu sync.RWMutex
	prices   map[string]feedPrice

	subsMu sync.Mutex
	subs   map[string]bool

	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	statsMu sync.Mutex
	stats   FeedStats
}

type feedPrice struct {
	Last      decimal.Decimal
	UpdatedAt time.Time
}

// FeedStats counts feed activity since start.
type FeedStats struct {
	Connects    int
	Messages    int
	Updates     int
	LastMessage time.Time
}

func NewTickerFeed(logger *zap.Logger, cfg *config.Config) *TickerFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TickerFeed{
		logger: logger.Named("okx_tickers"),
		wsURL:  cfg.OKX.WSURL,
		prices: make(map[string]feedPrice),
		subs:   make(map[string]bool),
	}
}

// Start connects and begins the read loop. Safe to call once; subsequent
// calls are no-ops.
func (f *TickerFeed) Start(ctx context.Context) error {
	f.connMu.Lock()
	if f.running {
		f.connMu.Unlock()
		return nil
	}
	f.running = true
	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.done = make(chan struct{})
	f.connMu.Unlock()

	go f.run(runCtx)
	return nil
}

// Stop closes the connection and waits for the loops to exit.
func (f *TickerFeed) Stop() {
	f.connMu.Lock()
	if !f.running {
		f.connMu.Unlock()
		return
	}
	f.running = false
	cancel := f.cancel
	done := f.done
	conn := f.conn
	f.connMu.Unlock()

	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-done
}

// Subscribe adds an instrument to the tickers subscription. Already-subscribed
// instruments are a no-op.
func (f *TickerFeed) Subscribe(instID string) error {
	f.subsMu.Lock()
	if f.subs[instID] {
		f.subsMu.Unlock()
		return nil
	}
	f.subs[instID] = true
	f.subsMu.Unlock()

	f.connMu.Lock()
	conn := f.conn
	f.connMu.Unlock()
	if conn == nil {
		// picked up on (re)connect
		return nil
	}
	return f.sendSubscribe(conn, []string{instID})
}

// LastPrice returns the most recent price for an instrument, or false when
// the feed has nothing fresher than maxAge.
func (f *TickerFeed) LastPrice(instID string, maxAge time.Duration) (decimal.Decimal, bool) {
	f.pricesMu.RLock()
	p, ok := f.prices[instID]
	f.pricesMu.RUnlock()
	if !ok {
		return decimal.Zero, false
	}
	if maxAge > 0 && time.Since(p.UpdatedAt) > maxAge {
		return decimal.Zero, false
	}
	return p.Last, true
}

// Stats returns a copy of the feed counters.
func (f *TickerFeed) Stats() FeedStats {
	f.statsMu.Lock()
	defer f.statsMu.Unlock()
	return f.stats
}

func (f *TickerFeed) run(ctx context.Context) {
	defer close(f.done)

	backoff := wsReconnectMin
	for {
		if ctx.Err() != nil {
			return
		}

		if err := f.connect(ctx); err != nil {
			f.logger.Warn("connect failed", zap.Error(err), zap.Duration("retry_in", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > wsReconnectMax {
				backoff = wsReconnectMax
			}
			continue
		}
		backoff = wsReconnectMin

		pingDone := make(chan struct{})
		go f.pingLoop(ctx, pingDone)
		f.readLoop(ctx)
		close(pingDone)

		f.connMu.Lock()
		if f.conn != nil {
			_ = f.conn.Close()
			f.conn = nil
		}
		f.connMu.Unlock()
	}
}

func (f *TickerFeed) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.wsURL, err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	f.statsMu.Lock()
	f.stats.Connects++
	f.statsMu.Unlock()

	f.subsMu.Lock()
	instIDs := make([]string, 0, len(f.subs))
	for id := range f.subs {
		instIDs = append(instIDs, id)
	}
	f.subsMu.Unlock()

	if len(instIDs) > 0 {
		if err := f.sendSubscribe(conn, instIDs); err != nil {
			_ = conn.Close()
			return err
		}
	}

	f.logger.Info("connected", zap.Int("subscriptions", len(instIDs)))
	return nil
}

func (f *TickerFeed) sendSubscribe(conn *websocket.Conn, instIDs []string) error {
	type arg struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	}
	msg := struct {
		Op   string `json:"op"`
		Args []arg  `json:"args"`
	}{Op: "subscribe"}
	for _, id := range instIDs {
		msg.Args = append(msg.Args, arg{Channel: "tickers", InstID: id})
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal subscribe: %w", err)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write subscribe: %w", err)
	}
	return nil
}

func (f *TickerFeed) readLoop(ctx context.Context) {
	f.connMu.Lock()
	conn := f.conn
	f.connMu.Unlock()
	if conn == nil {
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				f.logger.Warn("read failed, reconnecting", zap.Error(err))
			}
			return
		}

		f.statsMu.Lock()
		f.stats.Messages++
		f.stats.LastMessage = time.Now()
		f.statsMu.Unlock()

		if string(raw) == "pong" {
			continue
		}
		f.handleMessage(raw)
	}
}

func (f *TickerFeed) handleMessage(raw []byte) {
	var msg struct {
		Event string `json:"event"`
		Arg   struct {
			Channel string `json:"channel"`
			InstID  string `json:"instId"`
		} `json:"arg"`
		Data []struct {
			InstID string `json:"instId"`
			Last   string `json:"last"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		f.logger.Debug("unparseable message", zap.Error(err))
		return
	}

	if msg.Event == "error" {
		f.logger.Warn("feed error event", zap.String("raw", truncate(string(raw), 256)))
		return
	}
	if msg.Arg.Channel != "tickers" || len(msg.Data) == 0 {
		return
	}

	now := time.Now()
	f.pricesMu.Lock()
	for _, d := range msg.Data {
		last, err := decimal.NewFromString(d.Last)
		if err != nil || last.IsZero() {
			continue
		}
		f.prices[d.InstID] = feedPrice{Last: last, UpdatedAt: now}
	}
	f.pricesMu.Unlock()

	f.statsMu.Lock()
	f.stats.Updates += len(msg.Data)
	f.statsMu.Unlock()
}

func (f *TickerFeed) pingLoop(ctx context.Context, done chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			f.connMu.Lock()
			conn := f.conn
			f.connMu.Unlock()
			if conn == nil {
				return
			}
			f.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			err := conn.WriteMessage(websocket.TextMessage, []byte("ping"))
			f.writeMu.Unlock()
			if err != nil {
				f.logger.Warn("ping failed", zap.Error(err))
				return
			}
		}
	}
}
