package exchange

import (
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"github.com/skalibog/bfma/pkg/models"
	"github.com/skalibog/bfma/pkg/xerrors"
)

// WS is a single streaming session multiplexing bookTicker and kline_1m
// events for every configured symbol. It does not reconnect itself —
// SourceManager owns failover/backoff and calls Start again after a
// StreamError. This mirrors the "coroutine/IO -> task + channel" mapping:
// go-binance's callback-driven websocket handlers are bridged into a single
// buffered channel that Events() exposes as a receive.
type WS struct {
	symbols []string

	mu       sync.Mutex
	stopFns  []func()
	events   chan models.StreamEvent
	closed   bool
}

// NewWS builds a WS session for the given symbols. Call Start to open it.
func NewWS(symbols []string) *WS {
	return &WS{
		symbols: symbols,
		events:  make(chan models.StreamEvent, 1024),
	}
}

// Events returns the channel StreamEvents are delivered on, in arrival
// order, until Close is called. An error event does not stop delivery by
// itself, and the channel is never closed.
func (w *WS) Events() <-chan models.StreamEvent {
	return w.events
}

// Start opens the combined bookTicker/kline_1m stream for every configured
// symbol. Returns once subscriptions are established; events stream
// asynchronously afterward.
func (w *WS) Start() error {
	w.mu.Lock()
	w.closed = false
	w.mu.Unlock()

	tickerHandler := func(event *futures.WsBookTickerEvent) {
		bid, errB := strconv.ParseFloat(event.BestBidPrice, 64)
		ask, errA := strconv.ParseFloat(event.BestAskPrice, 64)
		if errB != nil || errA != nil {
			w.emit(models.StreamEvent{Kind: models.StreamEventErr, Symbol: event.Symbol,
				Err: xerrors.DecodeError("ws_book_ticker", event.Symbol, errB)})
			return
		}
		mid := (bid + ask) / 2
		now := time.Now().UnixMilli()
		w.emit(models.StreamEvent{
			Kind:   models.StreamEventPriceTick,
			Symbol: event.Symbol,
			Price: models.PriceTick{
				Symbol:         event.Symbol,
				Price:          mid,
				EventTimeMs:    now,
				ReceivedTimeMs: now,
			},
		})
	}

	klineHandler := func(event *futures.WsKlineEvent) {
		candle, err := decodeKline(
			event.Kline.StartTime, event.Kline.Open, event.Kline.High,
			event.Kline.Low, event.Kline.Close, event.Kline.Volume, event.Kline.EndTime,
		)
		if err != nil {
			w.emit(models.StreamEvent{Kind: models.StreamEventErr, Symbol: event.Symbol,
				Err: xerrors.DecodeError("ws_kline", event.Symbol, err)})
			return
		}
		candle.IsClosed = event.Kline.IsFinal
		w.emit(models.StreamEvent{Kind: models.StreamEventCandleUpdate, Symbol: event.Symbol, Candle: candle})
	}

	errHandler := func(err error) {
		w.emit(models.StreamEvent{Kind: models.StreamEventErr, Err: xerrors.StreamError("ws_session", "", err)})
	}

	_, stopTicker, err := futures.WsCombinedBookTickerServe(w.symbols, tickerHandler, errHandler)
	if err != nil {
		return xerrors.StreamError("ws_connect_ticker", "", err)
	}

	symbolIntervals := make(map[string]string, len(w.symbols))
	for _, s := range w.symbols {
		symbolIntervals[s] = "1m"
	}
	_, stopKline, err := futures.WsCombinedKlineServe(symbolIntervals, klineHandler, errHandler)
	if err != nil {
		close(stopTicker)
		return xerrors.StreamError("ws_connect_kline", "", err)
	}

	w.mu.Lock()
	w.stopFns = append(w.stopFns, func() { close(stopTicker) }, func() { close(stopKline) })
	w.mu.Unlock()
	return nil
}

// Close releases the underlying websocket connections. Scoped release
// guaranteed by the owner: repeated calls are safe no-ops.
func (w *WS) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	for _, stop := range w.stopFns {
		stop()
	}
	w.stopFns = nil
}

func (w *WS) emit(ev models.StreamEvent) {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return
	}
	select {
	case w.events <- ev:
	default:
		// Backpressure: caller isn't draining fast enough. Dropping is
		// preferable to blocking go-binance's internal read loop.
	}
}
