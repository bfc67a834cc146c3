package oracle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/goccy/go-json"

	"github.com/fluxtrade/execore/errs"
	"github.com/fluxtrade/execore/internal/observability"
	"github.com/fluxtrade/execore/internal/schema"
)

const (
	// Control messages are throttled to stay inside venue rate limits.
	controlMessageInterval = 250 * time.Millisecond
	maxStreamsPerRequest   = 100

	defaultVolWindowSize = 120
	defaultStaleAfter    = 10 * time.Second
)

// Feed maintains a live top-of-book view over a book-ticker WebSocket stream.
// It reconnects with exponential backoff and resubscribes after reconnect.
type Feed struct {
	baseURL string
	ctx     context.Context
	cancel  context.CancelFunc

	conn     *websocket.Conn
	connMu   sync.RWMutex
	msgIDGen atomic.Uint64

	subscriptions map[string]struct{}
	streamBySym   map[string]string
	subsMu        sync.Mutex

	books map[string]schema.BookState
	vols  map[string]*volWindow
	bkMu  sync.RWMutex

	staleAfter time.Duration

	ready     chan struct{}
	readyOnce sync.Once

	controlMu       sync.Mutex
	lastControlSend time.Time
}

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

type subscribeResponse struct {
	Result *json.RawMessage `json:"result"`
	ID     uint64           `json:"id"`
	Error  *wsError         `json:"error,omitempty"`
}

type wsError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type bookTickerMessage struct {
	Symbol  string `json:"s"`
	BestBid string `json:"b"`
	BestAsk string `json:"a"`
}

// NewFeed creates a feed bound to baseURL. Call Start before use.
func NewFeed(ctx context.Context, baseURL string) *Feed {
	feedCtx, cancel := context.WithCancel(ctx)
	return &Feed{
		baseURL:       baseURL,
		ctx:           feedCtx,
		cancel:        cancel,
		subscriptions: make(map[string]struct{}),
		streamBySym:   make(map[string]string),
		books:         make(map[string]schema.BookState),
		vols:          make(map[string]*volWindow),
		staleAfter:    defaultStaleAfter,
		ready:         make(chan struct{}),
	}
}

// Start establishes the WebSocket connection in a background goroutine and
// waits for the initial connection.
func (f *Feed) Start() error {
	go func() {
		if err := f.connect(); err != nil && !errors.Is(err, context.Canceled) {
			observability.Log().Error("price feed connection failed", observability.F("error", err.Error()))
		}
	}()

	select {
	case <-f.ready:
		return nil
	case <-time.After(10 * time.Second):
		return errors.New("timeout waiting for price feed connection")
	case <-f.ctx.Done():
		return fmt.Errorf("price feed context done: %w", f.ctx.Err())
	}
}

// Stop closes the WebSocket connection and cancels the feed context.
func (f *Feed) Stop() {
	f.cancel()
	f.connMu.Lock()
	if f.conn != nil {
		_ = f.conn.Close(websocket.StatusNormalClosure, "shutdown")
		f.conn = nil
	}
	f.connMu.Unlock()
}

// Subscribe registers book-ticker streams for the given symbols.
func (f *Feed) Subscribe(symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}

	f.subsMu.Lock()
	newStreams := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		normalized := schema.NormalizeSymbol(symbol)
		stream := streamName(normalized)
		f.streamBySym[strings.ReplaceAll(normalized, "-", "")] = normalized
		if _, exists := f.subscriptions[stream]; !exists {
			newStreams = append(newStreams, stream)
			f.subscriptions[stream] = struct{}{}
		}
	}
	f.subsMu.Unlock()

	if len(newStreams) == 0 {
		return nil
	}
	return f.sendBatchedControlRequests("SUBSCRIBE", newStreams)
}

// BookState returns the latest snapshot for a symbol, rejecting stale data.
func (f *Feed) BookState(_ context.Context, symbol string) (schema.BookState, error) {
	f.bkMu.RLock()
	book, ok := f.books[schema.NormalizeSymbol(symbol)]
	f.bkMu.RUnlock()
	if !ok {
		return schema.BookState{}, errs.New("oracle", errs.CodeFeed,
			errs.WithSymbol(symbol), errs.WithMessage("no book state"))
	}
	if f.staleAfter > 0 && time.Since(book.Timestamp) > f.staleAfter {
		return schema.BookState{}, errs.New("oracle", errs.CodeFeed,
			errs.WithSymbol(symbol), errs.WithMessage("book state stale"))
	}
	return book, nil
}

// Mid returns the current mid price for a symbol.
func (f *Feed) Mid(ctx context.Context, symbol string) (float64, error) {
	book, err := f.BookState(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if !book.Valid() {
		return 0, errs.New("oracle", errs.CodeFeed,
			errs.WithSymbol(symbol), errs.WithMessage("invalid book state"))
	}
	return book.Mid(), nil
}

// Volatility returns the standard deviation of recent mid returns.
func (f *Feed) Volatility(_ context.Context, symbol string) (float64, error) {
	f.bkMu.RLock()
	window, ok := f.vols[schema.NormalizeSymbol(symbol)]
	f.bkMu.RUnlock()
	if !ok {
		return 0, nil
	}
	return window.volatility(), nil
}

// connect maintains the connection with automatic reconnection and backoff.
func (f *Feed) connect() error {
	backoffCfg := backoff.NewExponentialBackOff()

	for {
		select {
		case <-f.ctx.Done():
			return context.Canceled
		default:
		}

		conn, _, err := websocket.Dial(f.ctx, f.baseURL, nil)
		if err != nil {
			observability.Log().Error("price feed dial failed",
				observability.F("url", f.baseURL), observability.F("error", err.Error()))
			sleep := backoffCfg.NextBackOff()
			select {
			case <-f.ctx.Done():
				return context.Canceled
			case <-time.After(sleep):
				continue
			}
		}

		f.connMu.Lock()
		f.conn = conn
		f.connMu.Unlock()

		f.readyOnce.Do(func() {
			close(f.ready)
		})

		backoffCfg.Reset()

		if err := f.subscribeAll(); err != nil {
			observability.Log().Error("price feed resubscribe failed",
				observability.F("error", err.Error()))
		}

		if err := f.readLoop(conn); err != nil {
			if errors.Is(err, context.Canceled) {
				return context.Canceled
			}
			observability.Log().Error("price feed read loop failed",
				observability.F("error", err.Error()))
		}

		f.connMu.Lock()
		f.conn = nil
		f.connMu.Unlock()

		sleep := backoffCfg.NextBackOff()
		select {
		case <-f.ctx.Done():
			return context.Canceled
		case <-time.After(sleep):
		}
	}
}

func (f *Feed) subscribeAll() error {
	f.subsMu.Lock()
	streams := make([]string, 0, len(f.subscriptions))
	for stream := range f.subscriptions {
		streams = append(streams, stream)
	}
	f.subsMu.Unlock()

	if len(streams) == 0 {
		return nil
	}
	return f.sendBatchedControlRequests("SUBSCRIBE", streams)
}

func (f *Feed) sendBatchedControlRequests(method string, streams []string) error {
	if len(streams) == 0 {
		return nil
	}

	f.controlMu.Lock()
	defer f.controlMu.Unlock()

	f.connMu.RLock()
	conn := f.conn
	f.connMu.RUnlock()
	if conn == nil {
		return errors.New("websocket not connected")
	}

	for _, chunk := range chunkStreams(streams, maxStreamsPerRequest) {
		if err := f.waitForControlWindowLocked(method); err != nil {
			return err
		}

		req := subscribeRequest{
			Method: method,
			Params: chunk,
			ID:     f.msgIDGen.Add(1),
		}
		data, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", method, err)
		}

		writeCtx, cancel := context.WithTimeout(f.ctx, 5*time.Second)
		err = conn.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			return fmt.Errorf("write %s request: %w", method, err)
		}

		f.lastControlSend = time.Now()
	}
	return nil
}

func (f *Feed) waitForControlWindowLocked(method string) error {
	if f.lastControlSend.IsZero() {
		return nil
	}
	wait := time.Until(f.lastControlSend.Add(controlMessageInterval))
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-f.ctx.Done():
		return fmt.Errorf("context done while pacing %s requests: %w", method, f.ctx.Err())
	}
}

func (f *Feed) readLoop(conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(f.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return context.Canceled
			}
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return fmt.Errorf("read: %w", err)
		}

		if msgType != websocket.MessageText {
			continue
		}

		// Subscribe/unsubscribe acknowledgements carry a request id.
		var resp subscribeResponse
		if err := json.Unmarshal(data, &resp); err == nil && resp.ID > 0 {
			if resp.Error != nil {
				observability.Log().Error("price feed control error",
					observability.F("code", resp.Error.Code),
					observability.F("message", resp.Error.Msg))
			}
			continue
		}

		if err := f.handleBookTicker(data); err != nil {
			observability.Log().Error("price feed message rejected",
				observability.F("error", err.Error()))
		}
	}
}

func (f *Feed) handleBookTicker(data []byte) error {
	var msg bookTickerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode book ticker: %w", err)
	}
	if msg.Symbol == "" {
		return nil
	}

	bid, err := strconv.ParseFloat(msg.BestBid, 64)
	if err != nil {
		return fmt.Errorf("parse best bid %q: %w", msg.BestBid, err)
	}
	ask, err := strconv.ParseFloat(msg.BestAsk, 64)
	if err != nil {
		return fmt.Errorf("parse best ask %q: %w", msg.BestAsk, err)
	}

	f.subsMu.Lock()
	symbol, ok := f.streamBySym[strings.ToUpper(msg.Symbol)]
	f.subsMu.Unlock()
	if !ok {
		symbol = schema.NormalizeSymbol(msg.Symbol)
	}

	book := schema.BookState{
		Symbol:    symbol,
		BestBid:   bid,
		BestAsk:   ask,
		Timestamp: time.Now().UTC(),
	}

	f.bkMu.Lock()
	f.books[symbol] = book
	window, ok := f.vols[symbol]
	if !ok {
		window = newVolWindow(defaultVolWindowSize)
		f.vols[symbol] = window
	}
	if book.Valid() {
		window.observe(book.Mid())
	}
	f.bkMu.Unlock()
	return nil
}

func streamName(symbol string) string {
	return strings.ToLower(strings.ReplaceAll(symbol, "-", "")) + "@bookTicker"
}

func chunkStreams(streams []string, size int) [][]string {
	if len(streams) == 0 {
		return nil
	}
	if size <= 0 || len(streams) <= size {
		snapshot := make([]string, len(streams))
		copy(snapshot, streams)
		return [][]string{snapshot}
	}
	chunks := make([][]string, 0, (len(streams)+size-1)/size)
	for start := 0; start < len(streams); start += size {
		end := start + size
		if end > len(streams) {
			end = len(streams)
		}
		chunk := make([]string, end-start)
		copy(chunk, streams[start:end])
		chunks = append(chunks, chunk)
	}
	return chunks
}
