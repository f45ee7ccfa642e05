package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/atlasvault/gotrader/internal/domain"
)

var streamLog = logrus.WithField("component", "binance_stream")

const maxBufferedCandles = 500

// BinanceStream 订阅 Binance U 本位合约 1m K 线，维护每个资产的实时收盘缓存。
// 作为 Pyth 历史接口之外的低延迟价格旁路，断线自动重连。
type BinanceStream struct {
	assets []string // 资产符号（BTC/ETH/...）

	mu      sync.RWMutex
	buffers map[string]domain.CandleSeries // 已收盘K线，升序
	live    map[string]domain.Candle       // 未收盘的最新一根

	ctx    context.Context
	cancel context.CancelFunc

	connMu sync.Mutex
	conn   *websocket.Conn
}

// NewBinanceStream 创建实时K线流
func NewBinanceStream(assets []string) *BinanceStream {
	ctx, cancel := context.WithCancel(context.Background())
	normalized := make([]string, 0, len(assets))
	for _, a := range assets {
		if s := strings.ToUpper(strings.TrimSpace(a)); s != "" {
			normalized = append(normalized, s)
		}
	}
	return &BinanceStream{
		assets:  normalized,
		buffers: make(map[string]domain.CandleSeries),
		live:    make(map[string]domain.Candle),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start 启动后台订阅协程
func (b *BinanceStream) Start() {
	go b.run()
}

// Stop 停止订阅并关闭连接
func (b *BinanceStream) Stop() {
	b.cancel()
	b.connMu.Lock()
	if b.conn != nil {
		_ = b.conn.Close()
		b.conn = nil
	}
	b.connMu.Unlock()
}

// Candles 返回已收盘K线的最近 limit 根
func (b *BinanceStream) Candles(asset string, limit int) domain.CandleSeries {
	key := strings.ToUpper(strings.TrimSpace(asset))
	b.mu.RLock()
	defer b.mu.RUnlock()
	buf := b.buffers[key]
	if limit > 0 && len(buf) > limit {
		buf = buf[len(buf)-limit:]
	}
	out := make(domain.CandleSeries, len(buf))
	copy(out, buf)
	return out
}

// LastPrice 最新成交价（优先未收盘K线的 close）
func (b *BinanceStream) LastPrice(asset string) (float64, bool) {
	key := strings.ToUpper(strings.TrimSpace(asset))
	b.mu.RLock()
	defer b.mu.RUnlock()
	if live, ok := b.live[key]; ok && live.Close > 0 {
		return live.Close, true
	}
	if buf := b.buffers[key]; len(buf) > 0 {
		return buf[len(buf)-1].Close, true
	}
	return 0, false
}

func (b *BinanceStream) record(asset string, candle domain.Candle, closed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !closed {
		b.live[asset] = candle
		return
	}
	delete(b.live, asset)
	buf := b.buffers[asset]
	if n := len(buf); n > 0 && buf[n-1].Timestamp.Equal(candle.Timestamp) {
		buf[n-1] = candle
	} else {
		buf = append(buf, candle)
	}
	if len(buf) > maxBufferedCandles {
		buf = buf[len(buf)-maxBufferedCandles:]
	}
	b.buffers[asset] = buf
}

func (b *BinanceStream) streamURL() string {
	streams := make([]string, 0, len(b.assets))
	for _, asset := range b.assets {
		streams = append(streams, fmt.Sprintf("%susdt@kline_1m", strings.ToLower(asset)))
	}
	return "wss://fstream.binance.com/stream?streams=" + strings.Join(streams, "/")
}

func (b *BinanceStream) run() {
	wsURL := b.streamURL()
	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}

		dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
		conn, _, err := dialer.Dial(wsURL, nil)
		if err != nil {
			streamLog.Warnf("连接 Binance WS 失败: %v", err)
			select {
			case <-time.After(2 * time.Second):
				continue
			case <-b.ctx.Done():
				return
			}
		}

		b.connMu.Lock()
		b.conn = conn
		b.connMu.Unlock()
		streamLog.Infof("✅ Binance K线流已连接: assets=%v", b.assets)

		if err := b.readLoop(conn); err != nil {
			streamLog.Warnf("Binance WS readLoop 退出: %v", err)
		}

		b.connMu.Lock()
		if b.conn == conn {
			b.conn = nil
		}
		_ = conn.Close()
		b.connMu.Unlock()

		select {
		case <-time.After(time.Second):
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *BinanceStream) readLoop(conn *websocket.Conn) error {
	type envelope struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}

	for {
		select {
		case <-b.ctx.Done():
			return b.ctx.Err()
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var env envelope
		if err := json.Unmarshal(msg, &env); err != nil || len(env.Data) == 0 {
			continue
		}
		b.handleEvent(env.Data)
	}
}

func (b *BinanceStream) handleEvent(data json.RawMessage) {
	// https://binance-docs.github.io/apidocs/futures/en/#kline-candlestick-streams
	var ev struct {
		EventType string `json:"e"`
		Symbol    string `json:"s"`
		K         struct {
			StartTime int64  `json:"t"`
			Open      string `json:"o"`
			Close     string `json:"c"`
			High      string `json:"h"`
			Low       string `json:"l"`
			Volume    string `json:"v"`
			IsClosed  bool   `json:"x"`
		} `json:"k"`
	}
	if err := json.Unmarshal(data, &ev); err != nil || ev.EventType != "kline" {
		return
	}

	asset := strings.ToUpper(strings.TrimSuffix(strings.ToLower(ev.Symbol), "usdt"))
	open, err1 := strconv.ParseFloat(ev.K.Open, 64)
	high, err2 := strconv.ParseFloat(ev.K.High, 64)
	low, err3 := strconv.ParseFloat(ev.K.Low, 64)
	closep, err4 := strconv.ParseFloat(ev.K.Close, 64)
	vol, err5 := strconv.ParseFloat(ev.K.Volume, 64)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
		return
	}

	b.record(asset, domain.Candle{
		Timestamp: time.UnixMilli(ev.K.StartTime).UTC(),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closep,
		Volume:    vol,
	}, ev.K.IsClosed)
}
