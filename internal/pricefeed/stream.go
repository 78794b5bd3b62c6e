package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gridbot/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10 // Must be less than pongWait
)

// ErrNoPrice is returned for a subscribed symbol that has not traded yet.
var ErrNoPrice = errors.New("no price received yet")

// StreamSource is a TickerSource fed by Binance aggTrade websocket streams.
// Each subscribed symbol keeps its own connection and reconnects on failure.
type StreamSource struct {
	baseURL        string
	logger         *zap.Logger
	dialer         *websocket.Dialer
	reconnectDelay time.Duration

	mu     sync.RWMutex
	prices map[string]float64
	cancel map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// NewStreamSource connects to baseURL, e.g. "wss://fstream.binance.com".
func NewStreamSource(baseURL string, logger *zap.Logger) *StreamSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamSource{
		baseURL:        strings.TrimRight(baseURL, "/"),
		logger:         logger,
		dialer:         websocket.DefaultDialer,
		reconnectDelay: 5 * time.Second,
		prices:         make(map[string]float64),
		cancel:         make(map[string]context.CancelFunc),
	}
}

// SetReconnectDelay changes the wait between reconnect attempts.
func (s *StreamSource) SetReconnectDelay(d time.Duration) { s.reconnectDelay = d }

// Subscribe starts streaming symbol. It is a no-op for a symbol already
// streamed.
func (s *StreamSource) Subscribe(ctx context.Context, symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cancel[symbol]; ok {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel[symbol] = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx, symbol)
	}()
}

// Unsubscribe stops streaming symbol and forgets its price.
func (s *StreamSource) Unsubscribe(symbol string) {
	s.mu.Lock()
	cancel, ok := s.cancel[symbol]
	delete(s.cancel, symbol)
	delete(s.prices, symbol)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// Close stops every stream and waits for the connections to shut down.
func (s *StreamSource) Close() {
	s.mu.Lock()
	for sym, cancel := range s.cancel {
		cancel()
		delete(s.cancel, sym)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// GetTicker returns the last streamed trade price of symbol.
func (s *StreamSource) GetTicker(_ context.Context, symbol string) (*models.Ticker, error) {
	s.mu.RLock()
	price, ok := s.prices[symbol]
	_, subscribed := s.cancel[symbol]
	s.mu.RUnlock()
	if !subscribed {
		return nil, fmt.Errorf("%s: not subscribed", symbol)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", symbol, ErrNoPrice)
	}
	return &models.Ticker{Symbol: symbol, Last: price}, nil
}

// loop 负责维持WebSocket的连接和重连
func (s *StreamSource) loop(ctx context.Context, symbol string) {
	url := fmt.Sprintf("%s/ws/%s@aggTrade", s.baseURL, strings.ToLower(symbol))
	log := s.logger.With(zap.String("symbol", symbol))
	for {
		conn, _, err := s.dialer.DialContext(ctx, url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("WebSocket连接失败, 稍后重试", zap.Error(err), zap.Duration("delay", s.reconnectDelay))
		} else {
			log.Info("WebSocket连接成功")
			// read 会阻塞直到连接断开
			err = s.read(ctx, symbol, conn)
			conn.Close()
			if ctx.Err() != nil {
				log.Info("WebSocket循环已停止")
				return
			}
			log.Warn("WebSocket连接已断开, 准备重连", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.reconnectDelay):
		}
	}
}

// read 处理一个已建立连接上的消息, 并实现心跳机制
func (s *StreamSource) read(ctx context.Context, symbol string, conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					s.logger.Debug("发送Ping失败", zap.String("symbol", symbol), zap.Error(err))
					return
				}
			case <-ctx.Done():
				// 优雅关闭, 同时解除 ReadMessage 的阻塞
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("读取消息失败: %w", err)
		}

		var trade struct {
			Price json.Number `json:"p"` // "p"代表价格
		}
		if err := json.Unmarshal(message, &trade); err != nil {
			s.logger.Debug("解析价格信息失败", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		price, err := trade.Price.Float64()
		if err != nil || price <= 0 {
			s.logger.Debug("转换价格失败", zap.String("symbol", symbol), zap.String("raw", trade.Price.String()))
			continue
		}

		s.mu.Lock()
		if _, ok := s.cancel[symbol]; ok {
			s.prices[symbol] = price
		}
		s.mu.Unlock()
	}
}
