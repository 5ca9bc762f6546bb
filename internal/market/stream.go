package market

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// PriceStream subscribes to the venue's combined mini-ticker stream and
// feeds the shared PriceCache. It runs on its own goroutine so the control
// loop never blocks on network I/O for prices.
type PriceStream struct {
	streamURL   string
	instruments []string
	cache       *PriceCache
	logger      zerolog.Logger

	mu         sync.RWMutex
	conn       *websocket.Conn
	isRunning  bool
	reconnects int

	onUpdate func(instrument string, price float64) // optional mirror hook (e.g. redis)
}

// NewPriceStream creates a stream for the given instruments
func NewPriceStream(streamURL string, instruments []string, cache *PriceCache, logger zerolog.Logger) *PriceStream {
	return &PriceStream{
		streamURL:   streamURL,
		instruments: instruments,
		cache:       cache,
		logger:      logger,
	}
}

// OnUpdate registers a hook invoked after every cache update
func (s *PriceStream) OnUpdate(fn func(instrument string, price float64)) {
	s.mu.Lock()
	s.onUpdate = fn
	s.mu.Unlock()
}

// Start begins the connect/read loop in a new goroutine
func (s *PriceStream) Start() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	go s.connect()
}

// Stop terminates the stream
func (s *PriceStream) Stop() {
	s.mu.Lock()
	s.isRunning = false
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
}

func (s *PriceStream) streamPath() string {
	streams := make([]string, len(s.instruments))
	for i, inst := range s.instruments {
		streams[i] = strings.ToLower(inst) + "@miniTicker"
	}
	return s.streamURL + "/stream?streams=" + strings.Join(streams, "/")
}

func (s *PriceStream) connect() {
	wsURL := s.streamPath()

	for {
		s.mu.RLock()
		if !s.isRunning {
			s.mu.RUnlock()
			return
		}
		s.mu.RUnlock()

		s.logger.Debug().Str("url", s.streamURL).Msg("connecting price stream")

		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			s.logger.Warn().Err(err).Msg("price stream connection failed, retrying in 5s")
			time.Sleep(5 * time.Second)
			s.mu.Lock()
			s.reconnects++
			s.mu.Unlock()
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.reconnects = 0
		s.mu.Unlock()

		s.logger.Info().Int("instruments", len(s.instruments)).Msg("price stream connected")

		s.readLoop(conn)

		s.mu.RLock()
		isRunning := s.isRunning
		s.mu.RUnlock()
		if !isRunning {
			return
		}

		s.logger.Warn().Msg("price stream lost, reconnecting in 3s")
		time.Sleep(3 * time.Second)
	}
}

func (s *PriceStream) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Msg("price stream closed normally")
			} else {
				s.logger.Warn().Err(err).Msg("price stream read error")
			}
			return
		}
		s.handleMessage(message)
	}
}

func (s *PriceStream) handleMessage(message []byte) {
	var envelope struct {
		Data struct {
			EventType string `json:"e"`
			Symbol    string `json:"s"`
			Close     string `json:"c"`
		} `json:"data"`
	}
	if err := json.Unmarshal(message, &envelope); err != nil {
		s.logger.Debug().Err(err).Msg("failed to parse stream message")
		return
	}
	if envelope.Data.Symbol == "" {
		return
	}

	price, err := strconv.ParseFloat(envelope.Data.Close, 64)
	if err != nil || price <= 0 {
		return
	}

	s.cache.Update(envelope.Data.Symbol, price)

	s.mu.RLock()
	hook := s.onUpdate
	s.mu.RUnlock()
	if hook != nil {
		hook(envelope.Data.Symbol, price)
	}
}
