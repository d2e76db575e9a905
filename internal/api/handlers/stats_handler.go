package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/kgengine/backend/internal/kg/stats"
	"github.com/kgengine/backend/pkg/logger"
)

type StatsHandler struct {
	aggregator *stats.Aggregator
}

func NewStatsHandler(aggregator *stats.Aggregator) *StatsHandler {
	return &StatsHandler{aggregator: aggregator}
}

func (h *StatsHandler) Get(c *fiber.Ctx) error {
	refresh, err := queryBool(c, "GetStatistics", "refresh")
	if err != nil {
		return respondError(c, err)
	}

	var s *stats.Statistics
	if refresh {
		s, err = h.aggregator.Refresh(c.UserContext())
	} else {
		s, err = h.aggregator.Get(c.UserContext())
	}
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(s)
}

// Upgrade rejects plain HTTP requests to the websocket route.
func (h *StatsHandler) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// Stream sends the current statistics and then every refreshed value until
// the client disconnects.
func (h *StatsHandler) Stream(c *websocket.Conn) {
	logger.Info("Statistics stream opened", zap.String("remote", c.RemoteAddr().String()))

	updates, cancel := h.aggregator.Subscribe(4)
	defer func() {
		cancel()
		c.Close()
		logger.Info("Statistics stream closed")
	}()

	// Reads detect the client going away; clients are not expected to send.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if cur := h.aggregator.Cached(); cur != nil {
		if err := h.send(c, cur); err != nil {
			return
		}
	}

	for {
		select {
		case <-done:
			return
		case s, ok := <-updates:
			if !ok {
				return
			}
			if err := h.send(c, s); err != nil {
				return
			}
		}
	}
}

func (h *StatsHandler) send(c *websocket.Conn, s *stats.Statistics) error {
	err := c.WriteJSON(map[string]interface{}{
		"type":       "statistics",
		"statistics": s,
	})
	if err != nil {
		logger.Warn("Failed to write statistics update", zap.Error(err))
	}
	return err
}
