package api

import (
	"bytes"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-link/pkg/protocol"
	"github.com/ZentaChain/zentalk-link/pkg/storage"
)

const maxInboxLimit = 500

// SendRequest carries one payload, as text or base64 data
type SendRequest struct {
	Text string `json:"text,omitempty"`
	Data string `json:"data,omitempty"`
}

// SendResponse reports a finished send exchange
type SendResponse struct {
	Success       bool   `json:"success"`
	CorrelationID string `json:"correlation_id,omitempty"`
	State         string `json:"state,omitempty"`
	Outcome       string `json:"outcome"`
	Error         string `json:"error,omitempty"`
}

// MessageView is one delivered payload
type MessageView struct {
	ID            string    `json:"id"`
	From          string    `json:"from"`
	CorrelationID string    `json:"correlation_id"`
	Text          string    `json:"text,omitempty"`
	Data          string    `json:"data"`
	ReceivedAt    time.Time `json:"received_at"`
}

// StatusResponse describes the node
type StatusResponse struct {
	LocalAddress       string         `json:"local_address"`
	DestinationAddress string         `json:"destination_address"`
	Sent               uint64         `json:"sent"`
	SendFailures       uint64         `json:"send_failures"`
	Delivered          uint64         `json:"delivered"`
	Rejected           uint64         `json:"rejected"`
	Discarded          uint64         `json:"discarded"`
	LastExchange       *time.Time     `json:"last_exchange,omitempty"`
	Uptime             string         `json:"uptime"`
	Journal            map[string]int `json:"journal,omitempty"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

// handleStatus handles GET /api/v1/node/status
func (s *Server) handleStatus(c *gin.Context) {
	stats := s.link.Stats()

	resp := StatusResponse{
		LocalAddress:       stats.LocalAddress.String(),
		DestinationAddress: stats.DestinationAddress.String(),
		Sent:               stats.Sent,
		SendFailures:       stats.SendFailures,
		Delivered:          stats.Delivered,
		Rejected:           stats.Rejected,
		Discarded:          stats.Discarded,
		Uptime:             stats.Uptime.Round(time.Second).String(),
	}
	if !stats.LastExchange.IsZero() {
		resp.LastExchange = &stats.LastExchange
	}

	if s.inbox != nil {
		counts, err := s.inbox.CountByOutcome(c.Request.Context())
		if err != nil {
			s.logger.Warn("Failed to read journal counts", zap.Error(err))
		} else {
			resp.Journal = counts
		}
	}

	c.JSON(http.StatusOK, resp)
}

// handleSend handles POST /api/v1/messages
func (s *Server) handleSend(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request",
			Message: err.Error(),
		})
		return
	}

	data, err := req.bytes()
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request",
			Message: err.Error(),
		})
		return
	}

	payload, err := protocol.PayloadFromBytes(data)
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{
			Error:   "Payload too large",
			Message: err.Error(),
			Code:    "payload_too_large",
		})
		return
	}

	session, err := s.link.Send(c.Request.Context(), &payload)

	resp := SendResponse{
		Success: err == nil,
		Outcome: protocol.OutcomeOf(err).String(),
	}
	if session != nil {
		resp.CorrelationID = fmt.Sprintf("%08x", session.CorrelationID)
		resp.State = session.State.String()
	}
	if err != nil {
		resp.Error = err.Error()
		status := http.StatusInternalServerError
		if errors.Is(err, protocol.ErrTransportFailure) {
			status = http.StatusBadGateway
		}
		c.JSON(status, resp)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// handleInbox handles GET /api/v1/messages?limit=N
func (s *Server) handleInbox(c *gin.Context) {
	if s.inbox == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "Journal disabled",
			Message: "Set storage.path to keep received messages",
		})
		return
	}

	limit := storage.DefaultRecentLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxInboxLimit {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "Invalid limit",
				Message: fmt.Sprintf("limit must be between 1 and %d", maxInboxLimit),
			})
			return
		}
		limit = n
	}

	exchanges, err := s.inbox.Delivered(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to read journal", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "Failed to read messages",
		})
		return
	}

	messages := make([]MessageView, 0, len(exchanges))
	for _, e := range exchanges {
		messages = append(messages, newMessageView(e))
	}

	c.JSON(http.StatusOK, gin.H{
		"messages": messages,
		"count":    len(messages),
	})
}

// handleMessage handles GET /api/v1/messages/:id
func (s *Server) handleMessage(c *gin.Context) {
	if s.inbox == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "Journal disabled",
			Message: "Set storage.path to keep received messages",
		})
		return
	}

	e, err := s.inbox.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, sql.ErrNoRows) ||
		(err == nil && (e.Direction != storage.DirectionReceive || e.Outcome != protocol.OutcomeDelivered)) {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "Message not found",
		})
		return
	}
	if err != nil {
		s.logger.Error("Failed to read journal", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "Failed to read message",
		})
		return
	}

	c.JSON(http.StatusOK, newMessageView(e))
}

func (r *SendRequest) bytes() ([]byte, error) {
	switch {
	case r.Text != "" && r.Data != "":
		return nil, errors.New("set either text or data, not both")
	case r.Text != "":
		return []byte(r.Text), nil
	case r.Data != "":
		data, err := base64.StdEncoding.DecodeString(r.Data)
		if err != nil {
			return nil, fmt.Errorf("data is not valid base64: %w", err)
		}
		return data, nil
	default:
		return nil, errors.New("text or data is required")
	}
}

func newMessageView(e *storage.Exchange) MessageView {
	v := MessageView{
		ID:            e.ID,
		From:          e.Peer.String(),
		CorrelationID: fmt.Sprintf("%08x", e.CorrelationID),
		Data:          base64.StdEncoding.EncodeToString(e.Payload),
		ReceivedAt:    e.CreatedAt,
	}
	// Payloads are journaled with their zero padding
	if text := bytes.TrimRight(e.Payload, "\x00"); utf8.Valid(text) {
		v.Text = string(text)
	}
	return v
}
