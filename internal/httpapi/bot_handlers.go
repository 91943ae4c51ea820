package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	eventWriteWait  = 10 * time.Second
	eventPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type verifyContactBody struct {
	Phone string `json:"phone"`
	Name  string `json:"name"`
}

func (s *Server) botStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Bot.State())
}

func (s *Server) botStart(c *gin.Context) {
	state, err := s.deps.Bot.Start(c.Request.Context())
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) botStop(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Bot.Stop(c.Request.Context()))
}

// botQR returns the pending pairing challenge, 404 when none is pending.
func (s *Server) botQR(c *gin.Context) {
	challenge := s.deps.Bot.QRCode()
	if challenge == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
			"error":  "no pairing challenge pending",
			"code":   "not_found",
			"status": s.deps.Bot.State().Status,
		})
		return
	}
	c.JSON(http.StatusOK, challenge)
}

func (s *Server) verifyContact(c *gin.Context) {
	var body verifyContactBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err.Error())
		return
	}
	if strings.TrimSpace(body.Phone) == "" {
		badRequest(c, "phone is required")
		return
	}
	contact, err := s.deps.Bot.VerifyContact(c.Request.Context(), body.Phone, body.Name)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, contact)
}

// botEvents streams connection state changes over a websocket, starting with
// the current state.
func (s *Server) botEvents(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer ws.Close()

	states, unsubscribe := s.deps.Bot.Subscribe()
	defer unsubscribe()

	// The read loop only notices the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(v any) error {
		_ = ws.SetWriteDeadline(time.Now().Add(eventWriteWait))
		return ws.WriteJSON(v)
	}
	if err := write(s.deps.Bot.State()); err != nil {
		return
	}

	ping := time.NewTicker(eventPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case state, ok := <-states:
			if !ok {
				return
			}
			if err := write(state); err != nil {
				s.logger.Debug().Err(err).Msg("bot event write failed")
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteWait)); err != nil {
				return
			}
		}
	}
}
