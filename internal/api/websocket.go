package api

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"tradebridge/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// websocket streams findings, order status updates and exit plan changes to
// a connected operator UI.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	findings, unsubFindings := s.Bus.Subscribe(events.EventFinding, 100)
	statuses, unsubStatuses := s.Bus.Subscribe(events.EventOrderStatus, 100)
	plans, unsubPlans := s.Bus.Subscribe(events.EventExitPlan, 100)
	defer unsubFindings()
	defer unsubStatuses()
	defer unsubPlans()

	write := func(topic events.Event, msg any) error {
		return conn.WriteJSON(gin.H{"topic": topic, "data": msg})
	}

	for {
		var err error
		select {
		case msg, ok := <-findings:
			if !ok {
				return
			}
			err = write(events.EventFinding, msg)
		case msg, ok := <-statuses:
			if !ok {
				return
			}
			err = write(events.EventOrderStatus, msg)
		case msg, ok := <-plans:
			if !ok {
				return
			}
			err = write(events.EventExitPlan, msg)
		}
		if err != nil {
			log.Printf("ws write error: %v", err)
			return
		}
	}
}
