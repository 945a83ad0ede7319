package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/samber/do/v2"
	"github.com/vreid/kuji/internal/pkg/common"
	"github.com/vreid/kuji/internal/pkg/orchestrator"
	"github.com/vreid/kuji/internal/pkg/store"
	"go.uber.org/zap"
)

const clientSendBuffer = 16

// StatusService exposes the operational surface: health, round lookups for
// audit, and a live websocket feed of round events. Nothing here is in the
// correctness path of the orchestrator.
type StatusService struct {
	StoreService        *store.StoreService
	OrchestratorService *orchestrator.OrchestratorService

	EventSource <-chan orchestrator.Event

	log      *zap.SugaredLogger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func NewStatusService(i do.Injector) (*StatusService, error) {
	eventSource := do.MustInvokeNamed[<-chan orchestrator.Event](i, "event-source")

	loggerService, err := do.Invoke[*common.LoggerService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger service: %w", err)
	}

	storeService, err := do.Invoke[*store.StoreService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create store service: %w", err)
	}

	orchestratorService, err := do.Invoke[*orchestrator.OrchestratorService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator service: %w", err)
	}

	result := &StatusService{
		StoreService:        storeService,
		OrchestratorService: orchestratorService,

		EventSource: eventSource,

		log: loggerService.Log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		clients: map[*client]struct{}{},
	}

	echoService, err := do.Invoke[*common.EchoService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create echo service: %w", err)
	}

	echoService.Register(func(e *echo.Echo) {
		apiGroup := e.Group("/api")

		statusGroup := apiGroup.Group("/status")

		statusGroup.GET("/health", result.GetHealth)
		statusGroup.GET("/round", result.GetLatestRound)
		statusGroup.GET("/rounds/:id", result.GetRound)
		statusGroup.GET("/rounds/:id/proof", result.GetProof)
		statusGroup.GET("/live", result.GetLive)
	})

	return result, nil
}

func (s *StatusService) Start() {
	go s.fanOut()
}

func (s *StatusService) GetHealth(c echo.Context) error {
	lastTick := s.OrchestratorService.LastTick()

	//nolint:wrapcheck
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "ok",
		"last_tick": lastTick,
		"stale":     !lastTick.IsZero() && time.Since(lastTick) > 10*time.Second,
	})
}

func (s *StatusService) GetLatestRound(c echo.Context) error {
	record, err := s.StoreService.LatestRound()
	if err != nil {
		if errors.Is(err, store.ErrRoundNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "no rounds recorded yet")
		}

		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read latest round")
	}

	//nolint:wrapcheck
	return c.JSONPretty(http.StatusOK, record, "  ")
}

func (s *StatusService) GetRound(c echo.Context) error {
	roundID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid round id")
	}

	record, err := s.StoreService.GetRound(roundID)
	if err != nil {
		if errors.Is(err, store.ErrRoundNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "round not found")
		}

		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read round")
	}

	//nolint:wrapcheck
	return c.JSONPretty(http.StatusOK, record, "  ")
}

func (s *StatusService) GetProof(c echo.Context) error {
	roundID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid round id")
	}

	record, err := s.StoreService.GetProof(roundID)
	if err != nil {
		if errors.Is(err, store.ErrProofNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "proof not found")
		}

		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read proof")
	}

	//nolint:wrapcheck
	return c.JSONPretty(http.StatusOK, record, "  ")
}

func (s *StatusService) GetLive(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to upgrade connection")
	}

	cl := &client{
		conn: conn,
		send: make(chan []byte, clientSendBuffer),
	}

	s.mu.Lock()
	s.clients[cl] = struct{}{}
	s.mu.Unlock()

	go s.writePump(cl)
	go s.readPump(cl)

	return nil
}

// fanOut pushes every orchestrator event to all connected clients. Slow
// clients lose events rather than stalling the feed.
func (s *StatusService) fanOut() {
	for event := range s.EventSource {
		payload, err := json.Marshal(event)
		if err != nil {
			s.log.Errorw("failed to marshal event", "error", err)

			continue
		}

		s.mu.Lock()
		for cl := range s.clients {
			select {
			case cl.send <- payload:
			default:
				s.log.Debugw("dropping event for slow client", "type", event.Type)
			}
		}
		s.mu.Unlock()
	}
}

func (s *StatusService) writePump(cl *client) {
	defer s.drop(cl)

	for payload := range cl.send {
		err := cl.conn.WriteMessage(websocket.TextMessage, payload)
		if err != nil {
			return
		}
	}
}

// readPump only exists to notice the peer going away.
func (s *StatusService) readPump(cl *client) {
	defer s.drop(cl)

	for {
		_, _, err := cl.conn.ReadMessage()
		if err != nil {
			return
		}
	}
}

func (s *StatusService) drop(cl *client) {
	s.mu.Lock()
	_, ok := s.clients[cl]
	if ok {
		delete(s.clients, cl)
		close(cl.send)
	}
	s.mu.Unlock()

	_ = cl.conn.Close()
}
