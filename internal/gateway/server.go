// Package gateway is a TCP surface over the matching engine: a small binary
// wire protocol for submitting and cancelling orders, and execution/error
// reports sent back to connected clients. It holds no matching logic — it
// only decodes frames, calls into the engine, and encodes reports.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"

	"github.com/coriolisfi/matchcore/internal/book"
	"github.com/coriolisfi/matchcore/internal/common"
)

const (
	maxRecvSize        = 4 * 1024
	defaultNWorkers     = 10
	defaultConnTimeout  = 5 * time.Second
)

var (
	ErrImproperConversion = errors.New("gateway: improper task conversion")
	ErrClientDoesNotExist = errors.New("gateway: client does not exist")
)

// Engine is the subset of the matching engine the gateway depends on.
type Engine interface {
	ExecuteOrder(ctx context.Context, order *common.Order) ([]*common.Trade, error)
	CancelOrder(ctx context.Context, symbol common.Symbol, orderID, requestingUserID string) error
	Snapshot(symbol common.Symbol) (bids, asks []book.Level)
}

// SymbolLister exposes the set of symbols known to the engine, for the
// LogBook diagnostic request.
type SymbolLister interface {
	Symbols() []common.Symbol
}

type clientSession struct {
	conn net.Conn
}

type clientMessage struct {
	clientAddress string
	frame         frame
}

// Server is the TCP gateway: it accepts connections, decodes frames,
// dispatches them to the engine under a single session-handler goroutine,
// and writes reports back to the submitting user's connection. The owner of
// a resting maker order receives no report when it trades.
type Server struct {
	address string
	port    int
	engine  Engine
	symbols SymbolLister
	pool    *WorkerPool

	cancel context.CancelFunc

	sessionsMu sync.Mutex
	sessions   map[string]clientSession
	// owners maps a username to its most recent connection; an order's
	// trade reports go to the connection its owner last used.
	owners map[string]string

	messages chan clientMessage
}

// New constructs a gateway Server bound to address:port, calling into eng.
func New(address string, port int, eng Engine, symbols SymbolLister) *Server {
	return &Server{
		address:  address,
		port:     port,
		engine:   eng,
		symbols:  symbols,
		pool:     NewWorkerPool(defaultNWorkers),
		sessions: make(map[string]clientSession),
		owners:   make(map[string]string),
		messages: make(chan clientMessage, 64),
	}
}

// Run starts the listener and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()

	t, ctx := tomb.WithContext(ctx)

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf("%s:%d", s.address, s.port))
	if err != nil {
		log.Error().Err(err).Msg("gateway: unable to start listener")
		return
	}
	// Closing the listener on cancellation unblocks Accept below.
	go func() {
		<-ctx.Done()
		if err := listener.Close(); err != nil {
			log.Error().Err(err).Msg("gateway: unable to close listener")
		}
	}()

	t.Go(func() error {
		s.pool.Setup(t, s.handleConnection)
		return nil
	})
	t.Go(func() error {
		return s.sessionHandler(t)
	})

	log.Info().Str("address", listener.Addr().String()).Msg("gateway: listening")

	for {
		select {
		case <-ctx.Done():
			return
		default:
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error().Err(err).Msg("gateway: error accepting client")
				continue
			}
			s.addSession(conn)
			s.pool.AddTask(conn)
		}
	}
}

// Shutdown cancels the running server's context.
func (s *Server) Shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Server) sessionHandler(t *tomb.Tomb) error {
	for {
		select {
		case <-t.Dying():
			return nil
		case msg := <-s.messages:
			if err := s.handle(msg); err != nil {
				log.Error().Err(err).Str("client", msg.clientAddress).Msg("gateway: error handling message")
				s.reportError(msg.clientAddress, err)
			}
		}
	}
}

func (s *Server) handle(msg clientMessage) error {
	switch msg.frame.typ {
	case NewOrder:
		return s.handleNewOrder(msg.clientAddress, msg.frame.newOrder)
	case CancelOrder:
		return s.handleCancelOrder(msg.clientAddress, msg.frame.cancelOrder)
	case LogBook:
		s.handleLogBook()
		return nil
	default:
		return ErrInvalidMessageType
	}
}

func (s *Server) handleNewOrder(clientAddress string, req NewOrderRequest) error {
	s.recordOwner(req.Username, clientAddress)

	order := req.ToOrder(time.Now())
	trades, err := s.engine.ExecuteOrder(context.Background(), order)
	if err != nil {
		return err
	}
	for _, tr := range trades {
		s.reportTrade(order, tr)
	}
	return nil
}

func (s *Server) handleCancelOrder(clientAddress string, req CancelOrderRequest) error {
	s.recordOwner(req.Username, clientAddress)
	return s.engine.CancelOrder(context.Background(), req.Symbol, req.OrderID, req.Username)
}

func (s *Server) handleLogBook() {
	if s.symbols == nil {
		return
	}
	for _, symbol := range s.symbols.Symbols() {
		bids, asks := s.engine.Snapshot(symbol)
		log.Info().
			Str("symbol", string(symbol)).
			Int("bidLevels", len(bids)).
			Int("askLevels", len(asks)).
			Msg("gateway: book snapshot")
	}
}

func (s *Server) reportTrade(order *common.Order, trade *common.Trade) {
	side := order.Side
	counterpartyID := trade.SellOrderID
	if side == common.Sell {
		counterpartyID = trade.BuyOrderID
	}
	report := Report{
		Type:         ExecutionReport,
		Side:         side,
		Quantity:     trade.Quantity,
		Price:        trade.Price,
		Symbol:       trade.Symbol,
		OrderID:      order.ID,
		Counterparty: counterpartyID,
	}

	conn, err := s.connFor(order.UserID)
	if err != nil {
		log.Error().Err(err).Str("user", order.UserID).Msg("gateway: cannot deliver trade report")
		return
	}
	s.send(conn, report.Serialize())
}

func (s *Server) reportError(clientAddress string, cause error) {
	report := Report{Type: ErrorReport, Err: cause.Error()}
	s.sessionsMu.Lock()
	sess, ok := s.sessions[clientAddress]
	s.sessionsMu.Unlock()
	if !ok {
		return
	}
	s.send(sess.conn, report.Serialize())
}

func (s *Server) send(conn net.Conn, payload []byte) {
	if conn == nil {
		return
	}
	if _, err := conn.Write(payload); err != nil {
		log.Error().Err(err).Msg("gateway: unable to send report")
	}
}

func (s *Server) connFor(username string) (net.Conn, error) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	address, ok := s.owners[username]
	if !ok {
		return nil, ErrClientDoesNotExist
	}
	sess, ok := s.sessions[address]
	if !ok {
		return nil, ErrClientDoesNotExist
	}
	return sess.conn, nil
}

func (s *Server) recordOwner(username, clientAddress string) {
	if username == "" {
		return
	}
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	s.owners[username] = clientAddress
}

// handleConnection reads the next frame off a connection and forwards it to
// the session handler, then queues the connection again for its next frame.
// A deadline, read or decode failure closes and forgets the connection. Any
// error returned here is fatal to the pool's tomb.
func (s *Server) handleConnection(t *tomb.Tomb, task any) error {
	conn, ok := task.(net.Conn)
	if !ok {
		return ErrImproperConversion
	}

	if err := conn.SetDeadline(time.Now().Add(defaultConnTimeout)); err != nil {
		log.Error().Err(err).Msg("gateway: failed setting connection deadline")
		s.closeAndForget(conn)
		return nil
	}

	buffer := make([]byte, maxRecvSize)
	select {
	case <-t.Dying():
		return nil
	default:
		n, err := conn.Read(buffer)
		if err != nil {
			s.closeAndForget(conn)
			return nil
		}

		f, err := decodeFrame(buffer[:n])
		if err != nil {
			log.Error().Err(err).Str("address", conn.RemoteAddr().String()).Msg("gateway: error parsing frame")
			s.closeAndForget(conn)
			return nil
		}

		s.messages <- clientMessage{clientAddress: conn.RemoteAddr().String(), frame: f}
		s.pool.AddTask(conn)
	}
	return nil
}

func (s *Server) addSession(conn net.Conn) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	s.sessions[conn.RemoteAddr().String()] = clientSession{conn: conn}
}

func (s *Server) closeAndForget(conn net.Conn) {
	address := conn.RemoteAddr().String()
	if err := conn.Close(); err != nil {
		log.Error().Err(err).Str("address", address).Msg("gateway: error closing connection")
	}
	s.sessionsMu.Lock()
	delete(s.sessions, address)
	s.sessionsMu.Unlock()
}
