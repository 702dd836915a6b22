package websocket

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"whiteboard-server/core"

	"github.com/sirupsen/logrus"
	eiopacket "github.com/zishang520/engine.io-go-parser/packet"
	eiotypes "github.com/zishang520/engine.io-go-parser/types"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-go-parser/v2/parser"
	socketio "github.com/zishang520/socket.io/v2/socket"
)

// SocketIOOptions configures the socket.io endpoint.
type SocketIOOptions struct {
	MaxPayloadBytes int64
	AllowedOrigins  []string
}

// socketConn adapts a socket.io socket to the hub's transport.
type socketConn struct {
	socket *socketio.Socket
}

func (s socketConn) ID() string {
	return string(s.socket.Id())
}

// Emit sends payload as a named event. Raw JSON is decoded first so the
// client receives structured data rather than a byte array.
func (s socketConn) Emit(event string, payload any) error {
	if raw, ok := payload.(json.RawMessage); ok {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		payload = v
	}
	return s.socket.Emit(event, payload)
}

// SetupSocketIO creates the socket.io server speaking the whiteboard
// protocol on top of hub.
//
// The library dispatches every inbound event on its own goroutine, so the
// handlers here never use socket.On for protocol events. Each connection
// decodes its engine.io frames itself, in arrival order, and runs the
// resulting events one at a time from an inbox.
func SetupSocketIO(hub *Hub, cfg SocketIOOptions) *socketio.Server {
	opts := socketio.DefaultServerOptions()
	opts.SetMaxHttpBufferSize(cfg.MaxPayloadBytes)
	opts.SetPath("/socket.io")
	opts.SetAllowEIO3(true)
	opts.SetCors(&types.Cors{
		Origin:      corsOrigins(cfg.AllowedOrigins),
		Credentials: true,
	})
	srv := socketio.NewServer(nil, opts)

	// Middleware runs before the connect packet is answered, so no event
	// from the client can arrive before the decoder is attached.
	srv.Use(func(socket *socketio.Socket, next func(*socketio.ExtendedError)) {
		s := &sioSession{
			hub:     hub,
			socket:  socket,
			client:  hub.newClient(socketConn{socket: socket}, ""),
			inbox:   newInbox(inboxSize),
			decoder: parser.NewDecoder(),
		}
		s.attach()
		logrus.WithField("conn_id", s.client.ID()).Debug("Socket.IO client connected")
		next(nil)
	})

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	srv.On("connection", func(clients ...any) {
		socket, ok := clients[0].(*socketio.Socket)
		if !ok {
			return
		}
		socket.On(EventDisconnect, func(...any) {
			if s, ok := socket.Data().(*sioSession); ok {
				s.close()
			}
		})
	})

	return srv
}

const inboxSize = 256

// inbox runs a connection's events one at a time, in the order pushed.
type inbox struct {
	items chan func()
	done  chan struct{}
	once  sync.Once
}

func newInbox(size int) *inbox {
	b := &inbox{
		items: make(chan func(), size),
		done:  make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *inbox) run() {
	for {
		select {
		case <-b.done:
			return
		case fn := <-b.items:
			fn()
		}
	}
}

// push queues fn, blocking while the inbox is full. It reports false once
// the inbox has been closed.
func (b *inbox) push(fn func()) bool {
	select {
	case <-b.done:
		return false
	default:
	}
	select {
	case <-b.done:
		return false
	case b.items <- fn:
		return true
	}
}

// close queues fn as the final item. Items pushed afterwards never run.
func (b *inbox) close(fn func()) {
	b.once.Do(func() {
		b.push(func() {
			fn()
			close(b.done)
		})
	})
}

// sioSession ties one socket.io connection to the hub.
type sioSession struct {
	hub     *Hub
	socket  *socketio.Socket
	client  *client
	inbox   *inbox
	decoder parser.Decoder
}

func (s *sioSession) attach() {
	s.socket.SetData(s)

	//nolint:errcheck // emitter registration does not fail for valid names
	s.decoder.On("decoded", func(args ...any) {
		if packet, ok := args[0].(*parser.Packet); ok {
			s.onPacket(packet)
		}
	})

	conn := s.socket.Conn()
	// "packet" fires before the library's own decoder drains the frame, so
	// the payload is copied rather than read.
	//nolint:errcheck // emitter registration does not fail for valid names
	conn.On("packet", func(args ...any) {
		p, ok := args[0].(*eiopacket.Packet)
		if !ok || p.Type != eiopacket.MESSAGE {
			return
		}
		data := peekFrame(p.Data)
		if data == nil {
			return
		}
		if err := s.decoder.Add(data); err != nil {
			logrus.WithField("conn_id", s.client.ID()).WithError(err).Debug("Dropped undecodable Socket.IO frame")
		}
	})
	//nolint:errcheck // emitter registration does not fail for valid names
	conn.On("close", func(...any) {
		s.close()
	})
}

// peekFrame copies an engine.io message without consuming it.
func peekFrame(data io.Reader) any {
	switch d := data.(type) {
	case *eiotypes.StringBuffer:
		return d.String()
	case *eiotypes.BytesBuffer:
		return append([]byte(nil), d.Bytes()...)
	}
	return nil
}

func (s *sioSession) onPacket(packet *parser.Packet) {
	if packet.Nsp != s.socket.Nsp().Name() {
		return
	}
	switch packet.Type {
	case parser.EVENT, parser.BINARY_EVENT:
		args, ok := packet.Data.([]any)
		if !ok || len(args) == 0 {
			return
		}
		event, ok := args[0].(string)
		if !ok {
			return
		}
		ack := s.ackFor(packet)
		s.inbox.push(func() { s.handle(event, args[1:], ack) })
	case parser.DISCONNECT:
		s.close()
	}
}

// close runs the hub's disconnect after every event already received.
func (s *sioSession) close() {
	s.inbox.close(func() {
		s.hub.Disconnect(s.client)
	})
}

// ackFunc answers an event the client sent with an acknowledgement id.
type ackFunc func(payload map[string]any)

var ackEncoder = parser.NewEncoder()

func (s *sioSession) ackFor(packet *parser.Packet) ackFunc {
	if packet.Id == nil {
		return nil
	}
	id := *packet.Id
	nsp := packet.Nsp
	return func(payload map[string]any) {
		encoded := ackEncoder.Encode(&parser.Packet{
			Type: parser.ACK,
			Nsp:  nsp,
			Id:   &id,
			Data: []any{payload},
		})
		s.socket.Client().WriteToEngine(encoded, &socketio.WriteOptions{})
	}
}

func (s *sioSession) handle(event string, args []any, ack ackFunc) {
	c := s.client
	switch event {
	case EventJoin:
		var req JoinRequest
		if err := decodeArg(args, &req); err != nil {
			s.hub.sendError(c, err)
			reply(ack, errorAck(err))
			return
		}
		joined, err := s.hub.Join(c, req)
		if err != nil {
			reply(ack, errorAck(err))
			return
		}
		reply(ack, map[string]any{
			"status":      "ok",
			"document_id": joined.DocumentID,
			"members":     joined.Members,
		})

	case EventDraw:
		if len(args) == 0 {
			return
		}
		payload, err := json.Marshal(args[0])
		if err != nil {
			logrus.WithField("conn_id", c.ID()).WithError(err).Debug("Dropped unencodable draw payload")
			return
		}
		s.hub.Draw(c, payload)

	case EventSave:
		var in core.DocumentInput
		var doc *core.Document
		err := decodeArg(args, &in)
		if err == nil {
			doc, err = s.hub.Save(context.Background(), c, in)
		}
		payload := saveAckPayload(doc, err)
		reply(ack, payload)
		if emitErr := c.Emit(EventSaveAck, payload); emitErr != nil {
			logrus.WithField("conn_id", c.ID()).WithError(emitErr).Warn("Failed to acknowledge save")
		}

	case EventLeave:
		s.hub.Leave(c)

	case EventDisconnect:
		// Closing re-enters close(), which queues behind this item.
		go s.socket.Disconnect(true)

	default:
		s.hub.sendError(c, badRequest("unknown event %q", event))
	}
}

func reply(ack ackFunc, payload map[string]any) {
	if ack != nil {
		ack(payload)
	}
}

func errorAck(err error) map[string]any {
	p := errorPayload(err)
	return map[string]any{"status": "error", "code": p.Code, "error": p.Message}
}

func corsOrigins(allowed []string) any {
	if len(allowed) == 0 {
		return "*"
	}
	origins := make([]any, len(allowed))
	for i, o := range allowed {
		origins[i] = o
	}
	return origins
}

// decodeArg re-encodes the first event argument into v.
func decodeArg(args []any, v any) error {
	if len(args) == 0 || args[0] == nil {
		return badRequest("missing payload")
	}
	data, err := json.Marshal(args[0])
	if err != nil {
		return badRequest("%v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return badRequest("%v", err)
	}
	return nil
}
