// The MIT License (MIT)
//
// Copyright (c) 2013-2017 Oryx(ossrs)
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies of
// the Software, and to permit persons to whom the Software is furnished to do so,
// subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS
// FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR
// COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
// IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
// CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.

// Package ncp implements the NCP (Node Control Protocol) connection state
// machine, request multiplexer, and client/server façades. The wire codec
// lives in the value and packet sub-packages; this package owns the
// socket, the handshake, and the correlation of replies to requests.
package ncp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ncplib/go-ncp/logger"
	"github.com/ncplib/go-ncp/packet"
	"github.com/ncplib/go-ncp/stats"
	"github.com/ncplib/go-ncp/value"
)

var cidGen int64

func nextCid() int {
	return int(atomic.AddInt64(&cidGen, 1))
}

// options holds the boolean behavior flags, plus the per-connection
// identity fields a Connect/Accept call needs.
type options struct {
	autoAuth    bool
	autoErro    bool
	autoWarn    bool
	autoAckn    bool
	clientID    [4]byte
	info        [4]byte
	dialTimeout time.Duration
}

func defaultOptions() options {
	return options{
		autoAuth: true,
		autoErro: true,
		autoWarn: true,
		autoAckn: true,
		clientID: DefaultClientID(),
	}
}

// Option configures a Connection's construction.
type Option func(*options)

// WithAutoAuth toggles the LINK authentication handshake (default true).
func WithAutoAuth(enabled bool) Option { return func(o *options) { o.autoAuth = enabled } }

// WithAutoErro toggles the ERRO/ERRC auto-handler (default true).
func WithAutoErro(enabled bool) Option { return func(o *options) { o.autoErro = enabled } }

// WithAutoWarn toggles the WARN/WARC auto-handler (default true).
func WithAutoWarn(enabled bool) Option { return func(o *options) { o.autoWarn = enabled } }

// WithAutoAckn toggles the ACKN auto-handler (default true).
func WithAutoAckn(enabled bool) Option { return func(o *options) { o.autoAckn = enabled } }

// WithClientID overrides the 4-byte identity a client sends during the
// handshake. Defaults to DefaultClientID().
func WithClientID(id [4]byte) Option { return func(o *options) { o.clientID = id } }

// WithInfo overrides the 4-byte info tag stamped into every outbound
// packet on a server, which supplies it from configuration. It has no
// effect on Connect: a client always stamps its client identity (see
// WithClientID).
func WithInfo(info [4]byte) Option { return func(o *options) { o.info = info } }

// WithDialTimeout bounds the initial TCP connect made by Connect. Zero,
// the default, means no timeout beyond what the ctx imposes.
func WithDialTimeout(d time.Duration) Option { return func(o *options) { o.dialTimeout = d } }

// packetEvent is what the reader task delivers to a registered waiter:
// either the next packet observed on the wire, or the terminal read
// error/close reason. Waiters resolved by the same broadcast share one
// claims set.
type packetEvent struct {
	pkt    *packet.Packet
	claims *fieldClaims
	err    error
}

// fieldClaims tracks which fields of a broadcast packet a waiter has
// already taken. Every waiter scans the same field list, so without a
// claim step N concurrent callers matching the same name would all
// converge on the first such field; claiming makes K same-named fields
// resolve K distinct waiters.
type fieldClaims struct {
	mu    sync.Mutex
	taken map[int]bool
}

func newFieldClaims() *fieldClaims {
	return &fieldClaims{taken: make(map[int]bool)}
}

// tryClaim reserves field index i for the caller. It reports false if
// another waiter already holds it.
func (fc *fieldClaims) tryClaim(i int) bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.taken[i] {
		return false
	}
	fc.taken[i] = true
	return true
}

// FieldInput pairs a field name with its outgoing params for Send.
type FieldInput struct {
	Name   string
	Params *packet.Params
}

// ResponseHandle is returned by Send: it remembers the field-name to
// field-id assignment made at encode time so a caller can RecvField by
// name alone, without re-deriving the id.
type ResponseHandle struct {
	conn       *Connection
	packetType string
	fieldIDs   map[string]uint32
}

// RecvField awaits the named field of this response's packet type, using
// the field id this handle's Send call assigned to it.
func (h *ResponseHandle) RecvField(ctx context.Context, fieldName string) (*packet.Params, error) {
	id, ok := h.fieldIDs[fieldName]
	if !ok {
		return nil, fmt.Errorf("ncp: %q was not among the fields sent on this response handle", fieldName)
	}
	return h.conn.RecvField(ctx, h.packetType, fieldName, &id)
}

// FieldEvent is a single field delivered by Connection.Fields, independent
// of any particular RecvField correlation.
type FieldEvent struct {
	PacketType string
	Field      packet.Field
	Err        error
}

// Connection owns one TCP socket: one reader task, one outbound write
// position, the connection's id counter, and the set of outstanding
// waiters. Create one with Connect or receive one inside a Start handler.
type Connection struct {
	conn net.Conn
	cid  int
	opts options

	sendMu sync.Mutex
	idGen  uint32

	mu       sync.Mutex
	waiters  map[uint64]chan packetEvent
	nextWID  uint64
	closed   bool
	closeErr error

	remoteMu       sync.Mutex
	remoteIdentity string

	readerOnce sync.Once
	closeOnce  sync.Once
	doneCh     chan struct{}
	sampler    *stats.Sampler
}

func newConnection(netConn net.Conn, opts options) *Connection {
	return &Connection{
		conn:    netConn,
		cid:     nextCid(),
		opts:    opts,
		waiters: make(map[uint64]chan packetEvent),
		doneCh:  make(chan struct{}),
		sampler: stats.New(time.Second),
	}
}

// startReader launches the reader task on first use. The reader does not
// start until the first waiter registers: a server sends HELO the moment
// it accepts, and a reader racing ahead of the first RecvField would read
// that packet and fan it out to nobody.
func (c *Connection) startReader() {
	c.readerOnce.Do(func() { go c.readLoop() })
}

// Cid implements logger.Context: every connection's log lines are tagged
// with a small per-process connection id.
func (c *Connection) Cid() int { return c.cid }

// RemoteIdentity returns the peer identity the handshake negotiated
// (server-side: the CIW the client sent), or "" before the handshake
// completes.
func (c *Connection) RemoteIdentity() string {
	c.remoteMu.Lock()
	defer c.remoteMu.Unlock()
	return c.remoteIdentity
}

func (c *Connection) setRemoteIdentity(id string) {
	c.remoteMu.Lock()
	c.remoteIdentity = id
	c.remoteMu.Unlock()
}

// Rate returns the number of packets received in the trailing second.
func (c *Connection) Rate() float64 { return c.sampler.Rate() }

func (c *Connection) nextID() uint32 {
	return atomic.AddUint32(&c.idGen, 1)
}

func (c *Connection) register() (uint64, chan packetEvent) {
	ch := make(chan packetEvent, 1)
	c.mu.Lock()
	id := c.nextWID
	c.nextWID++
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		ch <- packetEvent{err: err}
		return id, ch
	}
	c.waiters[id] = ch
	c.mu.Unlock()
	c.startReader()
	return id, ch
}

func (c *Connection) unregister(id uint64) {
	c.mu.Lock()
	delete(c.waiters, id)
	c.mu.Unlock()
}

// broadcast delivers pkt to every waiter registered at this instant. Each
// waiter is single-shot: it is removed from the registry the moment it is
// handed a packet, and RecvField re-registers a fresh one if the packet
// didn't match. The waiter itself decides whether the packet matches.
func (c *Connection) broadcast(pkt *packet.Packet) {
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = make(map[uint64]chan packetEvent, len(waiters))
	c.mu.Unlock()

	claims := newFieldClaims()
	for _, ch := range waiters {
		ch <- packetEvent{pkt: pkt, claims: claims}
	}
}

func (c *Connection) failAllWaiters(err error) {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		c.closeErr = err
	}
	waiters := c.waiters
	c.waiters = make(map[uint64]chan packetEvent)
	c.mu.Unlock()

	for _, ch := range waiters {
		ch <- packetEvent{err: err}
	}
}

// readLoop is the connection's single reader task: it continuously reads
// packets from the socket using the two-phase decoder and fans each one
// out to every registered waiter. On a read error it resolves every
// waiter with the error and exits; the connection is unusable after.
func (c *Connection) readLoop() {
	defer close(c.doneCh)
	for {
		pkt, warnings, err := packet.Decode(c.conn)
		for _, w := range warnings {
			logger.W(c, w.Error())
		}
		if err != nil {
			c.failAllWaiters(err)
			return
		}
		c.sampler.Mark()
		logger.T(c, fmt.Sprintf("recv packet type=%s id=%d fields=%d", pkt.Type, pkt.ID, len(pkt.Fields)))
		c.broadcast(pkt)
	}
}

// errorSentinel extracts the ERRO/ERRC auto-handler params from a field's
// params, if present.
func errorSentinel(p *packet.Params) (message string, code int32, ok bool) {
	msgV, hasMsg := p.Get("ERRO")
	codeV, hasCode := p.Get("ERRC")
	if !hasMsg && !hasCode {
		return "", 0, false
	}
	if hasMsg {
		message, _ = valueAsString(msgV)
	}
	if hasCode {
		code, _ = valueAsInt32(codeV)
	}
	return message, code, true
}

// warnSentinel extracts the WARN/WARC auto-handler params from a field's
// params, if present.
func warnSentinel(p *packet.Params) (message string, code int32, ok bool) {
	msgV, hasMsg := p.Get("WARN")
	codeV, hasCode := p.Get("WARC")
	if !hasMsg && !hasCode {
		return "", 0, false
	}
	if hasMsg {
		message, _ = valueAsString(msgV)
	}
	if hasCode {
		code, _ = valueAsInt32(codeV)
	}
	return message, code, true
}

func valueAsString(v value.Value) (string, bool) {
	s, ok := v.(value.String)
	if !ok {
		return "", false
	}
	return string(s), true
}

func valueAsInt32(v value.Value) (int32, bool) {
	switch t := v.(type) {
	case value.I32:
		return int32(t), true
	case value.U32:
		return int32(t), true
	}
	return 0, false
}

// applyAutoHandlers runs the auto-erro/auto-warn/auto-ackn filter chain,
// in order, against a candidate field. ok is false if the field should be
// skipped (ACKN, or a field named WARN under auto-warn); a non-nil error
// means the field was an auto-erro failure.
func (c *Connection) applyAutoHandlers(packetType string, f packet.Field) (params *packet.Params, ok bool, err error) {
	if c.opts.autoErro {
		if msg, code, hit := errorSentinel(f.Params); hit {
			return nil, false, &CommandError{
				PacketType: packetType, FieldName: f.Name, FieldID: f.ID,
				Message: msg, Code: code,
			}
		}
	}
	if c.opts.autoWarn {
		if msg, code, hit := warnSentinel(f.Params); hit {
			logger.W(c, (&CommandWarning{
				PacketType: packetType, FieldName: f.Name, FieldID: f.ID,
				Message: msg, Code: code,
			}).Error())
			if f.Name == "WARN" {
				return nil, false, nil
			}
		}
	}
	if c.opts.autoAckn && f.Params.Has("ACKN") {
		return nil, false, nil
	}
	return f.Params, true, nil
}

// RecvField suspends until a packet arrives whose type equals packetType
// and which contains a field named fieldName (and, if fieldID is
// non-nil, whose id equals *fieldID), that survives the auto-handler
// chain. It is safe to call concurrently from any number of goroutines.
func (c *Connection) RecvField(ctx context.Context, packetType, fieldName string, fieldID *uint32) (*packet.Params, error) {
	id, ch := c.register()
	return c.recvRegistered(ctx, id, ch, packetType, fieldName, fieldID)
}

// recvRegistered is RecvField's matching loop, starting from a waiter the
// caller already registered. Execute and the handshakes register their
// waiter before writing the request, so a reply that lands between the
// write and the receive cannot be fanned out to nobody and dropped.
func (c *Connection) recvRegistered(ctx context.Context, id uint64, ch chan packetEvent, packetType, fieldName string, fieldID *uint32) (*packet.Params, error) {
	for {
		var ev packetEvent
		select {
		case ev = <-ch:
		case <-ctx.Done():
			c.unregister(id)
			return nil, ctx.Err()
		}

		if ev.err != nil {
			return nil, ev.err
		}

		pkt := ev.pkt
		if pkt.Type == packetType {
			for i, f := range pkt.Fields {
				if f.Name != fieldName {
					continue
				}
				if fieldID != nil && f.ID != *fieldID {
					continue
				}
				if !ev.claims.tryClaim(i) {
					// Another waiter took this field.
					continue
				}
				params, ok, err := c.applyAutoHandlers(packetType, f)
				if err != nil {
					return nil, err
				}
				if !ok {
					continue
				}
				return params, nil
			}
		}
		// No surviving match in this packet; wait for the next one.
		id, ch = c.register()
	}
}

// Send serializes packetType with fields into a packet, assigning each
// field and the packet itself a monotonically increasing id from this
// connection's counter (field ids first, then the packet id), and writes
// it to the socket. Writing is handed straight to the transport.
func (c *Connection) Send(packetType string, fields ...FieldInput) (*ResponseHandle, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	pktFields := make([]packet.Field, len(fields))
	fieldIDs := make(map[string]uint32, len(fields))
	for i, fi := range fields {
		params := fi.Params
		if params == nil {
			params = packet.NewParams()
		}
		id := c.nextID()
		pktFields[i] = packet.Field{Name: fi.Name, ID: id, Params: params}
		fieldIDs[fi.Name] = id
	}
	if err := c.writePacket(packetType, pktFields); err != nil {
		return nil, err
	}

	return &ResponseHandle{conn: c, packetType: packetType, fieldIDs: fieldIDs}, nil
}

// SendReply serialises a single field answering a previously received
// one: the peer-assigned field id is reused so the peer's correlation by
// (packet-type, field-name, field-id) matches. The packet id is still a
// fresh draw from this connection's counter.
func (c *Connection) SendReply(packetType, fieldName string, fieldID uint32, params *packet.Params) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if params == nil {
		params = packet.NewParams()
	}
	return c.writePacket(packetType, []packet.Field{{Name: fieldName, ID: fieldID, Params: params}})
}

// writePacket stamps fields into a packet with a fresh packet id and
// writes it to the socket. Callers hold sendMu, so wire order equals the
// order of Send/SendReply calls on the connection.
func (c *Connection) writePacket(packetType string, fields []packet.Field) error {
	pktID := c.nextID()

	pkt := packet.Packet{
		Type:      packetType,
		ID:        pktID,
		Timestamp: time.Now().UTC(),
		Info:      c.opts.info,
		Fields:    fields,
	}

	buf, err := packet.Encode(pkt)
	if err != nil {
		return err
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrConnectionClosed
	}

	if _, err := c.conn.Write(buf); err != nil {
		return err
	}
	logger.T(c, fmt.Sprintf("sent packet type=%s id=%d fields=%d", packetType, pktID, len(fields)))
	return nil
}

// Execute sends one field and awaits the reply field of the same name.
func (c *Connection) Execute(ctx context.Context, packetType, fieldName string, params *packet.Params) (*packet.Params, error) {
	id, ch := c.register()
	handle, err := c.Send(packetType, FieldInput{Name: fieldName, Params: params})
	if err != nil {
		c.unregister(id)
		return nil, err
	}
	fieldID := handle.fieldIDs[fieldName]
	return c.recvRegistered(ctx, id, ch, packetType, fieldName, &fieldID)
}

// Fields streams every field of every packet this connection receives,
// independent of any RecvField correlation, for a handler that wants to
// drain unsolicited traffic. The returned channel is closed once the
// connection closes or ctx is done.
func (c *Connection) Fields(ctx context.Context) <-chan FieldEvent {
	out := make(chan FieldEvent)
	go func() {
		defer close(out)
		for {
			id, ch := c.register()
			select {
			case ev := <-ch:
				if ev.err != nil {
					select {
					case out <- FieldEvent{Err: ev.err}:
					case <-ctx.Done():
					}
					return
				}
				for _, f := range ev.pkt.Fields {
					select {
					case out <- FieldEvent{PacketType: ev.pkt.Type, Field: f}:
					case <-ctx.Done():
						return
					}
				}
			case <-ctx.Done():
				c.unregister(id)
				return
			}
		}
	}()
	return out
}

// Close cancels the reader, rejects all outstanding waiters with
// ErrConnectionClosed, and closes the socket. It is idempotent: the
// socket is closed exactly once no matter how many times Close is called
// or whether the reader already tore the connection down on a transport
// error.
func (c *Connection) Close() error {
	c.failAllWaiters(ErrConnectionClosed)

	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		// If no waiter ever registered, the reader never started and
		// nothing else will close doneCh.
		c.readerOnce.Do(func() { close(c.doneCh) })
		logger.T(c, "closed")
	})
	return err
}

// WaitClosed resolves once the reader task has stopped and every waiter
// has been rejected. Cancelling ctx does not affect the underlying
// shutdown, only this caller's wait.
func (c *Connection) WaitClosed(ctx context.Context) error {
	select {
	case <-c.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
