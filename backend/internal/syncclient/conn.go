package syncclient

import (
	"context"
	"encoding/json"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"clinicRealtime/backend/internal/protocol"
)

// Handler 处理某个主题的入站消息。
type Handler func(env protocol.Envelope)

// Transport 是四个上层组件看到的连接句柄。
// 组件只通过它收发，自己不开第二条连接；单测时可以换成假实现。
type Transport interface {
	Send(cmdType string, payload any) error
	SendAsync(cmdType string, payload any)
	OnMessage(topic string, h Handler)
	AddReplay(key, cmdType string, payload any)
	RemoveReplay(key string)
	IsConnected() bool
}

type Options struct {
	HeartbeatInterval time.Duration
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	HandshakeTimeout  time.Duration

	OnConnect    func()
	OnDisconnect func()
}

func (o *Options) fill() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 15 * time.Second
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
}

// Conn 持有到同步后端的唯一一条 WebSocket 连接。
// 意外断开后无限重连（指数退避加抖动），直到显式 Disconnect；
// 每次连上都会重放已注册的订阅命令，上层组件随后会收到各主题的
// 权威快照，自己不需要任何重连逻辑。
//
// 生命周期是一次性的：Disconnect 之后这个 Conn 不再可用。
type Conn struct {
	endpoint string
	opts     Options
	dialer   *websocket.Dialer

	mu          sync.Mutex
	ws          *websocket.Conn
	send        chan []byte
	handlers    map[string]Handler
	replay      map[string]protocol.Command
	replayOrder []string
	connected   bool
	connecting  bool
	manual      bool
	started     bool
	lastMsg     *protocol.Envelope

	done chan struct{}
}

func NewConn(endpoint string, opts Options) *Conn {
	opts.fill()
	return &Conn{
		endpoint: endpoint,
		opts:     opts,
		dialer:   &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
		handlers: make(map[string]Handler),
		replay:   make(map[string]protocol.Command),
		done:     make(chan struct{}),
	}
}

// Connect 启动连接循环。重复调用是幂等的。
func (c *Conn) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.started || c.manual {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()
	go c.run(ctx)
}

// Disconnect 主动断开并终止重连循环。
func (c *Conn) Disconnect() {
	c.mu.Lock()
	if c.manual {
		c.mu.Unlock()
		return
	}
	c.manual = true
	ws := c.ws
	c.connected = false
	c.connecting = false
	c.mu.Unlock()
	close(c.done)
	if ws != nil {
		_ = ws.Close()
	}
}

// Reconnect 立即断开当前物理连接，触发下一轮重连。
func (c *Conn) Reconnect() {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		_ = ws.Close()
	}
}

func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Conn) IsConnecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connecting
}

// LastMessage 返回最近一条入站消息，没有则返回 nil。
func (c *Conn) LastMessage() *protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastMsg
}

// OnMessage 注册主题处理器。每个主题一个 owner，后注册的覆盖先注册的。
func (c *Conn) OnMessage(topic string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = h
}

// AddReplay 注册一条在每次（重）连接成功后重放的命令，key 用于撤销。
func (c *Conn) AddReplay(key, cmdType string, payload any) {
	cmd, err := buildCommand(cmdType, payload)
	if err != nil {
		log.Printf("syncclient: build replay command %s: %v", cmdType, err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.replay[key]; !ok {
		c.replayOrder = append(c.replayOrder, key)
	}
	c.replay[key] = cmd
}

func (c *Conn) RemoveReplay(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.replay[key]; !ok {
		return
	}
	delete(c.replay, key)
	for i, k := range c.replayOrder {
		if k == key {
			c.replayOrder = append(c.replayOrder[:i], c.replayOrder[i+1:]...)
			break
		}
	}
}

// Send 发送一条命令。未连接时直接报错，由调用方决定要不要提示用户。
func (c *Conn) Send(cmdType string, payload any) error {
	cmd, err := buildCommand(cmdType, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	c.mu.Lock()
	send := c.send
	connected := c.connected
	c.mu.Unlock()
	if !connected || send == nil {
		return ErrNotConnected
	}
	select {
	case send <- data:
		return nil
	case <-time.After(2 * time.Second):
		return ErrNotConnected
	case <-c.done:
		return ErrNotConnected
	}
}

// SendAsync 发后即忘：未连接或队列满时直接丢弃（光标、心跳这类消息丢了无害）。
func (c *Conn) SendAsync(cmdType string, payload any) {
	cmd, err := buildCommand(cmdType, payload)
	if err != nil {
		return
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return
	}
	c.mu.Lock()
	send := c.send
	c.mu.Unlock()
	if send == nil {
		return
	}
	select {
	case send <- data:
	default:
	}
}

func buildCommand(cmdType string, payload any) (protocol.Command, error) {
	cmd := protocol.Command{Type: cmdType}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return cmd, err
		}
		cmd.Payload = b
	}
	return cmd, nil
}

func (c *Conn) run(ctx context.Context) {
	attempt := 0
	for {
		if c.stopped(ctx) {
			return
		}
		c.mu.Lock()
		c.connecting = true
		c.mu.Unlock()

		ws, resp, err := c.dialer.DialContext(ctx, c.endpoint, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			c.mu.Lock()
			c.connecting = false
			c.mu.Unlock()
			log.Printf("syncclient: dial %s: %v", c.endpoint, err)
			if !c.waitBackoff(ctx, attempt) {
				return
			}
			attempt++
			continue
		}
		attempt = 0

		send := make(chan []byte, 64)
		c.mu.Lock()
		if c.manual {
			c.mu.Unlock()
			_ = ws.Close()
			return
		}
		c.ws = ws
		c.send = send
		c.connected = true
		c.connecting = false
		c.mu.Unlock()

		if c.opts.OnConnect != nil {
			c.opts.OnConnect()
		}
		c.replayAll(send)

		stop := make(chan struct{})
		go c.writeLoop(ws, send, stop)
		go c.heartbeatLoop(stop)
		c.readLoop(ws)
		close(stop)

		c.mu.Lock()
		c.connected = false
		c.ws = nil
		c.send = nil
		c.mu.Unlock()
		if c.opts.OnDisconnect != nil {
			c.opts.OnDisconnect()
		}

		if c.stopped(ctx) {
			return
		}
		if !c.waitBackoff(ctx, attempt) {
			return
		}
		attempt++
	}
}

func (c *Conn) stopped(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-c.done:
		return true
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.manual
}

// waitBackoff 按尝试次数退避：base × 2^attempt，封顶 max，±20% 抖动。
func (c *Conn) waitBackoff(ctx context.Context, attempt int) bool {
	d := c.opts.MaxBackoff
	if attempt < 20 {
		d = c.opts.BaseBackoff * time.Duration(1<<attempt)
		if d > c.opts.MaxBackoff {
			d = c.opts.MaxBackoff
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d)*2/5+1)) - d/5
	select {
	case <-time.After(d + jitter):
		return true
	case <-c.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *Conn) replayAll(send chan []byte) {
	c.mu.Lock()
	cmds := make([]protocol.Command, 0, len(c.replayOrder))
	for _, key := range c.replayOrder {
		cmds = append(cmds, c.replay[key])
	}
	c.mu.Unlock()
	for _, cmd := range cmds {
		data, err := json.Marshal(cmd)
		if err != nil {
			continue
		}
		select {
		case send <- data:
		default:
			log.Printf("syncclient: replay queue full, dropped %s", cmd.Type)
		}
	}
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			_ = ws.Close()
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			// 协议错误逐条丢弃，连接不受影响
			log.Printf("syncclient: %v: %v", ErrProtocol, err)
			continue
		}
		c.mu.Lock()
		c.lastMsg = &env
		h := c.handlers[env.Topic]
		c.mu.Unlock()
		if h == nil {
			if env.Topic == protocol.TopicError {
				var ep protocol.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				log.Printf("syncclient: server error %s: %s", ep.Code, ep.Message)
			} else {
				log.Printf("syncclient: unroutable topic %q", env.Topic)
			}
			continue
		}
		c.safeHandle(h, env)
	}
}

// 处理器不允许把 panic 抛回读循环。
func (c *Conn) safeHandle(h Handler, env protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("syncclient: handler panic on topic %q: %v", env.Topic, r)
		}
	}()
	h(env)
}

func (c *Conn) writeLoop(ws *websocket.Conn, send chan []byte, stop chan struct{}) {
	for {
		select {
		case data := <-send:
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = ws.Close()
				return
			}
		case <-stop:
			return
		}
	}
}

func (c *Conn) heartbeatLoop(stop chan struct{}) {
	t := time.NewTicker(c.opts.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.SendAsync(protocol.CmdHeartbeat, nil)
		case <-stop:
			return
		}
	}
}
