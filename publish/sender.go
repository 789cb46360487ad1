package publish

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"humanoid-engine/fusion"
)

const (
	tcpQueueLen  = 1000
	dialTimeout  = 2 * time.Second
	writeTimeout = 5 * time.Second
	retryDelay   = 500 * time.Millisecond
)

type udpTarget struct {
	addr *net.UDPAddr
	flag uint32
}

type tcpClient struct {
	addr  string
	flag  uint32
	queue chan Message
	log   *zap.SugaredLogger
	wg    sync.WaitGroup

	dropped atomic.Int64
}

// Sender fans formatted state lines out to UDP targets and reconnecting TCP clients.
type Sender struct {
	log        *zap.SugaredLogger
	run        string
	seq        atomic.Uint64
	udpTargets []*udpTarget
	tcpClients []*tcpClient
	connUDP    *net.UDPConn
	header     []byte

	mu      sync.RWMutex
	running bool
}

var _ fusion.Publisher = (*Sender)(nil)

func NewSender(logger *zap.SugaredLogger) *Sender {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	run := uuid.New().String()[:8]
	return &Sender{log: logger.With("run", run), run: run}
}

// NewSenderFromConfig builds and starts a sender for the configured targets.
func NewSenderFromConfig(targets []fusion.SenderConfig, logger *zap.SugaredLogger) (*Sender, error) {
	s := NewSender(logger)
	var err error
	for i, t := range targets {
		addr := net.JoinHostPort(t.Addr, strconv.Itoa(t.Port))
		mask := t.Mask
		if mask == 0 {
			mask = FlagAll
		}
		switch strings.ToLower(t.Type) {
		case "", "udp":
			err = multierr.Append(err, errors.Wrapf(s.AddUDPSender(addr, mask), "publish[%d]", i))
		case "tcp":
			s.AddTCPSender(addr, mask)
		default:
			err = multierr.Append(err, errors.Errorf("publish[%d]: unknown type %q", i, t.Type))
		}
	}
	if err != nil {
		return nil, err
	}
	if err := s.Start(); err != nil {
		return nil, err
	}
	return s, nil
}

// RunID identifies this process in every line it sends.
func (s *Sender) RunID() string { return s.run }

func (s *Sender) SetHeader(hdr string) {
	if hdr == "" {
		s.header = nil
	} else {
		s.header = []byte(hdr + ":")
	}
}

func (s *Sender) AddUDPSender(addr string, flag uint32) error {
	uaddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return errors.Wrapf(err, "resolve %s", addr)
	}
	s.udpTargets = append(s.udpTargets, &udpTarget{addr: uaddr, flag: flag})
	return nil
}

func (s *Sender) AddTCPSender(addr string, flag uint32) {
	s.tcpClients = append(s.tcpClients, &tcpClient{
		addr:  addr,
		flag:  flag,
		queue: make(chan Message, tcpQueueLen),
		log:   s.log.With("target", addr),
	})
}

func (s *Sender) Start() error {
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return errors.Wrap(err, "listen udp")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connUDP = conn
	s.running = true
	for _, c := range s.tcpClients {
		c.start()
	}
	s.log.Infow("sender started", "udp", len(s.udpTargets), "tcp", len(s.tcpClients))
	return nil
}

// Close stops the TCP loops after they drain their queues.
func (s *Sender) Close() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	var err error
	if s.connUDP != nil {
		err = s.connUDP.Close()
	}
	for _, c := range s.tcpClients {
		c.stop()
		if n := c.dropped.Load(); n > 0 {
			s.log.Warnw("tcp messages dropped", "target", c.addr, "count", n)
		}
	}
	return err
}

// Publish sends every line of one state, all sharing a sequence number.
func (s *Sender) Publish(st fusion.BodyState) error {
	seq := s.seq.Add(1)
	var err error
	for _, m := range Messages(s.run, seq, st) {
		err = multierr.Append(err, s.Send(m.Data, m.Flag))
	}
	return err
}

// Send writes data to every target whose mask covers flag. TCP targets drop when their queue is full.
func (s *Sender) Send(data []byte, flag uint32) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return nil
	}

	msgData := data
	if len(s.header) > 0 {
		msgData = make([]byte, len(s.header)+len(data))
		copy(msgData, s.header)
		copy(msgData[len(s.header):], data)
	}

	var err error
	for _, t := range s.udpTargets {
		if (t.flag & flag) == flag {
			if _, werr := s.connUDP.WriteToUDP(msgData, t.addr); werr != nil {
				err = multierr.Append(err, errors.Wrapf(werr, "udp %s", t.addr))
			}
		}
	}

	msg := Message{Data: msgData, Flag: flag}
	for _, c := range s.tcpClients {
		if (c.flag & flag) == flag {
			select {
			case c.queue <- msg:
			default:
				c.dropped.Add(1)
			}
		}
	}
	return err
}

func (c *tcpClient) start() {
	c.wg.Add(1)
	go c.loop()
}

func (c *tcpClient) stop() {
	close(c.queue)
	c.wg.Wait()
}

func (c *tcpClient) loop() {
	defer c.wg.Done()
	var conn net.Conn

	connect := func() bool {
		if conn != nil {
			return true
		}
		var err error
		conn, err = net.DialTimeout("tcp", c.addr, dialTimeout)
		if err != nil {
			conn = nil
			return false
		}
		c.log.Infow("tcp connected")
		return true
	}

	for msg := range c.queue {
		if !connect() {
			time.Sleep(retryDelay)
			if !connect() {
				c.dropped.Add(1)
				continue
			}
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := conn.Write(msg.Data); err != nil {
			c.log.Warnw("tcp write failed", "error", err)
			conn.Close()
			conn = nil
		}
	}
	if conn != nil {
		conn.Close()
	}
}
