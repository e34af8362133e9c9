// Package stream runs an authenticated user data websocket and turns its
// frames into venue stream events.
package stream

import (
	"context"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tradeconn/internal/obs"
	"tradeconn/internal/venue"
	"tradeconn/pkg/exception"
)

const (
	DefaultPingInterval = 20 * time.Second
	DefaultReadTimeout  = 60 * time.Second
	DefaultDialAttempts = 5
)

// Parser turns one frame into events. Frames without order, trade or
// balance data yield nothing.
type Parser func(msg []byte) ([]venue.StreamEvent, error)

// Handshake returns the frames written right after connecting, such as
// login and subscribe requests. Each frame is sent as JSON.
type Handshake func(ctx context.Context) ([]any, error)

type Config struct {
	// URL resolves the endpoint before every dial, so listen-key venues can renew it.
	URL       func(ctx context.Context) (string, error)
	Header    http.Header
	Handshake Handshake
	Parse     Parser

	PingInterval time.Duration
	// ReadTimeout closes a connection that delivered nothing, not even a pong.
	ReadTimeout  time.Duration
	DialAttempts uint

	// Keepalive runs every KeepaliveInterval while connected.
	Keepalive         func(ctx context.Context) error
	KeepaliveInterval time.Duration
}

// Source is a venue.StreamSource over one websocket connection per Run.
type Source struct {
	cfg     Config
	dialer  *websocket.Dialer
	metrics *obs.Metrics
}

func New(cfg Config, metrics *obs.Metrics) (*Source, error) {
	var problems []string
	if cfg.URL == nil {
		problems = append(problems, "stream url resolver is nil")
	}
	if cfg.Parse == nil {
		problems = append(problems, "stream parser is nil")
	}
	if err := exception.NewFatalConfig(problems...); err != nil {
		return nil, err
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.DialAttempts == 0 {
		cfg.DialAttempts = DefaultDialAttempts
	}
	return &Source{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		metrics: metrics,
	}, nil
}

// Run connects and emits events until the connection ends.
// It returns nil only when ctx is done.
func (s *Source) Run(ctx context.Context, emit func(venue.StreamEvent)) error {
	conn, err := s.dial(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		_ = conn.Close()
	}()

	if err := s.handshake(connCtx, conn); err != nil {
		return err
	}
	go s.ping(connCtx, conn, cancel)
	if s.cfg.Keepalive != nil && s.cfg.KeepaliveInterval > 0 {
		go s.keepalive(connCtx)
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(exception.ErrStreamClosed, err.Error())
		}
		s.metrics.Inc(obs.CounterStreamMessages)

		events, err := s.cfg.Parse(msg)
		if err != nil {
			logs.Warnf("ignore malformed stream message, err: %+v, msg: %s", err, msg)
			continue
		}
		for _, e := range events {
			emit(e)
		}
	}
}

func (s *Source) dial(ctx context.Context) (*websocket.Conn, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	return backoff.Retry(ctx, func() (*websocket.Conn, error) {
		url, err := s.cfg.URL(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "resolve stream url")
		}
		conn, resp, err := s.dialer.DialContext(ctx, url, s.cfg.Header)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return nil, backoff.Permanent(errors.Wrapf(err, "dial stream, status: %d", resp.StatusCode))
			}
			logs.Warnf("dial stream, err: %+v", err)
			return nil, errors.Wrap(err, "dial stream")
		}
		return conn, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(s.cfg.DialAttempts))
}

func (s *Source) handshake(ctx context.Context, conn *websocket.Conn) error {
	if s.cfg.Handshake == nil {
		return nil
	}
	frames, err := s.cfg.Handshake(ctx)
	if err != nil {
		return errors.Wrap(err, "build stream handshake")
	}
	for _, f := range frames {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(f); err != nil {
			return errors.Wrap(exception.ErrStreamClosed, "write handshake: "+err.Error())
		}
	}
	return nil
}

func (s *Source) ping(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				logs.Warnf("send stream ping, err: %+v", err)
				cancel()
				return
			}
		}
	}
}

func (s *Source) keepalive(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.cfg.Keepalive(ctx); err != nil && ctx.Err() == nil {
				logs.Warnf("stream keepalive, err: %+v", err)
			}
		}
	}
}
