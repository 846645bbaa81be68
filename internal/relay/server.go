package relay

import (
	"context"
	"errors"
	"fmt"
	"geogate/internal/config"
	"geogate/internal/metrics"
	"geogate/internal/policy"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

const maxAcceptDelay = time.Second

// Server accepts client connections, admits or rejects each one by the
// client's country and forwards admitted connections to the target.
type Server struct {
	name            string
	listenAddress   string
	targetHost      string
	targetPort      int
	rules           policy.Rules
	dialTimeout     time.Duration
	shutdownTimeout time.Duration

	locator  CountryLookup
	resolver Resolver
	metrics  *metrics.Metrics

	handlers sync.WaitGroup
}

// NewServer creates a relay for cfg. resolver may be nil, in which case the
// target host is resolved by the system resolver at dial time.
func NewServer(cfg *config.Config, locator CountryLookup, m *metrics.Metrics, resolver Resolver) *Server {
	return &Server{
		name:            "geogate",
		listenAddress:   cfg.ListenAddress(),
		targetHost:      cfg.TargetHost,
		targetPort:      cfg.TargetPort,
		rules:           cfg.Rules(),
		dialTimeout:     time.Duration(cfg.DialTimeout),
		shutdownTimeout: time.Duration(cfg.ShutdownTimeout),
		locator:         locator,
		resolver:        resolver,
		metrics:         m,
	}
}

// Name returns the name of the service.
func (s *Server) Name() string { return s.name }

// Start binds the listen address and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.listenAddress)
	if err != nil {
		return fmt.Errorf("relay failed to listen on %s: %w", s.listenAddress, err)
	}
	log.Info().
		Str("address", listener.Addr().String()).
		Str("target", s.targetAddress()).
		Strs("block_if_in", s.rules.BlockIfIn.Codes()).
		Strs("block_if_not_in", s.rules.BlockIfNotIn.Codes()).
		Msg("Relay listening")
	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener until ctx is cancelled or the
// listener fails. It closes the listener before returning. Sessions still
// running at cancellation get the shutdown timeout to finish before they are
// closed.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	sessionCtx, killSessions := context.WithCancel(context.Background())
	defer killSessions()

	stopWatch := context.AfterFunc(ctx, func() { listener.Close() })
	defer stopWatch()

	err := s.acceptLoop(ctx, listener, sessionCtx)
	listener.Close()

	if !s.drain(s.shutdownTimeout) {
		log.Warn().Dur("timeout", s.shutdownTimeout).Msg("Sessions still active after shutdown timeout, closing them")
		killSessions()
		s.handlers.Wait()
	}
	return err
}

func (s *Server) acceptLoop(ctx context.Context, listener net.Listener, sessionCtx context.Context) error {
	var tempDelay time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Temporary() { //nolint:staticcheck // accept(2) still reports EMFILE and friends this way
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if tempDelay > maxAcceptDelay {
					tempDelay = maxAcceptDelay
				}
				log.Error().Err(err).Dur("retry_in", tempDelay).Msg("Accept error, retrying")
				select {
				case <-time.After(tempDelay):
				case <-ctx.Done():
					return nil
				}
				continue
			}
			return fmt.Errorf("relay accept failed: %w", err)
		}
		tempDelay = 0

		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			s.handle(sessionCtx, conn)
		}()
	}
}

// drain waits up to timeout for all handlers to return.
func (s *Server) drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// handle runs one connection through admission, dial and forwarding. The
// client connection is closed on every path.
func (s *Server) handle(sessionCtx context.Context, client net.Conn) {
	info := clientInfo(client)
	logger := log.With().IPAddr("client_ip", info.IP).Int("client_port", info.Port).Logger()
	logger.Info().Msg("Connection received")

	country := s.locator.Lookup(info.IP)
	decision := policy.Evaluate(country, s.rules)
	s.metrics.ObserveAdmission(string(decision.Action), decision.Rule, country)

	logger = logger.With().Str("country", country).Logger()
	if decision.Blocked() {
		logger.Warn().Str("policy_action", string(decision.Action)).Str("rule_name", decision.Rule).Msg("Connection rejected")
		client.Close()
		return
	}
	logger.Info().Str("policy_action", string(decision.Action)).Str("rule_name", decision.Rule).
		Str("target", s.targetAddress()).Msg("Connection allowed, forwarding")

	dialCtx, cancel := context.WithTimeout(sessionCtx, s.dialTimeout)
	target, err := s.dial(dialCtx)
	cancel()
	if err != nil {
		reason := dialFailureReason(err)
		s.metrics.ObserveDialFailure(reason)
		logger.Error().Err(err).Str("reason", reason).Str("target", s.targetAddress()).Msg("Failed to connect to target")
		client.Close()
		return
	}

	stop := context.AfterFunc(sessionCtx, func() {
		client.Close()
		target.Close()
	})
	defer stop()

	s.metrics.ActiveSessions.Inc()
	defer s.metrics.ActiveSessions.Dec()

	started := time.Now()
	res := Forward(client, target)
	elapsed := time.Since(started)
	s.metrics.ObserveSession(res.BytesAToB, res.BytesBToA, elapsed)

	if res.ErrAToB != nil {
		logger.Debug().Err(res.ErrAToB).Msg("client->target forwarding error")
	}
	if res.ErrBToA != nil {
		logger.Debug().Err(res.ErrBToA).Msg("target->client forwarding error")
	}
	logger.Info().Int64("bytes_up", res.BytesAToB).Int64("bytes_down", res.BytesBToA).
		Dur("duration", elapsed).Msg("Connection closed")
}

// dial connects to the target, resolving its host through the configured
// resolver when the host is not an IP literal.
func (s *Server) dial(ctx context.Context) (net.Conn, error) {
	addr := s.targetAddress()
	if s.resolver != nil && net.ParseIP(s.targetHost) == nil {
		ip, err := s.resolver.Resolve(ctx, s.targetHost)
		if err != nil {
			return nil, &resolveError{host: s.targetHost, err: err}
		}
		addr = net.JoinHostPort(ip.String(), strconv.Itoa(s.targetPort))
	}
	d := net.Dialer{Timeout: s.dialTimeout}
	return d.DialContext(ctx, "tcp", addr)
}

func (s *Server) targetAddress() string {
	return net.JoinHostPort(s.targetHost, strconv.Itoa(s.targetPort))
}

type resolveError struct {
	host string
	err  error
}

func (e *resolveError) Error() string {
	return fmt.Sprintf("could not resolve target host %s: %v", e.host, e.err)
}

func (e *resolveError) Unwrap() error { return e.err }

func dialFailureReason(err error) string {
	var re *resolveError
	var ne net.Error
	switch {
	case errors.As(err, &re):
		return "resolve"
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return "timeout"
	case errors.Is(err, syscall.ECONNREFUSED):
		return "refused"
	case errors.Is(err, context.Canceled):
		return "shutdown"
	default:
		return "error"
	}
}
