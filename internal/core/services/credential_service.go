package services

import (
	"context"
	"time"

	"telesignal/internal/core/domain"
	"telesignal/internal/core/ports"
	"telesignal/pkg/circuitbreaker"
	"telesignal/pkg/tracing"

	"go.uber.org/zap"
)

// CredentialService decides which ICE servers a browser should use. Relay
// credentials are requested at most once per call and only in production;
// every failure degrades to the public STUN servers.
type CredentialService struct {
	source  ports.ICEServerSource
	apiKey  string
	timeout time.Duration
	policy  domain.ICEPolicy
	breaker *circuitbreaker.CircuitBreaker
	metrics ports.SignalingMetrics
	logger  *zap.SugaredLogger
}

var _ ports.CredentialProvider = (*CredentialService)(nil)

type CredentialServiceConfig struct {
	APIKey  string
	Timeout time.Duration
	Policy  domain.ICEPolicy
	Breaker circuitbreaker.Config
}

const defaultCredentialTimeout = 10 * time.Second

func NewCredentialService(source ports.ICEServerSource, cfg CredentialServiceConfig, logger *zap.SugaredLogger) *CredentialService {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCredentialTimeout
	}

	s := &CredentialService{
		source:  source,
		apiKey:  cfg.APIKey,
		timeout: cfg.Timeout,
		policy:  cfg.Policy,
		breaker: circuitbreaker.New(cfg.Breaker),
		logger:  logger,
	}

	s.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("credential upstream circuit changed state",
			"from", from.String(),
			"to", to.String(),
		)
	})

	return s
}

// SetMetrics must be called before serving.
func (s *CredentialService) SetMetrics(metrics ports.SignalingMetrics) {
	s.metrics = metrics
}

// CircuitStats reports the state of the breaker guarding the upstream.
func (s *CredentialService) CircuitStats() circuitbreaker.Stats {
	return s.breaker.Stats()
}

func (s *CredentialService) GetCredentials(ctx context.Context, env domain.Environment) *domain.ICEServerSet {
	start := time.Now()

	servers, source := s.resolve(ctx, env)

	if s.metrics != nil {
		s.metrics.RecordCredentialRequest(source, time.Since(start))
	}

	return &domain.ICEServerSet{
		ICEServers:         servers,
		ICETransportPolicy: s.policy.ICETransportPolicy,
		BundlePolicy:       s.policy.BundlePolicy,
		RTCPMuxPolicy:      s.policy.RTCPMuxPolicy,
	}
}

func (s *CredentialService) resolve(ctx context.Context, env domain.Environment) ([]domain.ICEServer, domain.CredentialSource) {
	if !env.IsProduction() {
		return domain.FallbackICEServers(), domain.CredentialSourceFallback
	}

	servers, err := s.fetchUpstream(ctx)
	if err != nil {
		s.logger.Warnw("relay credentials unavailable, falling back to STUN",
			"environment", env,
			"error", err,
		)
		return domain.FallbackICEServers(), domain.CredentialSourceFallback
	}

	return servers, domain.CredentialSourceUpstream
}

func (s *CredentialService) fetchUpstream(ctx context.Context) ([]domain.ICEServer, error) {
	if s.apiKey == "" || s.source == nil {
		return nil, domain.ErrMissingAPIKey
	}

	ctx, span := tracing.TraceCredentialFetch(ctx)
	defer span.End()

	fetchCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// The breaker watches the caller's context so an abandoned request is not
	// charged to the upstream; the fetch timeout still is.
	var servers []domain.ICEServer
	err := s.breaker.Execute(ctx, func() error {
		var fetchErr error
		servers, fetchErr = s.source.FetchICEServers(fetchCtx)
		return fetchErr
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	return servers, nil
}
