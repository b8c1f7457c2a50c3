package discovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kmbridge/kmbridge/internal/devices"
	"github.com/kmbridge/kmbridge/internal/models"
	"github.com/kmbridge/kmbridge/internal/snmp"
)

// Result is one discovered printer. AuthErr is set when the device
// answered but every credential candidate was rejected.
type Result struct {
	Address       string
	SysDescr      string
	Model         string
	Adapter       models.AdapterKind
	Password      string
	PasswordFound bool
	AuthErr       error
}

// Scanner probes address ranges for fleet printers. It has no side
// effects: results go back to the caller, which decides what to
// register.
type Scanner struct {
	prober      snmp.Prober
	logger      *slog.Logger
	credentials []CredentialList
	parallelism int
	webPort     int
	httpTimeout time.Duration
}

func NewScanner(prober snmp.Prober, credentials []CredentialList, parallelism, webPort int, httpTimeout time.Duration, logger *slog.Logger) *Scanner {
	if parallelism <= 0 {
		parallelism = 20
	}
	return &Scanner{
		prober:      prober,
		logger:      logger.With(slog.String("component", "discovery")),
		credentials: credentials,
		parallelism: parallelism,
		webPort:     webPort,
		httpTimeout: httpTimeout,
	}
}

// Scan expands the target and probes every address in it.
func (s *Scanner) Scan(ctx context.Context, target string) ([]Result, error) {
	addresses, err := ExpandTarget(target)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "starting network scan",
		slog.String("target", target),
		slog.Int("addresses", len(addresses)),
	)
	return s.ScanAddresses(ctx, addresses), nil
}

// ScanAddresses probes a fixed address list with bounded concurrency.
// Addresses that do not answer SNMP or do not belong to the fleet's
// manufacturer are skipped silently.
func (s *Scanner) ScanAddresses(ctx context.Context, addresses []string) []Result {
	sem := make(chan struct{}, s.parallelism)
	resultCh := make(chan Result, len(addresses))

	var wg sync.WaitGroup
	for _, addr := range addresses {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(address string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if r, ok := s.scanOne(ctx, address); ok {
				resultCh <- r
			}
		}(addr)
	}
	wg.Wait()
	close(resultCh)

	var results []Result
	for r := range resultCh {
		results = append(results, r)
	}
	s.logger.InfoContext(ctx, "network scan finished",
		slog.Int("scanned", len(addresses)),
		slog.Int("found", len(results)),
	)
	return results
}

func (s *Scanner) scanOne(ctx context.Context, address string) (Result, bool) {
	info, err := s.prober.Describe(address)
	if err != nil {
		// Not answering SNMP means not a fleet device; stay quiet.
		return Result{}, false
	}

	model, kind, ok := Classify(info.SysDescr)
	if !ok {
		return Result{}, false
	}

	r := Result{
		Address:  address,
		SysDescr: info.SysDescr,
		Model:    model,
		Adapter:  kind,
	}
	s.logger.DebugContext(ctx, "printer identified",
		slog.String("address", address),
		slog.String("model", model),
		slog.String("adapter", string(kind)),
	)

	if kind == models.AdapterDirect || kind == models.AdapterManaged {
		password, found, authErr := s.probeCredentials(ctx, address, model, kind)
		r.Password = password
		r.PasswordFound = found
		r.AuthErr = authErr
	}

	return r, true
}

// probeCredentials walks the candidate password list until one is
// accepted. An exhausted list is an authentication failure, not an
// unreachable device.
func (s *Scanner) probeCredentials(ctx context.Context, address, model string, kind models.AdapterKind) (string, bool, error) {
	var lastErr error
	for _, password := range CredentialCandidates(model, s.credentials) {
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}

		probe := &models.Device{
			ID:            "probe-" + address,
			Address:       address,
			Adapter:       kind,
			AdminPassword: password,
		}
		adapter, err := devices.New(probe, devices.Options{
			SNMP:        s.prober,
			WebPort:     s.webPort,
			HTTPTimeout: s.httpTimeout,
		})
		if err != nil {
			return "", false, err
		}

		err = adapter.Authenticate(ctx)
		if err == nil {
			return password, true, nil
		}
		if devices.IsKind(err, devices.KindUnreachable) {
			// The web interface is down; no point trying more
			// passwords against it.
			return "", false, err
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = devices.Ef(devices.KindAuthFailed, "", "no credential candidates for model %q", model)
	}
	return "", false, lastErr
}
