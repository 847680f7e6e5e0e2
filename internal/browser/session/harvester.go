package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-scriptlets/api/schemas"
)

// Transport executes requests on behalf of a page.
type Transport interface {
	ExecuteFetch(ctx context.Context, req schemas.FetchRequest) (*schemas.FetchResponse, error)
}

type initiatorKey struct{}

// WithInitiator labels the requests made with ctx ("document", "script",
// "fetch") in the harvested records.
func WithInitiator(ctx context.Context, initiator string) context.Context {
	return context.WithValue(ctx, initiatorKey{}, initiator)
}

func initiatorFrom(ctx context.Context) string {
	if v, ok := ctx.Value(initiatorKey{}).(string); ok {
		return v
	}
	return "fetch"
}

// Harvester records every request that reaches the transport. Requests a
// scriptlet answers itself never get here, which is what makes the records
// useful next to the interception events.
type Harvester struct {
	transport Transport
	logger    *zap.Logger
	clock     func() time.Time

	mu             sync.Mutex
	records        []schemas.RequestRecord
	activeRequests int
}

// NewHarvester wraps transport.
func NewHarvester(transport Transport, logger *zap.Logger) *Harvester {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Harvester{
		transport: transport,
		logger:    logger.Named("harvester"),
		clock:     time.Now,
		records:   make([]schemas.RequestRecord, 0),
	}
}

// ExecuteFetch executes the request and records the transaction.
func (h *Harvester) ExecuteFetch(ctx context.Context, req schemas.FetchRequest) (*schemas.FetchResponse, error) {
	h.trackActivity(true)
	defer h.trackActivity(false)

	start := h.clock()
	resp, err := h.transport.ExecuteFetch(ctx, req)

	record := schemas.RequestRecord{
		Method:    req.Method,
		URL:       req.URL,
		Duration:  h.clock().Sub(start),
		Initiator: initiatorFrom(ctx),
	}
	if record.Method == "" {
		record.Method = "GET"
	}
	if err != nil {
		record.Error = err.Error()
		h.logger.Debug("Request failed", zap.String("url", req.URL), zap.Error(err))
	} else {
		record.Status = resp.Status
		record.Bytes = len(resp.Body)
	}

	h.mu.Lock()
	h.records = append(h.records, record)
	h.mu.Unlock()
	return resp, err
}

// trackActivity updates the count of in-flight requests.
func (h *Harvester) trackActivity(start bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if start {
		h.activeRequests++
		return
	}
	h.activeRequests--
	if h.activeRequests < 0 {
		h.activeRequests = 0
	}
}

// Active reports how many requests are in flight.
func (h *Harvester) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.activeRequests
}

// Records returns a copy of everything harvested so far.
func (h *Harvester) Records() []schemas.RequestRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]schemas.RequestRecord, len(h.records))
	copy(out, h.records)
	return out
}
