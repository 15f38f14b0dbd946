package consult

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/pipz"
)

// TokenCounter counts tokens in text. Implementations must be pure and synchronous.
type TokenCounter interface {
	Count(text string) int
}

// HeuristicCounter estimates one token per four characters, rounded up.
type HeuristicCounter struct{}

// Count returns ceil(runes/4).
func (HeuristicCounter) Count(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

// Price is the cost of one token in cost units (1 unit = 1e-9 USD).
type Price struct {
	Input  int64 `yaml:"input" json:"input"`
	Output int64 `yaml:"output" json:"output"`
}

// ComputeCost returns inputTokens*p.Input + outputTokens*p.Output.
func ComputeCost(p Price, inputTokens, outputTokens int) int64 {
	return int64(inputTokens)*p.Input + int64(outputTokens)*p.Output
}

// PriceTable maps a model identifier to its per-token price.
type PriceTable map[string]Price

// Cost returns the cost of a call, and false when the model has no price.
func (t PriceTable) Cost(model string, inputTokens, outputTokens int) (int64, bool) {
	p, ok := t[model]
	if !ok {
		return 0, false
	}
	return ComputeCost(p, inputTokens, outputTokens), true
}

// DefaultPrices returns list prices for the default models of the bundled providers.
func DefaultPrices() PriceTable {
	return PriceTable{
		"claude-sonnet-4-20250514":  {Input: 3000, Output: 15000},
		"claude-3-5-haiku-20241022": {Input: 800, Output: 4000},
		"gpt-4o":                    {Input: 2500, Output: 10000},
		"gpt-4o-mini":               {Input: 150, Output: 600},
		"gpt-3.5-turbo":             {Input: 500, Output: 1500},
		"gemini-1.5-flash":          {Input: 75, Output: 300},
		"gemini-1.5-pro":            {Input: 1250, Output: 5000},
	}
}

// TokenSource records where a usage record's token counts came from.
type TokenSource string

// Token sources.
const (
	TokenSourceProvider  TokenSource = "provider"
	TokenSourceEstimated TokenSource = "estimated"
)

// UsageRecord is the accounting entry for one model call. Records are append-only.
type UsageRecord struct {
	ID             string      `json:"id"`
	ConsultationID string      `json:"consultationId"`
	Feature        string      `json:"feature"`
	Model          string      `json:"model"`
	InputTokens    int         `json:"inputTokens"`
	OutputTokens   int         `json:"outputTokens"`
	CostUnits      int64       `json:"costUnits"`
	Source         TokenSource `json:"source"`
	PatientID      string      `json:"patientId"`
	Timestamp      time.Time   `json:"timestamp"`
}

// UsageStore persists usage records.
type UsageStore interface {
	Append(ctx context.Context, record UsageRecord) error
}

// MemoryUsageStore keeps usage records in memory.
type MemoryUsageStore struct {
	mu      sync.Mutex
	records []UsageRecord
}

// NewMemoryUsageStore creates an empty in-memory store.
func NewMemoryUsageStore() *MemoryUsageStore {
	return &MemoryUsageStore{}
}

// Append stores a copy of record.
func (s *MemoryUsageStore) Append(_ context.Context, record UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

// Records returns a copy of all stored records in append order.
func (s *MemoryUsageStore) Records() []UsageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]UsageRecord, len(s.records))
	copy(out, s.records)
	return out
}

// ByConsultation returns the records of one consultation in append order.
func (s *MemoryUsageStore) ByConsultation(_ context.Context, consultationID string) ([]UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []UsageRecord
	for _, r := range s.records {
		if r.ConsultationID == consultationID {
			out = append(out, r)
		}
	}
	return out, nil
}

// DefaultWriteTimeout bounds a single usage write.
const DefaultWriteTimeout = 5 * time.Second

// Ledger meters model calls and persists one usage record per provider response.
// Persistence runs in the background: it never blocks the call, never fails it,
// and is not cancelled with the request that triggered it.
type Ledger struct {
	store        UsageStore
	prices       PriceTable
	counter      TokenCounter
	clock        clockz.Clock
	writeTimeout time.Duration
	pending      sync.WaitGroup
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithClock sets the clock used for record timestamps.
func WithClock(clock clockz.Clock) LedgerOption {
	return func(l *Ledger) { l.clock = clock }
}

// WithTokenCounter sets the counter used when the provider reports no usage.
func WithTokenCounter(counter TokenCounter) LedgerOption {
	return func(l *Ledger) { l.counter = counter }
}

// WithWriteTimeout bounds each background write.
func WithWriteTimeout(d time.Duration) LedgerOption {
	return func(l *Ledger) { l.writeTimeout = d }
}

// NewLedger creates a ledger writing to store and pricing with prices.
// A nil store keeps records in memory.
func NewLedger(store UsageStore, prices PriceTable, opts ...LedgerOption) *Ledger {
	if store == nil {
		store = NewMemoryUsageStore()
	}
	if prices == nil {
		prices = DefaultPrices()
	}
	l := &Ledger{
		store:        store,
		prices:       prices,
		counter:      HeuristicCounter{},
		clock:        clockz.RealClock,
		writeTimeout: DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

var meterID = pipz.NewIdentity("usage-meter", "Records token usage for a completed call")

// Meter returns the pipeline step that records usage for a completed provider call.
// It never fails the request.
func (l *Ledger) Meter() pipz.Chainable[*SynapseRequest] {
	return pipz.Apply(meterID, func(ctx context.Context, req *SynapseRequest) (*SynapseRequest, error) {
		l.Record(ctx, req)
		return req, nil
	})
}

// Record builds the usage record for a completed call and persists it in the background.
func (l *Ledger) Record(ctx context.Context, req *SynapseRequest) UsageRecord {
	record := l.measure(req)

	if _, priced := l.prices[record.Model]; !priced {
		capitan.Emit(ctx, UsageFailed,
			UsageRecordIDKey.Field(record.ID),
			ConsultationIDKey.Field(record.ConsultationID),
			FeatureKey.Field(record.Feature),
			ModelKey.Field(record.Model),
			PriceMissingKey.Field(record.Model),
			ErrorKey.Field(fmt.Sprintf("no price for model %q, cost recorded as 0", record.Model)),
		)
	}

	l.persist(ctx, record)
	return record
}

// measure derives token counts and cost for req.
func (l *Ledger) measure(req *SynapseRequest) UsageRecord {
	record := UsageRecord{
		ID:             uuid.New().String(),
		ConsultationID: req.ConsultationID,
		Feature:        req.FeatureLabel(),
		Model:          req.Model,
		PatientID:      req.PatientID,
		Timestamp:      l.clock.Now(),
		Source:         TokenSourceProvider,
	}

	if req.Usage != nil && req.Usage.Prompt > 0 {
		record.InputTokens = req.Usage.Prompt
	} else {
		record.InputTokens = l.counter.Count(req.System) + l.counter.Count(req.Prompt.Render())
		record.Source = TokenSourceEstimated
	}
	if req.Usage != nil && req.Usage.Completion > 0 {
		record.OutputTokens = req.Usage.Completion
	} else {
		record.OutputTokens = l.counter.Count(req.Response)
		record.Source = TokenSourceEstimated
	}

	record.CostUnits, _ = l.prices.Cost(record.Model, record.InputTokens, record.OutputTokens)
	return record
}

// persist writes record on a detached goroutine with its own timeout.
func (l *Ledger) persist(ctx context.Context, record UsageRecord) {
	detached := context.WithoutCancel(ctx)
	l.pending.Add(1)
	go func() {
		defer l.pending.Done()

		wctx, cancel := context.WithTimeout(detached, l.writeTimeout)
		defer cancel()

		if err := l.store.Append(wctx, record); err != nil {
			capitan.Error(detached, UsageFailed,
				UsageRecordIDKey.Field(record.ID),
				ConsultationIDKey.Field(record.ConsultationID),
				FeatureKey.Field(record.Feature),
				ModelKey.Field(record.Model),
				ErrorKey.Field(fmt.Errorf("%w: %w", ErrUsageTracking, err).Error()),
			)
			return
		}

		capitan.Info(detached, UsageRecorded,
			UsageRecordIDKey.Field(record.ID),
			ConsultationIDKey.Field(record.ConsultationID),
			FeatureKey.Field(record.Feature),
			ModelKey.Field(record.Model),
			PromptTokensKey.Field(record.InputTokens),
			CompletionTokensKey.Field(record.OutputTokens),
			CostUnitsKey.Field(int(record.CostUnits)),
			TokenSourceKey.Field(string(record.Source)),
		)
	}()
}

// Wait blocks until every pending usage write has finished.
func (l *Ledger) Wait() {
	l.pending.Wait()
}
