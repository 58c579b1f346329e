// Package fraud flags anomalous login and purchase activity with sliding-window heuristics. The
// windows are an in-process, advisory cache; the audit trail is the record of what happened.
package fraud

import (
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/imrishuroy/go-goods-ledger/internal/audit"
	"github.com/imrishuroy/go-goods-ledger/internal/money"
)

// Reasons reported in verdicts.
const (
	ReasonFailedLogins    = "failed_logins"
	ReasonLoginOrigins    = "login_origins"
	ReasonPurchaseVolume  = "purchase_volume"
	ReasonHighValue       = "high_value"
	ReasonVelocity        = "velocity"
	ReasonPurchaseOrigins = "purchase_origins"
	ReasonAmountSpike     = "amount_spike"
)

// Config holds the heuristic thresholds.
type Config struct {
	LoginWindow       time.Duration
	MaxFailedLogins   int
	OriginAttempts    int
	MaxLoginOrigins   int
	PurchaseWindow    time.Duration
	MaxPurchases      int
	HighValue         money.Amount
	VelocityCount     int
	VelocitySpan      time.Duration
	SpikeFactor       int64
	MaxEventsPerActor int
	MaxActors         int
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		LoginWindow:       10 * time.Minute,
		MaxFailedLogins:   5,
		OriginAttempts:    3,
		MaxLoginOrigins:   2,
		PurchaseWindow:    24 * time.Hour,
		MaxPurchases:      20,
		HighValue:         money.MustParse("1000.00"),
		VelocityCount:     3,
		VelocitySpan:      5 * time.Minute,
		SpikeFactor:       5,
		MaxEventsPerActor: 256,
		MaxActors:         100000,
	}
}

// ActorMeta describes where an event came from.
type ActorMeta struct {
	IP        string
	UserAgent string
}

// Verdict is the outcome of a heuristic evaluation.
type Verdict struct {
	Suspicious bool
	Reasons    []string
}

// Recorder accepts audit events; *audit.Recorder satisfies it.
type Recorder interface {
	Record(e audit.Event)
}

// Sentinel owns the login and purchase windows.
type Sentinel struct {
	cfg       Config
	logins    *window
	purchases *window
	audit     Recorder
	logger    *zap.Logger
	nowFunc   func() time.Time
}

// NewSentinel builds a Sentinel. rec may be nil.
func NewSentinel(cfg Config, rec Recorder, logger *zap.Logger) *Sentinel {
	d := DefaultConfig()
	if cfg.MaxEventsPerActor <= 0 {
		cfg.MaxEventsPerActor = d.MaxEventsPerActor
	}
	if cfg.MaxActors <= 0 {
		cfg.MaxActors = d.MaxActors
	}
	if cfg.SpikeFactor <= 0 {
		cfg.SpikeFactor = d.SpikeFactor
	}
	return &Sentinel{
		cfg:       cfg,
		logins:    newWindow(cfg.LoginWindow, cfg.MaxEventsPerActor, cfg.MaxActors),
		purchases: newWindow(cfg.PurchaseWindow, cfg.MaxEventsPerActor, cfg.MaxActors),
		audit:     rec,
		logger:    logger,
		nowFunc:   time.Now,
	}
}

// RecordLogin adds a login attempt and evaluates the login heuristics for email.
func (s *Sentinel) RecordLogin(email string, success bool, meta ActorMeta) Verdict {
	now := s.nowFunc()
	events := s.logins.add(email, event{at: now, success: success, origin: originOf(meta.IP)})

	var v Verdict
	failures := 0
	origins := map[string]struct{}{}
	for _, e := range events {
		if !e.success {
			failures++
		}
		if e.origin != "" {
			origins[e.origin] = struct{}{}
		}
	}
	if failures >= s.cfg.MaxFailedLogins {
		v.flag(ReasonFailedLogins)
	}
	if len(events) >= s.cfg.OriginAttempts && len(origins) > s.cfg.MaxLoginOrigins {
		v.flag(ReasonLoginOrigins)
	}

	e := audit.NewEvent(audit.TypeLogin, email, now)
	e.Attributes["success"] = strconv.FormatBool(success)
	e.Attributes["ip"] = meta.IP
	e.Attributes["user_agent"] = meta.UserAgent
	s.emit(e, v)
	return v
}

// CheckPurchase runs the primary purchase heuristics against a prospective purchase without
// recording it.
func (s *Sentinel) CheckPurchase(userID string, amount money.Amount, productID string) Verdict {
	now := s.nowFunc()
	prior := s.purchases.snapshot(userID, now)

	var v Verdict
	if len(prior)+1 > s.cfg.MaxPurchases {
		v.flag(ReasonPurchaseVolume)
	}
	if amount > s.cfg.HighValue {
		v.flag(ReasonHighValue)
	}
	if recentWithin(prior, now, s.cfg.VelocitySpan)+1 >= s.cfg.VelocityCount {
		v.flag(ReasonVelocity)
	}
	return v
}

// SecondaryCheck is the behavioural pass run only after CheckPurchase flags. It looks only at
// the buyer's history (origin spread, an amount far above prior purchases, sustained volume) and
// blocks when at least two of those agree. A buyer with no history raises none of them.
func (s *Sentinel) SecondaryCheck(userID string, amount money.Amount, meta ActorMeta) Verdict {
	now := s.nowFunc()
	prior := s.purchases.snapshot(userID, now)

	var v Verdict
	origins := map[string]struct{}{}
	if o := originOf(meta.IP); o != "" {
		origins[o] = struct{}{}
	}
	var sum int64
	for _, e := range prior {
		if e.origin != "" {
			origins[e.origin] = struct{}{}
		}
		sum += e.amount
	}
	if len(prior) > 0 && len(origins) > s.cfg.MaxLoginOrigins {
		v.Reasons = append(v.Reasons, ReasonPurchaseOrigins)
	}
	if len(prior) >= 3 && int64(amount)*int64(len(prior)) > s.cfg.SpikeFactor*sum {
		v.Reasons = append(v.Reasons, ReasonAmountSpike)
	}
	if len(prior)+1 > s.cfg.MaxPurchases {
		v.Reasons = append(v.Reasons, ReasonPurchaseVolume)
	}
	v.Suspicious = len(v.Reasons) >= 2
	return v
}

// RecordPurchase adds a committed purchase to userID's window and returns the primary verdict as
// evaluated before it was added.
func (s *Sentinel) RecordPurchase(userID string, amount money.Amount, productID string, meta ActorMeta) Verdict {
	v := s.CheckPurchase(userID, amount, productID)
	now := s.nowFunc()
	s.purchases.add(userID, event{at: now, origin: originOf(meta.IP), amount: int64(amount), product: productID})

	e := audit.NewEvent(audit.TypePurchase, userID, now)
	e.Attributes["amount"] = amount.String()
	e.Attributes["product_id"] = productID
	e.Attributes["ip"] = meta.IP
	s.emit(e, v)
	return v
}

// ReportBlock writes the audit event for a purchase halted by both checks.
func (s *Sentinel) ReportBlock(userID string, amount money.Amount, productID string, v Verdict) {
	e := audit.NewEvent(audit.TypeFraudBlocked, userID, s.nowFunc())
	e.Attributes["amount"] = amount.String()
	e.Attributes["product_id"] = productID
	s.emit(e, v)
	s.logger.Warn("purchase blocked by fraud checks",
		zap.String("user_id", userID),
		zap.String("amount", amount.String()),
		zap.String("product_id", productID),
		zap.Strings("reasons", v.Reasons))
}

func (s *Sentinel) emit(e audit.Event, v Verdict) {
	if s.audit == nil {
		return
	}
	e.Suspicious = v.Suspicious
	e.Reasons = v.Reasons
	s.audit.Record(e)
}

func (v *Verdict) flag(reason string) {
	v.Suspicious = true
	v.Reasons = append(v.Reasons, reason)
}

func recentWithin(events []event, now time.Time, span time.Duration) int {
	cutoff := now.Add(-span)
	n := 0
	for _, e := range events {
		if e.at.After(cutoff) {
			n++
		}
	}
	return n
}
