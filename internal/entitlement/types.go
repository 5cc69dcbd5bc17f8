package entitlement

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrRecordNotFound is returned by stores when no entitlement record exists
// for a uid. It is a valid state (free defaults), not a failure.
var ErrRecordNotFound = errors.New("entitlement record not found")

// ProPeriod is the length of one paid entitlement window.
const ProPeriod = 30 * 24 * time.Hour

// Tier is the plan a user resolves to.
type Tier string

const (
	TierFree  Tier = "free"
	TierPro   Tier = "pro"
	TierAdmin Tier = "admin"
)

// IsStorable reports whether t may be written to a stored record.
// Admin is derived from identity and is never persisted.
func (t Tier) IsStorable() bool {
	return t == TierFree || t == TierPro
}

// NormalizeTier maps stored plan strings to a Tier. Unknown or admin values
// fail closed to free.
func NormalizeTier(raw string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(raw))) {
	case TierPro:
		return TierPro
	default:
		return TierFree
	}
}

// Identity is the already-authenticated actor supplied by the session layer.
type Identity struct {
	UID   string `json:"uid"`
	Email string `json:"email"`
}

// NormalizeEmail lowercases and trims an email for index lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Session carries one actor's identity plus the last entitlement state the
// client saw. It is passed explicitly per request, never held globally.
type Session struct {
	Identity   Identity `json:"identity"`
	KnownTier  Tier     `json:"known_tier,omitempty"`
	KnownUsage int64    `json:"known_usage,omitempty"`
}

// Observe records a resolved view as the session's last known state.
func (s *Session) Observe(v View) {
	s.KnownTier = v.Tier
	s.KnownUsage = v.Used
}

// Record is the stored per-user entitlement document. Field names follow the
// stored document keys.
type Record struct {
	UID        string `json:"uid"`
	Email      string `json:"email,omitempty"`
	Plan       Tier   `json:"plan"`
	Upgraded   bool   `json:"upgrade"`
	ValidUntil int64  `json:"pro_valid_until,omitempty"`
	UsageCount int64  `json:"report_count"`
}

// NormalizeRecord returns a defensive copy with defaults applied: unknown
// plans become free, negative counters become zero, email is normalized.
func NormalizeRecord(r *Record) *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.UID = strings.TrimSpace(cp.UID)
	cp.Email = NormalizeEmail(cp.Email)
	cp.Plan = NormalizeTier(string(cp.Plan))
	if cp.UsageCount < 0 {
		cp.UsageCount = 0
	}
	if cp.ValidUntil < 0 {
		cp.ValidUntil = 0
	}
	return &cp
}

// Patch is a partial update; only non-nil fields are written.
type Patch struct {
	Email      *string `json:"email,omitempty"`
	Plan       *Tier   `json:"plan,omitempty"`
	Upgraded   *bool   `json:"upgrade,omitempty"`
	ValidUntil *int64  `json:"pro_valid_until,omitempty"`
	UsageCount *int64  `json:"report_count,omitempty"`
}

// IsEmpty reports whether the patch writes nothing.
func (p Patch) IsEmpty() bool {
	return p.Email == nil && p.Plan == nil && p.Upgraded == nil && p.ValidUntil == nil && p.UsageCount == nil
}

// Validate rejects patches that untrusted paths must never write.
func (p Patch) Validate() error {
	if p.IsEmpty() {
		return fmt.Errorf("empty patch")
	}
	if p.Plan != nil && !p.Plan.IsStorable() {
		return fmt.Errorf("plan %q is not storable", *p.Plan)
	}
	if p.UsageCount != nil && *p.UsageCount < 0 {
		return fmt.Errorf("usage count must be non-negative, got %d", *p.UsageCount)
	}
	if p.ValidUntil != nil && *p.ValidUntil < 0 {
		return fmt.Errorf("valid_until must be non-negative, got %d", *p.ValidUntil)
	}
	return nil
}

// ApplyTo writes the patch's fields onto r.
func (p Patch) ApplyTo(r *Record) {
	if r == nil {
		return
	}
	if p.Email != nil {
		r.Email = NormalizeEmail(*p.Email)
	}
	if p.Plan != nil {
		r.Plan = *p.Plan
	}
	if p.Upgraded != nil {
		r.Upgraded = *p.Upgraded
	}
	if p.ValidUntil != nil {
		r.ValidUntil = *p.ValidUntil
	}
	if p.UsageCount != nil {
		r.UsageCount = *p.UsageCount
	}
}

func ptr[T any](v T) *T { return &v }

// DefaultPatch materializes a first-touch free record.
func DefaultPatch(email string) Patch {
	p := Patch{
		Plan:       ptr(TierFree),
		Upgraded:   ptr(false),
		UsageCount: ptr(int64(0)),
	}
	if e := NormalizeEmail(email); e != "" {
		p.Email = ptr(e)
	}
	return p
}

// DowngradePatch persists an expired pro window as free with a fresh counter.
func DowngradePatch() Patch {
	return Patch{
		Upgraded:   ptr(false),
		Plan:       ptr(TierFree),
		UsageCount: ptr(int64(0)),
	}
}

// GrantPatch repairs a record whose expiry was written without the flag.
func GrantPatch() Patch {
	return Patch{
		Upgraded: ptr(true),
		Plan:     ptr(TierPro),
	}
}

// UpgradePatch is the confirmed-payment overwrite: a fresh pro window
// starting at now.
func UpgradePatch(now time.Time, email string) Patch {
	p := Patch{
		Plan:       ptr(TierPro),
		Upgraded:   ptr(true),
		UsageCount: ptr(int64(0)),
		ValidUntil: ptr(now.Add(ProPeriod).Unix()),
	}
	if e := NormalizeEmail(email); e != "" {
		p.Email = ptr(e)
	}
	return p
}

// UsagePatch writes only the usage counter.
func UsagePatch(count int64) Patch {
	return Patch{UsageCount: ptr(count)}
}

// View is the effective entitlement exposed to callers.
type View struct {
	Tier         Tier  `json:"tier"`
	Quota        int64 `json:"quota"`
	Used         int64 `json:"used"`
	Remaining    int64 `json:"remaining"`
	Unlimited    bool  `json:"unlimited"`
	ValidUntil   int64 `json:"valid_until,omitempty"`
	JustUpgraded bool  `json:"just_upgraded"`
}

// Exhausted reports whether a billable action must be rejected.
func (v View) Exhausted() bool {
	return !v.Unlimited && v.Remaining <= 0
}
