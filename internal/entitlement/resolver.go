package entitlement

import (
	"strings"
	"time"
)

const (
	DefaultFreeQuota int64 = 3
	DefaultProQuota  int64 = 50
)

// Policy holds the configuration the resolver looks values up in.
type Policy struct {
	FreeQuota  int64
	ProQuota   int64
	AdminEmail string
	AdminUID   string
}

// DefaultPolicy returns the stock quotas with no admin identity.
func DefaultPolicy() Policy {
	return Policy{
		FreeQuota: DefaultFreeQuota,
		ProQuota:  DefaultProQuota,
	}
}

// IsAdmin reports whether id is the reserved admin identity.
func (p Policy) IsAdmin(id Identity) bool {
	if uid := strings.TrimSpace(p.AdminUID); uid != "" && strings.TrimSpace(id.UID) == uid {
		return true
	}
	if email := NormalizeEmail(p.AdminEmail); email != "" && NormalizeEmail(id.Email) == email {
		return true
	}
	return false
}

// QuotaFor returns the quota for a tier. Admin is unbounded.
func (p Policy) QuotaFor(t Tier) (limit int64, unlimited bool) {
	switch t {
	case TierAdmin:
		return 0, true
	case TierPro:
		return p.ProQuota, false
	default:
		return p.FreeQuota, false
	}
}

// CorrectionReason names why a resolution wants to write back to the store.
type CorrectionReason string

const (
	CorrectionNone        CorrectionReason = ""
	CorrectionMaterialize CorrectionReason = "materialize"
	CorrectionExpired     CorrectionReason = "expired"
	CorrectionGrant       CorrectionReason = "grant"
)

// Resolution is the effective view plus any write the store needs.
type Resolution struct {
	View       View
	Correction *Patch
	Reason     CorrectionReason
}

// Resolve computes the effective entitlement for a stored record. It is pure:
// corrections are returned, never applied. The view already reflects the
// correction, so a failed write still yields the corrected answer.
func Resolve(rec *Record, now time.Time, s Session, policy Policy) Resolution {
	if policy.IsAdmin(s.Identity) {
		return Resolution{View: View{Tier: TierAdmin, Unlimited: true}}
	}

	var res Resolution
	if rec == nil {
		patch := DefaultPatch(s.Identity.Email)
		res.Correction = &patch
		res.Reason = CorrectionMaterialize
		rec = &Record{UID: s.Identity.UID, Plan: TierFree}
	} else {
		rec = NormalizeRecord(rec)
	}

	nowUnix := now.Unix()
	tier := TierFree
	used := rec.UsageCount
	validUntil := rec.ValidUntil

	switch {
	case rec.Upgraded && rec.ValidUntil < nowUnix:
		used = 0
		validUntil = 0
		patch := DowngradePatch()
		res.Correction = &patch
		res.Reason = CorrectionExpired
	case !rec.Upgraded && rec.ValidUntil > nowUnix:
		tier = TierPro
		patch := GrantPatch()
		res.Correction = &patch
		res.Reason = CorrectionGrant
	case rec.Upgraded:
		tier = TierPro
	default:
		validUntil = 0
	}

	quota, _ := policy.QuotaFor(tier)
	remaining := quota - used
	if remaining < 0 {
		remaining = 0
	}

	res.View = View{
		Tier:         tier,
		Quota:        quota,
		Used:         used,
		Remaining:    remaining,
		ValidUntil:   validUntil,
		JustUpgraded: tier == TierPro && s.KnownTier != "" && s.KnownTier != TierPro,
	}
	return res
}
