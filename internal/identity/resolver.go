// Package identity turns human-entered phone numbers into verified wire
// identities.
package identity

import (
	"context"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow/types"

	"lexbridge/internal/apperr"
)

// ExistenceChecker asks the network which numbers have an account.
type ExistenceChecker interface {
	IsOnWhatsApp(ctx context.Context, phones []string) ([]types.IsOnWhatsAppResponse, error)
}

var knownServers = map[string]bool{
	types.DefaultUserServer: true,
	types.GroupServer:       true,
	types.BroadcastServer:   true,
	types.HiddenUserServer:  true,
	types.NewsletterServer:  true,
}

// Resolver is scoped to one session; its cache dies with the session.
type Resolver struct {
	checker     ExistenceChecker
	countryCode string
	cache       *cache.Cache
}

// NewResolver creates a resolver whose verified identities expire after ttl.
func NewResolver(checker ExistenceChecker, countryCode string, ttl time.Duration) *Resolver {
	return &Resolver{
		checker:     checker,
		countryCode: countryCode,
		cache:       cache.New(ttl, ttl*2),
	}
}

// Flush drops every cached identity.
func (r *Resolver) Flush() {
	r.cache.Flush()
}

// Resolve returns the wire identity for raw. When no candidate can be
// verified the normalized best guess is returned; failures surface at send.
func (r *Resolver) Resolve(ctx context.Context, raw string) (types.JID, error) {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "@") {
		if jid, err := types.ParseJID(strings.Replace(raw, "@"+types.LegacyUserServer, "@"+types.DefaultUserServer, 1)); err == nil && knownServers[jid.Server] {
			return jid, nil
		}
		raw = raw[:strings.Index(raw, "@")]
	}

	phone := Normalize(raw, r.countryCode)
	if phone == "" {
		return types.EmptyJID, apperr.New(apperr.CodeNoPhone, "contact has no usable phone number")
	}

	if cached, found := r.cache.Get(phone); found {
		return cached.(types.JID), nil
	}

	candidates := append([]string{phone}, AlternateForms(phone)...)
	for _, candidate := range candidates {
		jid, ok := r.verify(ctx, candidate)
		if ok {
			r.cache.Set(phone, jid, cache.DefaultExpiration)
			return jid, nil
		}
	}

	log.Warn().Str("phone", phone).Msg("Could not verify identity, using best guess")
	return types.NewJID(phone, types.DefaultUserServer), nil
}

func (r *Resolver) verify(ctx context.Context, phone string) (types.JID, bool) {
	resp, err := r.checker.IsOnWhatsApp(ctx, []string{"+" + phone})
	if err != nil {
		log.Warn().Err(err).Str("phone", phone).Msg("Existence check failed")
		return types.EmptyJID, false
	}
	for _, item := range resp {
		if item.IsIn {
			return item.JID.ToNonAD(), true
		}
	}
	return types.EmptyJID, false
}

// Normalize strips everything but digits and prefixes national numbers with
// the default country code.
func Normalize(raw, countryCode string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := strings.TrimLeft(b.String(), "0")
	if countryCode != "" && (len(digits) == 10 || len(digits) == 11) {
		digits = countryCode + digits
	}
	return digits
}

// AlternateForms returns the other spelling of a Brazilian mobile number:
// 55 DD 9XXXXXXXX <-> 55 DD XXXXXXXX.
func AlternateForms(phone string) []string {
	if !strings.HasPrefix(phone, "55") {
		return nil
	}
	switch len(phone) {
	case 13:
		if phone[4] == '9' {
			return []string{phone[:4] + phone[5:]}
		}
	case 12:
		return []string{phone[:4] + "9" + phone[4:]}
	}
	return nil
}
