package eventbus

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"persona-hub/internal/domain"
)

// DefaultGrantExpiration applies when a grant is requested without an expiration.
const DefaultGrantExpiration = 60 * time.Minute

// PermissionResolver maps an event type to the permission needed to receive it.
type PermissionResolver interface {
	RequiredPermission(t domain.EventType) (domain.Permission, bool)
}

type grantKey struct {
	pluginID  string
	personaID string
}

type grantEntry struct {
	grant     domain.AccessGrant
	tokenHash string
}

// AccessControl issues, checks and revokes time-limited capability tokens
// binding a plugin to a persona and a permission set. Only token hashes are
// kept in memory.
type AccessControl struct {
	mu      sync.RWMutex
	byPair  map[grantKey]*grantEntry
	byToken map[string]*grantEntry

	perms      PermissionResolver
	security   domain.SecurityLogger
	logger     *slog.Logger
	now        func() time.Time
	random     io.Reader
	defaultTTL time.Duration
}

// AccessOption configures an AccessControl.
type AccessOption func(*AccessControl)

// WithClock overrides the time source used for issuance and expiry.
func WithClock(now func() time.Time) AccessOption {
	return func(a *AccessControl) { a.now = now }
}

// WithDefaultExpiration sets the lifetime used when GrantAccess gets a non-positive expiration.
func WithDefaultExpiration(d time.Duration) AccessOption {
	return func(a *AccessControl) {
		if d > 0 {
			a.defaultTTL = d
		}
	}
}

// NewAccessControl creates an access layer that resolves required permissions through perms.
func NewAccessControl(perms PermissionResolver, security domain.SecurityLogger, logger *slog.Logger, opts ...AccessOption) *AccessControl {
	a := &AccessControl{
		byPair:     make(map[grantKey]*grantEntry),
		byToken:    make(map[string]*grantEntry),
		perms:      perms,
		security:   security,
		logger:     logger,
		now:        time.Now,
		random:     rand.Reader,
		defaultTTL: DefaultGrantExpiration,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// GrantAccess issues a new token for (pluginID, personaID). Any previous grant
// for the pair is replaced and its token stops validating immediately.
func (a *AccessControl) GrantAccess(ctx context.Context, pluginID, personaID string, perms []domain.Permission, expiration time.Duration) (string, error) {
	const op = "AccessControl.GrantAccess"
	if pluginID == "" || personaID == "" {
		return "", domain.NewDomainError(op, domain.ErrInvalidInput, "pluginId and personaId are required")
	}
	for _, p := range perms {
		if !domain.IsValidPermission(string(p)) {
			return "", domain.NewDomainError(op, domain.ErrInvalidInput, fmt.Sprintf("unknown permission %q", p))
		}
	}
	if expiration <= 0 {
		expiration = a.defaultTTL
	}

	raw := make([]byte, 32)
	if _, err := io.ReadFull(a.random, raw); err != nil {
		return "", fmt.Errorf("%s: generate token: %w", op, err)
	}
	token := hex.EncodeToString(raw)

	now := a.now()
	entry := &grantEntry{
		grant: domain.AccessGrant{
			PluginID:    pluginID,
			PersonaID:   personaID,
			Permissions: dedupePermissions(perms),
			IssuedAt:    now,
			ExpiresAt:   now.Add(expiration),
		},
		tokenHash: hashToken(token),
	}

	key := grantKey{pluginID, personaID}
	a.mu.Lock()
	if old, ok := a.byPair[key]; ok {
		delete(a.byToken, old.tokenHash)
	}
	a.byPair[key] = entry
	a.byToken[entry.tokenHash] = entry
	a.mu.Unlock()

	a.audit(ctx, domain.SecurityEvent{
		Type:        domain.SecAccessGranted,
		Severity:    domain.SeverityLow,
		Description: "plugin access granted",
		Details: map[string]string{
			"plugin_id":   pluginID,
			"persona_id":  personaID,
			"permissions": joinPermissions(entry.grant.Permissions),
			"expires_at":  entry.grant.ExpiresAt.UTC().Format(time.RFC3339),
		},
	})
	return token, nil
}

// Check validates token for pluginID receiving eventType. Checks run in order:
// token exists, token belongs to pluginID, grant not expired, grant holds the
// event type's permission and every permission in required. Any failure is
// logged as a violation and returned as *domain.AccessError.
func (a *AccessControl) Check(ctx context.Context, pluginID string, eventType domain.EventType, token string, required ...domain.Permission) (domain.AccessGrant, error) {
	a.mu.RLock()
	entry, ok := a.byToken[hashToken(token)]
	var grant domain.AccessGrant
	if ok {
		grant = entry.grant
	}
	a.mu.RUnlock()

	deny := func(reason domain.ViolationReason, perm domain.Permission) (domain.AccessGrant, error) {
		err := &domain.AccessError{PluginID: pluginID, EventType: eventType, Reason: reason, Permission: perm}
		details := map[string]string{
			"plugin_id":  pluginID,
			"event_type": string(eventType),
			"reason":     string(reason),
		}
		if perm != "" {
			details["permission"] = string(perm)
		}
		if ok {
			details["persona_id"] = grant.PersonaID
			if reason == domain.ReasonTokenMismatch {
				details["token_owner"] = grant.PluginID
			}
		}
		a.audit(ctx, domain.SecurityEvent{
			Type:        domain.SecAccessViolation,
			Severity:    reason.Severity(),
			Description: "access violation: " + string(reason),
			Details:     details,
		})
		return domain.AccessGrant{}, err
	}

	if !ok || token == "" {
		return deny(domain.ReasonInvalidToken, "")
	}
	if grant.PluginID != pluginID {
		return deny(domain.ReasonTokenMismatch, "")
	}
	if grant.Expired(a.now()) {
		return deny(domain.ReasonExpired, "")
	}
	if a.perms != nil {
		if perm, known := a.perms.RequiredPermission(eventType); known && perm != "" && !grant.Has(perm) {
			return deny(domain.ReasonMissingPermission, perm)
		}
	}
	for _, perm := range required {
		if !grant.Has(perm) {
			return deny(domain.ReasonMissingPermission, perm)
		}
	}
	return grant, nil
}

// ValidateAccess reports whether Check passes. It never fails loudly; the
// violation, if any, is in the security log.
func (a *AccessControl) ValidateAccess(ctx context.Context, pluginID string, eventType domain.EventType, token string) bool {
	_, err := a.Check(ctx, pluginID, eventType, token)
	return err == nil
}

// RevokeAccess removes the grant for (pluginID, personaID), or every grant of
// pluginID when personaID is empty. It returns how many grants were removed;
// revoking nothing is not an error.
func (a *AccessControl) RevokeAccess(ctx context.Context, pluginID, personaID string) int {
	a.mu.Lock()
	removed := 0
	for key, entry := range a.byPair {
		if key.pluginID != pluginID || (personaID != "" && key.personaID != personaID) {
			continue
		}
		delete(a.byPair, key)
		delete(a.byToken, entry.tokenHash)
		removed++
	}
	a.mu.Unlock()

	details := map[string]string{"plugin_id": pluginID, "removed": fmt.Sprint(removed)}
	if personaID != "" {
		details["persona_id"] = personaID
	}
	a.audit(ctx, domain.SecurityEvent{
		Type:        domain.SecAccessRevoked,
		Severity:    domain.SeverityMedium,
		Description: "plugin access revoked",
		Details:     details,
	})
	return removed
}

// PurgeExpired drops every grant that has expired and returns how many were
// removed. Expired grants already fail Check; this only reclaims them.
func (a *AccessControl) PurgeExpired(ctx context.Context) int {
	now := a.now()
	a.mu.Lock()
	removed := 0
	for key, entry := range a.byPair {
		if !entry.grant.Expired(now) {
			continue
		}
		delete(a.byPair, key)
		delete(a.byToken, entry.tokenHash)
		removed++
	}
	a.mu.Unlock()

	if removed > 0 {
		a.audit(ctx, domain.SecurityEvent{
			Type:        domain.SecAccessRevoked,
			Severity:    domain.SeverityLow,
			Description: "expired grants purged",
			Details:     map[string]string{"removed": fmt.Sprint(removed)},
		})
	}
	return removed
}

// Grant returns the grant behind token, including expired ones.
func (a *AccessControl) Grant(token string) (domain.AccessGrant, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, ok := a.byToken[hashToken(token)]
	if !ok {
		return domain.AccessGrant{}, false
	}
	return e.grant, true
}

// Grants lists pluginID's grants ordered by persona id.
func (a *AccessControl) Grants(pluginID string) []domain.AccessGrant {
	a.mu.RLock()
	var out []domain.AccessGrant
	for key, e := range a.byPair {
		if key.pluginID == pluginID {
			out = append(out, e.grant)
		}
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PersonaID < out[j].PersonaID })
	return out
}

func (a *AccessControl) audit(ctx context.Context, ev domain.SecurityEvent) {
	logSecurity(ctx, a.security, a.logger, a.now, ev)
}

// logSecurity writes ev to sink; sink failures are reported on logger and
// otherwise ignored.
func logSecurity(ctx context.Context, sink domain.SecurityLogger, logger *slog.Logger, now func() time.Time, ev domain.SecurityEvent) {
	if sink == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now().UTC()
	}
	if err := sink.Log(ctx, ev); err != nil && logger != nil {
		logger.Warn("security log write failed", "type", string(ev.Type), "error", err)
	}
}

func dedupePermissions(perms []domain.Permission) []domain.Permission {
	out := make([]domain.Permission, 0, len(perms))
	seen := make(map[domain.Permission]bool, len(perms))
	for _, p := range perms {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

func joinPermissions(perms []domain.Permission) string {
	ss := make([]string, len(perms))
	for i, p := range perms {
		ss[i] = string(p)
	}
	return strings.Join(ss, ",")
}
