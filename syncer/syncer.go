// Package syncer implements the reconciliation engine: it compares Twitch
// channel membership (VIPs, optionally subscribers) against Discord role
// holdings for every linked identity and applies the minimal set of role
// changes. State is always recomputed from fresh reads, never diffed against
// a previous snapshot, so a missed cycle or a manual role edit heals on the
// next run.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/subvertigo/rolebridge/discord"
	"github.com/subvertigo/rolebridge/identity"
	"github.com/subvertigo/rolebridge/telemetry"
)

var (
	// ErrSessionUnavailable means the Twitch session could not be ensured;
	// the whole cycle is skipped and retried next period.
	ErrSessionUnavailable = errors.New("twitch session unavailable")
	// ErrChannelResolution means the configured channel no longer resolves.
	ErrChannelResolution = errors.New("channel resolution failed")
	// ErrTruthFetch means a membership list read did not complete; nothing
	// is applied, because acting on a truncated list would remove roles from
	// members the missing pages contain.
	ErrTruthFetch = errors.New("membership fetch failed")
)

// SessionGate is satisfied by auth.Manager.
type SessionGate interface {
	Ensure(ctx context.Context) error
}

// TruthSource is satisfied by twitchapi.HelixClient.
type TruthSource interface {
	GetUserID(ctx context.Context, login string) (string, error)
	GetChannelVIPs(ctx context.Context, broadcasterID string) (map[string]struct{}, error)
	GetChannelSubscribers(ctx context.Context, broadcasterID string) (map[string]struct{}, error)
}

// GuildClient is satisfied by discord.Client.
type GuildClient interface {
	GetMember(ctx context.Context, guildID, userID string) (*discord.Member, error)
	AddRole(ctx context.Context, guildID, userID, roleID string) error
	RemoveRole(ctx context.Context, guildID, userID, roleID string) error
}

// LinkSource is satisfied by identity.Store.
type LinkSource interface {
	All(ctx context.Context) ([]identity.Link, error)
}

// Engine runs one reconciliation cycle at a time. Serialization is the
// Scheduler's job; Engine itself is a pure cycle implementation.
type Engine struct {
	Session SessionGate
	Truth   TruthSource
	Guild   GuildClient
	Links   LinkSource

	Channel   string // Twitch channel login
	GuildID   string
	VIPRoleID string
	SubRoleID string // empty disables the subscriber dimension

	mu        sync.Mutex
	channelID string // resolved once per process; channel ids never change
}

type roleDimension struct {
	name    string
	roleID  string
	members map[string]struct{}
}

// RunOnce executes one full fetch-truth → diff → apply cycle and returns the
// number of role mutations performed. Failures that could cause a wrong
// decision (session, channel, truth fetch) abort the cycle before any
// mutation; per-identity failures are logged and skipped. A cycle aborted
// mid-apply leaves already-applied mutations in place — each was individually
// correct, and the next cycle converges the rest.
func (e *Engine) RunOnce(ctx context.Context) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, "syncer", "reconcile_cycle",
		attribute.String("channel", e.Channel))
	defer span.End()

	start := time.Now()
	telemetry.IncSyncCycles()
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "syncer"))

	mutations, err := e.runCycle(ctx, logger)
	telemetry.ObserveSyncCycleDuration(time.Since(start))
	if err != nil {
		telemetry.IncSyncCyclesFailed()
		telemetry.RecordError(span, err)
		return mutations, err
	}
	logger.Info("reconciliation cycle complete", slog.Int("mutations", mutations), slog.Duration("elapsed", time.Since(start)))
	return mutations, nil
}

func (e *Engine) runCycle(ctx context.Context, logger *slog.Logger) (int, error) {
	if err := e.Session.Ensure(ctx); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}

	channelID, err := e.resolveChannelID(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrChannelResolution, err)
	}

	dims := make([]roleDimension, 0, 2)
	vips, err := e.Truth.GetChannelVIPs(ctx, channelID)
	if err != nil {
		return 0, fmt.Errorf("%w: vips: %v", ErrTruthFetch, err)
	}
	dims = append(dims, roleDimension{name: "vip", roleID: e.VIPRoleID, members: vips})

	if e.SubRoleID != "" {
		subs, err := e.Truth.GetChannelSubscribers(ctx, channelID)
		if err != nil {
			return 0, fmt.Errorf("%w: subscribers: %v", ErrTruthFetch, err)
		}
		dims = append(dims, roleDimension{name: "subscriber", roleID: e.SubRoleID, members: subs})
	}

	links, err := e.Links.All(ctx)
	if err != nil {
		return 0, fmt.Errorf("list identity links: %w", err)
	}
	telemetry.SetLinkedIdentities(len(links))

	mutations := 0
	for _, link := range links {
		if ctx.Err() != nil {
			return mutations, ctx.Err()
		}
		n, err := e.reconcileIdentity(ctx, link, dims)
		mutations += n
		if err != nil {
			// Per-identity failure: skipped, never unlinked, never fatal.
			telemetry.IncIdentitiesSkipped()
			logger.Warn("identity skipped", slog.String("discord_id", link.DiscordID), slog.Any("err", err))
		}
	}
	return mutations, nil
}

// reconcileIdentity applies the XOR diff for one linked identity across all
// configured role dimensions. Role holdings are re-read fresh each cycle.
func (e *Engine) reconcileIdentity(ctx context.Context, link identity.Link, dims []roleDimension) (int, error) {
	member, err := e.Guild.GetMember(ctx, e.GuildID, link.DiscordID)
	if err != nil {
		if errors.Is(err, discord.ErrNotFound) {
			return 0, fmt.Errorf("member not in guild")
		}
		return 0, fmt.Errorf("fetch member: %w", err)
	}

	mutations := 0
	for _, dim := range dims {
		_, isMember := dim.members[link.TwitchLogin]
		hasRole := member.HasRole(dim.roleID)
		switch {
		case isMember && !hasRole:
			if err := e.Guild.AddRole(ctx, e.GuildID, link.DiscordID, dim.roleID); err != nil {
				return mutations, fmt.Errorf("add %s role: %w", dim.name, err)
			}
			telemetry.IncRolesAdded()
			mutations++
		case !isMember && hasRole:
			if err := e.Guild.RemoveRole(ctx, e.GuildID, link.DiscordID, dim.roleID); err != nil {
				return mutations, fmt.Errorf("remove %s role: %w", dim.name, err)
			}
			telemetry.IncRolesRemoved()
			mutations++
		}
	}
	return mutations, nil
}

// Membership reports the live Twitch membership of one login. Used by the
// link status endpoint; the subscriber dimension is reported false when not
// configured.
func (e *Engine) Membership(ctx context.Context, login string) (vip, sub bool, err error) {
	if err := e.Session.Ensure(ctx); err != nil {
		return false, false, fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}
	channelID, err := e.resolveChannelID(ctx)
	if err != nil {
		return false, false, fmt.Errorf("%w: %v", ErrChannelResolution, err)
	}
	vips, err := e.Truth.GetChannelVIPs(ctx, channelID)
	if err != nil {
		return false, false, fmt.Errorf("%w: vips: %v", ErrTruthFetch, err)
	}
	_, vip = vips[login]
	if e.SubRoleID != "" {
		subs, err := e.Truth.GetChannelSubscribers(ctx, channelID)
		if err != nil {
			return false, false, fmt.Errorf("%w: subscribers: %v", ErrTruthFetch, err)
		}
		_, sub = subs[login]
	}
	return vip, sub, nil
}

func (e *Engine) resolveChannelID(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.channelID != "" {
		return e.channelID, nil
	}
	id, err := e.Truth.GetUserID(ctx, e.Channel)
	if err != nil {
		return "", err
	}
	e.channelID = id
	return id, nil
}
