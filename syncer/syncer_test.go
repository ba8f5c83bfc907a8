package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/subvertigo/rolebridge/discord"
	"github.com/subvertigo/rolebridge/identity"
)

type fakeGate struct{ err error }

func (g *fakeGate) Ensure(ctx context.Context) error { return g.err }

type fakeTruth struct {
	mu       sync.Mutex
	id       string
	idErr    error
	vips     map[string]struct{}
	vipsErr  error
	subs     map[string]struct{}
	subsErr  error
	idCalls  int
	vipCalls int
	subCalls int
}

func (t *fakeTruth) GetUserID(ctx context.Context, login string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.idCalls++
	if t.idErr != nil {
		return "", t.idErr
	}
	return t.id, nil
}

func (t *fakeTruth) GetChannelVIPs(ctx context.Context, broadcasterID string) (map[string]struct{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.vipCalls++
	if t.vipsErr != nil {
		return nil, t.vipsErr
	}
	return t.vips, nil
}

func (t *fakeTruth) GetChannelSubscribers(ctx context.Context, broadcasterID string) (map[string]struct{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subCalls++
	if t.subsErr != nil {
		return nil, t.subsErr
	}
	return t.subs, nil
}

// fakeGuild keeps live member role state so repeated cycles observe the
// effect of earlier mutations, like the real guild does.
type fakeGuild struct {
	mu        sync.Mutex
	members   map[string][]string // userID -> role ids
	adds      []string            // "user:role"
	removes   []string
	memberBlk chan struct{} // when set, GetMember waits until closed
	entered   chan struct{} // signalled when GetMember is reached
}

func (g *fakeGuild) GetMember(ctx context.Context, guildID, userID string) (*discord.Member, error) {
	if g.entered != nil {
		select {
		case g.entered <- struct{}{}:
		default:
		}
	}
	if g.memberBlk != nil {
		<-g.memberBlk
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	roles, ok := g.members[userID]
	if !ok {
		return nil, discord.ErrNotFound
	}
	cp := append([]string(nil), roles...)
	return &discord.Member{UserID: userID, Roles: cp}, nil
}

func (g *fakeGuild) AddRole(ctx context.Context, guildID, userID, roleID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.members[userID] = append(g.members[userID], roleID)
	g.adds = append(g.adds, userID+":"+roleID)
	return nil
}

func (g *fakeGuild) RemoveRole(ctx context.Context, guildID, userID, roleID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := g.members[userID][:0]
	for _, r := range g.members[userID] {
		if r != roleID {
			out = append(out, r)
		}
	}
	g.members[userID] = out
	g.removes = append(g.removes, userID+":"+roleID)
	return nil
}

func (g *fakeGuild) hasRole(userID, roleID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range g.members[userID] {
		if r == roleID {
			return true
		}
	}
	return false
}

type fakeLinks struct {
	links []identity.Link
	err   error
}

func (l *fakeLinks) All(ctx context.Context) ([]identity.Link, error) { return l.links, l.err }

func newEngine(truth *fakeTruth, guild *fakeGuild, links []identity.Link) *Engine {
	return &Engine{
		Session:   &fakeGate{},
		Truth:     truth,
		Guild:     guild,
		Links:     &fakeLinks{links: links},
		Channel:   "testchannel",
		GuildID:   "g1",
		VIPRoleID: "role-vip",
	}
}

func TestRunOnceAddsVIPRoleThenIdempotent(t *testing.T) {
	truth := &fakeTruth{id: "777", vips: map[string]struct{}{"alice": {}}}
	guild := &fakeGuild{members: map[string][]string{"u1": {}}}
	e := newEngine(truth, guild, []identity.Link{{DiscordID: "u1", TwitchLogin: "alice"}})

	n, err := e.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if n != 1 {
		t.Errorf("first cycle mutations = %d, want 1", n)
	}
	if !guild.hasRole("u1", "role-vip") {
		t.Error("VIP role not granted")
	}

	// Second identical cycle must be a no-op.
	n, err = e.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second RunOnce() error = %v", err)
	}
	if n != 0 {
		t.Errorf("second cycle mutations = %d, want 0", n)
	}
}

func TestRunOnceRemovesVIPRole(t *testing.T) {
	truth := &fakeTruth{id: "777", vips: map[string]struct{}{}}
	guild := &fakeGuild{members: map[string][]string{"u1": {"role-vip"}}}
	e := newEngine(truth, guild, []identity.Link{{DiscordID: "u1", TwitchLogin: "alice"}})

	n, err := e.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if n != 1 {
		t.Errorf("mutations = %d, want 1", n)
	}
	if guild.hasRole("u1", "role-vip") {
		t.Error("VIP role not removed")
	}
}

func TestRunOnceSubscriberDimension(t *testing.T) {
	truth := &fakeTruth{
		id:   "777",
		vips: map[string]struct{}{"alice": {}},
		subs: map[string]struct{}{"bob": {}},
	}
	guild := &fakeGuild{members: map[string][]string{
		"u1": {"role-sub"},  // alice: vip yes, sub no
		"u2": {"role-vip"},  // bob: vip no, sub yes
	}}
	e := newEngine(truth, guild, []identity.Link{
		{DiscordID: "u1", TwitchLogin: "alice"},
		{DiscordID: "u2", TwitchLogin: "bob"},
	})
	e.SubRoleID = "role-sub"

	n, err := e.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if n != 4 {
		t.Errorf("mutations = %d, want 4 (add vip u1, remove sub u1, remove vip u2, add sub u2)", n)
	}
	// Diff correctness: has_role == is_member for every dimension.
	for _, check := range []struct {
		user, role string
		want       bool
	}{
		{"u1", "role-vip", true},
		{"u1", "role-sub", false},
		{"u2", "role-vip", false},
		{"u2", "role-sub", true},
	} {
		if got := guild.hasRole(check.user, check.role); got != check.want {
			t.Errorf("hasRole(%s,%s) = %v, want %v", check.user, check.role, got, check.want)
		}
	}
}

func TestRunOnceSubDimensionDisabledSkipsFetch(t *testing.T) {
	truth := &fakeTruth{id: "777", vips: map[string]struct{}{}}
	guild := &fakeGuild{members: map[string][]string{"u1": {}}}
	e := newEngine(truth, guild, []identity.Link{{DiscordID: "u1", TwitchLogin: "alice"}})

	if _, err := e.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if truth.subCalls != 0 {
		t.Errorf("subscriber fetch performed %d calls with sub role disabled, want 0", truth.subCalls)
	}
}

func TestRunOnceSessionUnavailableAborts(t *testing.T) {
	truth := &fakeTruth{id: "777", vips: map[string]struct{}{}}
	guild := &fakeGuild{members: map[string][]string{"u1": {"role-vip"}}}
	e := newEngine(truth, guild, []identity.Link{{DiscordID: "u1", TwitchLogin: "alice"}})
	e.Session = &fakeGate{err: errors.New("reauthorization required")}

	n, err := e.RunOnce(context.Background())
	if !errors.Is(err, ErrSessionUnavailable) {
		t.Fatalf("RunOnce() error = %v, want ErrSessionUnavailable", err)
	}
	if n != 0 || truth.vipCalls != 0 || len(guild.removes) != 0 {
		t.Error("aborted cycle must not fetch or mutate")
	}
}

func TestRunOnceChannelResolutionAborts(t *testing.T) {
	truth := &fakeTruth{idErr: errors.New("user not found")}
	guild := &fakeGuild{members: map[string][]string{"u1": {"role-vip"}}}
	e := newEngine(truth, guild, []identity.Link{{DiscordID: "u1", TwitchLogin: "alice"}})

	_, err := e.RunOnce(context.Background())
	if !errors.Is(err, ErrChannelResolution) {
		t.Fatalf("RunOnce() error = %v, want ErrChannelResolution", err)
	}
	if truth.vipCalls != 0 || len(guild.removes) != 0 {
		t.Error("aborted cycle must not fetch truth or mutate roles")
	}
}

func TestRunOncePartialFetchNoRemovals(t *testing.T) {
	// A failed VIP fetch must abort before any mutation: an incomplete list
	// must never be mistaken for "not a member".
	truth := &fakeTruth{id: "777", vipsErr: errors.New("page 2 failed")}
	guild := &fakeGuild{members: map[string][]string{"u1": {"role-vip"}}}
	e := newEngine(truth, guild, []identity.Link{{DiscordID: "u1", TwitchLogin: "alice"}})

	_, err := e.RunOnce(context.Background())
	if !errors.Is(err, ErrTruthFetch) {
		t.Fatalf("RunOnce() error = %v, want ErrTruthFetch", err)
	}
	if len(guild.removes) != 0 {
		t.Errorf("roles removed on partial fetch: %v", guild.removes)
	}
	if guild.hasRole("u1", "role-vip") == false {
		t.Error("existing role lost on aborted cycle")
	}
}

func TestRunOncePerIdentityFailureSkips(t *testing.T) {
	truth := &fakeTruth{id: "777", vips: map[string]struct{}{"alice": {}, "carol": {}}}
	// u2 left the guild: GetMember returns ErrNotFound; u1 and u3 must still
	// be processed, and u2 must stay linked (unlinking is a user decision).
	guild := &fakeGuild{members: map[string][]string{"u1": {}, "u3": {}}}
	e := newEngine(truth, guild, []identity.Link{
		{DiscordID: "u1", TwitchLogin: "alice"},
		{DiscordID: "u2", TwitchLogin: "bob"},
		{DiscordID: "u3", TwitchLogin: "carol"},
	})

	n, err := e.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if n != 2 {
		t.Errorf("mutations = %d, want 2 (u1 and u3 granted)", n)
	}
	if !guild.hasRole("u1", "role-vip") || !guild.hasRole("u3", "role-vip") {
		t.Error("identities after a failed one were not processed")
	}
}

func TestChannelIDCachedAcrossCycles(t *testing.T) {
	truth := &fakeTruth{id: "777", vips: map[string]struct{}{}}
	guild := &fakeGuild{members: map[string][]string{}}
	e := newEngine(truth, guild, nil)

	for i := 0; i < 3; i++ {
		if _, err := e.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce() #%d error = %v", i, err)
		}
	}
	if truth.idCalls != 1 {
		t.Errorf("channel resolved %d times, want 1 (cached for process lifetime)", truth.idCalls)
	}
}

func TestTriggerNowRejectsConcurrentCycle(t *testing.T) {
	truth := &fakeTruth{id: "777", vips: map[string]struct{}{"alice": {}}}
	blk := make(chan struct{})
	entered := make(chan struct{}, 1)
	guild := &fakeGuild{members: map[string][]string{"u1": {}}, memberBlk: blk, entered: entered}
	e := newEngine(truth, guild, []identity.Link{{DiscordID: "u1", TwitchLogin: "alice"}})
	s := &Scheduler{Engine: e}

	firstDone := make(chan struct{})
	var firstN int
	var firstErr error
	go func() {
		firstN, firstErr = s.TriggerNow(context.Background())
		close(firstDone)
	}()

	// Wait until the first cycle is inside the guild read, then trigger again.
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first cycle never reached the guild read")
	}
	if _, err := s.TriggerNow(context.Background()); !errors.Is(err, ErrCycleInProgress) {
		t.Fatalf("concurrent TriggerNow() error = %v, want ErrCycleInProgress", err)
	}

	close(blk)
	<-firstDone
	if firstErr != nil {
		t.Fatalf("first TriggerNow() error = %v", firstErr)
	}
	if firstN != 1 {
		t.Errorf("first cycle mutations = %d, want 1", firstN)
	}
	// Exactly one grant in total: the rejected trigger applied nothing.
	if len(guild.adds) != 1 {
		t.Errorf("adds = %v, want exactly one", guild.adds)
	}
}

func TestTriggerNowAfterCycleCompletes(t *testing.T) {
	truth := &fakeTruth{id: "777", vips: map[string]struct{}{}}
	guild := &fakeGuild{members: map[string][]string{}}
	s := &Scheduler{Engine: newEngine(truth, guild, nil)}

	for i := 0; i < 2; i++ {
		if _, err := s.TriggerNow(context.Background()); err != nil {
			t.Fatalf("sequential TriggerNow() #%d error = %v", i, err)
		}
	}
}

func TestExampleScenarios(t *testing.T) {
	// Spec-style scenario: {u1: alice}, truth {alice}, role absent → +1, then 0.
	t.Run("grant then stable", func(t *testing.T) {
		truth := &fakeTruth{id: "777", vips: map[string]struct{}{"alice": {}}}
		guild := &fakeGuild{members: map[string][]string{"u1": {}}}
		e := newEngine(truth, guild, []identity.Link{{DiscordID: "u1", TwitchLogin: "alice"}})
		if n, _ := e.RunOnce(context.Background()); n != 1 {
			t.Fatalf("first cycle = %d mutations, want 1", n)
		}
		if n, _ := e.RunOnce(context.Background()); n != 0 {
			t.Fatalf("second cycle = %d mutations, want 0", n)
		}
	})
	// {u1: alice}, truth {}, role present → removal, 1 mutation.
	t.Run("revoke", func(t *testing.T) {
		truth := &fakeTruth{id: "777", vips: map[string]struct{}{}}
		guild := &fakeGuild{members: map[string][]string{"u1": {"role-vip"}}}
		e := newEngine(truth, guild, []identity.Link{{DiscordID: "u1", TwitchLogin: "alice"}})
		n, err := e.RunOnce(context.Background())
		if err != nil || n != 1 {
			t.Fatalf("cycle = (%d,%v), want (1,nil)", n, err)
		}
	})
}

func TestUnlinkedMemberKeepsRoles(t *testing.T) {
	// Removing a link withdraws the account from reconciliation entirely:
	// roles it already holds are left in place, not revoked.
	truth := &fakeTruth{id: "777", vips: map[string]struct{}{}}
	guild := &fakeGuild{members: map[string][]string{"u1": {"role-vip"}}}
	e := newEngine(truth, guild, nil)

	n, err := e.RunOnce(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("cycle = (%d,%v), want (0,nil)", n, err)
	}
	if !guild.hasRole("u1", "role-vip") {
		t.Error("unlinked member's role was revoked")
	}
}

func TestUnmatchedTruthMemberIgnored(t *testing.T) {
	// A VIP with no linked identity contributes no action.
	truth := &fakeTruth{id: "777", vips: map[string]struct{}{"stranger": {}}}
	guild := &fakeGuild{members: map[string][]string{}}
	e := newEngine(truth, guild, nil)

	n, err := e.RunOnce(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("cycle = (%d,%v), want (0,nil)", n, err)
	}
	if len(guild.adds) != 0 {
		t.Errorf("unexpected mutations: %v", guild.adds)
	}
}

func TestLinksErrorAborts(t *testing.T) {
	truth := &fakeTruth{id: "777", vips: map[string]struct{}{}}
	guild := &fakeGuild{members: map[string][]string{}}
	e := newEngine(truth, guild, nil)
	e.Links = &fakeLinks{err: fmt.Errorf("db down")}

	if _, err := e.RunOnce(context.Background()); err == nil {
		t.Fatal("RunOnce() with failing link source: want error")
	}
}
