package engine_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cmdgate/internal/audit"
	"cmdgate/internal/config"
	"cmdgate/internal/db"
	"cmdgate/internal/domain"
	"cmdgate/internal/engine"
	"cmdgate/internal/migrate"
	"cmdgate/internal/notify"
	"cmdgate/internal/repo"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type recordingPort struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *recordingPort) Publish(evt notify.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func (p *recordingPort) byType(typ string) []notify.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []notify.Event
	for _, e := range p.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type testEnv struct {
	Engine engine.Engine
	DB     *sql.DB
	Ctx    context.Context
	Root   domain.User
	Events *recordingPort
	now    *time.Time
}

func (env testEnv) advance(d time.Duration) {
	*env.now = env.now.Add(d)
}

func newTestEnv(t *testing.T, tweaks ...func(*config.Config)) testEnv {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Policy.SeedRules = false
	for _, tweak := range tweaks {
		tweak(cfg)
	}
	eng, err := engine.New(conn, cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(eng.Close)

	now := epoch
	eng.Now = func() time.Time { return now }
	events := &recordingPort{}
	eng.Notifier = events

	root, _, err := eng.CreateUser(ctx, engine.UserCreateOptions{Username: "root"})
	require.NoError(t, err)
	return testEnv{Engine: eng, DB: conn, Ctx: ctx, Root: root, Events: events, now: &now}
}

func (env testEnv) user(t *testing.T, name, role, tier string) domain.User {
	t.Helper()
	u, _, err := env.Engine.CreateUser(env.Ctx, engine.UserCreateOptions{Username: name, Role: role, Tier: tier, ActorID: env.Root.ID})
	require.NoError(t, err)
	return u
}

func (env testEnv) rule(t *testing.T, pattern, action string, mods ...func(*engine.RuleCreateOptions)) domain.Rule {
	t.Helper()
	opts := engine.RuleCreateOptions{Pattern: pattern, Action: action, ActorID: env.Root.ID}
	for _, m := range mods {
		m(&opts)
	}
	change, err := env.Engine.CreateRule(env.Ctx, opts)
	require.NoError(t, err)
	return change.Rule
}

func (env testEnv) balance(t *testing.T, id string) int {
	t.Helper()
	u, err := env.Engine.Repo.GetUser(env.Ctx, nil, id)
	require.NoError(t, err)
	return u.CreditBalance
}

func (env testEnv) requestFor(t *testing.T, cmd domain.Command) domain.ApprovalRequest {
	t.Helper()
	req, err := env.Engine.Repo.GetApprovalRequestByCommand(env.Ctx, nil, cmd.ID)
	require.NoError(t, err)
	return req
}

func (env testEnv) command(t *testing.T, id string) domain.Command {
	t.Helper()
	cmd, err := env.Engine.Repo.GetCommand(env.Ctx, nil, id)
	require.NoError(t, err)
	return cmd
}

func (env testEnv) auditCount(t *testing.T, f repo.AuditFilters) int {
	t.Helper()
	n, err := env.Engine.Repo.CountAudit(env.Ctx, f)
	require.NoError(t, err)
	return n
}

func threshold(n int) func(*engine.RuleCreateOptions) {
	return func(o *engine.RuleCreateOptions) { o.ApprovalThreshold = &n }
}

func TestBootstrapUserIsLeadAdmin(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Policy.SeedRules = true })
	assert.Equal(t, domain.RoleAdmin, env.Root.Role)
	assert.Equal(t, domain.TierLead, env.Root.Tier)
	assert.Equal(t, 100, env.Root.CreditBalance)

	rules, err := env.Engine.ListRules(env.Ctx, env.Root.ID, true)
	require.NoError(t, err)
	require.Len(t, rules, len(engine.DefaultRules))
	for i := 1; i < len(rules); i++ {
		assert.Less(t, rules[i-1].Seq, rules[i].Seq)
	}

	member := env.user(t, "alice", "", "")
	assert.Equal(t, domain.RoleMember, member.Role)
	assert.Equal(t, domain.TierJunior, member.Tier)

	_, _, err = env.Engine.CreateUser(env.Ctx, engine.UserCreateOptions{Username: "bob", ActorID: member.ID})
	var unauthorized engine.UnauthorizedError
	require.ErrorAs(t, err, &unauthorized)

	_, _, err = env.Engine.CreateUser(env.Ctx, engine.UserCreateOptions{Username: "alice", ActorID: env.Root.ID})
	require.ErrorIs(t, err, engine.ErrAlreadyExists)
}

func TestSubmitAutoAcceptDebitsOnce(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.SeedDefaultRules(env.Ctx, env.Root.ID)
	require.NoError(t, err)
	member := env.user(t, "alice", domain.RoleMember, domain.TierJunior)

	cmd, err := env.Engine.SubmitCommand(env.Ctx, member.ID, "ls -la")
	require.NoError(t, err)
	assert.Equal(t, domain.CommandExecuted, cmd.Status)
	assert.Equal(t, 1, cmd.CreditsUsed)
	assert.Equal(t, "[SIMULATED] Command 'ls -la' would execute here", cmd.Output)
	require.NotNil(t, cmd.MatchedRuleID)
	require.NotNil(t, cmd.ExecutedAt)
	assert.Equal(t, 99, env.balance(t, member.ID))
	assert.Equal(t, 1, env.auditCount(t, repo.AuditFilters{ResourceType: "command", ResourceID: cmd.ID, ActionType: audit.CommandExecuted}))
}

func TestSubmitAutoRejectByRule(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.SeedDefaultRules(env.Ctx, env.Root.ID)
	require.NoError(t, err)
	member := env.user(t, "alice", domain.RoleMember, domain.TierJunior)

	cmd, err := env.Engine.SubmitCommand(env.Ctx, member.ID, "git status")
	require.NoError(t, err)
	assert.Equal(t, domain.CommandRejected, cmd.Status)
	assert.Equal(t, `Command rejected by rule: git\s+`, cmd.ErrorMessage)
	assert.Equal(t, domain.KindRuleRejected, cmd.ErrorKind)
	assert.Zero(t, cmd.CreditsUsed)
	assert.Equal(t, 100, env.balance(t, member.ID))
}

func TestAnchoredRootDeletionRule(t *testing.T) {
	env := newTestEnv(t)
	env.rule(t, `^rm -rf /(\s|$)`, domain.ActionAutoReject)
	member := env.user(t, "alice", domain.RoleMember, domain.TierJunior)

	cmd, err := env.Engine.SubmitCommand(env.Ctx, member.ID, "rm -rf /")
	require.NoError(t, err)
	assert.Equal(t, domain.CommandRejected, cmd.Status)

	cmd, err = env.Engine.SubmitCommand(env.Ctx, member.ID, "rm -rf /tmp/test")
	require.NoError(t, err)
	assert.Equal(t, domain.CommandNeedsApproval, cmd.Status)
	assert.Nil(t, cmd.MatchedRuleID)
}

func TestSubmitWithZeroBalanceFails(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Credits.InitialBalance = 0 })
	env.rule(t, `^echo`, domain.ActionAutoAccept)
	member := env.user(t, "alice", domain.RoleMember, domain.TierJunior)

	cmd, err := env.Engine.SubmitCommand(env.Ctx, member.ID, "echo hi")
	require.ErrorIs(t, err, engine.ErrInsufficientCredits)
	assert.Equal(t, domain.CommandFailed, cmd.Status)
	assert.Equal(t, domain.KindInsufficientCredits, cmd.ErrorKind)
	assert.Nil(t, cmd.MatchedRuleID)
	assert.Equal(t, 0, env.balance(t, member.ID))
	assert.Equal(t, 1, env.auditCount(t, repo.AuditFilters{ResourceType: "command", ResourceID: cmd.ID}))

	stored := env.command(t, cmd.ID)
	assert.Equal(t, domain.CommandFailed, stored.Status)
}

func TestSubmitRejectsEmptyText(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.SubmitCommand(env.Ctx, env.Root.ID, "   ")
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestInactiveUserCannotSubmit(t *testing.T) {
	env := newTestEnv(t)
	member := env.user(t, "alice", domain.RoleMember, domain.TierJunior)
	inactive := false
	_, err := env.Engine.UpdateUser(env.Ctx, engine.UserUpdateOptions{ID: member.ID, Active: &inactive, ActorID: env.Root.ID})
	require.NoError(t, err)

	_, err = env.Engine.SubmitCommand(env.Ctx, member.ID, "ls")
	require.ErrorIs(t, err, engine.ErrInactiveUser)
}

func TestFailClosedDefault(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Policy.DefaultAction = config.DefaultFailClosed })
	member := env.user(t, "alice", domain.RoleMember, domain.TierJunior)

	cmd, err := env.Engine.SubmitCommand(env.Ctx, member.ID, "whoami")
	require.ErrorIs(t, err, engine.ErrNoMatchingRule)
	assert.Equal(t, domain.CommandRejected, cmd.Status)
	assert.Equal(t, domain.KindNoMatchingRule, cmd.ErrorKind)
	assert.Equal(t, 100, env.balance(t, member.ID))
}

func TestNoMatchDefaultsToApproval(t *testing.T) {
	env := newTestEnv(t)
	member := env.user(t, "alice", domain.RoleMember, domain.TierMid)

	cmd, err := env.Engine.SubmitCommand(env.Ctx, member.ID, "whoami")
	require.NoError(t, err)
	assert.Equal(t, domain.CommandNeedsApproval, cmd.Status)
	req := env.requestFor(t, cmd)
	assert.Equal(t, 2, req.RequiredApprovals)
	assert.Equal(t, domain.ApprovalPending, req.Status)
	assert.Equal(t, epoch.Add(24*time.Hour).Format(domain.TimeLayout), req.ExpiresAt)
}

func TestJuniorNeedsThreeApprovals(t *testing.T) {
	env := newTestEnv(t)
	env.rule(t, `^deploy`, domain.ActionNeedsApproval)
	a1 := env.user(t, "a1", domain.RoleAdmin, domain.TierLead)
	a2 := env.user(t, "a2", domain.RoleAdmin, domain.TierLead)
	a3 := env.user(t, "a3", domain.RoleAdmin, domain.TierLead)
	member := env.user(t, "alice", domain.RoleMember, domain.TierJunior)

	cmd, err := env.Engine.SubmitCommand(env.Ctx, member.ID, "deploy prod")
	require.NoError(t, err)
	require.Equal(t, domain.CommandNeedsApproval, cmd.Status)
	req := env.requestFor(t, cmd)
	require.Equal(t, 3, req.RequiredApprovals)

	req, err = env.Engine.CastVote(env.Ctx, a1.ID, req.ID, domain.VoteApprove, "")
	require.NoError(t, err)
	assert.Equal(t, 1, req.CurrentApprovals)
	req, err = env.Engine.CastVote(env.Ctx, a2.ID, req.ID, "approve", "looks fine")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalPending, req.Status)
	assert.Equal(t, 100, env.balance(t, member.ID))

	req, err = env.Engine.CastVote(env.Ctx, a3.ID, req.ID, domain.VoteApprove, "")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalApproved, req.Status)
	assert.Equal(t, 3, req.CurrentApprovals)
	require.NotNil(t, req.ResolvedAt)

	cmd = env.command(t, cmd.ID)
	assert.Equal(t, domain.CommandExecuted, cmd.Status)
	assert.Equal(t, "[SIMULATED] Command 'deploy prod' approved and would execute here", cmd.Output)
	assert.Equal(t, 99, env.balance(t, member.ID))

	_, err = env.Engine.CastVote(env.Ctx, env.Root.ID, req.ID, domain.VoteApprove, "")
	require.ErrorIs(t, err, engine.ErrRequestAlreadyResolved)
	assert.Equal(t, 99, env.balance(t, member.ID))

	votes, err := env.Engine.ListVotes(env.Ctx, member.ID, req.ID)
	require.NoError(t, err)
	assert.Len(t, votes, 3)
}

func TestDuplicateVoteRejected(t *testing.T) {
	env := newTestEnv(t)
	env.rule(t, `^deploy`, domain.ActionNeedsApproval)
	a1 := env.user(t, "a1", domain.RoleAdmin, domain.TierLead)
	member := env.user(t, "alice", domain.RoleMember, domain.TierJunior)

	cmd, err := env.Engine.SubmitCommand(env.Ctx, member.ID, "deploy")
	require.NoError(t, err)
	req := env.requestFor(t, cmd)

	_, err = env.Engine.CastVote(env.Ctx, a1.ID, req.ID, domain.VoteApprove, "")
	require.NoError(t, err)
	_, err = env.Engine.CastVote(env.Ctx, a1.ID, req.ID, domain.VoteApprove, "")
	require.ErrorIs(t, err, engine.ErrDuplicateVote)
	_, err = env.Engine.CastVote(env.Ctx, a1.ID, req.ID, domain.VoteReject, "")
	require.ErrorIs(t, err, engine.ErrDuplicateVote)

	req = env.requestFor(t, cmd)
	assert.Equal(t, 1, req.CurrentApprovals)
	assert.Equal(t, domain.ApprovalPending, req.Status)
}

func TestSingleVetoRejects(t *testing.T) {
	env := newTestEnv(t)
	env.rule(t, `^deploy`, domain.ActionNeedsApproval)
	a1 := env.user(t, "a1", domain.RoleAdmin, domain.TierLead)
	a2 := env.user(t, "a2", domain.RoleAdmin, domain.TierLead)
	member := env.user(t, "alice", domain.RoleMember, domain.TierJunior)

	cmd, err := env.Engine.SubmitCommand(env.Ctx, member.ID, "deploy")
	require.NoError(t, err)
	req := env.requestFor(t, cmd)

	_, err = env.Engine.CastVote(env.Ctx, a1.ID, req.ID, domain.VoteApprove, "")
	require.NoError(t, err)
	req, err = env.Engine.CastVote(env.Ctx, a2.ID, req.ID, domain.VoteReject, "")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalRejected, req.Status)
	assert.Equal(t, "Rejected by a2", req.RejectionReason)

	cmd = env.command(t, cmd.ID)
	assert.Equal(t, domain.CommandRejected, cmd.Status)
	assert.Equal(t, "Approval rejected by a2", cmd.ErrorMessage)
	assert.Equal(t, domain.KindApprovalRejected, cmd.ErrorKind)
	assert.Equal(t, 100, env.balance(t, member.ID))

	rejected := env.Events.byType(notify.ApprovalRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, []string{member.ID}, rejected[0].Recipients)
}

func TestQuorumRejectionMode(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Policy.RejectionMode = config.RejectQuorum })
	env.rule(t, `^deploy`, domain.ActionNeedsApproval)
	a1 := env.user(t, "a1", domain.RoleAdmin, domain.TierLead)
	a2 := env.user(t, "a2", domain.RoleAdmin, domain.TierLead)
	member := env.user(t, "alice", domain.RoleMember, domain.TierMid)

	cmd, err := env.Engine.SubmitCommand(env.Ctx, member.ID, "deploy")
	require.NoError(t, err)
	req := env.requestFor(t, cmd)
	require.Equal(t, 2, req.RequiredApprovals)

	req, err = env.Engine.CastVote(env.Ctx, a1.ID, req.ID, domain.VoteReject, "too risky")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalPending, req.Status)
	assert.Equal(t, 1, req.CurrentRejections)

	req, err = env.Engine.CastVote(env.Ctx, a2.ID, req.ID, domain.VoteReject, "")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalRejected, req.Status)
	assert.Equal(t, "Rejected by a2", req.RejectionReason)
}

func TestSelfApprovalUnauthorized(t *testing.T) {
	env := newTestEnv(t)
	env.rule(t, `^deploy`, domain.ActionNeedsApproval)

	cmd, err := env.Engine.SubmitCommand(env.Ctx, env.Root.ID, "deploy")
	require.NoError(t, err)
	req := env.requestFor(t, cmd)

	_, err = env.Engine.CastVote(env.Ctx, env.Root.ID, req.ID, domain.VoteApprove, "")
	var unauthorized engine.UnauthorizedError
	require.ErrorAs(t, err, &unauthorized)
	assert.Contains(t, unauthorized.Reason, "self-approval")
	assert.Equal(t, 0, env.requestFor(t, cmd).CurrentApprovals)
}

func TestNonAdminVoteUnauthorized(t *testing.T) {
	env := newTestEnv(t)
	env.rule(t, `^deploy`, domain.ActionNeedsApproval)
	alice := env.user(t, "alice", domain.RoleMember, domain.TierJunior)
	bob := env.user(t, "bob", domain.RoleMember, domain.TierLead)

	cmd, err := env.Engine.SubmitCommand(env.Ctx, alice.ID, "deploy")
	require.NoError(t, err)
	req := env.requestFor(t, cmd)

	_, err = env.Engine.CastVote(env.Ctx, bob.ID, req.ID, domain.VoteApprove, "")
	var unauthorized engine.UnauthorizedError
	require.ErrorAs(t, err, &unauthorized)

	_, err = env.Engine.CastVote(env.Ctx, env.Root.ID, req.ID, "maybe", "")
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestSweepExpiresPendingRequests(t *testing.T) {
	env := newTestEnv(t)
	env.rule(t, `^deploy`, domain.ActionNeedsApproval)
	a1 := env.user(t, "a1", domain.RoleAdmin, domain.TierLead)
	member := env.user(t, "alice", domain.RoleMember, domain.TierJunior)

	cmd, err := env.Engine.SubmitCommand(env.Ctx, member.ID, "deploy")
	require.NoError(t, err)
	req := env.requestFor(t, cmd)
	_, err = env.Engine.CastVote(env.Ctx, a1.ID, req.ID, domain.VoteApprove, "")
	require.NoError(t, err)

	expired, err := env.Engine.SweepExpiredApprovals(env.Ctx, epoch.Add(23*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, expired)

	expired, err = env.Engine.SweepExpiredApprovals(env.Ctx, epoch.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, domain.ApprovalExpired, expired[0].Status)
	assert.Equal(t, 1, expired[0].CurrentApprovals)

	cmd = env.command(t, cmd.ID)
	assert.Equal(t, domain.CommandFailed, cmd.Status)
	assert.Equal(t, "Approval request expired", cmd.ErrorMessage)
	assert.Equal(t, domain.KindExpiredApprovalRequest, cmd.ErrorKind)
	assert.Equal(t, 100, env.balance(t, member.ID))

	_, err = env.Engine.CastVote(env.Ctx, env.Root.ID, req.ID, domain.VoteApprove, "")
	require.ErrorIs(t, err, engine.ErrRequestAlreadyResolved)

	expired, err = env.Engine.SweepExpiredApprovals(env.Ctx, epoch.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, expired)
	assert.Len(t, env.Events.byType(notify.ApprovalExpired), 1)
}

func TestVoteAtExactExpiryIsRejected(t *testing.T) {
	env := newTestEnv(t)
	env.rule(t, `^deploy`, domain.ActionNeedsApproval)
	a1 := env.user(t, "a1", domain.RoleAdmin, domain.TierLead)
	member := env.user(t, "alice", domain.RoleMember, domain.TierJunior)

	cmd, err := env.Engine.SubmitCommand(env.Ctx, member.ID, "deploy")
	require.NoError(t, err)
	req := env.requestFor(t, cmd)

	env.advance(24 * time.Hour)
	got, err := env.Engine.CastVote(env.Ctx, a1.ID, req.ID, domain.VoteApprove, "")
	require.ErrorIs(t, err, engine.ErrExpiredApprovalRequest)
	assert.Equal(t, domain.ApprovalExpired, got.Status)
	assert.Equal(t, domain.ApprovalExpired, env.requestFor(t, cmd).Status)
	assert.Equal(t, domain.CommandFailed, env.command(t, cmd.ID).Status)

	votes, err := env.Engine.ListVotes(env.Ctx, a1.ID, req.ID)
	require.NoError(t, err)
	assert.Empty(t, votes)

	for _, f := range []repo.AuditFilters{
		{ActionType: audit.ApprovalExpired, ResourceID: req.ID},
		{ActionType: audit.CommandFailed, ResourceID: cmd.ID},
	} {
		page, err := env.Engine.ListAudit(env.Ctx, env.Root.ID, f, 0, 0)
		require.NoError(t, err)
		require.Len(t, page.Entries, 1, f.ActionType)
		entry := page.Entries[0]
		assert.Equal(t, audit.SystemActor, entry.ActorID)
		var meta map[string]any
		require.NoError(t, json.Unmarshal([]byte(entry.Metadata), &meta))
		assert.Equal(t, a1.ID, meta["voter_id"])
		assert.Equal(t, "vote", meta["trigger"])
	}
}

func TestExpiryRoundsUpToWholeSecond(t *testing.T) {
	env := newTestEnv(t)
	env.rule(t, `^deploy`, domain.ActionNeedsApproval)
	a1 := env.user(t, "a1", domain.RoleAdmin, domain.TierLead)
	member := env.user(t, "alice", domain.RoleMember, domain.TierJunior)

	env.advance(500 * time.Millisecond)
	cmd, err := env.Engine.SubmitCommand(env.Ctx, member.ID, "deploy")
	require.NoError(t, err)
	req := env.requestFor(t, cmd)
	assert.Equal(t, epoch.Add(24*time.Hour+time.Second).Format(domain.TimeLayout), req.ExpiresAt)

	// the full window has elapsed only once the fraction is paid back
	env.advance(24 * time.Hour)
	got, err := env.Engine.CastVote(env.Ctx, a1.ID, req.ID, domain.VoteApprove, "")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalPending, got.Status)
}

func TestGetApprovalExpiresLazily(t *testing.T) {
	env := newTestEnv(t)
	env.rule(t, `^deploy`, domain.ActionNeedsApproval)
	member := env.user(t, "alice", domain.RoleMember, domain.TierJunior)
	other := env.user(t, "bob", domain.RoleMember, domain.TierJunior)

	cmd, err := env.Engine.SubmitCommand(env.Ctx, member.ID, "deploy")
	require.NoError(t, err)
	req := env.requestFor(t, cmd)

	got, err := env.Engine.GetApproval(env.Ctx, member.ID, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalPending, got.Status)

	_, err = env.Engine.GetApproval(env.Ctx, other.ID, req.ID)
	var unauthorized engine.UnauthorizedError
	require.ErrorAs(t, err, &unauthorized)

	env.advance(25 * time.Hour)
	got, err = env.Engine.GetApproval(env.Ctx, member.ID, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalExpired, got.Status)
	assert.Equal(t, domain.CommandFailed, env.command(t, cmd.ID).Status)
}

func TestConcurrentSubmissionsNeverOverdraw(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Credits.InitialBalance = 3 })
	env.rule(t, `^echo`, domain.ActionAutoAccept)
	member := env.user(t, "alice", domain.RoleMember, domain.TierJunior)

	const n = 10
	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		executed     int
		insufficient int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cmd, err := env.Engine.SubmitCommand(env.Ctx, member.ID, "echo hi")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, engine.ErrInsufficientCredits):
				insufficient++
			case err == nil && cmd.Status == domain.CommandExecuted:
				executed++
			default:
				t.Errorf("unexpected outcome: %v %+v", err, cmd)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 3, executed)
	assert.Equal(t, n-3, insufficient)
	assert.Equal(t, 0, env.balance(t, member.ID))
}

func TestConcurrentVotesCrossQuorumOnce(t *testing.T) {
	env := newTestEnv(t)
	env.rule(t, `^deploy`, domain.ActionNeedsApproval, threshold(2))
	member := env.user(t, "alice", domain.RoleMember, domain.TierJunior)
	const n = 5
	admins := make([]domain.User, n)
	for i := range admins {
		admins[i] = env.user(t, "admin"+string(rune('a'+i)), domain.RoleAdmin, domain.TierLead)
	}
	cmd, err := env.Engine.SubmitCommand(env.Ctx, member.ID, "deploy prod")
	require.NoError(t, err)
	req := env.requestFor(t, cmd)
	require.Equal(t, 2, req.RequiredApprovals)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		resolved int
	)
	for _, admin := range admins {
		wg.Add(1)
		go func(adminID string) {
			defer wg.Done()
			_, err := env.Engine.CastVote(env.Ctx, adminID, req.ID, domain.VoteApprove, "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, engine.ErrRequestAlreadyResolved):
				resolved++
			default:
				t.Errorf("unexpected vote error: %v", err)
			}
		}(admin.ID)
	}
	wg.Wait()

	assert.Equal(t, 2, accepted)
	assert.Equal(t, n-2, resolved)
	req = env.requestFor(t, cmd)
	assert.Equal(t, domain.ApprovalApproved, req.Status)
	assert.Equal(t, 2, req.CurrentApprovals)
	stored, err := env.Engine.Repo.CountVotes(env.Ctx, nil, req.ID, domain.VoteApprove)
	require.NoError(t, err)
	assert.Equal(t, req.CurrentApprovals, stored)

	assert.Equal(t, domain.CommandExecuted, env.command(t, cmd.ID).Status)
	assert.Equal(t, 99, env.balance(t, member.ID))
	assert.Equal(t, 1, env.auditCount(t, repo.AuditFilters{ActionType: audit.CommandExecuted, ResourceID: cmd.ID}))
}

func TestQuorumWithInsufficientCredits(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Credits.InitialBalance = 1 })
	env.rule(t, `^deploy`, domain.ActionNeedsApproval, threshold(1))
	a1 := env.user(t, "a1", domain.RoleAdmin, domain.TierLead)
	member := env.user(t, "alice", domain.RoleMember, domain.TierJunior)

	first, err := env.Engine.SubmitCommand(env.Ctx, member.ID, "deploy a")
	require.NoError(t, err)
	second, err := env.Engine.SubmitCommand(env.Ctx, member.ID, "deploy b")
	require.NoError(t, err)
	require.Equal(t, 1, env.requestFor(t, first).RequiredApprovals)

	_, err = env.Engine.CastVote(env.Ctx, a1.ID, env.requestFor(t, first).ID, domain.VoteApprove, "")
	require.NoError(t, err)
	assert.Equal(t, domain.CommandExecuted, env.command(t, first.ID).Status)
	assert.Equal(t, 0, env.balance(t, member.ID))

	req, err := env.Engine.CastVote(env.Ctx, a1.ID, env.requestFor(t, second).ID, domain.VoteApprove, "")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalApproved, req.Status)
	cmd := env.command(t, second.ID)
	assert.Equal(t, domain.CommandFailed, cmd.Status)
	assert.Equal(t, domain.KindInsufficientCredits, cmd.ErrorKind)
	assert.Equal(t, 0, env.balance(t, member.ID))
}

func TestApprovalCostFixedAtSubmission(t *testing.T) {
	env := newTestEnv(t)
	cost := 5
	rl := env.rule(t, `^deploy`, domain.ActionNeedsApproval, threshold(1), func(o *engine.RuleCreateOptions) { o.Cost = &cost })
	a1 := env.user(t, "a1", domain.RoleAdmin, domain.TierLead)
	member := env.user(t, "alice", domain.RoleMember, domain.TierJunior)

	cmd, err := env.Engine.SubmitCommand(env.Ctx, member.ID, "deploy")
	require.NoError(t, err)

	newCost := 50
	_, err = env.Engine.UpdateRule(env.Ctx, engine.RuleUpdateOptions{ID: rl.ID, Cost: &newCost, ActorID: env.Root.ID})
	require.NoError(t, err)

	_, err = env.Engine.CastVote(env.Ctx, a1.ID, env.requestFor(t, cmd).ID, domain.VoteApprove, "")
	require.NoError(t, err)
	assert.Equal(t, 5, env.command(t, cmd.ID).CreditsUsed)
	assert.Equal(t, 95, env.balance(t, member.ID))
}

func TestRuleMutationsRecomputeConflicts(t *testing.T) {
	env := newTestEnv(t)
	broad := env.rule(t, `rm`, domain.ActionAutoAccept)
	change, err := env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{Pattern: `rm\s+-rf`, Action: domain.ActionAutoReject, ActorID: env.Root.ID})
	require.NoError(t, err)
	require.Len(t, change.Conflicts, 1)
	c := change.Conflicts[0]
	assert.Equal(t, broad.ID, c.RuleID1)
	assert.Equal(t, change.Rule.ID, c.RuleID2)
	assert.Equal(t, "SHADOW", c.ConflictType)
	assert.Equal(t, "HIGH", c.Severity)

	stored, err := env.Engine.ListConflicts(env.Ctx, env.Root.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 1, env.auditCount(t, repo.AuditFilters{ActionType: audit.RuleConflictsDetected}))

	deleted, err := env.Engine.DeleteRule(env.Ctx, env.Root.ID, change.Rule.ID)
	require.NoError(t, err)
	assert.False(t, deleted.Rule.Active)
	assert.Empty(t, deleted.Conflicts)

	stored, err = env.Engine.ListConflicts(env.Ctx, env.Root.ID)
	require.NoError(t, err)
	assert.Empty(t, stored)

	active, err := env.Engine.ListRules(env.Ctx, env.Root.ID, true)
	require.NoError(t, err)
	assert.Len(t, active, 1)
	all, err := env.Engine.ListRules(env.Ctx, env.Root.ID, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestUpdateRuleChangesMatching(t *testing.T) {
	env := newTestEnv(t)
	rl := env.rule(t, `^make`, domain.ActionAutoReject)
	member := env.user(t, "alice", domain.RoleMember, domain.TierJunior)

	cmd, err := env.Engine.SubmitCommand(env.Ctx, member.ID, "make build")
	require.NoError(t, err)
	assert.Equal(t, domain.CommandRejected, cmd.Status)

	action := domain.ActionAutoAccept
	_, err = env.Engine.UpdateRule(env.Ctx, engine.RuleUpdateOptions{ID: rl.ID, Action: &action, ActorID: env.Root.ID})
	require.NoError(t, err)

	cmd, err = env.Engine.SubmitCommand(env.Ctx, member.ID, "make build")
	require.NoError(t, err)
	assert.Equal(t, domain.CommandExecuted, cmd.Status)
}

func TestCreateRuleValidation(t *testing.T) {
	env := newTestEnv(t)
	member := env.user(t, "alice", domain.RoleMember, domain.TierJunior)

	_, err := env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{Pattern: `([`, Action: domain.ActionAutoReject, ActorID: env.Root.ID})
	var invalidPattern engine.InvalidPatternError
	require.ErrorAs(t, err, &invalidPattern)
	assert.Equal(t, `([`, invalidPattern.Pattern)

	_, err = env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{Pattern: `^ls`, Action: "MAYBE", ActorID: env.Root.ID})
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{Pattern: `^ls`, Action: domain.ActionAutoAccept, ActorID: member.ID})
	var unauthorized engine.UnauthorizedError
	require.ErrorAs(t, err, &unauthorized)

	env.rule(t, `^ls`, domain.ActionAutoAccept, func(o *engine.RuleCreateOptions) { o.Seq = 5 })
	_, err = env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{Pattern: `^cat`, Action: domain.ActionAutoAccept, Seq: 5, ActorID: env.Root.ID})
	require.ErrorIs(t, err, engine.ErrAlreadyExists)
}

func TestAuditTrailIsAppendOnly(t *testing.T) {
	env := newTestEnv(t)
	env.rule(t, `^echo`, domain.ActionAutoAccept)
	_, err := env.Engine.SubmitCommand(env.Ctx, env.Root.ID, "echo hi")
	require.NoError(t, err)

	_, err = env.DB.ExecContext(env.Ctx, `UPDATE audit_logs SET actor_id='forged'`)
	require.Error(t, err)
	_, err = env.DB.ExecContext(env.Ctx, `DELETE FROM audit_logs`)
	require.Error(t, err)

	page, err := env.Engine.ListAudit(env.Ctx, env.Root.ID, repo.AuditFilters{}, 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, page.Entries)
	for _, e := range page.Entries {
		assert.NotEqual(t, "forged", e.ActorID)
	}
}

func TestAuditFailureAbortsTransition(t *testing.T) {
	env := newTestEnv(t)
	env.rule(t, `^echo`, domain.ActionAutoAccept)
	member := env.user(t, "alice", domain.RoleMember, domain.TierJunior)

	_, err := env.DB.ExecContext(env.Ctx, `CREATE TRIGGER audit_logs_refuse BEFORE INSERT ON audit_logs
BEGIN
  SELECT RAISE(ABORT, 'audit store unavailable');
END`)
	require.NoError(t, err)

	_, err = env.Engine.SubmitCommand(env.Ctx, member.ID, "echo hi")
	require.Error(t, err)
	assert.Equal(t, 100, env.balance(t, member.ID))

	var rows int
	require.NoError(t, env.DB.QueryRowContext(env.Ctx, `SELECT COUNT(*) FROM commands`).Scan(&rows))
	assert.Zero(t, rows)
}

func TestAuditPaging(t *testing.T) {
	env := newTestEnv(t)
	env.rule(t, `^echo`, domain.ActionAutoAccept)
	for i := 0; i < 5; i++ {
		_, err := env.Engine.SubmitCommand(env.Ctx, env.Root.ID, "echo hi")
		require.NoError(t, err)
	}
	f := repo.AuditFilters{ActionType: audit.CommandExecuted}
	first, err := env.Engine.ListAudit(env.Ctx, env.Root.ID, f, 3, 0)
	require.NoError(t, err)
	require.Len(t, first.Entries, 3)
	require.NotZero(t, first.NextCursor)

	second, err := env.Engine.ListAudit(env.Ctx, env.Root.ID, f, 3, first.NextCursor)
	require.NoError(t, err)
	require.Len(t, second.Entries, 2)
	assert.Zero(t, second.NextCursor)
	assert.Less(t, second.Entries[0].ID, first.Entries[2].ID)

	member := env.user(t, "alice", domain.RoleMember, domain.TierJunior)
	_, err = env.Engine.ListAudit(env.Ctx, member.ID, f, 3, 0)
	var unauthorized engine.UnauthorizedError
	require.ErrorAs(t, err, &unauthorized)
}

func TestApprovalNotificationsRouting(t *testing.T) {
	env := newTestEnv(t)
	env.rule(t, `^deploy`, domain.ActionNeedsApproval, threshold(1))
	a1 := env.user(t, "a1", domain.RoleAdmin, domain.TierLead)
	member := env.user(t, "alice", domain.RoleMember, domain.TierJunior)

	cmd, err := env.Engine.SubmitCommand(env.Ctx, member.ID, "deploy")
	require.NoError(t, err)
	requested := env.Events.byType(notify.ApprovalRequested)
	require.Len(t, requested, 1)
	assert.ElementsMatch(t, []string{a1.ID, env.Root.ID}, requested[0].Recipients)

	_, err = env.Engine.CastVote(env.Ctx, a1.ID, env.requestFor(t, cmd).ID, domain.VoteApprove, "")
	require.NoError(t, err)
	approved := env.Events.byType(notify.ApprovalApproved)
	require.Len(t, approved, 1)
	assert.Equal(t, []string{member.ID}, approved[0].Recipients)
	assert.Equal(t, domain.CommandExecuted, approved[0].Payload["command_status"])

	adminCmd, err := env.Engine.SubmitCommand(env.Ctx, a1.ID, "deploy")
	require.NoError(t, err)
	requested = env.Events.byType(notify.ApprovalRequested)
	require.Len(t, requested, 2)
	assert.Equal(t, []string{env.Root.ID}, requested[1].Recipients)
	assert.Equal(t, adminCmd.ID, requested[1].CommandID)
}

func TestCommandVisibility(t *testing.T) {
	env := newTestEnv(t)
	env.rule(t, `^echo`, domain.ActionAutoAccept)
	alice := env.user(t, "alice", domain.RoleMember, domain.TierJunior)
	bob := env.user(t, "bob", domain.RoleMember, domain.TierJunior)

	cmd, err := env.Engine.SubmitCommand(env.Ctx, alice.ID, "echo hi")
	require.NoError(t, err)

	_, err = env.Engine.GetCommand(env.Ctx, bob.ID, cmd.ID)
	var unauthorized engine.UnauthorizedError
	require.ErrorAs(t, err, &unauthorized)
	got, err := env.Engine.GetCommand(env.Ctx, env.Root.ID, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, cmd.ID, got.ID)

	mine, err := env.Engine.ListCommands(env.Ctx, bob.ID, false, "", 0)
	require.NoError(t, err)
	assert.Empty(t, mine)
	_, err = env.Engine.ListCommands(env.Ctx, bob.ID, true, "", 0)
	require.ErrorAs(t, err, &unauthorized)
	all, err := env.Engine.ListCommands(env.Ctx, env.Root.ID, true, "executed", 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestAPIKeyLifecycle(t *testing.T) {
	env := newTestEnv(t)
	u, key, err := env.Engine.CreateUser(env.Ctx, engine.UserCreateOptions{Username: "alice", ActorID: env.Root.ID})
	require.NoError(t, err)
	require.NotEmpty(t, key)
	assert.NotEqual(t, key, u.APIKeyHash)

	got, err := env.Engine.AuthenticateAPIKey(env.Ctx, key)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	rotated, err := env.Engine.RotateAPIKey(env.Ctx, u.ID, u.ID)
	require.NoError(t, err)
	_, err = env.Engine.AuthenticateAPIKey(env.Ctx, key)
	var unauthorized engine.UnauthorizedError
	require.ErrorAs(t, err, &unauthorized)
	_, err = env.Engine.AuthenticateAPIKey(env.Ctx, rotated)
	require.NoError(t, err)
}

func TestGrantCreditsAndProfileUpdates(t *testing.T) {
	env := newTestEnv(t)
	member := env.user(t, "alice", domain.RoleMember, domain.TierJunior)

	u, err := env.Engine.GrantCredits(env.Ctx, env.Root.ID, member.ID, 25)
	require.NoError(t, err)
	assert.Equal(t, 125, u.CreditBalance)
	assert.Equal(t, 1, env.auditCount(t, repo.AuditFilters{ActionType: audit.CreditsGranted, ResourceID: member.ID}))

	_, err = env.Engine.GrantCredits(env.Ctx, env.Root.ID, member.ID, 0)
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)
	_, err = env.Engine.GrantCredits(env.Ctx, member.ID, member.ID, 10)
	var unauthorized engine.UnauthorizedError
	require.ErrorAs(t, err, &unauthorized)

	tier := domain.TierSenior
	u, err = env.Engine.UpdateUser(env.Ctx, engine.UserUpdateOptions{ID: member.ID, Tier: &tier, ActorID: env.Root.ID})
	require.NoError(t, err)
	assert.Equal(t, domain.TierSenior, u.Tier)

	demote := domain.RoleMember
	_, err = env.Engine.UpdateUser(env.Ctx, engine.UserUpdateOptions{ID: env.Root.ID, Role: &demote, ActorID: env.Root.ID})
	require.ErrorAs(t, err, &unauthorized)
}
