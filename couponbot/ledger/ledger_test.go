package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nightcoffee/couponbot/couponbot/database"
	"github.com/nightcoffee/couponbot/couponbot/database/models"
	"github.com/nightcoffee/couponbot/couponbot/database/repositories"
	"golang.org/x/sync/errgroup"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestLedger(t *testing.T) (*Ledger, *testClock) {
	t.Helper()

	ctx := context.Background()
	db, err := database.New(ctx, database.DBConfig{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "ledger_test.db"),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(db.Close)

	if err := db.InitializeSchema(ctx); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	clock := newTestClock()
	l := New(db)
	l.SetClock(clock.Now)
	return l, clock
}

func mustCreateProject(t *testing.T, l *Ledger, name string) {
	t.Helper()
	if _, err := l.CreateProject(context.Background(), name); err != nil {
		t.Fatalf("failed to create project %s: %v", name, err)
	}
}

func mustAddCoupons(t *testing.T, l *Ledger, project string, codes []string, expiryDays *int) *repositories.AddResult {
	t.Helper()
	result, _, err := l.AddCoupons(context.Background(), project, codes, expiryDays)
	if err != nil {
		t.Fatalf("failed to add coupons to %s: %v", project, err)
	}
	return result
}

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }

func TestCreateProject_DuplicateName(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	mustCreateProject(t, l, "alpha")

	_, err := l.CreateProject(ctx, "alpha")
	if !repositories.IsConflict(err) {
		t.Fatalf("expected ConflictError for duplicate name, got %v", err)
	}

	// Exact match is case-sensitive; a different casing is a new project.
	if _, err := l.CreateProject(ctx, "Alpha"); err != nil {
		t.Fatalf("case-variant name should be accepted, got %v", err)
	}
}

func TestProjectNames_Ordered(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	for _, name := range []string{"zeta", "alpha", "midway"} {
		mustCreateProject(t, l, name)
	}

	names, err := l.ProjectNames(ctx)
	if err != nil {
		t.Fatalf("ProjectNames failed: %v", err)
	}
	want := []string{"alpha", "midway", "zeta"}
	if len(names) != len(want) {
		t.Fatalf("got %d names, want %d", len(names), len(want))
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestSetProjectSetting(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	mustCreateProject(t, l, "alpha")

	tests := []struct {
		name    string
		project string
		key     string
		value   interface{}
		wantErr func(error) bool
	}{
		{
			name:    "toggle claim active",
			project: "alpha",
			key:     models.SettingClaimActive,
			value:   false,
		},
		{
			name:    "set cooldown",
			project: "alpha",
			key:     models.SettingCooldownHours,
			value:   24,
		},
		{
			name:    "unknown key",
			project: "alpha",
			key:     "name",
			value:   "sneaky",
			wantErr: func(err error) bool { return errors.Is(err, repositories.ErrInvalidSetting) },
		},
		{
			name:    "wrong value type",
			project: "alpha",
			key:     models.SettingCooldownHours,
			value:   "24",
			wantErr: func(err error) bool { return errors.Is(err, repositories.ErrInvalidSetting) },
		},
		{
			name:    "negative cooldown",
			project: "alpha",
			key:     models.SettingCooldownHours,
			value:   -1,
			wantErr: func(err error) bool { return errors.Is(err, repositories.ErrInvalidSetting) },
		},
		{
			name:    "missing project",
			project: "ghost",
			key:     models.SettingClaimActive,
			value:   true,
			wantErr: repositories.IsNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := l.SetProjectSetting(ctx, tt.project, tt.key, tt.value)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("SetProjectSetting() error = %v, want nil", err)
				}
				return
			}
			if !tt.wantErr(err) {
				t.Fatalf("SetProjectSetting() error = %v, want matching error", err)
			}
		})
	}
}

func TestAddCoupons_DedupSystemWide(t *testing.T) {
	l, _ := newTestLedger(t)

	mustCreateProject(t, l, "alpha")
	mustCreateProject(t, l, "beta")

	result := mustAddCoupons(t, l, "alpha", []string{"A", "B", "A"}, nil)
	if result.Inserted != 2 || result.Duplicates != 1 {
		t.Fatalf("first add: inserted=%d duplicates=%d, want 2/1", result.Inserted, result.Duplicates)
	}

	result = mustAddCoupons(t, l, "alpha", []string{"A", "C"}, nil)
	if result.Inserted != 1 || result.Duplicates != 1 {
		t.Fatalf("second add: inserted=%d duplicates=%d, want 1/1", result.Inserted, result.Duplicates)
	}
	if len(result.InsertedCodes) != 1 || result.InsertedCodes[0] != "C" {
		t.Fatalf("second add: insertedCodes=%v, want [C]", result.InsertedCodes)
	}

	// Codes are globally unique: a code that lives in alpha cannot be
	// re-added under beta.
	result = mustAddCoupons(t, l, "beta", []string{"A", "D"}, nil)
	if result.Inserted != 1 || result.Duplicates != 1 {
		t.Fatalf("cross-project add: inserted=%d duplicates=%d, want 1/1", result.Inserted, result.Duplicates)
	}
}

func TestAddCoupons_MissingProject(t *testing.T) {
	l, _ := newTestLedger(t)

	_, _, err := l.AddCoupons(context.Background(), "ghost", []string{"A"}, nil)
	if !repositories.IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestStock_ExcludesClaimedAndExpired(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	mustCreateProject(t, l, "alpha")
	mustAddCoupons(t, l, "alpha", []string{"EXP"}, intPtr(1))
	mustAddCoupons(t, l, "alpha", []string{"A", "B"}, nil)

	if stock, err := l.Stock(ctx, "alpha"); err != nil || stock != 3 {
		t.Fatalf("initial stock = %d (%v), want 3", stock, err)
	}

	// The soonest-to-expire coupon goes first.
	res := l.Claim(ctx, "user-1", "alpha")
	if res.Status != StatusSuccess || res.Code != "EXP" {
		t.Fatalf("claim = %v (%s), want SUCCESS with code EXP", res.Status, res.Code)
	}

	res = l.Claim(ctx, "user-2", "alpha")
	if res.Status != StatusSuccess || res.Code != "A" {
		t.Fatalf("claim = %v (%s), want SUCCESS with code A", res.Status, res.Code)
	}

	clock.Advance(25 * time.Hour)

	// EXP is claimed and expired, A is claimed, only B counts.
	if stock, err := l.Stock(ctx, "alpha"); err != nil || stock != 1 {
		t.Fatalf("stock after claim+expiry = %d (%v), want 1", stock, err)
	}

	if _, err := l.Stock(ctx, "ghost"); !repositories.IsNotFound(err) {
		t.Fatalf("expected NotFoundError for missing project, got %v", err)
	}
}

func TestClaim_StateOrder(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	if res := l.Claim(ctx, "user-1", "ghost"); res.Status != StatusNoProject {
		t.Fatalf("claim on missing project = %v, want NO_PROJECT", res.Status)
	}

	mustCreateProject(t, l, "alpha")

	// A ban outranks the disabled check: disable the project AND ban the
	// user, the ban must be what the user sees.
	if err := l.SetProjectSetting(ctx, "alpha", models.SettingClaimActive, false); err != nil {
		t.Fatalf("failed to disable claims: %v", err)
	}
	if _, err := l.BanUser(ctx, "user-1", nil, "abuse", nil); err != nil {
		t.Fatalf("failed to ban: %v", err)
	}

	res := l.Claim(ctx, "user-1", "alpha")
	if res.Status != StatusBanned || res.BanReason != "abuse" {
		t.Fatalf("claim = %v (%q), want BANNED with reason abuse", res.Status, res.BanReason)
	}

	if err := l.UnbanUser(ctx, "user-1", nil); err != nil {
		t.Fatalf("failed to unban: %v", err)
	}

	if res := l.Claim(ctx, "user-1", "alpha"); res.Status != StatusDisabled {
		t.Fatalf("claim = %v, want DISABLED", res.Status)
	}

	if err := l.SetProjectSetting(ctx, "alpha", models.SettingClaimActive, true); err != nil {
		t.Fatalf("failed to enable claims: %v", err)
	}

	if res := l.Claim(ctx, "user-1", "alpha"); res.Status != StatusNoStock {
		t.Fatalf("claim = %v, want NO_STOCK", res.Status)
	}
}

func TestClaim_CooldownWindow(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	mustCreateProject(t, l, "alpha")
	if err := l.SetProjectSetting(ctx, "alpha", models.SettingCooldownHours, 3); err != nil {
		t.Fatalf("failed to set cooldown: %v", err)
	}
	mustAddCoupons(t, l, "alpha", []string{"FIRST", "SECOND"}, nil)

	res := l.Claim(ctx, "user-1", "alpha")
	if res.Status != StatusSuccess {
		t.Fatalf("first claim = %v, want SUCCESS", res.Status)
	}
	firstCode := res.Code

	clock.Advance(1 * time.Hour)

	res = l.Claim(ctx, "user-1", "alpha")
	if res.Status != StatusCooldown {
		t.Fatalf("claim inside cooldown = %v, want COOLDOWN", res.Status)
	}
	if res.Code != firstCode {
		t.Errorf("cooldown reports code %q, want the previous code %q", res.Code, firstCode)
	}
	if res.Remaining != 2*time.Hour {
		t.Errorf("cooldown remaining = %v, want 2h", res.Remaining)
	}

	// Another user is unaffected by this user's cooldown.
	if res := l.Claim(ctx, "user-2", "alpha"); res.Status != StatusSuccess {
		t.Fatalf("other user claim = %v, want SUCCESS", res.Status)
	}

	clock.Advance(2*time.Hour + time.Minute)

	res = l.Claim(ctx, "user-1", "alpha")
	if res.Status != StatusNoStock {
		// Both coupons are gone by now; the point is the cooldown no
		// longer blocks.
		t.Fatalf("claim after cooldown = %v, want NO_STOCK", res.Status)
	}
}

func TestClaim_BanPrecedence(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	mustCreateProject(t, l, "alpha")
	mustAddCoupons(t, l, "alpha", []string{"X1", "X2", "X3"}, nil)

	// Global ban blocks with no scoped row present.
	if _, err := l.BanUser(ctx, "user-1", nil, "global abuse", nil); err != nil {
		t.Fatalf("global ban failed: %v", err)
	}
	if res := l.Claim(ctx, "user-1", "alpha"); res.Status != StatusBanned {
		t.Fatalf("globally banned claim = %v, want BANNED", res.Status)
	}

	// Scoped ban blocks with no global row present.
	if _, err := l.BanUser(ctx, "user-2", strPtr("alpha"), "project abuse", nil); err != nil {
		t.Fatalf("scoped ban failed: %v", err)
	}
	if res := l.Claim(ctx, "user-2", "alpha"); res.Status != StatusBanned {
		t.Fatalf("project-banned claim = %v, want BANNED", res.Status)
	}

	// Permanent outranks temporary when both are active.
	if _, err := l.BanUser(ctx, "user-2", nil, "permanent global", nil); err != nil {
		t.Fatalf("second ban failed: %v", err)
	}
	res := l.Claim(ctx, "user-2", "alpha")
	if res.Status != StatusBanned || res.BanReason != "permanent global" {
		t.Fatalf("claim = %v (%q), want the permanent ban's reason", res.Status, res.BanReason)
	}

	// An expired ban does not block.
	if _, err := l.BanUser(ctx, "user-3", nil, "short", intPtr(1)); err != nil {
		t.Fatalf("timed ban failed: %v", err)
	}
	clock.Advance(2 * time.Hour)
	if res := l.Claim(ctx, "user-3", "alpha"); res.Status != StatusSuccess {
		t.Fatalf("claim after ban expiry = %v, want SUCCESS", res.Status)
	}
}

func TestBanUser_UpsertOverwrites(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	receipt, err := l.BanUser(ctx, "user-1", nil, "first", intPtr(1))
	if err != nil || !receipt.Created {
		t.Fatalf("first ban: receipt=%+v err=%v, want created", receipt, err)
	}

	receipt, err = l.BanUser(ctx, "user-1", nil, "second", nil)
	if err != nil {
		t.Fatalf("re-ban failed: %v", err)
	}
	if receipt.Created {
		t.Error("re-ban reported a new row, want overwrite")
	}
	if receipt.BannedUntil != nil {
		t.Error("re-ban should have made the ban permanent")
	}

	count, err := l.db.BunDB().NewSelect().
		Model((*models.Ban)(nil)).
		Where("user_id = ?", "user-1").
		Count(ctx)
	if err != nil {
		t.Fatalf("failed to count bans: %v", err)
	}
	if count != 1 {
		t.Fatalf("ban rows = %d, want 1 after upsert", count)
	}
}

func TestUnbanUser_NotBanned(t *testing.T) {
	l, _ := newTestLedger(t)

	err := l.UnbanUser(context.Background(), "user-1", nil)
	if !errors.Is(err, repositories.ErrNotBanned) {
		t.Fatalf("expected ErrNotBanned, got %v", err)
	}
}

func TestBanUser_MissingProjectScope(t *testing.T) {
	l, _ := newTestLedger(t)

	_, err := l.BanUser(context.Background(), "user-1", strPtr("ghost"), "reason", nil)
	if !repositories.IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestDeleteProject_Cascade(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	mustCreateProject(t, l, "alpha")
	mustCreateProject(t, l, "beta")
	mustAddCoupons(t, l, "alpha", []string{"A1", "A2"}, nil)
	mustAddCoupons(t, l, "beta", []string{"B1"}, nil)

	if _, err := l.BanUser(ctx, "user-1", strPtr("alpha"), "scoped", nil); err != nil {
		t.Fatalf("scoped ban failed: %v", err)
	}
	if _, err := l.BanUser(ctx, "user-1", nil, "global", nil); err != nil {
		t.Fatalf("global ban failed: %v", err)
	}

	if _, err := l.DeleteProject(ctx, "alpha"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if _, err := l.DeleteProject(ctx, "alpha"); !repositories.IsNotFound(err) {
		t.Fatalf("second delete: expected NotFoundError, got %v", err)
	}

	coupons, err := l.db.BunDB().NewSelect().Model((*models.Coupon)(nil)).Count(ctx)
	if err != nil {
		t.Fatalf("failed to count coupons: %v", err)
	}
	if coupons != 1 {
		t.Errorf("coupons after cascade = %d, want only beta's 1", coupons)
	}

	bans, err := l.db.BunDB().NewSelect().Model((*models.Ban)(nil)).Count(ctx)
	if err != nil {
		t.Fatalf("failed to count bans: %v", err)
	}
	if bans != 1 {
		t.Errorf("bans after cascade = %d, want only the global 1", bans)
	}

	// The surviving global ban still blocks claims elsewhere.
	if res := l.Claim(ctx, "user-1", "beta"); res.Status != StatusBanned {
		t.Errorf("claim on beta = %v, want BANNED by the surviving global ban", res.Status)
	}
}

func TestCleanupExpired_Idempotent(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	mustCreateProject(t, l, "alpha")
	mustAddCoupons(t, l, "alpha", []string{"E1", "E2"}, intPtr(1))
	mustAddCoupons(t, l, "alpha", []string{"KEEP"}, nil)

	// A claimed coupon past its expiry is purged too.
	if res := l.Claim(ctx, "user-1", "alpha"); res.Status != StatusSuccess {
		t.Fatalf("claim = %v, want SUCCESS", res.Status)
	}

	clock.Advance(25 * time.Hour)

	count, err := l.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("first cleanup deleted %d, want 2", count)
	}

	count, err = l.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("second cleanup failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("second cleanup deleted %d, want 0", count)
	}

	if stock, err := l.Stock(ctx, "alpha"); err != nil || stock != 1 {
		t.Fatalf("stock after cleanup = %d (%v), want 1", stock, err)
	}
}

func TestClaim_ExpiryOrderSoonestFirst(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	mustCreateProject(t, l, "alpha")
	mustAddCoupons(t, l, "alpha", []string{"LATER"}, intPtr(10))
	mustAddCoupons(t, l, "alpha", []string{"NEVER"}, nil)
	mustAddCoupons(t, l, "alpha", []string{"SOON"}, intPtr(1))

	want := []string{"SOON", "LATER", "NEVER"}
	for i, user := range []string{"user-1", "user-2", "user-3"} {
		res := l.Claim(ctx, user, "alpha")
		if res.Status != StatusSuccess {
			t.Fatalf("claim %d = %v, want SUCCESS", i, res.Status)
		}
		if res.Code != want[i] {
			t.Errorf("claim %d handed out %q, want %q", i, res.Code, want[i])
		}
	}
}

func TestClaim_NoDoubleIssuance(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	mustCreateProject(t, l, "alpha")
	mustAddCoupons(t, l, "alpha", []string{"ONLY"}, nil)

	const claimants = 32

	var mu sync.Mutex
	statuses := make(map[ClaimStatus]int)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < claimants; i++ {
		userID := "user-" + string(rune('A'+i%26)) + string(rune('a'+i/26))
		g.Go(func() error {
			res := l.Claim(gctx, userID, "alpha")
			if res.Status == StatusError {
				return res.Err
			}
			mu.Lock()
			statuses[res.Status]++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent claims errored: %v", err)
	}

	if statuses[StatusSuccess] != 1 {
		t.Fatalf("successes = %d, want exactly 1", statuses[StatusSuccess])
	}
	if statuses[StatusNoStock] != claimants-1 {
		t.Fatalf("NO_STOCK = %d, want %d", statuses[StatusNoStock], claimants-1)
	}

	var claimed []models.Coupon
	if err := l.db.BunDB().NewSelect().Model(&claimed).Where("is_claimed = ?", true).Scan(ctx); err != nil {
		t.Fatalf("failed to read coupons: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed rows = %d, want 1", len(claimed))
	}
	if claimed[0].ClaimedBy == "" || claimed[0].ClaimedAt == nil {
		t.Fatal("winning coupon is missing its claimant or timestamp")
	}
}

func TestClaim_ConcurrentUsersDrainStock(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	mustCreateProject(t, l, "alpha")

	codes := make([]string, 10)
	for i := range codes {
		codes[i] = "C" + string(rune('0'+i))
	}
	mustAddCoupons(t, l, "alpha", codes, nil)

	const claimants = 20

	var mu sync.Mutex
	issued := make(map[string]string) // code -> user

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < claimants; i++ {
		userID := "drain-" + string(rune('A'+i))
		g.Go(func() error {
			res := l.Claim(gctx, userID, "alpha")
			switch res.Status {
			case StatusSuccess:
				mu.Lock()
				if prev, dup := issued[res.Code]; dup {
					mu.Unlock()
					t.Errorf("code %q issued to both %s and %s", res.Code, prev, userID)
					return nil
				}
				issued[res.Code] = userID
				mu.Unlock()
			case StatusNoStock:
			default:
				return res.Err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent claims errored: %v", err)
	}

	if len(issued) != len(codes) {
		t.Fatalf("distinct codes issued = %d, want %d", len(issued), len(codes))
	}

	if stock, err := l.Stock(ctx, "alpha"); err != nil || stock != 0 {
		t.Fatalf("stock after drain = %d (%v), want 0", stock, err)
	}
}
