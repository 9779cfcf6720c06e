package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/vaultd/internal/config"
	"github.com/fyrsmithlabs/vaultd/internal/crypto"
	"github.com/fyrsmithlabs/vaultd/internal/embeddings"
	"github.com/fyrsmithlabs/vaultd/internal/engine"
	"github.com/fyrsmithlabs/vaultd/internal/index"
	"github.com/fyrsmithlabs/vaultd/internal/keyring"
	"github.com/fyrsmithlabs/vaultd/internal/ledger"
	"github.com/fyrsmithlabs/vaultd/internal/logging"
	"github.com/fyrsmithlabs/vaultd/internal/scrub"
	"github.com/fyrsmithlabs/vaultd/internal/search"
	"github.com/fyrsmithlabs/vaultd/internal/storage"
	"github.com/fyrsmithlabs/vaultd/internal/tenant"
	"github.com/fyrsmithlabs/vaultd/internal/vault"
)

type fixture struct {
	eng      *engine.Engine
	tenants  *tenant.Store
	pool     *storage.Pool
	repo     *vault.Repository
	embedder *embeddings.FakeProvider
	queue    *engine.Queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := logging.NewNop()

	cat, err := storage.OpenCatalog(ctx, t.TempDir(), 5*time.Second, logger)
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close(context.Background()) }) //nolint:errcheck

	pool, err := storage.NewPool(config.StorageConfig{
		DataDir:     t.TempDir(),
		MaxOpen:     4,
		IdleTimeout: config.Duration(time.Minute),
		BusyTimeout: config.Duration(5 * time.Second),
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { pool.CloseAll(context.Background()) }) //nolint:errcheck

	cv, err := crypto.New(crypto.TestParams())
	require.NoError(t, err)
	authority, err := keyring.NewAuthority(cv, logger)
	require.NoError(t, err)
	cache := keyring.NewSessionCache(64, time.Minute, time.Minute)

	idx, err := index.NewChromemIndex(t.TempDir(), false, logger)
	require.NoError(t, err)

	scrubber, err := scrub.New(config.ScrubConfig{})
	require.NoError(t, err)

	embedder := embeddings.NewFakeProvider(32)
	repo := vault.NewRepository(pool, cv, idx, embedder, scrubber, config.VaultConfig{
		MaxKindLen: 64, MaxBodyLen: 8192, MaxTitleLen: 256,
		MaxCategoryLen: 64, MaxTeamScopeLen: 64, MaxIdentityKeyLen: 128,
		MaxTagCount: 8, MaxTagLen: 32, MaxMetaLen: 2048,
	}, logger)

	retriever, err := search.NewRetriever(pool, repo, idx, embedder, config.SearchConfig{
		LexicalWeight: 1, SemanticWeight: 1,
		HalfLife:      config.Duration(7 * 24 * time.Hour),
		MaxCandidates: 50, DefaultPageSize: 10, MaxPageSize: 50,
		Timeout: config.Duration(10 * time.Second),
	}, logger)
	require.NoError(t, err)

	led, err := ledger.NewLedger(cat, config.LedgerConfig{
		EventRetention: config.Duration(24 * time.Hour),
		UsageRetention: config.Duration(24 * time.Hour),
		RateWindow:     config.Duration(time.Minute),
		Tiers: map[string]config.TierLimits{
			"free":  {RequestsPerWindow: 100, MaxEntries: 1000},
			"tiny":  {RequestsPerWindow: 2, MaxEntries: 1000},
			"small": {RequestsPerWindow: 100, MaxEntries: 1},
		},
	}, logger)
	require.NoError(t, err)

	queue := engine.NewQueue(config.QueueConfig{Size: 64, Workers: 1}, logger)
	t.Cleanup(queue.Close)

	store := tenant.NewStore(cat)
	eng, err := engine.New(engine.Deps{
		Tenants:      store,
		Keyring:      authority,
		Cache:        cache,
		Repo:         repo,
		Retriever:    retriever,
		Ledger:       led,
		Pool:         pool,
		Index:        idx,
		Queue:        queue,
		Logger:       logger,
		MasterSecret: []byte("unit-test-master-secret"),
	})
	require.NoError(t, err)

	return &fixture{eng: eng, tenants: store, pool: pool, repo: repo, embedder: embedder, queue: queue}
}

func (f *fixture) rowCiphertext(t *testing.T, tenantID, entryID string) (body any, bodyCT []byte) {
	t.Helper()
	ctx := context.Background()
	h, err := f.pool.Acquire(ctx, tenantID)
	require.NoError(t, err)
	defer f.pool.Release(h)
	err = h.DB().QueryRowContext(ctx,
		"SELECT body, body_ct FROM entries WHERE id = ?", entryID).Scan(&body, &bodyCT)
	require.NoError(t, err)
	return body, bodyCT
}

func TestEndToEndLegacyTenant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.eng.ProvisionTenant(ctx, "secure", "free", tenant.ModeLegacy, nil)
	require.NoError(t, err)
	cred := engine.Credential{TenantID: "secure", SessionID: "sess-1"}

	e, err := f.eng.CreateEntry(ctx, cred, vault.Draft{Kind: "note", Body: "hello world"})
	require.NoError(t, err)

	body, bodyCT := f.rowCiphertext(t, "secure", e.ID)
	assert.Nil(t, body, "plaintext column is NULL on an encrypted row")
	assert.NotEmpty(t, bodyCT)

	got, err := f.eng.GetEntry(ctx, cred, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello world", got.Body)

	require.NoError(t, f.eng.DeleteEntry(ctx, cred, e.ID))
	_, err = f.eng.GetEntry(ctx, cred, e.ID)
	require.ErrorIs(t, err, vault.ErrNotFound)
}

func TestSplitAuthorityRequiresShare(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	share := []byte("client-held-share-material")

	_, err := f.eng.ProvisionTenant(ctx, "split", "free", tenant.ModeSplit, share)
	require.NoError(t, err)

	good := engine.Credential{TenantID: "split", SessionID: "s1", ClientShare: share}
	e, err := f.eng.CreateEntry(ctx, good, vault.Draft{Kind: "note", Body: "split secret"})
	require.NoError(t, err)

	// Missing or wrong share fails before any KDF work.
	_, err = f.eng.GetEntry(ctx, engine.Credential{TenantID: "split", SessionID: "s2"}, e.ID)
	require.ErrorIs(t, err, keyring.ErrKeyUnwrap)
	_, err = f.eng.GetEntry(ctx, engine.Credential{TenantID: "split", SessionID: "s3", ClientShare: []byte("wrong")}, e.ID)
	require.ErrorIs(t, err, keyring.ErrKeyUnwrap)

	// The session cache carries the verified DEK within one session.
	got, err := f.eng.GetEntry(ctx, engine.Credential{TenantID: "split", SessionID: "s1"}, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "split secret", got.Body)
}

func TestSwitchLegacyToSplit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.eng.ProvisionTenant(ctx, "acme", "free", tenant.ModeLegacy, nil)
	require.NoError(t, err)
	legacyCred := engine.Credential{TenantID: "acme", SessionID: "s1"}

	e, err := f.eng.CreateEntry(ctx, legacyCred, vault.Draft{Kind: "note", Body: "survives the switch"})
	require.NoError(t, err)

	share := []byte("new-client-share")
	require.NoError(t, f.eng.SwitchEncryptionMode(ctx, legacyCred, tenant.ModeSplit, share))

	// Old entries stay readable with the new credentials: same DEK,
	// new wrapping.
	got, err := f.eng.GetEntry(ctx, engine.Credential{TenantID: "acme", SessionID: "s2", ClientShare: share}, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "survives the switch", got.Body)

	// The switch invalidated cached DEKs; master secret alone no longer
	// unwraps.
	_, err = f.eng.GetEntry(ctx, engine.Credential{TenantID: "acme", SessionID: "s1"}, e.ID)
	require.ErrorIs(t, err, keyring.ErrKeyUnwrap)
}

func TestSwitchNoneToLegacyEncryptsOnUpdate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.eng.ProvisionTenant(ctx, "acme", "free", tenant.ModeNone, nil)
	require.NoError(t, err)
	cred := engine.Credential{TenantID: "acme", SessionID: "s1"}

	e, err := f.eng.CreateEntry(ctx, cred, vault.Draft{Kind: "note", Body: "born plaintext"})
	require.NoError(t, err)

	require.NoError(t, f.eng.SwitchEncryptionMode(ctx, cred, tenant.ModeLegacy, nil))

	// Still readable before any rewrite.
	got, err := f.eng.GetEntry(ctx, cred, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "born plaintext", got.Body)

	title := "now titled"
	_, err = f.eng.UpdateEntry(ctx, cred, e.ID, vault.Patch{Title: &title})
	require.NoError(t, err)

	body, bodyCT := f.rowCiphertext(t, "acme", e.ID)
	assert.Nil(t, body, "update fully encrypts the previously plaintext row")
	assert.NotEmpty(t, bodyCT)
}

func TestSwitchToNoneRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.eng.ProvisionTenant(ctx, "acme", "free", tenant.ModeLegacy, nil)
	require.NoError(t, err)

	err = f.eng.SwitchEncryptionMode(ctx, engine.Credential{TenantID: "acme"}, tenant.ModeNone, nil)
	require.ErrorIs(t, err, vault.ErrValidation)
}

func TestRateLimitGatesOperations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.eng.ProvisionTenant(ctx, "acme", "tiny", tenant.ModeNone, nil)
	require.NoError(t, err)
	cred := engine.Credential{TenantID: "acme"}

	_, err = f.eng.CreateEntry(ctx, cred, vault.Draft{Kind: "note", Body: "one"})
	require.NoError(t, err)
	_, err = f.eng.CreateEntry(ctx, cred, vault.Draft{Kind: "note", Body: "two"})
	require.NoError(t, err)

	_, err = f.eng.CreateEntry(ctx, cred, vault.Draft{Kind: "note", Body: "three"})
	require.ErrorIs(t, err, ledger.ErrRateLimited)
	assert.Equal(t, "rate_limited", engine.ErrorCode(err))

	var lerr *ledger.LimitExceededError
	require.ErrorAs(t, err, &lerr)
	assert.False(t, lerr.Decision.Allowed)
}

func TestEntryQuota(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.eng.ProvisionTenant(ctx, "acme", "small", tenant.ModeNone, nil)
	require.NoError(t, err)
	cred := engine.Credential{TenantID: "acme"}

	_, err = f.eng.CreateEntry(ctx, cred, vault.Draft{Kind: "note", Body: "only one allowed"})
	require.NoError(t, err)

	_, err = f.eng.CreateEntry(ctx, cred, vault.Draft{Kind: "note", Body: "over quota"})
	require.ErrorIs(t, err, engine.ErrQuotaExceeded)
	assert.Equal(t, "quota_exceeded", engine.ErrorCode(err))
}

func TestSearchThroughEngine(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.eng.ProvisionTenant(ctx, "secure", "free", tenant.ModeLegacy, nil)
	require.NoError(t, err)
	cred := engine.Credential{TenantID: "secure", SessionID: "s1"}

	e, err := f.eng.CreateEntry(ctx, cred, vault.Draft{Kind: "note", Body: "rotate the deploy token"})
	require.NoError(t, err)

	res, err := f.eng.Search(ctx, cred, search.Request{Query: "deploy token"})
	require.NoError(t, err)
	require.NotEmpty(t, res.Matches)
	assert.Equal(t, e.ID, res.Matches[0].Entry.ID)
	assert.Equal(t, "rotate the deploy token", res.Matches[0].Entry.Body)
}

func TestRecordBillingEventIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.eng.RecordBillingEvent(ctx, "evt_1", "subscription.created")
	require.NoError(t, err)
	assert.True(t, first)

	again, err := f.eng.RecordBillingEvent(ctx, "evt_1", "subscription.created")
	require.NoError(t, err)
	assert.False(t, again)
}

func TestPurgeTenantCascades(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.eng.ProvisionTenant(ctx, "doomed", "free", tenant.ModeLegacy, nil)
	require.NoError(t, err)
	cred := engine.Credential{TenantID: "doomed", SessionID: "s1"}
	_, err = f.eng.CreateEntry(ctx, cred, vault.Draft{Kind: "note", Body: "gone soon"})
	require.NoError(t, err)

	require.NoError(t, f.eng.PurgeTenant(ctx, "doomed"))

	_, err = f.tenants.Get(ctx, "doomed")
	require.ErrorIs(t, err, tenant.ErrNotFound)
	_, err = f.eng.GetEntry(ctx, cred, "anything")
	require.ErrorIs(t, err, tenant.ErrNotFound)

	require.ErrorIs(t, f.eng.PurgeTenant(ctx, "doomed"), tenant.ErrNotFound)
}

func TestSetTier(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.eng.ProvisionTenant(ctx, "acme", "free", tenant.ModeNone, nil)
	require.NoError(t, err)
	require.NoError(t, f.eng.SetTier(ctx, "acme", "small"))

	ten, err := f.tenants.Get(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "small", ten.Tier)
}

func TestCheckRate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.eng.ProvisionTenant(ctx, "acme", "tiny", tenant.ModeNone, nil)
	require.NoError(t, err)

	d, err := f.eng.CheckRate(ctx, "acme", engine.OpSearch)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)
}

func TestErrorCodeMapping(t *testing.T) {
	cases := map[string]error{
		"validation_failed":     vault.ErrValidation,
		"conflict":              vault.ErrConflict,
		"not_found":             tenant.ErrNotFound,
		"invalid_update":        vault.ErrInvalidUpdate,
		"rate_limited":          ledger.ErrRateLimited,
		"quota_exceeded":        engine.ErrQuotaExceeded,
		"authentication_failed": keyring.ErrKeyUnwrap,
		"storage_failure":       storage.ErrStorage,
		"timeout":               context.DeadlineExceeded,
	}
	for code, err := range cases {
		assert.Equal(t, code, engine.ErrorCode(err))
	}
	assert.Equal(t, "authentication_failed", engine.ErrorCode(crypto.ErrAuthentication))
	assert.Equal(t, "internal", engine.ErrorCode(assert.AnError))
	assert.Empty(t, engine.ErrorCode(nil))
}
