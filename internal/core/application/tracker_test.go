package application

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/covault/covaultd/internal/core/domain"
	"github.com/covault/covaultd/internal/core/ports"
	"github.com/covault/covaultd/internal/infrastructure/db"
	inmemorypubsub "github.com/covault/covaultd/internal/infrastructure/pubsub/inmemory"
	"github.com/covault/covaultd/internal/infrastructure/queue"
	timescheduler "github.com/covault/covaultd/internal/infrastructure/scheduler/gocron"
	"github.com/covault/covaultd/pkg/keyring"
	"github.com/covault/covaultd/pkg/psbtx"
)

const testMonthlyPrice = 25_000

type testEnv struct {
	tracker *TrackerService
	repos   ports.RepoManager
	chain   *fakeChainSource
	bus     ports.EventBus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	repoManager, err := db.NewService(db.ServiceConfig{
		DbType: "sqlite",
		DbDir:  t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(repoManager.Close)

	chain := newFakeChainSource()
	bus := inmemorypubsub.NewService()
	tracker, err := NewTrackerService(TrackerConfig{
		Network:      &chaincfg.RegressionNetParams,
		NetworkName:  "regtest",
		RepoManager:  repoManager,
		ChainSource:  chain,
		EventBus:     bus,
		Scheduler:    timescheduler.NewScheduler(),
		TaskQueue:    queue.NewService(),
		MonthlyPrice: testMonthlyPrice,
		PollInterval: time.Second,
	})
	require.NoError(t, err)

	return &testEnv{tracker: tracker, repos: repoManager, chain: chain, bus: bus}
}

type testWallet struct {
	wallet domain.Wallet
	// master extended private keys, same order as the wallet keys
	privs       []string
	platformKey domain.PlatformKey
}

func (e *testEnv) newWallet(t *testing.T) *testWallet {
	t.Helper()
	return e.newWalletPaidUntil(t, time.Now())
}

func (e *testEnv) newWalletPaidUntil(t *testing.T, paidUntil time.Time) *testWallet {
	t.Helper()
	ctx := context.Background()

	kr := e.tracker.Keyring()
	origins := []domain.KeyOrigin{
		domain.KeyOriginUser, domain.KeyOriginBackup, domain.KeyOriginPlatform,
	}
	wallet := domain.Wallet{
		ID:        uuid.NewString(),
		Name:      "test wallet",
		CreatedAt: time.Now(),
		Accounts:  []domain.Account{{Index: 0}},
	}
	privs := make([]string, 0, 3)
	var platform domain.PlatformKey
	for _, origin := range origins {
		generated, err := kr.GenerateKey()
		require.NoError(t, err)
		wallet.Keys = append(wallet.Keys, domain.WalletKey{
			WalletID:          wallet.ID,
			Origin:            origin,
			ExtendedPublicKey: generated.ExtendedPublicKey,
			MasterFingerprint: generated.MasterFingerprint,
			DerivationPath:    generated.DerivationPath,
		})
		privs = append(privs, generated.ExtendedPrivateKey)
		if origin == domain.KeyOriginPlatform {
			platform = domain.PlatformKey{
				ID:                 uuid.NewString(),
				WalletID:           wallet.ID,
				ExtendedPrivateKey: generated.ExtendedPrivateKey,
				MasterFingerprint:  generated.MasterFingerprint,
				PaidUntil:          paidUntil,
				BillingUpdatedAt:   time.Now().Add(-time.Hour),
				CreatedAt:          time.Now(),
			}
		}
	}

	// the billing address lives far beyond any tracked index so it never
	// collides with the wallet's own deposit addresses
	billingAddr, err := kr.NewMultisigAddress(wallet.AccountKeys(), 1_000_000, false)
	require.NoError(t, err)
	platform.BillingAddress = billingAddr

	require.NoError(t, e.repos.Wallets().AddWallet(ctx, wallet))
	require.NoError(t, e.repos.PlatformKeys().AddKey(ctx, platform))

	stored, err := e.repos.Wallets().GetWallet(ctx, wallet.ID)
	require.NoError(t, err)
	return &testWallet{wallet: *stored, privs: privs, platformKey: platform}
}

// address derives a tracked multisig address of the wallet.
func (w *testWallet) address(t *testing.T, kr *keyring.Keyring, index uint32, change bool) string {
	t.Helper()
	addr, err := kr.NewMultisigAddress(w.wallet.AccountKeys(), index, change)
	require.NoError(t, err)
	return addr
}

// payment builds a transaction with one input spending the given outpoint and
// one output paying the address.
func payment(t *testing.T, addr string, value int64, prevTxid string, prevVout uint32) *wire.MsgTx {
	t.Helper()

	decoded, err := btcutil.DecodeAddress(addr, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	pkScript, err := txscript.PayToAddrScript(decoded)
	require.NoError(t, err)

	prevHash, err := chainhash.NewHashFromStr(prevTxid)
	require.NoError(t, err)

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(prevHash, prevVout), nil, nil))
	tx.AddTxOut(wire.NewTxOut(value, pkScript))
	return tx
}

// fundingTxid makes a deterministic fake previous-transaction id.
func fundingTxid(seed string) string {
	return chainhash.DoubleHashH([]byte(seed)).String()
}

func TestAddressReplenishment(t *testing.T) {
	env := newTestEnv(t)
	wallet := env.newWallet(t)
	ctx := context.Background()

	require.NoError(t, env.tracker.maintainWalletAddresses(ctx, env.repos, wallet.wallet))

	for _, change := range []bool{false, true} {
		last, err := env.repos.Addresses().LastIndex(ctx, wallet.wallet.ID, 0, change)
		require.NoError(t, err)
		require.Equal(t, int64(initialAddressBatch-1), last)

		unused, err := env.repos.Addresses().CountUnused(ctx, wallet.wallet.ID, 0, change)
		require.NoError(t, err)
		require.Equal(t, int64(initialAddressBatch), unused)
	}

	// exhaust the receive branch one address at a time; the branch must never
	// run out of spares and indices must stay contiguous
	for i := uint32(0); i < initialAddressBatch; i++ {
		addr := wallet.address(t, env.tracker.Keyring(), i, false)
		tx := payment(t, addr, 10_000, fundingTxid(fmt.Sprintf("fund-%d", i)), 0)
		require.NoError(t, env.tracker.processTx(
			ctx, env.repos, tx, domain.TxSourceMempool, nil, nil,
		))
	}

	last, err := env.repos.Addresses().LastIndex(ctx, wallet.wallet.ID, 0, false)
	require.NoError(t, err)
	require.Equal(t, int64(initialAddressBatch), last)

	unused, err := env.repos.Addresses().CountUnused(ctx, wallet.wallet.ID, 0, false)
	require.NoError(t, err)
	require.Equal(t, int64(1), unused)
}

func TestProcessTxIdempotentConfirmation(t *testing.T) {
	env := newTestEnv(t)
	wallet := env.newWallet(t)
	ctx := context.Background()
	require.NoError(t, env.tracker.maintainWalletAddresses(ctx, env.repos, wallet.wallet))

	addr := wallet.address(t, env.tracker.Keyring(), 0, false)
	tx := payment(t, addr, 40_000, fundingTxid("fund"), 0)
	txid := tx.TxHash().String()

	events, err := env.bus.Subscribe(ctx, fmt.Sprintf(
		"%s/%s/0", TopicAccountBalance, wallet.wallet.ID,
	))
	require.NoError(t, err)

	// first seen in the mempool
	require.NoError(t, env.tracker.processTx(ctx, env.repos, tx, domain.TxSourceMempool, nil, nil))
	stored, err := env.repos.Transactions().GetTransaction(ctx, wallet.wallet.ID, txid)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.Nil(t, stored.Height)
	require.Equal(t, domain.TxSourceMempool, stored.Source)

	select {
	case payload := <-events:
		require.Equal(t, txid, payload)
	case <-time.After(time.Second):
		t.Fatal("no balance-changed event")
	}

	// then mined; the provenance settles on the block
	height, blockTime := int64(100), time.Now()
	require.NoError(t, env.tracker.processTx(
		ctx, env.repos, tx, domain.TxSourceBlock, &height, &blockTime,
	))
	stored, err = env.repos.Transactions().GetTransaction(ctx, wallet.wallet.ID, txid)
	require.NoError(t, err)
	require.True(t, stored.Confirmed())
	require.Equal(t, int64(100), *stored.Height)
	require.Equal(t, domain.TxSourceBlock, stored.Source)

	// reprocessing the block never moves the confirmation
	other := int64(101)
	require.NoError(t, env.tracker.processTx(
		ctx, env.repos, tx, domain.TxSourceBlock, &other, &blockTime,
	))
	stored, err = env.repos.Transactions().GetTransaction(ctx, wallet.wallet.ID, txid)
	require.NoError(t, err)
	require.Equal(t, int64(100), *stored.Height)
}

func TestUntrackedTxIsRemembered(t *testing.T) {
	env := newTestEnv(t)
	wallet := env.newWallet(t)
	ctx := context.Background()
	require.NoError(t, env.tracker.maintainWalletAddresses(ctx, env.repos, wallet.wallet))

	stranger, err := env.tracker.Keyring().GenerateKey()
	require.NoError(t, err)
	foreign, err := env.tracker.Keyring().NewMultisigAddress(
		[]string{
			stranger.ExtendedPublicKey,
			wallet.wallet.Keys[0].ExtendedPublicKey,
			wallet.wallet.Keys[1].ExtendedPublicKey,
		}, 0, false,
	)
	require.NoError(t, err)

	tx := payment(t, foreign, 30_000, fundingTxid("foreign"), 0)
	txid := tx.TxHash().String()

	require.NoError(t, env.tracker.processTx(ctx, env.repos, tx, domain.TxSourceMempool, nil, nil))

	has, err := env.repos.Transactions().HasTransaction(ctx, txid)
	require.NoError(t, err)
	require.False(t, has)
	require.True(t, env.tracker.isSeen(txid))

	// a later re-observation is also a no-op
	require.NoError(t, env.tracker.processTx(ctx, env.repos, tx, domain.TxSourceMempool, nil, nil))
	has, err = env.repos.Transactions().HasTransaction(ctx, txid)
	require.NoError(t, err)
	require.False(t, has)

	t.Run("block observations are remembered too", func(t *testing.T) {
		mined := payment(t, foreign, 35_000, fundingTxid("foreign-mined"), 0)
		height, blockTime := int64(50), time.Now()
		require.NoError(t, env.tracker.processTx(
			ctx, env.repos, mined, domain.TxSourceBlock, &height, &blockTime,
		))
		require.True(t, env.tracker.isSeen(mined.TxHash().String()))
	})
}

func TestSpendLinking(t *testing.T) {
	env := newTestEnv(t)
	wallet := env.newWallet(t)
	ctx := context.Background()
	require.NoError(t, env.tracker.maintainWalletAddresses(ctx, env.repos, wallet.wallet))

	addr := wallet.address(t, env.tracker.Keyring(), 0, false)
	funding := payment(t, addr, 60_000, fundingTxid("fund"), 0)
	fundingID := funding.TxHash().String()

	height, blockTime := int64(10), time.Now()
	require.NoError(t, env.tracker.processTx(
		ctx, env.repos, funding, domain.TxSourceBlock, &height, &blockTime,
	))

	// the spend pays an address we do not track; it is still indexed because
	// it consumes a tracked output
	stranger, err := env.tracker.Keyring().GenerateKey()
	require.NoError(t, err)
	foreign, err := env.tracker.Keyring().NewMultisigAddress(
		[]string{
			stranger.ExtendedPublicKey,
			wallet.wallet.Keys[0].ExtendedPublicKey,
			wallet.wallet.Keys[1].ExtendedPublicKey,
		}, 0, false,
	)
	require.NoError(t, err)
	spend := payment(t, foreign, 55_000, fundingID, 0)
	spendID := spend.TxHash().String()

	require.NoError(t, env.tracker.processTx(ctx, env.repos, spend, domain.TxSourceMempool, nil, nil))

	outputs, err := env.repos.Transactions().FindOutputs(ctx, []domain.Outpoint{
		{Txid: fundingID, VOut: 0},
	})
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	require.True(t, outputs[0].Spent())
	require.Equal(t, spendID, *outputs[0].SpentByTxid)

	has, err := env.repos.Transactions().HasTransaction(ctx, spendID)
	require.NoError(t, err)
	require.True(t, has)
}

func TestBillingSettlement(t *testing.T) {
	t.Run("unconfirmed inflow buys nothing", func(t *testing.T) {
		env := newTestEnv(t)
		wallet := env.newWallet(t)
		ctx := context.Background()
		require.NoError(t, env.tracker.maintainWalletAddresses(ctx, env.repos, wallet.wallet))

		tx := payment(t, wallet.platformKey.BillingAddress, 50_000, fundingTxid("fund"), 0)
		require.NoError(t, env.tracker.processTx(
			ctx, env.repos, tx, domain.TxSourceMempool, nil, nil,
		))

		// the payment is indexed right away but only a confirmation settles
		has, err := env.repos.Transactions().HasTransaction(ctx, tx.TxHash().String())
		require.NoError(t, err)
		require.True(t, has)

		key, err := env.repos.PlatformKeys().GetKeyByWallet(ctx, wallet.wallet.ID)
		require.NoError(t, err)
		require.Equal(t, wallet.platformKey.PaidUntil.Unix(), key.PaidUntil.Unix())

		entries, err := env.repos.PlatformKeys().GetBillingEntries(ctx, wallet.wallet.ID)
		require.NoError(t, err)
		require.Empty(t, entries)
	})

	t.Run("deposits to tracked addresses never settle", func(t *testing.T) {
		env := newTestEnv(t)
		wallet := env.newWallet(t)
		ctx := context.Background()
		require.NoError(t, env.tracker.maintainWalletAddresses(ctx, env.repos, wallet.wallet))

		// a confirmed deposit to the wallet's own receive address is wallet
		// money, not a subscription payment
		addr := wallet.address(t, env.tracker.Keyring(), 0, false)
		tx := payment(t, addr, 250_000, fundingTxid("fund"), 0)
		height, blockTime := int64(10), time.Now().Add(-time.Minute)
		require.NoError(t, env.tracker.processTx(
			ctx, env.repos, tx, domain.TxSourceBlock, &height, &blockTime,
		))

		entries, err := env.repos.PlatformKeys().GetBillingEntries(ctx, wallet.wallet.ID)
		require.NoError(t, err)
		require.Empty(t, entries)

		key, err := env.repos.PlatformKeys().GetKeyByWallet(ctx, wallet.wallet.ID)
		require.NoError(t, err)
		require.Equal(t, wallet.platformKey.PaidUntil.Unix(), key.PaidUntil.Unix())
	})

	t.Run("bulk confirmed inflow settles at the discounted rate", func(t *testing.T) {
		env := newTestEnv(t)
		wallet := env.newWallet(t)
		ctx := context.Background()
		require.NoError(t, env.tracker.maintainWalletAddresses(ctx, env.repos, wallet.wallet))

		tx := payment(t, wallet.platformKey.BillingAddress, 250_000, fundingTxid("fund"), 0)
		height, blockTime := int64(10), time.Now().Add(-time.Minute)
		require.NoError(t, env.tracker.processTx(
			ctx, env.repos, tx, domain.TxSourceBlock, &height, &blockTime,
		))

		entries, err := env.repos.PlatformKeys().GetBillingEntries(ctx, wallet.wallet.ID)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		require.True(t, entries[0].Discount)
		require.Equal(t, int64(12), entries[0].Months)
		require.Equal(t, int64(testMonthlyPrice), entries[0].BasePrice)
		// 12 months at 0.8 x 25000, the 10000 sat remainder is forfeited
		require.Equal(t, int64(240_000), entries[0].Amount)
		require.LessOrEqual(t, entries[0].Amount, int64(250_000))

		key, err := env.repos.PlatformKeys().GetKeyByWallet(ctx, wallet.wallet.ID)
		require.NoError(t, err)
		require.WithinDuration(t, time.Now().AddDate(0, 12, 0), key.PaidUntil, time.Minute)

		// the settlement window moved: reprocessing the same confirmation
		// does not settle again
		require.NoError(t, env.tracker.processTx(
			ctx, env.repos, tx, domain.TxSourceBlock, &height, &blockTime,
		))
		entries, err = env.repos.PlatformKeys().GetBillingEntries(ctx, wallet.wallet.ID)
		require.NoError(t, err)
		require.Len(t, entries, 1)
	})

	t.Run("trial grant anchors the first settlement", func(t *testing.T) {
		env := newTestEnv(t)
		env.tracker.billing = newBillingService(env.repos, testMonthlyPrice, 30)
		// the wallet never settled: its paid-until anchor is the trial grant
		wallet := env.newWalletPaidUntil(t, time.Time{})
		ctx := context.Background()
		require.NoError(t, env.tracker.maintainWalletAddresses(ctx, env.repos, wallet.wallet))

		tx := payment(t, wallet.platformKey.BillingAddress, 250_000, fundingTxid("fund"), 0)
		height, blockTime := int64(10), time.Now().Add(-time.Minute)
		require.NoError(t, env.tracker.processTx(
			ctx, env.repos, tx, domain.TxSourceBlock, &height, &blockTime,
		))

		entries, err := env.repos.PlatformKeys().GetBillingEntries(ctx, wallet.wallet.ID)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		require.True(t, entries[0].Discount)
		require.Equal(t, int64(12), entries[0].Months)

		// months are credited on top of the remaining trial
		key, err := env.repos.PlatformKeys().GetKeyByWallet(ctx, wallet.wallet.ID)
		require.NoError(t, err)
		wantPaidUntil := wallet.platformKey.CreatedAt.
			Add(30*24*time.Hour).AddDate(0, 12, 0)
		require.WithinDuration(t, wantPaidUntil, key.PaidUntil, time.Minute)
	})

	t.Run("standard rate below the discount threshold", func(t *testing.T) {
		env := newTestEnv(t)
		wallet := env.newWallet(t)
		ctx := context.Background()
		require.NoError(t, env.tracker.maintainWalletAddresses(ctx, env.repos, wallet.wallet))

		tx := payment(t, wallet.platformKey.BillingAddress, 60_000, fundingTxid("fund"), 0)
		height, blockTime := int64(10), time.Now().Add(-time.Minute)
		require.NoError(t, env.tracker.processTx(
			ctx, env.repos, tx, domain.TxSourceBlock, &height, &blockTime,
		))

		entries, err := env.repos.PlatformKeys().GetBillingEntries(ctx, wallet.wallet.ID)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		require.False(t, entries[0].Discount)
		require.Equal(t, int64(2), entries[0].Months)
		require.Equal(t, int64(50_000), entries[0].Amount)
	})
}

func TestSyncToTip(t *testing.T) {
	env := newTestEnv(t)
	wallet := env.newWallet(t)
	ctx := context.Background()
	require.NoError(t, env.tracker.maintainWalletAddresses(ctx, env.repos, wallet.wallet))

	env.chain.addBlock(t, 100, &wire.MsgBlock{
		Header: wire.BlockHeader{Timestamp: time.Now()},
	})

	// first pass only anchors the cursor at the tip
	env.tracker.syncToTip(ctx)
	info, err := env.repos.ChainInfo().GetChainInfo(ctx)
	require.NoError(t, err)
	require.NotNil(t, info)
	require.Equal(t, int64(100), info.LastBlock)

	addr := wallet.address(t, env.tracker.Keyring(), 0, false)
	tx := payment(t, addr, 70_000, fundingTxid("fund"), 0)
	env.chain.addBlock(t, 101, &wire.MsgBlock{
		Header:       wire.BlockHeader{Timestamp: time.Now()},
		Transactions: []*wire.MsgTx{tx},
	})

	env.tracker.syncToTip(ctx)
	info, err = env.repos.ChainInfo().GetChainInfo(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(101), info.LastBlock)

	stored, err := env.repos.Transactions().GetTransaction(ctx, wallet.wallet.ID, tx.TxHash().String())
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.True(t, stored.Confirmed())
	require.Equal(t, int64(101), *stored.Height)

	t.Run("halts when the last block hash changed", func(t *testing.T) {
		env.chain.setHash(101, "deadbeef")
		env.chain.addBlock(t, 102, &wire.MsgBlock{
			Header: wire.BlockHeader{Timestamp: time.Now()},
		})

		env.tracker.syncToTip(ctx)
		info, err := env.repos.ChainInfo().GetChainInfo(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(101), info.LastBlock)
	})
}

func TestSignerCoSignsDueRequests(t *testing.T) {
	env := newTestEnv(t)
	wallet := env.newWallet(t)
	ctx := context.Background()
	require.NoError(t, env.tracker.maintainWalletAddresses(ctx, env.repos, wallet.wallet))

	engine := env.tracker.Engine()
	keys := make([]psbtx.AccountKey, 0, 3)
	for _, key := range wallet.wallet.Keys {
		keys = append(keys, psbtx.AccountKey{
			ExtendedPublicKey: key.ExtendedPublicKey,
			MasterFingerprint: key.MasterFingerprint,
		})
	}
	recipient := wallet.address(t, env.tracker.Keyring(), 5, false)
	template, err := engine.Build(psbtx.BuildRequest{
		Keys: keys,
		Inputs: []psbtx.UTXO{
			{TxID: fundingTxid("fund"), Vout: 0, Value: 100_000, Index: 0},
		},
		Outputs: []psbtx.Recipient{{Address: recipient, Amount: 90_000}},
	})
	require.NoError(t, err)

	// the user cosigner signed first; queueing validates the update and
	// folds it into the accumulated packet
	userSigned, err := engine.Sign(template, wallet.privs[0])
	require.NoError(t, err)

	_, err = env.tracker.Signer().RequestSignature(ctx, wallet.wallet.ID, "not a packet", userSigned)
	require.Error(t, err)

	request, err := env.tracker.Signer().RequestSignature(ctx, wallet.wallet.ID, template, userSigned)
	require.NoError(t, err)
	require.NotEqual(t, template, request.Current)
	require.Equal(t, request.DueAt.Add(signRequestExpiry), request.ExpiresAt)

	broadcasts, err := env.bus.Subscribe(ctx, TopicBroadcastTx)
	require.NoError(t, err)

	env.tracker.Signer().Run(ctx)

	stored, err := env.repos.PlatformKeys().GetSignRequest(ctx, request.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.SignedAt)
	require.Nil(t, stored.FailureReason)
	require.NotEqual(t, request.Current, stored.Current)

	// the quorum is complete, the transaction is stored and handed to the
	// broadcaster
	_, txid, err := engine.ExtractTransaction(stored.Current)
	require.NoError(t, err)

	appTx, err := env.repos.Transactions().GetTransaction(ctx, wallet.wallet.ID, txid)
	require.NoError(t, err)
	require.NotNil(t, appTx)
	require.Equal(t, domain.TxSourceApp, appTx.Source)
	require.NotEmpty(t, appTx.Packet)

	select {
	case payload := <-broadcasts:
		require.Equal(t, eventPayload(wallet.wallet.ID, txid), payload)
	case <-time.After(time.Second):
		t.Fatal("no broadcast order")
	}

	t.Run("broadcast pushes the raw transaction", func(t *testing.T) {
		env.tracker.broadcastTransaction(ctx, wallet.wallet.ID, txid)
		require.Equal(t, []string{txid}, env.chain.sentTxids())

		pending, err := env.repos.Transactions().PendingBroadcasts(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		require.Equal(t, txid, pending[0].Txid)
	})

	t.Run("expired request is left untouched", func(t *testing.T) {
		expired := domain.SignRequest{
			ID:        uuid.NewString(),
			WalletID:  wallet.wallet.ID,
			Packet:    template,
			Current:   request.Current,
			DueAt:     time.Now().Add(-8 * 24 * time.Hour),
			ExpiresAt: time.Now().Add(-24 * time.Hour),
			CreatedAt: time.Now().Add(-9 * 24 * time.Hour),
		}
		require.NoError(t, env.repos.PlatformKeys().AddSignRequest(ctx, expired))

		env.tracker.Signer().Run(ctx)

		stored, err := env.repos.PlatformKeys().GetSignRequest(ctx, expired.ID)
		require.NoError(t, err)
		require.Nil(t, stored.SignedAt)
		require.Nil(t, stored.FailureReason)
	})

	t.Run("undecodable request is marked failed", func(t *testing.T) {
		bad := domain.SignRequest{
			ID:        uuid.NewString(),
			WalletID:  wallet.wallet.ID,
			Packet:    "not a packet",
			DueAt:     time.Now().Add(-time.Minute),
			CreatedAt: time.Now(),
		}
		require.NoError(t, env.repos.PlatformKeys().AddSignRequest(ctx, bad))

		env.tracker.Signer().Run(ctx)

		stored, err := env.repos.PlatformKeys().GetSignRequest(ctx, bad.ID)
		require.NoError(t, err)
		require.Nil(t, stored.SignedAt)
		require.NotNil(t, stored.FailureReason)
	})
}

type fakeChainSource struct {
	mu      sync.Mutex
	tip     int64
	hashes  map[int64]string
	blocks  map[string]*wire.MsgBlock
	mempool map[string]*wire.MsgTx
	sent    []string
}

func newFakeChainSource() *fakeChainSource {
	return &fakeChainSource{
		hashes:  make(map[int64]string),
		blocks:  make(map[string]*wire.MsgBlock),
		mempool: make(map[string]*wire.MsgTx),
	}
}

func (f *fakeChainSource) addBlock(t *testing.T, height int64, block *wire.MsgBlock) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	hash := fmt.Sprintf("%064x", height)
	f.hashes[height] = hash
	f.blocks[hash] = block
	if height > f.tip {
		f.tip = height
	}
}

func (f *fakeChainSource) setHash(height int64, hash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hashes[height] = hash
}

func (f *fakeChainSource) sentTxids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.sent...)
}

func (f *fakeChainSource) GetBlockCount(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tip, nil
}

func (f *fakeChainSource) GetBlockHash(_ context.Context, height int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hash, ok := f.hashes[height]
	if !ok {
		return "", fmt.Errorf("no block at height %d", height)
	}
	return hash, nil
}

func (f *fakeChainSource) GetBlock(_ context.Context, hash string) (*wire.MsgBlock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	block, ok := f.blocks[hash]
	if !ok {
		return nil, fmt.Errorf("no block %s", hash)
	}
	return block, nil
}

func (f *fakeChainSource) GetRawMempool(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	txids := make([]string, 0, len(f.mempool))
	for txid := range f.mempool {
		txids = append(txids, txid)
	}
	return txids, nil
}

func (f *fakeChainSource) GetRawTransaction(_ context.Context, txid string) (*wire.MsgTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.mempool[txid]
	if !ok {
		return nil, fmt.Errorf("no mempool tx %s", txid)
	}
	return tx, nil
}

func (f *fakeChainSource) SendRawTransaction(_ context.Context, tx *wire.MsgTx) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	txid := tx.TxHash().String()
	f.sent = append(f.sent, txid)
	return txid, nil
}

func (f *fakeChainSource) EstimateFeeRate(_ context.Context, _ int64) (int64, error) {
	return 1, nil
}

func (f *fakeChainSource) Close() {}
