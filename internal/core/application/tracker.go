package application

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	log "github.com/sirupsen/logrus"

	"github.com/covault/covaultd/internal/core/domain"
	"github.com/covault/covaultd/internal/core/ports"
	"github.com/covault/covaultd/pkg/keyring"
	"github.com/covault/covaultd/pkg/psbtx"
)

const (
	// TopicWalletUpdate receives a wallet id whenever the platform changes a
	// wallet's keys or accounts; the tracker re-runs address maintenance.
	TopicWalletUpdate = "wallet-update"
	// TopicBroadcastTx receives "<walletID>:<txid>" orders to push a
	// platform-built transaction to the network.
	TopicBroadcastTx = "broadcast-tx"
	// TopicChainInfo is where refreshed chain info is announced.
	TopicChainInfo = "blockchain-info"
	// TopicAccountBalance is the prefix of per-account balance events. The
	// full topic is "account-balance/<walletID>/<accountIndex>" and the
	// payload is the txid that moved the balance.
	TopicAccountBalance = "account-balance"

	// blockWriteTimeout bounds the ledger transaction of a single block.
	blockWriteTimeout = 30 * time.Second

	chainInfoInterval = 2 * time.Minute
	signerInterval    = time.Hour
)

// feeTargets are the confirmation targets quoted in chain info.
var feeTargets = []int64{1, 2, 3, 4, 5, 10, 25}

// TrackerService drives chain synchronization: it ingests blocks and mempool
// transactions (by polling or over the push feed), indexes everything that
// touches a tracked wallet, keeps derived addresses replenished, settles
// billing from confirmed inflows and broadcasts platform-built transactions.
type TrackerService struct {
	network      *chaincfg.Params
	networkName  string
	repoManager  ports.RepoManager
	chain        ports.ChainSource
	notifier     ports.BlockNotifier
	bus          ports.EventBus
	scheduler    ports.SchedulerService
	queue        ports.TaskQueue
	price        ports.PriceSource
	keyring      *keyring.Keyring
	engine       *psbtx.Engine
	signer       *SignerService
	billing      *billingService
	pollInterval time.Duration

	// seenTxs remembers mempool txids that turned out to be irrelevant, so
	// repeated mempool scans skip them cheaply. Purely an optimization: a
	// restart forgets the set and correctness is unaffected.
	seenLock sync.Mutex
	seenTxs  map[string]struct{}

	stop func()
}

type TrackerConfig struct {
	Network         *chaincfg.Params
	NetworkName     string
	RepoManager     ports.RepoManager
	ChainSource     ports.ChainSource
	Notifier        ports.BlockNotifier
	EventBus        ports.EventBus
	Scheduler       ports.SchedulerService
	TaskQueue       ports.TaskQueue
	PriceSource     ports.PriceSource
	MonthlyPrice    int64
	TrialPeriodDays int64
	SignDelay       time.Duration
	PollInterval    time.Duration
}

func NewTrackerService(config TrackerConfig) (*TrackerService, error) {
	if config.Network == nil {
		return nil, fmt.Errorf("missing network")
	}
	if config.RepoManager == nil || config.ChainSource == nil {
		return nil, fmt.Errorf("missing repo manager or chain source")
	}
	if config.EventBus == nil || config.Scheduler == nil || config.TaskQueue == nil {
		return nil, fmt.Errorf("missing event bus, scheduler or task queue")
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}

	kr := keyring.New(config.Network)
	engine := psbtx.NewEngine(config.Network)
	return &TrackerService{
		network:      config.Network,
		networkName:  config.NetworkName,
		repoManager:  config.RepoManager,
		chain:        config.ChainSource,
		notifier:     config.Notifier,
		bus:          config.EventBus,
		scheduler:    config.Scheduler,
		queue:        config.TaskQueue,
		price:        config.PriceSource,
		keyring:      kr,
		engine:       engine,
		signer:       NewSignerService(config.RepoManager, engine, config.EventBus, config.SignDelay),
		billing:      newBillingService(config.RepoManager, config.MonthlyPrice, config.TrialPeriodDays),
		pollInterval: config.PollInterval,
		seenTxs:      make(map[string]struct{}),
	}, nil
}

// Start brings the tracker online: one address-maintenance pass over every
// wallet, the event subscriptions, the periodic jobs, and chain ingestion in
// either push or poll mode.
func (s *TrackerService) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel

	if err := s.processWallets(ctx); err != nil {
		cancel()
		return err
	}
	if err := s.subscribe(ctx); err != nil {
		cancel()
		return err
	}

	s.scheduler.Start()
	if err := s.scheduler.ScheduleTaskEvery(chainInfoInterval, true, func() {
		s.queue.Enqueue(func() { s.refreshChainInfo(ctx) })
	}); err != nil {
		cancel()
		return err
	}
	if err := s.scheduler.ScheduleTaskEvery(signerInterval, true, func() {
		s.queue.Enqueue(func() { s.signer.Run(ctx) })
	}); err != nil {
		cancel()
		return err
	}

	if s.notifier != nil {
		if err := s.notifier.Start(); err != nil {
			cancel()
			return err
		}
		// catch up whatever happened while we were down, then rebroadcast
		// transactions stuck in flight
		s.queue.Enqueue(func() {
			s.syncToTip(ctx)
			s.scanMempool(ctx)
			s.rebroadcastPending(ctx)
		})
		go s.listenNotifier(ctx)
		log.Infof("tracker started in push mode")
		return nil
	}

	if err := s.scheduler.ScheduleTaskEvery(s.pollInterval, true, func() {
		s.queue.Enqueue(func() {
			s.syncToTip(ctx)
			s.scanMempool(ctx)
		})
	}); err != nil {
		cancel()
		return err
	}
	log.Infof("tracker started in poll mode, interval %s", s.pollInterval)
	return nil
}

func (s *TrackerService) Stop() {
	if s.stop != nil {
		s.stop()
	}
	if s.notifier != nil {
		s.notifier.Stop()
	}
	s.scheduler.Stop()
	s.queue.Stop()
	s.bus.Close()
	s.chain.Close()
	s.repoManager.Close()
	log.Info("tracker stopped")
}

// Keyring exposes the derivation helper bound to the tracker's network.
func (s *TrackerService) Keyring() *keyring.Keyring {
	return s.keyring
}

// Engine exposes the packet engine bound to the tracker's network.
func (s *TrackerService) Engine() *psbtx.Engine {
	return s.engine
}

func (s *TrackerService) Signer() *SignerService {
	return s.signer
}

func (s *TrackerService) processWallets(ctx context.Context) error {
	wallets, err := s.repoManager.Wallets().GetAllWallets(ctx)
	if err != nil {
		return err
	}
	for _, wallet := range wallets {
		if err := s.maintainWalletAddresses(ctx, s.repoManager, wallet); err != nil {
			return err
		}
	}
	log.Debugf("processed %d wallets", len(wallets))
	return nil
}

func (s *TrackerService) subscribe(ctx context.Context) error {
	walletUpdates, err := s.bus.Subscribe(ctx, TopicWalletUpdate)
	if err != nil {
		return err
	}
	broadcasts, err := s.bus.Subscribe(ctx, TopicBroadcastTx)
	if err != nil {
		return err
	}

	go func() {
		for walletID := range walletUpdates {
			walletID := walletID
			s.queue.Enqueue(func() {
				wallet, err := s.repoManager.Wallets().GetWallet(ctx, walletID)
				if err != nil {
					log.WithError(err).Warnf("skipping update of unknown wallet %s", walletID)
					return
				}
				if err := s.maintainWalletAddresses(ctx, s.repoManager, *wallet); err != nil {
					log.WithError(err).Errorf("failed to refresh addresses of wallet %s", walletID)
				}
			})
		}
	}()

	go func() {
		for payload := range broadcasts {
			walletID, txid, ok := splitEventPayload(payload)
			if !ok {
				log.Warnf("dropping malformed broadcast order %q", payload)
				continue
			}
			s.queue.Enqueue(func() {
				s.broadcastTransaction(ctx, walletID, txid)
			})
		}
	}()

	return nil
}

func (s *TrackerService) listenNotifier(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case hash, ok := <-s.notifier.BlockHashes():
			if !ok {
				return
			}
			log.Debugf("new block %s", hash)
			s.queue.Enqueue(func() { s.syncToTip(ctx) })
		case rawTx, ok := <-s.notifier.RawTxs():
			if !ok {
				return
			}
			s.queue.Enqueue(func() { s.processRawMempoolTx(ctx, rawTx) })
		}
	}
}

func (s *TrackerService) markSeen(txid string) {
	s.seenLock.Lock()
	defer s.seenLock.Unlock()
	s.seenTxs[txid] = struct{}{}
}

func (s *TrackerService) isSeen(txid string) bool {
	s.seenLock.Lock()
	defer s.seenLock.Unlock()
	_, ok := s.seenTxs[txid]
	return ok
}

func splitEventPayload(payload string) (string, string, bool) {
	parts := strings.SplitN(payload, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func eventPayload(walletID, txid string) string {
	return fmt.Sprintf("%s:%s", walletID, txid)
}

func (s *TrackerService) refreshChainInfo(ctx context.Context) {
	info, err := s.repoManager.ChainInfo().GetChainInfo(ctx)
	if err != nil {
		log.WithError(err).Error("failed to load chain info")
		return
	}

	feeRates := make(map[int64]int64, len(feeTargets))
	for _, target := range feeTargets {
		rate, err := s.chain.EstimateFeeRate(ctx, target)
		if err != nil {
			log.WithError(err).Warnf("failed to estimate fee for target %d", target)
			continue
		}
		feeRates[target] = rate
	}

	usdPrice := 0.0
	if info != nil {
		usdPrice = info.USDPrice
	}
	if s.price != nil {
		price, err := s.price.GetUSDPrice(ctx)
		if err != nil {
			log.WithError(err).Warn("failed to fetch usd price, keeping last quote")
		} else {
			usdPrice = price
		}
	}

	lastBlock := int64(0)
	lastBlockHash := ""
	if info != nil {
		lastBlock = info.LastBlock
		lastBlockHash = info.LastBlockHash
	} else {
		count, err := s.chain.GetBlockCount(ctx)
		if err != nil {
			log.WithError(err).Error("failed to get block count")
			return
		}
		hash, err := s.chain.GetBlockHash(ctx, count)
		if err != nil {
			log.WithError(err).Error("failed to get block hash")
			return
		}
		lastBlock, lastBlockHash = count, hash
	}

	updated := domain.ChainInfo{
		Network:       s.networkName,
		LastBlock:     lastBlock,
		LastBlockHash: lastBlockHash,
		FeeRates:      feeRates,
		USDPrice:      usdPrice,
		UpdatedAt:     time.Now(),
	}
	if err := s.repoManager.ChainInfo().UpsertChainInfo(ctx, updated); err != nil {
		log.WithError(err).Error("failed to store chain info")
		return
	}

	topic := fmt.Sprintf("%s/%s", TopicChainInfo, s.networkName)
	if err := s.bus.Publish(ctx, topic, fmt.Sprintf("%d", lastBlock)); err != nil {
		log.WithError(err).Warn("failed to publish chain info event")
	}
}
