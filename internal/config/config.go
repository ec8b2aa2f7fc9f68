package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/covault/covaultd/internal/core/application"
	"github.com/covault/covaultd/internal/core/ports"
	"github.com/covault/covaultd/internal/infrastructure/chain/bitcoind"
	"github.com/covault/covaultd/internal/infrastructure/db"
	"github.com/covault/covaultd/internal/infrastructure/pricefeed/coingecko"
	inmemorypubsub "github.com/covault/covaultd/internal/infrastructure/pubsub/inmemory"
	redispubsub "github.com/covault/covaultd/internal/infrastructure/pubsub/redis"
	"github.com/covault/covaultd/internal/infrastructure/queue"
	timescheduler "github.com/covault/covaultd/internal/infrastructure/scheduler/gocron"
)

var (
	supportedNetworks = supportedType{
		"mainnet": {},
		"testnet": {},
		"regtest": {},
	}
	supportedDbs = supportedType{
		"sqlite": {},
	}
	supportedTrackerModes = supportedType{
		"poll": {},
		"zmq":  {},
	}
	supportedPubSubs = supportedType{
		"inmemory": {},
		"redis":    {},
	}
)

type Config struct {
	Datadir  string
	LogLevel int
	Network  string

	DbType string
	DbDir  string

	NodeRpcAddr string
	NodeRpcUser string
	NodeRpcPass string

	TrackerMode     string
	PollInterval    time.Duration
	ZmqBlockAddr    string
	ZmqTxAddr       string
	PubSubType      string
	RedisUrl        string
	PriceFeedUrl    string
	MonthlyPrice    int64
	SignDelay       time.Duration
	TrialPeriodDays int64

	repo      ports.RepoManager
	chain     ports.ChainSource
	notifier  ports.BlockNotifier
	bus       ports.EventBus
	scheduler ports.SchedulerService
	taskQueue ports.TaskQueue
	price     ports.PriceSource
	tracker   *application.TrackerService
}

func (c *Config) String() string {
	clone := *c
	if clone.NodeRpcPass != "" {
		clone.NodeRpcPass = "••••••"
	}
	json, err := json.MarshalIndent(clone, "", "  ")
	if err != nil {
		return fmt.Sprintf("error while marshalling config JSON: %s", err)
	}
	return string(json)
}

var (
	defaultDatadir      = btcutil.AppDataDir("covaultd", false)
	defaultLogLevel     = 4
	defaultNetwork      = "mainnet"
	defaultDbType       = "sqlite"
	defaultTrackerMode  = "poll"
	defaultPollInterval = 5 * time.Second
	defaultPubSubType   = "inmemory"
	defaultPriceFeedUrl = "https://api.coingecko.com/api/v3"
	defaultMonthlyPrice = int64(25_000)
	defaultSignDelay    = 24 * time.Hour
	defaultTrialPeriod  = int64(30) // days
)

// env returns a list of strings prefixed with `COVAULTD_`.
// This is used as a syntax sugar for defining env vars.
func env(values ...string) []string {
	envs := make([]string, len(values))

	for i, value := range values {
		envs[i] = fmt.Sprintf("COVAULTD_%s", value)
	}

	return envs
}

var (
	Datadir = &cli.StringFlag{
		Usage: "Directory to store data",
		Name:  "datadir", EnvVars: env("DATADIR"),
		Value: defaultDatadir,
	}

	LogLevel = &cli.IntFlag{
		Usage: "Logging level (0-6, where 6 is trace)",
		Name:  "log-level", EnvVars: env("LOG_LEVEL"),
		Value: defaultLogLevel,
	}

	Network = &cli.StringFlag{
		Usage: "Bitcoin network (mainnet, testnet, regtest)",
		Name:  "network", EnvVars: env("NETWORK"),
		Value: defaultNetwork,
	}

	DbType = &cli.StringFlag{
		Usage: "Database type (sqlite)",
		Name:  "db-type", EnvVars: env("DB_TYPE"),
		Value: defaultDbType,
	}

	NodeRpcAddr = &cli.StringFlag{
		Usage: "Bitcoin node RPC address in the form host:port",
		Name:  "node-rpc-addr", EnvVars: env("NODE_RPC_ADDR"),
	}

	NodeRpcUser = &cli.StringFlag{
		Usage: "Bitcoin node RPC user",
		Name:  "node-rpc-user", EnvVars: env("NODE_RPC_USER"),
	}

	NodeRpcPass = &cli.StringFlag{
		Usage: "Bitcoin node RPC password",
		Name:  "node-rpc-pass", EnvVars: env("NODE_RPC_PASS"),
	}

	TrackerMode = &cli.StringFlag{
		Usage: "Chain ingestion mode (poll, zmq)",
		Name:  "tracker-mode", EnvVars: env("TRACKER_MODE"),
		Value: defaultTrackerMode,
	}

	PollInterval = &cli.DurationFlag{
		Usage: "Block/mempool poll interval if COVAULTD_TRACKER_MODE is set to poll",
		Name:  "poll-interval", EnvVars: env("POLL_INTERVAL"),
		Value: defaultPollInterval,
	}

	ZmqBlockAddr = &cli.StringFlag{
		Usage: "Bitcoin node ZMQ hashblock address if COVAULTD_TRACKER_MODE is set to zmq",
		Name:  "zmq-block-addr", EnvVars: env("ZMQ_BLOCK_ADDR"),
	}

	ZmqTxAddr = &cli.StringFlag{
		Usage: "Bitcoin node ZMQ rawtx address if COVAULTD_TRACKER_MODE is set to zmq",
		Name:  "zmq-tx-addr", EnvVars: env("ZMQ_TX_ADDR"),
	}

	PubSubType = &cli.StringFlag{
		Usage: "Pub/sub service type (inmemory, redis)",
		Name:  "pubsub-type", EnvVars: env("PUBSUB_TYPE"),
		Value: defaultPubSubType,
	}

	RedisUrl = &cli.StringFlag{
		Usage: "Redis connection url if COVAULTD_PUBSUB_TYPE is set to redis",
		Name:  "redis-url", EnvVars: env("REDIS_URL"),
	}

	PriceFeedUrl = &cli.StringFlag{
		Usage: "Fiat price feed base URL, empty to disable",
		Name:  "price-feed-url", EnvVars: env("PRICE_FEED_URL"),
		Value: defaultPriceFeedUrl,
	}

	MonthlyPrice = &cli.Int64Flag{
		Usage: "Subscription price in sats per month, 0 to disable billing",
		Name:  "monthly-price", EnvVars: env("MONTHLY_PRICE"),
		Value: defaultMonthlyPrice,
	}

	SignDelay = &cli.DurationFlag{
		Usage: "Delay before the platform co-signs a sign request",
		Name:  "sign-delay", EnvVars: env("SIGN_DELAY"),
		Value: defaultSignDelay,
	}

	TrialPeriodDays = &cli.Int64Flag{
		Usage: "Trial period granted to new wallets, in days",
		Name:  "trial-period-days", EnvVars: env("TRIAL_PERIOD_DAYS"),
		Value: defaultTrialPeriod,
	}
)

var Flags = []cli.Flag{
	Datadir,
	LogLevel,
	Network,
	DbType,
	NodeRpcAddr,
	NodeRpcUser,
	NodeRpcPass,
	TrackerMode,
	PollInterval,
	ZmqBlockAddr,
	ZmqTxAddr,
	PubSubType,
	RedisUrl,
	PriceFeedUrl,
	MonthlyPrice,
	SignDelay,
	TrialPeriodDays,
}

func LoadConfig(c *cli.Context) (*Config, error) {
	if err := initDatadir(c); err != nil {
		return nil, fmt.Errorf("failed to create datadir: %s", err)
	}

	dbPath := filepath.Join(c.String(Datadir.Name), "db")

	var redisUrl string
	if c.String(PubSubType.Name) == "redis" {
		redisUrl = c.String(RedisUrl.Name)
		if redisUrl == "" {
			return nil, fmt.Errorf("pubsub type set to 'redis' but redis url is missing")
		}
	}

	return &Config{
		Datadir:         c.String(Datadir.Name),
		LogLevel:        c.Int(LogLevel.Name),
		Network:         c.String(Network.Name),
		DbType:          c.String(DbType.Name),
		DbDir:           dbPath,
		NodeRpcAddr:     c.String(NodeRpcAddr.Name),
		NodeRpcUser:     c.String(NodeRpcUser.Name),
		NodeRpcPass:     c.String(NodeRpcPass.Name),
		TrackerMode:     c.String(TrackerMode.Name),
		PollInterval:    c.Duration(PollInterval.Name),
		ZmqBlockAddr:    c.String(ZmqBlockAddr.Name),
		ZmqTxAddr:       c.String(ZmqTxAddr.Name),
		PubSubType:      c.String(PubSubType.Name),
		RedisUrl:        redisUrl,
		PriceFeedUrl:    c.String(PriceFeedUrl.Name),
		MonthlyPrice:    c.Int64(MonthlyPrice.Name),
		SignDelay:       c.Duration(SignDelay.Name),
		TrialPeriodDays: c.Int64(TrialPeriodDays.Name),
	}, nil
}

func initDatadir(c *cli.Context) error {
	datadir := c.String(Datadir.Name)
	return makeDirectoryIfNotExists(datadir)
}

func makeDirectoryIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModeDir|0o755)
	}
	return nil
}

func (c *Config) Validate() error {
	if !supportedNetworks.supports(c.Network) {
		return fmt.Errorf(
			"network not supported, please select one of: %s", supportedNetworks,
		)
	}
	if !supportedDbs.supports(c.DbType) {
		return fmt.Errorf("db type not supported, please select one of: %s", supportedDbs)
	}
	if !supportedTrackerModes.supports(c.TrackerMode) {
		return fmt.Errorf(
			"tracker mode not supported, please select one of: %s", supportedTrackerModes,
		)
	}
	if !supportedPubSubs.supports(c.PubSubType) {
		return fmt.Errorf(
			"pubsub type not supported, please select one of: %s", supportedPubSubs,
		)
	}
	if c.NodeRpcAddr == "" {
		return fmt.Errorf("missing bitcoin node rpc address")
	}
	if c.TrackerMode == "poll" && c.PollInterval < time.Second {
		return fmt.Errorf("invalid poll interval, must be at least 1 second")
	}
	if c.TrackerMode == "zmq" && (c.ZmqBlockAddr == "" || c.ZmqTxAddr == "") {
		return fmt.Errorf("tracker mode set to 'zmq' but zmq addresses are missing")
	}
	if c.MonthlyPrice < 0 {
		return fmt.Errorf("monthly price must not be negative")
	}
	if c.MonthlyPrice == 0 {
		log.Debug("billing is disabled")
	}

	if err := c.repoManager(); err != nil {
		return err
	}
	if err := c.chainSource(); err != nil {
		return err
	}
	if err := c.notifierService(); err != nil {
		return err
	}
	if err := c.pubSubService(); err != nil {
		return err
	}
	if err := c.priceService(); err != nil {
		return err
	}
	c.scheduler = timescheduler.NewScheduler()
	c.taskQueue = queue.NewService()
	return nil
}

// ChainParams maps the configured network name to its chain parameters.
func (c *Config) ChainParams() *chaincfg.Params {
	switch c.Network {
	case "testnet":
		return &chaincfg.TestNet3Params
	case "regtest":
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.MainNetParams
	}
}

func (c *Config) TrackerService() (*application.TrackerService, error) {
	if c.tracker == nil {
		if err := c.trackerService(); err != nil {
			return nil, err
		}
	}
	return c.tracker, nil
}

func (c *Config) repoManager() error {
	svc, err := db.NewService(db.ServiceConfig{
		DbType: c.DbType,
		DbDir:  c.DbDir,
	})
	if err != nil {
		return err
	}

	c.repo = svc
	return nil
}

func (c *Config) chainSource() error {
	svc, err := bitcoind.NewChainSource(c.NodeRpcAddr, c.NodeRpcUser, c.NodeRpcPass)
	if err != nil {
		return err
	}

	c.chain = svc
	return nil
}

func (c *Config) notifierService() error {
	if c.TrackerMode != "zmq" {
		return nil
	}

	c.notifier = bitcoind.NewBlockNotifier(c.ZmqBlockAddr, c.ZmqTxAddr)
	return nil
}

func (c *Config) pubSubService() error {
	var svc ports.EventBus
	switch c.PubSubType {
	case "inmemory":
		svc = inmemorypubsub.NewService()
	case "redis":
		redisOpts, err := redis.ParseURL(c.RedisUrl)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		svc = redispubsub.NewService(redis.NewClient(redisOpts))
	default:
		return fmt.Errorf("unknown pubsub type")
	}

	c.bus = svc
	return nil
}

func (c *Config) priceService() error {
	if c.PriceFeedUrl == "" {
		return nil
	}

	c.price = coingecko.NewService(c.PriceFeedUrl)
	return nil
}

func (c *Config) trackerService() error {
	svc, err := application.NewTrackerService(application.TrackerConfig{
		Network:         c.ChainParams(),
		NetworkName:     c.Network,
		RepoManager:     c.repo,
		ChainSource:     c.chain,
		Notifier:        c.notifier,
		EventBus:        c.bus,
		Scheduler:       c.scheduler,
		TaskQueue:       c.taskQueue,
		PriceSource:     c.price,
		MonthlyPrice:    c.MonthlyPrice,
		TrialPeriodDays: c.TrialPeriodDays,
		SignDelay:       c.SignDelay,
		PollInterval:    c.PollInterval,
	})
	if err != nil {
		return err
	}

	c.tracker = svc
	return nil
}

type supportedType map[string]struct{}

func (t supportedType) String() string {
	types := make([]string, 0, len(t))
	for tt := range t {
		types = append(types, tt)
	}
	return strings.Join(types, " | ")
}

func (t supportedType) supports(typeStr string) bool {
	_, ok := t[typeStr]
	return ok
}
