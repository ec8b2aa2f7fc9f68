package bitcoind

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/gozmq"
	log "github.com/sirupsen/logrus"

	"github.com/covault/covaultd/internal/core/ports"
)

const (
	hashBlockZMQCommand = "hashblock"
	rawTxZMQCommand     = "rawtx"

	zmqReadDeadline = 5 * time.Second
)

type blockNotifier struct {
	blockAddr string
	txAddr    string

	blockConn *gozmq.Conn
	txConn    *gozmq.Conn

	blockHashes chan string
	rawTxs      chan []byte

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewBlockNotifier returns a push feed over bitcoind's ZMQ interface. Two
// separate connections are used so a burst of mempool transactions cannot
// starve block events.
func NewBlockNotifier(blockAddr, txAddr string) ports.BlockNotifier {
	return &blockNotifier{
		blockAddr:   blockAddr,
		txAddr:      txAddr,
		blockHashes: make(chan string),
		rawTxs:      make(chan []byte),
		quit:        make(chan struct{}),
	}
}

func (n *blockNotifier) Start() error {
	blockConn, err := gozmq.Subscribe(n.blockAddr, []string{hashBlockZMQCommand}, zmqReadDeadline)
	if err != nil {
		return fmt.Errorf("failed to subscribe for zmq block events: %s", err)
	}
	txConn, err := gozmq.Subscribe(n.txAddr, []string{rawTxZMQCommand}, zmqReadDeadline)
	if err != nil {
		if err := blockConn.Close(); err != nil {
			log.WithError(err).Error("failed to close zmq block connection")
		}
		return fmt.Errorf("failed to subscribe for zmq tx events: %s", err)
	}

	n.blockConn = blockConn
	n.txConn = txConn

	n.wg.Add(2)
	go n.blockHandler()
	go n.txHandler()

	log.Debugf("listening for zmq events on %s and %s", n.blockAddr, n.txAddr)
	return nil
}

func (n *blockNotifier) Stop() {
	close(n.quit)
	if n.blockConn != nil {
		if err := n.blockConn.Close(); err != nil {
			log.WithError(err).Error("failed to close zmq block connection")
		}
	}
	if n.txConn != nil {
		if err := n.txConn.Close(); err != nil {
			log.WithError(err).Error("failed to close zmq tx connection")
		}
	}
	n.wg.Wait()
}

func (n *blockNotifier) BlockHashes() <-chan string {
	return n.blockHashes
}

func (n *blockNotifier) RawTxs() <-chan []byte {
	return n.rawTxs
}

func (n *blockNotifier) blockHandler() {
	defer n.wg.Done()

	var bufs [][]byte
	for {
		select {
		case <-n.quit:
			return
		default:
		}

		var err error
		bufs, err = n.blockConn.Receive(bufs)
		if err != nil {
			if err == io.EOF {
				return
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			log.WithError(err).Error("failed to receive zmq block event")
			continue
		}
		if len(bufs) < 2 || string(bufs[0]) != hashBlockZMQCommand {
			continue
		}

		hash, err := chainhash.NewHash(bufs[1])
		if err != nil {
			log.WithError(err).Error("failed to parse zmq block hash")
			continue
		}

		select {
		case n.blockHashes <- hash.String():
		case <-n.quit:
			return
		}
	}
}

func (n *blockNotifier) txHandler() {
	defer n.wg.Done()

	var bufs [][]byte
	for {
		select {
		case <-n.quit:
			return
		default:
		}

		var err error
		bufs, err = n.txConn.Receive(bufs)
		if err != nil {
			if err == io.EOF {
				return
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			log.WithError(err).Error("failed to receive zmq tx event")
			continue
		}
		if len(bufs) < 2 || string(bufs[0]) != rawTxZMQCommand {
			continue
		}

		rawTx := make([]byte, len(bufs[1]))
		copy(rawTx, bufs[1])

		select {
		case n.rawTxs <- rawTx:
		case <-n.quit:
			return
		}
	}
}
