// Package coordinator implements the bid-submission client: a websocket
// connection to the external solver-selection coordinator, signed with a
// substrate sr25519 keypair (spec.md 4.I).
package coordinator

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	subkey "github.com/vedhavyas/go-subkey"
	"github.com/vedhavyas/go-subkey/sr25519"
	"go.uber.org/zap"

	"github.com/duskrelay/intentfiller/internal/util"
	"github.com/duskrelay/intentfiller/pkg/strategy"
)

// substrateNetwork is the SS58 network format logged alongside the
// coordinator's own address, picked arbitrarily for generic substrate
// chains (0 = Polkadot relay format).
const substrateNetwork = 0

// ackWaitTimeout bounds how long SubmitBid waits for a matching ack frame
// beyond whatever deadline the caller's context already carries.
const ackWaitTimeout = 30 * time.Second

type bidFrame struct {
	Commitment string `json:"commitment"`
	UserOp     string `json:"userOp"`
	Signature  string `json:"signature"`
	Signer     string `json:"signer"`
	ViaBundler bool   `json:"viaBundler,omitempty"`
}

type ackFrame struct {
	Commitment    string `json:"commitment"`
	Success       bool   `json:"success"`
	ExtrinsicHash string `json:"extrinsicHash"`
	BlockHash     string `json:"blockHash"`
	Error         string `json:"error,omitempty"`
}

// Coordinator wraps a websocket connection to the protocol's bid ranking
// service and a substrate keypair used to sign bid frames (spec.md 4.I). A
// nil *Coordinator denotes "unconfigured" everywhere it is threaded through
// the scheduler and strategies.
type Coordinator struct {
	wsURL      string
	bundlerURL string
	keyPair    subkey.KeyPair
	log        *zap.SugaredLogger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[[32]byte]chan strategy.BidReceipt

	stopOnce sync.Once
	stopCh   chan struct{}
	readErr  chan struct{}
}

// New builds a Coordinator. substratePrivateKeyHex is the hex-encoded
// sr25519 seed (spec.md 6, "substratePrivateKey"). Returns nil, nil when
// wsURL is empty — the coordinator path is unconfigured (spec.md 4.I).
func New(wsURL, substratePrivateKeyHex, bundlerURL string, log *zap.SugaredLogger) (*Coordinator, error) {
	if wsURL == "" {
		return nil, nil
	}
	seed := util.Hex2Bytes(substratePrivateKeyHex)
	scheme := &sr25519.Scheme{}
	keyPair, err := scheme.FromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("coordinator: derive substrate keypair: %w", err)
	}
	log.Infow("coordinator: substrate signer derived", "address", subkey.SS58Encode(keyPair.Public(), substrateNetwork))

	return &Coordinator{
		wsURL:      wsURL,
		bundlerURL: bundlerURL,
		keyPair:    keyPair,
		log:        log,
		pending:    make(map[[32]byte]chan strategy.BidReceipt),
		stopCh:     make(chan struct{}),
		readErr:    make(chan struct{}),
	}, nil
}

// Connect dials the websocket endpoint and starts the read pump (spec.md
// 4.I).
func (c *Coordinator) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("coordinator: dial %s: %w", c.wsURL, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readPump()
	return nil
}

func (c *Coordinator) readPump() {
	defer close(c.readErr)
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		var ack ackFrame
		if err := conn.ReadJSON(&ack); err != nil {
			select {
			case <-c.stopCh:
			default:
				c.log.Warnw("coordinator: read pump exiting on error", "error", err)
			}
			return
		}
		c.dispatchAck(ack)
	}
}

func (c *Coordinator) dispatchAck(ack ackFrame) {
	commitment := common.HexToHash(ack.Commitment)
	c.mu.Lock()
	waiter, ok := c.pending[commitment]
	if ok {
		delete(c.pending, commitment)
	}
	c.mu.Unlock()
	if !ok {
		c.log.Debugw("coordinator: ack for unknown or already-resolved commitment", "commitment", ack.Commitment)
		return
	}
	waiter <- strategy.BidReceipt{Success: ack.Success, ExtrinsicHash: ack.ExtrinsicHash, BlockHash: ack.BlockHash}
}

// SubmitBid signs and writes a bid frame, then waits for the matching ack
// frame or the context deadline (spec.md 4.I). Implements
// strategy.Coordinator.
func (c *Coordinator) SubmitBid(ctx context.Context, commitment [32]byte, encodedUserOp []byte) (strategy.BidReceipt, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return strategy.BidReceipt{}, fmt.Errorf("coordinator: not connected")
	}

	message := append(append([]byte{}, commitment[:]...), encodedUserOp...)
	signature, err := c.keyPair.Sign(message)
	if err != nil {
		return strategy.BidReceipt{}, fmt.Errorf("coordinator: sign bid: %w", err)
	}

	waiter := make(chan strategy.BidReceipt, 1)
	c.mu.Lock()
	c.pending[commitment] = waiter
	c.mu.Unlock()

	frame := bidFrame{
		Commitment: hex.EncodeToString(commitment[:]),
		UserOp:     hex.EncodeToString(encodedUserOp),
		Signature:  hex.EncodeToString(signature),
		Signer:     hex.EncodeToString(c.keyPair.Public()),
		ViaBundler: c.bundlerURL != "",
	}

	c.mu.Lock()
	writeErr := conn.WriteJSON(frame)
	c.mu.Unlock()
	if writeErr != nil {
		c.mu.Lock()
		delete(c.pending, commitment)
		c.mu.Unlock()
		return strategy.BidReceipt{}, fmt.Errorf("coordinator: write bid frame: %w", writeErr)
	}

	waitCtx, cancel := context.WithTimeout(ctx, ackWaitTimeout)
	defer cancel()

	select {
	case receipt := <-waiter:
		return receipt, nil
	case <-waitCtx.Done():
		c.mu.Lock()
		delete(c.pending, commitment)
		c.mu.Unlock()
		return strategy.BidReceipt{}, fmt.Errorf("coordinator: timed out waiting for ack: %w", waitCtx.Err())
	case <-c.readErr:
		return strategy.BidReceipt{}, fmt.Errorf("coordinator: connection closed while awaiting ack")
	}
}

// Disconnect closes the websocket connection and stops the read pump
// (spec.md 4.I, 4.F "Shutdown").
func (c *Coordinator) Disconnect() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
