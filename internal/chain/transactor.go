package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrEmptyKey       = errors.New("operator key is empty")
	ErrReceiptTimeout = errors.New("no receipt before deadline")
)

// ResolveKey turns a stored key reference into a hex private key.
// "env:NAME" reads the NAME environment variable; anything else is the key.
func ResolveKey(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if name, ok := strings.CutPrefix(ref, "env:"); ok {
		ref = strings.TrimSpace(os.Getenv(name))
		if ref == "" {
			return "", fmt.Errorf("%w: %s is unset", ErrEmptyKey, name)
		}
	}
	if ref == "" {
		return "", ErrEmptyKey
	}
	return strings.TrimPrefix(ref, "0x"), nil
}

// Transactor signs and submits transactions for one operator account.
// Nonce lookup and submission are serialized so engines sharing an
// operator never race on the pending nonce.
type Transactor struct {
	key  *ecdsa.PrivateKey
	from common.Address
	mu   sync.Mutex
}

func NewTransactor(keyHex string) (*Transactor, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse operator key: %w", err)
	}
	return &Transactor{key: key, from: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (t *Transactor) From() common.Address { return t.from }

// Send signs a legacy transaction calling to with data and submits it.
func (t *Transactor) Send(ctx context.Context, client Client, to common.Address, data []byte, gasLimit uint64, gasPrice *big.Int) (*types.Transaction, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	nonce, err := client.PendingNonceAt(ctx, t.from)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), t.key)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	return signed, nil
}

// WaitMined polls for the receipt of hash. A mined transaction with a
// failed status is returned together with a *RevertError.
func WaitMined(ctx context.Context, client Client, tx *types.Transaction, interval, timeout time.Duration) (*types.Receipt, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, tx.Hash())
		switch {
		case err == nil && receipt != nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, &RevertError{TxHash: tx.Hash(), GasUsed: receipt.GasUsed, GasLimit: tx.Gas()}
			}
			return receipt, nil
		case err != nil && !errors.Is(err, ethereum.NotFound) && !IsTransient(err):
			return nil, fmt.Errorf("receipt %s: %w", tx.Hash().Hex(), err)
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s", ErrReceiptTimeout, tx.Hash().Hex())
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
