package settlement

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/deferredpay/facilitator/internal/idgen"
	"github.com/deferredpay/facilitator/internal/ledger"
	"github.com/deferredpay/facilitator/internal/money"
)

// Signer dispatches a settlement batch on-chain and returns a transaction
// signature (or hash) the ledger can record against the batch. A Signer
// implementation is swappable per chain; the facilitator's core logic
// never depends on a specific one.
type Signer interface {
	Settle(ctx context.Context, batch ledger.SettlementBatch) (txSignature string, err error)
}

// MockSigner produces deterministic fake signatures without touching any
// network. It is used by tests and by any deployment started without
// SIGNER_PRIVATE_KEY.
type MockSigner struct {
	// FailNext, when true, causes the next Settle call to return an error
	// and resets to false. Useful for exercising FailSettlement paths.
	FailNext bool
}

func (m *MockSigner) Settle(ctx context.Context, batch ledger.SettlementBatch) (string, error) {
	if m.FailNext {
		m.FailNext = false
		return "", fmt.Errorf("mock signer: forced failure")
	}
	return "mock_" + idgen.Hex(16), nil
}

// minimal ERC-20 ABI covering the transfer call a batch settlement needs.
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

// EVMUSDCSigner settles a batch by transferring its total amount in a
// single ERC-20-style transfer to the merchant's address. It is the
// reference Signer for EVM-compatible chains; RPCURL/ContractAddress are
// sourced from the facilitator's on-chain settlement configuration.
type EVMUSDCSigner struct {
	client     *ethclient.Client
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	contract   common.Address
	abi        abi.ABI
	gasLimit   uint64
}

// EVMUSDCSignerConfig configures a chain-settlement signer.
type EVMUSDCSignerConfig struct {
	RPCURL          string
	PrivateKey      string // hex, optional 0x prefix
	ChainID         int64
	ContractAddress string // the pass-through "USDC_MINT"/token contract
	GasLimit        uint64
}

// NewEVMUSDCSigner dials the configured RPC endpoint and derives the
// settlement wallet's address from the given private key.
func NewEVMUSDCSigner(cfg EVMUSDCSignerConfig) (*EVMUSDCSigner, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("settlement signer: RPC URL required")
	}
	if cfg.PrivateKey == "" {
		return nil, fmt.Errorf("settlement signer: private key required")
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("settlement signer: invalid private key: %w", err)
	}
	publicKeyECDSA, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("settlement signer: failed to derive public key")
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("settlement signer: failed to parse ABI: %w", err)
	}

	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("settlement signer: RPC dial failed: %w", err)
	}

	gasLimit := cfg.GasLimit
	if gasLimit == 0 {
		gasLimit = 100000
	}

	return &EVMUSDCSigner{
		client:     client,
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(*publicKeyECDSA),
		chainID:    big.NewInt(cfg.ChainID),
		contract:   common.HexToAddress(cfg.ContractAddress),
		abi:        parsedABI,
		gasLimit:   gasLimit,
	}, nil
}

// Settle transfers batch.TotalAmount to batch.MerchantAddress in one
// transaction and waits for it to be mined before returning.
func (s *EVMUSDCSigner) Settle(ctx context.Context, batch ledger.SettlementBatch) (string, error) {
	amount, ok := money.Parse(batch.TotalAmount)
	if !ok {
		return "", fmt.Errorf("settlement signer: invalid batch amount %q", batch.TotalAmount)
	}

	to := common.HexToAddress(batch.MerchantAddress)
	data, err := s.abi.Pack("transfer", to, amount)
	if err != nil {
		return "", fmt.Errorf("settlement signer: pack transfer: %w", err)
	}

	nonce, err := s.client.PendingNonceAt(ctx, s.address)
	if err != nil {
		return "", fmt.Errorf("settlement signer: nonce: %w", err)
	}
	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("settlement signer: gas price: %w", err)
	}

	gasLimit, err := s.client.EstimateGas(ctx, ethereum.CallMsg{
		From: s.address,
		To:   &s.contract,
		Data: data,
	})
	if err != nil {
		gasLimit = s.gasLimit
	}

	tx := types.NewTransaction(nonce, s.contract, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(s.chainID), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("settlement signer: sign: %w", err)
	}

	if err := s.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("settlement signer: send: %w", err)
	}

	if err := s.waitForReceipt(ctx, signedTx.Hash()); err != nil {
		return "", err
	}

	return signedTx.Hash().Hex(), nil
}

func (s *EVMUSDCSigner) waitForReceipt(ctx context.Context, hash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("settlement signer: timed out waiting for %s", hash.Hex())
		case <-ticker.C:
			receipt, err := s.client.TransactionReceipt(ctx, hash)
			if err != nil {
				continue
			}
			if receipt.Status == 0 {
				return fmt.Errorf("settlement signer: transaction %s reverted", hash.Hex())
			}
			return nil
		}
	}
}

// Close releases the underlying RPC connection.
func (s *EVMUSDCSigner) Close() {
	if s.client != nil {
		s.client.Close()
	}
}
