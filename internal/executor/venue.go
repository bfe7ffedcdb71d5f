package executor

import (
	"context"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyguard/internal/crypto"
	"github.com/alanyoungcy/polyguard/internal/domain"
)

// Venue is the order side of the exchange.
type Venue interface {
	PostOrder(ctx context.Context, order domain.Order) (domain.OrderResult, error)
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// Signer abstracts EIP-712 order signing so the executor never depends on
// concrete key-management implementations.
type Signer interface {
	SignOrder(payload crypto.OrderPayload) (string, error)
	Address() common.Address
}

const zeroAddress = "0x0000000000000000000000000000000000000000"

// Both collateral and outcome tokens use 6 decimals on the CTF exchange.
var tokenUnits = decimal.New(1, 6)

// orderAmounts converts price and size into the integer maker and taker
// amounts of the signed payload. A seller gives shares and takes
// collateral; a buyer does the opposite.
func orderAmounts(side domain.OrderSide, price, size float64) (maker, taker *big.Int) {
	shares := decimal.NewFromFloat(size).Mul(tokenUnits).Truncate(0).BigInt()
	notional := decimal.NewFromFloat(price).
		Mul(decimal.NewFromFloat(size)).
		Mul(tokenUnits).
		Truncate(0).
		BigInt()
	if side == domain.OrderSideSell {
		return shares, notional
	}
	return notional, shares
}

// buildOrder signs a limit order for tokenID.
func (e *Executor) buildOrder(tokenID string, side domain.OrderSide, price, size float64) (domain.Order, error) {
	if e.signer == nil {
		return domain.Order{}, fmt.Errorf("executor: build order: no signer: %w", domain.ErrConfiguration)
	}
	wallet := e.signer.Address().Hex()
	maker, taker := orderAmounts(side, price, size)
	salt := strconv.FormatInt(e.now().UnixNano(), 10)

	sideInt := 0
	if side == domain.OrderSideSell {
		sideInt = 1
	}
	payload := crypto.OrderPayload{
		Salt:          salt,
		Maker:         wallet,
		Signer:        wallet,
		Taker:         zeroAddress,
		TokenID:       tokenID,
		MakerAmount:   maker.String(),
		TakerAmount:   taker.String(),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          sideInt,
		SignatureType: 0,
	}
	signature, err := e.signer.SignOrder(payload)
	if err != nil {
		return domain.Order{}, fmt.Errorf("executor: sign order: %w", err)
	}

	return domain.Order{
		ID:          uuid.NewString(),
		TokenID:     tokenID,
		Wallet:      wallet,
		Side:        side,
		Type:        e.cfg.OrderType,
		Price:       price,
		Size:        size,
		MakerAmount: maker,
		TakerAmount: taker,
		Status:      domain.OrderStatusPending,
		Signature:   signature,
		Salt:        salt,
		CreatedAt:   e.now().UTC(),
	}, nil
}
