// Package broker prices instant-liquidity offers against unbonding staked
// assets and settles them when the underlying unbonding completes.
//
// An offer pays out the staked token's redemption value minus a fee sized to
// cover worst-case borrow interest over the unbonding window. Reserves, when
// available, underwrite the spread between the current and maximum interest
// rate so the fee only has to cover the current rate.
package broker

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridianlabs/unbond/core/pkg/num"
	"github.com/meridianlabs/unbond/core/pkg/rates"
)

const secondsPerYear = 31536000

var (
	// ErrRateOverflow is returned when the offer rate exceeds the vault's
	// maximum interest rate. No fee can cover the borrow cost.
	ErrRateOverflow = errors.New("offer rate exceeds max interest rate")

	// ErrOfferUnviable is returned when the fee consumes the entire
	// redemption value.
	ErrOfferUnviable = errors.New("fee exceeds redemption value")
)

// InsolventError is returned by Settle when the returned funds do not cover
// the accrued debt.
type InsolventError struct {
	DebtRemaining uint64
}

func (e *InsolventError) Error() string {
	return fmt.Sprintf("returned funds do not cover debt: %d outstanding", e.DebtRemaining)
}

// Broker prices and settles offers for a single staked asset.
type Broker struct {
	// MinRate is the floor applied to the vault's current interest rate
	// when pricing.
	MinRate decimal.Decimal
	// Duration is the provider's unbonding window.
	Duration time.Duration
}

// Validate checks the broker parameters.
func (b Broker) Validate() error {
	if b.MinRate.IsNegative() {
		return fmt.Errorf("min rate must not be negative")
	}
	if b.Duration <= 0 {
		return fmt.Errorf("duration must be positive")
	}
	return nil
}

// Offer is a priced commitment to pay OfferAmount now for UnbondAmount of the
// staked token, with ReserveAllocation earmarked from the reserve to cap the
// interest exposure.
type Offer struct {
	UnbondAmount      uint64 `json:"unbond_amount"`
	OfferAmount       uint64 `json:"offer_amount"`
	Fee               uint64 `json:"fee"`
	ReserveAllocation uint64 `json:"reserve_allocation"`
}

// Settlement is the distribution of funds returned by a completed unbonding.
type Settlement struct {
	// Repay is the quote amount owed to the vault, interest included.
	Repay uint64 `json:"repay"`
	// ReserveReturn is the portion of the reserve allocation recovered.
	ReserveReturn uint64 `json:"reserve_return"`
	// ReserveSurplus is profit routed to the reserve on top of the
	// recovered allocation.
	ReserveSurplus uint64 `json:"reserve_surplus"`
	// ProtocolFee is the protocol's cut of the settlement profit.
	ProtocolFee uint64 `json:"protocol_fee"`
}

// interestAmount is the interest on value at an annualized rate over the
// unbonding window. Both the annual interest and the pro-rated amount round
// up, so the charge never understates the cost.
func (b Broker) interestAmount(value uint64, rate decimal.Decimal) uint64 {
	annual := num.MulCeil(value, rate)
	frac := decimal.NewFromInt(int64(b.Duration / time.Second)).
		DivRound(decimal.NewFromInt(secondsPerYear), 18)
	return num.MulCeil(annual, frac)
}

// Quote prices an offer for unbondAmount of the staked token given the rate
// snapshot and the reserve amount available to underwrite it.
//
// The fee covers interest at the offer rate. The reserve requirement covers
// the spread up to the max rate; whatever the reserve cannot underwrite is
// shifted onto the fee instead.
func (b Broker) Quote(snap rates.Snapshot, available uint64, unbondAmount uint64) (Offer, error) {
	value := num.MulFloor(unbondAmount, snap.ProviderRedemption)

	offerRate := snap.Interest
	if b.MinRate.GreaterThan(offerRate) {
		offerRate = b.MinRate
	}
	if offerRate.GreaterThan(snap.MaxInterest) {
		return Offer{}, ErrRateOverflow
	}

	requirement := b.interestAmount(value, snap.MaxInterest.Sub(offerRate))
	fee := b.interestAmount(value, offerRate)

	var allocation uint64
	if available > requirement {
		allocation = requirement
	} else {
		allocation = available
		fee += requirement - available
	}

	if fee >= value {
		return Offer{}, ErrOfferUnviable
	}

	return Offer{
		UnbondAmount:      unbondAmount,
		OfferAmount:       value - fee,
		Fee:               fee,
		ReserveAllocation: allocation,
	}, nil
}

// Settle distributes the funds returned by a completed unbonding: the vault
// debt is repaid first, then the reserve allocation is recovered, then the
// protocol takes its fee cut of the remainder, and whatever is left accrues
// to the reserve as surplus.
//
// debtTokens is the vault debt shares minted when the offer was funded, and
// snap.DebtShare converts them to the owed amount at settlement time.
func (b Broker) Settle(snap rates.Snapshot, offer Offer, debtTokens uint64, returned uint64, protocolFeeRate decimal.Decimal) (Settlement, error) {
	debt := num.MulCeil(debtTokens, snap.DebtShare)
	if debt > returned {
		return Settlement{}, &InsolventError{DebtRemaining: debt - returned}
	}

	remainder := returned - debt

	reserveReturn := offer.ReserveAllocation
	if remainder < reserveReturn {
		reserveReturn = remainder
	}
	remainder -= reserveReturn

	protocolFee := num.MulFloor(remainder, protocolFeeRate)
	remainder -= protocolFee

	return Settlement{
		Repay:          debt,
		ReserveReturn:  reserveReturn,
		ReserveSurplus: remainder,
		ProtocolFee:    protocolFee,
	}, nil
}
