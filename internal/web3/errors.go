package web3

import (
	"net/http"

	xerrors "WalletPilot/internal/errors"
)

const (
	CodeLedgerUnavailable xerrors.Code = "LEDGER_UNAVAILABLE"
	CodeInsufficientFunds xerrors.Code = "INSUFFICIENT_FUNDS"
	CodeInvalidRecipient  xerrors.Code = "INVALID_RECIPIENT"
	CodeSignerUnavailable xerrors.Code = "SIGNER_UNAVAILABLE"
	CodeUnsupportedToken  xerrors.Code = "UNSUPPORTED_TOKEN"
	CodeAmountPrecision   xerrors.Code = "AMOUNT_PRECISION"
)

// Sentinel errors; errors.Is matches any error carrying the same code.
var (
	ErrLedgerUnavailable = xerrors.New(CodeLedgerUnavailable, "ledger unavailable")
	ErrInsufficientFunds = xerrors.New(CodeInsufficientFunds, "insufficient funds")
	ErrInvalidRecipient  = xerrors.New(CodeInvalidRecipient, "invalid recipient")
	ErrSignerUnavailable = xerrors.New(CodeSignerUnavailable, "no signer for address")
	ErrUnsupportedToken  = xerrors.New(CodeUnsupportedToken, "token is not transferable on chain")
	ErrAmountPrecision   = xerrors.New(CodeAmountPrecision, "amount has more decimals than the token supports")
)

func init() {
	xerrors.Register(CodeLedgerUnavailable, xerrors.Attributes{
		Message:    "ledger unavailable",
		Severity:   xerrors.SeverityCritical,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: http.StatusBadGateway,
	})
	xerrors.Register(CodeInsufficientFunds, xerrors.Attributes{
		Message:    "insufficient funds",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusOK,
	})
	xerrors.Register(CodeInvalidRecipient, xerrors.Attributes{
		Message:    "invalid recipient",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
	xerrors.Register(CodeSignerUnavailable, xerrors.Attributes{
		Message:    "signer unavailable",
		Severity:   xerrors.SeverityWarning,
		Alert:      true,
		HTTPStatus: http.StatusServiceUnavailable,
	})
	xerrors.Register(CodeUnsupportedToken, xerrors.Attributes{
		Message:    "unsupported token",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
	xerrors.Register(CodeAmountPrecision, xerrors.Attributes{
		Message:    "amount precision exceeds token decimals",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
}
