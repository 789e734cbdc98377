package market

import "errors"

var (
	ErrInvalidDuration      = errors.New("listing should last more than 1 day")
	ErrInvalidPrice         = errors.New("price must be a positive whole amount")
	ErrNotAuthorized        = errors.New("caller is not token owner nor approved")
	ErrItemNotFound         = errors.New("item does not exist")
	ErrItemUnavailable      = errors.New("item not available for sale")
	ErrListingExpired       = errors.New("listing has expired")
	ErrListingNotYetExpired = errors.New("listing has not expired yet")
	ErrIncorrectPayment     = errors.New("payment must equal the asking price")
	ErrNotSeller            = errors.New("only seller can withdraw item")
	ErrItemAlreadySold      = errors.New("item already sold")
	ErrNotOwner             = errors.New("caller is not the owner")
	ErrFeeRateTooHigh       = errors.New("fee rate should be lower than 10")
)

var rejections = []error{
	ErrInvalidDuration,
	ErrInvalidPrice,
	ErrNotAuthorized,
	ErrItemNotFound,
	ErrItemUnavailable,
	ErrListingExpired,
	ErrListingNotYetExpired,
	ErrIncorrectPayment,
	ErrNotSeller,
	ErrItemAlreadySold,
	ErrNotOwner,
	ErrFeeRateTooHigh,
}

// IsRejection reports whether err is a caller-visible precondition failure
// rather than an infrastructure failure.
func IsRejection(err error) bool {
	return RejectionKind(err) != ""
}

// RejectionKind returns a stable label for a rejection, or "" for other errors.
func RejectionKind(err error) string {
	if err == nil {
		return ""
	}
	for _, r := range rejections {
		if errors.Is(err, r) {
			return kindOf(r)
		}
	}
	return ""
}

func kindOf(err error) string {
	switch err {
	case ErrInvalidDuration:
		return "invalid_duration"
	case ErrInvalidPrice:
		return "invalid_price"
	case ErrNotAuthorized:
		return "not_authorized"
	case ErrItemNotFound:
		return "item_not_found"
	case ErrItemUnavailable:
		return "item_unavailable"
	case ErrListingExpired:
		return "listing_expired"
	case ErrListingNotYetExpired:
		return "listing_not_yet_expired"
	case ErrIncorrectPayment:
		return "incorrect_payment"
	case ErrNotSeller:
		return "not_seller"
	case ErrItemAlreadySold:
		return "item_already_sold"
	case ErrNotOwner:
		return "not_owner"
	case ErrFeeRateTooHigh:
		return "fee_rate_too_high"
	}
	return ""
}
