package broker

import (
	"errors"
	"fmt"

	"tradegate/internal/domain"
)

// MsgInvalidSide is the result message for orders whose side is neither
// buy nor sell.
const MsgInvalidSide = "Invalid side."

// CheckSide returns an error result when the side is invalid. Adapters call
// it before building any request.
func CheckSide(o domain.Order) (domain.OrderResult, bool) {
	if !o.Side.Valid() {
		return domain.OrderResult{Result: domain.ResultError, Message: MsgInvalidSide}, false
	}
	return domain.OrderResult{}, true
}

// Success builds a success result for order.
func Success(message string, order domain.Order) domain.OrderResult {
	return domain.OrderResult{
		Result:  domain.ResultSuccess,
		Message: message,
		OrderID: order.OrderID,
		Order:   &order,
	}
}

// Failure converts err into an error result. Upstream rejections keep the
// exchange's own message.
func Failure(err error) domain.OrderResult {
	var rej *domain.UpstreamRejectedError
	var te *domain.TransportError
	var rl *domain.RateLimitedError

	msg := err.Error()
	switch {
	case errors.As(err, &rej):
		msg = rej.Message
	case errors.As(err, &te):
		msg = fmt.Sprintf("transport error: %v", te.Err)
	case errors.As(err, &rl):
		msg = rl.Error()
	}
	return domain.OrderResult{Result: domain.ResultError, Message: msg}
}
