package recovery

import "github.com/MarcoPoloResearchLab/roundup/client/internal/backend"

const (
	networkMessage      = "You appear to be offline. Your changes are saved and will sync when you reconnect."
	partnerMessage      = "A partner service is temporarily unavailable. Please try again shortly."
	validationMessage   = "Some of the details you entered are invalid."
	notFoundMessage     = "We could not find what you were looking for."
	unauthorizedMessage = "Please sign in again to continue."
	genericMessage      = "Something went wrong. Please try again."

	// GenericPaymentMessage is shown for payment failures without a known code.
	GenericPaymentMessage = "Your payment could not be processed. Please try again or use a different payment method."
)

var paymentMessages = map[backend.Code]string{
	backend.CodeCardDeclined:      "Your card was declined. Please use a different card.",
	backend.CodeInsufficientFunds: "Your card has insufficient funds.",
	backend.CodeExpiredCard:       "Your card has expired. Please update your payment details.",
	backend.CodeIncorrectCVC:      "Your card's security code is incorrect.",
}

// PaymentMessage maps a payment gateway code to the message shown to the user.
func PaymentMessage(code backend.Code) string {
	if message, ok := paymentMessages[code]; ok {
		return message
	}
	return GenericPaymentMessage
}
