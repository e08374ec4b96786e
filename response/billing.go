package response

// Billing error taxonomy. Business-rule violations are raised with these
// constructors at the orchestrator/lifecycle boundary and surfaced to the
// caller unchanged. Retryable signals the caller whether backoff-and-retry
// is safe.

func ErrPlanNotFound() *Error {
	return ErrNotFound().
		WithCode("plan_not_found").
		AddMessages("No plan found with the given ID")
}

func ErrSubscriptionNotFound() *Error {
	return ErrNotFound().
		WithCode("subscription_not_found").
		AddMessages("No active subscription found for the company")
}

func ErrIntentNotFound() *Error {
	return ErrNotFound().
		WithCode("payment_intent_not_found").
		AddMessages("No payment found with the given intent ID")
}

func ErrNotCompanyAuthor() *Error {
	return ErrForbidden().
		WithCode("not_company_author").
		AddMessages("Only the company author can manage the subscription")
}

func ErrActiveSubscriptionExists() *Error {
	return ErrBadRequest().
		WithCode("active_subscription_exists").
		AddMessages("The company already has an active subscription for this plan")
}

func ErrPaymentIntentAlreadyConfirmed() *Error {
	return ErrBadRequest().
		WithCode("payment_intent_already_confirmed").
		AddMessages("The payment intent was already confirmed")
}

func ErrPaymentIntentFailed() *Error {
	return ErrBadRequest().
		WithCode("payment_intent_failed").
		AddMessages("The payment did not complete successfully")
}

func ErrPaymentProcessingFailed() *Error {
	return ErrUnexpected().
		WithCode("payment_processing_failed").
		AddMessages("Unable to process the payment, please retry").
		CanRetry()
}

// AsError unwraps err into *Error if it is one from this package
func AsError(err error) (*Error, bool) {
	e, ok := err.(*Error)
	return e, ok
}
