package dto

// TopUpRequest is the body of POST /payments/topup.
type TopUpRequest struct {
	Amount int64 `json:"amount" validate:"required,gt=0"`
}

type TopUpResponse struct {
	URL string `json:"url"`
}

type WebhookResponse struct {
	Received bool `json:"received"`
	Credited bool `json:"credited"`
}
