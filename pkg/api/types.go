package api

import (
	"time"

	"github.com/uhyunpark/growswap/pkg/app/core/asset"
	"github.com/uhyunpark/growswap/pkg/app/core/audit"
	"github.com/uhyunpark/growswap/pkg/app/core/offer"
)

// ==============================
// Requests
// ==============================

// OfferRequest is the body of create-offer and counter-offer. At most one of
// TTLHours and TTLSeconds may be set; neither means the configured default.
type OfferRequest struct {
	Offered     asset.Bundle `json:"offered" validate:"required,min=1,max=32"`
	Requested   asset.Bundle `json:"requested" validate:"required,min=1,max=32"`
	TTLHours    *int64       `json:"ttl_hours,omitempty" validate:"omitempty,min=0,excluded_with=TTLSeconds"`
	TTLSeconds  *int64       `json:"ttl_seconds,omitempty" validate:"omitempty,min=0"`
	Visibility  string       `json:"visibility,omitempty" validate:"omitempty,oneof=public private auction"`
	Description string       `json:"description,omitempty" validate:"max=500"`
}

// AcceptRequest is optional; an empty bundle accepts the requested bundle as is.
type AcceptRequest struct {
	Bundle asset.Bundle `json:"bundle,omitempty" validate:"max=32"`
}

// ListQuery holds the directory query string before conversion.
type ListQuery struct {
	Kind          string `json:"kind" validate:"omitempty,oneof=plant genetics"`
	StrainID      string `json:"strain_id" validate:"max=64"`
	Rarity        string `json:"rarity" validate:"omitempty,oneof=common rare epic legendary"`
	MaxTokens     string `json:"max_tokens" validate:"omitempty,number"`
	Creator       string `json:"creator" validate:"omitempty,eth_addr"`
	ExcludeOwn    string `json:"exclude" validate:"omitempty,boolean"`
	IncludeClosed string `json:"include_closed" validate:"omitempty,boolean"`
	Cursor        string `json:"cursor" validate:"omitempty,uuid"`
	Limit         string `json:"limit" validate:"omitempty,number"`
}

type PageQuery struct {
	Cursor string `json:"cursor" validate:"omitempty,uuid"`
	Limit  string `json:"limit" validate:"omitempty,number"`
}

// ==============================
// Responses
// ==============================

type CreateOfferResponse struct {
	OfferID   string    `json:"offer_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type AcceptOfferResponse struct {
	ExchangeRecord *audit.Record `json:"exchange_record"`
}

type CancelOfferResponse struct {
	OfferID string       `json:"offer_id"`
	Status  offer.Status `json:"status"`
}

// ErrorResponse is returned for all errors. Error is a stable code.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// WebSocket
// ==============================

// WSSubscribeRequest is sent by clients: {"op":"subscribe","channels":["offers"]}.
type WSSubscribeRequest struct {
	Op       string   `json:"op"`
	Channels []string `json:"channels"`
}

// WSMessage is pushed to subscribed clients.
type WSMessage struct {
	Channel string `json:"channel"`
	Type    string `json:"type"`
	Data    any    `json:"data,omitempty"`
}
