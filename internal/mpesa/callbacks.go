package mpesa

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnrecognizedPayload is returned for payloads matching no known shape.
	ErrUnrecognizedPayload = errors.New("unrecognized provider payload")
	// ErrMalformedPayload is returned when a known shape lacks required fields.
	ErrMalformedPayload = errors.New("malformed provider payload")
)

var eat = time.FixedZone("EAT", 3*60*60)

// Kind distinguishes inbound payment notification shapes.
type Kind string

const (
	KindC2B Kind = "C2B"
	KindSTK Kind = "STK"
)

// InboundPayment is the strict internal form of a payment notification.
type InboundPayment struct {
	Kind              Kind
	Receipt           string
	Amount            decimal.Decimal
	Phone             string
	AccountReference  string
	ShortCode         string
	TransactionTime   time.Time
	CheckoutRequestID string
	MerchantRequestID string
	ResultCode        string
	ResultDesc        string
}

// Succeeded reports whether the notification represents received money.
func (p InboundPayment) Succeeded() bool {
	return p.Kind == KindC2B || p.ResultCode == "0"
}

// Ack is the acknowledgement body the provider expects.
type Ack struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// Accepted acknowledges a notification.
func Accepted() Ack {
	return Ack{ResultCode: 0, ResultDesc: "Accepted"}
}

// flexString accepts JSON strings and numbers. Daraja sends amounts and
// phone numbers in either form depending on the product.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type c2bConfirmation struct {
	TransactionType   string     `json:"TransactionType"`
	TransID           flexString `json:"TransID"`
	TransTime         flexString `json:"TransTime"`
	TransAmount       flexString `json:"TransAmount"`
	BusinessShortCode flexString `json:"BusinessShortCode"`
	BillRefNumber     flexString `json:"BillRefNumber"`
	MSISDN            flexString `json:"MSISDN"`
}

type stkCallback struct {
	Body *struct {
		StkCallback *struct {
			MerchantRequestID string     `json:"MerchantRequestID"`
			CheckoutRequestID string     `json:"CheckoutRequestID"`
			ResultCode        flexString `json:"ResultCode"`
			ResultDesc        string     `json:"ResultDesc"`
			CallbackMetadata  *struct {
				Item []struct {
					Name  string     `json:"Name"`
					Value flexString `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// ParseInbound maps a C2B confirmation or an STK callback onto
// InboundPayment. Anything else is rejected.
func ParseInbound(payload []byte) (InboundPayment, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(payload, &probe); err != nil {
		return InboundPayment{}, fmt.Errorf("%w: %v", ErrUnrecognizedPayload, err)
	}
	switch {
	case probe["Body"] != nil:
		return parseSTK(payload)
	case probe["TransID"] != nil:
		return parseC2B(payload)
	}
	return InboundPayment{}, ErrUnrecognizedPayload
}

func parseC2B(payload []byte) (InboundPayment, error) {
	var c c2bConfirmation
	if err := json.Unmarshal(payload, &c); err != nil {
		return InboundPayment{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := require(map[string]flexString{
		"TransID":       c.TransID,
		"TransAmount":   c.TransAmount,
		"MSISDN":        c.MSISDN,
		"BillRefNumber": c.BillRefNumber,
		"TransTime":     c.TransTime,
	}); err != nil {
		return InboundPayment{}, err
	}
	amount, err := parseAmount(string(c.TransAmount))
	if err != nil {
		return InboundPayment{}, err
	}
	at, err := ParseTimestamp(string(c.TransTime))
	if err != nil {
		return InboundPayment{}, err
	}
	return InboundPayment{
		Kind:             KindC2B,
		Receipt:          string(c.TransID),
		Amount:           amount,
		Phone:            string(c.MSISDN),
		AccountReference: strings.ToUpper(string(c.BillRefNumber)),
		ShortCode:        string(c.BusinessShortCode),
		TransactionTime:  at,
		ResultCode:       "0",
	}, nil
}

func parseSTK(payload []byte) (InboundPayment, error) {
	var s stkCallback
	if err := json.Unmarshal(payload, &s); err != nil {
		return InboundPayment{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if s.Body == nil || s.Body.StkCallback == nil {
		return InboundPayment{}, ErrUnrecognizedPayload
	}
	cb := s.Body.StkCallback
	if cb.CheckoutRequestID == "" || cb.ResultCode == "" {
		return InboundPayment{}, fmt.Errorf("%w: missing CheckoutRequestID or ResultCode", ErrMalformedPayload)
	}
	p := InboundPayment{
		Kind:              KindSTK,
		CheckoutRequestID: cb.CheckoutRequestID,
		MerchantRequestID: cb.MerchantRequestID,
		ResultCode:        string(cb.ResultCode),
		ResultDesc:        cb.ResultDesc,
	}
	if p.ResultCode != "0" {
		return p, nil
	}
	if cb.CallbackMetadata == nil {
		return InboundPayment{}, fmt.Errorf("%w: successful STK callback without metadata", ErrMalformedPayload)
	}
	items := map[string]flexString{}
	for _, item := range cb.CallbackMetadata.Item {
		items[item.Name] = item.Value
	}
	if err := require(map[string]flexString{
		"Amount":             items["Amount"],
		"MpesaReceiptNumber": items["MpesaReceiptNumber"],
		"PhoneNumber":        items["PhoneNumber"],
	}); err != nil {
		return InboundPayment{}, err
	}
	amount, err := parseAmount(string(items["Amount"]))
	if err != nil {
		return InboundPayment{}, err
	}
	p.Amount = amount
	p.Receipt = string(items["MpesaReceiptNumber"])
	p.Phone = string(items["PhoneNumber"])
	if ts := items["TransactionDate"]; ts != "" {
		at, err := ParseTimestamp(string(ts))
		if err != nil {
			return InboundPayment{}, err
		}
		p.TransactionTime = at
	}
	return p, nil
}

// PayoutResult is the strict internal form of a B2C/B2B result or timeout.
type PayoutResult struct {
	ResultType               string
	ResultCode               string
	ResultDesc               string
	OriginatorConversationID string
	ConversationID           string
	TransactionID            string
	Parameters               map[string]string
}

// Succeeded reports whether the payout completed.
func (r PayoutResult) Succeeded() bool {
	return r.ResultCode == "0"
}

type payoutEnvelope struct {
	Result *struct {
		ResultType               flexString `json:"ResultType"`
		ResultCode               flexString `json:"ResultCode"`
		ResultDesc               string     `json:"ResultDesc"`
		OriginatorConversationID string     `json:"OriginatorConversationID"`
		ConversationID           string     `json:"ConversationID"`
		TransactionID            string     `json:"TransactionID"`
		ResultParameters         *struct {
			ResultParameter []struct {
				Key   string     `json:"Key"`
				Value flexString `json:"Value"`
			} `json:"ResultParameter"`
		} `json:"ResultParameters"`
	} `json:"Result"`
}

// ParsePayoutResult maps a payout result callback onto PayoutResult.
func ParsePayoutResult(payload []byte) (PayoutResult, error) {
	var env payoutEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return PayoutResult{}, fmt.Errorf("%w: %v", ErrUnrecognizedPayload, err)
	}
	if env.Result == nil {
		return PayoutResult{}, ErrUnrecognizedPayload
	}
	r := env.Result
	if r.ConversationID == "" && r.OriginatorConversationID == "" {
		return PayoutResult{}, fmt.Errorf("%w: missing conversation id", ErrMalformedPayload)
	}
	if r.ResultCode == "" {
		return PayoutResult{}, fmt.Errorf("%w: missing ResultCode", ErrMalformedPayload)
	}
	out := PayoutResult{
		ResultType:               string(r.ResultType),
		ResultCode:               string(r.ResultCode),
		ResultDesc:               r.ResultDesc,
		OriginatorConversationID: r.OriginatorConversationID,
		ConversationID:           r.ConversationID,
		TransactionID:            r.TransactionID,
		Parameters:               map[string]string{},
	}
	if r.ResultParameters != nil {
		for _, p := range r.ResultParameters.ResultParameter {
			out.Parameters[p.Key] = string(p.Value)
		}
	}
	return out, nil
}

// ParseTimestamp reads a provider YYYYMMDDHHMMSS timestamp in Kenyan time.
func ParseTimestamp(v string) (time.Time, error) {
	t, err := time.ParseInLocation(timestampLayout, v, eat)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrMalformedPayload, v)
	}
	return t.UTC(), nil
}

func parseAmount(v string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(v)
	if err != nil || !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: amount %q", ErrMalformedPayload, v)
	}
	return amount.Round(2), nil
}

func require(fields map[string]flexString) error {
	var missing []string
	for name, v := range fields {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("%w: missing %s", ErrMalformedPayload, strings.Join(missing, ", "))
}
