// Package webhook verifies and decodes provider event notifications. Events
// arrive as compact JWS tokens signed with a shared HS256 secret.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-jose/go-jose/v4"
)

const (
	EventOrderApproved   = "CHECKOUT.ORDER.APPROVED"
	EventOrderVoided     = "CHECKOUT.ORDER.VOIDED"
	EventCaptureComplete = "PAYMENT.CAPTURE.COMPLETED"
	EventCaptureDenied   = "PAYMENT.CAPTURE.DENIED"
)

var (
	ErrBadSignature     = errors.New("webhook: signature verification failed")
	ErrMalformedPayload = errors.New("webhook: malformed payload")
)

// MinSecretLength matches the HS256 output size.
const MinSecretLength = 32

type Event struct {
	ID        string   `json:"id"`
	EventType string   `json:"event_type"`
	Resource  Resource `json:"resource"`
}

type Resource struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

// Action is what the wallet should do for an event.
type Action int

const (
	ActionIgnore Action = iota
	ActionCapture
	ActionComplete
	ActionFail
)

func (e *Event) Action() Action {
	switch e.EventType {
	case EventOrderApproved:
		return ActionCapture
	case EventCaptureComplete:
		return ActionComplete
	case EventCaptureDenied, EventOrderVoided:
		return ActionFail
	default:
		return ActionIgnore
	}
}

type Verifier struct {
	key []byte
}

func NewVerifier(secret string) (*Verifier, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("webhook secret must be at least %d bytes", MinSecretLength)
	}
	return &Verifier{key: []byte(secret)}, nil
}

// Verify checks the signature on a compact JWS and decodes its payload.
func (v *Verifier) Verify(token []byte) (*Event, error) {
	jws, err := jose.ParseSigned(strings.TrimSpace(string(token)), []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	payload, err := jws.Verify(v.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if ev.EventType == "" || ev.Resource.OrderID == "" {
		return nil, fmt.Errorf("%w: event_type and resource.order_id are required", ErrMalformedPayload)
	}
	return &ev, nil
}

// Sign produces the compact JWS a sender would post for ev.
func (v *Verifier) Sign(ev *Event) (string, error) {
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: v.key}, nil)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	obj, err := signer.Sign(payload)
	if err != nil {
		return "", err
	}
	return obj.CompactSerialize()
}
