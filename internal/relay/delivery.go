package relay

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/go-github/v59/github"
	"go.uber.org/zap"

	"github.com/simplesurance/onebothook/internal/format"
	"github.com/simplesurance/onebothook/internal/logfields"
	"github.com/simplesurance/onebothook/internal/maputils"
)

// ErrMalformedPayload is returned when the body of a delivery is not a
// JSON object.
var ErrMalformedPayload = errors.New("malformed payload")

// Delivery is a received GitHub webhook request.
// It must not be modified after it was created by ParseDelivery.
type Delivery struct {
	// DeliveryID is the value of the X-GitHub-Delivery header.
	DeliveryID string
	// EventType is the value of the X-GitHub-Event header.
	EventType string
	// SignatureHeader is the value of the X-Hub-Signature-256 header, it
	// is empty if the header was missing.
	SignatureHeader string
	// RawBody is the unmodified request body.
	RawBody []byte

	// Repository is the full name ("owner/repo") of the repository the
	// event belongs to, empty if the payload does not contain it.
	Repository string
	// Ref is the git reference of the payload, empty for events without
	// a reference.
	Ref string
	// Branch is Ref without the "refs/heads/" prefix.
	Branch string
	// Event is the payload as type returned by github.ParseWebHook(), nil if
	// the event type is not supported by it.
	Event any

	// payload is the generic JSON representation, used for filter queries.
	payload any
}

// ParseDelivery creates a Delivery from the webhook request data.
// Missing fields in the payload are not an error, an error is only
// returned if rawBody is not a JSON object.
func ParseDelivery(deliveryID, eventType, signatureHeader string, rawBody []byte) (*Delivery, error) {
	var payload any

	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}

	obj, ok := payload.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: body is a json %T, expecting an object", ErrMalformedPayload, payload)
	}

	d := Delivery{
		DeliveryID:      deliveryID,
		EventType:       eventType,
		SignatureHeader: signatureHeader,
		RawBody:         rawBody,
		payload:         payload,
	}

	// fields with unexpected types are treated as missing
	d.Repository, _ = maputils.NestedStrVal(obj, "repository", "full_name")
	d.Ref, _ = maputils.NestedStrVal(obj, "ref")
	d.Branch = format.BranchFromRef(d.Ref)

	ev, err := github.ParseWebHook(eventType, rawBody)
	if err != nil {
		zap.L().Named(loggerName).Debug(
			"parsing typed github event failed, message is rendered as unrecognized event",
			append(d.LogFields(),
				logfields.Event("github_event_typed_parsing_failed"),
				zap.Error(err),
			)...,
		)
	} else {
		d.Event = ev
	}

	return &d, nil
}

func (d *Delivery) String() string {
	return fmt.Sprintf("%s (deliveryID: %s)", d.EventType, d.DeliveryID)
}

func (d *Delivery) LogFields() []zap.Field {
	fields := make([]zap.Field, 0, 4) // cap == max. size of fields we append

	if d.DeliveryID != "" {
		fields = append(fields, logfields.DeliveryID(d.DeliveryID))
	}

	fields = append(fields, logfields.EventType(d.EventType))

	if d.Repository != "" {
		fields = append(fields, logfields.Repository(d.Repository))
	}

	if d.Branch != "" {
		fields = append(fields, logfields.Branch(d.Branch))
	}

	return fields
}
