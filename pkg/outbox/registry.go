package outbox

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Decoder turns a stored payload into a typed domain event.
type Decoder func(payload json.RawMessage) (any, error)

// Registry maps event types to decoders. Event types without a decoder are
// passed through as raw JSON.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]Decoder
	validate *validator.Validate
}

func NewRegistry() *Registry {
	return &Registry{
		decoders: make(map[string]Decoder),
		validate: validator.New(),
	}
}

func (r *Registry) Register(eventType string, decoder Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[eventType] = decoder
}

// RegisterType decodes eventType payloads into T. Struct payloads are also
// checked against their validate tags.
func RegisterType[T any](r *Registry, eventType string) {
	r.Register(eventType, func(payload json.RawMessage) (any, error) {
		var v T
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, err
		}
		if reflect.Indirect(reflect.ValueOf(v)).Kind() == reflect.Struct {
			if err := r.validate.Struct(v); err != nil {
				return nil, err
			}
		}
		return v, nil
	})
}

// Decode returns the typed event for payload. An error means the payload can
// never be delivered.
func (r *Registry) Decode(eventType string, payload json.RawMessage) (any, error) {
	r.mu.RLock()
	decoder, ok := r.decoders[eventType]
	r.mu.RUnlock()

	if !ok {
		if !json.Valid(payload) {
			return nil, fmt.Errorf("decode %s: payload is not valid JSON", eventType)
		}
		return payload, nil
	}

	v, err := decoder(payload)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", eventType, err)
	}
	return v, nil
}
