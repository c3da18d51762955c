package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"mime"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"kitstream/backend/internal/pubsub"
)

const (
	contentTypeJSON = "application/json"
	contentTypeCBOR = "application/cbor"
)

var allowedMeasurementKeys = map[string]struct{}{
	"id":           {},
	"kitSerial":    {},
	"datetime":     {},
	"peripheral":   {},
	"quantityType": {},
	"value":        {},
}

var cborDecMode = func() cbor.DecMode {
	mode, err := cbor.DecOptions{
		DefaultMapType:   reflect.TypeOf(map[string]any(nil)),
		MaxArrayElements: 65536,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor decode mode: %v", err))
	}
	return mode
}()

// DecodeMeasurements accepts a single measurement object or an array of them,
// encoded as JSON or CBOR depending on contentType.
func DecodeMeasurements(
	raw []byte,
	contentType string,
	kitSerial string,
	maxBatch int,
	now time.Time,
) ([]pubsub.Measurement, error) {
	payload, err := decodePayload(raw, contentType)
	if err != nil {
		return nil, err
	}

	var payloads []map[string]any
	switch typed := payload.(type) {
	case map[string]any:
		payloads = []map[string]any{typed}
	case []any:
		if len(typed) == 0 {
			return nil, fmt.Errorf("batch must include at least one measurement")
		}
		if len(typed) > maxBatch {
			return nil, fmt.Errorf("batch exceeds max size of %d", maxBatch)
		}
		for index, item := range typed {
			object, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("invalid measurement at index %d: expected object", index)
			}
			payloads = append(payloads, object)
		}
	default:
		return nil, fmt.Errorf("expected measurement object or array")
	}

	measurements := make([]pubsub.Measurement, 0, len(payloads))
	for index, object := range payloads {
		measurement, err := decodeMeasurementPayload(object, kitSerial, now)
		if err != nil {
			if len(payloads) == 1 {
				return nil, err
			}
			return nil, fmt.Errorf("invalid measurement at index %d: %w", index, err)
		}
		measurements = append(measurements, measurement)
	}

	return measurements, nil
}

func decodePayload(raw []byte, contentType string) (any, error) {
	mediaType := contentTypeJSON
	if strings.TrimSpace(contentType) != "" {
		parsed, _, err := mime.ParseMediaType(contentType)
		if err != nil {
			return nil, fmt.Errorf("invalid content type: %w", err)
		}
		mediaType = parsed
	}

	var payload any
	switch mediaType {
	case contentTypeJSON:
		decoder := json.NewDecoder(bytes.NewReader(raw))
		decoder.UseNumber()
		if err := decoder.Decode(&payload); err != nil {
			return nil, err
		}
	case contentTypeCBOR:
		if err := cborDecMode.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("invalid cbor: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported content type: %s", mediaType)
	}
	return payload, nil
}

func decodeMeasurementPayload(payload map[string]any, kitSerial string, now time.Time) (pubsub.Measurement, error) {
	for key := range payload {
		if _, allowed := allowedMeasurementKeys[key]; !allowed {
			return pubsub.Measurement{}, fmt.Errorf("unknown field: %s", key)
		}
	}

	if raw, ok := payload["kitSerial"]; ok {
		serial, isString := raw.(string)
		if !isString || serial != kitSerial {
			return pubsub.Measurement{}, fmt.Errorf("kitSerial does not match request path")
		}
	}

	peripheral, err := parseInt32Field(payload, "peripheral")
	if err != nil {
		return pubsub.Measurement{}, err
	}
	quantityType, err := parseInt32Field(payload, "quantityType")
	if err != nil {
		return pubsub.Measurement{}, err
	}

	value, err := parseFloatField(payload, "value")
	if err != nil {
		return pubsub.Measurement{}, err
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return pubsub.Measurement{}, fmt.Errorf("invalid field value: must be finite")
	}

	datetime := now.UTC()
	if raw, ok := payload["datetime"]; ok {
		datetime, err = parseDatetime(raw)
		if err != nil {
			return pubsub.Measurement{}, fmt.Errorf("invalid field datetime: %w", err)
		}
	}

	id := uuid.NewString()
	if raw, ok := payload["id"]; ok {
		text, isString := raw.(string)
		if !isString {
			return pubsub.Measurement{}, fmt.Errorf("invalid field id: expected string")
		}
		parsed, err := uuid.Parse(text)
		if err != nil {
			return pubsub.Measurement{}, fmt.Errorf("invalid field id: %w", err)
		}
		id = parsed.String()
	}

	return pubsub.Measurement{
		ID:           id,
		KitSerial:    kitSerial,
		Datetime:     datetime,
		Peripheral:   peripheral,
		QuantityType: quantityType,
		Value:        value,
	}, nil
}

func parseDatetime(value any) (time.Time, error) {
	switch typed := value.(type) {
	case time.Time:
		return typed.UTC(), nil
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, typed); err == nil {
			return parsed.UTC(), nil
		}
		millis, err := parseInt64(typed)
		if err != nil {
			return time.Time{}, fmt.Errorf("expected RFC 3339 time or epoch milliseconds")
		}
		return time.UnixMilli(millis).UTC(), nil
	default:
		millis, err := parseInt64(value)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(millis).UTC(), nil
	}
}

func parseFloatField(payload map[string]any, key string) (float64, error) {
	value, ok := payload[key]
	if !ok {
		return 0, fmt.Errorf("missing field: %s", key)
	}

	parsed, err := parseFloat(value)
	if err != nil {
		return 0, fmt.Errorf("invalid field %s: %w", key, err)
	}
	return parsed, nil
}

func parseInt32Field(payload map[string]any, key string) (int32, error) {
	value, ok := payload[key]
	if !ok {
		return 0, fmt.Errorf("missing field: %s", key)
	}

	// Channel ids must be exact; every int32 is representable as a float64.
	parsed, err := parseFloat(value)
	if err != nil {
		return 0, fmt.Errorf("invalid field %s: %w", key, err)
	}
	if math.Trunc(parsed) != parsed {
		return 0, fmt.Errorf("invalid field %s: must be an integer", key)
	}
	if parsed < math.MinInt32 || parsed > math.MaxInt32 {
		return 0, fmt.Errorf("invalid field %s: out of range", key)
	}
	return int32(parsed), nil
}

func parseFloat(value any) (float64, error) {
	switch typed := value.(type) {
	case json.Number:
		return typed.Float64()
	case string:
		return strconv.ParseFloat(typed, 64)
	case float64:
		return typed, nil
	case float32:
		return float64(typed), nil
	case int:
		return float64(typed), nil
	case int64:
		return float64(typed), nil
	case uint64:
		return float64(typed), nil
	default:
		return 0, fmt.Errorf("unsupported number type %T", value)
	}
}

func parseInt64(value any) (int64, error) {
	switch typed := value.(type) {
	case json.Number:
		return typed.Int64()
	case string:
		if intValue, err := strconv.ParseInt(typed, 10, 64); err == nil {
			return intValue, nil
		}
		floatValue, err := strconv.ParseFloat(typed, 64)
		if err != nil {
			return 0, err
		}
		return int64(floatValue), nil
	case float64:
		return int64(typed), nil
	case float32:
		return int64(typed), nil
	case int:
		return int64(typed), nil
	case int64:
		return typed, nil
	case uint64:
		if typed > math.MaxInt64 {
			return 0, fmt.Errorf("integer overflows int64")
		}
		return int64(typed), nil
	default:
		return 0, fmt.Errorf("unsupported integer type %T", value)
	}
}
