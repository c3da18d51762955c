package server

import (
	"strings"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
)

var decodeNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func TestDecodeMeasurementsAcceptsSingleJSONObject(t *testing.T) {
	payload := `{"peripheral":1,"quantityType":1,"value":"22.4","datetime":"2026-10-19T11:59:00Z"}`

	measurements, err := DecodeMeasurements([]byte(payload), "application/json", "greenhouse", 10, decodeNow)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(measurements) != 1 {
		t.Fatalf("expected one measurement, got %d", len(measurements))
	}

	measurement := measurements[0]
	if measurement.KitSerial != "greenhouse" {
		t.Fatalf("expected kit serial from path, got %q", measurement.KitSerial)
	}
	if measurement.Peripheral != 1 || measurement.QuantityType != 1 || measurement.Value != 22.4 {
		t.Fatalf("unexpected measurement %+v", measurement)
	}
	if !measurement.Datetime.Equal(time.Date(2026, 10, 19, 11, 59, 0, 0, time.UTC)) {
		t.Fatalf("unexpected datetime %s", measurement.Datetime)
	}
	if measurement.ID == "" {
		t.Fatalf("expected generated id")
	}
}

func TestDecodeMeasurementsDefaultsDatetimeToNow(t *testing.T) {
	measurements, err := DecodeMeasurements([]byte(`{"peripheral":2,"quantityType":5,"value":3}`), "", "kit", 10, decodeNow)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !measurements[0].Datetime.Equal(decodeNow) {
		t.Fatalf("expected receive time, got %s", measurements[0].Datetime)
	}
}

func TestDecodeMeasurementsAcceptsEpochMillisAndExplicitID(t *testing.T) {
	payload := `{"id":"2f1d0a64-7f4e-4b43-9f0e-9b0e1c7ad001","peripheral":1,"quantityType":2,"value":-4.5,"datetime":1760875200000}`

	measurements, err := DecodeMeasurements([]byte(payload), "application/json; charset=utf-8", "kit", 10, decodeNow)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if measurements[0].ID != "2f1d0a64-7f4e-4b43-9f0e-9b0e1c7ad001" {
		t.Fatalf("expected explicit id, got %q", measurements[0].ID)
	}
	if !measurements[0].Datetime.Equal(time.UnixMilli(1760875200000)) {
		t.Fatalf("unexpected datetime %s", measurements[0].Datetime)
	}
}

func TestDecodeMeasurementsAcceptsCBORBatch(t *testing.T) {
	raw, err := cbor.Marshal([]map[string]any{
		{"peripheral": 1, "quantityType": 1, "value": 20.5},
		{"peripheral": 1, "quantityType": 2, "value": 61.0, "kitSerial": "kit"},
		{"peripheral": -3, "quantityType": 7, "value": 1},
	})
	if err != nil {
		t.Fatalf("marshal cbor: %v", err)
	}

	measurements, err := DecodeMeasurements(raw, "application/cbor", "kit", 10, decodeNow)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(measurements) != 3 {
		t.Fatalf("expected three measurements, got %d", len(measurements))
	}
	if measurements[1].QuantityType != 2 || measurements[1].Value != 61 {
		t.Fatalf("unexpected second measurement %+v", measurements[1])
	}
	if measurements[2].Peripheral != -3 {
		t.Fatalf("expected negative peripheral, got %d", measurements[2].Peripheral)
	}
}

func TestDecodeMeasurementsRejectsInvalidPayloads(t *testing.T) {
	tests := []struct {
		name        string
		payload     string
		contentType string
		want        string
	}{
		{name: "missing value", payload: `{"peripheral":1,"quantityType":1}`, want: "missing field: value"},
		{name: "missing peripheral", payload: `{"quantityType":1,"value":1}`, want: "missing field: peripheral"},
		{name: "unknown field", payload: `{"peripheral":1,"quantityType":1,"value":1,"unit":"C"}`, want: "unknown field: unit"},
		{name: "serial mismatch", payload: `{"kitSerial":"other","peripheral":1,"quantityType":1,"value":1}`, want: "kitSerial does not match"},
		{name: "fractional string peripheral", payload: `{"peripheral":"3.7","quantityType":1,"value":1}`, want: "invalid field peripheral: must be an integer"},
		{name: "fractional quantity type", payload: `{"peripheral":3,"quantityType":2.5,"value":1}`, want: "invalid field quantityType: must be an integer"},
		{name: "non-numeric peripheral", payload: `{"peripheral":"three","quantityType":1,"value":1}`, want: "invalid field peripheral"},
		{name: "out of range", payload: `{"peripheral":4294967296,"quantityType":1,"value":1}`, want: "out of range"},
		{name: "bad id", payload: `{"id":"nope","peripheral":1,"quantityType":1,"value":1}`, want: "invalid field id"},
		{name: "bad datetime", payload: `{"datetime":"yesterday","peripheral":1,"quantityType":1,"value":1}`, want: "invalid field datetime"},
		{name: "empty batch", payload: `[]`, want: "at least one"},
		{name: "batch too large", payload: `[{"peripheral":1,"quantityType":1,"value":1},{"peripheral":1,"quantityType":1,"value":1},{"peripheral":1,"quantityType":1,"value":1}]`, want: "exceeds max size"},
		{name: "batch item", payload: `[{"peripheral":1,"quantityType":1,"value":1},42]`, want: "index 1"},
		{name: "scalar", payload: `12`, want: "expected measurement object or array"},
		{name: "content type", payload: `{}`, contentType: "text/plain", want: "unsupported content type"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := DecodeMeasurements([]byte(test.payload), test.contentType, "kit", 2, decodeNow)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), test.want) {
				t.Fatalf("expected error containing %q, got %q", test.want, err.Error())
			}
		})
	}
}

func TestDecodeMeasurementsRejectsFractionalCBORChannel(t *testing.T) {
	raw, err := cbor.Marshal(map[string]any{"peripheral": 3.7, "quantityType": 1, "value": 1.5})
	if err != nil {
		t.Fatalf("marshal cbor: %v", err)
	}

	_, err = DecodeMeasurements(raw, "application/cbor", "kit", 10, decodeNow)
	if err == nil || !strings.Contains(err.Error(), "must be an integer") {
		t.Fatalf("expected fractional peripheral to be rejected, got %v", err)
	}
}

func TestDecodeMeasurementsAcceptsIntegralChannelForms(t *testing.T) {
	payload := `{"peripheral":"4","quantityType":7.0,"value":1}`

	measurements, err := DecodeMeasurements([]byte(payload), "application/json", "kit", 10, decodeNow)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if measurements[0].Peripheral != 4 || measurements[0].QuantityType != 7 {
		t.Fatalf("unexpected channel %+v", measurements[0].Key())
	}
}
