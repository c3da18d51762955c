package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"kitstream/backend/internal/pubsub"
)

const (
	jsonRPCVersion = "2.0"

	methodSubscribe    = "subscribe_rawMeasurements"
	methodUnsubscribe  = "unsubscribe_rawMeasurements"
	methodNotification = "rawMeasurements"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
	codeNotAuthorized  = -32001
	codeKitNotFound    = -32004
)

var nullID = json.RawMessage("null")

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (err *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", err.Code, err.Message)
}

type rpcNotification struct {
	JSONRPC string             `json:"jsonrpc"`
	Method  string             `json:"method"`
	Params  subscriptionResult `json:"params"`
}

type subscriptionResult struct {
	Subscription pubsub.SubscriptionID `json:"subscription"`
	Result       pubsub.Measurement    `json:"result"`
}

type subscribeParams struct {
	KitSerial string `json:"kitSerial"`
}

func resultResponse(id json.RawMessage, result any) rpcResponse {
	return rpcResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
}

func errorResponse(id json.RawMessage, code int, message string) rpcResponse {
	if len(id) == 0 {
		id = nullID
	}
	return rpcResponse{JSONRPC: jsonRPCVersion, ID: id, Error: &rpcError{Code: code, Message: message}}
}

func decodeSubscribeParams(raw json.RawMessage) (subscribeParams, error) {
	var params subscribeParams
	if len(raw) == 0 {
		return params, errors.New("kitSerial is required")
	}

	// Positional form: ["serial"].
	var positional []string
	if err := json.Unmarshal(raw, &positional); err == nil {
		if len(positional) != 1 {
			return params, errors.New("expected exactly one kit serial")
		}
		params.KitSerial = positional[0]
	} else if err := json.Unmarshal(raw, &params); err != nil {
		return params, errors.New("params must be an object with kitSerial")
	}

	params.KitSerial = strings.TrimSpace(params.KitSerial)
	if params.KitSerial == "" {
		return params, errors.New("kitSerial is required")
	}
	return params, nil
}

// decodeUnsubscribeParams accepts ["id"], {"subscription":"id"} or "id".
func decodeUnsubscribeParams(raw json.RawMessage) (pubsub.SubscriptionID, error) {
	if len(raw) == 0 {
		return "", errors.New("subscription id is required")
	}

	var id string
	var positional []string
	var named struct {
		Subscription string `json:"subscription"`
	}

	switch {
	case json.Unmarshal(raw, &positional) == nil:
		if len(positional) != 1 {
			return "", errors.New("expected exactly one subscription id")
		}
		id = positional[0]
	case json.Unmarshal(raw, &named) == nil:
		id = named.Subscription
	case json.Unmarshal(raw, &id) == nil:
	default:
		return "", errors.New("invalid subscription id")
	}

	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.New("subscription id is required")
	}
	return pubsub.SubscriptionID(id), nil
}
