package openapi

import (
	"errors"
	"fmt"
	"slices"
)

var (
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrTransient              = errors.New("transient connectivity failure")
	ErrRequestTimeout         = errors.New("request timed out")

	ErrClosed = fmt.Errorf("%w: connection closed", ErrTransient)
)

// Broker error codes that mean the credential has to be renewed.
var _authErrorCodes = []string{
	"CH_ACCESS_TOKEN_INVALID",
	"CH_CLIENT_AUTH_FAILURE",
	"CH_CLIENT_NOT_AUTHENTICATED",
	"OA_AUTH_TOKEN_EXPIRED",
	"ACCESS_TOKEN_INVALID",
}

// BrokerError is an explicit rejection reported by the broker.
type BrokerError struct {
	Code        string
	Description string
}

func (e *BrokerError) Error() string {
	if e.Description == "" {
		return "broker error " + e.Code
	}
	return fmt.Sprintf("broker error %s: %s", e.Code, e.Description)
}

func (e *BrokerError) Is(target error) bool {
	return target == ErrAuthenticationRequired && slices.Contains(_authErrorCodes, e.Code)
}

// AsBrokerError extracts the broker error carried by msg, if any.
func AsBrokerError(msg Message) (*BrokerError, bool) {
	switch msg.PayloadType {
	case ErrorRes:
		var res ErrorResponse
		if err := msg.Decode(&res); err != nil {
			return &BrokerError{Code: "UNKNOWN", Description: err.Error()}, true
		}
		return &BrokerError{Code: res.ErrorCode, Description: res.Description}, true
	case OrderErrorEvent:
		var ev OrderError
		if err := msg.Decode(&ev); err != nil {
			return &BrokerError{Code: "UNKNOWN", Description: err.Error()}, true
		}
		return &BrokerError{Code: ev.ErrorCode, Description: ev.Description}, true
	}
	return nil, false
}
