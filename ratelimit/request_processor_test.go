/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type RequestProcessorTestSuite struct {
	suite.Suite
}

func TestRequestProcessor(t *testing.T) {
	suite.Run(t, new(RequestProcessorTestSuite))
}

func (ts *RequestProcessorTestSuite) TestProcessRequest() {
	tests := []struct {
		name                string
		checker             *mockChecker
		requestHandler      *mockRequestHandler
		expectedError       string
		expectedExecuteCall bool
		expectedRejectCall  bool
		expectedCheckCall   bool
	}{
		{
			name:                "bypass rate limiting",
			checker:             &mockChecker{allow: false},
			requestHandler:      &mockRequestHandler{key: "test-key", bypass: true},
			expectedExecuteCall: true,
		},
		{
			name:                "allow request",
			checker:             &mockChecker{allow: true},
			requestHandler:      &mockRequestHandler{key: "test-key"},
			expectedExecuteCall: true,
			expectedCheckCall:   true,
		},
		{
			name:               "reject request",
			checker:            &mockChecker{allow: false, retryAfter: time.Second},
			requestHandler:     &mockRequestHandler{key: "test-key"},
			expectedRejectCall: true,
			expectedCheckCall:  true,
		},
		{
			name:           "get key error",
			checker:        &mockChecker{allow: true},
			requestHandler: &mockRequestHandler{getKeyErr: errors.New("no remote address")},
			expectedError:  "get key for rate limit: no remote address",
		},
	}

	for _, tt := range tests {
		ts.Run(tt.name, func() {
			processor := NewRequestProcessor(tt.checker)
			err := processor.ProcessRequest(tt.requestHandler)
			if tt.expectedError != "" {
				ts.EqualError(err, tt.expectedError)
			} else {
				ts.NoError(err)
			}
			ts.Equal(tt.expectedExecuteCall, tt.requestHandler.executeCalled)
			ts.Equal(tt.expectedRejectCall, tt.requestHandler.rejectCalled)
			ts.Equal(tt.expectedCheckCall, tt.checker.called)
			if tt.expectedRejectCall {
				ts.Equal(Params{Key: "test-key", EstimatedRetryAfter: time.Second}, tt.requestHandler.rejectParams)
			}
		})
	}
}

type mockChecker struct {
	allow      bool
	retryAfter time.Duration
	called     bool
}

func (m *mockChecker) Check(string) (bool, time.Duration) {
	m.called = true
	return m.allow, m.retryAfter
}

type mockRequestHandler struct {
	key       string
	bypass    bool
	getKeyErr error

	executeCalled bool
	rejectCalled  bool
	rejectParams  Params
}

func (m *mockRequestHandler) GetKey() (string, bool, error) {
	return m.key, m.bypass, m.getKeyErr
}

func (m *mockRequestHandler) Execute() error {
	m.executeCalled = true
	return nil
}

func (m *mockRequestHandler) OnReject(params Params) error {
	m.rejectCalled = true
	m.rejectParams = params
	return nil
}

func (m *mockRequestHandler) OnError(_ Params, err error) error {
	return err
}
