package selkie_test

import (
	"errors"
	"net/http"
	"testing"

	"github.com/mistifyio/selkie"
	"github.com/stretchr/testify/suite"
)

func TestErrors(t *testing.T) {
	suite.Run(t, new(ErrorsSuite))
}

type ErrorsSuite struct {
	suite.Suite
}

func (s *ErrorsSuite) TestNewError() {
	err := selkie.NewError(selkie.ErrValidation, "bad field %q", "name")
	s.Equal(selkie.ErrValidation, selkie.ErrorCode(err))
	s.Contains(err.Error(), `bad field "name"`)
}

func (s *ErrorsSuite) TestErrorCode() {
	s.Equal("", selkie.ErrorCode(nil))
	s.Equal(selkie.ErrInternal, selkie.ErrorCode(errors.New("plain")))
	s.Equal(selkie.ErrConflict, selkie.ErrorCode(selkie.NewError(selkie.ErrConflict, "clash")))
}

func (s *ErrorsSuite) TestIsErrorCode() {
	err := selkie.NewError(selkie.ErrNotFound, "gone")
	s.True(selkie.IsErrorCode(err, selkie.ErrNotFound))
	s.False(selkie.IsErrorCode(err, selkie.ErrConflict))
	s.False(selkie.IsErrorCode(nil, selkie.ErrNotFound))
}

func (s *ErrorsSuite) TestHTTPStatus() {
	tests := []struct {
		code   string
		status int
	}{
		{selkie.ErrValidation, http.StatusBadRequest},
		{selkie.ErrNotFound, http.StatusNotFound},
		{selkie.ErrConflict, http.StatusConflict},
		{selkie.ErrExhausted, http.StatusInsufficientStorage},
		{selkie.ErrDriverUnavailable, http.StatusServiceUnavailable},
		{selkie.ErrDriverTimeout, http.StatusGatewayTimeout},
		{selkie.ErrDriverTerminal, http.StatusInternalServerError},
		{selkie.ErrStorageUnavailable, http.StatusServiceUnavailable},
		{selkie.ErrUnauthorized, http.StatusUnauthorized},
		{selkie.ErrUnsupportedArch, http.StatusUnprocessableEntity},
		{selkie.ErrInternal, http.StatusInternalServerError},
		{"bogus", http.StatusInternalServerError},
	}
	for _, test := range tests {
		s.Equal(test.status, selkie.HTTPStatus(test.code), test.code)
	}
}

func (s *ErrorsSuite) TestIsRetryable() {
	s.True(selkie.IsRetryable(selkie.NewError(selkie.ErrDriverUnavailable, "down")))
	s.True(selkie.IsRetryable(selkie.NewError(selkie.ErrDriverTimeout, "slow")))
	s.True(selkie.IsRetryable(selkie.NewError(selkie.ErrStorageUnavailable, "down")))
	s.False(selkie.IsRetryable(selkie.NewError(selkie.ErrValidation, "bad")))
	s.False(selkie.IsRetryable(selkie.NewError(selkie.ErrDriverTerminal, "dead")))
	s.False(selkie.IsRetryable(errors.New("plain")))
	s.False(selkie.IsRetryable(nil))
}

func (s *ErrorsSuite) TestWithDetail() {
	err := selkie.NewError(selkie.ErrConflict, "clash").WithDetail("vm", "abc")
	s.Equal("abc", err.Details["vm"])
}
