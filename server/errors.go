package server

import (
	"encoding/xml"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/cachepit/cachepit/client"
	"github.com/cachepit/cachepit/sigv4"
)

// apiError is the S3 REST error document.
type apiError struct {
	XMLName xml.Name `xml:"Error"`
	Code    string   `xml:"Code"`
	Message string   `xml:"Message"`
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	body, err := xml.Marshal(apiError{Code: code, Message: message})
	if err != nil {
		http.Error(w, message, status)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	w.Write([]byte(xml.Header))
	w.Write(body)
}

func writeSignatureError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sigv4.ErrSignatureMismatch):
		writeAPIError(w, http.StatusForbidden, "SignatureDoesNotMatch",
			"The request signature we calculated does not match the signature you provided.")
	case errors.Is(err, sigv4.ErrExpiredSignature):
		writeAPIError(w, http.StatusForbidden, "RequestTimeTooSkewed",
			"The difference between the request time and the current time is too large.")
	case errors.Is(err, sigv4.ErrUnknownAccessKey):
		writeAPIError(w, http.StatusForbidden, "InvalidAccessKeyId",
			"The AWS access key Id you provided does not exist in our records.")
	case errors.Is(err, sigv4.ErrMissingSignature):
		writeAPIError(w, http.StatusForbidden, "AccessDenied",
			"Request is not signed.")
	default:
		writeAPIError(w, http.StatusBadRequest, "AuthorizationHeaderMalformed",
			"The authorization header is malformed.")
	}
}

func writePipelineError(w http.ResponseWriter, logger *zerolog.Logger, err error) {
	switch {
	case errors.Is(err, client.ErrTimeout):
		writeAPIError(w, http.StatusGatewayTimeout, "RequestTimeout",
			"The upstream did not answer in time.")
	case errors.Is(err, client.ErrUnreachable), errors.Is(err, client.ErrTLS):
		writeAPIError(w, http.StatusGatewayTimeout, "ServiceUnavailable",
			"The upstream could not be reached.")
	default:
		logger.Error().Err(err).Msg("Handler failed")
		writeAPIError(w, http.StatusInternalServerError, "InternalError",
			"We encountered an internal error. Please try again.")
	}
}
