package webapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	pay "github.com/birdhouse-social/birdpay/pkg"
)

var httpCodeForError = map[pay.ErrorCode]int{
	pay.BadRequest:             http.StatusBadRequest,
	pay.InvalidCurrencyNetwork: http.StatusUnprocessableEntity,
	pay.AmountTooLow:           http.StatusUnprocessableEntity,
	pay.Unauthorized:           http.StatusUnauthorized,
	pay.NotAvailable:           http.StatusServiceUnavailable,
	pay.NotFound:               http.StatusNotFound,
	pay.TransportError:         http.StatusBadGateway,
	pay.UnknownError:           http.StatusInternalServerError,
}

func HttpStatusForError(code pay.ErrorCode) int {
	status, found := httpCodeForError[code]
	if !found {
		status = http.StatusInternalServerError
	}
	return status
}

func sendResponse(w http.ResponseWriter, payload any) {
	// note: w.Header after this, so we can call sendError
	b, err := json.Marshal(payload)
	if err != nil {
		sendErrorResponse(w, http.StatusInternalServerError, pay.UnknownError, fmt.Sprintf("in json.Marshal: %s", err.Error()))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store") // do not cache (Browsers cache GET forever by default)
	w.Write(b)
}

func sendBadRequest(w http.ResponseWriter, message string) {
	sendErrorResponse(w, http.StatusBadRequest, pay.BadRequest, message)
}

func sendError(w http.ResponseWriter, where string, err error) {
	var info *pay.ErrorInfo
	if errors.As(err, &info) {
		status := HttpStatusForError(info.Code)
		message := fmt.Sprintf("%s: %s", where, info.Message)
		sendErrorResponse(w, status, info.Code, message)
	} else {
		message := fmt.Sprintf("%s: %s", where, err.Error())
		sendErrorResponse(w, http.StatusInternalServerError, pay.UnknownError, message)
	}
}

func sendErrorResponse(w http.ResponseWriter, statusCode int, code pay.ErrorCode, message string) {
	log.Printf("[!] %s: %s\n", code, message)
	// would prefer to use json.Marshal, but this avoids the need
	// to handle encoding errors arising from json.Marshal itself!
	payload := fmt.Sprintf("{\"error\":{\"code\":%q,\"message\":%q}}", code, message)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store") // do not cache (Browsers cache GET forever by default)
	w.WriteHeader(statusCode)
	w.Write([]byte(payload))
}
