package utils

import (
	"encoding/json"
	"net/http"

	"github.com/ardademir/randevu-server/service/booking"
)

// WriteJSON writes v as a JSON response body.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteEngineError maps a booking engine error kind onto an HTTP status.
func WriteEngineError(w http.ResponseWriter, err error) {
	var status int
	switch booking.KindOf(err) {
	case booking.KindNotFound:
		status = http.StatusNotFound
	case booking.KindForbidden:
		status = http.StatusForbidden
	case booking.KindConflict:
		status = http.StatusConflict
	case booking.KindInvalidArgument:
		status = http.StatusBadRequest
	case booking.KindInvalidState:
		status = http.StatusUnprocessableEntity
	default:
		status = http.StatusInternalServerError
	}
	http.Error(w, err.Error(), status)
}
