package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"can-autoconfig/internal/models"
)

const maxLimit = 10_000

// parseQueryParams parses common query parameters from HTTP request
func parseQueryParams(r *http.Request) (models.QueryParams, error) {
	params := models.QueryParams{
		Limit: 100, // default limit
	}
	q := r.URL.Query()

	// Parse start_time
	if startTimeStr := q.Get("start_time"); startTimeStr != "" {
		t, err := time.Parse(time.RFC3339, startTimeStr)
		if err != nil {
			return params, fmt.Errorf("invalid start_time format: %v", err)
		}
		params.StartTime = &t
	}

	// Parse end_time
	if endTimeStr := q.Get("end_time"); endTimeStr != "" {
		t, err := time.Parse(time.RFC3339, endTimeStr)
		if err != nil {
			return params, fmt.Errorf("invalid end_time format: %v", err)
		}
		params.EndTime = &t
	}

	if params.StartTime != nil && params.EndTime != nil && params.EndTime.Before(*params.StartTime) {
		return params, fmt.Errorf("end_time is before start_time")
	}

	// Parse vendor
	if vendorStr := q.Get("vendor"); vendorStr != "" {
		vendor, err := models.ParseVendor(vendorStr)
		if err != nil {
			return params, err
		}
		params.Vendor = vendor.String()
	}

	// Parse interface
	params.Interface = q.Get("interface")

	// Parse limit
	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			return params, fmt.Errorf("invalid limit %q", limitStr)
		}
		params.Limit = min(limit, maxLimit)
	}

	// Parse offset
	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			return params, fmt.Errorf("invalid offset %q", offsetStr)
		}
		params.Offset = offset
	}

	return params, nil
}

// parseCANID parses an arbitration id given in hex ("0x360") or decimal
func parseCANID(s string) (uint32, error) {
	var (
		id  uint64
		err error
	)
	if rest, ok := strings.CutPrefix(strings.ToLower(s), "0x"); ok {
		id, err = strconv.ParseUint(rest, 16, 32)
	} else {
		id, err = strconv.ParseUint(s, 10, 32)
	}
	if err != nil {
		return 0, fmt.Errorf("invalid can_id %q", s)
	}
	if id > models.MaxExtendedID {
		return 0, fmt.Errorf("can_id %q exceeds 29 bits", s)
	}
	return uint32(id), nil
}

// decodeJSON reads a JSON request body, rejecting unknown fields
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %v", err)
	}
	return nil
}

// respondWithError sends an error response
func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

// respondWithJSON sends a JSON response
func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"Failed to marshal response"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
