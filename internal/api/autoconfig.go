package api

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"can-autoconfig/internal/autoconfig"
	"can-autoconfig/internal/models"
	"can-autoconfig/internal/profile"
)

// AutoconfigAPI exposes the auto-configuration engine over HTTP
type AutoconfigAPI struct {
	engine   *autoconfig.Engine
	defaults profile.OperatingProfile
	runCtx   context.Context
}

// NewAutoconfigAPI creates the handler set. Runs started over HTTP live
// as long as runCtx.
func NewAutoconfigAPI(runCtx context.Context, engine *autoconfig.Engine, defaults profile.OperatingProfile) *AutoconfigAPI {
	return &AutoconfigAPI{
		engine:   engine,
		defaults: defaults,
		runCtx:   runCtx,
	}
}

// GetStatus returns the engine state and the last result
// GET /api/autoconfig/status
func (api *AutoconfigAPI) GetStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	respondWithJSON(w, http.StatusOK, api.engine.Status())
}

// StartRun starts a detection run in the background
// POST /api/autoconfig/run
func (api *AutoconfigAPI) StartRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	done, err := api.engine.Start(api.runCtx)
	if errors.Is(err, autoconfig.ErrBusy) {
		respondWithError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}

	go func() {
		out := <-done
		if out.Err != nil {
			slog.Warn("api: detection run ended with error", "error", out.Err)
		}
	}()

	respondWithJSON(w, http.StatusAccepted, map[string]any{
		"status":     "started",
		"started_at": time.Now(),
	})
}

// CancelRun asks the active run to stop
// POST /api/autoconfig/cancel
func (api *AutoconfigAPI) CancelRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !api.engine.Cancel() {
		respondWithError(w, http.StatusConflict, "no run in progress")
		return
	}
	respondWithJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

type configResponse struct {
	Vendor    models.Vendor       `json:"vendor"`
	Decoding  bool                `json:"decoding"`
	Stored    autoconfig.Settings `json:"stored"`
	Effective autoconfig.Settings `json:"effective"`
}

// GetConfig returns the stored and effective configuration
// GET /api/autoconfig/config
func (api *AutoconfigAPI) GetConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	cfg := api.engine.Config()
	respondWithJSON(w, http.StatusOK, configResponse{
		Vendor:    api.engine.CurrentVendor(),
		Decoding:  api.engine.DecodeTable() != nil,
		Stored:    cfg.Snapshot(),
		Effective: cfg.Effective(api.defaults),
	})
}

// PutOverride stores manual settings
// PUT /api/autoconfig/override
func (api *AutoconfigAPI) PutOverride(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var o autoconfig.Override
	if err := decodeJSON(r, &o); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	delta, err := api.engine.Config().Apply(o)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	slog.Info("api: override applied", "fields", len(delta))
	respondWithJSON(w, http.StatusOK, map[string]any{"applied": delta})
}

type decodeRequest struct {
	CANID    string `json:"can_id"`
	Data     string `json:"data"`
	Extended bool   `json:"extended,omitempty"`
}

type decodeResponse struct {
	models.CANMessageResponse
	Vendor  models.Vendor `json:"vendor"`
	Signals any           `json:"signals"`
}

// Decode decodes one frame with the current decode table
// POST /api/autoconfig/decode
func (api *AutoconfigAPI) Decode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req decodeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := parseCANID(req.CANID)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	data, err := hex.DecodeString(strings.ReplaceAll(req.Data, " ", ""))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "data must be hex encoded")
		return
	}
	if len(data) > models.MaxClassicPayload {
		respondWithError(w, http.StatusBadRequest, "data exceeds 8 bytes")
		return
	}

	if api.engine.DecodeTable() == nil {
		respondWithError(w, http.StatusConflict, "decoding unavailable for the current vendor")
		return
	}

	frame := models.CANFrame{
		ID:        id,
		DLC:       uint8(len(data)),
		Data:      data,
		Extended:  req.Extended || id > models.MaxStandardID,
		Timestamp: time.Now(),
	}
	signals, ok := api.engine.Decode(frame)
	if !ok {
		respondWithError(w, http.StatusNotFound, "no decodable signals for "+frame.IDHex())
		return
	}

	respondWithJSON(w, http.StatusOK, decodeResponse{
		CANMessageResponse: models.CANMessageResponse{
			Timestamp: frame.Timestamp,
			CANID:     frame.ID,
			CANIDHex:  frame.IDHex(),
			DLC:       frame.DLC,
			Data:      frame.Data,
			DataHex:   strings.ToUpper(hex.EncodeToString(frame.Data)),
		},
		Vendor:  api.engine.CurrentVendor(),
		Signals: signals,
	})
}
