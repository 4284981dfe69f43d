package market_api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kculz/Qonvey-sub001/internal/apperr"
	"github.com/kculz/Qonvey-sub001/internal/models"
	"github.com/kculz/Qonvey-sub001/internal/services/bids"
)

func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Validation(apperr.ReasonInvalidInput, "malformed JSON body: "+err.Error())
	}
	return nil
}

func (a *MarketAPI) checkQuota(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	dec, err := a.svc.Quota.Check(r.Context(), id.UserID, models.Action(chi.URLParam(r, "action")))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dec)
}

func (a *MarketAPI) postLoad(w http.ResponseWriter, r *http.Request) {
	var in models.NewLoad
	if err := decode(r, &in); err != nil {
		fail(w, r, err)
		return
	}
	l, err := a.svc.Loads.PostLoad(r.Context(), identityFrom(r.Context()).UserID, in)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

func (a *MarketAPI) listOpenLoads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := models.LoadFilter{VehicleType: models.VehicleType(q.Get("vehicleType"))}
	var err error
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		fail(w, r, err)
		return
	}
	if f.Offset, err = intParam(q.Get("offset")); err != nil {
		fail(w, r, err)
		return
	}
	out, err := a.svc.Loads.ListOpenLoads(r.Context(), f)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"loads": out})
}

func (a *MarketAPI) listMyLoads(w http.ResponseWriter, r *http.Request) {
	out, err := a.svc.Loads.ListLoadsForOwner(r.Context(), identityFrom(r.Context()).UserID)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"loads": out})
}

func (a *MarketAPI) getLoad(w http.ResponseWriter, r *http.Request) {
	l, err := a.svc.Loads.GetLoad(r.Context(), chi.URLParam(r, "loadID"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (a *MarketAPI) cancelLoad(w http.ResponseWriter, r *http.Request) {
	l, err := a.svc.Loads.CancelLoad(r.Context(), chi.URLParam(r, "loadID"), identityFrom(r.Context()).UserID)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// listBidsForLoad is visible to the load owner and admins only.
func (a *MarketAPI) listBidsForLoad(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	loadID := chi.URLParam(r, "loadID")
	l, err := a.svc.Loads.GetLoad(r.Context(), loadID)
	if err != nil {
		fail(w, r, err)
		return
	}
	if id.Role != RoleAdmin && l.OwnerID != id.UserID {
		fail(w, r, apperr.Unauthorized(apperr.ReasonNotLoadOwner, "only the load owner can list its bids"))
		return
	}
	out, err := a.svc.Bids.ListBidsForLoad(r.Context(), loadID)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bids": out})
}

func (a *MarketAPI) bidStats(w http.ResponseWriter, r *http.Request) {
	st, err := a.svc.Bids.BidStats(r.Context(), chi.URLParam(r, "loadID"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type placeBidRequest struct {
	ProposedPrice float64    `json:"proposedPrice"`
	VehicleID     *string    `json:"vehicleId"`
	Message       string     `json:"message"`
	ExpiresAt     *time.Time `json:"expiresAt"`
}

func (a *MarketAPI) placeBid(w http.ResponseWriter, r *http.Request) {
	var req placeBidRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	id := identityFrom(r.Context())
	b, err := a.svc.Bids.PlaceBid(r.Context(), bids.PlaceBidInput{
		DriverID:   id.UserID,
		DriverName: id.Name,
		LoadID:     chi.URLParam(r, "loadID"),
		Price:      req.ProposedPrice,
		VehicleID:  req.VehicleID,
		Message:    req.Message,
		ExpiresAt:  req.ExpiresAt,
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (a *MarketAPI) listMyBids(w http.ResponseWriter, r *http.Request) {
	var status *models.BidStatus
	if s := r.URL.Query().Get("status"); s != "" {
		st := models.BidStatus(s)
		status = &st
	}
	out, err := a.svc.Bids.ListBidsForDriver(r.Context(), identityFrom(r.Context()).UserID, status)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bids": out})
}

func (a *MarketAPI) getBid(w http.ResponseWriter, r *http.Request) {
	b, err := a.svc.Bids.GetBid(r.Context(), chi.URLParam(r, "bidID"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (a *MarketAPI) updateBid(w http.ResponseWriter, r *http.Request) {
	var patch models.BidPatch
	if err := decode(r, &patch); err != nil {
		fail(w, r, err)
		return
	}
	b, err := a.svc.Bids.UpdateBid(r.Context(), chi.URLParam(r, "bidID"), identityFrom(r.Context()).UserID, patch)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (a *MarketAPI) withdrawBid(w http.ResponseWriter, r *http.Request) {
	b, err := a.svc.Bids.WithdrawBid(r.Context(), chi.URLParam(r, "bidID"), identityFrom(r.Context()).UserID)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (a *MarketAPI) rejectBid(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	b, err := a.svc.Bids.RejectBid(r.Context(), chi.URLParam(r, "bidID"), identityFrom(r.Context()).UserID, req.Reason)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (a *MarketAPI) acceptBid(w http.ResponseWriter, r *http.Request) {
	res, err := a.svc.Assignment.AcceptBid(r.Context(), chi.URLParam(r, "bidID"), identityFrom(r.Context()).UserID)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *MarketAPI) listMyTrips(w http.ResponseWriter, r *http.Request) {
	out, err := a.svc.Trips.ListTripsForDriver(r.Context(), identityFrom(r.Context()).UserID)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trips": out})
}

func (a *MarketAPI) getTrip(w http.ResponseWriter, r *http.Request) {
	t, err := a.svc.Trips.GetTrip(r.Context(), chi.URLParam(r, "tripID"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type locationRequest struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

func (a *MarketAPI) appendLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	if req.Lat == nil || req.Lng == nil {
		fail(w, r, apperr.Validation(apperr.ReasonInvalidInput, "lat and lng are required"))
		return
	}
	p, err := a.svc.Trips.AppendLocation(r.Context(), chi.URLParam(r, "tripID"), identityFrom(r.Context()).UserID, *req.Lat, *req.Lng)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (a *MarketAPI) completeTrip(w http.ResponseWriter, r *http.Request) {
	t, err := a.svc.Trips.CompleteTrip(r.Context(), chi.URLParam(r, "tripID"), identityFrom(r.Context()).UserID)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *MarketAPI) cancelTrip(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	t, err := a.svc.Trips.CancelTrip(r.Context(), chi.URLParam(r, "tripID"), identityFrom(r.Context()).UserID, req.Reason)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *MarketAPI) registerVehicle(w http.ResponseWriter, r *http.Request) {
	var in models.NewVehicle
	if err := decode(r, &in); err != nil {
		fail(w, r, err)
		return
	}
	v, err := a.svc.Vehicles.RegisterVehicle(r.Context(), identityFrom(r.Context()).UserID, in)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (a *MarketAPI) listVehicles(w http.ResponseWriter, r *http.Request) {
	out, err := a.svc.Vehicles.ListVehicles(r.Context(), identityFrom(r.Context()).UserID)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"vehicles": out})
}

func (a *MarketAPI) deactivateVehicle(w http.ResponseWriter, r *http.Request) {
	v, err := a.svc.Vehicles.DeactivateVehicle(r.Context(), identityFrom(r.Context()).UserID, chi.URLParam(r, "vehicleID"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, apperr.Validation(apperr.ReasonInvalidInput, "limit and offset must be non-negative integers")
	}
	return n, nil
}
