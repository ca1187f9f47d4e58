package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"marketrails/internal/domain"
	"marketrails/internal/escrow"
	"marketrails/internal/market"
	"marketrails/internal/sigauth"
)

const maxBodyBytes = 1 << 20

type listingView struct {
	ID          uint64    `json:"id"`
	Seller      string    `json:"seller"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Price       string    `json:"price"`
	Status      string    `json:"status"`
	EscrowRef   string    `json:"escrowRef,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type escrowView struct {
	Ref         string    `json:"ref"`
	ListingID   uint64    `json:"listingId"`
	Buyer       string    `json:"buyer"`
	Seller      string    `json:"seller"`
	Amount      string    `json:"amount"`
	HeldBalance string    `json:"heldBalance"`
	State       string    `json:"state"`
	CreatedAt   time.Time `json:"createdAt"`
	Deadline    time.Time `json:"timeoutAt"`
}

type createListingRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Price       string `json:"price"`
}

type purchaseRequest struct {
	Payment string `json:"payment"`
}

func toListingView(l *market.Listing) listingView {
	v := listingView{
		ID:          l.ID,
		Seller:      l.Seller.Hex(),
		Name:        l.Name,
		Description: l.Description,
		Price:       l.Price.String(),
		Status:      l.Status.String(),
		CreatedAt:   l.CreatedAt,
	}
	if l.EscrowRef != nil {
		v.EscrowRef = l.EscrowRef.Hex()
	}
	return v
}

func (s *Server) toEscrowView(e *escrow.Escrow) escrowView {
	return escrowView{
		Ref:         e.Ref.Hex(),
		ListingID:   e.ListingID,
		Buyer:       e.Buyer.Hex(),
		Seller:      e.Seller.Hex(),
		Amount:      e.Amount.String(),
		HeldBalance: e.HeldBalance.String(),
		State:       e.State.String(),
		CreatedAt:   e.CreatedAt,
		Deadline:    e.Deadline(s.deps.Book.Terms().Timeout),
	}
}

func (s *Server) handleCreateListing(w http.ResponseWriter, r *http.Request) {
	caller, _ := sigauth.CallerFrom(r.Context())
	var payload createListingRequest
	if err := decodeBody(r, &payload); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	price, err := domain.ParseAmount(payload.Price)
	if err != nil {
		s.fail(w, "list", domain.E("market.list", domain.ErrInvalidPrice, err.Error()))
		return
	}
	id, err := s.deps.Registry.List(r.Context(), caller, payload.Name, payload.Description, price)
	if err != nil {
		s.fail(w, "list", err)
		return
	}
	s.metrics.incOp("list", "ok")
	writeJSON(w, http.StatusCreated, map[string]uint64{"id": id})
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	caller, _ := sigauth.CallerFrom(r.Context())
	id, ok := listingID(w, r)
	if !ok {
		return
	}
	var payload purchaseRequest
	if err := decodeBody(r, &payload); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	payment, err := domain.ParseAmount(payload.Payment)
	if err != nil {
		s.fail(w, "purchase", domain.E("market.purchase", domain.ErrInvalidPrice, err.Error()))
		return
	}
	ref, err := s.deps.Registry.Purchase(r.Context(), caller, id, payment)
	if err != nil {
		s.fail(w, "purchase", err)
		return
	}
	s.metrics.incOp("purchase", "ok")
	writeJSON(w, http.StatusCreated, map[string]string{"escrowRef": ref.Hex()})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	caller, _ := sigauth.CallerFrom(r.Context())
	id, ok := listingID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Registry.Cancel(r.Context(), caller, id); err != nil {
		s.fail(w, "cancel", err)
		return
	}
	l, err := s.deps.Registry.Get(id)
	if err != nil {
		s.fail(w, "cancel", err)
		return
	}
	s.metrics.incOp("cancel", "ok")
	writeJSON(w, http.StatusOK, toListingView(l))
}

type escrowOp func(ctx context.Context, caller, ref domain.Address) (*escrow.Escrow, error)

func (s *Server) escrowAction(name string, op escrowOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := sigauth.CallerFrom(r.Context())
		ref, err := domain.ParseAddress(chi.URLParam(r, "ref"))
		if err != nil {
			writeBadRequest(w, err.Error())
			return
		}
		e, err := op(r.Context(), caller, ref)
		if err != nil {
			s.fail(w, name, err)
			return
		}
		s.metrics.incOp(name, "ok")
		writeJSON(w, http.StatusOK, s.toEscrowView(e))
	}
}

func (s *Server) handleListAvailable(w http.ResponseWriter, _ *http.Request) {
	listings := s.deps.Registry.ListAvailable()
	out := make([]listingView, 0, len(listings))
	for _, l := range listings {
		out = append(out, toListingView(l))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetListing(w http.ResponseWriter, r *http.Request) {
	id, ok := listingID(w, r)
	if !ok {
		return
	}
	l, err := s.deps.Registry.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toListingView(l))
}

func (s *Server) handleListingsBySeller(w http.ResponseWriter, r *http.Request) {
	addr, err := domain.ParseAddress(chi.URLParam(r, "addr"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string][]uint64{"ids": s.deps.Registry.ListingsBySeller(addr)})
}

func (s *Server) handlePurchasesByBuyer(w http.ResponseWriter, r *http.Request) {
	addr, err := domain.ParseAddress(chi.URLParam(r, "addr"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string][]uint64{"ids": s.deps.Registry.PurchasesByBuyer(addr)})
}

func (s *Server) handleEscrowDetails(w http.ResponseWriter, r *http.Request) {
	ref, err := domain.ParseAddress(chi.URLParam(r, "ref"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	e, err := s.deps.Book.Details(ref)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toEscrowView(e))
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	addr, err := domain.ParseAddress(chi.URLParam(r, "addr"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	balance, err := s.deps.Balances.Balance(r.Context(), addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"address": addr.Hex(), "balance": balance.String()})
}

// fail records a failed operation and writes its error.
func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	kind := domain.KindName(err)
	s.metrics.incOp(op, kind)
	if kind == "Internal" {
		s.logger.Error("operation failed", "op", op, "error", err)
	}
	writeError(w, err)
}

func listingID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeBadRequest(w, "listing id must be an unsigned integer")
		return 0, false
	}
	return id, true
}

func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return errors.New("invalid json payload")
	}
	return nil
}
