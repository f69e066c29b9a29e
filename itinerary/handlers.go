package itinerary

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"

	"tripsync/models"
	"tripsync/utils"
)

// View is the JSON shape of GET /api/itinerary.
type View struct {
	Days      []models.Day `json:"days"`
	State     string       `json:"state"`
	Mode      string       `json:"mode"`
	Order     string       `json:"order"`
	Loading   bool         `json:"loading"`
	Dirty     bool         `json:"dirty"`
	LastError string       `json:"lastError,omitempty"`
}

// Snapshot describes the store as a presentation layer sees it.
func (s *Store) Snapshot() View {
	v := View{
		Days:    s.Days(),
		State:   s.State().String(),
		Mode:    s.Mode().String(),
		Order:   s.order.String(),
		Loading: s.Loading(),
		Dirty:   s.Dirty(),
	}
	if v.Days == nil {
		v.Days = []models.Day{}
	}
	if err := s.LastError(); err != nil {
		v.LastError = err.Error()
	} else if err := s.LastWriteError(); err != nil {
		v.LastError = err.Error()
	}
	return v
}

type itemRequest struct {
	ID       int64    `json:"id"`
	Type     string   `json:"type"`
	Time     string   `json:"time"`
	Name     string   `json:"name"`
	Detail   string   `json:"detail"`
	Tags     []string `json:"tags"`
	TagText  string   `json:"tagText"`
	Location string   `json:"location"`
}

func (req itemRequest) item() models.Item {
	tags := req.Tags
	if tags == nil {
		tags = utils.SplitTags(req.TagText)
	}
	return models.Item{
		ID:       req.ID,
		Type:     models.ItemType(req.Type),
		Time:     req.Time,
		Name:     req.Name,
		Detail:   req.Detail,
		Tags:     tags,
		Location: req.Location,
	}
}

// GET /api/itinerary
func GetItinerary(s *Store) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		utils.RespondWithJSON(w, http.StatusOK, s.Snapshot())
	}
}

// POST /api/itinerary/days/:day/items
func AddItem(s *Store) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		day, err := strconv.Atoi(ps.ByName("day"))
		if err != nil {
			utils.RespondWithError(w, http.StatusBadRequest, "Invalid day")
			return
		}
		var req itemRequest
		if err := utils.DecodeJSON(w, r, &req); err != nil {
			utils.RespondWithError(w, http.StatusBadRequest, "Invalid request payload")
			return
		}
		item, err := s.AddItem(day, req.item())
		if err != nil {
			respondStoreError(w, err)
			return
		}
		log.Printf("[Itinerary] day %d: item %d added by %s", day, item.ID, editor(r))
		utils.RespondWithJSON(w, http.StatusCreated, item)
	}
}

// PUT /api/itinerary/days/:day/items/:id
func EditItem(s *Store) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		day, err := strconv.Atoi(ps.ByName("day"))
		if err != nil {
			utils.RespondWithError(w, http.StatusBadRequest, "Invalid day")
			return
		}
		id, err := utils.IntParam(ps, "id")
		if err != nil {
			utils.RespondWithError(w, http.StatusBadRequest, "Invalid item id")
			return
		}
		var req itemRequest
		if err := utils.DecodeJSON(w, r, &req); err != nil {
			utils.RespondWithError(w, http.StatusBadRequest, "Invalid request payload")
			return
		}
		req.ID = id
		if err := s.EditItem(day, req.item()); err != nil {
			respondStoreError(w, err)
			return
		}
		updated, err := s.Day(day)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		utils.RespondWithJSON(w, http.StatusOK, updated)
	}
}

// DELETE /api/itinerary/days/:day/items/:id
func DeleteItem(s *Store) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		day, err := strconv.Atoi(ps.ByName("day"))
		if err != nil {
			utils.RespondWithError(w, http.StatusBadRequest, "Invalid day")
			return
		}
		id, err := utils.IntParam(ps, "id")
		if err != nil {
			utils.RespondWithError(w, http.StatusBadRequest, "Invalid item id")
			return
		}
		if err := s.DeleteItem(day, id); err != nil {
			respondStoreError(w, err)
			return
		}
		log.Printf("[Itinerary] day %d: item %d deleted by %s", day, id, editor(r))
		w.WriteHeader(http.StatusNoContent)
	}
}

// POST /api/itinerary/reconcile
func Reconcile(s *Store) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()

		if err := s.Reconcile(ctx); err != nil {
			log.Printf("[Itinerary] reconcile failed: %v", err)
			if errors.Is(err, context.DeadlineExceeded) || s.Dirty() {
				utils.RespondWithError(w, http.StatusBadGateway, "Reconcile failed: "+err.Error())
				return
			}
			respondStoreError(w, err)
			return
		}
		utils.RespondWithJSON(w, http.StatusOK, s.Snapshot())
	}
}

// editor names the caller for the log; the itinerary itself is shared.
func editor(r *http.Request) string {
	if uid := utils.GetUserIDFromRequest(r); uid != "" {
		return uid
	}
	return "guest"
}

func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrDayNotFound), errors.Is(err, ErrItemNotFound):
		utils.RespondWithError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNotReady), errors.Is(err, ErrNotLoaded), errors.Is(err, ErrClosed):
		utils.RespondWithError(w, http.StatusServiceUnavailable, err.Error())
	default:
		log.Printf("[Itinerary] request failed: %v", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Internal error")
	}
}
