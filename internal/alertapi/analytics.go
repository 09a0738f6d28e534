package alertapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/linnemanlabs/clinalert/internal/analytics"
)

const defaultWindowDays = 30

// window parses either from/to (RFC 3339) or days from the query, defaulting
// to the trailing 30 days.
func (a *API) window(r *http.Request) (analytics.Window, error) {
	q := r.URL.Query()
	now := a.clock.Now()

	if from, to := q.Get("from"), q.Get("to"); from != "" || to != "" {
		var w analytics.Window
		var err error
		if w.Start, err = time.Parse(time.RFC3339, from); err != nil {
			return analytics.Window{}, err
		}
		if to == "" {
			w.End = now
		} else if w.End, err = time.Parse(time.RFC3339, to); err != nil {
			return analytics.Window{}, err
		}
		return w, w.Validate()
	}

	days := defaultWindowDays
	if v := q.Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 366 {
			return analytics.Window{}, errBadDays
		}
		days = n
	}
	return analytics.LastDays(now, days), nil
}

type apiError string

func (e apiError) Error() string { return string(e) }

const errBadDays = apiError("days must be between 1 and 366")

func (a *API) handleDashboard(w http.ResponseWriter, r *http.Request) {
	win, err := a.window(r)
	if err != nil {
		badRequest(w, "invalid window: "+err.Error())
		return
	}
	m, err := a.analytics.Dashboard(r.Context(), win)
	if errors.Is(err, analytics.ErrInvalidWindow) {
		badRequest(w, err.Error())
		return
	}
	if err != nil {
		a.logger.Error(r.Context(), err, "dashboard failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) handlePopulation(w http.ResponseWriter, r *http.Request) {
	win, err := a.window(r)
	if err != nil {
		badRequest(w, "invalid window: "+err.Error())
		return
	}
	groupBy, err := analytics.ParseGroupBy(r.URL.Query().Get("group_by"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	s, err := a.analytics.PopulationAnalytics(r.Context(), win, groupBy)
	if errors.Is(err, analytics.ErrInvalidWindow) {
		badRequest(w, err.Error())
		return
	}
	if err != nil {
		a.logger.Error(r.Context(), err, "population analytics failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *API) handleSweep(w http.ResponseWriter, r *http.Request) {
	res, err := a.sweeper.Sweep(r.Context(), a.clock.Now())
	if err != nil {
		a.logger.Error(r.Context(), err, "manual sla sweep failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	if res.Escalated == nil {
		res.Escalated = []string{}
	}
	writeJSON(w, http.StatusOK, res)
}
