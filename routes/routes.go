package routes

import (
	"strings"

	"github.com/julienschmidt/httprouter"

	"tripsync/app"
	"tripsync/expenses"
	"tripsync/export"
	"tripsync/hub"
	"tripsync/itinerary"
	"tripsync/middleware"
	"tripsync/models"
	"tripsync/ratelim"
	"tripsync/session"
)

func AddSessionRoutes(router *httprouter.Router, a *app.App, rateLimiter *ratelim.RateLimiter) {
	router.POST("/api/session", rateLimiter.Limit(session.SignIn(a.Config.JWTSecret)))
}

func AddItineraryRoutes(router *httprouter.Router, a *app.App, rateLimiter *ratelim.RateLimiter) {
	s := a.Itinerary
	optional := middleware.OptionalAuth(a.Config.JWTSecret)
	router.GET("/api/itinerary", itinerary.GetItinerary(s))
	router.POST("/api/itinerary/days/:day/items", rateLimiter.Limit(optional(itinerary.AddItem(s))))
	router.PUT("/api/itinerary/days/:day/items/:id", rateLimiter.Limit(optional(itinerary.EditItem(s))))
	router.DELETE("/api/itinerary/days/:day/items/:id", rateLimiter.Limit(optional(itinerary.DeleteItem(s))))
	router.POST("/api/itinerary/reconcile", rateLimiter.Limit(itinerary.Reconcile(s)))
	router.GET("/api/itinerary/export", rateLimiter.Limit(export.Itinerary(s, "Trip itinerary: "+a.Config.AppID, ShareURL(a.Config.ShareBaseURL))))
}

func AddExpenseRoutes(router *httprouter.Router, a *app.App, rateLimiter *ratelim.RateLimiter) {
	auth := middleware.Authenticate(a.Config.JWTSecret)
	resolve := a.Ledgers.Resolve
	router.GET("/api/expenses", auth(expenses.GetExpenses(resolve)))
	router.POST("/api/expenses", rateLimiter.Limit(auth(expenses.AddExpense(resolve))))
	router.DELETE("/api/expenses/:id", rateLimiter.Limit(auth(expenses.DeleteExpense(resolve))))
}

func AddLiveRoutes(router *httprouter.Router, a *app.App, h *hub.Hub) {
	router.GET("/ws/itinerary", hub.ItineraryWebSocket(h, a.Itinerary))
	router.GET("/ws/expenses", hub.ExpensesWebSocket(h, a.Ledgers.Resolve, a.Config.JWTSecret))
}

// WireBroadcasts pushes every store change to the matching hub room.
func WireBroadcasts(a *app.App, h *hub.Hub) {
	a.Itinerary.OnChange(func([]models.Day) {
		h.Broadcast(hub.ItineraryRoom, a.Itinerary.Snapshot())
	})
	a.Ledgers.OnCreate(func(userID string, l *expenses.Ledger) {
		room := hub.ExpensesRoom(userID)
		l.OnChange(func([]models.Expense) {
			h.Broadcast(room, l.Snapshot())
		})
	})
	// a ledger someone is watching is never idle
	a.Ledgers.KeepAlive(func(userID string) bool {
		return h.Count(hub.ExpensesRoom(userID)) > 0
	})
}

// ShareURL is the address encoded in exported share codes.
func ShareURL(base string) string {
	return strings.TrimRight(base, "/") + "/api/itinerary"
}
