package routes

import (
	"github.com/julienschmidt/httprouter"

	"tripsync/app"
	"tripsync/hub"
	"tripsync/ratelim"
)

func RoutesWrapper(router *httprouter.Router, a *app.App, h *hub.Hub, rateLimiter *ratelim.RateLimiter) {
	WireBroadcasts(a, h)
	AddSessionRoutes(router, a, rateLimiter)
	AddItineraryRoutes(router, a, rateLimiter)
	AddExpenseRoutes(router, a, rateLimiter)
	AddLiveRoutes(router, a, h)
}
