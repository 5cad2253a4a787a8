package router

import (
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	redisstorage "github.com/gofiber/storage/redis"

	"github.com/ManuelReschke/PayFox/app/controllers"
	"github.com/ManuelReschke/PayFox/internal/pkg/cache"
	"github.com/ManuelReschke/PayFox/internal/pkg/env"
)

type ApiRouter struct {
	payments *controllers.PaymentController
}

func NewApiRouter(payments *controllers.PaymentController) *ApiRouter {
	return &ApiRouter{payments: payments}
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	// Rate limiting is shared across instances via Redis, so a multi-node
	// deployment enforces one limit per client.
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        60,
		Expiration: 1 * time.Minute,
		Storage:    newLimiterStorage(),
	}))

	v1 := api.Group("/v1")

	payments := v1.Group("/payments")
	payments.Post("/orders", h.payments.HandleCreateOrder)
	payments.Post("/confirm", h.payments.HandleConfirmPayment)
	payments.Get("/", h.payments.HandleListPayments)
	payments.Get("/:uuid", h.payments.HandleGetPayment)
	payments.Get("/:uuid/events", h.payments.HandleListPaymentEvents)

	v1.Get("/subscriptions/:accountID", h.payments.HandleGetSubscription)

	admin := v1.Group("/admin")
	admin.Post("/payments/:uuid/reconcile", h.payments.HandleReconcilePayment)

	// Webhooks bypass the client rate limiter: the gateway controls retry
	// cadence and dropping a delivery here only delays settlement.
	app.Post("/webhooks/razorpay", h.payments.HandleWebhook)
}

// newLimiterStorage backs the limiter with the same Redis the cache uses,
// but in a separate logical database.
func newLimiterStorage() *redisstorage.Storage {
	host := "localhost"
	port := 6379
	password := env.GetEnv("CACHE_PASSWORD", "")
	if client := cache.GetClient(); client != nil {
		addr := client.Options().Addr
		if h, p, err := net.SplitHostPort(addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		if p := client.Options().Password; p != "" {
			password = p
		}
	}

	return redisstorage.New(redisstorage.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: 1,
		Reset:    false,
	})
}
