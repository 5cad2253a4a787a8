package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/PayFox/app/controllers"
	"github.com/ManuelReschke/PayFox/internal/pkg/cache"
	"github.com/ManuelReschke/PayFox/internal/pkg/database"
	"github.com/ManuelReschke/PayFox/internal/pkg/env"
	"github.com/ManuelReschke/PayFox/internal/pkg/gateway"
	"github.com/ManuelReschke/PayFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/PayFox/internal/pkg/payment"
	"github.com/ManuelReschke/PayFox/internal/pkg/router"
	"github.com/ManuelReschke/PayFox/internal/pkg/subscription"
)

func main() {
	app, manager := NewApplication()

	manager.Start()
	defer manager.Stop()

	go func() {
		addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))
		if err := app.Listen(addr); err != nil {
			log.Fatal(err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Drain in-flight requests before stopping the sweepers so a webhook that
	// is mid-transition still commits.
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

func NewApplication() (*fiber.App, *jobqueue.Manager) {
	env.SetupEnvFile()

	db, err := database.SetupDatabase()
	if err != nil {
		panic(fmt.Sprintf("database setup failed: %v", err))
	}
	cache.SetupCache()

	repo := payment.NewRepository(db)
	gatewayClient := gateway.NewRazorpayClientFromEnv()
	subs := subscription.NewService(db)

	svc := payment.NewService(repo, gatewayClient, subs, payment.Config{
		KeySecret:     env.GetEnv("RAZORPAY_KEY_SECRET", ""),
		WebhookSecret: env.GetEnv("RAZORPAY_WEBHOOK_SECRET", ""),
	})
	webhooks := payment.NewWebhookProcessor(repo, svc, env.GetEnv("RAZORPAY_WEBHOOK_SECRET", ""), cache.Incr)

	sweeper := payment.NewSweeper(
		repo,
		svc,
		gatewayClient,
		time.Duration(env.GetEnvInt("RECONCILE_STUCK_AFTER_MINUTES", 30))*time.Minute,
		time.Duration(env.GetEnvInt("EXPIRE_AFTER_MINUTES", 60))*time.Minute,
		10*time.Second,
	)
	manager := jobqueue.NewManager(sweeper)

	app := fiber.New(fiber.Config{
		AppName:      "PayFox",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	})
	app.Use(recover.New(), logger.New())
	app.Get("/metrics", monitor.New())

	paymentController := controllers.NewPaymentController(svc, webhooks, subs, sweeper, repo)
	router.InstallRouter(app, router.NewApiRouter(paymentController))

	return app, manager
}
