// Package routes wires the HTTP surface together.
package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/storefrontlabs/storefront-backend/api/controllers"
	"github.com/storefrontlabs/storefront-backend/api/middleware"
	"github.com/storefrontlabs/storefront-backend/internal/cart"
	checkoutsvc "github.com/storefrontlabs/storefront-backend/internal/checkout"
	"github.com/storefrontlabs/storefront-backend/internal/orders"
	product "github.com/storefrontlabs/storefront-backend/internal/products"
	"github.com/storefrontlabs/storefront-backend/internal/reviews"
	"github.com/storefrontlabs/storefront-backend/internal/wishlist"
	"github.com/storefrontlabs/storefront-backend/pkg/config"
	"github.com/storefrontlabs/storefront-backend/pkg/db"
	"github.com/storefrontlabs/storefront-backend/pkg/logger"
	"github.com/storefrontlabs/storefront-backend/pkg/metrics"
	pkgredis "github.com/storefrontlabs/storefront-backend/pkg/redis"
)

// Deps carries everything the router needs.
type Deps struct {
	Config      *config.Config
	Logger      *logger.Logger
	DB          db.Pinger
	Redis       *pkgredis.Client
	HTTPMetrics *metrics.HTTPMetrics
	MetricsHTTP http.Handler

	Products product.Service
	Cart     cart.Service
	Checkout checkoutsvc.Service
	Orders   orders.Service
	Wishlist wishlist.Service
	Reviews  reviews.Service
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(d.Logger),
		middleware.RequestID(d.Logger),
		middleware.Logging(d.Logger),
	)
	if d.HTTPMetrics != nil {
		r.Use(middleware.Metrics(d.HTTPMetrics))
	}

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(d.Config))
		r.Get("/ready", controllers.HealthReady(d.Config, d.DB, d.Redis, d.Logger))
	})

	if d.MetricsHTTP != nil {
		r.Method(http.MethodGet, "/metrics", d.MetricsHTTP)
	} else {
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	}

	// Public catalog. Registered as flat routes so the review mutations below
	// can share the prefix with their own middleware stack.
	r.Get("/api/v1/products", controllers.ProductsList(d.Products, d.Logger))
	r.Get("/api/v1/products/{productID}", controllers.ProductsGet(d.Products, d.Logger))
	r.Get("/api/v1/products/{productID}/availability", controllers.ProductsAvailability(d.Products, d.Logger))
	r.Get("/api/v1/products/{productID}/reviews", controllers.ReviewsList(d.Reviews, d.Logger))
	r.Get("/api/v1/categories", controllers.CategoriesList(d.Products, d.Logger))

	// Authenticated storefront surface.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(d.Config.JWT, d.Logger))
		if d.Redis != nil {
			r.Use(middleware.Idempotency(d.Redis, d.Logger))
		}

		r.Route("/api/v1/cart", func(r chi.Router) {
			r.Get("/", controllers.CartGet(d.Cart, d.Logger))
			r.Delete("/", controllers.CartClear(d.Cart, d.Logger))
			r.Post("/items", controllers.CartAddItem(d.Cart, d.Logger))
			r.Put("/items/{productID}", controllers.CartUpdateItem(d.Cart, d.Logger))
			r.Delete("/items/{productID}", controllers.CartRemoveItem(d.Cart, d.Logger))
		})

		r.Post("/api/v1/checkout", controllers.CheckoutExecute(d.Checkout, d.Logger))

		r.Route("/api/v1/orders", func(r chi.Router) {
			r.Get("/", controllers.OrdersList(d.Orders, d.Logger))
			r.Get("/{orderID}", controllers.OrdersGet(d.Orders, d.Logger))
		})

		r.Route("/api/v1/payments", func(r chi.Router) {
			r.Post("/order", controllers.PaymentsCreateOrder(d.Orders, d.Logger))
			r.Post("/verify", controllers.PaymentsVerify(d.Orders, d.Logger))
		})

		r.Route("/api/v1/wishlist", func(r chi.Router) {
			r.Get("/", controllers.WishlistList(d.Wishlist, d.Logger))
			r.Post("/", controllers.WishlistAdd(d.Wishlist, d.Logger))
			r.Delete("/{productID}", controllers.WishlistRemove(d.Wishlist, d.Logger))
		})

		r.Post("/api/v1/products/{productID}/reviews", controllers.ReviewsCreate(d.Reviews, d.Logger))
		r.Put("/api/v1/products/{productID}/reviews", controllers.ReviewsUpdate(d.Reviews, d.Logger))
		r.Delete("/api/v1/products/{productID}/reviews", controllers.ReviewsDelete(d.Reviews, d.Logger))
	})

	// Admin catalog management.
	r.Group(func(r chi.Router) {
		r.Use(
			middleware.Auth(d.Config.JWT, d.Logger),
			middleware.RequireAdmin(d.Logger),
		)

		r.Route("/api/admin/v1/products", func(r chi.Router) {
			r.Post("/", controllers.ProductsCreate(d.Products, d.Logger))
			r.Put("/{productID}", controllers.ProductsUpdate(d.Products, d.Logger))
			r.Delete("/{productID}", controllers.ProductsDelete(d.Products, d.Logger))
		})
		r.Post("/api/admin/v1/categories", controllers.CategoriesCreate(d.Products, d.Logger))
		r.Put("/api/admin/v1/categories/{categoryID}", controllers.CategoriesUpdate(d.Products, d.Logger))
		r.Delete("/api/admin/v1/categories/{categoryID}", controllers.CategoriesDelete(d.Products, d.Logger))
	})

	return r
}
