package handlers

import (
	"net/http"

	"checkout-svc/storage"

	"github.com/gin-gonic/gin"
)

// routePrefixes lists the base paths the checkout endpoints answer on. The
// second keeps frontends built against the serverless deployment working.
var routePrefixes = []string{"/api", "/.netlify/functions"}

// RegisterRoutes mounts the checkout endpoints. downloads may be nil when
// objects are served by the object store directly.
func RegisterRoutes(router *gin.Engine, checkout *CheckoutHandler, downloads *DownloadHandler) {
	router.HandleMethodNotAllowed = true
	router.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "Method not allowed."})
	})
	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})

	for _, prefix := range routePrefixes {
		group := router.Group(prefix)
		group.POST("/create-checkout", checkout.CreateCheckout)
		group.POST("/free-download", checkout.FreeDownload)
		group.POST("/verify-payment", checkout.VerifyPayment)
		group.POST("/stripe-webhook", checkout.StripeWebhook)
	}
	router.GET("/api/packs", checkout.ListPacks)

	if downloads != nil {
		router.GET(storage.DownloadRoutePrefix+":token", downloads.ServeDownload)
	}
}
