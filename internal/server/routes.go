package server

import (
	"net/http"
	"strings"
)

// setupRoutes wires the API surface onto a mux. All routes live under
// the configured api prefix.
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()
	p := strings.TrimSuffix(s.apiPrefix, "/")

	// System
	mux.HandleFunc(p+"/health", s.apiHandler.HealthHandler)
	mux.HandleFunc(p+"/version", s.apiHandler.VersionHandler)

	// Ingest
	mux.HandleFunc(p+"/upload", rateLimitMiddleware(s.uploadHandler.UploadHandler, s.uploadRate, s.logger))
	mux.HandleFunc(p+"/progress/", s.progressHandler.StreamHandler)
	mux.HandleFunc(p+"/imports", s.importHandler.ListHandler)
	mux.HandleFunc(p+"/imports/", s.importHandler.GetHandler)

	// Catalog
	mux.HandleFunc(p+"/products", s.productHandler.CollectionHandler)
	mux.HandleFunc(p+"/products/bulk-delete", s.productHandler.BulkDeleteHandler)
	mux.HandleFunc(p+"/products/sku/", s.productHandler.SKUHandler)
	mux.HandleFunc(p+"/products/", s.productHandler.ItemHandler)

	// Webhooks
	mux.HandleFunc(p+"/webhooks", s.webhookHandler.CollectionHandler)
	mux.HandleFunc(p+"/webhooks/", s.webhookHandler.ItemHandler)

	// Everything else under the prefix is a JSON 404
	mux.HandleFunc(p+"/", s.apiHandler.NotFoundHandler)

	return withMiddleware(mux, s.logger)
}
