package server

import (
	"net/http"

	"github.com/beyondstorage/beyond-fetch/config"
)

type Server interface {
	// Start binds the listener.
	Start() error
	// Serve handles requests until Stop is called.
	Serve() error
	// Stop stops the server and release the resource.
	Stop() error
	// Addr returns the bound address, empty before Start.
	Addr() string
	// Handler returns the HTTP handler serving downloads.
	Handler() http.Handler
	// Setting return the server setting
	Setting() *config.ServerSettings
}
