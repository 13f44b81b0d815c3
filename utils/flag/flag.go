/*
flag Package set up cli flags shared across services

Usage:

	Flags listed in this package are shared across boundaries and service-agnostic
	For service dependent flags please define in their respective package
*/

package flag

import (
	"flag"
)

const (
	// Runs the scrape engine, the query orchestrator and the API server.
	CommunityMux = "communitymux"
	// Runs only the API server, background modules are expected elsewhere.
	APIServer = "api_server"
)

var (
	IsDevelopment  bool
	ServiceName    *string
	AppSettingPath *string
	ListenAddr     *string
)

func init() {
	flag.BoolVar(&IsDevelopment, "dev", true, "set to true if the current run is for development. default value is true")
	ServiceName = flag.String("service", CommunityMux, "'communitymux' or 'api_server'")
	AppSettingPath = flag.String("app_setting_path", "cmd/communitymux/config.yaml", "path to communitymux app setting")
	ListenAddr = flag.String("listen", ":8080", "address the API server listens on")
}
