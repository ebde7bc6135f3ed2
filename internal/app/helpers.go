package app

import (
	"strings"
)

// NormalizeLocalViewer ensures the viewer only binds to localhost
// and returns the listen addr and browser URL.
func NormalizeLocalViewer(cfgAddr string) (listenAddr string, url string) {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}

	listenAddr = a
	url = "http://" + a
	return
}

func logBanner(dir, cfgPath string) {
	log.Info("────────────────────────────────────────")
	log.Info("huddle scope")
	log.Infof(" Folder      : %s", dir)
	log.Infof(" Config file : %s", cfgPath)
	log.Info("────────────────────────────────────────")
}
