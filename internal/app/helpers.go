package app

import (
	"strings"
)

// NormalizeLocalViewer keeps the control API on localhost and returns the
// listen address and the URL to reach it.
func NormalizeLocalViewer(cfgAddr string) (listenAddr string, url string) {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}

	return a, "http://" + a
}

func logBanner(dir, cfgPath, userID string) {
	log.Info("────────────────────────────────────────")
	log.Info("rtlink client")
	log.Infof(" Data folder : %s", dir)
	log.Infof(" Config file : %s", cfgPath)
	log.Infof(" User        : %s", userID)
	log.Info("────────────────────────────────────────")
}
