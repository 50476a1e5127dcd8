package cli

import (
	"net"
	"path/filepath"
	"strconv"

	"github.com/agusx1211/afar/internal/config"
)

func devicesPath(cfg config.Config) string {
	return filepath.Join(cfg.DataDir, "devices.json")
}

func splitHostPort(addr string) (string, int) {
	host, rawPort, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil {
		return host, 0
	}
	return host, port
}
