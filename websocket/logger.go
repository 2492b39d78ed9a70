package websocket

import "github.com/wailbentafat/device-relay/logger"

// This file provides a package-level logger for the websocket package
var log = logger.WithComponent("websocket")
