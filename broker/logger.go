package broker

import "github.com/wailbentafat/device-relay/logger"

var log = logger.WithComponent("broker")
