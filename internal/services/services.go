// Package services holds the use cases behind the HTTP handlers: file
// upload and lifecycle, chatbot configuration and grounded chat.
package services

import "github.com/markdave123-py/docbot/pkg/logger"

var log = logger.NewLogger("services")
